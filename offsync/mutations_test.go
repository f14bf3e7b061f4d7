// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-budgetsync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateExpense_VisibleBeforeAnyRemoteCall(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Set(false)
	ctx := context.Background()

	e, err := env.client.CreateExpense(ctx, model.Expense{Description: "milk", Date: "2024-03-02T09:30:00Z", Price: 3.5, CategoryID: "11"})
	require.NoError(t, err)
	assert.True(t, e.ID.IsTemp())
	assert.Equal(t, "2024-03-02", e.Date)
	assert.Equal(t, testIdentity.UserID, e.OwnerID)
	assert.Equal(t, "ann", e.Owner)
	assert.Equal(t, "h1", e.HouseID)

	snap := env.client.Snapshot()
	require.Len(t, snap.Expenses, 1)
	assert.Equal(t, e, snap.Expenses[0])

	ops := env.client.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, []string{"expenses"}, ops[0].Path)
	assert.Equal(t, MethodCreate, ops[0].Method)
	assert.Equal(t, e.ID, ops[0].CorrelationID)
	assert.Equal(t, StatusPending, ops[0].Status)
	assert.NotContains(t, string(ops[0].Payload), string(e.ID))

	assert.False(t, env.client.Dispatcher().Step(ctx), "offline dispatcher must not run")
	assert.Empty(t, env.server.Requests())
}

func TestCreateExpense_ReconcilesServerID(t *testing.T) {
	env := newTestEnv(t, func(req recordedRequest) (int, string, error) {
		return okData(map[string]any{"id": 42, "price": 3.5, "date": "2024-03-02"})
	})
	ctx := context.Background()

	e, err := env.client.CreateExpense(ctx, model.Expense{Description: "milk", Date: "2024-03-02", Price: 3.5})
	require.NoError(t, err)
	assert.Equal(t, 1, env.drain(t))

	reqs := env.server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "expenses", reqs[0].Path)
	assert.Equal(t, "Bearer tok", reqs[0].Auth)
	assert.Equal(t, "milk", decodeBody(t, reqs[0].Body)["description"])

	snap := env.client.Snapshot()
	require.Len(t, snap.Expenses, 1)
	assert.Equal(t, model.ID("42"), snap.Expenses[0].ID)
	assert.Equal(t, e.Description, snap.Expenses[0].Description)
	assert.Zero(t, env.client.QueueLen())
}

func TestUpdate_MethodDependsOnEntityAndID(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Set(false)
	ctx := context.Background()

	env.client.state.Expenses = []model.Expense{{ID: "5", Price: 1, OwnerID: "7", Owner: "ann"}}
	env.client.state.Incomes = []model.Income{{ID: "6", Price: 1}}
	tmp, err := env.client.CreateExpense(ctx, model.Expense{Price: 2})
	require.NoError(t, err)

	updated, err := env.client.UpdateExpense(ctx, model.Expense{ID: "5", Price: 9, Date: "2024-03-03"})
	require.NoError(t, err)
	assert.Equal(t, "ann", updated.Owner, "owner kept when omitted")
	_, err = env.client.UpdateIncome(ctx, model.Income{ID: "6", Price: 8})
	require.NoError(t, err)
	tmp.Price = 3
	_, err = env.client.UpdateExpense(ctx, tmp)
	require.NoError(t, err)
	_, err = env.client.UpdateExpense(ctx, model.Expense{ID: "404"})
	assert.ErrorIs(t, err, ErrEntityNotFound)

	ops := env.client.Operations()
	require.Len(t, ops, 4)
	assert.Equal(t, MethodReplace, ops[1].Method)
	assert.Equal(t, []string{"expenses", "5"}, ops[1].Path)
	assert.Equal(t, MethodPatch, ops[2].Method)
	assert.Equal(t, []string{"income", "6"}, ops[2].Path)
	assert.Equal(t, MethodPatch, ops[3].Method)
	assert.Equal(t, []string{"expenses", string(tmp.ID)}, ops[3].Path)

	assert.Equal(t, 9.0, env.client.Snapshot().Expenses[0].Price)
}

func TestDeleteTemporaryEntity_CancelsQueuedRecords(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Set(false)
	ctx := context.Background()

	keep, err := env.client.CreateExpense(ctx, model.Expense{Price: 1})
	require.NoError(t, err)
	e, err := env.client.CreateExpense(ctx, model.Expense{Price: 2})
	require.NoError(t, err)
	e.Price = 5
	_, err = env.client.UpdateExpense(ctx, e)
	require.NoError(t, err)
	require.Equal(t, 3, env.client.QueueLen())

	require.NoError(t, env.client.DeleteExpense(ctx, e.ID))

	ops := env.client.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, keep.ID, ops[0].CorrelationID)
	assert.Len(t, env.client.Snapshot().Expenses, 1)

	env.conn.Set(true)
	env.drain(t)
	assert.Equal(t, 0, env.server.count(http.MethodDelete, "expenses/"+string(e.ID)))
	assert.Len(t, env.server.Requests(), 1)
}

func TestDeleteServerEntity_QueuesDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.client.state.Incomes = []model.Income{{ID: "12"}}

	require.NoError(t, env.client.DeleteIncome(ctx, "12"))
	assert.ErrorIs(t, env.client.DeleteIncome(ctx, "12"), ErrEntityNotFound)

	env.drain(t)
	assert.Equal(t, 1, env.server.count(http.MethodDelete, "income/12"))
	assert.Empty(t, env.client.Snapshot().Incomes)
}

func TestDeleteDuringInFlightCreate_DeletesAfterReconcile(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, func(req recordedRequest) (int, string, error) {
		if req.Method == http.MethodPost {
			close(entered)
			<-release
			return okData(map[string]any{"id": 42})
		}
		return okData(nil)
	})
	ctx := context.Background()

	e, err := env.client.CreateExpense(ctx, model.Expense{Price: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.client.Dispatcher().Step(ctx)
	}()
	<-entered

	require.NoError(t, env.client.DeleteExpense(ctx, e.ID))
	ops := env.client.Operations()
	require.Len(t, ops, 1, "in-flight create must not be removed")
	assert.Equal(t, StatusProcessing, ops[0].Status)

	close(release)
	wg.Wait()

	ops = env.client.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, MethodDelete, ops[0].Method)
	assert.Equal(t, []string{"expenses", "42"}, ops[0].Path)
	assert.Empty(t, env.client.Snapshot().Expenses)

	env.drain(t)
	assert.Equal(t, 1, env.server.count(http.MethodDelete, "expenses/42"))
	assert.Zero(t, env.client.QueueLen())
}

func TestDeleteDuringInFlightCreate_FailedCreateIsDropped(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		failFast bool
	}{
		{name: "retryable", status: http.StatusServiceUnavailable, body: "down"},
		{name: "rejected", status: http.StatusBadRequest, body: `{"err":"rejected"}`, failFast: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entered := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			env := newTestEnv(t, func(req recordedRequest) (int, string, error) {
				switch {
				case req.Method == http.MethodPost:
					once.Do(func() { close(entered) })
					<-release
					return tc.status, tc.body, nil
				case req.Path == "ini":
					return okData(model.NewSnapshot())
				}
				return okData(nil)
			}, func(cfg *Config) { cfg.FailFastApplicationErrors = tc.failFast })
			ctx := context.Background()

			e, err := env.client.CreateExpense(ctx, model.Expense{Price: 1})
			require.NoError(t, err)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				env.client.Dispatcher().Step(ctx)
			}()
			<-entered
			require.NoError(t, env.client.DeleteExpense(ctx, e.ID))
			close(release)
			wg.Wait()

			assert.Zero(t, env.client.QueueLen(), "create of a deleted entity must not be sent again")
			assert.Empty(t, env.client.tombstones)

			env.clock.Advance(time.Minute)
			env.drain(t)
			require.NoError(t, env.client.Refresh(ctx))
			assert.Equal(t, 1, env.server.count(http.MethodPost, "expenses"))
			assert.Len(t, env.server.Requests(), 2, "one create and the snapshot fetch")
			assert.Empty(t, env.client.Snapshot().Expenses)
		})
	}
}

func TestDeleteDuringInFlightBatch_FailedBatchIsTrimmed(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env := newTestEnv(t, func(req recordedRequest) (int, string, error) {
		once.Do(func() { close(entered) })
		<-release
		return http.StatusServiceUnavailable, "down", nil
	})
	ctx := context.Background()

	lines, err := env.client.CreateBudgets(ctx, []model.Budget{
		{Amount: 100, Date: "2024-03-01", CategoryID: "11"},
		{Amount: 200, Date: "2024-03-01", CategoryID: "12"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.client.Dispatcher().Step(ctx)
	}()
	<-entered
	require.NoError(t, env.client.DeleteBudget(ctx, lines[0].ID))
	close(release)
	wg.Wait()

	ops := env.client.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, StatusRetrying, ops[0].Status)
	assert.Equal(t, FlatBulkPatch{Collection: Budgets, Lines: []model.ID{lines[1].ID}}, ops[0].Reconcile)
	var sent []map[string]any
	require.NoError(t, json.Unmarshal(ops[0].Payload, &sent))
	require.Len(t, sent, 1)
	assert.Equal(t, 200.0, sent[0]["amount"])
	assert.Empty(t, env.client.tombstones)
}

func TestDeleteServerEntity_DropsQueuedUpdates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Set(false)
	ctx := context.Background()
	env.client.state.Expenses = []model.Expense{{ID: "12", Price: 3, Date: "2024-03-01"}}
	env.client.state.Categories["5"] = &model.CategoryGroup{ID: "5", Name: "Empty", Subcategories: []model.Subcategory{}}
	env.client.state.Categories["6"] = &model.CategoryGroup{ID: "6", Name: "Home", Subcategories: []model.Subcategory{
		{ID: "5", Name: "Rent", GroupID: "6", GroupName: "Home"},
	}}

	_, err := env.client.UpdateExpense(ctx, model.Expense{ID: "12", Price: 4, Date: "2024-03-01"})
	require.NoError(t, err)
	_, err = env.client.UpdateSubcategory(ctx, model.Subcategory{ID: "5", Name: "Mortgage"})
	require.NoError(t, err)
	require.NoError(t, env.client.DeleteExpense(ctx, "12"))
	require.NoError(t, env.client.DeleteCategoryGroup(ctx, "5"))

	ops := env.client.Operations()
	require.Len(t, ops, 3)
	assert.Equal(t, []string{"category", "5"}, ops[0].Path, "an update of another entity with the same id stays")
	assert.Equal(t, MethodReplace, ops[0].Method)
	assert.Equal(t, MethodDelete, ops[1].Method)
	assert.Equal(t, []string{"expenses", "12"}, ops[1].Path)
	assert.Equal(t, MethodDelete, ops[2].Method)
	assert.Equal(t, []string{"category", "group", "5"}, ops[2].Path)

	env.conn.Set(true)
	env.drain(t)
	assert.Zero(t, env.server.count(http.MethodPut, "expenses/12"))
	assert.Equal(t, 1, env.server.count(http.MethodDelete, "expenses/12"))
}

func TestGroupSubcategoryExpense_ServerIDsFlowIntoDependentRecords(t *testing.T) {
	env := newTestEnv(t, func(req recordedRequest) (int, string, error) {
		switch req.Path {
		case "category/group", "category/group/10":
			body := bodyMap(req.Body)
			return okData(map[string]any{"id": 10, "name": body["name"], "color": body["color"]})
		case "category":
			body := bodyMap(req.Body)
			return okData(map[string]any{"id": 20, "name": body["name"], "groupId": body["groupId"]})
		case "expenses":
			return okData(map[string]any{"id": 30})
		}
		return http.StatusNotFound, `{"err":"unknown"}`, nil
	})
	env.conn.Set(false)
	ctx := context.Background()

	g, err := env.client.CreateCategoryGroup(ctx, "Kids", "#00ff00")
	require.NoError(t, err)
	sub, err := env.client.CreateSubcategory(ctx, model.Subcategory{Name: "School", GroupID: g.ID})
	require.NoError(t, err)
	_, err = env.client.CreateExpense(ctx, model.Expense{Price: 4, CategoryID: sub.ID})
	require.NoError(t, err)
	_, err = env.client.UpdateCategoryGroup(ctx, g.ID, "Children", "")
	require.NoError(t, err)

	env.conn.Set(true)
	assert.Equal(t, 4, env.drain(t))

	reqs := env.server.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "category/group", reqs[0].Path)
	assert.Equal(t, "category", reqs[1].Path)
	assert.Equal(t, "10", decodeBody(t, reqs[1].Body)["groupId"])
	assert.Equal(t, "expenses", reqs[2].Path)
	assert.Equal(t, "20", decodeBody(t, reqs[2].Body)["categoryId"])
	assert.Equal(t, http.MethodPatch, reqs[3].Method)
	assert.Equal(t, "category/group/10", reqs[3].Path)

	snap := env.client.Snapshot()
	require.Contains(t, snap.Categories, model.ID("10"))
	assert.NotContains(t, snap.Categories, g.ID)
	grp := snap.Categories["10"]
	assert.Equal(t, "Children", grp.Name)
	require.Len(t, grp.Subcategories, 1)
	assert.Equal(t, model.ID("20"), grp.Subcategories[0].ID)
	assert.Equal(t, model.ID("10"), grp.Subcategories[0].GroupID)
	assert.Equal(t, model.ID("20"), snap.Expenses[0].CategoryID)
	assert.Equal(t, model.ID("30"), snap.Expenses[0].ID)
}

func TestDeleteCategoryGroup_RefusesWhileItHasSubcategories(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Set(false)
	ctx := context.Background()

	g, err := env.client.CreateCategoryGroup(ctx, "Home", "")
	require.NoError(t, err)
	assert.Equal(t, "ffffff", g.Color)
	sub, err := env.client.CreateSubcategory(ctx, model.Subcategory{Name: "Rent", GroupID: g.ID})
	require.NoError(t, err)

	assert.ErrorIs(t, env.client.DeleteCategoryGroup(ctx, g.ID), ErrGroupNotEmpty)
	_, err = env.client.CreateSubcategory(ctx, model.Subcategory{Name: "x", GroupID: "missing"})
	assert.ErrorIs(t, err, ErrEntityNotFound)

	require.NoError(t, env.client.DeleteSubcategory(ctx, sub.ID))
	require.NoError(t, env.client.DeleteCategoryGroup(ctx, g.ID))
	assert.Zero(t, env.client.QueueLen(), "create, then delete of never-synced entities leaves nothing to send")
	assert.Empty(t, env.client.Snapshot().Categories)
}

func TestUpdateSubcategory_MovesBetweenGroups(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Set(false)
	ctx := context.Background()
	env.client.state = groupsFixture()

	out, err := env.client.UpdateSubcategory(ctx, model.Subcategory{ID: "30", Name: "Fuel", GroupID: "2"})
	require.NoError(t, err)
	assert.Equal(t, model.ID("2"), out.GroupID)
	assert.Equal(t, "Car", out.GroupName)

	snap := env.client.Snapshot()
	assert.Equal(t, -1, snap.Categories["1"].IndexOf("30"))
	assert.Equal(t, 0, snap.Categories["2"].IndexOf("30"))

	ops := env.client.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, MethodReplace, ops[0].Method)
	assert.Equal(t, []string{"category", "30"}, ops[0].Path)
	assert.Equal(t, NestedPatch{GroupID: "2"}, ops[0].Reconcile)
}

func TestCreateBudgets_BatchTrimAndReconcile(t *testing.T) {
	var sent []map[string]any
	env := newTestEnv(t, func(req recordedRequest) (int, string, error) {
		switch {
		case req.Method == http.MethodPost && req.Path == "budget":
			if err := json.Unmarshal([]byte(req.Body), &sent); err != nil {
				return 0, "", err
			}
			return okData([]map[string]any{
				{"id": 100, "amount": sent[0]["amount"], "date": "2024-03-01", "categoryId": sent[0]["categoryId"]},
				{"id": 101, "amount": sent[1]["amount"], "date": "2024-03-01", "categoryId": sent[1]["categoryId"]},
			})
		case req.Method == http.MethodPatch:
			return okData(map[string]any{"id": 77, "amount": 15})
		}
		return http.StatusNotFound, `{"err":"unknown"}`, nil
	})
	env.conn.Set(false)
	ctx := context.Background()
	env.client.state.Budgets = []model.Budget{{ID: "77", Amount: 10, Date: "2024-02-01", YearMonth: "2024-02"}}

	lines, err := env.client.CreateBudgets(ctx, []model.Budget{
		{Amount: 100, Date: "2024-03-01", CategoryID: "11"},
		{Amount: 200, Date: "2024-03-01", CategoryID: "12"},
		{Amount: 300, Date: "2024-03-01", CategoryID: "13"},
		{ID: "77", Amount: 15},
	})
	require.NoError(t, err)
	require.Len(t, lines, 4)
	assert.Equal(t, model.ID("77"), lines[0].ID)
	prefix := lines[1].ID.BatchPrefix()
	assert.Equal(t, model.BatchLineID(prefix, 2), lines[3].ID)
	assert.Equal(t, "2024-03", lines[1].YearMonth)

	require.NoError(t, env.client.DeleteBudget(ctx, lines[2].ID))
	ops := env.client.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, FlatBulkPatch{Collection: Budgets, Lines: []model.ID{lines[1].ID, lines[3].ID}}, ops[1].Reconcile)

	env.conn.Set(true)
	assert.Equal(t, 2, env.drain(t))
	require.Len(t, sent, 2)
	assert.Equal(t, 100.0, sent[0]["amount"])
	assert.Equal(t, 300.0, sent[1]["amount"])
	assert.NotContains(t, sent[0], "id")

	snap := env.client.Snapshot()
	ids := make([]model.ID, 0, len(snap.Budgets))
	for _, b := range snap.Budgets {
		ids = append(ids, b.ID)
		assert.NotEmpty(t, b.YearMonth)
	}
	assert.ElementsMatch(t, []model.ID{"77", "100", "101"}, ids)
	assert.Zero(t, env.client.QueueLen())
}

func TestDeleteBudget_LastLineDropsBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Set(false)
	ctx := context.Background()

	lines, err := env.client.CreateBudgets(ctx, []model.Budget{{Amount: 1, Date: "2024-04-01", CategoryID: "1"}})
	require.NoError(t, err)
	require.Equal(t, 1, env.client.QueueLen())

	require.NoError(t, env.client.DeleteBudget(ctx, lines[0].ID))
	assert.Zero(t, env.client.QueueLen())
	assert.Empty(t, env.client.Snapshot().Budgets)
}

func TestCreate_FailsWithoutIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.auth = staticAuth{err: assert.AnError}

	_, err := env.client.CreateExpense(context.Background(), model.Expense{Price: 1})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, env.client.Snapshot().Expenses)
	assert.Zero(t, env.client.QueueLen())
}
