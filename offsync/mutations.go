// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mobiletoly/go-budgetsync/model"
)

// Every mutation below is applied to local state and queued for delivery in
// one step under the client lock. Errors are returned only for local
// preconditions; delivery problems surface through the queue.

func (c *Client) identity(ctx context.Context) (model.Identity, error) {
	who, err := c.auth.Identity(ctx)
	if err != nil {
		return model.Identity{}, fmt.Errorf("failed to resolve identity: %w", err)
	}
	return who, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}

func updateMethod(id model.ID, serverMethod Method) Method {
	if id.IsTemp() {
		return MethodPatch
	}
	return serverMethod
}

// cancelOrDeleteLocked queues the remote side of a local delete. Updates still
// queued for the entity are dropped first. A temporary entity never reached
// the server: its queued records are dropped, and if one is in flight a
// tombstone defers the delete until its server id is known.
func (c *Client) cancelOrDeleteLocked(coll Collection, id model.ID) {
	if !id.IsTemp() {
		for _, op := range c.queue.Matching(coll.Path(id), id) {
			if op.Status != StatusProcessing {
				c.queue.Remove(op.ID)
			}
		}
		c.enqueueLocked(coll.Path(id), MethodDelete, nil, id, NoPatch{})
		return
	}
	inFlight := false
	for _, op := range c.queue.Matching(coll.Path(), id) {
		if op.Status == StatusProcessing {
			inFlight = true
			continue
		}
		c.queue.Remove(op.ID)
	}
	if inFlight {
		c.tombstones[id] = coll
		c.tombstonesDirty = true
	}
}

// --- expenses

func (c *Client) CreateExpense(ctx context.Context, e model.Expense) (model.Expense, error) {
	who, err := c.identity(ctx)
	if err != nil {
		return model.Expense{}, err
	}
	e.ID = model.NewTempID()
	e.Stamp(who)
	e.Normalize()

	wire := e
	wire.ID = ""
	payload, err := marshalPayload(wire)
	if err != nil {
		return model.Expense{}, err
	}

	err = c.mutate(ctx, func() error {
		c.state.Expenses = append(c.state.Expenses, e)
		c.enqueueLocked(Expenses.Path(), MethodCreate, payload, e.ID, FlatPatch{Collection: Expenses})
		return nil
	})
	return e, err
}

// UpdateExpense replaces the stored expense. Owner fields left empty keep
// their current values.
func (c *Client) UpdateExpense(ctx context.Context, e model.Expense) (model.Expense, error) {
	e.Normalize()
	err := c.mutate(ctx, func() error {
		i := slices.IndexFunc(c.state.Expenses, func(x model.Expense) bool { return x.ID == e.ID })
		if e.ID.IsZero() || i < 0 {
			return fmt.Errorf("expense %q: %w", e.ID, ErrEntityNotFound)
		}
		cur := c.state.Expenses[i]
		if e.OwnerID.IsZero() {
			e.OwnerID, e.Owner, e.HouseID = cur.OwnerID, cur.Owner, cur.HouseID
		}
		payload, err := marshalPayload(e)
		if err != nil {
			return err
		}
		c.state.Expenses[i] = e
		c.enqueueLocked(Expenses.Path(e.ID), updateMethod(e.ID, MethodReplace), payload, e.ID, FlatPatch{Collection: Expenses})
		return nil
	})
	return e, err
}

func (c *Client) DeleteExpense(ctx context.Context, id model.ID) error {
	return c.mutate(ctx, func() error {
		i := slices.IndexFunc(c.state.Expenses, func(x model.Expense) bool { return x.ID == id })
		if i < 0 {
			return fmt.Errorf("expense %q: %w", id, ErrEntityNotFound)
		}
		c.state.Expenses = slices.Delete(c.state.Expenses, i, i+1)
		c.cancelOrDeleteLocked(Expenses, id)
		return nil
	})
}

// --- income

func (c *Client) CreateIncome(ctx context.Context, in model.Income) (model.Income, error) {
	who, err := c.identity(ctx)
	if err != nil {
		return model.Income{}, err
	}
	in.ID = model.NewTempID()
	in.Stamp(who)
	in.Normalize()

	wire := in
	wire.ID = ""
	payload, err := marshalPayload(wire)
	if err != nil {
		return model.Income{}, err
	}

	err = c.mutate(ctx, func() error {
		c.state.Incomes = append(c.state.Incomes, in)
		c.enqueueLocked(Incomes.Path(), MethodCreate, payload, in.ID, FlatPatch{Collection: Incomes})
		return nil
	})
	return in, err
}

// UpdateIncome always patches: the income endpoint has no full replace.
func (c *Client) UpdateIncome(ctx context.Context, in model.Income) (model.Income, error) {
	in.Normalize()
	err := c.mutate(ctx, func() error {
		i := slices.IndexFunc(c.state.Incomes, func(x model.Income) bool { return x.ID == in.ID })
		if in.ID.IsZero() || i < 0 {
			return fmt.Errorf("income %q: %w", in.ID, ErrEntityNotFound)
		}
		cur := c.state.Incomes[i]
		if in.OwnerID.IsZero() {
			in.OwnerID, in.Owner, in.HouseID = cur.OwnerID, cur.Owner, cur.HouseID
		}
		wire := in
		wire.ID = ""
		payload, err := marshalPayload(wire)
		if err != nil {
			return err
		}
		c.state.Incomes[i] = in
		c.enqueueLocked(Incomes.Path(in.ID), MethodPatch, payload, in.ID, FlatPatch{Collection: Incomes})
		return nil
	})
	return in, err
}

func (c *Client) DeleteIncome(ctx context.Context, id model.ID) error {
	return c.mutate(ctx, func() error {
		i := slices.IndexFunc(c.state.Incomes, func(x model.Income) bool { return x.ID == id })
		if i < 0 {
			return fmt.Errorf("income %q: %w", id, ErrEntityNotFound)
		}
		c.state.Incomes = slices.Delete(c.state.Incomes, i, i+1)
		c.cancelOrDeleteLocked(Incomes, id)
		return nil
	})
}

// --- budgets

type budgetAmount struct {
	Amount float64 `json:"amount"`
}

func budgetBatchPayload(lines []model.Budget) (json.RawMessage, []model.ID, error) {
	wire := make([]model.Budget, len(lines))
	ids := make([]model.ID, len(lines))
	for i, b := range lines {
		ids[i] = b.ID
		b.ID, b.YearMonth = "", ""
		wire[i] = b
	}
	raw, err := marshalPayload(wire)
	return raw, ids, err
}

// CreateBudgets stores a set of budget lines. Lines without an id are created
// together in one batch sharing a temporary prefix; lines with an id update
// the amount of an existing budget.
func (c *Client) CreateBudgets(ctx context.Context, lines []model.Budget) ([]model.Budget, error) {
	out := make([]model.Budget, 0, len(lines))
	err := c.mutate(ctx, func() error {
		var fresh, updates []model.Budget
		for _, b := range lines {
			b.Normalize()
			if b.ID.IsZero() {
				fresh = append(fresh, b)
				continue
			}
			if !slices.ContainsFunc(c.state.Budgets, func(x model.Budget) bool { return x.ID == b.ID }) {
				return fmt.Errorf("budget %q: %w", b.ID, ErrEntityNotFound)
			}
			updates = append(updates, b)
		}

		for _, b := range updates {
			updated, err := c.updateBudgetLocked(b.ID, b.Amount)
			if err != nil {
				return err
			}
			out = append(out, updated)
		}
		if len(fresh) == 0 {
			return nil
		}

		prefix := model.NewTempBatchPrefix()
		for i := range fresh {
			fresh[i].ID = model.BatchLineID(prefix, i)
		}
		payload, ids, err := budgetBatchPayload(fresh)
		if err != nil {
			return err
		}
		c.state.Budgets = append(c.state.Budgets, fresh...)
		c.enqueueLocked(Budgets.Path(), MethodCreate, payload, prefix, FlatBulkPatch{Collection: Budgets, Lines: ids})
		out = append(out, fresh...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateBudget changes the amount of one budget line.
func (c *Client) UpdateBudget(ctx context.Context, id model.ID, amount float64) (model.Budget, error) {
	var out model.Budget
	err := c.mutate(ctx, func() error {
		var err error
		out, err = c.updateBudgetLocked(id, amount)
		return err
	})
	return out, err
}

func (c *Client) updateBudgetLocked(id model.ID, amount float64) (model.Budget, error) {
	i := slices.IndexFunc(c.state.Budgets, func(x model.Budget) bool { return x.ID == id })
	if i < 0 {
		return model.Budget{}, fmt.Errorf("budget %q: %w", id, ErrEntityNotFound)
	}
	payload, err := marshalPayload(budgetAmount{Amount: amount})
	if err != nil {
		return model.Budget{}, err
	}
	c.state.Budgets[i].Amount = amount
	c.enqueueLocked(Budgets.Path(id), MethodPatch, payload, id, FlatPatch{Collection: Budgets})
	return c.state.Budgets[i], nil
}

// DeleteBudget removes a budget line. A line of a batch that has not been
// sent yet is cut out of the batch; the batch is dropped once it is empty.
func (c *Client) DeleteBudget(ctx context.Context, id model.ID) error {
	return c.mutate(ctx, func() error {
		i := slices.IndexFunc(c.state.Budgets, func(x model.Budget) bool { return x.ID == id })
		if i < 0 {
			return fmt.Errorf("budget %q: %w", id, ErrEntityNotFound)
		}
		c.state.Budgets = slices.Delete(c.state.Budgets, i, i+1)
		c.cancelOrDeleteLocked(Budgets, id)
		if id.IsTemp() {
			c.trimBatchLocked(id)
		}
		return nil
	})
}

func (c *Client) trimBatchLocked(line model.ID) {
	prefix := line.BatchPrefix()
	if prefix == line {
		return
	}
	var batch *Operation
	for _, op := range c.queue.Matching(Budgets.Path(), prefix) {
		if op.Method == MethodCreate {
			batch = op
			break
		}
	}
	if batch == nil {
		return
	}
	if batch.Status == StatusProcessing {
		c.tombstones[line] = Budgets
		c.tombstonesDirty = true
		return
	}

	linePrefix := prefix + "-"
	var rest []model.Budget
	for _, b := range c.state.Budgets {
		if b.ID.HasPrefix(linePrefix) {
			rest = append(rest, b)
		}
	}
	if len(rest) == 0 {
		c.queue.Remove(batch.ID)
		return
	}
	payload, ids, err := budgetBatchPayload(rest)
	if err != nil {
		c.logger.Error("Failed to rebuild budget batch", "batch", prefix, "error", err)
		return
	}
	batch.Payload = payload
	batch.Reconcile = FlatBulkPatch{Collection: Budgets, Lines: ids}
	c.queue.touch(batch)
}

// --- subcategories

// CreateSubcategory adds a subcategory to the group named by sub.GroupID.
func (c *Client) CreateSubcategory(ctx context.Context, sub model.Subcategory) (model.Subcategory, error) {
	who, err := c.identity(ctx)
	if err != nil {
		return model.Subcategory{}, err
	}
	sub.Name = strings.TrimSpace(sub.Name)
	if sub.Name == "" {
		return model.Subcategory{}, fmt.Errorf("subcategory name cannot be empty")
	}
	sub.ID = model.NewTempID()
	sub.OwnerID, sub.Owner = who.UserID, who.Name
	sub.Normalize()

	err = c.mutate(ctx, func() error {
		g, ok := c.state.Categories[sub.GroupID]
		if !ok {
			return fmt.Errorf("category group %q: %w", sub.GroupID, ErrEntityNotFound)
		}
		sub.GroupName = g.Name
		wire := sub
		wire.ID, wire.GroupName = "", ""
		payload, err := marshalPayload(wire)
		if err != nil {
			return err
		}
		g.Subcategories = append(g.Subcategories, sub)
		c.enqueueLocked(Subcategories.Path(), MethodCreate, payload, sub.ID, NestedPatch{GroupID: g.ID})
		return nil
	})
	return sub, err
}

// UpdateSubcategory renames or recolours a subcategory and moves it when
// sub.GroupID names another group.
func (c *Client) UpdateSubcategory(ctx context.Context, sub model.Subcategory) (model.Subcategory, error) {
	var out model.Subcategory
	err := c.mutate(ctx, func() error {
		from, i := c.state.FindSubcategory(sub.ID)
		if sub.ID.IsZero() || from == nil {
			return fmt.Errorf("subcategory %q: %w", sub.ID, ErrEntityNotFound)
		}
		target := from
		if !sub.GroupID.IsZero() && sub.GroupID != from.ID {
			g, ok := c.state.Categories[sub.GroupID]
			if !ok {
				return fmt.Errorf("category group %q: %w", sub.GroupID, ErrEntityNotFound)
			}
			target = g
		}

		out = from.Subcategories[i]
		if name := strings.TrimSpace(sub.Name); name != "" {
			out.Name = name
		}
		if sub.Color != "" {
			out.Color = model.NormalizeColor(sub.Color)
		}
		out.GroupID, out.GroupName = target.ID, target.Name

		wire := out
		wire.GroupName = ""
		payload, err := marshalPayload(wire)
		if err != nil {
			return err
		}
		if target == from {
			from.Subcategories[i] = out
		} else {
			from.Subcategories = slices.Delete(from.Subcategories, i, i+1)
			target.Subcategories = append(target.Subcategories, out)
		}
		c.enqueueLocked(Subcategories.Path(out.ID), updateMethod(out.ID, MethodReplace), payload, out.ID, NestedPatch{GroupID: target.ID})
		return nil
	})
	return out, err
}

func (c *Client) DeleteSubcategory(ctx context.Context, id model.ID) error {
	return c.mutate(ctx, func() error {
		g, i := c.state.FindSubcategory(id)
		if g == nil {
			return fmt.Errorf("subcategory %q: %w", id, ErrEntityNotFound)
		}
		g.Subcategories = slices.Delete(g.Subcategories, i, i+1)
		c.cancelOrDeleteLocked(Subcategories, id)
		return nil
	})
}

// --- category groups

type groupPayload struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (c *Client) CreateCategoryGroup(ctx context.Context, name, color string) (model.CategoryGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.CategoryGroup{}, fmt.Errorf("category group name cannot be empty")
	}
	g := &model.CategoryGroup{
		ID:            model.NewTempGroupID(),
		Name:          name,
		Color:         model.NormalizeColor(color),
		Subcategories: []model.Subcategory{},
	}
	payload, err := marshalPayload(groupPayload{Name: g.Name, Color: g.Color})
	if err != nil {
		return model.CategoryGroup{}, err
	}

	err = c.mutate(ctx, func() error {
		c.state.Categories[g.ID] = g
		c.enqueueLocked(CategoryGroups.Path(), MethodCreate, payload, g.ID, KeyedPatch{})
		return nil
	})
	return *g, err
}

// UpdateCategoryGroup renames or recolours a group. Empty values keep the
// current ones.
func (c *Client) UpdateCategoryGroup(ctx context.Context, id model.ID, name, color string) (model.CategoryGroup, error) {
	var out model.CategoryGroup
	err := c.mutate(ctx, func() error {
		g, ok := c.state.Categories[id]
		if !ok {
			return fmt.Errorf("category group %q: %w", id, ErrEntityNotFound)
		}
		if name = strings.TrimSpace(name); name != "" {
			g.Name = name
		}
		if color != "" {
			g.Color = model.NormalizeColor(color)
		}
		for i := range g.Subcategories {
			g.Subcategories[i].GroupName = g.Name
		}
		payload, err := marshalPayload(groupPayload{Name: g.Name, Color: g.Color})
		if err != nil {
			return err
		}
		c.enqueueLocked(CategoryGroups.Path(id), updateMethod(id, MethodReplace), payload, id, KeyedPatch{})
		out = *g
		out.Subcategories = slices.Clone(g.Subcategories)
		return nil
	})
	return out, err
}

// DeleteCategoryGroup removes an empty group. Groups that still own
// subcategories are refused with ErrGroupNotEmpty.
func (c *Client) DeleteCategoryGroup(ctx context.Context, id model.ID) error {
	return c.mutate(ctx, func() error {
		g, ok := c.state.Categories[id]
		if !ok {
			return fmt.Errorf("category group %q: %w", id, ErrEntityNotFound)
		}
		if len(g.Subcategories) > 0 {
			return fmt.Errorf("category group %q: %w", id, ErrGroupNotEmpty)
		}
		delete(c.state.Categories, id)
		c.cancelOrDeleteLocked(CategoryGroups, id)
		return nil
	})
}
