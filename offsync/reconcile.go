// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mobiletoly/go-budgetsync/model"
)

// ReconcileKind names a reconciliation shape in persisted records.
type ReconcileKind string

const (
	KindFlat     ReconcileKind = "flat"
	KindFlatBulk ReconcileKind = "flat_bulk"
	KindNested   ReconcileKind = "nested"
	KindKeyed    ReconcileKind = "keyed"
	KindNone     ReconcileKind = "none"
)

// IDChange records that a temporary id was replaced by a server id. An empty
// New means the entity was dropped by the server response.
type IDChange struct {
	Old model.ID
	New model.ID
}

// Reconciler applies a successful response to local state. The set of
// implementations is closed: FlatPatch, FlatBulkPatch, NestedPatch,
// KeyedPatch and NoPatch. Applying the same response twice leaves state as
// applying it once.
type Reconciler interface {
	Kind() ReconcileKind

	apply(s *model.Snapshot, correlation model.ID, resp json.RawMessage) ([]IDChange, error)
	spec() reconcileSpec
	clone() Reconciler
	rewriteID(oldID, newID model.ID) (Reconciler, bool)
}

// FlatPatch merges the response into the entity of a flat collection whose id
// equals the correlation id. Fields absent from the response are kept.
type FlatPatch struct {
	Collection Collection
}

// FlatBulkPatch replaces every budget line of a locally created batch with the
// lines the server returned. Lines holds the temporary line ids in the order
// they were sent.
type FlatBulkPatch struct {
	Collection Collection
	Lines      []model.ID
}

// NestedPatch merges a subcategory response and moves the subcategory when
// the server placed it in another group. GroupID is the group at enqueue time.
type NestedPatch struct {
	GroupID model.ID
}

// KeyedPatch re-keys a category group from its temporary id to the server id,
// keeping its subcategories.
type KeyedPatch struct{}

// NoPatch leaves local state untouched, as for deletes.
type NoPatch struct{}

func (FlatPatch) Kind() ReconcileKind     { return KindFlat }
func (FlatBulkPatch) Kind() ReconcileKind { return KindFlatBulk }
func (NestedPatch) Kind() ReconcileKind   { return KindNested }
func (KeyedPatch) Kind() ReconcileKind    { return KindKeyed }
func (NoPatch) Kind() ReconcileKind       { return KindNone }

type reconcileSpec struct {
	Kind       ReconcileKind `json:"kind"`
	Collection Collection    `json:"collection,omitempty"`
	GroupID    model.ID      `json:"groupId,omitempty"`
	Lines      []model.ID    `json:"lines,omitempty"`
}

func (s reconcileSpec) reconciler() (Reconciler, error) {
	switch s.Kind {
	case KindFlat:
		return FlatPatch{Collection: s.Collection}, nil
	case KindFlatBulk:
		return FlatBulkPatch{Collection: s.Collection, Lines: s.Lines}, nil
	case KindNested:
		return NestedPatch{GroupID: s.GroupID}, nil
	case KindKeyed:
		return KeyedPatch{}, nil
	case KindNone, "":
		return NoPatch{}, nil
	default:
		return nil, fmt.Errorf("unknown reconcile kind %q", s.Kind)
	}
}

func (p FlatPatch) spec() reconcileSpec {
	return reconcileSpec{Kind: KindFlat, Collection: p.Collection}
}
func (p FlatBulkPatch) spec() reconcileSpec {
	return reconcileSpec{Kind: KindFlatBulk, Collection: p.Collection, Lines: p.Lines}
}
func (p NestedPatch) spec() reconcileSpec { return reconcileSpec{Kind: KindNested, GroupID: p.GroupID} }
func (KeyedPatch) spec() reconcileSpec    { return reconcileSpec{Kind: KindKeyed} }
func (NoPatch) spec() reconcileSpec       { return reconcileSpec{Kind: KindNone} }

func (p FlatPatch) clone() Reconciler { return p }
func (p FlatBulkPatch) clone() Reconciler {
	p.Lines = slices.Clone(p.Lines)
	return p
}
func (p NestedPatch) clone() Reconciler { return p }
func (p KeyedPatch) clone() Reconciler  { return p }
func (p NoPatch) clone() Reconciler     { return p }

func (p FlatPatch) rewriteID(model.ID, model.ID) (Reconciler, bool)     { return p, false }
func (p FlatBulkPatch) rewriteID(model.ID, model.ID) (Reconciler, bool) { return p, false }
func (p KeyedPatch) rewriteID(model.ID, model.ID) (Reconciler, bool)    { return p, false }
func (p NoPatch) rewriteID(model.ID, model.ID) (Reconciler, bool)       { return p, false }

func (p NestedPatch) rewriteID(oldID, newID model.ID) (Reconciler, bool) {
	if p.GroupID != oldID {
		return p, false
	}
	return NestedPatch{GroupID: newID}, true
}

func (p FlatPatch) apply(s *model.Snapshot, corr model.ID, resp json.RawMessage) ([]IDChange, error) {
	if !isJSONObject(resp) {
		return nil, nil
	}
	var probe struct {
		ID model.ID `json:"id"`
	}
	if err := json.Unmarshal(resp, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", p.Collection, err)
	}

	var err error
	switch p.Collection {
	case Expenses:
		err = mergeFlat(s.Expenses, corr, resp)
	case Incomes:
		err = mergeFlat(s.Incomes, corr, resp)
	case Budgets:
		err = mergeFlat(s.Budgets, corr, resp)
	default:
		return nil, fmt.Errorf("flat reconcile does not support collection %q", p.Collection)
	}
	if err != nil {
		return nil, err
	}
	return idChange(corr, probe.ID), nil
}

type flatEntity interface {
	EntityID() model.ID
	Normalize()
}

func mergeFlat[T any, PT interface {
	*T
	flatEntity
}](items []T, corr model.ID, resp json.RawMessage) error {
	for i := range items {
		e := PT(&items[i])
		if e.EntityID() != corr {
			continue
		}
		if err := json.Unmarshal(resp, e); err != nil {
			return fmt.Errorf("failed to merge response into %s: %w", corr, err)
		}
		e.Normalize()
		return nil
	}
	return nil
}

func (p FlatBulkPatch) apply(s *model.Snapshot, corr model.ID, resp json.RawMessage) ([]IDChange, error) {
	if p.Collection != Budgets {
		return nil, fmt.Errorf("bulk reconcile does not support collection %q", p.Collection)
	}
	if isJSONObject(resp) {
		return FlatPatch{Collection: p.Collection}.apply(s, corr, resp)
	}
	var lines []model.Budget
	if err := json.Unmarshal(resp, &lines); err != nil {
		return nil, fmt.Errorf("failed to decode budget batch response: %w", err)
	}

	if corr.IsTemp() {
		linePrefix := corr + "-"
		s.Budgets = slices.DeleteFunc(s.Budgets, func(b model.Budget) bool {
			return b.ID.HasPrefix(linePrefix)
		})
	}
	for _, b := range lines {
		b.Normalize()
		if i := slices.IndexFunc(s.Budgets, func(x model.Budget) bool { return x.ID == b.ID }); i >= 0 {
			s.Budgets[i] = b
			continue
		}
		s.Budgets = append(s.Budgets, b)
	}

	// lines are matched to the server response by position
	changes := make([]IDChange, 0, len(p.Lines))
	for i, line := range p.Lines {
		ch := IDChange{Old: line}
		if i < len(lines) {
			ch.New = lines[i].ID
		}
		changes = append(changes, ch)
	}
	return changes, nil
}

func (p NestedPatch) apply(s *model.Snapshot, corr model.ID, resp json.RawMessage) ([]IDChange, error) {
	if !isJSONObject(resp) {
		return nil, nil
	}
	var probe struct {
		ID model.ID `json:"id"`
	}
	if err := json.Unmarshal(resp, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode subcategory response: %w", err)
	}

	var from *model.CategoryGroup
	idx := -1
	if g, ok := s.Categories[p.GroupID]; ok {
		from, idx = g, g.IndexOf(corr)
	}
	if idx < 0 {
		from, idx = s.FindSubcategory(corr)
	}
	if idx < 0 && !probe.ID.IsZero() {
		// reconciled before
		from, idx = s.FindSubcategory(probe.ID)
	}
	if idx < 0 {
		return idChange(corr, probe.ID), nil
	}

	merged := from.Subcategories[idx]
	if err := json.Unmarshal(resp, &merged); err != nil {
		return nil, fmt.Errorf("failed to decode subcategory response: %w", err)
	}
	merged.Normalize()

	target, ok := s.Categories[merged.GroupID]
	if !ok {
		target = from
	}
	merged.GroupID = target.ID
	merged.GroupName = target.Name

	if target == from {
		from.Subcategories[idx] = merged
	} else {
		from.Subcategories = slices.Delete(from.Subcategories, idx, idx+1)
		upsertSubcategory(target, merged)
	}
	return idChange(corr, merged.ID), nil
}

func upsertSubcategory(g *model.CategoryGroup, sub model.Subcategory) {
	if i := g.IndexOf(sub.ID); i >= 0 {
		g.Subcategories[i] = sub
		return
	}
	g.Subcategories = append(g.Subcategories, sub)
}

func (KeyedPatch) apply(s *model.Snapshot, corr model.ID, resp json.RawMessage) ([]IDChange, error) {
	if !isJSONObject(resp) {
		return nil, nil
	}
	var r struct {
		ID    model.ID `json:"id"`
		Name  *string  `json:"name"`
		Color *string  `json:"color"`
	}
	if err := json.Unmarshal(resp, &r); err != nil {
		return nil, fmt.Errorf("failed to decode category group response: %w", err)
	}
	newID := r.ID
	if newID.IsZero() {
		newID = corr
	}

	g, ok := s.Categories[corr]
	if !ok {
		g, ok = s.Categories[newID]
	}
	if !ok {
		return idChange(corr, r.ID), nil
	}
	if r.Name != nil {
		g.Name = *r.Name
	}
	if r.Color != nil {
		g.Color = model.NormalizeColor(*r.Color)
	}
	if newID != corr {
		delete(s.Categories, corr)
	}
	g.ID = newID
	for i := range g.Subcategories {
		g.Subcategories[i].GroupID = newID
		g.Subcategories[i].GroupName = g.Name
	}
	s.Categories[newID] = g
	return idChange(corr, r.ID), nil
}

func (NoPatch) apply(*model.Snapshot, model.ID, json.RawMessage) ([]IDChange, error) {
	return nil, nil
}

func idChange(corr, respID model.ID) []IDChange {
	if !corr.IsTemp() || respID.IsZero() || respID == corr {
		return nil
	}
	return []IDChange{{Old: corr, New: respID}}
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// propagateID rewrites local references to a temporary id once the server id
// is known.
func propagateID(s *model.Snapshot, ch IDChange) {
	if ch.New.IsZero() {
		return
	}
	for i := range s.Expenses {
		if s.Expenses[i].CategoryID == ch.Old {
			s.Expenses[i].CategoryID = ch.New
		}
	}
	for i := range s.Budgets {
		if s.Budgets[i].CategoryID == ch.Old {
			s.Budgets[i].CategoryID = ch.New
		}
	}
	for _, g := range s.Categories {
		for i := range g.Subcategories {
			if g.Subcategories[i].GroupID == ch.Old {
				g.Subcategories[i].GroupID = ch.New
			}
		}
	}
}
