// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Snapshot is the complete local copy of a household's data, as returned by
// the server's initial-load endpoint.
type Snapshot struct {
	Expenses   []Expense             `json:"expenses"`
	Incomes    []Income              `json:"income"`
	Budgets    []Budget              `json:"budgets"`
	Categories map[ID]*CategoryGroup `json:"categories"`
}

// NewSnapshot returns an empty snapshot with all collections allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Expenses:   []Expense{},
		Incomes:    []Income{},
		Budgets:    []Budget{},
		Categories: map[ID]*CategoryGroup{},
	}
}

// Normalize fills missing collections, trims dates, derives budget months and
// makes every group and subcategory agree on the group id.
func (s *Snapshot) Normalize() {
	if s.Expenses == nil {
		s.Expenses = []Expense{}
	}
	if s.Incomes == nil {
		s.Incomes = []Income{}
	}
	if s.Budgets == nil {
		s.Budgets = []Budget{}
	}
	if s.Categories == nil {
		s.Categories = map[ID]*CategoryGroup{}
	}
	for i := range s.Expenses {
		s.Expenses[i].Normalize()
	}
	for i := range s.Incomes {
		s.Incomes[i].Normalize()
	}
	for i := range s.Budgets {
		s.Budgets[i].Normalize()
	}
	for key, g := range s.Categories {
		if g == nil {
			delete(s.Categories, key)
			continue
		}
		g.ID = key
		if g.Subcategories == nil {
			g.Subcategories = []Subcategory{}
		}
		for i := range g.Subcategories {
			g.Subcategories[i].GroupID = key
			g.Subcategories[i].GroupName = g.Name
			g.Subcategories[i].Normalize()
		}
	}
}

// Clone returns a deep copy that shares no slices or groups with s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		Expenses:   append([]Expense{}, s.Expenses...),
		Incomes:    append([]Income{}, s.Incomes...),
		Budgets:    append([]Budget{}, s.Budgets...),
		Categories: make(map[ID]*CategoryGroup, len(s.Categories)),
	}
	for id, g := range s.Categories {
		c.Categories[id] = g.clone()
	}
	return c
}

// FindSubcategory returns the group holding subcategory id and its index.
func (s *Snapshot) FindSubcategory(id ID) (*CategoryGroup, int) {
	for _, g := range s.Categories {
		if i := g.IndexOf(id); i >= 0 {
			return g, i
		}
	}
	return nil, -1
}

// Sources derives, per owner name, the distinct income sources in first-seen
// order.
func (s *Snapshot) Sources() map[string][]string {
	out := map[string][]string{}
	seen := map[string]map[string]bool{}
	for _, inc := range s.Incomes {
		if inc.Source == "" {
			continue
		}
		if seen[inc.Owner] == nil {
			seen[inc.Owner] = map[string]bool{}
		}
		if seen[inc.Owner][inc.Source] {
			continue
		}
		seen[inc.Owner][inc.Source] = true
		out[inc.Owner] = append(out[inc.Owner], inc.Source)
	}
	return out
}

// GroupIDs returns the group keys in a stable order.
func (s *Snapshot) GroupIDs() []ID {
	ids := make([]ID, 0, len(s.Categories))
	for id := range s.Categories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Envelope is the wire wrapper every endpoint answers with: either a data
// payload under "d" or an error under "err".
type Envelope struct {
	D   json.RawMessage `json:"d,omitempty"`
	Err json.RawMessage `json:"err,omitempty"`
}

// HasError reports whether the remote signalled an application error.
func (e Envelope) HasError() bool {
	v := strings.TrimSpace(string(e.Err))
	return v != "" && v != "null" && v != "false" && v != `""`
}

// ErrorMessage renders the err member as text. Strings are unquoted, objects
// with a "message" member yield that message, anything else is returned raw.
func (e Envelope) ErrorMessage() string {
	if !e.HasError() {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Err, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Err, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(e.Err)
}

// ErrMissingData is returned by DecodeData when the envelope carries neither
// data nor an error.
var ErrMissingData = errors.New("envelope has no data")

// DecodeData unmarshals the data member into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.D) == 0 || string(e.D) == "null" {
		return ErrMissingData
	}
	if err := json.Unmarshal(e.D, v); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

// DataEnvelope wraps v for the success side of the wire.
func DataEnvelope(v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{D: raw}, nil
}

// ErrorEnvelope wraps msg for the failure side of the wire.
func ErrorEnvelope(msg string) Envelope {
	raw, _ := json.Marshal(msg)
	return Envelope{Err: raw}
}
