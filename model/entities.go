// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import "strings"

// Identity is the authenticated user stamped onto locally created entities.
type Identity struct {
	UserID  ID     `json:"id"`
	Name    string `json:"name"`
	HouseID string `json:"houseId"`
}

// Expense is a single spending record.
type Expense struct {
	ID          ID      `json:"id,omitempty"`
	Description string  `json:"description,omitempty"`
	Date        string  `json:"date"`
	Price       float64 `json:"price"`
	CategoryID  ID      `json:"categoryId,omitempty"`
	Image       string  `json:"image,omitempty"`
	HouseID     string  `json:"houseId,omitempty"`
	Owner       string  `json:"owner,omitempty"`
	OwnerID     ID      `json:"ownerId,omitempty"`
}

func (e Expense) EntityID() ID { return e.ID }
func (e *Expense) Normalize()  { e.Date = NormalizeDate(e.Date) }
func (e *Expense) Stamp(u Identity) {
	e.OwnerID, e.Owner, e.HouseID = u.UserID, u.Name, u.HouseID
}

// Income is a single earning record. Source is free text and feeds the
// derived per-owner source list.
type Income struct {
	ID      ID      `json:"id,omitempty"`
	Date    string  `json:"date"`
	Price   float64 `json:"price"`
	Source  string  `json:"source,omitempty"`
	Vat     float64 `json:"vat,omitempty"`
	HouseID string  `json:"houseId,omitempty"`
	Owner   string  `json:"owner,omitempty"`
	OwnerID ID      `json:"ownerId,omitempty"`
}

func (i Income) EntityID() ID { return i.ID }
func (i *Income) Normalize()  { i.Date = NormalizeDate(i.Date) }
func (i *Income) Stamp(u Identity) {
	i.OwnerID, i.Owner, i.HouseID = u.UserID, u.Name, u.HouseID
}

// Budget is a planned amount for one subcategory in one month.
type Budget struct {
	ID         ID      `json:"id,omitempty"`
	Amount     float64 `json:"amount"`
	Date       string  `json:"date,omitempty"`
	CategoryID ID      `json:"categoryId,omitempty"`
	YearMonth  string  `json:"yearMonth,omitempty"`
}

func (b Budget) EntityID() ID { return b.ID }

// Normalize trims the date and derives YearMonth from it.
func (b *Budget) Normalize() {
	b.Date = NormalizeDate(b.Date)
	if len(b.Date) >= 7 {
		b.YearMonth = b.Date[:7]
	}
}

// Subcategory belongs to exactly one CategoryGroup.
type Subcategory struct {
	ID        ID     `json:"id,omitempty"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	GroupID   ID     `json:"groupId,omitempty"`
	GroupName string `json:"groupName,omitempty"`
	Owner     string `json:"owner,omitempty"`
	OwnerID   ID     `json:"ownerId,omitempty"`
}

func (s Subcategory) EntityID() ID { return s.ID }
func (s *Subcategory) Normalize()  { s.Color = NormalizeColor(s.Color) }

// CategoryGroup owns an ordered list of subcategories. Groups are stored keyed
// by id in Snapshot.Categories.
type CategoryGroup struct {
	ID            ID            `json:"id,omitempty"`
	Name          string        `json:"name"`
	Color         string        `json:"color,omitempty"`
	Subcategories []Subcategory `json:"subcategories"`
}

// IndexOf returns the position of subcategory id inside the group or -1.
func (g *CategoryGroup) IndexOf(id ID) int {
	for i := range g.Subcategories {
		if g.Subcategories[i].ID == id {
			return i
		}
	}
	return -1
}

func (g *CategoryGroup) clone() *CategoryGroup {
	c := *g
	c.Subcategories = append([]Subcategory{}, g.Subcategories...)
	return &c
}

// NormalizeDate keeps the calendar date part (YYYY-MM-DD) of a timestamp.
func NormalizeDate(s string) string {
	if len(s) > 10 && s[4] == '-' && s[7] == '-' {
		return s[:10]
	}
	return s
}

// NormalizeColor strips a leading '#' and falls back to white.
func NormalizeColor(c string) string {
	c = strings.TrimPrefix(strings.TrimSpace(c), "#")
	if c == "" {
		return "ffffff"
	}
	return c
}
