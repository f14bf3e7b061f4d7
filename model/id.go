// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks identifiers minted on the device before the server assigned one.
const TempPrefix = "f_"

const (
	groupTempPrefix  = TempPrefix + "g_"
	budgetTempPrefix = TempPrefix + "b-"
)

// ID identifies an entity. Server ids arrive as JSON numbers or strings; both
// decode into the same textual form so local and remote ids compare directly.
type ID string

// IsTemp reports whether the id was minted locally and still awaits a server id.
func (id ID) IsTemp() bool {
	return strings.HasPrefix(string(id), TempPrefix)
}

func (id ID) IsZero() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}

// HasPrefix reports whether id starts with prefix.
func (id ID) HasPrefix(prefix ID) bool {
	return strings.HasPrefix(string(id), string(prefix))
}

// BatchPrefix returns the batch prefix of a temporary budget line id
// ("f_b-x1-2" -> "f_b-x1"). Other ids are returned unchanged.
func (id ID) BatchPrefix() ID {
	s := string(id)
	if !strings.HasPrefix(s, budgetTempPrefix) {
		return id
	}
	rest := s[len(budgetTempPrefix):]
	if i := strings.LastIndexByte(rest, '-'); i >= 0 {
		return ID(budgetTempPrefix + rest[:i])
	}
	return id
}

// UnmarshalJSON accepts a JSON string, a JSON number or null. Null leaves the
// receiver untouched so partial server responses do not erase a known id.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id %s: %w", data, err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("decode id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewTempID returns a fresh temporary id for a flat entity or subcategory.
func NewTempID() ID {
	return ID(TempPrefix + randomSuffix())
}

// NewTempGroupID returns a fresh temporary id for a category group.
func NewTempGroupID() ID {
	return ID(groupTempPrefix + randomSuffix())
}

// NewTempBatchPrefix returns the shared prefix of a budget batch. Lines of the
// batch are addressed with BatchLineID.
func NewTempBatchPrefix() ID {
	return ID(budgetTempPrefix + randomSuffix())
}

// BatchLineID returns the id of the n-th line (zero based) of a budget batch.
func BatchLineID(prefix ID, n int) ID {
	return ID(fmt.Sprintf("%s-%d", prefix, n))
}
