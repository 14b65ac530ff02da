// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package source

import (
	"encoding/json"
	"strconv"
)

// Value is a measured quantity that a device may not report.
// The zero Value is absent, never zero.
type Value struct {
	V  float64
	OK bool
}

// Some returns a present Value.
func Some(v float64) Value {
	return Value{V: v, OK: true}
}

// Or returns the value if present, def otherwise.
func (v Value) Or(def float64) float64 {
	if v.OK {
		return v.V
	}
	return def
}

func (v Value) String() string {
	if !v.OK {
		return "n/a"
	}
	return strconv.FormatFloat(v.V, 'f', -1, 64)
}

// MarshalJSON encodes absent values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.OK {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}
