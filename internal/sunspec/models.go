// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sunspec

import (
	"errors"
	"fmt"
)

// ErrNoMarker is returned when a register image does not start with "SunS".
var ErrNoMarker = errors.New("sunspec marker not found")

var modelNames = map[uint16]string{
	ModelCommon:         "Common",
	ModelInverterSingle: "Inverter (Single Phase)",
	102:                 "Inverter (Split Phase)",
	ModelInverterThree:  "Inverter (Three Phase)",
	ModelNameplate:      "Nameplate",
	121:                 "Basic Settings",
	122:                 "Measurements/Status",
	ModelControls:       "Immediate Controls",
}

// ModelName returns a display name for a model id.
func ModelName(id uint16) string {
	if name, ok := modelNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Model %d", id)
}

// ModelHeader locates one model block in a register image.
type ModelHeader struct {
	ID     uint16
	Offset int // offset of the header from the marker
	Length uint16
}

// WalkModels follows the model chain of regs, which must start at the
// marker, up to the end model or the end of the image.
func WalkModels(regs []uint16) ([]ModelHeader, error) {
	if len(regs) < 2 || regs[0] != MarkerHigh || regs[1] != MarkerLow {
		return nil, ErrNoMarker
	}

	var models []ModelHeader
	off := 2
	for off+1 < len(regs) {
		h := ModelHeader{ID: regs[off], Offset: off, Length: regs[off+1]}
		if h.ID == ModelEnd {
			return models, nil
		}
		models = append(models, h)
		off += 2 + int(h.Length)
	}
	return models, fmt.Errorf("model chain truncated at offset %d", off)
}
