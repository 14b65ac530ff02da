// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package hoymiles

import "strings"

// ModelSpec is the nameplate of a known inverter model.
type ModelSpec struct {
	Name        string
	RatedPower  int     // W
	MPPTInputs  int     // independently tracked DC inputs
	PanelInputs int     // DC connectors, one DTU channel each
	Phases      int     // 1 or 3
	MaxVdc      int     // V
	MaxIdc      float64 // A per input
	MPPTVmin    int     // V
	MPPTVmax    int     // V
}

// Models lists the supported micro-inverters.
var Models = []ModelSpec{
	// HM series
	{"HM-300", 300, 1, 1, 1, 60, 10.5, 22, 48},
	{"HM-350", 350, 1, 1, 1, 60, 10.5, 22, 48},
	{"HM-400", 400, 1, 1, 1, 60, 10.5, 22, 48},
	{"HM-600", 600, 1, 2, 1, 60, 11.5, 22, 48},
	{"HM-700", 700, 1, 2, 1, 60, 11.5, 22, 48},
	{"HM-800", 800, 1, 2, 1, 60, 11.5, 22, 48},
	{"HM-1200", 1200, 2, 4, 1, 60, 11.5, 22, 48},
	{"HM-1500", 1500, 2, 4, 1, 60, 11.5, 22, 48},

	// HMS single panel
	{"HMS-300-1T", 300, 1, 1, 1, 60, 11.5, 16, 60},
	{"HMS-350-1T", 350, 1, 1, 1, 60, 11.5, 16, 60},
	{"HMS-400-1T", 400, 1, 1, 1, 65, 12.5, 16, 60},
	{"HMS-450-1T", 450, 1, 1, 1, 65, 13.3, 16, 60},
	{"HMS-500-1T", 500, 1, 1, 1, 65, 14.0, 16, 60},

	// HMS dual panel, shared MPPT
	{"HMS-600-2T", 600, 1, 2, 1, 60, 11.5, 16, 60},
	{"HMS-700-2T", 700, 1, 2, 1, 60, 11.5, 16, 60},
	{"HMS-800-2T", 800, 1, 2, 1, 65, 12.5, 16, 60},
	{"HMS-900-2T", 900, 1, 2, 1, 65, 13.3, 16, 60},
	{"HMS-1000-2T", 1000, 1, 2, 1, 65, 14.0, 16, 60},

	// HMS quad panel
	{"HMS-1600-4T", 1600, 4, 4, 1, 65, 12.5, 16, 60},
	{"HMS-1800-4T", 1800, 4, 4, 1, 65, 13.3, 16, 60},
	{"HMS-2000-4T", 2000, 4, 4, 1, 65, 14.0, 16, 60},

	// HMT three phase
	{"HMT-1600-4T", 1600, 4, 4, 3, 65, 12.5, 16, 60},
	{"HMT-1800-4T", 1800, 4, 4, 3, 65, 13.3, 16, 60},
	{"HMT-2000-4T", 2000, 4, 4, 3, 65, 14.0, 16, 60},
	{"HMT-2250-6T", 2250, 3, 6, 3, 65, 14.0, 16, 60},

	// MIT three phase, 8 panels
	{"MIT-4000-8T", 4000, 4, 8, 3, 140, 20.0, 29, 120},
	{"MIT-4500-8T", 4500, 4, 8, 3, 140, 20.0, 29, 120},
	{"MIT-5000-8T", 5000, 4, 8, 3, 140, 20.0, 29, 120},
}

// LookupModel finds a model by name, ignoring case.
func LookupModel(name string) (ModelSpec, bool) {
	if name == "" {
		return ModelSpec{}, false
	}
	for _, m := range Models {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return ModelSpec{}, false
}
