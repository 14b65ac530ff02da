// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	mbclient "github.com/simonvetter/modbus"
	"github.com/spf13/cobra"

	"github.com/ffutop/sunspec-gateway/internal/hoymiles"
	"github.com/ffutop/sunspec-gateway/internal/sunspec"
)

// maxReadCount is the Read Holding Registers quantity limit.
const maxReadCount = 125

func probeCmd() *cobra.Command {
	var (
		address string
		unit    uint8
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Read and decode the SunSpec map of a Modbus TCP device",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mbclient.NewClient(&mbclient.ClientConfiguration{
				URL:     "tcp://" + address,
				Timeout: timeout,
			})
			if err != nil {
				return fmt.Errorf("failed to create modbus client: %w", err)
			}
			if err := client.Open(); err != nil {
				return fmt.Errorf("failed to connect to %s: %w", address, err)
			}
			defer client.Close()
			client.SetUnitId(unit)

			regs, err := readMap(client, sunspec.BaseAddress, sunspec.Length)
			if err != nil {
				return err
			}
			return renderProbe(cmd.OutOrStdout(), regs)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:502", "host:port of the device")
	cmd.Flags().Uint8VarP(&unit, "unit", "u", 126, "unit id")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "request timeout")
	return cmd
}

func readMap(client *mbclient.ModbusClient, base, length uint16) ([]uint16, error) {
	regs := make([]uint16, 0, length)
	for len(regs) < int(length) {
		n := min(int(length)-len(regs), maxReadCount)
		addr := base + uint16(len(regs))
		chunk, err := client.ReadRegisters(addr, uint16(n), mbclient.HOLDING_REGISTER)
		if err != nil {
			return nil, fmt.Errorf("failed to read %d registers at %d: %w", n, addr, err)
		}
		regs = append(regs, chunk...)
	}
	return regs, nil
}

type point struct {
	name   string
	index  int
	sf     int
	unit   string
	signed bool
	acc32  bool
}

var inverterPoints = []point{
	{name: "A", index: sunspec.InvA, sf: sunspec.InvASF, unit: "A"},
	{name: "AphA", index: sunspec.InvAphA, sf: sunspec.InvASF, unit: "A"},
	{name: "AphB", index: sunspec.InvAphB, sf: sunspec.InvASF, unit: "A"},
	{name: "AphC", index: sunspec.InvAphC, sf: sunspec.InvASF, unit: "A"},
	{name: "PPVphAB", index: sunspec.InvPPVphAB, sf: sunspec.InvVSF, unit: "V"},
	{name: "PPVphBC", index: sunspec.InvPPVphBC, sf: sunspec.InvVSF, unit: "V"},
	{name: "PPVphCA", index: sunspec.InvPPVphCA, sf: sunspec.InvVSF, unit: "V"},
	{name: "PhVphA", index: sunspec.InvPhVphA, sf: sunspec.InvVSF, unit: "V"},
	{name: "PhVphB", index: sunspec.InvPhVphB, sf: sunspec.InvVSF, unit: "V"},
	{name: "PhVphC", index: sunspec.InvPhVphC, sf: sunspec.InvVSF, unit: "V"},
	{name: "W", index: sunspec.InvW, sf: sunspec.InvWSF, unit: "W", signed: true},
	{name: "Hz", index: sunspec.InvHz, sf: sunspec.InvHzSF, unit: "Hz"},
	{name: "VA", index: sunspec.InvVA, sf: sunspec.InvVASF, unit: "VA", signed: true},
	{name: "VAr", index: sunspec.InvVAr, sf: sunspec.InvVArSF, unit: "var", signed: true},
	{name: "PF", index: sunspec.InvPF, sf: sunspec.InvPFSF, signed: true},
	{name: "WH", index: sunspec.InvWH, sf: sunspec.InvWHSF, unit: "Wh", acc32: true},
	{name: "DCA", index: sunspec.InvDCA, sf: sunspec.InvDCASF, unit: "A"},
	{name: "DCV", index: sunspec.InvDCV, sf: sunspec.InvDCVSF, unit: "V"},
	{name: "DCW", index: sunspec.InvDCW, sf: sunspec.InvDCWSF, unit: "W", signed: true},
	{name: "TmpCab", index: sunspec.InvTmpCab, sf: sunspec.InvTmpSF, unit: "°C", signed: true},
}

// renderProbe prints the model chain and the decoded common, inverter and
// controls blocks of a register image starting at the marker.
func renderProbe(w io.Writer, regs []uint16) error {
	headers, err := sunspec.WalkModels(regs)
	if err != nil {
		return err
	}

	models := table.NewWriter()
	models.SetOutputMirror(w)
	models.SetTitle("Models")
	models.AppendHeader(table.Row{"ID", "Name", "Address", "Length"})
	for _, h := range headers {
		models.AppendRow(table.Row{h.ID, sunspec.ModelName(h.ID), sunspec.Address(h.Offset), h.Length})
	}
	models.SetStyle(table.StyleLight)
	models.Render()

	for _, h := range headers {
		block := regs[h.Offset+2 : min(h.Offset+2+int(h.Length), len(regs))]
		switch h.ID {
		case sunspec.ModelCommon:
			renderCommon(w, block)
		case sunspec.ModelInverterSingle, sunspec.ModelInverterThree:
			renderInverter(w, block)
		case sunspec.ModelControls:
			renderControls(w, block)
		}
	}
	return nil
}

func renderCommon(w io.Writer, block []uint16) {
	if len(block) < sunspec.CommonLength {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Common")
	t.AppendRows([]table.Row{
		{"Mn", sunspec.String(block[sunspec.CommonMn:sunspec.CommonMd])},
		{"Md", sunspec.String(block[sunspec.CommonMd:sunspec.CommonOpt])},
		{"Opt", sunspec.String(block[sunspec.CommonOpt:sunspec.CommonVr])},
		{"Vr", sunspec.String(block[sunspec.CommonVr:sunspec.CommonSN])},
		{"SN", sunspec.String(block[sunspec.CommonSN:sunspec.CommonDA])},
		{"DA", block[sunspec.CommonDA]},
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func renderInverter(w io.Writer, block []uint16) {
	if len(block) < sunspec.InverterLength {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Inverter")
	t.AppendHeader(table.Row{"Point", "Value", "Unit"})
	for _, p := range inverterPoints {
		t.AppendRow(table.Row{p.name, decodePoint(block, p), p.unit})
	}
	st := sunspec.State(block[sunspec.InvSt])
	t.AppendRow(table.Row{"St", fmt.Sprintf("%d (%s)", uint16(st), st), ""})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func renderControls(w io.Writer, block []uint16) {
	if len(block) <= sunspec.CtlWMaxLimPctSF {
		return
	}
	limit := "n/a"
	if sf, ok := sunspec.DecodeSF(block[sunspec.CtlWMaxLimPctSF]); ok {
		if v, ok := sunspec.DecodeU16(block[sunspec.CtlWMaxLimPct], sf); ok {
			limit = formatScaled(v, sf) + " %"
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Immediate Controls")
	t.AppendRows([]table.Row{
		{"Conn", block[sunspec.CtlConn]},
		{"WMaxLimPct", limit},
		{"WMaxLim_Ena", block[sunspec.CtlWMaxLimEna]},
	})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func decodePoint(block []uint16, p point) string {
	sf, ok := sunspec.DecodeSF(block[p.sf])
	if !ok {
		return "n/a"
	}

	var v float64
	switch {
	case p.acc32:
		v = float64(sunspec.Acc32(block[p.index:])) * math.Pow(10, float64(sf))
	case p.signed:
		v, ok = sunspec.DecodeS16(block[p.index], sf)
	default:
		v, ok = sunspec.DecodeU16(block[p.index], sf)
	}
	if !ok {
		return "n/a"
	}
	return formatScaled(v, sf)
}

// formatScaled prints v with as many decimals as the scale factor implies.
func formatScaled(v float64, sf int16) string {
	return strconv.FormatFloat(v, 'f', max(0, -int(sf)), 64)
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the supported Hoymiles models",
		Run: func(cmd *cobra.Command, args []string) {
			renderModels(cmd.OutOrStdout())
		},
	}
}

func renderModels(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Model", "Rated W", "MPPT", "Inputs", "Phases", "Max Vdc", "Max Idc", "MPPT V"})
	for _, m := range hoymiles.Models {
		t.AppendRow(table.Row{
			m.Name, m.RatedPower, m.MPPTInputs, m.PanelInputs, m.Phases,
			m.MaxVdc, m.MaxIdc, fmt.Sprintf("%d-%d", m.MPPTVmin, m.MPPTVmax),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
