package bus

import (
	"solarctl/engine/models"
)

// knownArgsKeys and knownConfigKeys are the exhaustive option sets from
// spec §6; any other key is a ConfigError rather than being silently
// ignored (spec §9 design note).
var knownArgsKeys = map[string]bool{
	"i_dwell": true, "i_dwell_value": true, "v_dwell": true, "v_dwell_value": true,
	"mppt_dwell": true, "mppt_params": true,
	"sweep_check": true, "lit_sweep": true, "sweep_start": true, "sweep_end": true,
	"iv_steps": true, "return_switch": true,
	"nplc": true, "source_delay": true,
	"jmax": true, "imax": true, "a_ovr_spin": true,
	"IV_stuff": true, "EQE_stuff": true,
	"cycles": true,
	"goto_position_mm": true,
	"eqe_scan": true, "eqe_start_wl": true, "eqe_end_wl": true, "eqe_step_wl": true,
}

var knownConfigTopKeys = map[string]bool{
	"smu": true, "solarsim": true, "stage": true, "substrates": true,
	"controller": true, "monochromator": true, "lia": true, "psu": true, "ccd": true,
}

// DecodeRequest validates and converts a RawRequest into a models.JobRequest
// for the given action. Unknown top-level args/config keys are rejected
// before any instrument I/O (spec §9).
func DecodeRequest(action models.Action, raw RawRequest) (models.JobRequest, error) {
	for k := range raw.Args {
		if !knownArgsKeys[k] {
			return models.JobRequest{}, models.ConfigError("bus.decode", "unrecognized args key %q", k)
		}
	}
	for k := range raw.Config {
		if !knownConfigTopKeys[k] {
			return models.JobRequest{}, models.ConfigError("bus.decode", "unrecognized config key %q", k)
		}
	}

	args, err := decodeArgs(raw.Args)
	if err != nil {
		return models.JobRequest{}, err
	}
	cfg, err := decodeConfig(raw.Config)
	if err != nil {
		return models.JobRequest{}, err
	}

	return models.JobRequest{Action: action, Args: args, Config: cfg}, nil
}

func decodeArgs(m map[string]any) (models.JobArgs, error) {
	var a models.JobArgs
	var err error

	if a.IDwell, _, err = getFloat(m, "i_dwell"); err != nil {
		return a, err
	}
	if a.IDwellValue, _, err = getFloat(m, "i_dwell_value"); err != nil {
		return a, err
	}
	if a.VDwell, _, err = getFloat(m, "v_dwell"); err != nil {
		return a, err
	}
	if a.VDwellValue, _, err = getFloat(m, "v_dwell_value"); err != nil {
		return a, err
	}
	if a.MPPTDwell, _, err = getFloat(m, "mppt_dwell"); err != nil {
		return a, err
	}
	if a.MPPTParams, _, err = getString(m, "mppt_params"); err != nil {
		return a, err
	}
	if a.SweepCheck, _, err = getBool(m, "sweep_check"); err != nil {
		return a, err
	}
	litSweep, _, err := getFloat(m, "lit_sweep")
	if err != nil {
		return a, err
	}
	a.LitSweep = int(litSweep)
	if a.SweepStart, _, err = getFloat(m, "sweep_start"); err != nil {
		return a, err
	}
	if a.SweepEnd, _, err = getFloat(m, "sweep_end"); err != nil {
		return a, err
	}
	ivSteps, _, err := getFloat(m, "iv_steps")
	if err != nil {
		return a, err
	}
	a.IVSteps = int(ivSteps)
	if a.ReturnSwitch, _, err = getBool(m, "return_switch"); err != nil {
		return a, err
	}
	if a.NPLC, _, err = getFloat(m, "nplc"); err != nil {
		return a, err
	}
	if a.SourceDelay, _, err = getFloat(m, "source_delay"); err != nil {
		return a, err
	}
	if a.JMax, a.HasJMax, err = getFloat(m, "jmax"); err != nil {
		return a, err
	}
	if a.IMax, a.HasIMax, err = getFloat(m, "imax"); err != nil {
		return a, err
	}
	if a.AOvrSpin, a.HasAOvr, err = getFloat(m, "a_ovr_spin"); err != nil {
		return a, err
	}
	cycles, _, err := getFloat(m, "cycles")
	if err != nil {
		return a, err
	}
	a.Cycles = int(cycles)

	if a.IVStuff, err = decodeDeviceRows(m, "IV_stuff"); err != nil {
		return a, err
	}
	if a.EQEStuff, err = decodeDeviceRows(m, "EQE_stuff"); err != nil {
		return a, err
	}
	if raw, ok := m["goto_position_mm"].([]any); ok {
		a.GotoPositionMM = toFloatSlice(raw)
	}
	if a.EQEScan, _, err = getBool(m, "eqe_scan"); err != nil {
		return a, err
	}
	if a.EQEStartWL, _, err = getFloat(m, "eqe_start_wl"); err != nil {
		return a, err
	}
	if a.EQEEndWL, _, err = getFloat(m, "eqe_end_wl"); err != nil {
		return a, err
	}
	if a.EQEStepWL, _, err = getFloat(m, "eqe_step_wl"); err != nil {
		return a, err
	}

	return a, nil
}

func decodeDeviceRows(m map[string]any, key string) ([]models.DeviceRow, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	rows, ok := raw.([]any)
	if !ok {
		return nil, models.ConfigError("bus.decode", "%s must be a list of rows", key)
	}

	out := make([]models.DeviceRow, 0, len(rows))
	for i, r := range rows {
		rm, ok := r.(map[string]any)
		if !ok {
			return nil, models.ConfigError("bus.decode", "%s[%d] must be an object", key, i)
		}
		row := models.DeviceRow{}
		row.Label, _ = rm["label"].(string)
		row.SystemLabel, _ = rm["system_label"].(string)
		row.Layout, _ = rm["layout"].(string)
		if mi, ok := rm["mux_index"].(float64); ok {
			row.MuxIndex = int(mi)
		}
		row.Area, _ = rm["area"].(float64)
		row.MuxString, _ = rm["mux_string"].(string)
		if loc, ok := rm["loc"].([]any); ok {
			for _, v := range loc {
				if f, ok := v.(float64); ok {
					row.Loc = append(row.Loc, f)
				}
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeConfig(m map[string]any) (models.JobConfig, error) {
	var c models.JobConfig
	var err error

	if smu, ok := m["smu"].(map[string]any); ok {
		c.SMU.Address, _ = smu["address"].(string)
		c.SMU.Terminator, _ = smu["terminator"].(string)
		if baud, ok := smu["baud"].(float64); ok {
			c.SMU.Baud = int(baud)
		}
		c.SMU.FrontTerminals, _ = smu["front_terminals"].(bool)
		c.SMU.TwoWire, _ = smu["two_wire"].(bool)
		c.SMU.CurrentLimit, _ = smu["current_limit"].(float64)
		c.SMU.Virtual, _ = smu["virtual"].(bool)
	}
	if ss, ok := m["solarsim"].(map[string]any); ok {
		c.Solarsim.Address, _ = ss["address"].(string)
		c.Solarsim.Virtual, _ = ss["virtual"].(bool)
		c.Solarsim.OffDuringMotion, _ = ss["off_during_motion"].(bool)
	}
	if stage, ok := m["stage"].(map[string]any); ok {
		c.Stage.URI, _ = stage["uri"].(string)
		c.Stage.Virtual, _ = stage["virtual"].(bool)
		if positions, ok := stage["experiment_positions"].(map[string]any); ok {
			c.Stage.ExperimentPositions = make(map[string][]float64, len(positions))
			for k, v := range positions {
				if arr, ok := v.([]any); ok {
					c.Stage.ExperimentPositions[k] = toFloatSlice(arr)
				}
			}
		}
	}
	if subs, ok := m["substrates"].(map[string]any); ok {
		if number, ok := subs["number"].(float64); ok {
			c.Substrates.Number = int(number)
		}
		if spacing, ok := subs["spacing"].([]any); ok {
			c.Substrates.SpacingMM = toFloatSlice(spacing)
		}
		c.Substrates.ActiveLayout, _ = subs["active_layout"].(string)
		if layouts, ok := subs["layouts"].(map[string]any); ok {
			c.Substrates.Layouts, err = decodeLayouts(layouts)
			if err != nil {
				return c, err
			}
		}
		if adapters, ok := subs["adapters"].(map[string]any); ok {
			c.Substrates.Adapters = make(map[string]string, len(adapters))
			for k, v := range adapters {
				c.Substrates.Adapters[k], _ = v.(string)
			}
		}
	}
	if ctrl, ok := m["controller"].(map[string]any); ok {
		c.Controller.Address, _ = ctrl["address"].(string)
		c.Controller.Virtual, _ = ctrl["virtual"].(bool)
	}
	if mono, ok := m["monochromator"].(map[string]any); ok {
		c.Monochromator.Address, _ = mono["address"].(string)
		c.Monochromator.Virtual, _ = mono["virtual"].(bool)
	}
	if lia, ok := m["lia"].(map[string]any); ok {
		c.LIA.Address, _ = lia["address"].(string)
		c.LIA.Virtual, _ = lia["virtual"].(bool)
	}
	if psu, ok := m["psu"].(map[string]any); ok {
		psuCfg := models.PSUConfig{}
		psuCfg.Address, _ = psu["address"].(string)
		psuCfg.Virtual, _ = psu["virtual"].(bool)
		if voltages, ok := psu["channel_voltages"].([]any); ok {
			psuCfg.ChannelVoltages = toFloatSlice(voltages)
		}
		if ocps, ok := psu["channel_ocps"].([]any); ok {
			psuCfg.ChannelOCPs = toFloatSlice(ocps)
		}
		c.PSU = psuCfg
	}
	if ccd, ok := m["ccd"].(map[string]any); ok {
		c.CCD.MaxVoltage, _ = ccd["max_voltage"].(float64)
	}

	return c, nil
}

func decodeLayouts(m map[string]any) (map[string]models.LayoutConfig, error) {
	out := make(map[string]models.LayoutConfig, len(m))
	for name, v := range m {
		lm, ok := v.(map[string]any)
		if !ok {
			return nil, models.ConfigError("bus.decode", "layout %q must be an object", name)
		}
		layout := models.LayoutConfig{PCBName: name}
		if pcbName, ok := lm["pcb_name"].(string); ok {
			layout.PCBName = pcbName
		}
		if positions, ok := lm["positions"].([]any); ok {
			for _, p := range positions {
				if row, ok := p.([]any); ok {
					layout.Positions = append(layout.Positions, toFloatSlice(row))
				}
			}
		}
		if pixels, ok := lm["pixels"].([]any); ok {
			for _, p := range pixels {
				if f, ok := p.(float64); ok {
					layout.Pixels = append(layout.Pixels, int(f))
				}
			}
		}
		if areas, ok := lm["areas"].([]any); ok {
			layout.Areas = toFloatSlice(areas)
		}
		out[name] = layout
	}
	return out, nil
}

func toFloatSlice(raw []any) []float64 {
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}

func getFloat(m map[string]any, key string) (float64, bool, error) {
	raw, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, false, models.ConfigError("bus.decode", "args.%s must be a number, got %T", key, raw)
	}
	return f, true, nil
}

func getBool(m map[string]any, key string) (bool, bool, error) {
	raw, ok := m[key]
	if !ok {
		return false, false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, false, models.ConfigError("bus.decode", "args.%s must be a bool, got %T", key, raw)
	}
	return b, true, nil
}

func getString(m map[string]any, key string) (string, bool, error) {
	raw, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, models.ConfigError("bus.decode", "args.%s must be a string, got %T", key, raw)
	}
	return s, true, nil
}
