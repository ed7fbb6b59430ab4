// Package mppt implements the maximum-power-point tracking closed loop
// (C6): pre-roll, quadrant-lock enforcement, curve registration, and the
// four interchangeable strategies, each a pluggable function operating
// over a shared TrackerState.
package mppt

import (
	"strconv"
	"strings"

	"solarctl/engine/models"
)

// StrategyKind tags which tracking algorithm a parsed spec selects (spec §9
// design note: parse the string-typed mppt_params URL once, at job start,
// into a tagged variant).
type StrategyKind int

const (
	StrategyBasic StrategyKind = iota
	StrategyGradientDescent
	StrategySnaith
	StrategySpo
)

// BasicParams configures the perturb-and-observe strategy.
type BasicParams struct {
	DAngleMax     float64 // degrees
	DwellS        float64
	SweepDelayMS  float64
}

// GDParams configures the gradient-descent strategy (and, by embedding,
// snaith — which is gd framed by fixed soaks).
type GDParams struct {
	Alpha       float64
	MinStep     float64
	NPLC        float64
	DelayMS     float64
	MaxStep     float64
	Momentum    float64
	Delta0      float64
	JumpPercent float64
	JumpPeriodS float64
	TimeScale   bool
}

// Params is the parsed, tagged result of an mppt_params string.
type Params struct {
	Kind  StrategyKind
	Basic BasicParams
	GD    GDParams
}

// ParseParams parses strings of the form
// "basic://<dAngleMax>:<dwell_s>:<sweep_delay_ms>",
// "gd://α:min_step:NPLC:delay_ms:max_step:momentum:δ0:jump%:jump_period:time_scale",
// "snaith://..." (same fields as gd), or "spo://" (spec §4.5, §9).
// Malformed specs are rejected with ConfigError before any instrument I/O.
func ParseParams(spec string) (Params, error) {
	scheme, rest, ok := strings.Cut(spec, "://")
	if !ok {
		return Params{}, models.ConfigError("mppt.parse_params", "malformed mppt_params %q: missing scheme", spec)
	}

	switch scheme {
	case "basic":
		fields := splitFields(rest)
		if len(fields) != 3 {
			return Params{}, models.ConfigError("mppt.parse_params", "basic:// requires 3 fields, got %d", len(fields))
		}
		vals, err := parseFloats(fields)
		if err != nil {
			return Params{}, models.ConfigError("mppt.parse_params", "basic:// %w", err)
		}
		return Params{Kind: StrategyBasic, Basic: BasicParams{DAngleMax: vals[0], DwellS: vals[1], SweepDelayMS: vals[2]}}, nil

	case "gd", "snaith":
		fields := splitFields(rest)
		if len(fields) != 10 {
			return Params{}, models.ConfigError("mppt.parse_params", "%s:// requires 10 fields, got %d", scheme, len(fields))
		}
		vals, err := parseFloats(fields[:9])
		if err != nil {
			return Params{}, models.ConfigError("mppt.parse_params", "%s:// %w", scheme, err)
		}
		timeScale := fields[9] != "" && fields[9] != "0" && strings.ToLower(fields[9]) != "false"
		gd := GDParams{
			Alpha: vals[0], MinStep: vals[1], NPLC: vals[2], DelayMS: vals[3], MaxStep: vals[4],
			Momentum: vals[5], Delta0: vals[6], JumpPercent: vals[7], JumpPeriodS: vals[8], TimeScale: timeScale,
		}
		kind := StrategyGradientDescent
		if scheme == "snaith" {
			kind = StrategySnaith
		}
		return Params{Kind: kind, GD: gd}, nil

	case "spo":
		return Params{Kind: StrategySpo}, nil

	default:
		return Params{}, models.ConfigError("mppt.parse_params", "unknown mppt strategy %q", scheme)
	}
}

func splitFields(rest string) []string {
	if rest == "" {
		return nil
	}
	return strings.Split(rest, ":")
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
