package engine

import (
	engcfg "solarctl/engine/retry"
)

// Config is the public configuration surface for the Engine facade: how to
// reach the message bus, the deployment-wide hard current limit every
// computed compliance value is clamped to (spec §4.5, §8 invariant 5), and
// where to find the static instrument/layout document (spec §6).
type Config struct {
	BrokerURL     string
	ClientID      string
	OutboundDepth int

	StaticConfigPath string // YAML document, hot-reloaded (engine/config)

	AbsoluteCurrentLimit float64
	OffDuringMotion      bool

	Retry engcfg.Config

	MetricsEnabled       bool
	PrometheusListenAddr string

	TracingEnabled bool
}

// Defaults returns a Config with reasonable defaults for a development
// deployment against a local broker.
func Defaults() Config {
	return Config{
		BrokerURL:            "tcp://localhost:1883",
		ClientID:             "solarctl",
		OutboundDepth:        256,
		StaticConfigPath:     "instruments.yaml",
		AbsoluteCurrentLimit: 1.0,
		OffDuringMotion:      true,
		Retry:                engcfg.DefaultConfig(),
		MetricsEnabled:       true,
		PrometheusListenAddr: ":2112",
		TracingEnabled:       false,
	}
}
