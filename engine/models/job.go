package models

import "time"

// Action enumerates the recognized job request actions (spec §3, §6).
type Action string

const (
	ActionRun                     Action = "run"
	ActionStop                    Action = "stop"
	ActionEStop                   Action = "estop"
	ActionCalibrateEQE            Action = "calibrate_eqe"
	ActionCalibratePSU            Action = "calibrate_psu"
	ActionCalibrateSolarsimDiodes Action = "calibrate_solarsim_diodes"
	ActionCalibrateSpectrum       Action = "calibrate_spectrum"
	ActionCalibrateRTD            Action = "calibrate_rtd"
	ActionContactCheck            Action = "contact_check"
	ActionHome                    Action = "home"
	ActionGoto                    Action = "goto"
	ActionReadStage               Action = "read_stage"
)

// IsCalibration reports whether the action routes to a C8 calibration flow.
func (a Action) IsCalibration() bool {
	switch a {
	case ActionCalibrateEQE, ActionCalibratePSU, ActionCalibrateSolarsimDiodes,
		ActionCalibrateSpectrum, ActionCalibrateRTD:
		return true
	}
	return false
}

// DeviceRow is one row of an IV_stuff/EQE_stuff device selection table:
// one enabled pixel with its identity and geometry already resolved by
// the caller, independent of the bitmask+layout path in engine/queue.
type DeviceRow struct {
	Label       string    `json:"label"`
	SystemLabel string    `json:"system_label"`
	Layout      string    `json:"layout"`
	MuxIndex    int       `json:"mux_index"`
	Loc         []float64 `json:"loc"`
	Area        float64   `json:"area"`
	MuxString   string    `json:"mux_string"`
}

// JobArgs is the validated, strongly-typed form of a request's "args" map
// (spec §6 table). Unknown keys are rejected before any instrument I/O
// (spec §9 design note); JobArgs is the result of that validation, not the
// wire shape itself (see engine/bus for wire decoding).
type JobArgs struct {
	IDwell      float64 // seconds; > 0 enables Voc/It-style dwell
	IDwellValue float64 // amps; 0 => Voc measurement
	VDwell      float64 // seconds; > 0 enables Jsc-style dwell after MPPT
	VDwellValue float64 // volts

	MPPTDwell  float64 // seconds; > 0 enables MPPT
	MPPTParams string  // strategy spec string, parsed by engine/mppt

	SweepCheck   bool
	LitSweep     int // 0-3, see spec §4.5
	SweepStart   float64
	SweepEnd     float64
	IVSteps      int
	ReturnSwitch bool

	NPLC        float64
	SourceDelay float64 // ms; negative => auto

	JMax      float64
	IMax      float64
	AOvrSpin  float64
	HasJMax   bool
	HasIMax   bool
	HasAOvr   bool

	IVStuff  []DeviceRow
	EQEStuff []DeviceRow

	Cycles int // 0 => infinite; N => queue * N

	GotoPositionMM []float64 // target for the goto action, one per motion axis

	EQEScan      bool // true => run the EQE spectral-scan stage for this pixel
	EQEStartWL   float64
	EQEEndWL     float64
	EQEStepWL    float64
}

// JobConfig is the validated form of a request's "config" map (spec §6).
// Fields mirror the external interface table; instrument addressing and
// virtualization flags are consumed by engine/instruments at connect time.
type JobConfig struct {
	SMU          SMUConfig
	Solarsim     SolarsimConfig
	Stage        StageConfig
	Substrates   SubstratesConfig
	Controller   ControllerConfig
	Monochromator InstrumentAddressConfig
	LIA          InstrumentAddressConfig
	PSU          PSUConfig
	CCD          CCDConfig
}

type SMUConfig struct {
	Address        string  `yaml:"address"`
	Terminator     string  `yaml:"terminator"`
	Baud           int     `yaml:"baud"`
	FrontTerminals bool    `yaml:"front_terminals"`
	TwoWire        bool    `yaml:"two_wire"`
	CurrentLimit   float64 `yaml:"current_limit"`
	Virtual        bool    `yaml:"virtual"`
}

type SolarsimConfig struct {
	Address         string `yaml:"address"`
	Virtual         bool   `yaml:"virtual"`
	OffDuringMotion bool   `yaml:"off_during_motion"`
}

type StageConfig struct {
	URI                 string               `yaml:"uri"`
	Virtual             bool                 `yaml:"virtual"`
	ExperimentPositions map[string][]float64 `yaml:"experiment_positions"` // keys: "iv", "eqe"
}

type SubstratesConfig struct {
	Number       int                     `yaml:"number"`
	SpacingMM    []float64               `yaml:"spacing_mm"` // per-axis spacing
	ActiveLayout string                  `yaml:"active_layout"`
	Layouts      map[string]LayoutConfig `yaml:"layouts"`
	Adapters     map[string]string       `yaml:"adapters"`
}

// LayoutConfig describes one PCB layout: per-pixel offsets, pad indices,
// and per-pixel areas (spec §4.3 input).
type LayoutConfig struct {
	PCBName   string      `yaml:"pcb_name"`
	Positions [][]float64 `yaml:"positions"` // offsets in mm from substrate center, one per pixel
	Pixels    []int       `yaml:"pixels"`    // 1-based pad indices enabled by this layout
	Areas     []float64   `yaml:"areas"`     // cm^2; -1 means "use override", 0 means "skip"
}

type ControllerConfig struct {
	Address string `yaml:"address"`
	Virtual bool   `yaml:"virtual"`
}

type InstrumentAddressConfig struct {
	Address string `yaml:"address"`
	Virtual bool   `yaml:"virtual"`
}

type PSUConfig struct {
	Address         string    `yaml:"address"`
	Virtual         bool      `yaml:"virtual"`
	ChannelVoltages []float64 `yaml:"channel_voltages"`
	ChannelOCPs     []float64 `yaml:"channel_ocps"`
}

type CCDConfig struct {
	MaxVoltage float64 `yaml:"max_voltage"`
}

// JobRequest is the fully decoded unit of external input (spec §3).
type JobRequest struct {
	Action    Action
	Args      JobArgs
	Config    JobConfig
	ReceivedAt time.Time
}
