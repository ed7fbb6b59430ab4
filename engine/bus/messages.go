package bus

// LogMessage is the measurement/log payload shape (spec §4.1).
type LogMessage struct {
	Level LogLevel `json:"level"`
	Msg   string   `json:"msg"`
}

// ProgressMessage is the progress payload shape (spec §4.1). When cycles ==
// 0 makes the total pass count unknown (spec §4.5 Finalized), callers use
// FractionUnknown: Unknown is set and Fraction is still sent, as 0, so
// subscribers must check Unknown before reading Fraction.
type ProgressMessage struct {
	Text     string  `json:"text"`
	Fraction float64 `json:"fraction"`
	Unknown  bool    `json:"unknown,omitempty"`
}

// FractionUnknown builds a ProgressMessage for the infinite-cycles case.
func FractionUnknown(text string) ProgressMessage {
	return ProgressMessage{Text: text, Unknown: true}
}

// DataMessage is the data/raw/<kind> payload shape (spec §4.1): Data is
// handler-specific (a list of samples, a spectrum, etc.), Pixel/Sweep
// identify what produced it, Clear requests the subscriber wipe prior
// state for this kind before rendering Data, and End marks the final
// message for this pixel/kind pair.
type DataMessage struct {
	Data  any    `json:"data"`
	Pixel string `json:"pixel,omitempty"`
	Sweep string `json:"sweep,omitempty"`
	Clear bool   `json:"clear,omitempty"`
	End   bool   `json:"end,omitempty"`
}

// ContactResult is one pixel's pass/fail entry in a contact_check table.
type ContactResult struct {
	Pixel string `json:"pixel"`
	Ok    bool   `json:"ok"`
}

// ContactCheckMessage is the measurement/contact_check/result payload
// shape: a pass/fail table covering the whole queue the request selected.
type ContactCheckMessage struct {
	Results []ContactResult `json:"results"`
}

// StageMessage is the measurement/stage payload shape published after
// home/goto/read_stage: the controller's reported position per axis.
type StageMessage struct {
	PositionsMM []float64 `json:"positions_mm"`
}

// CalibrationMessage is the calibration/<name> retained payload shape.
type CalibrationMessage struct {
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// RawRequest is the wire shape of an inbound measurement/<action> payload
// (spec §6): "a serialized mapping with at least {args: {...}, config:
// {...}}". It is decoded into a validated models.JobRequest by
// engine/bus's request decoder before the dispatcher ever sees it.
type RawRequest struct {
	Args   map[string]any `json:"args"`
	Config map[string]any `json:"config"`
}
