package models

// Sample is one (V, I, t, status) measurement tuple. R is populated only
// when the SMU was in resistance mode (spec §3's optional 5-tuple); the
// capability contract guarantees V/I/t/status are always meaningful and R
// is the only field that varies in presence between SMU driver generations
// (see engine/instruments' SMU doc comment for which shape is authoritative).
type Sample struct {
	V      float64
	I      float64
	R      float64 // valid only when HasR is true
	HasR   bool
	T      float64 // seconds, monotonic from job start
	Status uint32
}

// Power returns the raw electrical power V*I. The MPPT tracker uses the
// opposite sign (P = V*I*-1) internally.
func (s Sample) Power() float64 { return s.V * s.I }

// ROI (region of interest) segments a pixel's concatenated sample stream
// so subscribers can label "Voc dwell", "sweep forward", "MPPT", etc.
type ROI struct {
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
	Description string `json:"description"`
}
