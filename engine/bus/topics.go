// Package bus is the message-bus adapter (C1): one MQTT connection, an
// inbound request-dispatch loop, and an outbound publish loop fed by a
// bounded queue so producers never block on the network (spec §4.1).
package bus

import "fmt"

// Status is the retained connection/activity status published on
// measurement/status (spec §4.1, §6).
type Status string

const (
	StatusReady   Status = "Ready"
	StatusBusy    Status = "Busy"
	StatusOffline Status = "Offline"
)

// RequestTopicFilter is the subscription tree for inbound job requests.
const RequestTopicFilter = "measurement/#"

const (
	TopicStatus   = "measurement/status"
	TopicLog      = "measurement/log"
	TopicProgress = "progress"
	// TopicContactCheck is the result topic for a contact_check job; the
	// request itself arrives on measurement/contact_check, so the result
	// lives one segment deeper to avoid a client resubscribing to its own
	// published table.
	TopicContactCheck = "measurement/contact_check/result"
	TopicStage        = "measurement/stage"
)

// DataTopic renders the data/raw/<kind> topic for a measurement kind.
func DataTopic(kind string) string { return fmt.Sprintf("data/raw/%s", kind) }

// PlotterClearTopic renders the one-shot plotter/<kind>/clear topic.
func PlotterClearTopic(kind string) string { return fmt.Sprintf("plotter/%s/clear", kind) }

// CalibrationTopic renders calibration/<name>.
func CalibrationTopic(name string) string { return fmt.Sprintf("calibration/%s", name) }

// Sample data kinds recognized under data/raw/<kind> (spec §4.1).
const (
	KindVt      = "vt_measurement"
	KindIt      = "it_measurement"
	KindIV1     = "iv_measurement/1"
	KindIV2     = "iv_measurement/2"
	KindMppt    = "mppt_measurement"
	KindVtMppt  = "vtmppt_measurement"
	KindEQE     = "eqe_measurement"
)

// LogLevel mirrors the level tag published with each measurement/log
// record (spec §4.1: "per log record at or above INFO").
type LogLevel string

const (
	LevelInfo LogLevel = "INFO"
	LevelWarn LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)
