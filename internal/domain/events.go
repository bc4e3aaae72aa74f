package domain

import "time"

// EventType tags the six variants an engine run publishes (spec.md §4.6).
type EventType string

const (
	EventLog         EventType = "log"
	EventState       EventType = "state"
	EventCountdown   EventType = "countdown"
	EventCRNUpdate   EventType = "crn_update"
	EventCalibration EventType = "calibration"
	EventDone        EventType = "done"
)

// LogLevel is the severity attached to a log event.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Event is a tagged union of the six event variants. Exactly one of the
// payload fields is populated, selected by Type; subscribers dispatch on
// Type rather than probing a loose payload map.
type Event struct {
	Type      EventType
	Timestamp time.Time

	Log         *LogEvent
	State       *StateEvent
	Countdown   *CountdownEvent
	CRNUpdate   *CRNUpdateEvent
	Calibration *CalibrationResult
	Done        *DoneEvent
}

// LogEvent carries a human-readable message and severity.
type LogEvent struct {
	Message string
	Level   LogLevel
}

// StateEvent carries a phase transition.
type StateEvent struct {
	Phase   EnginePhase
	Running bool
}

// CountdownEvent carries the remaining time to the trigger instant.
type CountdownEvent struct {
	TriggerMonotonic time.Time
	RemainingSeconds float64
}

// CRNUpdateEvent carries the cumulative per-CRN status map.
type CRNUpdateEvent struct {
	Results map[string]CRNResult
}

// DoneEvent carries the final per-CRN status map and the reason the run
// ended.
type DoneEvent struct {
	Results map[string]CRNResult
	Reason  string
}
