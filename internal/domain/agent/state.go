package agent

import (
	"encoding/json"
	"time"
)

// Status is the coarse lifecycle state of the current instruction/session
// pairing, rendered as a badge by the dashboard.
type Status int

const (
	StatusIdle Status = iota
	StatusPlanning
	StatusExecuting
	StatusCompleted
	StatusError
)

var statusNames = map[Status]string{
	StatusIdle:      "idle",
	StatusPlanning:  "planning",
	StatusExecuting: "executing",
	StatusCompleted: "completed",
	StatusError:     "error",
}

var statusFromName = map[string]Status{
	"idle":      StatusIdle,
	"planning":  StatusPlanning,
	"executing": StatusExecuting,
	"completed": StatusCompleted,
	"error":     StatusError,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// EntryKind classifies log entries.
type EntryKind int

const (
	EntryInfo EntryKind = iota
	EntryWarning
	EntryError
	EntrySuccess
	EntrySystem
)

var entryKindNames = map[EntryKind]string{
	EntryInfo:    "info",
	EntryWarning: "warning",
	EntryError:   "error",
	EntrySuccess: "success",
	EntrySystem:  "system",
}

var entryKindFromName = map[string]EntryKind{
	"info":    EntryInfo,
	"warning": EntryWarning,
	"error":   EntryError,
	"success": EntrySuccess,
	"system":  EntrySystem,
}

func (k EntryKind) String() string {
	if n, ok := entryKindNames[k]; ok {
		return n
	}
	return "info"
}

func (k EntryKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EntryKind) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := entryKindFromName[n]; ok {
		*k = v
	}
	return nil
}

// Entry is one timestamped line of the activity log. The log is append-only
// and cleared only when a brand-new session is started.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EntryKind `json:"kind"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
}

// Session identifies the current remote browser session. The zero value
// means no session is live.
type Session struct {
	ID          string `json:"id,omitempty"`
	LiveViewURL string `json:"liveViewUrl,omitempty"`
}

// Live reports whether a remote session is currently held.
func (s Session) Live() bool {
	return s.ID != ""
}

// Snapshot is a point-in-time copy of the orchestrator state.
type Snapshot struct {
	Session Session `json:"session"`
	Status  Status  `json:"status"`
	Goal    string  `json:"goal,omitempty"`
	Log     []Entry `json:"log"`
	Busy    bool    `json:"busy"`
}

// Op tags events published to transports.
type Op string

const (
	OpSnapshot Op = "snapshot"
	OpLog      Op = "log"
	OpStatus   Op = "status"
	OpSession  Op = "session"
	OpReset    Op = "reset"
)

// Event is a state delta published to subscribed transports. OpSnapshot and
// OpReset carry the full snapshot; the others carry the changed piece.
type Event struct {
	Op       Op        `json:"op"`
	Status   *Status   `json:"status,omitempty"`
	Entry    *Entry    `json:"entry,omitempty"`
	Session  *Session  `json:"session,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}
