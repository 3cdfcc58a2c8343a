package ingest

import (
	"encoding/json"
	"strings"
)

// Outcome is the user-visible result of one inbound event.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// ErrorKind classifies a rejected event.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAuthentication
	KindValidation
	KindTransformation
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindTransformation:
		return "transformation"
	case KindPersistence:
		return "persistence"
	default:
		return ""
	}
}

func (k ErrorKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ErrorKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for candidate := KindAuthentication; candidate <= KindPersistence; candidate++ {
		if candidate.String() == name {
			*k = candidate
			return nil
		}
	}
	*k = KindNone
	return nil
}

// EventKind selects the handler path of an envelope.
type EventKind string

const (
	EventCreate       EventKind = "create"
	EventUpdate       EventKind = "update"
	EventStatusChange EventKind = "status_change"
	// EventReplay marks orders replayed by reconciliation.
	EventReplay EventKind = "replay"
)

// ParseEventKind recognises "<entity>.create", "<entity>.update" and
// "<entity>.status_change".
func ParseEventKind(event string) (EventKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(event))
	switch {
	case strings.HasSuffix(normalized, ".create"):
		return EventCreate, true
	case strings.HasSuffix(normalized, ".update"):
		return EventUpdate, true
	case strings.HasSuffix(normalized, ".status_change"):
		return EventStatusChange, true
	default:
		return "", false
	}
}

// Envelope is the inbound webhook document.
type Envelope struct {
	Event string          `json:"event"`
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

// Result reports what happened to one event. Callers never see a raw error.
type Result struct {
	Outcome  Outcome   `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
	SourceID int64     `json:"source_id,omitempty"`
	OrderID  string    `json:"order_id,omitempty"`
	Created  bool      `json:"created,omitempty"`
}

// Accepted reports whether the event reached the Target or was already
// there.
func (r Result) Accepted() bool {
	return r.Outcome == OutcomeAccepted || r.Outcome == OutcomeDuplicate
}
