package session

import (
	"time"

	"github.com/zhouzirui/vera/client/internal/model/chat"
)

// State 会话状态机。
type State int

const (
	Idle State = iota
	Loading
	Ready
	InCall
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case InCall:
		return "in_call"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Notice kinds that are not errors.
const (
	NoticeCallWarning = "call_warning"
	NoticeCallEnded   = "call_ended"
)

// Notice is a user-facing message about something that happened in the
// session. Error notices carry the taxonomy kind from chat.Kind.
type Notice struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// View is an immutable snapshot of everything the presentation layer renders.
type View struct {
	State            State          `json:"state"`
	Connectivity     string         `json:"connectivity"`
	ResearchID       string         `json:"research_id"`
	ConversationID   string         `json:"conversation_id"`
	Transcript       []chat.Message `json:"transcript"`
	Pending          string         `json:"pending,omitempty"`
	TurnInFlight     bool           `json:"turn_in_flight"`
	Call             chat.CallState `json:"call"`
	RemainingSeconds int            `json:"remaining_seconds"`
	CaptureAvailable bool           `json:"capture_available"`
}

// UpdateKind classifies what changed.
type UpdateKind string

const (
	UpdateState        UpdateKind = "state"
	UpdateTranscript   UpdateKind = "transcript"
	UpdatePartial      UpdateKind = "partial"
	UpdateCall         UpdateKind = "call"
	UpdateConnectivity UpdateKind = "connectivity"
	UpdateNotice       UpdateKind = "notice"
)

// Update is delivered to subscribers after every change.
type Update struct {
	Kind   UpdateKind `json:"kind"`
	View   View       `json:"view"`
	Notice *Notice    `json:"notice,omitempty"`
}
