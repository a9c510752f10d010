package chat

import "errors"

var (
	// ErrTransportUnavailable is returned when the streaming link is not connected.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrUnsupportedCapability is returned when speech capture is unavailable on this host.
	ErrUnsupportedCapability = errors.New("speech recognition unsupported")
	ErrRecognitionFailure    = errors.New("speech recognition failed")
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrUpstream              = errors.New("upstream error")
	ErrHistoryLoad           = errors.New("history load failed")
	ErrPersistence           = errors.New("persistence failed")

	ErrTurnInFlight = errors.New("a response is still streaming")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotReady     = errors.New("session not ready")
)

// Kind maps an error onto its stable taxonomy name. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrUnsupportedCapability):
		return "unsupported_capability"
	case errors.Is(err, ErrRecognitionFailure):
		return "recognition_failure"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrHistoryLoad):
		return "history_load_failure"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrTurnInFlight):
		return "turn_in_flight"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	default:
		return "internal"
	}
}
