package transcribe

import "fmt"

// Close codes of the persistent transport, including the app-defined range.
const (
	CodeNormal            = 1000
	CodeGoingAway         = 1001
	CodeProtocolError     = 1002
	CodeUnsupportedData   = 1003
	CodeAbnormal          = 1006
	CodeServerError       = 1011
	CodeServerRestart     = 1012
	CodeOverloaded        = 1013
	CodeInvalidCredential = 4001
	CodeQuotaExceeded     = 4003
)

// CloseReason classifies why a transport session ended. The zero value is
// ReasonUnknown.
type CloseReason int

const (
	ReasonUnknown CloseReason = iota

	// ReasonNormal is a clean, caller-initiated close.
	ReasonNormal

	// ReasonGoingAway means the server announced shutdown of this endpoint.
	ReasonGoingAway

	// ReasonProtocolError means one side violated the wire protocol.
	ReasonProtocolError

	// ReasonUnsupportedData means the server rejected a payload type.
	ReasonUnsupportedData

	// ReasonTransientNetwork is an abnormal close with no close frame,
	// typically a dropped connection.
	ReasonTransientNetwork

	// ReasonServerError is an internal error on the service side.
	ReasonServerError

	// ReasonServerRestart means the service is restarting.
	ReasonServerRestart

	// ReasonOverloaded means the service is shedding load.
	ReasonOverloaded

	// ReasonInvalidCredential means the API key was rejected.
	ReasonInvalidCredential

	// ReasonQuotaExceeded means the account's usage quota is exhausted.
	ReasonQuotaExceeded
)

// ClassifyCloseCode maps a transport close code onto the reason taxonomy.
// Unlisted codes map to ReasonUnknown.
func ClassifyCloseCode(code int) CloseReason {
	switch code {
	case CodeNormal:
		return ReasonNormal
	case CodeGoingAway:
		return ReasonGoingAway
	case CodeProtocolError:
		return ReasonProtocolError
	case CodeUnsupportedData:
		return ReasonUnsupportedData
	case CodeAbnormal:
		return ReasonTransientNetwork
	case CodeServerError:
		return ReasonServerError
	case CodeServerRestart:
		return ReasonServerRestart
	case CodeOverloaded:
		return ReasonOverloaded
	case CodeInvalidCredential:
		return ReasonInvalidCredential
	case CodeQuotaExceeded:
		return ReasonQuotaExceeded
	default:
		return ReasonUnknown
	}
}

// Retryable reports whether a new session attempt is worthwhile after this
// close reason. The engine itself never auto-reconnects — that decision
// belongs to the caller.
func (r CloseReason) Retryable() bool {
	switch r {
	case ReasonGoingAway, ReasonTransientNetwork, ReasonServerError,
		ReasonServerRestart, ReasonOverloaded:
		return true
	default:
		return false
	}
}

// String returns a human-readable description of the close reason.
func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal closure"
	case ReasonGoingAway:
		return "server going away"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonUnsupportedData:
		return "unsupported data"
	case ReasonTransientNetwork:
		return "transient network loss"
	case ReasonServerError:
		return "server error"
	case ReasonServerRestart:
		return "server restarting"
	case ReasonOverloaded:
		return "server overloaded"
	case ReasonInvalidCredential:
		return "invalid credential"
	case ReasonQuotaExceeded:
		return "quota exceeded"
	default:
		return "unknown"
	}
}

// Describe returns a caller-facing message for the reason, suitable for
// the single error event emitted on an unexpected close.
func (r CloseReason) Describe() string {
	switch r {
	case ReasonQuotaExceeded:
		return "transcription quota exceeded — check your plan and billing"
	case ReasonInvalidCredential:
		return "transcription credential rejected — check your API key"
	case ReasonOverloaded:
		return "transcription service is overloaded, try again later"
	case ReasonServerRestart:
		return "transcription service is restarting, try again shortly"
	case ReasonServerError:
		return "transcription service reported an internal error"
	case ReasonTransientNetwork:
		return "connection to the transcription service was lost"
	default:
		return fmt.Sprintf("transcription session closed: %s", r)
	}
}
