package packet

// Status is an HTTP-like result surfaced to a single client as a
// STATUS_CODE packet. Err is the machine-readable error code; it is empty
// for plain success statuses.
type Status struct {
	Code    int
	Err     string
	Message string
}

var (
	StatusConnected = Status{Code: 202, Message: "you have connected"}
	StatusRequestOK = Status{Code: 200, Message: "request has been handled successfully"}
	StatusClosing   = Status{Code: 200, Message: "you have been forcefully disconnected"}

	StatusNotSerializable = Status{Code: 400, Err: "WEBSOCKET__JSON_UNSERIALIZABLE", Message: "data is not JSON serializable"}
	StatusValidation      = Status{Code: 400, Err: "WEBSOCKET__VALIDATION_ERROR", Message: "packet schema validation failed"}
	StatusInvalidID       = Status{Code: 400, Err: "WEBSOCKET__INVALID_ID", Message: "either session or user id is invalid"}
	StatusQuizStopped     = Status{Code: 400, Err: "WEBSOCKET__QUIZ_STOPPED", Message: "quiz has already stopped"}
	StatusInvalidVote     = Status{Code: 400, Err: "WEBSOCKET__INVALID_VOTE", Message: "vote index is out of range"}
	StatusNoQuestion      = Status{Code: 400, Err: "WEBSOCKET__NO_QUESTION", Message: "there is no question currently active"}
	StatusAlreadyVoted    = Status{Code: 409, Err: "WEBSOCKET__ALREADY_VOTED", Message: "you have already voted on this question"}
	StatusQuestionActive  = Status{Code: 409, Err: "WEBSOCKET__QUESTION_ACTIVE", Message: "a question is still in progress"}
	StatusAccessDenied    = Status{Code: 403, Err: "WEBSOCKET__ACCESS_DENIED", Message: "access denied"}
	StatusSessionNotFound = Status{Code: 404, Err: "WEBSOCKET__SESSION_NOT_FOUND", Message: "session does not exist"}
	StatusActionNotFound  = Status{Code: 404, Err: "WEBSOCKET__ACTION_NOT_FOUND", Message: "action does not exist"}
	StatusNotImplemented  = Status{Code: 501, Err: "WEBSOCKET__ACTION_NOT_IMPLEMENTED", Message: "action is not implemented or not available"}
)

// NewStatus builds the STATUS_CODE packet for s.
func NewStatus(s Status) Packet {
	code := s.Code
	payload := map[string]any{
		"status_code": s.Code,
		"message":     s.Message,
	}
	if s.Err != "" {
		payload["error"] = s.Err
	}
	return Packet{
		StatusCode: &code,
		Action:     ActionStatusCode,
		Message:    s.Message,
		Payload:    payload,
	}
}
