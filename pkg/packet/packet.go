// Package packet defines the wire protocol shared by the server and its
// socket clients: the packet envelope, the action namespace and the
// status catalog.
package packet

// Action tags a packet with its meaning. The base actions are shared by
// every socket protocol; the quiz actions extend them for quiz sessions.
// Values must stay unique across both sets.
type Action string

const (
	ActionStatusCode     Action = "STATUS_CODE"      // HTTP-like status code
	ActionPoolMessage    Action = "POOL_MESSAGE"     // message to all in pool
	ActionGlobalMessage  Action = "GLOBAL_MESSAGE"   // message to all connected
	ActionUserConnect    Action = "USER_CONNECT"     // new user has connected
	ActionUserDisconnect Action = "USER_DISCONNECT"  // user has disconnected
	ActionSessionClose   Action = "SESSION_CLOSE"    // session is closing
)

const (
	ActionSessionCreated Action = "SESSION_CREATED" // respond with a new session id
	ActionSubmitVote     Action = "SUBMIT_VOTE"     // send an answer vote to the session
	ActionQuestionInfo   Action = "QUESTION_INFO"   // full question data (admin)
	ActionQuestionStart  Action = "QUESTION_START"  // notify next question
	ActionQuestionStop   Action = "QUESTION_STOP"   // notify no question
	ActionScoreInfo      Action = "SCORE_INFO"      // all player scores
	ActionQuizEnd        Action = "QUIZ_END"        // end of the quiz
	ActionUserReconnect  Action = "USER_RECONNECT"  // user reattached to a prior record
	ActionKickUser       Action = "KICK_USER"       // kick a user from the session
)

// BaseActions are the protocol-independent actions.
func BaseActions() []Action {
	return []Action{
		ActionStatusCode,
		ActionPoolMessage,
		ActionGlobalMessage,
		ActionUserConnect,
		ActionUserDisconnect,
		ActionSessionClose,
	}
}

// QuizActions are the quiz session extension actions.
func QuizActions() []Action {
	return []Action{
		ActionSessionCreated,
		ActionSubmitVote,
		ActionQuestionInfo,
		ActionQuestionStart,
		ActionQuestionStop,
		ActionScoreInfo,
		ActionQuizEnd,
		ActionUserReconnect,
		ActionKickUser,
	}
}

var knownActions = func() map[Action]bool {
	m := make(map[Action]bool)
	for _, a := range BaseActions() {
		m[a] = true
	}
	for _, a := range QuizActions() {
		m[a] = true
	}
	return m
}()

// Known reports whether a is part of the action namespace.
func Known(a Action) bool { return knownActions[a] }

// Packet is the wire unit. StatusCode is only set on STATUS_CODE packets.
type Packet struct {
	StatusCode *int           `json:"status_code"`
	Action     Action         `json:"action"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New builds a packet for an action with an optional payload.
func New(action Action, message string, payload map[string]any) Packet {
	return Packet{Action: action, Message: message, Payload: payload}
}
