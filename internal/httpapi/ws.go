package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/mitchellvdhut/quizzap/internal/socket"
)

// wsQuizCreate upgrades the admin connection and hosts a new session for
// the quiz. Blocks for the lifetime of the connection; rejections are
// delivered over the socket as status packets.
func (s *Server) wsQuizCreate(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid quiz id")
		return
	}
	accessToken := r.URL.Query().Get("token")
	clientToken := r.URL.Query().Get("client_token")

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn := socket.NewWSConn(ws, s.log)
	s.sessions.CreateSession(r.Context(), conn, quizID, accessToken, clientToken)
}

// wsQuizJoin upgrades a player connection into an existing session.
func (s *Server) wsQuizJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	username := r.URL.Query().Get("username")
	clientToken := r.URL.Query().Get("client_token")
	if username == "" {
		s.writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn := socket.NewWSConn(ws, s.log)
	s.sessions.JoinSession(r.Context(), conn, sessionID, username, clientToken)
}
