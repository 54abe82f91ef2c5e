package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/internal/auth"
	"github.com/mitchellvdhut/quizzap/internal/permission"
	"github.com/mitchellvdhut/quizzap/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// bearerToken pulls the access token out of the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

func quizIDParam(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "quizID"), 10, 64)
	return uint(id), err == nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		s.writeError(w, http.StatusConflict, "username already taken")
	case err != nil:
		s.log.Error("register user", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not register user")
	default:
		s.writeJSON(w, http.StatusCreated, user)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
	case err != nil:
		s.log.Error("login", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not log in")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
	}
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.UserFromToken(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) listQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := s.catalog.Quizzes(r.Context())
	if err != nil {
		s.log.Error("list quizzes", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not list quizzes")
		return
	}
	s.writeJSON(w, http.StatusOK, quizzes)
}

func (s *Server) getQuiz(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid quiz id")
		return
	}
	quiz, err := s.catalog.QuizWithQuestionsAndAnswers(r.Context(), quizID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "quiz not found")
	case err != nil:
		s.log.Error("load quiz", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not load quiz")
	default:
		s.writeJSON(w, http.StatusOK, quiz)
	}
}

type createQuizRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Questions   []createQuestionRequest `json:"questions"`
}

type createQuestionRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	TimeLimit   float64               `json:"time_limit"`
	Answers     []createAnswerRequest `json:"answers"`
}

type createAnswerRequest struct {
	Description string `json:"description"`
	IsCorrect   bool   `json:"is_correct"`
}

func (req *createQuestionRequest) model() store.Question {
	q := store.Question{
		Name:        req.Name,
		Description: req.Description,
		TimeLimit:   req.TimeLimit,
	}
	for _, a := range req.Answers {
		q.Answers = append(q.Answers, store.Answer{Description: a.Description, IsCorrect: a.IsCorrect})
	}
	return q
}

func (s *Server) createQuiz(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if !s.authedPerm.Evaluate(r.Context(), permission.Context{AccessToken: token}) {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	user, err := s.auth.UserFromToken(r.Context(), token)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req createQuizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "quiz name is required")
		return
	}

	quiz := &store.Quiz{Name: req.Name, Description: req.Description, CreatedBy: user.ID}
	for _, q := range req.Questions {
		quiz.Questions = append(quiz.Questions, q.model())
	}
	if err := s.catalog.CreateQuiz(r.Context(), quiz); err != nil {
		s.log.Error("create quiz", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not create quiz")
		return
	}
	s.writeJSON(w, http.StatusCreated, quiz)
}

func (s *Server) deleteQuiz(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid quiz id")
		return
	}

	pc := permission.Context{AccessToken: bearerToken(r), QuizID: quizID}
	if !s.deletePerm.Evaluate(r.Context(), pc) {
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}

	err := s.catalog.DeleteQuiz(r.Context(), quizID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "quiz not found")
	case err != nil:
		s.log.Error("delete quiz", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not delete quiz")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) createQuestion(w http.ResponseWriter, r *http.Request) {
	quizID, ok := quizIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid quiz id")
		return
	}

	// Reuse the delete gate: adding questions mutates the quiz, so the
	// same owner-or-admin rule applies.
	pc := permission.Context{AccessToken: bearerToken(r), QuizID: quizID}
	if !s.deletePerm.Evaluate(r.Context(), pc) {
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}

	var req createQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "question name is required")
		return
	}

	question := req.model()
	question.QuizID = quizID
	if err := s.catalog.CreateQuestion(r.Context(), &question); err != nil {
		s.log.Error("create question", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not create question")
		return
	}
	s.writeJSON(w, http.StatusCreated, question)
}
