package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/mitchellvdhut/quizzap/internal/auth"
	"github.com/mitchellvdhut/quizzap/internal/permission"
	"github.com/mitchellvdhut/quizzap/internal/socket"
	"github.com/mitchellvdhut/quizzap/internal/store"
	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

type fakeCatalog struct {
	quizzes map[uint]*store.Quiz
	nextID  uint

	deleted   []uint
	questions []*store.Question
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{quizzes: map[uint]*store.Quiz{}, nextID: 1}
}

func (f *fakeCatalog) Quizzes(context.Context) ([]store.Quiz, error) {
	var out []store.Quiz
	for _, q := range f.quizzes {
		out = append(out, *q)
	}
	return out, nil
}

func (f *fakeCatalog) QuizWithQuestionsAndAnswers(_ context.Context, quizID uint) (*store.Quiz, error) {
	q, ok := f.quizzes[quizID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return q, nil
}

func (f *fakeCatalog) CreateQuiz(_ context.Context, quiz *store.Quiz) error {
	quiz.ID = f.nextID
	f.nextID++
	f.quizzes[quiz.ID] = quiz
	return nil
}

func (f *fakeCatalog) DeleteQuiz(_ context.Context, quizID uint) error {
	if _, ok := f.quizzes[quizID]; !ok {
		return store.ErrNotFound
	}
	delete(f.quizzes, quizID)
	f.deleted = append(f.deleted, quizID)
	return nil
}

func (f *fakeCatalog) CreateQuestion(_ context.Context, question *store.Question) error {
	f.questions = append(f.questions, question)
	return nil
}

// fakeAuth resolves fixed tokens to fixed users.
type fakeAuth struct {
	users map[string]*store.User
}

func (f *fakeAuth) Register(_ context.Context, username, password string) (*store.User, error) {
	if username == "taken" {
		return nil, auth.ErrUsernameTaken
	}
	return &store.User{ID: 42, Username: username}, nil
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (string, error) {
	if password != "hunter2" {
		return "", auth.ErrInvalidCredentials
	}
	return "token-" + username, nil
}

func (f *fakeAuth) UserFromToken(_ context.Context, accessToken string) (*store.User, error) {
	u, ok := f.users[accessToken]
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	return u, nil
}

func (f *fakeAuth) IsAuthenticated() permission.Expr {
	return permission.NewCheck("IsAuthenticated", func(ctx context.Context, pc permission.Context) bool {
		_, err := f.UserFromToken(ctx, pc.AccessToken)
		return err == nil
	})
}

func (f *fakeAuth) IsAdmin() permission.Expr {
	return permission.NewCheck("IsAdmin", func(ctx context.Context, pc permission.Context) bool {
		u, err := f.UserFromToken(ctx, pc.AccessToken)
		return err == nil && u.IsAdmin
	})
}

type sessionCall struct {
	kind        string
	quizID      uint
	sessionID   string
	username    string
	accessToken string
	clientToken string
}

type fakeSessions struct {
	mu    sync.Mutex
	calls []sessionCall
}

func (f *fakeSessions) record(c sessionCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeSessions) recorded() []sessionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sessionCall(nil), f.calls...)
}

func (f *fakeSessions) CreateSession(ctx context.Context, conn socket.Conn, quizID uint, accessToken, clientToken string) {
	f.record(sessionCall{kind: "create", quizID: quizID, accessToken: accessToken, clientToken: clientToken})
	_ = conn.Send(ctx, packet.NewStatus(packet.StatusConnected))
	conn.Close("done")
}

func (f *fakeSessions) JoinSession(ctx context.Context, conn socket.Conn, sessionID, username, clientToken string) {
	f.record(sessionCall{kind: "join", sessionID: sessionID, username: username, clientToken: clientToken})
	_ = conn.Send(ctx, packet.NewStatus(packet.StatusConnected))
	conn.Close("done")
}

func newTestServer(t *testing.T) (*Server, *fakeCatalog, *fakeSessions) {
	t.Helper()
	catalog := newFakeCatalog()
	catalog.quizzes[1] = &store.Quiz{ID: 1, Name: "capitals", CreatedBy: 7}
	catalog.nextID = 2

	users := &fakeAuth{users: map[string]*store.User{
		"owner-token": {ID: 7, Username: "owner"},
		"other-token": {ID: 8, Username: "other"},
		"admin-token": {ID: 9, Username: "root", IsAdmin: true},
	}}
	sessions := &fakeSessions{}
	return NewServer(catalog, users, sessions, nil), catalog, sessions
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Routes(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/register", "", credentialsRequest{Username: "alice", Password: "hunter2"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/register", "", credentialsRequest{Username: "taken", Password: "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/register", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", credentialsRequest{Username: "alice", Password: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "token-alice", resp["access_token"])

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", credentialsRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/auth/me", "owner-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"owner"`)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/auth/me", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQuizCRUD(t *testing.T) {
	srv, catalog, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/quizzes/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/quizzes/1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/quizzes/99", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/quizzes/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := createQuizRequest{
		Name: "flags",
		Questions: []createQuestionRequest{{
			Name:      "q1",
			TimeLimit: 20,
			Answers:   []createAnswerRequest{{Description: "a"}, {Description: "b", IsCorrect: true}},
		}},
	}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/quizzes/", "owner-token", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Quiz
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.EqualValues(t, 7, created.CreatedBy)
	require.Len(t, catalog.quizzes[created.ID].Questions, 1)
	assert.Len(t, catalog.quizzes[created.ID].Questions[0].Answers, 2)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/quizzes/", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateQuestionNeedsOwnership(t *testing.T) {
	srv, catalog, _ := newTestServer(t)
	h := srv.Routes()
	body := createQuestionRequest{Name: "extra", Answers: []createAnswerRequest{{Description: "x", IsCorrect: true}}}

	rec := doJSON(t, h, http.MethodPost, "/api/v1/quizzes/1/questions", "other-token", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/quizzes/1/questions", "owner-token", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, catalog.questions, 1)
	assert.EqualValues(t, 1, catalog.questions[0].QuizID)
}

func TestDeleteQuizPermissions(t *testing.T) {
	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"anonymous", "", http.StatusForbidden},
		{"non owner", "other-token", http.StatusForbidden},
		{"owner", "owner-token", http.StatusNoContent},
		{"admin", "admin-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, catalog, _ := newTestServer(t)
			rec := doJSON(t, srv.Routes(), http.MethodDelete, "/api/v1/quizzes/1", tc.token, nil)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusNoContent {
				assert.Equal(t, []uint{1}, catalog.deleted)
			} else {
				assert.Empty(t, catalog.deleted)
			}
		})
	}
}

func TestWSJoinUpgradesAndForwards(t *testing.T) {
	srv, _, sessions := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/quizJoin/ABC123?username=alice&client_token=tok"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var pkt packet.Packet
	require.NoError(t, json.Unmarshal(data, &pkt))
	assert.Equal(t, packet.ActionStatusCode, pkt.Action)
	require.NotNil(t, pkt.StatusCode)
	assert.Equal(t, 202, *pkt.StatusCode)

	calls := sessions.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, sessionCall{kind: "join", sessionID: "ABC123", username: "alice", clientToken: "tok"}, calls[0])
}

func TestWSJoinRequiresUsername(t *testing.T) {
	srv, _, sessions := newTestServer(t)
	rec := doJSON(t, srv.Routes(), http.MethodGet, "/ws/quizJoin/ABC123", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sessions.recorded())
}

func TestWSCreateForwardsQuizAndTokens(t *testing.T) {
	srv, _, sessions := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/quizCreate/1?token=owner-token&client_token=tok"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.NoError(t, err)

	calls := sessions.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, sessionCall{kind: "create", quizID: 1, accessToken: "owner-token", clientToken: "tok"}, calls[0])
}
