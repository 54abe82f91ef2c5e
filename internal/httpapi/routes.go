// Package httpapi exposes the quiz catalog and auth endpoints over REST
// and upgrades session traffic to websockets.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/internal/permission"
	"github.com/mitchellvdhut/quizzap/internal/socket"
	"github.com/mitchellvdhut/quizzap/internal/store"
)

// Catalog is the slice of the store the API serves.
type Catalog interface {
	Quizzes(ctx context.Context) ([]store.Quiz, error)
	QuizWithQuestionsAndAnswers(ctx context.Context, quizID uint) (*store.Quiz, error)
	CreateQuiz(ctx context.Context, quiz *store.Quiz) error
	DeleteQuiz(ctx context.Context, quizID uint) error
	CreateQuestion(ctx context.Context, question *store.Question) error
}

// Auth is the identity surface the API consumes.
type Auth interface {
	Register(ctx context.Context, username, password string) (*store.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	UserFromToken(ctx context.Context, accessToken string) (*store.User, error)
	IsAuthenticated() permission.Expr
	IsAdmin() permission.Expr
}

// Sessions hosts live quiz sessions over accepted sockets.
type Sessions interface {
	CreateSession(ctx context.Context, conn socket.Conn, quizID uint, accessToken, clientToken string)
	JoinSession(ctx context.Context, conn socket.Conn, sessionID, username, clientToken string)
}

type Server struct {
	catalog  Catalog
	auth     Auth
	sessions Sessions
	log      *zap.Logger

	authedPerm permission.Expr
	deletePerm permission.Expr
}

func NewServer(catalog Catalog, auth Auth, sessions Sessions, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{catalog: catalog, auth: auth, sessions: sessions, log: log}

	// Only the quiz owner or a server admin may delete a quiz.
	isQuizOwner := permission.NewCheck("IsQuizOwner", func(ctx context.Context, pc permission.Context) bool {
		user, err := s.auth.UserFromToken(ctx, pc.AccessToken)
		if err != nil {
			return false
		}
		quiz, err := s.catalog.QuizWithQuestionsAndAnswers(ctx, pc.QuizID)
		return err == nil && quiz.CreatedBy == user.ID
	})
	s.authedPerm = permission.MustParse([]permission.Item{auth.IsAuthenticated()})
	s.deletePerm = permission.MustParse([]permission.Item{
		auth.IsAuthenticated(), permission.AND, permission.Or(isQuizOwner, auth.IsAdmin()),
	})
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.register)
			r.Post("/login", s.login)
			r.Get("/me", s.me)
		})

		r.Route("/quizzes", func(r chi.Router) {
			r.Get("/", s.listQuizzes)
			r.Post("/", s.createQuiz)
			r.Get("/{quizID}", s.getQuiz)
			r.Delete("/{quizID}", s.deleteQuiz)
			r.Post("/{quizID}/questions", s.createQuestion)
		})
	})

	r.Get("/ws/quizCreate/{quizID}", s.wsQuizCreate)
	r.Get("/ws/quizJoin/{sessionID}", s.wsQuizJoin)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
