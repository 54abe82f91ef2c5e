// Package quiz drives live quiz sessions: an admin hosts a quiz over a
// socket, players join by session code, and a timed question/vote/score
// loop runs until the quiz ends. Pool and client state live in the
// connection registry; all transitions happen under its per-pool lock.
package quiz

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/internal/permission"
	"github.com/mitchellvdhut/quizzap/internal/registry"
	"github.com/mitchellvdhut/quizzap/internal/socket"
	"github.com/mitchellvdhut/quizzap/internal/store"
	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

// State is the lifecycle of one session pool.
type State string

const (
	StateAwaitingStart  State = "AWAITING_START"
	StateQuestionActive State = "QUESTION_ACTIVE"
	StateSettling       State = "SETTLING"
	StateFinished       State = "FINISHED"
)

// SessionData is the pool data bag for one session.
type SessionData struct {
	Quiz          *store.Quiz
	State         State
	QuestionIndex int
	QuestionStart time.Time
	QuestionStop  time.Time
	GraceDeadline time.Time
}

// currentQuestion returns the question QuestionIndex points at, nil before
// the first start and past the end.
func (sd *SessionData) currentQuestion() *store.Question {
	if sd.Quiz == nil || sd.QuestionIndex < 0 || sd.QuestionIndex >= len(sd.Quiz.Questions) {
		return nil
	}
	return &sd.Quiz.Questions[sd.QuestionIndex]
}

// ClientData is the per-connection data bag.
type ClientData struct {
	Username    string
	IsAdmin     bool
	IsPlayer    bool
	Score       int
	Streak      int
	Vote        *int
	VotedAt     *time.Time
	ClientToken string
}

// QuizSource loads a quiz with its ordered questions and their answers.
type QuizSource interface {
	QuizWithQuestionsAndAnswers(ctx context.Context, quizID uint) (*store.Quiz, error)
}

// UserSource resolves an access token to a user identity.
type UserSource interface {
	UserFromToken(ctx context.Context, accessToken string) (*store.User, error)
}

// Config tunes the timing of the session loop.
type Config struct {
	// Grace is the window between a question stopping and settlement
	// running, so a vote already in flight at the deadline still lands.
	Grace time.Duration
	// ReadWait is the bounded per-message wait of the dispatch loop.
	ReadWait time.Duration
}

const DefaultGrace = 500 * time.Millisecond

// Service owns every live quiz session.
type Service struct {
	reg     *registry.Registry
	quizzes QuizSource
	users   UserSource
	log     *zap.Logger

	grace    time.Duration
	readWait time.Duration
	now      func() time.Time

	createPerm permission.Expr
	joinPerm   permission.Expr
	adminPerm  permission.Expr
}

func NewService(reg *registry.Registry, quizzes QuizSource, users UserSource, log *zap.Logger, cfg Config) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		reg:      reg,
		quizzes:  quizzes,
		users:    users,
		log:      log,
		grace:    cfg.Grace,
		readWait: cfg.ReadWait,
		now:      time.Now,
	}
	if s.grace <= 0 {
		s.grace = DefaultGrace
	}
	if s.readWait <= 0 {
		s.readWait = socket.DefaultReadWait
	}

	isAuthenticated := permission.NewCheck("IsAuthenticated", func(ctx context.Context, pc permission.Context) bool {
		_, err := s.users.UserFromToken(ctx, pc.AccessToken)
		return err == nil
	})
	isSessionAdmin := permission.NewCheck("IsSessionAdmin", func(ctx context.Context, pc permission.Context) bool {
		data, err := s.reg.ClientData(pc.PoolID, pc.ClientID)
		if err != nil {
			return false
		}
		cd, ok := data.(*ClientData)
		return ok && cd.IsAdmin
	})
	s.createPerm = permission.MustParse([]permission.Item{isAuthenticated})
	s.joinPerm = permission.MustParse([]permission.Item{permission.AllowAll()})
	s.adminPerm = permission.MustParse([]permission.Item{isSessionAdmin})
	return s
}

// CreateSession hosts a new session for a quiz over an accepted socket and
// blocks until the connection ends. The caller-chosen client token lets
// the admin reclaim the session after a dropped connection.
func (s *Service) CreateSession(ctx context.Context, conn socket.Conn, quizID uint, accessToken, clientToken string) {
	pc := permission.Context{AccessToken: accessToken, QuizID: quizID}
	if !s.createPerm.Evaluate(ctx, pc) {
		s.deny(ctx, conn)
		return
	}
	user, err := s.users.UserFromToken(ctx, accessToken)
	if err != nil {
		s.deny(ctx, conn)
		return
	}

	quiz, err := s.quizzes.QuizWithQuestionsAndAnswers(ctx, quizID)
	if err != nil {
		s.refuse(ctx, conn, packet.StatusInvalidID)
		return
	}

	code, err := s.createUniquePool()
	if err != nil {
		s.refuse(ctx, conn, packet.StatusInvalidID)
		return
	}
	clientID, err := s.reg.Join(code, conn, &ClientData{
		Username:    user.Username,
		IsAdmin:     true,
		ClientToken: clientToken,
	})
	if err != nil {
		s.refuse(ctx, conn, packet.StatusSessionNotFound)
		return
	}
	_ = s.reg.SetPoolData(code, &SessionData{
		Quiz:          quiz,
		State:         StateAwaitingStart,
		QuestionIndex: -1,
	})

	s.sendStatus(ctx, conn, packet.StatusConnected)
	s.send(ctx, conn, packet.New(packet.ActionSessionCreated, "session created", map[string]any{
		"session_id": code,
	}))
	s.log.Info("session created",
		zap.String("session", code),
		zap.Uint("quiz", quizID),
		zap.String("admin", user.Username))

	s.run(ctx, conn, code, clientID)
}

// JoinSession adds a player to an existing session and blocks until the
// connection ends. A client token matching an existing record in the pool
// reattaches that record, scores intact, instead of creating a new player.
// A record whose old transport is still live hands over to the new one.
func (s *Service) JoinSession(ctx context.Context, conn socket.Conn, sessionID, username, clientToken string) {
	pc := permission.Context{PoolID: sessionID}
	if !s.joinPerm.Evaluate(ctx, pc) {
		s.deny(ctx, conn)
		return
	}
	if !s.reg.HasPool(sessionID) {
		s.refuse(ctx, conn, packet.StatusSessionNotFound)
		return
	}

	var clientID string
	var priorName string
	if clientToken != "" {
		_ = s.reg.Update(sessionID, func(p *registry.Pool) error {
			c := p.Find(func(c *registry.Client) bool {
				cd, ok := c.Data.(*ClientData)
				return ok && cd.ClientToken == clientToken
			})
			if c != nil {
				clientID = c.ID
				priorName = c.Data.(*ClientData).Username
			}
			return nil
		})
	}

	if clientID != "" {
		// Reconnect: reattach the old record, state intact, and tell no
		// one but the returning client.
		if err := s.reg.Attach(sessionID, clientID, conn); err != nil {
			s.refuse(ctx, conn, packet.StatusSessionNotFound)
			return
		}
		s.sendStatus(ctx, conn, packet.StatusConnected)
		s.send(ctx, conn, packet.New(packet.ActionUserReconnect, "user reconnected", map[string]any{
			"username": priorName,
		}))
		s.log.Info("user reconnected", zap.String("session", sessionID), zap.String("username", priorName))
	} else {
		var err error
		clientID, err = s.reg.Join(sessionID, conn, &ClientData{
			Username:    username,
			IsPlayer:    true,
			ClientToken: clientToken,
		})
		if err != nil {
			s.refuse(ctx, conn, packet.StatusSessionNotFound)
			return
		}
		s.sendStatus(ctx, conn, packet.StatusConnected)
		s.reg.BroadcastPool(ctx, sessionID, packet.New(packet.ActionUserConnect, "user connected", map[string]any{
			"username": username,
		}))
		s.log.Info("user joined", zap.String("session", sessionID), zap.String("username", username))
	}

	s.run(ctx, conn, sessionID, clientID)
}

// run wires the dispatch loop for one connection and cleans up after it.
func (s *Service) run(ctx context.Context, conn socket.Conn, poolID, clientID string) {
	sess := &session{svc: s, conn: conn, poolID: poolID, clientID: clientID}

	r := socket.NewRunner(conn, s.log)
	r.SetReadWait(s.readWait)
	r.MustHandle(packet.ActionPoolMessage, sess.handlePoolMessage)
	r.MustHandle(packet.ActionGlobalMessage, sess.handleGlobalMessage)
	r.MustHandle(packet.ActionSessionClose, sess.handleSessionClose)
	r.MustHandle(packet.ActionQuestionStart, sess.handleQuestionStart)
	r.MustHandle(packet.ActionSubmitVote, sess.handleSubmitVote)
	r.MustHandle(packet.ActionQuestionStop, sess.handleQuestionStop)
	r.MustHandle(packet.ActionKickUser, sess.handleKickUser)
	r.OnTick(func(ctx context.Context) { s.Tick(ctx, poolID) })

	_ = r.Run(ctx)
	s.disconnect(ctx, conn, poolID, clientID)
}

// disconnect detaches the record, keeping it around for a reconnect, and
// tells the remaining pool members. A record that a reconnect has already
// reattached to another transport is left alone.
func (s *Service) disconnect(ctx context.Context, conn socket.Conn, poolID, clientID string) {
	var username string
	_ = s.reg.Update(poolID, func(p *registry.Pool) error {
		if c := p.Client(clientID); c != nil {
			if cd, ok := c.Data.(*ClientData); ok {
				username = cd.Username
			}
		}
		return nil
	})

	if !s.reg.Detach(poolID, clientID, conn) {
		return
	}
	if username != "" && s.reg.HasPool(poolID) {
		s.reg.BroadcastPool(ctx, poolID, packet.New(packet.ActionUserDisconnect, "user disconnected", map[string]any{
			"username": username,
		}))
	}
	s.log.Info("connection closed", zap.String("session", poolID), zap.String("username", username))
}

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const codeLength = 6

func generateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}

// createUniquePool generates session codes until one is free and registers
// the pool under it.
func (s *Service) createUniquePool() (string, error) {
	for i := 0; i < 100; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		switch err := s.reg.CreatePool(code); err {
		case nil:
			return code, nil
		case registry.ErrPoolExists:
			continue
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("quiz: could not find a free session code")
}

func (s *Service) deny(ctx context.Context, conn socket.Conn) {
	s.refuse(ctx, conn, packet.StatusAccessDenied)
}

// refuse sends exactly one status packet and closes the socket.
func (s *Service) refuse(ctx context.Context, conn socket.Conn, st packet.Status) {
	s.sendStatus(ctx, conn, st)
	conn.Close(st.Message)
}

func (s *Service) sendStatus(ctx context.Context, conn socket.Conn, st packet.Status) {
	s.send(ctx, conn, packet.NewStatus(st))
}

func (s *Service) send(ctx context.Context, conn socket.Conn, pkt packet.Packet) {
	if err := conn.Send(ctx, pkt); err != nil {
		s.log.Debug("send failed", zap.String("action", string(pkt.Action)), zap.Error(err))
	}
}
