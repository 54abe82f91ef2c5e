package quiz

import (
	"context"

	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/internal/permission"
	"github.com/mitchellvdhut/quizzap/internal/registry"
	"github.com/mitchellvdhut/quizzap/internal/socket"
	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

// session is the handler set for one connection in one pool.
type session struct {
	svc      *Service
	conn     socket.Conn
	poolID   string
	clientID string
}

func (sess *session) reply(ctx context.Context, st packet.Status) error {
	return sess.conn.Send(ctx, packet.NewStatus(st))
}

// requireAdmin gates the admin-only actions. A refusal is a domain-rule
// rejection, not an authorization failure: the connection stays open.
func (sess *session) requireAdmin(ctx context.Context) bool {
	return sess.svc.adminPerm.Evaluate(ctx, permission.Context{
		PoolID:   sess.poolID,
		ClientID: sess.clientID,
	})
}

func withCode(pkt packet.Packet, code int) packet.Packet {
	pkt.StatusCode = &code
	return pkt
}

func (sess *session) handlePoolMessage(ctx context.Context, pkt packet.Packet) error {
	out := withCode(packet.New(packet.ActionPoolMessage, "message sent by user", pkt.Payload), 200)
	sess.svc.reg.BroadcastPool(ctx, sess.poolID, out)
	return nil
}

func (sess *session) handleGlobalMessage(ctx context.Context, pkt packet.Packet) error {
	out := withCode(packet.New(packet.ActionGlobalMessage, "broadcasted message sent by user", pkt.Payload), 200)
	sess.svc.reg.BroadcastGlobal(ctx, out)
	return nil
}

// questionTarget is one recipient of a question broadcast, captured under
// the pool lock and written to outside it.
type questionTarget struct {
	conn  registry.Conn
	admin bool
}

func (sess *session) handleQuestionStart(ctx context.Context, pkt packet.Packet) error {
	if !sess.requireAdmin(ctx) {
		return sess.reply(ctx, packet.StatusAccessDenied)
	}

	s := sess.svc
	var stopped, active bool
	var question *questionView
	var targets []questionTarget
	err := s.reg.Update(sess.poolID, func(p *registry.Pool) error {
		sd, ok := p.Data().(*SessionData)
		if !ok {
			stopped = true
			return nil
		}
		// Starts are only honored while the session is idle; an active
		// or settling question must finish first.
		if sd.State == StateQuestionActive || sd.State == StateSettling {
			active = true
			return nil
		}
		if sd.State == StateFinished || sd.QuestionIndex+1 >= len(sd.Quiz.Questions) {
			stopped = true
			return nil
		}

		sd.QuestionIndex++
		q := sd.currentQuestion()
		now := s.now()
		sd.State = StateQuestionActive
		sd.QuestionStart = now
		sd.QuestionStop = now.Add(questionLimit(q))
		sd.GraceDeadline = zeroTime

		question = newQuestionView(q, sd.QuestionIndex)
		for _, c := range p.Clients() {
			conn := c.Conn()
			if conn == nil {
				continue
			}
			cd, ok := c.Data.(*ClientData)
			targets = append(targets, questionTarget{conn: conn, admin: ok && cd.IsAdmin})
		}
		return nil
	})
	if active {
		return sess.reply(ctx, packet.StatusQuestionActive)
	}
	if err != nil || stopped {
		return sess.reply(ctx, packet.StatusQuizStopped)
	}

	// The admin sees the full question, answers and correct flags
	// included; players only learn how many answers there are.
	adminPkt := packet.New(packet.ActionQuestionInfo, "question info", map[string]any{
		"question": question,
	})
	playerPkt := packet.New(packet.ActionQuestionStart, "question started", map[string]any{
		"question_index": question.Index,
		"answer_count":   len(question.Answers),
		"time_limit":     question.TimeLimit,
	})
	for _, t := range targets {
		out := playerPkt
		if t.admin {
			out = adminPkt
		}
		if err := t.conn.Send(ctx, out); err != nil {
			s.log.Debug("question broadcast failed", zap.Error(err))
		}
	}
	s.log.Info("question started", zap.String("session", sess.poolID), zap.Int("index", question.Index))
	return nil
}

func (sess *session) handleSubmitVote(ctx context.Context, pkt packet.Packet) error {
	vote, ok := voteIndex(pkt)
	if !ok {
		return sess.reply(ctx, packet.StatusValidation)
	}

	s := sess.svc
	st := packet.StatusRequestOK
	err := s.reg.Update(sess.poolID, func(p *registry.Pool) error {
		sd, ok := p.Data().(*SessionData)
		if !ok {
			st = packet.StatusNoQuestion
			return nil
		}
		q := sd.currentQuestion()
		// Votes stay open through the grace window; that window exists
		// so a vote in flight at the deadline still lands.
		if q == nil || (sd.State != StateQuestionActive && sd.State != StateSettling) {
			st = packet.StatusNoQuestion
			return nil
		}

		// Timing problems answer "no question"; identity problems (no
		// record here, or a non-player record such as the admin's) answer
		// "access denied".
		c := p.Client(sess.clientID)
		if c == nil {
			st = packet.StatusAccessDenied
			return nil
		}
		cd, ok := c.Data.(*ClientData)
		if !ok || !cd.IsPlayer {
			st = packet.StatusAccessDenied
			return nil
		}
		if cd.Vote != nil {
			st = packet.StatusAlreadyVoted
			return nil
		}
		if vote < 0 || vote >= len(q.Answers) {
			st = packet.StatusInvalidVote
			return nil
		}

		v := vote
		at := s.now()
		cd.Vote = &v
		cd.VotedAt = &at
		return nil
	})
	if err != nil {
		st = packet.StatusNoQuestion
	}
	return sess.reply(ctx, st)
}

func (sess *session) handleQuestionStop(ctx context.Context, pkt packet.Packet) error {
	if !sess.requireAdmin(ctx) {
		return sess.reply(ctx, packet.StatusAccessDenied)
	}

	s := sess.svc
	stopped := false
	err := s.reg.Update(sess.poolID, func(p *registry.Pool) error {
		sd, ok := p.Data().(*SessionData)
		if !ok || sd.State != StateQuestionActive {
			return nil
		}
		s.enterGraceLocked(sd)
		stopped = true
		return nil
	})
	if err != nil || !stopped {
		return sess.reply(ctx, packet.StatusNoQuestion)
	}

	s.reg.BroadcastPool(ctx, sess.poolID, packet.New(packet.ActionQuestionStop, "question has stopped", nil))
	return nil
}

func (sess *session) handleSessionClose(ctx context.Context, pkt packet.Packet) error {
	if !sess.requireAdmin(ctx) {
		return sess.reply(ctx, packet.StatusAccessDenied)
	}
	sess.svc.CloseSession(ctx, sess.poolID)
	return nil
}

func (sess *session) handleKickUser(ctx context.Context, pkt packet.Packet) error {
	if !sess.requireAdmin(ctx) {
		return sess.reply(ctx, packet.StatusAccessDenied)
	}
	username, _ := pkt.Payload["username"].(string)
	if username == "" {
		return sess.reply(ctx, packet.StatusValidation)
	}

	s := sess.svc
	var kickID string
	var kickConn registry.Conn
	_ = s.reg.Update(sess.poolID, func(p *registry.Pool) error {
		c := p.Find(func(c *registry.Client) bool {
			cd, ok := c.Data.(*ClientData)
			return ok && !cd.IsAdmin && cd.Username == username
		})
		if c != nil {
			kickID = c.ID
			kickConn = c.Conn()
		}
		return nil
	})
	if kickID == "" {
		return sess.reply(ctx, packet.StatusInvalidID)
	}

	if kickConn != nil {
		_ = kickConn.Send(ctx, packet.NewStatus(packet.StatusClosing))
		kickConn.Close("kicked from session")
	}
	s.reg.Leave(sess.poolID, kickID)
	s.reg.BroadcastPool(ctx, sess.poolID, packet.New(packet.ActionUserDisconnect, "user disconnected", map[string]any{
		"username": username,
	}))
	return nil
}

// CloseSession broadcasts the closing notice, one disconnect notice per
// connected client, then force-disconnects the pool and removes it.
func (s *Service) CloseSession(ctx context.Context, poolID string) {
	s.reg.BroadcastPool(ctx, poolID, packet.New(packet.ActionSessionClose, "session is closing", nil))

	var names []string
	var conns []registry.Conn
	_ = s.reg.Update(poolID, func(p *registry.Pool) error {
		for _, c := range p.Clients() {
			conn := c.Conn()
			if conn == nil {
				continue
			}
			conns = append(conns, conn)
			if cd, ok := c.Data.(*ClientData); ok {
				names = append(names, cd.Username)
			}
		}
		return nil
	})

	for _, name := range names {
		s.reg.BroadcastPool(ctx, poolID, packet.New(packet.ActionUserDisconnect, "user disconnected", map[string]any{
			"username": name,
		}))
	}
	for _, conn := range conns {
		_ = conn.Send(ctx, packet.NewStatus(packet.StatusClosing))
		conn.Close("session closed")
	}
	s.reg.RemovePool(poolID)
	s.log.Info("session closed", zap.String("session", poolID))
}

// voteIndex extracts the vote from a SUBMIT_VOTE payload.
func voteIndex(pkt packet.Packet) (int, bool) {
	raw, ok := pkt.Payload["vote"]
	if !ok {
		return 0, false
	}
	num, ok := raw.(float64)
	if !ok || num != float64(int(num)) {
		return 0, false
	}
	return int(num), true
}
