package quiz

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/internal/registry"
	"github.com/mitchellvdhut/quizzap/internal/store"
	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

var zeroTime time.Time

func questionLimit(q *store.Question) time.Duration {
	limit := q.TimeLimit
	if limit <= 0 {
		limit = 30
	}
	return time.Duration(limit * float64(time.Second))
}

// enterGraceLocked moves an active question into the settling window.
// Caller holds the pool lock.
func (s *Service) enterGraceLocked(sd *SessionData) {
	sd.State = StateSettling
	sd.GraceDeadline = s.now().Add(s.grace)
}

// Tick is the state machine's clock: every connection's dispatch loop
// calls it when the bounded wait expires. Transitions are check-and-set
// under the pool lock, so concurrent ticks from parallel connections are
// idempotent; broadcasts happen after the lock is released.
func (s *Service) Tick(ctx context.Context, poolID string) {
	var stopNotice, settled, quizEnd bool
	var scores []ScoreEntry

	err := s.reg.Update(poolID, func(p *registry.Pool) error {
		sd, ok := p.Data().(*SessionData)
		if !ok {
			return nil
		}
		now := s.now()

		switch sd.State {
		case StateSettling:
			if now.Before(sd.GraceDeadline) {
				return nil
			}
			scores = s.settleLocked(p, sd)
			settled = true
			if sd.QuestionIndex >= len(sd.Quiz.Questions)-1 {
				sd.State = StateFinished
				quizEnd = true
			} else {
				sd.State = StateAwaitingStart
			}

		case StateQuestionActive:
			if !now.Before(sd.QuestionStop) || allVotedLocked(p) {
				s.enterGraceLocked(sd)
				stopNotice = true
			}
		}
		return nil
	})
	if err != nil {
		return
	}

	if stopNotice {
		s.reg.BroadcastPool(ctx, poolID, packet.New(packet.ActionQuestionStop, "question has stopped", nil))
	}
	if settled {
		s.reg.BroadcastPool(ctx, poolID, packet.New(packet.ActionScoreInfo, "player scores", map[string]any{
			"users": scores,
		}))
		s.log.Info("question settled", zap.String("session", poolID), zap.Int("players", len(scores)))
	}
	if quizEnd {
		s.reg.BroadcastPool(ctx, poolID, packet.New(packet.ActionQuizEnd, "quiz has ended", nil))
		s.log.Info("quiz ended", zap.String("session", poolID))
	}
}

// allVotedLocked reports whether every player voted. Pools without players
// never count as all-voted, or a lone admin would stop questions
// instantly. Caller holds the pool lock.
func allVotedLocked(p *registry.Pool) bool {
	players := 0
	for _, c := range p.Clients() {
		cd, ok := c.Data.(*ClientData)
		if !ok || !cd.IsPlayer {
			continue
		}
		players++
		if cd.Vote == nil {
			return false
		}
	}
	return players > 0
}

// ScoreEntry is one player's aggregate standing after a settlement.
type ScoreEntry struct {
	Username string `json:"username"`
	Score    int    `json:"score"`
	Streak   int    `json:"streak"`
}

// settleLocked scores the current question for every player: a correct
// vote extends the streak and earns latency-decayed points, anything else
// resets the streak. Votes are cleared for the next question. Caller
// holds the pool lock.
func (s *Service) settleLocked(p *registry.Pool, sd *SessionData) []ScoreEntry {
	q := sd.currentQuestion()
	limit := questionLimit(q)

	var entries []ScoreEntry
	for _, c := range p.Clients() {
		cd, ok := c.Data.(*ClientData)
		if !ok || !cd.IsPlayer {
			continue
		}

		correct := cd.Vote != nil &&
			*cd.Vote >= 0 && *cd.Vote < len(q.Answers) &&
			q.Answers[*cd.Vote].IsCorrect
		if correct {
			cd.Streak++
			cd.Score += Score(cd.VotedAt.Sub(sd.QuestionStart), limit, cd.Streak)
		} else {
			cd.Streak = 0
		}
		cd.Vote = nil
		cd.VotedAt = nil

		entries = append(entries, ScoreEntry{
			Username: cd.Username,
			Score:    cd.Score,
			Streak:   cd.Streak,
		})
	}
	return entries
}

// Score returns the points for a correct vote: up to 1000 base points
// decaying linearly to 500 as the vote approaches the time limit, plus a
// flat bonus per streak step beyond the first.
func Score(latency, limit time.Duration, streak int) int {
	base := math.Floor(1000 * (1 - (latency.Seconds()/limit.Seconds())/2))
	return int(base) + 100*(streak-1)
}

// questionView is the admin-facing snapshot of a question, correct-answer
// flags included.
type questionView struct {
	Index       int          `json:"index"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	TimeLimit   float64      `json:"time_limit"`
	Answers     []answerView `json:"answers"`
}

type answerView struct {
	Description string `json:"description"`
	IsCorrect   bool   `json:"is_correct"`
}

func newQuestionView(q *store.Question, index int) *questionView {
	view := &questionView{
		Index:       index,
		Name:        q.Name,
		Description: q.Description,
		TimeLimit:   q.TimeLimit,
		Answers:     make([]answerView, 0, len(q.Answers)),
	}
	for _, a := range q.Answers {
		view.Answers = append(view.Answers, answerView{Description: a.Description, IsCorrect: a.IsCorrect})
	}
	return view
}
