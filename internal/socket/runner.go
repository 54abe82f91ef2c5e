package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

// Handler processes one validated inbound packet. Protocol and domain
// rejections are the handler's job to answer; a returned error means
// something unexpected and only gets logged, it never ends the loop.
type Handler func(ctx context.Context, pkt packet.Packet) error

// DefaultReadWait is the bounded wait for an inbound frame. It doubles as
// the tick interval, which is what advances question timers while no
// client is talking.
const DefaultReadWait = 100 * time.Millisecond

// Runner is the dispatch loop for one connection.
type Runner struct {
	conn     Conn
	log      *zap.Logger
	readWait time.Duration
	handlers map[packet.Action]Handler
	tick     func(ctx context.Context)
}

func NewRunner(conn Conn, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		conn:     conn,
		log:      log,
		readWait: DefaultReadWait,
		handlers: make(map[packet.Action]Handler),
	}
}

// Handle registers h for an action. Registering an unknown action or the
// same action twice is a programming error and fails loudly.
func (r *Runner) Handle(action packet.Action, h Handler) error {
	if !packet.Known(action) {
		return fmt.Errorf("socket: unknown action %q", action)
	}
	if _, ok := r.handlers[action]; ok {
		return fmt.Errorf("socket: handler for %q already registered", action)
	}
	r.handlers[action] = h
	return nil
}

// MustHandle is Handle for registration at session setup.
func (r *Runner) MustHandle(action packet.Action, h Handler) {
	if err := r.Handle(action, h); err != nil {
		panic(err)
	}
}

// OnTick registers the callback invoked whenever the bounded wait expires
// with no inbound frame.
func (r *Runner) OnTick(fn func(ctx context.Context)) { r.tick = fn }

// SetReadWait overrides the bounded wait, mainly for tests.
func (r *Runner) SetReadWait(d time.Duration) {
	if d > 0 {
		r.readWait = d
	}
}

// Run drives the loop until the transport disconnects or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	frames := r.conn.Frames(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-frames:
			if !ok {
				// Transport disconnect; the caller unregisters.
				return nil
			}
			r.dispatch(ctx, data)

		case <-time.After(r.readWait):
			if r.tick != nil {
				r.tick(ctx)
			}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, data []byte) {
	var pkt packet.Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		r.reply(ctx, packet.StatusNotSerializable)
		return
	}
	if !packet.Known(pkt.Action) {
		r.reply(ctx, packet.StatusActionNotFound)
		return
	}

	h, ok := r.handlers[pkt.Action]
	if !ok {
		r.reply(ctx, packet.StatusNotImplemented)
		return
	}
	if err := h(ctx, pkt); err != nil {
		r.log.Warn("handler failed",
			zap.String("action", string(pkt.Action)),
			zap.Error(err))
	}
}

func (r *Runner) reply(ctx context.Context, s packet.Status) {
	if err := r.conn.Send(ctx, packet.NewStatus(s)); err != nil {
		r.log.Debug("status reply failed", zap.Int("code", s.Code), zap.Error(err))
	}
}
