package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

// snapshotConns copies the pool's live transports under the lock so a
// client disconnecting mid-broadcast cannot corrupt iteration.
func (p *Pool) snapshotConns() []Conn {
	conns := make([]Conn, 0, len(p.clients))
	for _, c := range p.Clients() {
		if conn := c.Conn(); conn != nil {
			conns = append(conns, conn)
		}
	}
	return conns
}

// BroadcastPool sends a packet to every live connection in a pool. Send
// failures are logged and otherwise ignored.
func (r *Registry) BroadcastPool(ctx context.Context, id string, pkt packet.Packet) {
	var conns []Conn
	err := r.Update(id, func(p *Pool) error {
		conns = p.snapshotConns()
		return nil
	})
	if err != nil {
		r.log.Debug("broadcast to missing pool", zap.String("pool", id), zap.String("action", string(pkt.Action)))
		return
	}
	r.send(ctx, conns, pkt)
}

// SendTo sends a packet to a single client in a pool.
func (r *Registry) SendTo(ctx context.Context, id, clientID string, pkt packet.Packet) {
	var conn Conn
	err := r.Update(id, func(p *Pool) error {
		c := p.Client(clientID)
		if c == nil {
			return ErrClientNotFound
		}
		conn = c.Conn()
		return nil
	})
	if err != nil || conn == nil {
		return
	}
	r.send(ctx, []Conn{conn}, pkt)
}

// BroadcastGlobal sends a packet to every live connection in every pool.
func (r *Registry) BroadcastGlobal(ctx context.Context, pkt packet.Packet) {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	var conns []Conn
	for _, p := range pools {
		p.mu.Lock()
		conns = append(conns, p.snapshotConns()...)
		p.mu.Unlock()
	}
	r.send(ctx, conns, pkt)
}

func (r *Registry) send(ctx context.Context, conns []Conn, pkt packet.Packet) {
	for _, conn := range conns {
		if err := conn.Send(ctx, pkt); err != nil {
			// Dead connection; Detach or Sweep will reap it.
			r.log.Debug("send failed", zap.String("action", string(pkt.Action)), zap.Error(err))
		}
	}
}
