// Package registry owns the live connection state: pools of connections
// keyed by session id, plus the per-pool and per-client data bags. It is
// the single owner of those collections; every read or mutation goes
// through it, and it serializes access with one lock per pool so unrelated
// sessions never contend.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

var (
	ErrPoolExists     = errors.New("registry: pool already exists")
	ErrPoolNotFound   = errors.New("registry: pool does not exist")
	ErrClientNotFound = errors.New("registry: client does not exist")
)

// Conn is the transport handle the registry needs. Send failures are the
// sender's problem, never the registry's: a dead connection is a no-op.
type Conn interface {
	Send(ctx context.Context, pkt packet.Packet) error
	Close(reason string)
}

// Client is one connection's record inside a pool. Fields are only safe to
// touch inside Registry.Update, which holds the pool lock.
type Client struct {
	ID     string
	Number int  // join sequence number, monotonically increasing per pool
	Alive  bool // false once the transport dropped; record kept for reconnects
	Data   any

	conn Conn
}

// Conn returns the transport handle, nil once the client detached.
func (c *Client) Conn() Conn {
	if !c.Alive {
		return nil
	}
	return c.conn
}

// Pool groups the connections of one session. Methods must be called with
// the pool lock held, which Registry.Update arranges.
type Pool struct {
	mu      sync.Mutex
	id      string
	joined  int
	clients map[string]*Client
	data    any
}

func (p *Pool) ID() string       { return p.id }
func (p *Pool) Data() any        { return p.data }
func (p *Pool) SetData(data any) { p.data = data }

// Client returns the record for clientID, nil if absent.
func (p *Pool) Client(clientID string) *Client { return p.clients[clientID] }

// Clients returns a snapshot of the pool's records ordered by join number,
// so iteration survives concurrent joins and leaves.
func (p *Pool) Clients() []*Client {
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Number > out[j].Number; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Find returns the first record matching fn in join order, nil if none.
func (p *Pool) Find(fn func(*Client) bool) *Client {
	for _, c := range p.Clients() {
		if fn(c) {
			return c
		}
	}
	return nil
}

func (p *Pool) liveCount() int {
	n := 0
	for _, c := range p.clients {
		if c.Alive {
			n++
		}
	}
	return n
}

// Registry maps session ids to pools of live connections.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	log   *zap.Logger
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		pools: make(map[string]*Pool),
		log:   log,
	}
}

// CreatePool registers an empty pool for id.
func (r *Registry) CreatePool(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[id]; ok {
		return ErrPoolExists
	}
	r.pools[id] = &Pool{
		id:      id,
		clients: make(map[string]*Client),
	}
	r.log.Debug("pool created", zap.String("pool", id))
	return nil
}

// HasPool reports whether id is registered.
func (r *Registry) HasPool(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[id]
	return ok
}

func (r *Registry) pool(id string) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[id]
}

// Join adds a connection to an existing pool and returns its client id.
func (r *Registry) Join(id string, conn Conn, data any) (string, error) {
	p := r.pool(id)
	if p == nil {
		return "", ErrPoolNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined++
	c := &Client{
		ID:     uuid.NewString(),
		Number: p.joined,
		Alive:  true,
		Data:   data,
		conn:   conn,
	}
	p.clients[c.ID] = c
	r.log.Debug("client joined", zap.String("pool", id), zap.String("client", c.ID), zap.Int("number", c.Number))
	return c.ID, nil
}

// Leave removes a client record outright. The pool is removed with it when
// no records remain.
func (r *Registry) Leave(id, clientID string) {
	p := r.pool(id)
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.clients, clientID)
	empty := len(p.clients) == 0
	p.mu.Unlock()

	if empty {
		r.removePoolIfEmpty(id)
	}
}

// Detach marks a client's transport dead but keeps the record so a
// reconnect token can reclaim it. A non-nil conn makes the detach
// conditional: a record that has since been reattached to a different
// transport is left alone. Reports whether the record was marked dead.
// When the last live connection detaches the whole pool is removed.
func (r *Registry) Detach(id, clientID string, conn Conn) bool {
	p := r.pool(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	detached := false
	if c := p.clients[clientID]; c != nil && c.Alive && (conn == nil || c.conn == conn) {
		c.Alive = false
		c.conn = nil
		detached = true
	}
	dead := p.liveCount() == 0
	p.mu.Unlock()

	if dead {
		r.RemovePool(id)
	}
	return detached
}

// Attach reattaches a connection to an existing client record, replacing
// whatever transport the record had.
func (r *Registry) Attach(id, clientID string, conn Conn) error {
	p := r.pool(id)
	if p == nil {
		return ErrPoolNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if c.Alive && c.conn != nil {
		c.conn.Close("replaced by reconnect")
	}
	c.conn = conn
	c.Alive = true
	return nil
}

// RemovePool drops a pool and all its records.
func (r *Registry) RemovePool(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[id]; ok {
		delete(r.pools, id)
		r.log.Debug("pool removed", zap.String("pool", id))
	}
}

func (r *Registry) removePoolIfEmpty(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[id]; ok {
		p.mu.Lock()
		empty := len(p.clients) == 0
		p.mu.Unlock()
		if empty {
			delete(r.pools, id)
			r.log.Debug("pool removed", zap.String("pool", id))
		}
	}
}

// Update runs fn with the pool's lock held. All multi-step reads and
// mutations of pool or client data go through here.
func (r *Registry) Update(id string, fn func(p *Pool) error) error {
	p := r.pool(id)
	if p == nil {
		return ErrPoolNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p)
}

// SetPoolData replaces the pool's data bag.
func (r *Registry) SetPoolData(id string, data any) error {
	return r.Update(id, func(p *Pool) error {
		p.SetData(data)
		return nil
	})
}

// PoolData reads the pool's data bag.
func (r *Registry) PoolData(id string) (any, error) {
	var data any
	err := r.Update(id, func(p *Pool) error {
		data = p.Data()
		return nil
	})
	return data, err
}

// SetClientData replaces a client's data bag.
func (r *Registry) SetClientData(id, clientID string, data any) error {
	return r.Update(id, func(p *Pool) error {
		c := p.Client(clientID)
		if c == nil {
			return ErrClientNotFound
		}
		c.Data = data
		return nil
	})
}

// ClientData reads a client's data bag.
func (r *Registry) ClientData(id, clientID string) (any, error) {
	var data any
	err := r.Update(id, func(p *Pool) error {
		c := p.Client(clientID)
		if c == nil {
			return ErrClientNotFound
		}
		data = c.Data
		return nil
	})
	return data, err
}

// ConnectionCount returns the number of live connections in a pool.
func (r *Registry) ConnectionCount(id string) int {
	n := 0
	_ = r.Update(id, func(p *Pool) error {
		n = p.liveCount()
		return nil
	})
	return n
}

// TotalConnections returns the number of live connections across all pools.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	total := 0
	for _, p := range pools {
		p.mu.Lock()
		total += p.liveCount()
		p.mu.Unlock()
	}
	return total
}

// Sweep removes pools whose connections are all dead and returns how many
// it removed. It is the safety net for connections that vanished without a
// clean close.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, p := range r.pools {
		p.mu.Lock()
		dead := p.liveCount() == 0
		p.mu.Unlock()
		if dead {
			delete(r.pools, id)
			removed++
			r.log.Info("swept dead pool", zap.String("pool", id))
		}
	}
	return removed
}
