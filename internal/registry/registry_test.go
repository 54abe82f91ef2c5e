package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	mu     sync.Mutex
	sent   []packet.Packet
	closed bool
	fail   bool
}

func (f *fakeConn) Send(_ context.Context, pkt packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeConn) Close(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) packets() []packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]packet.Packet, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestPoolLifecycle(t *testing.T) {
	r := New(nil)

	if err := r.CreatePool("AAAAAA"); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if err := r.CreatePool("AAAAAA"); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("duplicate CreatePool err = %v, want ErrPoolExists", err)
	}
	if !r.HasPool("AAAAAA") {
		t.Fatalf("pool should exist")
	}

	id1, err := r.Join("AAAAAA", &fakeConn{}, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	id2, err := r.Join("AAAAAA", &fakeConn{}, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if r.ConnectionCount("AAAAAA") != 2 {
		t.Fatalf("ConnectionCount = %d, want 2", r.ConnectionCount("AAAAAA"))
	}

	r.Leave("AAAAAA", id1)
	if r.ConnectionCount("AAAAAA") != 1 {
		t.Fatalf("ConnectionCount after leave = %d, want 1", r.ConnectionCount("AAAAAA"))
	}

	r.Leave("AAAAAA", id2)
	if r.HasPool("AAAAAA") {
		t.Fatalf("pool should be removed once the last client leaves")
	}
}

func TestJoinRequiresPool(t *testing.T) {
	r := New(nil)
	if _, err := r.Join("NOPOOL", &fakeConn{}, nil); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("Join err = %v, want ErrPoolNotFound", err)
	}
}

func TestJoinNumbersAreMonotonic(t *testing.T) {
	r := New(nil)
	if err := r.CreatePool("POOL01"); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	first, _ := r.Join("POOL01", &fakeConn{}, nil)
	second, _ := r.Join("POOL01", &fakeConn{}, nil)
	r.Leave("POOL01", first)
	third, _ := r.Join("POOL01", &fakeConn{}, nil)

	err := r.Update("POOL01", func(p *Pool) error {
		if n := p.Client(second).Number; n != 2 {
			t.Fatalf("second join number = %d, want 2", n)
		}
		if n := p.Client(third).Number; n != 3 {
			t.Fatalf("third join number = %d, want 3 even after a leave", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestDetachKeepsRecordForReconnect(t *testing.T) {
	r := New(nil)
	_ = r.CreatePool("POOL01")

	stayID, _ := r.Join("POOL01", &fakeConn{}, "stay")
	dropID, _ := r.Join("POOL01", &fakeConn{}, "drop")

	r.Detach("POOL01", dropID, nil)
	if r.ConnectionCount("POOL01") != 1 {
		t.Fatalf("live count = %d, want 1", r.ConnectionCount("POOL01"))
	}

	// Record and its data survive the detach.
	data, err := r.ClientData("POOL01", dropID)
	if err != nil {
		t.Fatalf("ClientData: %v", err)
	}
	if data != "drop" {
		t.Fatalf("ClientData = %v, want %q", data, "drop")
	}

	// A fresh transport picks the record back up.
	reconn := &fakeConn{}
	if err := r.Attach("POOL01", dropID, reconn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if r.ConnectionCount("POOL01") != 2 {
		t.Fatalf("live count after attach = %d, want 2", r.ConnectionCount("POOL01"))
	}

	// Detaching the last live connection removes the pool entirely.
	r.Detach("POOL01", stayID, nil)
	r.Detach("POOL01", dropID, nil)
	if r.HasPool("POOL01") {
		t.Fatalf("pool should be removed when the last live connection detaches")
	}
}

func TestDetachLeavesReattachedRecordAlone(t *testing.T) {
	r := New(nil)
	_ = r.CreatePool("POOL01")

	old := &fakeConn{}
	id, _ := r.Join("POOL01", old, nil)

	// A reconnect can take over a record whose transport is still live;
	// the superseded transport is closed on the spot.
	replacement := &fakeConn{}
	if err := r.Attach("POOL01", id, replacement); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !old.isClosed() {
		t.Fatalf("replaced transport should be closed")
	}

	// The old transport's teardown must not detach the record now that it
	// belongs to the replacement.
	if r.Detach("POOL01", id, old) {
		t.Fatalf("detach with a superseded transport should be a no-op")
	}
	if r.ConnectionCount("POOL01") != 1 {
		t.Fatalf("live count = %d, want 1", r.ConnectionCount("POOL01"))
	}

	if !r.Detach("POOL01", id, replacement) {
		t.Fatalf("detach with the current transport should mark the record dead")
	}
	if r.HasPool("POOL01") {
		t.Fatalf("pool should be removed when the last live connection detaches")
	}
}

func TestBroadcastPoolSkipsDeadConnections(t *testing.T) {
	r := New(nil)
	_ = r.CreatePool("POOL01")

	alive := &fakeConn{}
	broken := &fakeConn{fail: true}
	gone := &fakeConn{}

	_, _ = r.Join("POOL01", alive, nil)
	_, _ = r.Join("POOL01", broken, nil)
	goneID, _ := r.Join("POOL01", gone, nil)
	r.Detach("POOL01", goneID, nil)

	r.BroadcastPool(context.Background(), "POOL01", packet.New(packet.ActionPoolMessage, "hi", nil))

	if got := len(alive.packets()); got != 1 {
		t.Fatalf("alive conn got %d packets, want 1", got)
	}
	if got := len(gone.packets()); got != 0 {
		t.Fatalf("detached conn got %d packets, want 0", got)
	}
	// Broadcasting to a missing pool is a no-op, never an error.
	r.BroadcastPool(context.Background(), "NOPOOL", packet.New(packet.ActionPoolMessage, "hi", nil))
}

func TestBroadcastGlobalReachesAllPools(t *testing.T) {
	r := New(nil)
	conns := make([]*fakeConn, 4)
	for i := range conns {
		conns[i] = &fakeConn{}
		pool := fmt.Sprintf("POOL0%d", i%2)
		if !r.HasPool(pool) {
			_ = r.CreatePool(pool)
		}
		_, _ = r.Join(pool, conns[i], nil)
	}

	r.BroadcastGlobal(context.Background(), packet.New(packet.ActionGlobalMessage, "hi", nil))

	for i, c := range conns {
		if len(c.packets()) != 1 {
			t.Fatalf("conn %d got %d packets, want 1", i, len(c.packets()))
		}
	}
	if r.TotalConnections() != 4 {
		t.Fatalf("TotalConnections = %d, want 4", r.TotalConnections())
	}
}

func TestSendTo(t *testing.T) {
	r := New(nil)
	_ = r.CreatePool("POOL01")

	one := &fakeConn{}
	two := &fakeConn{}
	oneID, _ := r.Join("POOL01", one, nil)
	_, _ = r.Join("POOL01", two, nil)

	r.SendTo(context.Background(), "POOL01", oneID, packet.NewStatus(packet.StatusRequestOK))

	if len(one.packets()) != 1 {
		t.Fatalf("target got %d packets, want 1", len(one.packets()))
	}
	if len(two.packets()) != 0 {
		t.Fatalf("bystander got %d packets, want 0", len(two.packets()))
	}
}

func TestSweepRemovesDeadPools(t *testing.T) {
	r := New(nil)

	// A pool that never got a client, one with a live client, and one
	// whose client record went dead without a clean close.
	_ = r.CreatePool("EMPTY0")
	_ = r.CreatePool("LIVE00")
	_, _ = r.Join("LIVE00", &fakeConn{}, nil)
	_ = r.CreatePool("DEAD00")
	_ = r.Update("DEAD00", func(p *Pool) error {
		p.joined++
		p.clients["ghost"] = &Client{ID: "ghost", Number: p.joined}
		return nil
	})

	if removed := r.Sweep(); removed != 2 {
		t.Fatalf("Sweep removed %d pools, want 2", removed)
	}
	if !r.HasPool("LIVE00") || r.HasPool("EMPTY0") || r.HasPool("DEAD00") {
		t.Fatalf("sweep removed the wrong pools")
	}
}

func TestUpdateSerializesConcurrentMutation(t *testing.T) {
	r := New(nil)
	_ = r.CreatePool("POOL01")
	clientID, _ := r.Join("POOL01", &fakeConn{}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Update("POOL01", func(p *Pool) error {
				c := p.Client(clientID)
				c.Data = c.Data.(int) + 1
				return nil
			})
		}()
	}
	wg.Wait()

	data, _ := r.ClientData("POOL01", clientID)
	if data != 50 {
		t.Fatalf("counter = %v, want 50", data)
	}
}
