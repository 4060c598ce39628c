// ABOUTME: Leader election handle: one Coordinator per client, shared by database name.
// ABOUTME: Tracks this client's leader/follower state and its promotion callback.
// Package coordinator implements the Leader Coordinator (component G): a
// named exclusive lock keyed on the database name elects a single writer
// among cooperating clients, and a cooperative in-process message bus lets
// followers proxy engine operations to whichever client currently holds the
// lock (§4.G). This is new domain territory the teacher doesn't cover —
// its gRPC server exposes document CRUD over a network, not a leader
// election protocol — but the transport idiom (a gRPC service described by
// hand, without protobuf-generated stubs, carried over a custom JSON
// codec) is grounded on the same pattern the pack's SimonWaldherr-tinySQL
// server uses; here the listener is an in-process bufconn rather than a
// TCP socket, since §1 puts every client in one sandboxed process.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leiko57/SikioDB/internal/logger"
	"github.com/leiko57/SikioDB/internal/metrics"
	"github.com/leiko57/SikioDB/pkg/skerrors"
)

// InvokeFunc is the leader-side dispatch callback a Coordinator calls into
// for every proxied request it receives, registered via SetHandler. The
// engine facade supplies one that decodes method+args and runs the same
// local leader-mode logic a direct call would use.
type InvokeFunc func(method string, args json.RawMessage) (json.RawMessage, error)

// Coordinator is one client's handle on a named database's leader election.
// Exactly one Coordinator per name is ever the leader at a given instant
// (invariant 8); every other Coordinator for that name is a follower
// waiting for promotion.
type Coordinator struct {
	name string
	id   string
	lock *namedLock

	mu        sync.Mutex
	leader    bool
	handler   InvokeFunc
	promoteFn func() error
	released  bool

	hub *leaderHub

	// watchStop stops this handle's follower watchdog (watch) and is fixed
	// for the lifetime of the Coordinator. leaderStop stops the heartbeat
	// loop and is recreated each time this handle becomes leader (initial
	// election or promotion) — the two are never the same channel, since a
	// promoted follower's watch loop and its new heartbeat loop must be
	// stoppable independently.
	watchStop  chan struct{}
	leaderStop chan struct{}
}

// Acquire contends for name's named lock. It never blocks: the caller
// becomes the leader immediately if the lock is free, or a follower
// watching for promotion otherwise.
func Acquire(name string) (*Coordinator, error) {
	if name == "" {
		return nil, skerrors.BadInput("coordinator.Acquire", "name must not be empty")
	}
	l := getLock(name)
	c := &Coordinator{
		name:      name,
		id:        uuid.NewString(),
		lock:      l,
		watchStop: make(chan struct{}),
	}

	l.mu.Lock()
	if l.leader == nil {
		l.leader = c
		l.heartbeatAt = time.Now()
		l.mu.Unlock()
		c.startAsLeader()
		return c, nil
	}
	l.waiters = append(l.waiters, c)
	l.mu.Unlock()
	go c.watch()
	return c, nil
}

// IsLeader reports whether this handle currently holds the lock.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// SetHandler registers the callback this Coordinator dispatches proxied
// requests to while it is the leader. Safe to call before or after
// becoming leader.
func (c *Coordinator) SetHandler(fn InvokeFunc) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// OnPromotion registers a callback invoked once, synchronously, the moment
// this follower is promoted to leader — per §4.G, "[it] promotes itself,
// initializing a fresh engine handle." A non-nil error from fn is swallowed
// here; the engine facade is expected to log it and leave itself in a
// degraded mode, since there is no caller left to return it to.
func (c *Coordinator) OnPromotion(fn func() error) {
	c.mu.Lock()
	c.promoteFn = fn
	c.mu.Unlock()
}

func (c *Coordinator) startAsLeader() {
	hub := startLeaderHub(c)
	leaderStop := make(chan struct{})
	c.mu.Lock()
	c.leader = true
	c.hub = hub
	c.leaderStop = leaderStop
	c.mu.Unlock()
	c.lock.mu.Lock()
	c.lock.hub = hub
	c.lock.mu.Unlock()
	go c.heartbeat(leaderStop)

	metrics.GetGlobalMetrics().RecordLeaderElection()
	logger.GetGlobalLogger().LogCoordinatorOperation("become_leader", 0, nil)
}

// promote is called by the namedLock once this follower has won an
// election, either via a clean release or a detected leader death.
func (c *Coordinator) promote() {
	c.startAsLeader()
	close(c.watchStop)
	c.mu.Lock()
	fn := c.promoteFn
	c.mu.Unlock()
	if fn != nil {
		_ = fn()
	}
}

func (c *Coordinator) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.lock.mu.Lock()
			if c.lock.leader == c {
				c.lock.heartbeatAt = time.Now()
			}
			c.lock.mu.Unlock()
		case <-stop:
			return
		}
	}
}

func (c *Coordinator) watch() {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.lock.tryStealFromDeadLeader(c)
		case <-c.watchStop:
			return
		}
	}
}

// Invoke proxies one engine operation to the current leader over the
// in-process RPC bus, per §4.G's `proxyRequest`. It fails with Timeout if
// no response arrives within 10 seconds, or if no leader is currently
// reachable.
func (c *Coordinator) Invoke(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.invoke(ctx, method, args)
	metrics.GetGlobalMetrics().ObserveCoordinatorProxy(method, time.Since(start))
	if err != nil {
		logger.GetGlobalLogger().LogCoordinatorOperation("proxy_"+method, time.Since(start), err)
	}
	return result, err
}

func (c *Coordinator) invoke(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	c.lock.mu.Lock()
	hub := c.lock.hub
	c.lock.mu.Unlock()
	if hub == nil {
		return nil, skerrors.Timeout("coordinator.Invoke", "no leader currently reachable for %q", c.name)
	}

	conn, err := hub.dial()
	if err != nil {
		return nil, skerrors.Timeout("coordinator.Invoke", "dialing leader: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := &Request{ReqID: uuid.NewString(), ClientID: c.id, Method: method, Args: args}
	resp := new(Response)
	if err := conn.Invoke(ctx, fullInvokeMethod, req, resp); err != nil {
		return nil, skerrors.Timeout("coordinator.Invoke", "method %s: %v", method, err)
	}
	if !resp.Ok {
		return nil, skerrors.IoError("coordinator.Invoke", nil, "leader returned error for %s: %s", method, resp.Err)
	}
	return resp.Result, nil
}

// Release gives up this handle's claim: a leader grants the lock to the
// next waiter immediately, a follower simply stops watching.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	wasLeader := c.leader
	hub := c.hub
	leaderStop := c.leaderStop
	c.mu.Unlock()

	if wasLeader {
		if hub != nil {
			hub.stop()
		}
		if leaderStop != nil {
			close(leaderStop)
		}
		c.lock.releaseLeader(c)
	} else {
		c.lock.removeWaiter(c)
		select {
		case <-c.watchStop:
		default:
			close(c.watchStop)
		}
	}
	return nil
}
