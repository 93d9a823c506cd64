package replication

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/vzr/pkg/errs"
	"github.com/liliang-cn/vzr/pkg/log"
)

// SnapshotSource supplies a full snapshot for FullSync bootstrap, keyed
// by nothing more than "give me your current bytes and offset" since a
// master serves one collection's replication stream.
type SnapshotSource func() (bytes []byte, offset uint64, err error)

// ReplicaState tracks one connected (or recently disconnected) replica.
type ReplicaState struct {
	ID            string
	Offset        uint64
	LastHeartbeat time.Time
	Connected     bool
}

// Master accepts replica connections, serves FullSync/PartialSync
// bootstrap, and fans out the steady-state operation stream.
type Master struct {
	mu             sync.RWMutex
	ring           *OpRing
	snapshotSource SnapshotSource
	heartbeatEvery time.Duration
	replicaTimeout time.Duration
	logger         log.Logger
	replicas       map[string]*ReplicaState
	feeds          map[string]chan WireOp // per-connected-replica broadcast of live ops
	masterOffset   uint64
}

// NewMaster creates a master with a bounded replication-op ring of logSize.
func NewMaster(logSize int, snapshotSource SnapshotSource, heartbeatEvery, replicaTimeout time.Duration, logger log.Logger) *Master {
	if logger == nil {
		logger = log.Nop()
	}
	return &Master{
		ring:           NewOpRing(logSize),
		snapshotSource: snapshotSource,
		heartbeatEvery: heartbeatEvery,
		replicaTimeout: replicaTimeout,
		logger:         logger,
		replicas:       make(map[string]*ReplicaState),
		feeds:          make(map[string]chan WireOp),
	}
}

// Enqueue records op as applied at offset, makes it visible to the ring
// for future PartialSync, and broadcasts it to every connected replica's
// feed. Feeds are bounded and non-blocking: a slow replica drops live
// pushes and catches up from the ring on its next reconnect, so Enqueue
// never blocks the writer (spec.md §4.8's asynchronous-replication
// guarantee).
func (m *Master) Enqueue(op WireOp) {
	m.mu.Lock()
	m.masterOffset = op.Offset
	feeds := make([]chan WireOp, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}
	m.mu.Unlock()

	m.ring.Push(op)
	for _, f := range feeds {
		select {
		case f <- op:
		default:
		}
	}
}

// MasterOffset returns the highest offset enqueued so far.
func (m *Master) MasterOffset() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.masterOffset
}

// Serve listens on addr and handles replica connections until ctx is cancelled.
func (m *Master) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errs.Newf("replication_serve", errs.Internal, "listen on %s: %v", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			default:
				m.logger.Warn("accept failed", "error", err)
				continue
			}
		}
		g.Go(func() error {
			m.handleReplica(gctx, conn)
			return nil
		})
	}
}

func (m *Master) handleReplica(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var hello Hello
	if _, err := ReadMessage(conn, &hello); err != nil {
		m.logger.Warn("handshake failed", "error", err)
		return
	}

	feed := make(chan WireOp, 64)
	m.mu.Lock()
	m.replicas[hello.ReplicaID] = &ReplicaState{ID: hello.ReplicaID, Offset: hello.LastOffset, Connected: true, LastHeartbeat: time.Now()}
	m.feeds[hello.ReplicaID] = feed
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if r, ok := m.replicas[hello.ReplicaID]; ok {
			r.Connected = false
		}
		delete(m.feeds, hello.ReplicaID)
		m.mu.Unlock()
	}()

	// A new replica (last offset 0) or one behind the ring's retained
	// window bootstraps from a snapshot; any other resumes from the ring.
	ops, ok := m.ring.Since(hello.LastOffset)
	if !ok || hello.LastOffset == 0 {
		if err := m.sendFullSync(conn); err != nil {
			m.logger.Warn("full sync failed", "replica", hello.ReplicaID, "error", err)
			return
		}
	} else if err := WriteMessage(conn, TagPartialSync, PartialSync{FromOffset: hello.LastOffset, Ops: ops}); err != nil {
		m.logger.Warn("partial sync failed", "replica", hello.ReplicaID, "error", err)
		return
	}

	m.streamSteadyState(ctx, conn, hello.ReplicaID, feed)
}

func (m *Master) sendFullSync(conn net.Conn) error {
	snapshotBytes, offset, err := m.snapshotSource()
	if err != nil {
		return err
	}
	return WriteMessage(conn, TagFullSync, FullSync{SnapshotBytes: snapshotBytes, Offset: offset})
}

// streamSteadyState pushes live ops and heartbeats and reads Acks,
// updating replica lag bookkeeping, until ctx is cancelled or the
// connection breaks.
func (m *Master) streamSteadyState(ctx context.Context, conn net.Conn, replicaID string, feed <-chan WireOp) {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	acks := make(chan Ack, 8)
	go func() {
		for {
			var ack Ack
			tag, err := ReadMessage(conn, &ack)
			if err != nil {
				close(acks)
				return
			}
			if tag == TagAck {
				acks <- ack
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-feed:
			if err := WriteMessage(conn, TagOperation, Operation{Op: op}); err != nil {
				return
			}
		case <-ticker.C:
			if err := WriteMessage(conn, TagHeartbeat, Heartbeat{MasterOffset: m.MasterOffset(), TSUnixNano: time.Now().UnixNano()}); err != nil {
				return
			}
		case ack, open := <-acks:
			if !open {
				return
			}
			m.mu.Lock()
			if r, ok := m.replicas[replicaID]; ok {
				r.Offset = ack.Offset
				r.LastHeartbeat = time.Now()
			}
			m.mu.Unlock()
		}
	}
}

// Replicas returns a snapshot of known replica states, for lag reporting.
func (m *Master) Replicas() []ReplicaState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ReplicaState, 0, len(m.replicas))
	for _, r := range m.replicas {
		out = append(out, *r)
	}
	return out
}

// Stale reports whether replicaID has missed its heartbeat deadline,
// per spec.md §4.8's "replicas failing the heartbeat deadline are marked
// disconnected" rule; its offset is retained regardless so a later
// reconnect can resume.
func (m *Master) Stale(replicaID string, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replicas[replicaID]
	if !ok {
		return true
	}
	return now.Sub(r.LastHeartbeat) > m.replicaTimeout
}

// Lag computes lag_ops for a replica, per spec.md §4.8.
func (m *Master) Lag(replicaID string) (ops uint64, connected bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replicas[replicaID]
	if !ok {
		return 0, false
	}
	if m.masterOffset < r.Offset {
		return 0, r.Connected
	}
	return m.masterOffset - r.Offset, r.Connected
}
