package replication

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/liliang-cn/vzr/pkg/errs"
	"github.com/liliang-cn/vzr/pkg/log"
)

// Applier applies replicated state to the local collection set.
type Applier interface {
	// ApplyOp applies a single operation at its offset. Implementations
	// must ignore (not error on) offsets <= the last applied offset, per
	// spec.md §4.8's idempotent-by-offset rule.
	ApplyOp(op WireOp) error
	// ApplySnapshot replaces local state wholesale from a FullSync payload.
	ApplySnapshot(snapshotBytes []byte, offset uint64) error
}

// Replica dials a master, applies FullSync/PartialSync/Operation
// messages in strict offset order, and acks progress back.
type Replica struct {
	mu           sync.Mutex
	id           string
	masterAddr   string
	applier      Applier
	logger       log.Logger
	lastApplied  uint64
	reconnectGap time.Duration
}

// NewReplica creates a replica identified by id, replaying into applier.
func NewReplica(id, masterAddr string, applier Applier, reconnectGap time.Duration, logger log.Logger) *Replica {
	if logger == nil {
		logger = log.Nop()
	}
	return &Replica{id: id, masterAddr: masterAddr, applier: applier, reconnectGap: reconnectGap, logger: logger}
}

// LastApplied returns the highest offset this replica has applied.
func (r *Replica) LastApplied() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}

// Run connects and streams indefinitely, reconnecting with
// r.reconnectGap backoff on any transient failure, until ctx is done.
func (r *Replica) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.runOnce(ctx); err != nil {
			r.logger.Warn("replication link failed, retrying", "error", err, "retry_in", r.reconnectGap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.reconnectGap):
			}
		}
	}
}

func (r *Replica) runOnce(ctx context.Context) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", r.masterAddr)
	if err != nil {
		return errs.Newf("replica_connect", errs.ReplicationTransient, "dial master %s: %v", r.masterAddr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := WriteMessage(conn, TagHello, Hello{ReplicaID: r.id, LastOffset: r.LastApplied()}); err != nil {
		return err
	}

	for {
		tag, body, err := PeekTag(conn)
		if err != nil {
			return err
		}
		switch tag {
		case TagFullSync:
			var msg FullSync
			if err := DecodeTagged(body, &msg); err != nil {
				return err
			}
			if err := r.applier.ApplySnapshot(msg.SnapshotBytes, msg.Offset); err != nil {
				return err
			}
			r.setLastApplied(msg.Offset)
			if err := r.ack(conn); err != nil {
				return err
			}
		case TagPartialSync:
			var msg PartialSync
			if err := DecodeTagged(body, &msg); err != nil {
				return err
			}
			for _, op := range msg.Ops {
				if err := r.applyIdempotent(op); err != nil {
					return err
				}
			}
			if err := r.ack(conn); err != nil {
				return err
			}
		case TagOperation:
			var msg Operation
			if err := DecodeTagged(body, &msg); err != nil {
				return err
			}
			if err := r.applyIdempotent(msg.Op); err != nil {
				return err
			}
			if err := r.ack(conn); err != nil {
				return err
			}
		case TagHeartbeat:
			// no state change; the heartbeat's only purpose is keeping
			// the connection's read loop from blocking indefinitely
		default:
			return errs.Newf("replica_read", errs.Corruption, "unknown message tag %d", tag)
		}
	}
}

// applyIdempotent drops ops at or before the last-applied offset rather
// than reapplying them, making the replica's handling exactly-once
// under retries (spec.md §4.8).
func (r *Replica) applyIdempotent(op WireOp) error {
	r.mu.Lock()
	if op.Offset <= r.lastApplied {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.applier.ApplyOp(op); err != nil {
		return err
	}
	r.setLastApplied(op.Offset)
	return nil
}

func (r *Replica) setLastApplied(offset uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset > r.lastApplied {
		r.lastApplied = offset
	}
}

func (r *Replica) ack(conn net.Conn) error {
	return WriteMessage(conn, TagAck, Ack{ReplicaID: r.id, Offset: r.LastApplied()})
}

