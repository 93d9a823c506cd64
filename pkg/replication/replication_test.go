package replication

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func TestOpRingSinceWithinWindow(t *testing.T) {
	ring := NewOpRing(10)
	for i := uint64(1); i <= 5; i++ {
		ring.Push(WireOp{Offset: i, ID: "x"})
	}
	ops, ok := ring.Since(2)
	if !ok {
		t.Fatal("expected ok=true within retained window")
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops after offset 2, got %d", len(ops))
	}
}

func TestOpRingSinceBelowWindowFallsBackToFullSync(t *testing.T) {
	ring := NewOpRing(3)
	for i := uint64(1); i <= 10; i++ {
		ring.Push(WireOp{Offset: i})
	}
	_, ok := ring.Since(0)
	if ok {
		t.Fatal("expected ok=false when requested offset predates the retained window")
	}
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []WireOp
	snaps   int
}

func (f *fakeApplier) ApplyOp(op WireOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op)
	return nil
}

func (f *fakeApplier) ApplySnapshot(snapshotBytes []byte, offset uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps++
	return nil
}

func (f *fakeApplier) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeApplier) snapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps
}

func TestMasterReplicaFullSyncAndSteadyState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	snapSource := func() ([]byte, uint64, error) { return []byte("snapshot"), 0, nil }
	master := NewMaster(1000, snapSource, 30*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = master.Serve(ctx, addr) }()
	time.Sleep(30 * time.Millisecond)

	applier := &fakeApplier{}
	replica := NewReplica("r1", addr, applier, 50*time.Millisecond, nil)
	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	go func() { _ = replica.Run(rctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && applier.snapCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if applier.snapCount() == 0 {
		t.Fatal("expected at least one snapshot application on bootstrap")
	}

	master.Enqueue(WireOp{Offset: 1, ID: "a"})
	master.Enqueue(WireOp{Offset: 2, ID: "b"})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && applier.appliedCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if applier.appliedCount() < 2 {
		t.Fatalf("expected both ops applied, got %d", applier.appliedCount())
	}

	if replica.LastApplied() != 2 {
		t.Fatalf("expected replica last applied offset 2, got %d", replica.LastApplied())
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ops, connected := master.Lag("r1"); connected && ops == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	ops, connected := master.Lag("r1")
	if !connected {
		t.Fatal("expected replica r1 to be connected")
	}
	if ops != 0 {
		t.Fatalf("expected zero lag once acked, got %d", ops)
	}
}

func TestMasterStaleDetectsMissingHeartbeat(t *testing.T) {
	master := NewMaster(10, nil, time.Millisecond, time.Millisecond, nil)
	if !master.Stale("unknown", time.Now()) {
		t.Fatal("expected unknown replica to be reported stale")
	}
}
