package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendFlushReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	recs := []Record{
		{Op: OpInsert, ShardID: 0, ID: "a", Payload: []byte("vec-a")},
		{Op: OpInsert, ShardID: 1, ID: "b", Payload: []byte("vec-b")},
		{Op: OpDelete, ShardID: 0, ID: "a"},
	}
	for _, r := range recs {
		if _, err := w.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []Record
	if err := Replay(f, func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(recs) {
		t.Fatalf("got %d records, want %d", len(got), len(recs))
	}
	for i, r := range recs {
		if got[i].Op != r.Op || got[i].ID != r.ID || !bytes.Equal(got[i].Payload, r.Payload) {
			t.Fatalf("record %d mismatch: got %+v, want %+v", i, got[i], r)
		}
	}
}

func TestReplayStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(Record{Op: OpInsert, ID: "a", Payload: []byte("vec-a")}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	torn := append(data, []byte("garbage-partial-record")...)
	if err := os.WriteFile(path, torn, 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []Record
	if err := Replay(f, func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly the 1 intact record, got %d", len(got))
	}
}

func TestOffsetAdvancesMonotonically(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "test.wal"))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	prev := w.Offset()
	if _, err := w.Append(Record{Op: OpInsert, ID: "a", Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if w.Offset() <= prev {
		t.Fatalf("offset did not advance: before=%d after=%d", prev, w.Offset())
	}
}

func TestTruncateDropsPriorRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(Record{Op: OpInsert, ID: "a", Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	cut := w.Offset()
	if _, err := w.Append(Record{Op: OpInsert, ID: "b", Payload: []byte("y")}); err != nil {
		t.Fatal(err)
	}
	if err := w.Truncate(cut); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var got []Record
	if err := Replay(f, func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only record b after truncate, got %v", got)
	}
}

func TestGroupCommitByteBudgetFlushesWithoutExplicitSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	// A byte budget smaller than one record forces every Append past the
	// budget immediately, with no explicit Flush call needed.
	w, err := OpenWithBudget(path, 1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := w.Append(Record{Op: OpInsert, ID: "a", Payload: []byte("vec-a")}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected record to already be durable on disk after byte-budget flush, with no explicit Flush call")
	}
}

func TestGroupCommitTimeBudgetFlushesWithoutExplicitSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	// A byte budget far larger than one record, but a short time budget,
	// exercises the timer-driven flush trigger instead of the byte one.
	w, err := OpenWithBudget(path, 1<<20, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := w.Append(Record{Op: OpInsert, ID: "a", Payload: []byte("vec-a")}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected Append to block until the time-budget timer flushed the record")
	}
}

func TestFlushSatisfiesSynchronousRequestImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	// A huge byte and time budget means only an explicit Flush call
	// (the "synchronous write requested" trigger) can make this durable.
	w, err := OpenWithBudget(path, 1<<20, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		_, err := w.Append(Record{Op: OpInsert, ID: "a", Payload: []byte("vec-a")})
		done <- err
	}()

	// Give the Append goroutine a moment to buffer the record and start
	// waiting on the group-commit condition before we force the flush.
	time.Sleep(20 * time.Millisecond)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Append did not return after explicit Flush")
	}
}
