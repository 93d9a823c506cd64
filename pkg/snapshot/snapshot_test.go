package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.snap")

	snap := Snapshot{
		WALOffset: 1234,
		Config:    []byte("config-bytes"),
		Shards: []ShardSnapshot{
			{
				ShardID:      0,
				IDToInternal: map[string]uint32{"a": 1, "b": 2},
				GraphBytes:   []byte("graph-bytes"),
				PayloadBytes: []byte("payload-bytes"),
				SparseBytes:  []byte("sparse-bytes"),
			},
		},
	}
	if err := Write(path, snap); err != nil {
		t.Fatal(err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.WALOffset != snap.WALOffset {
		t.Fatalf("wal offset = %d, want %d", got.WALOffset, snap.WALOffset)
	}
	if len(got.Shards) != 1 || got.Shards[0].IDToInternal["a"] != 1 {
		t.Fatalf("unexpected shards: %+v", got.Shards)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.snap")
	if err := os.WriteFile(path, []byte("NOTASNAPSHOTFILE"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Fatal("expected error reading file with bad magic")
	}
}

func TestReadRejectsCorruptCRC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.snap")
	if err := Write(path, Snapshot{WALOffset: 1, Config: []byte("c")}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.snap")
	if err := Write(path, Snapshot{WALOffset: 1, Config: []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "test.snap" {
			t.Fatalf("expected no leftover temp files, found %q", e.Name())
		}
	}
}
