// Package snapshot implements spec.md §4.4's point-in-time collection
// snapshot: a magic-prefixed, length-framed file covering config, shard
// routing, HNSW graphs, payload stores, and sparse indices, written
// atomically and checked end-to-end with a trailing CRC32C.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/liliang-cn/vzr/pkg/errs"
)

var magic = [8]byte{'V', 'Z', 'R', 'S', 'N', 'A', 'P', '1'}

const schemaVersion uint16 = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ShardSnapshot is the serialized state of one shard.
type ShardSnapshot struct {
	ShardID      int
	IDToInternal map[string]uint32
	GraphBytes   []byte // gob-encoded hnsw.Index, via hnsw.Index.Save
	PayloadBytes []byte // gob-encoded payload documents
	SparseBytes  []byte // gob-encoded sparse postings
}

// Snapshot is a whole collection's point-in-time state.
type Snapshot struct {
	WALOffset uint64
	Config    []byte // caller-supplied encoded CollectionConfig
	Shards    []ShardSnapshot
}

// Write serializes snap to path atomically: it writes to a temp file in
// the same directory, then renames over path, so a crash mid-write never
// leaves a corrupt file at the canonical snapshot path.
func Write(path string, snap Snapshot) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return errs.Newf("snapshot_write", errs.Internal, "create temp file: %v", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := encode(tmp, snap); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errs.Newf("snapshot_write", errs.Internal, "fsync temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Newf("snapshot_write", errs.Internal, "close temp file: %v", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Newf("snapshot_write", errs.Internal, "rename into place: %v", err)
	}
	return nil
}

func encode(w io.Writer, snap Snapshot) error {
	var body bytes.Buffer
	enc := gob.NewEncoder(&body)
	if err := enc.Encode(snap.WALOffset); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "encode wal offset: %v", err)
	}
	if err := enc.Encode(snap.Config); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "encode config: %v", err)
	}
	if err := enc.Encode(snap.Shards); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "encode shards: %v", err)
	}

	if _, err := w.Write(magic[:]); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "write magic: %v", err)
	}
	var versionBuf [2]byte
	binary.LittleEndian.PutUint16(versionBuf[:], schemaVersion)
	if _, err := w.Write(versionBuf[:]); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "write version: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(body.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "write body length: %v", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "write body: %v", err)
	}
	crc := crc32.Checksum(body.Bytes(), castagnoli)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if _, err := w.Write(crcBuf[:]); err != nil {
		return errs.Newf("snapshot_encode", errs.Internal, "write crc: %v", err)
	}
	return nil
}

// Encode serializes snap into the same magic-prefixed, CRC32C-checked
// framing Write uses, for transmitting over a non-file channel (e.g.
// replication's FullSync bootstrap payload) instead of to disk.
func Encode(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a snapshot previously produced by Encode or Write,
// rejecting wrong-magic, unsupported-schema, and CRC-mismatched
// (truncated or corrupt) payloads with a Corruption-kind error.
func Decode(b []byte) (Snapshot, error) {
	return decode(bytes.NewReader(b))
}

// Read loads and validates a snapshot file written by Write, rejecting
// wrong-magic, unsupported-schema, and CRC-mismatched (truncated or
// corrupt) files with a Corruption-kind error.
func Read(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Internal, "open snapshot: %v", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(f io.Reader) (Snapshot, error) {
	var gotMagic [8]byte
	if _, err := io.ReadFull(f, gotMagic[:]); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "read magic: %v", err)
	}
	if gotMagic != magic {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "bad magic %q", gotMagic)
	}

	var versionBuf [2]byte
	if _, err := io.ReadFull(f, versionBuf[:]); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "read version: %v", err)
	}
	version := binary.LittleEndian.Uint16(versionBuf[:])
	if version != schemaVersion {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "unsupported snapshot schema version %d", version)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "read body length: %v", err)
	}
	bodyLen := binary.LittleEndian.Uint64(lenBuf[:])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(f, body); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "read body: %v", err)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "read crc: %v", err)
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	gotCRC := crc32.Checksum(body, castagnoli)
	if gotCRC != wantCRC {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "crc mismatch: file is truncated or corrupt")
	}

	var snap Snapshot
	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&snap.WALOffset); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "decode wal offset: %v", err)
	}
	if err := dec.Decode(&snap.Config); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "decode config: %v", err)
	}
	if err := dec.Decode(&snap.Shards); err != nil {
		return Snapshot{}, errs.Newf("snapshot_read", errs.Corruption, "decode shards: %v", err)
	}
	return snap, nil
}
