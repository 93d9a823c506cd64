// Package wal implements the write-ahead log of spec.md §4.4: an
// append-only file of length-prefixed, CRC32C-checked records, replayed
// on startup to recover any state not yet captured by a snapshot.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/liliang-cn/vzr/pkg/errs"
)

// Group-commit defaults: a batch is flushed as soon as its buffered bytes
// reach byteBudget, or timeBudget elapses since the first unflushed
// Append in the batch, whichever comes first (spec.md §4.4).
const (
	defaultByteBudget = 64 * 1024
	defaultTimeBudget = 2 * time.Millisecond
)

// OpKind tags a WAL record's operation, mirroring the collection-level
// write path so recovery can replay records without re-parsing payloads.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

const schemaVersion uint16 = 1

// Record is one WAL entry: an idempotent, replayable write.
type Record struct {
	Op      OpKind
	ShardID int
	ID      string
	Payload []byte // caller-defined encoding (e.g. gob of vector+doc)
}

// WAL is an append-only log with group-commit batching: Append buffers a
// record and blocks its caller until the record's batch has actually been
// flushed and fsynced, which happens as soon as one of byteBudget or
// timeBudget is reached, or Flush is called directly for a synchronous
// write request (spec.md §4.4's three triggers).
type WAL struct {
	mu         sync.Mutex
	cond       *sync.Cond
	file       *os.File
	writer     *bufio.Writer
	offset     uint64
	byteBudget int
	timeBudget time.Duration

	pendingBytes int
	generation   uint64
	flushErr     error
	timer        *time.Timer
	closed       bool
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Open opens (creating if absent) the WAL file at path for appending,
// positioned at the end of any existing content, using the default
// group-commit byte/time budgets.
func Open(path string) (*WAL, error) {
	return OpenWithBudget(path, defaultByteBudget, defaultTimeBudget)
}

// OpenWithBudget is Open with an explicit group-commit byte and time
// budget, for callers (or tests) that need a tighter or looser batching
// window than the default.
func OpenWithBudget(path string, byteBudget int, timeBudget time.Duration) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Newf("wal_open", errs.Internal, "open wal file: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errs.Newf("wal_open", errs.Internal, "stat wal file: %v", err)
	}
	w := &WAL{
		file:       f,
		writer:     bufio.NewWriter(f),
		offset:     uint64(info.Size()),
		byteBudget: byteBudget,
		timeBudget: timeBudget,
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// Append encodes rec as [u16 schema_version | u8 op | u32 shard_id |
// u16 len(id) | id | u32 len(payload) | payload | u32 crc32c], buffers it,
// and blocks until the batch it lands in has been flushed and fsynced:
// immediately if this Append pushed pendingBytes over byteBudget,
// otherwise once the pending batch's timeBudget timer fires. Returns the
// log offset just past the record (so the first record's offset is
// non-zero), used as the record's replication cursor.
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()

	buf := encodeRecord(rec)
	if _, err := w.writer.Write(buf); err != nil {
		w.mu.Unlock()
		return 0, errs.Newf("wal_append", errs.Internal, "write record: %v", err)
	}
	w.offset += uint64(len(buf))
	offset := w.offset
	w.pendingBytes += len(buf)
	myGen := w.generation + 1

	if w.pendingBytes >= w.byteBudget {
		err := w.flushLocked()
		w.mu.Unlock()
		return offset, err
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeBudget, w.timedFlush)
	}
	for w.generation < myGen && !w.closed {
		w.cond.Wait()
	}
	err := w.flushErr
	w.mu.Unlock()
	return offset, err
}

func (w *WAL) timedFlush() {
	w.mu.Lock()
	_ = w.flushLocked()
	w.mu.Unlock()
}

// flushLocked flushes and fsyncs any pending batch and wakes every
// Append call waiting on it. Must be called with w.mu held.
func (w *WAL) flushLocked() error {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	var err error
	if flushErr := w.writer.Flush(); flushErr != nil {
		err = errs.Newf("wal_flush", errs.Internal, "flush wal buffer: %v", flushErr)
	} else if syncErr := w.file.Sync(); syncErr != nil {
		err = errs.Newf("wal_flush", errs.Internal, "fsync wal file: %v", syncErr)
	}
	w.pendingBytes = 0
	w.generation++
	w.flushErr = err
	w.cond.Broadcast()
	return err
}

// Flush forces any buffered batch to the OS and fsyncs the file
// immediately, satisfying spec.md §4.4's "synchronous write requested"
// group-commit trigger.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Offset returns the current write offset (bytes appended so far,
// whether or not flushed), used as a replication resumption cursor.
func (w *WAL) Offset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Size returns the WAL file's on-disk size, used by a collection's
// checkpoint trigger to evaluate spec.md §4.4's max_wal_size condition.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, errs.Newf("wal_size", errs.Internal, "stat wal file: %v", err)
	}
	return info.Size(), nil
}

// Close flushes, wakes any still-waiting Append callers, and closes the
// underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	err := w.flushLocked()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return w.file.Close()
}

// Truncate discards the log up to (not including) offset, called after a
// successful snapshot so the WAL does not grow unboundedly. It rewrites
// the file to just its tail; callers should not call this concurrently
// with Append.
func (w *WAL) Truncate(offset uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if err := w.writer.Flush(); err != nil {
		return errs.Newf("wal_truncate", errs.Internal, "flush before truncate: %v", err)
	}
	if _, err := w.file.Seek(int64(offset), io.SeekStart); err != nil {
		return errs.Newf("wal_truncate", errs.Internal, "seek: %v", err)
	}
	tail, err := io.ReadAll(w.file)
	if err != nil {
		return errs.Newf("wal_truncate", errs.Internal, "read tail: %v", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return errs.Newf("wal_truncate", errs.Internal, "truncate: %v", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return errs.Newf("wal_truncate", errs.Internal, "seek start: %v", err)
	}
	if _, err := w.file.Write(tail); err != nil {
		return errs.Newf("wal_truncate", errs.Internal, "rewrite tail: %v", err)
	}
	w.writer = bufio.NewWriter(w.file)
	w.offset = uint64(len(tail))
	w.pendingBytes = 0
	return nil
}

func encodeRecord(rec Record) []byte {
	idBytes := []byte(rec.ID)
	size := 2 + 1 + 4 + 2 + len(idBytes) + 4 + len(rec.Payload) + 4
	buf := make([]byte, size)
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], schemaVersion)
	i += 2
	buf[i] = byte(rec.Op)
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(rec.ShardID))
	i += 4
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(idBytes)))
	i += 2
	copy(buf[i:], idBytes)
	i += len(idBytes)
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(rec.Payload)))
	i += 4
	copy(buf[i:], rec.Payload)
	i += len(rec.Payload)
	crc := crc32.Checksum(buf[:i], castagnoli)
	binary.LittleEndian.PutUint32(buf[i:], crc)
	return buf
}

// Replay reads every intact record from r in order, calling fn for each.
// A torn tail record (truncated by a crash mid-write) is detected by a
// short read or CRC mismatch and silently stops replay rather than
// erroring, per spec.md §4.4's crash-recovery contract.
func Replay(r io.Reader, fn func(Record) error) error {
	br := bufio.NewReader(r)
	for {
		header := make([]byte, 2+1+4+2)
		if _, err := io.ReadFull(br, header); err != nil {
			return nil // clean EOF or torn header: stop, nothing more to replay
		}
		version := binary.LittleEndian.Uint16(header[0:2])
		op := OpKind(header[2])
		shardID := int(binary.LittleEndian.Uint32(header[3:7]))
		idLen := binary.LittleEndian.Uint16(header[7:9])

		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(br, idBuf); err != nil {
			return nil
		}
		var payloadLenBuf [4]byte
		if _, err := io.ReadFull(br, payloadLenBuf[:]); err != nil {
			return nil
		}
		payloadLen := binary.LittleEndian.Uint32(payloadLenBuf[:])
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(br, crcBuf[:]); err != nil {
			return nil
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

		gotCRC := crc32.Checksum(header, castagnoli)
		gotCRC = crc32.Update(gotCRC, castagnoli, idBuf)
		gotCRC = crc32.Update(gotCRC, castagnoli, payloadLenBuf[:])
		gotCRC = crc32.Update(gotCRC, castagnoli, payload)
		if gotCRC != wantCRC {
			return nil // torn/corrupt tail record: stop replay here
		}
		if version != schemaVersion {
			return errs.Newf("wal_replay", errs.Corruption, "unsupported wal schema version %d", version)
		}
		rec := Record{Op: op, ShardID: shardID, ID: string(idBuf), Payload: payload}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
