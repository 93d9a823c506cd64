// Package replication implements spec.md §4.8: a master-to-N-replica
// operation log stream over length+tag framed TCP connections, with
// snapshot-based bootstrap (FullSync), offset-resumption (PartialSync),
// heartbeats, and acknowledgements.
package replication

import (
	"encoding/binary"
	"encoding/gob"
	"bytes"
	"io"

	"github.com/liliang-cn/vzr/pkg/errs"
)

// Tag identifies a wire message's variant.
type Tag uint8

const (
	TagHello Tag = iota + 1
	TagFullSync
	TagPartialSync
	TagOperation
	TagHeartbeat
	TagAck
)

// Hello is the replica's handshake: its identity and last applied offset.
type Hello struct {
	ReplicaID  string
	LastOffset uint64
}

// FullSync carries a complete snapshot for bootstrap.
type FullSync struct {
	SnapshotBytes []byte
	Offset        uint64
}

// PartialSync replays ops in (FromOffset, ...] order.
type PartialSync struct {
	FromOffset uint64
	Ops        []WireOp
}

// WireOp is the replicated form of collection.Op.
type WireOp struct {
	Offset     uint64
	Collection string
	Kind       uint8
	ID         string
	Vector     []float32
	Payload    map[string]any
	Text       string
}

// Operation is a steady-state single-op push.
type Operation struct {
	Op WireOp
}

// Heartbeat reports the master's current offset.
type Heartbeat struct {
	MasterOffset uint64
	TSUnixNano   int64
}

// Ack reports the highest offset a replica has applied.
type Ack struct {
	ReplicaID string
	Offset    uint64
}

// WriteMessage frames [length:u32 LE | tag:u8 | gob(body)] onto w.
func WriteMessage(w io.Writer, tag Tag, body any) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(body); err != nil {
		return errs.Newf("replication_write", errs.Internal, "encode message body: %v", err)
	}

	frame := make([]byte, 4+1+payload.Len())
	binary.LittleEndian.PutUint32(frame[0:4], uint32(1+payload.Len()))
	frame[4] = byte(tag)
	copy(frame[5:], payload.Bytes())

	if _, err := w.Write(frame); err != nil {
		return errs.Newf("replication_write", errs.ReplicationTransient, "write frame: %v", err)
	}
	return nil
}

// ReadMessage reads one length+tag framed message from r and decodes its
// body into dst (a pointer to the struct matching tag).
func ReadMessage(r io.Reader, dst any) (Tag, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, errs.Newf("replication_read", errs.ReplicationTransient, "read length: %v", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, errs.Newf("replication_read", errs.Corruption, "zero-length frame")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, errs.Newf("replication_read", errs.ReplicationTransient, "read body: %v", err)
	}
	tag := Tag(body[0])
	if dst != nil {
		if err := gob.NewDecoder(bytes.NewReader(body[1:])).Decode(dst); err != nil {
			return tag, errs.Newf("replication_read", errs.Corruption, "decode message body: %v", err)
		}
	}
	return tag, nil
}

// PeekTag reads one framed message from r and reports its tag without
// decoding the body, returning the raw body bytes (including the tag
// byte) so the caller can decode into the matching struct once it knows
// which variant arrived.
func PeekTag(r io.Reader) (Tag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, errs.Newf("replication_read", errs.ReplicationTransient, "read length: %v", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, errs.Newf("replication_read", errs.Corruption, "zero-length frame")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errs.Newf("replication_read", errs.ReplicationTransient, "read body: %v", err)
	}
	return Tag(body[0]), body, nil
}

// DecodeTagged decodes a PeekTag-returned body into dst.
func DecodeTagged(body []byte, dst any) error {
	if err := gob.NewDecoder(bytes.NewReader(body[1:])).Decode(dst); err != nil {
		return errs.Newf("replication_read", errs.Corruption, "decode message body: %v", err)
	}
	return nil
}
