// Package frame defines the wire-independent frame model: the discriminated
// union of frame kinds exchanged between a host and a plugin, message
// identifiers, flow keys, and the per-flow sequence assigner.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the only version this package understands.
const ProtocolVersion uint8 = 1

// Type discriminates the kind of a Frame.
type Type uint8

const (
	TypeHello Type = iota
	TypeReq
	_ // reserved: a single-response frame kind was retired before this lineage
	TypeChunk
	TypeEnd
	TypeLog
	TypeErr
	TypeHeartbeat
	TypeStreamStart
	TypeStreamEnd
	TypeRelayNotify
	TypeRelayState
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeReq:
		return "REQ"
	case TypeChunk:
		return "CHUNK"
	case TypeEnd:
		return "END"
	case TypeLog:
		return "LOG"
	case TypeErr:
		return "ERR"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeStreamStart:
		return "STREAM_START"
	case TypeStreamEnd:
		return "STREAM_END"
	case TypeRelayNotify:
		return "RELAY_NOTIFY"
	case TypeRelayState:
		return "RELAY_STATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// idKind discriminates which of the two representations a MessageID holds.
type idKind uint8

const (
	idKindUint idKind = iota
	idKindUUID
)

// MessageID is a request/stream identifier in either of the two forms the
// wire protocol allows: a 16-byte UUID, or a uint64. Both forms share a
// single fixed-size backing array so the zero value, comparison, and byte
// extraction never need to branch on which field happens to be non-nil —
// a uint64 id simply occupies the low 8 bytes of raw and leaves the rest
// zeroed, which lands in the same place a same-valued id always would.
type MessageID struct {
	kind idKind
	raw  [16]byte
}

// NewMessageIDFromUUID builds a MessageID from raw UUID bytes.
func NewMessageIDFromUUID(b []byte) (MessageID, error) {
	if len(b) != 16 {
		return MessageID{}, errors.New("uuid must be exactly 16 bytes")
	}
	var m MessageID
	m.kind = idKindUUID
	copy(m.raw[:], b)
	return m, nil
}

// NewMessageIDFromUint builds a MessageID from a uint64.
func NewMessageIDFromUint(v uint64) MessageID {
	var m MessageID
	m.kind = idKindUint
	binary.BigEndian.PutUint64(m.raw[:8], v)
	return m
}

// NewMessageIDRandom generates a random UUID-backed MessageID.
func NewMessageIDRandom() MessageID {
	id := uuid.New()
	b, _ := id.MarshalBinary()
	m, _ := NewMessageIDFromUUID(b)
	return m
}

// ZeroMessageID is the sentinel id used on frames that carry no real
// correlation id (HELLO, HEARTBEAT, RELAY_NOTIFY, RELAY_STATE).
func ZeroMessageID() MessageID {
	return NewMessageIDFromUint(0)
}

// IsUUID reports whether this id is the UUID variant.
func (m MessageID) IsUUID() bool { return m.kind == idKindUUID }

// UUIDString renders the UUID variant, or "" if this is a uint id.
func (m MessageID) UUIDString() string {
	if m.kind != idKindUUID {
		return ""
	}
	id, err := uuid.FromBytes(m.raw[:])
	if err != nil {
		return ""
	}
	return id.String()
}

// String renders either variant for logging and map keys.
func (m MessageID) String() string {
	if m.kind == idKindUUID {
		return m.UUIDString()
	}
	return fmt.Sprintf("%d", binary.BigEndian.Uint64(m.raw[:8]))
}

// RawUUID returns the raw 16 UUID bytes and true, or (nil, false) if this
// id is the uint variant. Used by the wire codec.
func (m MessageID) RawUUID() ([]byte, bool) {
	if m.kind != idKindUUID {
		return nil, false
	}
	b := make([]byte, 16)
	copy(b, m.raw[:])
	return b, true
}

// UintValue returns the uint64 value and true, or (0, false) if this id is
// the UUID variant. Used by the wire codec.
func (m MessageID) UintValue() (uint64, bool) {
	if m.kind != idKindUint {
		return 0, false
	}
	return binary.BigEndian.Uint64(m.raw[:8]), true
}

// ParseMessageIDString reconstructs a MessageID from its String() form,
// trying the UUID textual form first and falling back to decimal. Used to
// rebuild a MessageID from a routing table key, which is keyed by this
// same string form. MessageID itself is comparable and could be a map key;
// the string keys are chosen for readable log output, not because of a
// representation limit.
func ParseMessageIDString(s string) (MessageID, error) {
	if id, err := uuid.Parse(s); err == nil {
		b, err := id.MarshalBinary()
		if err != nil {
			return MessageID{}, err
		}
		return NewMessageIDFromUUID(b)
	}
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return NewMessageIDFromUint(n), nil
	}
	return MessageID{}, fmt.Errorf("cannot parse message id %q", s)
}

// Bytes returns a comparable byte representation of the id: 16 bytes for a
// UUID, 8 for a uint.
func (m MessageID) Bytes() []byte {
	if m.kind == idKindUUID {
		b := make([]byte, 16)
		copy(b, m.raw[:])
		return b
	}
	b := make([]byte, 8)
	copy(b, m.raw[:8])
	return b
}

// Equals compares two ids; different variants are never equal. Because both
// variants share one backing array, same-kind equality reduces to a single
// array comparison rather than a per-variant switch.
func (m MessageID) Equals(other MessageID) bool {
	return m.kind == other.kind && m.raw == other.raw
}

// Frame is a single protocol message. Optional fields are pointers because
// the wire codec omits absent fields and a bare zero value cannot be told
// apart from "explicitly set to zero".
type Frame struct {
	Version     uint8
	Type        Type
	ID          MessageID
	StreamID    *string
	MediaURN    *string
	Seq         uint64
	ContentType *string
	Meta        map[string]interface{}
	Payload     []byte
	Len         *uint64
	Offset      *uint64
	EOF         *bool
	Cap         *string
	RoutingID   *MessageID
	ChunkIndex  *uint64
	ChunkCount  *uint64
	Checksum    *uint64
}

// ptr returns a pointer to a copy of v, for the many optional Frame fields
// that take the address of a constructor parameter.
func ptr[T any](v T) *T { return &v }

func newFrame(t Type, id MessageID) *Frame {
	return &Frame{Version: ProtocolVersion, Type: t, ID: id}
}

// newMetaFrame builds a frame whose entire payload lives in its Meta map —
// the shape shared by ERR, LOG, HELLO, and RELAY_NOTIFY.
func newMetaFrame(t Type, id MessageID, meta map[string]interface{}) *Frame {
	f := newFrame(t, id)
	f.Meta = meta
	return f
}

// NewReq builds a REQ frame addressed at capURN.
func NewReq(id MessageID, capURN string, payload []byte, contentType string) *Frame {
	f := newFrame(TypeReq, id)
	f.Cap = ptr(capURN)
	f.Payload = payload
	f.ContentType = ptr(contentType)
	return f
}

// NewChunk builds a CHUNK frame belonging to streamID within request reqID.
func NewChunk(reqID MessageID, streamID string, seq uint64, payload []byte, chunkIndex uint64, checksum uint64) *Frame {
	f := newFrame(TypeChunk, reqID)
	f.StreamID = ptr(streamID)
	f.Seq = seq
	f.Payload = payload
	f.ChunkIndex = ptr(chunkIndex)
	f.Checksum = ptr(checksum)
	return f
}

// NewStreamStart announces a new stream within request reqID.
func NewStreamStart(reqID MessageID, streamID string, mediaURN string) *Frame {
	f := newFrame(TypeStreamStart, reqID)
	f.StreamID = ptr(streamID)
	f.MediaURN = ptr(mediaURN)
	return f
}

// NewStreamEnd ends a stream; any later CHUNK for streamID is a protocol error.
func NewStreamEnd(reqID MessageID, streamID string, chunkCount uint64) *Frame {
	f := newFrame(TypeStreamEnd, reqID)
	f.StreamID = ptr(streamID)
	f.ChunkCount = ptr(chunkCount)
	return f
}

// NewEnd builds the terminal success frame for a request.
func NewEnd(id MessageID, payload []byte) *Frame {
	f := newFrame(TypeEnd, id)
	if payload != nil {
		f.Payload = payload
	}
	f.EOF = ptr(true)
	return f
}

// NewErr builds the terminal failure frame for a request.
func NewErr(id MessageID, code string, message string) *Frame {
	return newMetaFrame(TypeErr, id, map[string]interface{}{"code": code, "message": message})
}

// NewLog builds a non-terminal diagnostic frame correlated to a request.
func NewLog(id MessageID, level string, message string) *Frame {
	return newMetaFrame(TypeLog, id, map[string]interface{}{"level": level, "message": message})
}

// NewHeartbeat builds a liveness frame; it carries no correlation id.
func NewHeartbeat() *Frame {
	return newFrame(TypeHeartbeat, ZeroMessageID())
}

// NewHello builds a handshake frame offering the sender's limits (host side;
// no manifest attached).
func NewHello(maxFrame, maxChunk, maxReorderBuffer int) *Frame {
	return newMetaFrame(TypeHello, ZeroMessageID(), map[string]interface{}{
		"max_frame":          maxFrame,
		"max_chunk":          maxChunk,
		"max_reorder_buffer": maxReorderBuffer,
		"version":            ProtocolVersion,
	})
}

// NewHelloWithManifest builds a handshake frame that also carries the
// sender's serialized manifest (plugin side).
func NewHelloWithManifest(maxFrame, maxChunk, maxReorderBuffer int, manifest []byte) *Frame {
	f := NewHello(maxFrame, maxChunk, maxReorderBuffer)
	f.Meta["manifest"] = manifest
	return f
}

// NewRelayNotify advertises an aggregate manifest and negotiated limits.
func NewRelayNotify(manifest []byte, maxFrame, maxChunk, maxReorderBuffer int) *Frame {
	return newMetaFrame(TypeRelayNotify, ZeroMessageID(), map[string]interface{}{
		"manifest":           manifest,
		"max_frame":          maxFrame,
		"max_chunk":          maxChunk,
		"max_reorder_buffer": maxReorderBuffer,
	})
}

// NewRelayState carries an opaque resource/demand payload.
func NewRelayState(resources []byte) *Frame {
	f := newFrame(TypeRelayState, ZeroMessageID())
	f.Payload = resources
	return f
}

// ErrorCode returns the "code" meta field of an ERR frame, or "".
func (f *Frame) ErrorCode() string { return f.metaString(TypeErr, "code") }

// ErrorMessage returns the "message" meta field of an ERR frame, or "".
func (f *Frame) ErrorMessage() string { return f.metaString(TypeErr, "message") }

// LogLevel returns the "level" meta field of a LOG frame, or "".
func (f *Frame) LogLevel() string { return f.metaString(TypeLog, "level") }

// LogMessage returns the "message" meta field of a LOG frame, or "".
func (f *Frame) LogMessage() string { return f.metaString(TypeLog, "message") }

func (f *Frame) metaString(want Type, key string) string {
	if f.Type != want || f.Meta == nil {
		return ""
	}
	if v, ok := f.Meta[key].(string); ok {
		return v
	}
	return ""
}

// RelayNotifyManifest extracts the manifest bytes from a RELAY_NOTIFY frame.
func (f *Frame) RelayNotifyManifest() []byte {
	if f.Type != TypeRelayNotify || f.Meta == nil {
		return nil
	}
	if m, ok := f.Meta["manifest"].([]byte); ok {
		return m
	}
	return nil
}

// MetaInt extracts an integer meta field, tolerating the several integer
// representations a CBOR decoder may produce (int, int64, uint64, float64).
func (f *Frame) MetaInt(key string) (int, bool) {
	if f.Meta == nil {
		return 0, false
	}
	switch n := f.Meta[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// ComputeChecksum hashes data with FNV-1a-64, the CHUNK payload checksum.
func ComputeChecksum(data []byte) uint64 {
	const offsetBasis = uint64(0xcbf29ce484222325)
	const prime = uint64(0x100000001b3)
	hash := offsetBasis
	for _, b := range data {
		hash ^= uint64(b)
		hash *= prime
	}
	return hash
}

// VerifyChunkChecksum reports whether a CHUNK frame's checksum field
// matches its payload.
func VerifyChunkChecksum(f *Frame) error {
	if f.Checksum == nil {
		return errors.New("CHUNK frame missing required checksum field")
	}
	expected := ComputeChecksum(f.Payload)
	if *f.Checksum != expected {
		return fmt.Errorf("CHUNK checksum mismatch: expected %d, got %d (payload %d bytes)", expected, *f.Checksum, len(f.Payload))
	}
	return nil
}

// IsEOF reports whether this is the terminal frame of a stream.
func (f *Frame) IsEOF() bool { return f.EOF != nil && *f.EOF }

// IsFlowFrame reports whether this frame type participates in per-flow seq
// ordering. HELLO, HEARTBEAT, RELAY_NOTIFY and RELAY_STATE bypass seq
// assignment and reorder buffers entirely.
func (f *Frame) IsFlowFrame() bool {
	switch f.Type {
	case TypeHello, TypeHeartbeat, TypeRelayNotify, TypeRelayState:
		return false
	default:
		return true
	}
}

// FlowKey identifies one ordered stream of frames: a request id, plus an
// optional routing id when the frame is being relayed on a peer's behalf.
// Absence of a routing id is a distinct flow from its presence.
type FlowKey struct {
	RID string
	XID string
}

// FlowKeyFromFrame derives the FlowKey a frame belongs to.
func FlowKeyFromFrame(f *Frame) FlowKey {
	xid := ""
	if f.RoutingID != nil {
		xid = f.RoutingID.String()
	}
	return FlowKey{RID: f.ID.String(), XID: xid}
}

// RxidKey is the reverse-direction counterpart of FlowKey: keyed by routing
// id first, used to find the continuation of a request that was forwarded
// on a peer's behalf.
type RxidKey struct {
	XID string
	RID string
}

// SeqAssigner hands out a contiguous, per-flow, zero-based sequence number
// to every flow frame passed through it. It lives at each writer boundary
// so sequencing reflects actual send order, not creation order.
type SeqAssigner struct {
	counters map[FlowKey]uint64
}

// NewSeqAssigner creates an empty assigner.
func NewSeqAssigner() *SeqAssigner {
	return &SeqAssigner{counters: make(map[FlowKey]uint64)}
}

// Assign stamps f.Seq with the next value for its flow. Non-flow frames are
// left untouched.
func (sa *SeqAssigner) Assign(f *Frame) {
	if !f.IsFlowFrame() {
		return
	}
	key := FlowKeyFromFrame(f)
	n := sa.counters[key]
	f.Seq = n
	sa.counters[key] = n + 1
}

// Remove drops tracking for a flow. Call after delivering its terminal
// frame (END or ERR) so the counters map does not grow unbounded.
func (sa *SeqAssigner) Remove(key FlowKey) {
	delete(sa.counters, key)
}
