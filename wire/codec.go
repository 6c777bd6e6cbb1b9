package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ridgeport-io/capmesh/frame"
)

// Integer map keys for the on-wire CBOR encoding of a Frame. Using small
// integers instead of field names keeps frames compact; the layout is
// fixed and must not be renumbered once deployed.
const (
	keyVersion     = 0
	keyFrameType   = 1
	keyID          = 2
	keySeq         = 3
	keyContentType = 4
	keyMeta        = 5
	keyPayload     = 6
	keyLen         = 7
	keyOffset      = 8
	keyEOF         = 9
	keyCap         = 10
	keyStreamID    = 11
	keyMediaURN    = 12
	keyRoutingID   = 13
	keyChunkIndex  = 14
	keyChunkCount  = 15
	keyChecksum    = 16
)

// EncodeFrame serializes f to its on-wire CBOR representation.
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	m := make(map[int]interface{})

	m[keyVersion] = uint8(frame.ProtocolVersion)
	m[keyFrameType] = uint8(f.Type)

	if raw, ok := f.ID.RawUUID(); ok {
		m[keyID] = raw
	} else if v, ok := f.ID.UintValue(); ok {
		m[keyID] = v
	} else {
		m[keyID] = uint64(0)
	}

	if f.Seq != 0 {
		m[keySeq] = f.Seq
	}
	if f.ContentType != nil && *f.ContentType != "" {
		m[keyContentType] = *f.ContentType
	}
	if len(f.Meta) > 0 {
		m[keyMeta] = f.Meta
	}
	if f.Payload != nil {
		m[keyPayload] = f.Payload
	}
	if f.Len != nil {
		m[keyLen] = *f.Len
	}
	if f.Offset != nil {
		m[keyOffset] = *f.Offset
	}
	if f.EOF != nil && *f.EOF {
		m[keyEOF] = true
	}
	if f.Cap != nil && *f.Cap != "" {
		m[keyCap] = *f.Cap
	}
	if f.StreamID != nil && *f.StreamID != "" {
		m[keyStreamID] = *f.StreamID
	}
	if f.MediaURN != nil && *f.MediaURN != "" {
		m[keyMediaURN] = *f.MediaURN
	}
	if f.RoutingID != nil {
		if raw, ok := f.RoutingID.RawUUID(); ok {
			m[keyRoutingID] = raw
		} else if v, ok := f.RoutingID.UintValue(); ok {
			m[keyRoutingID] = v
		}
	}
	if f.ChunkIndex != nil {
		m[keyChunkIndex] = *f.ChunkIndex
	}
	if f.ChunkCount != nil {
		m[keyChunkCount] = *f.ChunkCount
	}
	if f.Checksum != nil {
		m[keyChecksum] = *f.Checksum
	}

	return cbor.Marshal(m)
}

// DecodeFrame parses the on-wire CBOR representation produced by EncodeFrame.
func DecodeFrame(data []byte) (*frame.Frame, error) {
	var m map[int]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	f := &frame.Frame{}

	verVal, ok := m[keyVersion]
	if !ok {
		return nil, errors.New("missing version (key 0)")
	}
	ver, ok := verVal.(uint64)
	if !ok {
		return nil, errors.New("version must be uint")
	}
	f.Version = uint8(ver)
	if f.Version != frame.ProtocolVersion {
		return nil, fmt.Errorf("invalid version %d, expected %d", f.Version, frame.ProtocolVersion)
	}

	ftVal, ok := m[keyFrameType]
	if !ok {
		return nil, errors.New("missing frame_type (key 1)")
	}
	ft, ok := ftVal.(uint64)
	if !ok {
		return nil, errors.New("frame_type must be uint")
	}
	ty := frame.Type(ft)
	if ty < frame.TypeHello || ty > frame.TypeRelayState {
		return nil, fmt.Errorf("invalid frame_type %d", ft)
	}
	if ft == 2 {
		return nil, errors.New("frame_type 2 is reserved and no longer supported")
	}
	f.Type = ty

	idVal, ok := m[keyID]
	if !ok {
		return nil, errors.New("missing id (key 2)")
	}
	switch v := idVal.(type) {
	case []byte:
		id, err := frame.NewMessageIDFromUUID(v)
		if err != nil {
			return nil, err
		}
		f.ID = id
	case uint64:
		f.ID = frame.NewMessageIDFromUint(v)
	default:
		return nil, errors.New("id must be bytes[16] or uint")
	}

	if v, ok := m[keySeq]; ok {
		if seq, ok := v.(uint64); ok {
			f.Seq = seq
		}
	}
	if v, ok := m[keyContentType]; ok {
		if ct, ok := v.(string); ok {
			f.ContentType = &ct
		}
	}
	if v, ok := m[keyMeta]; ok {
		if raw, ok := v.(map[interface{}]interface{}); ok {
			f.Meta = make(map[string]interface{}, len(raw))
			for k, vv := range raw {
				if ks, ok := k.(string); ok {
					f.Meta[ks] = vv
				}
			}
		}
	}
	if v, ok := m[keyPayload]; ok {
		if p, ok := v.([]byte); ok {
			f.Payload = p
		}
	}
	if v, ok := m[keyLen]; ok {
		if l, ok := v.(uint64); ok {
			f.Len = &l
		}
	}
	if v, ok := m[keyOffset]; ok {
		if o, ok := v.(uint64); ok {
			f.Offset = &o
		}
	}
	if v, ok := m[keyEOF]; ok {
		if e, ok := v.(bool); ok {
			f.EOF = &e
		}
	}
	if v, ok := m[keyCap]; ok {
		if c, ok := v.(string); ok {
			f.Cap = &c
		}
	}
	if v, ok := m[keyStreamID]; ok {
		if s, ok := v.(string); ok {
			f.StreamID = &s
		}
	}
	if v, ok := m[keyMediaURN]; ok {
		if s, ok := v.(string); ok {
			f.MediaURN = &s
		}
	}
	if v, ok := m[keyRoutingID]; ok {
		switch rv := v.(type) {
		case []byte:
			id, err := frame.NewMessageIDFromUUID(rv)
			if err == nil {
				f.RoutingID = &id
			}
		case uint64:
			id := frame.NewMessageIDFromUint(rv)
			f.RoutingID = &id
		}
	}
	if v, ok := m[keyChunkIndex]; ok {
		if u, ok := toUint64(v); ok {
			f.ChunkIndex = &u
		}
	}
	if v, ok := m[keyChunkCount]; ok {
		if u, ok := toUint64(v); ok {
			f.ChunkCount = &u
		}
	}
	if v, ok := m[keyChecksum]; ok {
		if u, ok := toUint64(v); ok {
			f.Checksum = &u
		}
	}

	if f.Type == frame.TypeChunk {
		if f.ChunkIndex == nil {
			return nil, errors.New("CHUNK frame missing required field: chunk_index")
		}
		if f.Checksum == nil {
			return nil, errors.New("CHUNK frame missing required field: checksum")
		}
	}
	if f.Type == frame.TypeStreamEnd && f.ChunkCount == nil {
		return nil, errors.New("STREAM_END frame missing required field: chunk_count")
	}

	return f, nil
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint:
		return uint64(n), true
	default:
		return 0, false
	}
}

// EncodeLimits serializes Limits to a standalone CBOR map. HELLO and
// RELAY_NOTIFY frames do not use it; they carry their limits as Meta fields.
func EncodeLimits(l Limits) ([]byte, error) {
	return cbor.Marshal(map[string]int{
		"max_frame":          l.MaxFrame,
		"max_chunk":          l.MaxChunk,
		"max_reorder_buffer": l.MaxReorderBuffer,
	})
}

// DecodeLimits parses the CBOR form EncodeLimits produces.
func DecodeLimits(data []byte) (Limits, error) {
	var m map[string]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Limits{}, err
	}
	var l Limits
	if v, ok := m["max_frame"].(uint64); ok {
		l.MaxFrame = int(v)
	}
	if v, ok := m["max_chunk"].(uint64); ok {
		l.MaxChunk = int(v)
	}
	if v, ok := m["max_reorder_buffer"].(uint64); ok {
		l.MaxReorderBuffer = int(v)
	}
	return l, nil
}
