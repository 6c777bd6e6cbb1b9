package pluginrt

import (
	"fmt"
	"sync"

	cborlib "github.com/fxamacker/cbor/v2"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/wire"
)

// InputStream is one fully-reassembled argument stream: everything between
// its STREAM_START and STREAM_END, in STREAM_START's declared media URN.
// The runtime only hands a stream to its InputPackage once STREAM_END has
// arrived for it, so a handler never observes a partial stream.
type InputStream struct {
	MediaURN string
	data     []byte
}

// Bytes returns the stream's reassembled payload.
func (s *InputStream) Bytes() []byte { return s.data }

// DecodeCBOR decodes the stream's payload as a single CBOR value.
func (s *InputStream) DecodeCBOR(v interface{}) error {
	return cborlib.Unmarshal(s.data, v)
}

// InputPackage is the finite lazy sequence of InputStream values a handler
// consumes, ordered by STREAM_START arrival. "Lazy" here means a handler
// that only needs the first argument can call Next once and return without
// ever waiting on streams still in flight behind it.
type InputPackage struct {
	ch <-chan *InputStream
}

// Next returns the next stream in arrival order, or ok=false once the
// request's END frame has been processed and no stream remains.
func (p *InputPackage) Next() (*InputStream, bool) {
	s, ok := <-p.ch
	return s, ok
}

// All drains every remaining stream. Convenience for handlers that need the
// whole argument set before doing anything (the common case).
func (p *InputPackage) All() []*InputStream {
	var out []*InputStream
	for {
		s, ok := p.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

// OutputStream is the single response stream a handler writes its result
// to. The first Write or EmitCBOR call sends STREAM_START; Close sends
// STREAM_END. Writes are chunked at the connection's negotiated max_chunk.
type OutputStream struct {
	mu        sync.Mutex
	writer    frameSink
	requestID frame.MessageID
	routingID *frame.MessageID
	streamID  string
	mediaURN  string
	limits    wire.Limits
	started   bool
	closed    bool
	chunkIdx  uint64
}

// frameSink is the minimal write seam OutputStream needs — satisfied by
// syncWriter on a live connection, and by a stub that always fails when a
// call was constructed in a context with nothing to write to (CLI mode, a
// peer call whose REQ never made it out).
type frameSink interface {
	WriteFrame(f *frame.Frame) error
}

type failingSink struct{ err error }

func (f failingSink) WriteFrame(*frame.Frame) error { return f.err }

func newOutputStream(w frameSink, requestID frame.MessageID, routingID *frame.MessageID, streamID, mediaURN string, limits wire.Limits) *OutputStream {
	return &OutputStream{
		writer:    w,
		requestID: requestID,
		routingID: routingID,
		streamID:  streamID,
		mediaURN:  mediaURN,
		limits:    limits,
	}
}

func (o *OutputStream) ensureStarted() error {
	if o.started {
		return nil
	}
	o.started = true
	f := frame.NewStreamStart(o.requestID, o.streamID, o.mediaURN)
	f.RoutingID = o.routingID
	return o.writer.WriteFrame(f)
}

// Write sends b as one or more CHUNK frames, splitting at max_chunk.
func (o *OutputStream) Write(b []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, fmt.Errorf("output stream already closed")
	}
	if err := o.ensureStarted(); err != nil {
		return 0, err
	}

	maxChunk := o.limits.MaxChunk
	if maxChunk <= 0 {
		maxChunk = len(b)
		if maxChunk == 0 {
			maxChunk = 1
		}
	}
	offset := 0
	for offset < len(b) {
		size := len(b) - offset
		if size > maxChunk {
			size = maxChunk
		}
		chunk := b[offset : offset+size]
		checksum := frame.ComputeChecksum(chunk)
		f := frame.NewChunk(o.requestID, o.streamID, o.chunkIdx, chunk, o.chunkIdx, checksum)
		f.RoutingID = o.routingID
		if err := o.writer.WriteFrame(f); err != nil {
			return offset, err
		}
		o.chunkIdx++
		offset += size
	}
	if len(b) == 0 {
		return 0, nil
	}
	return len(b), nil
}

// EmitCBOR CBOR-encodes value as a single independently-decodable chunk.
// Strings are split on UTF-8 boundaries if larger than max_chunk so a
// partial chunk never lands mid-rune; everything else is encoded whole
// (typical payloads here are small control values, not bulk data).
func (o *OutputStream) EmitCBOR(value interface{}) error {
	if s, ok := value.(string); ok {
		return o.emitString(s)
	}
	encoded, err := cborlib.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cbor value: %w", err)
	}
	_, err = o.writeChunk(encoded)
	return err
}

func (o *OutputStream) emitString(s string) error {
	o.mu.Lock()
	maxChunk := o.limits.MaxChunk
	o.mu.Unlock()
	if maxChunk <= 0 {
		maxChunk = len(s)
	}

	b := []byte(s)
	offset := 0
	for offset < len(b) {
		size := len(b) - offset
		if size > maxChunk {
			size = maxChunk
		}
		for size > 0 && offset+size < len(b) && (b[offset+size]&0xC0) == 0x80 {
			size--
		}
		if size == 0 {
			return fmt.Errorf("cannot split string on a utf-8 character boundary")
		}
		encoded, err := cborlib.Marshal(string(b[offset : offset+size]))
		if err != nil {
			return fmt.Errorf("encoding cbor string chunk: %w", err)
		}
		if _, err := o.writeChunk(encoded); err != nil {
			return err
		}
		offset += size
	}
	if len(b) == 0 {
		_, err := o.writeChunk(nil)
		return err
	}
	return nil
}

func (o *OutputStream) writeChunk(payload []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, fmt.Errorf("output stream already closed")
	}
	if err := o.ensureStarted(); err != nil {
		return 0, err
	}
	checksum := frame.ComputeChecksum(payload)
	f := frame.NewChunk(o.requestID, o.streamID, o.chunkIdx, payload, o.chunkIdx, checksum)
	f.RoutingID = o.routingID
	if err := o.writer.WriteFrame(f); err != nil {
		return 0, err
	}
	o.chunkIdx++
	return len(payload), nil
}

// Close sends STREAM_END, sending an empty STREAM_START first if nothing
// was ever written (an empty response is still a well-formed stream).
func (o *OutputStream) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.ensureStarted(); err != nil {
		return err
	}
	f := frame.NewStreamEnd(o.requestID, o.streamID, o.chunkIdx)
	f.RoutingID = o.routingID
	return o.writer.WriteFrame(f)
}
