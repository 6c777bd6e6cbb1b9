package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ridgeport-io/capmesh/frame"
)

// FrameReader reads length-delimited, CBOR-encoded frames from a stream.
type FrameReader struct {
	r      io.Reader
	limits Limits
}

// NewFrameReader wraps r with the default (pre-negotiation) limits.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, limits: DefaultLimits()}
}

// SetLimits installs the negotiated limits once a handshake completes.
func (fr *FrameReader) SetLimits(l Limits) { fr.limits = l }

// ReadFrame reads one 4-byte big-endian length prefix followed by that many
// bytes of CBOR-encoded frame.
func (fr *FrameReader) ReadFrame() (*frame.Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if int(length) > fr.limits.MaxFrame {
		return nil, fmt.Errorf("frame size %d exceeds negotiated max_frame %d", length, fr.limits.MaxFrame)
	}
	if int(length) > MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", length, MaxFrameHardLimit)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, err
	}
	return DecodeFrame(buf)
}

// FrameWriter writes length-delimited, CBOR-encoded frames to a stream.
type FrameWriter struct {
	w      io.Writer
	limits Limits
}

// NewFrameWriter wraps w with the default (pre-negotiation) limits.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, limits: DefaultLimits()}
}

// SetLimits installs the negotiated limits once a handshake completes.
func (fw *FrameWriter) SetLimits(l Limits) { fw.limits = l }

// WriteFrame encodes f and writes its length-prefixed form.
func (fw *FrameWriter) WriteFrame(f *frame.Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if len(buf) > fw.limits.MaxFrame {
		return fmt.Errorf("encoded frame size %d exceeds negotiated max_frame %d", len(buf), fw.limits.MaxFrame)
	}
	if len(buf) > MaxFrameHardLimit {
		return fmt.Errorf("encoded frame size %d exceeds hard limit %d", len(buf), MaxFrameHardLimit)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(buf)
	return err
}

// WriteChunkedResponse emits a full STREAM_START/CHUNK.../STREAM_END/END
// sequence for a payload, splitting it into MaxChunk-sized pieces.
func (fw *FrameWriter) WriteChunkedResponse(requestID frame.MessageID, streamID string, mediaURN string, payload []byte) error {
	if err := fw.WriteFrame(frame.NewStreamStart(requestID, streamID, mediaURN)); err != nil {
		return err
	}

	chunkIndex := uint64(0)
	offset := 0
	seq := uint64(0)
	for offset < len(payload) {
		remaining := len(payload) - offset
		size := remaining
		if size > fw.limits.MaxChunk {
			size = fw.limits.MaxChunk
		}
		data := payload[offset : offset+size]
		checksum := frame.ComputeChecksum(data)
		if err := fw.WriteFrame(frame.NewChunk(requestID, streamID, seq, data, chunkIndex, checksum)); err != nil {
			return err
		}
		offset += size
		seq++
		chunkIndex++
	}

	if err := fw.WriteFrame(frame.NewStreamEnd(requestID, streamID, chunkIndex)); err != nil {
		return err
	}
	return fw.WriteFrame(frame.NewEnd(requestID, nil))
}

// limitsFromMeta extracts the three negotiated limit fields from a HELLO
// frame. All three are required; a HELLO missing any of them is a handshake
// failure, not a default substitution.
func limitsFromMeta(f *frame.Frame) (Limits, error) {
	var l Limits
	var ok bool
	if l.MaxFrame, ok = f.MetaInt("max_frame"); !ok {
		return Limits{}, errors.New("HELLO missing max_frame")
	}
	if l.MaxChunk, ok = f.MetaInt("max_chunk"); !ok {
		return Limits{}, errors.New("HELLO missing max_chunk")
	}
	if l.MaxReorderBuffer, ok = f.MetaInt("max_reorder_buffer"); !ok {
		return Limits{}, errors.New("HELLO missing max_reorder_buffer")
	}
	return l, nil
}

// HandshakeAccept runs the plugin side of the HELLO handshake: read the
// host's offered limits, reply with our own limits plus our manifest, and
// return the negotiated limits.
func HandshakeAccept(r *FrameReader, w *FrameWriter, manifestData []byte) (Limits, error) {
	hello, err := r.ReadFrame()
	if err != nil {
		return Limits{}, fmt.Errorf("reading HELLO: %w", err)
	}
	if hello.Type != frame.TypeHello {
		return Limits{}, errors.New("expected HELLO frame")
	}
	hostLimits, err := limitsFromMeta(hello)
	if err != nil {
		return Limits{}, fmt.Errorf("handshake failure: %w", err)
	}

	reply := frame.NewHelloWithManifest(DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer, manifestData)
	if err := w.WriteFrame(reply); err != nil {
		return Limits{}, fmt.Errorf("writing HELLO response: %w", err)
	}

	negotiated := NegotiateLimits(DefaultLimits(), hostLimits)
	r.SetLimits(negotiated)
	w.SetLimits(negotiated)
	return negotiated, nil
}

// HandshakeInitiate runs the host side of the HELLO handshake: offer our
// limits, read back the plugin's limits plus manifest, and return the
// negotiated limits.
func HandshakeInitiate(r *FrameReader, w *FrameWriter) (manifestData []byte, negotiated Limits, err error) {
	hello := frame.NewHello(DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer)
	if err := w.WriteFrame(hello); err != nil {
		return nil, Limits{}, fmt.Errorf("writing HELLO: %w", err)
	}

	reply, err := r.ReadFrame()
	if err != nil {
		return nil, Limits{}, fmt.Errorf("reading HELLO response: %w", err)
	}
	if reply.Type != frame.TypeHello {
		return nil, Limits{}, errors.New("expected HELLO response")
	}

	if reply.Meta != nil {
		if m, ok := reply.Meta["manifest"].([]byte); ok {
			manifestData = m
		}
	}
	if len(manifestData) == 0 {
		return nil, Limits{}, fmt.Errorf("handshake failure: HELLO missing manifest")
	}
	pluginLimits, err := limitsFromMeta(reply)
	if err != nil {
		return nil, Limits{}, fmt.Errorf("handshake failure: %w", err)
	}

	negotiated = NegotiateLimits(DefaultLimits(), pluginLimits)
	r.SetLimits(negotiated)
	w.SetLimits(negotiated)
	return manifestData, negotiated, nil
}
