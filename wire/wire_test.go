package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/ridgeport-io/capmesh/frame"
)

func TestReqFrameRoundtrip(t *testing.T) {
	id := frame.NewMessageIDRandom()
	capURN := `cap:in=media:void;op=test;out=media:void`
	payload := []byte("test payload")

	original := frame.NewReq(id, capURN, payload, "application/json")
	encoded, err := EncodeFrame(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.Type != original.Type {
		t.Error("Type mismatch")
	}
	if decoded.Cap == nil || *decoded.Cap != *original.Cap {
		t.Errorf("Cap mismatch: got %v want %v", decoded.Cap, original.Cap)
	}
	if string(decoded.Payload) != string(original.Payload) {
		t.Error("Payload mismatch")
	}
	if !decoded.ID.Equals(original.ID) {
		t.Error("ID mismatch")
	}
}

func TestChunkFrameRequiresChecksumAndIndex(t *testing.T) {
	id := frame.NewMessageIDRandom()
	f := frame.NewChunk(id, "s1", 0, []byte("data"), 0, frame.ComputeChecksum([]byte("data")))
	encoded, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ChunkIndex == nil || decoded.Checksum == nil {
		t.Fatal("expected chunk_index and checksum to survive the roundtrip")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	bad := map[int]interface{}{
		keyVersion:   uint8(99),
		keyFrameType: uint8(frame.TypeHeartbeat),
		keyID:        uint64(0),
	}
	buf, err := cbor.Marshal(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFrame(buf); err == nil {
		t.Fatal("expected version mismatch to be rejected")
	}
}

func TestDecodeRejectsReservedFrameType(t *testing.T) {
	bad := map[int]interface{}{
		keyVersion:   uint8(frame.ProtocolVersion),
		keyFrameType: uint8(2),
		keyID:        uint64(0),
	}
	buf, err := cbor.Marshal(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFrame(buf); err == nil {
		t.Fatal("expected reserved frame_type 2 to be rejected")
	}
}

func TestFrameReaderWriterRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	r := NewFrameReader(&buf)

	original := frame.NewHeartbeat()
	if err := w.WriteFrame(original); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	decoded, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if decoded.Type != frame.TypeHeartbeat {
		t.Error("expected heartbeat frame back")
	}
}

func TestFrameWriterRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	w.SetLimits(Limits{MaxFrame: 8, MaxChunk: 8, MaxReorderBuffer: 1})

	f := frame.NewReq(frame.NewMessageIDRandom(), "cap:in=media:void;out=media:void", []byte("this payload is definitely too big"), "application/octet-stream")
	if err := w.WriteFrame(f); err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
}

func TestWriteChunkedResponseSplitsPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	w.SetLimits(Limits{MaxFrame: DefaultMaxFrame, MaxChunk: 4, MaxReorderBuffer: DefaultMaxReorderBuffer})
	r := NewFrameReader(&buf)
	r.SetLimits(w.limits)

	id := frame.NewMessageIDRandom()
	payload := []byte("0123456789")
	if err := w.WriteChunkedResponse(id, "s1", "media:text", payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var chunks [][]byte
	var sawStart, sawEnd, sawFinalEnd bool
	for {
		f, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		switch f.Type {
		case frame.TypeStreamStart:
			sawStart = true
		case frame.TypeChunk:
			chunks = append(chunks, f.Payload)
		case frame.TypeStreamEnd:
			sawEnd = true
		case frame.TypeEnd:
			sawFinalEnd = true
		}
		if sawFinalEnd {
			break
		}
	}

	if !sawStart || !sawEnd || !sawFinalEnd {
		t.Fatal("expected STREAM_START, STREAM_END and END frames")
	}
	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c...)
	}
	if string(reassembled) != string(payload) {
		t.Errorf("reassembled payload mismatch: got %q want %q", reassembled, payload)
	}
}

func TestHandshakeRoundTripsManifestAndAgreesOnLimits(t *testing.T) {
	hostToPluginR, hostToPluginW := io.Pipe()
	pluginToHostR, pluginToHostW := io.Pipe()

	hostWriter := NewFrameWriter(hostToPluginW)
	hostReader := NewFrameReader(pluginToHostR)
	pluginReader := NewFrameReader(hostToPluginR)
	pluginWriter := NewFrameWriter(pluginToHostW)

	done := make(chan Limits, 1)
	go func() {
		negotiated, err := HandshakeAccept(pluginReader, pluginWriter, []byte(`{"name":"demo"}`))
		if err != nil {
			t.Errorf("plugin handshake failed: %v", err)
		}
		done <- negotiated
	}()

	manifest, negotiated, err := HandshakeInitiate(hostReader, hostWriter)
	if err != nil {
		t.Fatalf("host handshake failed: %v", err)
	}
	if string(manifest) != `{"name":"demo"}` {
		t.Errorf("expected manifest to round-trip, got %q", manifest)
	}

	pluginNegotiated := <-done
	if negotiated != pluginNegotiated {
		t.Errorf("host/plugin negotiated limits diverge: %+v vs %+v", negotiated, pluginNegotiated)
	}
}

func TestHandshakeFailsWhenHelloOmitsLimitField(t *testing.T) {
	hostToPluginR, hostToPluginW := io.Pipe()
	pluginToHostR, pluginToHostW := io.Pipe()

	hostWriter := NewFrameWriter(hostToPluginW)
	hostReader := NewFrameReader(pluginToHostR)
	pluginReader := NewFrameReader(hostToPluginR)
	pluginWriter := NewFrameWriter(pluginToHostW)

	go func() {
		// Read and discard the host's opening HELLO, then reply with a
		// HELLO that carries a manifest but omits max_reorder_buffer.
		_, _ = pluginReader.ReadFrame()
		reply := frame.NewHelloWithManifest(DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer, []byte(`{"name":"demo"}`))
		delete(reply.Meta, "max_reorder_buffer")
		_ = pluginWriter.WriteFrame(reply)
	}()

	_, _, err := HandshakeInitiate(hostReader, hostWriter)
	if err == nil {
		t.Fatal("expected handshake to fail when max_reorder_buffer is missing")
	}
}

func TestHandshakeFailsWhenHelloOmitsManifest(t *testing.T) {
	hostToPluginR, hostToPluginW := io.Pipe()
	pluginToHostR, pluginToHostW := io.Pipe()

	hostWriter := NewFrameWriter(hostToPluginW)
	hostReader := NewFrameReader(pluginToHostR)
	pluginReader := NewFrameReader(hostToPluginR)
	pluginWriter := NewFrameWriter(pluginToHostW)

	go func() {
		_, _ = pluginReader.ReadFrame()
		reply := frame.NewHello(DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer)
		_ = pluginWriter.WriteFrame(reply)
	}()

	_, _, err := HandshakeInitiate(hostReader, hostWriter)
	if err == nil {
		t.Fatal("expected handshake to fail when manifest is missing")
	}
}
