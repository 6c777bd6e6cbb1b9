package pluginrt

import (
	"fmt"
	"io"
	"sync"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/wire"
)

// pendingStream accumulates one argument stream's chunks until its
// STREAM_END arrives.
type pendingStream struct {
	streamID string
	mediaURN string
	chunks   [][]byte
	complete bool
}

// incomingRequest tracks one REQ the host sent us, from its arrival until
// its END, multiplexing STREAM_START/CHUNK/STREAM_END into an InputPackage
// the handler goroutine consumes.
type incomingRequest struct {
	capURN      string
	handler     HandlerFunc
	routingID   *frame.MessageID
	reqIDString string

	mu       sync.Mutex
	streams  []*pendingStream
	nextPush int
	ch       chan *InputStream
	ended    bool
}

func newIncomingRequest(capURN string, handler HandlerFunc, routingID *frame.MessageID, reqIDString string) *incomingRequest {
	return &incomingRequest{
		capURN:      capURN,
		handler:     handler,
		routingID:   routingID,
		reqIDString: reqIDString,
		ch:          make(chan *InputStream, 64),
	}
}

func (ir *incomingRequest) streamStart(streamID, mediaURN string) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	ir.streams = append(ir.streams, &pendingStream{streamID: streamID, mediaURN: mediaURN})
}

func (ir *incomingRequest) chunk(streamID string, payload []byte) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	for _, s := range ir.streams {
		if s.streamID == streamID && !s.complete {
			if payload != nil {
				s.chunks = append(s.chunks, payload)
			}
			return
		}
	}
}

func (ir *incomingRequest) streamEnd(streamID string) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	for _, s := range ir.streams {
		if s.streamID == streamID {
			s.complete = true
			break
		}
	}
	ir.pushReadyLocked()
}

// pushReadyLocked delivers every contiguous run of completed streams,
// starting from nextPush, preserving STREAM_START arrival order even if
// STREAM_ENDs arrive out of order.
func (ir *incomingRequest) pushReadyLocked() {
	for ir.nextPush < len(ir.streams) && ir.streams[ir.nextPush].complete {
		s := ir.streams[ir.nextPush]
		var data []byte
		for _, c := range s.chunks {
			data = append(data, c...)
		}
		ir.ch <- &InputStream{MediaURN: s.mediaURN, data: data}
		ir.nextPush++
	}
}

func (ir *incomingRequest) end() {
	ir.mu.Lock()
	ir.ended = true
	ir.pushReadyLocked()
	ir.mu.Unlock()
	close(ir.ch)
}

// pendingPeer tracks one outbound peer invocation awaiting a response.
type pendingPeer struct {
	ch chan *frame.Frame
}

// dispatcher runs one plugin's wire-protocol event loop: it demultiplexes
// every inbound frame to either an incomingRequest (a request the host
// sent) or a pendingPeer (a response to a request we sent), and invokes
// handlers on their own goroutine so one slow request never blocks another.
type dispatcher struct {
	runtime *Runtime
	reader  *wire.FrameReader
	writer  *syncWriter
	limits  wire.Limits

	incomingMu sync.Mutex
	incoming   map[string]*incomingRequest

	peerMu sync.Mutex
	peers  map[string]*pendingPeer

	wg sync.WaitGroup
}

func (d *dispatcher) run() error {
	d.incoming = make(map[string]*incomingRequest)
	d.peers = make(map[string]*pendingPeer)
	defer d.wg.Wait()

	for {
		f, err := d.reader.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		d.handleFrame(f)
	}
}

func (d *dispatcher) handleFrame(f *frame.Frame) {
	rid := f.ID.String()

	switch f.Type {
	case frame.TypeReq:
		d.handleReq(f, rid)

	case frame.TypeHeartbeat:
		// Heartbeats are purely a liveness ping-pong; a plugin never
		// initiates one, it only echoes what the host sends it back.
		_ = d.writer.WriteFrame(frame.NewHeartbeat())

	case frame.TypeHello:
		d.sendErr(f.ID, nil, ErrProtocol, "unexpected HELLO after handshake")

	case frame.TypeStreamStart:
		if f.StreamID == nil || f.MediaURN == nil {
			d.sendErr(f.ID, nil, ErrProtocol, "STREAM_START missing stream_id or media_urn")
			return
		}
		if ir, ok := d.loadIncoming(rid); ok {
			ir.streamStart(*f.StreamID, *f.MediaURN)
			return
		}
		if p, ok := d.loadPeer(rid); ok {
			p.ch <- f
		}

	case frame.TypeChunk:
		if f.StreamID == nil {
			d.sendErr(f.ID, nil, ErrProtocol, "CHUNK missing stream_id")
			return
		}
		if err := frame.VerifyChunkChecksum(f); err != nil {
			d.sendErr(f.ID, nil, ErrCorruptedData, err.Error())
			return
		}
		if ir, ok := d.loadIncoming(rid); ok {
			ir.chunk(*f.StreamID, f.Payload)
			return
		}
		if p, ok := d.loadPeer(rid); ok {
			p.ch <- f
		}

	case frame.TypeStreamEnd:
		if f.StreamID == nil {
			d.sendErr(f.ID, nil, ErrProtocol, "STREAM_END missing stream_id")
			return
		}
		if ir, ok := d.loadIncoming(rid); ok {
			ir.streamEnd(*f.StreamID)
			return
		}
		if p, ok := d.loadPeer(rid); ok {
			p.ch <- f
		}

	case frame.TypeEnd:
		if ir, ok := d.takeIncoming(rid); ok {
			ir.end()
			d.invoke(ir)
			return
		}
		if p, ok := d.takePeer(rid); ok {
			close(p.ch)
		}

	case frame.TypeErr:
		if p, ok := d.takePeer(rid); ok {
			p.ch <- f
			close(p.ch)
			return
		}
		d.runtime.logger.Warn("ERR frame for unknown request", "rid", rid)

	case frame.TypeLog:
		// Logs from the host side are not expected; ignore rather than fail.

	case frame.TypeRelayNotify, frame.TypeRelayState:
		d.runtime.logger.Error("relay-only frame reached plugin runtime", "type", f.Type.String())
	}
}

func (d *dispatcher) handleReq(f *frame.Frame, rid string) {
	routingID := f.RoutingID

	if f.Cap == nil || *f.Cap == "" {
		d.sendErr(f.ID, routingID, ErrInvalidRequest, "request missing cap URN")
		return
	}
	if len(f.Payload) > 0 {
		d.sendErr(f.ID, routingID, ErrProtocol, "REQ frame must have empty payload; use STREAM_START for arguments")
		return
	}

	capURN := *f.Cap
	handler := d.runtime.FindHandler(capURN)
	if handler == nil {
		d.sendErr(f.ID, routingID, ErrNoHandler, fmt.Sprintf("no handler for cap: %s", capURN))
		return
	}

	ir := newIncomingRequest(capURN, handler, routingID, rid)
	d.incomingMu.Lock()
	d.incoming[rid] = ir
	d.incomingMu.Unlock()
}

func (d *dispatcher) invoke(ir *incomingRequest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		requestID, err := frame.ParseMessageIDString(ir.reqIDString)
		if err != nil {
			d.runtime.logger.Error("cannot reconstruct request id", "rid", ir.reqIDString, "err", err)
			return
		}

		streamID := fmt.Sprintf("resp-%s", shortID(requestID))
		out := newOutputStream(d.writer, requestID, ir.routingID, streamID, "media:", d.limits)
		in := &InputPackage{ch: ir.ch}
		peer := &peerInvoker{writer: d.writer, limits: d.limits, register: d.registerPeer}

		if err := ir.handler(in, out, peer); err != nil {
			code, message := errorCodeOf(err)
			d.sendErr(requestID, ir.routingID, code, message)
			return
		}
		if err := out.Close(); err != nil {
			d.runtime.logger.Warn("closing output stream failed", "err", err)
			return
		}
		endFrame := frame.NewEnd(requestID, nil)
		endFrame.RoutingID = ir.routingID
		if err := d.writer.WriteFrame(endFrame); err != nil {
			d.runtime.logger.Warn("writing END failed", "err", err)
		}
	}()
}

func shortID(id frame.MessageID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (d *dispatcher) sendErr(id frame.MessageID, routingID *frame.MessageID, code ErrorCode, message string) {
	f := frame.NewErr(id, string(code), message)
	f.RoutingID = routingID
	if err := d.writer.WriteFrame(f); err != nil {
		d.runtime.logger.Error("write to host failed", "err", err)
	}
}

func (d *dispatcher) loadIncoming(rid string) (*incomingRequest, bool) {
	d.incomingMu.Lock()
	defer d.incomingMu.Unlock()
	ir, ok := d.incoming[rid]
	return ir, ok
}

func (d *dispatcher) takeIncoming(rid string) (*incomingRequest, bool) {
	d.incomingMu.Lock()
	defer d.incomingMu.Unlock()
	ir, ok := d.incoming[rid]
	if ok {
		delete(d.incoming, rid)
	}
	return ir, ok
}

func (d *dispatcher) loadPeer(rid string) (*pendingPeer, bool) {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	p, ok := d.peers[rid]
	return p, ok
}

func (d *dispatcher) takePeer(rid string) (*pendingPeer, bool) {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	p, ok := d.peers[rid]
	if ok {
		delete(d.peers, rid)
	}
	return p, ok
}

// registerPeer installs a pending peer-response channel keyed by the
// request id pluginrt itself generated for the call; passed as the
// peerInvoker's register hook so package-level wiring stays in one place.
func (d *dispatcher) registerPeer(id string) <-chan *frame.Frame {
	ch := make(chan *frame.Frame, 64)
	d.peerMu.Lock()
	d.peers[id] = &pendingPeer{ch: ch}
	d.peerMu.Unlock()
	return ch
}
