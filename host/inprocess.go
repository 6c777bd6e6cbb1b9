package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/manifest"
	"github.com/ridgeport-io/capmesh/urn"
	"github.com/ridgeport-io/capmesh/wire"
)

// InProcessArg is one argument (or result) stream held as a single buffer.
// Each result a handler returns goes out to the relay as one
// STREAM_START/CHUNK/STREAM_END triple. Argument streams arriving from the
// relay are not reassembled into InProcessArg values: handlers are called
// with nil args.
type InProcessArg struct {
	MediaURN string
	Payload  []byte
}

// InProcessHandler serves one capability entirely within the host process.
type InProcessHandler interface {
	Handle(ctx context.Context, capURN string, args []InProcessArg) ([]InProcessArg, error)
}

// InProcessHandlerFunc adapts a plain function to InProcessHandler.
type InProcessHandlerFunc func(ctx context.Context, capURN string, args []InProcessArg) ([]InProcessArg, error)

func (f InProcessHandlerFunc) Handle(ctx context.Context, capURN string, args []InProcessArg) ([]InProcessArg, error) {
	return f(ctx, capURN, args)
}

type inProcessEntry struct {
	urn     string
	handler InProcessHandler
}

// InProcessHost is the in-process counterpart of PluginHost (spec component
// H): it speaks the identical frame protocol to the relay, so it is
// externally indistinguishable from a process-backed host, but resolves
// every capability to a Go value in the same address space instead of a
// child process's stdin/stdout.
type InProcessHost struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []inProcessEntry

	writeMu  sync.Mutex
	relaySeq *frame.SeqAssigner
}

// NewInProcessHost creates a host with only the built-in identity handler
// registered.
func NewInProcessHost(logger *slog.Logger) *InProcessHost {
	if logger == nil {
		logger = slog.Default()
	}
	h := &InProcessHost{
		logger:   logger,
		relaySeq: frame.NewSeqAssigner(),
	}
	h.RegisterHandler(manifest.IdentityCapURN, InProcessHandlerFunc(passthroughHandler))
	return h
}

func passthroughHandler(_ context.Context, _ string, args []InProcessArg) ([]InProcessArg, error) {
	return args, nil
}

// RegisterHandler binds capURN to h, in addition to whatever is already
// registered (a cap URN may have more than one entry, same as capTable).
func (h *InProcessHost) RegisterHandler(capURN string, handler InProcessHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, inProcessEntry{urn: capURN, handler: handler})
}

// Capabilities returns the aggregate capability list, CAP_IDENTITY first.
func (h *InProcessHost) Capabilities() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := map[string]bool{manifest.IdentityCapURN: true}
	rest := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		if seen[e.urn] {
			continue
		}
		seen[e.urn] = true
		rest = append(rest, e.urn)
	}
	sort.Strings(rest)

	all := append([]string{manifest.IdentityCapURN}, rest...)
	data, err := json.Marshal(map[string]interface{}{"caps": all})
	if err != nil {
		return nil
	}
	return data
}

// findHandlerLocked resolves capURN using the same closest-specificity
// matching rule the process-backed router applies.
func (h *InProcessHost) findHandlerLocked(capURN string) (InProcessHandler, bool) {
	for _, e := range h.entries {
		if e.urn == capURN {
			return e.handler, true
		}
	}

	request, err := urn.Parse(capURN)
	if err != nil {
		return nil, false
	}
	var best InProcessHandler
	bestDelta := -1
	requestSpecificity := request.Specificity()
	for _, e := range h.entries {
		registered, err := urn.Parse(e.urn)
		if err != nil {
			continue
		}
		if !request.Accepts(registered) {
			continue
		}
		delta := registered.Specificity() - requestSpecificity
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta {
			best, bestDelta = e.handler, delta
		}
	}
	return best, best != nil
}

// Run drains the relay connection, dispatching each REQ to its handler on a
// dedicated goroutine (so one slow handler never blocks another's stream)
// and serializing outbound writes through writeMu.
func (h *InProcessHost) Run(ctx context.Context, relayRead io.Reader, relayWrite io.Writer) error {
	reader := wire.NewFrameReader(relayRead)
	writer := wire.NewFrameWriter(relayWrite)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch f.Type {
		case frame.TypeReq:
			if f.RoutingID == nil {
				h.logger.Warn("dropping REQ with no routing id")
				continue
			}
			capURN := ""
			if f.Cap != nil {
				capURN = *f.Cap
			}
			handler, ok := h.findHandlerLocked2(capURN)
			if !ok {
				h.sendErr(writer, f.ID, f.RoutingID, ErrNoHandler, fmt.Sprintf("no handler for cap: %s", capURN))
				continue
			}

			wg.Add(1)
			go func(req *frame.Frame, handler InProcessHandler, capURN string) {
				defer wg.Done()
				h.serve(ctx, writer, req, handler, capURN)
			}(f, handler, capURN)

		case frame.TypeHeartbeat:
			// No plugin-liveness loop exists for an in-process host; nothing
			// to answer.

		default:
			h.logger.Warn("unexpected frame type on in-process host relay connection", "type", f.Type.String())
		}
	}
}

func (h *InProcessHost) findHandlerLocked2(capURN string) (InProcessHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.findHandlerLocked(capURN)
}

// serve runs one request's handler to completion and writes its result (or
// failure) back to the relay. It starts as soon as the REQ arrives and
// passes the handler nil args; Run drops any STREAM_START, CHUNK,
// STREAM_END or END frame the relay sends for the request, logging each as
// an unexpected frame type.
func (h *InProcessHost) serve(ctx context.Context, writer *wire.FrameWriter, req *frame.Frame, handler InProcessHandler, capURN string) {
	results, err := handler.Handle(ctx, capURN, nil)
	if err != nil {
		h.sendErr(writer, req.ID, req.RoutingID, ErrHandlerError, err.Error())
		return
	}

	for i, r := range results {
		streamID := fmt.Sprintf("s%d", i)
		h.sendFrame(writer, withXidFrame(frame.NewStreamStart(req.ID, streamID, r.MediaURN), req.RoutingID))
		checksum := frame.ComputeChecksum(r.Payload)
		h.sendFrame(writer, withXidFrame(frame.NewChunk(req.ID, streamID, 0, r.Payload, 0, checksum), req.RoutingID))
		h.sendFrame(writer, withXidFrame(frame.NewStreamEnd(req.ID, streamID, 1), req.RoutingID))
	}
	h.sendFrame(writer, withXidFrame(frame.NewEnd(req.ID, nil), req.RoutingID))
}

func withXidFrame(f *frame.Frame, xid *frame.MessageID) *frame.Frame {
	f.RoutingID = xid
	return f
}

func (h *InProcessHost) sendErr(writer *wire.FrameWriter, id frame.MessageID, xid *frame.MessageID, code ErrorCode, message string) {
	h.sendFrame(writer, withXidFrame(frame.NewErr(id, string(code), message), xid))
}

func (h *InProcessHost) sendFrame(writer *wire.FrameWriter, f *frame.Frame) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.relaySeq.Assign(f)
	key := frame.FlowKeyFromFrame(f)
	if err := writer.WriteFrame(f); err != nil {
		h.logger.Error("write to relay failed", "err", err)
	}
	if f.Type == frame.TypeEnd || f.Type == frame.TypeErr {
		h.relaySeq.Remove(key)
	}
}
