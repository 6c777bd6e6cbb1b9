// Package host implements the multi-plugin process host: it spawns and
// supervises plugin child processes, routes REQ frames to the plugin whose
// advertised capability accepts them, and relays continuation frames for
// both directions of traffic — engine-initiated requests served by a
// plugin, and plugin-initiated peer invokes answered by the engine.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/manifest"
	"github.com/ridgeport-io/capmesh/schema"
	"github.com/ridgeport-io/capmesh/urn"
	"github.com/ridgeport-io/capmesh/wire"
)

// localPeerXID marks an incomingRxids entry created by a PeerRouter routing
// a plugin's peer invoke to another local plugin, bypassing the relay
// entirely. It can never collide with a genuine relay xid because the
// relay is required to supply a non-empty routing id on every request it
// originates.
const localPeerXID = ""

// PeerRouter resolves a plugin-initiated peer invoke (a REQ a plugin sends
// while handling another request) to some other local capability provider
// instead of the relay. PluginHost always tries the router first; when it
// declines, the request is forwarded to the relay unmodified, which is how
// the ordinary (and self-loop) peer-invoke path is served by default.
type PeerRouter interface {
	// Resolve returns the plugin index that should serve capURN locally,
	// or ok=false to decline (forward to the relay instead).
	Resolve(capURN string) (pluginIdx int, ok bool)
}

// refusingPeerRouter is the default PeerRouter: it never resolves locally.
type refusingPeerRouter struct{}

func (refusingPeerRouter) Resolve(string) (int, bool) { return -1, false }

// DefaultPeerRouter returns the strategy that declines every peer invoke,
// so PluginHost forwards each one to the relay to answer.
func DefaultPeerRouter() PeerRouter { return refusingPeerRouter{} }

// capEntry maps one advertised cap URN to the plugin that serves it.
type capEntry struct {
	urn       string
	pluginIdx int
}

// pluginEvent is what a plugin's reader goroutine hands to the dispatcher.
type pluginEvent struct {
	pluginIdx int
	frame     *frame.Frame
	died      bool
}

// PluginHost supervises N plugins and routes frames between them and a
// single upstream relay connection.
//
// Routing-table mutations happen on the single goroutine running Run;
// RegisterPlugin and AttachPlugin also add plugins and cap entries from the
// caller's goroutine. All of these hold mu, which also lets
// Capabilities/FindPluginForCap be read safely while Run is active.
type PluginHost struct {
	logger     *slog.Logger
	peerRouter PeerRouter

	// manifestSchema, when set, is a JSON Schema every plugin's manifest
	// must satisfy before the host trusts its advertised caps; nil means
	// no schema enforcement (the default, matching the teacher's own
	// schema-optional posture).
	manifestSchema    []byte
	manifestValidator schema.Validator

	mu           sync.Mutex
	plugins      []*ManagedPlugin
	capTable     []capEntry
	capabilities []byte

	// outgoingRids maps rid -> plugin index for a peer invoke that plugin
	// issued. Removed when the relay delivers (or the plugin dies without
	// receiving) the terminal frame for that rid.
	outgoingRids map[string]int

	// incomingRxids maps (xid, rid) -> plugin index for a request the host
	// forwarded downstream, whether relay-originated (xid is the relay's
	// routing id) or peer-router-originated (xid is localPeerXID). Relay
	// entries are removed only on the target plugin's death, never on a
	// terminal frame — a self-loop peer invoke can still be in flight on the
	// same rid after the outer flow's own terminal frame has already gone
	// out. A localPeerXID entry is also removed once its terminal frame has
	// been delivered back to the originating plugin.
	incomingRxids map[frame.RxidKey]int

	relaySeq     *frame.SeqAssigner
	lastRelaySeq map[frame.FlowKey]uint64

	eventCh chan pluginEvent
}

// Option configures a PluginHost at construction time.
type Option func(*PluginHost)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(h *PluginHost) { h.logger = l }
}

// WithPeerRouter installs a non-default peer-invoke resolution strategy.
func WithPeerRouter(r PeerRouter) Option {
	return func(h *PluginHost) { h.peerRouter = r }
}

// WithManifestSchema rejects any plugin (spawned or attached) whose
// handshake manifest does not validate against schemaJSON, a Draft-7 JSON
// Schema document. A rejected manifest is treated as a handshake failure:
// ErrSpawnFailed for RegisterPlugin entries, an error return for
// AttachPlugin.
func WithManifestSchema(schemaJSON []byte) Option {
	return func(h *PluginHost) {
		h.manifestSchema = schemaJSON
		if h.manifestValidator == nil {
			h.manifestValidator = schema.NewValidator()
		}
	}
}

// NewPluginHost creates an empty host with no plugins registered.
func NewPluginHost(opts ...Option) *PluginHost {
	h := &PluginHost{
		logger:        slog.Default(),
		peerRouter:    DefaultPeerRouter(),
		outgoingRids:  make(map[string]int),
		incomingRxids: make(map[frame.RxidKey]int),
		relaySeq:      frame.NewSeqAssigner(),
		lastRelaySeq:  make(map[frame.FlowKey]uint64),
		eventCh:       make(chan pluginEvent, 256),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterPlugin registers a plugin binary for on-demand spawning. It is
// not started until a request arrives for one of knownCaps.
func (h *PluginHost) RegisterPlugin(path string, knownCaps []string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := len(h.plugins)
	h.plugins = append(h.plugins, &ManagedPlugin{
		path:      path,
		knownCaps: knownCaps,
		limits:    wire.DefaultLimits(),
		seq:       frame.NewSeqAssigner(),
	})
	for _, c := range knownCaps {
		h.capTable = append(h.capTable, capEntry{urn: c, pluginIdx: idx})
	}
	h.rebuildCapabilitiesLocked()
	return idx
}

// AttachPlugin adopts an already-running plugin connected over rw,
// performing the handshake and identity probe immediately.
func (h *PluginHost) AttachPlugin(r io.Reader, w io.Writer) (int, error) {
	reader := wire.NewFrameReader(r)
	writer := wire.NewFrameWriter(w)

	manifestData, limits, err := wire.HandshakeInitiate(reader, writer)
	if err != nil {
		return -1, fmt.Errorf("handshake: %w", err)
	}
	if h.manifestSchema != nil {
		if err := h.manifestValidator.Validate("manifest", h.manifestSchema, manifestData); err != nil {
			return -1, fmt.Errorf("manifest schema: %w", err)
		}
	}
	if err := probeIdentity(reader, writer); err != nil {
		return -1, fmt.Errorf("identity probe: %w", err)
	}
	caps, err := parseCapsFromManifest(manifestData)
	if err != nil {
		return -1, fmt.Errorf("parsing manifest: %w", err)
	}

	h.mu.Lock()
	idx := len(h.plugins)
	plugin := &ManagedPlugin{
		reader:       reader,
		writer:       writer,
		manifestData: manifestData,
		limits:       limits,
		caps:         caps,
		running:      true,
		seq:          frame.NewSeqAssigner(),
	}
	h.plugins = append(h.plugins, plugin)
	for _, c := range caps {
		h.capTable = append(h.capTable, capEntry{urn: c, pluginIdx: idx})
	}
	h.rebuildCapabilitiesLocked()
	h.mu.Unlock()

	go h.readerLoop(idx, reader)
	return idx, nil
}

// Capabilities returns the aggregate advertised capabilities, as a JSON
// document of the form {"caps": [...]}, or nil if nothing is advertised.
func (h *PluginHost) Capabilities() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capabilities
}

// FindPluginForCap returns the plugin index serving capURN, preferring an
// exact string match before falling back to URN-pattern matching (the
// request is the pattern, each registered cap is the instance tested
// against it, closest specificity wins).
func (h *PluginHost) FindPluginForCap(capURN string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.findPluginForCapLocked(capURN)
}

func (h *PluginHost) findPluginForCapLocked(capURN string) (int, bool) {
	for _, e := range h.capTable {
		if e.urn == capURN {
			return e.pluginIdx, true
		}
	}

	request, err := urn.Parse(capURN)
	if err != nil {
		return -1, false
	}
	best := -1
	bestDelta := -1
	requestSpecificity := request.Specificity()
	for _, e := range h.capTable {
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
		if best == -1 || delta < bestDelta {
			best, bestDelta = e.pluginIdx, delta
		}
	}
	if best == -1 {
		return -1, false
	}
	return best, true
}

// Run drains the relay connection and every plugin's events until the
// relay closes or a fatal protocol violation occurs.
func (h *PluginHost) Run(ctx context.Context, relayRead io.Reader, relayWrite io.Writer) error {
	relayReader := wire.NewFrameReader(relayRead)
	relayWriter := wire.NewFrameWriter(relayWrite)

	relayCh := make(chan *frame.Frame, 64)
	relayDone := make(chan error, 1)
	go func() {
		defer close(relayCh)
		for {
			f, err := relayReader.ReadFrame()
			if err != nil {
				if err == io.EOF {
					relayDone <- nil
				} else {
					relayDone <- err
				}
				return
			}
			relayCh <- f
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.killAllPlugins()
			return ctx.Err()

		case f, ok := <-relayCh:
			if !ok {
				err := <-relayDone
				h.killAllPlugins()
				return err
			}
			h.handleRelayFrame(ctx, f, relayWriter)

		case ev := <-h.eventCh:
			if ev.died {
				h.handlePluginDeath(ev.pluginIdx, relayWriter)
			} else {
				h.handlePluginFrame(ctx, ev.pluginIdx, ev.frame, relayWriter)
			}
		}
	}
}

// handleRelayFrame processes one frame arriving from the relay/engine.
func (h *PluginHost) handleRelayFrame(ctx context.Context, f *frame.Frame, relayWriter *wire.FrameWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rid := f.ID.String()
	xid, hasXid := "", false
	if f.RoutingID != nil {
		xid, hasXid = f.RoutingID.String(), true
	}

	switch f.Type {
	case frame.TypeReq:
		if !hasXid {
			h.logger.Warn("dropping relay REQ with no routing id", "rid", rid)
			return
		}
		capURN := ""
		if f.Cap != nil {
			capURN = *f.Cap
		}
		target, found := h.findPluginForCapLocked(capURN)
		if !found {
			h.sendErrToRelayLocked(relayWriter, f.ID, f.RoutingID, ErrNoHandler, fmt.Sprintf("no plugin handles cap: %s", capURN))
			return
		}

		plugin := h.plugins[target]
		if !plugin.running {
			if plugin.helloFailed {
				h.sendErrToRelayLocked(relayWriter, f.ID, f.RoutingID, ErrSpawnFailed, "plugin previously failed its handshake")
				return
			}
			if err := plugin.spawn(ctx, h.logger, h.manifestSchema, h.manifestValidator); err != nil {
				h.rebuildCapTableLocked()
				h.rebuildCapabilitiesLocked()
				h.sendErrToRelayLocked(relayWriter, f.ID, f.RoutingID, ErrSpawnFailed, err.Error())
				return
			}
			go h.readerLoop(target, plugin.reader)
			h.rebuildCapTableLocked()
			h.rebuildCapabilitiesLocked()
		}

		h.incomingRxids[frame.RxidKey{XID: xid, RID: rid}] = target
		h.forwardToPluginLocked(plugin, stripRoutingID(f))

	case frame.TypeStreamStart, frame.TypeChunk, frame.TypeStreamEnd:
		if target, ok := h.lookupIncomingLocked(xid, rid); ok {
			h.forwardToPluginLocked(h.plugins[target], stripRoutingID(f))
			return
		}
		if target, ok := h.outgoingRids[rid]; ok {
			h.forwardToPluginLocked(h.plugins[target], stripRoutingID(f))
		}

	case frame.TypeEnd, frame.TypeErr:
		if target, ok := h.lookupIncomingLocked(xid, rid); ok {
			h.forwardToPluginLocked(h.plugins[target], stripRoutingID(f))
			return
		}
		if target, ok := h.outgoingRids[rid]; ok {
			h.forwardToPluginLocked(h.plugins[target], stripRoutingID(f))
			delete(h.outgoingRids, rid)
		}

	case frame.TypeHeartbeat:
		// Heartbeats are a host<->plugin liveness concept; the relay is not
		// part of that loop.

	case frame.TypeHello:
		h.logger.Warn("unexpected HELLO from relay after handshake")

	case frame.TypeRelayNotify, frame.TypeRelayState:
		h.logger.Warn("relay sent a host-to-relay-only frame", "type", f.Type.String())
	}
}

// handlePluginFrame processes one frame arriving from a plugin.
func (h *PluginHost) handlePluginFrame(ctx context.Context, pluginIdx int, f *frame.Frame, relayWriter *wire.FrameWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rid := f.ID.String()

	switch f.Type {
	case frame.TypeHeartbeat:
		_ = h.plugins[pluginIdx].write(frame.NewHeartbeat())

	case frame.TypeHello:
		h.logger.Warn("unexpected HELLO from plugin after handshake", "plugin", pluginIdx)

	case frame.TypeReq:
		capURN := ""
		if f.Cap != nil {
			capURN = *f.Cap
		}
		h.outgoingRids[rid] = pluginIdx

		if target, ok := h.peerRouter.Resolve(capURN); ok {
			targetPlugin := h.plugins[target]
			if !targetPlugin.running && !targetPlugin.helloFailed {
				if err := targetPlugin.spawn(ctx, h.logger, h.manifestSchema, h.manifestValidator); err == nil {
					go h.readerLoop(target, targetPlugin.reader)
					h.rebuildCapTableLocked()
					h.rebuildCapabilitiesLocked()
				}
			}
			if targetPlugin.running {
				h.incomingRxids[frame.RxidKey{XID: localPeerXID, RID: rid}] = target
				h.forwardToPluginLocked(targetPlugin, f)
				return
			}
			delete(h.outgoingRids, rid)
			_ = h.plugins[pluginIdx].write(frame.NewErr(f.ID, string(ErrPeerInvokeUnsup), "resolved peer target could not be started"))
			return
		}

		// Default: forward unmodified (no routing id — plugins never carry
		// one) to the relay, letting the engine answer it directly or
		// re-dispatch it as a fresh request (the self-loop path).
		h.sendToRelayLocked(relayWriter, stripRoutingID(f))

	case frame.TypeLog, frame.TypeStreamStart, frame.TypeChunk, frame.TypeStreamEnd, frame.TypeEnd, frame.TypeErr:
		if xid, ok := h.reverseIncomingLocked(pluginIdx, rid); ok {
			if xid == localPeerXID {
				if originIdx, ok2 := h.outgoingRids[rid]; ok2 {
					h.forwardToPluginLocked(h.plugins[originIdx], f)
					if isTerminal(f) {
						delete(h.outgoingRids, rid)
						delete(h.incomingRxids, frame.RxidKey{XID: localPeerXID, RID: rid})
					}
				}
				return
			}
			out := withRoutingID(f, xid)
			h.sendToRelayLocked(relayWriter, out)
			return
		}
		h.sendToRelayLocked(relayWriter, stripRoutingID(f))
	}
}

// lookupIncomingLocked finds incomingRxids[{xid,rid}], trying the caller's
// xid verbatim (empty string for a frame with no routing id at all).
func (h *PluginHost) lookupIncomingLocked(xid, rid string) (int, bool) {
	target, ok := h.incomingRxids[frame.RxidKey{XID: xid, RID: rid}]
	return target, ok
}

// reverseIncomingLocked finds the xid under which pluginIdx was recorded as
// the forwarding target of rid, scanning both the relay xid and the local
// peer-router sentinel.
func (h *PluginHost) reverseIncomingLocked(pluginIdx int, rid string) (string, bool) {
	if target, ok := h.incomingRxids[frame.RxidKey{XID: localPeerXID, RID: rid}]; ok && target == pluginIdx {
		return localPeerXID, true
	}
	for key, target := range h.incomingRxids {
		if key.RID == rid && target == pluginIdx {
			return key.XID, true
		}
	}
	return "", false
}

func isTerminal(f *frame.Frame) bool {
	return f.Type == frame.TypeEnd || f.Type == frame.TypeErr
}

func stripRoutingID(f *frame.Frame) *frame.Frame {
	if f.RoutingID == nil {
		return f
	}
	cp := *f
	cp.RoutingID = nil
	return &cp
}

func withRoutingID(f *frame.Frame, xid string) *frame.Frame {
	cp := *f
	if id, err := frame.ParseMessageIDString(xid); err == nil {
		cp.RoutingID = &id
	}
	return &cp
}

// forwardToPluginLocked writes f into target's stdin, assigning a seq at
// that plugin's writer boundary.
func (h *PluginHost) forwardToPluginLocked(p *ManagedPlugin, f *frame.Frame) {
	p.seq.Assign(f)
	if err := p.write(f); err != nil {
		h.logger.Warn("write to plugin failed", "err", err)
	}
	if isTerminal(f) {
		p.seq.Remove(frame.FlowKeyFromFrame(f))
	}
}

// sendToRelayLocked writes f to the relay, assigning a seq at the relay
// writer boundary and recording it for death-cleanup seq synthesis.
func (h *PluginHost) sendToRelayLocked(relayWriter *wire.FrameWriter, f *frame.Frame) {
	h.relaySeq.Assign(f)
	key := frame.FlowKeyFromFrame(f)
	h.lastRelaySeq[key] = f.Seq
	if err := relayWriter.WriteFrame(f); err != nil {
		h.logger.Error("write to relay failed", "err", err)
	}
	if isTerminal(f) {
		h.relaySeq.Remove(key)
		delete(h.lastRelaySeq, key)
	}
}

// sendErrToRelayLocked synthesises and sends an ERR frame for a request
// that never reached a plugin.
func (h *PluginHost) sendErrToRelayLocked(relayWriter *wire.FrameWriter, id frame.MessageID, routingID *frame.MessageID, code ErrorCode, message string) {
	errFrame := frame.NewErr(id, string(code), message)
	errFrame.RoutingID = routingID
	h.sendToRelayLocked(relayWriter, errFrame)
}

// handlePluginDeath tears down a dead plugin's state and fails every
// request that was in flight with it.
func (h *PluginHost) handlePluginDeath(pluginIdx int, relayWriter *wire.FrameWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	plugin := h.plugins[pluginIdx]
	plugin.running = false
	plugin.reader = nil
	plugin.writer = nil
	if plugin.cmd != nil && plugin.cmd.Process != nil {
		_ = plugin.cmd.Process.Kill()
		plugin.cmd = nil
	}

	// Requests this plugin itself issued as a peer invoke, still awaiting a
	// relay answer.
	for rid, owner := range h.outgoingRids {
		if owner != pluginIdx {
			continue
		}
		h.synthesizePluginDiedLocked(relayWriter, rid, "", pluginIdx)
		delete(h.outgoingRids, rid)
	}

	// Requests forwarded into this plugin, whether relay-originated or
	// locally peer-routed.
	for key, target := range h.incomingRxids {
		if target != pluginIdx {
			continue
		}
		if key.XID == localPeerXID {
			if originIdx, ok := h.outgoingRids[key.RID]; ok {
				h.forwardToPluginLocked(h.plugins[originIdx], newDiedErr(key.RID, pluginIdx))
				delete(h.outgoingRids, key.RID)
			}
		} else {
			h.synthesizePluginDiedLocked(relayWriter, key.RID, key.XID, pluginIdx)
		}
		delete(h.incomingRxids, key)
	}

	h.rebuildCapTableLocked()
	h.rebuildCapabilitiesLocked()
	if h.capabilities != nil {
		limits := wire.DefaultLimits()
		h.sendToRelayLocked(relayWriter, frame.NewRelayNotify(h.capabilities, limits.MaxFrame, limits.MaxChunk, limits.MaxReorderBuffer))
	}
}

// synthesizePluginDiedLocked emits ERR(PLUGIN_DIED) to the relay for one
// flow, with seq one greater than the last seq the host sent the relay on
// that flow.
func (h *PluginHost) synthesizePluginDiedLocked(relayWriter *wire.FrameWriter, rid, xid string, pluginIdx int) {
	key := frame.FlowKey{RID: rid, XID: xid}
	next := h.lastRelaySeq[key] + 1
	errFrame := newDiedErr(rid, pluginIdx)
	if xid != "" {
		if id, err := frame.ParseMessageIDString(xid); err == nil {
			errFrame.RoutingID = &id
		}
	}
	errFrame.Seq = next
	h.lastRelaySeq[key] = next
	if err := relayWriter.WriteFrame(errFrame); err != nil {
		h.logger.Error("write to relay failed", "err", err)
	}
	delete(h.lastRelaySeq, key)
}

// newDiedErr builds ERR(PLUGIN_DIED) whose ID exactly matches the rid of
// the flow it terminates, reconstructed from that rid's string form (the
// same form the routing tables key on).
func newDiedErr(rid string, pluginIdx int) *frame.Frame {
	id, err := frame.ParseMessageIDString(rid)
	if err != nil {
		id = frame.NewMessageIDRandom()
	}
	return frame.NewErr(id, string(ErrPluginDied), fmt.Sprintf("plugin %d died", pluginIdx))
}

// readerLoop drains one plugin's stdout into the event channel until it
// dies or the pipe closes.
func (h *PluginHost) readerLoop(pluginIdx int, r *wire.FrameReader) {
	for {
		f, err := r.ReadFrame()
		if err != nil {
			h.eventCh <- pluginEvent{pluginIdx: pluginIdx, died: true}
			return
		}
		h.eventCh <- pluginEvent{pluginIdx: pluginIdx, frame: f}
	}
}

func (h *PluginHost) rebuildCapTableLocked() {
	h.capTable = nil
	for idx, p := range h.plugins {
		if p.helloFailed {
			continue
		}
		for _, c := range p.Caps() {
			h.capTable = append(h.capTable, capEntry{urn: c, pluginIdx: idx})
		}
	}
}

// rebuildCapabilitiesLocked recomputes the aggregate capability list:
// CAP_IDENTITY first, then every non-identity URN from every non-failed
// plugin, deduplicated. Stays nil if nothing would be advertised.
func (h *PluginHost) rebuildCapabilitiesLocked() {
	seen := make(map[string]bool)
	var rest []string
	any := false
	for _, p := range h.plugins {
		if p.helloFailed {
			continue
		}
		for _, c := range p.Caps() {
			any = true
			if c == manifest.IdentityCapURN || seen[c] {
				continue
			}
			seen[c] = true
			rest = append(rest, c)
		}
	}
	if !any {
		h.capabilities = nil
		return
	}

	all := append([]string{manifest.IdentityCapURN}, rest...)
	data, err := json.Marshal(map[string]interface{}{"caps": all})
	if err != nil {
		h.capabilities = nil
		return
	}
	h.capabilities = data
}

func (h *PluginHost) killAllPlugins() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.plugins {
		if p.running {
			p.kill()
		}
	}
}
