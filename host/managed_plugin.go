package host

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/manifest"
	"github.com/ridgeport-io/capmesh/schema"
	"github.com/ridgeport-io/capmesh/wire"
)

// killGracePeriod is how long a managed plugin gets to exit after SIGTERM
// before the host escalates to SIGKILL.
const killGracePeriod = 3 * time.Second

// identityNonce is the fixed payload the host sends when probing a plugin's
// identity capability right after a successful handshake. A plugin that
// fails to echo it back is treated the same as a handshake failure.
const identityNonce = "capmesh-identity-probe"

// ManagedPlugin is one child-process (or attached) plugin under a
// PluginHost's supervision: its pipes, negotiated limits, advertised caps,
// and lifecycle state.
type ManagedPlugin struct {
	path      string
	knownCaps []string // caps advertised before the plugin has ever run (registered, not yet spawned)

	cmd    *exec.Cmd
	reader *wire.FrameReader
	writer *wire.FrameWriter

	writerMu sync.Mutex // serializes writes from any goroutine; each write is synchronous

	manifestData []byte
	limits       wire.Limits
	caps         []string
	seq          *frame.SeqAssigner

	running     bool
	helloFailed bool
}

// Caps returns the capability URNs this plugin currently advertises: its
// negotiated caps if it has ever successfully spawned, otherwise the
// statically registered set.
func (p *ManagedPlugin) Caps() []string {
	if p.running && len(p.caps) > 0 {
		return p.caps
	}
	if len(p.caps) > 0 {
		return p.caps
	}
	return p.knownCaps
}

// Running reports whether the plugin process is currently alive and past
// handshake.
func (p *ManagedPlugin) Running() bool { return p.running }

// HelloFailed reports whether this plugin permanently failed its
// handshake and must not be respawned automatically.
func (p *ManagedPlugin) HelloFailed() bool { return p.helloFailed }

// spawn starts the plugin process, completes the HELLO handshake, and
// probes its identity capability. On any failure the plugin is marked
// helloFailed permanently — RegisterPlugin entries that fail this way are
// never retried automatically (a handshake rejection is terminal).
//
// manifestSchema is nil unless the owning PluginHost was configured with
// WithManifestSchema, in which case a manifest failing validation is
// treated exactly like a failed handshake.
func (p *ManagedPlugin) spawn(ctx context.Context, logger *slog.Logger, manifestSchema []byte, validator schema.Validator) error {
	if p.path == "" {
		p.helloFailed = true
		return fmt.Errorf("plugin has no executable path")
	}

	cmd := exec.CommandContext(ctx, p.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.helloFailed = true
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.helloFailed = true
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.helloFailed = true
		return fmt.Errorf("starting plugin: %w", err)
	}
	logger.Debug("spawned plugin", "path", p.path, "pid", cmd.Process.Pid)

	reader := wire.NewFrameReader(stdout)
	writer := wire.NewFrameWriter(stdin)

	manifestData, limits, err := wire.HandshakeInitiate(reader, writer)
	if err != nil {
		p.helloFailed = true
		_ = cmd.Process.Kill()
		return fmt.Errorf("handshake: %w", err)
	}

	if manifestSchema != nil {
		if err := validator.Validate("manifest", manifestSchema, manifestData); err != nil {
			p.helloFailed = true
			_ = cmd.Process.Kill()
			return fmt.Errorf("manifest schema: %w", err)
		}
	}

	caps, err := parseCapsFromManifest(manifestData)
	if err != nil {
		p.helloFailed = true
		_ = cmd.Process.Kill()
		return fmt.Errorf("parsing manifest: %w", err)
	}

	if err := probeIdentity(reader, writer); err != nil {
		p.helloFailed = true
		_ = cmd.Process.Kill()
		return fmt.Errorf("identity probe: %w", err)
	}

	p.cmd = cmd
	p.reader = reader
	p.writer = writer
	p.manifestData = manifestData
	p.limits = limits
	p.caps = caps
	p.running = true
	if p.seq == nil {
		p.seq = frame.NewSeqAssigner()
	}
	return nil
}

// probeIdentity sends a REQ to the identity capability with a fixed nonce
// and verifies the plugin echoes it back, confirming the handshake
// produced a live, correctly-wired protocol implementation rather than a
// process that merely replied to HELLO.
func probeIdentity(r *wire.FrameReader, w *wire.FrameWriter) error {
	id := frame.NewMessageIDRandom()
	req := frame.NewReq(id, manifest.IdentityCapURN, []byte(identityNonce), "text/plain")
	if err := w.WriteFrame(req); err != nil {
		return fmt.Errorf("sending identity probe: %w", err)
	}

	var echoed []byte
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return fmt.Errorf("reading identity probe response: %w", err)
		}
		if !f.ID.Equals(id) {
			continue // a stray frame unrelated to the probe; ignore and keep waiting
		}
		switch f.Type {
		case frame.TypeErr:
			return fmt.Errorf("identity probe rejected: %s %s", f.ErrorCode(), f.ErrorMessage())
		case frame.TypeEnd:
			if string(echoed) != identityNonce {
				return fmt.Errorf("identity probe echoed %q, expected %q", echoed, identityNonce)
			}
			return nil
		case frame.TypeChunk:
			echoed = append(echoed, f.Payload...)
		}
	}
}

// write sends a frame to the plugin, guarding against concurrent writers.
func (p *ManagedPlugin) write(f *frame.Frame) error {
	p.writerMu.Lock()
	defer p.writerMu.Unlock()
	if p.writer == nil {
		return fmt.Errorf("plugin is not running")
	}
	return p.writer.WriteFrame(f)
}

// kill terminates the plugin process, preferring a graceful SIGTERM and
// escalating to SIGKILL if it does not exit within killGracePeriod.
func (p *ManagedPlugin) kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		p.running = false
		return
	}

	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()

	_ = p.cmd.Process.Signal(signalTerm())
	select {
	case <-done:
	case <-time.After(killGracePeriod):
		_ = p.cmd.Process.Kill()
		<-done
	}

	p.running = false
	p.cmd = nil
}
