// Package pluginrt is the plugin side of the wire protocol: the runtime a
// plugin binary embeds to complete the handshake, dispatch incoming
// requests to registered handlers, and issue peer invocations of its own.
package pluginrt

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ridgeport-io/capmesh/manifest"
	"github.com/ridgeport-io/capmesh/urn"
	"github.com/ridgeport-io/capmesh/wire"
)

// HandlerFunc serves one capability invocation: in is the ordered sequence
// of argument streams, out is where the result is written, and peer lets
// the handler call back into whatever is on the other end of the pipe.
type HandlerFunc func(in *InputPackage, out *OutputStream, peer PeerInvoker) error

type handlerEntry struct {
	urn     string
	handler HandlerFunc
}

// Runtime owns a plugin's handler registry and manifest, and drives either
// the wire protocol (CBOR mode, the default) or a one-shot CLI invocation.
type Runtime struct {
	logger   *slog.Logger
	manifest *manifest.Manifest

	mu       sync.RWMutex
	handlers []handlerEntry
	cliArgs  CLIArgSource
}

// Option configures a Runtime at construction time.
type Option func(*Runtime)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithCLIArgSource overrides how CLI-mode arguments are read (default:
// identityCLIArgSource, which reads all of stdin as the sole argument).
func WithCLIArgSource(s CLIArgSource) Option {
	return func(r *Runtime) { r.cliArgs = s }
}

// NewRuntime creates a runtime advertising m, registering the two built-in
// handlers (identity, discard) that spec.md requires every plugin to serve
// without explicit registration. m is given EnsureIdentity treatment so a
// caller that forgot to declare the identity cap still gets a correct
// manifest.
func NewRuntime(m *manifest.Manifest, opts ...Option) *Runtime {
	r := &Runtime{
		logger:   slog.Default(),
		manifest: m.EnsureIdentity(),
		cliArgs:  identityCLIArgSource{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register(manifest.IdentityCapURN, identityHandler)
	r.Register(DiscardCapURN, discardHandler)
	return r
}

// DiscardCapURN is the well-known capability every plugin runtime also
// serves without explicit registration: drain input, produce nothing.
const DiscardCapURN = "cap:in=media:;out=media:void"

func identityHandler(in *InputPackage, out *OutputStream, _ PeerInvoker) error {
	for {
		s, ok := in.Next()
		if !ok {
			return out.Close()
		}
		if _, err := out.Write(s.Bytes()); err != nil {
			return err
		}
	}
}

func discardHandler(in *InputPackage, out *OutputStream, _ PeerInvoker) error {
	in.All()
	return out.Close()
}

// Register binds capURN to handler, in addition to whatever is already
// registered for overlapping patterns (closest-specificity matching at
// dispatch time decides which one answers a given request).
func (r *Runtime) Register(capURN string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handlerEntry{urn: capURN, handler: handler})
}

// FindHandler resolves capURN using the same matching rule the host
// applies: the request is the pattern, each registered URN is the
// instance tested against it, closest specificity to the request wins.
func (r *Runtime) FindHandler(capURN string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.handlers {
		if e.urn == capURN {
			return e.handler
		}
	}

	request, err := urn.Parse(capURN)
	if err != nil {
		return nil
	}
	var best HandlerFunc
	bestDelta := -1
	requestSpecificity := request.Specificity()
	for _, e := range r.handlers {
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
	return best
}

// ManifestData returns the JSON-encoded manifest this runtime advertises
// (manifest.Manifest.Marshal). The HELLO reply carries these bytes
// unchanged as its manifest field.
func (r *Runtime) ManifestData() ([]byte, error) {
	return r.manifest.Marshal()
}

// Run auto-detects mode exactly the way a plugin binary is invoked: no
// arguments at all means it was spawned by a host and speaks the wire
// protocol over stdin/stdout; any argument means a human (or a script)
// invoked it directly from a shell.
func (r *Runtime) Run() error {
	if len(os.Args) == 1 {
		return r.runWireMode(os.Stdin, os.Stdout)
	}
	return r.runCLIMode(os.Args[1:])
}

// runWireMode performs the HELLO handshake then dispatches frames until
// the host side closes the connection.
func (r *Runtime) runWireMode(stdin io.Reader, stdout io.Writer) error {
	manifestData, err := r.ManifestData()
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	reader := wire.NewFrameReader(stdin)
	rawWriter := wire.NewFrameWriter(stdout)

	limits, err := wire.HandshakeAccept(reader, rawWriter, manifestData)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	reader.SetLimits(limits)
	rawWriter.SetLimits(limits)

	d := &dispatcher{
		runtime: r,
		reader:  reader,
		writer:  newSyncWriter(rawWriter),
		limits:  limits,
	}
	return d.run()
}
