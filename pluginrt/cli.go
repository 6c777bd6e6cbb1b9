package pluginrt

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/wire"
)

// CLIArgSource supplies the single argument payload for a CLI-mode
// invocation. Mapping CLI flags/positional args/stdin onto a cap's
// declared argument shape is explicitly out of scope (spec.md's
// Argument-source CLI parsing Non-goal); this seam exists so a plugin
// author can plug in their own mapping without forking the runtime.
type CLIArgSource interface {
	ReadArg(capURN string) (mediaURN string, data []byte, err error)
}

// identityCLIArgSource is the only built-in CLIArgSource: the whole of
// stdin becomes one argument of unspecified media type.
type identityCLIArgSource struct{}

func (identityCLIArgSource) ReadArg(string) (string, []byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", nil, fmt.Errorf("reading stdin: %w", err)
	}
	return "media:", data, nil
}

// cliSink is the frameSink a CLI-mode OutputStream writes to: instead of
// putting frames on a wire, it copies each CHUNK's payload straight to
// stdout. STREAM_START/STREAM_END carry no payload of their own and are
// acknowledged without side effects.
type cliSink struct{ w io.Writer }

func (s cliSink) WriteFrame(f *frame.Frame) error {
	if f.Type == frame.TypeChunk && f.Payload != nil {
		_, err := s.w.Write(f.Payload)
		return err
	}
	return nil
}

// runCLIMode parses a one-shot invocation: `plugin manifest` prints the
// manifest, `plugin <command>` invokes the cap registered under that
// command name (manifest.Cap.Command), and `plugin --help` lists commands.
func (r *Runtime) runCLIMode(args []string) error {
	if len(args) == 1 && (args[0] == "--help" || args[0] == "-h") {
		r.printHelp()
		return nil
	}

	subcommand := args[0]
	if subcommand == "manifest" {
		data, err := json.MarshalIndent(r.manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling manifest: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	capDef := r.findCapByCommand(subcommand)
	if capDef == nil {
		return fmt.Errorf("unknown subcommand %q; run with --help to see available commands", subcommand)
	}
	if len(args) == 2 && (args[1] == "--help" || args[1] == "-h") {
		r.printCapHelp(capDef)
		return nil
	}

	handler := r.FindHandler(capDef.URN)
	if handler == nil {
		return fmt.Errorf("no handler registered for cap %q", capDef.URN)
	}

	mediaURN, data, err := r.cliArgs.ReadArg(capDef.URN)
	if err != nil {
		return fmt.Errorf("reading cli argument: %w", err)
	}

	ch := make(chan *InputStream, 1)
	ch <- &InputStream{MediaURN: mediaURN, data: data}
	close(ch)

	in := &InputPackage{ch: ch}
	out := newOutputStream(cliSink{os.Stdout}, frame.NewMessageIDRandom(), nil, "cli", "media:", wire.DefaultLimits())
	peer := noPeerInvoker{}

	if err := handler(in, out, peer); err != nil {
		code, message := errorCodeOf(err)
		errorJSON, _ := json.Marshal(map[string]string{"code": string(code), "error": message})
		fmt.Fprintln(os.Stderr, string(errorJSON))
		return err
	}
	return out.Close()
}

func (r *Runtime) findCapByCommand(command string) *cliCap {
	for _, c := range r.manifest.Caps {
		if c.Command == command {
			return &cliCap{URN: c.URN, Name: c.Name, Description: c.Description, Command: c.Command}
		}
	}
	return nil
}

// cliCap is a local copy of manifest.Cap's fields pluginrt's CLI surface
// needs, avoiding a dependency from this file back onto manifest's exact
// struct shape beyond what it already takes through Runtime.manifest.
type cliCap struct {
	URN         string
	Name        string
	Description string
	Command     string
}

func (r *Runtime) printHelp() {
	fmt.Fprintf(os.Stderr, "%s v%s\n", r.manifest.Name, r.manifest.Version)
	if r.manifest.Description != "" {
		fmt.Fprintf(os.Stderr, "%s\n\n", r.manifest.Description)
	}
	fmt.Fprintf(os.Stderr, "USAGE:\n    %s <COMMAND> [ARGS]\n\n", r.manifest.Name)
	fmt.Fprintf(os.Stderr, "COMMANDS:\n    manifest    print the manifest as JSON\n")
	for _, c := range r.manifest.Caps {
		if c.Command == "" {
			continue
		}
		fmt.Fprintf(os.Stderr, "    %-12s %s\n", c.Command, c.Description)
	}
}

func (r *Runtime) printCapHelp(c *cliCap) {
	fmt.Fprintf(os.Stderr, "%s\n", c.Name)
	if c.Description != "" {
		fmt.Fprintf(os.Stderr, "%s\n", c.Description)
	}
	fmt.Fprintf(os.Stderr, "\nUSAGE:\n    %s %s [ARGS]\n", r.manifest.Name, c.Command)
}
