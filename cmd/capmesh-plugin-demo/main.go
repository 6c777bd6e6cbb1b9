// Command capmesh-plugin-demo is a minimal plugin binary exercising
// pluginrt end to end: a "shout" capability that upper-cases its input,
// plus the identity and discard capabilities every pluginrt.Runtime
// registers automatically.
package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ridgeport-io/capmesh/manifest"
	"github.com/ridgeport-io/capmesh/pluginrt"
)

const shoutCapURN = "cap:in=media:text;op=shout;out=media:text"

func main() {
	var verbose bool
	flags := pflag.NewFlagSet("capmesh-plugin-demo", pflag.ContinueOnError)
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// pluginrt.Runtime.Run picks wire-vs-CLI mode from len(os.Args); strip
	// the flags this binary just consumed so a host spawning it with no
	// arguments still lands in wire mode, and only a genuine subcommand
	// (e.g. "shout") trips CLI mode.
	os.Args = append(os.Args[:1], flags.Args()...)

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m := manifest.New("capmesh-plugin-demo", "0.1.0", "demonstrates a pluginrt.Runtime", []manifest.Cap{
		{URN: shoutCapURN, Name: "Shout", Description: "upper-cases its input", Command: "shout"},
	})

	runtime := pluginrt.NewRuntime(m, pluginrt.WithLogger(logger))
	runtime.Register(shoutCapURN, shoutHandler)

	if err := runtime.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func shoutHandler(in *pluginrt.InputPackage, out *pluginrt.OutputStream, _ pluginrt.PeerInvoker) error {
	streams := in.All()
	var buf bytes.Buffer
	for _, s := range streams {
		buf.Write(s.Bytes())
	}
	if _, err := out.Write([]byte(strings.ToUpper(buf.String()))); err != nil {
		return err
	}
	return out.Close()
}
