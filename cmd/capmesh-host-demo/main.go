// Command capmesh-host-demo is a minimal process host exercising
// host.PluginHost end to end: it registers one or more plugin binaries for
// on-demand spawning and exchanges frames with its upstream relay over its
// own stdin/stdout. No HELLO handshake is performed on that upstream side.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ridgeport-io/capmesh/host"
)

func main() {
	var pluginSpecs []string
	var verbose bool

	flags := pflag.NewFlagSet("capmesh-host-demo", pflag.ContinueOnError)
	flags.StringArrayVar(&pluginSpecs, "plugin", nil,
		`a plugin to register, as "path=cap1,cap2,..."; may be repeated`)
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	h := host.NewPluginHost(host.WithLogger(logger))
	for _, spec := range pluginSpecs {
		path, caps, err := parsePluginSpec(spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		h.RegisterPlugin(path, caps)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	if err := h.Run(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("host exited with error", "err", err)
		os.Exit(1)
	}
}

// parsePluginSpec splits "path=cap1,cap2" into the executable path and its
// declared capability URNs. A spec with no "=" registers a plugin with no
// statically known caps (routing to it only ever happens via a PeerRouter).
func parsePluginSpec(spec string) (path string, caps []string, err error) {
	path, capsPart, hasCaps := strings.Cut(spec, "=")
	if path == "" {
		return "", nil, fmt.Errorf("invalid --plugin spec %q: missing path", spec)
	}
	if !hasCaps || capsPart == "" {
		return path, nil, nil
	}
	return path, strings.Split(capsPart, ","), nil
}
