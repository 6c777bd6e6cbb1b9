package pluginrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeport-io/capmesh/manifest"
)

func testManifest() *manifest.Manifest {
	return manifest.New("test-plugin", "1.0.0", "a test plugin", []manifest.Cap{
		{URN: "cap:in=media:text;op=shout;out=media:text", Name: "Shout", Command: "shout"},
	})
}

func TestNewRuntimeRegistersBuiltins(t *testing.T) {
	r := NewRuntime(testManifest())

	assert.NotNil(t, r.FindHandler(manifest.IdentityCapURN))
	assert.NotNil(t, r.FindHandler(DiscardCapURN))
}

func TestRegisterAndFindExact(t *testing.T) {
	r := NewRuntime(testManifest())
	called := false
	r.Register("cap:in=media:text;op=shout;out=media:text", func(in *InputPackage, out *OutputStream, peer PeerInvoker) error {
		called = true
		return out.Close()
	})

	handler := r.FindHandler("cap:in=media:text;op=shout;out=media:text")
	require.NotNil(t, handler)

	ch := make(chan *InputStream)
	close(ch)
	out := newOutputStream(failingSink{nil}, zeroTestID(), nil, "s", "media:text", testLimits())
	require.NoError(t, handler(&InputPackage{ch: ch}, out, noPeerInvoker{}))
	assert.True(t, called)
}

func TestFindHandlerByClosestSpecificity(t *testing.T) {
	r := NewRuntime(testManifest())
	var which string
	r.Register("cap:in=media:text;op=greet", func(in *InputPackage, out *OutputStream, peer PeerInvoker) error {
		which = "narrow"
		return out.Close()
	})
	r.Register("cap:op=greet", func(in *InputPackage, out *OutputStream, peer PeerInvoker) error {
		which = "wide"
		return out.Close()
	})

	handler := r.FindHandler("cap:in=media:text;op=greet;out=media:text")
	require.NotNil(t, handler)

	ch := make(chan *InputStream)
	close(ch)
	out := newOutputStream(failingSink{nil}, zeroTestID(), nil, "s", "media:text", testLimits())
	require.NoError(t, handler(&InputPackage{ch: ch}, out, noPeerInvoker{}))
	assert.Equal(t, "narrow", which)
}

func TestFindHandlerNoMatch(t *testing.T) {
	r := NewRuntime(testManifest())
	assert.Nil(t, r.FindHandler("cap:in=media:video;op=transcode;out=media:video"))
}

func TestIdentityHandlerEchoesInputToOutput(t *testing.T) {
	r := NewRuntime(testManifest())
	handler := r.FindHandler(manifest.IdentityCapURN)
	require.NotNil(t, handler)

	ch := make(chan *InputStream, 1)
	ch <- &InputStream{MediaURN: "media:json", data: []byte(`{"ok":true}`)}
	close(ch)

	sink := &captureSink{}
	out := newOutputStream(sink, zeroTestID(), nil, "resp", "media:json", testLimits())
	require.NoError(t, handler(&InputPackage{ch: ch}, out, noPeerInvoker{}))

	assert.Equal(t, []byte(`{"ok":true}`), sink.chunkData())
}

func TestDiscardHandlerDrainsAndProducesNothing(t *testing.T) {
	r := NewRuntime(testManifest())
	handler := r.FindHandler(DiscardCapURN)
	require.NotNil(t, handler)

	ch := make(chan *InputStream, 2)
	ch <- &InputStream{MediaURN: "media:text", data: []byte("a")}
	ch <- &InputStream{MediaURN: "media:text", data: []byte("b")}
	close(ch)

	sink := &captureSink{}
	out := newOutputStream(sink, zeroTestID(), nil, "resp", "media:void", testLimits())
	require.NoError(t, handler(&InputPackage{ch: ch}, out, noPeerInvoker{}))

	assert.Empty(t, sink.chunkData())
}
