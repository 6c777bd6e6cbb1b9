package pluginrt

import (
	"fmt"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/wire"
)

// PeerInvoker lets a handler call a capability on the other end of the pipe
// (the host, or whatever re-dispatches on its behalf) while it is still
// handling its own request.
type PeerInvoker interface {
	Call(capURN string) *PeerCall
}

// peerInvoker is the live PeerInvoker bound to one connection's writer and
// pending-request table.
type peerInvoker struct {
	writer   *syncWriter
	limits   wire.Limits
	register func(id string) <-chan *frame.Frame
}

func (p *peerInvoker) Call(capURN string) *PeerCall {
	return &PeerCall{
		inv:    p,
		capURN: capURN,
		id:     frame.NewMessageIDRandom(),
	}
}

// PeerCall accumulates argument streams for one peer invocation. The REQ
// frame is sent lazily on the first Arg (or on Finish, for a no-argument
// call) so a call that is built but never used never touches the wire.
type PeerCall struct {
	inv     *peerInvoker
	capURN  string
	id      frame.MessageID
	argIdx  int
	sent    bool
	respCh  <-chan *frame.Frame
	sendErr error
}

func (c *PeerCall) ensureSent() error {
	if c.sent {
		return c.sendErr
	}
	c.sent = true
	c.respCh = c.inv.register(c.id.String())
	req := frame.NewReq(c.id, c.capURN, nil, "")
	if err := c.inv.writer.WriteFrame(req); err != nil {
		c.sendErr = fmt.Errorf("sending peer REQ: %w", err)
	}
	return c.sendErr
}

// Arg opens one argument stream of the given media URN. The returned
// OutputStream behaves exactly like a handler's own response stream: the
// first write sends STREAM_START, Close sends STREAM_END.
func (c *PeerCall) Arg(mediaURN string) *OutputStream {
	streamID := c.nextStreamID()
	if err := c.ensureSent(); err != nil {
		// A write that will fail on first use is still useful to return:
		// the caller's Write/Close calls surface the same error rather
		// than needing a second error-handling path here.
		return newOutputStream(failingSink{err}, c.id, nil, streamID, mediaURN, wire.DefaultLimits())
	}
	return newOutputStream(c.inv.writer, c.id, nil, streamID, mediaURN, c.inv.limits)
}

func (c *PeerCall) nextStreamID() string {
	id := fmt.Sprintf("peer-%d", c.argIdx)
	c.argIdx++
	return id
}

// Finish closes the argument list (sending REQ first if Arg was never
// called) and waits for the single response InputStream, or the ERR the
// peer answered with.
func (c *PeerCall) Finish() (*InputStream, error) {
	if err := c.ensureSent(); err != nil {
		return nil, err
	}
	if err := c.inv.writer.WriteFrame(frame.NewEnd(c.id, nil)); err != nil {
		return nil, fmt.Errorf("sending peer END: %w", err)
	}

	var mediaURN string
	var data []byte
	for f := range c.respCh {
		switch f.Type {
		case frame.TypeStreamStart:
			mediaURN = ""
			if f.MediaURN != nil {
				mediaURN = *f.MediaURN
			}
			data = nil
		case frame.TypeChunk:
			if f.Payload != nil {
				data = append(data, f.Payload...)
			}
		case frame.TypeStreamEnd:
			// Stream content is complete; the terminal END still to come
			// closes the channel.
		case frame.TypeErr:
			return nil, fmt.Errorf("[%s] %s", f.ErrorCode(), f.ErrorMessage())
		}
	}
	return &InputStream{MediaURN: mediaURN, data: data}, nil
}

// noPeerInvoker refuses every call; used in CLI mode, where there is no
// host on the other end of a pipe to answer a peer invoke.
type noPeerInvoker struct{}

func (noPeerInvoker) Call(capURN string) *PeerCall {
	return &PeerCall{
		capURN:  capURN,
		sent:    true,
		sendErr: Fail(ErrPeerInvokeUnsup, "peer invocation not available in this mode"),
	}
}
