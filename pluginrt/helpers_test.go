package pluginrt

import (
	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/wire"
)

func zeroTestID() frame.MessageID { return frame.NewMessageIDRandom() }

func testLimits() wire.Limits { return wire.DefaultLimits() }

// captureSink records every frame written to it so a test can inspect the
// STREAM_START/CHUNK/STREAM_END sequence a handler produced without a real
// connection.
type captureSink struct {
	frames []*frame.Frame
}

func (s *captureSink) WriteFrame(f *frame.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSink) chunkData() []byte {
	var out []byte
	for _, f := range s.frames {
		if f.Type == frame.TypeChunk && f.Payload != nil {
			out = append(out, f.Payload...)
		}
	}
	return out
}
