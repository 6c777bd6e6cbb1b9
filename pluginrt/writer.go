package pluginrt

import (
	"sync"

	"github.com/ridgeport-io/capmesh/frame"
	"github.com/ridgeport-io/capmesh/wire"
)

// syncWriter wraps a FrameWriter with a mutex and a single SeqAssigner so
// every goroutine writing on behalf of concurrent in-flight requests still
// produces a correct monotonic seq per flow.
type syncWriter struct {
	mu     sync.Mutex
	writer *wire.FrameWriter
	seq    *frame.SeqAssigner
}

func newSyncWriter(w *wire.FrameWriter) *syncWriter {
	return &syncWriter{writer: w, seq: frame.NewSeqAssigner()}
}

func (s *syncWriter) WriteFrame(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.Assign(f)
	err := s.writer.WriteFrame(f)
	if err == nil && (f.Type == frame.TypeEnd || f.Type == frame.TypeErr) {
		s.seq.Remove(frame.FlowKeyFromFrame(f))
	}
	return err
}

func (s *syncWriter) SetLimits(l wire.Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.SetLimits(l)
}
