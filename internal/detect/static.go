package detect

import (
	"context"
	"sync"
)

// StaticDetector returns a fixed script of detections, one entry per call,
// repeating the last entry once the script runs out. Used for development
// runs and pipeline tests.
type StaticDetector struct {
	mu     sync.Mutex
	script [][]Detection
	calls  int
}

func NewStaticDetector(script ...[]Detection) *StaticDetector {
	return &StaticDetector{script: script}
}

func (s *StaticDetector) Detect(ctx context.Context, frame Frame, opts Options) ([]Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.script) == 0 {
		return nil, nil
	}
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++

	// Copy so callers can annotate (plate assignment) without mutating
	// the script.
	src := s.script[idx]
	out := make([]Detection, len(src))
	copy(out, src)
	return out, nil
}

func (s *StaticDetector) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
