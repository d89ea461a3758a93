package rtu

import "sync"

const (
	// MinFrameLength is address + function + CRC.
	MinFrameLength = 4
	// resyncTail is how many bytes survive a failed scan; they may be the
	// start of the next frame.
	resyncTail = 3
)

// DiscardFunc receives the bytes a splitter throws away while resynchronising.
type DiscardFunc func(discarded []byte)

// SplitterOption configures a Splitter.
type SplitterOption func(*Splitter)

// WithDiscardHook registers fn to be called whenever the splitter drops
// bytes it could not place in a frame.
func WithDiscardHook(fn DiscardFunc) SplitterOption {
	return func(s *Splitter) {
		s.onDiscard = fn
	}
}

// Splitter cuts a raw RTU byte stream into CRC-valid frames.
//
// RTU has no delimiter and no length prefix, so frame boundaries are found
// by CRC alone: after every chunk the splitter tries each prefix length from
// MinFrameLength upwards and takes the first one whose trailing CRC matches.
// This is a heuristic. A run of garbage can match its own CRC by accident and
// be reported as a frame, and a frame whose start arrives in a chunk longer
// than resyncTail bytes, without its end, is dropped when the scan fails.
type Splitter struct {
	mu        sync.Mutex
	buf       []byte
	onDiscard DiscardFunc
}

// NewSplitter returns an empty splitter.
func NewSplitter(opts ...SplitterOption) *Splitter {
	s := &Splitter{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest appends chunk to the buffer and returns every frame that can now be
// cut from its front. The returned frames do not share memory with the
// splitter.
func (s *Splitter) Ingest(chunk []byte) [][]byte {
	var (
		frames  [][]byte
		dropped []byte
	)

	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	for len(s.buf) >= MinFrameLength {
		end := s.frameEnd()
		if end == 0 {
			dropped = s.resync()
			break
		}
		frame := make([]byte, end)
		copy(frame, s.buf[:end])
		frames = append(frames, frame)
		s.buf = s.buf[end:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	s.mu.Unlock()

	// Called unlocked so the hook may use the splitter.
	if len(dropped) > 0 && s.onDiscard != nil {
		s.onDiscard(dropped)
	}
	return frames
}

// frameEnd returns the length of the shortest CRC-valid prefix, or 0.
func (s *Splitter) frameEnd() int {
	for i := MinFrameLength; i <= len(s.buf); i++ {
		if ValidateCRC(s.buf[:i]) {
			return i
		}
	}
	return 0
}

// resync keeps the last resyncTail bytes and returns the ones it dropped.
func (s *Splitter) resync() []byte {
	if len(s.buf) <= resyncTail {
		return nil
	}
	cut := len(s.buf) - resyncTail
	dropped := make([]byte, cut)
	copy(dropped, s.buf[:cut])
	tail := make([]byte, resyncTail)
	copy(tail, s.buf[cut:])
	s.buf = tail
	return dropped
}

// Clear drops everything buffered. Call it when the link is reset.
func (s *Splitter) Clear() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

// Buffered returns the number of bytes waiting for more input.
func (s *Splitter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
