package rtu

import (
	"bytes"
	"testing"
)

var (
	readResponse  = []byte{0x01, 0x03, 0x02, 0x00, 0x0A, 0x38, 0x43}
	readRequest   = []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	exceptionResp = []byte{0x01, 0x83, 0x02, 0xC0, 0xF1}
	garbage       = []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x11, 0x22, 0x33}
)

func assertFrames(t *testing.T, got [][]byte, want ...[]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d frames %X, want %d", len(got), got, len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("frame %d: got % X, want % X", i, got[i], want[i])
		}
	}
}

func TestSplitterSingleFrame(t *testing.T) {
	s := NewSplitter()
	assertFrames(t, s.Ingest(readResponse), readResponse)
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d after a whole frame, want 0", s.Buffered())
	}
}

func TestSplitterFrameAcrossChunks(t *testing.T) {
	s := NewSplitter()
	if frames := s.Ingest(readResponse[:2]); len(frames) != 0 {
		t.Fatalf("frames from a 2 byte chunk: %X", frames)
	}
	if s.Buffered() != 2 {
		t.Fatalf("Buffered = %d, want 2", s.Buffered())
	}
	assertFrames(t, s.Ingest(readResponse[2:]), readResponse)
}

func TestSplitterBackToBackFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, readRequest...)
	stream = append(stream, readResponse...)
	stream = append(stream, exceptionResp...)

	s := NewSplitter()
	assertFrames(t, s.Ingest(stream), readRequest, readResponse, exceptionResp)
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", s.Buffered())
	}
}

func TestSplitterFramesDoNotAliasBuffer(t *testing.T) {
	s := NewSplitter()
	stream := append(append([]byte(nil), readRequest...), readResponse[:2]...)
	frames := s.Ingest(stream)
	assertFrames(t, frames, readRequest)
	if cap(frames[0]) != len(frames[0]) {
		t.Errorf("frame capacity %d exceeds its length %d", cap(frames[0]), len(frames[0]))
	}
	for i := range frames[0] {
		frames[0][i] = 0xFF
	}
	assertFrames(t, s.Ingest(readResponse[2:]), readResponse)
}

func TestSplitterGarbage(t *testing.T) {
	var dropped []byte
	s := NewSplitter(WithDiscardHook(func(b []byte) {
		dropped = append(dropped, b...)
	}))

	if frames := s.Ingest(garbage); len(frames) != 0 {
		t.Fatalf("garbage produced frames: %X", frames)
	}
	if s.Buffered() > 3 {
		t.Errorf("Buffered = %d after garbage, want <= 3", s.Buffered())
	}
	if !bytes.Equal(dropped, garbage[:5]) {
		t.Errorf("discard hook got % X, want % X", dropped, garbage[:5])
	}
}

func TestSplitterEmptyIngestIsIdempotent(t *testing.T) {
	s := NewSplitter()
	s.Ingest(garbage)
	before := s.Buffered()
	for i := 0; i < 5; i++ {
		if frames := s.Ingest(nil); len(frames) != 0 {
			t.Fatalf("empty ingest produced frames: %X", frames)
		}
		if s.Ingest([]byte{}) != nil {
			t.Fatal("empty ingest produced frames")
		}
	}
	if s.Buffered() != before {
		t.Errorf("Buffered changed from %d to %d", before, s.Buffered())
	}
}

// A partial frame longer than the resync tail is cut down when its prefixes
// fail the CRC scan. The stream only recovers after Clear.
func TestSplitterDropsLongPartialFrame(t *testing.T) {
	s := NewSplitter()
	if frames := s.Ingest(readResponse[:5]); len(frames) != 0 {
		t.Fatalf("partial frame produced frames: %X", frames)
	}
	if s.Buffered() != 3 {
		t.Fatalf("Buffered = %d, want 3", s.Buffered())
	}
	if frames := s.Ingest(readResponse[5:]); len(frames) != 0 {
		t.Fatalf("remainder produced frames: %X", frames)
	}

	s.Clear()
	if s.Buffered() != 0 {
		t.Fatalf("Buffered = %d after Clear", s.Buffered())
	}
	assertFrames(t, s.Ingest(readResponse), readResponse)
}

func TestSplitterClearFromDiscardHook(t *testing.T) {
	var s *Splitter
	s = NewSplitter(WithDiscardHook(func([]byte) { s.Clear() }))
	s.Ingest(garbage)
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", s.Buffered())
	}
}
