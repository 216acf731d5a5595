package internal

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *captureSink) WriteLine(severity byte, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(severity)+" "+text)
	return nil
}

func (s *captureSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func waitForLine(t *testing.T, sink *captureSink, count int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lines := sink.snapshot()
		if len(lines) >= count {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d log lines, got %d", count, len(sink.snapshot()))
	return nil
}

func TestErrorWithoutCause(t *testing.T) {
	sink := &captureSink{}
	logger := NewLogger(time.UTC)
	logger.SetSink(sink)

	logger.Error("header magic mismatch", nil)

	lines := waitForLine(t, sink, 1)
	if !strings.Contains(lines[0], "header magic mismatch") {
		t.Fatalf("message text missing: %q", lines[0])
	}
	if strings.Contains(lines[0], "nil") {
		t.Fatalf("nil cause rendered into message: %q", lines[0])
	}
	if !strings.HasPrefix(lines[0], "E ") {
		t.Fatalf("expected error severity, got %q", lines[0])
	}
}

func TestErrorAppendsCause(t *testing.T) {
	sink := &captureSink{}
	logger := NewLogger(time.UTC)
	logger.SetSink(sink)

	logger.Error("opening file", errTest("no space left"))

	lines := waitForLine(t, sink, 1)
	if !strings.Contains(lines[0], "opening file: no space left") {
		t.Fatalf("cause not appended: %q", lines[0])
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
