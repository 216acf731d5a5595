package diagnostics

import (
	"chargerd/internal/config"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestRing(t *testing.T, maxLogSize, maxEntrySize int) *Ring {
	t.Helper()
	conf := &config.Config{}
	conf.Storage.DiagnosticsFile = filepath.Join(t.TempDir(), "diagnostics.bin")
	conf.Storage.LockTimeoutMs = 1000
	conf.Diagnostics.MaxLogSize = maxLogSize
	conf.Diagnostics.MaxEntrySize = maxEntrySize

	ring, err := NewRing(conf)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}
	t.Cleanup(func() { ring.Close() })
	return ring
}

func TestWriteAndCollect(t *testing.T) {
	ring := newTestRing(t, 4096, 256)

	lines := []struct {
		severity byte
		text     string
	}{
		{'I', "charger started"},
		{'W', "meter reading delayed"},
		{'E', "central system unreachable"},
	}
	for _, line := range lines {
		if err := ring.WriteLine(line.severity, line.text); err != nil {
			t.Fatalf("WriteLine(%q) failed: %v", line.text, err)
		}
	}

	entries, err := ring.Entries(0, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(lines) {
		t.Fatalf("expected %d entries, got %d", len(lines), len(entries))
	}
	for i, entry := range entries {
		if entry.Severity != lines[i].severity || entry.Text != lines[i].text {
			t.Errorf("entry %d = %c %q, want %c %q", i, entry.Severity, entry.Text, lines[i].severity, lines[i].text)
		}
	}
}

func TestWriteStripsDecoration(t *testing.T) {
	ring := newTestRing(t, 4096, 256)

	raw := "\x1b[0;32mI (09:15:20.321) memory free: 9132, largest block: 8960\x1b[0m\n"
	if err := ring.WriteLine('I', raw); err != nil {
		t.Fatal(err)
	}

	entries, err := ring.Entries(0, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	want := "memory free: 9132, largest block: 8960"
	if entries[0].Text != want {
		t.Errorf("stored text = %q, want %q", entries[0].Text, want)
	}
}

func TestWriteTruncatesOversizedLine(t *testing.T) {
	ring := newTestRing(t, 4096, 16)

	if err := ring.WriteLine('I', "this line is much longer than sixteen bytes"); err != nil {
		t.Fatal(err)
	}
	entries, err := ring.Entries(0, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || len(entries[0].Text) != 16 {
		t.Fatalf("expected one 16-byte entry, got %+v", entries)
	}
}

func TestOverflowNeverCorruptsReadCursor(t *testing.T) {
	ring := newTestRing(t, 256, 64)

	for i := 0; i < 100; i++ {
		if err := ring.WriteLine('I', fmt.Sprintf("line %03d", i)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if ring.header.readOffset != ring.header.writeOffset {
			if _, _, err := ring.readEntryAt(ring.header.readOffset); err != nil {
				t.Fatalf("after write %d the read cursor points at an invalid entry", i)
			}
		}
	}

	entries, err := ring.Entries(0, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("expected surviving entries after overflow")
	}
	if entries[len(entries)-1].Text != "line 099" {
		t.Errorf("newest entry = %q, want %q", entries[len(entries)-1].Text, "line 099")
	}
	// Storage order is oldest first across the wrap boundary.
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Text >= entries[i].Text {
			t.Errorf("entries out of order: %q before %q", entries[i-1].Text, entries[i].Text)
		}
	}
}

func TestEmptyClearsRing(t *testing.T) {
	ring := newTestRing(t, 4096, 256)
	for i := 0; i < 5; i++ {
		if err := ring.WriteLine('I', fmt.Sprintf("line %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := ring.Empty(); err != nil {
		t.Fatal(err)
	}
	entries, err := ring.Entries(0, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty ring, got %d entries", len(entries))
	}
}

func TestRingSurvivesReopen(t *testing.T) {
	conf := &config.Config{}
	conf.Storage.DiagnosticsFile = filepath.Join(t.TempDir(), "diagnostics.bin")
	conf.Storage.LockTimeoutMs = 1000
	conf.Diagnostics.MaxLogSize = 4096
	conf.Diagnostics.MaxEntrySize = 256

	ring, err := NewRing(conf)
	if err != nil {
		t.Fatal(err)
	}
	if err = ring.WriteLine('W', "persisted line"); err != nil {
		t.Fatal(err)
	}
	if err = ring.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewRing(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	entries, err := reopened.Entries(0, 1<<62)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Text != "persisted line" {
		t.Fatalf("expected persisted entry, got %+v", entries)
	}
}

type collectingSink struct {
	texts []string
}

func (s *collectingSink) PublishEvent(timestamp int64, severity byte, text string) {
	s.texts = append(s.texts, text)
}

func TestPublishAsEvent(t *testing.T) {
	ring := newTestRing(t, 4096, 256)
	for i := 0; i < 3; i++ {
		if err := ring.WriteLine('I', fmt.Sprintf("event %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	sink := &collectingSink{}
	if err := ring.PublishAsEvent(sink); err != nil {
		t.Fatal(err)
	}
	if len(sink.texts) != 3 || sink.texts[0] != "event 0" || sink.texts[2] != "event 2" {
		t.Errorf("published %v", sink.texts)
	}
}
