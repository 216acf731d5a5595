package session

import (
	"chargerd/internal/config"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testLogger struct{}

func (l *testLogger) FeatureEvent(feature, id, text string) {}
func (l *testLogger) Debug(text string)                     {}
func (l *testLogger) Warn(text string)                      {}
func (l *testLogger) Error(text string, err error)          {}

type testClock struct {
	now      time.Time
	reliable bool
}

func (c *testClock) Now() time.Time   { return c.now }
func (c *testClock) IsReliable() bool { return c.reliable }

type testMeter struct {
	energy float64
	err    error
}

func (m *testMeter) ReadEnergy() (float64, error) { return m.energy, m.err }

func newTestStore(t *testing.T) (*Store, *testClock, *testMeter) {
	t.Helper()
	conf := &config.Config{}
	conf.Storage.SessionPath = t.TempDir()
	conf.Storage.LockTimeoutMs = 1000

	clock := &testClock{now: time.Unix(1700000000, 0), reliable: true}
	meter := &testMeter{}

	store := NewStore(conf)
	store.SetLogger(&testLogger{})
	store.SetClock(clock)
	store.SetMeter(meter)
	return store, clock, meter
}

func TestSessionLifecycle(t *testing.T) {
	store, _, _ := newTestStore(t)

	sessionId, err := store.StartSession(false, "")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if len(sessionId) != 36 {
		t.Fatalf("expected 36-char session id, got %q", sessionId)
	}

	if err = store.AppendEnergyEntry(LabelTick, 1100, 1.5); err != nil {
		t.Fatalf("append tick failed: %v", err)
	}
	if err = store.AppendEnergyEntry(LabelEnd, 1200, 3.0); err != nil {
		t.Fatalf("append end failed: %v", err)
	}

	fileNo := store.ActiveFileNo()
	entries, err := store.ReadSignedEntries(fileNo)
	if err != nil {
		t.Fatalf("ReadSignedEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	wantLabels := []byte{LabelBegin, LabelTick, LabelEnd}
	for i, entry := range entries {
		if entry.Label != wantLabels[i] {
			t.Errorf("entry %d label = %c, want %c", i, entry.Label, wantLabels[i])
		}
	}
	if entries[2].Energy != 3.0 {
		t.Errorf("final entry energy = %f, want 3.0", entries[2].Energy)
	}
}

func TestStartSessionWritesBeginEntry(t *testing.T) {
	store, _, meter := newTestStore(t)
	meter.energy = 2.0

	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	entries, err := store.ReadSignedEntries(store.ActiveFileNo())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Label != LabelBegin {
		t.Fatalf("expected a single begin entry, got %+v", entries)
	}
	if entries[0].Energy != 2.0 {
		t.Errorf("begin entry energy = %f, want the meter reading 2.0", entries[0].Energy)
	}
	if store.Current().Energy != 2.0 {
		t.Errorf("session energy = %f, want 2.0", store.Current().Energy)
	}
}

func TestAppendRejectsTickBeforeBegin(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	fileNo := store.ActiveFileNo()
	path := filepath.Join(store.path, fmt.Sprintf("%d.bin", fileNo))

	// Model a crash between file creation and the begin entry: wipe the
	// entry area and its counter, then reboot.
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = file.WriteAt(make([]byte, 4+entrySize), offsetEntryCount); err != nil {
		t.Fatal(err)
	}
	file.Close()

	conf := &config.Config{}
	conf.Storage.SessionPath = store.path
	conf.Storage.LockTimeoutMs = 1000
	rebooted := NewStore(conf)
	rebooted.SetLogger(&testLogger{})
	rebooted.SetClock(&testClock{now: time.Unix(1700001000, 0), reliable: true})

	if _, err = rebooted.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	if err = rebooted.AppendEnergyEntry(LabelTick, 1000, 1.0); !errors.Is(err, ErrNoBegin) {
		t.Errorf("expected ErrNoBegin, got %v", err)
	}
}

func TestAppendRejectsAfterEnd(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEnergyEntry(LabelEnd, 1100, 1.0); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEnergyEntry(LabelTick, 1200, 2.0); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestAppendEntryLimitReservesEndSlot(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 99; i++ {
		if err := store.AppendEnergyEntry(LabelTick, int32(i), float64(i)); err != nil {
			t.Fatalf("tick %d rejected: %v", i, err)
		}
	}
	if err := store.AppendEnergyEntry(LabelTick, 99, 99.0); !errors.Is(err, ErrEntryLimit) {
		t.Errorf("expected ErrEntryLimit for tick 99, got %v", err)
	}
	if err := store.AppendEnergyEntry(LabelEnd, 100, 99.0); err != nil {
		t.Errorf("end entry should fit in reserved slot: %v", err)
	}
}

func TestUpdateEnergyMonotonic(t *testing.T) {
	store, _, meter := newTestStore(t)
	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}

	readings := []float64{1.0, 2.5, 1.8, 2.5, 3.1, -4.0, 3.0}
	want := []float64{1.0, 2.5, 2.5, 2.5, 3.1, 3.1, 3.1}
	for i, reading := range readings {
		meter.energy = reading
		if err := store.UpdateEnergy(); err != nil {
			t.Fatalf("UpdateEnergy(%f) failed: %v", reading, err)
		}
		if got := store.Current().Energy; got != want[i] {
			t.Errorf("after reading %f energy = %f, want %f", reading, got, want[i])
		}
	}
}

func TestReadSessionSurvivesRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	sessionId, err := store.StartSession(false, "")
	if err != nil {
		t.Fatal(err)
	}
	if err = store.SetAuthenticationCode("nfc-12AB34CD"); err != nil {
		t.Fatal(err)
	}
	fileNo := store.ActiveFileNo()

	loaded, err := store.ReadSessionFromFile(fileNo)
	if err != nil {
		t.Fatalf("ReadSessionFromFile failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected session, got nil")
	}
	if loaded.SessionId != sessionId {
		t.Errorf("SessionId = %q, want %q", loaded.SessionId, sessionId)
	}
	if loaded.AuthenticationCode != "nfc-12AB34CD" {
		t.Errorf("AuthenticationCode = %q", loaded.AuthenticationCode)
	}
}

func TestCorruptSummaryTreatedAsAbsent(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	fileNo := store.ActiveFileNo()
	path := filepath.Join(store.path, fmt.Sprintf("%d.bin", fileNo))

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = file.WriteAt([]byte{'#'}, offsetSummary+10); err != nil {
		t.Fatal(err)
	}
	file.Close()

	loaded, err := store.ReadSessionFromFile(fileNo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Error("corrupt summary should read as absent")
	}
}

func TestCorruptEntrySkippedDuringReplay(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEnergyEntry(LabelTick, 1100, 1.0); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEnergyEntry(LabelTick, 1200, 2.0); err != nil {
		t.Fatal(err)
	}
	fileNo := store.ActiveFileNo()
	path := filepath.Join(store.path, fmt.Sprintf("%d.bin", fileNo))

	// Flip a byte inside the second entry.
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = file.WriteAt([]byte{0xFF}, int64(offsetEntries+entrySize+8)); err != nil {
		t.Fatal(err)
	}
	file.Close()

	entries, err := store.ReadSignedEntries(fileNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 valid entries, got %d", len(entries))
	}
	if entries[0].Label != LabelBegin || entries[1].Timestamp != 1200 {
		t.Error("wrong entries survived replay")
	}
}

func TestPoolFullDegradesToMemory(t *testing.T) {
	store, _, _ := newTestStore(t)
	for fileNo := 0; fileNo < maxFiles; fileNo++ {
		path := filepath.Join(store.path, fmt.Sprintf("%d.bin", fileNo))
		if err := os.WriteFile(path, []byte{fileVersion}, 0644); err != nil {
			t.Fatal(err)
		}
	}

	sessionId, err := store.StartSession(false, "")
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
	if len(sessionId) != 36 {
		t.Error("memory-only session should still get an id")
	}
	if store.ActiveFileNo() != -1 {
		t.Error("memory-only session must not claim a file slot")
	}
	if err = store.AppendEnergyEntry(LabelTick, 1000, 1.0); err != nil {
		t.Errorf("memory-only append should succeed: %v", err)
	}
}

func TestStartSessionResumesIncomplete(t *testing.T) {
	store, _, _ := newTestStore(t)
	sessionId, err := store.StartSession(false, "")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same directory models a reboot.
	conf := &config.Config{}
	conf.Storage.SessionPath = store.path
	conf.Storage.LockTimeoutMs = 1000
	rebooted := NewStore(conf)
	rebooted.SetLogger(&testLogger{})
	rebooted.SetClock(&testClock{now: time.Unix(1700001000, 0), reliable: true})
	rebooted.SetMeter(&testMeter{})

	resumedId, err := rebooted.StartSession(false, "")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumedId != sessionId {
		t.Errorf("resumed id %q, want %q", resumedId, sessionId)
	}
	if rebooted.SessionCount() != 1 {
		t.Error("resume must not allocate a second file")
	}
}

func TestHeldTimestampUsedForStart(t *testing.T) {
	store, clock, _ := newTestStore(t)
	held := "2023-11-14T22:13:20.000Z"
	store.HoldStartTimestamp(held)
	clock.now = time.Unix(1700009999, 0)

	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	if got := store.Current().StartDateTime; got != held {
		t.Errorf("StartDateTime = %q, want held %q", got, held)
	}
}

func TestFinalizeMarksComplete(t *testing.T) {
	store, _, meter := newTestStore(t)
	if _, err := store.StartSession(false, ""); err != nil {
		t.Fatal(err)
	}
	meter.energy = 3.0
	if err := store.UpdateEnergy(); err != nil {
		t.Fatal(err)
	}
	fileNo := store.ActiveFileNo()

	if err := store.Finalize(true, "rfid-77", "Local"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	loaded, err := store.ReadSessionFromFile(fileNo)
	if err != nil || loaded == nil {
		t.Fatalf("read back failed: %v", err)
	}
	if !loaded.IsComplete() {
		t.Error("finalized session should have an end time")
	}
	if loaded.Energy != 3.0 {
		t.Errorf("Energy = %f, want 3.0", loaded.Energy)
	}
	if !loaded.StoppedByRFID || loaded.StoppedById != "rfid-77" || loaded.StoppedReason != "Local" {
		t.Error("termination metadata not persisted")
	}
}
