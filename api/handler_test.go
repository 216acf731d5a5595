package api

import (
	"chargerd/diagnostics"
	"chargerd/session"
	"encoding/json"
	"net/http"
	"testing"
)

type fakeSessions struct {
	deleted []int
	failure error
}

func (s *fakeSessions) Current() *session.ChargeSession { return nil }
func (s *fakeSessions) ActiveFileNo() int               { return -1 }
func (s *fakeSessions) SessionCount() int               { return len(s.deleted) }
func (s *fakeSessions) ReadSessionFromFile(fileNo int) (*session.ChargeSession, error) {
	return nil, nil
}
func (s *fakeSessions) DeleteSession(fileNo int) error {
	if s.failure != nil {
		return s.failure
	}
	s.deleted = append(s.deleted, fileNo)
	return nil
}

type fakeLog struct {
	entries []diagnostics.Entry
	emptied bool
}

func (l *fakeLog) PublishAsEvent(sink diagnostics.EventSink) error {
	for _, entry := range l.entries {
		sink.PublishEvent(entry.Timestamp, entry.Severity, entry.Text)
	}
	return nil
}

func (l *fakeLog) Empty() error {
	l.emptied = true
	l.entries = nil
	return nil
}

func TestDeleteSessionValidatesFileNo(t *testing.T) {
	store := &fakeSessions{}
	handler := NewApiHandler("cp-test")
	handler.SetSessionSource(store)

	for _, param := range []string{"", "abc", "-1", "100"} {
		code, err := handler.deleteSession(param)
		if code != http.StatusBadRequest || err == nil {
			t.Errorf("deleteSession(%q) = %d, %v; want bad request", param, code, err)
		}
	}
	if len(store.deleted) != 0 {
		t.Fatalf("store touched by rejected requests: %v", store.deleted)
	}

	code, err := handler.deleteSession("7")
	if code != http.StatusOK || err != nil {
		t.Fatalf("deleteSession(7) = %d, %v", code, err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != 7 {
		t.Fatalf("deleted files = %v, want [7]", store.deleted)
	}
}

func TestPublishDiagnosticsStreamsEntries(t *testing.T) {
	ring := &fakeLog{entries: []diagnostics.Entry{
		{Timestamp: 1000, Severity: 'I', Text: "boot complete"},
		{Timestamp: 1060, Severity: 'E', Text: "meter read failed"},
	}}
	handler := NewApiHandler("cp-test")
	handler.SetDiagnosticsLog(ring)

	data, err := handler.publishDiagnostics()
	if err != nil {
		t.Fatal(err)
	}
	var published []diagnostics.Entry
	if err = json.Unmarshal(data, &published); err != nil {
		t.Fatal(err)
	}
	if len(published) != 2 {
		t.Fatalf("published %d entries, want 2", len(published))
	}
	if published[1].Severity != 'E' || published[1].Text != "meter read failed" {
		t.Errorf("unexpected entry: %+v", published[1])
	}
}

func TestPublishDiagnosticsWithoutLog(t *testing.T) {
	handler := NewApiHandler("cp-test")
	data, err := handler.publishDiagnostics()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Fatalf("expected empty list, got %s", data)
	}
}

func TestClearDiagnostics(t *testing.T) {
	ring := &fakeLog{entries: []diagnostics.Entry{{Timestamp: 1, Severity: 'I', Text: "x"}}}
	handler := NewApiHandler("cp-test")
	handler.SetDiagnosticsLog(ring)

	code, err := handler.clearDiagnostics()
	if code != http.StatusOK || err != nil {
		t.Fatalf("clearDiagnostics = %d, %v", code, err)
	}
	if !ring.emptied {
		t.Fatal("ring not emptied")
	}

	handler = NewApiHandler("cp-test")
	if code, err = handler.clearDiagnostics(); code != http.StatusServiceUnavailable || err == nil {
		t.Fatalf("clearDiagnostics without log = %d, %v", code, err)
	}
}
