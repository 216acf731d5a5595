package client

import (
	"chargerd/internal/config"
	"chargerd/ocpp"
	"chargerd/transaction"
	"chargerd/types"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type clientLogger struct{}

func (l *clientLogger) FeatureEvent(feature, id, text string) {}
func (l *clientLogger) Debug(text string)                     {}
func (l *clientLogger) Warn(text string)                      {}
func (l *clientLogger) Error(text string, err error)          {}

type fakeScheduler struct {
	mu       sync.Mutex
	messages []*transaction.Message
	updates  [][2]int
	confirms int
}

func (s *fakeScheduler) GetNextMessage() (*transaction.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return nil, nil
	}
	return s.messages[0], nil
}

func (s *fakeScheduler) ConfirmLastMessage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 {
		s.messages = s.messages[1:]
	}
	s.confirms++
	return nil
}

func (s *fakeScheduler) UpdateTransactionId(oldId, newId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, [2]int{oldId, newId})
	return nil
}

func (s *fakeScheduler) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// centralSystem is a minimal OCPP-J backend accepting every call.
func centralSystem(t *testing.T, actions chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{ocpp.SubProtocol16}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var fields []json.RawMessage
			if err = json.Unmarshal(data, &fields); err != nil || len(fields) < 4 {
				continue
			}
			var uniqueId, action string
			json.Unmarshal(fields[1], &uniqueId)
			json.Unmarshal(fields[2], &action)
			select {
			case actions <- action:
			default:
			}
			payload := "{}"
			switch action {
			case ocpp.BootNotificationFeatureName:
				payload = fmt.Sprintf(`{"currentTime":%q,"interval":60,"status":"Accepted"}`,
					time.Now().UTC().Format(time.RFC3339))
			case ocpp.StartTransactionFeatureName:
				payload = `{"idTagInfo":{"status":"Accepted"},"transactionId":777}`
			}
			response := fmt.Sprintf(`[3,%q,%s]`, uniqueId, payload)
			if err = conn.WriteMessage(websocket.TextMessage, []byte(response)); err != nil {
				return
			}
		}
	}))
}

func testConfig(serverUrl string) *config.Config {
	conf := &config.Config{ChargePointId: "cp-test"}
	conf.CentralSystem.Url = "ws" + strings.TrimPrefix(serverUrl, "http")
	conf.CentralSystem.CallTimeoutMs = 5000
	conf.CentralSystem.RetrySeconds = 1
	return conf
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDrainDeliversAndAssignsTransactionId(t *testing.T) {
	actions := make(chan string, 32)
	server := centralSystem(t, actions)
	defer server.Close()

	scheduler := &fakeScheduler{
		messages: []*transaction.Message{
			{
				Kind:          transaction.KindStart,
				Timestamp:     100,
				TransactionId: transaction.TransactionIdPending,
				Request: &ocpp.StartTransactionRequest{
					ConnectorId: 1,
					IdTag:       "ABC123",
					Timestamp:   types.NewDateTime(time.Unix(100, 0).UTC()),
				},
			},
			{
				Kind:      transaction.KindMeterValues,
				Timestamp: 160,
				Request: &ocpp.MeterValuesRequest{
					ConnectorId: 1,
					MeterValue: []types.MeterValue{{
						Timestamp:    types.NewDateTime(time.Unix(160, 0).UTC()),
						SampledValue: []types.SampledValue{{Value: "1500"}},
					}},
				},
			},
		},
	}

	sender := NewClient(testConfig(server.URL))
	sender.SetLogger(&clientLogger{})
	sender.SetScheduler(scheduler)
	synchronized := make(chan time.Time, 1)
	sender.SetTimeListener(func(currentTime time.Time) { synchronized <- currentTime })
	sender.Start()

	waitFor(t, "scheduler drained", func() bool { return scheduler.pending() == 0 })

	select {
	case <-synchronized:
	default:
		t.Error("time listener not called on accepted boot")
	}

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.confirms != 2 {
		t.Errorf("confirms = %d, want 2", scheduler.confirms)
	}
	if len(scheduler.updates) != 1 || scheduler.updates[0] != [2]int{transaction.TransactionIdPending, 777} {
		t.Errorf("unexpected transaction id updates: %v", scheduler.updates)
	}
}

func TestStopListenerCalledAfterConfirmation(t *testing.T) {
	actions := make(chan string, 32)
	server := centralSystem(t, actions)
	defer server.Close()

	scheduler := &fakeScheduler{
		messages: []*transaction.Message{{
			Kind:          transaction.KindStop,
			Timestamp:     200,
			TransactionId: 321,
			Request: &ocpp.StopTransactionRequest{
				TransactionId: 321,
				MeterStop:     4500,
				Timestamp:     types.NewDateTime(time.Unix(200, 0).UTC()),
				Reason:        ocpp.ReasonLocal,
			},
		}},
	}

	sender := NewClient(testConfig(server.URL))
	sender.SetLogger(&clientLogger{})
	sender.SetScheduler(scheduler)

	type stopEvent struct {
		transactionId int
		reason        string
	}
	stopped := make(chan stopEvent, 1)
	sender.SetStopListener(func(transactionId int, reason string) {
		stopped <- stopEvent{transactionId, reason}
	})
	sender.Start()

	waitFor(t, "scheduler drained", func() bool { return scheduler.pending() == 0 })

	select {
	case event := <-stopped:
		if event.transactionId != 321 {
			t.Errorf("stop listener transaction id = %d, want 321", event.transactionId)
		}
		if event.reason != string(ocpp.ReasonLocal) {
			t.Errorf("stop listener reason = %q, want %q", event.reason, ocpp.ReasonLocal)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop listener not called after confirmed stop")
	}

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.confirms != 1 {
		t.Errorf("confirms = %d, want 1", scheduler.confirms)
	}
}

func TestNotificationsDelivered(t *testing.T) {
	actions := make(chan string, 32)
	server := centralSystem(t, actions)
	defer server.Close()

	scheduler := &fakeScheduler{}
	sender := NewClient(testConfig(server.URL))
	sender.SetLogger(&clientLogger{})
	sender.SetScheduler(scheduler)
	sender.Start()

	waitFor(t, "boot", func() bool {
		select {
		case action := <-actions:
			return action == ocpp.BootNotificationFeatureName
		default:
			return false
		}
	})

	sender.StatusNotification("InternalError", "transaction data lost")
	sender.OnDiagnosticsStatus(ocpp.DiagnosticsStatusUploading)

	seen := map[string]bool{}
	waitFor(t, "notifications", func() bool {
		select {
		case action := <-actions:
			seen[action] = true
		default:
		}
		return seen[ocpp.StatusNotificationFeatureName] && seen[ocpp.DiagnosticsStatusNotificationFeatureName]
	})
}
