package api

import (
	"chargerd/diagnostics"
	"chargerd/internal"
	"chargerd/session"
	"chargerd/utility"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SessionSource is the slice of the session store the API exposes.
type SessionSource interface {
	Current() *session.ChargeSession
	ActiveFileNo() int
	SessionCount() int
	ReadSessionFromFile(fileNo int) (*session.ChargeSession, error)
	DeleteSession(fileNo int) error
}

// Scheduler is the slice of the transaction ledger the API exposes.
type Scheduler interface {
	MessageCount() int
	ClearAll() error
}

// DiagnosticsService triggers uploads of the diagnostics ring.
type DiagnosticsService interface {
	UploadRange(location string, from, to int64, retries, intervalSeconds int) error
}

// DiagnosticsLog is the slice of the ring log the API exposes.
type DiagnosticsLog interface {
	PublishAsEvent(sink diagnostics.EventSink) error
	Empty() error
}

type uploadCommand struct {
	Location string `json:"location"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Retries  int    `json:"retries"`
	Interval int    `json:"interval"`
}

type statusReport struct {
	ChargePointId   string                 `json:"chargePointId"`
	Session         *session.ChargeSession `json:"session,omitempty"`
	ActiveFileNo    int                    `json:"activeFileNo"`
	StoredSessions  int                    `json:"storedSessions"`
	PendingMessages int                    `json:"pendingMessages"`
}

type Handler struct {
	chargePointId  string
	logger         internal.LogHandler
	sessions       SessionSource
	scheduler      Scheduler
	diagnostics    DiagnosticsService
	diagnosticsLog DiagnosticsLog
}

func NewApiHandler(chargePointId string) *Handler {
	return &Handler{chargePointId: chargePointId}
}

func (h *Handler) SetLogger(logger internal.LogHandler) {
	h.logger = logger
}

func (h *Handler) SetSessionSource(sessions SessionSource) {
	h.sessions = sessions
}

func (h *Handler) SetScheduler(scheduler Scheduler) {
	h.scheduler = scheduler
}

func (h *Handler) SetDiagnostics(diagnostics DiagnosticsService) {
	h.diagnostics = diagnostics
}

func (h *Handler) SetDiagnosticsLog(log DiagnosticsLog) {
	h.diagnosticsLog = log
}

func (h *Handler) status() ([]byte, error) {
	report := statusReport{
		ChargePointId: h.chargePointId,
		ActiveFileNo:  -1,
	}
	if h.sessions != nil {
		report.Session = h.sessions.Current()
		report.ActiveFileNo = h.sessions.ActiveFileNo()
		report.StoredSessions = h.sessions.SessionCount()
	}
	if h.scheduler != nil {
		report.PendingMessages = h.scheduler.MessageCount()
	}
	return json.Marshal(report)
}

// StatusText renders the same report for the operator channel.
func (h *Handler) StatusText() string {
	text := ""
	if h.sessions != nil {
		if current := h.sessions.Current(); current != nil {
			text += fmt.Sprintf("session %s, energy %.3f kWh\n", current.SessionId, current.Energy)
			if started, err := time.Parse(session.TimeLayout, current.StartDateTime); err == nil {
				text += fmt.Sprintf("started %s\n", utility.TimeAgo(started))
			}
		} else {
			text += "no active session\n"
		}
		text += fmt.Sprintf("stored sessions: %d\n", h.sessions.SessionCount())
	}
	if h.scheduler != nil {
		text += fmt.Sprintf("pending messages: %d", h.scheduler.MessageCount())
	}
	return text
}

func (h *Handler) storedSessions() ([]byte, error) {
	list := make(map[string]*session.ChargeSession)
	if h.sessions != nil {
		for fileNo := 0; fileNo < 100; fileNo++ {
			loaded, err := h.sessions.ReadSessionFromFile(fileNo)
			if err != nil || loaded == nil {
				continue
			}
			list[fmt.Sprintf("%d.bin", fileNo)] = loaded
		}
	}
	return json.Marshal(list)
}

func (h *Handler) startUpload(body []byte) (int, error) {
	if h.diagnostics == nil {
		return http.StatusServiceUnavailable, fmt.Errorf("diagnostics upload not available")
	}
	var cmd uploadCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return http.StatusBadRequest, err
	}
	if cmd.To == 0 {
		cmd.To = 1 << 62
	}
	if err := h.diagnostics.UploadRange(cmd.Location, cmd.From, cmd.To, cmd.Retries, cmd.Interval); err != nil {
		return http.StatusConflict, err
	}
	return http.StatusAccepted, nil
}

func (h *Handler) deleteSession(fileNoParam string) (int, error) {
	if h.sessions == nil {
		return http.StatusServiceUnavailable, fmt.Errorf("session store not available")
	}
	fileNo, err := strconv.Atoi(fileNoParam)
	if err != nil || fileNo < 0 || fileNo >= 100 {
		return http.StatusBadRequest, fmt.Errorf("invalid session file number %q", fileNoParam)
	}
	if err = h.sessions.DeleteSession(fileNo); err != nil {
		return http.StatusConflict, err
	}
	return http.StatusOK, nil
}

type entryCollector struct {
	entries []diagnostics.Entry
}

func (c *entryCollector) PublishEvent(timestamp int64, severity byte, text string) {
	c.entries = append(c.entries, diagnostics.Entry{Timestamp: timestamp, Severity: severity, Text: text})
}

func (h *Handler) publishDiagnostics() ([]byte, error) {
	collector := &entryCollector{entries: []diagnostics.Entry{}}
	if h.diagnosticsLog != nil {
		if err := h.diagnosticsLog.PublishAsEvent(collector); err != nil {
			return nil, err
		}
	}
	return json.Marshal(collector.entries)
}

func (h *Handler) clearDiagnostics() (int, error) {
	if h.diagnosticsLog == nil {
		return http.StatusServiceUnavailable, fmt.Errorf("diagnostics log not available")
	}
	if err := h.diagnosticsLog.Empty(); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

func (h *Handler) clearTransactions() (int, error) {
	if h.scheduler == nil {
		return http.StatusServiceUnavailable, fmt.Errorf("scheduler not available")
	}
	h.logger.Warn("factory clear of transaction data requested via api")
	if err := h.scheduler.ClearAll(); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}
