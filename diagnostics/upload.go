package diagnostics

import (
	"bytes"
	"chargerd/internal"
	"chargerd/ocpp"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	uploadTimeout    = 10 * time.Second
	maxRetryInterval = 600 * time.Second

	defaultRetries  = 1
	defaultInterval = 60
)

var ErrUploadInFlight = errors.New("concurrent diagnostics upload not supported")

// StatusListener is notified on every diagnostics status transition, so the
// protocol layer can emit DiagnosticsStatusNotification requests.
type StatusListener func(status ocpp.DiagnosticsStatus)

// Uploader ships a timestamp window of ring entries to a backend-provided
// location as a multipart HTTP upload. Only one upload may be in flight; a
// second request is rejected, not queued.
type Uploader struct {
	ring     *Ring
	logger   internal.LogHandler
	listener StatusListener
	client   *http.Client

	mu       sync.Mutex
	inFlight bool
	status   ocpp.DiagnosticsStatus
}

func NewUploader(ring *Ring) *Uploader {
	return &Uploader{
		ring:   ring,
		client: &http.Client{Timeout: uploadTimeout},
		status: ocpp.DiagnosticsStatusIdle,
	}
}

func (u *Uploader) SetLogger(logger internal.LogHandler) {
	u.logger = logger
}

func (u *Uploader) SetStatusListener(listener StatusListener) {
	u.listener = listener
}

// Status reports the current upload state, Idle when nothing is in flight.
func (u *Uploader) Status() ocpp.DiagnosticsStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Uploader) setStatus(status ocpp.DiagnosticsStatus) {
	u.mu.Lock()
	u.status = status
	listener := u.listener
	u.mu.Unlock()
	if listener != nil {
		listener(status)
	}
	// Terminal states settle back to idle once reported.
	if status == ocpp.DiagnosticsStatusUploaded || status == ocpp.DiagnosticsStatusUploadFailed {
		u.mu.Lock()
		u.status = ocpp.DiagnosticsStatusIdle
		u.mu.Unlock()
	}
}

// UploadRange starts an asynchronous upload of entries within [from, to].
// Retries and the retry interval come from the requester; the interval grows
// exponentially between attempts, capped.
func (u *Uploader) UploadRange(location string, from, to int64, retries, intervalSeconds int) error {
	parsed, err := url.Parse(location)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported upload scheme %q", parsed.Scheme)
	}
	if retries < 1 {
		retries = defaultRetries
	}
	if intervalSeconds < 1 {
		intervalSeconds = defaultInterval
	}

	u.mu.Lock()
	if u.inFlight {
		u.mu.Unlock()
		return ErrUploadInFlight
	}
	u.inFlight = true
	u.mu.Unlock()

	go u.run(location, from, to, retries, time.Duration(intervalSeconds)*time.Second)
	return nil
}

func (u *Uploader) run(location string, from, to int64, retries int, interval time.Duration) {
	defer func() {
		u.mu.Lock()
		u.inFlight = false
		u.mu.Unlock()
	}()

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			time.Sleep(interval)
			interval *= 2
			if interval > maxRetryInterval {
				interval = maxRetryInterval
			}
		}

		u.setStatus(ocpp.DiagnosticsStatusUploading)
		err := u.attempt(location, from, to)
		if err == nil {
			u.setStatus(ocpp.DiagnosticsStatusUploaded)
			return
		}
		u.logger.Error("diagnostics upload attempt failed", err)
		u.setStatus(ocpp.DiagnosticsStatusUploadFailed)
	}
}

func (u *Uploader) attempt(location string, from, to int64) error {
	entries, err := u.ring.Entries(from, to)
	if err != nil {
		return err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "diagnostics_log.txt")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%c %s %s\n",
			entry.Severity,
			time.Unix(entry.Timestamp, 0).UTC().Format(time.RFC3339),
			entry.Text)
		if _, err = part.Write([]byte(line)); err != nil {
			return err
		}
	}
	if err = writer.Close(); err != nil {
		return err
	}

	request, err := http.NewRequest(http.MethodPost, location, body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := u.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return fmt.Errorf("upload rejected with status %s", response.Status)
	}
	return nil
}
