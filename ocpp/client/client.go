package client

import (
	"chargerd/internal"
	"chargerd/internal/config"
	"chargerd/metrics/counters"
	"chargerd/ocpp"
	"chargerd/transaction"
	"chargerd/types"
	"chargerd/utility"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	chargePointVendor = "chargerd"
	chargePointModel  = "chargerd-cp"
	firmwareVersion   = "1.0.0"

	handshakeTimeout = 10 * time.Second
	idlePollInterval = 10 * time.Second
)

// Scheduler is the pending-message source drained toward the central system.
// Messages are re-offered until confirmed, so delivery is at-least-once.
type Scheduler interface {
	GetNextMessage() (*transaction.Message, error)
	ConfirmLastMessage() error
	UpdateTransactionId(oldId, newId int) error
	MessageCount() int
}

// TimeListener receives the central system time from an accepted boot
// notification, the only trusted time source the charge point has.
type TimeListener func(currentTime time.Time)

// StopListener is notified once a StopTransaction was acknowledged and
// committed, closing the transaction on disk.
type StopListener func(transactionId int, reason string)

type Client struct {
	conf         *config.Config
	logger       internal.LogHandler
	scheduler    Scheduler
	timeListener TimeListener
	stopListener StopListener

	connMu sync.Mutex
	conn   *websocket.Conn

	replies       chan *ocpp.Reply
	notifications chan ocpp.Request
	wake          chan struct{}

	callTimeout   time.Duration
	retryInterval time.Duration
}

func NewClient(conf *config.Config) *Client {
	return &Client{
		conf:          conf,
		replies:       make(chan *ocpp.Reply, 1),
		notifications: make(chan ocpp.Request, 16),
		wake:          make(chan struct{}, 1),
		callTimeout:   time.Duration(conf.CentralSystem.CallTimeoutMs) * time.Millisecond,
		retryInterval: time.Duration(conf.CentralSystem.RetrySeconds) * time.Second,
	}
}

func (c *Client) SetLogger(logger internal.LogHandler) {
	c.logger = logger
}

func (c *Client) SetScheduler(scheduler Scheduler) {
	c.scheduler = scheduler
}

func (c *Client) SetTimeListener(listener TimeListener) {
	c.timeListener = listener
}

func (c *Client) SetStopListener(listener StopListener) {
	c.stopListener = listener
}

// Wake nudges the sender loop after new work was stored while it idled.
func (c *Client) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// StatusNotification queues an operator-visible error report for the central
// system. Implements internal.StatusNotifier; never blocks the caller.
func (c *Client) StatusNotification(errorCode, info string) {
	request := &ocpp.StatusNotificationRequest{
		ConnectorId: 0,
		ErrorCode:   ocpp.ChargePointErrorCode(errorCode),
		Info:        info,
		Status:      ocpp.ChargePointStatusFaulted,
		Timestamp:   types.NewDateTime(time.Now().UTC()),
	}
	c.queueNotification(request)
}

// OnDiagnosticsStatus reports a diagnostics upload state change. Wired as the
// uploader's status listener.
func (c *Client) OnDiagnosticsStatus(status ocpp.DiagnosticsStatus) {
	c.queueNotification(&ocpp.DiagnosticsStatusNotificationRequest{Status: status})
}

func (c *Client) queueNotification(request ocpp.Request) {
	select {
	case c.notifications <- request:
		c.Wake()
	default:
		c.logger.Warn(fmt.Sprintf("notification buffer full, %s dropped", request.GetFeatureName()))
	}
}

func (c *Client) Start() {
	if c.conf.CentralSystem.Url == "" {
		c.logger.Warn("central system url not configured, sender disabled")
		return
	}
	go c.run()
}

func (c *Client) run() {
	for {
		if err := c.connect(); err != nil {
			c.logger.Error("connecting to central system", err)
			time.Sleep(c.retryInterval)
			continue
		}
		counters.ObserveConnect()
		c.session()
		time.Sleep(c.retryInterval)
	}
}

func (c *Client) connect() error {
	dialer := websocket.Dialer{
		Subprotocols:     []string{ocpp.SubProtocol16},
		HandshakeTimeout: handshakeTimeout,
	}
	url := strings.TrimSuffix(c.conf.CentralSystem.Url, "/") + "/" + c.conf.ChargePointId
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.logger.FeatureEvent("connection", c.conf.ChargePointId, fmt.Sprintf("connected to %s", url))
	return nil
}

// session runs one connection lifetime: boot, then drain pending messages
// until the socket breaks.
func (c *Client) session() {
	done := make(chan struct{})
	go c.readPump(done)
	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	if err := c.boot(done); err != nil {
		c.logger.Error("boot notification", err)
		return
	}
	c.drain(done)
}

func (c *Client) readPump(done chan struct{}) {
	defer close(done)
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug(fmt.Sprintf("connection closed: %s", err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	reply, err := ocpp.ParseReply(data)
	if err != nil {
		// Possibly a call initiated by the central system; none are
		// supported, but it must still get an answer.
		c.rejectIncomingCall(data)
		return
	}
	select {
	case c.replies <- reply:
	default:
		c.logger.Warn(fmt.Sprintf("unexpected reply discarded, id %s", reply.UniqueId))
	}
}

func (c *Client) rejectIncomingCall(data []byte) {
	fields, err := utility.ParseJson(data)
	if err != nil || len(fields) < 2 {
		c.logger.Warn("unparseable frame from central system discarded")
		return
	}
	typeId, _ := fields[0].(float64)
	uniqueId, _ := fields[1].(string)
	if ocpp.CallType(typeId) != ocpp.CallTypeRequest || uniqueId == "" {
		return
	}
	response := fmt.Sprintf(`[%d,%q,"NotImplemented","requested action is not supported",{}]`,
		int(ocpp.CallTypeError), uniqueId)
	if err = c.write([]byte(response)); err != nil {
		c.logger.Warn(fmt.Sprintf("rejecting incoming call: %s", err))
	}
}

func (c *Client) write(data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// call sends one request and waits for its reply. OCPP-J allows a single
// outstanding call per direction, so calls are strictly sequential.
func (c *Client) call(request ocpp.Request, done <-chan struct{}) (*ocpp.Reply, error) {
	call := ocpp.CreateCall(request)
	data, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}

	// Discard any stale reply left over from a timed-out call.
	select {
	case <-c.replies:
	default:
	}

	if err = c.write(data); err != nil {
		return nil, err
	}
	counters.ObserveMessageSent(request.GetFeatureName())

	timeout := time.NewTimer(c.callTimeout)
	defer timeout.Stop()
	for {
		select {
		case reply := <-c.replies:
			if reply.UniqueId != call.UniqueId {
				c.logger.Warn(fmt.Sprintf("reply id mismatch, got %s want %s", reply.UniqueId, call.UniqueId))
				continue
			}
			return reply, nil
		case <-done:
			return nil, fmt.Errorf("connection lost awaiting reply")
		case <-timeout.C:
			return nil, fmt.Errorf("no reply within %s", c.callTimeout)
		}
	}
}

func (c *Client) boot(done <-chan struct{}) error {
	request := ocpp.BootNotificationRequest{
		ChargePointVendor:       chargePointVendor,
		ChargePointModel:        chargePointModel,
		ChargePointSerialNumber: c.conf.ChargePointId,
		FirmwareVersion:         firmwareVersion,
	}
	reply, err := c.call(request, done)
	if err != nil {
		return err
	}
	if reply.IsError() {
		return fmt.Errorf("boot rejected: %s %s", reply.ErrorCode, reply.ErrorDescription)
	}
	var response ocpp.BootNotificationResponse
	if err = json.Unmarshal(reply.Payload, &response); err != nil {
		return err
	}
	if response.Status != ocpp.RegistrationStatusAccepted {
		return fmt.Errorf("registration status %s", response.Status)
	}
	if response.CurrentTime != nil && c.timeListener != nil {
		c.timeListener(response.CurrentTime.Time)
	}
	c.logger.FeatureEvent(ocpp.BootNotificationFeatureName, c.conf.ChargePointId, "registration accepted")
	return nil
}

func (c *Client) drain(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		if c.sendNotification(done) {
			continue
		}

		msg, err := c.scheduler.GetNextMessage()
		if err != nil {
			c.logger.Error("loading next pending message", err)
			if !c.idle(done) {
				return
			}
			continue
		}
		if msg == nil {
			counters.ObservePendingMessages(0)
			if !c.idle(done) {
				return
			}
			continue
		}
		if !c.deliver(msg, done) {
			return
		}
	}
}

// sendNotification drains one out-of-band notification, reporting whether
// anything was sent. Notifications are fire-and-forget; an error reply is
// logged and the notification dropped.
func (c *Client) sendNotification(done <-chan struct{}) bool {
	select {
	case request := <-c.notifications:
		reply, err := c.call(request, done)
		if err != nil {
			c.logger.Error(fmt.Sprintf("sending %s", request.GetFeatureName()), err)
			return true
		}
		if reply.IsError() {
			counters.ObserveCallError(request.GetFeatureName(), reply.ErrorCode)
			c.logger.Warn(fmt.Sprintf("%s rejected: %s", request.GetFeatureName(), reply.ErrorCode))
			return true
		}
		counters.ObserveMessageConfirmed(request.GetFeatureName())
		return true
	default:
		return false
	}
}

// deliver sends one scheduled message and commits it on acknowledgment.
// Returns false when the connection is gone.
func (c *Client) deliver(msg *transaction.Message, done <-chan struct{}) bool {
	feature := msg.Request.GetFeatureName()
	reply, err := c.call(msg.Request, done)
	if err != nil {
		c.logger.Error(fmt.Sprintf("sending %s", feature), err)
		return false
	}
	if reply.IsError() {
		counters.ObserveCallError(feature, reply.ErrorCode)
		c.logger.Warn(fmt.Sprintf("%s rejected: %s %s", feature, reply.ErrorCode, reply.ErrorDescription))
		// The message stays pending and will be re-offered; back off so a
		// persistently rejecting backend does not cause a hot loop.
		return c.pause(done)
	}

	if msg.Kind == transaction.KindStart {
		var response ocpp.StartTransactionResponse
		if err = json.Unmarshal(reply.Payload, &response); err != nil {
			c.logger.Error("parsing start transaction response", err)
			return c.pause(done)
		}
		if response.TransactionId != msg.TransactionId {
			if err = c.scheduler.UpdateTransactionId(msg.TransactionId, response.TransactionId); err != nil {
				c.logger.Error("assigning transaction id", err)
				return c.pause(done)
			}
		}
	}

	if err = c.scheduler.ConfirmLastMessage(); err != nil {
		c.logger.Error("confirming delivered message", err)
		return c.pause(done)
	}
	counters.ObserveMessageConfirmed(feature)
	counters.ObservePendingMessages(c.scheduler.MessageCount())

	if msg.Kind == transaction.KindStop && c.stopListener != nil {
		reason := ""
		if request, ok := msg.Request.(*ocpp.StopTransactionRequest); ok {
			reason = string(request.Reason)
		}
		c.stopListener(msg.TransactionId, reason)
	}
	return true
}

// idle waits for new work, a poll tick or a lost connection. Returns false
// when the connection is gone.
func (c *Client) idle(done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	case <-c.wake:
		return true
	case <-time.After(idlePollInterval):
		return true
	}
}

func (c *Client) pause(done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	case <-time.After(c.retryInterval):
		return true
	}
}
