package transaction

import (
	"chargerd/internal"
	"chargerd/internal/config"
	"chargerd/ocpp"
	"chargerd/types"
	"chargerd/utility"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var (
	ErrLockTimeout     = errors.New("transaction ledger lock timeout")
	ErrMessageTooLarge = errors.New("meter value record exceeds max transaction file size")
	ErrNotFound        = errors.New("transaction file not found")
	ErrDamaged         = errors.New("transaction file damaged, repair attempted")
)

type MessageKind int

const (
	KindStart MessageKind = iota
	KindMeterValues
	KindStop
)

// Message is one pending outbound OCPP call together with the bookkeeping
// needed to confirm it. The same message is handed out again until
// ConfirmLastMessage is called, giving at-least-once delivery.
type Message struct {
	Kind      MessageKind
	Timestamp int64
	Request   ocpp.Request
	// TransactionId is the id stored on disk at load time. For a Start message
	// this is what the confirmation response replaces.
	TransactionId int

	fromFile   bool
	filePath   string
	nextOffset int64
}

// ActiveTransaction describes a transaction found still open on disk at boot,
// so the session layer can resume it instead of starting a new one.
type ActiveTransaction struct {
	StartTimestamp int64
	TransactionId  int
	ConnectorId    int
	IdTag          string
	MeterStart     int
}

// Ledger is the durable at-least-once record of OCPP transaction messages,
// merged with an in-memory fast-path queue for hot meter values. One file per
// transaction, named by the start timestamp in hex. All cursor state lives on
// the instance so independent ledgers never share anything.
type Ledger struct {
	path        string
	maxFileSize int
	lock        *utility.TimedLock
	lockTimeout time.Duration
	logger      internal.LogHandler
	notifier    internal.StatusNotifier

	queue  *messageQueue
	loaded *Message
}

func NewLedger(conf *config.Config) *Ledger {
	return &Ledger{
		path:        conf.Storage.TransactionPath,
		maxFileSize: conf.Transaction.MaxFileSize,
		lock:        utility.NewTimedLock(),
		lockTimeout: time.Duration(conf.Storage.LockTimeoutMs) * time.Millisecond,
		queue:       newMessageQueue(conf.Transaction.MaxQueueSize),
	}
}

func (l *Ledger) SetLogger(logger internal.LogHandler) {
	l.logger = logger
}

func (l *Ledger) SetNotifier(notifier internal.StatusNotifier) {
	l.notifier = notifier
}

func (l *Ledger) filePath(startTimestamp int64) string {
	return filepath.Join(l.path, fmt.Sprintf("%08x.bin", uint32(startTimestamp)))
}

// SaveStartTransaction creates the transaction file and durably records the
// Start message. A file already present for this timestamp is left untouched,
// making the call idempotent across a crash between write and acknowledgment.
func (l *Ledger) SaveStartTransaction(transactionId int, startTimestamp int64, connectorId int, idTag string, meterStart int, reservationId *int) error {
	if !l.lock.Acquire(l.lockTimeout) {
		return ErrLockTimeout
	}
	defer l.lock.Release()

	path := l.filePath(startTimestamp)
	if _, err := os.Stat(path); err == nil {
		l.logger.Debug(fmt.Sprintf("transaction file %s already exists", filepath.Base(path)))
		return nil
	}
	if err := os.MkdirAll(l.path, 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	if err = file.Truncate(offsetMeter); err != nil {
		return err
	}
	if _, err = file.WriteAt([]byte{fileVersion}, offsetVersion); err != nil {
		return err
	}
	start := startRecord{
		connectorId: connectorId,
		meterStart:  meterStart,
		idTag:       idTag,
	}
	if reservationId != nil {
		start.hasReservation = true
		start.reservationId = *reservationId
	}
	if _, err = file.WriteAt(encodeStart(start), offsetStart); err != nil {
		return err
	}
	if err = file.Sync(); err != nil {
		return err
	}

	h := header{
		isActive:        true,
		startTimestamp:  startTimestamp,
		transactionId:   transactionId,
		awaitingCount:   1,
		confirmedOffset: offsetStart,
	}
	if err = writeHeaderAt(file, h); err != nil {
		return err
	}
	l.logger.FeatureEvent("transaction", filepath.Base(path), "start transaction saved")
	return nil
}

// SaveMeterValue appends one meter value record to the transaction file. The
// record bytes are synced before the header counter advances, so a torn write
// is recovered by ignoring the tail.
func (l *Ledger) SaveMeterValue(startTimestamp int64, timestamp int64, values []types.MeterValue) error {
	if !l.lock.Acquire(l.lockTimeout) {
		return ErrLockTimeout
	}
	defer l.lock.Release()
	return l.saveMeterValueLocked(startTimestamp, timestamp, values)
}

func (l *Ledger) saveMeterValueLocked(startTimestamp int64, timestamp int64, values []types.MeterValue) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}

	path := l.filePath(startTimestamp)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	record := encodeMeterRecord(meterRecord{payload: payload, timestamp: timestamp})
	if info.Size()+int64(len(record)) > int64(l.maxFileSize) {
		return ErrMessageTooLarge
	}

	h, ok, err := readHeaderAt(file)
	if err != nil {
		return err
	}
	if !ok {
		if err = l.repairFileLocked(path); err != nil {
			return err
		}
		return ErrDamaged
	}

	if _, err = file.WriteAt(record, info.Size()); err != nil {
		return err
	}
	if err = file.Sync(); err != nil {
		return err
	}

	h.awaitingCount++
	return writeHeaderAt(file, h)
}

// SaveStopTransaction records the Stop message and marks the transaction
// inactive. The file stays on disk until every message in it is confirmed.
func (l *Ledger) SaveStopTransaction(startTimestamp int64, timestamp int64, idTag string, meterStop int, reason ocpp.Reason, tokenValid bool) error {
	if !l.lock.Acquire(l.lockTimeout) {
		return ErrLockTimeout
	}
	defer l.lock.Release()

	path := l.filePath(startTimestamp)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	defer file.Close()

	h, ok, err := readHeaderAt(file)
	if err != nil {
		return err
	}
	if !ok {
		if err = l.repairFileLocked(path); err != nil {
			return err
		}
		return ErrDamaged
	}

	stop := stopRecord{
		meterStop:  meterStop,
		timestamp:  timestamp,
		reason:     reason,
		tokenValid: tokenValid,
		idTag:      idTag,
	}
	if _, err = file.WriteAt(encodeStop(stop), offsetStop); err != nil {
		return err
	}
	if err = file.Sync(); err != nil {
		return err
	}

	h.isActive = false
	h.awaitingCount++
	if err = writeHeaderAt(file, h); err != nil {
		return err
	}
	l.logger.FeatureEvent("transaction", filepath.Base(path), "stop transaction saved")
	return nil
}

// UpdateTransactionId rewrites the transaction id in every file and queued
// message that still carries the old one. Called when the central system
// replaces the temporary id with a permanent one.
func (l *Ledger) UpdateTransactionId(oldId, newId int) error {
	if !l.lock.Acquire(l.lockTimeout) {
		return ErrLockTimeout
	}
	defer l.lock.Release()

	files, err := l.listFiles()
	if err != nil {
		return err
	}
	for _, startTimestamp := range files {
		path := l.filePath(startTimestamp)
		file, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			continue
		}
		h, ok, err := readHeaderAt(file)
		if err == nil && ok && h.transactionId == oldId {
			h.transactionId = newId
			if err = writeHeaderAt(file, h); err != nil {
				l.logger.Error("transaction id update failed", err)
			}
		}
		file.Close()
	}
	l.queue.updateTransactionId(oldId, newId)

	// The loaded message stays loaded; the caller updates the id between
	// delivery and confirmation, and dropping the cursor here would turn that
	// confirmation into a no-op and re-offer the message forever.
	if l.loaded != nil && l.loaded.TransactionId == oldId {
		l.loaded.TransactionId = newId
		switch request := l.loaded.Request.(type) {
		case *ocpp.MeterValuesRequest:
			id := newId
			request.TransactionId = &id
		case *ocpp.StopTransactionRequest:
			request.TransactionId = newId
		}
	}
	return nil
}

// GetNextMessage returns the chronologically oldest pending message across the
// in-memory queue and the on-disk files, or nil when nothing is pending. The
// file side wins only when strictly older; on a timestamp tie the queued
// message goes first.
func (l *Ledger) GetNextMessage() (*Message, error) {
	if !l.lock.Acquire(l.lockTimeout) {
		return nil, ErrLockTimeout
	}
	defer l.lock.Release()

	if l.loaded != nil {
		return l.loaded, nil
	}

	fileMsg, err := l.oldestFileMessageLocked()
	if err != nil {
		return nil, err
	}
	queueMsg, haveQueued := l.queue.peek()

	switch {
	case fileMsg == nil && !haveQueued:
		return nil, nil
	case fileMsg != nil && (!haveQueued || fileMsg.Timestamp < queueMsg.enqueuedAt):
		l.loaded = fileMsg
	default:
		l.loaded = &Message{
			Kind:          KindMeterValues,
			Timestamp:     queueMsg.enqueuedAt,
			Request:       queueMsg.request,
			TransactionId: queueMsg.transactionId,
		}
	}
	return l.loaded, nil
}

// ConfirmLastMessage commits delivery of the message most recently returned by
// GetNextMessage. Calling it again without an intervening GetNextMessage is a
// no-op. For file messages this is the second phase of the commit: the
// confirmed offset only ever advances here, after the acknowledgment arrived.
func (l *Ledger) ConfirmLastMessage() error {
	if !l.lock.Acquire(l.lockTimeout) {
		return ErrLockTimeout
	}
	defer l.lock.Release()

	loaded := l.loaded
	if loaded == nil {
		return nil
	}
	l.loaded = nil

	if !loaded.fromFile {
		l.queue.pop()
		return nil
	}

	if loaded.Kind == KindStop {
		if err := os.Remove(loaded.filePath); err != nil && !os.IsNotExist(err) {
			return err
		}
		l.logger.FeatureEvent("transaction", filepath.Base(loaded.filePath), "transaction fully confirmed")
		return nil
	}

	file, err := os.OpenFile(loaded.filePath, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	h, ok, err := readHeaderAt(file)
	if err != nil {
		return err
	}
	if !ok {
		return l.repairFileLocked(loaded.filePath)
	}

	switch loaded.Kind {
	case KindStart:
		h.confirmedOffset = offsetMeter
	case KindMeterValues:
		h.confirmedOffset = loaded.nextOffset
	}
	if h.awaitingCount > 0 {
		h.awaitingCount--
	}
	return writeHeaderAt(file, h)
}

// GetOldestTimestamp reports the timestamp of the oldest pending message, so a
// sender task can be woken when work appears after idling.
func (l *Ledger) GetOldestTimestamp() (int64, bool) {
	if !l.lock.Acquire(l.lockTimeout) {
		return 0, false
	}
	defer l.lock.Release()

	oldest := int64(0)
	found := false
	if msg, err := l.oldestFileMessageLocked(); err == nil && msg != nil {
		oldest = msg.Timestamp
		found = true
	}
	if queued, ok := l.queue.peek(); ok && (!found || queued.enqueuedAt < oldest) {
		oldest = queued.enqueuedAt
		found = true
	}
	return oldest, found
}

// MessageCount reports pending messages across files and queue.
func (l *Ledger) MessageCount() int {
	if !l.lock.Acquire(l.lockTimeout) {
		return 0
	}
	defer l.lock.Release()

	count := l.queue.size()
	files, err := l.listFiles()
	if err != nil {
		return count
	}
	for _, startTimestamp := range files {
		file, err := os.Open(l.filePath(startTimestamp))
		if err != nil {
			continue
		}
		if h, ok, err := readHeaderAt(file); err == nil && ok {
			count += int(h.awaitingCount)
		}
		file.Close()
	}
	return count
}

// ClearAll empties the queue and deletes every transaction file. Used for
// factory reset.
func (l *Ledger) ClearAll() error {
	if !l.lock.Acquire(l.lockTimeout) {
		return ErrLockTimeout
	}
	defer l.lock.Release()

	l.queue.clear()
	l.loaded = nil
	files, err := l.listFiles()
	if err != nil {
		return err
	}
	for _, startTimestamp := range files {
		if err := os.Remove(l.filePath(startTimestamp)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	l.logger.Warn("all transaction data cleared")
	return nil
}

// LoadIntoSession looks for a transaction left open by a reboot.
func (l *Ledger) LoadIntoSession() (*ActiveTransaction, error) {
	if !l.lock.Acquire(l.lockTimeout) {
		return nil, ErrLockTimeout
	}
	defer l.lock.Release()

	files, err := l.listFiles()
	if err != nil {
		return nil, err
	}
	for _, startTimestamp := range files {
		file, err := os.Open(l.filePath(startTimestamp))
		if err != nil {
			continue
		}
		h, headerOk, err := readHeaderAt(file)
		if err != nil || !headerOk || !h.isActive {
			file.Close()
			continue
		}
		start, startOk, err := readStartAt(file)
		file.Close()
		if err != nil || !startOk {
			continue
		}
		return &ActiveTransaction{
			StartTimestamp: h.startTimestamp,
			TransactionId:  h.transactionId,
			ConnectorId:    start.connectorId,
			IdTag:          start.idTag,
			MeterStart:     start.meterStart,
		}, nil
	}
	return nil, nil
}

// EnqueueMeterValue routes a meter value to the fast path when the transaction
// id is known and the caller wants an immediate send, and to the durable file
// otherwise. The two paths are mutually exclusive per call.
func (l *Ledger) EnqueueMeterValue(connectorId int, transactionId int, startTimestamp int64, timestamp int64, values []types.MeterValue, sendNow bool) error {
	if !l.lock.Acquire(l.lockTimeout) {
		return ErrLockTimeout
	}
	defer l.lock.Release()

	if sendNow && transactionId != TransactionIdPending {
		id := transactionId
		err := l.queue.push(queuedMessage{
			enqueuedAt:    timestamp,
			transactionId: transactionId,
			request: &ocpp.MeterValuesRequest{
				ConnectorId:   connectorId,
				TransactionId: &id,
				MeterValue:    values,
			},
		})
		if err == nil {
			return nil
		}
		l.logger.Warn("meter value queue full, falling back to file")
	}
	return l.saveMeterValueLocked(startTimestamp, timestamp, values)
}

func (l *Ledger) listFiles() ([]int64, error) {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	timestamps := make([]int64, 0, len(entries))
	for _, entry := range entries {
		var ts uint32
		if len(entry.Name()) != 12 {
			continue
		}
		if _, err := fmt.Sscanf(entry.Name(), "%08x.bin", &ts); err == nil {
			timestamps = append(timestamps, int64(ts))
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps, nil
}

// oldestFileMessageLocked walks the files in timestamp order and returns the
// first pending message. Structurally damaged files are repaired in place; a
// file that cannot be repaired is removed, and the walk continues with the
// next one.
func (l *Ledger) oldestFileMessageLocked() (*Message, error) {
	files, err := l.listFiles()
	if err != nil {
		return nil, err
	}
	for _, startTimestamp := range files {
		path := l.filePath(startTimestamp)
		msg, err := l.loadFileMessage(path)
		if err != nil {
			if repairErr := l.repairFileLocked(path); repairErr != nil {
				l.logger.Error("transaction file repair failed", repairErr)
				continue
			}
			// One more attempt on the repaired file.
			msg, err = l.loadFileMessage(path)
			if err != nil {
				continue
			}
		}
		if msg != nil {
			return msg, nil
		}
	}
	return nil, nil
}

var errStructural = errors.New("transaction file structurally damaged")

// loadFileMessage reads the next unconfirmed message of one file. Returns
// (nil, nil) when the file has nothing pending, errStructural when the file
// needs repair.
func (l *Ledger) loadFileMessage(path string) (*Message, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	h, headerOk, err := readHeaderAt(file)
	if err != nil || !headerOk {
		return nil, errStructural
	}
	if h.awaitingCount == 0 {
		return nil, nil
	}

	if h.confirmedOffset < offsetMeter {
		start, startOk, err := readStartAt(file)
		if err != nil || !startOk {
			return nil, errStructural
		}
		request := &ocpp.StartTransactionRequest{
			ConnectorId: start.connectorId,
			IdTag:       start.idTag,
			MeterStart:  start.meterStart,
			Timestamp:   types.NewDateTime(time.Unix(h.startTimestamp, 0).UTC()),
		}
		if start.hasReservation {
			reservationId := start.reservationId
			request.ReservationId = &reservationId
		}
		return &Message{
			Kind:          KindStart,
			Timestamp:     h.startTimestamp,
			Request:       request,
			TransactionId: h.transactionId,
			fromFile:      true,
			filePath:      path,
		}, nil
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if h.confirmedOffset < info.Size() {
		record, next, ok := readMeterRecordAt(file, h.confirmedOffset, info.Size(), l.maxFileSize)
		if !ok {
			return nil, errStructural
		}
		var values []types.MeterValue
		if err = json.Unmarshal(record.payload, &values); err != nil {
			return nil, errStructural
		}
		connectorId := 0
		if start, startOk, err := readStartAt(file); err == nil && startOk {
			connectorId = start.connectorId
		}
		transactionId := h.transactionId
		return &Message{
			Kind:      KindMeterValues,
			Timestamp: record.timestamp,
			Request: &ocpp.MeterValuesRequest{
				ConnectorId:   connectorId,
				TransactionId: &transactionId,
				MeterValue:    values,
			},
			TransactionId: h.transactionId,
			fromFile:      true,
			filePath:      path,
			nextOffset:    next,
		}, nil
	}

	if h.isActive {
		// All written records confirmed, transaction still running.
		return nil, nil
	}

	stop, stopOk, err := readStopAt(file)
	if err != nil || !stopOk {
		return nil, errStructural
	}
	request := &ocpp.StopTransactionRequest{
		MeterStop:     stop.meterStop,
		Timestamp:     types.NewDateTime(time.Unix(stop.timestamp, 0).UTC()),
		TransactionId: h.transactionId,
		Reason:        stop.reason,
	}
	if stop.tokenValid {
		request.IdTag = stop.idTag
	}
	return &Message{
		Kind:          KindStop,
		Timestamp:     stop.timestamp,
		Request:       request,
		TransactionId: h.transactionId,
		fromFile:      true,
		filePath:      path,
	}, nil
}
