package session

import (
	"chargerd/frame"
	"chargerd/internal"
	"chargerd/internal/config"
	"chargerd/utility"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// On-disk layout of one session file. The summary slot holds the base64-encoded
// JSON document, the entry area an append-only array of signed energy readings.
// The entry counter is only advanced after the entry bytes are durably written,
// so a crash between the two writes is recovered by ignoring the torn entry.
const (
	offsetVersion    = 0
	offsetSummary    = 2
	summaryCapacity  = 994 // bytes 2..995
	offsetSummaryCrc = 996
	offsetEntryCount = 1000
	offsetEntries    = 1004

	entrySize   = 20 // label(1) pad(3) timestamp(4) energy(8) crc(4)
	maxEntries  = 100
	maxFiles    = 100
	fileVersion = 1
)

var (
	ErrLockTimeout   = errors.New("session store lock timeout")
	ErrPoolFull      = errors.New("session file pool is full")
	ErrNoSession     = errors.New("no active session")
	ErrSessionClosed = errors.New("session ledger already closed")
	ErrEntryLimit    = errors.New("session entry limit reached")
	ErrNoBegin       = errors.New("session ledger has no begin entry")
)

// Store keeps one active charge session durable across reboots using a bounded
// pool of numbered files. Completed sessions stay on disk until uploaded.
type Store struct {
	path        string
	lock        *utility.TimedLock
	lockTimeout time.Duration
	logger      internal.LogHandler
	clock       internal.Clock
	meter       internal.MeterReader

	current      *ChargeSession
	activeFileNo int
	memoryOnly   bool
	entryCount   int
	lastLabel    byte

	holdTimestamp string
	holdAuthCode  string
}

func NewStore(conf *config.Config) *Store {
	return &Store{
		path:         conf.Storage.SessionPath,
		lock:         utility.NewTimedLock(),
		lockTimeout:  time.Duration(conf.Storage.LockTimeoutMs) * time.Millisecond,
		activeFileNo: -1,
	}
}

func (s *Store) SetLogger(logger internal.LogHandler) {
	s.logger = logger
}

func (s *Store) SetClock(clock internal.Clock) {
	s.clock = clock
}

func (s *Store) SetMeter(meter internal.MeterReader) {
	s.meter = meter
}

func (s *Store) filePath(fileNo int) string {
	return filepath.Join(s.path, fmt.Sprintf("%d.bin", fileNo))
}

// HoldStartTimestamp records the timestamp the network layer used for its first
// outbound request, so the stored record agrees with it bit for bit.
func (s *Store) HoldStartTimestamp(timestamp string) {
	s.holdTimestamp = timestamp
}

// HoldUserUUID keeps the authenticated user id across a cloud-initiated session
// reset so the restarted session is attributed to the same holder.
func (s *Store) HoldUserUUID(authCode string) {
	s.holdAuthCode = authCode
}

func (s *Store) Current() *ChargeSession {
	if s.current == nil {
		return nil
	}
	copied := *s.current
	return &copied
}

func (s *Store) ActiveFileNo() int {
	return s.activeFileNo
}

// StartSession resumes an in-progress session file if one survived a reboot,
// otherwise creates a new session in the first free slot and opens its signed
// energy ledger with the Begin entry. When isMid is set the caller supplies the
// session id issued by the MID metering chain. A full pool degrades to
// in-memory-only tracking and reports ErrPoolFull.
func (s *Store) StartSession(isMid bool, midSessionId string) (string, error) {
	if !s.lock.Acquire(s.lockTimeout) {
		return "", ErrLockTimeout
	}
	defer s.lock.Release()

	if fileNo, resumed := s.findIncompleteSession(); resumed != nil {
		s.current = resumed
		s.activeFileNo = fileNo
		s.memoryOnly = false
		s.entryCount, s.lastLabel = s.scanEntries(fileNo)
		s.logger.FeatureEvent("session", resumed.SessionId, fmt.Sprintf("resumed session from file %d", fileNo))
		return resumed.SessionId, nil
	}

	sessionId := midSessionId
	if !isMid || len(sessionId) != 36 {
		sessionId = utility.NewUUID()
	}

	startTime := s.holdTimestamp
	s.holdTimestamp = ""
	if startTime == "" {
		startTime = FormatTime(s.clock.Now())
	}

	s.current = &ChargeSession{
		SessionId:          sessionId,
		StartDateTime:      startTime,
		ReliableClock:      s.clock.IsReliable(),
		AuthenticationCode: s.holdAuthCode,
	}
	s.holdAuthCode = ""
	s.entryCount = 0
	s.lastLabel = 0
	if s.meter != nil {
		if reading, err := s.meter.ReadEnergy(); err == nil {
			s.current.Energy = reading
		}
	}

	fileNo := s.findFreeSlot()
	if fileNo < 0 {
		s.activeFileNo = -1
		s.memoryOnly = true
		s.logger.Warn("session file pool full, tracking session in memory only")
		s.beginLedger()
		return sessionId, ErrPoolFull
	}

	if err := s.createSessionFile(fileNo); err != nil {
		// Last resort recovery for a broken filesystem: wipe the session
		// partition and retry once.
		s.logger.Error("session file creation failed, erasing session storage", err)
		if rmErr := os.RemoveAll(s.path); rmErr != nil {
			s.logger.Error("erase of session storage failed", rmErr)
		}
		if err = s.createSessionFile(fileNo); err != nil {
			s.activeFileNo = -1
			s.memoryOnly = true
			s.beginLedger()
			return sessionId, err
		}
	}

	s.activeFileNo = fileNo
	s.memoryOnly = false
	s.beginLedger()
	s.logger.FeatureEvent("session", sessionId, fmt.Sprintf("started session on file %d", fileNo))
	return sessionId, nil
}

// beginLedger opens the signed energy ledger with its Begin entry, stamped
// with the energy reading the session started at.
func (s *Store) beginLedger() {
	if err := s.appendEntry(LabelBegin, int32(s.clock.Now().Unix()), s.current.Energy); err != nil {
		s.logger.Error("opening ledger entry rejected", err)
	}
}

func (s *Store) createSessionFile(fileNo int) error {
	if err := os.MkdirAll(s.path, 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(s.filePath(fileNo), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err = file.WriteAt([]byte{fileVersion}, offsetVersion); err != nil {
		return err
	}
	if err = writeSummary(file, s.current); err != nil {
		return err
	}
	count := make([]byte, 4)
	if _, err = file.WriteAt(count, offsetEntryCount); err != nil {
		return err
	}
	return file.Sync()
}

// SetAuthenticationCode updates the holder identity and mirrors the summary.
func (s *Store) SetAuthenticationCode(authCode string) error {
	if !s.lock.Acquire(s.lockTimeout) {
		return ErrLockTimeout
	}
	defer s.lock.Release()

	if s.current == nil {
		return ErrNoSession
	}
	s.current.AuthenticationCode = authCode
	return s.saveSummary()
}

// UpdateEnergy refreshes the session energy from the live meter reading. Only
// increases are accepted; a lower reading is measurement noise and is dropped.
func (s *Store) UpdateEnergy() error {
	if !s.lock.Acquire(s.lockTimeout) {
		return ErrLockTimeout
	}
	defer s.lock.Release()

	if s.current == nil {
		return ErrNoSession
	}
	if s.meter == nil {
		return utility.Err("no meter reader attached")
	}
	energy, err := s.meter.ReadEnergy()
	if err != nil {
		return err
	}
	if energy > s.current.Energy {
		s.current.Energy = energy
	}
	return nil
}

// SaveSession mirrors the current in-memory summary to the active file.
func (s *Store) SaveSession() error {
	if !s.lock.Acquire(s.lockTimeout) {
		return ErrLockTimeout
	}
	defer s.lock.Release()

	if s.current == nil {
		return ErrNoSession
	}
	return s.saveSummary()
}

func (s *Store) saveSummary() error {
	if s.memoryOnly || s.activeFileNo < 0 {
		return nil
	}
	file, err := os.OpenFile(s.filePath(s.activeFileNo), os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	if err = writeSummary(file, s.current); err != nil {
		return err
	}
	return file.Sync()
}

// AppendEnergyEntry appends one signed energy reading. The write is two-phase:
// entry bytes with CRC first, counter second, so a torn write never produces a
// valid-looking entry.
func (s *Store) AppendEnergyEntry(label byte, timestamp int32, energy float64) error {
	if !s.lock.Acquire(s.lockTimeout) {
		return ErrLockTimeout
	}
	defer s.lock.Release()
	return s.appendEntry(label, timestamp, energy)
}

func (s *Store) appendEntry(label byte, timestamp int32, energy float64) error {
	if s.current == nil {
		return ErrNoSession
	}
	if s.lastLabel == LabelEnd {
		return ErrSessionClosed
	}
	switch label {
	case LabelBegin:
		if s.entryCount != 0 {
			return fmt.Errorf("begin entry must be first, have %d entries", s.entryCount)
		}
	case LabelTick:
		if s.entryCount == 0 {
			return ErrNoBegin
		}
		// Keep one slot in reserve for the closing entry.
		if s.entryCount >= maxEntries-1 {
			return ErrEntryLimit
		}
	case LabelEnd:
		if s.entryCount == 0 {
			return ErrNoBegin
		}
		if s.entryCount >= maxEntries {
			return ErrEntryLimit
		}
	default:
		return fmt.Errorf("unknown entry label %q", label)
	}

	if s.memoryOnly || s.activeFileNo < 0 {
		s.entryCount++
		s.lastLabel = label
		return nil
	}

	file, err := os.OpenFile(s.filePath(s.activeFileNo), os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	entry := encodeEntry(SignedEntry{Label: label, Timestamp: timestamp, Energy: energy})
	position := int64(offsetEntries + s.entryCount*entrySize)
	if _, err = file.WriteAt(entry, position); err != nil {
		return err
	}
	if err = file.Sync(); err != nil {
		return err
	}

	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(s.entryCount+1))
	if _, err = file.WriteAt(count, offsetEntryCount); err != nil {
		return err
	}
	if err = file.Sync(); err != nil {
		return err
	}

	s.entryCount++
	s.lastLabel = label
	return nil
}

// Finalize closes the ledger with an End entry, stamps the end time and marks
// the file inactive. The energy derived from the signed ledger is cross-checked
// against the session energy; a mismatch is logged, not enforced.
func (s *Store) Finalize(stoppedByRFID bool, stoppedById string, reason string) error {
	if !s.lock.Acquire(s.lockTimeout) {
		return ErrLockTimeout
	}
	defer s.lock.Release()

	if s.current == nil {
		return ErrNoSession
	}

	now := s.clock.Now()
	if err := s.appendEntry(LabelEnd, int32(now.Unix()), s.current.Energy); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Error("closing entry rejected", err)
	}

	s.current.EndDateTime = FormatTime(now)
	s.current.StoppedByRFID = stoppedByRFID
	s.current.StoppedById = stoppedById
	s.current.StoppedReason = reason

	if !s.memoryOnly && s.activeFileNo >= 0 {
		if entries, err := s.readEntriesLocked(s.activeFileNo); err == nil && len(entries) >= 2 {
			ledgerEnergy := entries[len(entries)-1].Energy - entries[0].Energy
			diff := ledgerEnergy - s.current.Energy
			if diff < -0.001 || diff > 0.001 {
				s.logger.Warn(fmt.Sprintf("ledger energy %.3f differs from session energy %.3f",
					ledgerEnergy, s.current.Energy))
			}
		}
	}

	err := s.saveSummary()
	s.logger.FeatureEvent("session", s.current.SessionId, "session finalized")
	s.current = nil
	s.activeFileNo = -1
	s.memoryOnly = false
	s.entryCount = 0
	s.lastLabel = 0
	return err
}

// ReadSessionFromFile decodes and CRC-validates the stored summary. A corrupt
// summary is treated as absent, never trusted.
func (s *Store) ReadSessionFromFile(fileNo int) (*ChargeSession, error) {
	if !s.lock.Acquire(s.lockTimeout) {
		return nil, ErrLockTimeout
	}
	defer s.lock.Release()
	return s.readSummaryLocked(fileNo)
}

func (s *Store) readSummaryLocked(fileNo int) (*ChargeSession, error) {
	file, err := os.Open(s.filePath(fileNo))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	blob := make([]byte, summaryCapacity)
	if _, err = file.ReadAt(blob, offsetSummary); err != nil {
		return nil, err
	}
	length := 0
	for length < len(blob) && blob[length] != 0 {
		length++
	}
	blob = blob[:length]

	crcBytes := make([]byte, 4)
	if _, err = file.ReadAt(crcBytes, offsetSummaryCrc); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(crcBytes) != frame.Checksum(blob) {
		s.logger.Warn(fmt.Sprintf("session file %d summary failed crc check", fileNo))
		return nil, nil
	}

	raw, err := frame.DecodeBase64(blob)
	if err != nil {
		return nil, err
	}
	var loaded ChargeSession
	if err = json.Unmarshal(raw, &loaded); err != nil {
		return nil, err
	}
	return &loaded, nil
}

// ReadSignedEntries replays the signed energy ledger of a file. Entries failing
// their CRC are skipped individually; one bad entry does not void the rest.
func (s *Store) ReadSignedEntries(fileNo int) ([]SignedEntry, error) {
	if !s.lock.Acquire(s.lockTimeout) {
		return nil, ErrLockTimeout
	}
	defer s.lock.Release()
	return s.readEntriesLocked(fileNo)
}

func (s *Store) readEntriesLocked(fileNo int) ([]SignedEntry, error) {
	file, err := os.Open(s.filePath(fileNo))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	countBytes := make([]byte, 4)
	if _, err = file.ReadAt(countBytes, offsetEntryCount); err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint32(countBytes))
	if count > maxEntries {
		count = maxEntries
	}

	entries := make([]SignedEntry, 0, count)
	buf := make([]byte, entrySize)
	for i := 0; i < count; i++ {
		if _, err = file.ReadAt(buf, int64(offsetEntries+i*entrySize)); err != nil {
			break
		}
		entry, ok := decodeEntry(buf)
		if !ok {
			s.logger.Warn(fmt.Sprintf("session file %d entry %d failed crc check, skipped", fileNo, i))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteSession removes a session file once the backend has acknowledged it.
func (s *Store) DeleteSession(fileNo int) error {
	if !s.lock.Acquire(s.lockTimeout) {
		return ErrLockTimeout
	}
	defer s.lock.Release()

	err := os.Remove(s.filePath(fileNo))
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && fileNo == s.activeFileNo {
		s.activeFileNo = -1
	}
	return err
}

// FindOldestSession returns the lowest-numbered used slot, for upload order.
func (s *Store) FindOldestSession() int {
	for fileNo := 0; fileNo < maxFiles; fileNo++ {
		if _, err := os.Stat(s.filePath(fileNo)); err == nil {
			return fileNo
		}
	}
	return -1
}

// SessionCount reports how many slots of the pool are in use.
func (s *Store) SessionCount() int {
	count := 0
	for fileNo := 0; fileNo < maxFiles; fileNo++ {
		if _, err := os.Stat(s.filePath(fileNo)); err == nil {
			count++
		}
	}
	return count
}

// findFreeSlot scans the pool from the top down and returns the lowest free
// slot seen, so reuse favours low indices after wraparound. Returns -1 when all
// slots are taken.
func (s *Store) findFreeSlot() int {
	free := -1
	for fileNo := maxFiles - 1; fileNo >= 0; fileNo-- {
		if _, err := os.Stat(s.filePath(fileNo)); os.IsNotExist(err) {
			free = fileNo
		}
	}
	return free
}

func (s *Store) findIncompleteSession() (int, *ChargeSession) {
	for fileNo := 0; fileNo < maxFiles; fileNo++ {
		loaded, err := s.readSummaryLocked(fileNo)
		if err != nil || loaded == nil {
			continue
		}
		if len(loaded.SessionId) == 36 && !loaded.IsComplete() {
			return fileNo, loaded
		}
	}
	return -1, nil
}

func (s *Store) scanEntries(fileNo int) (count int, lastLabel byte) {
	entries, err := s.readEntriesLocked(fileNo)
	if err != nil || len(entries) == 0 {
		return 0, 0
	}
	return len(entries), entries[len(entries)-1].Label
}

func writeSummary(file *os.File, current *ChargeSession) error {
	raw, err := json.Marshal(current)
	if err != nil {
		return err
	}
	blob := frame.EncodeBase64(raw)
	if len(blob) > summaryCapacity {
		return fmt.Errorf("session summary too large: %d > %d", len(blob), summaryCapacity)
	}
	padded := make([]byte, summaryCapacity)
	copy(padded, blob)
	if _, err = file.WriteAt(padded, offsetSummary); err != nil {
		return err
	}
	crcBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBytes, frame.Checksum(blob))
	_, err = file.WriteAt(crcBytes, offsetSummaryCrc)
	return err
}

func encodeEntry(entry SignedEntry) []byte {
	buf := make([]byte, entrySize)
	buf[0] = entry.Label
	binary.LittleEndian.PutUint32(buf[4:8], uint32(entry.Timestamp))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(entry.Energy))
	binary.LittleEndian.PutUint32(buf[16:20], frame.Checksum(buf[:16]))
	return buf
}

func decodeEntry(buf []byte) (SignedEntry, bool) {
	stored := binary.LittleEndian.Uint32(buf[16:20])
	if stored != frame.Checksum(buf[:16]) {
		return SignedEntry{}, false
	}
	return SignedEntry{
		Label:     buf[0],
		Timestamp: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Energy:    math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16])),
	}, true
}
