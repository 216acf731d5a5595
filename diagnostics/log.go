package diagnostics

import (
	"chargerd/frame"
	"chargerd/internal/config"
	"chargerd/utility"
	"encoding/binary"
	"errors"
	"os"
	"regexp"
	"time"
)

// Single wrap-around file of severity-tagged log lines, kept for later bulk
// upload. Header {version, writeOffset, readOffset, wrapped} + CRC at the
// start, then a circular stream of {timestamp, length, severity} + payload +
// CRC entries. When the write cursor laps the read cursor the oldest entries
// are silently overwritten; that loss is the accepted overflow policy.
const (
	ringHeaderSize = 18 // version(1) writeOffset(8) readOffset(8) wrapped(1)
	offsetContent  = ringHeaderSize + 4

	entryHeadSize = 13 // timestamp(8) length(4) severity(1)
	entryOverhead = entryHeadSize + 4

	ringVersion = 1

	syncInterval = 60 * time.Second
)

var (
	ErrLockTimeout   = errors.New("diagnostics log lock timeout")
	ErrEntryTooLarge = errors.New("diagnostics entry exceeds ring capacity")

	errNoEntry = errors.New("no entry at offset")
)

// Entry is one stored log line.
type Entry struct {
	Timestamp int64
	Severity  byte
	Text      string
}

// EventSink receives buffered entries streamed by PublishAsEvent.
type EventSink interface {
	PublishEvent(timestamp int64, severity byte, text string)
}

type ringHeader struct {
	writeOffset int64
	readOffset  int64
	wrapped     bool
}

// Ring owns the diagnostics file. It implements internal.LineSink so the
// logger can feed it; WriteLine must therefore never log back through the
// logger.
type Ring struct {
	path         string
	maxLogSize   int64
	maxEntrySize int
	lock         *utility.TimedLock
	lockTimeout  time.Duration

	file        *os.File
	header      ringHeader
	headerValid bool
	lastSync    time.Time
}

var (
	ansiPattern       = regexp.MustCompile("\x1b\\[[0-9;]*m")
	timePrefixPattern = regexp.MustCompile(`^[EWIDV] \([^)]{1,16}\) `)
)

func NewRing(conf *config.Config) (*Ring, error) {
	r := &Ring{
		path:         conf.Storage.DiagnosticsFile,
		maxLogSize:   int64(conf.Diagnostics.MaxLogSize),
		maxEntrySize: conf.Diagnostics.MaxEntrySize,
		lock:         utility.NewTimedLock(),
		lockTimeout:  time.Duration(conf.Storage.LockTimeoutMs) * time.Millisecond,
	}

	file, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	r.file = file

	if err = r.loadHeader(); err != nil {
		// Missing or damaged header; start over with an empty ring.
		if err = r.reset(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Ring) Close() error {
	if !r.lock.Acquire(r.lockTimeout) {
		return ErrLockTimeout
	}
	defer r.lock.Release()
	r.file.Sync()
	return r.file.Close()
}

func (r *Ring) loadHeader() error {
	buf := make([]byte, ringHeaderSize+4)
	if _, err := r.file.ReadAt(buf, 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(buf[ringHeaderSize:]) != frame.Checksum(buf[:ringHeaderSize]) {
		return errors.New("diagnostics header crc mismatch")
	}
	if buf[0] != ringVersion {
		return errors.New("diagnostics header version mismatch")
	}
	r.header = ringHeader{
		writeOffset: int64(binary.LittleEndian.Uint64(buf[1:9])),
		readOffset:  int64(binary.LittleEndian.Uint64(buf[9:17])),
		wrapped:     buf[17] != 0,
	}
	r.headerValid = true
	return nil
}

func (r *Ring) storeHeader() error {
	buf := make([]byte, ringHeaderSize+4)
	buf[0] = ringVersion
	binary.LittleEndian.PutUint64(buf[1:9], uint64(r.header.writeOffset))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(r.header.readOffset))
	if r.header.wrapped {
		buf[17] = 1
	}
	binary.LittleEndian.PutUint32(buf[ringHeaderSize:], frame.Checksum(buf[:ringHeaderSize]))
	if _, err := r.file.WriteAt(buf, 0); err != nil {
		r.headerValid = false
		return err
	}
	return nil
}

func (r *Ring) reset() error {
	r.header = ringHeader{writeOffset: offsetContent, readOffset: offsetContent}
	if err := r.file.Truncate(offsetContent); err != nil {
		return err
	}
	if err := r.storeHeader(); err != nil {
		return err
	}
	r.headerValid = true
	return r.file.Sync()
}

// readEntryAt decodes the entry at offset and returns the offset of the next
// one. errNoEntry means a clean end of the readable stream; anything else is
// damage.
func (r *Ring) readEntryAt(offset int64) (Entry, int64, error) {
	head := make([]byte, entryHeadSize)
	if _, err := r.file.ReadAt(head, offset); err != nil {
		return Entry{}, 0, errNoEntry
	}
	length := int(binary.LittleEndian.Uint32(head[8:12]))
	if length <= 0 || length > r.maxEntrySize {
		return Entry{}, 0, errNoEntry
	}

	body := make([]byte, length+4)
	if _, err := r.file.ReadAt(body, offset+entryHeadSize); err != nil {
		return Entry{}, 0, errNoEntry
	}
	framed := make([]byte, 0, entryHeadSize+length)
	framed = append(framed, head...)
	framed = append(framed, body[:length]...)
	if binary.LittleEndian.Uint32(body[length:]) != frame.Checksum(framed) {
		return Entry{}, 0, errNoEntry
	}
	return Entry{
		Timestamp: int64(binary.LittleEndian.Uint64(head[0:8])),
		Severity:  head[12],
		Text:      string(body[:length]),
	}, offset + int64(entryOverhead+length), nil
}

func (r *Ring) writeEntryAt(offset int64, timestamp int64, severity byte, text []byte) (int64, error) {
	buf := make([]byte, entryOverhead+len(text))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(text)))
	buf[12] = severity
	copy(buf[entryHeadSize:], text)
	crc := frame.Checksum(buf[:entryHeadSize+len(text)])
	binary.LittleEndian.PutUint32(buf[entryHeadSize+len(text):], crc)
	if _, err := r.file.WriteAt(buf, offset); err != nil {
		return 0, err
	}
	return offset + int64(len(buf)), nil
}

// sanitize strips terminal colour sequences and the severity-plus-uptime
// prefix of console lines. Stored content is the message, not its decoration.
func (r *Ring) sanitize(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	line = timePrefixPattern.ReplaceAllString(line, "")
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) > r.maxEntrySize {
		line = line[:r.maxEntrySize]
	}
	return line
}

// WriteLine appends one log line, overwriting the oldest entries when the
// ring is full. No backpressure is applied to the caller.
func (r *Ring) WriteLine(severity byte, line string) error {
	if !r.lock.Acquire(r.lockTimeout) {
		return ErrLockTimeout
	}
	defer r.lock.Release()

	text := []byte(r.sanitize(line))
	if len(text) == 0 {
		return nil
	}
	need := int64(entryOverhead + len(text))
	if need > r.maxLogSize-offsetContent {
		return ErrEntryTooLarge
	}

	if !r.headerValid {
		if err := r.loadHeader(); err != nil {
			if err = r.reset(); err != nil {
				return err
			}
		}
	}

	truncateTo := int64(-1)
	if r.header.writeOffset+need > r.maxLogSize {
		// Wrap: the stale tail past the current write position gets cut
		// off once the entry is in place.
		truncateTo = r.header.writeOffset
		r.header.wrapped = true
		r.header.writeOffset = offsetContent
		if r.header.readOffset >= truncateTo {
			r.header.readOffset = offsetContent
		}
	}

	if r.header.wrapped && need > r.header.readOffset-r.header.writeOffset {
		// Free room by advancing the read cursor past the oldest entries.
		offset := r.header.readOffset
		for offset < r.header.writeOffset+need {
			_, next, err := r.readEntryAt(offset)
			if err != nil {
				// Remaining old entries cannot be trusted; declare the
				// ring logically empty and cut the tail.
				truncateTo = r.header.writeOffset
				offset = r.header.writeOffset
				r.header.wrapped = false
				break
			}
			offset = next
		}
		r.header.readOffset = offset
	}

	next, err := r.writeEntryAt(r.header.writeOffset, time.Now().Unix(), severity, text)
	if err != nil {
		return err
	}
	r.header.writeOffset = next
	if truncateTo >= 0 && r.header.writeOffset > truncateTo {
		truncateTo = r.header.writeOffset
	}
	if err = r.storeHeader(); err != nil {
		return err
	}

	if truncateTo >= 0 {
		if err = r.file.Truncate(truncateTo); err != nil {
			return err
		}
		if err = r.file.Sync(); err != nil {
			return err
		}
		r.lastSync = time.Now()
	} else if time.Since(r.lastSync) > syncInterval {
		// Routine sync so a reboot loses at most a minute of lines.
		if err = r.file.Sync(); err != nil {
			return err
		}
		r.lastSync = time.Now()
	}
	return nil
}

// Empty resets the cursors, logically clearing the ring without erasing flash.
func (r *Ring) Empty() error {
	if !r.lock.Acquire(r.lockTimeout) {
		return ErrLockTimeout
	}
	defer r.lock.Release()
	return r.reset()
}

// PublishAsEvent streams every buffered entry to the sink in storage order,
// oldest first, honouring the wrap boundary.
func (r *Ring) PublishAsEvent(sink EventSink) error {
	if !r.lock.Acquire(r.lockTimeout) {
		return ErrLockTimeout
	}
	defer r.lock.Release()

	for _, entry := range r.collectLocked(0, 1<<62) {
		sink.PublishEvent(entry.Timestamp, entry.Severity, entry.Text)
	}
	return nil
}

// Entries returns the buffered entries whose timestamps fall in [from, to].
func (r *Ring) Entries(from, to int64) ([]Entry, error) {
	if !r.lock.Acquire(r.lockTimeout) {
		return nil, ErrLockTimeout
	}
	defer r.lock.Release()
	return r.collectLocked(from, to), nil
}

func (r *Ring) collectLocked(from, to int64) []Entry {
	var entries []Entry
	keep := func(e Entry) {
		if e.Timestamp >= from && e.Timestamp <= to {
			entries = append(entries, e)
		}
	}

	// Older arc: read cursor to the end of the readable stream.
	offset := r.header.readOffset
	for {
		entry, next, err := r.readEntryAt(offset)
		if err != nil {
			break
		}
		keep(entry)
		offset = next
	}

	// Newer arc after a wrap: start of content up to the write cursor.
	if r.header.wrapped {
		offset = offsetContent
		for offset < r.header.writeOffset {
			entry, next, err := r.readEntryAt(offset)
			if err != nil {
				break
			}
			keep(entry)
			offset = next
		}
	}
	return entries
}
