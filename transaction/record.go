package transaction

import (
	"chargerd/frame"
	"chargerd/ocpp"
	"encoding/binary"
	"os"
)

// On-disk layout of one transaction file. Header, Start and Stop records sit at
// fixed offsets so they can be rewritten in place; MeterValue records are
// appended after offsetMeter as variable-length framed blobs. Every record
// carries its own CRC32 and a record is considered present only while its CRC
// validates, so the zero-filled Stop slot of an active transaction reads as
// absent without any extra flag.
const (
	fileVersion = 1

	offsetVersion = 0
	offsetHeader  = 1
	headerSize    = 25 // isActive(1) startTimestamp(8) transactionId(4) awaitingCount(4) confirmedOffset(8)
	offsetStart   = offsetHeader + headerSize + 4
	startSize     = 34 // connectorId(4) meterStart(4) reservationId(4) hasReservation(1) idTag(21)
	offsetStop    = offsetStart + startSize + 4
	stopSize      = 35 // meterStop(4) timestamp(8) reason(1) tokenValid(1) idTag(21)
	offsetMeter   = offsetStop + stopSize + 4

	idTagSize = 21 // 20-char OCPP idTag plus terminator

	// length(4) + timestamp(8) + crc(4) around each meter value payload.
	meterRecordOverhead = 16
)

// TransactionIdPending is the placeholder id written until the central system
// acknowledges StartTransaction with a permanent one.
const TransactionIdPending = -1

type header struct {
	isActive        bool
	startTimestamp  int64
	transactionId   int
	awaitingCount   uint32
	confirmedOffset int64
}

type startRecord struct {
	connectorId    int
	meterStart     int
	reservationId  int
	hasReservation bool
	idTag          string
}

type stopRecord struct {
	meterStop  int
	timestamp  int64
	reason     ocpp.Reason
	tokenValid bool
	idTag      string
}

type meterRecord struct {
	payload   []byte
	timestamp int64
}

// Stop reasons are stored as one byte. Unknown bytes decode to Other so a
// record written by a newer firmware still replays.
var reasonByCode = []ocpp.Reason{
	ocpp.ReasonOther,
	ocpp.ReasonDeAuthorized,
	ocpp.ReasonEmergencyStop,
	ocpp.ReasonEVDisconnected,
	ocpp.ReasonHardReset,
	ocpp.ReasonLocal,
	ocpp.ReasonPowerLoss,
	ocpp.ReasonReboot,
	ocpp.ReasonRemote,
	ocpp.ReasonSoftReset,
	ocpp.ReasonUnlockCommand,
}

func reasonCode(reason ocpp.Reason) byte {
	for code, known := range reasonByCode {
		if known == reason {
			return byte(code)
		}
	}
	return 0
}

func reasonFromCode(code byte) ocpp.Reason {
	if int(code) >= len(reasonByCode) {
		return ocpp.ReasonOther
	}
	return reasonByCode[code]
}

func putIdTag(buf []byte, idTag string) {
	raw := []byte(idTag)
	if len(raw) > idTagSize-1 {
		raw = raw[:idTagSize-1]
	}
	copy(buf, raw)
}

func getIdTag(buf []byte) string {
	length := 0
	for length < len(buf) && buf[length] != 0 {
		length++
	}
	return string(buf[:length])
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize+4)
	if h.isActive {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], uint64(h.startTimestamp))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(int32(h.transactionId)))
	binary.LittleEndian.PutUint32(buf[13:17], h.awaitingCount)
	binary.LittleEndian.PutUint64(buf[17:25], uint64(h.confirmedOffset))
	binary.LittleEndian.PutUint32(buf[25:29], frame.Checksum(buf[:headerSize]))
	return buf
}

func decodeHeader(buf []byte) (header, bool) {
	if binary.LittleEndian.Uint32(buf[25:29]) != frame.Checksum(buf[:headerSize]) {
		return header{}, false
	}
	return header{
		isActive:        buf[0] != 0,
		startTimestamp:  int64(binary.LittleEndian.Uint64(buf[1:9])),
		transactionId:   int(int32(binary.LittleEndian.Uint32(buf[9:13]))),
		awaitingCount:   binary.LittleEndian.Uint32(buf[13:17]),
		confirmedOffset: int64(binary.LittleEndian.Uint64(buf[17:25])),
	}, true
}

func encodeStart(r startRecord) []byte {
	buf := make([]byte, startSize+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(r.connectorId)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(r.meterStart)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(r.reservationId)))
	if r.hasReservation {
		buf[12] = 1
	}
	putIdTag(buf[13:13+idTagSize], r.idTag)
	binary.LittleEndian.PutUint32(buf[startSize:], frame.Checksum(buf[:startSize]))
	return buf
}

func decodeStart(buf []byte) (startRecord, bool) {
	if binary.LittleEndian.Uint32(buf[startSize:]) != frame.Checksum(buf[:startSize]) {
		return startRecord{}, false
	}
	return startRecord{
		connectorId:    int(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		meterStart:     int(int32(binary.LittleEndian.Uint32(buf[4:8]))),
		reservationId:  int(int32(binary.LittleEndian.Uint32(buf[8:12]))),
		hasReservation: buf[12] != 0,
		idTag:          getIdTag(buf[13 : 13+idTagSize]),
	}, true
}

func encodeStop(r stopRecord) []byte {
	buf := make([]byte, stopSize+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(r.meterStop)))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.timestamp))
	buf[12] = reasonCode(r.reason)
	if r.tokenValid {
		buf[13] = 1
	}
	putIdTag(buf[14:14+idTagSize], r.idTag)
	binary.LittleEndian.PutUint32(buf[stopSize:], frame.Checksum(buf[:stopSize]))
	return buf
}

func decodeStop(buf []byte) (stopRecord, bool) {
	if binary.LittleEndian.Uint32(buf[stopSize:]) != frame.Checksum(buf[:stopSize]) {
		return stopRecord{}, false
	}
	return stopRecord{
		meterStop:  int(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		timestamp:  int64(binary.LittleEndian.Uint64(buf[4:12])),
		reason:     reasonFromCode(buf[12]),
		tokenValid: buf[13] != 0,
		idTag:      getIdTag(buf[14 : 14+idTagSize]),
	}, true
}

func encodeMeterRecord(r meterRecord) []byte {
	buf := make([]byte, meterRecordOverhead+len(r.payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.payload)))
	copy(buf[4:], r.payload)
	binary.LittleEndian.PutUint64(buf[4+len(r.payload):], uint64(r.timestamp))
	crc := frame.Checksum(buf[4 : 12+len(r.payload)])
	binary.LittleEndian.PutUint32(buf[12+len(r.payload):], crc)
	return buf
}

func readHeaderAt(file *os.File) (header, bool, error) {
	buf := make([]byte, headerSize+4)
	if _, err := file.ReadAt(buf, offsetHeader); err != nil {
		return header{}, false, err
	}
	h, ok := decodeHeader(buf)
	return h, ok, nil
}

func writeHeaderAt(file *os.File, h header) error {
	if _, err := file.WriteAt(encodeHeader(h), offsetHeader); err != nil {
		return err
	}
	return file.Sync()
}

func readStartAt(file *os.File) (startRecord, bool, error) {
	buf := make([]byte, startSize+4)
	if _, err := file.ReadAt(buf, offsetStart); err != nil {
		return startRecord{}, false, err
	}
	r, ok := decodeStart(buf)
	return r, ok, nil
}

func readStopAt(file *os.File) (stopRecord, bool, error) {
	buf := make([]byte, stopSize+4)
	if _, err := file.ReadAt(buf, offsetStop); err != nil {
		return stopRecord{}, false, err
	}
	r, ok := decodeStop(buf)
	return r, ok, nil
}

// readMeterRecordAt reads the framed record starting at offset. It reports the
// offset of the following record and distinguishes structural damage (bad
// length, short read, CRC mismatch) from I/O errors.
func readMeterRecordAt(file *os.File, offset int64, fileSize int64, maxPayload int) (meterRecord, int64, bool) {
	lengthBuf := make([]byte, 4)
	if _, err := file.ReadAt(lengthBuf, offset); err != nil {
		return meterRecord{}, 0, false
	}
	length := int(binary.LittleEndian.Uint32(lengthBuf))
	if length <= 0 || length > maxPayload {
		return meterRecord{}, 0, false
	}
	next := offset + int64(meterRecordOverhead+length)
	if next > fileSize {
		return meterRecord{}, 0, false
	}

	body := make([]byte, length+12)
	if _, err := file.ReadAt(body, offset+4); err != nil {
		return meterRecord{}, 0, false
	}
	stored := binary.LittleEndian.Uint32(body[length+8:])
	if stored != frame.Checksum(body[:length+8]) {
		return meterRecord{}, 0, false
	}
	return meterRecord{
		payload:   body[:length],
		timestamp: int64(binary.LittleEndian.Uint64(body[length : length+8])),
	}, next, true
}
