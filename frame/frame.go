package frame

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
)

// Every record persisted by the session, transaction and diagnostics stores is
// framed as payload followed by a CRC32 of that payload. A partial write leaves
// a frame whose checksum does not match, which readers treat as record-absent.

func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// AppendChecksum appends the little-endian CRC32 of data to data.
func AppendChecksum(data []byte) []byte {
	return binary.LittleEndian.AppendUint32(data, Checksum(data))
}

// Verify splits a framed record into payload and checks its trailing CRC32.
// ok is false when the frame is too short or the checksum does not match.
func Verify(framed []byte) (payload []byte, ok bool) {
	if len(framed) < 4 {
		return nil, false
	}
	payload = framed[:len(framed)-4]
	stored := binary.LittleEndian.Uint32(framed[len(framed)-4:])
	return payload, stored == Checksum(payload)
}

func EncodeBase64(data []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

func DecodeBase64(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
