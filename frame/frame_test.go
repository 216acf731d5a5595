package frame

import (
	"bytes"
	"testing"
)

func TestChecksumStable(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0xFF, 0x00, 0x7F}
	first := Checksum(data)
	second := Checksum(data)
	if first != second {
		t.Errorf("Checksum not stable: 0x%08X != 0x%08X", first, second)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	payload := []byte("StartTransaction connector=1 meterStart=100")
	framed := AppendChecksum(append([]byte(nil), payload...))

	got, ok := Verify(framed)
	if !ok {
		t.Fatal("Verify rejected a valid frame")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Verify returned %q, want %q", got, payload)
	}
}

func TestVerifyDetectsSingleBitFlip(t *testing.T) {
	payload := []byte{0xA5, 0x0E, 0x00, 0x10, 0x45, 0x01, 0x02}
	framed := AppendChecksum(append([]byte(nil), payload...))

	for i := 0; i < len(framed)*8; i++ {
		corrupted := append([]byte(nil), framed...)
		corrupted[i/8] ^= 1 << (i % 8)
		if _, ok := Verify(corrupted); ok {
			t.Errorf("Verify accepted frame with bit %d flipped", i)
		}
	}
}

func TestVerifyShortFrame(t *testing.T) {
	if _, ok := Verify([]byte{0x01, 0x02}); ok {
		t.Error("Verify accepted a frame shorter than its checksum")
	}
}

func TestBase64RoundTrip(t *testing.T) {
	raw := []byte(`{"SessionId":"6b6f06e0-9e82-4db7-a0c9-1234567890ab","Energy":3.0}`)
	decoded, err := DecodeBase64(EncodeBase64(raw))
	if err != nil {
		t.Fatalf("DecodeBase64 failed: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Errorf("round trip mismatch: got %q", decoded)
	}
}
