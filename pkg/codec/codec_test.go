package codec

import (
	"bytes"
	"testing"
	"time"
)

func TestRoundTripPlain(t *testing.T) {
	c, err := New(false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stored, err := c.Encode([]byte("hello"), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	value, expired, err := c.Decode(stored, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if expired {
		t.Fatalf("expired = true, want false")
	}
	if !bytes.Equal(value, []byte("hello")) {
		t.Fatalf("value = %q, want %q", value, "hello")
	}
}

func TestRoundTripCompressed(t *testing.T) {
	c, err := New(true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := bytes.Repeat([]byte("abcdefgh"), 32)
	stored, err := c.Encode(payload, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	value, _, err := c.Decode(stored, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(value, payload) {
		t.Fatalf("value mismatch after compressed round-trip")
	}
}

func TestRoundTripEncrypted(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	c, err := New(false, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stored, err := c.Encode([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	value, _, err := c.Decode(stored, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(value, []byte("secret")) {
		t.Fatalf("value = %q, want %q", value, "secret")
	}
}

func TestEncryptionKeyFoldedTo16And24Bytes(t *testing.T) {
	for _, size := range []int{16, 24} {
		key := bytes.Repeat([]byte{0x07}, size)
		c, err := New(false, key)
		if err != nil {
			t.Fatalf("New(%d-byte key): %v", size, err)
		}
		stored, err := c.Encode([]byte("x"), nil)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		value, _, err := c.Decode(stored, time.Now())
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !bytes.Equal(value, []byte("x")) {
			t.Fatalf("value mismatch for %d-byte key", size)
		}
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	if _, err := New(false, []byte("short")); err == nil {
		t.Fatalf("expected error for undersized key")
	}
}

func TestDecodeReportsExpiry(t *testing.T) {
	c, err := New(false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	stored, err := c.Encode([]byte("v"), &past)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	value, expired, err := c.Decode(stored, time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !expired {
		t.Fatalf("expired = false, want true")
	}
	if value != nil {
		t.Fatalf("value = %q, want nil on expiry", value)
	}
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	c, err := New(false, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stored, err := c.Encode([]byte("v"), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tampered := append([]byte(nil), stored...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, _, err := c.Decode(tampered, time.Now()); err == nil {
		t.Fatalf("expected AEAD authentication failure on tampered ciphertext")
	}
}
