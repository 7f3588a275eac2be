package sender

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() [32]byte {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	return key
}

func TestKeeper_SealOpenRoundTrip(t *testing.T) {
	keeper := NewKeeper(testKey(), true)

	plaintext := []byte(`{"api_key":"re_123"}`)
	sealed, err := keeper.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("re_123")) {
		t.Fatal("sealed blob must not contain plaintext")
	}

	opened, err := keeper.Open(sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: %q", opened)
	}
}

func TestKeeper_SealsAreNonDeterministic(t *testing.T) {
	keeper := NewKeeper(testKey(), true)

	a, _ := keeper.Seal([]byte("secret"))
	b, _ := keeper.Seal([]byte("secret"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext should differ (random nonce)")
	}
}

func TestKeeper_OpenRejectsTampering(t *testing.T) {
	keeper := NewKeeper(testKey(), true)

	sealed, _ := keeper.Seal([]byte("secret"))
	sealed[len(sealed)-1] ^= 0xff

	if _, err := keeper.Open(sealed); err == nil {
		t.Fatal("tampered blob should fail to open")
	}
}

func TestKeeper_OpenRejectsShortBlob(t *testing.T) {
	keeper := NewKeeper(testKey(), true)

	if _, err := keeper.Open([]byte("short")); err == nil {
		t.Fatal("short blob should fail to open")
	}
}

func TestKeeper_WithoutKey(t *testing.T) {
	keeper := NewKeeper([32]byte{}, false)

	if _, err := keeper.Seal([]byte("x")); !errors.Is(err, ErrNoCredentialKey) {
		t.Errorf("seal without key: got %v", err)
	}
	if _, err := keeper.Open([]byte("x")); !errors.Is(err, ErrNoCredentialKey) {
		t.Errorf("open without key: got %v", err)
	}
}

func TestKeeper_WrongKeyFailsToOpen(t *testing.T) {
	keeper := NewKeeper(testKey(), true)
	sealed, _ := keeper.Seal([]byte("secret"))

	var other [32]byte
	copy(other[:], []byte("ffffffffffffffffffffffffffffffff"))
	wrong := NewKeeper(other, true)

	if _, err := wrong.Open(sealed); err == nil {
		t.Fatal("open with wrong key should fail")
	}
}
