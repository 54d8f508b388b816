package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"medrouter/internal/domain"
)

const testPassphrase = "0123456789abcdef0123456789abcdef"

func newTestEncryptor(t *testing.T, passphrase string) *AESContentEncryptor {
	t.Helper()
	enc, err := NewAESContentEncryptor(passphrase)
	if err != nil {
		t.Fatalf("NewAESContentEncryptor: %v", err)
	}
	return enc
}

func TestAESEncryptDecryptRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t, testPassphrase)
	defer enc.Zeroize()

	plaintext := `{"user_id":"u1","entries":[{"role":"user","text":"chest pain since monday"}]}`
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(ciphertext, "chest pain") {
		t.Error("ciphertext should not contain plaintext")
	}
	if !enc.IsEncrypted(ciphertext) {
		t.Error("IsEncrypted should return true for encrypted text")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
	}
}

func TestAESDifferentCiphertextPerCall(t *testing.T) {
	enc := newTestEncryptor(t, testPassphrase)
	defer enc.Zeroize()

	c1, _ := enc.Encrypt("same input")
	c2, _ := enc.Encrypt("same input")
	if c1 == c2 {
		t.Error("two encryptions of same plaintext should produce different ciphertext")
	}
}

func TestAESSharedPassphraseAcrossInstances(t *testing.T) {
	writer := newTestEncryptor(t, testPassphrase)
	reader := newTestEncryptor(t, testPassphrase)

	ct, err := writer.Encrypt("persisted across restarts")
	if err != nil {
		t.Fatal(err)
	}
	got, err := reader.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with a fresh instance: %v", err)
	}
	if got != "persisted across restarts" {
		t.Errorf("got %q", got)
	}
}

func TestAESPlaintextPassthrough(t *testing.T) {
	enc := newTestEncryptor(t, testPassphrase)
	got, err := enc.Decrypt(`{"user_id":"legacy"}`)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != `{"user_id":"legacy"}` {
		t.Errorf("got %q", got)
	}
}

func TestAESWrongKeyFails(t *testing.T) {
	a := newTestEncryptor(t, testPassphrase)
	b := newTestEncryptor(t, "another-passphrase-another-passphrase")

	ct, _ := a.Encrypt("secret")
	_, err := b.Decrypt(ct)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("err = %v, want ErrDecryption", err)
	}
}

func TestAESMalformedInput(t *testing.T) {
	enc := newTestEncryptor(t, testPassphrase)
	tests := []string{
		"enc:!!!not-base64",
		"enc:" + base64.StdEncoding.EncodeToString([]byte("short")),
		"enc:" + base64.StdEncoding.EncodeToString(make([]byte, saltLen+4)),
	}
	for _, in := range tests {
		if _, err := enc.Decrypt(in); !errors.Is(err, domain.ErrDecryption) {
			t.Errorf("Decrypt(%q) err = %v, want ErrDecryption", in, err)
		}
	}
}

func TestAESTamperedCiphertext(t *testing.T) {
	enc := newTestEncryptor(t, testPassphrase)
	ct, _ := enc.Encrypt("do not modify")

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(ct, encPrefix))
	raw[len(raw)-1] ^= 0xff
	tampered := encPrefix + base64.StdEncoding.EncodeToString(raw)

	if _, err := enc.Decrypt(tampered); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestAESEmptyPassphraseRejected(t *testing.T) {
	if _, err := NewAESContentEncryptor(""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestAESZeroize(t *testing.T) {
	enc := newTestEncryptor(t, testPassphrase)
	ct, _ := enc.Encrypt("x")
	enc.Zeroize()

	if _, err := enc.Encrypt("x"); !errors.Is(err, domain.ErrEncryption) {
		t.Errorf("Encrypt after Zeroize err = %v", err)
	}
	if _, err := enc.Decrypt(ct); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("Decrypt after Zeroize err = %v", err)
	}
}

func TestAESConcurrentUse(t *testing.T) {
	enc := newTestEncryptor(t, testPassphrase)
	other := newTestEncryptor(t, testPassphrase)
	foreign, _ := other.Encrypt("foreign")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := enc.Encrypt("concurrent")
			if err != nil {
				t.Error(err)
				return
			}
			if got, err := enc.Decrypt(ct); err != nil || got != "concurrent" {
				t.Errorf("round trip: %q, %v", got, err)
			}
			if got, err := enc.Decrypt(foreign); err != nil || got != "foreign" {
				t.Errorf("foreign: %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
}
