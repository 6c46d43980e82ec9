package secretbox

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, keyLength)
	for i := range raw {
		raw[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	plaintexts := []string{"", "tok", "a much longer refresh token value with spaces and ünicode"}
	for _, plaintext := range plaintexts {
		sealed, err := box.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		opened, err := box.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plaintext, err)
		}
		if opened != plaintext {
			t.Fatalf("round trip mismatch: got %q, want %q", opened, plaintext)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	box, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	first, err := box.Encrypt("tok")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := box.Encrypt("tok")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first.Nonce == second.Nonce {
		t.Fatal("two encryptions reused a nonce")
	}
	if first.Data == second.Data {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptFailsClosedOnTampering(t *testing.T) {
	box, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	sealed, err := box.Encrypt("access-token-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	flipFirstByte := func(encoded string) string {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		raw[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	cases := map[string]Ciphertext{
		"ciphertext": {Data: flipFirstByte(sealed.Data), Nonce: sealed.Nonce, Tag: sealed.Tag},
		"nonce":      {Data: sealed.Data, Nonce: flipFirstByte(sealed.Nonce), Tag: sealed.Tag},
		"tag":        {Data: sealed.Data, Nonce: sealed.Nonce, Tag: flipFirstByte(sealed.Tag)},
	}
	for name, tampered := range cases {
		if _, err := box.Decrypt(tampered); !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("tampered %s: got %v, want ErrDecryptFailed", name, err)
		}
	}
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("sixteen byte key"))
	if _, err := New(short); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("16-byte key: got %v, want ErrInvalidKey", err)
	}
	if _, err := New("not base64!!"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("garbage key: got %v, want ErrInvalidKey", err)
	}
	long := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 48)))
	if _, err := New(long); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("48-byte key: got %v, want ErrInvalidKey", err)
	}
}

func TestDecryptRejectsMalformedFields(t *testing.T) {
	box, err := New(testKey(t))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	sealed, err := box.Encrypt("tok")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := box.Decrypt(Ciphertext{Data: "%%%", Nonce: sealed.Nonce, Tag: sealed.Tag}); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("bad data encoding: got %v, want ErrDecryptFailed", err)
	}
	if _, err := box.Decrypt(Ciphertext{Data: sealed.Data, Nonce: "", Tag: sealed.Tag}); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("empty nonce: got %v, want ErrDecryptFailed", err)
	}
	if _, err := box.Decrypt(Ciphertext{Data: sealed.Data, Nonce: sealed.Nonce, Tag: ""}); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("empty tag: got %v, want ErrDecryptFailed", err)
	}
}
