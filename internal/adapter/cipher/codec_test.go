package cipher

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/V4T54L/markov-tower/internal/domain"
)

const (
	testKey  = "000102030405060708090a0b0c0d0e0f"
	otherKey = "0f0e0d0c0b0a09080706050403020100"
)

func newTestCodec(t *testing.T, key string) *Codec {
	t.Helper()
	codec, err := NewCodec(key)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	return codec
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := newTestCodec(t, testKey)

	tests := []struct {
		name      string
		text      string
		authorID  string
		messageID string
	}{
		{name: "Simple text", text: "hello world", authorID: "283740954328825858", messageID: "903354338565570661"},
		{name: "Text with delimiters", text: "a:b:c::d", authorID: "1", messageID: "2"},
		{name: "Unicode text", text: "olá, ação ✓ 日本語", authorID: "42", messageID: "43"},
		{name: "Empty text", text: "", authorID: "7", messageID: "8"},
		{name: "Exact block size", text: "0123456789abcdef", authorID: "9", messageID: "10"},
		{name: "No message id", text: "legacy style", authorID: "11", messageID: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serialized, err := codec.Encrypt(tt.text, tt.authorID, tt.messageID)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if strings.Contains(serialized, tt.text) && tt.text != "" {
				t.Errorf("serialized form leaks plaintext: %q", serialized)
			}

			record, err := codec.Decrypt(serialized)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if record.Plaintext != tt.text {
				t.Errorf("plaintext got = %q, want %q", record.Plaintext, tt.text)
			}
			if record.AuthorID != tt.authorID {
				t.Errorf("author got = %q, want %q", record.AuthorID, tt.authorID)
			}
			if record.MessageID != tt.messageID {
				t.Errorf("message id got = %q, want %q", record.MessageID, tt.messageID)
			}
			if record.Ciphertext != serialized {
				t.Errorf("ciphertext got = %q, want %q", record.Ciphertext, serialized)
			}
		})
	}
}

func TestCodec_FreshIVPerCall(t *testing.T) {
	codec := newTestCodec(t, testKey)

	first, err := codec.Encrypt("same text", "1", "2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := codec.Encrypt("same text", "1", "2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if first == second {
		t.Error("expected different ciphertexts for repeated encryption")
	}
}

func TestCodec_Format(t *testing.T) {
	codec := newTestCodec(t, testKey)

	serialized, err := codec.Encrypt("hello", "123", "456")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	fields := strings.Split(serialized, ":")
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d (%q)", len(fields), serialized)
	}
	iv, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil || len(iv) != 16 {
		t.Errorf("expected a 16 byte base64 iv, got %q", fields[0])
	}
	if fields[2] != "123" || fields[3] != "456" {
		t.Errorf("unexpected id fields: %v", fields[2:])
	}
}

func TestCodec_DecryptLegacy(t *testing.T) {
	codec := newTestCodec(t, testKey)

	t.Run("Plaintext record", func(t *testing.T) {
		record, err := codec.Decrypt("just an old message: with colons")
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if record.Plaintext != "just an old message: with colons" {
			t.Errorf("plaintext got = %q", record.Plaintext)
		}
		if record.AuthorID != "" || record.MessageID != "" {
			t.Errorf("expected no ids, got author=%q message=%q", record.AuthorID, record.MessageID)
		}
	})

	t.Run("Three field record", func(t *testing.T) {
		serialized, err := codec.Encrypt("from before ids", "555", "")
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if strings.Count(serialized, ":") != 2 {
			t.Fatalf("expected legacy 3 field form, got %q", serialized)
		}
		record, err := codec.Decrypt(serialized)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if record.Plaintext != "from before ids" || record.AuthorID != "555" || record.MessageID != "" {
			t.Errorf("unexpected record: %+v", record)
		}
	})
}

func TestCodec_DecodeFailures(t *testing.T) {
	codec := newTestCodec(t, testKey)

	serialized, err := codec.Encrypt("a secret sentence that spans more than one block", "1", "2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	t.Run("Wrong key", func(t *testing.T) {
		_, err := newTestCodec(t, otherKey).Decrypt(serialized)
		if !errors.Is(err, domain.ErrDecode) {
			t.Fatalf("expected ErrDecode, got %v", err)
		}
	})

	t.Run("Truncated payload", func(t *testing.T) {
		fields := strings.Split(serialized, ":")
		fields[1] = base64.StdEncoding.EncodeToString([]byte("short"))
		_, err := codec.Decrypt(strings.Join(fields, ":"))
		if !errors.Is(err, domain.ErrDecode) {
			t.Fatalf("expected ErrDecode, got %v", err)
		}
	})
}

func TestCodec_InvalidInput(t *testing.T) {
	if _, err := NewCodec("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := NewCodec("0011"); err == nil {
		t.Error("expected error for short key")
	}

	codec := newTestCodec(t, testKey)
	if _, err := codec.Encrypt("text", "bad:author", "1"); !errors.Is(err, domain.ErrInvalidID) {
		t.Errorf("Encrypt() error = %v, want ErrInvalidID for an author id containing a separator", err)
	}
	if _, err := codec.Encrypt("text", "u1", "m 1"); !errors.Is(err, domain.ErrInvalidID) {
		t.Errorf("Encrypt() error = %v, want ErrInvalidID for a message id containing a space", err)
	}
}
