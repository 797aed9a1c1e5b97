// Package cipher encrypts corpus entries for storage at rest.
//
// Serialized records look like `iv:payload:author:message` where iv and
// payload are base64. Records written before message ids were tracked omit
// the last field and still decode.
package cipher

import (
	"bytes"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/V4T54L/markov-tower/internal/domain"
)

const separator = ":"

var (
	recordPattern = regexp.MustCompile(`^([A-Za-z0-9+/]{22}==):([A-Za-z0-9+/]+={0,2}):([0-9A-Za-z_-]*)(?::([0-9A-Za-z_-]+))?$`)
	idPattern     = regexp.MustCompile(`^[0-9A-Za-z_-]*$`)
)

// Codec implements domain.TextCodec with AES-CBC and PKCS#7 padding.
type Codec struct {
	block  gocipher.Block
	random io.Reader
}

// NewCodec builds a codec from a hex encoded AES key (16, 24 or 32 bytes).
func NewCodec(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cipher key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Codec{block: block, random: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh IV and serializes it with its ids.
func (c *Codec) Encrypt(plaintext, authorID, messageID string) (string, error) {
	if !idPattern.MatchString(authorID) || !idPattern.MatchString(messageID) {
		return "", fmt.Errorf("author %q message %q: %w", authorID, messageID, domain.ErrInvalidID)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	payload := make([]byte, len(padded))
	gocipher.NewCBCEncrypter(c.block, iv).CryptBlocks(payload, padded)

	fields := []string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(payload),
		authorID,
	}
	if messageID != "" {
		fields = append(fields, messageID)
	}
	return strings.Join(fields, separator), nil
}

// Decrypt parses a serialized record. Input that does not look like a
// record is returned as a legacy plaintext entry without ids.
func (c *Codec) Decrypt(serialized string) (domain.TextRecord, error) {
	match := recordPattern.FindStringSubmatch(serialized)
	if match == nil {
		return domain.TextRecord{Plaintext: serialized, Ciphertext: serialized}, nil
	}

	iv, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		return domain.TextRecord{}, fmt.Errorf("%w: iv: %v", domain.ErrDecode, err)
	}
	payload, err := base64.StdEncoding.DecodeString(match[2])
	if err != nil {
		return domain.TextRecord{}, fmt.Errorf("%w: payload: %v", domain.ErrDecode, err)
	}
	if len(iv) != aes.BlockSize || len(payload) == 0 || len(payload)%aes.BlockSize != 0 {
		return domain.TextRecord{}, fmt.Errorf("%w: bad block layout", domain.ErrDecode)
	}

	plain := make([]byte, len(payload))
	gocipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, payload)

	plain, err = unpad(plain, aes.BlockSize)
	if err != nil {
		return domain.TextRecord{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if !utf8.Valid(plain) {
		return domain.TextRecord{}, fmt.Errorf("%w: plaintext is not utf-8", domain.ErrDecode)
	}

	return domain.TextRecord{
		MessageID:  match[4],
		AuthorID:   match[3],
		Plaintext:  string(plain),
		Ciphertext: serialized,
	}, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty block")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
