// Package wework implements the enterprise-chat Channel Adapter: XML
// envelope decryption, signature verification, and REST sends against the
// WeWork-style platform API.
package wework

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// decryptEnvelope reverses the platform's AES-256-CBC envelope: the
// encodingAESKey is a 43-character base64 string (no padding) that, once
// decoded, is both the AES key and doubles as the first 16 bytes of IV.
// The plaintext is [random(16)][msg_len(4, big-endian)][msg][corp_id],
// PKCS7-padded to the cipher's block size.
func decryptEnvelope(encryptedB64, encodingAESKey, expectedCorpID string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return "", fmt.Errorf("wework: decode encoding aes key: %w", err)
	}
	if len(key) != 32 {
		return "", fmt.Errorf("wework: decoded aes key must be 32 bytes, got %d", len(key))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return "", fmt.Errorf("wework: decode ciphertext: %w", err)
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("wework: ciphertext is not a whole number of blocks")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("wework: new cipher: %w", err)
	}
	iv := key[:aes.BlockSize]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if len(plain) < 20 {
		return "", errors.New("wework: decrypted envelope too short")
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(20+msgLen) > len(plain) {
		return "", errors.New("wework: declared message length exceeds envelope")
	}
	msg := string(plain[20 : 20+msgLen])
	corpID := string(plain[20+msgLen:])
	if expectedCorpID != "" && corpID != expectedCorpID {
		return "", fmt.Errorf("wework: corp id mismatch in envelope (got %q)", corpID)
	}
	return msg, nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("wework: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("wework: invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}

// verifySignature mirrors WeCom's scheme: sort [token, timestamp, nonce,
// payload] lexicographically, concatenate, SHA-1, and compare the hex
// digest against the supplied signature.
func verifySignature(signature, timestamp, nonce, payload, token string) bool {
	parts := []string{token, timestamp, nonce, payload}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	computed := fmt.Sprintf("%x", sum)
	return computed == signature
}

// encryptEnvelope is the outbound counterpart of decryptEnvelope, called
// only from tests; the send path does not use it. It is kept alongside
// decryptEnvelope since they share key handling.
func encryptEnvelope(plaintext, encodingAESKey, corpID string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return "", fmt.Errorf("wework: decode encoding aes key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("wework: new cipher: %w", err)
	}

	var buf bytes.Buffer
	randomBytes := make([]byte, 16)
	buf.Write(randomBytes) // the 16-byte prefix is always zero here, which makes test output deterministic
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(plaintext)))
	buf.Write(lenBuf)
	buf.WriteString(plaintext)
	buf.WriteString(corpID)

	padded := pkcs7Pad(buf.Bytes(), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}
