package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix は暗号化済みトークンのフォーマットバージョン。
const sealedPrefix = "v1."

// ErrInvalidSealedToken は復号できないトークン文字列を表す。
var ErrInvalidSealedToken = errors.New("invalid sealed token")

// TokenSealer は外部プラットフォームのアクセストークンを保存前に暗号化する。
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// xchachaSealer はXChaCha20-Poly1305によるTokenSealerの実装。
// nonceは呼び出しごとにランダム生成し、暗号文の先頭に付ける。
type xchachaSealer struct {
	key []byte
}

// NewTokenSealer は32バイト鍵からTokenSealerを生成する。
// 鍵は16進数（64文字）またはbase64（標準/URL、パディング有無問わず）で指定する。
func NewTokenSealer(encodedKey string) (*xchachaSealer, error) {
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("token encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &xchachaSealer{key: key}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("token encryption key is empty")
	}
	if len(encoded) == hex.EncodedLen(chacha20poly1305.KeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	return nil, errors.New("token encryption key must be hex or base64 encoded")
}

// Seal は平文を暗号化する。空文字は空文字のまま返す。
func (s *xchachaSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open は暗号化済みトークンを復号する。空文字は空文字のまま返す。
func (s *xchachaSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrInvalidSealedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidSealedToken
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrInvalidSealedToken
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidSealedToken
	}
	return string(plaintext), nil
}
