package gradius

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair is a WireGuard key pair in the base64 form used by wg(8).
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// KeyGenerator produces peer key pairs.
type KeyGenerator interface {
	GenerateKeyPair() (KeyPair, error)
}

// WireguardKeyGenerator generates Curve25519 keys from crypto/rand.
type WireguardKeyGenerator struct{}

func (WireguardKeyGenerator) GenerateKeyPair() (KeyPair, error) {
	privateKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, newError(KindUnavailable, "keys.generate", err)
	}

	return KeyPair{
		PrivateKey: privateKey.String(),
		PublicKey:  privateKey.PublicKey().String(),
	}, nil
}

const sealerInfo = "gradius peer private key v1"

// KeySealer encrypts peer private keys at rest with XChaCha20-Poly1305.
type KeySealer struct {
	key  [chacha20poly1305.KeySize]byte
	rand io.Reader
}

// NewKeySealer derives the sealing key from secret with HKDF-SHA256.
func NewKeySealer(secret []byte) (*KeySealer, error) {
	if len(secret) < 16 {
		return nil, errors.New("peer key secret must be at least 16 bytes")
	}

	sealer := &KeySealer{rand: rand.Reader}
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sealerInfo))
	if _, err := io.ReadFull(kdf, sealer.key[:]); err != nil {
		return nil, fmt.Errorf("derive peer key: %w", err)
	}
	return sealer, nil
}

// Seal returns base64(nonce || ciphertext) for plaintext.
func (s *KeySealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", newError(KindUnavailable, "keys.seal", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *KeySealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("sealed key is truncated")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed key: %w", err)
	}
	return string(plaintext), nil
}
