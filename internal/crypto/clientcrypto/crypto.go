// Package clientcrypto contains client-side primitives for message sealing and key wrapping.
//
// A message body is sealed with a fresh XChaCha20-Poly1305 key. That key is wrapped once per
// recipient with an anonymous NaCl box to the recipient's X25519 public key. The private key
// is kept at rest under a password-derived KEK.
package clientcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// Params
const (
	MessageKeyLen = chacha20poly1305.KeySize
	KeKLen        = 32
	KeyLen        = 32 // X25519 key size

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var bodyAAD = []byte("chiffer/msg/v1")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateKeyPair creates an X25519 key pair for receiving wrapped message keys.
func GenerateKeyPair() (pub, priv *[KeyLen]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// DeriveKEK derives a KEK from password and kekSalt using Argon2id.
func DeriveKEK(password, kekSalt []byte) []byte {
	return argon2.IDKey(password, kekSalt, argonTime, argonMemory, argonThreads, KeKLen)
}

// ProtectPrivateKey encrypts priv with kek; the output is nonce||ciphertext.
func ProtectPrivateKey(kek []byte, priv *[KeyLen]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+KeyLen+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, priv[:], nil)...)
	return out, nil
}

// UnprotectPrivateKey reverses ProtectPrivateKey.
func UnprotectPrivateKey(kek, protected []byte) (*[KeyLen]byte, error) {
	if len(protected) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("protected key too short")
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := protected[:chacha20poly1305.NonceSizeX]
	raw, err := aead.Open(nil, nonce, protected[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, err
	}
	if len(raw) != KeyLen {
		return nil, errors.New("protected key has wrong size")
	}
	var priv [KeyLen]byte
	copy(priv[:], raw)
	return &priv, nil
}

// SealBody encrypts plaintext under a fresh message key and returns ciphertext, iv and the key.
func SealBody(plaintext []byte) (ct, iv, key []byte, err error) {
	key, err = Rand(MessageKeyLen)
	if err != nil {
		return nil, nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv, err = Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, nil, nil, err
	}
	return aead.Seal(nil, iv, plaintext, bodyAAD), iv, key, nil
}

// OpenBody decrypts a body sealed by SealBody.
func OpenBody(key, iv, ct []byte) ([]byte, error) {
	if len(iv) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("bad iv length")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, iv, ct, bodyAAD)
}

// WrapKey seals a message key to the recipient's public key.
func WrapKey(recipientPub *[KeyLen]byte, key []byte) ([]byte, error) {
	return box.SealAnonymous(nil, key, recipientPub, rand.Reader)
}

// UnwrapKey opens a key sealed with WrapKey.
func UnwrapKey(pub, priv *[KeyLen]byte, wrapped []byte) ([]byte, error) {
	key, ok := box.OpenAnonymous(nil, wrapped, pub, priv)
	if !ok {
		return nil, errors.New("unwrap failed")
	}
	return key, nil
}

// PublicKeyFromBytes validates and copies a stored public key blob.
func PublicKeyFromBytes(b []byte) (*[KeyLen]byte, error) {
	if len(b) != KeyLen {
		return nil, errors.New("public key must be 32 bytes")
	}
	var pub [KeyLen]byte
	copy(pub[:], b)
	return &pub, nil
}
