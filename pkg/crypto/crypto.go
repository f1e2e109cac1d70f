// Package crypto implements the hybrid RSA+AES suite used to secure a
// relay connection: an RSA-2048 key pair set up once per connection during
// the handshake, and AES-256-GCM used to seal every frame field for the
// life of that connection.
//
// The algorithms and modes are fixed by the protocol, not chosen here:
// RSA-2048 with PKCS#1 v1.5 padding in both directions, and AES-256-GCM
// with a random 96-bit IV and a 128-bit tag. Both are implemented with the
// standard library (crypto/rsa, crypto/x509, crypto/aes, crypto/cipher) —
// the same pairing the relay's teacher project uses for its own AES-GCM
// packet crypto — rather than a third-party crypto library, since nothing
// in the pack offers a drop-in RSA-PKCS#1v15/AES-GCM implementation that
// isn't itself a wrapper around these same stdlib primitives.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

const (
	// RSABits is the RSA modulus size in bits. The public exponent is
	// always 65537, as generated by crypto/rsa.GenerateKey.
	RSABits = 2048

	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// IVSize is the GCM nonce size in bytes.
	IVSize = 12

	// TagSize is the GCM authentication tag size in bytes.
	TagSize = 16

	// SealedOverhead is the number of bytes a sealed field carries beyond
	// its plaintext: the IV and the tag.
	SealedOverhead = IVSize + TagSize
)

var (
	// ErrEmptyDER is returned by ImportPublicDER on empty input.
	ErrEmptyDER = errors.New("crypto: empty public key DER")

	// ErrShortSealed is returned by Open when the sealed field is too
	// short to contain an IV and a tag.
	ErrShortSealed = errors.New("crypto: sealed field shorter than iv+tag")

	// ErrMessageTooLong is returned by Encrypt/KeyPair.Decrypt when the
	// plaintext/ciphertext length is inconsistent with the RSA key size.
	ErrMessageTooLong = errors.New("crypto: message too long for rsa key size")
)

// KeyPair holds a server-side RSA key pair: the full private key, able to
// decrypt anything encrypted under its public half.
type KeyPair struct {
	priv *rsa.PrivateKey
}

// GenerateKeyPair generates a new RSA-2048 key pair. It is logically
// infallible — failures only occur if the system's random source is
// broken — but any failure is surfaced so callers can abort the
// connection rather than proceed with no key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicDER returns the bare RSAPublicKey DER encoding of the key pair's
// public half — not a SubjectPublicKeyInfo wrapper, matching the wire
// format the handshake sends.
func (kp *KeyPair) PublicDER() []byte {
	return x509.MarshalPKCS1PublicKey(&kp.priv.PublicKey)
}

// Decrypt RSA-decrypts ciphertext (PKCS#1 v1.5 padding) using the private
// key. It fails if the ciphertext is longer than the key's modulus or if
// the padding does not check out.
func (kp *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	if size := kp.priv.Size(); len(ciphertext) > size {
		return nil, ErrMessageTooLong
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, kp.priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return plain, nil
}

// PublicKey holds a client-side RSA public key, imported from the DER the
// server sent during the handshake.
type PublicKey struct {
	pub *rsa.PublicKey
}

// ImportPublicDER parses a bare RSAPublicKey DER blob. It fails on empty
// input or on a malformed key.
func ImportPublicDER(der []byte) (*PublicKey, error) {
	if len(der) == 0 {
		return nil, ErrEmptyDER
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key der: %w", err)
	}
	return &PublicKey{pub: pub}, nil
}

// Encrypt RSA-encrypts plain (PKCS#1 v1.5 padding) using the public key.
// It fails if len(plain)+11 exceeds the key's modulus size.
func (pk *PublicKey) Encrypt(plain []byte) ([]byte, error) {
	if size := pk.pub.Size(); len(plain)+11 > size {
		return nil, ErrMessageTooLong
	}
	cipher, err := rsa.EncryptPKCS1v15(rand.Reader, pk.pub, plain)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return cipher, nil
}

// GenerateAESKey generates a random 32-byte AES-256 key.
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate aes key: %w", err)
	}
	return key, nil
}

// Zero overwrites key in place. Callers should call this once a key is no
// longer needed (e.g. on connection eviction) so the secret does not
// linger in memory any longer than necessary.
func Zero(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Seal AES-256-GCM seals plain under key, returning iv(12) ‖ ciphertext ‖
// tag(16). A fresh random IV is generated for every call.
func Seal(plain, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, IVSize, IVSize+len(plain)+TagSize)
	if _, err := rand.Read(sealed[:IVSize]); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed = gcm.Seal(sealed, sealed[:IVSize], plain, nil)
	return sealed, nil
}

// Open AES-256-GCM opens sealed (iv ‖ ciphertext ‖ tag) using key. It
// fails if sealed is shorter than iv+tag or if the tag does not
// authenticate.
func Open(sealed, key []byte) ([]byte, error) {
	if len(sealed) < SealedOverhead {
		return nil, ErrShortSealed
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv, ciphertext := sealed[:IVSize], sealed[IVSize:]
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aes open: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: aes key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Fingerprint returns a short, human-readable identifier for an AES key,
// suitable for log lines that should not print the key itself.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return fmt.Sprintf("%x", sum[:4])
}
