package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/ruteri/mpc-vault/interfaces"
)

// RecipientKey is the key a released value is re-encrypted under. Either PEM
// is set, or the raw RSA modulus and public exponent are.
type RecipientKey struct {
	PEM      PublicKeyPEM `json:"pem,omitempty"`
	Modulus  []byte       `json:"n,omitempty"`
	Exponent int          `json:"e,omitempty"`
}

// RSAPublicKeyFromModulus builds an RSA public key from a big-endian modulus and exponent.
func RSAPublicKeyFromModulus(n []byte, e int) (*rsa.PublicKey, error) {
	modulus := new(big.Int).SetBytes(n)
	if modulus.Sign() <= 0 || modulus.BitLen() < 1024 {
		return nil, fmt.Errorf("%w: modulus too small", interfaces.ErrEncryptionFailure)
	}
	if e < 3 || e%2 == 0 {
		return nil, fmt.Errorf("%w: invalid public exponent %d", interfaces.ErrEncryptionFailure, e)
	}
	return &rsa.PublicKey{N: modulus, E: e}, nil
}

// PublicKey resolves the recipient key into an *rsa.PublicKey or *ecdsa.PublicKey.
func (k RecipientKey) PublicKey() (any, error) {
	if len(k.PEM) > 0 {
		key, err := k.PEM.GetPublicKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrEncryptionFailure, err)
		}
		return key, nil
	}
	if len(k.Modulus) > 0 {
		return RSAPublicKeyFromModulus(k.Modulus, k.Exponent)
	}
	return nil, fmt.Errorf("%w: no recipient key supplied", interfaces.ErrEncryptionFailure)
}

// MaxOAEPPlaintext returns how many bytes OAEP/SHA-256 can carry under key.
func MaxOAEPPlaintext(key *rsa.PublicKey) int {
	return key.Size() - 2*sha256.Size - 2
}

// EncryptForDelivery encrypts plaintext so only the holder of the recipient's
// private key can read it. RSA keys use OAEP with SHA-256, P-256 keys use ECIES.
func EncryptForDelivery(plaintext []byte, recipient RecipientKey) ([]byte, error) {
	key, err := recipient.PublicKey()
	if err != nil {
		return nil, err
	}

	switch pub := key.(type) {
	case *rsa.PublicKey:
		if len(plaintext) > MaxOAEPPlaintext(pub) {
			return nil, fmt.Errorf("%w: %d bytes, key carries at most %d", interfaces.ErrPlaintextTooLarge, len(plaintext), MaxOAEPPlaintext(pub))
		}
		ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrEncryptionFailure, err)
		}
		return ciphertext, nil
	case *ecdsa.PublicKey:
		ciphertext, err := encryptECIES(pub, plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrEncryptionFailure, err)
		}
		return ciphertext, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", interfaces.ErrEncryptionFailure, key)
	}
}

// DecryptDelivery reverses EncryptForDelivery with the recipient's private key.
func DecryptDelivery(privateKeyPEM PrivateKeyPEM, ciphertext []byte) ([]byte, error) {
	key, err := privateKeyPEM.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	switch priv := key.(type) {
	case *rsa.PrivateKey:
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	case *ecdsa.PrivateKey:
		return decryptECIES(priv, ciphertext)
	default:
		return nil, errors.New("unsupported private key type")
	}
}
