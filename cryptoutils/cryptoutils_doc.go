// Package cryptoutils provides the asymmetric encryption used by the vault service.
//
// Two flows use it. Share custody: every secret share is encrypted to the
// public key of the holder it is assigned to before it reaches storage, so no
// storage backend ever sees a raw share. Delivery: a released value is
// re-encrypted under the requester's key before it leaves the service.
//
// Share custody uses ECIES with the following components:
//
//   - Elliptic curve (NIST P-256) for key exchange
//   - ECDH for shared secret derivation
//   - HKDF-SHA256 for key derivation, salted with the ephemeral public key
//   - AES-GCM for authenticated encryption
//
// # Encryption Format
//
// ECIES ciphertexts follow this binary format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// Where:
//   - Ephemeral key length: uint16 in big-endian format
//   - Ephemeral key: uncompressed curve point
//   - IV: 12-byte nonce for AES-GCM
//   - Ciphertext: The encrypted data with GCM authentication tag
//
// # Delivery
//
// EncryptForDelivery accepts a RecipientKey holding either a PEM public key or
// a raw RSA modulus and exponent. RSA keys use OAEP with SHA-256 and carry at
// most k-66 bytes for a k-byte modulus; larger values fail with
// interfaces.ErrPlaintextTooLarge. P-256 keys use the ECIES scheme above.
//
// # Usage Example
//
//	pub, priv, _ := cryptoutils.RandomRSAKeypair(2048)
//	ciphertext, err := cryptoutils.EncryptForDelivery(value, cryptoutils.RecipientKey{PEM: pub})
//	if err != nil {
//	    return err
//	}
//	plaintext, err := cryptoutils.DecryptDelivery(priv, ciphertext)
package cryptoutils
