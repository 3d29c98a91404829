package attestation

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-vault/interfaces"
)

// DomainSeparator prefixes every attestation digest.
const DomainSeparator = "ZK_SHARE_IDSIGN_LOG"

// Digest returns the message attestors sign for a released value:
// sha256(DomainSeparator || vaultID || sha256(value)).
func Digest(vaultID interfaces.VaultID, value []byte) [32]byte {
	valueHash := sha256.Sum256(value)

	h := sha256.New()
	h.Write([]byte(DomainSeparator))
	h.Write([]byte(vaultID))
	h.Write(valueHash[:])

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// EncodeSignature renders a signature in the EVM form
// "0x" + hex64(R) + hex64(S) + hex2(V+27).
func EncodeSignature(sig interfaces.Signature) string {
	var sb strings.Builder
	sb.Grow(132)
	sb.WriteString("0x")
	sb.WriteString(hex.EncodeToString(sig.R[:]))
	sb.WriteString(hex.EncodeToString(sig.S[:]))
	sb.WriteString(hex.EncodeToString([]byte{sig.V + 27}))
	return sb.String()
}

// EncodeProof joins encoded signatures in order as "[a, b, ...]".
func EncodeProof(sigs []interfaces.Signature) string {
	encoded := make([]string, len(sigs))
	for i, sig := range sigs {
		encoded[i] = EncodeSignature(sig)
	}
	return "[" + strings.Join(encoded, ", ") + "]"
}

// DecodeSignature parses the output of EncodeSignature.
func DecodeSignature(s string) (interfaces.Signature, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return interfaces.Signature{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidSignature, err)
	}
	if len(raw) != 65 {
		return interfaces.Signature{}, fmt.Errorf("%w: expected 65 bytes, got %d", interfaces.ErrInvalidSignature, len(raw))
	}
	return SignatureFromBytes(raw)
}

// ParseProof splits a proof string back into its signatures.
func ParseProof(proof string) ([]interfaces.Signature, error) {
	if !strings.HasPrefix(proof, "[") || !strings.HasSuffix(proof, "]") {
		return nil, errors.New("proof must be enclosed in brackets")
	}
	body := proof[1 : len(proof)-1]
	if body == "" {
		return nil, nil
	}

	parts := strings.Split(body, ", ")
	sigs := make([]interfaces.Signature, len(parts))
	for i, part := range parts {
		sig, err := DecodeSignature(part)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		sigs[i] = sig
	}
	return sigs, nil
}

// SignatureFromBytes converts a 65-byte r||s||v signature as produced by
// go-ethereum's crypto.Sign. A V of 27 or 28 is normalised to 0 or 1.
func SignatureFromBytes(raw []byte) (interfaces.Signature, error) {
	if len(raw) != crypto.SignatureLength {
		return interfaces.Signature{}, fmt.Errorf("%w: expected %d bytes, got %d", interfaces.ErrInvalidSignature, crypto.SignatureLength, len(raw))
	}

	var sig interfaces.Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	if sig.V >= 27 {
		sig.V -= 27
	}
	if sig.V > 1 {
		return interfaces.Signature{}, fmt.Errorf("%w: recovery id %d", interfaces.ErrInvalidSignature, raw[64])
	}
	return sig, nil
}

// Bytes returns the 65-byte r||s||v form accepted by crypto.SigToPub.
func Bytes(sig interfaces.Signature) []byte {
	raw := make([]byte, 0, crypto.SignatureLength)
	raw = append(raw, sig.R[:]...)
	raw = append(raw, sig.S[:]...)
	return append(raw, sig.V)
}

// Sign signs digest with a secp256k1 key.
func Sign(digest [32]byte, key *ecdsa.PrivateKey) (interfaces.Signature, error) {
	raw, err := crypto.Sign(digest[:], key)
	if err != nil {
		return interfaces.Signature{}, fmt.Errorf("signing digest: %w", err)
	}
	return SignatureFromBytes(raw)
}

// RecoverSigner returns the address whose key produced sig over digest.
func RecoverSigner(digest [32]byte, sig interfaces.Signature) (interfaces.Address, error) {
	pub, err := crypto.SigToPub(digest[:], Bytes(sig))
	if err != nil {
		return interfaces.Address{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidSignature, err)
	}
	return interfaces.Address(crypto.PubkeyToAddress(*pub)), nil
}
