package kms

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/mpc-vault/interfaces"
)

// MaxShares is the largest share count supported by the GF(2^8) field.
const MaxShares = 255

// Share is one point of the sharing polynomial. Value holds one y-coordinate per
// secret byte followed by the x-coordinate tag, exactly as produced by
// shamir.Split. Threshold travels with every share so reconstruction knows how
// many distinct points define the polynomial.
type Share struct {
	Threshold int    `json:"threshold" cbor:"1,keyasint"`
	Value     []byte `json:"value" cbor:"2,keyasint"`
}

// X returns the share's x-coordinate tag.
func (s Share) X() byte {
	if len(s.Value) == 0 {
		return 0
	}
	return s.Value[len(s.Value)-1]
}

// Split divides secret into n shares, any t of which reconstruct it.
//
// Arithmetic is over GF(2^8) applied independently to every secret byte, so the
// secret may be any length and each share is len(secret)+1 bytes. For t == 1 the
// polynomial has degree zero and every share carries the secret directly.
func Split(secret []byte, n, t int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, errors.New("cannot split an empty secret")
	}
	if t < 1 || t > n || n > MaxShares {
		return nil, fmt.Errorf("%w: threshold %d with %d shares", interfaces.ErrInvalidThreshold, t, n)
	}

	if t == 1 {
		shares := make([]Share, n)
		for i := range shares {
			value := make([]byte, len(secret)+1)
			copy(value, secret)
			value[len(secret)] = byte(i + 1)
			shares[i] = Share{Threshold: 1, Value: value}
		}
		return shares, nil
	}

	parts, err := shamir.Split(secret, n, t)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]Share, len(parts))
	for i, part := range parts {
		shares[i] = Share{Threshold: t, Value: part}
	}
	return shares, nil
}

// Reconstruct combines shares back into the secret. Identical duplicates are
// ignored. Every share past the first threshold-many is checked against the
// polynomial those define, so a corrupted extra share is reported as
// ErrInconsistentShares instead of silently producing a wrong secret.
func Reconstruct(shares []Share) ([]byte, error) {
	distinct, err := dedupe(shares)
	if err != nil {
		return nil, err
	}
	if len(distinct) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", interfaces.ErrInsufficientShares)
	}

	threshold := distinct[0].Threshold
	if len(distinct) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", interfaces.ErrInsufficientShares, len(distinct), threshold)
	}

	base := distinct[:threshold]
	secret, err := combine(base)
	if err != nil {
		return nil, err
	}

	for _, extra := range distinct[threshold:] {
		probe := make([]Share, 0, threshold)
		probe = append(probe, base[:threshold-1]...)
		probe = append(probe, extra)

		other, err := combine(probe)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(secret, other) {
			wipeBytes(secret)
			return nil, fmt.Errorf("%w: share %d is not on the polynomial", interfaces.ErrInconsistentShares, extra.X())
		}
		wipeBytes(other)
	}

	return secret, nil
}

func combine(shares []Share) ([]byte, error) {
	if shares[0].Threshold == 1 {
		secret := make([]byte, len(shares[0].Value)-1)
		copy(secret, shares[0].Value)
		return secret, nil
	}

	parts := make([][]byte, len(shares))
	for i, share := range shares {
		parts[i] = share.Value
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInconsistentShares, err)
	}
	return secret, nil
}

// dedupe drops exact duplicates and rejects shares that cannot belong to the
// same polynomial: differing thresholds or lengths, or one x tag bound to two
// different values.
func dedupe(shares []Share) ([]Share, error) {
	distinct := make([]Share, 0, len(shares))
	byX := make(map[byte][]byte, len(shares))

	for _, share := range shares {
		if len(share.Value) < 2 {
			return nil, fmt.Errorf("%w: share too short", interfaces.ErrInconsistentShares)
		}
		if share.X() == 0 {
			return nil, fmt.Errorf("%w: zero x-coordinate", interfaces.ErrInconsistentShares)
		}
		if len(distinct) > 0 {
			first := distinct[0]
			if share.Threshold != first.Threshold {
				return nil, fmt.Errorf("%w: thresholds %d and %d", interfaces.ErrInconsistentShares, first.Threshold, share.Threshold)
			}
			if len(share.Value) != len(first.Value) {
				return nil, fmt.Errorf("%w: share lengths differ", interfaces.ErrInconsistentShares)
			}
		}
		if share.Threshold < 1 || share.Threshold > MaxShares {
			return nil, fmt.Errorf("%w: threshold %d", interfaces.ErrInconsistentShares, share.Threshold)
		}

		if seen, found := byX[share.X()]; found {
			if !bytes.Equal(seen, share.Value) {
				return nil, fmt.Errorf("%w: conflicting values for share %d", interfaces.ErrInconsistentShares, share.X())
			}
			continue
		}
		byX[share.X()] = share.Value
		distinct = append(distinct, share)
	}

	return distinct, nil
}

// Securely wipe data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Wipe zeroes a secret or share buffer once it is no longer needed.
func Wipe(data []byte) {
	wipeBytes(data)
}
