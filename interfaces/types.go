package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte Ethereum-style identity. Vault owners, ACL members,
// share holders and attestors are all identified by an Address.
type Address [20]byte

// NewAddressFromBytes creates an address from a 20-byte slice.
func NewAddressFromBytes(addr []byte) (Address, error) {
	if len(addr) != 20 {
		return Address{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res Address
	copy(res[:], addr)
	return res, nil
}

// NewAddressFromHex parses a 40-character hex address with an optional 0x prefix.
func NewAddressFromHex(addr string) (Address, error) {
	clean := strings.TrimPrefix(addr, "0x")
	if len(clean) != 40 {
		return Address{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewAddressFromBytes(addrBytes)
}

// String returns the lowercase hex representation without prefix.
func (addr Address) String() string {
	return hex.EncodeToString(addr[:])
}

// Bytes returns the raw 20-byte address.
func (addr Address) Bytes() []byte {
	return addr[:]
}

// MarshalText encodes the address as 0x-prefixed hex.
func (addr Address) MarshalText() ([]byte, error) {
	return []byte("0x" + addr.String()), nil
}

// UnmarshalText parses a hex address.
func (addr *Address) UnmarshalText(text []byte) error {
	parsed, err := NewAddressFromHex(string(text))
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}

// Common converts the address to the go-ethereum representation.
func (addr Address) Common() common.Address {
	return common.Address(addr)
}

// VaultID identifies a vault. It is caller-supplied or issued by the registry.
type VaultID string

func (id VaultID) String() string {
	return string(id)
}

// LifecycleState is the position of a vault in its request/compute/attest cycle.
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateComputationRequested
	StateComputed
	StateAttested
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateComputationRequested:
		return "computation_requested"
	case StateComputed:
		return "computed"
	case StateAttested:
		return "attested"
	default:
		return "unknown"
	}
}

// ShareHandle references a single share without exposing it. The share itself
// is stored encrypted to Holder under the Content identifier.
type ShareHandle struct {
	Index   int       `json:"index" cbor:"1,keyasint"`
	Holder  Address   `json:"holder" cbor:"2,keyasint"`
	Content ContentID `json:"content" cbor:"3,keyasint"`
}

// Vault is the durable record owned by the vault registry.
type Vault struct {
	ID             VaultID        `json:"id" cbor:"1,keyasint"`
	Owner          Address        `json:"owner" cbor:"2,keyasint"`
	ACL            []Address      `json:"acl" cbor:"3,keyasint"`
	Shares         []ShareHandle  `json:"shares" cbor:"4,keyasint"`
	Threshold      int            `json:"threshold" cbor:"5,keyasint"`
	State          LifecycleState `json:"state" cbor:"6,keyasint"`
	PendingRequest *Address       `json:"pending_request,omitempty" cbor:"7,keyasint,omitempty"`
	Proof          string         `json:"proof,omitempty" cbor:"8,keyasint,omitempty"`
	Cycle          uint64         `json:"cycle" cbor:"9,keyasint"`
	AttestationID  string         `json:"attestation_id,omitempty" cbor:"10,keyasint,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at" cbor:"11,keyasint"`
}

// IsMember reports whether addr is on the vault's access-control list.
func (v *Vault) IsMember(addr Address) bool {
	return slices.Contains(v.ACL, addr)
}

// Clone returns a deep copy so callers never share slices with the registry.
func (v *Vault) Clone() *Vault {
	c := *v
	c.ACL = slices.Clone(v.ACL)
	c.Shares = slices.Clone(v.Shares)
	if v.PendingRequest != nil {
		pending := *v.PendingRequest
		c.PendingRequest = &pending
	}
	return &c
}

// ValidateACL checks that the list is non-empty and free of duplicates.
func ValidateACL(acl []Address) error {
	if len(acl) == 0 {
		return ErrEmptyACL
	}

	seen := make(map[Address]struct{}, len(acl))
	for _, member := range acl {
		if _, found := seen[member]; found {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, member)
		}
		seen[member] = struct{}{}
	}
	return nil
}

// Signature is a single attestor's recoverable secp256k1 signature.
// V is the raw recovery indicator (0 or 1).
type Signature struct {
	R [32]byte `json:"r"`
	S [32]byte `json:"s"`
	V byte     `json:"v"`
}

// SignerSignature pairs a signature with the identity that produced it.
type SignerSignature struct {
	Signer    Address   `json:"signer"`
	Signature Signature `json:"signature"`
}

var (
	ErrEmptyACL            = errors.New("access-control list is empty")
	ErrDuplicateMember     = errors.New("duplicate access-control list member")
	ErrInvalidThreshold    = errors.New("invalid threshold")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrInconsistentShares  = errors.New("inconsistent shares")
	ErrInsufficientHolders = errors.New("not enough share holders configured")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrBusy                = errors.New("vault busy")
	ErrVaultNotFound       = errors.New("vault not found")
	ErrVaultExists         = errors.New("vault already exists")
	ErrNotReleased         = errors.New("no attested value released to caller")
	ErrUnknownSigner       = errors.New("unknown signer")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrPlaintextTooLarge   = errors.New("plaintext too large for recipient key")
	ErrEncryptionFailure   = errors.New("encryption failure")
)
