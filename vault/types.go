package vault

import (
	"time"

	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/interfaces"
)

// ShareHolder is a party that keeps one share of every vault, encrypted to its key.
type ShareHolder struct {
	Address   interfaces.Address
	PublicKey cryptoutils.PublicKeyPEM
}

// Config describes the parties the service works with.
type Config struct {
	// Holders receive shares in order: share i of every vault goes to Holders[i].
	Holders []ShareHolder
	// Attestors may sign released values. Quorum of them must sign.
	Attestors []interfaces.Address
	Quorum    int

	// ComputeTimeout bounds how long a vault may wait for the fabric.
	// Zero disables the check.
	ComputeTimeout time.Duration
	// AttestationTimeout bounds how long a vault may wait for a quorum.
	// Zero disables the check.
	AttestationTimeout time.Duration
}

// CreateRequest describes a new vault. ID may be empty to have one issued.
type CreateRequest struct {
	ID          interfaces.VaultID   `json:"id,omitempty"`
	Owner       interfaces.Address   `json:"owner"`
	ACL         []interfaces.Address `json:"acl"`
	Secret      []byte               `json:"secret"`
	TotalShares int                  `json:"total_shares"`
	Threshold   int                  `json:"threshold"`
}

// Delivery is a released value encrypted to the requester, with its proof.
type Delivery struct {
	VaultID    interfaces.VaultID `json:"vault_id"`
	Cycle      uint64             `json:"cycle"`
	Ciphertext []byte             `json:"ciphertext"`
	Proof      string             `json:"proof"`
}

// View is the public part of a vault record.
type View struct {
	ID             interfaces.VaultID   `json:"id"`
	Owner          interfaces.Address   `json:"owner"`
	ACL            []interfaces.Address `json:"acl"`
	State          string               `json:"state"`
	Threshold      int                  `json:"threshold"`
	TotalShares    int                  `json:"total_shares"`
	PendingRequest *interfaces.Address  `json:"pending_request,omitempty"`
	Proof          string               `json:"proof,omitempty"`
	Cycle          uint64               `json:"cycle"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func newView(v *interfaces.Vault) *View {
	return &View{
		ID:             v.ID,
		Owner:          v.Owner,
		ACL:            v.ACL,
		State:          v.State.String(),
		Threshold:      v.Threshold,
		TotalShares:    len(v.Shares),
		PendingRequest: v.PendingRequest,
		Proof:          v.Proof,
		Cycle:          v.Cycle,
		UpdatedAt:      v.UpdatedAt,
	}
}

// release is a computed value waiting for, or past, attestation. It never
// leaves process memory unencrypted.
type release struct {
	requester interfaces.Address
	cycle     uint64
	value     []byte
}
