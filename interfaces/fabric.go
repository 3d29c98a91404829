package interfaces

import "context"

// ComputationRequest asks the computation fabric to reconstruct a vault's
// secret from its share handles. Raw shares never travel in this message.
type ComputationRequest struct {
	VaultID   VaultID       `json:"vault_id"`
	Cycle     uint64        `json:"cycle"`
	Threshold int           `json:"threshold"`
	Shares    []ShareHandle `json:"shares"`
}

// AttestationRequest asks attestors to sign a digest committing to a
// computed value.
type AttestationRequest struct {
	ID      string    `json:"id"`
	VaultID VaultID   `json:"vault_id"`
	Digest  [32]byte  `json:"digest"`
	Signers []Address `json:"signers"`
}

// ComputationFabric is the external multi-party computation layer. Implementations
// must return without waiting for the computation; completion arrives later
// through ComputationSink.
type ComputationFabric interface {
	RequestComputation(ctx context.Context, req ComputationRequest) error
}

// AttestorPool is the external set of independent signers. Signatures arrive
// later through AttestationSink.
type AttestorPool interface {
	RequestAttestation(ctx context.Context, req AttestationRequest) error
}

// ComputationSink receives completion notices from the computation fabric.
// Cycle echoes ComputationRequest.Cycle.
type ComputationSink interface {
	OnComputationComplete(ctx context.Context, id VaultID, cycle uint64, value []byte) error
}

// AttestationSink receives signatures from attestors.
type AttestationSink interface {
	SubmitSignature(ctx context.Context, id VaultID, signer Address, sig Signature) error
}
