package vaulthandler

import "github.com/ruteri/mpc-vault/interfaces"

type NonceResponse struct {
	Address interfaces.Address `json:"address"`
	Nonce   string             `json:"nonce"`
}

type CreateVaultRequest struct {
	ID          interfaces.VaultID   `json:"id,omitempty"`
	ACL         []interfaces.Address `json:"acl"`
	Secret      []byte               `json:"secret"`
	TotalShares int                  `json:"total_shares"`
	Threshold   int                  `json:"threshold"`
}

type CreateVaultResponse struct {
	ID interfaces.VaultID `json:"id"`
}

type StatusResponse struct {
	VaultID interfaces.VaultID `json:"vault_id"`
	Status  string             `json:"status"`
}

// ReadVaultRequest carries the key the value is delivered under: either a PEM
// public key or a raw RSA modulus (hex) and exponent.
type ReadVaultRequest struct {
	PublicKey string `json:"public_key,omitempty"`
	N         string `json:"n,omitempty"`
	E         int    `json:"e,omitempty"`
}

type ComputationCompleteRequest struct {
	Cycle uint64 `json:"cycle"`
	Value []byte `json:"value"`
}

type SignatureEntry struct {
	Signer interfaces.Address `json:"signer"`
	// Signature in proof encoding: 0x, r, s, v+27.
	Signature string `json:"signature"`
}

type SignaturesRequest struct {
	Signatures []SignatureEntry `json:"signatures"`
}
