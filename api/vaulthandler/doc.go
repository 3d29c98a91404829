// Package vaulthandler exposes the vault service over HTTP.
//
// Every route except nonce issuance requires a signed request. The caller
// fetches a nonce for its address, then sends:
//
//	X-Vault-Caller:    0x-prefixed address
//	X-Vault-Nonce:     the nonce
//	X-Vault-Signature: 65-byte secp256k1 signature over keccak256(nonce || method || path || body)
//
// Nonces are single use and expire. Computation results and attestor
// signatures arrive on the /api/fabric routes, authenticated the same way
// with the fabric's and attestors' own addresses.
package vaulthandler
