// Package interfaces defines the types and contracts shared by the vault
// service components, separating them from their implementations.
//
// # Vault types
//
// Address identifies owners, ACL members, share holders and attestors. Vault is
// the durable record kept by the registry, with its lifecycle state, share
// handles and the proof of the last attested release.
//
// # Fabric
//
// ComputationFabric and AttestorPool are the outbound sides of the lifecycle.
// Their results come back through ComputationSink and AttestationSink.
//
// # Storage
//
// StorageBackend provides content-addressed storage for encrypted shares across
// file, S3, IPFS and Vault backends. StorageBackendFactory builds backends from
// URI strings. VaultStore persists vault records.
//
// ContentID is the SHA-256 hash of stored content.
package interfaces
