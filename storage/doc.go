// Package storage holds the persistence layers of the vault service.
//
// Share blobs and archived proofs go to a content-addressed
// interfaces.StorageBackend, where the identifier of every blob is the SHA-256
// hash of its bytes:
//
//   - File system storage for local development and single-node deployments
//   - S3-compatible object storage
//   - IPFS, through the node's mutable file system
//   - HashiCorp Vault KV v2, with token or TLS client certificate auth
//
// Shares and proofs live in separate namespaces (interfaces.ShareType and
// interfaces.ProofType). Share blobs are always encrypted to their holder
// before they reach a backend.
//
// # Storage URI Format
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/mpc-vault/blobs
//   - s3://[KEY:SECRET@]bucket-name/prefix/?region=us-west-2&endpoint=http://minio:9000
//   - ipfs://ipfs.example.com:5001/mpc-vault?timeout=30s
//   - vault://[TOKEN@]vault.example.com:8200/secret/mpc-vault?tls=true
//
// Several URIs can be combined with StorageBackendFactory.CreateMultiBackend.
// Writes go to every available backend in parallel, reads fall back through
// the backends in order.
//
// # Vault records
//
// Vault records themselves are kept in an interfaces.VaultStore, either
// SQLiteVaultStore (pure-Go SQLite in WAL mode) or MemoryVaultStore. Records
// are encoded with deterministic CBOR.
package storage
