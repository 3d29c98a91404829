// Package attestation turns per-attestor signatures into a single proof.
//
// A Collector tracks one open request per vault. Each request names the
// attestors allowed to sign, how many signatures make a quorum, and the digest
// they sign. Signatures are checked by recovering the secp256k1 public key and
// comparing its address with the claimed signer.
//
// Once a quorum is reached the accepted signatures are encoded in acceptance
// order as an EVM-verifiable proof string:
//
//	[0x<r:64 hex><s:64 hex><v+27:2 hex>, 0x..., ...]
package attestation
