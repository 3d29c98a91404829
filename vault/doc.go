// Package vault implements the vault lifecycle: secrets are split into
// threshold shares at creation, reconstructed by the computation fabric when
// an access-list member asks for them, attested by a quorum of independent
// signers and finally delivered to the requester encrypted under a key of
// their choosing.
//
// A vault moves through four states:
//
//	created -> computation_requested -> computed -> attested
//
// and returns to computation_requested on the next access request. At most
// one request is in flight per vault. The plaintext value only lives in
// process memory between computation and delivery.
package vault
