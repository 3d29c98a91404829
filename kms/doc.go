// Package kms splits secrets into threshold shares and reconstructs them.
//
// Sharing is Shamir's scheme over GF(2^8), applied bytewise, so secrets of any
// length are supported. Each Share carries its threshold, and reconstruction
// verifies every share beyond the threshold against the polynomial the first
// threshold-many define. Shares are serialized with CBOR before being
// encrypted to their holder.
package kms
