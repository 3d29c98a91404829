// Package registry owns vault records.
//
// VaultRegistry is the only component that writes interfaces.Vault records.
// It validates the access-control list and threshold on creation, issues a
// UUID when the caller does not supply a vault id, rejects duplicate ids, and
// keeps owner, shares and threshold immutable after creation. Records are
// written through to an interfaces.VaultStore and cached in an LRU. Callers
// always receive deep copies, so mutating a returned record never affects the
// registry until it is passed back to Update.
package registry
