// Package api holds configuration shared by the HTTP servers. The vault
// routes themselves live in api/vaulthandler.
package api
