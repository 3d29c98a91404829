// Package fabric connects the vault lifecycle to the parties that compute and
// attest.
//
// LocalFabric and LocalAttestorPool run everything in process and are used by
// the development server and tests. RemoteFabric and RemoteAttestorPool
// forward requests over HTTP; their results come back through the vault
// server's fabric callback routes.
//
// All implementations return as soon as a request is handed off. Results are
// always delivered later through an interfaces.ComputationSink or
// interfaces.AttestationSink, never from inside the request call.
package fabric
