/*
vault-client talks to a vault server.

	vault-client generate-identity --identity-file alice.key
	vault-client create --identity-file alice.key --acl 0x... --acl 0x... --secret-file secret.bin
	vault-client request --identity-file bob.key --vault <id>
	vault-client generate-recipient
	vault-client read --identity-file bob.key --vault <id>

read decrypts the delivered value and prints the address of every attestor
whose signature is in the proof.
*/
package main
