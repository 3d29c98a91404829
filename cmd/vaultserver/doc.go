/*
vault-server runs the vault API.

With --fabric=local shares are reconstructed and attested in process, which is
meant for development and tests. Otherwise --fabric names the base URL of a
remote computation fabric and every --attestor is an address=url pair;
results come back on the /api/fabric routes.

Example:

	vault-server \
	  --holders-file holders.json \
	  --attestor-keys-file attestors.txt \
	  --quorum 3 \
	  --storage file:///var/lib/mpc-vault/blobs \
	  --storage s3://mpc-vault-shares/prod?region=eu-west-1 \
	  --db-path /var/lib/mpc-vault/vaults.db
*/
package main
