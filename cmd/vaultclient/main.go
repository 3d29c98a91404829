package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-vault/api/vaulthandler"
	"github.com/ruteri/mpc-vault/attestation"
	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/urfave/cli/v2"
)

var flagServer = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:8080",
	Usage: "vault server address",
}
var flagIdentity = &cli.StringFlag{
	Name:  "identity-file",
	Value: "identity.key",
	Usage: "file holding the hex secp256k1 key requests are signed with",
}
var flagVault = &cli.StringFlag{
	Name:     "vault",
	Required: true,
	Usage:    "vault id",
}
var flagRecipientPrivkey = &cli.StringFlag{
	Name:  "recipient-privkey-file",
	Value: "recipient-private.pem",
	Usage: "private key the delivered value is decrypted with",
}
var flagRecipientPubkey = &cli.StringFlag{
	Name:  "recipient-pubkey-file",
	Value: "recipient-public.pem",
	Usage: "public key the value is delivered under",
}

func loadIdentity(cCtx *cli.Context) (*vaulthandler.Client, error) {
	data, err := os.ReadFile(cCtx.String(flagIdentity.Name))
	if err != nil {
		return nil, fmt.Errorf("could not read identity: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	return vaulthandler.NewClient(cCtx.String(flagServer.Name), key), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	app := &cli.App{
		Name:  "vault-client",
		Usage: "Create, request and read threshold-shared vaults",
		Commands: []*cli.Command{
			{
				Name:  "generate-identity",
				Usage: "create a signing identity",
				Flags: []cli.Flag{flagIdentity},
				Action: func(cCtx *cli.Context) error {
					key, err := crypto.GenerateKey()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagIdentity.Name), []byte(hex.EncodeToString(crypto.FromECDSA(key))), 0600); err != nil {
						return err
					}
					fmt.Println("0x" + interfaces.Address(crypto.PubkeyToAddress(key.PublicKey)).String())
					return nil
				},
			},
			{
				Name:  "generate-recipient",
				Usage: "create an RSA key pair to receive values under",
				Flags: []cli.Flag{flagRecipientPrivkey, flagRecipientPubkey},
				Action: func(cCtx *cli.Context) error {
					pub, priv, err := cryptoutils.RandomRSAKeypair(3072)
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagRecipientPrivkey.Name), priv, 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagRecipientPubkey.Name), pub, 0644)
				},
			},
			{
				Name:  "generate-holder",
				Usage: "create a share holder key pair and print its holders-file entry",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Required: true, Usage: "holder address"},
				},
				Action: func(cCtx *cli.Context) error {
					addr, err := interfaces.NewAddressFromHex(cCtx.String("address"))
					if err != nil {
						return err
					}
					pub, priv, err := cryptoutils.RandomP256Keypair()
					if err != nil {
						return err
					}
					return printJSON(map[string]any{
						"address":     addr,
						"public_key":  string(pub),
						"private_key": string(priv),
					})
				},
			},
			{
				Name:  "create",
				Usage: "create a vault owned by the identity",
				Flags: []cli.Flag{
					flagServer, flagIdentity,
					&cli.StringFlag{Name: "id", Usage: "vault id, issued by the server when empty"},
					&cli.StringSliceFlag{Name: "acl", Required: true, Usage: "member address, repeatable"},
					&cli.StringFlag{Name: "secret-file", Required: true, Usage: "file holding the secret"},
					&cli.IntFlag{Name: "shares", Value: 4},
					&cli.IntFlag{Name: "threshold", Value: 3},
				},
				Action: func(cCtx *cli.Context) error {
					client, err := loadIdentity(cCtx)
					if err != nil {
						return err
					}

					var acl []interfaces.Address
					for _, member := range cCtx.StringSlice("acl") {
						addr, err := interfaces.NewAddressFromHex(member)
						if err != nil {
							return fmt.Errorf("invalid acl member %q: %w", member, err)
						}
						acl = append(acl, addr)
					}

					secret, err := os.ReadFile(cCtx.String("secret-file"))
					if err != nil {
						return err
					}

					id, err := client.CreateVault(cCtx.Context, vaulthandler.CreateVaultRequest{
						ID:          interfaces.VaultID(cCtx.String("id")),
						ACL:         acl,
						Secret:      secret,
						TotalShares: cCtx.Int("shares"),
						Threshold:   cCtx.Int("threshold"),
					})
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "show a vault",
				Flags: []cli.Flag{flagServer, flagIdentity, flagVault},
				Action: func(cCtx *cli.Context) error {
					client, err := loadIdentity(cCtx)
					if err != nil {
						return err
					}
					view, err := client.Vault(cCtx.Context, interfaces.VaultID(cCtx.String(flagVault.Name)))
					if err != nil {
						return err
					}
					return printJSON(view)
				},
			},
			{
				Name:  "request",
				Usage: "request access to a vault",
				Flags: []cli.Flag{flagServer, flagIdentity, flagVault},
				Action: func(cCtx *cli.Context) error {
					client, err := loadIdentity(cCtx)
					if err != nil {
						return err
					}
					return client.RequestAccess(cCtx.Context, interfaces.VaultID(cCtx.String(flagVault.Name)))
				},
			},
			{
				Name:  "read",
				Usage: "read an attested value and check its proof",
				Flags: []cli.Flag{
					flagServer, flagIdentity, flagVault, flagRecipientPrivkey, flagRecipientPubkey,
					&cli.StringFlag{Name: "out", Usage: "write the value here instead of stdout"},
				},
				Action: func(cCtx *cli.Context) error {
					client, err := loadIdentity(cCtx)
					if err != nil {
						return err
					}
					return read(cCtx.Context, cCtx, client)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func read(ctx context.Context, cCtx *cli.Context, client *vaulthandler.Client) error {
	pub, err := os.ReadFile(cCtx.String(flagRecipientPubkey.Name))
	if err != nil {
		return err
	}
	privData, err := os.ReadFile(cCtx.String(flagRecipientPrivkey.Name))
	if err != nil {
		return err
	}
	priv, err := cryptoutils.NewPrivateKeyPEM(privData)
	if err != nil {
		return err
	}

	id := interfaces.VaultID(cCtx.String(flagVault.Name))
	delivery, err := client.Read(ctx, id, vaulthandler.ReadVaultRequest{PublicKey: string(pub)})
	if err != nil {
		return err
	}

	value, err := cryptoutils.DecryptDelivery(priv, delivery.Ciphertext)
	if err != nil {
		return fmt.Errorf("could not decrypt delivery: %w", err)
	}

	sigs, err := attestation.ParseProof(delivery.Proof)
	if err != nil {
		return fmt.Errorf("invalid proof: %w", err)
	}
	if len(sigs) == 0 {
		return errors.New("delivery carries no attestations")
	}
	digest := attestation.Digest(id, value)
	for _, sig := range sigs {
		signer, err := attestation.RecoverSigner(digest, sig)
		if err != nil {
			return fmt.Errorf("invalid attestation: %w", err)
		}
		fmt.Fprintln(os.Stderr, "attested by 0x"+signer.String())
	}

	if out := cCtx.String("out"); out != "" {
		return os.WriteFile(out, value, 0600)
	}
	_, err = os.Stdout.Write(value)
	return err
}
