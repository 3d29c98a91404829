package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/fabric"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/ruteri/mpc-vault/storage"
	"github.com/ruteri/mpc-vault/vault"
	"github.com/urfave/cli/v2"
)

var DBPathFlag = &cli.StringFlag{
	Name:  "db-path",
	Usage: "SQLite database for vault records. Records are kept in memory when empty",
}
var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Value: cli.NewStringSlice("file://./data/blobs"),
	Usage: "storage backend URI for encrypted shares and proofs (file://, s3://, ipfs://, vault://). Repeat to replicate",
}
var HoldersFileFlag = &cli.StringFlag{
	Name:     "holders-file",
	Required: true,
	Usage:    "JSON file listing share holders: [{\"address\", \"public_key\", \"private_key\"}]. Private keys are only read with --fabric=local",
}
var FabricFlag = &cli.StringFlag{
	Name:  "fabric",
	Value: "local",
	Usage: "'local' to reconstruct in process, or the base URL of a remote computation fabric",
}
var FabricCallerFlag = &cli.StringSliceFlag{
	Name:  "fabric-caller",
	Usage: "address allowed to report computation results (remote fabric only)",
}
var AttestorKeysFileFlag = &cli.StringFlag{
	Name:  "attestor-keys-file",
	Usage: "file with one hex secp256k1 private key per line for in-process attestors (--fabric=local)",
}
var AttestorEndpointFlag = &cli.StringSliceFlag{
	Name:  "attestor",
	Usage: "remote attestor as address=url",
}
var QuorumFlag = &cli.IntFlag{
	Name:  "quorum",
	Value: 3,
	Usage: "number of attestor signatures required to release a value",
}
var ComputeTimeoutFlag = &cli.DurationFlag{
	Name:  "compute-timeout",
	Value: 0,
	Usage: "reset vaults waiting on the fabric for longer than this. 0 disables",
}
var AttestationTimeoutFlag = &cli.DurationFlag{
	Name:  "attestation-timeout",
	Value: 0,
	Usage: "reset vaults waiting on attestors for longer than this. 0 disables",
}
var NonceTTLFlag = &cli.DurationFlag{
	Name:  "nonce-ttl",
	Value: 0,
	Usage: "lifetime of request nonces. 0 uses the default",
}

var VaultFlags = []cli.Flag{
	DBPathFlag,
	StorageFlag,
	HoldersFileFlag,
	FabricFlag,
	FabricCallerFlag,
	AttestorKeysFileFlag,
	AttestorEndpointFlag,
	QuorumFlag,
	ComputeTimeoutFlag,
	AttestationTimeoutFlag,
	NonceTTLFlag,
}

type holderEntry struct {
	Address    interfaces.Address `json:"address"`
	PublicKey  string             `json:"public_key"`
	PrivateKey string             `json:"private_key,omitempty"`
}

// LoadHolders parses the share holder list. Private keys are returned only
// when withPrivate is set, and are then required for every holder.
func LoadHolders(r io.Reader, withPrivate bool) ([]vault.ShareHolder, map[interfaces.Address]cryptoutils.PrivateKeyPEM, error) {
	var entries []holderEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, nil, fmt.Errorf("invalid holders file: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil, errors.New("no share holders listed")
	}

	holders := make([]vault.ShareHolder, len(entries))
	var privateKeys map[interfaces.Address]cryptoutils.PrivateKeyPEM
	if withPrivate {
		privateKeys = make(map[interfaces.Address]cryptoutils.PrivateKeyPEM, len(entries))
	}

	for i, entry := range entries {
		pub, err := cryptoutils.NewPublicKeyPEM([]byte(entry.PublicKey))
		if err != nil {
			return nil, nil, fmt.Errorf("holder %s: %w", entry.Address, err)
		}
		holders[i] = vault.ShareHolder{Address: entry.Address, PublicKey: pub}

		if !withPrivate {
			continue
		}
		priv, err := cryptoutils.NewPrivateKeyPEM([]byte(entry.PrivateKey))
		if err != nil {
			return nil, nil, fmt.Errorf("holder %s private key: %w", entry.Address, err)
		}
		privateKeys[entry.Address] = priv
	}

	return holders, privateKeys, nil
}

// LoadAttestorKeys reads hex secp256k1 keys, one per line.
func LoadAttestorKeys(r io.Reader) ([]*ecdsa.PrivateKey, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var keys []*ecdsa.PrivateKey
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(line, "0x"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no attestor keys listed")
	}
	return keys, nil
}

// ParseAttestorEndpoints parses address=url pairs.
func ParseAttestorEndpoints(values []string) (map[interfaces.Address]string, []interfaces.Address, error) {
	endpoints := make(map[interfaces.Address]string, len(values))
	addresses := make([]interfaces.Address, 0, len(values))

	for _, value := range values {
		addrHex, endpoint, found := strings.Cut(value, "=")
		if !found || endpoint == "" {
			return nil, nil, fmt.Errorf("invalid attestor %q: expected address=url", value)
		}
		addr, err := interfaces.NewAddressFromHex(addrHex)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid attestor %q: %w", value, err)
		}
		if _, dup := endpoints[addr]; dup {
			return nil, nil, fmt.Errorf("attestor %s listed twice", addr)
		}
		endpoints[addr] = endpoint
		addresses = append(addresses, addr)
	}
	return endpoints, addresses, nil
}

// vaultStore opens the SQLite store, or an in-memory one when path is empty.
func vaultStore(path string, log *slog.Logger) (interfaces.VaultStore, func() error, error) {
	if path == "" {
		log.Warn("no --db-path set, vault records will not survive a restart")
		return storage.NewMemoryVaultStore(), func() error { return nil }, nil
	}
	store, err := storage.OpenSQLiteVaultStore(path)
	if err != nil {
		return nil, nil, err
	}
	log.Info("vault records in sqlite", "path", store.DBPath())
	return store, store.Close, nil
}

func blobStore(uris []string, log *slog.Logger) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrInvalidLocationURI, uri, err)
		}
		locations = append(locations, loc)
	}

	factory := storage.NewStorageBackendFactory(log)
	if len(locations) == 1 {
		return factory.StorageBackendFor(locations[0])
	}
	return factory.CreateMultiBackend(locations)
}

type wiring struct {
	cfg       vault.Config
	fabric    interfaces.ComputationFabric
	attestors interfaces.AttestorPool
	callers   []interfaces.Address
	connect   func(*vault.Service)
}

// setupFabric builds the computation fabric and attestor pool from flags.
func setupFabric(cCtx *cli.Context, blobs interfaces.StorageBackend, log *slog.Logger) (*wiring, error) {
	local := cCtx.String(FabricFlag.Name) == "local"

	holdersFile, err := os.Open(cCtx.String(HoldersFileFlag.Name))
	if err != nil {
		return nil, err
	}
	defer holdersFile.Close()

	holders, holderKeys, err := LoadHolders(holdersFile, local)
	if err != nil {
		return nil, err
	}

	w := &wiring{
		cfg: vault.Config{
			Holders:            holders,
			Quorum:             cCtx.Int(QuorumFlag.Name),
			ComputeTimeout:     cCtx.Duration(ComputeTimeoutFlag.Name),
			AttestationTimeout: cCtx.Duration(AttestationTimeoutFlag.Name),
		},
	}

	if local {
		keysPath := cCtx.String(AttestorKeysFileFlag.Name)
		if keysPath == "" {
			return nil, errors.New("--attestor-keys-file is required with --fabric=local")
		}
		keysFile, err := os.Open(keysPath)
		if err != nil {
			return nil, err
		}
		defer keysFile.Close()
		keys, err := LoadAttestorKeys(keysFile)
		if err != nil {
			return nil, err
		}

		localFabric := fabric.NewLocalFabric(holderKeys, blobs, log)
		pool := fabric.NewLocalAttestorPool(keys, log)
		w.fabric = localFabric
		w.attestors = pool
		w.cfg.Attestors = pool.Addresses()
		w.connect = func(svc *vault.Service) {
			localFabric.SetSink(svc)
			pool.SetSink(svc)
		}
		log.Info("using in-process fabric", "holders", len(holders), "attestors", len(keys))
		return w, nil
	}

	endpoints, addresses, err := ParseAttestorEndpoints(cCtx.StringSlice(AttestorEndpointFlag.Name))
	if err != nil {
		return nil, err
	}
	for _, callerHex := range cCtx.StringSlice(FabricCallerFlag.Name) {
		caller, err := interfaces.NewAddressFromHex(callerHex)
		if err != nil {
			return nil, fmt.Errorf("invalid fabric caller %q: %w", callerHex, err)
		}
		w.callers = append(w.callers, caller)
	}
	if len(w.callers) == 0 {
		return nil, errors.New("at least one --fabric-caller is required with a remote fabric")
	}

	w.fabric = fabric.NewRemoteFabric(cCtx.String(FabricFlag.Name))
	w.attestors = fabric.NewRemoteAttestorPool(endpoints)
	w.cfg.Attestors = addresses
	w.connect = func(*vault.Service) {}
	log.Info("using remote fabric", "address", cCtx.String(FabricFlag.Name), "attestors", len(addresses))
	return w, nil
}
