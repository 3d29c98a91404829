package fabric

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-vault/attestation"
	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/ruteri/mpc-vault/kms"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single local computation or attestation round.
const DefaultTimeout = time.Minute

var ErrNoSink = errors.New("no result sink configured")

// LocalFabric reconstructs secrets in process. Every share holder's private
// key is available to it, so it stands in for a real multi-party fabric in
// development and tests.
type LocalFabric struct {
	mu      sync.RWMutex
	holders map[interfaces.Address]cryptoutils.PrivateKeyPEM
	blobs   interfaces.StorageBackend
	sink    interfaces.ComputationSink
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewLocalFabric(holders map[interfaces.Address]cryptoutils.PrivateKeyPEM, blobs interfaces.StorageBackend, log *slog.Logger) *LocalFabric {
	return &LocalFabric{
		holders: holders,
		blobs:   blobs,
		log:     log,
	}
}

// SetSink sets where computation results are delivered.
func (f *LocalFabric) SetSink(sink interfaces.ComputationSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// RequestComputation starts reconstruction in the background and returns.
func (f *LocalFabric) RequestComputation(ctx context.Context, req interfaces.ComputationRequest) error {
	f.mu.RLock()
	sink := f.sink
	f.mu.RUnlock()
	if sink == nil {
		return ErrNoSink
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
		defer cancel()

		value, err := f.compute(runCtx, req)
		if err != nil {
			f.log.Error("local computation failed", "vault", req.VaultID, "cycle", req.Cycle, "err", err)
			return
		}
		defer kms.Wipe(value)

		if err := sink.OnComputationComplete(runCtx, req.VaultID, req.Cycle, value); err != nil {
			f.log.Error("delivering computation result", "vault", req.VaultID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until all background computations have finished.
func (f *LocalFabric) Wait() {
	f.wg.Wait()
}

func (f *LocalFabric) compute(ctx context.Context, req interfaces.ComputationRequest) ([]byte, error) {
	var (
		mu     sync.Mutex
		shares []kms.Share
		g      errgroup.Group
	)

	for _, handle := range req.Shares {
		g.Go(func() error {
			share, err := f.fetchShare(ctx, handle)
			if err != nil {
				// Other holders may still make up the threshold.
				f.log.Warn("share unavailable", "vault", req.VaultID, "index", handle.Index, "err", err)
				return nil
			}
			mu.Lock()
			shares = append(shares, share)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	defer func() {
		for _, share := range shares {
			kms.Wipe(share.Value)
		}
	}()

	if len(shares) < req.Threshold {
		return nil, fmt.Errorf("%w: %d of %d shares available", interfaces.ErrInsufficientShares, len(shares), req.Threshold)
	}
	return kms.Reconstruct(shares)
}

func (f *LocalFabric) fetchShare(ctx context.Context, handle interfaces.ShareHandle) (kms.Share, error) {
	key, found := f.holders[handle.Holder]
	if !found {
		return kms.Share{}, fmt.Errorf("no key for holder %s", handle.Holder)
	}

	encrypted, err := f.blobs.Fetch(ctx, handle.Content, interfaces.ShareType)
	if err != nil {
		return kms.Share{}, err
	}

	encoded, err := cryptoutils.DecryptWithPrivateKey(key, encrypted)
	if err != nil {
		return kms.Share{}, fmt.Errorf("decrypting share %d: %w", handle.Index, err)
	}
	defer kms.Wipe(encoded)

	share, err := kms.UnmarshalShare(encoded)
	if err != nil {
		return kms.Share{}, err
	}
	if int(share.X()) != handle.Index {
		return kms.Share{}, fmt.Errorf("share %d carries index %d", handle.Index, share.X())
	}
	return share, nil
}

// LocalAttestorPool signs attestation digests with in-process secp256k1 keys.
type LocalAttestorPool struct {
	mu   sync.RWMutex
	keys map[interfaces.Address]*ecdsa.PrivateKey
	sink interfaces.AttestationSink
	log  *slog.Logger
	wg   sync.WaitGroup
}

func NewLocalAttestorPool(keys []*ecdsa.PrivateKey, log *slog.Logger) *LocalAttestorPool {
	byAddress := make(map[interfaces.Address]*ecdsa.PrivateKey, len(keys))
	for _, key := range keys {
		byAddress[interfaces.Address(crypto.PubkeyToAddress(key.PublicKey))] = key
	}
	return &LocalAttestorPool{keys: byAddress, log: log}
}

// Addresses lists the identities of the pool's attestors.
func (p *LocalAttestorPool) Addresses() []interfaces.Address {
	addrs := make([]interfaces.Address, 0, len(p.keys))
	for addr := range p.keys {
		addrs = append(addrs, addr)
	}
	return addrs
}

// SetSink sets where signatures are delivered.
func (p *LocalAttestorPool) SetSink(sink interfaces.AttestationSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// RequestAttestation has every requested signer the pool holds a key for
// sign the digest in the background.
func (p *LocalAttestorPool) RequestAttestation(ctx context.Context, req interfaces.AttestationRequest) error {
	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()
	if sink == nil {
		return ErrNoSink
	}

	for _, signer := range req.Signers {
		key, found := p.keys[signer]
		if !found {
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()

			runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
			defer cancel()

			sig, err := attestation.Sign(req.Digest, key)
			if err != nil {
				p.log.Error("signing attestation", "vault", req.VaultID, "signer", signer, "err", err)
				return
			}
			if err := sink.SubmitSignature(runCtx, req.VaultID, signer, sig); err != nil {
				p.log.Error("submitting signature", "vault", req.VaultID, "signer", signer, "err", err)
			}
		}()
	}
	return nil
}

// Wait blocks until all background signers have finished.
func (p *LocalAttestorPool) Wait() {
	p.wg.Wait()
}
