package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ruteri/mpc-vault/attestation"
	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/ruteri/mpc-vault/kms"
	"github.com/ruteri/mpc-vault/metrics"
	"github.com/ruteri/mpc-vault/registry"
)

// Service drives every vault through create, request, compute, attest and
// read. All transitions are serialized by one lock. Outbound fabric and
// attestor calls are made while holding it, so implementations must deliver
// their results asynchronously.
type Service struct {
	mu sync.Mutex

	cfg       Config
	registry  *registry.VaultRegistry
	blobs     interfaces.StorageBackend
	fabric    interfaces.ComputationFabric
	attestors interfaces.AttestorPool
	collector *attestation.Collector

	// computed values awaiting attestation, keyed by vault
	pending map[interfaces.VaultID]*release
	// attested values awaiting delivery, keyed by vault
	released map[interfaces.VaultID]*release

	log *slog.Logger
	now func() time.Time
}

func NewService(cfg Config, reg *registry.VaultRegistry, blobs interfaces.StorageBackend, fabric interfaces.ComputationFabric, attestors interfaces.AttestorPool, log *slog.Logger) (*Service, error) {
	if len(cfg.Holders) == 0 {
		return nil, fmt.Errorf("%w: no share holders configured", interfaces.ErrInsufficientHolders)
	}
	for i, holder := range cfg.Holders {
		if err := holder.PublicKey.Validate(); err != nil {
			return nil, fmt.Errorf("share holder %d (%s): %w", i, holder.Address, err)
		}
	}
	if cfg.Quorum < 1 || cfg.Quorum > len(cfg.Attestors) {
		return nil, fmt.Errorf("%w: %d of %d attestors", attestation.ErrInvalidQuorum, cfg.Quorum, len(cfg.Attestors))
	}

	return &Service{
		cfg:       cfg,
		registry:  reg,
		blobs:     blobs,
		fabric:    fabric,
		attestors: attestors,
		collector: attestation.NewCollector(),
		pending:   make(map[interfaces.VaultID]*release),
		released:  make(map[interfaces.VaultID]*release),
		log:       log,
		now:       time.Now,
	}, nil
}

// CreateVault splits the secret, encrypts share i to holder i, stores the
// encrypted shares and registers the vault in the Created state. On any
// failure no vault is registered.
func (s *Service) CreateVault(ctx context.Context, req CreateRequest) (interfaces.VaultID, error) {
	if err := interfaces.ValidateACL(req.ACL); err != nil {
		return "", err
	}
	if req.Threshold < 1 || req.Threshold > req.TotalShares || req.TotalShares > kms.MaxShares {
		return "", fmt.Errorf("%w: threshold %d with %d shares", interfaces.ErrInvalidThreshold, req.Threshold, req.TotalShares)
	}
	if req.TotalShares > len(s.cfg.Holders) {
		return "", fmt.Errorf("%w: %d shares requested, %d holders", interfaces.ErrInsufficientHolders, req.TotalShares, len(s.cfg.Holders))
	}

	shares, err := kms.Split(req.Secret, req.TotalShares, req.Threshold)
	if err != nil {
		return "", err
	}
	defer func() {
		for _, share := range shares {
			kms.Wipe(share.Value)
		}
	}()

	handles := make([]interfaces.ShareHandle, len(shares))
	for i, share := range shares {
		holder := s.cfg.Holders[i]

		encoded, err := kms.MarshalShare(share)
		if err != nil {
			return "", err
		}
		encrypted, err := cryptoutils.EncryptWithPublicKey(holder.PublicKey, encoded)
		kms.Wipe(encoded)
		if err != nil {
			return "", fmt.Errorf("encrypting share %d to %s: %w", i, holder.Address, err)
		}

		contentID, err := s.blobs.Store(ctx, encrypted, interfaces.ShareType)
		if err != nil {
			return "", fmt.Errorf("storing share %d: %w", i, err)
		}

		handles[i] = interfaces.ShareHandle{
			Index:   int(share.X()),
			Holder:  holder.Address,
			Content: contentID,
		}
	}

	id, err := s.registry.Create(ctx, &interfaces.Vault{
		ID:        req.ID,
		Owner:     req.Owner,
		ACL:       slices.Clone(req.ACL),
		Shares:    handles,
		Threshold: req.Threshold,
		State:     interfaces.StateCreated,
	})
	if err != nil {
		return "", err
	}

	metrics.VaultsCreated.Inc()
	s.log.Info("vault created",
		slog.String("vault", id.String()),
		slog.Int("shares", len(handles)),
		slog.Int("threshold", req.Threshold),
		slog.Int("acl", len(req.ACL)))

	return id, nil
}

// Vault returns the public view of a vault to its owner or an ACL member.
func (s *Service) Vault(ctx context.Context, id interfaces.VaultID, caller interfaces.Address) (*View, error) {
	v, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != v.Owner && !v.IsMember(caller) {
		return nil, interfaces.ErrUnauthorized
	}
	return newView(v), nil
}

// RequestAccess starts a new computation cycle for requester. A vault with a
// computation or attestation in flight is busy.
func (s *Service) RequestAccess(ctx context.Context, id interfaces.VaultID, requester interfaces.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if !v.IsMember(requester) {
		return interfaces.ErrUnauthorized
	}
	if v.State == interfaces.StateComputationRequested || v.State == interfaces.StateComputed {
		return interfaces.ErrBusy
	}

	previous := v.Clone()

	v.State = interfaces.StateComputationRequested
	v.PendingRequest = &requester
	v.Proof = ""
	v.AttestationID = ""
	v.Cycle++
	if err := s.registry.Update(ctx, v); err != nil {
		return err
	}

	err = s.fabric.RequestComputation(ctx, interfaces.ComputationRequest{
		VaultID:   v.ID,
		Cycle:     v.Cycle,
		Threshold: v.Threshold,
		Shares:    v.Shares,
	})
	if err != nil {
		if revertErr := s.registry.Update(ctx, previous); revertErr != nil {
			s.log.Error("failed to revert vault after fabric error", "vault", id, "err", revertErr)
		}
		return fmt.Errorf("requesting computation: %w", err)
	}

	s.dropRelease(s.released, id)

	metrics.AccessRequests.Inc()
	s.log.Info("access requested",
		slog.String("vault", id.String()),
		slog.String("requester", requester.String()),
		slog.Uint64("cycle", v.Cycle))

	return nil
}

// OnComputationComplete accepts the fabric's result for the in-flight request
// and opens attestation over it. Notices for vaults not waiting on the fabric,
// or for a cycle other than the current one, are ignored.
func (s *Service) OnComputationComplete(ctx context.Context, id interfaces.VaultID, cycle uint64, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if v.State != interfaces.StateComputationRequested || v.PendingRequest == nil {
		s.log.Debug("ignoring computation result", "vault", id, "state", v.State)
		return nil
	}
	if cycle != v.Cycle {
		s.log.Debug("ignoring computation result from another cycle", "vault", id, "cycle", cycle, "current", v.Cycle)
		return nil
	}

	previous := v.Clone()
	digest := attestation.Digest(id, value)

	var deadline time.Time
	if s.cfg.AttestationTimeout > 0 {
		deadline = s.now().Add(s.cfg.AttestationTimeout)
	}
	req, err := s.collector.Begin(id, digest, s.cfg.Attestors, s.cfg.Quorum, deadline)
	if err != nil {
		return err
	}

	v.State = interfaces.StateComputed
	v.AttestationID = req.ID
	if err := s.registry.Update(ctx, v); err != nil {
		s.collector.Finish(req.ID)
		return err
	}

	err = s.attestors.RequestAttestation(ctx, interfaces.AttestationRequest{
		ID:      req.ID,
		VaultID: id,
		Digest:  digest,
		Signers: req.Signers,
	})
	if err != nil {
		s.collector.Finish(req.ID)
		if revertErr := s.registry.Update(ctx, previous); revertErr != nil {
			s.log.Error("failed to revert vault after attestor error", "vault", id, "err", revertErr)
		}
		return fmt.Errorf("requesting attestation: %w", err)
	}

	s.dropRelease(s.pending, id)
	s.pending[id] = &release{
		requester: *v.PendingRequest,
		cycle:     v.Cycle,
		value:     slices.Clone(value),
	}

	metrics.ComputationsCompleted.Inc()
	s.log.Info("computation complete, attestation requested",
		slog.String("vault", id.String()),
		slog.String("attestation", req.ID),
		slog.Uint64("cycle", v.Cycle))

	return nil
}

// SubmitSignature feeds one attestor signature for the vault's open
// attestation. Duplicates and signatures arriving after the quorum are absorbed.
func (s *Service) SubmitSignature(ctx context.Context, id interfaces.VaultID, signer interfaces.Address, sig interfaces.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.acceptSignature(ctx, id, signer, sig)
}

// OnAttestationComplete feeds a batch of signatures. Valid signatures are
// accepted even if others in the batch are rejected.
func (s *Service) OnAttestationComplete(ctx context.Context, id interfaces.VaultID, sigs []interfaces.SignerSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, ss := range sigs {
		err := s.acceptSignature(ctx, id, ss.Signer, ss.Signature)
		if errors.Is(err, interfaces.ErrVaultNotFound) {
			return err
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) acceptSignature(ctx context.Context, id interfaces.VaultID, signer interfaces.Address, sig interfaces.Signature) error {
	v, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	req, found := s.collector.Lookup(id)
	if !found || v.State != interfaces.StateComputed || req.ID != v.AttestationID {
		if !slices.Contains(s.cfg.Attestors, signer) {
			return fmt.Errorf("%w: %s", interfaces.ErrUnknownSigner, signer)
		}
		s.log.Debug("absorbing late signature", "vault", id, "signer", signer)
		return nil
	}

	complete, err := s.collector.Accept(req.ID, signer, sig)
	if err != nil {
		return err
	}
	if !complete {
		// A previous finalization may have failed to persist.
		snapshot, found := s.collector.Get(req.ID)
		if !found || !snapshot.Complete() {
			return nil
		}
	}

	return s.finalize(ctx, v, req.ID)
}

func (s *Service) finalize(ctx context.Context, v *interfaces.Vault, requestID string) error {
	req, found := s.collector.Get(requestID)
	if !found {
		return nil
	}

	accepted := req.Signatures()
	sigs := make([]interfaces.Signature, len(accepted))
	for i, ss := range accepted {
		sigs[i] = ss.Signature
	}
	proof := attestation.EncodeProof(sigs)

	v.State = interfaces.StateAttested
	v.Proof = proof
	v.PendingRequest = nil
	if err := s.registry.Update(ctx, v); err != nil {
		return err
	}
	s.collector.Finish(requestID)

	if rel, found := s.pending[v.ID]; found {
		delete(s.pending, v.ID)
		s.dropRelease(s.released, v.ID)
		s.released[v.ID] = rel
	}

	if _, err := s.blobs.Store(ctx, []byte(proof), interfaces.ProofType); err != nil {
		s.log.Warn("failed to archive proof", "vault", v.ID, "err", err)
	}

	metrics.AttestationsCompleted.Inc()
	s.log.Info("value attested",
		slog.String("vault", v.ID.String()),
		slog.Int("signatures", len(sigs)),
		slog.Uint64("cycle", v.Cycle))

	return nil
}

// ReadVault delivers the attested value to the member who requested it,
// encrypted under recipient. The value is wiped after a successful delivery.
func (s *Service) ReadVault(ctx context.Context, id interfaces.VaultID, caller interfaces.Address, recipient cryptoutils.RecipientKey) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.IsMember(caller) {
		return nil, interfaces.ErrUnauthorized
	}

	rel, found := s.released[id]
	if !found || v.State != interfaces.StateAttested || rel.requester != caller || rel.cycle != v.Cycle {
		return nil, interfaces.ErrNotReleased
	}

	ciphertext, err := cryptoutils.EncryptForDelivery(rel.value, recipient)
	if err != nil {
		return nil, err
	}

	s.dropRelease(s.released, id)

	metrics.Deliveries.Inc()
	s.log.Info("value delivered",
		slog.String("vault", id.String()),
		slog.String("caller", caller.String()),
		slog.Uint64("cycle", v.Cycle))

	return &Delivery{
		VaultID:    id,
		Cycle:      v.Cycle,
		Ciphertext: ciphertext,
		Proof:      v.Proof,
	}, nil
}

// ExpireStale returns vaults stuck waiting on the fabric or on attestors to
// the Created state. It reports how many vaults were reset.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0

	for _, req := range s.collector.Expired(now) {
		v, err := s.registry.Get(ctx, req.VaultID)
		if err != nil {
			s.log.Warn("expired attestation for unknown vault", "vault", req.VaultID, "err", err)
			continue
		}
		if v.State != interfaces.StateComputed || v.AttestationID != req.ID {
			continue
		}
		if s.reset(ctx, v, "attestation timed out") {
			reset++
		}
	}

	ids, err := s.registry.List(ctx)
	if err != nil {
		s.log.Error("failed to list vaults", "err", err)
		return reset
	}
	for _, id := range ids {
		v, err := s.registry.Get(ctx, id)
		if err != nil {
			continue
		}
		if reason := s.staleReason(v, now); reason != "" && s.reset(ctx, v, reason) {
			reset++
		}
	}

	return reset
}

// staleReason reports why v can no longer make progress, or "" if it can.
// A Computed vault whose attestation is not open in this process lost it in a
// restart and can never reach quorum.
func (s *Service) staleReason(v *interfaces.Vault, now time.Time) string {
	age := now.Sub(v.UpdatedAt)
	switch v.State {
	case interfaces.StateComputationRequested:
		if s.cfg.ComputeTimeout > 0 && age >= s.cfg.ComputeTimeout {
			return "computation timed out"
		}
	case interfaces.StateComputed:
		if _, found := s.collector.Get(v.AttestationID); !found {
			return "attestation lost"
		}
		if s.cfg.AttestationTimeout > 0 && age >= s.cfg.AttestationTimeout {
			return "attestation timed out"
		}
	}
	return ""
}

func (s *Service) reset(ctx context.Context, v *interfaces.Vault, reason string) bool {
	if v.AttestationID != "" {
		s.collector.Finish(v.AttestationID)
	}
	v.State = interfaces.StateCreated
	v.PendingRequest = nil
	v.AttestationID = ""
	v.Proof = ""
	if err := s.registry.Update(ctx, v); err != nil {
		s.log.Error("failed to reset stale vault", "vault", v.ID, "err", err)
		return false
	}
	s.dropRelease(s.pending, v.ID)

	metrics.StaleResets.Inc()
	s.log.Warn("stale vault reset", slog.String("vault", v.ID.String()), slog.String("reason", reason))
	return true
}

// RunExpiry calls ExpireStale every interval until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ExpireStale(ctx, now)
		}
	}
}

func (s *Service) dropRelease(m map[interfaces.VaultID]*release, id interfaces.VaultID) {
	if rel, found := m[id]; found {
		kms.Wipe(rel.value)
		delete(m, id)
	}
}
