package attestation

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/mpc-vault/interfaces"
)

var (
	ErrUnknownRequest = errors.New("unknown attestation request")
	ErrInvalidQuorum  = errors.New("invalid attestation quorum")
)

// Request tracks signature collection for one released value.
type Request struct {
	ID       string
	VaultID  interfaces.VaultID
	Digest   [32]byte
	Signers  []interfaces.Address
	Quorum   int
	Deadline time.Time

	accepted []interfaces.SignerSignature
	complete bool
}

// Signatures returns the accepted signatures in acceptance order.
func (r *Request) Signatures() []interfaces.SignerSignature {
	return slices.Clone(r.accepted)
}

// Complete reports whether the quorum has been reached.
func (r *Request) Complete() bool {
	return r.complete
}

func (r *Request) clone() *Request {
	c := *r
	c.Signers = slices.Clone(r.Signers)
	c.accepted = slices.Clone(r.accepted)
	return &c
}

// Collector gathers attestor signatures until a quorum is met. It holds at
// most one open request per vault; beginning a new one replaces the old.
type Collector struct {
	mu      sync.Mutex
	byID    map[string]*Request
	byVault map[interfaces.VaultID]string
}

func NewCollector() *Collector {
	return &Collector{
		byID:    make(map[string]*Request),
		byVault: make(map[interfaces.VaultID]string),
	}
}

// Begin opens a collection request and returns a snapshot of it.
func (c *Collector) Begin(vaultID interfaces.VaultID, digest [32]byte, signers []interfaces.Address, quorum int, deadline time.Time) (*Request, error) {
	if quorum < 1 || quorum > len(signers) {
		return nil, fmt.Errorf("%w: quorum %d of %d signers", ErrInvalidQuorum, quorum, len(signers))
	}

	req := &Request{
		ID:       uuid.New().String(),
		VaultID:  vaultID,
		Digest:   digest,
		Signers:  slices.Clone(signers),
		Quorum:   quorum,
		Deadline: deadline,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, found := c.byVault[vaultID]; found {
		delete(c.byID, prev)
	}
	c.byID[req.ID] = req
	c.byVault[vaultID] = req.ID

	return req.clone(), nil
}

// Accept records a signature. It returns true exactly once per request, on the
// call that first brings the request to quorum. Repeated signers and
// signatures arriving after quorum are absorbed.
func (c *Collector) Accept(id string, signer interfaces.Address, sig interfaces.Signature) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, found := c.byID[id]
	if !found {
		return false, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	if !slices.Contains(req.Signers, signer) {
		return false, fmt.Errorf("%w: %s", interfaces.ErrUnknownSigner, signer)
	}

	if req.complete {
		return false, nil
	}

	if slices.ContainsFunc(req.accepted, func(s interfaces.SignerSignature) bool { return s.Signer == signer }) {
		return false, nil
	}

	if req.Digest != ([32]byte{}) {
		recovered, err := RecoverSigner(req.Digest, sig)
		if err != nil {
			return false, err
		}
		if recovered != signer {
			return false, fmt.Errorf("%w: signature recovers to %s, not %s", interfaces.ErrInvalidSignature, recovered, signer)
		}
	}

	req.accepted = append(req.accepted, interfaces.SignerSignature{Signer: signer, Signature: sig})
	if len(req.accepted) >= req.Quorum {
		req.complete = true
		return true, nil
	}
	return false, nil
}

// Get returns a snapshot of a request by id.
func (c *Collector) Get(id string) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, found := c.byID[id]
	if !found {
		return nil, false
	}
	return req.clone(), true
}

// Lookup returns a snapshot of the open request for a vault.
func (c *Collector) Lookup(vaultID interfaces.VaultID) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, found := c.byVault[vaultID]
	if !found {
		return nil, false
	}
	return c.byID[id].clone(), true
}

// Finish discards a request.
func (c *Collector) Finish(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, found := c.byID[id]
	if !found {
		return
	}
	delete(c.byID, id)
	if c.byVault[req.VaultID] == id {
		delete(c.byVault, req.VaultID)
	}
}

// Expired removes and returns every incomplete request whose deadline is before now.
func (c *Collector) Expired(now time.Time) []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*Request
	for id, req := range c.byID {
		if req.complete || req.Deadline.IsZero() || !req.Deadline.Before(now) {
			continue
		}
		expired = append(expired, req.clone())
		delete(c.byID, id)
		if c.byVault[req.VaultID] == id {
			delete(c.byVault, req.VaultID)
		}
	}
	return expired
}
