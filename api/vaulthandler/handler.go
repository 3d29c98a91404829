package vaulthandler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/mpc-vault/attestation"
	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/ruteri/mpc-vault/vault"
)

// MaxBodyBytes bounds every request body.
const MaxBodyBytes = 1 << 20

// VaultService is the part of vault.Service the handler drives.
type VaultService interface {
	CreateVault(ctx context.Context, req vault.CreateRequest) (interfaces.VaultID, error)
	Vault(ctx context.Context, id interfaces.VaultID, caller interfaces.Address) (*vault.View, error)
	RequestAccess(ctx context.Context, id interfaces.VaultID, requester interfaces.Address) error
	ReadVault(ctx context.Context, id interfaces.VaultID, caller interfaces.Address, recipient cryptoutils.RecipientKey) (*vault.Delivery, error)
	OnComputationComplete(ctx context.Context, id interfaces.VaultID, cycle uint64, value []byte) error
	OnAttestationComplete(ctx context.Context, id interfaces.VaultID, sigs []interfaces.SignerSignature) error
}

// Handler serves the vault API. Members and owners act on vaults; the
// computation fabric and attestors report results through the fabric routes.
type Handler struct {
	svc       VaultService
	auth      *Authenticator
	fabric    []interfaces.Address
	attestors []interfaces.Address
	log       *slog.Logger
}

// NewHandler creates a handler. fabric lists the identities allowed to report
// computation results; attestors, along with fabric, may submit signatures.
func NewHandler(svc VaultService, auth *Authenticator, fabric, attestors []interfaces.Address, log *slog.Logger) *Handler {
	return &Handler{
		svc:       svc,
		auth:      auth,
		fabric:    fabric,
		attestors: attestors,
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/nonce/{address}", h.HandleNonce)

	r.Post("/api/vaults", h.authenticated(h.HandleCreate))
	r.Get("/api/vaults/{id}", h.authenticated(h.HandleView))
	r.Post("/api/vaults/{id}/access", h.authenticated(h.HandleAccess))
	r.Post("/api/vaults/{id}/read", h.authenticated(h.HandleRead))

	r.Post("/api/fabric/vaults/{id}/complete", h.authenticated(h.HandleComputationComplete))
	r.Post("/api/fabric/vaults/{id}/signatures", h.authenticated(h.HandleSignatures))
}

type callerKey struct{}

func callerFrom(ctx context.Context) interfaces.Address {
	caller, _ := ctx.Value(callerKey{}).(interfaces.Address)
	return caller
}

// authenticated verifies the signed request headers and passes the caller on
// through the request context.
func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

		caller, _, err := h.auth.Authenticate(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			h.log.Debug("authentication failed", "path", r.URL.Path, "err", err)
			http.Error(w, fmt.Errorf("unauthorized: %w", err).Error(), http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	}
}

// HandleNonce issues a one-time nonce for the address.
//
// URL format: GET /api/nonce/{address}
func (h *Handler) HandleNonce(w http.ResponseWriter, r *http.Request) {
	addr, err := interfaces.NewAddressFromHex(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid address: %w", err).Error(), http.StatusBadRequest)
		return
	}

	nonce, err := h.auth.IssueNonce(addr)
	if err != nil {
		h.log.Error("failed to issue nonce", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, NonceResponse{Address: addr, Nonce: nonce})
}

// HandleCreate registers a vault owned by the caller.
//
// URL format: POST /api/vaults
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateVaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	id, err := h.svc.CreateVault(r.Context(), vault.CreateRequest{
		ID:          req.ID,
		Owner:       callerFrom(r.Context()),
		ACL:         req.ACL,
		Secret:      req.Secret,
		TotalShares: req.TotalShares,
		Threshold:   req.Threshold,
	})
	clear(req.Secret)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateVaultResponse{ID: id})
}

// HandleView returns the vault's public record.
//
// URL format: GET /api/vaults/{id}
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Vault(r.Context(), vaultID(r), callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleAccess starts a computation cycle for the caller.
//
// URL format: POST /api/vaults/{id}/access
func (h *Handler) HandleAccess(w http.ResponseWriter, r *http.Request) {
	id := vaultID(r)
	if err := h.svc.RequestAccess(r.Context(), id, callerFrom(r.Context())); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{VaultID: id, Status: interfaces.StateComputationRequested.String()})
}

// HandleRead delivers the attested value encrypted under the supplied key.
//
// URL format: POST /api/vaults/{id}/read
// Body: {"public_key": "<PEM>"} or {"n": "<hex modulus>", "e": 65537}
func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	var req ReadVaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	recipient, err := req.RecipientKey()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	delivery, err := h.svc.ReadVault(r.Context(), vaultID(r), callerFrom(r.Context()), recipient)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

// HandleComputationComplete receives a reconstructed value from the fabric.
//
// URL format: POST /api/fabric/vaults/{id}/complete
func (h *Handler) HandleComputationComplete(w http.ResponseWriter, r *http.Request) {
	if !slices.Contains(h.fabric, callerFrom(r.Context())) {
		http.Error(w, "caller is not a computation fabric", http.StatusUnauthorized)
		return
	}

	var req ComputationCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	id := vaultID(r)
	err := h.svc.OnComputationComplete(r.Context(), id, req.Cycle, req.Value)
	clear(req.Value)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{VaultID: id, Status: "accepted"})
}

// HandleSignatures receives attestor signatures for the vault's open
// attestation. Attestors may only submit their own signatures.
//
// URL format: POST /api/fabric/vaults/{id}/signatures
func (h *Handler) HandleSignatures(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	relay := slices.Contains(h.fabric, caller)
	if !relay && !slices.Contains(h.attestors, caller) {
		http.Error(w, "caller is not an attestor", http.StatusUnauthorized)
		return
	}

	var req SignaturesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}
	if len(req.Signatures) == 0 {
		http.Error(w, "no signatures", http.StatusBadRequest)
		return
	}

	sigs := make([]interfaces.SignerSignature, len(req.Signatures))
	for i, entry := range req.Signatures {
		if !relay && entry.Signer != caller {
			http.Error(w, "attestors may only submit their own signatures", http.StatusUnauthorized)
			return
		}
		sig, err := attestation.DecodeSignature(entry.Signature)
		if err != nil {
			http.Error(w, fmt.Errorf("signature %d: %w", i, err).Error(), http.StatusBadRequest)
			return
		}
		sigs[i] = interfaces.SignerSignature{Signer: entry.Signer, Signature: sig}
	}

	id := vaultID(r)
	if err := h.svc.OnAttestationComplete(r.Context(), id, sigs); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{VaultID: id, Status: "accepted"})
}

func vaultID(r *http.Request) interfaces.VaultID {
	return interfaces.VaultID(chi.URLParam(r, "id"))
}

// StatusCode maps service errors onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrVaultNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrBusy),
		errors.Is(err, interfaces.ErrVaultExists),
		errors.Is(err, interfaces.ErrNotReleased):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrPlaintextTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, interfaces.ErrEmptyACL),
		errors.Is(err, interfaces.ErrDuplicateMember),
		errors.Is(err, interfaces.ErrInvalidThreshold),
		errors.Is(err, interfaces.ErrInsufficientHolders),
		errors.Is(err, interfaces.ErrUnknownSigner),
		errors.Is(err, interfaces.ErrInvalidSignature),
		errors.Is(err, interfaces.ErrEncryptionFailure):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "err", err)
		http.Error(w, "internal server error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// RecipientKey converts the request into a delivery key.
func (req ReadVaultRequest) RecipientKey() (cryptoutils.RecipientKey, error) {
	if req.PublicKey != "" {
		pem, err := cryptoutils.NewPublicKeyPEM([]byte(req.PublicKey))
		if err != nil {
			return cryptoutils.RecipientKey{}, fmt.Errorf("invalid public key: %w", err)
		}
		return cryptoutils.RecipientKey{PEM: pem}, nil
	}

	if req.N == "" {
		return cryptoutils.RecipientKey{}, errors.New("either public_key or n must be set")
	}
	modulus, err := hex.DecodeString(strings.TrimPrefix(req.N, "0x"))
	if err != nil {
		return cryptoutils.RecipientKey{}, fmt.Errorf("invalid modulus: %w", err)
	}
	e := req.E
	if e == 0 {
		e = 65537
	}
	return cryptoutils.RecipientKey{Modulus: modulus, Exponent: e}, nil
}
