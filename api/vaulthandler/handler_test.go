package vaulthandler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/mpc-vault/attestation"
	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/fabric"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/ruteri/mpc-vault/registry"
	"github.com/ruteri/mpc-vault/storage"
	"github.com/ruteri/mpc-vault/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAttestors struct {
	requests chan interfaces.AttestationRequest
}

func (p *recordingAttestors) RequestAttestation(ctx context.Context, req interfaces.AttestationRequest) error {
	p.requests <- req
	return nil
}

type idleFabric struct{}

func (idleFabric) RequestComputation(ctx context.Context, req interfaces.ComputationRequest) error {
	return nil
}

type testEnv struct {
	server       *httptest.Server
	svc          *vault.Service
	attestorKeys []*ecdsa.PrivateKey
	attestors    []interfaces.Address
	fabricKey    *ecdsa.PrivateKey
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func addressOf(key *ecdsa.PrivateKey) interfaces.Address {
	return interfaces.Address(crypto.PubkeyToAddress(key.PublicKey))
}

// setup wires a real vault service behind the handler. When local is set the
// in-process fabric and attestors drive vaults to completion on their own;
// otherwise the fabric is idle and attestation requests are recorded.
func setup(t *testing.T, local bool, pool *recordingAttestors) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{fabricKey: newKey(t)}

	holderKeys := map[interfaces.Address]cryptoutils.PrivateKeyPEM{}
	var cfg vault.Config
	for i := 0; i < 3; i++ {
		pub, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		addr := interfaces.Address{0x20, byte(i)}
		cfg.Holders = append(cfg.Holders, vault.ShareHolder{Address: addr, PublicKey: pub})
		holderKeys[addr] = priv
	}
	for i := 0; i < 3; i++ {
		key := newKey(t)
		env.attestorKeys = append(env.attestorKeys, key)
		env.attestors = append(env.attestors, addressOf(key))
	}
	cfg.Attestors = env.attestors
	cfg.Quorum = 2

	blobs, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	reg, err := registry.NewVaultRegistry(storage.NewMemoryVaultStore(), 0, logger)
	require.NoError(t, err)

	if local {
		fab := fabric.NewLocalFabric(holderKeys, blobs, logger)
		attestors := fabric.NewLocalAttestorPool(env.attestorKeys, logger)
		env.svc, err = vault.NewService(cfg, reg, blobs, fab, attestors, logger)
		require.NoError(t, err)
		fab.SetSink(env.svc)
		attestors.SetSink(env.svc)
		t.Cleanup(func() {
			fab.Wait()
			attestors.Wait()
		})
	} else {
		env.svc, err = vault.NewService(cfg, reg, blobs, idleFabric{}, pool, logger)
		require.NoError(t, err)
	}

	handler := NewHandler(env.svc, NewAuthenticator(0, 0), []interfaces.Address{addressOf(env.fabricKey)}, env.attestors, logger)
	mux := chi.NewRouter()
	handler.RegisterRoutes(mux)
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)

	return env
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.StatusCode
}

func TestVaultAPI_EndToEnd(t *testing.T) {
	env := setup(t, true, nil)
	ctx := context.Background()

	alice := NewClient(env.server.URL, newKey(t))
	bob := NewClient(env.server.URL, newKey(t))
	charlie := NewClient(env.server.URL, newKey(t))

	id, err := alice.CreateVault(ctx, CreateVaultRequest{
		ACL:         []interfaces.Address{alice.Address(), bob.Address()},
		Secret:      []byte{42},
		TotalShares: 3,
		Threshold:   2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view, err := alice.Vault(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "created", view.State)
	assert.Equal(t, alice.Address(), view.Owner)

	_, err = charlie.Vault(ctx, id)
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	assert.Equal(t, http.StatusUnauthorized, statusOf(t, charlie.RequestAccess(ctx, id)))
	require.NoError(t, bob.RequestAccess(ctx, id))

	require.Eventually(t, func() bool {
		v, err := bob.Vault(ctx, id)
		return err == nil && v.State == "attested"
	}, 10*time.Second, 20*time.Millisecond)

	_, priv, err := cryptoutils.RandomRSAKeypair(2048)
	require.NoError(t, err)
	key, err := priv.GetPrivateKey()
	require.NoError(t, err)
	rsaKey := key.(*rsa.PrivateKey)

	_, err = alice.Read(ctx, id, ReadVaultRequest{N: hex.EncodeToString(rsaKey.N.Bytes()), E: rsaKey.E})
	assert.Equal(t, http.StatusConflict, statusOf(t, err), "only the requester receives the value")

	delivery, err := bob.Read(ctx, id, ReadVaultRequest{N: hex.EncodeToString(rsaKey.N.Bytes()), E: rsaKey.E})
	require.NoError(t, err)

	plaintext, err := cryptoutils.DecryptDelivery(priv, delivery.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, plaintext)

	sigs, err := attestation.ParseProof(delivery.Proof)
	require.NoError(t, err)
	assert.Len(t, sigs, 2)

	_, err = bob.Read(ctx, id, ReadVaultRequest{N: hex.EncodeToString(rsaKey.N.Bytes()), E: rsaKey.E})
	assert.Equal(t, http.StatusConflict, statusOf(t, err))
}

func TestVaultAPI_CreateErrors(t *testing.T) {
	env := setup(t, false, &recordingAttestors{requests: make(chan interfaces.AttestationRequest, 1)})
	ctx := context.Background()
	alice := NewClient(env.server.URL, newKey(t))

	_, err := alice.CreateVault(ctx, CreateVaultRequest{Secret: []byte{1}, TotalShares: 3, Threshold: 2})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err), "empty acl")

	_, err = alice.CreateVault(ctx, CreateVaultRequest{ACL: []interfaces.Address{alice.Address()}, Secret: []byte{1}, TotalShares: 3, Threshold: 4})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err), "threshold above share count")

	req := CreateVaultRequest{ID: "fixed", ACL: []interfaces.Address{alice.Address()}, Secret: []byte{1}, TotalShares: 3, Threshold: 2}
	_, err = alice.CreateVault(ctx, req)
	require.NoError(t, err)
	_, err = alice.CreateVault(ctx, req)
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	_, err = alice.Vault(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestVaultAPI_FabricCallbacks(t *testing.T) {
	pool := &recordingAttestors{requests: make(chan interfaces.AttestationRequest, 1)}
	env := setup(t, false, pool)
	ctx := context.Background()

	alice := NewClient(env.server.URL, newKey(t))
	fab := NewClient(env.server.URL, env.fabricKey)
	attestor0 := NewClient(env.server.URL, env.attestorKeys[0])
	attestor1 := NewClient(env.server.URL, env.attestorKeys[1])

	id, err := alice.CreateVault(ctx, CreateVaultRequest{
		ACL: []interfaces.Address{alice.Address()}, Secret: []byte("s3cret"), TotalShares: 3, Threshold: 2,
	})
	require.NoError(t, err)
	require.NoError(t, alice.RequestAccess(ctx, id))

	assert.Equal(t, http.StatusUnauthorized, statusOf(t, alice.CompleteComputation(ctx, id, 1, []byte("forged"))))
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, attestor0.CompleteComputation(ctx, id, 1, []byte("forged"))))

	// A result for another cycle is absorbed without opening attestation.
	require.NoError(t, fab.CompleteComputation(ctx, id, 2, []byte("stale")))
	view, err := alice.Vault(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "computation_requested", view.State)
	assert.Empty(t, pool.requests)

	require.NoError(t, fab.CompleteComputation(ctx, id, 1, []byte("s3cret")))
	req := <-pool.requests
	assert.Equal(t, attestation.Digest(id, []byte("s3cret")), req.Digest)

	sign := func(i int) interfaces.SignerSignature {
		sig, err := attestation.Sign(req.Digest, env.attestorKeys[i])
		require.NoError(t, err)
		return interfaces.SignerSignature{Signer: env.attestors[i], Signature: sig}
	}

	err = alice.SubmitSignatures(ctx, id, []interfaces.SignerSignature{sign(0)})
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err), "non-attestor")

	err = attestor0.SubmitSignatures(ctx, id, []interfaces.SignerSignature{sign(1)})
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err), "attestor submitting for another")

	forged := sign(1)
	forged.Signer = env.attestors[0]
	err = attestor0.SubmitSignatures(ctx, id, []interfaces.SignerSignature{forged})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err), "signature does not recover to signer")

	require.NoError(t, attestor0.SubmitSignatures(ctx, id, []interfaces.SignerSignature{sign(0)}))
	view, err = alice.Vault(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "computed", view.State)

	require.NoError(t, attestor1.SubmitSignatures(ctx, id, []interfaces.SignerSignature{sign(1)}))
	view, err = alice.Vault(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "attested", view.State)
	assert.Equal(t, attestation.EncodeProof([]interfaces.Signature{sign(0).Signature, sign(1).Signature}), view.Proof)

	ecPub, ecPriv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	delivery, err := alice.Read(ctx, id, ReadVaultRequest{PublicKey: string(ecPub)})
	require.NoError(t, err)
	plaintext, err := cryptoutils.DecryptDelivery(ecPriv, delivery.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), plaintext)
}

func TestVaultAPI_Busy(t *testing.T) {
	env := setup(t, false, &recordingAttestors{requests: make(chan interfaces.AttestationRequest, 1)})
	ctx := context.Background()
	alice := NewClient(env.server.URL, newKey(t))

	id, err := alice.CreateVault(ctx, CreateVaultRequest{
		ACL: []interfaces.Address{alice.Address()}, Secret: []byte{1}, TotalShares: 2, Threshold: 1,
	})
	require.NoError(t, err)

	require.NoError(t, alice.RequestAccess(ctx, id))
	assert.Equal(t, http.StatusConflict, statusOf(t, alice.RequestAccess(ctx, id)))
}

func signedRequest(t *testing.T, env *testEnv, key *ecdsa.PrivateKey, method, path string, body []byte) *http.Request {
	t.Helper()
	client := NewClient(env.server.URL, key)
	nonce, err := client.Nonce(context.Background())
	require.NoError(t, err)

	sig, err := SignRequest(key, nonce, method, path, body)
	require.NoError(t, err)

	req, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(CallerHeader, "0x"+client.Address().String())
	req.Header.Set(NonceHeader, nonce)
	req.Header.Set(SignatureHeader, sig)
	return req
}

func do(t *testing.T, req *http.Request) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestAuthentication(t *testing.T) {
	env := setup(t, false, &recordingAttestors{requests: make(chan interfaces.AttestationRequest, 1)})
	key := newKey(t)
	body := []byte(`{"acl":["0x` + addressOf(key).String() + `"],"secret":"AQ==","total_shares":2,"threshold":1}`)

	t.Run("missing headers", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/vaults", bytes.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, do(t, req))
	})

	t.Run("valid then replayed", func(t *testing.T) {
		req := signedRequest(t, env, key, http.MethodPost, "/api/vaults", body)
		replay := req.Clone(context.Background())
		replay.Body = io.NopCloser(bytes.NewReader(body))

		assert.Equal(t, http.StatusCreated, do(t, req))
		assert.Equal(t, http.StatusUnauthorized, do(t, replay))
	})

	t.Run("tampered body", func(t *testing.T) {
		req := signedRequest(t, env, key, http.MethodPost, "/api/vaults", body)
		req.Body = io.NopCloser(bytes.NewReader(bytes.Replace(body, []byte(`"threshold":1`), []byte(`"threshold":2`), 1)))
		req.ContentLength = -1
		assert.Equal(t, http.StatusUnauthorized, do(t, req))
	})

	t.Run("signature from another key", func(t *testing.T) {
		req := signedRequest(t, env, key, http.MethodPost, "/api/vaults", body)
		sig, err := SignRequest(newKey(t), req.Header.Get(NonceHeader), http.MethodPost, "/api/vaults", body)
		require.NoError(t, err)
		req.Header.Set(SignatureHeader, sig)
		assert.Equal(t, http.StatusUnauthorized, do(t, req))
	})

	t.Run("nonce issued to another address", func(t *testing.T) {
		other := NewClient(env.server.URL, newKey(t))
		nonce, err := other.Nonce(context.Background())
		require.NoError(t, err)

		sig, err := SignRequest(key, nonce, http.MethodPost, "/api/vaults", body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/vaults", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(CallerHeader, "0x"+addressOf(key).String())
		req.Header.Set(NonceHeader, nonce)
		req.Header.Set(SignatureHeader, sig)
		assert.Equal(t, http.StatusUnauthorized, do(t, req))
	})

	t.Run("body too large", func(t *testing.T) {
		large := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
		req := signedRequest(t, env, key, http.MethodPost, "/api/vaults", large)
		assert.Equal(t, http.StatusRequestEntityTooLarge, do(t, req))
	})

	t.Run("invalid nonce address", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/nonce/xyz", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, do(t, req))
	})
}

func TestAuthenticator_NonceExpiry(t *testing.T) {
	auth := NewAuthenticator(16, 50*time.Millisecond)
	key := newKey(t)

	nonce, err := auth.IssueNonce(addressOf(key))
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	sig, err := SignRequest(key, nonce, http.MethodGet, "/api/vaults/x", nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/vaults/x", nil)
	req.Header.Set(CallerHeader, "0x"+addressOf(key).String())
	req.Header.Set(NonceHeader, nonce)
	req.Header.Set(SignatureHeader, sig)

	_, _, err = auth.Authenticate(req)
	assert.ErrorIs(t, err, ErrUnknownNonce)
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{interfaces.ErrEmptyACL, http.StatusBadRequest},
		{interfaces.ErrDuplicateMember, http.StatusBadRequest},
		{interfaces.ErrInvalidThreshold, http.StatusBadRequest},
		{interfaces.ErrInsufficientHolders, http.StatusBadRequest},
		{interfaces.ErrEncryptionFailure, http.StatusBadRequest},
		{interfaces.ErrUnauthorized, http.StatusUnauthorized},
		{interfaces.ErrVaultNotFound, http.StatusNotFound},
		{interfaces.ErrBusy, http.StatusConflict},
		{interfaces.ErrVaultExists, http.StatusConflict},
		{interfaces.ErrNotReleased, http.StatusConflict},
		{interfaces.ErrPlaintextTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("context: %w", tc.err)
		assert.Equal(t, tc.code, StatusCode(wrapped), tc.err.Error())
	}
}
