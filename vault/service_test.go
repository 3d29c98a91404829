package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-vault/attestation"
	"github.com/ruteri/mpc-vault/cryptoutils"
	"github.com/ruteri/mpc-vault/fabric"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/ruteri/mpc-vault/registry"
	"github.com/ruteri/mpc-vault/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice   = interfaces.Address{0xa1}
	bob     = interfaces.Address{0xb0}
	charlie = interfaces.Address{0xc0}
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type manualFabric struct {
	mu       sync.Mutex
	requests []interfaces.ComputationRequest
	err      error
}

func (f *manualFabric) RequestComputation(ctx context.Context, req interfaces.ComputationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

type manualAttestors struct {
	mu       sync.Mutex
	requests []interfaces.AttestationRequest
	err      error
}

func (p *manualAttestors) RequestAttestation(ctx context.Context, req interfaces.AttestationRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.requests = append(p.requests, req)
	return nil
}

func (p *manualAttestors) last(t *testing.T) interfaces.AttestationRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.requests)
	return p.requests[len(p.requests)-1]
}

type failingBackend struct {
	interfaces.StorageBackend
}

func (failingBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ContentID{}, errors.New("backend down")
}

type testEnv struct {
	svc          *Service
	registry     *registry.VaultRegistry
	blobs        interfaces.StorageBackend
	holderKeys   map[interfaces.Address]cryptoutils.PrivateKeyPEM
	attestorKeys []*ecdsa.PrivateKey
	attestors    []interfaces.Address
	cfg          Config
}

func newEnv(t *testing.T, holders, attestors, quorum int) *testEnv {
	t.Helper()

	env := &testEnv{holderKeys: make(map[interfaces.Address]cryptoutils.PrivateKeyPEM)}
	for i := 0; i < holders; i++ {
		pub, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		addr := interfaces.Address{0x10, byte(i)}
		env.cfg.Holders = append(env.cfg.Holders, ShareHolder{Address: addr, PublicKey: pub})
		env.holderKeys[addr] = priv
	}
	for i := 0; i < attestors; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		env.attestorKeys = append(env.attestorKeys, key)
		env.attestors = append(env.attestors, interfaces.Address(crypto.PubkeyToAddress(key.PublicKey)))
	}
	env.cfg.Attestors = env.attestors
	env.cfg.Quorum = quorum

	blobs, err := storage.NewFileBackend(t.TempDir(), discard)
	require.NoError(t, err)
	env.blobs = blobs

	env.registry, err = registry.NewVaultRegistry(storage.NewMemoryVaultStore(), 0, discard)
	require.NoError(t, err)
	return env
}

func (env *testEnv) start(t *testing.T, fab interfaces.ComputationFabric, pool interfaces.AttestorPool) *Service {
	t.Helper()
	svc, err := NewService(env.cfg, env.registry, env.blobs, fab, pool, discard)
	require.NoError(t, err)
	env.svc = svc
	return svc
}

func (env *testEnv) sign(t *testing.T, i int, digest [32]byte) interfaces.Signature {
	t.Helper()
	sig, err := attestation.Sign(digest, env.attestorKeys[i])
	require.NoError(t, err)
	return sig
}

func createAB(t *testing.T, svc *Service, secret []byte) interfaces.VaultID {
	t.Helper()
	id, err := svc.CreateVault(context.Background(), CreateRequest{
		Owner:       alice,
		ACL:         []interfaces.Address{alice, bob},
		Secret:      secret,
		TotalShares: 4,
		Threshold:   3,
	})
	require.NoError(t, err)
	return id
}

func TestEndToEnd_LocalFabric(t *testing.T) {
	env := newEnv(t, 4, 4, 3)
	fab := fabric.NewLocalFabric(env.holderKeys, env.blobs, discard)
	pool := fabric.NewLocalAttestorPool(env.attestorKeys, discard)
	svc := env.start(t, fab, pool)
	fab.SetSink(svc)
	pool.SetSink(svc)

	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	view, err := svc.Vault(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, "created", view.State)
	assert.Equal(t, 4, view.TotalShares)
	assert.Empty(t, view.Proof)

	require.NoError(t, svc.RequestAccess(ctx, id, bob))

	require.Eventually(t, func() bool {
		v, err := svc.Vault(ctx, id, bob)
		return err == nil && v.State == "attested"
	}, 10*time.Second, 10*time.Millisecond)
	fab.Wait()
	pool.Wait()

	view, err = svc.Vault(ctx, id, bob)
	require.NoError(t, err)
	assert.Nil(t, view.PendingRequest)
	assert.Equal(t, uint64(1), view.Cycle)

	sigs, err := attestation.ParseProof(view.Proof)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	digest := attestation.Digest(id, []byte{42})
	seen := map[interfaces.Address]bool{}
	for _, sig := range sigs {
		signer, err := attestation.RecoverSigner(digest, sig)
		require.NoError(t, err)
		assert.Contains(t, env.attestors, signer)
		assert.False(t, seen[signer], "each attestor signs once")
		seen[signer] = true
	}

	pub, priv, err := cryptoutils.RandomRSAKeypair(2048)
	require.NoError(t, err)

	_, err = svc.ReadVault(ctx, id, charlie, cryptoutils.RecipientKey{PEM: pub})
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	delivery, err := svc.ReadVault(ctx, id, bob, cryptoutils.RecipientKey{PEM: pub})
	require.NoError(t, err)
	assert.Equal(t, view.Proof, delivery.Proof)

	plaintext, err := cryptoutils.DecryptDelivery(priv, delivery.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, plaintext)

	// One delivery per cycle.
	_, err = svc.ReadVault(ctx, id, bob, cryptoutils.RecipientKey{PEM: pub})
	assert.ErrorIs(t, err, interfaces.ErrNotReleased)
}

func TestCreateVault_Validation(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	svc := env.start(t, &manualFabric{}, &manualAttestors{})
	ctx := context.Background()

	base := CreateRequest{Owner: alice, ACL: []interfaces.Address{alice}, Secret: []byte{1}, TotalShares: 4, Threshold: 3}

	req := base
	req.ACL = nil
	_, err := svc.CreateVault(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrEmptyACL)

	req = base
	req.ACL = []interfaces.Address{alice, bob, alice}
	_, err = svc.CreateVault(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateMember)

	req = base
	req.Threshold = 0
	_, err = svc.CreateVault(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold)

	req = base
	req.Threshold = 5
	_, err = svc.CreateVault(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold)

	req = base
	req.TotalShares, req.Threshold = 5, 3
	_, err = svc.CreateVault(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientHolders)

	req = base
	req.ID = "fixed"
	id, err := svc.CreateVault(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VaultID("fixed"), id)

	_, err = svc.CreateVault(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrVaultExists)

	ids, err := env.registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "failed creations leave no record")
}

func TestCreateVault_StorageFailureLeavesNoRecord(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	env.blobs = failingBackend{}
	svc := env.start(t, &manualFabric{}, &manualAttestors{})

	_, err := svc.CreateVault(context.Background(), CreateRequest{
		ID: "v", Owner: alice, ACL: []interfaces.Address{alice}, Secret: []byte{1}, TotalShares: 4, Threshold: 3,
	})
	require.Error(t, err)

	_, err = env.registry.Get(context.Background(), "v")
	assert.ErrorIs(t, err, interfaces.ErrVaultNotFound)
}

func TestCreateVault_SharesAreEncryptedPerHolder(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	svc := env.start(t, &manualFabric{}, &manualAttestors{})
	ctx := context.Background()

	id := createAB(t, svc, []byte("top secret"))
	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, v.Shares, 4)

	indices := map[int]bool{}
	for i, handle := range v.Shares {
		assert.Equal(t, env.cfg.Holders[i].Address, handle.Holder)
		assert.NotZero(t, handle.Index)
		assert.False(t, indices[handle.Index], "share indices are distinct")
		indices[handle.Index] = true

		blob, err := env.blobs.Fetch(ctx, handle.Content, interfaces.ShareType)
		require.NoError(t, err)
		assert.NotContains(t, string(blob), "top secret")

		_, err = cryptoutils.DecryptWithPrivateKey(env.holderKeys[handle.Holder], blob)
		require.NoError(t, err, "holder can decrypt its own share")

		other := env.cfg.Holders[(i+1)%4].Address
		_, err = cryptoutils.DecryptWithPrivateKey(env.holderKeys[other], blob)
		assert.Error(t, err, "other holders cannot")
	}
}

func TestRequestAccess_Errors(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	fab := &manualFabric{}
	svc := env.start(t, fab, &manualAttestors{})
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	assert.ErrorIs(t, svc.RequestAccess(ctx, "missing", bob), interfaces.ErrVaultNotFound)

	assert.ErrorIs(t, svc.RequestAccess(ctx, id, charlie), interfaces.ErrUnauthorized)
	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateCreated, v.State)
	assert.Empty(t, fab.requests)

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	assert.ErrorIs(t, svc.RequestAccess(ctx, id, alice), interfaces.ErrBusy)
	assert.ErrorIs(t, svc.RequestAccess(ctx, id, bob), interfaces.ErrBusy)

	v, err = env.registry.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, v.PendingRequest)
	assert.Equal(t, bob, *v.PendingRequest, "busy requests do not replace the pending requester")

	require.Len(t, fab.requests, 1)
	req := fab.requests[0]
	assert.Equal(t, id, req.VaultID)
	assert.Equal(t, 3, req.Threshold)
	assert.Equal(t, v.Shares, req.Shares)

	// Still busy while attestation is outstanding.
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))
	assert.ErrorIs(t, svc.RequestAccess(ctx, id, alice), interfaces.ErrBusy)
}

func TestRequestAccess_FabricFailureReverts(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	fab := &manualFabric{err: errors.New("fabric offline")}
	svc := env.start(t, fab, &manualAttestors{})
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	require.Error(t, svc.RequestAccess(ctx, id, bob))

	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateCreated, v.State)
	assert.Nil(t, v.PendingRequest)
	assert.Zero(t, v.Cycle)

	fab.err = nil
	require.NoError(t, svc.RequestAccess(ctx, id, bob))
}

func TestOnComputationComplete(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	pool := &manualAttestors{}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	// Not waiting on the fabric: ignored.
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))
	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateCreated, v.State)
	assert.Empty(t, pool.requests)

	assert.ErrorIs(t, svc.OnComputationComplete(ctx, "missing", 1, []byte{42}), interfaces.ErrVaultNotFound)

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))

	v, err = env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateComputed, v.State)
	req := pool.last(t)
	assert.Equal(t, v.AttestationID, req.ID)
	assert.Equal(t, attestation.Digest(id, []byte{42}), req.Digest)
	assert.ElementsMatch(t, env.attestors, req.Signers)

	// A repeated completion notice changes nothing.
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{43}))
	again, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v.AttestationID, again.AttestationID)
	assert.Len(t, pool.requests, 1)
}

func TestOnComputationComplete_AttestorFailureReverts(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	pool := &manualAttestors{err: errors.New("attestors offline")}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	require.Error(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))

	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateComputationRequested, v.State)

	pool.err = nil
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))
}

func TestSubmitSignature_Quorum(t *testing.T) {
	env := newEnv(t, 4, 4, 3)
	pool := &manualAttestors{}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)
	outsiderAddr := interfaces.Address(crypto.PubkeyToAddress(outsider.PublicKey))

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))
	digest := pool.last(t).Digest

	outsiderSig, err := attestation.Sign(digest, outsider)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.SubmitSignature(ctx, id, outsiderAddr, outsiderSig), interfaces.ErrUnknownSigner)

	// Signature from attestor 1 claimed by attestor 0.
	assert.ErrorIs(t, svc.SubmitSignature(ctx, id, env.attestors[0], env.sign(t, 1, digest)), interfaces.ErrInvalidSignature)

	require.NoError(t, svc.SubmitSignature(ctx, id, env.attestors[3], env.sign(t, 3, digest)))
	require.NoError(t, svc.SubmitSignature(ctx, id, env.attestors[3], env.sign(t, 3, digest)), "duplicate absorbed")
	require.NoError(t, svc.SubmitSignature(ctx, id, env.attestors[0], env.sign(t, 0, digest)))

	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateComputed, v.State)
	assert.Empty(t, v.Proof, "no proof before quorum")

	require.NoError(t, svc.SubmitSignature(ctx, id, env.attestors[2], env.sign(t, 2, digest)))

	v, err = env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateAttested, v.State)
	assert.Nil(t, v.PendingRequest)
	expected := attestation.EncodeProof([]interfaces.Signature{
		env.sign(t, 3, digest), env.sign(t, 0, digest), env.sign(t, 2, digest),
	})
	assert.Equal(t, expected, v.Proof, "signatures appear in acceptance order")

	// Late signature is absorbed without changing the proof.
	require.NoError(t, svc.SubmitSignature(ctx, id, env.attestors[1], env.sign(t, 1, digest)))
	after, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v.Proof, after.Proof)

	// The proof is archived.
	archived, err := env.blobs.Fetch(ctx, interfaces.ComputeID([]byte(v.Proof)), interfaces.ProofType)
	require.NoError(t, err)
	assert.Equal(t, v.Proof, string(archived))
}

func TestOnAttestationComplete_Batch(t *testing.T) {
	env := newEnv(t, 4, 4, 3)
	pool := &manualAttestors{}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))
	digest := pool.last(t).Digest

	err := svc.OnAttestationComplete(ctx, id, []interfaces.SignerSignature{
		{Signer: env.attestors[0], Signature: env.sign(t, 0, digest)},
		{Signer: interfaces.Address{0xee}, Signature: env.sign(t, 1, digest)},
		{Signer: env.attestors[1], Signature: env.sign(t, 1, digest)},
		{Signer: env.attestors[2], Signature: env.sign(t, 2, digest)},
	})
	assert.ErrorIs(t, err, interfaces.ErrUnknownSigner)

	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateAttested, v.State, "valid signatures still reach quorum")

	sigs, err := attestation.ParseProof(v.Proof)
	require.NoError(t, err)
	assert.Len(t, sigs, 3)
}

// attest drives a vault through a full cycle for requester with the given value.
func attest(t *testing.T, env *testEnv, pool *manualAttestors, id interfaces.VaultID, requester interfaces.Address, value []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.svc.RequestAccess(ctx, id, requester))
	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, env.svc.OnComputationComplete(ctx, id, v.Cycle, value))
	digest := pool.last(t).Digest
	for i := 0; i < env.cfg.Quorum; i++ {
		require.NoError(t, env.svc.SubmitSignature(ctx, id, env.attestors[i], env.sign(t, i, digest)))
	}
}

func TestReadVault(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	pool := &manualAttestors{}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()

	secret := make([]byte, 100)
	for i := range secret {
		secret[i] = byte(i)
	}
	id := createAB(t, svc, secret)

	ecPub, ecPriv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	_, err = svc.ReadVault(ctx, "missing", bob, cryptoutils.RecipientKey{PEM: ecPub})
	assert.ErrorIs(t, err, interfaces.ErrVaultNotFound)

	_, err = svc.ReadVault(ctx, id, bob, cryptoutils.RecipientKey{PEM: ecPub})
	assert.ErrorIs(t, err, interfaces.ErrNotReleased, "nothing attested yet")

	attest(t, env, pool, id, bob, secret)

	_, err = svc.ReadVault(ctx, id, charlie, cryptoutils.RecipientKey{PEM: ecPub})
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	_, err = svc.ReadVault(ctx, id, alice, cryptoutils.RecipientKey{PEM: ecPub})
	assert.ErrorIs(t, err, interfaces.ErrNotReleased, "released to bob only")

	// A 1024-bit RSA key carries at most 62 bytes.
	smallPub, _, err := cryptoutils.RandomRSAKeypair(1024)
	require.NoError(t, err)
	_, err = svc.ReadVault(ctx, id, bob, cryptoutils.RecipientKey{PEM: smallPub})
	assert.ErrorIs(t, err, interfaces.ErrPlaintextTooLarge)

	// The failed delivery did not consume the release.
	delivery, err := svc.ReadVault(ctx, id, bob, cryptoutils.RecipientKey{PEM: ecPub})
	require.NoError(t, err)
	plaintext, err := cryptoutils.DecryptDelivery(ecPriv, delivery.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, secret, plaintext)
	assert.Equal(t, uint64(1), delivery.Cycle)
}

func TestRequestAccess_NewCycleAfterAttested(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	pool := &manualAttestors{}
	fab := &manualFabric{}
	svc := env.start(t, fab, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	attest(t, env, pool, id, bob, []byte{42})
	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, v.Proof)

	require.NoError(t, svc.RequestAccess(ctx, id, alice))
	v, err = env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateComputationRequested, v.State)
	assert.Empty(t, v.Proof, "proof exists only while attested")
	assert.Equal(t, uint64(2), v.Cycle)
	assert.Equal(t, uint64(2), fab.requests[1].Cycle)

	// Bob's undelivered release from the previous cycle is gone.
	ecPub, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	_, err = svc.ReadVault(ctx, id, bob, cryptoutils.RecipientKey{PEM: ecPub})
	assert.ErrorIs(t, err, interfaces.ErrNotReleased)
}

func TestExpireStale(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	env.cfg.ComputeTimeout = time.Minute
	env.cfg.AttestationTimeout = time.Minute
	pool := &manualAttestors{}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()

	waitingOnFabric := createAB(t, svc, []byte{1})
	waitingOnAttestors := createAB(t, svc, []byte{2})
	idle := createAB(t, svc, []byte{3})

	require.NoError(t, svc.RequestAccess(ctx, waitingOnFabric, bob))
	require.NoError(t, svc.RequestAccess(ctx, waitingOnAttestors, bob))
	require.NoError(t, svc.OnComputationComplete(ctx, waitingOnAttestors, 1, []byte{2}))
	digest := pool.last(t).Digest

	assert.Zero(t, svc.ExpireStale(ctx, time.Now()), "nothing stale yet")
	assert.Equal(t, 2, svc.ExpireStale(ctx, time.Now().Add(2*time.Minute)))

	for _, id := range []interfaces.VaultID{waitingOnFabric, waitingOnAttestors, idle} {
		v, err := env.registry.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, interfaces.StateCreated, v.State, "vault %s", id)
		assert.Nil(t, v.PendingRequest)
	}

	// Signatures for the expired attestation are absorbed.
	require.NoError(t, svc.SubmitSignature(ctx, waitingOnAttestors, env.attestors[0], env.sign(t, 0, digest)))

	// A late fabric result for the reset vault is ignored.
	require.NoError(t, svc.OnComputationComplete(ctx, waitingOnFabric, 1, []byte{1}))
	v, err := env.registry.Get(ctx, waitingOnFabric)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateCreated, v.State)

	// The vault can be requested again.
	require.NoError(t, svc.RequestAccess(ctx, waitingOnAttestors, alice))
}

func TestExpireStale_AttestationLostInRestart(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	env.cfg.ComputeTimeout = time.Minute
	env.cfg.AttestationTimeout = time.Minute
	pool := &manualAttestors{}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))
	digest := pool.last(t).Digest

	// A new process over the same registry has no open attestations.
	restarted := env.start(t, &manualFabric{}, pool)
	assert.ErrorIs(t, restarted.RequestAccess(ctx, id, bob), interfaces.ErrBusy)

	assert.Equal(t, 1, restarted.ExpireStale(ctx, time.Now()), "lost attestations are reset without waiting for the timeout")
	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateCreated, v.State)
	assert.Nil(t, v.PendingRequest)
	assert.Empty(t, v.AttestationID)

	require.NoError(t, restarted.SubmitSignature(ctx, id, env.attestors[0], env.sign(t, 0, digest)), "signatures for the lost attestation are absorbed")
	require.NoError(t, restarted.RequestAccess(ctx, id, bob))
}

func TestExpireStale_ComputedPastTimeout(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	pool := &manualAttestors{}
	svc := env.start(t, &manualFabric{}, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{42}))

	// Without timeouts an open attestation is left alone.
	assert.Zero(t, svc.ExpireStale(ctx, time.Now().Add(time.Hour)))

	svc.cfg.AttestationTimeout = time.Minute
	assert.Equal(t, 1, svc.ExpireStale(ctx, time.Now().Add(time.Hour)))
	_, found := svc.collector.Lookup(id)
	assert.False(t, found, "reset closes the open attestation")
}

func TestOnComputationComplete_IgnoresOtherCycles(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	env.cfg.ComputeTimeout = time.Minute
	pool := &manualAttestors{}
	fab := &manualFabric{}
	svc := env.start(t, fab, pool)
	ctx := context.Background()
	id := createAB(t, svc, []byte{42})

	require.NoError(t, svc.RequestAccess(ctx, id, bob))
	require.Equal(t, 1, svc.ExpireStale(ctx, time.Now().Add(2*time.Minute)))
	require.NoError(t, svc.RequestAccess(ctx, id, alice))
	require.Len(t, fab.requests, 2)
	assert.Equal(t, uint64(2), fab.requests[1].Cycle)

	// The first cycle's result arrives late.
	require.NoError(t, svc.OnComputationComplete(ctx, id, 1, []byte{99}))
	v, err := env.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateComputationRequested, v.State)
	assert.Empty(t, pool.requests)

	require.NoError(t, svc.OnComputationComplete(ctx, id, 2, []byte{42}))
	assert.Equal(t, attestation.Digest(id, []byte{42}), pool.last(t).Digest)
}

func TestVaultView_Authorization(t *testing.T) {
	env := newEnv(t, 4, 3, 2)
	svc := env.start(t, &manualFabric{}, &manualAttestors{})
	ctx := context.Background()

	id, err := svc.CreateVault(ctx, CreateRequest{
		Owner: alice, ACL: []interfaces.Address{bob}, Secret: []byte{1}, TotalShares: 2, Threshold: 1,
	})
	require.NoError(t, err)

	_, err = svc.Vault(ctx, id, alice)
	assert.NoError(t, err, "owner may view")
	_, err = svc.Vault(ctx, id, bob)
	assert.NoError(t, err)
	_, err = svc.Vault(ctx, id, charlie)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
	_, err = svc.Vault(ctx, "missing", alice)
	assert.ErrorIs(t, err, interfaces.ErrVaultNotFound)

	// The owner is not implicitly on the access list.
	assert.ErrorIs(t, svc.RequestAccess(ctx, id, alice), interfaces.ErrUnauthorized)
}

func TestNewService_Config(t *testing.T) {
	env := newEnv(t, 0, 3, 2)
	_, err := NewService(env.cfg, env.registry, env.blobs, &manualFabric{}, &manualAttestors{}, discard)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientHolders)

	env = newEnv(t, 2, 3, 4)
	_, err = NewService(env.cfg, env.registry, env.blobs, &manualFabric{}, &manualAttestors{}, discard)
	assert.ErrorIs(t, err, attestation.ErrInvalidQuorum)
}
