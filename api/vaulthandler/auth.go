package vaulthandler

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruteri/mpc-vault/interfaces"
)

const (
	CallerHeader    = "X-Vault-Caller"
	NonceHeader     = "X-Vault-Nonce"
	SignatureHeader = "X-Vault-Signature"

	DefaultNonceTTL   = 5 * time.Minute
	DefaultNonceLimit = 4096
)

var (
	ErrMissingAuth  = errors.New("missing authentication headers")
	ErrUnknownNonce = errors.New("unknown or expired nonce")
	ErrBadSignature = errors.New("request signature does not match caller")
)

// Authenticator issues one-time nonces and verifies signed requests.
type Authenticator struct {
	nonces *expirable.LRU[string, interfaces.Address]
}

func NewAuthenticator(size int, ttl time.Duration) *Authenticator {
	if size <= 0 {
		size = DefaultNonceLimit
	}
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &Authenticator{
		nonces: expirable.NewLRU[string, interfaces.Address](size, nil, ttl),
	}
}

// IssueNonce returns a fresh nonce bound to addr.
func (a *Authenticator) IssueNonce(addr interfaces.Address) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw[:])
	a.nonces.Add(nonce, addr)
	return nonce, nil
}

// RequestDigest is the hash a caller signs: keccak256(nonce || method || path || body).
func RequestDigest(nonce, method, path string, body []byte) []byte {
	return crypto.Keccak256([]byte(nonce), []byte(method), []byte(path), body)
}

// SignRequest produces the signature header value for a request.
func SignRequest(key *ecdsa.PrivateKey, nonce, method, path string, body []byte) (string, error) {
	sig, err := crypto.Sign(RequestDigest(nonce, method, path, body), key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// Authenticate verifies the request signature and consumes the nonce. The
// body is read in full and replaced so handlers can decode it again.
func (a *Authenticator) Authenticate(r *http.Request) (interfaces.Address, []byte, error) {
	callerHex := r.Header.Get(CallerHeader)
	nonce := r.Header.Get(NonceHeader)
	sigHex := r.Header.Get(SignatureHeader)
	if callerHex == "" || nonce == "" || sigHex == "" {
		return interfaces.Address{}, nil, ErrMissingAuth
	}

	caller, err := interfaces.NewAddressFromHex(callerHex)
	if err != nil {
		return interfaces.Address{}, nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return interfaces.Address{}, nil, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return interfaces.Address{}, nil, fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(RequestDigest(nonce, r.Method, r.URL.EscapedPath(), body), sig)
	if err != nil {
		return interfaces.Address{}, nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if interfaces.Address(crypto.PubkeyToAddress(*pub)) != caller {
		return interfaces.Address{}, nil, ErrBadSignature
	}

	owner, found := a.nonces.Peek(nonce)
	if !found || owner != caller {
		return interfaces.Address{}, nil, ErrUnknownNonce
	}
	if !a.nonces.Remove(nonce) {
		// Consumed concurrently.
		return interfaces.Address{}, nil, ErrUnknownNonce
	}

	return caller, body, nil
}
