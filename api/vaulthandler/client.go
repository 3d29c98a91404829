package vaulthandler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-vault/attestation"
	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/ruteri/mpc-vault/vault"
)

// APIError is a non-2xx response from the vault API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vault api returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the vault API, signing every request with its key.
type Client struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	address    interfaces.Address
	httpClient *http.Client
}

func NewClient(baseURL string, key *ecdsa.PrivateKey, timeout ...time.Duration) *Client {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		key:        key,
		address:    interfaces.Address(crypto.PubkeyToAddress(key.PublicKey)),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// Address is the identity the client signs as.
func (c *Client) Address() interfaces.Address {
	return c.address
}

func (c *Client) Nonce(ctx context.Context) (string, error) {
	var resp NonceResponse
	if err := c.send(ctx, http.MethodGet, "/api/nonce/"+c.address.String(), nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Nonce, nil
}

func (c *Client) CreateVault(ctx context.Context, req CreateVaultRequest) (interfaces.VaultID, error) {
	var resp CreateVaultResponse
	if err := c.signed(ctx, http.MethodPost, "/api/vaults", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Vault(ctx context.Context, id interfaces.VaultID) (*vault.View, error) {
	var view vault.View
	if err := c.signed(ctx, http.MethodGet, "/api/vaults/"+url.PathEscape(id.String()), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) RequestAccess(ctx context.Context, id interfaces.VaultID) error {
	return c.signed(ctx, http.MethodPost, "/api/vaults/"+url.PathEscape(id.String())+"/access", nil, nil)
}

func (c *Client) Read(ctx context.Context, id interfaces.VaultID, req ReadVaultRequest) (*vault.Delivery, error) {
	var delivery vault.Delivery
	if err := c.signed(ctx, http.MethodPost, "/api/vaults/"+url.PathEscape(id.String())+"/read", req, &delivery); err != nil {
		return nil, err
	}
	return &delivery, nil
}

// CompleteComputation reports the value reconstructed for a computation cycle.
// Only fabric identities may call it.
func (c *Client) CompleteComputation(ctx context.Context, id interfaces.VaultID, cycle uint64, value []byte) error {
	return c.signed(ctx, http.MethodPost, "/api/fabric/vaults/"+url.PathEscape(id.String())+"/complete", ComputationCompleteRequest{Cycle: cycle, Value: value}, nil)
}

// SubmitSignatures reports attestor signatures.
func (c *Client) SubmitSignatures(ctx context.Context, id interfaces.VaultID, sigs []interfaces.SignerSignature) error {
	req := SignaturesRequest{Signatures: make([]SignatureEntry, len(sigs))}
	for i, ss := range sigs {
		req.Signatures[i] = SignatureEntry{Signer: ss.Signer, Signature: attestation.EncodeSignature(ss.Signature)}
	}
	return c.signed(ctx, http.MethodPost, "/api/fabric/vaults/"+url.PathEscape(id.String())+"/signatures", req, nil)
}

func (c *Client) signed(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	nonce, err := c.Nonce(ctx)
	if err != nil {
		return fmt.Errorf("could not obtain nonce: %w", err)
	}

	sig, err := SignRequest(c.key, nonce, method, path, body)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	headers := http.Header{}
	headers.Set(CallerHeader, "0x"+c.address.String())
	headers.Set(NonceHeader, nonce)
	headers.Set(SignatureHeader, sig)
	return c.send(ctx, method, path, body, headers, out)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request vault api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read vault api response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("could not parse vault api response: %w", err)
		}
	}
	return nil
}
