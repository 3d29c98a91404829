package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/mpc-vault/interfaces"
)

// RemoteFabric forwards computation requests to an external fabric over HTTP.
// The fabric reports back through the vault server's fabric callback routes.
type RemoteFabric struct {
	Address string
	Client  *http.Client
}

func NewRemoteFabric(address string) *RemoteFabric {
	return &RemoteFabric{
		Address: strings.TrimSuffix(address, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *RemoteFabric) RequestComputation(ctx context.Context, req interfaces.ComputationRequest) error {
	url := fmt.Sprintf("%s/compute/%s", f.Address, req.VaultID)
	return postJSON(ctx, f.Client, url, req)
}

// RemoteAttestorPool fans attestation requests out to attestor endpoints.
// Each attestor submits its signature through the vault server's callback route.
type RemoteAttestorPool struct {
	Endpoints map[interfaces.Address]string
	Client    *http.Client
}

func NewRemoteAttestorPool(endpoints map[interfaces.Address]string) *RemoteAttestorPool {
	return &RemoteAttestorPool{
		Endpoints: endpoints,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// RequestAttestation succeeds if at least one attestor accepted the request.
func (p *RemoteAttestorPool) RequestAttestation(ctx context.Context, req interfaces.AttestationRequest) error {
	var errs []error
	delivered := 0

	for _, signer := range req.Signers {
		endpoint, found := p.Endpoints[signer]
		if !found {
			errs = append(errs, fmt.Errorf("no endpoint for attestor %s", signer))
			continue
		}

		url := fmt.Sprintf("%s/attest/%s", strings.TrimSuffix(endpoint, "/"), req.ID)
		if err := postJSON(ctx, p.Client, url, req); err != nil {
			errs = append(errs, fmt.Errorf("attestor %s: %w", signer, err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("no attestor reachable: %w", errors.Join(errs...))
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, string(respBody))
	}
	return nil
}
