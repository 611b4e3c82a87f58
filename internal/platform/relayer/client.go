// Package relayer is the client of the FHE relayer's public decryption
// endpoint.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/marketforge/internal/crypto"
	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/platform/httpx"
)

const decryptPath = "/v1/public-decrypt"

// RequestSigner signs decryption requests with the settlement operator key.
type RequestSigner interface {
	Address() common.Address
	SignDecryptionRequest(req crypto.DecryptionRequest) (string, error)
}

// Client submits public decryption requests.
type Client struct {
	baseURL    string
	auth       crypto.APIAuth
	signer     RequestSigner
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a relayer client.
func NewClient(baseURL string, auth crypto.APIAuth, signer RequestSigner, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type decryptRequest struct {
	Handles   []string `json:"handles"`
	Requester string   `json:"requester"`
	Timestamp int64    `json:"timestamp"`
	Signature string   `json:"signature"`
}

type decryptResponse struct {
	// Values are decimal strings, one per handle in request order.
	Values []string `json:"values"`
	Proof  string   `json:"proof"`
}

// PublicDecrypt asks the relayer to decrypt handles and returns the
// cleartext values with the KMS proof.
func (c *Client) PublicDecrypt(ctx context.Context, handles []string) (domain.DecryptionResult, error) {
	if len(handles) == 0 {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: public decrypt: no handles")
	}

	ts := c.now().Unix()
	sig, err := c.signer.SignDecryptionRequest(crypto.DecryptionRequest{
		Handles:   handles,
		Requester: c.signer.Address(),
		Timestamp: ts,
	})
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: sign request: %w", err)
	}

	body, err := json.Marshal(decryptRequest{
		Handles:   handles,
		Requester: c.signer.Address().Hex(),
		Timestamp: ts,
		Signature: sig,
	})
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+decryptPath, bytes.NewReader(body))
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.auth.HeadersAt(http.MethodPost, decryptPath, string(body), ts) {
		req.Header.Set(k, v)
	}

	raw, err := httpx.Do(c.httpClient, req)
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: public decrypt: %w", httpx.Classify(err, domain.ErrTransientProvider))
	}

	var resp decryptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: decode response: %w", err)
	}
	if len(resp.Values) != len(handles) {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: got %d values for %d handles", len(resp.Values), len(handles))
	}

	out := domain.DecryptionResult{Values: make([]uint64, len(resp.Values))}
	for i, v := range resp.Values {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return domain.DecryptionResult{}, fmt.Errorf("relayer: value %d: %w", i, err)
		}
		out.Values[i] = n
	}
	if out.Proof, err = hexutil.Decode(resp.Proof); err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: decode proof: %w", err)
	}
	return out, nil
}

var _ domain.Decryptor = (*Client)(nil)
