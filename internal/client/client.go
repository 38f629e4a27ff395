// Package client talks to the market API on behalf of an owner or provider.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/federated-storage/storage-market/internal/merkle"
	"github.com/federated-storage/storage-market/internal/models"
	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/p2p"
	"github.com/federated-storage/storage-market/internal/services"
)

// Client handles communication with the market
type Client struct {
	baseURL    string
	identity   *p2p.Identity
	httpClient *http.Client
	now        func() time.Time
}

// New creates a client that signs requests with identity.
func New(baseURL string, identity *p2p.Identity) *Client {
	return &Client{
		baseURL:  baseURL,
		identity: identity,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// Address returns the address the client acts as.
func (c *Client) Address() order.Address {
	return order.Address(c.identity.String())
}

// APIError is a non-2xx response.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Code      uint32 `json:"code"`
	Codespace string `json:"codespace"`
}

func (e *APIError) Error() string {
	if e.Codespace != "" {
		return fmt.Sprintf("%s (%s/%d, status %d)", e.Message, e.Codespace, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// PlaceOrderRequest describes a new order.
type PlaceOrderRequest struct {
	TorrentHash merkle.Hash `json:"torrent_hash"`
	MerkleRoot  merkle.Hash `json:"merkle_root"`
	FileSize    uint64      `json:"file_size"`
	Period      uint64      `json:"period"`
	Fee         uint64      `json:"fee"`
}

// PlaceOrder places an order owned by the client.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*services.OrderView, error) {
	var view services.OrderView
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", req, true, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Order fetches an order.
func (c *Client) Order(ctx context.Context, id order.ID) (*services.OrderView, error) {
	var view services.OrderView
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+id.String(), nil, false, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Orders lists orders, optionally only those of owner.
func (c *Client) Orders(ctx context.Context, owner order.Address, limit int) ([]services.OrderView, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", string(owner))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result struct {
		Orders []services.OrderView `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, false, &result); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

// Register joins an order as a provider.
func (c *Client) Register(ctx context.Context, id order.ID) (*services.ProviderView, error) {
	var view services.ProviderView
	if err := c.do(ctx, http.MethodPost, orderPath(id, "register"), struct{}{}, true, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// SubmitProof submits a storage proof.
func (c *Client) SubmitProof(ctx context.Context, id order.ID, proof order.Proof) (*services.ProofReceipt, error) {
	var receipt services.ProofReceipt
	if err := c.do(ctx, http.MethodPost, orderPath(id, "proofs"), proof, true, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Unregister leaves an order.
func (c *Client) Unregister(ctx context.Context, id order.ID) (*services.UnregisterReceipt, error) {
	var receipt services.UnregisterReceipt
	if err := c.do(ctx, http.MethodPost, orderPath(id, "unregister"), struct{}{}, true, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Claim claims the earned reward of the client.
func (c *Client) Claim(ctx context.Context, id order.ID) (*services.ClaimReceipt, error) {
	var receipt services.ClaimReceipt
	if err := c.do(ctx, http.MethodPost, orderPath(id, "claim"), struct{}{}, true, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Recycle sends the undistributed reward of an ended order to the treasury.
func (c *Client) Recycle(ctx context.Context, id order.ID) (*services.RecycleReceipt, error) {
	var receipt services.RecycleReceipt
	if err := c.do(ctx, http.MethodPost, orderPath(id, "recycle"), struct{}{}, true, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Provider fetches the state of provider in an order.
func (c *Client) Provider(ctx context.Context, id order.ID, provider order.Address) (*services.ProviderView, error) {
	var view services.ProviderView
	if err := c.do(ctx, http.MethodGet, orderPath(id, "providers/"+url.PathEscape(string(provider))), nil, false, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Payouts lists the payouts of an order.
func (c *Client) Payouts(ctx context.Context, id order.ID) ([]models.Payout, error) {
	var result struct {
		Payouts []models.Payout `json:"payouts"`
	}
	if err := c.do(ctx, http.MethodGet, orderPath(id, "payouts"), nil, false, &result); err != nil {
		return nil, err
	}
	return result.Payouts, nil
}

// Audit asks the market to replay the journal of an order.
func (c *Client) Audit(ctx context.Context, id order.ID) (bool, error) {
	var result struct {
		Consistent bool   `json:"consistent"`
		Error      string `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, orderPath(id, "audit"), nil, false, &result); err != nil {
		return false, err
	}
	return result.Consistent, nil
}

func orderPath(id order.ID, action string) string {
	return "/api/v1/orders/" + id.String() + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body any, signed bool, out any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		ts := c.now().Unix()
		sig, err := c.identity.SignRequest(method, path, ts, data)
		if err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set(p2p.HeaderPeerID, c.identity.String())
		req.Header.Set(p2p.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(p2p.HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach market: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
