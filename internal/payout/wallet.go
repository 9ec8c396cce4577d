package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caddypay/caddypay/internal/fees"
)

// WalletProvider pays sellers over the e-wallet rail: a JSON payout API
// addressed by the seller's verified wallet email.
type WalletProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWalletProvider creates a wallet-rail provider for the given API base
// URL and key.
func NewWalletProvider(baseURL, apiKey string) *WalletProvider {
	return &WalletProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Rail identifies the wallet rail.
func (w *WalletProvider) Rail() fees.Rail {
	return fees.RailWallet
}

type walletPayoutRequest struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type walletPayoutResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Send posts a payout to the wallet API. The Idempotency-Key header carries
// the transaction ID; the provider deduplicates on it, so replays are safe.
func (w *WalletProvider) Send(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	body, err := json.Marshal(walletPayoutRequest{
		Receiver: req.AccountRef,
		Amount:   fees.Format(req.Amount),
		Currency: req.Currency,
	})
	if err != nil {
		return ProviderResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return ProviderResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return ProviderResult{}, fmt.Errorf("wallet payout request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProviderResult{}, fmt.Errorf("wallet payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProviderResult{}, fmt.Errorf("wallet payout rejected: status %d: %s", resp.StatusCode, respBody)
	}

	var parsed walletPayoutResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ProviderResult{}, fmt.Errorf("wallet payout response: %w", err)
	}
	if parsed.ID == "" {
		return ProviderResult{}, fmt.Errorf("wallet payout response missing id")
	}
	return ProviderResult{ProviderReferenceID: parsed.ID}, nil
}
