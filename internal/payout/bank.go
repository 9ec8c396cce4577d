package payout

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/caddypay/caddypay/internal/fees"
)

// BankProvider pays sellers over the bank-transfer rail via Stripe
// transfers to their connected account. The account's readiness flags
// mirror Stripe Connect onboarding (charges_enabled, payouts_enabled,
// details_submitted).
type BankProvider struct {
	api *client.API
}

// NewBankProvider creates a bank-rail provider with the given Stripe
// secret key.
func NewBankProvider(apiKey string) *BankProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &BankProvider{api: api}
}

// Rail identifies the bank rail.
func (b *BankProvider) Rail() fees.Rail {
	return fees.RailBank
}

// Send transfers the net amount to the seller's connected account. The
// idempotency key is forwarded to Stripe, so a retried call with the same
// key returns the original transfer instead of creating a second one.
func (b *BankProvider) Send(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(int64(req.Amount)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.AccountRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := b.api.Transfers.New(params)
	if err != nil {
		return ProviderResult{}, fmt.Errorf("stripe transfer: %w", err)
	}
	return ProviderResult{ProviderReferenceID: tr.ID}, nil
}
