package billing

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/invoiceitem"
)

// CustomerResolver maps an internal user ID to a Stripe customer ID.
type CustomerResolver func(ctx context.Context, userID uint) (string, error)

// StripeReporter mirrors charges to Stripe as pending invoice items,
// picked up by the customer's next invoice.
type StripeReporter struct {
	resolve CustomerResolver
}

// NewStripeReporter configures the Stripe client. The SDK holds the API
// key as package-level state.
func NewStripeReporter(apiKey string, resolve CustomerResolver) *StripeReporter {
	stripe.Key = apiKey
	return &StripeReporter{resolve: resolve}
}

// Report implements Reporter.
func (r *StripeReporter) Report(ctx context.Context, userID uint, billedUSD float64, description string) error {
	customer, err := r.resolve(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve stripe customer for user %d: %w", userID, err)
	}

	cents := int64(math.Round(billedUSD * 100))
	if cents == 0 {
		return nil // sub-cent charges accumulate in the local ledger only
	}

	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customer),
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(description),
	}
	params.Context = ctx
	_, err = invoiceitem.New(params)
	return err
}
