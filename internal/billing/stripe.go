package billing

import (
	"github.com/stripe/stripe-go/v76"
	stripesub "github.com/stripe/stripe-go/v76/subscription"
)

// StripeFetcher reads subscriptions from the live Stripe API using the
// globally configured key.
type StripeFetcher struct{}

func (StripeFetcher) FetchSubscription(id string) (*stripe.Subscription, error) {
	return stripesub.Get(id, nil)
}
