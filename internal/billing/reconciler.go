// Package billing reconciles local subscription state with Stripe's view of
// it. Webhook delivery is at-least-once and unordered, so every mutation is
// keyed by the Stripe subscription ID through an update-by-filter and written
// blind: redelivery rewrites the same values.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"snipvault/internal/config"
	"snipvault/internal/models"
)

// SubscriptionStore is the slice of persistence the reconciler needs.
type SubscriptionStore interface {
	SyncStripeSubscription(ctx context.Context, stripeSubID string, sync models.StripeSubscriptionSync) (int64, error)
	AttachStripeSubscription(ctx context.Context, userID int64, sync models.StripeSubscriptionSync) error
	GetSubscriptionByStripeCustomerID(ctx context.Context, customerID string) (models.Subscription, error)
	ClearStripeSubscription(ctx context.Context, stripeSubID string) (int64, error)
	SetSubscriptionStatusByStripeID(ctx context.Context, stripeSubID, status string) (int64, error)
}

// SubscriptionFetcher retrieves the full subscription object from Stripe.
// Checkout sessions only reference the subscription by ID.
type SubscriptionFetcher interface {
	FetchSubscription(id string) (*stripe.Subscription, error)
}

type Reconciler struct {
	store  SubscriptionStore
	fetch  SubscriptionFetcher
	prices map[string]config.PricePlan
	secret string
	log    zerolog.Logger
}

func NewReconciler(store SubscriptionStore, fetch SubscriptionFetcher, prices map[string]config.PricePlan, webhookSecret string, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, fetch: fetch, prices: prices, secret: webhookSecret, log: log}
}

// VerifyAndParse checks the Stripe signature over the raw payload and decodes
// the event. No state is touched before this succeeds.
func (r *Reconciler) VerifyAndParse(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, r.secret)
}

// Process dispatches a verified event. Event types this system does not care
// about return nil so the endpoint answers 200 and Stripe stops retrying.
func (r *Reconciler) Process(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return err
		}
		return r.checkoutCompleted(ctx, &sess)
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return r.subscriptionSynced(ctx, &sub)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return r.subscriptionDeleted(ctx, &sub)
	case "invoice.payment_succeeded":
		return r.invoiceStatus(ctx, event, models.SubscriptionActive)
	case "invoice.payment_failed":
		return r.invoiceStatus(ctx, event, models.SubscriptionPastDue)
	default:
		r.log.Debug().Str("type", string(event.Type)).Msg("ignoring stripe event")
		return nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	userID := userIDFromCheckout(sess)
	if userID == 0 {
		r.log.Warn().Str("session", sess.ID).Msg("checkout session carries no user reference")
		return nil
	}
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		r.log.Warn().Str("session", sess.ID).Msg("checkout session has no subscription")
		return nil
	}
	sub, err := r.fetch.FetchSubscription(sess.Subscription.ID)
	if err != nil {
		return err
	}
	sync, ok := r.syncFromStripe(sub)
	if !ok {
		return nil
	}
	err = r.store.AttachStripeSubscription(ctx, userID, sync)
	if errors.Is(err, models.ErrNotFound) {
		r.log.Warn().Int64("user_id", userID).Str("session", sess.ID).Msg("checkout completed for unknown user")
		return nil
	}
	return err
}

func (r *Reconciler) subscriptionSynced(ctx context.Context, sub *stripe.Subscription) error {
	sync, ok := r.syncFromStripe(sub)
	if !ok {
		return nil
	}
	rows, err := r.store.SyncStripeSubscription(ctx, sub.ID, sync)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// The local row does not reference this subscription yet, typically
	// because the create event raced the checkout handler. Fall back to the
	// user metadata, then to the stored customer ID. A miss is not fatal:
	// Stripe redelivers, and the record may legitimately not exist yet.
	if raw, ok := sub.Metadata["user_id"]; ok {
		if userID, err := strconv.ParseInt(raw, 10, 64); err == nil && userID != 0 {
			err := r.store.AttachStripeSubscription(ctx, userID, sync)
			if errors.Is(err, models.ErrNotFound) {
				r.log.Warn().Int64("user_id", userID).Str("subscription", sub.ID).Msg("no local subscription for user")
				return nil
			}
			return err
		}
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		local, err := r.store.GetSubscriptionByStripeCustomerID(ctx, sub.Customer.ID)
		if errors.Is(err, models.ErrNotFound) {
			r.log.Warn().Str("customer", sub.Customer.ID).Str("subscription", sub.ID).Msg("no local subscription for customer")
			return nil
		}
		if err != nil {
			return err
		}
		return r.store.AttachStripeSubscription(ctx, local.UserID, sync)
	}
	r.log.Warn().Str("subscription", sub.ID).Msg("subscription event matched no local record")
	return nil
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	rows, err := r.store.ClearStripeSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	if rows == 0 {
		r.log.Debug().Str("subscription", sub.ID).Msg("delete event for unknown subscription")
	}
	return nil
}

func (r *Reconciler) invoiceStatus(ctx context.Context, event stripe.Event, status string) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return err
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	rows, err := r.store.SetSubscriptionStatusByStripeID(ctx, inv.Subscription.ID, status)
	if err != nil {
		return err
	}
	if rows == 0 {
		r.log.Debug().Str("subscription", inv.Subscription.ID).Str("status", status).Msg("invoice event for unknown subscription")
	}
	return nil
}

// syncFromStripe translates a Stripe subscription into the local field set.
// An unmapped price is a configuration problem, not a retryable fault: it is
// logged and the event dropped without mutating state.
func (r *Reconciler) syncFromStripe(sub *stripe.Subscription) (models.StripeSubscriptionSync, bool) {
	var price *stripe.Price
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		price = sub.Items.Data[0].Price
	}
	if price == nil || price.ID == "" {
		r.log.Error().Str("subscription", sub.ID).Msg("stripe subscription has no price")
		return models.StripeSubscriptionSync{}, false
	}
	plan, ok := r.prices[price.ID]
	if !ok {
		r.log.Error().Str("subscription", sub.ID).Str("price_id", price.ID).Msg("no tier mapping for stripe price")
		return models.StripeSubscriptionSync{}, false
	}

	period := plan.Period
	if price.Recurring != nil {
		switch price.Recurring.Interval {
		case stripe.PriceRecurringIntervalMonth:
			period = models.BillingPeriodMonthly
		case stripe.PriceRecurringIntervalYear:
			period = models.BillingPeriodYearly
		}
	}

	sync := models.StripeSubscriptionSync{
		Tier:                 plan.Tier,
		Status:               statusFromStripe(sub.Status),
		BillingPeriod:        strPtr(period),
		StripeSubscriptionID: strPtr(sub.ID),
		StripePriceID:        strPtr(price.ID),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		sync.StripeCustomerID = strPtr(sub.Customer.ID)
	}
	if sub.CurrentPeriodStart > 0 {
		sync.CurrentPeriodStart = timePtr(time.Unix(sub.CurrentPeriodStart, 0).UTC())
	}
	if sub.CurrentPeriodEnd > 0 {
		sync.CurrentPeriodEnd = timePtr(time.Unix(sub.CurrentPeriodEnd, 0).UTC())
	}
	return sync, true
}

func statusFromStripe(s stripe.SubscriptionStatus) string {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusPastDue:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionActive
	}
}

func userIDFromCheckout(sess *stripe.CheckoutSession) int64 {
	if raw, ok := sess.Metadata["user_id"]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id
		}
	}
	if sess.ClientReferenceID != "" {
		if id, err := strconv.ParseInt(sess.ClientReferenceID, 10, 64); err == nil {
			return id
		}
	}
	return 0
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
