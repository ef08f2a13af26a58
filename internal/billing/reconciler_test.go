package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"

	"snipvault/internal/config"
	"snipvault/internal/models"
	"snipvault/internal/tiers"
)

type fakeStore struct {
	rows map[int64]*models.Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]*models.Subscription)}
}

func (f *fakeStore) addFreeRow(userID int64) {
	f.rows[userID] = &models.Subscription{
		UserID: userID,
		Tier:   tiers.Free,
		Status: models.SubscriptionActive,
	}
}

func (f *fakeStore) SyncStripeSubscription(_ context.Context, stripeSubID string, sync models.StripeSubscriptionSync) (int64, error) {
	var rows int64
	for _, sub := range f.rows {
		if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != stripeSubID {
			continue
		}
		sub.Tier = sync.Tier
		sub.Status = sync.Status
		sub.BillingPeriod = sync.BillingPeriod
		sub.StripePriceID = sync.StripePriceID
		if sync.StripeCustomerID != nil {
			sub.StripeCustomerID = sync.StripeCustomerID
		}
		sub.CurrentPeriodStart = sync.CurrentPeriodStart
		sub.CurrentPeriodEnd = sync.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = sync.CancelAtPeriodEnd
		rows++
	}
	return rows, nil
}

func (f *fakeStore) AttachStripeSubscription(_ context.Context, userID int64, sync models.StripeSubscriptionSync) error {
	sub, ok := f.rows[userID]
	if !ok {
		return models.ErrNotFound
	}
	sub.Tier = sync.Tier
	sub.Status = sync.Status
	sub.BillingPeriod = sync.BillingPeriod
	sub.StripeCustomerID = sync.StripeCustomerID
	sub.StripeSubscriptionID = sync.StripeSubscriptionID
	sub.StripePriceID = sync.StripePriceID
	sub.CurrentPeriodStart = sync.CurrentPeriodStart
	sub.CurrentPeriodEnd = sync.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = sync.CancelAtPeriodEnd
	return nil
}

func (f *fakeStore) GetSubscriptionByStripeCustomerID(_ context.Context, customerID string) (models.Subscription, error) {
	for _, sub := range f.rows {
		if sub.StripeCustomerID != nil && *sub.StripeCustomerID == customerID {
			return *sub, nil
		}
	}
	return models.Subscription{}, models.ErrNotFound
}

func (f *fakeStore) ClearStripeSubscription(_ context.Context, stripeSubID string) (int64, error) {
	var rows int64
	for _, sub := range f.rows {
		if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != stripeSubID {
			continue
		}
		sub.Tier = tiers.Free
		sub.Status = models.SubscriptionCanceled
		sub.BillingPeriod = nil
		sub.StripeCustomerID = nil
		sub.StripeSubscriptionID = nil
		sub.StripePriceID = nil
		sub.CurrentPeriodStart = nil
		sub.CurrentPeriodEnd = nil
		sub.TrialEndsAt = nil
		sub.CancelAtPeriodEnd = false
		rows++
	}
	return rows, nil
}

func (f *fakeStore) SetSubscriptionStatusByStripeID(_ context.Context, stripeSubID, status string) (int64, error) {
	var rows int64
	for _, sub := range f.rows {
		if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID == stripeSubID {
			sub.Status = status
			rows++
		}
	}
	return rows, nil
}

type fakeFetcher struct {
	subs map[string]*stripe.Subscription
	err  error
}

func (f *fakeFetcher) FetchSubscription(id string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

const (
	priceProMonthly = "price_pro_monthly"
	priceProYearly  = "price_pro_yearly"
)

func testPrices() map[string]config.PricePlan {
	return map[string]config.PricePlan{
		priceProMonthly: {Tier: tiers.Pro, Period: models.BillingPeriodMonthly},
		priceProYearly:  {Tier: tiers.Pro, Period: models.BillingPeriodYearly},
	}
}

func newTestReconciler(store *fakeStore, fetch SubscriptionFetcher) *Reconciler {
	if fetch == nil {
		fetch = &fakeFetcher{}
	}
	return NewReconciler(store, fetch, testPrices(), "whsec_test", zerolog.Nop())
}

func stripeSubJSON(subID, customerID, priceID, status string, extra map[string]any) []byte {
	payload := map[string]any{
		"id":       subID,
		"status":   status,
		"customer": map[string]any{"id": customerID},
		"items": map[string]any{
			"data": []any{
				map[string]any{"price": map[string]any{
					"id":        priceID,
					"recurring": map[string]any{"interval": "month"},
				}},
			},
		},
		"current_period_start": time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"current_period_end":   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func event(eventType string, raw []byte) stripe.Event {
	return stripe.Event{
		ID:   "evt_test",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestSubscriptionUpdatedIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(1)
	subID := "sub_123"
	store.rows[1].StripeSubscriptionID = &subID

	r := newTestReconciler(store, nil)
	ev := event("customer.subscription.updated", stripeSubJSON(subID, "cus_1", priceProMonthly, "active", nil))

	for i := 0; i < 3; i++ {
		if err := r.Process(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	got := store.rows[1]
	if got.Tier != tiers.Pro || got.Status != models.SubscriptionActive {
		t.Fatalf("unexpected state after replays: %+v", got)
	}
	if got.BillingPeriod == nil || *got.BillingPeriod != models.BillingPeriodMonthly {
		t.Fatalf("expected monthly period, got %v", got.BillingPeriod)
	}
	if got.StripeCustomerID == nil || *got.StripeCustomerID != "cus_1" {
		t.Fatalf("expected customer reference, got %v", got.StripeCustomerID)
	}
	if got.CurrentPeriodEnd == nil {
		t.Fatalf("expected period end to be set")
	}
}

func TestSubscriptionCreatedFallsBackToMetadata(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(7)

	r := newTestReconciler(store, nil)
	raw := stripeSubJSON("sub_new", "cus_7", priceProYearly, "active",
		map[string]any{"metadata": map[string]string{"user_id": "7"}})
	if err := r.Process(context.Background(), event("customer.subscription.created", raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.rows[7]
	if got.StripeSubscriptionID == nil || *got.StripeSubscriptionID != "sub_new" {
		t.Fatalf("subscription should be attached: %+v", got)
	}
	if got.Tier != tiers.Pro {
		t.Fatalf("expected pro, got %s", got.Tier)
	}
}

func TestSubscriptionSyncedFallsBackToCustomerID(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(3)
	custID := "cus_3"
	store.rows[3].StripeCustomerID = &custID

	r := newTestReconciler(store, nil)
	raw := stripeSubJSON("sub_3", custID, priceProMonthly, "active", nil)
	if err := r.Process(context.Background(), event("customer.subscription.updated", raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := store.rows[3]
	if got.StripeSubscriptionID == nil || *got.StripeSubscriptionID != "sub_3" {
		t.Fatalf("customer lookup should attach the subscription: %+v", got)
	}
}

func TestCheckoutThenDeleteRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(5)
	fetch := &fakeFetcher{subs: map[string]*stripe.Subscription{}}

	var stripeSub stripe.Subscription
	if err := json.Unmarshal(stripeSubJSON("sub_5", "cus_5", priceProMonthly, "active", nil), &stripeSub); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	fetch.subs["sub_5"] = &stripeSub

	r := newTestReconciler(store, fetch)

	checkout, _ := json.Marshal(map[string]any{
		"id":           "cs_5",
		"metadata":     map[string]string{"user_id": "5"},
		"subscription": map[string]any{"id": "sub_5"},
	})
	if err := r.Process(context.Background(), event("checkout.session.completed", checkout)); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if store.rows[5].Tier != tiers.Pro {
		t.Fatalf("checkout should upgrade to pro: %+v", store.rows[5])
	}

	deleted, _ := json.Marshal(map[string]any{"id": "sub_5"})
	if err := r.Process(context.Background(), event("customer.subscription.deleted", deleted)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := store.rows[5]
	if got.Tier != tiers.Free || got.Status != models.SubscriptionCanceled {
		t.Fatalf("delete should downgrade to free/canceled: %+v", got)
	}
	if got.StripeSubscriptionID != nil || got.StripeCustomerID != nil || got.StripePriceID != nil {
		t.Fatalf("delete should clear every stripe reference: %+v", got)
	}
}

func TestInvoiceStatusTransitions(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(2)
	subID := "sub_2"
	store.rows[2].StripeSubscriptionID = &subID
	store.rows[2].Tier = tiers.Pro

	r := newTestReconciler(store, nil)

	failed, _ := json.Marshal(map[string]any{"id": "in_1", "subscription": map[string]any{"id": subID}})
	if err := r.Process(context.Background(), event("invoice.payment_failed", failed)); err != nil {
		t.Fatalf("failed invoice: %v", err)
	}
	if store.rows[2].Status != models.SubscriptionPastDue {
		t.Fatalf("expected past_due, got %s", store.rows[2].Status)
	}
	// Tier is untouched; access drops because the status gate resolves
	// past_due rows to free.
	if store.rows[2].Tier != tiers.Pro {
		t.Fatalf("tier should be unchanged, got %s", store.rows[2].Tier)
	}

	succeeded, _ := json.Marshal(map[string]any{"id": "in_2", "subscription": map[string]any{"id": subID}})
	if err := r.Process(context.Background(), event("invoice.payment_succeeded", succeeded)); err != nil {
		t.Fatalf("succeeded invoice: %v", err)
	}
	if store.rows[2].Status != models.SubscriptionActive {
		t.Fatalf("expected active, got %s", store.rows[2].Status)
	}
}

func TestInvoiceWithoutSubscriptionIgnored(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	oneOff, _ := json.Marshal(map[string]any{"id": "in_3"})
	if err := r.Process(context.Background(), event("invoice.payment_succeeded", oneOff)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(1)
	r := newTestReconciler(store, nil)
	if err := r.Process(context.Background(), event("customer.created", []byte(`{}`))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.rows[1].Tier != tiers.Free {
		t.Fatalf("unknown event must not mutate state")
	}
}

func TestUnmappedPriceDropsEvent(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(1)
	subID := "sub_x"
	store.rows[1].StripeSubscriptionID = &subID

	r := newTestReconciler(store, nil)
	raw := stripeSubJSON(subID, "cus_1", "price_unknown", "active", nil)
	if err := r.Process(context.Background(), event("customer.subscription.updated", raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.rows[1].Tier != tiers.Free {
		t.Fatalf("unmapped price must not mutate state: %+v", store.rows[1])
	}
}

func TestPastDueStatusMapped(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(1)
	subID := "sub_pd"
	store.rows[1].StripeSubscriptionID = &subID

	r := newTestReconciler(store, nil)
	raw := stripeSubJSON(subID, "cus_1", priceProMonthly, "past_due", nil)
	if err := r.Process(context.Background(), event("customer.subscription.updated", raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.rows[1].Status != models.SubscriptionPastDue {
		t.Fatalf("expected past_due, got %s", store.rows[1].Status)
	}
}

func TestCheckoutWithoutUserReferenceIgnored(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	checkout, _ := json.Marshal(map[string]any{"id": "cs_1", "subscription": map[string]any{"id": "sub_1"}})
	if err := r.Process(context.Background(), event("checkout.session.completed", checkout)); err != nil {
		t.Fatalf("missing user reference should not be an error: %v", err)
	}
}

func TestCheckoutFetchErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.addFreeRow(1)
	fetch := &fakeFetcher{err: errors.New("stripe is down")}
	r := newTestReconciler(store, fetch)

	checkout, _ := json.Marshal(map[string]any{
		"id":           "cs_1",
		"metadata":     map[string]string{"user_id": "1"},
		"subscription": map[string]any{"id": "sub_1"},
	})
	if err := r.Process(context.Background(), event("checkout.session.completed", checkout)); err == nil {
		t.Fatalf("fetch failure should surface so stripe retries")
	}
}

func TestSyncEventForUnknownRecordIsNotFatal(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	raw := stripeSubJSON("sub_ghost", "cus_ghost", priceProMonthly, "active", nil)
	if err := r.Process(context.Background(), event("customer.subscription.updated", raw)); err != nil {
		t.Fatalf("missing local record should not be an error: %v", err)
	}
}
