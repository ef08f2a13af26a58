package services

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"snipvault/internal/models"
	"snipvault/internal/tiers"
)

const subscriptionColumns = `id, user_id, tier, status, billing_period,
	stripe_customer_id, stripe_subscription_id, stripe_price_id,
	current_period_start, current_period_end, trial_ends_at, cancel_at_period_end,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status, &sub.BillingPeriod,
		&sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEndsAt, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt)
	return sub, err
}

func (s *Service) GetSubscriptionByUserID(ctx context.Context, userID int64) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, models.ErrNotFound
	}
	return sub, err
}

func (s *Service) GetSubscriptionByStripeCustomerID(ctx context.Context, customerID string) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, models.ErrNotFound
	}
	return sub, err
}

// SyncStripeSubscription overwrites the billing fields of every local row
// referencing the Stripe subscription. Matching by filter rather than primary
// key makes redelivered events rewrite the same values instead of erroring.
// The customer reference is only replaced when the event carries one.
func (s *Service) SyncStripeSubscription(ctx context.Context, stripeSubID string, sync models.StripeSubscriptionSync) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET tier = $1, status = $2, billing_period = $3, stripe_price_id = $4,
			stripe_customer_id = COALESCE($5, stripe_customer_id),
			current_period_start = $6, current_period_end = $7,
			cancel_at_period_end = $8, updated_at = NOW()
		WHERE stripe_subscription_id = $9`,
		sync.Tier, sync.Status, sync.BillingPeriod, sync.StripePriceID,
		sync.StripeCustomerID, sync.CurrentPeriodStart, sync.CurrentPeriodEnd,
		sync.CancelAtPeriodEnd, stripeSubID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// AttachStripeSubscription binds the Stripe references and billing fields to
// the user's subscription row, used when the row does not reference the
// Stripe subscription yet.
func (s *Service) AttachStripeSubscription(ctx context.Context, userID int64, sync models.StripeSubscriptionSync) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET tier = $1, status = $2, billing_period = $3,
			stripe_customer_id = $4, stripe_subscription_id = $5, stripe_price_id = $6,
			current_period_start = $7, current_period_end = $8,
			cancel_at_period_end = $9, updated_at = NOW()
		WHERE user_id = $10`,
		sync.Tier, sync.Status, sync.BillingPeriod,
		sync.StripeCustomerID, sync.StripeSubscriptionID, sync.StripePriceID,
		sync.CurrentPeriodStart, sync.CurrentPeriodEnd,
		sync.CancelAtPeriodEnd, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClearStripeSubscription downgrades to free/canceled and nulls every Stripe
// reference and period field. This is the only transition that clears the
// external identifiers.
func (s *Service) ClearStripeSubscription(ctx context.Context, stripeSubID string) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET tier = $1, status = $2, billing_period = NULL,
			stripe_customer_id = NULL, stripe_subscription_id = NULL, stripe_price_id = NULL,
			current_period_start = NULL, current_period_end = NULL, trial_ends_at = NULL,
			cancel_at_period_end = false, updated_at = NOW()
		WHERE stripe_subscription_id = $3`,
		tiers.Free, models.SubscriptionCanceled, stripeSubID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Service) SetSubscriptionStatusByStripeID(ctx context.Context, stripeSubID, status string) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = NOW()
		WHERE stripe_subscription_id = $2`, status, stripeSubID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// DowngradeToFree is the user-initiated cancellation path.
func (s *Service) DowngradeToFree(ctx context.Context, userID int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET tier = $1, status = $2, billing_period = NULL,
			stripe_customer_id = NULL, stripe_subscription_id = NULL, stripe_price_id = NULL,
			current_period_start = NULL, current_period_end = NULL, trial_ends_at = NULL,
			cancel_at_period_end = false, updated_at = NOW()
		WHERE user_id = $3`,
		tiers.Free, models.SubscriptionCanceled, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ---- usage counters ----

const usageColumns = `id, user_id, snippet_count, export_count, api_calls_count,
	last_export_reset, last_api_reset, created_at, updated_at`

func scanUsage(row pgx.Row) (models.UsageTracking, error) {
	var u models.UsageTracking
	err := row.Scan(&u.ID, &u.UserID, &u.SnippetCount, &u.ExportCount, &u.APICallsCount,
		&u.LastExportReset, &u.LastAPIReset, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Service) GetUsage(ctx context.Context, userID int64) (models.UsageTracking, error) {
	u, err := scanUsage(s.pool.QueryRow(ctx, `
		SELECT `+usageColumns+` FROM usage_tracking WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UsageTracking{}, models.ErrNotFound
	}
	return u, err
}

// EnsureUsage creates the zeroed usage row on first touch and returns it.
func (s *Service) EnsureUsage(ctx context.Context, userID int64) (models.UsageTracking, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_tracking (user_id, last_export_reset, last_api_reset)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return models.UsageTracking{}, err
	}
	return s.GetUsage(ctx, userID)
}

// AddSnippetCount adjusts the snippet counter by delta in one atomic
// statement, flooring at zero so deletes never drive it negative.
func (s *Service) AddSnippetCount(ctx context.Context, userID int64, delta int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_tracking (user_id, snippet_count, last_export_reset, last_api_reset)
		VALUES ($1, GREATEST($2, 0), NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET snippet_count = GREATEST(usage_tracking.snippet_count + $2, 0), updated_at = NOW()`,
		userID, delta)
	return err
}

func (s *Service) IncrementExportCount(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_tracking (user_id, export_count, last_export_reset, last_api_reset)
		VALUES ($1, 1, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET export_count = usage_tracking.export_count + 1, updated_at = NOW()`, userID)
	return err
}

func (s *Service) IncrementAPICallCount(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_tracking (user_id, api_calls_count, last_export_reset, last_api_reset)
		VALUES ($1, 1, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET api_calls_count = usage_tracking.api_calls_count + 1, updated_at = NOW()`, userID)
	return err
}

// ResetExportCount zeroes the export counter for a new calendar month. The
// timestamp guard keeps resets monotonic under concurrent checks.
func (s *Service) ResetExportCount(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE usage_tracking
		SET export_count = 0, last_export_reset = $2, updated_at = NOW()
		WHERE user_id = $1 AND last_export_reset < $2`, userID, at)
	return err
}

func (s *Service) ResetAPICallCount(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE usage_tracking
		SET api_calls_count = 0, last_api_reset = $2, updated_at = NOW()
		WHERE user_id = $1 AND last_api_reset < $2`, userID, at)
	return err
}
