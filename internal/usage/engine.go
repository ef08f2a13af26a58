// Package usage implements the tier resolution and usage-metering engine that
// request handlers consult before performing gated actions. Limits are always
// resolved from the static tier config at check time, never cached on the
// usage row, so a tier change takes effect on the next request.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snipvault/internal/models"
	"snipvault/internal/tiers"
)

// SubscriptionSource resolves the current subscription record for a user.
type SubscriptionSource interface {
	GetSubscriptionByUserID(ctx context.Context, userID int64) (models.Subscription, error)
}

// Store persists the per-user usage counters. Increment methods upsert: a
// missing row is created with the counter at one.
type Store interface {
	GetUsage(ctx context.Context, userID int64) (models.UsageTracking, error)
	EnsureUsage(ctx context.Context, userID int64) (models.UsageTracking, error)
	AddSnippetCount(ctx context.Context, userID int64, delta int) error
	IncrementExportCount(ctx context.Context, userID int64) error
	IncrementAPICallCount(ctx context.Context, userID int64) error
	ResetExportCount(ctx context.Context, userID int64, at time.Time) error
	ResetAPICallCount(ctx context.Context, userID int64, at time.Time) error
}

type Engine struct {
	subs  SubscriptionSource
	store Store
	now   func() time.Time
}

func NewEngine(subs SubscriptionSource, store Store) *Engine {
	return &Engine{subs: subs, store: store, now: time.Now}
}

// Upgrade is the call-to-action attached to a denial.
type Upgrade struct {
	Message string `json:"message"`
	Tier    string `json:"tier"`
}

// Decision is the outcome of a quota check. Denials are forwarded verbatim as
// an HTTP 403 body; allowed results carry the current usage for client-side
// progress display. Limit is -1 when the tier has no cap.
type Decision struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"error,omitempty"`
	CurrentCount int      `json:"currentCount"`
	Limit        int      `json:"limit"`
	Upgrade      *Upgrade `json:"upgrade,omitempty"`
}

// TierFor resolves the user's effective tier. A missing subscription row,
// expired trial, cancellation, or past-due status all resolve to free; only
// infrastructure failures surface as errors.
func (e *Engine) TierFor(ctx context.Context, userID int64) (tiers.Tier, error) {
	sub, err := e.subs.GetSubscriptionByUserID(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return tiers.Free, nil
	}
	if err != nil {
		return tiers.Free, err
	}
	switch sub.Status {
	case models.SubscriptionTrialing:
		if sub.TrialEndsAt != nil && sub.TrialEndsAt.After(e.now()) {
			return sub.Tier, nil
		}
		return tiers.Free, nil
	case models.SubscriptionActive:
		return sub.Tier, nil
	default:
		return tiers.Free, nil
	}
}

// HasFeature reports whether the user's tier grants the named feature.
// Unknown feature names fail closed.
func (e *Engine) HasFeature(ctx context.Context, userID int64, feature string) (bool, error) {
	tier, err := e.TierFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return tiers.For(tier).HasFeature(feature), nil
}

func (e *Engine) CanCreateSnippet(ctx context.Context, userID int64) (Decision, error) {
	tier, err := e.TierFor(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	limit := tiers.For(tier).SnippetLimit
	if limit.IsUnlimited() {
		return Decision{Allowed: true, Limit: int(limit)}, nil
	}
	u, err := e.store.EnsureUsage(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if !limit.Allows(u.SnippetCount) {
		target := tiers.NextAbove(tier, func(c tiers.Config) bool { return c.SnippetLimit.IsUnlimited() })
		return deny(
			fmt.Sprintf("You have reached the %d snippet limit for the %s plan.", int(limit), tier),
			u.SnippetCount, limit,
			Upgrade{Message: fmt.Sprintf("Upgrade to %s for unlimited snippets.", target), Tier: string(target)},
		), nil
	}
	return Decision{Allowed: true, CurrentCount: u.SnippetCount, Limit: int(limit)}, nil
}

func (e *Engine) CanExport(ctx context.Context, userID int64) (Decision, error) {
	tier, err := e.TierFor(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	limit := tiers.For(tier).ExportsPerMonth
	if limit.IsUnlimited() {
		return Decision{Allowed: true, Limit: int(limit)}, nil
	}
	u, err := e.store.EnsureUsage(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	count := u.ExportCount
	if monthRolledOver(u.LastExportReset, e.now()) {
		if err := e.store.ResetExportCount(ctx, userID, e.now()); err != nil {
			return Decision{}, err
		}
		count = 0
	}
	if !limit.Allows(count) {
		target := tiers.NextAbove(tier, func(c tiers.Config) bool {
			return c.ExportsPerMonth.IsUnlimited() || c.ExportsPerMonth > limit
		})
		return deny(
			fmt.Sprintf("You have used all %d exports for this month on the %s plan.", int(limit), tier),
			count, limit,
			Upgrade{Message: fmt.Sprintf("Upgrade to %s for more exports.", target), Tier: string(target)},
		), nil
	}
	return Decision{Allowed: true, CurrentCount: count, Limit: int(limit)}, nil
}

func (e *Engine) CanMakeAPICall(ctx context.Context, userID int64) (Decision, error) {
	tier, err := e.TierFor(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	limit := tiers.For(tier).APICallsPerMonth
	// A zero quota means the tier has no API access at all; this denial is
	// independent of any counter, so no usage row is read or created.
	if limit == 0 {
		target := tiers.NextAbove(tier, func(c tiers.Config) bool { return c.APICallsPerMonth != 0 })
		return deny(
			fmt.Sprintf("API access is not included in the %s plan.", tier),
			0, limit,
			Upgrade{Message: fmt.Sprintf("Upgrade to %s to use the API.", target), Tier: string(target)},
		), nil
	}
	if limit.IsUnlimited() {
		return Decision{Allowed: true, Limit: int(limit)}, nil
	}
	u, err := e.store.EnsureUsage(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	count := u.APICallsCount
	if monthRolledOver(u.LastAPIReset, e.now()) {
		if err := e.store.ResetAPICallCount(ctx, userID, e.now()); err != nil {
			return Decision{}, err
		}
		count = 0
	}
	if !limit.Allows(count) {
		target := tiers.NextAbove(tier, func(c tiers.Config) bool { return c.APICallsPerMonth > limit || c.APICallsPerMonth.IsUnlimited() })
		return deny(
			fmt.Sprintf("You have used all %d API calls for this month on the %s plan.", int(limit), tier),
			count, limit,
			Upgrade{Message: fmt.Sprintf("Upgrade to %s for a higher API quota.", target), Tier: string(target)},
		), nil
	}
	return Decision{Allowed: true, CurrentCount: count, Limit: int(limit)}, nil
}

func (e *Engine) RecordSnippetCreated(ctx context.Context, userID int64) error {
	return e.store.AddSnippetCount(ctx, userID, 1)
}

// RecordSnippetDeleted decrements the snippet counter. The store floors the
// count at zero.
func (e *Engine) RecordSnippetDeleted(ctx context.Context, userID int64) error {
	return e.store.AddSnippetCount(ctx, userID, -1)
}

func (e *Engine) RecordExport(ctx context.Context, userID int64) error {
	return e.store.IncrementExportCount(ctx, userID)
}

func (e *Engine) RecordAPICall(ctx context.Context, userID int64) error {
	return e.store.IncrementAPICallCount(ctx, userID)
}

// Counter pairs a used count with its configured limit for display. Percent
// is zero when the limit is unlimited so clients never divide by infinity.
type Counter struct {
	Used    int     `json:"used"`
	Limit   int     `json:"limit"`
	Percent float64 `json:"percentUsed"`
}

type Stats struct {
	Tier     string  `json:"tier"`
	Snippets Counter `json:"snippets"`
	Exports  Counter `json:"exports"`
	APICalls Counter `json:"apiCalls"`
}

// UsageStats returns the full usage snapshot for the user. A missing usage
// row reads as all-zero rather than being created.
func (e *Engine) UsageStats(ctx context.Context, userID int64) (Stats, error) {
	tier, err := e.TierFor(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	u, err := e.store.GetUsage(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		u = models.UsageTracking{UserID: userID}
	} else if err != nil {
		return Stats{}, err
	}
	cfg := tiers.For(tier)
	return Stats{
		Tier:     string(tier),
		Snippets: counter(u.SnippetCount, cfg.SnippetLimit),
		Exports:  counter(u.ExportCount, cfg.ExportsPerMonth),
		APICalls: counter(u.APICallsCount, cfg.APICallsPerMonth),
	}, nil
}

func counter(used int, limit tiers.Limit) Counter {
	c := Counter{Used: used, Limit: int(limit)}
	if !limit.IsUnlimited() && limit > 0 {
		c.Percent = float64(used) / float64(limit) * 100
	}
	return c
}

func deny(reason string, count int, limit tiers.Limit, up Upgrade) Decision {
	return Decision{Reason: reason, CurrentCount: count, Limit: int(limit), Upgrade: &up}
}

// monthRolledOver reports whether now falls in a calendar month strictly
// after last. The comparison is by year and month, not elapsed time: a reset
// on Jan 31 rolls over on Feb 1.
func monthRolledOver(last, now time.Time) bool {
	last, now = last.UTC(), now.UTC()
	return (now.Year()*12+int(now.Month()))-(last.Year()*12+int(last.Month())) >= 1
}
