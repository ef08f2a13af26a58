package models

import (
	"time"

	"snipvault/internal/tiers"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Bio          string    `json:"bio"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Snippet struct {
	ID           int64     `json:"id"`
	PublicID     string    `json:"public_id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Code         string    `json:"code"`
	Language     string    `json:"language"`
	Visibility   string    `json:"visibility"`
	CategoryID   *int64    `json:"category_id,omitempty"`
	ForkedFromID *int64    `json:"forked_from_id,omitempty"`
	LikesCount   int       `json:"likes_count"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Subscription is the single billing record per user. tier=free rows carry no
// Stripe references; only the reconciler (or downgrade-on-cancel) mutates it
// after signup.
type Subscription struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	Tier                 tiers.Tier `json:"tier"`
	Status               string     `json:"status"`
	BillingPeriod        *string    `json:"billing_period,omitempty"`
	StripeCustomerID     *string    `json:"-"`
	StripeSubscriptionID *string    `json:"-"`
	StripePriceID        *string    `json:"-"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	TrialEndsAt          *time.Time `json:"trial_ends_at,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// UsageTracking carries the per-user counters the tier engine checks. Counts
// never go negative; reset timestamps only move forward.
type UsageTracking struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	SnippetCount    int       `json:"snippet_count"`
	ExportCount     int       `json:"export_count"`
	APICallsCount   int       `json:"api_calls_count"`
	LastExportReset time.Time `json:"last_export_reset"`
	LastAPIReset    time.Time `json:"last_api_reset"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StripeSubscriptionSync is the field set a provider event overwrites on the
// local subscription row.
type StripeSubscriptionSync struct {
	Tier                 tiers.Tier
	Status               string
	BillingPeriod        *string
	StripeCustomerID     *string
	StripeSubscriptionID *string
	StripePriceID        *string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
}

type APIKey struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"key_prefix"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
)

const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
	SubscriptionTrialing = "trialing"
)

const (
	BillingPeriodMonthly = "monthly"
	BillingPeriodYearly  = "yearly"
)

const (
	APIKeyStatusActive  = "active"
	APIKeyStatusRevoked = "revoked"
)

func ValidVisibility(v string) bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}
