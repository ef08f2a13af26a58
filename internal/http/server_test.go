package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"snipvault/internal/billing"
	"snipvault/internal/config"
	"snipvault/internal/models"
	"snipvault/internal/usage"
)

func TestParseID(t *testing.T) {
	id, err := parseID("123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 123 {
		t.Fatalf("unexpected id: %d", id)
	}
	if _, err := parseID(""); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := parseID("abc"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestParsePagination(t *testing.T) {
	req := &http.Request{URL: &url.URL{RawQuery: "page=3&page_size=50"}}
	page, pageSize := parsePagination(req)
	if page != 3 || pageSize != 50 {
		t.Fatalf("unexpected pagination: %d %d", page, pageSize)
	}

	req = &http.Request{URL: &url.URL{RawQuery: "page=-1&page_size=5000"}}
	page, pageSize = parsePagination(req)
	if page != 1 || pageSize != 20 {
		t.Fatalf("out-of-range values should fall back to defaults: %d %d", page, pageSize)
	}
}

func TestParseRangeDefaults(t *testing.T) {
	req := &http.Request{URL: &url.URL{}}
	from, to, err := parseRange(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if to.Before(from) {
		t.Fatalf("expected to >= from")
	}
	if to.Sub(from) < 29*24*time.Hour {
		t.Fatalf("expected default range around 30 days")
	}
}

func TestParseRangeCustom(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))
	req := &http.Request{URL: &url.URL{RawQuery: q.Encode()}}
	parsedFrom, parsedTo, err := parseRange(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsedFrom.Equal(from) || !parsedTo.Equal(to) {
		t.Fatalf("range mismatch")
	}
}

func TestCanView(t *testing.T) {
	public := models.Snippet{UserID: 1, Visibility: models.VisibilityPublic}
	unlisted := models.Snippet{UserID: 1, Visibility: models.VisibilityUnlisted}
	private := models.Snippet{UserID: 1, Visibility: models.VisibilityPrivate}

	if !canView(public, 0) || !canView(unlisted, 0) {
		t.Fatalf("public and unlisted resolve for anyone with the link")
	}
	if canView(private, 0) || canView(private, 2) {
		t.Fatalf("private must not resolve for non-owners")
	}
	if !canView(private, 1) {
		t.Fatalf("private must resolve for its owner")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Fatalf("4th request in window should be denied")
	}
	if !rl.allow("10.0.0.2") {
		t.Fatalf("other clients have their own window")
	}
}

func newWebhookTestServer(secret string) *Server {
	cfg := config.Config{StripeWebhookSecret: secret, AuthRateLimit: 10, AuthRateWindow: 60}
	rec := billing.NewReconciler(nil, nil, nil, secret, zerolog.Nop())
	return NewServer(nil, nil, rec, cfg, zerolog.Nop())
}

func signedHeader(payload []byte, secret string, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

// ignoredEventPayload builds a signed-payload body for an event type the
// reconciler does not act on. The API version must match the client library's
// or signature construction rejects the event.
func ignoredEventPayload() []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_1","api_version":%q,"type":"customer.created","data":{"object":{}}}`,
		stripe.APIVersion))
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	s := newWebhookTestServer("whsec_test")
	payload := ignoredEventPayload()

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	s.handleStripeWebhook(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStripeWebhookAcceptsSignedIgnoredEvent(t *testing.T) {
	secret := "whsec_test"
	s := newWebhookTestServer(secret)
	payload := ignoredEventPayload()

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signedHeader(payload, secret, time.Now()))
	rr := httptest.NewRecorder()
	s.handleStripeWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body["received"] {
		t.Fatalf("expected received ack, got %s", rr.Body.String())
	}
}

func TestStripeWebhookWithoutSecretUnavailable(t *testing.T) {
	s := newWebhookTestServer("")
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	s.handleStripeWebhook(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

type noSubscriptions struct{}

func (noSubscriptions) GetSubscriptionByUserID(_ context.Context, _ int64) (models.Subscription, error) {
	return models.Subscription{}, models.ErrNotFound
}

func TestCheckVisibilityOnFreeTier(t *testing.T) {
	s := &Server{engine: usage.NewEngine(noSubscriptions{}, nil), log: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodPost, "/api/snippets", nil)

	rr := httptest.NewRecorder()
	if !s.checkVisibility(rr, req, 1, models.VisibilityPublic) {
		t.Fatalf("public must be allowed on every tier")
	}
	rr = httptest.NewRecorder()
	if !s.checkVisibility(rr, req, 1, models.VisibilityUnlisted) {
		t.Fatalf("unlisted must be allowed on every tier: %s", rr.Body.String())
	}
	rr = httptest.NewRecorder()
	if s.checkVisibility(rr, req, 1, models.VisibilityPrivate) {
		t.Fatalf("private requires the private_snippets feature")
	}
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for private on free, got %d", rr.Code)
	}
}

func TestListPlans(t *testing.T) {
	cfg := config.Config{StripePriceProMonthly: "price_pro_m"}
	s := &Server{cfg: cfg, log: zerolog.Nop()}

	rr := httptest.NewRecorder()
	s.handleListPlans(rr, httptest.NewRequest(http.MethodGet, "/api/billing/plans", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Plans []planResponse `json:"plans"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Plans) != 4 {
		t.Fatalf("expected 4 plans, got %d", len(body.Plans))
	}
	if body.Plans[0].Name != "free" || body.Plans[0].SnippetLimit != 50 {
		t.Fatalf("unexpected first plan: %+v", body.Plans[0])
	}
	if body.Plans[1].MonthlyPriceID != "price_pro_m" {
		t.Fatalf("pro should carry its configured price id: %+v", body.Plans[1])
	}
}

func TestJWTRoundTrip(t *testing.T) {
	cfg := config.Config{JWTSecretKey: "test-secret", JWTExpiryHours: 1}
	s := &Server{cfg: cfg, log: zerolog.Nop()}

	token, err := s.generateJWT(models.User{ID: 42, Username: "ada", Role: models.UserRoleUser})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := s.parseJWT(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "ada" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	s.cfg.JWTSecretKey = "different-secret"
	if _, err := s.parseJWT(token); err == nil {
		t.Fatalf("token signed with another secret should not parse")
	}
}
