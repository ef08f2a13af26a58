package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	stripesub "github.com/stripe/stripe-go/v76/subscription"

	"snipvault/internal/models"
	"snipvault/internal/tiers"
)

type planResponse struct {
	Tier             string   `json:"tier"`
	Name             string   `json:"name"`
	SnippetLimit     int      `json:"snippet_limit"`
	ExportsPerMonth  int      `json:"exports_per_month"`
	APICallsPerMonth int      `json:"api_calls_per_month"`
	Features         []string `json:"features"`
	MonthlyPriceID   string   `json:"monthly_price_id,omitempty"`
	YearlyPriceID    string   `json:"yearly_price_id,omitempty"`
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	var plans []planResponse
	for _, tier := range tiers.Order {
		cfg := tiers.For(tier)
		p := planResponse{
			Tier:             string(tier),
			Name:             string(cfg.Name),
			SnippetLimit:     int(cfg.SnippetLimit),
			ExportsPerMonth:  int(cfg.ExportsPerMonth),
			APICallsPerMonth: int(cfg.APICallsPerMonth),
			Features:         cfg.Features(),
		}
		if id, ok := s.cfg.PriceFor(tier, models.BillingPeriodMonthly); ok {
			p.MonthlyPriceID = id
		}
		if id, ok := s.cfg.PriceFor(tier, models.BillingPeriodYearly); ok {
			p.YearlyPriceID = id
		}
		plans = append(plans, p)
	}
	respondJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

type checkoutRequest struct {
	Tier       string `json:"tier"`
	Period     string `json:"period"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeSecretKey == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("billing is not configured"))
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Period == "" {
		req.Period = models.BillingPeriodMonthly
	}
	tier := tiers.Tier(req.Tier)
	if !tiers.Known(tier) || tier == tiers.Free {
		respondError(w, http.StatusBadRequest, errors.New("unknown plan"))
		return
	}
	priceID, ok := s.cfg.PriceFor(tier, req.Period)
	if !ok {
		respondError(w, http.StatusBadRequest, errors.New("plan is not available for self-serve checkout"))
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("success_url and cancel_url are required"))
		return
	}

	userID := getUserIDFromContext(r.Context())
	user, err := s.svc.GetUserByID(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	// The user ID rides along twice so the webhook can find its way back even
	// when only one of the objects survives into the event payload.
	userRef := fmt.Sprintf("%d", userID)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail:     stripe.String(user.Email),
		ClientReferenceID: stripe.String(userRef),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userRef},
		},
	}
	params.AddMetadata("user_id", userRef)

	sess, err := checkoutsession.New(params)
	if err != nil {
		s.respondStripeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"checkout_url": sess.URL, "session_id": sess.ID})
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

func (s *Server) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeSecretKey == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("billing is not configured"))
		return
	}
	var req portalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ReturnURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("return_url is required"))
		return
	}
	sub, err := s.svc.GetSubscriptionByUserID(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID == "" {
		respondError(w, http.StatusBadRequest, errors.New("no billing account on file"))
		return
	}
	sess, err := portalsession.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(*sub.StripeCustomerID),
		ReturnURL: stripe.String(req.ReturnURL),
	})
	if err != nil {
		s.respondStripeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"portal_url": sess.URL})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.GetSubscriptionByUserID(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// handleCancelSubscription cancels in Stripe first, then downgrades locally.
// The Stripe call is best effort: a delete webhook for an already-canceled
// subscription lands on a row that no longer references it and is ignored.
func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	sub, err := s.svc.GetSubscriptionByUserID(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if sub.Tier == tiers.Free {
		respondError(w, http.StatusBadRequest, errors.New("no paid subscription to cancel"))
		return
	}
	if s.cfg.StripeSecretKey != "" && sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID != "" {
		if _, err := stripesub.Cancel(*sub.StripeSubscriptionID, nil); err != nil {
			s.log.Error().Err(err).Str("subscription", *sub.StripeSubscriptionID).Msg("stripe cancel failed")
		}
	}
	if err := s.svc.DowngradeToFree(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled", "tier": string(tiers.Free)})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("webhook secret not configured"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	event, err := s.reconciler.VerifyAndParse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid webhook signature"))
		return
	}
	if err := s.reconciler.Process(r.Context(), event); err != nil {
		// A 500 makes Stripe retry, which is what we want for transient
		// database failures.
		s.log.Error().Err(err).Str("event", event.ID).Str("type", string(event.Type)).Msg("webhook processing failed")
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) respondStripeError(w http.ResponseWriter, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		s.log.Error().Err(err).Str("code", string(stripeErr.Code)).Msg("stripe request failed")
		respondError(w, http.StatusBadGateway, errors.New("billing provider error"))
		return
	}
	s.log.Error().Err(err).Msg("stripe request failed")
	respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
}
