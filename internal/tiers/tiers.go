// Package tiers holds the static subscription-tier catalog: per-tier usage
// limits and feature flags. Limits use -1 as the "unlimited" sentinel; the
// value crosses the persistence and API boundaries unchanged.
package tiers

type Tier string

const (
	Free       Tier = "free"
	Pro        Tier = "pro"
	Team       Tier = "team"
	Enterprise Tier = "enterprise"
)

// Limit is a monthly ceiling for a usage counter. Unlimited disables the cap.
type Limit int

const Unlimited Limit = -1

func (l Limit) IsUnlimited() bool { return l == Unlimited }

// Allows reports whether one more unit fits under the limit given the
// current count.
func (l Limit) Allows(current int) bool {
	if l.IsUnlimited() {
		return true
	}
	return current < int(l)
}

// Config describes one tier. Every tier carries the full field set;
// tier-inappropriate flags stay at their zero value.
type Config struct {
	Name             Tier  `json:"name"`
	SnippetLimit     Limit `json:"snippetLimit"`
	ExportsPerMonth  Limit `json:"exportsPerMonth"`
	APICallsPerMonth Limit `json:"apiCallsPerMonth"`
	PrivateSnippets  bool  `json:"privateSnippets"`
	AIExplanations   bool  `json:"aiExplanations"`
	AdvancedSearch   bool  `json:"advancedSearch"`
	CustomThemes     bool  `json:"customThemes"`
	Analytics        bool  `json:"analytics"`
	TeamFeatures     bool  `json:"teamFeatures"`
	SSO              bool  `json:"sso"`
	SelfHosting      bool  `json:"selfHosting"`
	Priority         int   `json:"priority"`
}

var configs = map[Tier]Config{
	Free: {
		Name:             Free,
		SnippetLimit:     50,
		ExportsPerMonth:  10,
		APICallsPerMonth: 0,
		Priority:         0,
	},
	Pro: {
		Name:             Pro,
		SnippetLimit:     Unlimited,
		ExportsPerMonth:  100,
		APICallsPerMonth: 1000,
		PrivateSnippets:  true,
		AIExplanations:   true,
		AdvancedSearch:   true,
		CustomThemes:     true,
		Priority:         1,
	},
	Team: {
		Name:             Team,
		SnippetLimit:     Unlimited,
		ExportsPerMonth:  Unlimited,
		APICallsPerMonth: 10000,
		PrivateSnippets:  true,
		AIExplanations:   true,
		AdvancedSearch:   true,
		CustomThemes:     true,
		Analytics:        true,
		TeamFeatures:     true,
		Priority:         2,
	},
	Enterprise: {
		Name:             Enterprise,
		SnippetLimit:     Unlimited,
		ExportsPerMonth:  Unlimited,
		APICallsPerMonth: Unlimited,
		PrivateSnippets:  true,
		AIExplanations:   true,
		AdvancedSearch:   true,
		CustomThemes:     true,
		Analytics:        true,
		TeamFeatures:     true,
		SSO:              true,
		SelfHosting:      true,
		Priority:         3,
	},
}

// Order lists tiers from lowest to highest priority, for plan listings.
var Order = []Tier{Free, Pro, Team, Enterprise}

// For returns the config for a tier, defaulting to free for unknown names.
func For(t Tier) Config {
	if cfg, ok := configs[t]; ok {
		return cfg
	}
	return configs[Free]
}

// Known reports whether t names a configured tier.
func Known(t Tier) bool {
	_, ok := configs[t]
	return ok
}

// Feature names accepted by HasFeature lookups.
const (
	FeaturePrivateSnippets = "private_snippets"
	FeatureAIExplanations  = "ai_explanations"
	FeatureAdvancedSearch  = "advanced_search"
	FeatureCustomThemes    = "custom_themes"
	FeatureAnalytics       = "analytics"
	FeatureTeamFeatures    = "team_features"
	FeatureSSO             = "sso"
	FeatureSelfHosting     = "self_hosting"
	FeatureAPIAccess       = "api_access"
)

// HasFeature resolves a named feature flag on the config. Unknown names
// return false. api_access is derived: any nonzero API quota grants it.
func (c Config) HasFeature(name string) bool {
	switch name {
	case FeaturePrivateSnippets:
		return c.PrivateSnippets
	case FeatureAIExplanations:
		return c.AIExplanations
	case FeatureAdvancedSearch:
		return c.AdvancedSearch
	case FeatureCustomThemes:
		return c.CustomThemes
	case FeatureAnalytics:
		return c.Analytics
	case FeatureTeamFeatures:
		return c.TeamFeatures
	case FeatureSSO:
		return c.SSO
	case FeatureSelfHosting:
		return c.SelfHosting
	case FeatureAPIAccess:
		return c.APICallsPerMonth != 0
	default:
		return false
	}
}

// Features lists the named features the config grants, in catalog order.
func (c Config) Features() []string {
	all := []string{
		FeaturePrivateSnippets, FeatureAIExplanations, FeatureAdvancedSearch,
		FeatureCustomThemes, FeatureAnalytics, FeatureTeamFeatures,
		FeatureSSO, FeatureSelfHosting, FeatureAPIAccess,
	}
	var granted []string
	for _, name := range all {
		if c.HasFeature(name) {
			granted = append(granted, name)
		}
	}
	return granted
}

// NextAbove returns the cheapest tier strictly above t that passes keep,
// used to build upgrade prompts. Falls back to Pro when nothing matches.
func NextAbove(t Tier, keep func(Config) bool) Tier {
	base := For(t).Priority
	for _, name := range Order {
		cfg := configs[name]
		if cfg.Priority > base && (keep == nil || keep(cfg)) {
			return name
		}
	}
	return Pro
}
