package tiers

import "testing"

func TestLimitAllows(t *testing.T) {
	if !Unlimited.Allows(1 << 30) {
		t.Fatalf("unlimited should always allow")
	}
	l := Limit(50)
	if !l.Allows(49) {
		t.Fatalf("expected 49 < 50 to allow")
	}
	if l.Allows(50) {
		t.Fatalf("expected 50 at limit 50 to deny")
	}
	if Limit(0).Allows(0) {
		t.Fatalf("zero limit should deny everything")
	}
}

func TestForUnknownTierDefaultsToFree(t *testing.T) {
	cfg := For(Tier("platinum"))
	if cfg.Name != Free {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if Known(Tier("platinum")) {
		t.Fatalf("platinum should not be a known tier")
	}
}

func TestHasFeature(t *testing.T) {
	if For(Free).HasFeature(FeaturePrivateSnippets) {
		t.Fatalf("free should not grant private snippets")
	}
	if !For(Pro).HasFeature(FeaturePrivateSnippets) {
		t.Fatalf("pro should grant private snippets")
	}
	if For(Pro).HasFeature(FeatureSSO) {
		t.Fatalf("pro should not grant sso")
	}
	if !For(Enterprise).HasFeature(FeatureSSO) {
		t.Fatalf("enterprise should grant sso")
	}
	if For(Pro).HasFeature("time_travel") {
		t.Fatalf("unknown feature must fail closed")
	}
}

func TestAPIAccessDerivedFromQuota(t *testing.T) {
	if For(Free).HasFeature(FeatureAPIAccess) {
		t.Fatalf("free has no api quota")
	}
	if !For(Pro).HasFeature(FeatureAPIAccess) {
		t.Fatalf("pro has a nonzero api quota")
	}
	if !For(Enterprise).HasFeature(FeatureAPIAccess) {
		t.Fatalf("unlimited quota grants api access")
	}
}

func TestNextAbove(t *testing.T) {
	got := NextAbove(Free, func(c Config) bool { return c.SnippetLimit.IsUnlimited() })
	if got != Pro {
		t.Fatalf("expected pro, got %s", got)
	}
	got = NextAbove(Pro, func(c Config) bool { return c.ExportsPerMonth.IsUnlimited() })
	if got != Team {
		t.Fatalf("expected team, got %s", got)
	}
	if got := NextAbove(Enterprise, nil); got != Pro {
		t.Fatalf("expected fallback pro, got %s", got)
	}
}

func TestFeaturesListing(t *testing.T) {
	if len(For(Free).Features()) != 0 {
		t.Fatalf("free should list no features")
	}
	pro := For(Pro).Features()
	found := false
	for _, f := range pro {
		if f == FeatureAdvancedSearch {
			found = true
		}
		if f == FeatureAnalytics {
			t.Fatalf("pro should not list analytics")
		}
	}
	if !found {
		t.Fatalf("pro should list advanced search")
	}
}
