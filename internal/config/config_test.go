package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "CATALOG_CACHE_TTL_SECONDS", "ACCESS_TOKEN_TTL_MINUTES", "LOGIN_RATE_LIMIT", "SHOP_NAME", "TIMEZONE", "LAYAWAY_FIELDS", "DB_AUTO_MIGRATE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.CatalogCacheTTL() != 15*time.Second {
		t.Fatalf("unexpected catalog ttl %s", cfg.CatalogCacheTTL())
	}
	if cfg.AccessTokenTTL() != 480*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.AccessTokenTTL())
	}
	if cfg.LoginRateLimit != "5-M" {
		t.Fatalf("unexpected login rate %q", cfg.LoginRateLimit)
	}
	if cfg.LayawayFieldsMode != "auto" {
		t.Fatalf("unexpected layaway mode %q", cfg.LayawayFieldsMode)
	}
	if cfg.DBAutoMigrate {
		t.Fatal("expected auto-migrate off by default")
	}
}

func TestLoadRejectsInvalidNumbers(t *testing.T) {
	t.Setenv("CATALOG_CACHE_TTL_SECONDS", "-3")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "soon")
	t.Setenv("LAYAWAY_FIELDS", "sometimes")

	cfg := Load()
	if cfg.CatalogCacheTTLSeconds != 15 || cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected fallbacks, got %d and %d", cfg.CatalogCacheTTLSeconds, cfg.AccessTokenTTLMinutes)
	}
	if cfg.LayawayFieldsMode != "auto" {
		t.Fatalf("unknown layaway mode should fall back to auto, got %q", cfg.LayawayFieldsMode)
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{Timezone: "Mars/Olympus_Mons"}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback, got %s", cfg.Location())
	}
}
