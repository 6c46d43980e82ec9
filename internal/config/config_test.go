package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("http address: got %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "lifedash.db" {
		t.Fatalf("database path: got %q", cfg.DatabasePath)
	}
	if cfg.SessionCookieName != "lifedash_session" {
		t.Fatalf("cookie name: got %q", cfg.SessionCookieName)
	}
	if cfg.SyncCooldown != 30*time.Minute {
		t.Fatalf("sync cooldown: got %v", cfg.SyncCooldown)
	}
	if cfg.RedirectPath != "/settings/connections" {
		t.Fatalf("redirect path: got %q", cfg.RedirectPath)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil {
		t.Fatal("load succeeded without a signing secret")
	}
}

func TestLoadRejectsNonPositiveCooldown(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("sync.cooldown_minutes", 0)

	if _, err := Load(configViper); err == nil {
		t.Fatal("load succeeded with a zero cooldown")
	}
}

func TestLoadReadsProviderCredentials(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("spotify.client_id", "  spotify-id  ")
	configViper.Set("spotify.client_secret", "spotify-secret")
	configViper.Set("spotify.redirect_uri", "https://app.example/cb")
	configViper.Set("youtube_music.client_id", "ytm-id")
	configViper.Set("mal.client_id", "mal-id")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	spotify := cfg.Providers["spotify"]
	if spotify.ClientID != "spotify-id" || spotify.ClientSecret != "spotify-secret" {
		t.Fatalf("spotify credentials not trimmed and loaded: %+v", spotify)
	}
	if cfg.Providers["youtube-music"].ClientID != "ytm-id" {
		t.Fatalf("hyphenated provider name not mapped: %+v", cfg.Providers["youtube-music"])
	}
	if cfg.MAL.ClientID != "mal-id" {
		t.Fatalf("mal credentials: %+v", cfg.MAL)
	}
	if len(cfg.Providers) != 6 {
		t.Fatalf("provider count: got %d, want 6", len(cfg.Providers))
	}
}
