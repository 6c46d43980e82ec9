package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "LIFEDASH"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "lifedash.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "lifedash_session"
	defaultSessionIssuer = "lifedash-auth"
	defaultRedirectBase  = "http://localhost:3000"
	defaultRedirectPath  = "/settings/connections"
	defaultSyncCooldown  = 30 * time.Minute
)

// providerNames enumerates every OAuth2 provider the registry knows about.
var providerNames = []string{"spotify", "google", "microsoft", "reddit", "youtube", "youtube-music"}

// ProviderCredentials holds the OAuth2 client settings for one provider.
// Missing fields mark the provider unconfigured rather than failing the load.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	Providers            map[string]ProviderCredentials
	MAL                  ProviderCredentials
	TokenCipherKey       string
	RedirectBaseURL      string
	RedirectPath         string
	SyncCooldown         time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("oauth.redirect_base_url", defaultRedirectBase)
	configViper.SetDefault("oauth.redirect_path", defaultRedirectPath)
	configViper.SetDefault("sync.cooldown_minutes", int(defaultSyncCooldown.Minutes()))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	providers := make(map[string]ProviderCredentials, len(providerNames))
	for _, name := range providerNames {
		providers[name] = loadProvider(configViper, name)
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		Providers:            providers,
		MAL:                  loadProvider(configViper, "mal"),
		TokenCipherKey:       configViper.GetString("token.cipher_key"),
		RedirectBaseURL:      configViper.GetString("oauth.redirect_base_url"),
		RedirectPath:         configViper.GetString("oauth.redirect_path"),
		SyncCooldown:         time.Duration(configViper.GetInt("sync.cooldown_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func loadProvider(configViper *viper.Viper, name string) ProviderCredentials {
	key := strings.ReplaceAll(name, "-", "_")
	return ProviderCredentials{
		ClientID:     strings.TrimSpace(configViper.GetString(key + ".client_id")),
		ClientSecret: strings.TrimSpace(configViper.GetString(key + ".client_secret")),
		RedirectURI:  strings.TrimSpace(configViper.GetString(key + ".redirect_uri")),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SyncCooldown <= 0 {
		return fmt.Errorf("sync.cooldown_minutes must be positive")
	}
	return nil
}
