// Package provider abstracts the OAuth2 identity providers a LifeDash account
// can be linked against.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotConfigured indicates the provider is missing its client id or
// redirect URI and cannot take part in an authorization flow.
var ErrNotConfigured = errors.New("provider: not configured")

// Tokens is the validated result of a token grant.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// Provider describes one OAuth2 identity/data provider. Implementations are
// stateless aside from their captured configuration and live for the process
// lifetime.
type Provider interface {
	Name() string
	Configured() bool
	// AuthorizationURL builds the provider's authorization endpoint URL for
	// the given state. No network call is made.
	AuthorizationURL(state string) (string, error)
	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, code string) (Tokens, error)
	// Refresh trades a refresh token for fresh tokens.
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// definition captures the per-provider endpoint and scope quirks. Providers
// share an identical shape, so each is a flat instantiation of oauthProvider
// rather than its own type.
type definition struct {
	endpoint      oauth2.Endpoint
	scopes        []string
	authURLParams map[string]string
}

var definitions = map[string]definition{
	"spotify": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.spotify.com/authorize",
			TokenURL: "https://accounts.spotify.com/api/token",
		},
		scopes: []string{"user-read-recently-played", "user-top-read"},
	},
	"google": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		scopes:        []string{"openid", "email", "profile"},
		authURLParams: map[string]string{"access_type": "offline", "prompt": "consent"},
	},
	"microsoft": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		},
		scopes: []string{"offline_access", "User.Read"},
	},
	"reddit": {
		endpoint: oauth2.Endpoint{
			AuthURL:   "https://www.reddit.com/api/v1/authorize",
			TokenURL:  "https://www.reddit.com/api/v1/access_token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		scopes:        []string{"identity", "history"},
		authURLParams: map[string]string{"duration": "permanent"},
	},
	"youtube": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		scopes:        []string{"https://www.googleapis.com/auth/youtube.readonly"},
		authURLParams: map[string]string{"access_type": "offline"},
	},
	"youtube-music": {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		scopes:        []string{"https://www.googleapis.com/auth/youtube.readonly"},
		authURLParams: map[string]string{"access_type": "offline"},
	},
}

type oauthProvider struct {
	name          string
	conf          *oauth2.Config
	authURLParams map[string]string
	clock         func() time.Time
}

func newOAuthProvider(name string, conf *oauth2.Config, authURLParams map[string]string) *oauthProvider {
	return &oauthProvider{
		name:          name,
		conf:          conf,
		authURLParams: authURLParams,
		clock:         time.Now,
	}
}

func (p *oauthProvider) Name() string {
	return p.name
}

func (p *oauthProvider) Configured() bool {
	return strings.TrimSpace(p.conf.ClientID) != "" && strings.TrimSpace(p.conf.RedirectURL) != ""
}

func (p *oauthProvider) AuthorizationURL(state string) (string, error) {
	if !p.Configured() {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, p.name)
	}
	opts := make([]oauth2.AuthCodeOption, 0, len(p.authURLParams))
	for key, value := range p.authURLParams {
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}
	return p.conf.AuthCodeURL(state, opts...), nil
}

func (p *oauthProvider) Exchange(ctx context.Context, code string) (Tokens, error) {
	if !p.Configured() {
		return Tokens{}, fmt.Errorf("%w: %s", ErrNotConfigured, p.name)
	}
	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return Tokens{}, fmt.Errorf("%s token exchange: %w", p.name, err)
	}
	return p.validated(token, "token exchange")
}

func (p *oauthProvider) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if !p.Configured() {
		return Tokens{}, fmt.Errorf("%w: %s", ErrNotConfigured, p.name)
	}
	source := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return Tokens{}, fmt.Errorf("%s token refresh: %w", p.name, err)
	}
	return p.validated(token, "token refresh")
}

// validated narrows the open token payload to the fields downstream code may
// rely on; a grant without an access token counts as a failed grant.
func (p *oauthProvider) validated(token *oauth2.Token, op string) (Tokens, error) {
	if token == nil || token.AccessToken == "" {
		return Tokens{}, fmt.Errorf("%s %s: response missing access_token", p.name, op)
	}
	expiresIn := int64(0)
	if !token.Expiry.IsZero() {
		expiresIn = int64(token.Expiry.Sub(p.clock()).Seconds())
	}
	return Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    expiresIn,
	}, nil
}
