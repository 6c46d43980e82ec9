package mal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lifedash/backend/internal/config"
)

const (
	defaultAuthURL    = "https://myanimelist.net/v1/oauth2/authorize"
	defaultTokenURL   = "https://myanimelist.net/v1/oauth2/token"
	defaultAPIBaseURL = "https://api.myanimelist.net/v2"

	defaultRequestTimeout = 15 * time.Second
)

// historyItemKeys is the ordered list of field names the history payload may
// nest an item under, depending on the response variant. The first present
// key wins.
var historyItemKeys = []string{"node", "anime", "entry"}

// ErrNoAccessToken marks a token grant that parsed but carried no usable
// access token.
var ErrNoAccessToken = errors.New("mal: response missing access_token")

// UpstreamError reports a non-2xx response from the MyAnimeList API. Only the
// status code is retained; response bodies may carry secrets and are never
// propagated.
type UpstreamError struct {
	Op     string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mal %s: upstream status %d", e.Op, e.Status)
}

// TokenSet is the validated result of a token grant.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Profile is the snapshot fetched right after linking.
type Profile struct {
	ID         int64
	Name       string
	Picture    string
	AnimeCount int
	MeanScore  float64
}

// HistoryItem is one normalized watched-episode entry.
type HistoryItem struct {
	ExternalID int64
	Episode    int
	WatchedAt  time.Time
	Title      string
	ImageURL   string
}

// CatalogEntry is one normalized seasonal listing entry.
type CatalogEntry struct {
	ExternalID int64
	Title      string
	ImageURL   string
}

// ClientConfig configures the MyAnimeList API client. URL overrides exist for
// tests; zero values select the production endpoints.
type ClientConfig struct {
	Credentials config.ProviderCredentials
	AuthURL     string
	TokenURL    string
	APIBaseURL  string
	HTTPClient  *http.Client
}

// Client talks to the MyAnimeList OAuth and REST endpoints.
type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	authURL      string
	tokenURL     string
	apiBaseURL   string
	httpClient   *http.Client
}

// NewClient constructs a Client with a bounded request timeout.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	client := &Client{
		clientID:     cfg.Credentials.ClientID,
		clientSecret: cfg.Credentials.ClientSecret,
		redirectURI:  cfg.Credentials.RedirectURI,
		authURL:      cfg.AuthURL,
		tokenURL:     cfg.TokenURL,
		apiBaseURL:   strings.TrimSuffix(cfg.APIBaseURL, "/"),
		httpClient:   httpClient,
	}
	if client.authURL == "" {
		client.authURL = defaultAuthURL
	}
	if client.tokenURL == "" {
		client.tokenURL = defaultTokenURL
	}
	if client.apiBaseURL == "" {
		client.apiBaseURL = defaultAPIBaseURL
	}
	return client
}

// Configured reports whether the client can run an authorization flow.
func (c *Client) Configured() bool {
	return c.clientID != "" && c.redirectURI != ""
}

// AuthorizationURL builds the PKCE authorization URL. Only the S256 challenge
// method is emitted; plain is never used.
func (c *Client) AuthorizationURL(state, codeChallenge string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("mal authorization url: client not configured")
	}
	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", c.clientID)
	values.Set("redirect_uri", c.redirectURI)
	values.Set("state", state)
	values.Set("code_challenge", codeChallenge)
	values.Set("code_challenge_method", "S256")
	return c.authURL + "?" + values.Encode(), nil
}

// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (TokenSet, error) {
	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		values.Set("client_secret", c.clientSecret)
	}
	values.Set("code", code)
	values.Set("code_verifier", codeVerifier)
	values.Set("redirect_uri", c.redirectURI)
	return c.tokenGrant(ctx, "code exchange", values)
}

// RefreshTokens trades a refresh token for fresh tokens.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (TokenSet, error) {
	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		values.Set("client_secret", c.clientSecret)
	}
	values.Set("refresh_token", refreshToken)
	return c.tokenGrant(ctx, "token refresh", values)
}

func (c *Client) tokenGrant(ctx context.Context, op string, values url.Values) (TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("mal %s: %w", op, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return TokenSet{}, &UpstreamError{Op: op, Status: response.StatusCode}
	}

	var tokens TokenSet
	if err := json.NewDecoder(response.Body).Decode(&tokens); err != nil {
		return TokenSet{}, fmt.Errorf("mal %s: decode response: %w", op, err)
	}
	if tokens.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("mal %s: %w", op, ErrNoAccessToken)
	}
	return tokens, nil
}

type profileDocument struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Picture         string `json:"picture"`
	AnimeStatistics struct {
		NumItems  int     `json:"num_items"`
		MeanScore float64 `json:"mean_score"`
	} `json:"anime_statistics"`
}

// Profile fetches the authenticated user's profile snapshot.
func (c *Client) Profile(ctx context.Context, accessToken string) (Profile, error) {
	var document profileDocument
	err := c.getJSON(ctx, "profile", c.apiBaseURL+"/users/@me?fields=anime_statistics", accessToken, &document)
	if err != nil {
		return Profile{}, err
	}
	if document.ID == 0 || document.Name == "" {
		return Profile{}, fmt.Errorf("mal profile: response missing id or name")
	}
	return Profile{
		ID:         document.ID,
		Name:       document.Name,
		Picture:    document.Picture,
		AnimeCount: document.AnimeStatistics.NumItems,
		MeanScore:  document.AnimeStatistics.MeanScore,
	}, nil
}

type historyDocument struct {
	Data []map[string]json.RawMessage `json:"data"`
}

type historyNode struct {
	ID          json.Number `json:"id"`
	Title       string      `json:"title"`
	MainPicture struct {
		Medium string `json:"medium"`
		Large  string `json:"large"`
	} `json:"main_picture"`
}

type historyStatus struct {
	NumEpisodesWatched int    `json:"num_episodes_watched"`
	UpdatedAt          string `json:"updated_at"`
}

// RecentHistory fetches the user's most recently updated list entries and
// normalizes the heterogeneous item shapes into HistoryItems. Items whose id
// does not parse as a positive number are skipped.
func (c *Client) RecentHistory(ctx context.Context, accessToken string, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	endpoint := fmt.Sprintf("%s/users/@me/animelist?fields=list_status&sort=list_updated_at&limit=%d", c.apiBaseURL, limit)

	var document historyDocument
	if err := c.getJSON(ctx, "history", endpoint, accessToken, &document); err != nil {
		return nil, err
	}

	items := make([]HistoryItem, 0, len(document.Data))
	for _, raw := range document.Data {
		node, ok := extractNode(raw)
		if !ok {
			continue
		}
		externalID, err := node.ID.Int64()
		if err != nil || externalID <= 0 {
			continue
		}

		var status historyStatus
		if rawStatus, present := raw["list_status"]; present {
			// Malformed status data degrades to zero values, not a failed sync.
			_ = json.Unmarshal(rawStatus, &status)
		}
		watchedAt := time.Time{}
		if status.UpdatedAt != "" {
			if parsed, err := time.Parse(time.RFC3339, status.UpdatedAt); err == nil {
				watchedAt = parsed
			}
		}

		image := node.MainPicture.Medium
		if image == "" {
			image = node.MainPicture.Large
		}
		items = append(items, HistoryItem{
			ExternalID: externalID,
			Episode:    status.NumEpisodesWatched,
			WatchedAt:  watchedAt,
			Title:      node.Title,
			ImageURL:   image,
		})
	}
	return items, nil
}

func extractNode(raw map[string]json.RawMessage) (historyNode, bool) {
	for _, key := range historyItemKeys {
		payload, present := raw[key]
		if !present {
			continue
		}
		var node historyNode
		if err := json.Unmarshal(payload, &node); err != nil {
			continue
		}
		return node, true
	}
	return historyNode{}, false
}

type seasonalDocument struct {
	Data []struct {
		Node historyNode `json:"node"`
	} `json:"data"`
}

// Seasonal fetches the public seasonal catalog listing. The endpoint accepts
// the client id header instead of a user token.
func (c *Client) Seasonal(ctx context.Context, year int, season string, limit int) ([]CatalogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	endpoint := fmt.Sprintf("%s/anime/season/%d/%s?limit=%d", c.apiBaseURL, year, season, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MAL-CLIENT-ID", c.clientID)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mal seasonal: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &UpstreamError{Op: "seasonal", Status: response.StatusCode}
	}

	var document seasonalDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("mal seasonal: decode response: %w", err)
	}

	entries := make([]CatalogEntry, 0, len(document.Data))
	for _, item := range document.Data {
		externalID, err := item.Node.ID.Int64()
		if err != nil || externalID <= 0 {
			continue
		}
		image := item.Node.MainPicture.Medium
		if image == "" {
			image = item.Node.MainPicture.Large
		}
		entries = append(entries, CatalogEntry{
			ExternalID: externalID,
			Title:      item.Node.Title,
			ImageURL:   image,
		})
	}
	return entries, nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mal %s: %w", op, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &UpstreamError{Op: op, Status: response.StatusCode}
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("mal %s: decode response: %w", op, err)
	}
	return nil
}
