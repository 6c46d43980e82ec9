package mal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lifedash/backend/internal/config"
)

func testClient(tokenURL, apiBaseURL string) *Client {
	return NewClient(ClientConfig{
		Credentials: config.ProviderCredentials{
			ClientID:     "mal-client-id",
			ClientSecret: "mal-client-secret",
			RedirectURI:  "https://app.example/api/mal/link/callback",
		},
		AuthURL:    "https://myanimelist.example/authorize",
		TokenURL:   tokenURL,
		APIBaseURL: apiBaseURL,
	})
}

func TestAuthorizationURLUsesS256(t *testing.T) {
	client := testClient("https://myanimelist.example/token", "https://api.example/v2")

	rawURL, err := client.AuthorizationURL("state-abc", "challenge-xyz")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	query := parsed.Query()
	expectations := map[string]string{
		"response_type":         "code",
		"client_id":             "mal-client-id",
		"redirect_uri":          "https://app.example/api/mal/link/callback",
		"state":                 "state-abc",
		"code_challenge":        "challenge-xyz",
		"code_challenge_method": "S256",
	}
	for key, want := range expectations {
		if got := query.Get(key); got != want {
			t.Fatalf("query %s: got %q, want %q", key, got, want)
		}
	}
}

func TestAuthorizationURLRequiresConfiguration(t *testing.T) {
	client := NewClient(ClientConfig{})
	if _, err := client.AuthorizationURL("state", "challenge"); err == nil {
		t.Fatal("authorization url succeeded without configuration")
	}
}

func TestExchangeCodeRequestShape(t *testing.T) {
	var captured url.Values
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		captured = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","refresh_token":"refresh","token_type":"Bearer","expires_in":2678400}`))
	}))
	defer upstream.Close()

	client := testClient(upstream.URL, "https://api.example/v2")
	tokens, err := client.ExchangeCode(context.Background(), "auth-code", "verifier-value")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if tokens.AccessToken != "tok" || tokens.RefreshToken != "refresh" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	expectations := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     "mal-client-id",
		"code":          "auth-code",
		"code_verifier": "verifier-value",
		"redirect_uri":  "https://app.example/api/mal/link/callback",
	}
	for key, want := range expectations {
		if got := captured.Get(key); got != want {
			t.Fatalf("form %s: got %q, want %q", key, got, want)
		}
	}
}

func TestExchangeCodeMissingAccessToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	defer upstream.Close()

	client := testClient(upstream.URL, "https://api.example/v2")
	if _, err := client.ExchangeCode(context.Background(), "code", "verifier"); !errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("got %v, want ErrNoAccessToken", err)
	}
}

func TestExchangeCodeUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer upstream.Close()

	client := testClient(upstream.URL, "https://api.example/v2")
	_, err := client.ExchangeCode(context.Background(), "code", "verifier")

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("got %v, want UpstreamError", err)
	}
	if upstreamErr.Status != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", upstreamErr.Status)
	}
}

func TestProfileParsesStatistics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header: got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"name":"watcher","picture":"https://img.example/a.png","anime_statistics":{"num_items":310,"mean_score":7.8}}`))
	}))
	defer upstream.Close()

	client := testClient("https://myanimelist.example/token", upstream.URL)
	profile, err := client.Profile(context.Background(), "tok")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}

	if profile.ID != 42 || profile.Name != "watcher" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.AnimeCount != 310 || profile.MeanScore != 7.8 {
		t.Fatalf("unexpected statistics: %+v", profile)
	}
}

func TestProfileRejectsIncompleteDocument(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"picture":"https://img.example/a.png"}`))
	}))
	defer upstream.Close()

	client := testClient("https://myanimelist.example/token", upstream.URL)
	if _, err := client.Profile(context.Background(), "tok"); err == nil {
		t.Fatal("profile succeeded without id or name")
	}
}

func TestRecentHistoryNormalizesVariantShapes(t *testing.T) {
	payload := `{"data":[
		{"node":{"id":101,"title":"First","main_picture":{"medium":"https://img.example/1.png"}},"list_status":{"num_episodes_watched":4,"updated_at":"2026-05-01T10:00:00Z"}},
		{"anime":{"id":202,"title":"Second"},"list_status":{"num_episodes_watched":12,"updated_at":"2026-05-02T11:30:00Z"}},
		{"entry":{"id":303,"title":"Third","main_picture":{"large":"https://img.example/3.png"}},"list_status":{"num_episodes_watched":1}},
		{"node":{"id":"not-a-number","title":"Broken"},"list_status":{"num_episodes_watched":2}},
		{"unrelated":{"id":404}}
	]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "limit=50") {
			t.Errorf("expected limit=50 in query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
	defer upstream.Close()

	client := testClient("https://myanimelist.example/token", upstream.URL)
	items, err := client.RecentHistory(context.Background(), "tok", 50)
	if err != nil {
		t.Fatalf("recent history: %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("expected 3 normalized items, got %d: %+v", len(items), items)
	}
	if items[0].ExternalID != 101 || items[0].Episode != 4 || items[0].Title != "First" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	wantTime := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if !items[0].WatchedAt.Equal(wantTime) {
		t.Fatalf("watched_at: got %v, want %v", items[0].WatchedAt, wantTime)
	}
	if items[1].ExternalID != 202 {
		t.Fatalf("anime-variant item not extracted: %+v", items[1])
	}
	if items[2].ExternalID != 303 || items[2].ImageURL != "https://img.example/3.png" {
		t.Fatalf("entry-variant item not extracted: %+v", items[2])
	}
}

func TestRecentHistoryUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired token", http.StatusUnauthorized)
	}))
	defer upstream.Close()

	client := testClient("https://myanimelist.example/token", upstream.URL)
	_, err := client.RecentHistory(context.Background(), "tok", 50)

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("got %v, want UpstreamError", err)
	}
}

func TestSeasonalListsCatalogEntries(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MAL-CLIENT-ID"); got != "mal-client-id" {
			t.Errorf("client id header: got %q", got)
		}
		if !strings.Contains(r.URL.Path, "/anime/season/2026/spring") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"node":{"id":7,"title":"Seasonal","main_picture":{"medium":"https://img.example/7.png"}}},{"node":{"id":0,"title":"Dropped"}}]}`))
	}))
	defer upstream.Close()

	client := testClient("https://myanimelist.example/token", upstream.URL)
	entries, err := client.Seasonal(context.Background(), 2026, "spring", 50)
	if err != nil {
		t.Fatalf("seasonal: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (invalid id dropped), got %d", len(entries))
	}
	if entries[0].ExternalID != 7 || entries[0].Title != "Seasonal" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}
