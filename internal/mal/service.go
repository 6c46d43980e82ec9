package mal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lifedash/backend/internal/handoff"
	"github.com/lifedash/backend/internal/secretbox"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Stable error codes surfaced as {"error": <code>} by the HTTP layer.
const (
	CodeServerNotConfigured = "server_not_configured"
	CodeInvalidState        = "invalid_state"
	CodeTokenExchangeFailed = "token_exchange_failed"
	CodeNoAccessToken       = "no_access_token"
	CodeProfileFetchFailed  = "profile_fetch_failed"
	CodeNotLinked           = "not_linked"
	CodeMissingAccessToken  = "missing_access_token"
	CodeHistoryFetchFailed  = "history_fetch_failed"
	CodeTooManyRequests     = "too_many_requests"
	CodeProfileReadFailed   = "profile_read_failed"
	CodeRecentReadFailed    = "recent_read_failed"
	CodeSeasonalFetchFailed = "seasonal_fetch_failed"
	CodeSyncFailed          = "sync_failed"
)

const (
	stateKeyPrefix      = "state:"
	codeVerifierLength  = 64 // random bytes before base64url encoding
	historyPageSize     = 50
	seasonalPageSize    = 50
	seasonalCacheKey    = "seasonal"
	seasonalCacheTTL    = 30 * time.Minute
	seasonalSweepPeriod = 10 * time.Minute
	linkedQueryParam    = "mal_linked"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingClient   = errors.New("api client is required")
	errMissingHandoff  = errors.New("handoff store is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError pairs a stable machine-readable code with its internal cause.
// The cause is logged server-side and never forwarded to clients.
type ServiceError struct {
	op   string
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.op, e.code)
	}
	return fmt.Sprintf("%s: %s: %v", e.op, e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "mal.service.new"
	opStartLink    = "mal.start_link"
	opCompleteLink = "mal.complete_link"
	opSync         = "mal.sync"
	opProfile      = "mal.profile"
	opRecent       = "mal.recent"
	opSeasonal     = "mal.seasonal"
)

func newServiceError(op, code string, cause error) error {
	return &ServiceError{op: op, code: code, err: cause}
}

// CooldownError rejects a sync attempted before the cooldown elapsed.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry after %s", CodeTooManyRequests, e.RetryAfter)
}

// RetryAfterSec returns the advisory retry delay in whole seconds.
func (e *CooldownError) RetryAfterSec() int64 {
	return int64(e.RetryAfter.Round(time.Second).Seconds())
}

// LinkPayload correlates an authorization start with its callback.
type LinkPayload struct {
	UserID       string
	CodeVerifier string
}

// APIClient is the outbound surface the service needs from the MyAnimeList
// client; tests substitute a stub.
type APIClient interface {
	Configured() bool
	AuthorizationURL(state, codeChallenge string) (string, error)
	ExchangeCode(ctx context.Context, code, codeVerifier string) (TokenSet, error)
	RefreshTokens(ctx context.Context, refreshToken string) (TokenSet, error)
	Profile(ctx context.Context, accessToken string) (Profile, error)
	RecentHistory(ctx context.Context, accessToken string, limit int) ([]HistoryItem, error)
	Seasonal(ctx context.Context, year int, season string, limit int) ([]CatalogEntry, error)
}

// ServiceConfig describes the dependencies of the linking service.
type ServiceConfig struct {
	Database        *gorm.DB
	Client          APIClient
	Handoff         *handoff.Store[LinkPayload]
	Box             *secretbox.Box // nil disables token persistence
	Clock           func() time.Time
	Logger          *zap.Logger
	RedirectBaseURL string
	RedirectPath    string
	Cooldown        time.Duration
}

// Service orchestrates the MyAnimeList PKCE linking flow and its read model.
type Service struct {
	db          *gorm.DB
	client      APIClient
	handoff     *handoff.Store[LinkPayload]
	box         *secretbox.Box
	clock       func() time.Time
	logger      *zap.Logger
	redirectURL string
	cooldown    time.Duration
	seasonal    *gocache.Cache
}

// NewService constructs the linking service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Client == nil {
		return nil, newServiceError(opServiceNew, "missing_client", errMissingClient)
	}
	if cfg.Handoff == nil {
		return nil, newServiceError(opServiceNew, "missing_handoff", errMissingHandoff)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}

	return &Service{
		db:          cfg.Database,
		client:      cfg.Client,
		handoff:     cfg.Handoff,
		box:         cfg.Box,
		clock:       clock,
		logger:      logger,
		redirectURL: strings.TrimSuffix(cfg.RedirectBaseURL, "/") + cfg.RedirectPath,
		cooldown:    cooldown,
		seasonal:    gocache.New(seasonalCacheTTL, seasonalSweepPeriod),
	}, nil
}

// StartLink begins a linking attempt for the authenticated user. It returns
// the provider authorization URL and stashes the PKCE verifier under the
// generated state.
func (s *Service) StartLink(userID string) (string, error) {
	if !s.client.Configured() {
		return "", newServiceError(opStartLink, CodeServerNotConfigured, nil)
	}

	state := uuid.NewString()
	verifier, err := generateCodeVerifier()
	if err != nil {
		return "", newServiceError(opStartLink, CodeServerNotConfigured, err)
	}

	authURL, err := s.client.AuthorizationURL(state, challengeS256(verifier))
	if err != nil {
		return "", newServiceError(opStartLink, CodeServerNotConfigured, err)
	}

	s.handoff.Put(stateKeyPrefix+state, LinkPayload{UserID: userID, CodeVerifier: verifier}, handoff.DefaultTTL)
	return authURL, nil
}

// CompleteLink finishes the callback leg: it consumes the handoff record,
// exchanges the code, snapshots the profile, persists the link and returns
// the browser redirect target.
func (s *Service) CompleteLink(ctx context.Context, code, state string) (string, error) {
	if !s.client.Configured() {
		return "", newServiceError(opCompleteLink, CodeServerNotConfigured, nil)
	}

	// Consuming the state before the exchange guarantees a racing replay of
	// the same callback observes invalid_state.
	payload, ok := s.handoff.Take(stateKeyPrefix + state)
	if !ok {
		return "", newServiceError(opCompleteLink, CodeInvalidState, nil)
	}

	tokens, err := s.client.ExchangeCode(ctx, code, payload.CodeVerifier)
	if err != nil {
		if errors.Is(err, ErrNoAccessToken) {
			return "", newServiceError(opCompleteLink, CodeNoAccessToken, err)
		}
		s.logUpstream(opCompleteLink, err)
		return "", newServiceError(opCompleteLink, CodeTokenExchangeFailed, err)
	}

	profile, err := s.client.Profile(ctx, tokens.AccessToken)
	if err != nil {
		s.logUpstream(opCompleteLink, err)
		return "", newServiceError(opCompleteLink, CodeProfileFetchFailed, err)
	}

	now := s.clock().UTC()
	account := LinkedAccount{
		UserID:         payload.UserID,
		ExternalUserID: profile.ID,
		Username:       profile.Name,
		DisplayName:    profile.Name,
		AvatarURL:      profile.Picture,
		AnimeCount:     profile.AnimeCount,
		MeanScore:      profile.MeanScore,
		LinkedAt:       now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_user_id", "username", "display_name", "avatar_url",
			"anime_count", "mean_score", "linked_at",
		}),
	}).Create(&account).Error
	if err != nil {
		return "", newServiceError(opCompleteLink, CodeProfileFetchFailed, err)
	}

	// Token persistence is best effort: the account link already succeeded,
	// so a failure here only means the next sync prompts a re-link.
	if err := s.storeTokens(ctx, payload.UserID, tokens); err != nil {
		s.logger.Warn("token persistence failed after link",
			zap.String("user_id", payload.UserID), zap.Error(err))
	}

	return s.linkedRedirectURL(), nil
}

func (s *Service) linkedRedirectURL() string {
	parsed, err := url.Parse(s.redirectURL)
	if err != nil {
		return s.redirectURL + "?" + linkedQueryParam + "=1"
	}
	query := parsed.Query()
	query.Set(linkedQueryParam, "1")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (s *Service) storeTokens(ctx context.Context, userID string, tokens TokenSet) error {
	if s.box == nil {
		s.logger.Debug("token cipher key not configured; skipping token persistence")
		return nil
	}

	access, err := s.box.Encrypt(tokens.AccessToken)
	if err != nil {
		return err
	}
	record := TokenRecord{
		UserID:           userID,
		AccessCiphertext: access.Data,
		AccessNonce:      access.Nonce,
		AccessTag:        access.Tag,
	}
	if tokens.RefreshToken != "" {
		refresh, err := s.box.Encrypt(tokens.RefreshToken)
		if err != nil {
			return err
		}
		record.RefreshCiphertext = refresh.Data
		record.RefreshNonce = refresh.Nonce
		record.RefreshTag = refresh.Tag
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_ciphertext", "access_nonce", "access_tag",
			"refresh_ciphertext", "refresh_nonce", "refresh_tag", "updated_at",
		}),
	}).Create(&record).Error
}

// Sync pulls the user's recent watch history, subject to the cooldown, and
// persists it idempotently. It returns the number of newly recorded events.
func (s *Service) Sync(ctx context.Context, userID string) (int64, error) {
	if !s.client.Configured() {
		return 0, newServiceError(opSync, CodeServerNotConfigured, nil)
	}

	var account LinkedAccount
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, newServiceError(opSync, CodeNotLinked, nil)
	}
	if err != nil {
		return 0, newServiceError(opSync, CodeSyncFailed, err)
	}
	if account.Username == "" {
		return 0, newServiceError(opSync, CodeNotLinked, nil)
	}

	// Cooldown is enforced before any upstream call.
	now := s.clock().UTC()
	if !account.SyncedAt.IsZero() {
		if elapsed := now.Sub(account.SyncedAt); elapsed < s.cooldown {
			return 0, &CooldownError{RetryAfter: s.cooldown - elapsed}
		}
	}

	accessToken, err := s.loadAccessToken(ctx, userID)
	if err != nil {
		s.logger.Info("stored access token unusable; re-link required",
			zap.String("user_id", userID), zap.Error(err))
		return 0, newServiceError(opSync, CodeMissingAccessToken, err)
	}

	items, err := s.client.RecentHistory(ctx, accessToken, historyPageSize)
	if err != nil {
		s.logUpstream(opSync, err)
		return 0, newServiceError(opSync, CodeHistoryFetchFailed, err)
	}

	count, err := s.persistHistory(ctx, userID, items)
	if err != nil {
		return 0, newServiceError(opSync, CodeSyncFailed, err)
	}

	// synced_at advances even on an empty pull so the cooldown keeps gating.
	err = s.db.WithContext(ctx).Model(&LinkedAccount{}).
		Where("user_id = ?", userID).
		Update("synced_at", now).Error
	if err != nil {
		return 0, newServiceError(opSync, CodeSyncFailed, err)
	}

	return count, nil
}

func (s *Service) loadAccessToken(ctx context.Context, userID string) (string, error) {
	if s.box == nil {
		return "", errors.New("token cipher key not configured")
	}
	var record TokenRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error; err != nil {
		return "", err
	}
	return s.box.Decrypt(secretbox.Ciphertext{
		Data:  record.AccessCiphertext,
		Nonce: record.AccessNonce,
		Tag:   record.AccessTag,
	})
}

func (s *Service) persistHistory(ctx context.Context, userID string, items []HistoryItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	events := make([]WatchEvent, 0, len(items))
	catalog := make([]CatalogItem, 0, len(items))
	for _, item := range items {
		watchedAt := item.WatchedAt
		if watchedAt.IsZero() {
			watchedAt = s.clock().UTC()
		}
		events = append(events, WatchEvent{
			UserID:         userID,
			ExternalItemID: item.ExternalID,
			Episode:        item.Episode,
			WatchedAt:      watchedAt,
		})
		catalog = append(catalog, CatalogItem{
			ExternalItemID: item.ExternalID,
			Title:          item.Title,
			ImageURL:       item.ImageURL,
		})
	}

	createResult := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&events)
	if createResult.Error != nil {
		return 0, createResult.Error
	}

	if err := s.upsertCatalog(ctx, catalog); err != nil {
		return 0, err
	}
	return createResult.RowsAffected, nil
}

func (s *Service) upsertCatalog(ctx context.Context, items []CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "image_url", "updated_at"}),
	}).Create(&items).Error
}

// Account returns the linked account summary, or nil when no link exists.
func (s *Service) Account(ctx context.Context, userID string) (*LinkedAccount, error) {
	var account LinkedAccount
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opProfile, CodeProfileReadFailed, err)
	}
	return &account, nil
}

// RecentItem is one row of the recent-activity read model.
type RecentItem struct {
	ExternalItemID int64     `json:"id"`
	Episode        int       `json:"episode"`
	WatchedAt      time.Time `json:"watched_at"`
	Title          string    `json:"title"`
	ImageURL       string    `json:"image_url"`
}

// Recent lists the user's most recent watch events joined with catalog data.
func (s *Service) Recent(ctx context.Context, userID string, limit int) ([]RecentItem, error) {
	if limit <= 0 || limit > historyPageSize {
		limit = historyPageSize
	}
	items := make([]RecentItem, 0, limit)
	err := s.db.WithContext(ctx).
		Table("mal_watch_events").
		Select("mal_watch_events.external_item_id, mal_watch_events.episode, mal_watch_events.watched_at, mal_catalog_items.title, mal_catalog_items.image_url").
		Joins("LEFT JOIN mal_catalog_items ON mal_catalog_items.external_item_id = mal_watch_events.external_item_id").
		Where("mal_watch_events.user_id = ?", userID).
		Order("mal_watch_events.watched_at DESC").
		Limit(limit).
		Scan(&items).Error
	if err != nil {
		return nil, newServiceError(opRecent, CodeRecentReadFailed, err)
	}
	return items, nil
}

// Seasonal serves the current seasonal catalog, proxying upstream when the
// local cache is stale. Upstream failure leaves previously cached rows alone.
func (s *Service) Seasonal(ctx context.Context) ([]CatalogItem, error) {
	if !s.client.Configured() {
		return nil, newServiceError(opSeasonal, CodeServerNotConfigured, nil)
	}

	if cached, ok := s.seasonal.Get(seasonalCacheKey); ok {
		if items, ok := cached.([]CatalogItem); ok {
			return items, nil
		}
	}

	now := s.clock().UTC()
	entries, err := s.client.Seasonal(ctx, now.Year(), seasonOf(now), seasonalPageSize)
	if err != nil {
		s.logUpstream(opSeasonal, err)
		return nil, newServiceError(opSeasonal, CodeSeasonalFetchFailed, err)
	}

	items := make([]CatalogItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, CatalogItem{
			ExternalItemID: entry.ExternalID,
			Title:          entry.Title,
			ImageURL:       entry.ImageURL,
		})
	}

	if err := s.upsertCatalog(ctx, items); err != nil {
		s.logger.Warn("seasonal catalog upsert failed", zap.Error(err))
	}
	s.seasonal.Set(seasonalCacheKey, items, gocache.DefaultExpiration)

	return items, nil
}

func (s *Service) logUpstream(op string, err error) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		s.logger.Warn("upstream request rejected",
			zap.String("op", op),
			zap.String("upstream_op", upstream.Op),
			zap.Int("status", upstream.Status))
		return
	}
	s.logger.Warn("upstream request failed", zap.String("op", op), zap.Error(err))
}

func seasonOf(t time.Time) string {
	switch t.Month() {
	case time.January, time.February, time.March:
		return "winter"
	case time.April, time.May, time.June:
		return "spring"
	case time.July, time.August, time.September:
		return "summer"
	default:
		return "fall"
	}
}

func generateCodeVerifier() (string, error) {
	raw := make([]byte, codeVerifierLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
