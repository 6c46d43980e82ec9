package mal

import "time"

// LinkedAccount is the one-row-per-user summary of a MyAnimeList link.
type LinkedAccount struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	ExternalUserID int64     `gorm:"column:external_user_id;not null" json:"external_user_id"`
	Username       string    `gorm:"column:username;size:190;not null" json:"username"`
	DisplayName    string    `gorm:"column:display_name;size:320" json:"display_name"`
	AvatarURL      string    `gorm:"column:avatar_url;size:512" json:"avatar_url"`
	AnimeCount     int       `gorm:"column:anime_count;not null;default:0" json:"anime_count"`
	MeanScore      float64   `gorm:"column:mean_score;not null;default:0" json:"mean_score"`
	LinkedAt       time.Time `gorm:"column:linked_at;not null" json:"linked_at"`
	SyncedAt       time.Time `gorm:"column:synced_at" json:"synced_at"`
}

// TableName provides the explicit table binding for GORM.
func (LinkedAccount) TableName() string {
	return "mal_accounts"
}

// TokenRecord stores the encrypted provider tokens for one user. The nonce
// and authentication tag are kept as independent columns so decryption can
// fail closed on any tampered part.
type TokenRecord struct {
	UserID            string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	AccessCiphertext  string    `gorm:"column:access_ciphertext;type:text;not null"`
	AccessNonce       string    `gorm:"column:access_nonce;size:64;not null"`
	AccessTag         string    `gorm:"column:access_tag;size:64;not null"`
	RefreshCiphertext string    `gorm:"column:refresh_ciphertext;type:text"`
	RefreshNonce      string    `gorm:"column:refresh_nonce;size:64"`
	RefreshTag        string    `gorm:"column:refresh_tag;size:64"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TokenRecord) TableName() string {
	return "mal_tokens"
}

// WatchEvent is one watched-episode record. The composite key makes repeated
// syncs of the same upstream payload idempotent.
type WatchEvent struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	ExternalItemID int64     `gorm:"column:external_item_id;primaryKey;not null"`
	Episode        int       `gorm:"column:episode;primaryKey;not null"`
	WatchedAt      time.Time `gorm:"column:watched_at;not null;index:idx_watch_events_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (WatchEvent) TableName() string {
	return "mal_watch_events"
}

// CatalogItem is the denormalized per-title cache shared across users.
type CatalogItem struct {
	ExternalItemID int64     `gorm:"column:external_item_id;primaryKey;not null" json:"id"`
	Title          string    `gorm:"column:title;size:512;not null" json:"title"`
	ImageURL       string    `gorm:"column:image_url;size:512" json:"image_url"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (CatalogItem) TableName() string {
	return "mal_catalog_items"
}
