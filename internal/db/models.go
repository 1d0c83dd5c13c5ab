package db

import (
	"encoding/json"
	"time"
)

// Product maps shoplens.products. canonical_name is the cache key for
// gathering; both refresh timestamps advance only after a successful refresh.
type Product struct {
	ProductID                int64           `gorm:"column:product_id;primaryKey;autoIncrement"`
	ProductUUID              string          `gorm:"column:product_uuid;type:uuid;not null;unique"`
	CanonicalName            string          `gorm:"column:canonical_name;type:text;not null;unique"`
	DisplayName              string          `gorm:"column:display_name;type:text;not null"`
	Aliases                  json.RawMessage `gorm:"column:aliases;type:jsonb;not null;default:'[]'"`
	LastReviewRefreshAt      *time.Time      `gorm:"column:last_review_refresh_at;type:timestamptz"`
	LastMarketplaceRefreshAt *time.Time      `gorm:"column:last_marketplace_refresh_at;type:timestamptz"`
	CreatedAt                time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt                time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Product) TableName() string { return "shoplens.products" }

// Reviewer maps shoplens.reviewers. One row per (platform, channel/domain);
// created lazily on first ingestion, display name may be refreshed.
type Reviewer struct {
	ReviewerID      int64     `gorm:"column:reviewer_id;primaryKey;autoIncrement"`
	ReviewerUUID    string    `gorm:"column:reviewer_uuid;type:uuid;not null;unique"`
	Name            string    `gorm:"column:name;type:text;not null"`
	Platform        string    `gorm:"column:platform;type:text;not null;uniqueIndex:ux_reviewers_platform_channel"`
	ChannelOrDomain string    `gorm:"column:channel_or_domain;type:text;not null;uniqueIndex:ux_reviewers_platform_channel"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Reviewer) TableName() string { return "shoplens.reviewers" }

// Review maps shoplens.reviews. source_url is unique per product so a
// re-scrape of a known URL is skipped instead of duplicated.
type Review struct {
	ReviewID     int64     `gorm:"column:review_id;primaryKey;autoIncrement"`
	ReviewUUID   string    `gorm:"column:review_uuid;type:uuid;not null;unique"`
	ProductID    int64     `gorm:"column:product_id;type:bigint;not null;uniqueIndex:ux_reviews_product_url"`
	ReviewerID   int64     `gorm:"column:reviewer_id;type:bigint;not null"`
	SourceURL    string    `gorm:"column:source_url;type:text;not null;uniqueIndex:ux_reviews_product_url"`
	Title        string    `gorm:"column:title;type:text;not null"`
	RawLength    int       `gorm:"column:raw_length;type:integer;not null;default:0"`
	QualityScore float64   `gorm:"column:quality_score;type:double precision;not null;default:0"`
	IngestedAt   time.Time `gorm:"column:ingested_at;type:timestamptz;not null;default:now()"`
}

func (Review) TableName() string { return "shoplens.reviews" }

// Opinion maps shoplens.opinions. Children of a review; immutable.
type Opinion struct {
	OpinionID int64   `gorm:"column:opinion_id;primaryKey;autoIncrement"`
	ReviewID  int64   `gorm:"column:review_id;type:bigint;not null;index"`
	Aspect    string  `gorm:"column:aspect;type:text;not null"`
	Sentiment float64 `gorm:"column:sentiment;type:double precision;not null"`
	Quote     string  `gorm:"column:quote;type:text;not null"`
}

func (Opinion) TableName() string { return "shoplens.opinions" }

// ConsensusEntry maps shoplens.consensus. One row per (product, aspect),
// fully replaced when the product's review set changes.
type ConsensusEntry struct {
	ProductID             int64           `gorm:"column:product_id;type:bigint;primaryKey"`
	Aspect                string          `gorm:"column:aspect;type:text;primaryKey"`
	AgreementRatio        float64         `gorm:"column:agreement_ratio;type:double precision;not null"`
	MajoritySentiment     float64         `gorm:"column:majority_sentiment;type:double precision;not null"`
	DissentingReviewerIDs json.RawMessage `gorm:"column:dissenting_reviewer_ids;type:jsonb;not null;default:'[]'"`
	ComputedAt            time.Time       `gorm:"column:computed_at;type:timestamptz;not null;default:now()"`
}

func (ConsensusEntry) TableName() string { return "shoplens.consensus" }

// MarketplaceListing maps shoplens.marketplace_listings. Upserted keyed by
// (product_id, marketplace, listing_url); rows absent from a fresh scrape are
// left untouched.
type MarketplaceListing struct {
	ListingID     int64     `gorm:"column:listing_id;primaryKey;autoIncrement"`
	ListingUUID   string    `gorm:"column:listing_uuid;type:uuid;not null;unique"`
	ProductID     int64     `gorm:"column:product_id;type:bigint;not null;uniqueIndex:ux_listings_product_marketplace_url"`
	Marketplace   string    `gorm:"column:marketplace;type:text;not null;uniqueIndex:ux_listings_product_marketplace_url"`
	ListingURL    string    `gorm:"column:listing_url;type:text;not null;uniqueIndex:ux_listings_product_marketplace_url"`
	Title         string    `gorm:"column:title;type:text;not null"`
	Price         *float64  `gorm:"column:price;type:double precision"`
	Currency      string    `gorm:"column:currency;type:text;not null;default:USD"`
	SellerName    *string   `gorm:"column:seller_name;type:text"`
	SellerRating  *float64  `gorm:"column:seller_rating;type:double precision"`
	ReviewCount   *int      `gorm:"column:review_count;type:integer"`
	IsBestSeller  bool      `gorm:"column:is_best_seller;type:boolean;not null;default:false"`
	LastCheckedAt time.Time `gorm:"column:last_checked_at;type:timestamptz;not null;default:now()"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (MarketplaceListing) TableName() string { return "shoplens.marketplace_listings" }

// Conversation maps shoplens.conversations.
type Conversation struct {
	ConversationID   int64      `gorm:"column:conversation_id;primaryKey;autoIncrement"`
	ConversationUUID string     `gorm:"column:conversation_uuid;type:uuid;not null;unique"`
	Title            string     `gorm:"column:title;type:text;not null"`
	LastMessageAt    *time.Time `gorm:"column:last_message_at;type:timestamptz"`
	CreatedAt        time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Conversation) TableName() string { return "shoplens.conversations" }

// ConversationMessage maps shoplens.conversation_messages. sources and
// attachments carry the structured payloads returned with an assistant turn.
type ConversationMessage struct {
	MessageID      int64           `gorm:"column:message_id;primaryKey;autoIncrement"`
	MessageUUID    string          `gorm:"column:message_uuid;type:uuid;not null;unique"`
	ConversationID int64           `gorm:"column:conversation_id;type:bigint;not null;index"`
	Role           string          `gorm:"column:role;type:text;not null"`
	Content        string          `gorm:"column:content;type:text;not null"`
	Sources        json.RawMessage `gorm:"column:sources;type:jsonb"`
	Attachments    json.RawMessage `gorm:"column:attachments;type:jsonb"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ConversationMessage) TableName() string { return "shoplens.conversation_messages" }

func autoMigrateModels() []any {
	return []any{
		&Product{},
		&Reviewer{},
		&Review{},
		&Opinion{},
		&ConsensusEntry{},
		&MarketplaceListing{},
		&Conversation{},
		&ConversationMessage{},
	}
}
