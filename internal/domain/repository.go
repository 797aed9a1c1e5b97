package domain

import (
	"context"
	"time"
)

// ConfigRepository persists tenant configuration documents.
type ConfigRepository interface {
	// FindConfig returns the tenant's config, or nil when none exists.
	FindConfig(ctx context.Context, tenantID string) (*TenantConfig, error)

	// SetConfigField upserts a single field. A nil value clears the field.
	SetConfigField(ctx context.Context, tenantID string, field ConfigField, value any) error

	// DeleteConfig removes the tenant's config document.
	DeleteConfig(ctx context.Context, tenantID string) error
}

// TextRepository persists the ordered ciphertext list of each tenant.
// Implementations mirror document-store array operators.
type TextRepository interface {
	// LoadTexts returns the durable list, oldest first. A missing document
	// yields an empty list.
	LoadTexts(ctx context.Context, tenantID string) ([]string, error)

	// AppendText pushes a ciphertext, keeps only the newest limit entries and
	// refreshes the document expiry.
	AppendText(ctx context.Context, tenantID, ciphertext string, limit int, expiresAt time.Time) error

	// RemoveText pulls every occurrence of the ciphertext.
	RemoveText(ctx context.Context, tenantID, ciphertext string) error

	// TrimOldest drops the oldest count entries, leaving remaining entries.
	TrimOldest(ctx context.Context, tenantID string, count, remaining int) error

	// ReplaceText swaps one ciphertext for another in place.
	ReplaceText(ctx context.Context, tenantID, oldCiphertext, newCiphertext string) error

	// RemoveAuthorTexts pulls every entry written by the author and returns
	// the number of modified documents.
	RemoveAuthorTexts(ctx context.Context, tenantID, authorID string) (int64, error)

	// DeleteTexts removes the tenant's whole text document.
	DeleteTexts(ctx context.Context, tenantID string) error
}

// BanRepository is the authoritative store of tenant bans.
type BanRepository interface {
	UpsertBan(ctx context.Context, ban BanRecord) error
	DeleteBan(ctx context.Context, tenantID string) error
	ListBans(ctx context.Context) ([]BanRecord, error)
}

// OptOutRepository stores users who refused text collection.
type OptOutRepository interface {
	// DeleteOptOut removes the user's flag and reports whether one existed.
	DeleteOptOut(ctx context.Context, userID string) (bool, error)
	CreateOptOut(ctx context.Context, userID string) error
	OptOutExists(ctx context.Context, userID string) (bool, error)
}

// BanBroadcaster propagates ban deltas between sibling worker processes.
type BanBroadcaster interface {
	Publish(ctx context.Context, event BanEvent) error

	// Subscribe delivers inbound events to handler until ctx is done.
	Subscribe(ctx context.Context, handler func(BanEvent)) error
}

// TextCodec protects corpus entries at rest.
type TextCodec interface {
	Encrypt(plaintext, authorID, messageID string) (string, error)
	Decrypt(serialized string) (TextRecord, error)
}
