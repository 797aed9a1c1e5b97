package domain

import "time"

// Defaults applied when a tenant has no persisted value for a field.
const (
	DefaultTextsLimit    = 500
	DefaultCollectChance = 0.35
	DefaultSendChance    = 0.10
	DefaultReplyChance   = 0.25
	DefaultTextsTTL      = 30 * 24 * time.Hour
)

// ConfigField names one persisted tenant configuration attribute.
type ConfigField string

const (
	ConfigEnabled       ConfigField = "enabled"
	ConfigChannelID     ConfigField = "channelId"
	ConfigWebhook       ConfigField = "webhook"
	ConfigTextsLimit    ConfigField = "textsLimit"
	ConfigCollectChance ConfigField = "collectChance"
	ConfigSendChance    ConfigField = "sendChance"
	ConfigReplyChance   ConfigField = "replyChance"
)

// TenantConfig is the persisted configuration of one tenant.
// Pointer fields are nil when the value was never written.
type TenantConfig struct {
	TenantID      string   `json:"tenant_id" bson:"tenantId"`
	Enabled       bool     `json:"enabled" bson:"enabled"`
	ChannelID     string   `json:"channel_id,omitempty" bson:"channelId,omitempty"`
	Webhook       *string  `json:"webhook,omitempty" bson:"webhook,omitempty"`
	TextsLimit    *int     `json:"texts_limit,omitempty" bson:"textsLimit,omitempty"`
	CollectChance *float64 `json:"collect_chance,omitempty" bson:"collectChance,omitempty"`
	SendChance    *float64 `json:"send_chance,omitempty" bson:"sendChance,omitempty"`
	ReplyChance   *float64 `json:"reply_chance,omitempty" bson:"replyChance,omitempty"`
}

// TextRecord is one corpus entry. Plaintext only ever lives in memory;
// Ciphertext is the durable form.
type TextRecord struct {
	MessageID  string `json:"message_id,omitempty"`
	AuthorID   string `json:"author_id,omitempty"`
	Plaintext  string `json:"text"`
	Ciphertext string `json:"-"`
}

// TenantStats is a point-in-time summary of a tenant store.
type TenantStats struct {
	TenantID      string  `json:"tenant_id"`
	Enabled       bool    `json:"enabled"`
	ChannelID     string  `json:"channel_id,omitempty"`
	HasWebhook    bool    `json:"has_webhook"`
	TextsLimit    int     `json:"texts_limit"`
	TextsLength   int     `json:"texts_length"`
	CollectChance float64 `json:"collect_chance"`
	SendChance    float64 `json:"send_chance"`
	ReplyChance   float64 `json:"reply_chance"`
}
