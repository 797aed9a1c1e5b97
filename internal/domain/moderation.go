package domain

// BanRecord bars a tenant from using the service.
type BanRecord struct {
	TenantID string `json:"tenant_id" bson:"tenantId"`
	Reason   string `json:"reason" bson:"reason"`
}

// BanEventType distinguishes ban deltas carried between worker processes.
type BanEventType string

const (
	BanEventBan   BanEventType = "ban"
	BanEventUnban BanEventType = "unban"
)

// BanEvent is the message broadcast to sibling processes after a local
// ban or unban. Origin identifies the publishing process.
type BanEvent struct {
	Type     BanEventType `json:"type"`
	TenantID string       `json:"tenantId"`
	Reason   string       `json:"reason,omitempty"`
	Origin   string       `json:"origin,omitempty"`
}

// Valid reports whether the event carries a known type and a tenant.
func (e BanEvent) Valid() bool {
	if e.TenantID == "" {
		return false
	}
	return e.Type == BanEventBan || e.Type == BanEventUnban
}
