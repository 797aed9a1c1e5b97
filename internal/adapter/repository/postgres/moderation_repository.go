package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/V4T54L/markov-tower/internal/domain"
)

var (
	bansTable    = pq.QuoteIdentifier("tenant_bans")
	optOutsTable = pq.QuoteIdentifier("tracking_opt_outs")
)

// ModerationRepository stores bans and tracking opt-outs in PostgreSQL. It
// implements domain.BanRepository and domain.OptOutRepository.
type ModerationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewModerationRepository creates a new PostgreSQL moderation repository.
func NewModerationRepository(db *sql.DB, logger *slog.Logger) *ModerationRepository {
	return &ModerationRepository{db: db, logger: logger.With("component", "postgres_moderation")}
}

// EnsureSchema creates the tables when they are missing.
func (r *ModerationRepository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + bansTable + ` (
			tenant_id  TEXT PRIMARY KEY,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + optOutsTable + ` (
			user_id    TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure moderation schema: %w", err)
		}
	}
	return nil
}

func (r *ModerationRepository) UpsertBan(ctx context.Context, ban domain.BanRecord) error {
	query := `INSERT INTO ` + bansTable + ` (tenant_id, reason) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET reason = EXCLUDED.reason`
	if _, err := r.db.ExecContext(ctx, query, ban.TenantID, ban.Reason); err != nil {
		return fmt.Errorf("failed to upsert ban for tenant %s: %w", ban.TenantID, err)
	}
	return nil
}

func (r *ModerationRepository) DeleteBan(ctx context.Context, tenantID string) error {
	query := `DELETE FROM ` + bansTable + ` WHERE tenant_id = $1`
	if _, err := r.db.ExecContext(ctx, query, tenantID); err != nil {
		return fmt.Errorf("failed to delete ban for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (r *ModerationRepository) ListBans(ctx context.Context) ([]domain.BanRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id, reason FROM `+bansTable)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var bans []domain.BanRecord
	for rows.Next() {
		var ban domain.BanRecord
		if err := rows.Scan(&ban.TenantID, &ban.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		bans = append(bans, ban)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bans: %w", err)
	}
	r.logger.Debug("listed bans", "count", len(bans))
	return bans, nil
}

func (r *ModerationRepository) DeleteOptOut(ctx context.Context, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+optOutsTable+` WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete opt-out for user %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (r *ModerationRepository) CreateOptOut(ctx context.Context, userID string) error {
	query := `INSERT INTO ` + optOutsTable + ` (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to create opt-out for user %s: %w", userID, err)
	}
	return nil
}

func (r *ModerationRepository) OptOutExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM ` + optOutsTable + ` WHERE user_id = $1)`
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check opt-out for user %s: %w", userID, err)
	}
	return exists, nil
}
