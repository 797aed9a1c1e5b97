package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/V4T54L/markov-tower/internal/domain"
)

// BanRepository implements domain.BanRepository.
type BanRepository struct {
	coll *mongo.Collection
}

// NewBanRepository creates a ban repository on db.
func NewBanRepository(db *mongo.Database) *BanRepository {
	return &BanRepository{coll: db.Collection(bansCollection)}
}

// UpsertBan stores the ban, replacing the reason of an existing one.
func (r *BanRepository) UpsertBan(ctx context.Context, ban domain.BanRecord) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"tenantId": ban.TenantID},
		bson.M{"$set": bson.M{"reason": ban.Reason}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ban for tenant %s: %w", ban.TenantID, err)
	}
	return nil
}

// DeleteBan lifts the tenant's ban. A missing ban is not an error.
func (r *BanRepository) DeleteBan(ctx context.Context, tenantID string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"tenantId": tenantID}); err != nil {
		return fmt.Errorf("failed to delete ban for tenant %s: %w", tenantID, err)
	}
	return nil
}

// ListBans returns every persisted ban.
func (r *BanRepository) ListBans(ctx context.Context) ([]domain.BanRecord, error) {
	cursor, err := r.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	var bans []domain.BanRecord
	if err := cursor.All(ctx, &bans); err != nil {
		return nil, fmt.Errorf("failed to decode bans: %w", err)
	}
	return bans, nil
}

// OptOutRepository implements domain.OptOutRepository on the notrack
// collection.
type OptOutRepository struct {
	coll *mongo.Collection
}

// NewOptOutRepository creates an opt-out repository on db.
func NewOptOutRepository(db *mongo.Database) *OptOutRepository {
	return &OptOutRepository{coll: db.Collection(notrackCollection)}
}

// DeleteOptOut removes the user's flag and reports whether one existed.
func (r *OptOutRepository) DeleteOptOut(ctx context.Context, userID string) (bool, error) {
	result, err := r.coll.DeleteOne(ctx, bson.M{"userId": userID})
	if err != nil {
		return false, fmt.Errorf("failed to delete opt-out for user %s: %w", userID, err)
	}
	return result.DeletedCount > 0, nil
}

// CreateOptOut flags the user. Flagging twice keeps a single document.
func (r *OptOutRepository) CreateOptOut(ctx context.Context, userID string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{"$setOnInsert": bson.M{"userId": userID}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to create opt-out for user %s: %w", userID, err)
	}
	return nil
}

// OptOutExists reports whether the user is flagged.
func (r *OptOutRepository) OptOutExists(ctx context.Context, userID string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"userId": userID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check opt-out for user %s: %w", userID, err)
	}
	return n > 0, nil
}
