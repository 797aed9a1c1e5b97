package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/V4T54L/markov-tower/internal/domain"
)

// ConfigRepository implements domain.ConfigRepository.
type ConfigRepository struct {
	coll *mongo.Collection
}

// NewConfigRepository creates a config repository on db.
func NewConfigRepository(db *mongo.Database) *ConfigRepository {
	return &ConfigRepository{coll: db.Collection(configsCollection)}
}

func (r *ConfigRepository) FindConfig(ctx context.Context, tenantID string) (*domain.TenantConfig, error) {
	var cfg domain.TenantConfig
	err := r.coll.FindOne(ctx, bson.M{"tenantId": tenantID}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find config for tenant %s: %w", tenantID, err)
	}
	return &cfg, nil
}

func (r *ConfigRepository) SetConfigField(ctx context.Context, tenantID string, field domain.ConfigField, value any) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"tenantId": tenantID},
		configFieldUpdate(field, value),
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set %s for tenant %s: %w", field, tenantID, err)
	}
	return nil
}

func (r *ConfigRepository) DeleteConfig(ctx context.Context, tenantID string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"tenantId": tenantID}); err != nil {
		return fmt.Errorf("failed to delete config for tenant %s: %w", tenantID, err)
	}
	return nil
}

// configFieldUpdate sets or unsets one field. Newly inserted documents start
// enabled.
func configFieldUpdate(field domain.ConfigField, value any) bson.M {
	update := bson.M{}
	if value == nil {
		update["$unset"] = bson.M{string(field): ""}
	} else {
		update["$set"] = bson.M{string(field): value}
	}
	if field != domain.ConfigEnabled {
		update["$setOnInsert"] = bson.M{string(domain.ConfigEnabled): true}
	}
	return update
}
