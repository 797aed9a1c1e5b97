package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type textsDocument struct {
	TenantID  string    `bson:"tenantId"`
	List      []string  `bson:"list"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// TextRepository implements domain.TextRepository. Each tenant owns one
// document whose list field holds its ciphertexts, oldest first.
type TextRepository struct {
	coll *mongo.Collection
}

// NewTextRepository creates a text repository on db.
func NewTextRepository(db *mongo.Database) *TextRepository {
	return &TextRepository{coll: db.Collection(textsCollection)}
}

func (r *TextRepository) LoadTexts(ctx context.Context, tenantID string) ([]string, error) {
	var doc textsDocument
	err := r.coll.FindOne(ctx, bson.M{"tenantId": tenantID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load texts for tenant %s: %w", tenantID, err)
	}
	return doc.List, nil
}

func (r *TextRepository) AppendText(ctx context.Context, tenantID, ciphertext string, limit int, expiresAt time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"tenantId": tenantID},
		appendUpdate(ciphertext, limit, expiresAt),
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to append text for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (r *TextRepository) RemoveText(ctx context.Context, tenantID, ciphertext string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"tenantId": tenantID},
		bson.M{"$pull": bson.M{"list": ciphertext}},
	)
	if err != nil {
		return fmt.Errorf("failed to remove text for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (r *TextRepository) TrimOldest(ctx context.Context, tenantID string, count, remaining int) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"tenantId": tenantID}, trimUpdate(count, remaining))
	if err != nil {
		return fmt.Errorf("failed to trim texts for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (r *TextRepository) ReplaceText(ctx context.Context, tenantID, oldCiphertext, newCiphertext string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"tenantId": tenantID},
		bson.M{"$set": bson.M{"list.$[element]": newCiphertext}},
		options.UpdateOne().SetArrayFilters([]any{bson.M{"element": oldCiphertext}}),
	)
	if err != nil {
		return fmt.Errorf("failed to replace text for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (r *TextRepository) RemoveAuthorTexts(ctx context.Context, tenantID, authorID string) (int64, error) {
	result, err := r.coll.UpdateOne(ctx,
		bson.M{"tenantId": tenantID},
		bson.M{"$pull": bson.M{"list": authorPattern(authorID)}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to remove texts of author %s for tenant %s: %w", authorID, tenantID, err)
	}
	return result.ModifiedCount, nil
}

func (r *TextRepository) DeleteTexts(ctx context.Context, tenantID string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"tenantId": tenantID}); err != nil {
		return fmt.Errorf("failed to delete texts for tenant %s: %w", tenantID, err)
	}
	return nil
}

// appendUpdate pushes one entry and keeps only the newest limit entries.
func appendUpdate(ciphertext string, limit int, expiresAt time.Time) bson.M {
	push := bson.M{"$each": []string{ciphertext}}
	if limit > 0 {
		push["$slice"] = -limit
	}
	return bson.M{
		"$push": bson.M{"list": push},
		"$set":  bson.M{"expiresAt": expiresAt},
	}
}

// trimUpdate drops the oldest count entries from a list that currently
// holds count+remaining entries.
func trimUpdate(count, remaining int) bson.M {
	if count == 1 {
		return bson.M{"$pop": bson.M{"list": -1}}
	}
	return bson.M{"$push": bson.M{"list": bson.M{"$each": []string{}, "$slice": -remaining}}}
}

// authorPattern matches serialized records written by authorID.
func authorPattern(authorID string) bson.Regex {
	return bson.Regex{
		Pattern: `^[0-9a-z+/=]+:[0-9a-z+/=]+:` + regexp.QuoteMeta(authorID) + `(:|$)`,
		Options: "i",
	}
}
