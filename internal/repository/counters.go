package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CounterRepository hands out gap-free sequence numbers from atomic
// counter documents. Each (kind, terminal, businessDate) triple owns one
// document; the first increment creates it at 1.
type CounterRepository struct {
	store *Store
}

func NewCounterRepository(store *Store) *CounterRepository {
	return &CounterRepository{store: store}
}

// Counter kinds.
const (
	CounterTransaction = "transactionNo"
	CounterReceipt     = "receiptNo"
)

// Next atomically increments the counter and returns the new value.
func (r *CounterRepository) Next(ctx context.Context, tenantID, kind, terminalID, businessDate string) (int64, error) {
	id := fmt.Sprintf("%s:%s:%s", kind, terminalID, businessDate)

	var doc struct {
		Value int64 `bson:"value"`
	}
	err := r.store.collection(tenantID, colCounters).FindOneAndUpdate(
		ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", id, err)
	}
	return doc.Value, nil
}

// Current returns the counter value without incrementing, zero if absent.
func (r *CounterRepository) Current(ctx context.Context, tenantID, kind, terminalID, businessDate string) (int64, error) {
	id := fmt.Sprintf("%s:%s:%s", kind, terminalID, businessDate)

	var doc struct {
		Value int64 `bson:"value"`
	}
	err := r.store.collection(tenantID, colCounters).
		FindOne(ctx, bson.M{"_id": id}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Value, nil
}
