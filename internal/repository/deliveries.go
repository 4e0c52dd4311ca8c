package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
)

// DeliveryRepository persists the delivery-status ledger. The record is
// written before the broker sees the event, so a broker outage can lose
// a message but never the fact that it existed.
type DeliveryRepository struct {
	store *Store
}

func NewDeliveryRepository(store *Store) *DeliveryRepository {
	return &DeliveryRepository{store: store}
}

// Insert writes the initial ledger record.
func (r *DeliveryRepository) Insert(ctx context.Context, d *domain.DeliveryStatus) error {
	_, err := r.store.collection(d.TenantID, colDeliveries).InsertOne(ctx, d)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// Get loads one ledger record.
func (r *DeliveryRepository) Get(ctx context.Context, tenantID, eventID string) (*domain.DeliveryStatus, error) {
	var d domain.DeliveryStatus
	err := r.store.collection(tenantID, colDeliveries).
		FindOne(ctx, bson.M{"_id": eventID}).
		Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Update applies mutate under the etag CAS protocol, retrying lost races.
func (r *DeliveryRepository) Update(ctx context.Context, tenantID, eventID string, mutate func(*domain.DeliveryStatus) error) (*domain.DeliveryStatus, error) {
	var updated *domain.DeliveryStatus
	err := r.store.retryCAS(ctx, func(ctx context.Context) error {
		d, err := r.Get(ctx, tenantID, eventID)
		if err != nil {
			return err
		}
		prior := d.Etag
		if err := mutate(d); err != nil {
			return err
		}
		d.Touch(time.Now().UTC())

		res, err := r.store.collection(tenantID, colDeliveries).
			ReplaceOne(ctx, bson.M{"_id": eventID, "etag": prior}, d)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ErrConflict
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListUndelivered returns records inside the lookback window that still
// have pending or failed subscribers and have not been touched since
// staleBefore. These are the republish candidates.
func (r *DeliveryRepository) ListUndelivered(ctx context.Context, tenantID string, windowStart, staleBefore time.Time) ([]*domain.DeliveryStatus, error) {
	filter := bson.M{
		"state": bson.M{"$in": bson.A{
			domain.DeliveryPublished, domain.DeliveryPartial,
		}},
		"publishedAt":   bson.M{"$gte": windowStart},
		"lastUpdatedAt": bson.M{"$lte": staleBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "publishedAt", Value: 1}})
	cur, err := r.store.collection(tenantID, colDeliveries).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*domain.DeliveryStatus
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkAgedFailed marks records older than the lookback window that never
// saw a successful receipt as failed, and returns how many were marked.
func (r *DeliveryRepository) MarkAgedFailed(ctx context.Context, tenantID string, windowStart time.Time, now time.Time) (int64, error) {
	res, err := r.store.collection(tenantID, colDeliveries).UpdateMany(ctx,
		bson.M{
			"state":       domain.DeliveryPublished,
			"publishedAt": bson.M{"$lt": windowStart},
		},
		bson.M{"$set": bson.M{
			"state":         domain.DeliveryFailed,
			"lastUpdatedAt": now,
			"updatedAt":     now,
			"etag":          domain.NewEtag(),
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ListByQuery serves the delivery-status API.
func (r *DeliveryRepository) ListByQuery(ctx context.Context, tenantID string, state domain.DeliveryState, since time.Time, limit int64) ([]*domain.DeliveryStatus, error) {
	filter := bson.M{}
	if state != "" {
		filter["state"] = state
	}
	if !since.IsZero() {
		filter["publishedAt"] = bson.M{"$gte": since}
	}
	opts := options.Find().SetSort(bson.D{{Key: "publishedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.store.collection(tenantID, colDeliveries).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*domain.DeliveryStatus
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
