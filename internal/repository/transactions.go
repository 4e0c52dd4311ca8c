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

// TransactionRepository persists finalized transactions. Records are
// immutable once written except for the isCancelled tombstone, which is
// flipped exactly once by a void or return.
type TransactionRepository struct {
	store *Store
}

func NewTransactionRepository(store *Store) *TransactionRepository {
	return &TransactionRepository{store: store}
}

// Insert writes a finalized transaction. The unique index over
// (terminalId, businessDate, transactionNo) turns a double finalize into
// ErrDuplicate.
func (r *TransactionRepository) Insert(ctx context.Context, t *domain.Transaction) error {
	_, err := r.store.collection(t.TenantID, colTranlogs).InsertOne(ctx, t)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// Get loads one transaction by its terminal-scoped number.
func (r *TransactionRepository) Get(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.store.collection(tenantID, colTranlogs).FindOne(ctx, bson.M{
		"terminalId":    terminalID,
		"businessDate":  businessDate,
		"transactionNo": transactionNo,
	}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByCartID loads the transaction finalized from a cart, for the bill
// lookup after completion.
func (r *TransactionRepository) GetByCartID(ctx context.Context, tenantID, cartID string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.store.collection(tenantID, colTranlogs).
		FindOne(ctx, bson.M{"cartId": cartID}).
		Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionQuery filters the transaction listing.
type TransactionQuery struct {
	TerminalID       string
	StoreCode        string
	BusinessDate     string
	OpenCounter      int64
	TransactionTypes []int
	IncludeCancelled bool
	Limit            int64
	Page             int64
}

// List returns transactions ordered by transaction number.
func (r *TransactionRepository) List(ctx context.Context, tenantID string, q TransactionQuery) ([]*domain.Transaction, error) {
	filter := bson.M{}
	if q.TerminalID != "" {
		filter["terminalId"] = q.TerminalID
	}
	if q.StoreCode != "" {
		filter["storeCode"] = q.StoreCode
	}
	if q.BusinessDate != "" {
		filter["businessDate"] = q.BusinessDate
	}
	if q.OpenCounter > 0 {
		filter["openCounter"] = q.OpenCounter
	}
	if len(q.TransactionTypes) > 0 {
		filter["transactionType"] = bson.M{"$in": q.TransactionTypes}
	}
	if !q.IncludeCancelled {
		filter["isCancelled"] = false
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "businessDate", Value: 1},
		{Key: "transactionNo", Value: 1},
	})
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
		if q.Page > 1 {
			opts.SetSkip((q.Page - 1) * q.Limit)
		}
	}

	cur, err := r.store.collection(tenantID, colTranlogs).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*domain.Transaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkCancelled flips the isCancelled tombstone on the origin transaction
// of a void or return. The filter requires isCancelled:false, so exactly
// one of two racing corrections wins; the loser gets ErrConflict.
func (r *TransactionRepository) MarkCancelled(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, now time.Time) error {
	res, err := r.store.collection(tenantID, colTranlogs).UpdateOne(ctx,
		bson.M{
			"terminalId":    terminalID,
			"businessDate":  businessDate,
			"transactionNo": transactionNo,
			"isCancelled":   false,
		},
		bson.M{"$set": bson.M{
			"isCancelled": true,
			"updatedAt":   now,
			"etag":        domain.NewEtag(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

// SessionStats summarizes a terminal session for close reconciliation.
type SessionStats struct {
	TransactionCount  int64
	LastTransactionNo int64
	CashTotal         int64
}

// SessionStats folds the session's transactions into the counts and the
// net cash received figure reconciliation needs. Corrections subtract
// because their report factor is negative.
func (r *TransactionRepository) SessionStats(ctx context.Context, tenantID, terminalID, businessDate string, openCounter int64) (*SessionStats, error) {
	cur, err := r.store.collection(tenantID, colTranlogs).Find(ctx, bson.M{
		"terminalId":   terminalID,
		"businessDate": businessDate,
		"openCounter":  openCounter,
	})
	if err != nil {
		return nil, err
	}
	var txs []*domain.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, err
	}

	stats := &SessionStats{}
	for _, t := range txs {
		stats.TransactionCount++
		if t.TransactionNo > stats.LastTransactionNo {
			stats.LastTransactionNo = t.TransactionNo
		}
		factor := domain.ReportFactor(t.TransactionType)
		if factor == 0 {
			continue
		}
		for _, p := range t.Payments {
			if p.PaymentCode == domain.PaymentCodeCash {
				stats.CashTotal += factor * (p.Tendered - p.Change)
			}
		}
	}
	return stats, nil
}
