package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
)

// TerminalRepository persists terminal session records and their cash and
// open/close logs.
type TerminalRepository struct {
	store *Store
}

func NewTerminalRepository(store *Store) *TerminalRepository {
	return &TerminalRepository{store: store}
}

// Get loads a terminal by its canonical id.
func (r *TerminalRepository) Get(ctx context.Context, tenantID, terminalID string) (*domain.Terminal, error) {
	var t domain.Terminal
	err := r.store.collection(tenantID, colTerminals).
		FindOne(ctx, bson.M{"_id": terminalID}).
		Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByStore returns the terminals registered for a store.
func (r *TerminalRepository) ListByStore(ctx context.Context, tenantID, storeCode string) ([]*domain.Terminal, error) {
	cur, err := r.store.collection(tenantID, colTerminals).Find(ctx, bson.M{"storeCode": storeCode})
	if err != nil {
		return nil, err
	}
	var out []*domain.Terminal
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create registers a new terminal in the idle state.
func (r *TerminalRepository) Create(ctx context.Context, t *domain.Terminal) error {
	_, err := r.store.collection(t.TenantID, colTerminals).InsertOne(ctx, t)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// Update applies mutate under optimistic concurrency: the terminal is
// reloaded, mutated and written back guarded by the etag it was loaded
// at, retrying on lost races.
func (r *TerminalRepository) Update(ctx context.Context, tenantID, terminalID string, mutate func(*domain.Terminal) error) (*domain.Terminal, error) {
	var updated *domain.Terminal
	err := r.store.retryCAS(ctx, func(ctx context.Context) error {
		t, err := r.Get(ctx, tenantID, terminalID)
		if err != nil {
			return err
		}
		prior := t.Etag
		if err := mutate(t); err != nil {
			return err
		}
		t.Touch(time.Now().UTC())

		res, err := r.store.collection(tenantID, colTerminals).
			ReplaceOne(ctx, bson.M{"_id": terminalID, "etag": prior}, t)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ErrConflict
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// IncrementBusinessCounter atomically advances the per-business-date
// operation counter and returns the new value. Runs outside the etag
// protocol so concurrent carts never retry each other.
func (r *TerminalRepository) IncrementBusinessCounter(ctx context.Context, tenantID, terminalID string) (int64, error) {
	var doc struct {
		BusinessCounter int64 `bson:"businessCounter"`
	}
	err := r.store.collection(tenantID, colTerminals).FindOneAndUpdate(
		ctx,
		bson.M{"_id": terminalID},
		bson.M{
			"$inc": bson.M{"businessCounter": int64(1)},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		},
		findOneAndUpdateAfter(),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return doc.BusinessCounter, nil
}

// InsertCashLog appends a cash movement record.
func (r *TerminalRepository) InsertCashLog(ctx context.Context, tenantID, terminalID string, m *domain.CashMovement) error {
	doc := bson.M{
		"terminalId":      terminalID,
		"transactionType": m.TransactionType,
		"amount":          m.Amount,
		"reason":          m.Reason,
		"staffId":         m.StaffID,
		"businessDate":    m.BusinessDate,
		"openCounter":     m.OpenCounter,
		"businessCounter": m.BusinessCounter,
		"generatedAt":     m.GeneratedAt,
		"receiptText":     m.ReceiptText,
		"journalText":     m.JournalText,
	}
	_, err := r.store.collection(tenantID, colCashlogs).InsertOne(ctx, doc)
	return err
}

// InsertSessionLog appends an open or close record.
func (r *TerminalRepository) InsertSessionLog(ctx context.Context, tenantID, terminalID string, rec *domain.OpenCloseRecord) error {
	doc := bson.M{
		"terminalId":      terminalID,
		"operation":       rec.Operation,
		"staffId":         rec.StaffID,
		"businessDate":    rec.BusinessDate,
		"openCounter":     rec.OpenCounter,
		"businessCounter": rec.BusinessCounter,
		"initialAmount":   rec.InitialAmount,
		"reconciliation":  rec.Reconciliation,
		"generatedAt":     rec.GeneratedAt,
	}
	_, err := r.store.collection(tenantID, colSessions).InsertOne(ctx, doc)
	return err
}

// SessionCashStats folds the session's out-of-sale cash movements.
func (r *TerminalRepository) SessionCashStats(ctx context.Context, tenantID, terminalID, businessDate string, openCounter int64) (count int64, net int64, err error) {
	cur, err := r.store.collection(tenantID, colCashlogs).Find(ctx, bson.M{
		"terminalId":   terminalID,
		"businessDate": businessDate,
		"openCounter":  openCounter,
	})
	if err != nil {
		return 0, 0, err
	}
	var logs []struct {
		TransactionType int   `bson:"transactionType"`
		Amount          int64 `bson:"amount"`
	}
	if err := cur.All(ctx, &logs); err != nil {
		return 0, 0, err
	}
	for _, l := range logs {
		count++
		if l.TransactionType == domain.TypeCashOut {
			net -= l.Amount
		} else {
			net += l.Amount
		}
	}
	return count, net, nil
}
