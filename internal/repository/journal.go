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

// ErrDuplicateEvent reports that a consumer has already persisted the
// artifacts of this event. Callers treat it as success.
var ErrDuplicateEvent = errors.New("repository: event already consumed")

// consumeOnce inserts the dedup marker and runs fn inside one MongoDB
// transaction, so either the marker and every artifact commit together or
// none do. A replay trips the marker's unique _id and aborts cleanly.
func (s *Store) consumeOnce(ctx context.Context, tenantID, dedupCollection, eventID string, ttl time.Duration, fn func(sc mongo.SessionContext) error) error {
	now := time.Now().UTC()
	return s.RunInTransaction(ctx, func(sc mongo.SessionContext) error {
		_, err := s.collection(tenantID, dedupCollection).InsertOne(sc, bson.M{
			"_id":        eventID,
			"consumedAt": now,
			"expiresAt":  now.Add(ttl),
		})
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateEvent
		}
		if err != nil {
			return err
		}
		return fn(sc)
	})
}

// TranlogRecord is a consumer-side copy of a propagated transaction,
// keyed by the event that carried it.
type TranlogRecord struct {
	EventID            string `bson:"eventId" json:"eventId"`
	domain.Transaction `bson:",inline"`
}

// CashlogRecord is a consumer-side copy of a cash movement event.
type CashlogRecord struct {
	EventID             string `bson:"eventId" json:"eventId"`
	TerminalID          string `bson:"terminalId" json:"terminalId"`
	StoreCode           string `bson:"storeCode" json:"storeCode"`
	TerminalNo          int    `bson:"terminalNo" json:"terminalNo"`
	domain.CashMovement `bson:",inline"`
}

// SessionRecord is a consumer-side copy of an open/close event.
type SessionRecord struct {
	EventID                string `bson:"eventId" json:"eventId"`
	TerminalID             string `bson:"terminalId" json:"terminalId"`
	StoreCode              string `bson:"storeCode" json:"storeCode"`
	TerminalNo             int    `bson:"terminalNo" json:"terminalNo"`
	domain.OpenCloseRecord `bson:",inline"`
}

// JournalRepository persists the journal service's artifacts: verbatim
// log copies plus the uniform journal entries derived from them.
type JournalRepository struct {
	store *Store
	ttl   time.Duration
}

func NewJournalRepository(store *Store, dedupTTL time.Duration) *JournalRepository {
	return &JournalRepository{store: store, ttl: dedupTTL}
}

// ConsumeTransaction atomically persists the tranlog copy, the derived
// journal entry and the dedup marker.
func (r *JournalRepository) ConsumeTransaction(ctx context.Context, eventID string, rec *TranlogRecord, entry *domain.JournalEntry) error {
	return r.store.consumeOnce(ctx, entry.TenantID, colJournalDedup, eventID, r.ttl, func(sc mongo.SessionContext) error {
		if _, err := r.store.collection(entry.TenantID, colJournalTranlogs).InsertOne(sc, rec); err != nil {
			return err
		}
		_, err := r.store.collection(entry.TenantID, colJournalEntries).InsertOne(sc, entry)
		return err
	})
}

// ConsumeCash atomically persists the cashlog copy, the derived journal
// entry and the dedup marker.
func (r *JournalRepository) ConsumeCash(ctx context.Context, eventID string, rec *CashlogRecord, entry *domain.JournalEntry) error {
	return r.store.consumeOnce(ctx, entry.TenantID, colJournalDedup, eventID, r.ttl, func(sc mongo.SessionContext) error {
		if _, err := r.store.collection(entry.TenantID, colJournalCashlogs).InsertOne(sc, rec); err != nil {
			return err
		}
		_, err := r.store.collection(entry.TenantID, colJournalEntries).InsertOne(sc, entry)
		return err
	})
}

// ConsumeSession atomically persists the open/close copy, the derived
// journal entry and the dedup marker.
func (r *JournalRepository) ConsumeSession(ctx context.Context, eventID string, rec *SessionRecord, entry *domain.JournalEntry) error {
	return r.store.consumeOnce(ctx, entry.TenantID, colJournalDedup, eventID, r.ttl, func(sc mongo.SessionContext) error {
		if _, err := r.store.collection(entry.TenantID, colJournalSessions).InsertOne(sc, rec); err != nil {
			return err
		}
		_, err := r.store.collection(entry.TenantID, colJournalEntries).InsertOne(sc, entry)
		return err
	})
}

// EntryQuery filters the journal search API.
type EntryQuery struct {
	StoreCode        string
	TerminalNo       int
	BusinessDateFrom string
	BusinessDateTo   string
	TransactionTypes []int
	Keyword          string
	Limit            int64
	Page             int64
}

// SearchEntries returns journal entries in business order.
func (r *JournalRepository) SearchEntries(ctx context.Context, tenantID string, q EntryQuery) ([]*domain.JournalEntry, error) {
	filter := bson.M{}
	if q.StoreCode != "" {
		filter["storeCode"] = q.StoreCode
	}
	if q.TerminalNo > 0 {
		filter["terminalNo"] = q.TerminalNo
	}
	if q.BusinessDateFrom != "" || q.BusinessDateTo != "" {
		dateRange := bson.M{}
		if q.BusinessDateFrom != "" {
			dateRange["$gte"] = q.BusinessDateFrom
		}
		if q.BusinessDateTo != "" {
			dateRange["$lte"] = q.BusinessDateTo
		}
		filter["businessDate"] = dateRange
	}
	if len(q.TransactionTypes) > 0 {
		filter["transactionType"] = bson.M{"$in": q.TransactionTypes}
	}
	if q.Keyword != "" {
		filter["journalText"] = bson.M{"$regex": q.Keyword}
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "businessDate", Value: 1},
		{Key: "terminalNo", Value: 1},
		{Key: "businessCounter", Value: 1},
	})
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
		if q.Page > 1 {
			opts.SetSkip((q.Page - 1) * q.Limit)
		}
	}

	cur, err := r.store.collection(tenantID, colJournalEntries).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*domain.JournalEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EntriesForDate streams every entry of one store and business date in
// business order, for the archive writer.
func (r *JournalRepository) EntriesForDate(ctx context.Context, tenantID, storeCode, businessDate string) ([]*domain.JournalEntry, error) {
	return r.SearchEntries(ctx, tenantID, EntryQuery{
		StoreCode:        storeCode,
		BusinessDateFrom: businessDate,
		BusinessDateTo:   businessDate,
	})
}

// ArchiveRecord notes a completed archive upload.
type ArchiveRecord struct {
	ID           string    `bson:"_id" json:"archiveId"`
	StoreCode    string    `bson:"storeCode" json:"storeCode"`
	BusinessDate string    `bson:"businessDate" json:"businessDate"`
	ObjectKey    string    `bson:"objectKey" json:"objectKey"`
	EntryCount   int       `bson:"entryCount" json:"entryCount"`
	ArchivedAt   time.Time `bson:"archivedAt" json:"archivedAt"`
}

// RecordArchive upserts the archive bookkeeping record.
func (r *JournalRepository) RecordArchive(ctx context.Context, tenantID string, rec *ArchiveRecord) error {
	_, err := r.store.collection(tenantID, colJournalArchives).ReplaceOne(
		ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true),
	)
	return err
}
