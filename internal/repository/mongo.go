// Package repository implements persistence for carts, transactions,
// terminals, master data, the delivery ledger, journal artifacts and
// report artifacts on MongoDB, with Redis in front where a component
// calls for it.
//
// Databases are tenant-scoped: one database per tenant, named
// "{prefix}_{tenantId}". Collections are prefixed by the owning service
// so no two services write the same collection.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// Sentinel errors the service layer maps onto its own taxonomy.
var (
	ErrNotFound  = errors.New("repository: not found")
	ErrConflict  = errors.New("repository: revision conflict")
	ErrDuplicate = errors.New("repository: duplicate key")
)

// Collection names, prefixed by owning service.
const (
	colCarts     = "cart_carts"
	colTranlogs  = "cart_tranlogs"
	colCounters  = "cart_counters"
	colTerminals = "terminal_terminals"
	colCashlogs  = "terminal_cashlogs"
	colSessions  = "terminal_opencloselogs"

	colDeliveries = "fabric_deliveries"

	colItems    = "master_items"
	colTaxes    = "master_taxes"
	colPayments = "master_payments"
	colStaff    = "master_staff"
	colSettings = "master_settings"

	colJournalEntries  = "journal_entries"
	colJournalTranlogs = "journal_tranlogs"
	colJournalCashlogs = "journal_cashlogs"
	colJournalSessions = "journal_opencloselogs"
	colJournalDedup    = "journal_dedup"
	colJournalArchives = "journal_archives"

	colReportTranlogs = "report_tranlogs"
	colReportCashlogs = "report_cashlogs"
	colReportSessions = "report_opencloselogs"
	colReportDedup    = "report_dedup"
	colReports        = "report_reports"
)

// Store owns the MongoDB client and the tenant database naming scheme.
type Store struct {
	client   *mongo.Client
	dbPrefix string
	timeout  time.Duration
	log      *logger.Logger

	retryInitial  time.Duration
	retryMax      time.Duration
	retryAttempts uint64
}

// NewStore connects and verifies the deployment is reachable.
func NewStore(ctx context.Context, cfg config.MongoConfig, log *logger.Logger) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.Timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Store{
		client:        client,
		dbPrefix:      cfg.DBPrefix,
		timeout:       cfg.Timeout,
		log:           log,
		retryInitial:  cfg.RetryInitialInterval,
		retryMax:      cfg.RetryMaxInterval,
		retryAttempts: cfg.RetryMaxAttempts,
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports deployment reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Database resolves the tenant-scoped database.
func (s *Store) Database(tenantID string) *mongo.Database {
	return s.client.Database(s.dbPrefix + "_" + tenantID)
}

func (s *Store) collection(tenantID, name string) *mongo.Collection {
	return s.Database(tenantID).Collection(name)
}

func findOneAndUpdateAfter() *options.FindOneAndUpdateOptions {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}

// retryCAS runs op, retrying with exponential backoff while it loses
// optimistic concurrency races. Any other error aborts immediately.
func (s *Store) retryCAS(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInitial
	bo.MaxInterval = s.retryMax
	bo.Reset()

	attempts := s.retryAttempts
	if attempts == 0 {
		attempts = 5
	}
	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx))
}

// RunInTransaction executes fn inside a MongoDB multi-document
// transaction against the tenant database.
func (s *Store) RunInTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// EnsureIndexes creates the indexes for every collection of a tenant
// database. Index creation is idempotent; the call runs at tenant
// provisioning time.
func (s *Store) EnsureIndexes(ctx context.Context, tenantID string) error {
	type idx struct {
		collection string
		models     []mongo.IndexModel
	}

	asc := func(keys ...string) bson.D {
		d := bson.D{}
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: 1})
		}
		return d
	}

	unique := options.Index().SetUnique(true)
	ttl := func(seconds int32) *options.IndexOptions {
		return options.Index().SetExpireAfterSeconds(seconds)
	}

	indexes := []idx{
		{colCarts, []mongo.IndexModel{
			{Keys: asc("terminalId", "businessDate")},
			{Keys: asc("state", "updatedAt")},
		}},
		{colTranlogs, []mongo.IndexModel{
			{Keys: asc("terminalId", "businessDate", "transactionNo"), Options: unique},
			{Keys: asc("storeCode", "businessDate", "transactionType")},
			{Keys: asc("businessDate", "openCounter")},
		}},
		{colTerminals, []mongo.IndexModel{
			{Keys: asc("storeCode", "terminalNo")},
		}},
		{colCashlogs, []mongo.IndexModel{
			{Keys: asc("terminalId", "businessDate", "openCounter")},
		}},
		{colSessions, []mongo.IndexModel{
			{Keys: asc("terminalId", "businessDate", "openCounter")},
			{Keys: asc("storeCode", "businessDate")},
		}},
		{colDeliveries, []mongo.IndexModel{
			{Keys: asc("state", "publishedAt")},
			{Keys: asc("tenantId", "publishedAt")},
		}},
		{colJournalEntries, []mongo.IndexModel{
			{Keys: asc("storeCode", "terminalNo", "businessDate", "businessCounter")},
			{Keys: asc("businessDate", "transactionType")},
		}},
		{colJournalTranlogs, []mongo.IndexModel{
			{Keys: asc("terminalId", "businessDate", "transactionNo")},
		}},
		{colJournalDedup, []mongo.IndexModel{
			{Keys: asc("expiresAt"), Options: ttl(0)},
		}},
		{colReportTranlogs, []mongo.IndexModel{
			{Keys: asc("storeCode", "businessDate", "terminalNo")},
			{Keys: asc("transactionType", "businessDate")},
		}},
		{colReportCashlogs, []mongo.IndexModel{
			{Keys: asc("storeCode", "businessDate")},
		}},
		{colReportSessions, []mongo.IndexModel{
			{Keys: asc("storeCode", "businessDate")},
		}},
		{colReportDedup, []mongo.IndexModel{
			{Keys: asc("expiresAt"), Options: ttl(0)},
		}},
		{colReports, []mongo.IndexModel{
			{Keys: asc("storeCode", "businessDate", "scope", "terminalNo")},
		}},
	}

	for _, ix := range indexes {
		if _, err := s.collection(tenantID, ix.collection).Indexes().CreateMany(ctx, ix.models); err != nil {
			return fmt.Errorf("ensure indexes on %s: %w", ix.collection, err)
		}
	}
	return nil
}
