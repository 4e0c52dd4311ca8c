package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// ArchiveRepo is the persistence slice the archive writer needs.
type ArchiveRepo interface {
	EntriesForDate(ctx context.Context, tenantID, storeCode, businessDate string) ([]*domain.JournalEntry, error)
	RecordArchive(ctx context.Context, tenantID string, rec *repository.ArchiveRecord) error
}

// ObjectStore is the object-storage slice, satisfied by the MinIO client.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver writes one JSONL object per store and business date to object
// storage and records the upload. Re-archiving a date overwrites the
// object and the record, so the operation is safe to repeat.
type Archiver struct {
	store   ObjectStore
	bucket  string
	repo    ArchiveRepo
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewArchiver builds the MinIO-backed archiver.
func NewArchiver(cfg config.ArchiveConfig, repo ArchiveRepo, log *logger.Logger, m *metrics.Metrics) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect %s: %w", cfg.Endpoint, err)
	}
	return &Archiver{store: client, bucket: cfg.Bucket, repo: repo, log: log, metrics: m}, nil
}

// NewArchiverWith builds an archiver on a pre-built object store. Test
// constructor.
func NewArchiverWith(store ObjectStore, bucket string, repo ArchiveRepo, log *logger.Logger, m *metrics.Metrics) *Archiver {
	return &Archiver{store: store, bucket: bucket, repo: repo, log: log, metrics: m}
}

// Archive uploads the journal of one store and business date.
func (a *Archiver) Archive(ctx context.Context, tenantID, storeCode, businessDate string) (*repository.ArchiveRecord, error) {
	if !domain.ValidBusinessDate(businessDate) {
		return nil, badDate(businessDate)
	}

	entries, err := a.repo.EntriesForDate(ctx, tenantID, storeCode, businessDate)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceJournal, 3, 1), "journal read for archive failed")
	}
	if len(entries) == 0 {
		return nil, apperr.NotFound(
			apperr.Code(apperr.ServiceJournal, 3, 2),
			fmt.Sprintf("no journal entries for %s/%s on %s", tenantID, storeCode, businessDate)).
			WithUser("nothing to archive")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, apperr.Internal(err, apperr.Code(apperr.ServiceJournal, 3, 3), "journal entry encode failed")
		}
	}

	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("journal/%s/%s/%s.jsonl", tenantID, storeCode, businessDate)
	_, err = a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return nil, apperr.Upstream(err, apperr.Code(apperr.ServiceJournal, 3, 4), "archive upload failed")
	}

	rec := &repository.ArchiveRecord{
		ID:           storeCode + "-" + businessDate,
		StoreCode:    storeCode,
		BusinessDate: businessDate,
		ObjectKey:    key,
		EntryCount:   len(entries),
		ArchivedAt:   time.Now().UTC(),
	}
	if err := a.repo.RecordArchive(ctx, tenantID, rec); err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceJournal, 3, 5), "archive record persist failed")
	}

	a.metrics.JournalArchived.Inc()
	a.log.New(ctx).Info("Journal archived",
		"store_code", storeCode, "business_date", businessDate,
		"entries", len(entries), "object_key", key)
	return rec, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return apperr.Upstream(err, apperr.Code(apperr.ServiceJournal, 3, 6), "bucket probe failed")
	}
	if exists {
		return nil
	}
	err = a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	if err != nil {
		// Lost the creation race to another instance.
		if exists, probeErr := a.store.BucketExists(ctx, a.bucket); probeErr == nil && exists {
			return nil
		}
		return apperr.Upstream(err, apperr.Code(apperr.ServiceJournal, 3, 7), "bucket create failed")
	}
	return nil
}
