package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
)

// MasterDataRepository reads and seeds the per-tenant master records:
// items, tax rules, payment methods, staff and tenant settings.
type MasterDataRepository struct {
	store *Store
}

func NewMasterDataRepository(store *Store) *MasterDataRepository {
	return &MasterDataRepository{store: store}
}

func (r *MasterDataRepository) Item(ctx context.Context, tenantID, code string) (*domain.Item, error) {
	var it domain.Item
	err := r.store.collection(tenantID, colItems).FindOne(ctx, bson.M{"_id": code}).Decode(&it)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *MasterDataRepository) TaxRule(ctx context.Context, tenantID, code string) (*domain.TaxRule, error) {
	var t domain.TaxRule
	err := r.store.collection(tenantID, colTaxes).FindOne(ctx, bson.M{"_id": code}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *MasterDataRepository) PaymentMethod(ctx context.Context, tenantID, code string) (*domain.PaymentMethodSpec, error) {
	var p domain.PaymentMethodSpec
	err := r.store.collection(tenantID, colPayments).FindOne(ctx, bson.M{"_id": code}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *MasterDataRepository) PaymentMethods(ctx context.Context, tenantID string) ([]*domain.PaymentMethodSpec, error) {
	cur, err := r.store.collection(tenantID, colPayments).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var out []*domain.PaymentMethodSpec
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MasterDataRepository) Staff(ctx context.Context, tenantID, staffID string) (*domain.Staff, error) {
	var s domain.Staff
	err := r.store.collection(tenantID, colStaff).FindOne(ctx, bson.M{"_id": staffID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Settings returns the tenant settings document, or defaults if the
// tenant has not been seeded yet.
func (r *MasterDataRepository) Settings(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	var s domain.TenantSettings
	err := r.store.collection(tenantID, colSettings).
		FindOne(ctx, bson.M{"_id": domain.TenantSettingsID}).
		Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &domain.TenantSettings{
			ID:           domain.TenantSettingsID,
			RoundingMode: domain.RoundHalfUp,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SeedDocuments inserts master records that do not exist yet. Existing
// documents are left untouched so re-provisioning a tenant is safe.
type SeedDocuments struct {
	Settings *domain.TenantSettings
	Items    []*domain.Item
	Taxes    []*domain.TaxRule
	Payments []*domain.PaymentMethodSpec
	Staff    []*domain.Staff
}

func (r *MasterDataRepository) Seed(ctx context.Context, tenantID string, docs SeedDocuments) error {
	upsert := options.Update().SetUpsert(true)

	if docs.Settings != nil {
		_, err := r.store.collection(tenantID, colSettings).UpdateOne(ctx,
			bson.M{"_id": domain.TenantSettingsID},
			bson.M{"$setOnInsert": docs.Settings},
			upsert,
		)
		if err != nil {
			return err
		}
	}
	for _, it := range docs.Items {
		if _, err := r.store.collection(tenantID, colItems).UpdateOne(ctx,
			bson.M{"_id": it.Code}, bson.M{"$setOnInsert": it}, upsert); err != nil {
			return err
		}
	}
	for _, t := range docs.Taxes {
		if _, err := r.store.collection(tenantID, colTaxes).UpdateOne(ctx,
			bson.M{"_id": t.Code}, bson.M{"$setOnInsert": t}, upsert); err != nil {
			return err
		}
	}
	for _, p := range docs.Payments {
		if _, err := r.store.collection(tenantID, colPayments).UpdateOne(ctx,
			bson.M{"_id": p.Code}, bson.M{"$setOnInsert": p}, upsert); err != nil {
			return err
		}
	}
	for _, st := range docs.Staff {
		if _, err := r.store.collection(tenantID, colStaff).UpdateOne(ctx,
			bson.M{"_id": st.ID}, bson.M{"$setOnInsert": st}, upsert); err != nil {
			return err
		}
	}
	return nil
}
