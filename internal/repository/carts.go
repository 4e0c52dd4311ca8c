package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
)

// CartRepository is the document-store side of cart persistence: the
// fallback when the cache write fails and the durable home of terminal
// carts (completed and cancelled).
type CartRepository struct {
	store *Store
}

func NewCartRepository(store *Store) *CartRepository {
	return &CartRepository{store: store}
}

// Get loads a cart by id.
func (r *CartRepository) Get(ctx context.Context, tenantID, cartID string) (*domain.Cart, error) {
	var c domain.Cart
	err := r.store.collection(tenantID, colCarts).
		FindOne(ctx, bson.M{"_id": cartID}).
		Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert writes a cart unconditionally. Used when the cache held the
// authoritative copy and the store is only catching up.
func (r *CartRepository) Upsert(ctx context.Context, cart *domain.Cart) error {
	_, err := r.store.collection(cart.TenantID, colCarts).ReplaceOne(
		ctx,
		bson.M{"_id": cart.ID},
		cart,
		options.Replace().SetUpsert(true),
	)
	return err
}
