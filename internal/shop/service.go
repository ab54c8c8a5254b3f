// Package shop serves shop reads through the cache and keeps the cache
// coherent on writes.
package shop

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/localhub/localhub/internal/cache"
	"github.com/localhub/localhub/internal/model"
	"github.com/localhub/localhub/internal/store"
)

var ErrInvalidShop = errors.New("shop id required")

const typeListID = "list"

type TTLs struct {
	Shop     time.Duration
	Hot      time.Duration // logical expiry of preheated entries
	ShopType time.Duration
}

type Service struct {
	store *store.Store
	cache *cache.Client
	bc    *cache.Broadcaster
	ttl   TTLs
	log   *zap.Logger
}

func NewService(st *store.Store, c *cache.Client, bc *cache.Broadcaster, ttl TTLs, log *zap.Logger) *Service {
	return &Service{store: st, cache: c, bc: bc, ttl: ttl, log: log}
}

// QueryByID returns the shop or nil if it does not exist.
func (s *Service) QueryByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.Query(ctx, s.cache, model.CacheShopKey, id, s.store.GetShop, s.ttl.Shop)
}

// QueryHotByID serves a preheated shop without ever blocking on the
// database. Shops that were not preheated read as nil.
func (s *Service) QueryHotByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.QueryWithLogicalExpire(ctx, s.cache, model.CacheHotShopKey, id, s.store.GetShop, s.ttl.Hot)
}

// Preheat loads the given shops into the hot cache. Unknown ids are skipped.
func (s *Service) Preheat(ctx context.Context, ids ...int64) (int, error) {
	n := 0
	for _, id := range ids {
		shop, err := s.store.GetShop(ctx, id)
		if err != nil {
			return n, err
		}
		if shop == nil {
			s.log.Warn("preheat: shop not found", zap.Int64("shop", id))
			continue
		}
		key := model.CacheHotShopKey + strconv.FormatInt(id, 10)
		if err := s.cache.SetWithLogicalExpire(ctx, key, shop, s.ttl.Hot); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Update writes shop to the database, then drops its cache entry here and
// on every peer. A preheated hot entry is rewritten from the stored row;
// hot entries live only in Redis, so nothing needs broadcasting for them.
func (s *Service) Update(ctx context.Context, shop *model.Shop) error {
	if shop.ID <= 0 {
		return ErrInvalidShop
	}
	if err := s.store.UpdateShop(ctx, shop); err != nil {
		return err
	}
	id := strconv.FormatInt(shop.ID, 10)
	if err := s.bc.Invalidate(ctx, model.CacheShopKey+id); err != nil {
		return err
	}

	fresh, err := s.store.GetShop(ctx, shop.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return s.bc.Invalidate(ctx, model.CacheHotShopKey+id)
	}
	_, err = s.cache.ReplaceWithLogicalExpire(ctx, model.CacheHotShopKey+id, fresh, s.ttl.Hot)
	return err
}

// QueryTypeList returns every shop type ordered by sort.
func (s *Service) QueryTypeList(ctx context.Context) ([]model.ShopType, error) {
	types, err := cache.Query(ctx, s.cache, model.CacheShopTypeKey, typeListID, s.loadTypes, s.ttl.ShopType)
	if err != nil || types == nil {
		return nil, err
	}
	return *types, nil
}

func (s *Service) loadTypes(ctx context.Context, _ string) (*[]model.ShopType, error) {
	types, err := s.store.ListShopTypes(ctx)
	if err != nil || len(types) == 0 {
		return nil, err
	}
	return &types, nil
}
