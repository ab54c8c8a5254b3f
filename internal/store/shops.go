package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/localhub/localhub/internal/model"
)

func (s *Store) CreateShop(ctx context.Context, shop *model.Shop) error {
	return s.db.WithContext(ctx).Create(shop).Error
}

// GetShop returns (nil, nil) when the shop does not exist.
func (s *Store) GetShop(ctx context.Context, id int64) (*model.Shop, error) {
	var shop model.Shop
	err := s.db.WithContext(ctx).First(&shop, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &shop, nil
}

// UpdateShop writes the non-zero fields of shop. Returns ErrNotFound when no
// row matches shop.ID.
func (s *Store) UpdateShop(ctx context.Context, shop *model.Shop) error {
	res := s.db.WithContext(ctx).Model(&model.Shop{ID: shop.ID}).Updates(shop)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateShopType(ctx context.Context, st *model.ShopType) error {
	return s.db.WithContext(ctx).Create(st).Error
}

// ListShopTypes returns all shop types ordered by sort. Returns nil when the
// table is empty.
func (s *Store) ListShopTypes(ctx context.Context) ([]model.ShopType, error) {
	var types []model.ShopType
	if err := s.db.WithContext(ctx).Order("sort ASC").Find(&types).Error; err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, nil
	}
	return types, nil
}
