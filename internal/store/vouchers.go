package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/localhub/localhub/internal/model"
)

func (s *Store) CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetSeckillVoucher returns (nil, nil) when the voucher does not exist, the
// shape expected by cache lookups.
func (s *Store) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	var v model.SeckillVoucher
	err := s.db.WithContext(ctx).First(&v, "voucher_id = ?", voucherID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
