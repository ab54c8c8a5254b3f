package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/localhub/localhub/internal/model"
)

// CreateVoucherOrder persists o inside one transaction: durable duplicate
// check, conditional stock decrement, insert. It returns ErrDuplicate when a
// non-cancelled order already exists for (UserID, VoucherID) and
// ErrStockExhausted when the durable stock is already zero.
func (s *Store) CreateVoucherOrder(ctx context.Context, o *model.VoucherOrder) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ? AND status <> ?", o.UserID, o.VoucherID, model.OrderCancelled).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("count orders: %w", err)
		}
		if count > 0 {
			return ErrDuplicate
		}

		res := tx.Model(&model.SeckillVoucher{}).
			Where("voucher_id = ? AND stock > 0", o.VoucherID).
			Update("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return fmt.Errorf("decrement stock: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStockExhausted
		}

		if o.Status == 0 {
			o.Status = model.OrderUnpaid
		}
		if err := tx.Create(o).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetVoucherOrder returns the order with the given id or ErrNotFound.
func (s *Store) GetVoucherOrder(ctx context.Context, id int64) (*model.VoucherOrder, error) {
	var o model.VoucherOrder
	err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CountOrders returns the number of non-cancelled orders for a voucher.
func (s *Store) CountOrders(ctx context.Context, voucherID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("voucher_id = ? AND status <> ?", voucherID, model.OrderCancelled).
		Count(&n).Error
	return n, err
}

// OrderUserIDs lists the users holding a non-cancelled order for a voucher.
func (s *Store) OrderUserIDs(ctx context.Context, voucherID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("voucher_id = ? AND status <> ?", voucherID, model.OrderCancelled).
		Pluck("user_id", &ids).Error
	return ids, err
}
