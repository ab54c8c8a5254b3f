package model

import "time"

// Order status values.
const (
	OrderUnpaid    = 1
	OrderPaid      = 2
	OrderRedeemed  = 3
	OrderCancelled = 4
	OrderRefunding = 5
	OrderRefunded  = 6
)

// VoucherOrder is a flash-sale purchase. ID is minted by idgen before the
// order is enqueued; the row is written later by the order consumer.
// At most one non-cancelled order may exist per (UserID, VoucherID).
type VoucherOrder struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID    int64     `gorm:"not null;uniqueIndex:ux_order_user_voucher,priority:1,where:status <> 4" json:"userId"`
	VoucherID int64     `gorm:"not null;uniqueIndex:ux_order_user_voucher,priority:2,where:status <> 4" json:"voucherId"`
	Status    int       `gorm:"not null;default:1" json:"status"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (VoucherOrder) TableName() string { return "tb_voucher_order" }

// SeckillVoucher is the stock-limited voucher sold during a flash sale.
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey;autoIncrement:false" json:"voucherId"`
	Stock     int       `gorm:"not null;check:stock >= 0" json:"stock"`
	BeginTime time.Time `gorm:"not null" json:"beginTime"`
	EndTime   time.Time `gorm:"not null" json:"endTime"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (SeckillVoucher) TableName() string { return "tb_seckill_voucher" }

// Started reports whether the sale window has opened at t.
func (v *SeckillVoucher) Started(t time.Time) bool { return !t.Before(v.BeginTime) }

// Ended reports whether the sale window has closed at t.
func (v *SeckillVoucher) Ended(t time.Time) bool { return t.After(v.EndTime) }

type Shop struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	TypeID    int64     `gorm:"not null;index" json:"typeId"`
	Area      string    `json:"area"`
	Address   string    `json:"address"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	AvgPrice  int64     `json:"avgPrice"`
	Score     int       `json:"score"`
	OpenHours string    `json:"openHours"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (Shop) TableName() string { return "tb_shop" }

type ShopType struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Name string `gorm:"not null" json:"name"`
	Icon string `json:"icon"`
	Sort int    `gorm:"not null;default:0" json:"sort"`
}

func (ShopType) TableName() string { return "tb_shop_type" }

// User is the request-scoped identity resolved from a login token.
type User struct {
	ID       int64  `json:"id" redis:"id"`
	NickName string `json:"nickName" redis:"nickName"`
	Icon     string `json:"icon" redis:"icon"`
}
