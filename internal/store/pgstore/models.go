package pgstore

import "time"

// WallRecord mirrors domain.Wall for persistence. Primary key is
// (market, side, price_str, detected_at) per the store contract.
type WallRecord struct {
	Market       string `gorm:"primaryKey"`
	Side         string `gorm:"primaryKey"`
	PriceStr     string `gorm:"primaryKey"`
	DetectedAt   time.Time `gorm:"primaryKey"`
	EventID      string
	Qty          string
	NotionalUSD  string
	FirstSeenMid string
	LastSeenQty  string
	State        string
	ConfirmedAt  *time.Time
	ClosedAt     *time.Time
	CloseReason  string
}

func (WallRecord) TableName() string { return "walls" }

// LargeTradeRecord is an append-only log of trades that crossed the
// large/mega threshold.
type LargeTradeRecord struct {
	ID       uint `gorm:"primaryKey;autoIncrement"`
	Market   string
	Side     string
	Price    string
	Qty      string
	Notional string
	Kind     string
	Ts       time.Time
}

func (LargeTradeRecord) TableName() string { return "large_trades" }

// LiquidationRecord is an append-only log of every matching forced order.
type LiquidationRecord struct {
	ID       uint `gorm:"primaryKey;autoIncrement"`
	Market   string
	Side     string
	Price    string
	Qty      string
	Notional string
	Ts       time.Time
}

func (LiquidationRecord) TableName() string { return "liquidations" }

// MinuteBucketRecord upserts by (market, minute_epoch).
type MinuteBucketRecord struct {
	Market      string `gorm:"primaryKey"`
	MinuteEpoch int64  `gorm:"primaryKey"`
	BuyVolUSD   string
	SellVolUSD  string
	DeltaUSD    string
	VWAPNum     string
	VWAPDen     string
	TradeCount  int64
	CVDAtEnd    string
}

func (MinuteBucketRecord) TableName() string { return "minute_buckets" }

// DepthSnapshotRecord is an append-only audit trail of every REST
// anchor taken.
type DepthSnapshotRecord struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	Market       string
	LastUpdateID int64
	TakenAt      time.Time
}

func (DepthSnapshotRecord) TableName() string { return "depth_snapshots" }

// AlertLogRecord is an append-only record of every message actually
// sent by AlertRouter.
type AlertLogRecord struct {
	ID     uint `gorm:"primaryKey;autoIncrement"`
	Kind   string
	Topic  string
	Text   string
	SentAt time.Time
}

func (AlertLogRecord) TableName() string { return "alert_log" }

// SettingRecord is the notification-settings key/value store.
type SettingRecord struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (SettingRecord) TableName() string { return "settings" }
