// Package pgstore implements store.Store over Postgres via gorm,
// adapted from the teacher's domain/pgdb.PgDatabase wrapper: one
// struct per table, a thin *gorm.DB handle, upserts via gorm's
// clause.OnConflict for the idempotent-write entities.
package pgstore

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/marketwatch/btcsentry/internal/domain"
	"github.com/marketwatch/btcsentry/internal/liquidation"
)

type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and runs AutoMigrate for every table this
// package owns.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(
		&WallRecord{}, &LargeTradeRecord{}, &LiquidationRecord{},
		&MinuteBucketRecord{}, &DepthSnapshotRecord{}, &AlertLogRecord{}, &SettingRecord{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) WallOpened(w domain.Wall) error {
	rec := WallRecord{
		Market: string(w.Key.Market), Side: string(w.Key.Side), PriceStr: w.Key.PriceStr,
		DetectedAt: w.DetectedAt, EventID: w.EventID, Qty: w.Qty.String(), NotionalUSD: w.NotionalUSD.String(),
		FirstSeenMid: w.FirstSeenMid.String(), LastSeenQty: w.LastSeenQty.String(), State: string(w.State),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "side"}, {Name: "price_str"}, {Name: "detected_at"}},
		DoUpdates: clause.AssignmentColumns([]string{"qty", "notional_usd", "last_seen_qty", "state"}),
	}).Create(&rec).Error
}

func (s *Store) WallUpdated(w domain.Wall) error {
	return s.db.Model(&WallRecord{}).
		Where("market = ? AND side = ? AND price_str = ? AND detected_at = ?",
			w.Key.Market, w.Key.Side, w.Key.PriceStr, w.DetectedAt).
		Updates(map[string]interface{}{
			"qty": w.Qty.String(), "notional_usd": w.NotionalUSD.String(),
			"last_seen_qty": w.LastSeenQty.String(), "state": string(w.State), "confirmed_at": w.ConfirmedAt,
		}).Error
}

func (s *Store) WallClosed(w domain.Wall, reason domain.GoneReason, closedAt time.Time) error {
	return s.db.Model(&WallRecord{}).
		Where("market = ? AND side = ? AND price_str = ? AND detected_at = ?",
			w.Key.Market, w.Key.Side, w.Key.PriceStr, w.DetectedAt).
		Updates(map[string]interface{}{
			"state": string(domain.WallGoneState), "closed_at": closedAt, "close_reason": string(reason),
		}).Error
}

func (s *Store) OpenWalls(market domain.Market) ([]domain.Wall, error) {
	var recs []WallRecord
	if err := s.db.Where("market = ? AND closed_at IS NULL", string(market)).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Wall, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.Wall{
			Key:          domain.WallKey{Market: domain.Market(r.Market), Side: domain.BookSide(r.Side), PriceStr: r.PriceStr},
			EventID:      r.EventID,
			Qty:          mustDecimal(r.Qty),
			NotionalUSD:  mustDecimal(r.NotionalUSD),
			DetectedAt:   r.DetectedAt,
			FirstSeenMid: mustDecimal(r.FirstSeenMid),
			LastSeenQty:  mustDecimal(r.LastSeenQty),
			State:        domain.WallState(r.State),
			ConfirmedAt:  r.ConfirmedAt,
		})
	}
	return out, nil
}

func (s *Store) AppendLargeTrade(ev domain.TradeEvent, kind domain.AlertKind) error {
	return s.db.Create(&LargeTradeRecord{
		Market: string(ev.Market), Side: string(ev.Side), Price: ev.Price.String(),
		Qty: ev.Qty.String(), Notional: ev.Notional.String(), Kind: string(kind), Ts: ev.Ts,
	}).Error
}

func (s *Store) AppendLiquidation(ev domain.LiquidationEvent) error {
	return s.db.Create(&LiquidationRecord{
		Market: string(ev.Market), Side: string(ev.Side), Price: ev.Price.String(),
		Qty: ev.Qty.String(), Notional: ev.Notional.String(), Ts: ev.Ts,
	}).Error
}

func (s *Store) DigestAggregate(market domain.Market, periodMinutes int, at time.Time) (liquidation.DigestSummary, error) {
	since := at.Add(-time.Duration(periodMinutes) * time.Minute)

	var buckets []MinuteBucketRecord
	if err := s.db.Where("market = ? AND minute_epoch >= ? AND minute_epoch < ?",
		string(market), since.Unix()/60, at.Unix()/60).Find(&buckets).Error; err != nil {
		return liquidation.DigestSummary{}, err
	}

	summary := liquidation.DigestSummary{Market: market, PeriodMinutes: periodMinutes}
	for _, b := range buckets {
		summary.TradeCount += b.TradeCount
		summary.BuyVolUSD = summary.BuyVolUSD.Add(mustDecimal(b.BuyVolUSD))
		summary.SellVolUSD = summary.SellVolUSD.Add(mustDecimal(b.SellVolUSD))
		summary.DeltaUSD = summary.DeltaUSD.Add(mustDecimal(b.DeltaUSD))
	}

	var liqs []LiquidationRecord
	if err := s.db.Where("market = ? AND ts >= ? AND ts < ?", string(market), since, at).Find(&liqs).Error; err != nil {
		return liquidation.DigestSummary{}, err
	}
	summary.Liquidations = int64(len(liqs))
	for _, l := range liqs {
		summary.LiquidatedUSD = summary.LiquidatedUSD.Add(mustDecimal(l.Notional))
	}

	return summary, nil
}

func (s *Store) UpsertMinuteBucket(b domain.MinuteBucket) error {
	rec := MinuteBucketRecord{
		Market: string(b.Market), MinuteEpoch: b.MinuteEpoch,
		BuyVolUSD: b.BuyVolUSD.String(), SellVolUSD: b.SellVolUSD.String(), DeltaUSD: b.DeltaUSD.String(),
		VWAPNum: b.VWAPNum.String(), VWAPDen: b.VWAPDen.String(), TradeCount: b.TradeCount, CVDAtEnd: b.CVDAtEnd.String(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "minute_epoch"}},
		DoUpdates: clause.AssignmentColumns([]string{"buy_vol_usd", "sell_vol_usd", "delta_usd", "vwap_num", "vwap_den", "trade_count", "cvd_at_end"}),
	}).Create(&rec).Error
}

func (s *Store) RecentBuckets(market domain.Market, horizon time.Duration) ([]domain.MinuteBucket, error) {
	cutoff := time.Now().Add(-horizon).Unix() / 60
	var recs []MinuteBucketRecord
	if err := s.db.Where("market = ? AND minute_epoch >= ?", string(market), cutoff).
		Order("minute_epoch").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.MinuteBucket, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.MinuteBucket{
			Market: domain.Market(r.Market), MinuteEpoch: r.MinuteEpoch,
			BuyVolUSD: mustDecimal(r.BuyVolUSD), SellVolUSD: mustDecimal(r.SellVolUSD), DeltaUSD: mustDecimal(r.DeltaUSD),
			VWAPNum: mustDecimal(r.VWAPNum), VWAPDen: mustDecimal(r.VWAPDen), TradeCount: r.TradeCount, CVDAtEnd: mustDecimal(r.CVDAtEnd),
		})
	}
	return out, nil
}

func (s *Store) AppendDepthSnapshot(market domain.Market, lastUpdateID int64, takenAt time.Time) error {
	return s.db.Create(&DepthSnapshotRecord{Market: string(market), LastUpdateID: lastUpdateID, TakenAt: takenAt}).Error
}

func (s *Store) AppendAlertLog(kind domain.AlertKind, topic, text string, sentAt time.Time) error {
	return s.db.Create(&AlertLogRecord{Kind: string(kind), Topic: topic, Text: text, SentAt: sentAt}).Error
}

func (s *Store) GetSetting(key string) (string, bool, error) {
	var rec SettingRecord
	err := s.db.Where("key = ?", key).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (s *Store) PutSetting(key, value string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&SettingRecord{Key: key, Value: value}).Error
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
