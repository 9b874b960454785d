// Package store defines the write-through persistence contract shared
// by every producer in the pipeline, grounded on the teacher's
// domain/pgdb convention of one struct per table plus a thin
// *gorm.DB wrapper.
package store

import (
	"time"

	"github.com/marketwatch/btcsentry/internal/domain"
	"github.com/marketwatch/btcsentry/internal/liquidation"
)

// Store provides idempotent writes for every persisted entity in the
// pipeline and the state recovery reads needed at cold start. Prices
// are always stored as the exchange's canonical decimal string.
type Store interface {
	WallOpened(w domain.Wall) error
	WallUpdated(w domain.Wall) error
	WallClosed(w domain.Wall, reason domain.GoneReason, closedAt time.Time) error
	OpenWalls(market domain.Market) ([]domain.Wall, error)

	AppendLargeTrade(ev domain.TradeEvent, kind domain.AlertKind) error
	AppendLiquidation(ev domain.LiquidationEvent) error
	DigestAggregate(market domain.Market, periodMinutes int, at time.Time) (liquidation.DigestSummary, error)

	UpsertMinuteBucket(b domain.MinuteBucket) error
	RecentBuckets(market domain.Market, horizon time.Duration) ([]domain.MinuteBucket, error)

	AppendDepthSnapshot(market domain.Market, lastUpdateID int64, takenAt time.Time) error
	AppendAlertLog(kind domain.AlertKind, topic, text string, sentAt time.Time) error

	GetSetting(key string) (string, bool, error)
	PutSetting(key, value string) error
}
