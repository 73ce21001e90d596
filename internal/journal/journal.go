package journal

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RawStreamEvent archives one inbound envelope as delivered, before any
// formatting or merging. Channel is "ws" or "fallback".
type RawStreamEvent struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement"`
	Channel    string         `gorm:"type:varchar(16);not null;index"`
	MsgType    string         `gorm:"type:varchar(32);not null;index"`
	Payload    datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt time.Time      `gorm:"type:timestamptz;not null;index"`
}

func (RawStreamEvent) TableName() string {
	return "raw_stream_events"
}

// Journal is a best-effort archive of the raw event stream. All writes are
// fire-and-forget from the engine's perspective; a journal fault never
// blocks the merge path.
type Journal struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) (*Journal, error) {
	if err := db.AutoMigrate(&RawStreamEvent{}); err != nil {
		return nil, err
	}
	return &Journal{DB: db, Logger: logger}, nil
}

func (j *Journal) Record(ctx context.Context, channel, msgType string, payload []byte) {
	if j == nil || j.DB == nil {
		return
	}
	item := &RawStreamEvent{
		Channel:    channel,
		MsgType:    msgType,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: time.Now().UTC(),
	}
	if err := j.DB.WithContext(ctx).Create(item).Error; err != nil && j.Logger != nil {
		j.Logger.Warn("journal write failed", zap.Error(err))
	}
}

// Prune deletes archived events older than the retention cutoff and returns
// the number of rows removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	if j == nil || j.DB == nil {
		return 0, nil
	}
	res := j.DB.WithContext(ctx).Where("received_at < ?", before).Delete(&RawStreamEvent{})
	return res.RowsAffected, res.Error
}
