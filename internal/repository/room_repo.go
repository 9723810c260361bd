package repository

import (
	"context"
	"errors"
	"fmt"

	"collabsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomStateRepository persists the per-room durable slot. The slot is tiny
// on purpose: just enough for a restarted process to interpret a fired
// timer without guessing.
type RoomStateRepository struct {
	db *gorm.DB
}

func NewRoomStateRepository(db *gorm.DB) *RoomStateRepository {
	return &RoomStateRepository{db: db}
}

// SaveRoomKey upserts the room's durable slot without disturbing an
// already persisted timer kind.
func (r *RoomStateRepository) SaveRoomKey(ctx context.Context, roomKey string) error {
	state := &models.RoomState{RoomKey: roomKey}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(state).Error
	if err != nil {
		return fmt.Errorf("failed to save room key: %w", err)
	}
	return nil
}

// SetTimerKind records which timer is pending for the room.
func (r *RoomStateRepository) SetTimerKind(ctx context.Context, roomKey string, kind models.TimerKind) error {
	err := r.db.WithContext(ctx).
		Model(&models.RoomState{}).
		Where("room_key = ?", roomKey).
		Update("timer_kind", kind).Error
	if err != nil {
		return fmt.Errorf("failed to set timer kind: %w", err)
	}
	return nil
}

// GetTimerKind reads the pending timer kind for the room. A room with no
// durable slot yet reports TimerNone.
func (r *RoomStateRepository) GetTimerKind(ctx context.Context, roomKey string) (models.TimerKind, error) {
	var state models.RoomState
	err := r.db.WithContext(ctx).
		Where("room_key = ?", roomKey).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.TimerNone, nil
		}
		return models.TimerNone, fmt.Errorf("failed to get timer kind: %w", err)
	}
	return state.TimerKind, nil
}

// ClearTimer erases the pending timer record.
func (r *RoomStateRepository) ClearTimer(ctx context.Context, roomKey string) error {
	return r.SetTimerKind(ctx, roomKey, models.TimerNone)
}
