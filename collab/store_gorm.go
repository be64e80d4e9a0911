package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openequity/collab/internal/slogging"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionModel is the GORM model for the collaboration_sessions table.
type SessionModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	ResourceType   string    `gorm:"column:resource_type;not null"`
	ResourceID     string    `gorm:"column:resource_id;not null;index"`
	IsActive       bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	LastActivityAt time.Time `gorm:"column:last_activity_at;not null"`
	Metadata       *string   `gorm:"column:metadata;type:jsonb"`
}

// TableName returns the table name for SessionModel.
func (SessionModel) TableName() string { return "collaboration_sessions" }

// ParticipantModel is the GORM model for the session_participants table.
type ParticipantModel struct {
	SessionID   string     `gorm:"column:session_id;primaryKey"`
	UserID      string     `gorm:"column:user_id;primaryKey"`
	DisplayName string     `gorm:"column:display_name;not null"`
	AvatarRef   *string    `gorm:"column:avatar_ref"`
	Status      string     `gorm:"column:status;not null"`
	Permissions *string    `gorm:"column:permissions;type:jsonb"`
	JoinedAt    time.Time  `gorm:"column:joined_at;not null"`
	LastSeenAt  time.Time  `gorm:"column:last_seen_at;not null"`
}

// TableName returns the table name for ParticipantModel.
func (ParticipantModel) TableName() string { return "session_participants" }

// ActivityModel is the GORM model for the session_activity table.
type ActivityModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	SessionID    string    `gorm:"column:session_id;not null;index"`
	UserID       string    `gorm:"column:user_id;not null"`
	ActivityType string    `gorm:"column:activity_type;not null"`
	Payload      *string   `gorm:"column:payload;type:jsonb"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index"`
}

// TableName returns the table name for ActivityModel.
func (ActivityModel) TableName() string { return "session_activity" }

// ElementFieldModel is the GORM model for the resource_element_fields table,
// one row per (resource, element, field) with the current value as JSON.
type ElementFieldModel struct {
	ResourceType string    `gorm:"column:resource_type;primaryKey"`
	ResourceID   string    `gorm:"column:resource_id;primaryKey"`
	ElementID    string    `gorm:"column:element_id;primaryKey"`
	Field        string    `gorm:"column:field;primaryKey"`
	Value        *string   `gorm:"column:value;type:jsonb"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName returns the table name for ElementFieldModel.
func (ElementFieldModel) TableName() string { return "resource_element_fields" }

// GormSessionRepository implements SessionRepository using GORM.
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a GORM-backed session repository.
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// LoadSession reads the durable session row. A missing row is (nil, nil).
func (s *GormSessionRepository) LoadSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	logger := slogging.Get()

	var model SessionModel
	result := s.db.WithContext(ctx).First(&model, "id = ?", sessionID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			logger.Debug("Session not found: id=%s", sessionID)
			return nil, nil
		}
		logger.Error("Failed to load session: id=%s, error=%v", sessionID, result.Error)
		return nil, fmt.Errorf("failed to load session: %w", result.Error)
	}

	row := &SessionRow{
		ID:             model.ID,
		ResourceType:   model.ResourceType,
		ResourceID:     model.ResourceID,
		IsActive:       model.IsActive,
		CreatedAt:      model.CreatedAt,
		LastActivityAt: model.LastActivityAt,
	}
	if model.Metadata != nil {
		if err := json.Unmarshal([]byte(*model.Metadata), &row.Metadata); err != nil {
			logger.Warn("Ignoring unparseable session metadata: id=%s, error=%v", sessionID, err)
		}
	}

	logger.Debug("Loaded session: id=%s, resource=%s/%s", row.ID, row.ResourceType, row.ResourceID)
	return row, nil
}

// UpsertSession writes the session row, inserting or updating by ID.
func (s *GormSessionRepository) UpsertSession(ctx context.Context, row *SessionRow) error {
	logger := slogging.Get()

	model := SessionModel{
		ID:             row.ID,
		ResourceType:   row.ResourceType,
		ResourceID:     row.ResourceID,
		IsActive:       row.IsActive,
		CreatedAt:      row.CreatedAt,
		LastActivityAt: row.LastActivityAt,
	}
	if len(row.Metadata) > 0 {
		raw, err := json.Marshal(row.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal session metadata: %w", err)
		}
		str := string(raw)
		model.Metadata = &str
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_active", "last_activity_at", "metadata"}),
	}).Create(&model)
	if result.Error != nil {
		logger.Error("Failed to upsert session: id=%s, error=%v", row.ID, result.Error)
		return fmt.Errorf("failed to upsert session: %w", result.Error)
	}

	return nil
}

// UpsertParticipant writes the participant row, inserting or updating by
// (session_id, user_id).
func (s *GormSessionRepository) UpsertParticipant(ctx context.Context, sessionID string, p *Participant) error {
	logger := slogging.Get()

	model := ParticipantModel{
		SessionID:   sessionID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Status:      string(p.Status),
		JoinedAt:    p.JoinedAt,
		LastSeenAt:  p.LastSeenAt,
	}
	if p.AvatarRef != "" {
		model.AvatarRef = &p.AvatarRef
	}
	if len(p.Permissions) > 0 {
		raw, err := json.Marshal(p.Permissions)
		if err != nil {
			return fmt.Errorf("failed to marshal participant permissions: %w", err)
		}
		str := string(raw)
		model.Permissions = &str
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_ref", "status", "permissions", "last_seen_at"}),
	}).Create(&model)
	if result.Error != nil {
		logger.Error("Failed to upsert participant: session_id=%s, user_id=%s, error=%v",
			sessionID, p.UserID, result.Error)
		return fmt.Errorf("failed to upsert participant: %w", result.Error)
	}

	return nil
}

// MarkInactive flags the session row inactive after eviction.
func (s *GormSessionRepository) MarkInactive(ctx context.Context, sessionID string) error {
	logger := slogging.Get()

	result := s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("id = ?", sessionID).
		Update("is_active", false)
	if result.Error != nil {
		logger.Error("Failed to mark session inactive: id=%s, error=%v", sessionID, result.Error)
		return fmt.Errorf("failed to mark session inactive: %w", result.Error)
	}

	logger.Info("Session marked inactive: id=%s", sessionID)
	return nil
}

// GormActivitySink implements ActivitySink using GORM.
type GormActivitySink struct {
	db *gorm.DB
}

// NewGormActivitySink creates a GORM-backed activity sink.
func NewGormActivitySink(db *gorm.DB) *GormActivitySink {
	return &GormActivitySink{db: db}
}

// RecordActivity appends one audit row.
func (s *GormActivitySink) RecordActivity(ctx context.Context, sessionID, userID string, activityType ActivityType, payload any) error {
	logger := slogging.Get()

	model := ActivityModel{
		ID:           newID(),
		SessionID:    sessionID,
		UserID:       userID,
		ActivityType: string(activityType),
		CreatedAt:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal activity payload: %w", err)
		}
		str := string(raw)
		model.Payload = &str
	}

	result := s.db.WithContext(ctx).Create(&model)
	if result.Error != nil {
		logger.Error("Failed to record activity: session_id=%s, type=%s, error=%v",
			sessionID, activityType, result.Error)
		return fmt.Errorf("failed to record activity: %w", result.Error)
	}

	return nil
}

// GormResourceUpdater implements ResourceUpdater against the element field
// table. The wider application reads the same rows when rendering the
// resource.
type GormResourceUpdater struct {
	db *gorm.DB
}

// NewGormResourceUpdater creates a GORM-backed resource updater.
func NewGormResourceUpdater(db *gorm.DB) *GormResourceUpdater {
	return &GormResourceUpdater{db: db}
}

// ApplyFieldUpdate writes the authoritative value for one element field. A
// nil newValue deletes the field row.
func (s *GormResourceUpdater) ApplyFieldUpdate(ctx context.Context, resourceType, resourceID, elementID, field string, newValue any) error {
	logger := slogging.Get()

	if newValue == nil {
		result := s.db.WithContext(ctx).
			Where("resource_type = ? AND resource_id = ? AND element_id = ? AND field = ?",
				resourceType, resourceID, elementID, field).
			Delete(&ElementFieldModel{})
		if result.Error != nil {
			logger.Error("Failed to delete element field: resource=%s/%s, element_id=%s, field=%s, error=%v",
				resourceType, resourceID, elementID, field, result.Error)
			return fmt.Errorf("failed to delete element field: %w", result.Error)
		}
		return nil
	}

	raw, err := json.Marshal(newValue)
	if err != nil {
		return fmt.Errorf("failed to marshal field value: %w", err)
	}
	str := string(raw)

	model := ElementFieldModel{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ElementID:    elementID,
		Field:        field,
		Value:        &str,
		UpdatedAt:    time.Now().UTC(),
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_type"}, {Name: "resource_id"}, {Name: "element_id"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&model)
	if result.Error != nil {
		logger.Error("Failed to apply field update: resource=%s/%s, element_id=%s, field=%s, error=%v",
			resourceType, resourceID, elementID, field, result.Error)
		return fmt.Errorf("failed to apply field update: %w", result.Error)
	}

	logger.Debug("Applied field update: resource=%s/%s, element_id=%s, field=%s",
		resourceType, resourceID, elementID, field)
	return nil
}
