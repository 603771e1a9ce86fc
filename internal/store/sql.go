package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
)

// roomRecord is the chat_rooms row.
type roomRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	ProjectID string    `gorm:"size:128;uniqueIndex:idx_chat_rooms_scope"`
	TeamID    string    `gorm:"size:128;uniqueIndex:idx_chat_rooms_scope"`
	Name      string    `gorm:"size:200"`
	CreatedBy string    `gorm:"size:128"`
	CreatedAt time.Time `gorm:"not null"`
}

func (roomRecord) TableName() string { return "chat_rooms" }

// messageRecord is the chat_messages row. Seq is the storage order and the
// basis of history cursors; ID is the public identifier.
type messageRecord struct {
	Seq             uint64    `gorm:"primaryKey;autoIncrement"`
	ID              string    `gorm:"size:64;not null;uniqueIndex"`
	RoomID          string    `gorm:"size:128;not null;index:idx_chat_messages_room_seq,priority:1"`
	SenderID        string    `gorm:"size:128;not null"`
	SenderName      string    `gorm:"size:128;not null"`
	SenderAvatar    string    `gorm:"size:2048"`
	SenderType      string    `gorm:"size:8;not null"`
	Content         string    `gorm:"type:text"`
	ArtifactTitle   *string   `gorm:"size:200"`
	ArtifactSession *string   `gorm:"size:200"`
	ArtifactSnippet *string   `gorm:"type:text"`
	Timestamp       time.Time `gorm:"not null"`
}

func (messageRecord) TableName() string { return "chat_messages" }

func toRecord(m Message) messageRecord {
	rec := messageRecord{
		ID:           m.ID,
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		SenderType:   string(m.SenderType),
		Content:      m.Content,
		Timestamp:    m.Timestamp,
	}
	if c := m.ArtifactCard; c != nil {
		rec.ArtifactTitle = &c.Title
		rec.ArtifactSession = &c.SessionName
		rec.ArtifactSnippet = &c.Snippet
	}
	return rec
}

func (r messageRecord) message() Message {
	m := Message{
		ID:           r.ID,
		RoomID:       r.RoomID,
		SenderID:     r.SenderID,
		SenderName:   r.SenderName,
		SenderAvatar: r.SenderAvatar,
		SenderType:   SenderType(r.SenderType),
		Content:      r.Content,
		Timestamp:    r.Timestamp.UTC(),
	}
	if r.ArtifactTitle != nil {
		m.ArtifactCard = &ArtifactCard{Title: *r.ArtifactTitle}
		if r.ArtifactSession != nil {
			m.ArtifactCard.SessionName = *r.ArtifactSession
		}
		if r.ArtifactSnippet != nil {
			m.ArtifactCard.Snippet = *r.ArtifactSnippet
		}
	}
	return m
}

func (r roomRecord) room() Room {
	return Room{
		ID:        r.ID,
		Kind:      "chat",
		ProjectID: r.ProjectID,
		TeamID:    r.TeamID,
		Name:      r.Name,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// SQLBackend stores rooms and messages through gorm (sqlite or postgres).
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend migrates the schema and returns the backend.
func NewSQLBackend(db *gorm.DB) (*SQLBackend, error) {
	if err := db.AutoMigrate(&roomRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLBackend{db: db}, nil
}

func (b *SQLBackend) Insert(ctx context.Context, m Message) error {
	rec := toRecord(m)
	return b.db.WithContext(ctx).Create(&rec).Error
}

func (b *SQLBackend) History(ctx context.Context, roomID, since string, limit int) ([]Message, error) {
	db := b.db.WithContext(ctx)

	var cursor int64 = -1
	if since != "" {
		var anchor messageRecord
		err := db.Select("seq").Where("id = ? AND room_id = ?", since, roomID).Take(&anchor).Error
		switch {
		case err == nil:
			cursor = int64(anchor.Seq)
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return nil, err
		}
	}

	var recs []messageRecord
	q := db.Where("room_id = ?", roomID)
	if cursor >= 0 {
		q = q.Where("seq > ?", cursor).Order("seq ASC")
	} else {
		q = q.Order("seq DESC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	if cursor < 0 {
		slices.Reverse(recs)
	}

	out := make([]Message, len(recs))
	for i, r := range recs {
		out[i] = r.message()
	}
	return out, nil
}

func (b *SQLBackend) UpsertRoom(ctx context.Context, candidate Room) (Room, error) {
	db := b.db.WithContext(ctx)
	rec := roomRecord{
		ID:        candidate.ID,
		ProjectID: candidate.ProjectID,
		TeamID:    candidate.TeamID,
		Name:      candidate.Name,
		CreatedBy: candidate.CreatedBy,
		CreatedAt: candidate.CreatedAt,
	}

	var existing roomRecord
	err := db.Where("project_id = ? AND team_id = ?", rec.ProjectID, rec.TeamID).
		Attrs(rec).
		FirstOrCreate(&existing).Error
	if err != nil {
		// A concurrent creator may have won the unique index; read its row.
		if ferr := db.Where("project_id = ? AND team_id = ?", rec.ProjectID, rec.TeamID).Take(&existing).Error; ferr != nil {
			return Room{}, err
		}
	}
	return existing.room(), nil
}

func (b *SQLBackend) Room(ctx context.Context, id string) (Room, error) {
	var rec roomRecord
	err := b.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Room{}, err
	}
	return rec.room(), nil
}

func (b *SQLBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (b *SQLBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
