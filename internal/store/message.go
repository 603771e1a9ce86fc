package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrPersist is returned when a message could not be durably written.
	// Callers must not fan out a message whose Persist returned this error.
	ErrPersist = errors.New("persist failed")
	// ErrInvalidMessage is returned for drafts that fail validation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound is returned for unknown rooms.
	ErrNotFound = errors.New("not found")
)

// MaxRoomIDLen bounds chat room ids everywhere they are accepted: drafts,
// chat subscriptions and the room_id column.
const MaxRoomIDLen = 128

// ValidRoomID reports whether id can name a chat room.
func ValidRoomID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: roomId is required", ErrInvalidMessage)
	case len(id) > MaxRoomIDLen:
		return fmt.Errorf("%w: roomId exceeds %d bytes", ErrInvalidMessage, MaxRoomIDLen)
	}
	return nil
}

// SenderType distinguishes human and assistant authors.
type SenderType string

const (
	SenderUser SenderType = "user"
	SenderAI   SenderType = "ai"
)

// ArtifactCard references a piece of work product attached to a message.
type ArtifactCard struct {
	Title       string `json:"title" validate:"required,max=200"`
	SessionName string `json:"sessionName" validate:"required,max=200"`
	Snippet     string `json:"snippet,omitempty" validate:"max=4000"`
}

// Draft is a message as submitted by a sender, before the server assigns
// its id and timestamp.
type Draft struct {
	RoomID       string        `json:"roomId" validate:"roomid"`
	SenderID     string        `json:"senderId" validate:"required,max=128"`
	SenderName   string        `json:"senderName" validate:"required,max=128"`
	SenderAvatar string        `json:"senderAvatar,omitempty" validate:"omitempty,max=2048"`
	SenderType   SenderType    `json:"senderType" validate:"required,oneof=user ai"`
	Content      string        `json:"content"`
	ArtifactCard *ArtifactCard `json:"artifactCard,omitempty" validate:"omitempty"`
}

// Message is a persisted chat message. Immutable once stored; ID is the
// deduplication key used by clients when merging push and poll results.
type Message struct {
	ID           string        `json:"id"`
	RoomID       string        `json:"roomId"`
	SenderID     string        `json:"senderId"`
	SenderName   string        `json:"senderName"`
	SenderAvatar string        `json:"senderAvatar,omitempty"`
	SenderType   SenderType    `json:"senderType"`
	Content      string        `json:"content"`
	ArtifactCard *ArtifactCard `json:"artifactCard,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Draft returns the sender-supplied part of m.
func (m Message) Draft() Draft {
	return Draft{
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		SenderType:   m.SenderType,
		Content:      m.Content,
		ArtifactCard: m.ArtifactCard,
	}
}

// Validator checks drafts against struct tags plus a configurable content cap.
type Validator struct {
	v          *validator.Validate
	maxContent int
}

// NewValidator creates a validator. maxContent <= 0 disables the length cap.
func NewValidator(maxContent int) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Only fails on an empty tag name; "roomid" is constant.
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return ValidRoomID(fl.Field().String()) == nil
	})
	return &Validator{v: v, maxContent: maxContent}
}

// Validate returns an error wrapping ErrInvalidMessage when d is unacceptable.
// A message needs content, an artifact card, or both.
func (v *Validator) Validate(d Draft) error {
	if err := v.v.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidMessage, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(d.Content) == "" && d.ArtifactCard == nil {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if v.maxContent > 0 && utf8.RuneCountInString(d.Content) > v.maxContent {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, v.maxContent)
	}
	return nil
}

// stamp assigns the server-owned fields. Ids are UUIDv7 so they sort by
// creation time; timestamps are UTC with millisecond precision.
func stamp(d Draft, now time.Time) (Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("generate message id: %w", err)
	}
	return Message{
		ID:           id.String(),
		RoomID:       d.RoomID,
		SenderID:     d.SenderID,
		SenderName:   d.SenderName,
		SenderAvatar: d.SenderAvatar,
		SenderType:   d.SenderType,
		Content:      d.Content,
		ArtifactCard: d.ArtifactCard,
		Timestamp:    now.UTC().Truncate(time.Millisecond),
	}, nil
}
