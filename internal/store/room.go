package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Room is a chat room scoped to exactly one project or team.
type Room struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ProjectID string    `json:"projectId,omitempty"`
	TeamID    string    `json:"teamId,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Scope names the project or team a room belongs to.
type Scope struct {
	ProjectID string `json:"projectId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
}

// Validate requires exactly one of ProjectID and TeamID.
func (s Scope) Validate() error {
	p, t := strings.TrimSpace(s.ProjectID), strings.TrimSpace(s.TeamID)
	switch {
	case p == "" && t == "":
		return fmt.Errorf("%w: projectId or teamId is required", ErrInvalidMessage)
	case p != "" && t != "":
		return fmt.Errorf("%w: projectId and teamId are mutually exclusive", ErrInvalidMessage)
	}
	return nil
}

func (s Scope) String() string {
	if s.ProjectID != "" {
		return "project:" + s.ProjectID
	}
	return "team:" + s.TeamID
}

func newRoom(scope Scope, userID, name string, now time.Time) (Room, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Room{}, fmt.Errorf("generate room id: %w", err)
	}
	return Room{
		ID:        id.String(),
		Kind:      "chat",
		ProjectID: scope.ProjectID,
		TeamID:    scope.TeamID,
		Name:      name,
		CreatedBy: userID,
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}, nil
}
