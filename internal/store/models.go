package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// EntityKind names the two kinds of synced content.
type EntityKind string

const (
	KindMessage EntityKind = "message"
	KindComment EntityKind = "comment"
)

func (k EntityKind) Valid() bool {
	return k == KindMessage || k == KindComment
}

// AIConfig is the per-user configuration for tagging, briefings and the
// knowledge base. KB credentials are never global.
type AIConfig struct {
	UserID         string
	AIBaseURL      string
	AIAPIKey       string
	EnableAutoTag  bool
	AutoTagModel   string
	EnableBriefing bool
	BriefingModel  string
	KBProvider     string
	KBBaseURL      string
	KBAPIKey       string
}

type Workspace struct {
	ID            string
	UserID        string
	Name          string
	KBDatasetID   string
	EnableAutoTag bool
	IsDefault     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	ID          string
	WorkspaceID string
	AuthorID    string
	Content     string
	Tags        []string
	IsPinned    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Comment struct {
	ID        string
	MessageID string
	ParentID  *string
	AuthorID  string
	Content   string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Media struct {
	ID          string
	ObjectKey   string
	FileName    string
	ContentType string
}

// KBDocument maps one local entity to its knowledge-base document.
type KBDocument struct {
	DatasetID  string
	EntityKind EntityKind
	EntityID   string
	DocumentID string
	SyncedAt   time.Time
}

// SameTags compares ordered tag lists.
func SameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
