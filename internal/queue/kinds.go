package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"whitenote/worker/internal/store"
)

var ErrUnknownKind = errors.New("unknown job kind")

// Kind is the wire name of a job type.
type Kind string

const (
	KindAutoTag           Kind = "auto-tag"
	KindSyncKnowledgeBase Kind = "sync-to-knowledge-base"
	KindSyncLocalFile     Kind = "sync-to-local-file"
	KindDailyBriefing     Kind = "daily-briefing"
)

// Kinds lists every job kind the worker understands.
var Kinds = []Kind{KindAutoTag, KindSyncKnowledgeBase, KindSyncLocalFile, KindDailyBriefing}

// Payload is implemented by the typed payload of each job kind. The set is
// closed: only the types in this file implement it.
type Payload interface {
	Kind() Kind
	validate() error
}

// AutoTag asks the classifier for tags on one note or comment.
type AutoTag struct {
	UserID     string           `json:"userId"`
	EntityKind store.EntityKind `json:"type"`
	EntityID   string           `json:"id"`
}

// SyncKnowledgeBase mirrors one entity into its workspace dataset.
type SyncKnowledgeBase struct {
	UserID      string           `json:"userId"`
	WorkspaceID string           `json:"workspaceId"`
	EntityKind  store.EntityKind `json:"type"`
	EntityID    string           `json:"id"`
}

// SyncLocalFile writes one entity to its markdown file.
type SyncLocalFile struct {
	EntityKind store.EntityKind `json:"type"`
	EntityID   string           `json:"id"`
}

// DailyBriefing is the recurring briefing sweep over all users.
type DailyBriefing struct{}

func (AutoTag) Kind() Kind           { return KindAutoTag }
func (SyncKnowledgeBase) Kind() Kind { return KindSyncKnowledgeBase }
func (SyncLocalFile) Kind() Kind     { return KindSyncLocalFile }
func (DailyBriefing) Kind() Kind     { return KindDailyBriefing }

func (p AutoTag) validate() error {
	return validateEntity(p.EntityKind, p.EntityID)
}

func (p SyncKnowledgeBase) validate() error {
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.WorkspaceID) == "" {
		return errors.New("userId and workspaceId are required")
	}
	return validateEntity(p.EntityKind, p.EntityID)
}

func (p SyncLocalFile) validate() error {
	return validateEntity(p.EntityKind, p.EntityID)
}

func (DailyBriefing) validate() error { return nil }

func validateEntity(kind store.EntityKind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid entity type %q", kind)
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("entity id is required")
	}
	return nil
}

// Decode maps a wire name and JSON data to a typed payload. Unknown names
// return ErrUnknownKind; malformed data returns a permanent error.
func Decode(name string, data []byte) (Payload, error) {
	var p Payload
	switch Kind(name) {
	case KindAutoTag:
		var v AutoTag
		if err := unmarshalData(data, &v); err != nil {
			return nil, err
		}
		p = v
	case KindSyncKnowledgeBase:
		var v SyncKnowledgeBase
		if err := unmarshalData(data, &v); err != nil {
			return nil, err
		}
		p = v
	case KindSyncLocalFile:
		var v SyncLocalFile
		if err := unmarshalData(data, &v); err != nil {
			return nil, err
		}
		p = v
	case KindDailyBriefing:
		p = DailyBriefing{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	if err := p.validate(); err != nil {
		return nil, Permanent(fmt.Errorf("invalid %s payload: %w", name, err))
	}
	return p, nil
}

func unmarshalData(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
