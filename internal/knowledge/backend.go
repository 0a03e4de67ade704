// Package knowledge mirrors notes and comments into a per-workspace
// knowledge-base dataset and keeps the entity to document mapping.
package knowledge

import (
	"context"
	"errors"

	"whitenote/worker/internal/store"
)

var (
	// ErrNotConfigured means the user has no usable knowledge base settings.
	ErrNotConfigured = errors.New("knowledge base not configured")
	// ErrUnavailable means the knowledge base is failing and calls are
	// being short-circuited.
	ErrUnavailable = errors.New("knowledge base unavailable")
)

// Document is one entity rendered for the knowledge base.
type Document struct {
	Kind     store.EntityKind
	EntityID string
	Name     string
	Content  string
}

// Backend is a knowledge-base service holding datasets of documents.
type Backend interface {
	// UpsertDocument stores doc in the dataset. existingID is the document
	// currently mapped to the entity, or empty. The returned id replaces it.
	UpsertDocument(ctx context.Context, datasetID, existingID string, doc Document) (string, error)
	DeleteDocument(ctx context.Context, datasetID, documentID string) error
	Ping(ctx context.Context) error
}

func documentName(kind store.EntityKind, entityID string) string {
	return string(kind) + "_" + entityID + ".md"
}
