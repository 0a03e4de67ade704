package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	meili "github.com/meilisearch/meilisearch-go"

	"whitenote/worker/internal/store"
)

const meiliIndexPrefix = "whitenote_"

// Meili keeps one Meilisearch index per dataset. Documents are keyed by
// entity, so an upsert replaces the previous version in place.
type Meili struct {
	client meili.ServiceManager
	logger *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

type meiliRecord struct {
	ID       string           `json:"id"`
	Kind     store.EntityKind `json:"kind"`
	EntityID string           `json:"entityId"`
	Name     string           `json:"name"`
	Content  string           `json:"content"`
}

func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meili{
		client:  meili.New(url, meili.WithAPIKey(apiKey)),
		logger:  logger.With("component", "meili"),
		ensured: make(map[string]bool),
	}
}

func meiliIndexUID(datasetID string) string {
	return meiliIndexPrefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, datasetID)
}

func meiliDocumentID(kind store.EntityKind, entityID string) string {
	return string(kind) + "_" + entityID
}

func (m *Meili) ensureIndex(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured[uid] {
		return
	}
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        uid,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", uid, "error", err)
	}
	m.ensured[uid] = true
}

func (m *Meili) UpsertDocument(ctx context.Context, datasetID, _ string, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	uid := meiliIndexUID(datasetID)
	m.ensureIndex(uid)
	record := meiliRecord{
		ID:       meiliDocumentID(doc.Kind, doc.EntityID),
		Kind:     doc.Kind,
		EntityID: doc.EntityID,
		Name:     doc.Name,
		Content:  doc.Content,
	}
	if _, err := m.client.Index(uid).AddDocuments([]meiliRecord{record}, nil); err != nil {
		return "", fmt.Errorf("meilisearch add document %s: %w", record.ID, err)
	}
	return record.ID, nil
}

func (m *Meili) DeleteDocument(ctx context.Context, datasetID, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.client.Index(meiliIndexUID(datasetID)).DeleteDocument(documentID, nil); err != nil {
		return fmt.Errorf("meilisearch delete document %s: %w", documentID, err)
	}
	return nil
}

func (m *Meili) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.client.Health(); err != nil {
		return fmt.Errorf("meilisearch health: %w", err)
	}
	return nil
}
