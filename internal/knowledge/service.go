package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"whitenote/worker/internal/store"
)

// Store is the data the service reads and the mapping it owns.
type Store interface {
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListChildCommentIDs(ctx context.Context, parentID string) ([]string, error)
	ListMedia(ctx context.Context, kind store.EntityKind, entityID string) ([]store.Media, error)
	GetKBDocument(ctx context.Context, datasetID string, kind store.EntityKind, entityID string) (store.KBDocument, error)
	UpsertKBDocument(ctx context.Context, doc store.KBDocument) error
	DeleteKBDocument(ctx context.Context, datasetID string, kind store.EntityKind, entityID string) error
}

// Backends resolves the backend of a user.
type Backends interface {
	For(ctx context.Context, userID string) (Backend, error)
}

// MediaLinker turns an attachment into a URL.
type MediaLinker interface {
	Link(ctx context.Context, m store.Media) (string, error)
}

// MediaLink is an attachment reference appended to a document.
type MediaLink struct {
	Name string
	URL  string
}

type Service struct {
	store    Store
	backends Backends
	media    MediaLinker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds the service. media may be nil, in which case documents
// carry no attachment links.
func NewService(st Store, backends Backends, media MediaLinker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		backends: backends,
		media:    media,
		logger:   logger.With("component", "knowledge"),
		now:      time.Now,
	}
}

// Ping checks the backend of userID.
func (s *Service) Ping(ctx context.Context, userID string) error {
	backend, err := s.backends.For(ctx, userID)
	if err != nil {
		return err
	}
	return backend.Ping(ctx)
}

// SyncToKnowledgeBase creates the entity's document, or replaces the one
// already mapped to it, and records the mapping. It returns the document id.
func (s *Service) SyncToKnowledgeBase(ctx context.Context, userID, datasetID string, kind store.EntityKind, entityID, content string, medias []MediaLink) (string, error) {
	if datasetID == "" {
		return "", fmt.Errorf("%w: workspace has no dataset", ErrNotConfigured)
	}
	backend, err := s.backends.For(ctx, userID)
	if err != nil {
		return "", err
	}

	existing := ""
	mapping, err := s.store.GetKBDocument(ctx, datasetID, kind, entityID)
	switch {
	case err == nil:
		existing = mapping.DocumentID
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("load document mapping: %w", err)
	}

	docID, err := backend.UpsertDocument(ctx, datasetID, existing, Document{
		Kind:     kind,
		EntityID: entityID,
		Name:     documentName(kind, entityID),
		Content:  withMediaLinks(content, medias),
	})
	if err != nil {
		return "", fmt.Errorf("sync %s %s to dataset %s: %w", kind, entityID, datasetID, err)
	}
	if err := s.store.UpsertKBDocument(ctx, store.KBDocument{
		DatasetID:  datasetID,
		EntityKind: kind,
		EntityID:   entityID,
		DocumentID: docID,
		SyncedAt:   s.now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("record document mapping: %w", err)
	}
	s.logger.Info("synced to knowledge base", "kind", kind, "entity_id", entityID, "dataset_id", datasetID, "document_id", docID)
	return docID, nil
}

// UpdateInKnowledgeBase re-reads the entity and syncs its current content,
// tags and attachments.
func (s *Service) UpdateInKnowledgeBase(ctx context.Context, userID, datasetID string, kind store.EntityKind, entityID string) (string, error) {
	var content string
	var tags []string
	switch kind {
	case store.KindMessage:
		m, err := s.store.GetMessage(ctx, entityID)
		if err != nil {
			return "", fmt.Errorf("load message %s: %w", entityID, err)
		}
		content, tags = m.Content, m.Tags
	case store.KindComment:
		c, err := s.store.GetComment(ctx, entityID)
		if err != nil {
			return "", fmt.Errorf("load comment %s: %w", entityID, err)
		}
		content, tags = c.Content, c.Tags
	default:
		return "", fmt.Errorf("unsupported entity kind %q", kind)
	}

	links, err := s.mediaLinks(ctx, kind, entityID)
	if err != nil {
		return "", err
	}
	return s.SyncToKnowledgeBase(ctx, userID, datasetID, kind, entityID, FormatContent(tags, content), links)
}

func (s *Service) mediaLinks(ctx context.Context, kind store.EntityKind, entityID string) ([]MediaLink, error) {
	if s.media == nil {
		return nil, nil
	}
	medias, err := s.store.ListMedia(ctx, kind, entityID)
	if err != nil {
		return nil, fmt.Errorf("list media of %s %s: %w", kind, entityID, err)
	}
	links := make([]MediaLink, 0, len(medias))
	for _, m := range medias {
		u, err := s.media.Link(ctx, m)
		if err != nil {
			s.logger.Warn("media link failed", "media_id", m.ID, "entity_id", entityID, "error", err)
			continue
		}
		name := m.FileName
		if name == "" {
			name = m.ObjectKey
		}
		links = append(links, MediaLink{Name: name, URL: u})
	}
	return links, nil
}

// FormatContent puts the tags in front of the body the way the mirror files
// do, so tag searches hit the document.
func FormatContent(tags []string, content string) string {
	if len(tags) == 0 {
		return content
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = "#" + t
	}
	return strings.Join(parts, " ") + "\n\n" + content
}

func withMediaLinks(content string, links []MediaLink) string {
	if len(links) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n## Attachments\n")
	for _, l := range links {
		fmt.Fprintf(&b, "\n- [%s](%s)", l.Name, l.URL)
	}
	return b.String()
}

// DeleteFromKnowledgeBase removes the entity's document and its mapping.
// Nothing mapped is not an error. Callers log failures and carry on with the
// local delete.
func (s *Service) DeleteFromKnowledgeBase(ctx context.Context, userID, datasetID, entityID string, kind store.EntityKind) error {
	if datasetID == "" {
		return nil
	}
	mapping, err := s.store.GetKBDocument(ctx, datasetID, kind, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document mapping: %w", err)
	}
	backend, err := s.backends.For(ctx, userID)
	if err != nil {
		return err
	}
	if err := backend.DeleteDocument(ctx, datasetID, mapping.DocumentID); err != nil {
		return fmt.Errorf("delete %s %s from dataset %s: %w", kind, entityID, datasetID, err)
	}
	if err := s.store.DeleteKBDocument(ctx, datasetID, kind, entityID); err != nil {
		return fmt.Errorf("delete document mapping: %w", err)
	}
	return nil
}

// NodeResult is the outcome for one comment of a recursive delete.
type NodeResult struct {
	CommentID string
	Err       error
}

type DeleteReport struct {
	Results []NodeResult
}

func (r DeleteReport) Failed() []NodeResult {
	var out []NodeResult
	for _, n := range r.Results {
		if n.Err != nil {
			out = append(out, n)
		}
	}
	return out
}

// Err joins every node failure, nil when all succeeded.
func (r DeleteReport) Err() error {
	var errs []error
	for _, n := range r.Failed() {
		errs = append(errs, fmt.Errorf("comment %s: %w", n.CommentID, n.Err))
	}
	return errors.Join(errs...)
}

type deleteFrame struct {
	id       string
	expanded bool
	listErr  error
}

// DeleteRecursive removes the documents of a comment and all its replies,
// children before parents, so no reply document outlives its parent's. The
// tree is walked with an explicit stack. A failure at one node is recorded
// and the walk continues. The report holds one result per comment.
func (s *Service) DeleteRecursive(ctx context.Context, commentID, userID, datasetID string) DeleteReport {
	var report DeleteReport
	stack := []deleteFrame{{id: commentID}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if !top.expanded {
			top.expanded = true
			id := top.id
			children, err := s.store.ListChildCommentIDs(ctx, id)
			if err != nil {
				s.logger.Error("list replies failed", "comment_id", id, "error", err)
				top.listErr = fmt.Errorf("list replies: %w", err)
				continue
			}
			// Pushed in reverse so the first child is handled first.
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, deleteFrame{id: children[i]})
			}
			continue
		}

		id, listErr := top.id, top.listErr
		stack = stack[:len(stack)-1]
		err := s.DeleteFromKnowledgeBase(ctx, userID, datasetID, id, store.KindComment)
		if err != nil {
			s.logger.Error("delete comment document failed", "comment_id", id, "dataset_id", datasetID, "error", err)
		}
		report.Results = append(report.Results, NodeResult{CommentID: id, Err: errors.Join(listErr, err)})
	}
	return report
}
