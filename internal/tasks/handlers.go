// Package tasks implements the job handlers run by the worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"whitenote/worker/internal/ai"
	"whitenote/worker/internal/knowledge"
	"whitenote/worker/internal/queue"
	"whitenote/worker/internal/store"
	"whitenote/worker/internal/syncengine"
	"whitenote/worker/internal/worker"
)

// BriefingTag marks daily briefing notes.
const BriefingTag = "DailyReview"

type Store interface {
	GetAIConfig(ctx context.Context, userID string) (store.AIConfig, error)
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	ListWorkspaces(ctx context.Context, userID string) ([]store.Workspace, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	UpdateMessage(ctx context.Context, messageID, content string, tags []string) error
	UpdateComment(ctx context.Context, commentID, content string, tags []string) error
	CreateMessage(ctx context.Context, m store.Message) (store.Message, error)
	ListBriefingUserIDs(ctx context.Context) ([]string, error)
	ListMessagesByAuthorBetween(ctx context.Context, userID string, from, to time.Time) ([]store.Message, error)
	ListPinnedMessagesByTag(ctx context.Context, userID, tag string) ([]store.Message, error)
	SetMessagePinned(ctx context.Context, messageID string, pinned bool) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts ...queue.Option) (string, error)
}

type KnowledgeSyncer interface {
	UpdateInKnowledgeBase(ctx context.Context, userID, datasetID string, kind store.EntityKind, entityID string) (string, error)
}

type Exporter interface {
	ExportToLocal(ctx context.Context, kind store.EntityKind, id string) (syncengine.ExportResult, error)
}

// Assistant is the model-backed part of auto-tagging and briefings.
type Assistant interface {
	SuggestTags(ctx context.Context, content string) ([]string, error)
	Summarize(ctx context.Context, notes []string) (string, error)
}

// AssistantFactory builds an assistant from a user's AI settings.
type AssistantFactory func(cfg store.AIConfig, model string) (Assistant, error)

func newAIAssistant(cfg store.AIConfig, model string) (Assistant, error) {
	a, err := ai.New(cfg, model)
	if err != nil {
		return nil, err
	}
	return a, nil
}

var _ worker.Handlers = (*Handlers)(nil)

type Handlers struct {
	store        Store
	jobs         Enqueuer
	kb           KnowledgeSyncer
	files        Exporter
	newAssistant AssistantFactory
	now          func() time.Time
	logger       *slog.Logger
}

func New(st Store, jobs Enqueuer, kb KnowledgeSyncer, files Exporter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:        st,
		jobs:         jobs,
		kb:           kb,
		files:        files,
		newAssistant: newAIAssistant,
		now:          time.Now,
		logger:       logger.With("component", "tasks"),
	}
}

// entity is the part of a note or comment the handlers work on.
type entity struct {
	kind        store.EntityKind
	id          string
	authorID    string
	workspaceID string
	content     string
	tags        []string
}

func (h *Handlers) loadEntity(ctx context.Context, kind store.EntityKind, id string) (entity, error) {
	switch kind {
	case store.KindMessage:
		m, err := h.store.GetMessage(ctx, id)
		if err != nil {
			return entity{}, err
		}
		return entity{kind: kind, id: id, authorID: m.AuthorID, workspaceID: m.WorkspaceID, content: m.Content, tags: m.Tags}, nil
	case store.KindComment:
		c, err := h.store.GetComment(ctx, id)
		if err != nil {
			return entity{}, err
		}
		m, err := h.store.GetMessage(ctx, c.MessageID)
		if err != nil {
			return entity{}, fmt.Errorf("load parent message %s: %w", c.MessageID, err)
		}
		return entity{kind: kind, id: id, authorID: c.AuthorID, workspaceID: m.WorkspaceID, content: c.Content, tags: c.Tags}, nil
	default:
		return entity{}, queue.Permanent(fmt.Errorf("unsupported entity kind %q", kind))
	}
}

func (h *Handlers) updateTags(ctx context.Context, e entity, tags []string) error {
	if e.kind == store.KindComment {
		return h.store.UpdateComment(ctx, e.id, e.content, tags)
	}
	return h.store.UpdateMessage(ctx, e.id, e.content, tags)
}

// followUp queues the knowledge-base and mirror updates for a changed entity.
func (h *Handlers) followUp(ctx context.Context, userID, workspaceID string, kind store.EntityKind, id string) error {
	if _, err := h.jobs.Enqueue(ctx, queue.SyncKnowledgeBase{
		UserID:      userID,
		WorkspaceID: workspaceID,
		EntityKind:  kind,
		EntityID:    id,
	}); err != nil {
		return fmt.Errorf("enqueue knowledge sync: %w", err)
	}
	if _, err := h.jobs.Enqueue(ctx, queue.SyncLocalFile{EntityKind: kind, EntityID: id}); err != nil {
		return fmt.Errorf("enqueue local sync: %w", err)
	}
	return nil
}

// AutoTag appends classifier tags the entity does not have yet.
func (h *Handlers) AutoTag(ctx context.Context, p queue.AutoTag) error {
	log := h.logger.With("kind", p.EntityKind, "id", p.EntityID)

	e, err := h.loadEntity(ctx, p.EntityKind, p.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("auto-tag: entity not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load entity: %w", err)
	}

	cfg, err := h.store.GetAIConfig(ctx, e.authorID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !cfg.EnableAutoTag) {
		log.Info("auto-tag disabled for user", "user_id", e.authorID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ai config: %w", err)
	}

	model := cfg.AutoTagModel
	if model == "" {
		model = ai.DefaultTagModel
	}
	assistant, err := h.newAssistant(cfg, model)
	if errors.Is(err, ai.ErrNoAPIKey) {
		log.Warn("auto-tag: no api key configured", "user_id", e.authorID)
		return nil
	}
	if err != nil {
		return queue.Permanent(fmt.Errorf("build assistant: %w", err))
	}

	suggested, err := assistant.SuggestTags(ctx, e.content)
	if err != nil {
		return fmt.Errorf("suggest tags: %w", err)
	}
	merged, changed := mergeTags(e.tags, suggested)
	if !changed {
		log.Info("auto-tag: no new tags")
		return nil
	}
	if err := h.updateTags(ctx, e, merged); err != nil {
		return fmt.Errorf("save tags: %w", err)
	}
	log.Info("auto-tag applied", "tags", merged)

	userID := p.UserID
	if userID == "" {
		userID = e.authorID
	}
	return h.followUp(ctx, userID, e.workspaceID, e.kind, e.id)
}

// mergeTags appends the suggested tags missing from current, comparing
// case-insensitively and keeping the existing order.
func mergeTags(current, suggested []string) ([]string, bool) {
	seen := make(map[string]bool, len(current))
	merged := make([]string, 0, len(current)+len(suggested))
	for _, t := range current {
		seen[strings.ToLower(t)] = true
		merged = append(merged, t)
	}
	changed := false
	for _, t := range suggested {
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, t)
		changed = true
	}
	return merged, changed
}

// SyncKnowledgeBase pushes one entity into its workspace dataset.
func (h *Handlers) SyncKnowledgeBase(ctx context.Context, p queue.SyncKnowledgeBase) error {
	log := h.logger.With("kind", p.EntityKind, "id", p.EntityID, "workspace_id", p.WorkspaceID)

	ws, err := h.store.GetWorkspace(ctx, p.WorkspaceID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("kb sync: workspace not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	if ws.KBDatasetID == "" {
		log.Debug("kb sync: workspace has no dataset")
		return nil
	}
	docID, err := h.kb.UpdateInKnowledgeBase(ctx, p.UserID, ws.KBDatasetID, p.EntityKind, p.EntityID)
	switch {
	case errors.Is(err, knowledge.ErrNotConfigured):
		log.Info("kb sync: knowledge base not configured", "user_id", p.UserID)
		return nil
	case errors.Is(err, store.ErrNotFound):
		log.Warn("kb sync: entity not found, skipping")
		return nil
	case err != nil:
		return fmt.Errorf("update knowledge base: %w", err)
	}
	log.Info("kb sync done", "dataset_id", ws.KBDatasetID, "document_id", docID)
	return nil
}

// SyncLocalFile writes one entity to the mirror.
func (h *Handlers) SyncLocalFile(ctx context.Context, p queue.SyncLocalFile) error {
	res, err := h.files.ExportToLocal(ctx, p.EntityKind, p.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("local sync: entity not found, skipping", "kind", p.EntityKind, "id", p.EntityID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("export %s %s: %w", p.EntityKind, p.EntityID, err)
	}
	if res.Written {
		h.logger.Info("local sync wrote file", "kind", p.EntityKind, "id", p.EntityID, "path", res.Path)
	}
	return nil
}

// DailyBriefing writes a briefing of the previous local day for every user
// who enabled it.
func (h *Handlers) DailyBriefing(ctx context.Context, _ queue.DailyBriefing) error {
	userIDs, err := h.store.ListBriefingUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("list briefing users: %w", err)
	}
	if len(userIDs) == 0 {
		h.logger.Info("daily briefing: no users enabled")
		return nil
	}

	now := h.now()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	yesterday := today.AddDate(0, 0, -1)

	// Users with a briefing for the day are skipped on redelivery.
	var errs []error
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := h.briefUser(ctx, userID, yesterday, today); err != nil {
			h.logger.Error("daily briefing failed", "user_id", userID, "error", err)
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	h.logger.Info("daily briefing done", "users", len(userIDs), "failed", len(errs))
	return errors.Join(errs...)
}

func briefingHeading(day time.Time) string {
	return "# Daily Briefing - " + day.Format("2006-01-02")
}

func (h *Handlers) briefUser(ctx context.Context, userID string, from, to time.Time) error {
	cfg, err := h.store.GetAIConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("load ai config: %w", err)
	}
	if !cfg.EnableBriefing {
		return nil
	}

	pinned, err := h.store.ListPinnedMessagesByTag(ctx, userID, BriefingTag)
	if err != nil {
		return err
	}
	heading := briefingHeading(from)
	for _, old := range pinned {
		if strings.HasPrefix(old.Content, heading) {
			h.logger.Info("daily briefing already written", "user_id", userID, "message_id", old.ID)
			return nil
		}
	}

	messages, err := h.store.ListMessagesByAuthorBetween(ctx, userID, from, to)
	if err != nil {
		return err
	}
	notes := make([]string, 0, len(messages))
	for _, msg := range messages {
		if hasTag(msg.Tags, BriefingTag) {
			continue
		}
		notes = append(notes, msg.Content)
	}
	if len(notes) == 0 {
		h.logger.Info("daily briefing: no notes yesterday", "user_id", userID)
		return nil
	}

	model := cfg.BriefingModel
	if model == "" {
		model = ai.DefaultBriefingModel
	}
	assistant, err := h.newAssistant(cfg, model)
	if err != nil {
		return fmt.Errorf("build assistant: %w", err)
	}
	summary, err := assistant.Summarize(ctx, notes)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	ws, err := h.briefingWorkspace(ctx, userID)
	if err != nil {
		return err
	}

	for _, old := range pinned {
		if err := h.store.SetMessagePinned(ctx, old.ID, false); err != nil {
			return fmt.Errorf("unpin briefing %s: %w", old.ID, err)
		}
	}

	briefing, err := h.store.CreateMessage(ctx, store.Message{
		WorkspaceID: ws.ID,
		AuthorID:    userID,
		Content:     heading + "\n\n" + summary,
		Tags:        []string{BriefingTag},
		IsPinned:    true,
	})
	if err != nil {
		return fmt.Errorf("create briefing: %w", err)
	}
	h.logger.Info("daily briefing created", "user_id", userID, "message_id", briefing.ID, "notes", len(notes), "unpinned", len(pinned))
	return h.followUp(ctx, userID, ws.ID, store.KindMessage, briefing.ID)
}

// briefingWorkspace picks the user's default workspace, or the oldest one.
func (h *Handlers) briefingWorkspace(ctx context.Context, userID string) (store.Workspace, error) {
	workspaces, err := h.store.ListWorkspaces(ctx, userID)
	if err != nil {
		return store.Workspace{}, err
	}
	if len(workspaces) == 0 {
		return store.Workspace{}, fmt.Errorf("user %s has no workspace: %w", userID, store.ErrNotFound)
	}
	for _, ws := range workspaces {
		if ws.IsDefault {
			return ws, nil
		}
	}
	return workspaces[0], nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
