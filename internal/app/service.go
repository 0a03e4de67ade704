package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"whitenote/worker/internal/config"
	"whitenote/worker/internal/knowledge"
	"whitenote/worker/internal/queue"
	"whitenote/worker/internal/snapshot"
	"whitenote/worker/internal/statestore"
	"whitenote/worker/internal/store"
	"whitenote/worker/internal/syncengine"
	"whitenote/worker/internal/watcher"
)

type dataStore interface {
	Ping(context.Context) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	GetMessage(context.Context, string) (store.Message, error)
	GetComment(context.Context, string) (store.Comment, error)
	ListWorkspaces(context.Context, string) ([]store.Workspace, error)
	ListMessagesByWorkspace(context.Context, string) ([]store.Message, error)
	ListCommentsByMessage(context.Context, string) ([]store.Comment, error)
	ListTopLevelCommentIDs(context.Context, string) ([]string, error)
	DeleteComment(context.Context, string) error
	DeleteMessage(context.Context, string) error
}

type jobQueue interface {
	Submit(context.Context, queue.WireJob) (string, error)
	Get(context.Context, string) (*queue.Job, error)
	Counts(context.Context) (queue.Counts, error)
}

type mirror interface {
	ExportAllToLocal(context.Context, string) (syncengine.ExportSummary, error)
	ImportAllFromLocal(context.Context) (syncengine.ImportSummary, error)
}

type coordination interface {
	WithPause(context.Context, func(context.Context) error) error
	Ping(context.Context) error
	LastHeartbeat(context.Context) (statestore.Heartbeat, bool, error)
}

type knowledgeBase interface {
	DeleteRecursive(ctx context.Context, commentID, userID, datasetID string) knowledge.DeleteReport
	DeleteFromKnowledgeBase(ctx context.Context, userID, datasetID, entityID string, kind store.EntityKind) error
	UpdateInKnowledgeBase(ctx context.Context, userID, datasetID string, kind store.EntityKind, entityID string) (string, error)
}

type snapshots interface {
	Commit(message string) (snapshot.Commit, bool, error)
	History(limit int) ([]snapshot.Commit, error)
}

type watcherStatus interface {
	State() watcher.State
}

// Deps are the collaborators of the Service. Snapshots and Watcher may be nil.
type Deps struct {
	Store     dataStore
	Jobs      jobQueue
	Mirror    mirror
	State     coordination
	Knowledge knowledgeBase
	Snapshots snapshots
	Watcher   watcherStatus
}

// Service is the API the web application calls into.
type Service struct {
	cfg       config.Config
	store     dataStore
	jobs      jobQueue
	mirror    mirror
	state     coordination
	kb        knowledgeBase
	snapshots snapshots
	watcher   watcherStatus
	logger    *slog.Logger
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		jobs:      deps.Jobs,
		mirror:    deps.Mirror,
		state:     deps.State,
		kb:        deps.Knowledge,
		snapshots: deps.Snapshots,
		watcher:   deps.Watcher,
		logger:    logger.With("component", "service"),
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CheckResult is one entry of the readiness report.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

type ReadyReport struct {
	Ready  bool                   `json:"ok"`
	Checks map[string]CheckResult `json:"checks"`
}

// Ready checks the database and redis. Queue counts, the worker heartbeat
// and the watcher state are reported but never make the service unready.
func (s *Service) Ready(ctx context.Context) ReadyReport {
	report := ReadyReport{Ready: true, Checks: map[string]CheckResult{}}

	if err := s.store.Ping(ctx); err != nil {
		report.Ready = false
		report.Checks["database"] = CheckResult{Status: "error", Error: err.Error()}
	} else {
		report.Checks["database"] = CheckResult{Status: "ok"}
	}

	if err := s.state.Ping(ctx); err != nil {
		report.Ready = false
		report.Checks["redis"] = CheckResult{Status: "error", Error: err.Error()}
	} else {
		report.Checks["redis"] = CheckResult{Status: "ok"}
	}

	if counts, err := s.jobs.Counts(ctx); err != nil {
		report.Checks["queue"] = CheckResult{Status: "error", Error: err.Error()}
	} else {
		report.Checks["queue"] = CheckResult{Status: "ok", Detail: counts}
	}

	switch hb, ok, err := s.state.LastHeartbeat(ctx); {
	case err != nil:
		report.Checks["worker"] = CheckResult{Status: "error", Error: err.Error()}
	case !ok:
		report.Checks["worker"] = CheckResult{Status: "down"}
	default:
		report.Checks["worker"] = CheckResult{Status: "ok", Detail: hb}
	}

	if s.watcher != nil {
		report.Checks["watcher"] = CheckResult{Status: s.watcher.State().String()}
	}
	return report
}

// Enqueue validates a job submitted in wire form and queues it.
func (s *Service) Enqueue(ctx context.Context, job queue.WireJob) (string, error) {
	if strings.TrimSpace(job.Name) == "" {
		return "", validationError("name is required")
	}
	if _, err := queue.Decode(job.Name, job.Data); err != nil {
		if errors.Is(err, queue.ErrUnknownKind) {
			return "", domainError(http.StatusUnprocessableEntity, "UNKNOWN_JOB", err.Error(), map[string]any{"kinds": queue.Kinds})
		}
		return "", validationError(err.Error())
	}
	id, err := s.jobs.Submit(ctx, job)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	s.logger.Info("job submitted", "job", job.Name, "job_id", id)
	return id, nil
}

func (s *Service) Job(ctx context.Context, id string) (*queue.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, notFound("job", id)
	}
	return job, nil
}

type ExportAllResult struct {
	Summary  syncengine.ExportSummary `json:"summary"`
	Snapshot *snapshot.Commit         `json:"snapshot,omitempty"`
}

// ExportAll writes every note and comment of userID to the mirror while the
// watcher is paused, then records a snapshot when snapshots are enabled. The
// pause flag is cleared on success and on failure.
func (s *Service) ExportAll(ctx context.Context, userID string) (ExportAllResult, error) {
	if strings.TrimSpace(userID) == "" {
		return ExportAllResult{}, validationError("user id is required")
	}
	var result ExportAllResult
	err := s.state.WithPause(ctx, func(ctx context.Context) error {
		summary, err := s.mirror.ExportAllToLocal(ctx, userID)
		if err != nil {
			return err
		}
		result.Summary = summary
		if s.snapshots == nil {
			return nil
		}
		commit, ok, err := s.snapshots.Commit(fmt.Sprintf("export-all %s: %d workspaces, %d notes, %d comments",
			userID, summary.WorkspacesExported, summary.MessagesExported, summary.CommentsExported))
		if err != nil {
			// Snapshot failures do not fail the export.
			s.logger.Error("snapshot failed", "user_id", userID, "error", err)
			return nil
		}
		if ok {
			result.Snapshot = &commit
		}
		return nil
	})
	if err != nil {
		s.logger.Error("export all failed", "user_id", userID, "error", err)
		return ExportAllResult{}, fmt.Errorf("export all: %w", err)
	}
	s.logger.Info("export all done", "user_id", userID,
		"workspaces", result.Summary.WorkspacesExported,
		"messages", result.Summary.MessagesExported,
		"comments", result.Summary.CommentsExported)
	return result, nil
}

func (s *Service) ImportAll(ctx context.Context) (syncengine.ImportSummary, error) {
	summary, err := s.mirror.ImportAllFromLocal(ctx)
	if err != nil {
		return summary, fmt.Errorf("import all: %w", err)
	}
	s.logger.Info("import all done",
		"workspaces", summary.WorkspacesProcessed,
		"imported", summary.Imported,
		"skipped", summary.Skipped,
		"errors", summary.Errors)
	return summary, nil
}

func (s *Service) Snapshots(limit int) ([]snapshot.Commit, error) {
	if s.snapshots == nil {
		return nil, domainError(http.StatusNotFound, "SNAPSHOTS_DISABLED", "Snapshots are disabled", nil)
	}
	return s.snapshots.History(limit)
}

// DeleteResult reports a local delete and how many knowledge-base documents
// could not be removed.
type DeleteResult struct {
	Deleted    string `json:"deleted"`
	KBFailures int    `json:"kbFailures"`
}

func (s *Service) ownedWorkspace(ctx context.Context, userID string, m store.Message) (store.Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, m.WorkspaceID)
	if err != nil {
		return store.Workspace{}, fmt.Errorf("load workspace: %w", err)
	}
	if ws.UserID != userID {
		return store.Workspace{}, notFound("message", m.ID)
	}
	return ws, nil
}

// DeleteComment removes the knowledge-base documents of the comment and all
// its replies, then deletes the comment locally. Replies go with it.
func (s *Service) DeleteComment(ctx context.Context, userID, commentID string) (DeleteResult, error) {
	c, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, store.ErrNotFound) {
		return DeleteResult{}, notFound("comment", commentID)
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("load comment: %w", err)
	}
	m, err := s.store.GetMessage(ctx, c.MessageID)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("load message: %w", err)
	}
	ws, err := s.ownedWorkspace(ctx, userID, m)
	if err != nil {
		var de *DomainError
		if errors.As(err, &de) {
			return DeleteResult{}, notFound("comment", commentID)
		}
		return DeleteResult{}, err
	}

	report := s.kb.DeleteRecursive(ctx, commentID, userID, ws.KBDatasetID)
	if err := report.Err(); err != nil {
		s.logger.Warn("some comment documents were not removed", "comment_id", commentID, "error", err)
	}
	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		return DeleteResult{}, fmt.Errorf("delete comment: %w", err)
	}
	return DeleteResult{Deleted: commentID, KBFailures: len(report.Failed())}, nil
}

// DeleteNote removes the knowledge-base documents of every comment tree of
// the note and of the note itself, then deletes the note locally.
func (s *Service) DeleteNote(ctx context.Context, userID, messageID string) (DeleteResult, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return DeleteResult{}, notFound("message", messageID)
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("load message: %w", err)
	}
	ws, err := s.ownedWorkspace(ctx, userID, m)
	if err != nil {
		return DeleteResult{}, err
	}

	failures := 0
	roots, err := s.store.ListTopLevelCommentIDs(ctx, messageID)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("list comments: %w", err)
	}
	for _, id := range roots {
		report := s.kb.DeleteRecursive(ctx, id, userID, ws.KBDatasetID)
		if err := report.Err(); err != nil {
			s.logger.Warn("some comment documents were not removed", "comment_id", id, "error", err)
		}
		failures += len(report.Failed())
	}
	if err := s.kb.DeleteFromKnowledgeBase(ctx, userID, ws.KBDatasetID, messageID, store.KindMessage); err != nil {
		s.logger.Warn("message document was not removed", "message_id", messageID, "error", err)
		failures++
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return DeleteResult{}, fmt.Errorf("delete message: %w", err)
	}
	return DeleteResult{Deleted: messageID, KBFailures: failures}, nil
}

// KBSyncResult counts the documents pushed by SyncAllToKnowledgeBase.
type KBSyncResult struct {
	WorkspacesSynced int      `json:"workspacesSynced"`
	MessagesSynced   int      `json:"messagesSynced"`
	CommentsSynced   int      `json:"commentsSynced"`
	Errors           []string `json:"errors,omitempty"`
}

// SyncAllToKnowledgeBase pushes every note and comment of the user's
// workspaces that have a dataset to the knowledge base. Entity failures are
// collected and do not stop the run.
func (s *Service) SyncAllToKnowledgeBase(ctx context.Context, userID string) (KBSyncResult, error) {
	if strings.TrimSpace(userID) == "" {
		return KBSyncResult{}, validationError("user id is required")
	}
	all, err := s.store.ListWorkspaces(ctx, userID)
	if err != nil {
		return KBSyncResult{}, fmt.Errorf("list workspaces: %w", err)
	}
	var workspaces []store.Workspace
	for _, ws := range all {
		if ws.KBDatasetID != "" {
			workspaces = append(workspaces, ws)
		}
	}
	if len(workspaces) == 0 {
		return KBSyncResult{}, domainError(http.StatusBadRequest, "NO_KB_WORKSPACE", "No workspace has a knowledge-base dataset", nil)
	}

	result := KBSyncResult{WorkspacesSynced: len(workspaces)}
	push := func(ws store.Workspace, kind store.EntityKind, id string) (bool, error) {
		_, err := s.kb.UpdateInKnowledgeBase(ctx, userID, ws.KBDatasetID, kind, id)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, knowledge.ErrNotConfigured):
			return false, domainError(http.StatusBadRequest, "KB_NOT_CONFIGURED", "Knowledge-base settings are incomplete", nil)
		case ctx.Err() != nil:
			return false, ctx.Err()
		}
		result.Errors = append(result.Errors, fmt.Sprintf("%s %s in workspace %s: %v", kind, id, ws.Name, err))
		s.logger.Warn("knowledge-base resync failed", "kind", kind, "id", id, "workspace_id", ws.ID, "error", err)
		return false, nil
	}

	for _, ws := range workspaces {
		messages, err := s.store.ListMessagesByWorkspace(ctx, ws.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("workspace %s: %v", ws.Name, err))
			continue
		}
		for _, m := range messages {
			ok, err := push(ws, store.KindMessage, m.ID)
			if err != nil {
				return result, err
			}
			if ok {
				result.MessagesSynced++
			}
			comments, err := s.store.ListCommentsByMessage(ctx, m.ID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("comments of message %s in workspace %s: %v", m.ID, ws.Name, err))
				continue
			}
			for _, c := range comments {
				ok, err := push(ws, store.KindComment, c.ID)
				if err != nil {
					return result, err
				}
				if ok {
					result.CommentsSynced++
				}
			}
		}
	}
	s.logger.Info("knowledge-base resync done", "user_id", userID,
		"workspaces", result.WorkspacesSynced,
		"messages", result.MessagesSynced,
		"comments", result.CommentsSynced,
		"errors", len(result.Errors))
	return result, nil
}
