// Package syncengine keeps the local markdown mirror and the database in
// step. Export writes notes and comments to files; import reads edited files
// back and queues the follow-up jobs.
package syncengine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"whitenote/worker/internal/queue"
	"whitenote/worker/internal/store"
)

var (
	ErrUnmappedPath  = errors.New("path is not part of the mirror")
	ErrMissingParent = errors.New("parent entity not found")
)

// Store is the data access the engine needs.
type Store interface {
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	ListWorkspaces(ctx context.Context, userID string) ([]store.Workspace, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	ListMessagesByWorkspace(ctx context.Context, workspaceID string) ([]store.Message, error)
	CreateMessage(ctx context.Context, m store.Message) (store.Message, error)
	UpdateMessage(ctx context.Context, messageID, content string, tags []string) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListCommentsByMessage(ctx context.Context, messageID string) ([]store.Comment, error)
	CreateComment(ctx context.Context, c store.Comment) (store.Comment, error)
	UpdateComment(ctx context.Context, commentID, content string, tags []string) error
}

// Enqueuer schedules follow-up jobs after an import.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts ...queue.Option) (string, error)
}

type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

type ImportResult struct {
	Outcome Outcome
	Kind    store.EntityKind
	ID      string
	Reason  string
}

type ExportResult struct {
	Path    string
	Written bool
}

type ExportSummary struct {
	WorkspacesExported int `json:"workspacesExported"`
	MessagesExported   int `json:"messagesExported"`
	CommentsExported   int `json:"commentsExported"`
}

type ImportSummary struct {
	WorkspacesProcessed int `json:"workspacesProcessed"`
	Imported            int `json:"imported"`
	Skipped             int `json:"skipped"`
	Errors              int `json:"errors"`
}

type Engine struct {
	root   string
	store  Store
	jobs   Enqueuer
	logger *slog.Logger
	now    func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	dirMu sync.Mutex
	dirs  map[string]string // workspace id -> folder name
}

func New(root string, st Store, jobs Enqueuer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		root:   filepath.Clean(root),
		store:  st,
		jobs:   jobs,
		logger: logger.With("component", "syncengine"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
		dirs:   make(map[string]string),
	}
}

// Root is the mirror directory.
func (e *Engine) Root() string { return e.root }

// lock serializes work on one key: an entity, a new file, or a workspace
// metadata document.
func (e *Engine) lock(key string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	lock, ok := e.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	e.locks[key] = lock
	return lock
}

func entityKey(kind store.EntityKind, id string) string {
	return string(kind) + ":" + id
}

func metaKey(dir string) string {
	return "meta:" + dir
}

func contentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (e *Engine) loadMetadata(dir string) (*Metadata, error) {
	lock := e.lock(metaKey(dir))
	lock.Lock()
	defer lock.Unlock()
	return readMetadata(filepath.Join(e.root, dir))
}

// updateMetadata runs fn on the workspace metadata under its lock and saves
// it when fn reports a change.
func (e *Engine) updateMetadata(dir string, fn func(m *Metadata) (bool, error)) error {
	lock := e.lock(metaKey(dir))
	lock.Lock()
	defer lock.Unlock()
	wsPath := filepath.Join(e.root, dir)
	m, err := readMetadata(wsPath)
	if err != nil {
		return err
	}
	changed, err := fn(m)
	if err != nil || !changed {
		return err
	}
	return m.write(wsPath)
}

// ResolvePath is ParseFilePath plus the workspace metadata: the workspace id
// comes from the sidecar and files recorded there keep their entity id even
// when their name does not follow the convention.
func (e *Engine) ResolvePath(path string) (FileRef, bool) {
	ref, ok := ParseFilePath(e.root, path)
	if !ok {
		return FileRef{}, false
	}
	meta, err := e.loadMetadata(ref.WorkspaceDir)
	if err != nil {
		e.logger.Warn("workspace metadata unreadable", "workspace_dir", ref.WorkspaceDir, "error", err)
		return ref, true
	}
	if meta.Workspace.ID != "" {
		ref.WorkspaceID = meta.Workspace.ID
		e.rememberDir(meta.Workspace.ID, ref.WorkspaceDir)
	}
	if ref.ID == "" {
		if entry, ok := meta.Files[ref.RelPath]; ok && entry.Kind == ref.Kind {
			ref.ID = entry.ID
		}
	}
	return ref, true
}

// ImportFromLocal applies one mirrored file to the database. workspaceID may
// be empty, in which case it is resolved from the workspace metadata.
func (e *Engine) ImportFromLocal(ctx context.Context, workspaceID, path string) (ImportResult, error) {
	path = filepath.Clean(path)
	pathLock := e.lock("path:" + path)
	pathLock.Lock()
	defer pathLock.Unlock()

	// Resolved under the path lock so a file created by an import that just
	// finished maps to the entity it recorded.
	ref, ok := e.ResolvePath(path)
	if !ok {
		return ImportResult{}, fmt.Errorf("%w: %s", ErrUnmappedPath, path)
	}
	if workspaceID == "" {
		workspaceID = ref.WorkspaceID
	}
	log := e.logger.With("path", path, "kind", ref.Kind)

	if ref.ID != "" {
		lock := e.lock(entityKey(ref.Kind, ref.ID))
		lock.Lock()
		defer lock.Unlock()
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ImportResult{Outcome: OutcomeSkipped, Kind: ref.Kind, ID: ref.ID, Reason: "file removed"}, nil
	}
	if err != nil {
		return ImportResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	hash := contentHash(raw)

	meta, err := e.loadMetadata(ref.WorkspaceDir)
	if err != nil {
		return ImportResult{}, err
	}
	if entry, ok := meta.Files[ref.RelPath]; ok && entry.Hash == hash && entry.ID != "" {
		return ImportResult{Outcome: OutcomeSkipped, Kind: ref.Kind, ID: entry.ID, Reason: "unchanged file"}, nil
	}

	doc := ParseMarkdown(raw)
	if doc.Body == "" {
		log.Debug("skipping empty file")
		return ImportResult{Outcome: OutcomeSkipped, Kind: ref.Kind, ID: ref.ID, Reason: "empty body"}, nil
	}

	ws, err := e.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}

	var res ImportResult
	switch ref.Kind {
	case store.KindMessage:
		res, err = e.importMessage(ctx, ws, ref, doc)
	case store.KindComment:
		res, err = e.importComment(ctx, ws, ref, doc)
	default:
		err = fmt.Errorf("unsupported entity kind %q", ref.Kind)
	}
	if err != nil {
		return ImportResult{}, err
	}

	if err := e.enqueueFollowUp(ctx, ws, res); err != nil {
		return res, err
	}

	now := e.now().UTC()
	err = e.updateMetadata(ref.WorkspaceDir, func(m *Metadata) (bool, error) {
		if m.Workspace.ID == "" {
			m.Workspace.ID = ws.ID
			m.Workspace.Name = ws.Name
		}
		m.Workspace.LastSyncedAt = now
		m.Files[ref.RelPath] = FileEntry{Kind: res.Kind, ID: res.ID, Hash: hash, SyncedAt: now}
		return true, nil
	})
	if err != nil {
		return res, fmt.Errorf("record import of %s: %w", path, err)
	}
	e.rememberDir(ws.ID, ref.WorkspaceDir)

	if res.Outcome != OutcomeSkipped {
		log.Info("imported local file", "outcome", res.Outcome, "id", res.ID)
	}
	return res, nil
}

func (e *Engine) importMessage(ctx context.Context, ws store.Workspace, ref FileRef, doc Document) (ImportResult, error) {
	if ref.ID != "" {
		m, err := e.store.GetMessage(ctx, ref.ID)
		switch {
		case err == nil:
			if m.Content == doc.Body && store.SameTags(m.Tags, doc.Tags) {
				return ImportResult{Outcome: OutcomeSkipped, Kind: store.KindMessage, ID: m.ID, Reason: "unchanged content"}, nil
			}
			if err := e.store.UpdateMessage(ctx, m.ID, doc.Body, doc.Tags); err != nil {
				return ImportResult{}, fmt.Errorf("update message %s: %w", m.ID, err)
			}
			return ImportResult{Outcome: OutcomeUpdated, Kind: store.KindMessage, ID: m.ID}, nil
		case !errors.Is(err, store.ErrNotFound):
			return ImportResult{}, fmt.Errorf("load message %s: %w", ref.ID, err)
		}
	}
	created, err := e.store.CreateMessage(ctx, store.Message{
		ID:          ref.ID,
		WorkspaceID: ws.ID,
		AuthorID:    ws.UserID,
		Content:     doc.Body,
		Tags:        doc.Tags,
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("create message: %w", err)
	}
	return ImportResult{Outcome: OutcomeCreated, Kind: store.KindMessage, ID: created.ID}, nil
}

func (e *Engine) importComment(ctx context.Context, ws store.Workspace, ref FileRef, doc Document) (ImportResult, error) {
	if ref.ID != "" {
		c, err := e.store.GetComment(ctx, ref.ID)
		switch {
		case err == nil:
			if c.Content == doc.Body && store.SameTags(c.Tags, doc.Tags) {
				return ImportResult{Outcome: OutcomeSkipped, Kind: store.KindComment, ID: c.ID, Reason: "unchanged content"}, nil
			}
			if err := e.store.UpdateComment(ctx, c.ID, doc.Body, doc.Tags); err != nil {
				return ImportResult{}, fmt.Errorf("update comment %s: %w", c.ID, err)
			}
			return ImportResult{Outcome: OutcomeUpdated, Kind: store.KindComment, ID: c.ID}, nil
		case !errors.Is(err, store.ErrNotFound):
			return ImportResult{}, fmt.Errorf("load comment %s: %w", ref.ID, err)
		}
	}

	if _, err := e.store.GetMessage(ctx, ref.MessageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ImportResult{}, queue.Permanent(fmt.Errorf("%w: message %s", ErrMissingParent, ref.MessageID))
		}
		return ImportResult{}, fmt.Errorf("load message %s: %w", ref.MessageID, err)
	}
	parentID := ref.ParentID()
	if parentID != nil {
		parent, err := e.store.GetComment(ctx, *parentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ImportResult{}, queue.Permanent(fmt.Errorf("%w: comment %s", ErrMissingParent, *parentID))
			}
			return ImportResult{}, fmt.Errorf("load comment %s: %w", *parentID, err)
		}
		if parent.MessageID != ref.MessageID {
			return ImportResult{}, queue.Permanent(fmt.Errorf("%w: comment %s belongs to message %s", ErrMissingParent, parent.ID, parent.MessageID))
		}
	}

	created, err := e.store.CreateComment(ctx, store.Comment{
		ID:        ref.ID,
		MessageID: ref.MessageID,
		ParentID:  parentID,
		AuthorID:  ws.UserID,
		Content:   doc.Body,
		Tags:      doc.Tags,
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("create comment: %w", err)
	}
	return ImportResult{Outcome: OutcomeCreated, Kind: store.KindComment, ID: created.ID}, nil
}

// enqueueFollowUp tags new entities when the workspace asks for it, and
// otherwise sends changed entities to the knowledge base. Tagging queues the
// knowledge-base sync itself once the tags are written.
func (e *Engine) enqueueFollowUp(ctx context.Context, ws store.Workspace, res ImportResult) error {
	var payload queue.Payload
	switch {
	case res.Outcome == OutcomeCreated && ws.EnableAutoTag:
		payload = queue.AutoTag{UserID: ws.UserID, EntityKind: res.Kind, EntityID: res.ID}
	case res.Outcome == OutcomeCreated || res.Outcome == OutcomeUpdated:
		payload = queue.SyncKnowledgeBase{UserID: ws.UserID, WorkspaceID: ws.ID, EntityKind: res.Kind, EntityID: res.ID}
	default:
		return nil
	}
	if _, err := e.jobs.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("enqueue %s for %s %s: %w", payload.Kind(), res.Kind, res.ID, err)
	}
	return nil
}

// ExportToLocal writes one entity to its file. The file is left untouched
// when its bytes already match.
func (e *Engine) ExportToLocal(ctx context.Context, kind store.EntityKind, id string) (ExportResult, error) {
	lock := e.lock(entityKey(kind, id))
	lock.Lock()
	defer lock.Unlock()

	switch kind {
	case store.KindMessage:
		m, err := e.store.GetMessage(ctx, id)
		if err != nil {
			return ExportResult{}, fmt.Errorf("load message %s: %w", id, err)
		}
		ws, err := e.store.GetWorkspace(ctx, m.WorkspaceID)
		if err != nil {
			return ExportResult{}, fmt.Errorf("load workspace %s: %w", m.WorkspaceID, err)
		}
		return e.writeEntity(ws, store.KindMessage, m.ID, "", nil, m.Tags, m.Content)
	case store.KindComment:
		c, err := e.store.GetComment(ctx, id)
		if err != nil {
			return ExportResult{}, fmt.Errorf("load comment %s: %w", id, err)
		}
		m, err := e.store.GetMessage(ctx, c.MessageID)
		if err != nil {
			return ExportResult{}, fmt.Errorf("load message %s: %w", c.MessageID, err)
		}
		ws, err := e.store.GetWorkspace(ctx, m.WorkspaceID)
		if err != nil {
			return ExportResult{}, fmt.Errorf("load workspace %s: %w", m.WorkspaceID, err)
		}
		chain, err := e.commentChain(ctx, c)
		if err != nil {
			return ExportResult{}, err
		}
		return e.writeEntity(ws, store.KindComment, c.ID, c.MessageID, chain, c.Tags, c.Content)
	default:
		return ExportResult{}, fmt.Errorf("unsupported entity kind %q", kind)
	}
}

const maxCommentDepth = 256

// commentChain lists the ancestors of c from the top-level comment down to
// its direct parent.
func (e *Engine) commentChain(ctx context.Context, c store.Comment) ([]string, error) {
	var chain []string
	parent := c.ParentID
	for parent != nil {
		if len(chain) >= maxCommentDepth {
			return nil, fmt.Errorf("comment %s: reply chain deeper than %d", c.ID, maxCommentDepth)
		}
		p, err := e.store.GetComment(ctx, *parent)
		if err != nil {
			return nil, fmt.Errorf("load parent comment %s: %w", *parent, err)
		}
		chain = append(chain, p.ID)
		parent = p.ParentID
	}
	reverse(chain)
	return chain, nil
}

func chainFromIndex(c store.Comment, byID map[string]store.Comment) ([]string, error) {
	var chain []string
	parent := c.ParentID
	for parent != nil {
		if len(chain) >= maxCommentDepth {
			return nil, fmt.Errorf("comment %s: reply chain deeper than %d", c.ID, maxCommentDepth)
		}
		p, ok := byID[*parent]
		if !ok {
			return nil, fmt.Errorf("comment %s: parent %s not in message %s", c.ID, *parent, c.MessageID)
		}
		chain = append(chain, p.ID)
		parent = p.ParentID
	}
	reverse(chain)
	return chain, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (e *Engine) writeEntity(ws store.Workspace, kind store.EntityKind, id, messageID string, chain []string, tags []string, body string) (ExportResult, error) {
	dir, err := e.workspaceDir(ws)
	if err != nil {
		return ExportResult{}, err
	}
	wsPath := filepath.Join(e.root, dir)
	data := RenderMarkdown(tags, body)
	hash := contentHash(data)
	now := e.now().UTC()

	var res ExportResult
	err = e.updateMetadata(dir, func(m *Metadata) (bool, error) {
		rel, ok := m.relPathOf(kind, id)
		if !ok {
			rel = canonicalRelPath(kind, id, messageID, chain)
		}
		res.Path = filepath.Join(wsPath, filepath.FromSlash(rel))

		existing, readErr := os.ReadFile(res.Path)
		if readErr != nil || !bytes.Equal(existing, data) {
			if err := os.MkdirAll(filepath.Dir(res.Path), 0o755); err != nil {
				return false, fmt.Errorf("create dir for %s: %w", rel, err)
			}
			if err := writeFileAtomic(res.Path, data); err != nil {
				return false, fmt.Errorf("write %s: %w", rel, err)
			}
			res.Written = true
		}

		entry, known := m.Files[rel]
		if !res.Written && known && entry.Hash == hash && m.Workspace.ID == ws.ID {
			return false, nil
		}
		m.Workspace = WorkspaceInfo{ID: ws.ID, Name: ws.Name, LastSyncedAt: now}
		m.Files[rel] = FileEntry{Kind: kind, ID: id, Hash: hash, SyncedAt: now}
		return true, nil
	})
	if err != nil {
		return ExportResult{}, err
	}
	return res, nil
}

func (e *Engine) rememberDir(workspaceID, dir string) {
	e.dirMu.Lock()
	defer e.dirMu.Unlock()
	e.dirs[workspaceID] = dir
}

// workspaceDir finds the folder of ws in the mirror, picking a new one named
// after the workspace when none is recorded yet.
func (e *Engine) workspaceDir(ws store.Workspace) (string, error) {
	e.dirMu.Lock()
	defer e.dirMu.Unlock()
	if dir, ok := e.dirs[ws.ID]; ok {
		return dir, nil
	}

	if err := os.MkdirAll(e.root, 0o755); err != nil {
		return "", fmt.Errorf("create mirror root: %w", err)
	}
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return "", fmt.Errorf("list mirror root: %w", err)
	}
	taken := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		meta, err := readMetadata(filepath.Join(e.root, entry.Name()))
		if err != nil {
			e.logger.Warn("workspace metadata unreadable", "workspace_dir", entry.Name(), "error", err)
			taken[entry.Name()] = "?"
			continue
		}
		taken[entry.Name()] = meta.Workspace.ID
		if meta.Workspace.ID != "" {
			e.dirs[meta.Workspace.ID] = entry.Name()
		}
	}
	if dir, ok := e.dirs[ws.ID]; ok {
		return dir, nil
	}

	dir := folderName(ws.Name)
	if dir == "" {
		dir = ws.ID
	}
	if owner, ok := taken[dir]; ok && owner != "" && owner != ws.ID {
		dir = dir + "_" + ws.ID
	}
	e.dirs[ws.ID] = dir
	return dir, nil
}

func folderName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, name)
	return strings.TrimLeft(strings.TrimSpace(name), ".")
}

// ExportAllToLocal writes every workspace of userID (every workspace when
// userID is empty) with all notes and comments. It stops at the first error
// and returns the counts so far.
func (e *Engine) ExportAllToLocal(ctx context.Context, userID string) (ExportSummary, error) {
	var sum ExportSummary
	workspaces, err := e.store.ListWorkspaces(ctx, userID)
	if err != nil {
		return sum, fmt.Errorf("list workspaces: %w", err)
	}
	for _, ws := range workspaces {
		messages, err := e.store.ListMessagesByWorkspace(ctx, ws.ID)
		if err != nil {
			return sum, fmt.Errorf("list messages of workspace %s: %w", ws.ID, err)
		}
		for _, m := range messages {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if err := e.exportLocked(store.KindMessage, m.ID, func() (ExportResult, error) {
				return e.writeEntity(ws, store.KindMessage, m.ID, "", nil, m.Tags, m.Content)
			}); err != nil {
				return sum, err
			}
			sum.MessagesExported++

			comments, err := e.store.ListCommentsByMessage(ctx, m.ID)
			if err != nil {
				return sum, fmt.Errorf("list comments of message %s: %w", m.ID, err)
			}
			byID := make(map[string]store.Comment, len(comments))
			for _, c := range comments {
				byID[c.ID] = c
			}
			for _, c := range comments {
				chain, err := chainFromIndex(c, byID)
				if err != nil {
					return sum, err
				}
				if err := e.exportLocked(store.KindComment, c.ID, func() (ExportResult, error) {
					return e.writeEntity(ws, store.KindComment, c.ID, m.ID, chain, c.Tags, c.Content)
				}); err != nil {
					return sum, err
				}
				sum.CommentsExported++
			}
		}
		sum.WorkspacesExported++
	}
	e.logger.Info("exported all to local",
		"user_id", userID,
		"workspaces", sum.WorkspacesExported,
		"messages", sum.MessagesExported,
		"comments", sum.CommentsExported,
	)
	return sum, nil
}

func (e *Engine) exportLocked(kind store.EntityKind, id string, fn func() (ExportResult, error)) error {
	lock := e.lock(entityKey(kind, id))
	lock.Lock()
	defer lock.Unlock()
	if _, err := fn(); err != nil {
		return fmt.Errorf("export %s %s: %w", kind, id, err)
	}
	return nil
}

// ImportAllFromLocal imports every mirrored file. Files are applied
// shallowest first so notes exist before their comments. A failing file is
// counted and logged; only cancellation stops the walk.
func (e *Engine) ImportAllFromLocal(ctx context.Context) (ImportSummary, error) {
	var sum ImportSummary
	var files []string
	err := filepath.WalkDir(e.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == e.root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != e.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), markdownExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("walk %s: %w", e.root, err)
	}
	sortByDepth(files)

	workspaces := make(map[string]struct{})
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ref, ok := ParseFilePath(e.root, path)
		if !ok {
			continue
		}
		workspaces[ref.WorkspaceDir] = struct{}{}
		res, err := e.ImportFromLocal(ctx, "", path)
		if err != nil {
			sum.Errors++
			e.logger.Error("import local file failed", "path", path, "error", err)
			continue
		}
		if res.Outcome == OutcomeSkipped {
			sum.Skipped++
		} else {
			sum.Imported++
		}
	}
	sum.WorkspacesProcessed = len(workspaces)
	e.logger.Info("imported all from local",
		"workspaces", sum.WorkspacesProcessed,
		"imported", sum.Imported,
		"skipped", sum.Skipped,
		"errors", sum.Errors,
	)
	return sum, nil
}

func sortByDepth(paths []string) {
	depth := func(p string) int { return strings.Count(filepath.ToSlash(p), "/") }
	sort.SliceStable(paths, func(i, j int) bool {
		di, dj := depth(paths[i]), depth(paths[j])
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
}
