package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"whitenote/worker/internal/queue"
	"whitenote/worker/internal/store"
)

type memStore struct {
	mu         sync.Mutex
	seq        int
	workspaces map[string]store.Workspace
	messages   map[string]store.Message
	comments   map[string]store.Comment
	order      []string // comment ids in creation order
	updates    int
}

func newMemStore() *memStore {
	return &memStore{
		workspaces: map[string]store.Workspace{},
		messages:   map[string]store.Message{},
		comments:   map[string]store.Comment{},
	}
}

func (s *memStore) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return store.Workspace{}, fmt.Errorf("workspace %s: %w", id, store.ErrNotFound)
	}
	return ws, nil
}

func (s *memStore) ListWorkspaces(_ context.Context, userID string) ([]store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Workspace
	for _, ws := range s.workspaces {
		if userID == "" || ws.UserID == userID {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.Message{}, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return m, nil
}

func (s *memStore) ListMessagesByWorkspace(_ context.Context, wsID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.WorkspaceID == wsID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CreateMessage(_ context.Context, m store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		s.seq++
		m.ID = fmt.Sprintf("m%d", s.seq)
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *memStore) UpdateMessage(_ context.Context, id, content string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Content, m.Tags = content, tags
	s.messages[id] = m
	s.updates++
	return nil
}

func (s *memStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return store.Comment{}, fmt.Errorf("comment %s: %w", id, store.ErrNotFound)
	}
	return c, nil
}

func (s *memStore) ListCommentsByMessage(_ context.Context, messageID string) ([]store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Comment
	for _, id := range s.order {
		if c, ok := s.comments[id]; ok && c.MessageID == messageID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) CreateComment(_ context.Context, c store.Comment) (store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		s.seq++
		c.ID = fmt.Sprintf("c%d", s.seq)
	}
	s.comments[c.ID] = c
	s.order = append(s.order, c.ID)
	return c, nil
}

func (s *memStore) UpdateComment(_ context.Context, id, content string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Content, c.Tags = content, tags
	s.comments[id] = c
	s.updates++
	return nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Payload
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, p queue.Payload, _ ...queue.Option) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, p)
	return fmt.Sprintf("%s-%d", p.Kind(), len(q.jobs)), nil
}

func (q *recordingQueue) payloads() []queue.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Payload(nil), q.jobs...)
}

func setupEngine(t *testing.T) (*Engine, *memStore, *recordingQueue) {
	t.Helper()
	st := newMemStore()
	st.workspaces["w1"] = store.Workspace{ID: "w1", UserID: "u1", Name: "Inbox"}
	q := &recordingQueue{}
	return New(t.TempDir(), st, q, nil), st, q
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// seedWorkspaceMetadata makes the folder name resolve to workspace id.
func seedWorkspaceMetadata(t *testing.T, e *Engine, dir, id string) {
	t.Helper()
	m := &Metadata{Version: metadataVersion, Workspace: WorkspaceInfo{ID: id, Name: dir}, Files: map[string]FileEntry{}}
	if err := m.write(filepath.Join(e.Root(), dir)); err != nil {
		t.Fatal(err)
	}
}

func TestExportWritesNoteWithEmptyTagLine(t *testing.T) {
	e, st, _ := setupEngine(t)
	st.messages["n1"] = store.Message{ID: "n1", WorkspaceID: "w1", Content: "Hello", Tags: []string{}}

	res, err := e.ExportToLocal(context.Background(), store.KindMessage, "n1")
	if err != nil {
		t.Fatalf("ExportToLocal: %v", err)
	}
	if !res.Written {
		t.Fatal("first export must write")
	}
	if want := filepath.Join(e.Root(), "Inbox", "message_n1.md"); res.Path != want {
		t.Fatalf("path = %s, want %s", res.Path, want)
	}
	raw, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(string(raw), "\n")
	if lines[0] != "" || strings.TrimSpace(strings.Join(lines[1:], "\n")) != "Hello" {
		t.Fatalf("unexpected file %q", raw)
	}

	again, err := e.ExportToLocal(context.Background(), store.KindMessage, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Written {
		t.Fatal("unchanged entity must not be rewritten")
	}

	meta, err := readMetadata(filepath.Join(e.Root(), "Inbox"))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Workspace.ID != "w1" || meta.Files["message_n1.md"].ID != "n1" {
		t.Fatalf("metadata not recorded: %+v", meta)
	}
}

func TestExportCommentNestsUnderParents(t *testing.T) {
	e, st, _ := setupEngine(t)
	st.messages["n1"] = store.Message{ID: "n1", WorkspaceID: "w1", Content: "note"}
	parent := "c1"
	st.comments["c1"] = store.Comment{ID: "c1", MessageID: "n1", Content: "top"}
	st.comments["c2"] = store.Comment{ID: "c2", MessageID: "n1", ParentID: &parent, Content: "reply", Tags: []string{"q"}}

	res, err := e.ExportToLocal(context.Background(), store.KindComment, "c2")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(e.Root(), "Inbox", "message_n1", "comment_c1", "comment_c2.md")
	if res.Path != want {
		t.Fatalf("path = %s, want %s", res.Path, want)
	}
	raw, _ := os.ReadFile(res.Path)
	if string(raw) != "#q\n\nreply" {
		t.Fatalf("content %q", raw)
	}
}

func TestExportMissingEntity(t *testing.T) {
	e, _, _ := setupEngine(t)
	_, err := e.ExportToLocal(context.Background(), store.KindMessage, "gone")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestImportNewNoteIsIdempotent(t *testing.T) {
	e, st, q := setupEngine(t)
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	path := filepath.Join(e.Root(), "Inbox", "idea.md")
	writeFile(t, path, "#Idea #Journal\n\nHello world")

	ctx := context.Background()
	res, err := e.ImportFromLocal(ctx, "", path)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	m := st.messages[res.ID]
	if m.Content != "Hello world" || !store.SameTags(m.Tags, []string{"Idea", "Journal"}) || m.WorkspaceID != "w1" || m.AuthorID != "u1" {
		t.Fatalf("stored message %+v", m)
	}

	again, err := e.ImportFromLocal(ctx, "", path)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if again.Outcome != OutcomeSkipped || again.ID != res.ID {
		t.Fatalf("second import = %+v", again)
	}
	if len(st.messages) != 1 || st.updates != 0 {
		t.Fatalf("second import changed the store: %d messages, %d updates", len(st.messages), st.updates)
	}
	jobs := q.payloads()
	if len(jobs) != 1 {
		t.Fatalf("expected one follow-up job, got %v", jobs)
	}
	if kb, ok := jobs[0].(queue.SyncKnowledgeBase); !ok || kb.EntityID != res.ID || kb.WorkspaceID != "w1" {
		t.Fatalf("unexpected job %#v", jobs[0])
	}
}

// blockingStore holds the first CreateMessage until release is closed.
type blockingStore struct {
	*memStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) CreateMessage(ctx context.Context, m store.Message) (store.Message, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.memStore.CreateMessage(ctx, m)
}

func TestConcurrentImportsOfNewFileCreateOneNote(t *testing.T) {
	mem := newMemStore()
	mem.workspaces["w1"] = store.Workspace{ID: "w1", UserID: "u1", Name: "Inbox"}
	st := &blockingStore{memStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	e := New(t.TempDir(), st, &recordingQueue{}, nil)
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	path := filepath.Join(e.Root(), "Inbox", "idea.md")
	writeFile(t, path, "Hello world")

	ctx := context.Background()
	results := make([]ImportResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = e.ImportFromLocal(ctx, "", path)
	}()
	<-st.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = e.ImportFromLocal(ctx, "", filepath.Join(e.Root(), "Inbox", ".", "idea.md"))
	}()
	time.Sleep(20 * time.Millisecond)
	close(st.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}
	if len(mem.messages) != 1 {
		t.Fatalf("expected one note, got %d", len(mem.messages))
	}
	if results[0].Outcome != OutcomeCreated {
		t.Fatalf("first import = %+v", results[0])
	}
	if results[1].Outcome != OutcomeSkipped || results[1].ID != results[0].ID {
		t.Fatalf("second import = %+v", results[1])
	}
}

func TestImportNewNoteQueuesAutoTagWhenEnabled(t *testing.T) {
	e, st, q := setupEngine(t)
	ws := st.workspaces["w1"]
	ws.EnableAutoTag = true
	st.workspaces["w1"] = ws
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	path := filepath.Join(e.Root(), "Inbox", "idea.md")
	writeFile(t, path, "plain body")

	res, err := e.ImportFromLocal(context.Background(), "", path)
	if err != nil {
		t.Fatal(err)
	}
	jobs := q.payloads()
	if len(jobs) != 1 {
		t.Fatalf("jobs %v", jobs)
	}
	if at, ok := jobs[0].(queue.AutoTag); !ok || at.EntityID != res.ID || at.UserID != "u1" {
		t.Fatalf("unexpected job %#v", jobs[0])
	}
}

func TestImportEditedNoteUpdates(t *testing.T) {
	e, st, q := setupEngine(t)
	st.messages["n1"] = store.Message{ID: "n1", WorkspaceID: "w1", Content: "Hello"}
	ctx := context.Background()
	exp, err := e.ExportToLocal(ctx, store.KindMessage, "n1")
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.ImportFromLocal(ctx, "", exp.Path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("freshly exported file must be skipped, got %s", res.Outcome)
	}

	writeFile(t, exp.Path, "#edited\n\nHello again")
	res, err = e.ImportFromLocal(ctx, "", exp.Path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUpdated || res.ID != "n1" {
		t.Fatalf("result %+v", res)
	}
	if m := st.messages["n1"]; m.Content != "Hello again" || !store.SameTags(m.Tags, []string{"edited"}) {
		t.Fatalf("message %+v", m)
	}
	if jobs := q.payloads(); len(jobs) != 1 || jobs[0].Kind() != queue.KindSyncKnowledgeBase {
		t.Fatalf("jobs %v", jobs)
	}
}

func TestImportMatchingContentSkipsWithoutWrite(t *testing.T) {
	e, st, q := setupEngine(t)
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	st.messages["n1"] = store.Message{ID: "n1", WorkspaceID: "w1", Content: "same", Tags: []string{"a"}}
	path := filepath.Join(e.Root(), "Inbox", "message_n1.md")
	writeFile(t, path, "#a\n\nsame\n")

	res, err := e.ImportFromLocal(context.Background(), "", path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || st.updates != 0 || len(q.payloads()) != 0 {
		t.Fatalf("result %+v updates %d jobs %d", res, st.updates, len(q.payloads()))
	}
}

func TestImportEmptyBodySkipped(t *testing.T) {
	e, st, _ := setupEngine(t)
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	path := filepath.Join(e.Root(), "Inbox", "blank.md")
	writeFile(t, path, "#onlytags\n\n")

	res, err := e.ImportFromLocal(context.Background(), "", path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || len(st.messages) != 0 {
		t.Fatalf("empty file must be skipped: %+v", res)
	}
}

func TestImportCommentWithMissingParentIsPermanent(t *testing.T) {
	e, _, _ := setupEngine(t)
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	path := filepath.Join(e.Root(), "Inbox", "message_ghost", "reply.md")
	writeFile(t, path, "orphan")

	_, err := e.ImportFromLocal(context.Background(), "", path)
	if !errors.Is(err, ErrMissingParent) || !queue.IsPermanent(err) {
		t.Fatalf("expected permanent missing parent, got %v", err)
	}
}

func TestImportNewReplyUsesFolderParent(t *testing.T) {
	e, st, _ := setupEngine(t)
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	st.messages["n1"] = store.Message{ID: "n1", WorkspaceID: "w1", Content: "note"}
	st.comments["c1"] = store.Comment{ID: "c1", MessageID: "n1", Content: "top"}
	st.order = []string{"c1"}
	path := filepath.Join(e.Root(), "Inbox", "message_n1", "comment_c1", "answer.md")
	writeFile(t, path, "a reply")

	res, err := e.ImportFromLocal(context.Background(), "", path)
	if err != nil {
		t.Fatal(err)
	}
	c := st.comments[res.ID]
	if res.Outcome != OutcomeCreated || c.ParentID == nil || *c.ParentID != "c1" || c.MessageID != "n1" {
		t.Fatalf("created comment %+v", c)
	}
	ref, ok := e.ResolvePath(path)
	if !ok || ref.ID != res.ID {
		t.Fatalf("metadata should map the file to %s, got %+v", res.ID, ref)
	}
}

func TestImportUnmappedPath(t *testing.T) {
	e, _, _ := setupEngine(t)
	_, err := e.ImportFromLocal(context.Background(), "", filepath.Join(e.Root(), "loose.md"))
	if !errors.Is(err, ErrUnmappedPath) {
		t.Fatalf("expected ErrUnmappedPath, got %v", err)
	}
}

func TestImportEnqueueFailureIsReturned(t *testing.T) {
	e, _, q := setupEngine(t)
	q.err = errors.New("redis down")
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	path := filepath.Join(e.Root(), "Inbox", "idea.md")
	writeFile(t, path, "body")

	if _, err := e.ImportFromLocal(context.Background(), "", path); err == nil {
		t.Fatal("expected enqueue error")
	}
}

func TestExportAllToLocal(t *testing.T) {
	e, st, _ := setupEngine(t)
	st.workspaces["w2"] = store.Workspace{ID: "w2", UserID: "u1", Name: "Work"}
	st.workspaces["w3"] = store.Workspace{ID: "w3", UserID: "someone-else", Name: "Other"}
	st.messages["n1"] = store.Message{ID: "n1", WorkspaceID: "w1", Content: "one"}
	st.messages["n2"] = store.Message{ID: "n2", WorkspaceID: "w1", Content: "two"}
	st.messages["n3"] = store.Message{ID: "n3", WorkspaceID: "w2", Content: "three"}
	st.messages["n4"] = store.Message{ID: "n4", WorkspaceID: "w3", Content: "not mine"}
	parent := "c1"
	st.comments["c1"] = store.Comment{ID: "c1", MessageID: "n1", Content: "first"}
	st.comments["c2"] = store.Comment{ID: "c2", MessageID: "n1", ParentID: &parent, Content: "second"}
	st.order = []string{"c1", "c2"}

	sum, err := e.ExportAllToLocal(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != (ExportSummary{WorkspacesExported: 2, MessagesExported: 3, CommentsExported: 2}) {
		t.Fatalf("summary %+v", sum)
	}
	for _, rel := range []string{
		"Inbox/message_n1.md",
		"Inbox/message_n2.md",
		"Work/message_n3.md",
		"Inbox/message_n1/comment_c1.md",
		"Inbox/message_n1/comment_c1/comment_c2.md",
	} {
		if _, err := os.Stat(filepath.Join(e.Root(), filepath.FromSlash(rel))); err != nil {
			t.Fatalf("missing %s: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(e.Root(), "Other")); !os.IsNotExist(err) {
		t.Fatal("another user's workspace must not be exported")
	}
}

func TestWorkspaceFolderNameCollision(t *testing.T) {
	e, st, _ := setupEngine(t)
	st.workspaces["w2"] = store.Workspace{ID: "w2", UserID: "u1", Name: "Inbox"}
	st.messages["n1"] = store.Message{ID: "n1", WorkspaceID: "w1", Content: "one"}
	st.messages["n2"] = store.Message{ID: "n2", WorkspaceID: "w2", Content: "two"}

	ctx := context.Background()
	if _, err := e.ExportToLocal(ctx, store.KindMessage, "n1"); err != nil {
		t.Fatal(err)
	}
	// A fresh engine only knows folders from their metadata.
	fresh := New(e.Root(), st, &recordingQueue{}, nil)
	res, err := fresh.ExportToLocal(ctx, store.KindMessage, "n2")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(e.Root(), "Inbox_w2", "message_n2.md"); res.Path != want {
		t.Fatalf("path = %s, want %s", res.Path, want)
	}
}

func TestImportAllFromLocal(t *testing.T) {
	e, st, _ := setupEngine(t)
	seedWorkspaceMetadata(t, e, "Inbox", "w1")
	root := e.Root()
	// The note is not in the database yet; its comment folder sorts before
	// the note file, so ordering matters.
	writeFile(t, filepath.Join(root, "Inbox", "message_n9", "comment_c9.md"), "restored comment")
	writeFile(t, filepath.Join(root, "Inbox", "message_n9.md"), "#r\n\nrestored note")
	writeFile(t, filepath.Join(root, "Inbox", "empty.md"), "")
	writeFile(t, filepath.Join(root, "Inbox", ".whitenote", "ignored.md"), "hidden")
	writeFile(t, filepath.Join(root, "Inbox", "message_ghost", "comment_x.md"), "orphan")
	writeFile(t, filepath.Join(root, "notes.txt"), "not markdown")

	sum, err := e.ImportAllFromLocal(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.WorkspacesProcessed != 1 || sum.Imported != 2 || sum.Skipped != 1 || sum.Errors != 1 {
		t.Fatalf("summary %+v", sum)
	}
	if st.messages["n9"].Content != "restored note" {
		t.Fatalf("note not restored: %+v", st.messages["n9"])
	}
	if c := st.comments["c9"]; c.MessageID != "n9" || c.Content != "restored comment" {
		t.Fatalf("comment not restored: %+v", c)
	}

	again, err := e.ImportAllFromLocal(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Imported != 0 || again.Skipped != 3 {
		t.Fatalf("second pass must skip everything: %+v", again)
	}
}

func TestImportAllMissingRoot(t *testing.T) {
	st := newMemStore()
	e := New(filepath.Join(t.TempDir(), "absent"), st, &recordingQueue{}, nil)
	sum, err := e.ImportAllFromLocal(context.Background())
	if err != nil || sum != (ImportSummary{}) {
		t.Fatalf("sum %+v err %v", sum, err)
	}
}
