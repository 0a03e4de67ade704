package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"whitenote/worker/internal/store"
)

type mappingKey struct {
	dataset string
	kind    store.EntityKind
	id      string
}

type fakeStore struct {
	mu       sync.Mutex
	messages map[string]store.Message
	comments map[string]store.Comment
	children map[string][]string
	media    map[string][]store.Media
	docs     map[mappingKey]store.KBDocument

	listChildrenFn func(parentID string) ([]string, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: map[string]store.Message{},
		comments: map[string]store.Comment{},
		children: map[string][]string{},
		media:    map[string][]store.Media{},
		docs:     map[mappingKey]store.KBDocument{},
	}
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	c, ok := s.comments[id]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListChildCommentIDs(_ context.Context, parentID string) ([]string, error) {
	if s.listChildrenFn != nil {
		return s.listChildrenFn(parentID)
	}
	return s.children[parentID], nil
}

func (s *fakeStore) ListMedia(_ context.Context, _ store.EntityKind, id string) ([]store.Media, error) {
	return s.media[id], nil
}

func (s *fakeStore) GetKBDocument(_ context.Context, dataset string, kind store.EntityKind, id string) (store.KBDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[mappingKey{dataset, kind, id}]
	if !ok {
		return store.KBDocument{}, store.ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) UpsertKBDocument(_ context.Context, d store.KBDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[mappingKey{d.DatasetID, d.EntityKind, d.EntityID}] = d
	return nil
}

func (s *fakeStore) DeleteKBDocument(_ context.Context, dataset string, kind store.EntityKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, mappingKey{dataset, kind, id})
	return nil
}

func (s *fakeStore) mapComment(dataset, id string) {
	s.docs[mappingKey{dataset, store.KindComment, id}] = store.KBDocument{
		DatasetID: dataset, EntityKind: store.KindComment, EntityID: id, DocumentID: "doc-" + id,
	}
}

type fakeBackend struct {
	mu       sync.Mutex
	seq      int
	upserts  []Document
	existing []string
	deleted  []string

	upsertFn func(doc Document) (string, error)
	deleteFn func(docID string) error
}

func (b *fakeBackend) UpsertDocument(_ context.Context, _ string, existingID string, doc Document) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts = append(b.upserts, doc)
	b.existing = append(b.existing, existingID)
	if b.upsertFn != nil {
		return b.upsertFn(doc)
	}
	b.seq++
	return fmt.Sprintf("doc-%d", b.seq), nil
}

func (b *fakeBackend) DeleteDocument(_ context.Context, _ string, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, docID)
	if b.deleteFn != nil {
		return b.deleteFn(docID)
	}
	return nil
}

func (b *fakeBackend) Ping(context.Context) error { return nil }

type staticBackends struct {
	backend Backend
	err     error
}

func (s staticBackends) For(context.Context, string) (Backend, error) {
	return s.backend, s.err
}

type fakeLinker struct{}

func (fakeLinker) Link(_ context.Context, m store.Media) (string, error) {
	if m.ObjectKey == "broken" {
		return "", errors.New("presign failed")
	}
	return "https://media.local/" + m.ObjectKey, nil
}

func TestSyncCreatesThenReplacesSingleMapping(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)
	ctx := context.Background()

	first, err := svc.SyncToKnowledgeBase(ctx, "u1", "ds1", store.KindMessage, "m1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.SyncToKnowledgeBase(ctx, "u1", "ds1", store.KindMessage, "m1", "hello again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if be.existing[0] != "" || be.existing[1] != first {
		t.Fatalf("second sync must replace %s, got existing ids %v", first, be.existing)
	}
	if len(st.docs) != 1 {
		t.Fatalf("expected one mapping, got %d", len(st.docs))
	}
	if got := st.docs[mappingKey{"ds1", store.KindMessage, "m1"}].DocumentID; got != second {
		t.Fatalf("mapping points at %s, want %s", got, second)
	}
	if be.upserts[0].Name != "message_m1.md" {
		t.Fatalf("document name %q", be.upserts[0].Name)
	}
}

func TestSyncRequiresDataset(t *testing.T) {
	svc := NewService(newFakeStore(), staticBackends{backend: &fakeBackend{}}, nil, nil)
	_, err := svc.SyncToKnowledgeBase(context.Background(), "u1", "", store.KindMessage, "m1", "x", nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSyncBackendErrorKeepsMapping(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{upsertFn: func(Document) (string, error) { return "", errors.New("timeout") }}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)
	if _, err := svc.SyncToKnowledgeBase(context.Background(), "u1", "ds1", store.KindMessage, "m1", "x", nil); err == nil {
		t.Fatal("expected error")
	}
	if len(st.docs) != 0 {
		t.Fatal("failed sync must not record a mapping")
	}
}

func TestUpdateInKnowledgeBaseFormatsTagsAndMedia(t *testing.T) {
	st := newFakeStore()
	st.messages["m1"] = store.Message{ID: "m1", Content: "Hello world", Tags: []string{"Idea", "Journal"}}
	st.media["m1"] = []store.Media{
		{ID: "x1", ObjectKey: "u1/a.png", FileName: "a.png"},
		{ID: "x2", ObjectKey: "broken"},
	}
	be := &fakeBackend{}
	svc := NewService(st, staticBackends{backend: be}, fakeLinker{}, nil)

	if _, err := svc.UpdateInKnowledgeBase(context.Background(), "u1", "ds1", store.KindMessage, "m1"); err != nil {
		t.Fatal(err)
	}
	content := be.upserts[0].Content
	if !strings.HasPrefix(content, "#Idea #Journal\n\nHello world") {
		t.Fatalf("content %q", content)
	}
	if !strings.Contains(content, "- [a.png](https://media.local/u1/a.png)") || strings.Contains(content, "broken") {
		t.Fatalf("media links %q", content)
	}
}

func TestUpdateInKnowledgeBaseMissingEntity(t *testing.T) {
	svc := NewService(newFakeStore(), staticBackends{backend: &fakeBackend{}}, nil, nil)
	_, err := svc.UpdateInKnowledgeBase(context.Background(), "u1", "ds1", store.KindComment, "gone")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteFromKnowledgeBase(t *testing.T) {
	st := newFakeStore()
	st.mapComment("ds1", "c1")
	be := &fakeBackend{}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)
	ctx := context.Background()

	if err := svc.DeleteFromKnowledgeBase(ctx, "u1", "ds1", "c1", store.KindComment); err != nil {
		t.Fatal(err)
	}
	if len(be.deleted) != 1 || be.deleted[0] != "doc-c1" || len(st.docs) != 0 {
		t.Fatalf("deleted %v mappings %d", be.deleted, len(st.docs))
	}
	// Unmapped entities need no backend call.
	if err := svc.DeleteFromKnowledgeBase(ctx, "u1", "ds1", "c1", store.KindComment); err != nil {
		t.Fatal(err)
	}
	if len(be.deleted) != 1 {
		t.Fatal("unexpected backend call for unmapped entity")
	}
}

func TestDeleteFromKnowledgeBaseFailureKeepsMapping(t *testing.T) {
	st := newFakeStore()
	st.mapComment("ds1", "c1")
	be := &fakeBackend{deleteFn: func(string) error { return errors.New("503") }}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)
	if err := svc.DeleteFromKnowledgeBase(context.Background(), "u1", "ds1", "c1", store.KindComment); err == nil {
		t.Fatal("expected error")
	}
	if len(st.docs) != 1 {
		t.Fatal("mapping must survive a failed remote delete")
	}
}

// root has children A and B; A has child A1.
func setupThread(st *fakeStore) {
	st.children["root"] = []string{"A", "B"}
	st.children["A"] = []string{"A1"}
	for _, id := range []string{"root", "A", "B", "A1"} {
		st.mapComment("ds1", id)
	}
}

func TestDeleteRecursivePostOrder(t *testing.T) {
	st := newFakeStore()
	setupThread(st)
	be := &fakeBackend{}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)

	report := svc.DeleteRecursive(context.Background(), "root", "u1", "ds1")
	if err := report.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{"doc-A1", "doc-A", "doc-B", "doc-root"}
	if strings.Join(be.deleted, ",") != strings.Join(want, ",") {
		t.Fatalf("delete order %v, want %v", be.deleted, want)
	}
	if len(report.Results) != 4 {
		t.Fatalf("expected 4 node results, got %d", len(report.Results))
	}
}

func TestDeleteRecursiveContinuesPastFailures(t *testing.T) {
	st := newFakeStore()
	setupThread(st)
	be := &fakeBackend{deleteFn: func(id string) error {
		if id == "doc-A1" {
			return errors.New("boom")
		}
		return nil
	}}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)

	report := svc.DeleteRecursive(context.Background(), "root", "u1", "ds1")
	if len(be.deleted) != 4 {
		t.Fatalf("siblings and ancestors must still be deleted, got %v", be.deleted)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].CommentID != "A1" {
		t.Fatalf("failed nodes %+v", failed)
	}
	if report.Err() == nil {
		t.Fatal("report must carry the failure")
	}
}

func TestDeleteRecursiveListFailureStillDeletesNode(t *testing.T) {
	st := newFakeStore()
	setupThread(st)
	st.listChildrenFn = func(parentID string) ([]string, error) {
		if parentID == "A" {
			return nil, errors.New("db gone")
		}
		return st.children[parentID], nil
	}
	be := &fakeBackend{}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)

	report := svc.DeleteRecursive(context.Background(), "root", "u1", "ds1")
	if strings.Join(be.deleted, ",") != "doc-A,doc-B,doc-root" {
		t.Fatalf("deleted %v", be.deleted)
	}
	if len(report.Failed()) != 1 {
		t.Fatalf("failed %+v", report.Failed())
	}
	var ids []string
	for _, r := range report.Results {
		ids = append(ids, r.CommentID)
	}
	if got := strings.Join(ids, ","); got != "A,B,root" {
		t.Fatalf("each comment must be reported once, got %s", got)
	}
	if failed := report.Failed()[0]; failed.CommentID != "A" || !strings.Contains(failed.Err.Error(), "db gone") {
		t.Fatalf("failed %+v", failed)
	}
}

func TestDeleteRecursiveListAndDeleteFailureCombined(t *testing.T) {
	st := newFakeStore()
	setupThread(st)
	st.listChildrenFn = func(parentID string) ([]string, error) {
		if parentID == "A" {
			return nil, errors.New("db gone")
		}
		return st.children[parentID], nil
	}
	be := &fakeBackend{deleteFn: func(docID string) error {
		if docID == "doc-A" {
			return ErrUnavailable
		}
		return nil
	}}
	svc := NewService(st, staticBackends{backend: be}, nil, nil)

	report := svc.DeleteRecursive(context.Background(), "root", "u1", "ds1")
	if len(report.Results) != 3 || len(report.Failed()) != 1 {
		t.Fatalf("report %+v", report)
	}
	err := report.Failed()[0].Err
	if !errors.Is(err, ErrUnavailable) || !strings.Contains(err.Error(), "db gone") {
		t.Fatalf("combined error %v", err)
	}
}

func TestDeleteRecursiveNotConfigured(t *testing.T) {
	st := newFakeStore()
	setupThread(st)
	svc := NewService(st, staticBackends{err: ErrNotConfigured}, nil, nil)
	report := svc.DeleteRecursive(context.Background(), "root", "u1", "ds1")
	if len(report.Failed()) != 4 || !errors.Is(report.Err(), ErrNotConfigured) {
		t.Fatalf("report %+v", report)
	}
}
