package syncengine

import (
	"path/filepath"
	"reflect"
	"testing"

	"whitenote/worker/internal/store"
)

func TestParseFilePath(t *testing.T) {
	root := filepath.FromSlash("/data/link_md")
	tests := []struct {
		name   string
		rel    string
		ok     bool
		kind   store.EntityKind
		id     string
		msgID  string
		chain  []string
		relOut string
	}{
		{name: "note", rel: "Inbox/message_m1.md", ok: true, kind: store.KindMessage, id: "m1", relOut: "message_m1.md"},
		{name: "new note", rel: "Inbox/idea.md", ok: true, kind: store.KindMessage, relOut: "idea.md"},
		{name: "comment", rel: "Inbox/message_m1/comment_c1.md", ok: true, kind: store.KindComment, id: "c1", msgID: "m1", chain: []string{}},
		{name: "reply", rel: "Inbox/message_m1/comment_c1/comment_c2.md", ok: true, kind: store.KindComment, id: "c2", msgID: "m1", chain: []string{"c1"}},
		{name: "deep new reply", rel: "Inbox/message_m1/comment_c1/comment_c2/reply.md", ok: true, kind: store.KindComment, msgID: "m1", chain: []string{"c1", "c2"}},
		{name: "file at root", rel: "readme.md", ok: false},
		{name: "hidden metadata", rel: "Inbox/.whitenote/workspace.json", ok: false},
		{name: "hidden segment", rel: "Inbox/.trash/message_m1.md", ok: false},
		{name: "editor swap file", rel: "Inbox/.message_m1.md.swp", ok: false},
		{name: "not markdown", rel: "Inbox/message_m1.txt", ok: false},
		{name: "folder outside convention", rel: "Inbox/drafts/idea.md", ok: false},
		{name: "comment folder without note", rel: "Inbox/comment_c1/comment_c2.md", ok: false},
		{name: "note file inside note folder", rel: "Inbox/message_m1/message_m2.md", ok: false},
		{name: "outside root", rel: "../other/message_m1.md", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := ParseFilePath(root, filepath.Join(root, filepath.FromSlash(tt.rel)))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ref.WorkspaceDir != "Inbox" || ref.WorkspaceID != "Inbox" {
				t.Fatalf("workspace = %q/%q", ref.WorkspaceDir, ref.WorkspaceID)
			}
			if ref.Kind != tt.kind || ref.ID != tt.id || ref.MessageID != tt.msgID {
				t.Fatalf("ref = %+v", ref)
			}
			if tt.kind == store.KindComment && !reflect.DeepEqual(ref.ParentChain, tt.chain) {
				t.Fatalf("chain = %v, want %v", ref.ParentChain, tt.chain)
			}
			if tt.relOut != "" && ref.RelPath != tt.relOut {
				t.Fatalf("rel = %q, want %q", ref.RelPath, tt.relOut)
			}
		})
	}
}

func TestParentID(t *testing.T) {
	ref := FileRef{ParentChain: []string{"c1", "c2"}}
	if p := ref.ParentID(); p == nil || *p != "c2" {
		t.Fatalf("ParentID = %v", p)
	}
	if (FileRef{}).ParentID() != nil {
		t.Fatal("top-level comment has no parent")
	}
}

func TestCanonicalRelPath(t *testing.T) {
	if got := canonicalRelPath(store.KindMessage, "m1", "", nil); got != "message_m1.md" {
		t.Fatalf("note path %q", got)
	}
	got := canonicalRelPath(store.KindComment, "c3", "m1", []string{"c1", "c2"})
	if got != "message_m1/comment_c1/comment_c2/comment_c3.md" {
		t.Fatalf("reply path %q", got)
	}
	ref, ok := ParseFilePath("/r", "/r/ws/"+got)
	if !ok || ref.ID != "c3" || ref.MessageID != "m1" || !reflect.DeepEqual(ref.ParentChain, []string{"c1", "c2"}) {
		t.Fatalf("canonical path does not parse back: %+v", ref)
	}
}
