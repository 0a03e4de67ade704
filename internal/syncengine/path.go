package syncengine

import (
	"path/filepath"
	"strings"

	"whitenote/worker/internal/store"
)

const (
	messagePrefix = "message_"
	commentPrefix = "comment_"
	markdownExt   = ".md"
)

// FileRef is the identity recovered from a path in the local mirror.
//
//	<root>/<workspace>/message_<id>.md                                  note
//	<root>/<workspace>/<any>.md                                         new note
//	<root>/<workspace>/message_<note>/comment_<id>.md                   comment
//	<root>/<workspace>/message_<note>/comment_<parent>/comment_<id>.md  reply, any depth
//	<root>/<workspace>/message_<note>[/comment_<parent>...]/<any>.md    new comment
type FileRef struct {
	Path         string
	RelPath      string // relative to the workspace folder, slash separated
	WorkspaceDir string
	WorkspaceID  string
	Kind         store.EntityKind
	ID           string // empty for a file that is not yet an entity
	MessageID    string // owning note, comments only
	ParentChain  []string
}

// ParentID is the direct parent comment of a reply, nil for top-level
// comments and notes.
func (r FileRef) ParentID() *string {
	if len(r.ParentChain) == 0 {
		return nil
	}
	id := r.ParentChain[len(r.ParentChain)-1]
	return &id
}

// IsNew reports whether the file has no entity yet.
func (r FileRef) IsNew() bool {
	return r.ID == ""
}

// ParseFilePath maps path under root to an entity. ok is false for paths
// outside the convention: files outside a workspace folder, anything under
// a hidden segment, and non-markdown files. The workspace id defaults to the
// folder name; Engine.ResolvePath replaces it with the id recorded in the
// workspace metadata.
func ParseFilePath(root, path string) (FileRef, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return FileRef{}, false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return FileRef{}, false
	}
	segs := strings.Split(rel, "/")
	if len(segs) < 2 {
		return FileRef{}, false
	}
	for _, seg := range segs {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return FileRef{}, false
		}
	}
	file := segs[len(segs)-1]
	if !strings.EqualFold(filepath.Ext(file), markdownExt) {
		return FileRef{}, false
	}

	ref := FileRef{
		Path:         path,
		RelPath:      strings.Join(segs[1:], "/"),
		WorkspaceDir: segs[0],
		WorkspaceID:  segs[0],
	}
	dirs := segs[1 : len(segs)-1]
	if len(dirs) == 0 {
		ref.Kind = store.KindMessage
		ref.ID = idFromName(file, messagePrefix)
		return ref, true
	}

	noteID, ok := idFromDir(dirs[0], messagePrefix)
	if !ok {
		return FileRef{}, false
	}
	chain := make([]string, 0, len(dirs)-1)
	for _, dir := range dirs[1:] {
		id, ok := idFromDir(dir, commentPrefix)
		if !ok {
			return FileRef{}, false
		}
		chain = append(chain, id)
	}
	if strings.HasPrefix(file, messagePrefix) {
		return FileRef{}, false
	}
	ref.Kind = store.KindComment
	ref.MessageID = noteID
	ref.ParentChain = chain
	ref.ID = idFromName(file, commentPrefix)
	return ref, true
}

func idFromName(file, prefix string) string {
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	if !strings.HasPrefix(stem, prefix) {
		return ""
	}
	return strings.TrimPrefix(stem, prefix)
}

func idFromDir(dir, prefix string) (string, bool) {
	if !strings.HasPrefix(dir, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(dir, prefix)
	return id, id != ""
}

// canonicalRelPath is where an entity lives when it has no recorded file.
func canonicalRelPath(kind store.EntityKind, id, messageID string, chain []string) string {
	if kind == store.KindMessage {
		return messagePrefix + id + markdownExt
	}
	parts := []string{messagePrefix + messageID}
	for _, p := range chain {
		parts = append(parts, commentPrefix+p)
	}
	parts = append(parts, commentPrefix+id+markdownExt)
	return strings.Join(parts, "/")
}
