package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) GetAIConfig(ctx context.Context, userID string) (AIConfig, error) {
	var cfg AIConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, ai_base_url, ai_api_key, enable_auto_tag, auto_tag_model,
		       enable_briefing, briefing_model, kb_provider, kb_base_url, kb_api_key
		FROM ai_configs WHERE user_id=$1
	`, userID).Scan(
		&cfg.UserID, &cfg.AIBaseURL, &cfg.AIAPIKey, &cfg.EnableAutoTag, &cfg.AutoTagModel,
		&cfg.EnableBriefing, &cfg.BriefingModel, &cfg.KBProvider, &cfg.KBBaseURL, &cfg.KBAPIKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AIConfig{}, fmt.Errorf("ai config for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return AIConfig{}, fmt.Errorf("get ai config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) ListBriefingUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM ai_configs WHERE enable_briefing ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list briefing users: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan briefing user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const workspaceColumns = `id, user_id, name, kb_dataset_id, enable_auto_tag, is_default, created_at, updated_at`

func scanWorkspace(row interface{ Scan(...any) error }) (Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.UserID, &ws.Name, &ws.KBDatasetID, &ws.EnableAutoTag, &ws.IsDefault, &ws.CreatedAt, &ws.UpdatedAt)
	return ws, err
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=$1`, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context, userID string) ([]Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id=$1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	var out []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

const messageColumns = `id, workspace_id, author_id, content, is_pinned, created_at, updated_at`

func (s *PostgresStore) scanMessages(ctx context.Context, rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.AuthorID, &m.Content, &m.IsPinned, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		tags, err := loadTags(ctx, s.db, KindMessage, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tags = tags
	}
	return out, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID).
		Scan(&m.ID, &m.WorkspaceID, &m.AuthorID, &m.Content, &m.IsPinned, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if m.Tags, err = loadTags(ctx, s.db, KindMessage, m.ID); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) ListMessagesByWorkspace(ctx context.Context, workspaceID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE workspace_id=$1 ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return s.scanMessages(ctx, rows)
}

func (s *PostgresStore) ListMessagesByAuthorBetween(ctx context.Context, userID string, from, to time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE author_id=$1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list messages by day: %w", err)
	}
	return s.scanMessages(ctx, rows)
}

func (s *PostgresStore) ListPinnedMessagesByTag(ctx context.Context, userID, tag string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.workspace_id, m.author_id, m.content, m.is_pinned, m.created_at, m.updated_at
		FROM messages m
		JOIN message_tags mt ON mt.message_id = m.id
		JOIN tags t ON t.id = mt.tag_id
		WHERE m.author_id=$1 AND m.is_pinned AND t.name=$2
		ORDER BY m.created_at
	`, userID, tag)
	if err != nil {
		return nil, fmt.Errorf("list pinned messages: %w", err)
	}
	return s.scanMessages(ctx, rows)
}

// CreateMessage inserts the message and its ordered tags in one transaction.
// An empty ID is assigned a fresh UUID.
func (s *PostgresStore) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, workspace_id, author_id, content, is_pinned)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`, m.ID, m.WorkspaceID, m.AuthorID, m.Content, m.IsPinned).Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return replaceTags(ctx, tx, KindMessage, m.ID, m.Tags)
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, messageID, content string, tags []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE messages SET content=$2, updated_at=NOW() WHERE id=$1`, messageID, content)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if err := requireRow(res, "message", messageID); err != nil {
			return err
		}
		return replaceTags(ctx, tx, KindMessage, messageID, tags)
	})
}

func (s *PostgresStore) SetMessagePinned(ctx context.Context, messageID string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_pinned=$2, updated_at=NOW() WHERE id=$1`, messageID, pinned)
	if err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	return requireRow(res, "message", messageID)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

const commentColumns = `id, message_id, parent_id, author_id, content, created_at, updated_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var c Comment
	var parent sql.NullString
	if err := row.Scan(&c.ID, &c.MessageID, &parent, &c.AuthorID, &c.Content, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Comment{}, err
	}
	if parent.Valid {
		c.ParentID = &parent.String
	}
	return c, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	if c.Tags, err = loadTags(ctx, s.db, KindComment, c.ID); err != nil {
		return Comment{}, err
	}
	return c, nil
}

// ListCommentsByMessage returns every comment of the thread, oldest first,
// so parents always precede their replies.
func (s *PostgresStore) ListCommentsByMessage(ctx context.Context, messageID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE message_id=$1 ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	var out []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Tags, err = loadTags(ctx, s.db, KindComment, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) ListChildCommentIDs(ctx context.Context, parentID string) ([]string, error) {
	return s.listIDs(ctx, `SELECT id FROM comments WHERE parent_id=$1 ORDER BY created_at, id`, parentID)
}

func (s *PostgresStore) ListTopLevelCommentIDs(ctx context.Context, messageID string) ([]string, error) {
	return s.listIDs(ctx, `SELECT id FROM comments WHERE message_id=$1 AND parent_id IS NULL ORDER BY created_at, id`, messageID)
}

func (s *PostgresStore) listIDs(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list comment ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan comment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CreateComment(ctx context.Context, c Comment) (Comment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO comments (id, message_id, parent_id, author_id, content)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`, c.ID, c.MessageID, c.ParentID, c.AuthorID, c.Content).Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return replaceTags(ctx, tx, KindComment, c.ID, c.Tags)
	})
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID, content string, tags []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE comments SET content=$2, updated_at=NOW() WHERE id=$1`, commentID, content)
		if err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		if err := requireRow(res, "comment", commentID); err != nil {
			return err
		}
		return replaceTags(ctx, tx, KindComment, commentID, tags)
	})
}

// DeleteComment removes the comment; replies go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMedia(ctx context.Context, kind EntityKind, entityID string) ([]Media, error) {
	column := "message_id"
	if kind == KindComment {
		column = "comment_id"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, object_key, file_name, content_type FROM medias WHERE `+column+`=$1 ORDER BY created_at`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()
	var out []Media
	for rows.Next() {
		var m Media
		if err := rows.Scan(&m.ID, &m.ObjectKey, &m.FileName, &m.ContentType); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetKBDocument(ctx context.Context, datasetID string, kind EntityKind, entityID string) (KBDocument, error) {
	doc := KBDocument{DatasetID: datasetID, EntityKind: kind, EntityID: entityID}
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, synced_at FROM kb_documents
		WHERE dataset_id=$1 AND entity_kind=$2 AND entity_id=$3
	`, datasetID, string(kind), entityID).Scan(&doc.DocumentID, &doc.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return KBDocument{}, ErrNotFound
	}
	if err != nil {
		return KBDocument{}, fmt.Errorf("get kb document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) UpsertKBDocument(ctx context.Context, doc KBDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kb_documents (dataset_id, entity_kind, entity_id, document_id, synced_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (dataset_id, entity_kind, entity_id)
		DO UPDATE SET document_id=EXCLUDED.document_id, synced_at=NOW()
	`, doc.DatasetID, string(doc.EntityKind), doc.EntityID, doc.DocumentID)
	if err != nil {
		return fmt.Errorf("upsert kb document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteKBDocument(ctx context.Context, datasetID string, kind EntityKind, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kb_documents WHERE dataset_id=$1 AND entity_kind=$2 AND entity_id=$3
	`, datasetID, string(kind), entityID)
	if err != nil {
		return fmt.Errorf("delete kb document: %w", err)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func tagTable(kind EntityKind) (table, column string) {
	if kind == KindComment {
		return "comment_tags", "comment_id"
	}
	return "message_tags", "message_id"
}

func loadTags(ctx context.Context, q queryer, kind EntityKind, entityID string) ([]string, error) {
	table, column := tagTable(kind)
	rows, err := q.QueryContext(ctx, `
		SELECT t.name FROM `+table+` et JOIN tags t ON t.id = et.tag_id
		WHERE et.`+column+`=$1 ORDER BY et.position
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

func replaceTags(ctx context.Context, q queryer, kind EntityKind, entityID string, tags []string) error {
	table, column := tagTable(kind)
	if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+`=$1`, entityID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	seen := make(map[string]bool, len(tags))
	position := 0
	for _, name := range tags {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		var tagID string
		if err := q.QueryRowContext(ctx, `
			INSERT INTO tags (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
			RETURNING id
		`, name).Scan(&tagID); err != nil {
			return fmt.Errorf("upsert tag %s: %w", name, err)
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO `+table+` (`+column+`, tag_id, position) VALUES ($1, $2, $3)`, entityID, tagID, position); err != nil {
			return fmt.Errorf("link tag %s: %w", name, err)
		}
		position++
	}
	return nil
}
