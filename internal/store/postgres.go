package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const commentColumns = `
	id, document_id, document_created_at, author_id, author_name, content,
	parent_id, status, anchor_start, anchor_end, anchor_text, anchor_prefix,
	anchor_suffix, anchor_valid, COALESCE(anchor_status, ''), created_at, updated_at
`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	var parentID sql.NullString
	var anchorStart, anchorEnd sql.NullInt64
	var anchorText, anchorPrefix, anchorSuffix sql.NullString
	var anchorValid bool
	var anchorStatus string
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.DocumentCreatedAt,
		&item.AuthorID,
		&item.AuthorName,
		&item.Content,
		&parentID,
		&item.Status,
		&anchorStart,
		&anchorEnd,
		&anchorText,
		&anchorPrefix,
		&anchorSuffix,
		&anchorValid,
		&anchorStatus,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	if anchorStart.Valid {
		item.Anchor = &Anchor{
			Start:  int(anchorStart.Int64),
			End:    int(anchorEnd.Int64),
			Text:   anchorText.String,
			Prefix: anchorPrefix.String,
			Suffix: anchorSuffix.String,
			Valid:  anchorValid,
			Status: anchorStatus,
		}
	}
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	var anchorStart, anchorEnd sql.NullInt64
	var anchorText, anchorPrefix, anchorSuffix, anchorStatus sql.NullString
	anchorValid := false
	if comment.Anchor != nil {
		anchorStart = sql.NullInt64{Int64: int64(comment.Anchor.Start), Valid: true}
		anchorEnd = sql.NullInt64{Int64: int64(comment.Anchor.End), Valid: true}
		anchorText = sql.NullString{String: comment.Anchor.Text, Valid: true}
		anchorPrefix = sql.NullString{String: comment.Anchor.Prefix, Valid: true}
		anchorSuffix = sql.NullString{String: comment.Anchor.Suffix, Valid: true}
		anchorStatus = sql.NullString{String: comment.Anchor.Status, Valid: comment.Anchor.Status != ""}
		anchorValid = comment.Anchor.Valid
	}
	var parentID sql.NullString
	if comment.ParentID != nil {
		parentID = sql.NullString{String: *comment.ParentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (
			id, document_id, document_created_at, author_id, author_name, content,
			parent_id, status, anchor_start, anchor_end, anchor_text, anchor_prefix,
			anchor_suffix, anchor_valid, anchor_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		comment.ID, comment.DocumentID, comment.DocumentCreatedAt,
		comment.AuthorID, comment.AuthorName, comment.Content,
		parentID, comment.Status,
		anchorStart, anchorEnd, anchorText, anchorPrefix, anchorSuffix,
		anchorValid, anchorStatus,
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, key DocumentKey, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1 AND document_created_at=$2 AND id=$3
	`, key.ID, key.CreatedAt, commentID)
	return scanComment(row)
}

func (s *PostgresStore) ListComments(ctx context.Context, key DocumentKey) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1 AND document_created_at=$2
		ORDER BY created_at ASC, id ASC
	`, key.ID, key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAnchoredComments(ctx context.Context, key DocumentKey) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1 AND document_created_at=$2 AND anchor_start IS NOT NULL
		ORDER BY anchor_start ASC, id ASC
	`, key.ID, key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("list anchored comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchored comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchored comments: %w", err)
	}
	return items, nil
}

// UpdateCommentContent edits a comment body. Author-only and pending-only by
// precondition; a zero-row update means the comment moved on underneath the
// caller.
func (s *PostgresStore) UpdateCommentContent(ctx context.Context, key DocumentKey, commentID, authorID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET content=$5, updated_at=NOW()
		WHERE document_id=$1 AND document_created_at=$2 AND id=$3
		  AND author_id=$4 AND status='pending'
	`, key.ID, key.CreatedAt, commentID, authorID, content)
	if err != nil {
		return false, fmt.Errorf("update comment content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment content rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, key DocumentKey, commentID, authorID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM comments
		WHERE document_id=$1 AND document_created_at=$2 AND id=$3
		  AND author_id=$4 AND status='pending'
	`, key.ID, key.CreatedAt, commentID, authorID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateCommentStatus applies a lifecycle transition. The expected current
// status is asserted in the WHERE clause so racing moderators cannot corrupt
// the state machine: the loser simply matches zero rows.
func (s *PostgresStore) UpdateCommentStatus(ctx context.Context, key DocumentKey, commentID, fromStatus, toStatus string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status=$5, updated_at=NOW()
		WHERE document_id=$1 AND document_created_at=$2 AND id=$3 AND status=$4
	`, key.ID, key.CreatedAt, commentID, fromStatus, toStatus)
	if err != nil {
		return false, fmt.Errorf("update comment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateAnchorStatus(ctx context.Context, key DocumentKey, commentID, anchorStatus string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET anchor_status=$4, updated_at=NOW()
		WHERE document_id=$1 AND document_created_at=$2 AND id=$3
		  AND anchor_start IS NOT NULL
	`, key.ID, key.CreatedAt, commentID, anchorStatus)
	if err != nil {
		return false, fmt.Errorf("update anchor status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update anchor status rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateAnchorPosition persists a relocation outcome. Capture fields are
// never touched here, only offsets and validity.
func (s *PostgresStore) UpdateAnchorPosition(ctx context.Context, key DocumentKey, commentID string, start, end int, valid bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET anchor_start=$4, anchor_end=$5, anchor_valid=$6
		WHERE document_id=$1 AND document_created_at=$2 AND id=$3
		  AND anchor_start IS NOT NULL
	`, key.ID, key.CreatedAt, commentID, start, end, valid)
	if err != nil {
		return fmt.Errorf("update anchor position: %w", err)
	}
	return nil
}

// BulkResolveComments transitions the approved subset of the given ids to
// resolved in a single statement and reports which ids actually moved.
// Ids that are missing or not currently approved are skipped, not errors.
func (s *PostgresStore) BulkResolveComments(ctx context.Context, key DocumentKey, commentIDs []string) ([]string, error) {
	if len(commentIDs) == 0 {
		return []string{}, nil
	}

	args := []any{key.ID, key.CreatedAt}
	placeholders := make([]string, 0, len(commentIDs))
	for _, id := range commentIDs {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE comments
		SET status='resolved', updated_at=NOW()
		WHERE document_id=$1 AND document_created_at=$2
		  AND status='approved'
		  AND id IN (`+strings.Join(placeholders, ", ")+`)
		RETURNING id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk resolve comments: %w", err)
	}
	defer rows.Close()

	resolved := make([]string, 0, len(commentIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resolved id: %w", err)
		}
		resolved = append(resolved, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolved ids: %w", err)
	}
	return resolved, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, created_at, title, content, owner_id, owner_name, commenting_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.CreatedAt, item.Title, item.Content, item.OwnerID, item.OwnerName, item.CommentingEnabled)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, key DocumentKey) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, title, content, owner_id, owner_name, commenting_enabled, updated_at
		FROM documents
		WHERE id=$1 AND created_at=$2
	`, key.ID, key.CreatedAt).Scan(
		&item.ID,
		&item.CreatedAt,
		&item.Title,
		&item.Content,
		&item.OwnerID,
		&item.OwnerName,
		&item.CommentingEnabled,
		&item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, key DocumentKey, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content=$3, updated_at=NOW()
		WHERE id=$1 AND created_at=$2
	`, key.ID, key.CreatedAt, content)
	if err != nil {
		return false, fmt.Errorf("update document content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document content rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, title, content, owner_id, owner_name, commenting_enabled, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(
			&item.ID,
			&item.CreatedAt,
			&item.Title,
			&item.Content,
			&item.OwnerID,
			&item.OwnerName,
			&item.CommentingEnabled,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
