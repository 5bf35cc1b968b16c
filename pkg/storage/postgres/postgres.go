// Package postgres implements the comment store on PostgreSQL.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/nanohit/dah-comments/pkg/models"
	"github.com/nanohit/dah-comments/pkg/storage"
)

const schema = `
	CREATE TABLE IF NOT EXISTS comments (
		id          TEXT PRIMARY KEY,
		topic_scope TEXT NOT NULL,
		topic_id    TEXT NOT NULL,
		parent_id   TEXT NOT NULL DEFAULT '',
		author_id   TEXT NOT NULL,
		author_name TEXT NOT NULL,
		content     TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		liked_by    TEXT[] NOT NULL DEFAULT '{}',
		disliked_by TEXT[] NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS comments_topic_idx ON comments (topic_scope, topic_id);
`

type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, conStr string) (*Store, error) {
	db, err := pgxpool.Connect(ctx, conStr)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}

	s := Store{
		db: db,
	}

	return &s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close() {
	s.db.Close()
}

// Comments returns the nested comment forest for a topic in creation order
// on every level. A topic without comments yields an empty forest.
func (s *Store) Comments(ctx context.Context, topic models.Topic) ([]*models.Comment, error) {
	if topic.IsZero() {
		return nil, storage.ErrTopicNotProvided
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, parent_id, author_id, author_name, content, created_at, liked_by, disliked_by
		FROM comments
		WHERE topic_scope = $1 AND topic_id = $2
		ORDER BY created_at ASC, id ASC
	`,
		topic.Scope,
		topic.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flat []models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		flat = append(flat, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	commentMap := make(map[string]*models.Comment, len(flat))
	for i := range flat {
		commentMap[flat[i].ID] = &flat[i]
	}

	roots := []*models.Comment{}
	for i := range flat {
		c := &flat[i]
		if c.ParentID == "" {
			roots = append(roots, c)
		} else if parent, ok := commentMap[c.ParentID]; ok {
			parent.Children = append(parent.Children, c)
		}
	}

	return roots, nil
}

// CreateComment inserts a new comment under a topic.
//
// If the comment's ID or CreatedAt are zero values, they are generated here.
// When ParentID is set, the parent comment must exist under the same topic.
// Reaction sets always start out empty.
func (s *Store) CreateComment(ctx context.Context, topic models.Topic, comment models.Comment) (models.Comment, error) {
	if topic.IsZero() {
		return models.Comment{}, storage.ErrTopicNotProvided
	}

	comment, err := storage.FillServerFields(comment)
	if err != nil {
		return models.Comment{}, err
	}

	if comment.ParentID != "" {
		var one int
		err := s.db.QueryRow(ctx, `
			SELECT 1 FROM comments
			WHERE id = $1 AND topic_scope = $2 AND topic_id = $3
		`,
			comment.ParentID,
			topic.Scope,
			topic.ID,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Comment{}, storage.ErrParentCommentNotFound
		}
		if err != nil {
			return models.Comment{}, err
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO comments (id, topic_scope, topic_id, parent_id, author_id, author_name, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		comment.ID,
		topic.Scope,
		topic.ID,
		comment.ParentID,
		comment.Author.ID,
		comment.Author.DisplayName,
		comment.Content,
		comment.CreatedAt,
	)
	if err != nil {
		return models.Comment{}, err
	}

	comment.LikedBy = nil
	comment.DislikedBy = nil

	return comment, nil
}

// UpdateComment replaces the content of an existing comment.
func (s *Store) UpdateComment(ctx context.Context, commentID, content string) (models.Comment, models.Topic, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE comments
		SET content = $2
		WHERE id = $1
		RETURNING id, parent_id, author_id, author_name, content, created_at, liked_by, disliked_by, topic_scope, topic_id
	`,
		commentID,
		content,
	)

	comment, topic, err := scanCommentTopic(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
	}
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	return comment, topic, nil
}

// DeleteComment removes a comment and every descendant in a single recursive
// statement, returning the removed comment itself.
func (s *Store) DeleteComment(ctx context.Context, commentID string) (models.Comment, models.Topic, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, parent_id, author_id, author_name, content, created_at, liked_by, disliked_by, topic_scope, topic_id
		FROM comments
		WHERE id = $1
	`,
		commentID,
	)

	comment, topic, err := scanCommentTopic(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
	}
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	_, err = s.db.Exec(ctx, `
		WITH RECURSIVE t AS (
			SELECT id FROM comments WHERE id = $1
			UNION ALL
			SELECT c.id FROM comments c JOIN t ON c.parent_id = t.id
		)
		DELETE FROM comments
		WHERE id IN (SELECT id FROM t)
	`,
		commentID,
	)
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	return comment, topic, nil
}

// ApplyReaction toggles a like or dislike by userID on a comment. The row is
// locked for the read-modify-write so concurrent toggles cannot drop each
// other's updates.
func (s *Store) ApplyReaction(ctx context.Context, commentID, userID string, reaction models.Reaction) (models.Comment, models.Topic, error) {
	if !reaction.Valid() {
		return models.Comment{}, models.Topic{}, storage.ErrUnknownReaction
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, parent_id, author_id, author_name, content, created_at, liked_by, disliked_by, topic_scope, topic_id
		FROM comments
		WHERE id = $1
		FOR UPDATE
	`,
		commentID,
	)

	comment, topic, err := scanCommentTopic(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
	}
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	comment.ApplyReaction(userID, reaction)

	_, err = tx.Exec(ctx, `
		UPDATE comments
		SET liked_by = $2, disliked_by = $3
		WHERE id = $1
	`,
		commentID,
		emptyIfNil(comment.LikedBy),
		emptyIfNil(comment.DislikedBy),
	)
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	return comment, topic, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanComment(row scannable) (models.Comment, error) {
	var c models.Comment
	err := row.Scan(
		&c.ID,
		&c.ParentID,
		&c.Author.ID,
		&c.Author.DisplayName,
		&c.Content,
		&c.CreatedAt,
		&c.LikedBy,
		&c.DislikedBy,
	)
	if err != nil {
		return models.Comment{}, err
	}

	c.CreatedAt = c.CreatedAt.UTC()
	if len(c.LikedBy) == 0 {
		c.LikedBy = nil
	}
	if len(c.DislikedBy) == 0 {
		c.DislikedBy = nil
	}

	return c, nil
}

func scanCommentTopic(row scannable) (models.Comment, models.Topic, error) {
	var (
		c     models.Comment
		topic models.Topic
	)
	err := row.Scan(
		&c.ID,
		&c.ParentID,
		&c.Author.ID,
		&c.Author.DisplayName,
		&c.Content,
		&c.CreatedAt,
		&c.LikedBy,
		&c.DislikedBy,
		&topic.Scope,
		&topic.ID,
	)
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	c.CreatedAt = c.CreatedAt.UTC()
	if len(c.LikedBy) == 0 {
		c.LikedBy = nil
	}
	if len(c.DislikedBy) == 0 {
		c.DislikedBy = nil
	}

	return c, topic, nil
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
