// Package memdb provides an in-memory comment store for development and tests.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/nanohit/dah-comments/pkg/models"
	"github.com/nanohit/dah-comments/pkg/storage"
)

type record struct {
	topic   models.Topic
	comment models.Comment
}

type Store struct {
	mu   sync.Mutex
	byID map[string]record
}

func New() *Store {
	db := Store{
		byID: make(map[string]record),
	}

	return &db
}

// Comments returns the nested comment forest for a topic in creation order
// on every level. An unknown topic yields an empty forest, not an error.
func (db *Store) Comments(ctx context.Context, topic models.Topic) ([]*models.Comment, error) {
	_ = ctx

	if topic.IsZero() {
		return nil, storage.ErrTopicNotProvided
	}

	db.mu.Lock()
	var flat []models.Comment
	for _, rec := range db.byID {
		if rec.topic == topic {
			flat = append(flat, rec.comment)
		}
	}
	db.mu.Unlock()

	sort.Slice(flat, func(i, j int) bool {
		if !flat[i].CreatedAt.Equal(flat[j].CreatedAt) {
			return flat[i].CreatedAt.Before(flat[j].CreatedAt)
		}
		return flat[i].ID < flat[j].ID
	})

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

// CreateComment stores a new comment under a topic. A zero ID or CreatedAt is
// assigned here; a ParentID, when set, must reference an existing comment in
// the same topic.
func (db *Store) CreateComment(ctx context.Context, topic models.Topic, comment models.Comment) (models.Comment, error) {
	_ = ctx

	if topic.IsZero() {
		return models.Comment{}, storage.ErrTopicNotProvided
	}

	comment, err := storage.FillServerFields(comment)
	if err != nil {
		return models.Comment{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if comment.ParentID != "" {
		parent, ok := db.byID[comment.ParentID]
		if !ok || parent.topic != topic {
			return models.Comment{}, storage.ErrParentCommentNotFound
		}
	}

	db.byID[comment.ID] = record{topic: topic, comment: comment}

	return comment, nil
}

// UpdateComment replaces the content of an existing comment.
func (db *Store) UpdateComment(ctx context.Context, commentID, content string) (models.Comment, models.Topic, error) {
	_ = ctx

	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.byID[commentID]
	if !ok {
		return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
	}

	rec.comment.Content = content
	db.byID[commentID] = rec

	return rec.comment, rec.topic, nil
}

// DeleteComment removes a comment and every descendant, returning the removed
// comment itself.
func (db *Store) DeleteComment(ctx context.Context, commentID string) (models.Comment, models.Topic, error) {
	_ = ctx

	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.byID[commentID]
	if !ok {
		return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
	}

	children := make(map[string][]string)
	for id, r := range db.byID {
		if r.topic == rec.topic && r.comment.ParentID != "" {
			children[r.comment.ParentID] = append(children[r.comment.ParentID], id)
		}
	}

	stack := []string{commentID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		delete(db.byID, id)
		stack = append(stack, children[id]...)
	}

	return rec.comment, rec.topic, nil
}

// ApplyReaction toggles a like or dislike by userID on a comment.
func (db *Store) ApplyReaction(ctx context.Context, commentID, userID string, reaction models.Reaction) (models.Comment, models.Topic, error) {
	_ = ctx

	if !reaction.Valid() {
		return models.Comment{}, models.Topic{}, storage.ErrUnknownReaction
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.byID[commentID]
	if !ok {
		return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
	}

	rec.comment.ApplyReaction(userID, reaction)
	db.byID[commentID] = rec

	return rec.comment, rec.topic, nil
}
