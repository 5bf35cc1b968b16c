// Package storage defines the comment store contract shared by every backend.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"

	"github.com/nanohit/dah-comments/pkg/models"
)

// MaxContentLength is the longest comment body a store accepts, in bytes
// after trimming surrounding whitespace.
const MaxContentLength = 2000

var (
	ErrConnectDB       = fmt.Errorf("unable to establish DB connection")
	ErrDBNotResponding = fmt.Errorf("DB not responding")

	ErrTopicNotProvided      = fmt.Errorf("topic not provided")
	ErrCommentNotFound       = fmt.Errorf("comment not found")
	ErrParentCommentNotFound = fmt.Errorf("parent comment not found")
	ErrEmptyContent          = fmt.Errorf("comment content is empty")
	ErrContentTooLong        = fmt.Errorf("comment content exceeds %d bytes", MaxContentLength)
	ErrUnknownReaction       = fmt.Errorf("unknown reaction")
)

// Storage is implemented by every comment store backend.
//
// Comments and CreateComment address comments through their topic. The
// remaining operations address a comment by ID alone and return the topic it
// belongs to, so callers can route change notifications without a second
// lookup. Backends return ErrCommentNotFound when the ID does not exist.
type Storage interface {
	// Comments returns the comment forest of a topic in creation order on
	// every level, with replies attached to their parents.
	Comments(ctx context.Context, topic models.Topic) ([]*models.Comment, error)

	// CreateComment stores a new comment under a topic and returns it with
	// the server-assigned ID and timestamp filled in. If the comment names
	// a ParentID, the parent must already exist under the same topic.
	CreateComment(ctx context.Context, topic models.Topic, comment models.Comment) (models.Comment, error)

	// UpdateComment replaces the content of an existing comment.
	UpdateComment(ctx context.Context, commentID, content string) (models.Comment, models.Topic, error)

	// DeleteComment removes a comment together with its whole subtree and
	// returns the removed comment itself.
	DeleteComment(ctx context.Context, commentID string) (models.Comment, models.Topic, error)

	// ApplyReaction toggles a like or dislike by userID on a comment and
	// returns the updated comment.
	ApplyReaction(ctx context.Context, commentID, userID string, reaction models.Reaction) (models.Comment, models.Topic, error)
}

// ValidateContent reports whether a comment body is storable.
func ValidateContent(content string) error {
	t := strings.TrimSpace(content)
	if t == "" {
		return ErrEmptyContent
	}
	if len(t) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// ValidateComment normalizes a comment before insertion: the content is
// trimmed and checked, and a missing author display name falls back to the
// author ID so stored documents never render blank.
func ValidateComment(comment models.Comment) (models.Comment, error) {
	comment.Content = strings.TrimSpace(comment.Content)
	if err := ValidateContent(comment.Content); err != nil {
		return models.Comment{}, err
	}
	if comment.Author.DisplayName == "" {
		comment.Author.DisplayName = comment.Author.ID
	}
	return comment, nil
}

// FillServerFields assigns the server-owned fields of a new comment. A zero
// ID or CreatedAt is generated here; preset values are kept, which tests rely
// on. Children never enter a store.
func FillServerFields(comment models.Comment) (models.Comment, error) {
	if comment.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return models.Comment{}, err
		}
		comment.ID = id.String()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	comment.Children = nil
	return comment, nil
}
