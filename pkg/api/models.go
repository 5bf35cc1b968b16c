package api

import "github.com/nanohit/dah-comments/pkg/models"

// CreateCommentRequest is the body of POST /comments/{scope}/{topicId}.
type CreateCommentRequest struct {
	Content         string        `json:"content"`
	ParentCommentID string        `json:"parent_comment_id,omitempty"`
	Author          models.Author `json:"author"`
}

// UpdateCommentRequest is the body of PATCH /comments/{id}.
type UpdateCommentRequest struct {
	Content string `json:"content"`
}
