package models

import (
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

// Topic scopes a discussion: comments are attached either to a post or to a map.
const (
	ScopePost = "post"
	ScopeMap  = "map"
)

// localIDPrefix marks ids generated on the client for optimistic placeholders.
const localIDPrefix = "local-"

type Topic struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

// Key returns the channel/storage key of the topic, e.g. "post:42".
func (t Topic) Key() string {
	return t.Scope + ":" + t.ID
}

func (t Topic) IsZero() bool {
	return t.Scope == "" && t.ID == ""
}

func ValidScope(scope string) bool {
	return scope == ScopePost || scope == ScopeMap
}

type Author struct {
	ID          string `json:"id" bson:"id"`
	DisplayName string `json:"display_name" bson:"display_name"`
}

type Comment struct {
	ID         string     `json:"id" bson:"_id"`
	Content    string     `json:"content" bson:"content"`
	Author     Author     `json:"author" bson:"author"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	ParentID   string     `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	LikedBy    []string   `json:"liked_by,omitempty" bson:"liked_by,omitempty"`
	DislikedBy []string   `json:"disliked_by,omitempty" bson:"disliked_by,omitempty"`
	Children   []*Comment `json:"children,omitempty" bson:"-"`

	// Client-side state, never sent over the wire or stored.
	Optimistic       bool `json:"-" bson:"-"`
	OriginSuppressed bool `json:"-" bson:"-"`
	Collapsed        bool `json:"-" bson:"-"`
}

// NewLocalID generates a placeholder id for a not-yet-confirmed comment.
// The prefix keeps placeholders distinguishable from server-assigned ids.
func NewLocalID() string {
	return localIDPrefix + uuid.Must(uuid.NewV4()).String()
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Displayable reports whether the node carries the fields a render layer
// needs; malformed nodes are skipped by renderers, not by tree operations.
func (c *Comment) Displayable() bool {
	return c.Author.ID != "" && !c.CreatedAt.IsZero()
}

type Reaction string

const (
	ReactionLike    Reaction = "like"
	ReactionDislike Reaction = "dislike"
)

func (r Reaction) Valid() bool {
	return r == ReactionLike || r == ReactionDislike
}

// ApplyReaction toggles the user's membership in the reaction set and, when
// switching polarity, clears the opposite set in the same step. A user id is
// never present in both sets. The same toggle runs on the client (optimistic
// patch) and on the server (authoritative sets).
func (c *Comment) ApplyReaction(userID string, r Reaction) {
	switch r {
	case ReactionLike:
		if containsID(c.LikedBy, userID) {
			c.LikedBy = removeID(c.LikedBy, userID)
			return
		}
		c.DislikedBy = removeID(c.DislikedBy, userID)
		c.LikedBy = append(c.LikedBy, userID)
	case ReactionDislike:
		if containsID(c.DislikedBy, userID) {
			c.DislikedBy = removeID(c.DislikedBy, userID)
			return
		}
		c.LikedBy = removeID(c.LikedBy, userID)
		c.DislikedBy = append(c.DislikedBy, userID)
	}
}

func (c *Comment) LikedByUser(userID string) bool {
	return containsID(c.LikedBy, userID)
}

func (c *Comment) DislikedByUser(userID string) bool {
	return containsID(c.DislikedBy, userID)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	if !containsID(ids, id) {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
