// Package client implements the HTTP client for the authoritative comments
// service. Every request carries the caller identity and an origin marker so
// the service can stamp broadcast events with the client that caused them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"

	"github.com/nanohit/dah-comments/pkg/models"
)

const requestTimeout = 10 * time.Second

var (
	ErrCommentNotFound = fmt.Errorf("comment not found")
	ErrRejected        = fmt.Errorf("request rejected by comments service")
)

type Client struct {
	baseURL  string
	author   models.Author
	clientID string
	http     *http.Client
}

// New returns a client for the comments service at baseURL. author is the
// acting user's denormalized snapshot stored with every created comment;
// clientID marks this client instance as the origin of its own mutations on
// the push channel.
func New(baseURL string, author models.Author, clientID string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		author:   author,
		clientID: clientID,
		http:     &http.Client{Timeout: requestTimeout},
	}
}

// Author reports the identity the client acts as.
func (c *Client) Author() models.Author {
	return c.author
}

// ClientID reports the origin marker sent with every mutation.
func (c *Client) ClientID() string {
	return c.clientID
}

type createRequest struct {
	Content         string        `json:"content"`
	ParentCommentID string        `json:"parent_comment_id,omitempty"`
	Author          models.Author `json:"author"`
}

type updateRequest struct {
	Content string `json:"content"`
}

// Comments fetches the full comment forest for a topic, ordered by creation
// time ascending.
func (c *Client) Comments(ctx context.Context, topic models.Topic) ([]*models.Comment, error) {
	url := fmt.Sprintf("%s/comments/%s/%s", c.baseURL, topic.Scope, topic.ID)

	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var forest []*models.Comment
	if err := json.NewDecoder(resp.Body).Decode(&forest); err != nil {
		return nil, fmt.Errorf("error decoding comments response: %w", err)
	}

	return forest, nil
}

// Create posts a new comment to a topic, optionally as a reply under
// parentID. The returned comment is flat; children are never included.
func (c *Client) Create(ctx context.Context, topic models.Topic, content, parentID string) (*models.Comment, error) {
	url := fmt.Sprintf("%s/comments/%s/%s", c.baseURL, topic.Scope, topic.ID)

	body, err := json.Marshal(createRequest{Content: content, ParentCommentID: parentID, Author: c.author})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return nil, err
	}

	var comment models.Comment
	if err := json.NewDecoder(resp.Body).Decode(&comment); err != nil {
		return nil, fmt.Errorf("error decoding created comment: %w", err)
	}

	return &comment, nil
}

// Update replaces the content of an existing comment.
func (c *Client) Update(ctx context.Context, commentID, content string) (*models.Comment, error) {
	url := fmt.Sprintf("%s/comments/%s", c.baseURL, commentID)

	body, err := json.Marshal(updateRequest{Content: content})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPatch, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var comment models.Comment
	if err := json.NewDecoder(resp.Body).Decode(&comment); err != nil {
		return nil, fmt.Errorf("error decoding updated comment: %w", err)
	}

	return &comment, nil
}

// Delete removes a comment and its whole subtree.
func (c *Client) Delete(ctx context.Context, commentID string) error {
	url := fmt.Sprintf("%s/comments/%s", c.baseURL, commentID)

	resp, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp, http.StatusNoContent)
}

// React toggles the caller's like or dislike on a comment. The resulting
// reaction sets are computed by the service.
func (c *Client) React(ctx context.Context, commentID string, reaction models.Reaction) error {
	if !reaction.Valid() {
		return fmt.Errorf("unknown reaction %q", reaction)
	}
	url := fmt.Sprintf("%s/comments/%s/%s", c.baseURL, commentID, reaction)

	resp, err := c.do(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp, http.StatusOK)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request %s %s: %w", method, url, err)
	}

	reqID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-Request-Id", reqID.String())
	req.Header.Set("X-User-Id", c.author.ID)
	req.Header.Set("X-Client-Id", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling comments service: %w", err)
	}

	return resp, nil
}

func checkStatus(resp *http.Response, want int) error {
	switch {
	case resp.StatusCode == want:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrCommentNotFound
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("comments service returned status %d", resp.StatusCode)
	}
}
