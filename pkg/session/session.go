// Package session drives one topic's comment forest through optimistic
// mutations. Every user intent applies to the in-memory forest first and is
// confirmed against the comments service in the background; failures roll the
// forest back or re-fetch it. Inbound push events land on the same forest
// after de-duplication against locally-originated entries.
//
// All forest access is serialized by one mutex. Background confirmations and
// push events re-acquire it, so handlers never interleave mid-operation; the
// remaining race between an in-flight action and an external event about the
// same comment is resolved by the generation check and the de-duplication
// rules, not by holding locks across I/O.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nanohit/dah-comments/pkg/client"
	"github.com/nanohit/dah-comments/pkg/forest"
	"github.com/nanohit/dah-comments/pkg/live"
	"github.com/nanohit/dah-comments/pkg/models"
)

var (
	ErrClosed         = fmt.Errorf("session is closed")
	ErrNoTopic        = fmt.Errorf("no topic loaded")
	ErrEmptyContent   = fmt.Errorf("content is empty")
	ErrActionInFlight = fmt.Errorf("same action already in flight")
	ErrUnknownComment = fmt.Errorf("comment not present in forest")
	ErrNotConfirmed   = fmt.Errorf("comment not confirmed yet")
	ErrForestMismatch = fmt.Errorf("fetched forest references missing parents")
)

// API is the slice of the comments service the session depends on.
type API interface {
	Comments(ctx context.Context, topic models.Topic) ([]*models.Comment, error)
	Create(ctx context.Context, topic models.Topic, content, parentID string) (*models.Comment, error)
	Update(ctx context.Context, commentID, content string) (*models.Comment, error)
	Delete(ctx context.Context, commentID string) error
	React(ctx context.Context, commentID string, reaction models.Reaction) error
}

// Notice is a transient, user-facing failure report. Nothing here is fatal;
// the forest self-heals on the next fetch or event.
type Notice struct {
	Message string
	Err     error
}

type Settings struct {
	RequestTimeout time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		RequestTimeout: 10 * time.Second,
	}
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      API
	author   models.Author
	clientID string
	settings *Settings

	mu       sync.Mutex
	topic    models.Topic
	forest   []*models.Comment
	epoch    uint64
	inflight map[string]bool
	onChange func()
	onNotice func(Notice)
	closed   bool
}

// New returns a session acting as author. clientID must match the origin
// marker the REST client sends, so that echoes of this client's own actions
// can be recognized on the push channel.
func New(api API, author models.Author, clientID string, settings *Settings) *Session {
	if settings == nil {
		settings = DefaultSettings()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		ctx:      ctx,
		cancel:   cancel,
		api:      api,
		author:   author,
		clientID: clientID,
		settings: settings,
		inflight: make(map[string]bool),
	}
}

// OnChange registers fn to run after every forest change. fn is called
// without the session lock held; use View and Count to read the new state.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// OnNotice registers fn for transient failure reports.
func (s *Session) OnNotice(fn func(Notice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotice = fn
}

// Load fetches the forest for topic and makes it the active one. Switching
// topics discards the previous forest and invalidates every response still
// in flight for it. Re-loading the active topic keeps the current forest
// when the fetch fails.
func (s *Session) Load(ctx context.Context, topic models.Topic) error {
	if !models.ValidScope(topic.Scope) || topic.ID == "" {
		return fmt.Errorf("invalid topic %q", topic.Key())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.epoch++
	e := s.epoch
	switched := s.topic != topic
	s.topic = topic
	if switched {
		s.forest = nil
		s.inflight = make(map[string]bool)
	}
	s.mu.Unlock()

	fetched, err := s.api.Comments(ctx, topic)
	if err != nil {
		return fmt.Errorf("error loading comments for %s: %w", topic.Key(), err)
	}
	if err := validateForest(fetched); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.epoch != e {
		s.mu.Unlock()
		return nil
	}
	s.forest = fetched
	s.mu.Unlock()

	s.notifyChange()
	return nil
}

// Close invalidates all in-flight work and detaches the session. Safe to
// call more than once.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.epoch++
	s.forest = nil
}

// View returns the display projection of the forest: newest first at every
// level. Callers must treat the result as read-only.
func (s *Session) View() []*models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	return forest.Sorted(s.forest)
}

// Count reports the total number of comments at every level.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return forest.Count(s.forest)
}

// Topic reports the active topic.
func (s *Session) Topic() models.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.topic
}

// Submit posts a new top-level comment. The forest shows an optimistic
// placeholder immediately; confirmation swaps it for the stored comment,
// failure removes it again.
func (s *Session) Submit(content string) error {
	return s.submit(content, "")
}

// Reply posts a comment under parentID. The parent is expanded in the same
// action so the new entry is visible at once. Confirmation re-fetches the
// whole forest instead of merging the stored reply in place.
func (s *Session) Reply(parentID, content string) error {
	if parentID == "" {
		return ErrUnknownComment
	}
	return s.submit(content, parentID)
}

func (s *Session) submit(content, parentID string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}

	key := "create|" + s.author.ID + "|" + content + "|" + parentID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.topic.IsZero() {
		s.mu.Unlock()
		return ErrNoTopic
	}
	if s.inflight[key] {
		s.mu.Unlock()
		return ErrActionInFlight
	}
	if parentID != "" && forest.Find(s.forest, parentID) == nil {
		s.mu.Unlock()
		return ErrUnknownComment
	}

	placeholder := &models.Comment{
		ID:               models.NewLocalID(),
		Content:          content,
		Author:           s.author,
		CreatedAt:        time.Now(),
		ParentID:         parentID,
		Optimistic:       true,
		OriginSuppressed: true,
	}

	if parentID != "" {
		s.forest = forest.Patch(s.forest, parentID, func(c *models.Comment) {
			c.Collapsed = false
		})
	}
	s.forest = forest.Insert(s.forest, parentID, placeholder, true)
	s.inflight[key] = true
	e := s.epoch
	topic := s.topic
	s.mu.Unlock()

	s.notifyChange()

	go s.confirmCreate(e, topic, key, placeholder.ID, content, parentID)
	return nil
}

func (s *Session) confirmCreate(e uint64, topic models.Topic, key, placeholderID, content, parentID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.RequestTimeout)
	defer cancel()

	confirmed, err := s.api.Create(ctx, topic, content, parentID)

	s.mu.Lock()
	delete(s.inflight, key)
	if s.closed || s.epoch != e {
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.forest = forest.Remove(s.forest, placeholderID)
		s.mu.Unlock()
		log.Errorf("[session][topic:%s] create failed: %v", topic.Key(), err)
		s.notifyChange()
		s.notify(Notice{Message: "couldn't post comment", Err: err})
		return
	}

	if parentID != "" {
		// Nested replies pick up server-assigned structure; merging that in
		// place is not worth it, a full refresh is.
		s.mu.Unlock()
		s.refetch(e, topic, "couldn't refresh comments")
		return
	}

	confirmed.Optimistic = false
	confirmed.OriginSuppressed = true
	s.forest = forest.Replace(s.forest, placeholderID, confirmed)
	s.mu.Unlock()

	s.notifyChange()
}

// Edit replaces a comment's content locally and confirms it with the
// service. A failed confirmation re-fetches the forest; no before-value is
// cached for rollback.
func (s *Session) Edit(commentID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	if models.IsLocalID(commentID) {
		return ErrNotConfirmed
	}

	key := "edit|" + commentID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.topic.IsZero() {
		s.mu.Unlock()
		return ErrNoTopic
	}
	if s.inflight[key] {
		s.mu.Unlock()
		return ErrActionInFlight
	}
	if forest.Find(s.forest, commentID) == nil {
		s.mu.Unlock()
		return ErrUnknownComment
	}

	s.forest = forest.Patch(s.forest, commentID, func(c *models.Comment) {
		c.Content = content
	})
	s.inflight[key] = true
	e := s.epoch
	topic := s.topic
	s.mu.Unlock()

	s.notifyChange()

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.settings.RequestTimeout)
		defer cancel()

		_, err := s.api.Update(ctx, commentID, content)

		s.mu.Lock()
		delete(s.inflight, key)
		stale := s.closed || s.epoch != e
		s.mu.Unlock()
		if stale {
			return
		}

		if err != nil {
			log.Errorf("[session][topic:%s] update %s failed: %v", topic.Key(), commentID, err)
			s.notify(Notice{Message: "couldn't save changes", Err: err})
			s.refetch(e, topic, "couldn't refresh comments")
		}
	}()
	return nil
}

// Delete removes a comment and its subtree locally and confirms it with the
// service. A failed confirmation re-fetches the forest; no undo copy is
// kept. A comment already gone on the service counts as deleted.
func (s *Session) Delete(commentID string) error {
	if models.IsLocalID(commentID) {
		return ErrNotConfirmed
	}

	key := "delete|" + commentID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.topic.IsZero() {
		s.mu.Unlock()
		return ErrNoTopic
	}
	if s.inflight[key] {
		s.mu.Unlock()
		return ErrActionInFlight
	}
	if forest.Find(s.forest, commentID) == nil {
		s.mu.Unlock()
		return ErrUnknownComment
	}

	s.forest = forest.Remove(s.forest, commentID)
	s.inflight[key] = true
	e := s.epoch
	topic := s.topic
	s.mu.Unlock()

	s.notifyChange()

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.settings.RequestTimeout)
		defer cancel()

		err := s.api.Delete(ctx, commentID)

		s.mu.Lock()
		delete(s.inflight, key)
		stale := s.closed || s.epoch != e
		s.mu.Unlock()
		if stale {
			return
		}

		if err != nil && !isNotFound(err) {
			log.Errorf("[session][topic:%s] delete %s failed: %v", topic.Key(), commentID, err)
			s.notify(Notice{Message: "couldn't delete comment", Err: err})
			s.refetch(e, topic, "couldn't refresh comments")
		}
	}()
	return nil
}

// Like toggles the session author's like on a comment.
func (s *Session) Like(commentID string) error {
	return s.react(commentID, models.ReactionLike)
}

// Dislike toggles the session author's dislike on a comment.
func (s *Session) Dislike(commentID string) error {
	return s.react(commentID, models.ReactionDislike)
}

func (s *Session) react(commentID string, reaction models.Reaction) error {
	if models.IsLocalID(commentID) {
		return ErrNotConfirmed
	}

	key := "react|" + commentID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.topic.IsZero() {
		s.mu.Unlock()
		return ErrNoTopic
	}
	if s.inflight[key] {
		s.mu.Unlock()
		return ErrActionInFlight
	}
	if forest.Find(s.forest, commentID) == nil {
		s.mu.Unlock()
		return ErrUnknownComment
	}

	s.forest = forest.Patch(s.forest, commentID, func(c *models.Comment) {
		c.ApplyReaction(s.author.ID, reaction)
	})
	s.inflight[key] = true
	e := s.epoch
	topic := s.topic
	s.mu.Unlock()

	s.notifyChange()

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.settings.RequestTimeout)
		defer cancel()

		err := s.api.React(ctx, commentID, reaction)

		s.mu.Lock()
		delete(s.inflight, key)
		stale := s.closed || s.epoch != e
		s.mu.Unlock()
		if stale {
			return
		}

		if err != nil {
			log.Errorf("[session][topic:%s] %s on %s failed: %v", topic.Key(), reaction, commentID, err)
			s.notify(Notice{Message: "couldn't apply reaction", Err: err})
			s.refetch(e, topic, "couldn't refresh comments")
		}
	}()
	return nil
}

// ToggleCollapse flips a comment's collapse flag. Purely local; collapse
// state is never sent anywhere and resets on the next full fetch.
func (s *Session) ToggleCollapse(commentID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.forest = forest.Patch(s.forest, commentID, func(c *models.Comment) {
		c.Collapsed = !c.Collapsed
	})
	s.mu.Unlock()

	s.notifyChange()
}

// HandleLiveEvent applies one push-channel event to the forest. Safe to wire
// directly as the live.Subscription handler.
func (s *Session) HandleLiveEvent(e live.Event) {
	switch ev := e.(type) {
	case live.CreatedEvent:
		s.handleCreated(ev)
	case live.UpdatedEvent:
		s.handleUpdated(ev)
	case live.DeletedEvent:
		s.handleDeleted(ev)
	case live.ReconnectedEvent:
		log.Debugf("[session] live channel reconnected")
	}
}

func (s *Session) handleCreated(ev live.CreatedEvent) {
	s.mu.Lock()
	if s.closed || !s.matchesTopic(ev.Topic) {
		s.mu.Unlock()
		return
	}
	// Our own action echoed back is marked with this client's origin.
	if ev.Origin != "" && ev.Origin == s.clientID {
		s.mu.Unlock()
		return
	}

	incoming := ev.Comment
	parentID := ev.ParentID
	if parentID == "" {
		parentID = incoming.ParentID
	}

	// A locally-originated entry with the same signature means this event
	// is an echo, not news.
	echo := forest.FindFunc(s.forest, func(c *models.Comment) bool {
		if c.Author.ID != incoming.Author.ID || c.Content != incoming.Content || c.ParentID != parentID {
			return false
		}
		return c.Optimistic || c.OriginSuppressed || c.ID == incoming.ID
	})
	if echo != nil {
		s.mu.Unlock()
		return
	}

	node := *incoming
	node.ParentID = parentID
	node.Optimistic = false
	s.forest = forest.Insert(s.forest, parentID, &node, true)
	s.mu.Unlock()

	s.notifyChange()
}

func (s *Session) handleUpdated(ev live.UpdatedEvent) {
	s.mu.Lock()
	if s.closed || !s.matchesTopic(ev.Topic) {
		s.mu.Unlock()
		return
	}
	// Content only; identity, author and timestamps never travel this path.
	s.forest = forest.Patch(s.forest, ev.CommentID, func(c *models.Comment) {
		c.Content = ev.Content
	})
	s.mu.Unlock()

	s.notifyChange()
}

func (s *Session) handleDeleted(ev live.DeletedEvent) {
	s.mu.Lock()
	if s.closed || !s.matchesTopic(ev.Topic) {
		s.mu.Unlock()
		return
	}
	s.forest = forest.Remove(s.forest, ev.CommentID)
	s.mu.Unlock()

	s.notifyChange()
}

func (s *Session) matchesTopic(topic string) bool {
	return topic == "" || topic == s.topic.Key()
}

// refetch replaces the whole forest from the service unless the generation
// moved on meanwhile. Used after reply confirmation and after failed
// edit/delete/react confirmations.
func (s *Session) refetch(e uint64, topic models.Topic, noticeMsg string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.RequestTimeout)
	defer cancel()

	fetched, err := s.api.Comments(ctx, topic)
	if err == nil {
		err = validateForest(fetched)
	}
	if err != nil {
		log.Errorf("[session][topic:%s] refetch failed: %v", topic.Key(), err)
		s.notify(Notice{Message: noticeMsg, Err: err})
		return
	}

	s.mu.Lock()
	if s.closed || s.epoch != e {
		s.mu.Unlock()
		return
	}
	s.forest = fetched
	s.mu.Unlock()

	s.notifyChange()
}

func (s *Session) notifyChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) notify(n Notice) {
	s.mu.Lock()
	fn := s.onNotice
	s.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// isNotFound recognizes a delete that raced another client's delete. The
// comment is gone either way, so the local removal stands.
func isNotFound(err error) bool {
	return errors.Is(err, client.ErrCommentNotFound)
}

// validateForest checks that every node sits under the parent its parentID
// names and that roots claim no parent. A mismatch means the fetch saw an
// inconsistent snapshot; the caller keeps its previous forest.
func validateForest(f []*models.Comment) error {
	for _, root := range f {
		if root.ParentID != "" {
			return fmt.Errorf("%w: %s names parent %s", ErrForestMismatch, root.ID, root.ParentID)
		}
		if err := validateChildren(root); err != nil {
			return err
		}
	}
	return nil
}

func validateChildren(parent *models.Comment) error {
	for _, child := range parent.Children {
		if child.ParentID != parent.ID {
			return fmt.Errorf("%w: %s names parent %s, sits under %s", ErrForestMismatch, child.ID, child.ParentID, parent.ID)
		}
		if err := validateChildren(child); err != nil {
			return err
		}
	}
	return nil
}
