package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nanohit/dah-comments/pkg/client"
	"github.com/nanohit/dah-comments/pkg/forest"
	"github.com/nanohit/dah-comments/pkg/live"
	"github.com/nanohit/dah-comments/pkg/models"
)

var (
	topicA = models.Topic{Scope: models.ScopePost, ID: "42"}
	topicB = models.Topic{Scope: models.ScopeMap, ID: "7"}
)

type fakeAPI struct {
	mu sync.Mutex

	comments    []*models.Comment
	commentsErr error

	createResp *models.Comment
	createErr  error
	// createGate, when set, holds Create until the channel is closed.
	createGate chan struct{}

	updateErr error
	deleteErr error
	reactErr  error

	commentsCalls int
	createCalls   int
	updateCalls   int
	deleteCalls   int
	reactCalls    int
}

func (f *fakeAPI) Comments(ctx context.Context, topic models.Topic) ([]*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentsCalls++
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}

	return f.comments, nil
}

func (f *fakeAPI) Create(ctx context.Context, topic models.Topic, content, parentID string) (*models.Comment, error) {
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createResp != nil {
		return f.createResp, nil
	}

	return &models.Comment{
		ID:        "srv-generated",
		Content:   content,
		Author:    models.Author{ID: "u1", DisplayName: "Me"},
		CreatedAt: time.Now(),
		ParentID:  parentID,
	}, nil
}

func (f *fakeAPI) Update(ctx context.Context, commentID, content string) (*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}

	return &models.Comment{ID: commentID, Content: content}, nil
}

func (f *fakeAPI) Delete(ctx context.Context, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++

	return f.deleteErr
}

func (f *fakeAPI) React(ctx context.Context, commentID string, reaction models.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactCalls++

	return f.reactErr
}

func (f *fakeAPI) setComments(c []*models.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = c
}

func (f *fakeAPI) commentsCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.commentsCalls
}

func srvComment(id, content, authorID, parentID string, at time.Time, children ...*models.Comment) *models.Comment {
	return &models.Comment{
		ID:        id,
		Content:   content,
		Author:    models.Author{ID: authorID, DisplayName: "user " + authorID},
		CreatedAt: at,
		ParentID:  parentID,
		Children:  children,
	}
}

// newLoadedSession builds a session for topicA with change and notice
// channels registered after the initial load.
func newLoadedSession(t *testing.T, api *fakeAPI) (*Session, chan struct{}, chan Notice) {
	t.Helper()

	s := New(api, models.Author{ID: "u1", DisplayName: "Me"}, "client-1", nil)
	t.Cleanup(s.Close)

	if err := s.Load(context.Background(), topicA); err != nil {
		t.Fatalf("failed to load topic: %v", err)
	}

	changes := make(chan struct{}, 64)
	notices := make(chan Notice, 8)
	s.OnChange(func() { changes <- struct{}{} })
	s.OnNotice(func(n Notice) { notices <- n })

	return s, changes, notices
}

func waitChange(t *testing.T, changes chan struct{}) {
	t.Helper()
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forest change")
	}
}

func waitNotice(t *testing.T, notices chan Notice) Notice {
	t.Helper()
	select {
	case n := <-notices:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
		return Notice{}
	}
}

func TestSubmitOptimisticThenConfirmed(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{
		createGate: gate,
		createResp: srvComment("c1", "hello", "u1", "", time.Now()),
	}
	s, changes, _ := newLoadedSession(t, api)

	if err := s.Submit("hello"); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	waitChange(t, changes)

	view := s.View()
	if got := len(view); got != 1 {
		t.Fatalf("want 1 comment, got %d", got)
	}
	if !models.IsLocalID(view[0].ID) {
		t.Errorf("want local placeholder id, got %q", view[0].ID)
	}
	if !view[0].Optimistic {
		t.Error("placeholder must be optimistic")
	}
	if view[0].Content != "hello" {
		t.Errorf("want content %q, got %q", "hello", view[0].Content)
	}

	close(gate)
	waitChange(t, changes)

	view = s.View()
	if got := len(view); got != 1 {
		t.Fatalf("want 1 comment after confirmation, got %d", got)
	}
	if view[0].ID != "c1" {
		t.Errorf("want id %q, got %q", "c1", view[0].ID)
	}
	if view[0].Optimistic {
		t.Error("confirmed comment must not be optimistic")
	}
}

func TestSubmitRollsBackOnFailure(t *testing.T) {
	api := &fakeAPI{createErr: fmt.Errorf("service down")}
	s, changes, notices := newLoadedSession(t, api)

	if err := s.Submit("hello"); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	waitChange(t, changes) // optimistic insert
	waitChange(t, changes) // rollback

	if got := s.Count(); got != 0 {
		t.Errorf("want empty forest after rollback, got %d comments", got)
	}
	n := waitNotice(t, notices)
	if n.Message != "couldn't post comment" {
		t.Errorf("want notice %q, got %q", "couldn't post comment", n.Message)
	}
	if n.Err == nil {
		t.Error("notice must carry the cause")
	}
}

func TestSubmitSameActionRejectedWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{createGate: gate}
	s, changes, _ := newLoadedSession(t, api)

	if err := s.Submit("hello"); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	waitChange(t, changes)

	if err := s.Submit("hello"); !errors.Is(err, ErrActionInFlight) {
		t.Errorf("want ErrActionInFlight, got %v", err)
	}
	// A different action is not blocked.
	if err := s.Submit("different"); err != nil {
		t.Errorf("want different content accepted, got %v", err)
	}

	close(gate)
}

func TestSubmitValidation(t *testing.T) {
	api := &fakeAPI{}
	s, _, _ := newLoadedSession(t, api)

	if err := s.Submit("   "); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("want ErrEmptyContent, got %v", err)
	}

	fresh := New(api, models.Author{ID: "u1"}, "client-1", nil)
	defer fresh.Close()
	if err := fresh.Submit("hello"); !errors.Is(err, ErrNoTopic) {
		t.Errorf("want ErrNoTopic, got %v", err)
	}
}

func TestReplyExpandsParentAndRefetches(t *testing.T) {
	parent := srvComment("p1", "parent", "u2", "", time.Now().Add(-time.Hour))
	gate := make(chan struct{})
	api := &fakeAPI{
		comments:   []*models.Comment{parent},
		createGate: gate,
		createResp: srvComment("r1", "hi", "u1", "p1", time.Now()),
	}
	s, changes, _ := newLoadedSession(t, api)

	s.ToggleCollapse("p1")
	waitChange(t, changes)
	if !forest.Find(s.View(), "p1").Collapsed {
		t.Fatal("parent must be collapsed before the reply")
	}

	if err := s.Reply("p1", "hi"); err != nil {
		t.Fatalf("failed to reply: %v", err)
	}
	waitChange(t, changes)

	p := forest.Find(s.View(), "p1")
	if p.Collapsed {
		t.Error("reply must expand a collapsed parent in the same action")
	}
	if got := len(p.Children); got != 1 {
		t.Fatalf("want 1 child, got %d", got)
	}
	if !p.Children[0].Optimistic || !models.IsLocalID(p.Children[0].ID) {
		t.Error("reply must appear as an optimistic placeholder")
	}

	// The service view now contains the stored reply; confirmation must
	// replace the whole forest with it.
	api.setComments([]*models.Comment{
		srvComment("p1", "parent", "u2", "", parent.CreatedAt,
			srvComment("r1", "hi", "u1", "p1", time.Now())),
	})
	close(gate)
	waitChange(t, changes)

	p = forest.Find(s.View(), "p1")
	if got := len(p.Children); got != 1 {
		t.Fatalf("want 1 child after refetch, got %d", got)
	}
	if p.Children[0].ID != "r1" {
		t.Errorf("want stored reply %q, got %q", "r1", p.Children[0].ID)
	}
	if p.Children[0].Optimistic {
		t.Error("stored reply must not be optimistic")
	}
}

func TestReplyUnknownParent(t *testing.T) {
	api := &fakeAPI{}
	s, _, _ := newLoadedSession(t, api)

	if err := s.Reply("ghost", "hi"); !errors.Is(err, ErrUnknownComment) {
		t.Errorf("want ErrUnknownComment, got %v", err)
	}
}

func TestEditAppliesLocallyAndRefetchesOnFailure(t *testing.T) {
	api := &fakeAPI{
		comments:  []*models.Comment{srvComment("c1", "old", "u1", "", time.Now())},
		updateErr: fmt.Errorf("service down"),
	}
	s, changes, notices := newLoadedSession(t, api)

	if err := s.Edit("c1", "new"); err != nil {
		t.Fatalf("failed to edit: %v", err)
	}
	waitChange(t, changes)
	if got := forest.Find(s.View(), "c1").Content; got != "new" {
		t.Errorf("want optimistic content %q, got %q", "new", got)
	}

	n := waitNotice(t, notices)
	if n.Message != "couldn't save changes" {
		t.Errorf("want notice %q, got %q", "couldn't save changes", n.Message)
	}
	waitChange(t, changes) // refetch restores the stored content
	if got := forest.Find(s.View(), "c1").Content; got != "old" {
		t.Errorf("want restored content %q, got %q", "old", got)
	}
}

func TestDeleteRemovesSubtreeAndRefetchesOnFailure(t *testing.T) {
	api := &fakeAPI{
		comments: []*models.Comment{
			srvComment("c1", "parent", "u1", "", time.Now(),
				srvComment("c2", "child", "u2", "c1", time.Now())),
		},
		deleteErr: fmt.Errorf("service down"),
	}
	s, changes, notices := newLoadedSession(t, api)

	if err := s.Delete("c1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	waitChange(t, changes)
	if got := s.Count(); got != 0 {
		t.Errorf("want empty forest after optimistic delete, got %d", got)
	}

	waitNotice(t, notices)
	waitChange(t, changes) // refetch restores both comments
	if got := s.Count(); got != 2 {
		t.Errorf("want 2 comments restored, got %d", got)
	}
}

func TestDeleteAlreadyGoneCountsAsDeleted(t *testing.T) {
	api := &fakeAPI{
		comments:  []*models.Comment{srvComment("c1", "x", "u1", "", time.Now())},
		deleteErr: client.ErrCommentNotFound,
	}
	s, changes, notices := newLoadedSession(t, api)
	baseline := api.commentsCallCount()

	if err := s.Delete("c1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	waitChange(t, changes)

	time.Sleep(100 * time.Millisecond)
	select {
	case n := <-notices:
		t.Errorf("unexpected notice: %q", n.Message)
	default:
	}
	if got := s.Count(); got != 0 {
		t.Errorf("want comment to stay deleted, got %d comments", got)
	}
	if got := api.commentsCallCount(); got != baseline {
		t.Errorf("no refetch expected, got %d extra", got-baseline)
	}
}

func TestLikeAfterDislikeMovesReaction(t *testing.T) {
	node := srvComment("c1", "x", "u2", "", time.Now())
	node.DislikedBy = []string{"u1"}
	api := &fakeAPI{comments: []*models.Comment{node}}
	s, changes, _ := newLoadedSession(t, api)

	if err := s.Like("c1"); err != nil {
		t.Fatalf("failed to like: %v", err)
	}
	waitChange(t, changes)

	c := forest.Find(s.View(), "c1")
	if !c.LikedByUser("u1") {
		t.Error("want u1 in likedBy")
	}
	if c.DislikedByUser("u1") {
		t.Error("want u1 absent from dislikedBy")
	}
}

func TestReactionFailureRefetches(t *testing.T) {
	api := &fakeAPI{
		comments: []*models.Comment{srvComment("c1", "x", "u2", "", time.Now())},
		reactErr: fmt.Errorf("service down"),
	}
	s, changes, notices := newLoadedSession(t, api)

	if err := s.Dislike("c1"); err != nil {
		t.Fatalf("failed to dislike: %v", err)
	}
	waitChange(t, changes)

	waitNotice(t, notices)
	waitChange(t, changes) // refetch
	if c := forest.Find(s.View(), "c1"); c.DislikedByUser("u1") {
		t.Error("refetch must restore the stored reaction sets")
	}
}

func TestMutationsRejectUnconfirmedComments(t *testing.T) {
	api := &fakeAPI{}
	s, _, _ := newLoadedSession(t, api)

	localID := models.NewLocalID()
	if err := s.Edit(localID, "x"); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("edit: want ErrNotConfirmed, got %v", err)
	}
	if err := s.Delete(localID); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("delete: want ErrNotConfirmed, got %v", err)
	}
	if err := s.Like(localID); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("like: want ErrNotConfirmed, got %v", err)
	}
}

func TestStaleConfirmationDiscardedAfterTopicSwitch(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{createGate: gate}
	s, changes, _ := newLoadedSession(t, api)

	if err := s.Submit("hello"); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	waitChange(t, changes)

	// Switch topics while the create is still in flight.
	api.setComments([]*models.Comment{srvComment("b1", "map comment", "u3", "", time.Now())})
	if err := s.Load(context.Background(), topicB); err != nil {
		t.Fatalf("failed to switch topic: %v", err)
	}
	waitChange(t, changes)

	close(gate)
	time.Sleep(100 * time.Millisecond)

	view := s.View()
	if got := len(view); got != 1 {
		t.Fatalf("want only topic B's comment, got %d", got)
	}
	if view[0].ID != "b1" {
		t.Errorf("want %q, got %q", "b1", view[0].ID)
	}
	if forest.Find(view, "srv-generated") != nil {
		t.Error("stale confirmation from the previous topic must be discarded")
	}
}

func TestLoadKeepsForestWhenRefreshFails(t *testing.T) {
	api := &fakeAPI{
		comments: []*models.Comment{srvComment("c1", "x", "u1", "", time.Now())},
	}
	s, _, _ := newLoadedSession(t, api)

	api.mu.Lock()
	api.commentsErr = fmt.Errorf("service down")
	api.mu.Unlock()

	if err := s.Load(context.Background(), topicA); err == nil {
		t.Fatal("want reload error")
	}
	if got := s.Count(); got != 1 {
		t.Errorf("want previous forest kept, got %d comments", got)
	}
}

func TestLoadRejectsInconsistentForest(t *testing.T) {
	api := &fakeAPI{
		comments: []*models.Comment{srvComment("orphan", "x", "u1", "vanished-parent", time.Now())},
	}
	s := New(api, models.Author{ID: "u1"}, "client-1", nil)
	defer s.Close()

	err := s.Load(context.Background(), topicA)
	if !errors.Is(err, ErrForestMismatch) {
		t.Errorf("want ErrForestMismatch, got %v", err)
	}
	if got := s.Count(); got != 0 {
		t.Errorf("want no forest applied, got %d comments", got)
	}
}

func TestLiveCreatedInsertsForeignComment(t *testing.T) {
	api := &fakeAPI{
		comments: []*models.Comment{srvComment("c1", "x", "u2", "", time.Now().Add(-time.Hour))},
	}
	s, _, _ := newLoadedSession(t, api)

	s.HandleLiveEvent(live.CreatedEvent{
		Topic:   topicA.Key(),
		Origin:  "client-other",
		Comment: srvComment("c2", "news", "u3", "", time.Now()),
	})

	view := s.View()
	if got := len(view); got != 2 {
		t.Fatalf("want 2 comments, got %d", got)
	}
	if view[0].ID != "c2" {
		t.Errorf("want newest comment first, got %q", view[0].ID)
	}
	if view[0].Optimistic {
		t.Error("live comment must not be optimistic")
	}
}

func TestLiveCreatedDropsOwnEcho(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{createGate: gate}
	s, changes, _ := newLoadedSession(t, api)

	if err := s.Submit("mine"); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	waitChange(t, changes)

	// Same signature, different id: the echo of our own optimistic entry.
	s.HandleLiveEvent(live.CreatedEvent{
		Topic:   topicA.Key(),
		Origin:  "client-other",
		Comment: srvComment("srv-9", "mine", "u1", "", time.Now()),
	})
	if got := s.Count(); got != 1 {
		t.Errorf("want echo dropped, got %d comments", got)
	}

	// An explicit origin marker drops the event regardless of signature.
	s.HandleLiveEvent(live.CreatedEvent{
		Topic:   topicA.Key(),
		Origin:  "client-1",
		Comment: srvComment("srv-10", "unrelated", "u9", "", time.Now()),
	})
	if got := s.Count(); got != 1 {
		t.Errorf("want marked event dropped, got %d comments", got)
	}

	close(gate)
}

func TestLiveCreatedDropsConfirmedEchoById(t *testing.T) {
	api := &fakeAPI{createResp: srvComment("c1", "mine", "u1", "", time.Now())}
	s, changes, _ := newLoadedSession(t, api)

	if err := s.Submit("mine"); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	waitChange(t, changes) // optimistic
	waitChange(t, changes) // confirmed

	s.HandleLiveEvent(live.CreatedEvent{
		Topic:   topicA.Key(),
		Origin:  "client-other",
		Comment: srvComment("c1", "mine", "u1", "", time.Now()),
	})
	if got := s.Count(); got != 1 {
		t.Errorf("want confirmed echo dropped, got %d comments", got)
	}
}

func TestLiveCreatedIgnoresForeignTopic(t *testing.T) {
	api := &fakeAPI{}
	s, _, _ := newLoadedSession(t, api)

	s.HandleLiveEvent(live.CreatedEvent{
		Topic:   "post:999",
		Comment: srvComment("x", "other room", "u9", "", time.Now()),
	})
	if got := s.Count(); got != 0 {
		t.Errorf("want foreign-topic event ignored, got %d comments", got)
	}
}

func TestLiveUpdatedPatchesContentOnly(t *testing.T) {
	at := time.Now().Add(-time.Hour)
	api := &fakeAPI{comments: []*models.Comment{srvComment("c1", "old", "u2", "", at)}}
	s, _, _ := newLoadedSession(t, api)

	s.HandleLiveEvent(live.UpdatedEvent{
		Topic:     topicA.Key(),
		CommentID: "c1",
		Content:   "new",
	})

	c := forest.Find(s.View(), "c1")
	if c.Content != "new" {
		t.Errorf("want content %q, got %q", "new", c.Content)
	}
	if c.Author.ID != "u2" || !c.CreatedAt.Equal(at) {
		t.Error("update must leave author and timestamp untouched")
	}
}

func TestLiveDeletedIsIdempotent(t *testing.T) {
	api := &fakeAPI{
		comments: []*models.Comment{
			srvComment("c1", "parent", "u2", "", time.Now(),
				srvComment("c2", "child", "u3", "c1", time.Now())),
		},
	}
	s, _, _ := newLoadedSession(t, api)

	ev := live.DeletedEvent{Topic: topicA.Key(), CommentID: "c2", ParentID: "c1"}
	s.HandleLiveEvent(ev)
	once := s.View()
	s.HandleLiveEvent(ev)
	twice := s.View()

	if !reflect.DeepEqual(once, twice) {
		t.Error("second delivery of the same delete must be a no-op")
	}
	if got := s.Count(); got != 1 {
		t.Errorf("want 1 comment, got %d", got)
	}
}

func TestConcurrentDeleteFromBothSides(t *testing.T) {
	api := &fakeAPI{
		comments: []*models.Comment{srvComment("c1", "x", "u2", "", time.Now())},
	}
	s, changes, notices := newLoadedSession(t, api)

	if err := s.Delete("c1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	waitChange(t, changes)

	// The other client's delete arrives over the push channel.
	s.HandleLiveEvent(live.DeletedEvent{Topic: topicA.Key(), CommentID: "c1"})

	if got := s.Count(); got != 0 {
		t.Errorf("want empty forest, got %d comments", got)
	}
	select {
	case n := <-notices:
		t.Errorf("unexpected notice: %q", n.Message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedSessionRejectsEverything(t *testing.T) {
	api := &fakeAPI{}
	s, _, _ := newLoadedSession(t, api)
	s.Close()

	if err := s.Submit("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
	if err := s.Load(context.Background(), topicA); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}

	s.HandleLiveEvent(live.CreatedEvent{
		Topic:   topicA.Key(),
		Comment: srvComment("c9", "late", "u9", "", time.Now()),
	})
	if got := s.Count(); got != 0 {
		t.Errorf("want no comments after close, got %d", got)
	}
}
