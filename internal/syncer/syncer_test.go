package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/gateway"
	"github.com/campusmobile/forumqueue/internal/sites"
	"github.com/campusmobile/forumqueue/internal/store"
)

type fakeGateway struct {
	mu sync.Mutex

	pingErr   error
	groups    []int64
	groupsErr error

	// discussionErr maps a destination group id to the submission error.
	discussionErr map[int64]error
	// replyErr maps a post id to the submission error.
	replyErr map[int64]error

	// replyStarted receives one token per SubmitReply call and replyBlock,
	// when set, holds the call until it is closed. They let a test act
	// while a submission is in flight.
	replyStarted chan struct{}
	replyBlock   chan struct{}

	submittedGroups  []int64
	submittedOptions []forum.Options
	submittedReplies []int64
}

func (f *fakeGateway) Ping(_ context.Context, _ sites.Site) error {
	return f.pingErr
}

func (f *fakeGateway) SubmitDiscussion(_ context.Context, _ sites.Site, _ int64, _, _ string, options forum.Options, groupID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.discussionErr[groupID]; err != nil {
		return 0, err
	}
	f.submittedGroups = append(f.submittedGroups, groupID)
	f.submittedOptions = append(f.submittedOptions, options)
	return 1000 + groupID, nil
}

func (f *fakeGateway) SubmitReply(_ context.Context, _ sites.Site, postID int64, _, _ string, _ forum.Options) (int64, error) {
	if f.replyStarted != nil {
		f.replyStarted <- struct{}{}
	}
	if f.replyBlock != nil {
		<-f.replyBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.replyErr[postID]; err != nil {
		return 0, err
	}
	f.submittedReplies = append(f.submittedReplies, postID)
	return 2000 + postID, nil
}

func (f *fakeGateway) AllowedGroups(_ context.Context, _ sites.Site, _, _ int64) ([]int64, error) {
	return f.groups, f.groupsErr
}

func (f *fakeGateway) sortedGroups() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int64(nil), f.submittedGroups...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fakeResolver struct {
	mu      sync.Mutex
	itemID  int64
	uploads int
	deleted []string
}

func (f *fakeResolver) UploadDiscussionFiles(_ context.Context, _ sites.Site, d *forum.PendingDiscussion) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.Attachments.Empty() {
		return 0, nil
	}
	f.uploads++
	return f.itemID, nil
}

func (f *fakeResolver) UploadReplyFiles(_ context.Context, _ sites.Site, r *forum.PendingReply) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Attachments.Empty() {
		return 0, nil
	}
	f.uploads++
	return f.itemID, nil
}

func (f *fakeResolver) DeleteDiscussionFiles(_ sites.Site, forumID, timeCreated int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fmt.Sprintf("disc/%d/%d", forumID, timeCreated))
	return nil
}

func (f *fakeResolver) DeleteReplyFiles(_ sites.Site, forumID, postID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fmt.Sprintf("reply/%d/%d/%d", forumID, postID, userID))
	return nil
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInvalidator) Invalidate(kind string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s/%d", kind, id))
}

func (f *fakeInvalidator) has(kind string, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := fmt.Sprintf("%s/%d", kind, id)
	for _, c := range f.calls {
		if c == want {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []forum.SyncEvent
}

func (f *fakeNotifier) Notify(event forum.SyncEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type testRig struct {
	syncer      *Syncer
	store       *store.Store
	gateway     *fakeGateway
	resolver    *fakeResolver
	invalidator *fakeInvalidator
	notifier    *fakeNotifier
	site        sites.Site
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	gw := &fakeGateway{
		discussionErr: make(map[int64]error),
		replyErr:      make(map[int64]error),
	}
	resolver := &fakeResolver{}
	invalidator := &fakeInvalidator{}
	notifier := &fakeNotifier{}

	config := &Config{
		MinSyncInterval: 5 * time.Minute,
		Logger:          log.New(io.Discard, "", 0),
	}

	return &testRig{
		syncer:      New(st, gw, resolver, invalidator, notifier, config),
		store:       st,
		gateway:     gw,
		resolver:    resolver,
		invalidator: invalidator,
		notifier:    notifier,
		site:        sites.Site{ID: "campus", BaseURL: "https://example.edu", Token: "tok", UserID: 2, DataDir: t.TempDir()},
	}
}

func pendingDiscussion(forumID, timeCreated, groupID int64) *forum.PendingDiscussion {
	return &forum.PendingDiscussion{
		ForumID:     forumID,
		UserID:      2,
		TimeCreated: timeCreated,
		CourseID:    7,
		ForumName:   "Announcements",
		Subject:     "subject",
		Message:     "message",
		GroupID:     groupID,
	}
}

func pendingReply(postID, discussionID int64) *forum.PendingReply {
	return &forum.PendingReply{
		PostID:       postID,
		UserID:       2,
		DiscussionID: discussionID,
		ForumID:      5,
		CourseID:     7,
		ForumName:    "Announcements",
		Subject:      "Re: subject",
		Message:      "reply",
		TimeCreated:  1700000000000,
	}
}

func rejected(code string) error {
	return &gateway.RemoteError{Code: code, Message: code}
}

func TestSyncForumDeliversAndDeletes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, 3)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated || len(result.Warnings) != 0 {
		t.Errorf("result = %+v, want updated with no warnings", result)
	}

	if got := rig.gateway.sortedGroups(); len(got) != 1 || got[0] != 3 {
		t.Errorf("submitted groups = %v, want [3]", got)
	}

	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2); !errors.Is(err, store.ErrNotFound) {
		t.Error("delivered record still in the store")
	}
	if len(rig.resolver.deleted) != 1 || rig.resolver.deleted[0] != "disc/5/100" {
		t.Errorf("staged files not cleaned up: %v", rig.resolver.deleted)
	}

	if !rig.invalidator.has(forum.CacheDiscussionList, 5) || !rig.invalidator.has(forum.CacheCanPost, 5) {
		t.Errorf("cache invalidations = %v", rig.invalidator.calls)
	}
}

func TestSyncForumKeepsRecordOnTransportFailure(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, 3)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.discussionErr[3] = errors.New("connection reset")

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err == nil {
		t.Fatal("expected an error when a discussion stays queued")
	}
	if result.Updated || len(result.Warnings) != 0 {
		t.Errorf("result = %+v, want untouched", result)
	}

	got, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2)
	if err != nil {
		t.Fatalf("record lost after transport failure: %v", err)
	}
	if got.Message != "message" {
		t.Errorf("record mutated: %+v", got)
	}
	if len(rig.resolver.deleted) != 0 {
		t.Errorf("staged files deleted for a kept record: %v", rig.resolver.deleted)
	}

	// Incomplete sync must not advance the throttle.
	needed, err := rig.syncer.IsSyncNeeded(ctx, rig.site, forum.ForumSyncID(5, 2))
	if err != nil || !needed {
		t.Errorf("IsSyncNeeded = (%v, %v), want still needed", needed, err)
	}
}

func TestSyncForumDiscardsRejectedRecord(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, 3)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.discussionErr[3] = rejected("cannotcreatediscussion")

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated {
		t.Error("discarding a record must count as an update")
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", result.Warnings)
	}
	w := result.Warnings[0]
	if w.ForumID != 5 || w.TimeCreated != 100 || w.UserID != 2 {
		t.Errorf("warning identity = %+v", w)
	}

	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2); !errors.Is(err, store.ErrNotFound) {
		t.Error("rejected record still in the store")
	}
}

func TestSyncForumFanOut(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, forum.AllParticipants)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.groups = []int64{11, 12, 13}

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated || len(result.Warnings) != 0 {
		t.Errorf("result = %+v, want clean success", result)
	}
	if got := rig.gateway.sortedGroups(); len(got) != 3 || got[0] != 11 || got[2] != 13 {
		t.Errorf("submitted groups = %v, want [11 12 13]", got)
	}
}

func TestSyncForumFanOutPartialDelivery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, forum.AllParticipants)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.groups = []int64{11, 12}
	rig.gateway.discussionErr[12] = rejected("nopostforum")

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated {
		t.Error("partial delivery must count as an update")
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one partial-delivery warning", result.Warnings)
	}

	// Delivered somewhere, so the record must never be resubmitted.
	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2); !errors.Is(err, store.ErrNotFound) {
		t.Error("partially delivered record still in the store")
	}
}

func TestSyncForumFanOutAllTransportFailuresKeep(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, forum.AllParticipants)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.groups = []int64{11, 12}
	rig.gateway.discussionErr[11] = errors.New("timeout")
	rig.gateway.discussionErr[12] = rejected("nopostforum")

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err == nil {
		t.Fatal("expected an error when the record stays queued")
	}
	if result.Updated || len(result.Warnings) != 0 {
		t.Errorf("result = %+v, want kept record", result)
	}
	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2); err != nil {
		t.Errorf("record lost: %v", err)
	}
}

func TestSyncForumGroupResolutionRejectedDiscards(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, forum.AllParticipants)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.groupsErr = rejected("forumnotfound")

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated || len(result.Warnings) != 1 {
		t.Errorf("result = %+v, want discard with warning", result)
	}
	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2); !errors.Is(err, store.ErrNotFound) {
		t.Error("unresolvable record still in the store")
	}
}

func TestSyncForumEmptyGroupSetDiscards(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, forum.AllParticipants)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.groups = nil

	result, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated || len(result.Warnings) != 1 {
		t.Fatalf("result = %+v, want discard with warning", result)
	}
	if reason := result.Warnings[0].Reason; !strings.Contains(reason, "no groups available") {
		t.Errorf("warning reason = %q, want a concrete cause", reason)
	}
}

func TestSyncForumAttachmentDraftInOptions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, 3)
	d.Attachments = &forum.AttachmentSet{Offline: 1}
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.resolver.itemID = 77

	if _, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if len(rig.gateway.submittedOptions) != 1 {
		t.Fatalf("submissions = %d, want 1", len(rig.gateway.submittedOptions))
	}
	if got := rig.gateway.submittedOptions[0]["attachmentsid"]; got != int64(77) {
		t.Errorf("attachmentsid option = %v, want 77", got)
	}
}

func TestSyncForumOffline(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	d := pendingDiscussion(5, 100, 3)
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, d); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.pingErr = errors.New("no route to host")

	_, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if !errors.Is(err, ErrOffline) {
		t.Errorf("err = %v, want ErrOffline", err)
	}
	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2); err != nil {
		t.Errorf("record lost while offline: %v", err)
	}
}

func TestSyncForumBlocked(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.syncer.Guard().Block(forum.ForumSyncID(5, 2))
	_, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2)
	if !errors.Is(err, ErrSyncBlocked) {
		t.Errorf("err = %v, want ErrSyncBlocked", err)
	}

	rig.syncer.Guard().Unblock(forum.ForumSyncID(5, 2))
	if _, err := rig.syncer.SyncForum(ctx, rig.site, 5, 2); err != nil {
		t.Errorf("sync after unblock failed: %v", err)
	}
}

func TestSyncDiscussionDeliversReplies(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(10, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(11, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	result, err := rig.syncer.SyncDiscussion(ctx, rig.site, 50, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated || len(result.Warnings) != 0 {
		t.Errorf("result = %+v, want clean success", result)
	}
	if len(rig.gateway.submittedReplies) != 2 {
		t.Errorf("submitted replies = %v", rig.gateway.submittedReplies)
	}

	if has, _ := rig.store.HasDiscussionReplies(ctx, rig.site.ID, 50, 2); has {
		t.Error("delivered replies still in the store")
	}
	if !rig.invalidator.has(forum.CachePostList, 50) || !rig.invalidator.has(forum.CacheDiscussionList, 5) {
		t.Errorf("cache invalidations = %v", rig.invalidator.calls)
	}
}

func TestSyncDiscussionRejectedReplyDiscardsWithWarning(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(10, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.replyErr[10] = rejected("cannotreply")

	result, err := rig.syncer.SyncDiscussion(ctx, rig.site, 50, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Updated {
		t.Error("discarding a reply must count as an update")
	}
	if len(result.Warnings) != 1 || result.Warnings[0].PostID != 10 {
		t.Errorf("warnings = %+v", result.Warnings)
	}
	if has, _ := rig.store.HasDiscussionReplies(ctx, rig.site.ID, 50, 2); has {
		t.Error("rejected reply still in the store")
	}
}

func TestSyncDiscussionTransportFailureKeepsAndReports(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(10, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(11, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.replyErr[11] = errors.New("gateway timeout")

	result, err := rig.syncer.SyncDiscussion(ctx, rig.site, 50, 2)
	if err == nil {
		t.Fatal("expected an error when a reply stays queued")
	}
	if !result.Updated {
		t.Error("partial progress must still be reported as an update")
	}

	// 10 was delivered, 11 stays queued for the next pass.
	if _, err := rig.store.GetReply(ctx, rig.site.ID, 10, 2); !errors.Is(err, store.ErrNotFound) {
		t.Error("delivered reply still in the store")
	}
	if _, err := rig.store.GetReply(ctx, rig.site.ID, 11, 2); err != nil {
		t.Errorf("queued reply lost: %v", err)
	}

	// Incomplete sync must not advance the throttle.
	needed, err := rig.syncer.IsSyncNeeded(ctx, rig.site, forum.DiscussionSyncID(50, 2))
	if err != nil || !needed {
		t.Errorf("IsSyncNeeded = (%v, %v), want still needed", needed, err)
	}
}

func TestSyncDiscussionEditDuringSyncKeepsRewrittenReply(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(10, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.replyStarted = make(chan struct{}, 1)
	rig.gateway.replyBlock = make(chan struct{})

	var result forum.SyncResult
	var syncErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, syncErr = rig.syncer.SyncDiscussion(ctx, rig.site, 50, 2)
	}()

	// Rewrite the queued reply while its old version is in flight.
	<-rig.gateway.replyStarted
	edited := pendingReply(10, 50)
	edited.Message = "edited while syncing"
	edited.TimeCreated = 1700000001000
	if err := rig.store.SaveReply(ctx, rig.site.ID, edited); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	close(rig.gateway.replyBlock)
	<-done

	if syncErr != nil {
		t.Fatalf("sync failed: %v", syncErr)
	}
	if !result.Updated {
		t.Error("delivered snapshot not reported as an update")
	}

	// The in-flight pass worked from its snapshot.
	if len(rig.gateway.submittedReplies) != 1 || rig.gateway.submittedReplies[0] != 10 {
		t.Errorf("submitted replies = %v, want [10]", rig.gateway.submittedReplies)
	}
	// The rewrite stays queued for the next pass, staged files included.
	got, err := rig.store.GetReply(ctx, rig.site.ID, 10, 2)
	if err != nil {
		t.Fatalf("rewritten reply lost: %v", err)
	}
	if got.Message != "edited while syncing" {
		t.Errorf("message = %q, want the rewritten text", got.Message)
	}
	if len(rig.resolver.deleted) != 0 {
		t.Errorf("staged files deleted under the rewritten reply: %v", rig.resolver.deleted)
	}
}

func TestSyncThrottle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, pendingDiscussion(5, 100, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	result, err := rig.syncer.SyncForumIfNeeded(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if result == nil || !result.Updated {
		t.Errorf("first sync result = %+v, want an update", result)
	}

	// Immediately after a completed sync, the throttle skips.
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, pendingDiscussion(5, 101, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	result, err = rig.syncer.SyncForumIfNeeded(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if result != nil {
		t.Errorf("throttled sync returned %+v, want nil", result)
	}

	// Once the interval has passed, the sync runs again.
	rig.syncer.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	result, err = rig.syncer.SyncForumIfNeeded(ctx, rig.site, 5, 2)
	if err != nil {
		t.Fatalf("third sync failed: %v", err)
	}
	if result == nil || !result.Updated {
		t.Errorf("post-interval sync result = %+v, want an update", result)
	}
}

func TestSyncAllForcesAndNotifies(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, pendingDiscussion(5, 100, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, pendingDiscussion(5, 101, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(10, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	result, err := rig.syncer.SyncAll(ctx, rig.site, true)
	if err != nil {
		t.Fatalf("sync all failed: %v", err)
	}
	if !result.Updated {
		t.Error("batch with pending work reported no update")
	}

	// Two records in the same forum collapse into one forum sync event,
	// plus one for the discussion.
	if len(rig.notifier.events) != 2 {
		t.Fatalf("events = %+v, want 2", rig.notifier.events)
	}
	for _, e := range rig.notifier.events {
		if e.Event != forum.EventManualSynced {
			t.Errorf("event name = %q, want %q", e.Event, forum.EventManualSynced)
		}
		if e.SiteID != "campus" {
			t.Errorf("event site = %q", e.SiteID)
		}
	}

	// A forced follow-up with nothing pending emits nothing.
	rig.notifier.events = nil
	if _, err := rig.syncer.SyncAll(ctx, rig.site, true); err != nil {
		t.Fatalf("empty sync all failed: %v", err)
	}
	if len(rig.notifier.events) != 0 {
		t.Errorf("events after drain = %+v", rig.notifier.events)
	}
}

func TestSyncAllRespectsThrottle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, pendingDiscussion(5, 100, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// First pass delivers and stamps the forum as synced.
	if _, err := rig.syncer.SyncAll(ctx, rig.site, false); err != nil {
		t.Fatalf("sync all failed: %v", err)
	}

	// A record queued right after the pass waits out the interval.
	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, pendingDiscussion(5, 101, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	result, err := rig.syncer.SyncAll(ctx, rig.site, false)
	if err != nil {
		t.Fatalf("second sync all failed: %v", err)
	}
	if result.Updated {
		t.Error("throttled batch reported an update")
	}
	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 101, 2); err != nil {
		t.Errorf("record lost: %v", err)
	}

	// Forced retry delivers it.
	rig.notifier.events = nil
	result, err = rig.syncer.SyncAll(ctx, rig.site, true)
	if err != nil {
		t.Fatalf("forced sync all failed: %v", err)
	}
	if !result.Updated {
		t.Error("forced batch did not deliver the record")
	}
	if len(rig.notifier.events) != 1 || rig.notifier.events[0].Event != forum.EventManualSynced {
		t.Errorf("events = %+v", rig.notifier.events)
	}
}

func TestSyncAllReportsTransportFailureWithoutStampingThrottle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.SaveNewDiscussion(ctx, rig.site.ID, pendingDiscussion(5, 100, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	rig.gateway.discussionErr[3] = errors.New("timeout")

	if _, err := rig.syncer.SyncAll(ctx, rig.site, false); err == nil {
		t.Fatal("expected an error when the record stays queued")
	}
	rig.gateway.discussionErr = map[int64]error{}

	// The incomplete pass did not stamp the forum, so the next unforced
	// pass retries immediately.
	result, err := rig.syncer.SyncAll(ctx, rig.site, false)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !result.Updated {
		t.Error("unforced retry did not deliver the record")
	}
	if _, err := rig.store.GetNewDiscussion(ctx, rig.site.ID, 5, 100, 2); !errors.Is(err, store.ErrNotFound) {
		t.Error("delivered record still in the store")
	}
}

func TestHasPendingWork(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	has, err := rig.syncer.HasPendingForumWork(ctx, rig.site, 5, 0)
	if err != nil || has {
		t.Errorf("empty store reported pending forum work: (%v, %v)", has, err)
	}

	if err := rig.store.SaveReply(ctx, rig.site.ID, pendingReply(10, 50)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Replies count as forum work too.
	has, err = rig.syncer.HasPendingForumWork(ctx, rig.site, 5, 0)
	if err != nil || !has {
		t.Errorf("pending reply not reported as forum work: (%v, %v)", has, err)
	}
	has, err = rig.syncer.HasPendingDiscussionWork(ctx, rig.site, 50, 0)
	if err != nil || !has {
		t.Errorf("pending reply not reported as discussion work: (%v, %v)", has, err)
	}
}
