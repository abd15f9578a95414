// Package syncer drains the offline record store: it submits pending
// discussions and replies to the remote gateway, deletes what was definitely
// processed, and reports what had to be discarded.
//
// The engine never raises past its boundary for expected conditions. Nothing
// pending yields an empty result; no connectivity yields ErrOffline (retry
// later); an advisorily blocked resource yields ErrSyncBlocked (do not
// auto-retry). Unexpected failures, such as local storage corruption,
// propagate to the caller.
//
// A record is deleted only after a definitive outcome. Transport failures
// leave it byte-for-byte untouched for the next trigger; definitive server
// refusals delete it and surface a warning so the user learns their change
// was discarded rather than watching it loop forever.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/gateway"
	"github.com/campusmobile/forumqueue/internal/sites"
	"github.com/campusmobile/forumqueue/internal/store"
)

// ErrOffline means no connectivity was available; nothing was touched and
// the whole operation can be retried.
var ErrOffline = errors.New("cannot sync while offline")

// ErrSyncBlocked means the resource is advisorily blocked, typically because
// the user is editing the exact record a sync would touch. Callers must not
// auto-retry in a tight loop.
var ErrSyncBlocked = errors.New("sync blocked")

// Gateway is the remote submission contract consumed by the engine.
// Errors are classified by gateway.IsServerRejected; everything else is
// treated as a transport failure.
type Gateway interface {
	Ping(ctx context.Context, site sites.Site) error
	SubmitDiscussion(ctx context.Context, site sites.Site, forumID int64, subject, message string, options forum.Options, groupID int64) (int64, error)
	SubmitReply(ctx context.Context, site sites.Site, postID int64, subject, message string, options forum.Options) (int64, error)
	AllowedGroups(ctx context.Context, site sites.Site, courseID, forumID int64) ([]int64, error)
}

// AttachmentResolver uploads or disposes of a record's attachment set.
type AttachmentResolver interface {
	UploadDiscussionFiles(ctx context.Context, site sites.Site, d *forum.PendingDiscussion) (int64, error)
	UploadReplyFiles(ctx context.Context, site sites.Site, r *forum.PendingReply) (int64, error)
	DeleteDiscussionFiles(site sites.Site, forumID, timeCreated int64) error
	DeleteReplyFiles(site sites.Site, forumID, postID, userID int64) error
}

// Invalidator receives fire-and-forget cache invalidation signals.
type Invalidator interface {
	Invalidate(kind string, id int64)
}

// Notifier receives one event per resource that a batch sync updated.
type Notifier interface {
	Notify(event forum.SyncEvent)
}

// Config holds engine configuration.
type Config struct {
	// MinSyncInterval is how recently a resource must have synced for the
	// periodic scheduler to skip it.
	MinSyncInterval time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinSyncInterval: 5 * time.Minute,
		Logger:          log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Syncer is the sync orchestrator.
type Syncer struct {
	store       *store.Store
	gateway     Gateway
	attachments AttachmentResolver
	invalidator Invalidator
	notifier    Notifier
	guard       *Guard

	minInterval time.Duration
	logger      *log.Logger
	now         func() time.Time
}

// New creates a sync engine. invalidator and notifier may be nil when no
// sink is interested.
func New(st *store.Store, gw Gateway, ar AttachmentResolver, invalidator Invalidator, notifier Notifier, config *Config) *Syncer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Syncer{
		store:       st,
		gateway:     gw,
		attachments: ar,
		invalidator: invalidator,
		notifier:    notifier,
		guard:       NewGuard(),
		minInterval: config.MinSyncInterval,
		logger:      config.Logger,
		now:         time.Now,
	}
}

// Guard exposes the advisory lock and in-flight registry, so editors can
// block resources and UIs can ask whether a sync is running.
func (s *Syncer) Guard() *Guard {
	return s.guard
}

// SyncForum synchronizes all pending discussions of a forum for one user.
// A concurrent call for the same forum and user joins the running sync and
// receives the same result.
func (s *Syncer) SyncForum(ctx context.Context, site sites.Site, forumID, userID int64) (forum.SyncResult, error) {
	if userID == 0 {
		userID = site.UserID
	}
	syncID := forum.ForumSyncID(forumID, userID)

	return s.guard.run(syncID, func() (forum.SyncResult, error) {
		return s.syncForumDiscussions(ctx, site, forumID, userID, syncID)
	})
}

// SyncForumIfNeeded syncs a forum only if the throttle interval has passed
// since its last sync. Returns nil when the sync was skipped.
func (s *Syncer) SyncForumIfNeeded(ctx context.Context, site sites.Site, forumID, userID int64) (*forum.SyncResult, error) {
	if userID == 0 {
		userID = site.UserID
	}
	needed, err := s.IsSyncNeeded(ctx, site, forum.ForumSyncID(forumID, userID))
	if err != nil {
		return nil, err
	}
	if !needed {
		return nil, nil
	}
	result, err := s.SyncForum(ctx, site, forumID, userID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Syncer) syncForumDiscussions(ctx context.Context, site sites.Site, forumID, userID int64, syncID string) (forum.SyncResult, error) {
	var result forum.SyncResult

	if s.guard.IsBlocked(syncID) {
		s.logger.Printf("Cannot sync forum %d: blocked", forumID)
		return result, fmt.Errorf("forum %d: %w", forumID, ErrSyncBlocked)
	}

	discussions, err := s.store.NewDiscussions(ctx, site.ID, forumID, userID)
	if err != nil {
		return result, err
	}
	if len(discussions) == 0 {
		s.finishSync(ctx, site, syncID)
		return result, nil
	}

	if err := s.gateway.Ping(ctx, site); err != nil {
		s.logger.Printf("Cannot sync forum %d: %v", forumID, err)
		return result, fmt.Errorf("forum %d: %w", forumID, ErrOffline)
	}

	s.logger.Printf("Syncing forum %d for user %d: %d pending discussion(s)", forumID, userID, len(discussions))

	var transportErr error
	for i := range discussions {
		if err := s.syncOneDiscussion(ctx, site, &discussions[i], &result); err != nil && transportErr == nil {
			transportErr = err
		}
	}

	if result.Updated {
		s.invalidator.Invalidate(forum.CacheDiscussionList, forumID)
		s.invalidator.Invalidate(forum.CacheCanPost, forumID)
	}

	if transportErr != nil {
		// Some discussions stayed queued; skip the sync timestamp so the
		// next periodic pass retries without waiting out the throttle.
		return result, fmt.Errorf("forum %d: %w", forumID, transportErr)
	}

	s.finishSync(ctx, site, syncID)
	return result, nil
}

// syncOneDiscussion fans a single record out to its destination groups and
// applies the reduced decision. A stuck record (transport failure on every
// destination) is left untouched without aborting the rest of the batch; the
// transport error is returned so the caller knows the pass was incomplete.
func (s *Syncer) syncOneDiscussion(ctx context.Context, site sites.Site, d *forum.PendingDiscussion, result *forum.SyncResult) error {
	groupIDs, err := s.resolveDestinations(ctx, site, d)
	if err != nil {
		if gateway.IsServerRejected(err) {
			// The group set can never be resolved; the record is
			// as undeliverable as an all-rejected fan-out.
			s.deleteDiscussion(ctx, site, d)
			result.Updated = true
			result.Warnings = append(result.Warnings, discardedDiscussionWarning(d, err))
			return nil
		}
		s.logger.Printf("Keeping discussion %d/%d: group resolution failed: %v", d.ForumID, d.TimeCreated, err)
		return err
	}

	outcomes := make([]Outcome, len(groupIDs))
	errs := make([]error, len(groupIDs))

	var wg sync.WaitGroup
	for i, groupID := range groupIDs {
		wg.Add(1)
		go func(i int, groupID int64) {
			defer wg.Done()
			outcomes[i], errs[i] = s.submitDiscussionTo(ctx, site, d, groupID)
		}(i, groupID)
	}
	wg.Wait()

	decision := Reduce(outcomes)
	switch decision.Action {
	case KeepRecord:
		cause := firstError(outcomes, errs, Unreachable)
		s.logger.Printf("Keeping discussion %d/%d: %v", d.ForumID, d.TimeCreated, cause)
		return cause

	case DiscardRecord:
		cause := firstError(outcomes, errs, Rejected)
		if cause == nil {
			// An empty destination set reduces to a discard with no
			// submission error to point at.
			cause = errors.New("no groups available to post to")
		}
		s.deleteDiscussion(ctx, site, d)
		result.Updated = true
		result.Warnings = append(result.Warnings, discardedDiscussionWarning(d, cause))

	case CompleteRecord:
		s.deleteDiscussion(ctx, site, d)
		result.Updated = true
		if decision.Partial {
			result.Warnings = append(result.Warnings, partialDiscussionWarning(d, firstFailure(outcomes, errs)))
		}
	}
	return nil
}

// resolveDestinations expands the all-participants sentinel into the
// concrete group list; a concrete group is its own single destination.
func (s *Syncer) resolveDestinations(ctx context.Context, site sites.Site, d *forum.PendingDiscussion) ([]int64, error) {
	if d.GroupID != forum.AllParticipants {
		return []int64{d.GroupID}, nil
	}
	return s.gateway.AllowedGroups(ctx, site, d.CourseID, d.ForumID)
}

// submitDiscussionTo uploads the record's attachments and submits it to one
// destination group. Each destination gets its own draft area.
func (s *Syncer) submitDiscussionTo(ctx context.Context, site sites.Site, d *forum.PendingDiscussion, groupID int64) (Outcome, error) {
	itemID, err := s.attachments.UploadDiscussionFiles(ctx, site, d)
	if err != nil {
		return classify(err), fmt.Errorf("attachments: %w", err)
	}

	options := d.Options.Clone()
	if itemID != 0 {
		options["attachmentsid"] = itemID
	}

	if _, err := s.gateway.SubmitDiscussion(ctx, site, d.ForumID, d.Subject, d.Message, options, groupID); err != nil {
		return classify(err), err
	}
	return Delivered, nil
}

// SyncDiscussion synchronizes all pending replies of a discussion for one
// user, with the same in-flight join semantics as SyncForum.
func (s *Syncer) SyncDiscussion(ctx context.Context, site sites.Site, discussionID, userID int64) (forum.SyncResult, error) {
	if userID == 0 {
		userID = site.UserID
	}
	syncID := forum.DiscussionSyncID(discussionID, userID)

	return s.guard.run(syncID, func() (forum.SyncResult, error) {
		return s.syncDiscussionReplies(ctx, site, discussionID, userID, syncID)
	})
}

// SyncDiscussionIfNeeded syncs a discussion only if the throttle interval
// has passed since its last sync. Returns nil when the sync was skipped.
func (s *Syncer) SyncDiscussionIfNeeded(ctx context.Context, site sites.Site, discussionID, userID int64) (*forum.SyncResult, error) {
	if userID == 0 {
		userID = site.UserID
	}
	needed, err := s.IsSyncNeeded(ctx, site, forum.DiscussionSyncID(discussionID, userID))
	if err != nil {
		return nil, err
	}
	if !needed {
		return nil, nil
	}
	result, err := s.SyncDiscussion(ctx, site, discussionID, userID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Syncer) syncDiscussionReplies(ctx context.Context, site sites.Site, discussionID, userID int64, syncID string) (forum.SyncResult, error) {
	var result forum.SyncResult

	if s.guard.IsBlocked(syncID) {
		s.logger.Printf("Cannot sync discussion %d: blocked", discussionID)
		return result, fmt.Errorf("discussion %d: %w", discussionID, ErrSyncBlocked)
	}

	replies, err := s.store.DiscussionReplies(ctx, site.ID, discussionID, userID)
	if err != nil {
		return result, err
	}
	if len(replies) == 0 {
		s.finishSync(ctx, site, syncID)
		return result, nil
	}

	if err := s.gateway.Ping(ctx, site); err != nil {
		s.logger.Printf("Cannot sync discussion %d: %v", discussionID, err)
		return result, fmt.Errorf("discussion %d: %w", discussionID, ErrOffline)
	}

	s.logger.Printf("Syncing discussion %d for user %d: %d pending reply(ies)", discussionID, userID, len(replies))

	var forumID int64
	var transportErr error

	for i := range replies {
		r := &replies[i]
		forumID = r.ForumID

		outcome, err := s.submitReply(ctx, site, r)
		switch outcome {
		case Delivered:
			s.deleteReply(ctx, site, r)
			result.Updated = true

		case Rejected:
			// The reply can never be accepted as-is; resubmitting
			// identical data would loop forever. Deleting it is a
			// state change, so the result still counts as updated.
			s.deleteReply(ctx, site, r)
			result.Updated = true
			result.Warnings = append(result.Warnings, discardedReplyWarning(r, err))

		case Unreachable:
			if transportErr == nil {
				transportErr = err
			}
		}
	}

	if result.Updated {
		s.invalidator.Invalidate(forum.CachePostList, discussionID)
		if forumID != 0 {
			s.invalidator.Invalidate(forum.CacheDiscussionList, forumID)
		}
	}

	if transportErr != nil {
		// Some replies stayed queued; skip the sync timestamp so the
		// next periodic pass retries without waiting out the throttle.
		return result, fmt.Errorf("discussion %d: %w", discussionID, transportErr)
	}

	s.finishSync(ctx, site, syncID)
	return result, nil
}

// submitReply uploads the reply's attachments and submits it to its single
// destination.
func (s *Syncer) submitReply(ctx context.Context, site sites.Site, r *forum.PendingReply) (Outcome, error) {
	itemID, err := s.attachments.UploadReplyFiles(ctx, site, r)
	if err != nil {
		return classify(err), fmt.Errorf("attachments: %w", err)
	}

	options := r.Options.Clone()
	if itemID != 0 {
		options["attachmentsid"] = itemID
	}

	if _, err := s.gateway.SubmitReply(ctx, site, r.PostID, r.Subject, r.Message, options); err != nil {
		return classify(err), err
	}
	return Delivered, nil
}

// SyncForumReplies synchronizes the pending replies of every discussion in
// a forum, grouping by discussion so each one is locked and throttled as a
// unit.
func (s *Syncer) SyncForumReplies(ctx context.Context, site sites.Site, forumID, userID int64) (forum.SyncResult, error) {
	if userID == 0 {
		userID = site.UserID
	}

	var result forum.SyncResult

	replies, err := s.store.ForumReplies(ctx, site.ID, forumID, userID)
	if err != nil {
		return result, err
	}

	var errs []error
	synced := make(map[int64]bool)
	for i := range replies {
		discussionID := replies[i].DiscussionID
		if synced[discussionID] {
			continue
		}
		synced[discussionID] = true

		one, err := s.SyncDiscussion(ctx, site, discussionID, userID)
		result.Merge(one)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return result, errors.Join(errs...)
}

// SyncAll walks every pending record of a site and syncs the forums and
// discussions they belong to, each resource at most once. With force set the
// throttle is bypassed, as for a user-triggered refresh; otherwise recently
// synced resources are skipped. One event per updated resource is sent to
// the notifier.
func (s *Syncer) SyncAll(ctx context.Context, site sites.Site, force bool) (forum.SyncResult, error) {
	event := forum.EventAutoSynced
	if force {
		event = forum.EventManualSynced
	}

	var result forum.SyncResult
	var errs []error

	discussions, err := s.store.AllNewDiscussions(ctx, site.ID)
	if err != nil {
		return result, err
	}

	syncedForums := make(map[string]bool)
	for i := range discussions {
		d := &discussions[i]
		key := forum.ForumSyncID(d.ForumID, d.UserID)
		if syncedForums[key] {
			continue
		}
		syncedForums[key] = true

		one, err := s.syncForumForBatch(ctx, site, d.ForumID, d.UserID, force)
		if err != nil {
			errs = append(errs, err)
		}
		if one == nil {
			continue
		}
		result.Merge(*one)
		if one.Updated {
			s.notifier.Notify(forum.SyncEvent{
				Event:    event,
				SiteID:   site.ID,
				ForumID:  d.ForumID,
				UserID:   d.UserID,
				Warnings: one.Warnings,
			})
		}
	}

	replies, err := s.store.AllReplies(ctx, site.ID)
	if err != nil {
		return result, errors.Join(append(errs, err)...)
	}

	syncedDiscussions := make(map[string]bool)
	for i := range replies {
		r := &replies[i]
		key := forum.DiscussionSyncID(r.DiscussionID, r.UserID)
		if syncedDiscussions[key] {
			continue
		}
		syncedDiscussions[key] = true

		one, err := s.syncDiscussionForBatch(ctx, site, r.DiscussionID, r.UserID, force)
		if err != nil {
			errs = append(errs, err)
		}
		if one == nil {
			continue
		}
		result.Merge(*one)
		if one.Updated {
			s.notifier.Notify(forum.SyncEvent{
				Event:        event,
				SiteID:       site.ID,
				ForumID:      r.ForumID,
				DiscussionID: r.DiscussionID,
				UserID:       r.UserID,
				Warnings:     one.Warnings,
			})
		}
	}

	return result, errors.Join(errs...)
}

// syncForumForBatch syncs one forum for the batch driver. A partial pass
// returns both progress and a transport error; the progress is still merged
// and reported.
func (s *Syncer) syncForumForBatch(ctx context.Context, site sites.Site, forumID, userID int64, force bool) (*forum.SyncResult, error) {
	if !force {
		needed, err := s.IsSyncNeeded(ctx, site, forum.ForumSyncID(forumID, userID))
		if err != nil {
			return nil, err
		}
		if !needed {
			return nil, nil
		}
	}
	one, err := s.SyncForum(ctx, site, forumID, userID)
	return &one, err
}

func (s *Syncer) syncDiscussionForBatch(ctx context.Context, site sites.Site, discussionID, userID int64, force bool) (*forum.SyncResult, error) {
	if !force {
		needed, err := s.IsSyncNeeded(ctx, site, forum.DiscussionSyncID(discussionID, userID))
		if err != nil {
			return nil, err
		}
		if !needed {
			return nil, nil
		}
	}
	one, err := s.SyncDiscussion(ctx, site, discussionID, userID)
	return &one, err
}

// IsSyncNeeded reports whether the throttle interval has passed since the
// last recorded sync of a token. Backed by the store, so it is correct
// across restarts.
func (s *Syncer) IsSyncNeeded(ctx context.Context, site sites.Site, syncID string) (bool, error) {
	last, err := s.store.LastSync(ctx, site.ID, syncID)
	if err != nil {
		return false, err
	}
	return last.IsZero() || s.now().Sub(last) >= s.minInterval, nil
}

// HasPendingForumWork reports whether a forum has pending discussions or
// replies waiting to be sent.
func (s *Syncer) HasPendingForumWork(ctx context.Context, site sites.Site, forumID, userID int64) (bool, error) {
	if userID == 0 {
		userID = site.UserID
	}
	has, err := s.store.HasNewDiscussions(ctx, site.ID, forumID, userID)
	if err != nil || has {
		return has, err
	}
	return s.store.HasForumReplies(ctx, site.ID, forumID, userID)
}

// HasPendingDiscussionWork reports whether a discussion has pending replies.
func (s *Syncer) HasPendingDiscussionWork(ctx context.Context, site sites.Site, discussionID, userID int64) (bool, error) {
	if userID == 0 {
		userID = site.UserID
	}
	return s.store.HasDiscussionReplies(ctx, site.ID, discussionID, userID)
}

// finishSync records the sync timestamp for the throttle. Failing to record
// it only means the next periodic pass syncs again, so the error is logged
// and swallowed.
func (s *Syncer) finishSync(ctx context.Context, site sites.Site, syncID string) {
	if err := s.store.SetLastSync(ctx, site.ID, syncID, s.now()); err != nil {
		s.logger.Printf("Warning: failed to record sync time for %s: %v", syncID, err)
	}
}

func (s *Syncer) deleteDiscussion(ctx context.Context, site sites.Site, d *forum.PendingDiscussion) {
	if err := s.store.DeleteNewDiscussion(ctx, site.ID, d.ForumID, d.TimeCreated, d.UserID); err != nil {
		s.logger.Printf("Warning: failed to delete discussion %d/%d: %v", d.ForumID, d.TimeCreated, err)
	}
	if err := s.attachments.DeleteDiscussionFiles(site, d.ForumID, d.TimeCreated); err != nil {
		s.logger.Printf("Warning: failed to delete staged files for discussion %d/%d: %v", d.ForumID, d.TimeCreated, err)
	}
}

// deleteReply removes the snapshot this pass worked from. A reply rewritten
// while its old version was in flight has a newer time_created, so the
// rewrite and its staged files survive for the next pass.
func (s *Syncer) deleteReply(ctx context.Context, site sites.Site, r *forum.PendingReply) {
	removed, err := s.store.DeleteReplyVersion(ctx, site.ID, r.PostID, r.UserID, r.TimeCreated)
	if err != nil {
		s.logger.Printf("Warning: failed to delete reply %d: %v", r.PostID, err)
		return
	}
	if !removed {
		s.logger.Printf("Reply %d was rewritten during sync; keeping the new version", r.PostID)
		return
	}
	if err := s.attachments.DeleteReplyFiles(site, r.ForumID, r.PostID, r.UserID); err != nil {
		s.logger.Printf("Warning: failed to delete staged files for reply %d: %v", r.PostID, err)
	}
}

// classify maps a submission error to its destination outcome.
func classify(err error) Outcome {
	if gateway.IsServerRejected(err) {
		return Rejected
	}
	return Unreachable
}

// firstError returns the first error whose outcome matches want.
func firstError(outcomes []Outcome, errs []error, want Outcome) error {
	for i, o := range outcomes {
		if o == want {
			return errs[i]
		}
	}
	return nil
}

// firstFailure returns the first non-delivered error of a fan-out.
func firstFailure(outcomes []Outcome, errs []error) error {
	for i, o := range outcomes {
		if o != Delivered {
			return errs[i]
		}
	}
	return nil
}

func discardedDiscussionWarning(d *forum.PendingDiscussion, cause error) forum.Warning {
	return forum.Warning{
		Reason:      fmt.Sprintf("offline discussion %q could not be sent and was discarded: %v", d.Subject, cause),
		ForumID:     d.ForumID,
		TimeCreated: d.TimeCreated,
		UserID:      d.UserID,
		ForumName:   d.ForumName,
	}
}

func partialDiscussionWarning(d *forum.PendingDiscussion, cause error) forum.Warning {
	return forum.Warning{
		Reason:      fmt.Sprintf("discussion %q was not delivered to every group: %v", d.Subject, cause),
		ForumID:     d.ForumID,
		TimeCreated: d.TimeCreated,
		UserID:      d.UserID,
		ForumName:   d.ForumName,
	}
}

func discardedReplyWarning(r *forum.PendingReply, cause error) forum.Warning {
	return forum.Warning{
		Reason:       fmt.Sprintf("offline reply to post %d could not be sent and was discarded: %v", r.PostID, cause),
		ForumID:      r.ForumID,
		DiscussionID: r.DiscussionID,
		PostID:       r.PostID,
		UserID:       r.UserID,
		ForumName:    r.ForumName,
	}
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string, int64) {}

type noopNotifier struct{}

func (noopNotifier) Notify(forum.SyncEvent) {}
