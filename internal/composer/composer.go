// Package composer publishes discussions and replies, preferring the live
// server and falling back to the offline queue.
//
// The fallback rule mirrors the sync engine's error taxonomy: a transport
// failure queues the record for later, a definitive server refusal
// propagates to the caller and stores nothing, because queueing it would
// only produce the same refusal at sync time.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/campusmobile/forumqueue/internal/attachments"
	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/gateway"
	"github.com/campusmobile/forumqueue/internal/sites"
	"github.com/campusmobile/forumqueue/internal/store"
	"github.com/campusmobile/forumqueue/internal/syncer"
)

// Gateway is the remote surface the composer needs.
type Gateway interface {
	Ping(ctx context.Context, site sites.Site) error
	SubmitDiscussion(ctx context.Context, site sites.Site, forumID int64, subject, message string, options forum.Options, groupID int64) (int64, error)
	SubmitReply(ctx context.Context, site sites.Site, postID int64, subject, message string, options forum.Options) (int64, error)
	UploadDraft(ctx context.Context, site sites.Site, basedOn int64, paths []string) (int64, error)
}

// Composer publishes forum content online-first with offline fallback.
type Composer struct {
	store       *store.Store
	gateway     Gateway
	attachments *attachments.Resolver
	guard       *syncer.Guard
	logger      *log.Logger
}

// New creates a composer. guard may be nil when no sync engine shares the
// store; logger defaults to stderr.
func New(st *store.Store, gw Gateway, resolver *attachments.Resolver, guard *syncer.Guard, logger *log.Logger) *Composer {
	if logger == nil {
		logger = log.New(os.Stderr, "[composer] ", log.LstdFlags)
	}
	return &Composer{
		store:       st,
		gateway:     gw,
		attachments: resolver,
		guard:       guard,
		logger:      logger,
	}
}

// DiscussionRequest describes a discussion to publish.
type DiscussionRequest struct {
	ForumID   int64
	CourseID  int64
	ForumName string
	Subject   string
	Message   string
	Options   forum.Options

	// GroupIDs are the destination groups; empty means all participants.
	GroupIDs []int64

	// Files are local paths to attach.
	Files []string

	// TimeCreated is set when editing an already queued discussion; the
	// edit replaces the record under the same key and always stays
	// offline until the next sync.
	TimeCreated int64

	// Offline forces queueing without attempting the server.
	Offline bool
}

// ReplyRequest describes a reply to publish.
type ReplyRequest struct {
	PostID       int64
	DiscussionID int64
	ForumID      int64
	CourseID     int64
	ForumName    string
	Subject      string
	Message      string
	Options      forum.Options
	Files        []string
	Offline      bool
}

// AddDiscussion publishes a new discussion. It returns true when the
// discussion was queued offline rather than delivered.
//
// Online delivery posts one copy per requested group, all destinations at
// once. The request is queued for sync only when every copy failed at the
// transport level; the destination set then collapses to the
// all-participants sentinel so the engine re-resolves the groups at
// delivery time. If the server refused a copy the refusal propagates and
// nothing is queued. Once any group has accepted the post, failures on the
// remaining groups surface to the caller instead of queueing, because a
// queued record would be resubmitted to the groups that already have it.
func (c *Composer) AddDiscussion(ctx context.Context, site sites.Site, req DiscussionRequest) (bool, error) {
	if req.ForumID <= 0 {
		return false, fmt.Errorf("forum id is required")
	}
	if req.Subject == "" || req.Message == "" {
		return false, fmt.Errorf("subject and message are required")
	}

	if req.Offline || req.TimeCreated != 0 || c.gateway.Ping(ctx, site) != nil {
		return true, c.queueDiscussion(ctx, site, req)
	}

	groupIDs := req.GroupIDs
	if len(groupIDs) == 0 {
		groupIDs = []int64{forum.AllParticipants}
	}

	errs := make([]error, len(groupIDs))
	var wg sync.WaitGroup
	for i, groupID := range groupIDs {
		wg.Add(1)
		go func(i int, groupID int64) {
			defer wg.Done()
			errs[i] = c.postDiscussionOnline(ctx, site, req, groupID)
		}(i, groupID)
	}
	wg.Wait()

	var failed int
	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}

	switch {
	case failed == 0:
		return false, nil
	case failed < len(groupIDs):
		return false, fmt.Errorf("discussion delivered to %d of %d groups: %w", len(groupIDs)-failed, len(groupIDs), firstErr)
	}

	for _, err := range errs {
		if gateway.IsServerRejected(err) {
			return false, err
		}
	}
	c.logger.Printf("Online post to forum %d failed, queueing: %v", req.ForumID, firstErr)
	return true, c.queueDiscussion(ctx, site, req)
}

func (c *Composer) postDiscussionOnline(ctx context.Context, site sites.Site, req DiscussionRequest, groupID int64) error {
	options := req.Options.Clone()
	if len(req.Files) > 0 {
		itemID, err := c.gateway.UploadDraft(ctx, site, 0, req.Files)
		if err != nil {
			return fmt.Errorf("attachments: %w", err)
		}
		options["attachmentsid"] = itemID
	}
	_, err := c.gateway.SubmitDiscussion(ctx, site, req.ForumID, req.Subject, req.Message, options, groupID)
	return err
}

// queueDiscussion stores the request as a pending record, staging its files.
// Editing keeps the caller's TimeCreated so the record is replaced in place.
func (c *Composer) queueDiscussion(ctx context.Context, site sites.Site, req DiscussionRequest) error {
	timeCreated := req.TimeCreated
	if timeCreated == 0 {
		timeCreated = forum.Now()
	}

	d := &forum.PendingDiscussion{
		ForumID:     req.ForumID,
		UserID:      site.UserID,
		TimeCreated: timeCreated,
		CourseID:    req.CourseID,
		ForumName:   req.ForumName,
		Subject:     req.Subject,
		Message:     req.Message,
		Options:     req.Options,
		GroupID:     collapseGroups(req.GroupIDs),
	}
	if err := d.Validate(); err != nil {
		return err
	}

	syncID := forum.ForumSyncID(d.ForumID, d.UserID)
	if c.guard != nil {
		c.guard.Block(syncID)
		defer c.guard.Unblock(syncID)
	}

	if len(req.Files) > 0 {
		set, err := c.attachments.Stage(attachments.DiscussionFolder(site, d.ForumID, d.TimeCreated), req.Files)
		if err != nil {
			return err
		}
		d.Attachments = set
	}

	if err := c.store.SaveNewDiscussion(ctx, site.ID, d); err != nil {
		return err
	}
	c.logger.Printf("Queued discussion %q for forum %d", d.Subject, d.ForumID)
	return nil
}

// ReplyToPost publishes a reply. It returns true when the reply was queued
// offline rather than delivered.
//
// A reply to a post that already has a queued reply always goes offline and
// replaces it, so the user never ends up with one copy on the server and a
// stale one still in the queue.
func (c *Composer) ReplyToPost(ctx context.Context, site sites.Site, req ReplyRequest) (bool, error) {
	if req.PostID <= 0 || req.DiscussionID <= 0 || req.ForumID <= 0 {
		return false, fmt.Errorf("post, discussion and forum ids are required")
	}
	if req.Message == "" {
		return false, fmt.Errorf("message is required")
	}

	_, err := c.store.GetReply(ctx, site.ID, req.PostID, site.UserID)
	hasQueued := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if req.Offline || hasQueued || c.gateway.Ping(ctx, site) != nil {
		return true, c.queueReply(ctx, site, req)
	}

	options := req.Options.Clone()
	if len(req.Files) > 0 {
		itemID, err := c.gateway.UploadDraft(ctx, site, 0, req.Files)
		if err != nil {
			if gateway.IsServerRejected(err) {
				return false, err
			}
			c.logger.Printf("Online reply to post %d failed, queueing: %v", req.PostID, err)
			return true, c.queueReply(ctx, site, req)
		}
		options["attachmentsid"] = itemID
	}

	if _, err := c.gateway.SubmitReply(ctx, site, req.PostID, req.Subject, req.Message, options); err != nil {
		if gateway.IsServerRejected(err) {
			return false, err
		}
		c.logger.Printf("Online reply to post %d failed, queueing: %v", req.PostID, err)
		return true, c.queueReply(ctx, site, req)
	}
	return false, nil
}

func (c *Composer) queueReply(ctx context.Context, site sites.Site, req ReplyRequest) error {
	r := &forum.PendingReply{
		PostID:       req.PostID,
		UserID:       site.UserID,
		DiscussionID: req.DiscussionID,
		ForumID:      req.ForumID,
		CourseID:     req.CourseID,
		ForumName:    req.ForumName,
		Subject:      req.Subject,
		Message:      req.Message,
		Options:      req.Options,
		TimeCreated:  forum.Now(),
	}
	if err := r.Validate(); err != nil {
		return err
	}

	syncID := forum.DiscussionSyncID(r.DiscussionID, r.UserID)
	if c.guard != nil {
		c.guard.Block(syncID)
		defer c.guard.Unblock(syncID)
	}

	if len(req.Files) > 0 {
		set, err := c.attachments.Stage(attachments.ReplyFolder(site, r.ForumID, r.PostID, r.UserID), req.Files)
		if err != nil {
			return err
		}
		r.Attachments = set
	}

	if err := c.store.SaveReply(ctx, site.ID, r); err != nil {
		return err
	}
	c.logger.Printf("Queued reply to post %d in discussion %d", r.PostID, r.DiscussionID)
	return nil
}

// DiscardDiscussion drops a queued discussion and its staged files.
func (c *Composer) DiscardDiscussion(ctx context.Context, site sites.Site, forumID, timeCreated int64) error {
	if err := c.store.DeleteNewDiscussion(ctx, site.ID, forumID, timeCreated, site.UserID); err != nil {
		return err
	}
	return c.attachments.DeleteDiscussionFiles(site, forumID, timeCreated)
}

// DiscardReply drops a queued reply and its staged files.
func (c *Composer) DiscardReply(ctx context.Context, site sites.Site, forumID, postID int64) error {
	if err := c.store.DeleteReply(ctx, site.ID, postID, site.UserID); err != nil {
		return err
	}
	return c.attachments.DeleteReplyFiles(site, forumID, postID, site.UserID)
}

// collapseGroups maps a requested destination set onto the single stored
// group column. Multiple explicit groups collapse to the all-participants
// sentinel; the engine re-resolves the concrete set at sync time.
func collapseGroups(groupIDs []int64) int64 {
	if len(groupIDs) == 1 {
		return groupIDs[0]
	}
	return forum.AllParticipants
}
