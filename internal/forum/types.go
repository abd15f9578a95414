// Package forum defines the domain types shared by the offline record store,
// the sync engine, and the CLI: pending discussions and replies awaiting
// submission, their attachment sets, and the result/warning types returned by
// a sync run.
package forum

import (
	"fmt"
	"time"
)

// AllParticipants is the sentinel group id meaning "post to every group the
// user is allowed to post to". It is expanded to the concrete group list at
// sync time, not at compose time.
const AllParticipants int64 = -1

// PendingDiscussion is a locally composed discussion that has not been
// acknowledged by the server yet.
//
// Identity is (ForumID, UserID, TimeCreated). TimeCreated is a
// client-generated timestamp in Unix milliseconds and doubles as the stable
// key: editing a pending discussion keeps the same TimeCreated and replaces
// the whole record.
type PendingDiscussion struct {
	ForumID     int64  `json:"forumid"`
	UserID      int64  `json:"userid"`
	TimeCreated int64  `json:"timecreated"`
	CourseID    int64  `json:"courseid"`
	ForumName   string `json:"name"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`

	// Options holds named flags (subscribe, pin, ...) submitted alongside
	// the discussion.
	Options Options `json:"options,omitempty"`

	// GroupID is a concrete destination group, or AllParticipants.
	GroupID int64 `json:"groupid"`

	// Attachments is the pending attachment set owned by this record,
	// nil if the discussion has none.
	Attachments *AttachmentSet `json:"attachments,omitempty"`
}

// Validate checks that the record carries a usable identity and content.
func (d *PendingDiscussion) Validate() error {
	if d.ForumID <= 0 {
		return fmt.Errorf("forum id is required")
	}
	if d.UserID <= 0 {
		return fmt.Errorf("user id is required")
	}
	if d.TimeCreated <= 0 {
		return fmt.Errorf("timecreated is required")
	}
	if d.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if d.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// PendingReply is a locally composed reply to an existing post.
//
// Identity is (PostID, UserID): at most one pending reply per post and user.
// A second reply to the same post replaces the first (edit, don't stack).
type PendingReply struct {
	PostID       int64  `json:"postid"`
	UserID       int64  `json:"userid"`
	DiscussionID int64  `json:"discussionid"`
	ForumID      int64  `json:"forumid"`
	CourseID     int64  `json:"courseid"`
	ForumName    string `json:"name"`
	Subject      string `json:"subject"`
	Message      string `json:"message"`

	Options     Options        `json:"options,omitempty"`
	Attachments *AttachmentSet `json:"attachments,omitempty"`

	TimeCreated int64 `json:"timecreated"`
}

// Validate checks that the record carries a usable identity and content.
func (r *PendingReply) Validate() error {
	if r.PostID <= 0 {
		return fmt.Errorf("post id is required")
	}
	if r.UserID <= 0 {
		return fmt.Errorf("user id is required")
	}
	if r.DiscussionID <= 0 {
		return fmt.Errorf("discussion id is required")
	}
	if r.ForumID <= 0 {
		return fmt.Errorf("forum id is required")
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// RemoteFile is a server-known attachment handle that needs no re-upload.
type RemoteFile struct {
	Filename string `json:"filename"`
	URL      string `json:"fileurl"`
}

// AttachmentSet partitions a record's attachments into files the server
// already knows about and files staged on local disk awaiting upload.
// A set is owned by exactly one pending record and is never addressed on
// its own.
type AttachmentSet struct {
	// DraftID is the server-side draft area already holding the online
	// files, zero if none. Draft areas are not shared across independent
	// submissions; each destination gets a fresh draft seeded from this
	// one.
	DraftID int64        `json:"draftid,omitempty"`
	Online  []RemoteFile `json:"online,omitempty"`

	// Offline is the number of files staged in the record's staging
	// folder. The folder path is derived from the record identity, so the
	// set only needs the count.
	Offline int `json:"offline,omitempty"`
}

// Empty reports whether the set references no files at all.
func (a *AttachmentSet) Empty() bool {
	return a == nil || (a.DraftID == 0 && len(a.Online) == 0 && a.Offline == 0)
}

// Warning records that a pending record was discarded (or only partially
// delivered) during sync. It is surfaced to the user later; the engine
// attaches no control-flow meaning to it.
type Warning struct {
	Reason string `json:"reason"`

	// Identity of the affected record. DiscussionID and PostID are zero
	// for discussion records; TimeCreated is zero for replies.
	ForumID      int64  `json:"forumid"`
	DiscussionID int64  `json:"discussionid,omitempty"`
	PostID       int64  `json:"postid,omitempty"`
	TimeCreated  int64  `json:"timecreated,omitempty"`
	UserID       int64  `json:"userid"`
	ForumName    string `json:"name,omitempty"`
}

// SyncResult is the aggregated outcome of one sync invocation. Updated means
// local or remote state changed: something was delivered, or an undeliverable
// record was discarded.
type SyncResult struct {
	Updated  bool      `json:"updated"`
	Warnings []Warning `json:"warnings"`
}

// Merge folds another result into this one.
func (r *SyncResult) Merge(other SyncResult) {
	r.Updated = r.Updated || other.Updated
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// SyncEvent is emitted once per resource that ended a batch sync with
// Updated set, carrying enough identity for a UI layer to refresh.
type SyncEvent struct {
	Event        string    `json:"event"`
	SiteID       string    `json:"siteid"`
	ForumID      int64     `json:"forumid"`
	DiscussionID int64     `json:"discussionid,omitempty"`
	UserID       int64     `json:"userid"`
	Warnings     []Warning `json:"warnings,omitempty"`
}

// Now returns the current time as Unix milliseconds, the timestamp unit used
// for record identities.
func Now() int64 {
	return time.Now().UnixMilli()
}
