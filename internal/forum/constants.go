package forum

import "fmt"

// Events emitted by the batch sync driver.
const (
	// EventAutoSynced is emitted when a periodic (scheduler-driven) sync
	// updated a resource.
	EventAutoSynced = "forumqueue_auto_synced"

	// EventManualSynced is emitted when a user-triggered sync updated a
	// resource.
	EventManualSynced = "forumqueue_manual_synced"
)

// Cache kinds understood by the invalidation sink.
const (
	CacheDiscussionList = "discussions"
	CacheCanPost        = "canadd"
	CachePostList       = "posts"
	CacheGroups         = "groups"
)

// ForumSyncID returns the lock/registry token for syncing a forum's pending
// discussions. The token is deterministic so that concurrent triggers for the
// same forum and user collapse onto one running task.
func ForumSyncID(forumID, userID int64) string {
	return fmt.Sprintf("forum#%d#%d", forumID, userID)
}

// DiscussionSyncID returns the lock/registry token for syncing a discussion's
// pending replies.
func DiscussionSyncID(discussionID, userID int64) string {
	return fmt.Sprintf("discussion#%d#%d", discussionID, userID)
}
