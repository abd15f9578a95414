// Package store provides the durable offline record store for pending forum
// discussions and replies.
//
// Records live in a local SQLite database opened in embedded mode with WAL
// for concurrent reads. Every operation is scoped by a site id so multiple
// accounts can share one database, and every write targets a composite
// record key:
//
//   - pending discussions: (site, forum, user, timecreated)
//   - pending replies:     (site, post, user)
//
// Saves are insert-or-replace on the key, deletes are idempotent, and no
// operation holds a database lock across a network call. The store also
// persists the last-successful-sync timestamp per sync token so the periodic
// scheduler's throttle survives restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/campusmobile/forumqueue/internal/forum"
)

// ErrNotFound is returned by single-record getters when no record matches.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite connection holding the offline queue.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the queue database at the specified path.
//
// The parent directory is created if needed. The caller MUST call Close()
// when done, and InitSchema() before first use.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "queue.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//	if err := st.InitSchema(context.Background()); err != nil {
//	    return err
//	}
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	// WAL mode for concurrent reads while the syncer writes.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return st, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the queue tables and indexes if they don't exist.
// Idempotent - safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS offline_discussions (
		site_id      TEXT    NOT NULL,
		forum_id     INTEGER NOT NULL,
		user_id      INTEGER NOT NULL,
		time_created INTEGER NOT NULL,
		course_id    INTEGER NOT NULL,
		forum_name   TEXT    NOT NULL,
		subject      TEXT    NOT NULL,
		message      TEXT    NOT NULL,
		options      TEXT    NOT NULL DEFAULT '{}',
		group_id     INTEGER NOT NULL,
		attachments  TEXT,
		PRIMARY KEY (site_id, forum_id, user_id, time_created)
	);

	CREATE TABLE IF NOT EXISTS offline_replies (
		site_id       TEXT    NOT NULL,
		post_id       INTEGER NOT NULL,
		user_id       INTEGER NOT NULL,
		discussion_id INTEGER NOT NULL,
		forum_id      INTEGER NOT NULL,
		course_id     INTEGER NOT NULL,
		forum_name    TEXT    NOT NULL,
		subject       TEXT    NOT NULL,
		message       TEXT    NOT NULL,
		options       TEXT    NOT NULL DEFAULT '{}',
		attachments   TEXT,
		time_created  INTEGER NOT NULL,
		PRIMARY KEY (site_id, post_id, user_id)
	);

	-- Last successful sync per lock token, so the scheduler throttle is
	-- correct across app restarts.
	CREATE TABLE IF NOT EXISTS sync_times (
		site_id   TEXT NOT NULL,
		sync_id   TEXT NOT NULL,
		last_sync INTEGER NOT NULL,
		PRIMARY KEY (site_id, sync_id)
	);

	CREATE INDEX IF NOT EXISTS idx_discussions_forum
	    ON offline_discussions(site_id, forum_id);
	CREATE INDEX IF NOT EXISTS idx_replies_discussion
	    ON offline_replies(site_id, discussion_id);
	CREATE INDEX IF NOT EXISTS idx_replies_forum
	    ON offline_replies(site_id, forum_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// SaveNewDiscussion inserts or replaces a pending discussion on its
// (forum, user, timecreated) key. An edit reuses the key and replaces the
// whole record.
func (s *Store) SaveNewDiscussion(ctx context.Context, siteID string, d *forum.PendingDiscussion) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid pending discussion: %w", err)
	}

	options, err := d.Options.Encode()
	if err != nil {
		return err
	}
	attachments, err := encodeAttachments(d.Attachments)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO offline_discussions (
		site_id, forum_id, user_id, time_created, course_id,
		forum_name, subject, message, options, group_id, attachments
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(site_id, forum_id, user_id, time_created) DO UPDATE SET
		course_id = excluded.course_id,
		forum_name = excluded.forum_name,
		subject = excluded.subject,
		message = excluded.message,
		options = excluded.options,
		group_id = excluded.group_id,
		attachments = excluded.attachments
	`

	_, err = s.conn.ExecContext(ctx, query,
		siteID, d.ForumID, d.UserID, d.TimeCreated, d.CourseID,
		d.ForumName, d.Subject, d.Message, options, d.GroupID, attachments,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending discussion: %w", err)
	}

	return nil
}

// GetNewDiscussion fetches a single pending discussion by its key.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) GetNewDiscussion(ctx context.Context, siteID string, forumID, timeCreated, userID int64) (*forum.PendingDiscussion, error) {
	query := discussionSelect + `
	WHERE site_id = ? AND forum_id = ? AND time_created = ? AND user_id = ?`

	row := s.conn.QueryRowContext(ctx, query, siteID, forumID, timeCreated, userID)
	d, err := scanDiscussion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// NewDiscussions returns the pending discussions for a forum and user, in no
// particular order.
func (s *Store) NewDiscussions(ctx context.Context, siteID string, forumID, userID int64) ([]forum.PendingDiscussion, error) {
	query := discussionSelect + `
	WHERE site_id = ? AND forum_id = ? AND user_id = ?`

	return s.queryDiscussions(ctx, query, siteID, forumID, userID)
}

// AllNewDiscussions returns every pending discussion stored for a site.
func (s *Store) AllNewDiscussions(ctx context.Context, siteID string) ([]forum.PendingDiscussion, error) {
	query := discussionSelect + `
	WHERE site_id = ?`

	return s.queryDiscussions(ctx, query, siteID)
}

// HasNewDiscussions reports whether a forum has pending discussions to send.
func (s *Store) HasNewDiscussions(ctx context.Context, siteID string, forumID, userID int64) (bool, error) {
	query := `
	SELECT COUNT(*) FROM offline_discussions
	WHERE site_id = ? AND forum_id = ? AND user_id = ?`

	var count int
	if err := s.conn.QueryRowContext(ctx, query, siteID, forumID, userID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count pending discussions: %w", err)
	}
	return count > 0, nil
}

// DeleteNewDiscussion removes a pending discussion.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteNewDiscussion(ctx context.Context, siteID string, forumID, timeCreated, userID int64) error {
	query := `
	DELETE FROM offline_discussions
	WHERE site_id = ? AND forum_id = ? AND time_created = ? AND user_id = ?`

	if _, err := s.conn.ExecContext(ctx, query, siteID, forumID, timeCreated, userID); err != nil {
		return fmt.Errorf("failed to delete pending discussion: %w", err)
	}
	return nil
}

// SaveReply inserts or replaces a pending reply on its (post, user) key.
func (s *Store) SaveReply(ctx context.Context, siteID string, r *forum.PendingReply) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid pending reply: %w", err)
	}

	options, err := r.Options.Encode()
	if err != nil {
		return err
	}
	attachments, err := encodeAttachments(r.Attachments)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO offline_replies (
		site_id, post_id, user_id, discussion_id, forum_id, course_id,
		forum_name, subject, message, options, attachments, time_created
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(site_id, post_id, user_id) DO UPDATE SET
		discussion_id = excluded.discussion_id,
		forum_id = excluded.forum_id,
		course_id = excluded.course_id,
		forum_name = excluded.forum_name,
		subject = excluded.subject,
		message = excluded.message,
		options = excluded.options,
		attachments = excluded.attachments,
		time_created = excluded.time_created
	`

	_, err = s.conn.ExecContext(ctx, query,
		siteID, r.PostID, r.UserID, r.DiscussionID, r.ForumID, r.CourseID,
		r.ForumName, r.Subject, r.Message, options, attachments, r.TimeCreated,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending reply: %w", err)
	}

	return nil
}

// GetReply fetches a single pending reply by its key.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) GetReply(ctx context.Context, siteID string, postID, userID int64) (*forum.PendingReply, error) {
	query := replySelect + `
	WHERE site_id = ? AND post_id = ? AND user_id = ?`

	row := s.conn.QueryRowContext(ctx, query, siteID, postID, userID)
	r, err := scanReply(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// DiscussionReplies returns the pending replies for a discussion and user,
// in no particular order.
func (s *Store) DiscussionReplies(ctx context.Context, siteID string, discussionID, userID int64) ([]forum.PendingReply, error) {
	query := replySelect + `
	WHERE site_id = ? AND discussion_id = ? AND user_id = ?`

	return s.queryReplies(ctx, query, siteID, discussionID, userID)
}

// ForumReplies returns the pending replies across all discussions of a forum.
func (s *Store) ForumReplies(ctx context.Context, siteID string, forumID, userID int64) ([]forum.PendingReply, error) {
	query := replySelect + `
	WHERE site_id = ? AND forum_id = ? AND user_id = ?`

	return s.queryReplies(ctx, query, siteID, forumID, userID)
}

// AllReplies returns every pending reply stored for a site.
func (s *Store) AllReplies(ctx context.Context, siteID string) ([]forum.PendingReply, error) {
	query := replySelect + `
	WHERE site_id = ?`

	return s.queryReplies(ctx, query, siteID)
}

// HasDiscussionReplies reports whether a discussion has pending replies.
func (s *Store) HasDiscussionReplies(ctx context.Context, siteID string, discussionID, userID int64) (bool, error) {
	query := `
	SELECT COUNT(*) FROM offline_replies
	WHERE site_id = ? AND discussion_id = ? AND user_id = ?`

	var count int
	if err := s.conn.QueryRowContext(ctx, query, siteID, discussionID, userID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count pending replies: %w", err)
	}
	return count > 0, nil
}

// HasForumReplies reports whether any discussion of a forum has pending
// replies.
func (s *Store) HasForumReplies(ctx context.Context, siteID string, forumID, userID int64) (bool, error) {
	query := `
	SELECT COUNT(*) FROM offline_replies
	WHERE site_id = ? AND forum_id = ? AND user_id = ?`

	var count int
	if err := s.conn.QueryRowContext(ctx, query, siteID, forumID, userID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count pending replies: %w", err)
	}
	return count > 0, nil
}

// DeleteReply removes a pending reply.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteReply(ctx context.Context, siteID string, postID, userID int64) error {
	query := `
	DELETE FROM offline_replies
	WHERE site_id = ? AND post_id = ? AND user_id = ?`

	if _, err := s.conn.ExecContext(ctx, query, siteID, postID, userID); err != nil {
		return fmt.Errorf("failed to delete pending reply: %w", err)
	}
	return nil
}

// DeleteReplyVersion removes a pending reply only if its time_created still
// matches the version the caller read. It reports whether a row was removed;
// false means the reply was rewritten in the meantime and the newer version
// stays queued.
func (s *Store) DeleteReplyVersion(ctx context.Context, siteID string, postID, userID, timeCreated int64) (bool, error) {
	query := `
	DELETE FROM offline_replies
	WHERE site_id = ? AND post_id = ? AND user_id = ? AND time_created = ?`

	res, err := s.conn.ExecContext(ctx, query, siteID, postID, userID, timeCreated)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete pending reply: %w", err)
	}
	return n > 0, nil
}

// LastSync returns the recorded time of the last successful sync for a sync
// token, or the zero time if the token has never synced.
func (s *Store) LastSync(ctx context.Context, siteID, syncID string) (time.Time, error) {
	query := `SELECT last_sync FROM sync_times WHERE site_id = ? AND sync_id = ?`

	var millis int64
	err := s.conn.QueryRowContext(ctx, query, siteID, syncID).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read sync time: %w", err)
	}
	return time.UnixMilli(millis), nil
}

// SetLastSync records the time of a completed sync for a sync token.
func (s *Store) SetLastSync(ctx context.Context, siteID, syncID string, t time.Time) error {
	query := `
	INSERT INTO sync_times (site_id, sync_id, last_sync)
	VALUES (?, ?, ?)
	ON CONFLICT(site_id, sync_id) DO UPDATE SET
		last_sync = excluded.last_sync
	`

	if _, err := s.conn.ExecContext(ctx, query, siteID, syncID, t.UnixMilli()); err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}
