package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/campusmobile/forumqueue/internal/forum"
)

const discussionSelect = `
	SELECT forum_id, user_id, time_created, course_id, forum_name,
	       subject, message, options, group_id, attachments
	FROM offline_discussions`

const replySelect = `
	SELECT post_id, user_id, discussion_id, forum_id, course_id, forum_name,
	       subject, message, options, attachments, time_created
	FROM offline_replies`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiscussion(row rowScanner) (*forum.PendingDiscussion, error) {
	var d forum.PendingDiscussion
	var options string
	var attachments sql.NullString

	err := row.Scan(
		&d.ForumID, &d.UserID, &d.TimeCreated, &d.CourseID, &d.ForumName,
		&d.Subject, &d.Message, &options, &d.GroupID, &attachments,
	)
	if err != nil {
		return nil, err
	}

	if d.Options, err = forum.DecodeOptions(options); err != nil {
		return nil, err
	}
	if d.Attachments, err = decodeAttachments(attachments); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanReply(row rowScanner) (*forum.PendingReply, error) {
	var r forum.PendingReply
	var options string
	var attachments sql.NullString

	err := row.Scan(
		&r.PostID, &r.UserID, &r.DiscussionID, &r.ForumID, &r.CourseID,
		&r.ForumName, &r.Subject, &r.Message, &options, &attachments,
		&r.TimeCreated,
	)
	if err != nil {
		return nil, err
	}

	if r.Options, err = forum.DecodeOptions(options); err != nil {
		return nil, err
	}
	if r.Attachments, err = decodeAttachments(attachments); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) queryDiscussions(ctx context.Context, query string, args ...any) ([]forum.PendingDiscussion, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending discussions: %w", err)
	}
	defer rows.Close()

	var discussions []forum.PendingDiscussion
	for rows.Next() {
		d, err := scanDiscussion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending discussion: %w", err)
		}
		discussions = append(discussions, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending discussions: %w", err)
	}
	return discussions, nil
}

func (s *Store) queryReplies(ctx context.Context, query string, args ...any) ([]forum.PendingReply, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending replies: %w", err)
	}
	defer rows.Close()

	var replies []forum.PendingReply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending reply: %w", err)
		}
		replies = append(replies, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending replies: %w", err)
	}
	return replies, nil
}

func encodeAttachments(set *forum.AttachmentSet) (sql.NullString, error) {
	if set.Empty() {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode attachment set: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeAttachments(column sql.NullString) (*forum.AttachmentSet, error) {
	if !column.Valid || column.String == "" {
		return nil, nil
	}
	var set forum.AttachmentSet
	if err := json.Unmarshal([]byte(column.String), &set); err != nil {
		return nil, fmt.Errorf("failed to decode attachment set: %w", err)
	}
	return &set, nil
}
