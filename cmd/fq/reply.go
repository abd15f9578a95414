package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campusmobile/forumqueue/internal/composer"
)

var replyFlags struct {
	postID       int64
	discussionID int64
	forumID      int64
	courseID     int64
	forumName    string
	subject      string
	message      string
	attach       []string
	offline      bool
	private      bool
}

var replyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Reply to a post, queueing it if the server is unreachable",
	Long: `Reply to an existing post.

The reply is posted directly when the server is reachable. On transport
failure, or with --offline, it is queued and delivered by the next sync.
A second reply to a post that already has a queued reply replaces the
queued one instead of going online, preserving order.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		req := composer.ReplyRequest{
			PostID:       replyFlags.postID,
			DiscussionID: replyFlags.discussionID,
			ForumID:      replyFlags.forumID,
			CourseID:     replyFlags.courseID,
			ForumName:    replyFlags.forumName,
			Subject:      replyFlags.subject,
			Message:      replyFlags.message,
			Files:        replyFlags.attach,
			Offline:      replyFlags.offline,
		}
		if replyFlags.private {
			req.Options = map[string]any{"private": true}
		}

		queued, err := a.composer.ReplyToPost(context.Background(), a.site, req)
		if err != nil {
			fatal(err)
		}
		if queued {
			fmt.Println("Reply queued; it will be delivered by the next sync")
		} else {
			fmt.Println("Reply posted")
		}
	},
}

func init() {
	replyCmd.Flags().Int64Var(&replyFlags.postID, "post", 0, "post id to reply to (required)")
	replyCmd.Flags().Int64Var(&replyFlags.discussionID, "discussion", 0, "discussion id (required)")
	replyCmd.Flags().Int64Var(&replyFlags.forumID, "forum", 0, "forum id (required)")
	replyCmd.Flags().Int64Var(&replyFlags.courseID, "course", 0, "course id")
	replyCmd.Flags().StringVar(&replyFlags.forumName, "forum-name", "", "forum name, shown in sync warnings")
	replyCmd.Flags().StringVar(&replyFlags.subject, "subject", "", "reply subject")
	replyCmd.Flags().StringVar(&replyFlags.message, "message", "", "reply body (required)")
	replyCmd.Flags().StringSliceVar(&replyFlags.attach, "attach", nil, "file to attach (repeatable)")
	replyCmd.Flags().BoolVar(&replyFlags.offline, "offline", false, "queue without attempting the server")
	replyCmd.Flags().BoolVar(&replyFlags.private, "private", false, "reply privately to the post author")

	_ = replyCmd.MarkFlagRequired("post")
	_ = replyCmd.MarkFlagRequired("discussion")
	_ = replyCmd.MarkFlagRequired("forum")
	_ = replyCmd.MarkFlagRequired("message")

	rootCmd.AddCommand(replyCmd)
}
