package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campusmobile/forumqueue/internal/composer"
)

var postFlags struct {
	forumID   int64
	courseID  int64
	forumName string
	subject   string
	message   string
	attach    []string
	groups    []int64
	allGroups bool
	offline   bool
	subscribe bool
	pin       bool
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Start a new discussion, queueing it if the server is unreachable",
	Long: `Start a new discussion in a forum.

The discussion is posted directly when the server is reachable. On
transport failure, or with --offline, it is queued and delivered by the
next sync. If the server refuses the post outright, nothing is queued.

With --all-groups (or more than one --group) the discussion fans out to
every group you may post to; a queued fan-out is resolved at sync time.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		req := composer.DiscussionRequest{
			ForumID:   postFlags.forumID,
			CourseID:  postFlags.courseID,
			ForumName: postFlags.forumName,
			Subject:   postFlags.subject,
			Message:   postFlags.message,
			Files:     postFlags.attach,
			Offline:   postFlags.offline,
		}
		if !postFlags.allGroups {
			req.GroupIDs = postFlags.groups
		}
		if postFlags.subscribe || postFlags.pin {
			req.Options = map[string]any{}
			if postFlags.subscribe {
				req.Options["discussionsubscribe"] = true
			}
			if postFlags.pin {
				req.Options["discussionpinned"] = true
			}
		}

		queued, err := a.composer.AddDiscussion(context.Background(), a.site, req)
		if err != nil {
			fatal(err)
		}
		if queued {
			fmt.Println("Discussion queued; it will be delivered by the next sync")
		} else {
			fmt.Println("Discussion posted")
		}
	},
}

func init() {
	postCmd.Flags().Int64Var(&postFlags.forumID, "forum", 0, "forum id (required)")
	postCmd.Flags().Int64Var(&postFlags.courseID, "course", 0, "course id")
	postCmd.Flags().StringVar(&postFlags.forumName, "forum-name", "", "forum name, shown in sync warnings")
	postCmd.Flags().StringVar(&postFlags.subject, "subject", "", "discussion subject (required)")
	postCmd.Flags().StringVar(&postFlags.message, "message", "", "discussion body (required)")
	postCmd.Flags().StringSliceVar(&postFlags.attach, "attach", nil, "file to attach (repeatable)")
	postCmd.Flags().Int64SliceVar(&postFlags.groups, "group", nil, "destination group id (repeatable)")
	postCmd.Flags().BoolVar(&postFlags.allGroups, "all-groups", false, "post to every group you may post to")
	postCmd.Flags().BoolVar(&postFlags.offline, "offline", false, "queue without attempting the server")
	postCmd.Flags().BoolVar(&postFlags.subscribe, "subscribe", false, "subscribe to the discussion")
	postCmd.Flags().BoolVar(&postFlags.pin, "pin", false, "pin the discussion")

	_ = postCmd.MarkFlagRequired("forum")
	_ = postCmd.MarkFlagRequired("subject")
	_ = postCmd.MarkFlagRequired("message")

	rootCmd.AddCommand(postCmd)
}
