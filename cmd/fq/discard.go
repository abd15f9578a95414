package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var discardFlags struct {
	forumID     int64
	timeCreated int64
	postID      int64
}

var discardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Drop a queued record and its staged attachments",
}

var discardDiscussionCmd = &cobra.Command{
	Use:   "discussion",
	Short: "Drop a queued discussion",
	Long: `Drop a queued discussion identified by its forum and creation
timestamp, as printed by 'fq status'. Discarding is idempotent.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		if err := a.composer.DiscardDiscussion(context.Background(), a.site, discardFlags.forumID, discardFlags.timeCreated); err != nil {
			fatal(err)
		}
		fmt.Println("Discussion discarded")
	},
}

var discardReplyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Drop a queued reply",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		if err := a.composer.DiscardReply(context.Background(), a.site, discardFlags.forumID, discardFlags.postID); err != nil {
			fatal(err)
		}
		fmt.Println("Reply discarded")
	},
}

func init() {
	discardDiscussionCmd.Flags().Int64Var(&discardFlags.forumID, "forum", 0, "forum id (required)")
	discardDiscussionCmd.Flags().Int64Var(&discardFlags.timeCreated, "created", 0, "creation timestamp in unix milliseconds (required)")
	_ = discardDiscussionCmd.MarkFlagRequired("forum")
	_ = discardDiscussionCmd.MarkFlagRequired("created")

	discardReplyCmd.Flags().Int64Var(&discardFlags.forumID, "forum", 0, "forum id (required)")
	discardReplyCmd.Flags().Int64Var(&discardFlags.postID, "post", 0, "post id (required)")
	_ = discardReplyCmd.MarkFlagRequired("forum")
	_ = discardReplyCmd.MarkFlagRequired("post")

	discardCmd.AddCommand(discardDiscussionCmd)
	discardCmd.AddCommand(discardReplyCmd)
	rootCmd.AddCommand(discardCmd)
}
