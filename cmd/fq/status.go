package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued records waiting for delivery",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		ctx := context.Background()

		discussions, err := a.store.AllNewDiscussions(ctx, a.site.ID)
		if err != nil {
			fatal(err)
		}
		replies, err := a.store.AllReplies(ctx, a.site.ID)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("\nQueue for site %s (%s)\n\n", a.site.ID, a.site.BaseURL)

		if len(discussions) == 0 && len(replies) == 0 {
			fmt.Println("Nothing queued")
			fmt.Println()
			return
		}

		if len(discussions) > 0 {
			fmt.Printf("Discussions (%d):\n", len(discussions))
			for _, d := range discussions {
				created := time.UnixMilli(d.TimeCreated).Format("2006-01-02 15:04")
				attach := ""
				if !d.Attachments.Empty() {
					attach = " [attachments]"
				}
				fmt.Printf("  forum %-6d %s  %q%s\n", d.ForumID, created, d.Subject, attach)
			}
			fmt.Println()
		}

		if len(replies) > 0 {
			fmt.Printf("Replies (%d):\n", len(replies))
			for _, r := range replies {
				created := time.UnixMilli(r.TimeCreated).Format("2006-01-02 15:04")
				attach := ""
				if !r.Attachments.Empty() {
					attach = " [attachments]"
				}
				fmt.Printf("  post %-7d discussion %-6d %s%s\n", r.PostID, r.DiscussionID, created, attach)
			}
			fmt.Println()
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
