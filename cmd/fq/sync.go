package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/syncer"
)

var (
	syncForumID      int64
	syncDiscussionID int64
	syncForce        bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued discussions and replies to the server",
	Long: `Deliver queued records to the server.

Without flags, every forum and discussion with pending work is synced,
skipping resources that synced recently. Use --force to bypass the
throttle, --forum or --discussion to target one resource.

Records that fail at the transport level stay queued for the next run.
Records the server definitively refuses are discarded and reported.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		ctx := context.Background()

		var result forum.SyncResult
		switch {
		case syncDiscussionID > 0:
			result, err = a.engine.SyncDiscussion(ctx, a.site, syncDiscussionID, 0)

		case syncForumID > 0:
			result, err = a.engine.SyncForum(ctx, a.site, syncForumID, 0)
			if err == nil {
				var replies forum.SyncResult
				replies, err = a.engine.SyncForumReplies(ctx, a.site, syncForumID, 0)
				result.Merge(replies)
			}

		default:
			result, err = a.engine.SyncAll(ctx, a.site, syncForce)
		}

		reportSync(result, err)
	},
}

func reportSync(result forum.SyncResult, err error) {
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w.Reason)
	}

	switch {
	case errors.Is(err, syncer.ErrOffline):
		fmt.Println("Server unreachable; queued records kept for the next run")
	case errors.Is(err, syncer.ErrSyncBlocked):
		fatal(err)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Sync incomplete: %v\n", err)
		if result.Updated {
			fmt.Println("Some records were delivered; the rest stay queued")
		}
		os.Exit(1)
	case result.Updated:
		fmt.Println("Sync complete")
	default:
		fmt.Println("Nothing to deliver")
	}
}

func init() {
	syncCmd.Flags().Int64Var(&syncForumID, "forum", 0, "sync one forum's queued discussions and replies")
	syncCmd.Flags().Int64Var(&syncDiscussionID, "discussion", 0, "sync one discussion's queued replies")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "bypass the recent-sync throttle")
	rootCmd.AddCommand(syncCmd)
}
