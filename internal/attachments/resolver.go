// Package attachments stages and uploads the files attached to pending
// records.
//
// Files composed while offline are copied into a deterministic per-record
// staging folder under the site's data directory:
//
//	<datadir>/offlineforum/<forumID>/newdisc_<timeCreated>
//	<datadir>/offlineforum/<forumID>/reply_<postID>_<userID>
//
// so the sync engine can find them later from the record identity alone.
// At sync time each destination of a fan-out gets its own fresh server-side
// draft area; deletion of staged files is best-effort.
package attachments

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/sites"
)

// Uploader sends files to the remote draft storage. Implemented by the
// gateway client.
type Uploader interface {
	UploadDraft(ctx context.Context, site sites.Site, basedOn int64, paths []string) (int64, error)
}

// Resolver implements attachment staging and upload for pending records.
type Resolver struct {
	uploader Uploader
	logger   *log.Logger
}

// New creates a resolver. If logger is nil, a default stderr logger is used.
func New(uploader Uploader, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[attachments] ", log.LstdFlags)
	}
	return &Resolver{uploader: uploader, logger: logger}
}

// ForumFolder returns the staging root for one forum of a site.
func ForumFolder(site sites.Site, forumID int64) string {
	return filepath.Join(site.DataDir, "offlineforum", strconv.FormatInt(forumID, 10))
}

// DiscussionFolder returns the staging folder for a pending discussion.
func DiscussionFolder(site sites.Site, forumID, timeCreated int64) string {
	return filepath.Join(ForumFolder(site, forumID), fmt.Sprintf("newdisc_%d", timeCreated))
}

// ReplyFolder returns the staging folder for a pending reply.
func ReplyFolder(site sites.Site, forumID, postID, userID int64) string {
	return filepath.Join(ForumFolder(site, forumID), fmt.Sprintf("reply_%d_%d", postID, userID))
}

// StageRoot returns the staging root for a whole site, the directory the
// daemon watches for compose activity.
func StageRoot(site sites.Site) string {
	return filepath.Join(site.DataDir, "offlineforum")
}

// Stage copies files into a staging folder, replacing whatever was staged
// there before, and returns the attachment set describing the result.
// Replacing rather than appending keeps re-editing a pending record simple:
// the new file list always wins.
func (r *Resolver) Stage(folder string, paths []string) (*forum.AttachmentSet, error) {
	if err := os.RemoveAll(folder); err != nil {
		return nil, fmt.Errorf("failed to clear staging folder: %w", err)
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging folder: %w", err)
	}

	for _, path := range paths {
		if err := copyFile(path, filepath.Join(folder, filepath.Base(path))); err != nil {
			return nil, err
		}
	}

	r.logger.Printf("Staged %d file(s) in %s", len(paths), folder)
	return &forum.AttachmentSet{Offline: len(paths)}, nil
}

// StoredFiles lists the files staged in a folder, sorted by name. A missing
// folder yields no files and no error.
func (r *Resolver) StoredFiles(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list staging folder: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(folder, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// DeleteStoredFiles removes a staging folder. Best-effort: a folder that
// never existed is not an error.
func (r *Resolver) DeleteStoredFiles(folder string) error {
	if err := os.RemoveAll(folder); err != nil {
		return fmt.Errorf("failed to delete staged files: %w", err)
	}
	return nil
}

// UploadDiscussionFiles uploads a pending discussion's attachment set into a
// fresh draft area and returns its id, zero if the record has no
// attachments. Called once per destination group.
func (r *Resolver) UploadDiscussionFiles(ctx context.Context, site sites.Site, d *forum.PendingDiscussion) (int64, error) {
	return r.upload(ctx, site, d.Attachments, DiscussionFolder(site, d.ForumID, d.TimeCreated))
}

// UploadReplyFiles uploads a pending reply's attachment set into a fresh
// draft area and returns its id, zero if the record has no attachments.
func (r *Resolver) UploadReplyFiles(ctx context.Context, site sites.Site, reply *forum.PendingReply) (int64, error) {
	return r.upload(ctx, site, reply.Attachments, ReplyFolder(site, reply.ForumID, reply.PostID, reply.UserID))
}

func (r *Resolver) upload(ctx context.Context, site sites.Site, set *forum.AttachmentSet, folder string) (int64, error) {
	if set.Empty() {
		return 0, nil
	}

	var paths []string
	if set.Offline > 0 {
		var err error
		paths, err = r.StoredFiles(folder)
		if err != nil {
			return 0, err
		}
	}

	return r.uploader.UploadDraft(ctx, site, set.DraftID, paths)
}

// DeleteDiscussionFiles removes the staged files of a pending discussion.
func (r *Resolver) DeleteDiscussionFiles(site sites.Site, forumID, timeCreated int64) error {
	return r.DeleteStoredFiles(DiscussionFolder(site, forumID, timeCreated))
}

// DeleteReplyFiles removes the staged files of a pending reply.
func (r *Resolver) DeleteReplyFiles(site sites.Site, forumID, postID, userID int64) error {
	return r.DeleteStoredFiles(ReplyFolder(site, forumID, postID, userID))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
