// Package gateway talks to the remote forum webservice.
//
// Every outcome of a submission is classified into exactly one of two
// buckets, and the whole retry/delete decision tree of the sync engine hangs
// on that classification:
//
//   - server-rejected: the server understood the request and refused it.
//     Reported as *RemoteError; resubmitting the same data can never
//     succeed.
//   - transport-failed: the server could not be reached, or answered with a
//     transport-level failure. Always worth retrying later.
//
// Idempotent reads (connectivity probe, forum lookup, allowed groups) are
// retried with backoff; submissions are never auto-retried because a
// duplicate delivery is worse than a delayed one.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/sites"
)

const (
	wsPath     = "/webservice/rest/server.php"
	uploadPath = "/webservice/upload.php"
)

// RemoteError is a structured refusal from the webservice: the request
// arrived and was understood, and the server said no.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsServerRejected reports whether err (anywhere in its chain) is a
// definitive server refusal rather than a transport failure.
func IsServerRejected(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Client is the webservice HTTP client. It also keeps a small read-response
// cache which the sync engine invalidates after pushing changes.
type Client struct {
	httpClient *http.Client
	logger     *log.Logger

	cacheMu sync.Mutex
	cache   map[string]json.RawMessage
}

// Config holds client configuration.
type Config struct {
	// Timeout for a single webservice request.
	Timeout time.Duration

	// Logger for request activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		Logger:  log.New(os.Stderr, "[gateway] ", log.LstdFlags),
	}
}

// New creates a webservice client.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger,
		cache:      make(map[string]json.RawMessage),
	}
}

// call performs one webservice function call and classifies the response.
func (c *Client) call(ctx context.Context, site sites.Site, wsfunction string, params url.Values) (json.RawMessage, error) {
	form := url.Values{}
	for k, vs := range params {
		form[k] = vs
	}
	form.Set("wstoken", site.Token)
	form.Set("wsfunction", wsfunction)
	form.Set("moodlewsrestformat", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, site.BaseURL+wsPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", wsfunction, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", wsfunction, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The webservice reports its own errors inside a 200 body;
		// anything else is infrastructure between us and it.
		return nil, fmt.Errorf("%s: unexpected status %d", wsfunction, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", wsfunction, err)
	}

	if remoteErr := parseRemoteError(body); remoteErr != nil {
		return nil, fmt.Errorf("%s: %w", wsfunction, remoteErr)
	}

	return json.RawMessage(body), nil
}

// parseRemoteError detects the webservice's structured error envelope.
func parseRemoteError(body []byte) *RemoteError {
	var envelope struct {
		Exception string `json:"exception"`
		ErrorCode string `json:"errorcode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if envelope.Exception == "" && envelope.ErrorCode == "" {
		return nil
	}
	code := envelope.ErrorCode
	if code == "" {
		code = envelope.Exception
	}
	return &RemoteError{Code: code, Message: envelope.Message}
}

// readCall performs an idempotent read with retries and caches the result
// under key until invalidated.
func (c *Client) readCall(ctx context.Context, site sites.Site, key, wsfunction string, params url.Values) (json.RawMessage, error) {
	cacheKey := site.ID + "/" + key

	c.cacheMu.Lock()
	if cached, ok := c.cache[cacheKey]; ok {
		c.cacheMu.Unlock()
		return cached, nil
	}
	c.cacheMu.Unlock()

	var body json.RawMessage
	err := retry.Do(
		func() error {
			var callErr error
			body, callErr = c.call(ctx, site, wsfunction, params)
			return callErr
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			// A structured refusal won't change on retry.
			return !IsServerRejected(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Printf("Retrying %s (attempt %d): %v", wsfunction, n+1, err)
		}),
	)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cache[cacheKey] = body
	c.cacheMu.Unlock()

	return body, nil
}

// Invalidate drops cached read responses for a resource. Fire and forget:
// unknown keys are ignored.
func (c *Client) Invalidate(kind string, id int64) {
	prefix := fmt.Sprintf("%s#%d", kind, id)

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for key := range c.cache {
		if strings.HasSuffix(key, "/"+prefix) || strings.Contains(key, "/"+prefix+"#") {
			delete(c.cache, key)
		}
	}
}

// Ping checks connectivity to the site. A structured webservice error still
// counts as reachable; only transport failures mean offline.
func (c *Client) Ping(ctx context.Context, site sites.Site) error {
	err := retry.Do(
		func() error {
			_, callErr := c.call(ctx, site, "core_webservice_get_site_info", url.Values{})
			return callErr
		},
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !IsServerRejected(err)
		}),
	)
	if err != nil && !IsServerRejected(err) {
		return fmt.Errorf("site %s unreachable: %w", site.ID, err)
	}
	return nil
}

// SubmitDiscussion posts a new discussion to one destination group and
// returns the server-assigned discussion id. Never auto-retried.
func (c *Client) SubmitDiscussion(ctx context.Context, site sites.Site, forumID int64, subject, message string, options forum.Options, groupID int64) (int64, error) {
	params := url.Values{}
	params.Set("forumid", strconv.FormatInt(forumID, 10))
	params.Set("subject", subject)
	params.Set("message", message)
	if groupID > 0 {
		params.Set("groupid", strconv.FormatInt(groupID, 10))
	}
	addOptionParams(params, options)

	body, err := c.call(ctx, site, "mod_forum_add_discussion", params)
	if err != nil {
		return 0, err
	}

	var result struct {
		DiscussionID int64 `json:"discussionid"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("mod_forum_add_discussion: malformed response: %w", err)
	}
	return result.DiscussionID, nil
}

// SubmitReply posts a reply to an existing post and returns the
// server-assigned post id. Never auto-retried.
func (c *Client) SubmitReply(ctx context.Context, site sites.Site, postID int64, subject, message string, options forum.Options) (int64, error) {
	params := url.Values{}
	params.Set("postid", strconv.FormatInt(postID, 10))
	params.Set("subject", subject)
	params.Set("message", message)
	addOptionParams(params, options)

	body, err := c.call(ctx, site, "mod_forum_add_discussion_post", params)
	if err != nil {
		return 0, err
	}

	var result struct {
		PostID int64 `json:"postid"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("mod_forum_add_discussion_post: malformed response: %w", err)
	}
	return result.PostID, nil
}

// AllowedGroups resolves the groups the user may post to in a forum. Used
// when expanding the "all participants" sentinel. Cached until the forum's
// group cache is invalidated.
func (c *Client) AllowedGroups(ctx context.Context, site sites.Site, courseID, forumID int64) ([]int64, error) {
	cmid, err := c.courseModuleID(ctx, site, courseID, forumID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("cmid", strconv.FormatInt(cmid, 10))

	key := fmt.Sprintf("%s#%d", forum.CacheGroups, forumID)
	body, err := c.readCall(ctx, site, key, "core_group_get_activity_allowed_groups", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Groups []struct {
			ID int64 `json:"id"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("core_group_get_activity_allowed_groups: malformed response: %w", err)
	}

	ids := make([]int64, 0, len(result.Groups))
	for _, g := range result.Groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// courseModuleID looks up the course-module id of a forum, needed by the
// group webservice. Cached per forum.
func (c *Client) courseModuleID(ctx context.Context, site sites.Site, courseID, forumID int64) (int64, error) {
	params := url.Values{}
	params.Set("courseids[0]", strconv.FormatInt(courseID, 10))

	key := fmt.Sprintf("forumcm#%d", forumID)
	body, err := c.readCall(ctx, site, key, "mod_forum_get_forums_by_courses", params)
	if err != nil {
		return 0, err
	}

	var forums []struct {
		ID   int64 `json:"id"`
		CMID int64 `json:"cmid"`
	}
	if err := json.Unmarshal(body, &forums); err != nil {
		return 0, fmt.Errorf("mod_forum_get_forums_by_courses: malformed response: %w", err)
	}
	for _, f := range forums {
		if f.ID == forumID {
			return f.CMID, nil
		}
	}
	return 0, &RemoteError{Code: "forumnotfound", Message: fmt.Sprintf("forum %d not in course %d", forumID, courseID)}
}

// UploadDraft creates a fresh server-side draft area for one submission.
//
// Files already on the server (basedOn, a previous draft area) are copied
// server-side; local paths are uploaded one by one into the new area. The
// returned draft id goes into the submission's attachmentsid option. Each
// destination of a fan-out needs its own call because draft areas cannot be
// shared across independent submissions.
func (c *Client) UploadDraft(ctx context.Context, site sites.Site, basedOn int64, paths []string) (int64, error) {
	var itemID int64

	if basedOn != 0 {
		params := url.Values{}
		params.Set("draftid", strconv.FormatInt(basedOn, 10))

		body, err := c.call(ctx, site, "core_files_duplicate_draft_area", params)
		if err != nil {
			return 0, err
		}
		var result struct {
			ItemID int64 `json:"itemid"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return 0, fmt.Errorf("core_files_duplicate_draft_area: malformed response: %w", err)
		}
		itemID = result.ItemID
	}

	for _, path := range paths {
		id, err := c.uploadFile(ctx, site, itemID, path)
		if err != nil {
			return 0, err
		}
		itemID = id
	}

	return itemID, nil
}

// uploadFile sends one file to the upload endpoint, accumulating into the
// draft area itemID (0 lets the server assign a new area).
func (c *Client) uploadFile(ctx context.Context, site sites.Site, itemID int64, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open attachment %s: %w", path, err)
	}
	defer file.Close()

	var buf strings.Builder
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("token", site.Token); err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := writer.WriteField("itemid", strconv.FormatInt(itemID, 10)); err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return 0, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return 0, fmt.Errorf("failed to read attachment %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, site.BaseURL+uploadPath, strings.NewReader(buf.String()))
	if err != nil {
		return 0, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upload %s: unexpected status %d", filepath.Base(path), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("upload %s: failed to read response: %w", filepath.Base(path), err)
	}
	if remoteErr := parseRemoteError(body); remoteErr != nil {
		return 0, fmt.Errorf("upload %s: %w", filepath.Base(path), remoteErr)
	}

	var uploaded []struct {
		ItemID int64 `json:"itemid"`
	}
	if err := json.Unmarshal(body, &uploaded); err != nil || len(uploaded) == 0 {
		return 0, fmt.Errorf("upload %s: malformed response", filepath.Base(path))
	}
	return uploaded[0].ItemID, nil
}

// addOptionParams flattens options into the webservice's indexed
// name/value parameter form.
func addOptionParams(params url.Values, options forum.Options) {
	i := 0
	for name, value := range options {
		encoded := fmt.Sprintf("%v", value)
		if b, ok := value.(bool); ok {
			// The webservice wants numeric booleans.
			if b {
				encoded = "1"
			} else {
				encoded = "0"
			}
		}
		params.Set(fmt.Sprintf("options[%d][name]", i), name)
		params.Set(fmt.Sprintf("options[%d][value]", i), encoded)
		i++
	}
}
