package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/sites"
)

// newTestClient points a client at a test webservice handler.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, sites.Site) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(&Config{Timeout: 5 * time.Second})
	site := sites.Site{
		ID:      "test",
		BaseURL: server.URL,
		Token:   "token",
		UserID:  2,
	}
	return client, site
}

func TestSubmitDiscussion(t *testing.T) {
	client, site := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("bad form: %v", err)
		}
		if got := r.PostFormValue("wsfunction"); got != "mod_forum_add_discussion" {
			t.Errorf("wsfunction = %q", got)
		}
		if got := r.PostFormValue("wstoken"); got != "token" {
			t.Errorf("wstoken = %q", got)
		}
		if got := r.PostFormValue("forumid"); got != "5" {
			t.Errorf("forumid = %q", got)
		}
		if got := r.PostFormValue("groupid"); got != "11" {
			t.Errorf("groupid = %q", got)
		}
		// Boolean options are flattened to numeric name/value pairs.
		found := false
		for i := 0; i < 5; i++ {
			if r.PostFormValue(fmt.Sprintf("options[%d][name]", i)) == "discussionsubscribe" {
				found = true
				if got := r.PostFormValue(fmt.Sprintf("options[%d][value]", i)); got != "1" {
					t.Errorf("discussionsubscribe = %q, want 1", got)
				}
			}
		}
		if !found {
			t.Error("discussionsubscribe option not submitted")
		}
		fmt.Fprint(w, `{"discussionid": 77}`)
	})

	id, err := client.SubmitDiscussion(context.Background(), site, 5, "subject", "message",
		forum.Options{"discussionsubscribe": true}, 11)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if id != 77 {
		t.Errorf("discussion id = %d, want 77", id)
	}
}

func TestSubmitReplyServerRejected(t *testing.T) {
	client, site := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"exception":"moodle_exception","errorcode":"nopostforum","message":"Sorry, you are not allowed to post."}`)
	})

	_, err := client.SubmitReply(context.Background(), site, 10, "Re:", "message", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsServerRejected(err) {
		t.Errorf("webservice exception not classified as server-rejected: %v", err)
	}

	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != "nopostforum" {
		t.Errorf("remote error = %+v", remote)
	}
}

func TestSubmitClassifiesTransportFailures(t *testing.T) {
	// A 502 from a proxy is not a webservice refusal.
	client, site := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.SubmitDiscussion(context.Background(), site, 5, "s", "m", nil, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsServerRejected(err) {
		t.Errorf("5xx classified as server-rejected: %v", err)
	}

	// Connection refused likewise.
	dead := sites.Site{ID: "dead", BaseURL: "http://127.0.0.1:1", Token: "t", UserID: 2}
	if _, err := client.SubmitDiscussion(context.Background(), dead, 5, "s", "m", nil, 0); err == nil {
		t.Fatal("expected connection error")
	} else if IsServerRejected(err) {
		t.Errorf("connection failure classified as server-rejected: %v", err)
	}
}

func TestPing(t *testing.T) {
	client, site := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		// Even an invalid-token refusal proves the site is reachable.
		fmt.Fprint(w, `{"exception":"moodle_exception","errorcode":"invalidtoken","message":"Invalid token"}`)
	})

	if err := client.Ping(context.Background(), site); err != nil {
		t.Errorf("reachable site reported offline: %v", err)
	}

	dead := sites.Site{ID: "dead", BaseURL: "http://127.0.0.1:1", Token: "t", UserID: 2}
	if err := client.Ping(context.Background(), dead); err == nil {
		t.Error("unreachable site reported online")
	}
}

func TestAllowedGroupsRetriesAndCaches(t *testing.T) {
	var calls atomic.Int64
	client, site := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.PostFormValue("wsfunction") {
		case "mod_forum_get_forums_by_courses":
			fmt.Fprint(w, `[{"id": 5, "cmid": 31}]`)
		case "core_group_get_activity_allowed_groups":
			if calls.Add(1) == 1 {
				// First attempt fails at transport level; the
				// read path must retry.
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if got := r.PostFormValue("cmid"); got != "31" {
				t.Errorf("cmid = %q, want 31", got)
			}
			fmt.Fprint(w, `{"groups": [{"id": 1}, {"id": 2}, {"id": 3}]}`)
		default:
			t.Errorf("unexpected wsfunction %q", r.PostFormValue("wsfunction"))
		}
	})

	groups, err := client.AllowedGroups(context.Background(), site, 7, 5)
	if err != nil {
		t.Fatalf("allowed groups failed: %v", err)
	}
	if len(groups) != 3 || groups[0] != 1 || groups[2] != 3 {
		t.Errorf("groups = %v", groups)
	}

	// Second resolution must come from cache.
	before := calls.Load()
	if _, err := client.AllowedGroups(context.Background(), site, 7, 5); err != nil {
		t.Fatalf("cached allowed groups failed: %v", err)
	}
	if calls.Load() != before {
		t.Error("cached read hit the network")
	}

	// Invalidation forces a re-fetch.
	client.Invalidate(forum.CacheGroups, 5)
	if _, err := client.AllowedGroups(context.Background(), site, 7, 5); err != nil {
		t.Fatalf("re-fetch failed: %v", err)
	}
	if calls.Load() == before {
		t.Error("invalidated read did not hit the network")
	}
}

func TestAllowedGroupsUnknownForum(t *testing.T) {
	client, site := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostFormValue("wsfunction") == "mod_forum_get_forums_by_courses" {
			fmt.Fprint(w, `[{"id": 99, "cmid": 1}]`)
			return
		}
		t.Errorf("unexpected wsfunction %q", r.PostFormValue("wsfunction"))
	})

	_, err := client.AllowedGroups(context.Background(), site, 7, 5)
	if !IsServerRejected(err) {
		t.Errorf("missing forum should be a definitive refusal, got %v", err)
	}
}
