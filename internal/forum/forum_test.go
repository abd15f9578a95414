package forum

import (
	"encoding/json"
	"testing"
)

func TestOptionsRoundTrip(t *testing.T) {
	opts := Options{
		"discussionsubscribe": true,
		"discussionpinned":    false,
		"attachmentsid":       json.Number("123456789012345"),
		"label":               "weekly",
	}

	encoded, err := opts.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeOptions(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got := decoded["discussionsubscribe"]; got != true {
		t.Errorf("discussionsubscribe = %v, want true", got)
	}
	if got := decoded["discussionpinned"]; got != false {
		t.Errorf("discussionpinned = %v, want false", got)
	}
	if got := decoded["label"]; got != "weekly" {
		t.Errorf("label = %v, want weekly", got)
	}

	// Large integers must not pass through float64.
	num, ok := decoded["attachmentsid"].(json.Number)
	if !ok {
		t.Fatalf("attachmentsid decoded as %T, want json.Number", decoded["attachmentsid"])
	}
	id, err := num.Int64()
	if err != nil || id != 123456789012345 {
		t.Errorf("attachmentsid = %v (%v), want 123456789012345", num, err)
	}
}

func TestOptionsEncodeNil(t *testing.T) {
	var opts Options
	encoded, err := opts.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if encoded != "{}" {
		t.Errorf("nil options encoded as %q, want {}", encoded)
	}

	decoded, err := DecodeOptions("")
	if err != nil {
		t.Fatalf("decode of empty string failed: %v", err)
	}
	if decoded == nil || len(decoded) != 0 {
		t.Errorf("empty string decoded as %v, want empty map", decoded)
	}
}

func TestOptionsClone(t *testing.T) {
	opts := Options{"pinned": true}
	clone := opts.Clone()
	clone["attachmentsid"] = int64(7)

	if _, ok := opts["attachmentsid"]; ok {
		t.Error("mutating the clone leaked into the original")
	}
}

func TestSyncIDs(t *testing.T) {
	if got := ForumSyncID(12, 34); got != "forum#12#34" {
		t.Errorf("ForumSyncID = %q", got)
	}
	if got := DiscussionSyncID(56, 78); got != "discussion#56#78" {
		t.Errorf("DiscussionSyncID = %q", got)
	}
}

func TestPendingDiscussionValidate(t *testing.T) {
	d := &PendingDiscussion{
		ForumID:     1,
		UserID:      2,
		TimeCreated: 1700000000000,
		Subject:     "subject",
		Message:     "message",
	}
	if err := d.Validate(); err != nil {
		t.Errorf("valid discussion rejected: %v", err)
	}

	missing := *d
	missing.Subject = ""
	if err := missing.Validate(); err == nil {
		t.Error("discussion without subject accepted")
	}

	noKey := *d
	noKey.TimeCreated = 0
	if err := noKey.Validate(); err == nil {
		t.Error("discussion without timecreated accepted")
	}
}

func TestPendingReplyValidate(t *testing.T) {
	r := &PendingReply{
		PostID:       10,
		UserID:       2,
		DiscussionID: 5,
		ForumID:      1,
		Message:      "message",
	}
	if err := r.Validate(); err != nil {
		t.Errorf("valid reply rejected: %v", err)
	}

	missing := *r
	missing.PostID = 0
	if err := missing.Validate(); err == nil {
		t.Error("reply without post id accepted")
	}
}

func TestAttachmentSetEmpty(t *testing.T) {
	var nilSet *AttachmentSet
	if !nilSet.Empty() {
		t.Error("nil set should be empty")
	}
	if !(&AttachmentSet{}).Empty() {
		t.Error("zero set should be empty")
	}
	if (&AttachmentSet{Offline: 2}).Empty() {
		t.Error("set with staged files should not be empty")
	}
	if (&AttachmentSet{Online: []RemoteFile{{Filename: "a.png"}}}).Empty() {
		t.Error("set with online files should not be empty")
	}
}
