package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/deemkeen/snacpub/domain"
)

const bobNote = "https://remote.example/users/bob/statuses/1"

func (s *testServer) serveBobNote(t *testing.T) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":           bobNote,
		"type":         "Note",
		"attributedTo": bobID,
		"content":      "<p>hi from bob</p>",
		"to":           []string{domain.PublicAddress},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.client.docs[bobNote] = raw
}

func (s *testServer) timeline(t *testing.T) []timelineItem {
	t.Helper()
	w := s.api(http.MethodGet, "timeline", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 reading timeline, got %d: %s", w.Code, w.Body.String())
	}
	var items []timelineItem
	decodeBody(t, w, &items)
	return items
}

func (s *testServer) queued(t *testing.T) []map[string]interface{} {
	t.Helper()
	w := s.api(http.MethodGet, "queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 reading queue, got %d", w.Code)
	}
	var items []map[string]interface{}
	decodeBody(t, w, &items)
	return items
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrGone, http.StatusNotFound},
		{fmt.Errorf("x: %w", domain.ErrPolicy), http.StatusForbidden},
		{domain.ErrProtocol, http.StatusBadRequest},
		{&domain.StatusError{Code: http.StatusBadGateway, URL: "u"}, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAPIPublishAndTimeline(t *testing.T) {
	ts := newTestServer(t)

	if items := ts.timeline(t); len(items) != 0 {
		t.Fatalf("Expected an empty timeline, got %d items", len(items))
	}

	w := ts.api(http.MethodPost, "note", map[string]string{"content": "hello *world*"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var note domain.Note
	decodeBody(t, w, &note)
	if !ts.alice.Owns(note.ID) {
		t.Errorf("Expected a local note id, got %s", note.ID)
	}

	items := ts.timeline(t)
	if len(items) != 1 {
		t.Fatalf("Expected 1 timeline item, got %d", len(items))
	}
	if items[0].ID != note.ID || items[0].Type != "Note" || !items[0].Local {
		t.Errorf("Unexpected timeline item %+v", items[0])
	}
	if !strings.Contains(items[0].Content, "<em>world</em>") {
		t.Errorf("Expected rendered markdown, got %q", items[0].Content)
	}
}

func TestAPIBadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		action string
		body   interface{}
		want   int
	}{
		{"note without content", http.MethodPost, "note", map[string]string{}, http.StatusBadRequest},
		{"blank note", http.MethodPost, "note", map[string]string{"content": "   "}, http.StatusForbidden},
		{"edit without id", http.MethodPost, "edit", map[string]string{"content": "x"}, http.StatusBadRequest},
		{"edit foreign post", http.MethodPost, "edit", map[string]string{"id": bobNote, "content": "x"}, http.StatusForbidden},
		{"edit missing post", http.MethodPost, "edit", map[string]string{"id": "https://example.org/alice/p/1", "content": "x"}, http.StatusNotFound},
		{"delete missing post", http.MethodPost, "delete", map[string]string{"id": "https://example.org/alice/p/1"}, http.StatusNotFound},
		{"follow without actor", http.MethodPost, "follow", map[string]string{}, http.StatusBadRequest},
		{"follow self", http.MethodPost, "follow", map[string]string{"actor": "https://example.org/alice"}, http.StatusForbidden},
		{"unfollow stranger", http.MethodPost, "unfollow", map[string]string{"actor": bobID}, http.StatusNotFound},
		{"mute without actor", http.MethodPost, "mute", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.api(tt.method, tt.action, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAPITimelineLimit(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"timeline?limit=0", "timeline?limit=abc"} {
		if w := ts.api(http.MethodGet, q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", q, w.Code)
		}
	}
}

func TestAPIEditAndDelete(t *testing.T) {
	ts := newTestServer(t)

	w := ts.api(http.MethodPost, "note", map[string]string{"content": "first draft"})
	var note domain.Note
	decodeBody(t, w, &note)

	w = ts.api(http.MethodPost, "edit", map[string]string{"id": note.ID, "content": "second draft"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 editing, got %d: %s", w.Code, w.Body.String())
	}
	items := ts.timeline(t)
	if len(items) != 1 || !strings.Contains(items[0].Content, "second draft") {
		t.Fatalf("Expected the edited note in the timeline, got %+v", items)
	}

	w = ts.api(http.MethodPost, "delete", map[string]string{"id": note.ID})
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 deleting, got %d: %s", w.Code, w.Body.String())
	}
	if items := ts.timeline(t); len(items) != 0 {
		t.Errorf("Expected an empty timeline after delete, got %d items", len(items))
	}
}

func TestAPIFollowAndUnfollow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.api(http.MethodPost, "follow", map[string]string{"actor": bobID})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 following, got %d: %s", w.Code, w.Body.String())
	}
	var follow domain.Activity
	decodeBody(t, w, &follow)
	if follow.Type != "Follow" || follow.Object.ID != bobID {
		t.Errorf("Expected a Follow of bob, got %s of %s", follow.Type, follow.Object.ID)
	}

	queued := ts.queued(t)
	if len(queued) != 1 || queued[0]["destination"] != bobID {
		t.Fatalf("Expected one delivery to bob, got %v", queued)
	}

	if w := ts.api(http.MethodPost, "unfollow", map[string]string{"actor": bobID}); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 unfollowing, got %d: %s", w.Code, w.Body.String())
	}
	if len(ts.queued(t)) != 2 {
		t.Error("Expected the Undo to be queued next to the Follow")
	}
	if w := ts.api(http.MethodPost, "unfollow", map[string]string{"actor": bobID}); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 unfollowing twice, got %d", w.Code)
	}
}

func TestAPILikeAndBoost(t *testing.T) {
	ts := newTestServer(t)
	ts.serveBobNote(t)

	for _, action := range []string{"like", "boost"} {
		w := ts.api(http.MethodPost, action, map[string]string{"id": bobNote})
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected 201 for %s, got %d: %s", action, w.Code, w.Body.String())
		}
	}

	var target *timelineItem
	items := ts.timeline(t)
	for i := range items {
		if items[i].ID == bobNote {
			target = &items[i]
		}
	}
	if target == nil {
		t.Fatalf("Expected the admired note in the timeline, got %+v", items)
	}
	if len(target.LikedBy) != 1 || target.LikedBy[0] != ts.alice.ActorID {
		t.Errorf("Expected alice among the likers, got %v", target.LikedBy)
	}
	if len(target.AnnouncedBy) != 1 || target.AnnouncedBy[0] != ts.alice.ActorID {
		t.Errorf("Expected alice among the boosters, got %v", target.AnnouncedBy)
	}

	for _, item := range ts.queued(t) {
		if item["destination"] != bobID {
			t.Errorf("Expected deliveries to bob only, got %v", item["destination"])
		}
	}

	if w := ts.api(http.MethodPost, "like", map[string]string{"id": "https://remote.example/missing"}); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 liking a missing object, got %d", w.Code)
	}
}

func TestAPIMute(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.api(http.MethodPost, "mute", map[string]string{"actor": bobID}); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 muting, got %d", w.Code)
	}
	if muted, _ := ts.db.IsMuted("alice", bobID); !muted {
		t.Error("Expected bob to be muted")
	}
	if w := ts.api(http.MethodPost, "unmute", map[string]string{"actor": bobID}); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 unmuting, got %d", w.Code)
	}
	if muted, _ := ts.db.IsMuted("alice", bobID); muted {
		t.Error("Expected bob to be unmuted")
	}
}
