package activitypub

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/deemkeen/snacpub/domain"
)

func TestLocalWebfinger(t *testing.T) {
	acc := &domain.Account{Uid: "alice", ActorID: "https://example.org/alice"}
	wf := LocalWebfinger(acc, "example.org")
	if wf.Subject != "acct:alice@example.org" {
		t.Errorf("Subject = %s", wf.Subject)
	}
	if wf.ActorHref() != acc.ActorID {
		t.Errorf("ActorHref = %s", wf.ActorHref())
	}
}

func TestActorHref(t *testing.T) {
	tests := []struct {
		name  string
		links []WebfingerLink
		want  string
	}{
		{"activity json", []WebfingerLink{{Rel: "self", Type: ContentTypeActivity, Href: "https://a/u"}}, "https://a/u"},
		{"ld json", []WebfingerLink{{Rel: "self", Type: ContentTypeLD, Href: "https://a/ld"}}, "https://a/ld"},
		{"html only", []WebfingerLink{{Rel: "profile", Type: "text/html", Href: "https://a/@u"}}, ""},
		{"empty href", []WebfingerLink{{Rel: "self", Type: ContentTypeActivity}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &WebfingerResponse{Links: tt.links}
			if got := wf.ActorHref(); got != tt.want {
				t.Errorf("ActorHref() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebfingerResolver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := NewWebfingerResolver(env.db, env.client, testHost)
	serveWebfinger(env, "bob", "remote.example", bobID)

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"remote handle", "@bob@remote.example", bobID, nil},
		{"handle without leading at", "bob@remote.example", bobID, nil},
		{"local handle", "@alice@example.org", env.alice.ActorID, nil},
		{"unknown local handle", "@nobody@example.org", "", domain.ErrNotFound},
		{"unknown remote handle", "@ghost@remote.example", "", domain.ErrNotFound},
		{"garbage", "not a handle", "", domain.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Resolve(%s) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%s) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	// URLs are looked up on their host
	env.client.serve("https://remote.example/.well-known/webfinger?resource=https%3A%2F%2Fremote.example%2F%40bob", WebfingerResponse{
		Subject: "acct:bob@remote.example",
		Links:   []WebfingerLink{{Rel: "self", Type: ContentTypeActivity, Href: bobID}},
	})
	got, err := r.Resolve(ctx, "https://remote.example/@bob")
	if err != nil || got != bobID {
		t.Errorf("Resolve(url) = %s, %v", got, err)
	}

	env.client.serve("https://broken.example/.well-known/webfinger?resource=acct%3Ax%40broken.example", []byte("<html>"))
	if _, err := r.Resolve(ctx, "@x@broken.example"); !errors.Is(err, domain.ErrProtocol) {
		t.Errorf("expected ErrProtocol for a non-JSON answer, got %v", err)
	}
	env.client.fail("https://gone.example/.well-known/webfinger?resource=acct%3Ax%40gone.example", http.StatusGone)
	if _, err := r.Resolve(ctx, "@x@gone.example"); !errors.Is(err, domain.ErrGone) {
		t.Errorf("expected ErrGone, got %v", err)
	}
}
