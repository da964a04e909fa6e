package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
)

// Resolver turns a user handle (@user@host) or URL into an actor URL.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (string, error)
}

// WebfingerLink is one link of a JRD document.
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebfingerResponse is the JRD document served at /.well-known/webfinger.
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// LocalWebfinger describes a local account.
func LocalWebfinger(acc *domain.Account, host string) *WebfingerResponse {
	return &WebfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Uid, host),
		Aliases: []string{acc.ActorID},
		Links: []WebfingerLink{
			{Rel: "self", Type: ContentTypeActivity, Href: acc.ActorID},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: acc.ActorID},
		},
	}
}

// ActorHref returns the activity+json link of the document.
func (w *WebfingerResponse) ActorHref() string {
	for _, l := range w.Links {
		if l.Type == ContentTypeActivity || strings.HasPrefix(l.Type, "application/ld+json") {
			if l.Href != "" {
				return l.Href
			}
		}
	}
	return ""
}

var handleRe = regexp.MustCompile(`^@?([^@]+)@([^@]+)$`)

// WebfingerResolver resolves identifiers with WebFinger queries. Handles on
// this host are answered from the accounts table.
type WebfingerResolver struct {
	db     *db.DB
	client Client
	host   string
}

func NewWebfingerResolver(database *db.DB, client Client, host string) *WebfingerResolver {
	return &WebfingerResolver{db: database, client: client, host: host}
}

func (r *WebfingerResolver) Resolve(ctx context.Context, identifier string) (string, error) {
	var query, resource string

	if m := handleRe.FindStringSubmatch(identifier); m != nil {
		user, host := m[1], m[2]
		if host == r.host {
			return r.resolveLocal(user)
		}
		query = "https://" + host
		resource = "acct:" + user + "@" + host
	} else if strings.HasPrefix(identifier, "https://") || strings.HasPrefix(identifier, "http://") {
		u, err := url.Parse(identifier)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: bad identifier %q", domain.ErrProtocol, identifier)
		}
		query = u.Scheme + "://" + u.Host
		resource = identifier
	} else {
		return "", fmt.Errorf("%w: bad identifier %q", domain.ErrProtocol, identifier)
	}

	wfURL := query + "/.well-known/webfinger?resource=" + url.QueryEscape(resource)
	_, body, err := r.client.Fetch(ctx, wfURL, "application/jrd+json, application/json")
	if err != nil {
		return "", fmt.Errorf("webfinger %s: %w", resource, err)
	}

	var jrd WebfingerResponse
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", fmt.Errorf("%w: webfinger for %s: %v", domain.ErrProtocol, resource, err)
	}
	href := jrd.ActorHref()
	if href == "" {
		return "", fmt.Errorf("%w: no actor link for %s", domain.ErrNotFound, resource)
	}
	return href, nil
}

func (r *WebfingerResolver) resolveLocal(uid string) (string, error) {
	err, acc := r.db.ReadAccByUid(uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no local user %s", domain.ErrNotFound, uid)
	}
	if err != nil {
		return "", err
	}
	return acc.ActorID, nil
}
