package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActorDescriptor is a cached remote (or local) actor. It is never authoritative
// and can always be fetched again.
type ActorDescriptor struct {
	ID                string
	PreferredUsername string
	Name              string
	Summary           string
	Inbox             string
	SharedInbox       string
	PublicKeyPem      string
	AvatarURL         string
	Raw               json.RawMessage
	FetchedAt         time.Time
}

type actorDocument struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary"`
	Inbox             string `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Icon json.RawMessage `json:"icon"`
}

type image struct {
	URL string `json:"url"`
}

// ParseActor builds a descriptor from a fetched actor document. Documents
// without an id or an inbox are useless for federation and rejected.
func ParseActor(raw []byte) (*ActorDescriptor, error) {
	var doc actorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed actor: %v", ErrProtocol, err)
	}
	if doc.ID == "" || doc.Inbox == "" {
		return nil, fmt.Errorf("%w: actor document without id or inbox", ErrProtocol)
	}

	a := &ActorDescriptor{
		ID:                doc.ID,
		PreferredUsername: doc.PreferredUsername,
		Name:              doc.Name,
		Summary:           doc.Summary,
		Inbox:             doc.Inbox,
		SharedInbox:       doc.Endpoints.SharedInbox,
		PublicKeyPem:      doc.PublicKey.PublicKeyPem,
		Raw:               append(json.RawMessage(nil), raw...),
	}

	// icon is an Image object or, on some servers, a list of them
	if len(doc.Icon) > 0 {
		var one image
		if err := json.Unmarshal(doc.Icon, &one); err == nil {
			a.AvatarURL = one.URL
		} else {
			var many []image
			if err := json.Unmarshal(doc.Icon, &many); err == nil && len(many) > 0 {
				a.AvatarURL = many[0].URL
			}
		}
	}
	return a, nil
}

// FollowRecord is a follower or following relationship. For following records
// the Accept is nil until the remote side confirms.
type FollowRecord struct {
	ActorID   string
	Follow    json.RawMessage
	Accept    json.RawMessage
	CreatedAt time.Time
}

// Pending reports whether a following relationship still waits for an Accept.
func (f *FollowRecord) Pending() bool {
	return len(f.Accept) == 0
}

// QueueItem is one attempted delivery of an activity to one destination actor.
type QueueItem struct {
	Key         string
	AccountUid  string
	Destination string
	Activity    json.RawMessage
	Retries     int
	ScheduledAt time.Time
	CreatedAt   time.Time
}

// ArchivedActivity is a debug record of a message that went in or out.
type ArchivedActivity struct {
	Id         int64
	AccountUid string
	Direction  string // "<" inbound, ">" outbound
	Method     string
	ActorURI   string
	RawJSON    string
	Status     int
	CreatedAt  time.Time
}
