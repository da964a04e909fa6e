package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
)

// Id kinds of locally minted objects.
const (
	KindPost       = "p"
	KindFollow     = "f"
	KindAccept     = "c"
	KindAdmiration = "a"
)

const publishedFormat = "2006-01-02T15:04:05Z"

// Composer builds outgoing activities and hands them to the delivery queue.
type Composer struct {
	db       *db.DB
	dir      *Directory
	queue    *Queue
	resolver Resolver
	tids     *util.TidSource
	baseURL  string
	maxDepth int
	now      func() time.Time
}

func NewComposer(database *db.DB, dir *Directory, queue *Queue, resolver Resolver, conf *util.AppConfig, now func() time.Time) *Composer {
	if now == nil {
		now = time.Now
	}
	return &Composer{
		db:       database,
		dir:      dir,
		queue:    queue,
		resolver: resolver,
		tids:     util.NewTidSource(now),
		baseURL:  conf.BaseURL(),
		maxDepth: conf.Conf.ThreadMaxDepth,
		now:      now,
	}
}

func (c *Composer) newID(acc *domain.Account, kind string) string {
	return acc.Actor("/" + kind + "/" + util.Tid(c.tids.Next()))
}

func (c *Composer) published() string {
	return c.now().UTC().Format(publishedFormat)
}

// LocalActor renders the actor document of a local account.
func LocalActor(acc *domain.Account) (json.RawMessage, error) {
	name := acc.Name
	if name == "" {
		name = acc.Uid
	}
	summary, err := FormatContent(acc.Bio)
	if err != nil {
		return nil, err
	}

	doc := map[string]interface{}{
		"@context":                  []string{domain.ActivityStreamsContext, domain.SecurityContext},
		"id":                        acc.ActorID,
		"url":                       acc.ActorID,
		"type":                      "Person",
		"preferredUsername":         acc.Uid,
		"name":                      name,
		"summary":                   summary,
		"inbox":                     acc.Actor("/inbox"),
		"outbox":                    acc.Actor("/outbox"),
		"followers":                 acc.Actor("/followers"),
		"following":                 acc.Actor("/following"),
		"published":                 acc.CreatedAt.UTC().Format(publishedFormat),
		"manuallyApprovesFollowers": false,
		"publicKey": map[string]string{
			"id":           acc.KeyID(),
			"owner":        acc.ActorID,
			"publicKeyPem": acc.PublicKeyPem,
		},
	}
	if acc.Avatar != "" {
		mediaType := mime.TypeByExtension(path.Ext(acc.Avatar))
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		doc["icon"] = map[string]string{
			"type":      "Image",
			"mediaType": mediaType,
			"url":       acc.Avatar,
		}
	}
	return json.Marshal(doc)
}

func (c *Composer) activity(acc *domain.Account, id, kind string, object domain.Object, to, cc []string) *domain.Activity {
	return &domain.Activity{
		Context:   domain.ActivityStreamsContext,
		ID:        id,
		Type:      kind,
		Actor:     acc.ActorID,
		Object:    object,
		To:        to,
		Cc:        cc,
		Published: c.published(),
	}
}

// NoteMessage composes a Note. With inReplyTo set the parent's author becomes
// a recipient, the conversation is inherited and a public parent makes the
// reply public. Without any recipient the note is public.
func (c *Composer) NoteMessage(ctx context.Context, acc *domain.Account, content string, to []string, inReplyTo string) (*domain.Note, error) {
	id := c.newID(acc, KindPost)
	conversation := id + "#ctxt"

	formatted, tags, err := FormatNote(ctx, c.resolver, content)
	if err != nil {
		return nil, fmt.Errorf("formatting note: %w", err)
	}

	rcpts := newRecipientSet(to...)
	if inReplyTo != "" {
		raw, err := c.dir.RequestObject(ctx, acc, inReplyTo)
		if err != nil {
			log.Printf("Outbox: error getting inReplyTo object %s: %v", inReplyTo, err)
		} else if parent, conv := parentNote(raw); parent != nil {
			if conv != "" {
				conversation = conv
			}
			if author := parent.Author(); author != "" {
				rcpts.add(author)
			} else {
				log.Printf("Outbox: inReplyTo %s lacks an attributedTo", inReplyTo)
			}
			if parent.IsPublic() {
				rcpts.add(domain.PublicAddress)
			}
		}
	}

	cc := newRecipientSet()
	for _, t := range tags {
		if t.Type == "Mention" {
			cc.add(t.Href)
		}
	}

	if rcpts.len() == 0 {
		rcpts.add(domain.PublicAddress)
	}

	if tags == nil {
		tags = []domain.Tag{}
	}

	return &domain.Note{
		Context:      domain.ActivityStreamsContext,
		ID:           id,
		Type:         "Note",
		AttributedTo: acc.ActorID,
		Summary:      "",
		Content:      formatted,
		Conversation: conversation,
		URL:          id,
		To:           rcpts.list(),
		Cc:           cc.list(),
		Published:    c.published(),
		InReplyTo:    refOrEmpty(inReplyTo),
		Tag:          tags,
	}, nil
}

// parentNote unwraps a Create and returns the note header and its
// conversation id.
func parentNote(raw []byte) (*domain.ObjectHeader, string) {
	h := mustHeader(raw)
	if h == nil {
		return nil, ""
	}
	h = h.Inner()
	return h, h.Conversation
}

func mustHeader(raw []byte) *domain.ObjectHeader {
	h, err := domain.ParseHeader(raw)
	if err != nil {
		return nil
	}
	return h
}

func refOrEmpty(id string) domain.Object {
	if id == "" {
		return domain.Object{}
	}
	return domain.Ref(id)
}

// CreateMessage wraps a note into a Create.
func (c *Composer) CreateMessage(acc *domain.Account, note *domain.Note) (*domain.Activity, error) {
	obj, err := domain.Embed(note)
	if err != nil {
		return nil, err
	}
	return c.activity(acc, note.ID+"/Create", "Create", obj, note.To, note.Cc), nil
}

// UpdateMessage announces a changed object to the given recipients.
func (c *Composer) UpdateMessage(acc *domain.Account, object interface{}, id string, to, cc []string) (*domain.Activity, error) {
	obj, err := domain.Embed(object)
	if err != nil {
		return nil, err
	}
	return c.activity(acc, fmt.Sprintf("%s/Update/%s", id, util.Tid(c.tids.Next())), "Update", obj, to, cc), nil
}

// DeleteMessage replaces id with a Tombstone.
func (c *Composer) DeleteMessage(acc *domain.Account, id string, to, cc []string) (*domain.Activity, error) {
	obj, err := domain.Embed(domain.Tombstone{ID: id, Type: "Tombstone"})
	if err != nil {
		return nil, err
	}
	return c.activity(acc, id+"/Delete", "Delete", obj, to, cc), nil
}

// AdmirationMessage builds a Like (like == true) or Announce of the object
// behind objectID, addressed to the public and to the object's author.
func (c *Composer) AdmirationMessage(ctx context.Context, acc *domain.Account, objectID string, like bool) (*domain.Activity, *domain.ObjectHeader, error) {
	raw, err := c.dir.RequestObject(ctx, acc, objectID)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot resolve object to admire %s: %w", objectID, err)
	}
	header, err := domain.ParseHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	target := header.Inner()

	kind := "Announce"
	if like {
		kind = "Like"
	}
	to := newRecipientSet(domain.PublicAddress)
	if author := target.Author(); author != "" {
		to.add(author)
	}
	return c.activity(acc, c.newID(acc, KindAdmiration), kind, domain.Ref(target.ID), to.list(), nil), target, nil
}

// FollowMessage builds a Follow of actorID.
func (c *Composer) FollowMessage(acc *domain.Account, actorID string) *domain.Activity {
	return c.activity(acc, c.newID(acc, KindFollow), "Follow", domain.Ref(actorID), []string{actorID}, nil)
}

// AcceptMessage confirms an inbound Follow.
func (c *Composer) AcceptMessage(acc *domain.Account, follow json.RawMessage, follower string) (*domain.Activity, error) {
	var obj domain.Object
	if err := obj.UnmarshalJSON(follow); err != nil {
		return nil, err
	}
	return c.activity(acc, c.newID(acc, KindAccept), "Accept", obj, []string{follower}, nil), nil
}

// UndoMessage retracts one of our own activities.
func (c *Composer) UndoMessage(acc *domain.Account, original json.RawMessage, to []string) (*domain.Activity, error) {
	var obj domain.Object
	if err := obj.UnmarshalJSON(original); err != nil {
		return nil, err
	}
	return c.activity(acc, obj.ID+"/Undo", "Undo", obj, to, nil), nil
}

// Recipients expands the audience of an activity. The public address is
// replaced by the current followers; collections and the account itself are
// left out.
func (c *Composer) Recipients(acc *domain.Account, a *domain.Activity) ([]string, error) {
	set := newRecipientSet()
	for _, list := range []domain.Audience{a.To, a.Cc} {
		for _, r := range list {
			if r == domain.PublicAddress {
				err, followers := c.db.ReadFollowers(acc.Uid)
				if err != nil {
					return nil, fmt.Errorf("reading followers: %w", err)
				}
				for _, f := range *followers {
					set.add(f.ActorID)
				}
				continue
			}
			set.add(r)
		}
	}

	out := make([]string, 0, set.len())
	for _, r := range set.list() {
		if r == acc.ActorID || isCollection(r) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func isCollection(id string) bool {
	return strings.HasSuffix(id, "/followers") || strings.HasSuffix(id, "/following") || strings.HasSuffix(id, "#Public")
}

// Post enqueues the activity once for every recipient.
func (c *Composer) Post(ctx context.Context, acc *domain.Account, a *domain.Activity) (int, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}
	rcpts, err := c.Recipients(acc, a)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rcpts {
		if err := c.queue.Enqueue(acc, r, raw, 0); err != nil {
			return n, err
		}
		n++
	}
	util.Debugf(1, "Outbox: %s %s queued for %d recipients", a.Type, a.ID, n)
	return n, nil
}

func (c *Composer) store(acc *domain.Account, raw json.RawMessage, id, parent string) error {
	_, err := c.db.AddToTimeline(acc, raw, id, parent, c.maxDepth)
	return err
}

// PublishNote composes a note, stores it locally and sends it out.
func (c *Composer) PublishNote(ctx context.Context, acc *domain.Account, content string, to []string, inReplyTo string) (*domain.Note, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty note", domain.ErrPolicy)
	}
	note, err := c.NoteMessage(ctx, acc, content, to, inReplyTo)
	if err != nil {
		return nil, err
	}
	create, err := c.CreateMessage(acc, note)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(create)
	if err != nil {
		return nil, err
	}
	if err := c.store(acc, raw, note.ID, inReplyTo); err != nil {
		return nil, fmt.Errorf("storing note: %w", err)
	}
	if _, err := c.Post(ctx, acc, create); err != nil {
		return note, err
	}
	log.Printf("Outbox: %s published %s", acc.Uid, note.ID)
	return note, nil
}

// ownNote loads one of the account's own notes from the timeline.
func (c *Composer) ownNote(acc *domain.Account, id string) (*domain.TimelineEntry, *domain.Note, error) {
	if !acc.Owns(id) {
		return nil, nil, fmt.Errorf("%w: %s is not ours", domain.ErrPolicy, id)
	}
	err, entry := c.db.ReadTimelineEntry(acc.Uid, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, err
	}
	var wrapper domain.Activity
	noteRaw := []byte(entry.Object)
	if json.Unmarshal(entry.Object, &wrapper) == nil && wrapper.Type == "Create" && wrapper.Object.Raw() != nil {
		noteRaw = wrapper.Object.Raw()
	}
	var note domain.Note
	if err := json.Unmarshal(noteRaw, &note); err != nil {
		return nil, nil, fmt.Errorf("%w: stored %s: %v", domain.ErrProtocol, id, err)
	}
	if note.Type != "Note" {
		return nil, nil, fmt.Errorf("%w: %s is a %s", domain.ErrPolicy, id, note.Type)
	}
	return entry, &note, nil
}

// EditNote replaces the content of one of our notes and sends an Update.
func (c *Composer) EditNote(ctx context.Context, acc *domain.Account, id, content string) (*domain.Note, error) {
	entry, note, err := c.ownNote(acc, id)
	if err != nil {
		return nil, err
	}
	formatted, tags, err := FormatNote(ctx, c.resolver, content)
	if err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []domain.Tag{}
	}
	note.Content = formatted
	note.Tag = tags
	note.Updated = c.published()

	create, err := c.CreateMessage(acc, note)
	if err != nil {
		return nil, err
	}
	// keep the original Create id
	var stored domain.Activity
	if json.Unmarshal(entry.Object, &stored) == nil && stored.ID != "" {
		create.ID = stored.ID
		create.Published = stored.Published
	}
	raw, err := json.Marshal(create)
	if err != nil {
		return nil, err
	}
	if err := c.db.ReplaceTimelineObject(acc.Uid, id, raw); err != nil {
		return nil, err
	}

	update, err := c.UpdateMessage(acc, note, note.ID, note.To, note.Cc)
	if err != nil {
		return nil, err
	}
	if _, err := c.Post(ctx, acc, update); err != nil {
		return note, err
	}
	return note, nil
}

// DeletePost removes one of our notes and tells its recipients.
func (c *Composer) DeletePost(ctx context.Context, acc *domain.Account, id string) error {
	_, note, err := c.ownNote(acc, id)
	if err != nil {
		return err
	}
	to := newRecipientSet(note.To...)
	to.add(domain.PublicAddress)
	del, err := c.DeleteMessage(acc, id, to.list(), note.Cc)
	if err != nil {
		return err
	}
	if err := c.db.DeleteFromTimeline(acc.Uid, id); err != nil {
		return err
	}
	_, err = c.Post(ctx, acc, del)
	return err
}

// Like and Boost admire an object and store the admiration next to it.
func (c *Composer) Like(ctx context.Context, acc *domain.Account, objectID string) (*domain.Activity, error) {
	return c.admire(ctx, acc, objectID, true)
}

func (c *Composer) Boost(ctx context.Context, acc *domain.Account, objectID string) (*domain.Activity, error) {
	return c.admire(ctx, acc, objectID, false)
}

func (c *Composer) admire(ctx context.Context, acc *domain.Account, objectID string, like bool) (*domain.Activity, error) {
	msg, target, err := c.AdmirationMessage(ctx, acc, objectID, like)
	if err != nil {
		return nil, err
	}

	// the admired object must be in the timeline for the admiration to attach
	if err, _ := c.db.ReadTimelineEntry(acc.Uid, target.ID); errors.Is(err, sql.ErrNoRows) {
		raw, rerr := c.dir.RequestObject(ctx, acc, target.ID)
		if rerr == nil {
			parent := ""
			if h := mustHeader(raw); h != nil {
				parent = h.Inner().InReplyTo.ID
			}
			if serr := c.store(acc, raw, target.ID, parent); serr != nil {
				log.Printf("Outbox: Failed to store admired object %s: %v", target.ID, serr)
			}
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := c.store(acc, raw, msg.ID, target.ID); err != nil {
		return nil, err
	}
	if _, err := c.Post(ctx, acc, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Follow sends a Follow to target, a URL or an @user@host handle. The actor
// id is canonicalised through the directory first.
func (c *Composer) Follow(ctx context.Context, acc *domain.Account, target string) (*domain.Activity, error) {
	actorID := target
	if !strings.HasPrefix(target, "https://") && !strings.HasPrefix(target, "http://") {
		if c.resolver == nil {
			return nil, fmt.Errorf("%w: cannot resolve %s", domain.ErrNotFound, target)
		}
		resolved, err := c.resolver.Resolve(ctx, target)
		if err != nil {
			return nil, err
		}
		actorID = resolved
	}

	actor, err := c.dir.Resolve(ctx, acc, actorID)
	if err != nil {
		return nil, fmt.Errorf("cannot create a follow message for %s: %w", actorID, err)
	}
	if actor.ID != actorID {
		log.Printf("Outbox: actor to follow is an alias, canonicalized %s %s", actorID, actor.ID)
		actorID = actor.ID
	}
	if actorID == acc.ActorID {
		return nil, fmt.Errorf("%w: cannot follow yourself", domain.ErrPolicy)
	}

	msg := c.FollowMessage(acc, actorID)
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := c.db.AddFollowing(acc.Uid, actorID, raw); err != nil {
		return nil, err
	}
	if _, err := c.Post(ctx, acc, msg); err != nil {
		return msg, err
	}
	log.Printf("Outbox: %s follows %s", acc.Uid, actorID)
	return msg, nil
}

// Unfollow retracts our Follow of actorID. Already queued messages to the
// actor are not retracted.
func (c *Composer) Unfollow(ctx context.Context, acc *domain.Account, actorID string) error {
	err, rec := c.db.ReadFollowingRecord(acc.Uid, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: not following %s", domain.ErrNotFound, actorID)
	}
	if err != nil {
		return err
	}
	undo, err := c.UndoMessage(acc, rec.Follow, []string{actorID})
	if err != nil {
		return err
	}
	if err := c.db.DeleteFollowing(acc.Uid, actorID); err != nil {
		return err
	}
	_, err = c.Post(ctx, acc, undo)
	return err
}

func (c *Composer) Mute(acc *domain.Account, actorID string) error {
	return c.db.Mute(acc.Uid, actorID)
}

func (c *Composer) Unmute(acc *domain.Account, actorID string) error {
	return c.db.Unmute(acc.Uid, actorID)
}

// recipientSet keeps insertion order and drops duplicates.
type recipientSet struct {
	seen  map[string]bool
	order []string
}

func newRecipientSet(ids ...string) *recipientSet {
	s := &recipientSet{seen: make(map[string]bool)}
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s *recipientSet) add(id string) {
	if id == "" || s.seen[id] {
		return
	}
	s.seen[id] = true
	s.order = append(s.order, id)
}

func (s *recipientSet) len() int {
	return len(s.order)
}

func (s *recipientSet) list() []string {
	return append([]string{}, s.order...)
}
