package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
)

// Processor validates inbound activities and applies them to the account's
// state.
type Processor struct {
	db       *db.DB
	dir      *Directory
	composer *Composer
	verifier *Verifier
	maxDepth int
	now      func() time.Time
}

func NewProcessor(database *db.DB, dir *Directory, composer *Composer, conf *util.AppConfig, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		db:       database,
		dir:      dir,
		composer: composer,
		verifier: &Verifier{
			BaseURL: conf.BaseURL(),
			Strict:  conf.Conf.StrictSignatures,
			Keys:    dir,
		},
		maxDepth: conf.Conf.ThreadMaxDepth,
		now:      now,
	}
}

// Receive handles one POST to the inbox of uid and returns the HTTP status to
// answer with. Once a message is accepted, processing failures are logged and
// still answered with 200; the sender cannot fix them by retrying.
func (p *Processor) Receive(ctx context.Context, uid string, r *http.Request, body []byte) (status int, err error) {
	err, acc := p.db.ReadAccByUid(uid)
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, fmt.Errorf("%w: no account %s", domain.ErrNotFound, uid)
	}
	if err != nil {
		return http.StatusInternalServerError, err
	}

	if r.Header.Get("Signature") == "" {
		log.Printf("Inbox: Missing HTTP signature")
		return http.StatusUnauthorized, fmt.Errorf("%w: missing signature", domain.ErrProtocol)
	}

	a, err := domain.ParseActivity(body)
	if err != nil {
		log.Printf("Inbox: Failed to parse activity: %v", err)
		return http.StatusBadRequest, err
	}

	defer func() {
		archived := &domain.ArchivedActivity{
			AccountUid: acc.Uid,
			Direction:  "<",
			Method:     r.Method,
			ActorURI:   a.Actor,
			RawJSON:    string(body),
			Status:     status,
			CreatedAt:  p.now(),
		}
		if aerr := p.db.ArchiveActivity(archived); aerr != nil {
			util.Debugf(1, "Inbox: Failed to archive activity: %v", aerr)
		}
	}()

	if a.Actor == acc.ActorID {
		log.Printf("Inbox: Ignoring message from myself")
		return http.StatusBadRequest, fmt.Errorf("%w: message from the local actor", domain.ErrPolicy)
	}

	outcome, verr := p.verifier.Verify(ctx, acc, a.Actor, r, body)
	switch outcome {
	case OutcomeRejected:
		log.Printf("Inbox: Signature verification failed for %s: %v", a.Actor, verr)
		return http.StatusBadRequest, verr
	case OutcomeGone:
		util.Debugf(1, "Inbox: Dropping %s from gone actor %s", a.Type, a.Actor)
		return http.StatusOK, nil
	case OutcomeUnverified:
		log.Printf("Inbox: Accepting unverified %s from %s: %v", a.Type, a.Actor, verr)
	}

	log.Printf("Inbox: Received %s from %s", a.Type, a.Actor)

	if derr := p.Dispatch(ctx, acc, a, body); derr != nil {
		log.Printf("Inbox: Failed to handle %s: %v", a.Type, derr)
	}
	return http.StatusOK, nil
}

// Dispatch applies an already validated activity.
func (p *Processor) Dispatch(ctx context.Context, acc *domain.Account, a *domain.Activity, raw json.RawMessage) error {
	switch a.Kind() {
	case domain.KindFollow:
		return p.handleFollow(acc, a, raw)
	case domain.KindUndo:
		return p.handleUndo(acc, a)
	case domain.KindAccept:
		return p.handleAccept(acc, a, raw)
	case domain.KindCreate:
		return p.handleCreate(ctx, acc, a, raw)
	case domain.KindUpdate:
		return p.handleUpdate(acc, a)
	case domain.KindDelete:
		return p.handleDelete(acc, a)
	case domain.KindLike, domain.KindAnnounce:
		return p.handleAdmiration(ctx, acc, a, raw)
	case domain.KindUnknown:
		util.Debugf(1, "Inbox: Ignoring unsupported activity type %s", a.Type)
	}
	return nil
}

func (p *Processor) muted(acc *domain.Account, actorID string) bool {
	m, err := p.db.IsMuted(acc.Uid, actorID)
	if err != nil {
		log.Printf("Inbox: Failed to check mute of %s: %v", actorID, err)
	}
	return m
}

func (p *Processor) handleFollow(acc *domain.Account, a *domain.Activity, raw json.RawMessage) error {
	if a.Object.ID != acc.ActorID {
		return fmt.Errorf("%w: follow of %s is not for us", domain.ErrPolicy, a.Object.ID)
	}
	if err := p.db.AddFollower(acc.Uid, a.Actor, raw); err != nil {
		return fmt.Errorf("failed to add follower: %w", err)
	}

	accept, err := p.composer.AcceptMessage(acc, raw, a.Actor)
	if err != nil {
		return err
	}
	acceptRaw, err := json.Marshal(accept)
	if err != nil {
		return err
	}
	if err := p.composer.queue.Enqueue(acc, a.Actor, acceptRaw, 0); err != nil {
		return err
	}

	if a.ID != "" {
		if _, err := p.db.AddToTimeline(acc, raw, a.ID, "", p.maxDepth); err != nil {
			log.Printf("Inbox: Failed to store follow %s: %v", a.ID, err)
		}
	}
	log.Printf("Inbox: New follower %s", a.Actor)
	return nil
}

// innerActivity returns the embedded activity of an Undo or Accept, looking
// bare references up in the timeline.
func (p *Processor) innerActivity(acc *domain.Account, obj domain.Object) (*domain.ObjectHeader, error) {
	raw := obj.Raw()
	if raw == nil {
		err, entry := p.db.ReadTimelineEntry(acc.Uid, obj.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown object %s", domain.ErrNotFound, obj.ID)
		}
		raw = entry.Object
	}
	return domain.ParseHeader(raw)
}

func (p *Processor) handleUndo(acc *domain.Account, a *domain.Activity) error {
	if a.Object.IsEmpty() {
		return fmt.Errorf("%w: undo without object", domain.ErrProtocol)
	}
	inner, err := p.innerActivity(acc, a.Object)
	if err != nil {
		return err
	}
	if inner.Actor != "" && inner.Actor != a.Actor {
		return fmt.Errorf("%w: %s cannot undo an activity of %s", domain.ErrPolicy, a.Actor, inner.Actor)
	}

	switch kind := domain.ParseKind(inner.Type); kind {
	case domain.KindFollow:
		if err := p.db.DeleteFollower(acc.Uid, a.Actor); err != nil {
			return err
		}
		log.Printf("Inbox: %s is no longer a follower", a.Actor)
	case domain.KindLike, domain.KindAnnounce:
		err := p.db.RemoveAdmiration(acc.Uid, inner.Object.ID, a.Actor, kind, inner.ID)
		if errors.Is(err, sql.ErrNoRows) {
			util.Debugf(1, "Inbox: Undo %s of unknown object %s", kind, inner.Object.ID)
			return nil
		}
		return err
	default:
		util.Debugf(1, "Inbox: Ignoring Undo of %s", inner.Type)
	}
	return nil
}

func (p *Processor) handleAccept(acc *domain.Account, a *domain.Activity, raw json.RawMessage) error {
	if !a.Object.IsRef() && a.Object.Type != "" && a.Object.Type != "Follow" {
		util.Debugf(1, "Inbox: Ignoring Accept of %s", a.Object.Type)
		return nil
	}
	err, _ := p.db.ReadFollowingRecord(acc.Uid, a.Actor)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("Inbox: Spurious Accept from %s", a.Actor)
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.db.AcceptFollowing(acc.Uid, a.Actor, raw); err != nil {
		return err
	}
	log.Printf("Inbox: Now following %s", a.Actor)
	return nil
}

type ancestor struct {
	id     string
	parent string
	raw    json.RawMessage
}

// fetchAncestors walks inReplyTo upwards from parentID until a stored entry,
// a dead end, a loop or maxDepth. The result is ordered oldest first.
func (p *Processor) fetchAncestors(ctx context.Context, acc *domain.Account, parentID string) []ancestor {
	var chain []ancestor
	visited := map[string]bool{}
	cur := parentID
	for depth := 0; cur != "" && !visited[cur]; depth++ {
		if p.maxDepth > 0 && depth >= p.maxDepth {
			log.Printf("Inbox: Reply chain walk stopped at depth %d (%s)", depth, cur)
			break
		}
		visited[cur] = true
		if err, _ := p.db.ReadTimelineEntry(acc.Uid, cur); err == nil {
			break
		}
		raw, err := p.dir.RequestObject(ctx, acc, cur)
		if err != nil {
			log.Printf("Inbox: Cannot get inReplyTo %s: %v", cur, err)
			break
		}
		h, err := domain.ParseHeader(raw)
		if err != nil {
			break
		}
		next := h.Inner().InReplyTo.ID
		chain = append(chain, ancestor{id: cur, parent: next, raw: raw})
		cur = next
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (p *Processor) handleCreate(ctx context.Context, acc *domain.Account, a *domain.Activity, raw json.RawMessage) error {
	if p.muted(acc, a.Actor) {
		util.Debugf(1, "Inbox: Dropped Create from muted actor %s", a.Actor)
		return nil
	}
	if a.Object.Raw() == nil {
		return fmt.Errorf("%w: Create without embedded object", domain.ErrProtocol)
	}
	note, err := domain.ParseHeader(a.Object.Raw())
	if err != nil {
		return err
	}
	if !domain.IsNoteType(note.Type) {
		util.Debugf(1, "Inbox: Ignoring Create of %s", note.Type)
		return nil
	}
	if note.ID == "" {
		return fmt.Errorf("%w: Create of an object without id", domain.ErrProtocol)
	}

	parentID := note.InReplyTo.ID
	for _, anc := range p.fetchAncestors(ctx, acc, parentID) {
		if _, err := p.db.AddToTimeline(acc, anc.raw, anc.id, anc.parent, p.maxDepth); err != nil {
			log.Printf("Inbox: Failed to store ancestor %s: %v", anc.id, err)
		}
	}

	res, err := p.db.AddToTimeline(acc, raw, note.ID, parentID, p.maxDepth)
	if err != nil {
		return err
	}
	if res == db.TimelineExisted {
		util.Debugf(1, "Inbox: %s already in timeline", note.ID)
	}
	return nil
}

func (p *Processor) handleAdmiration(ctx context.Context, acc *domain.Account, a *domain.Activity, raw json.RawMessage) error {
	if p.muted(acc, a.Actor) {
		util.Debugf(1, "Inbox: Dropped %s from muted actor %s", a.Type, a.Actor)
		return nil
	}
	if a.ID == "" || a.Object.IsEmpty() {
		return fmt.Errorf("%w: %s without id or object", domain.ErrProtocol, a.Type)
	}

	objRaw := a.Object.Raw()
	if objRaw == nil {
		var err error
		objRaw, err = p.dir.RequestObject(ctx, acc, a.Object.ID)
		if err != nil {
			return fmt.Errorf("cannot resolve %s: %w", a.Object.ID, err)
		}
	}
	target, err := domain.ParseHeader(objRaw)
	if err != nil {
		return err
	}
	if target.Type == "Create" && target.Object.Raw() != nil {
		objRaw = target.Object.Raw()
		target = target.Inner()
	}
	if target.ID == "" {
		return fmt.Errorf("%w: admired object without id", domain.ErrProtocol)
	}
	if author := target.Author(); author != "" && p.muted(acc, author) {
		util.Debugf(1, "Inbox: Dropped %s of muted author %s", a.Type, author)
		return nil
	}

	if a.Kind() == domain.KindAnnounce {
		if err, _ := p.db.ReadTimelineEntry(acc.Uid, target.ID); errors.Is(err, sql.ErrNoRows) {
			if _, err := p.db.AddToTimeline(acc, objRaw, target.ID, target.InReplyTo.ID, p.maxDepth); err != nil {
				return fmt.Errorf("storing announced object: %w", err)
			}
		}
	}

	_, err = p.db.AddToTimeline(acc, raw, a.ID, target.ID, p.maxDepth)
	return err
}

func (p *Processor) handleUpdate(acc *domain.Account, a *domain.Activity) error {
	objRaw := a.Object.Raw()
	if objRaw == nil {
		return fmt.Errorf("%w: Update without embedded object", domain.ErrProtocol)
	}
	obj, err := domain.ParseHeader(objRaw)
	if err != nil {
		return err
	}

	switch {
	case domain.IsActorType(obj.Type):
		if obj.ID != a.Actor {
			return fmt.Errorf("%w: %s cannot update actor %s", domain.ErrPolicy, a.Actor, obj.ID)
		}
		if err := p.dir.Store(acc, a.Actor, objRaw); err != nil {
			return err
		}
		log.Printf("Inbox: Updated actor %s", a.Actor)
		return nil

	case domain.IsNoteType(obj.Type):
		if obj.Author() != a.Actor {
			return fmt.Errorf("%w: %s cannot update %s", domain.ErrPolicy, a.Actor, obj.ID)
		}
		err, entry := p.db.ReadTimelineEntry(acc.Uid, obj.ID)
		if errors.Is(err, sql.ErrNoRows) {
			util.Debugf(1, "Inbox: Update of unknown object %s", obj.ID)
			return nil
		}
		if err != nil {
			return err
		}
		replaced, err := replaceInner(entry.Object, objRaw)
		if err != nil {
			return err
		}
		return p.db.ReplaceTimelineObject(acc.Uid, obj.ID, replaced)
	}

	util.Debugf(1, "Inbox: Ignoring Update of %s", obj.Type)
	return nil
}

// replaceInner swaps the object of a stored Create, or the stored object
// itself when it is not wrapped.
func replaceInner(stored, updated json.RawMessage) (json.RawMessage, error) {
	h, err := domain.ParseHeader(stored)
	if err != nil || h.Type != "Create" {
		return updated, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(stored, &m); err != nil {
		return nil, err
	}
	m["object"] = updated
	return json.Marshal(m)
}

func (p *Processor) handleDelete(acc *domain.Account, a *domain.Activity) error {
	id := a.Object.ID
	if id == "" {
		return fmt.Errorf("%w: Delete without object id", domain.ErrProtocol)
	}

	if id == a.Actor {
		if err := p.db.DeleteFollower(acc.Uid, a.Actor); err != nil {
			return err
		}
		if err := p.db.DeleteFollowing(acc.Uid, a.Actor); err != nil {
			return err
		}
		p.dir.Invalidate(acc, a.Actor)
		log.Printf("Inbox: Actor %s deleted", a.Actor)
		return nil
	}

	err, entry := p.db.ReadTimelineEntry(acc.Uid, id)
	if errors.Is(err, sql.ErrNoRows) {
		util.Debugf(1, "Inbox: Delete of unknown object %s", id)
		return nil
	}
	if err != nil {
		return err
	}
	h, err := domain.ParseHeader(entry.Object)
	if err != nil {
		return err
	}
	if author := h.Inner().Author(); author != a.Actor {
		log.Printf("Inbox: Ignoring Delete of %s by %s (author %s)", id, a.Actor, author)
		return nil
	}
	if kind := domain.ParseKind(h.Type); (kind == domain.KindLike || kind == domain.KindAnnounce) && entry.ParentId != "" {
		err := p.db.RemoveAdmiration(acc.Uid, entry.ParentId, a.Actor, kind, id)
		if err == nil {
			log.Printf("Inbox: Deleted %s of %s", kind, entry.ParentId)
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	if err := p.db.DeleteFromTimeline(acc.Uid, id); err != nil {
		return err
	}
	log.Printf("Inbox: Deleted %s", id)
	return nil
}
