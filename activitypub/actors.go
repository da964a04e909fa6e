package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Directory resolves actor ids to descriptors. Each account has its own
// durable cache; a bounded in-process LRU sits in front of it.
type Directory struct {
	db      *db.DB
	client  Client
	baseURL string
	ttl     time.Duration
	now     func() time.Time
	hot     *lru.Cache[string, *domain.ActorDescriptor]
}

func NewDirectory(database *db.DB, client Client, conf *util.AppConfig, now func() time.Time) (*Directory, error) {
	size := conf.Conf.ActorCacheSize
	if size < 1 {
		size = 1
	}
	hot, err := lru.New[string, *domain.ActorDescriptor](size)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Directory{
		db:      database,
		client:  client,
		baseURL: conf.BaseURL(),
		ttl:     conf.ActorCacheTTL(),
		now:     now,
		hot:     hot,
	}, nil
}

func hotKey(acc *domain.Account, actorID string) string {
	return acc.Uid + " " + actorID
}

func (d *Directory) fresh(a *domain.ActorDescriptor) bool {
	return d.now().Sub(a.FetchedAt) < d.ttl
}

// Resolve returns the descriptor of actorID. A stale entry is refreshed; when
// the refresh fails the stale copy is served and its timestamp bumped so the
// peer is not asked again until the TTL runs out once more.
func (d *Directory) Resolve(ctx context.Context, acc *domain.Account, actorID string) (*domain.ActorDescriptor, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: empty actor id", domain.ErrNotFound)
	}

	if local, err := d.resolveLocal(actorID); local != nil || err != nil {
		return local, err
	}

	key := hotKey(acc, actorID)
	if a, ok := d.hot.Get(key); ok && d.fresh(a) {
		return a, nil
	}

	err, cached := d.db.ReadActor(acc.Uid, actorID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("Directory: Failed to read cached actor %s: %v", actorID, err)
	}
	if cached != nil && d.fresh(cached) {
		util.Debugf(2, "Directory: cache hit for %s", actorID)
		d.hot.Add(key, cached)
		return cached, nil
	}

	util.Debugf(2, "Directory: cache miss for %s", actorID)
	_, body, err := d.client.Get(ctx, acc, actorID)
	if err == nil {
		var fetched *domain.ActorDescriptor
		fetched, err = domain.ParseActor(body)
		if err == nil {
			fetched.FetchedAt = d.now()
			if werr := d.db.WriteActor(acc.Uid, actorID, fetched.Raw, fetched.FetchedAt); werr != nil {
				log.Printf("Directory: Failed to cache actor %s: %v", actorID, werr)
			}
			d.hot.Add(key, fetched)
			return fetched, nil
		}
	}

	if cached != nil {
		util.Debugf(1, "Directory: serving stale actor %s: %v", actorID, err)
		cached.FetchedAt = d.now()
		if terr := d.db.TouchActor(acc.Uid, actorID, cached.FetchedAt); terr != nil {
			log.Printf("Directory: Failed to touch actor %s: %v", actorID, terr)
		}
		d.hot.Add(key, cached)
		return cached, nil
	}

	if !errors.Is(err, domain.ErrGone) {
		util.Debugf(1, "Directory: cannot retrieve actor %s: %v", actorID, err)
	}
	return nil, fmt.Errorf("resolving actor %s: %w", actorID, err)
}

// resolveLocal answers for accounts of this instance without a network call.
func (d *Directory) resolveLocal(actorID string) (*domain.ActorDescriptor, error) {
	if !strings.HasPrefix(actorID, d.baseURL+"/") {
		return nil, nil
	}
	err, acc := d.db.ReadAccByActor(actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no local actor %s", domain.ErrNotFound, actorID)
	}
	if err != nil {
		return nil, err
	}
	raw, err := LocalActor(acc)
	if err != nil {
		return nil, err
	}
	a, err := domain.ParseActor(raw)
	if err != nil {
		return nil, err
	}
	a.FetchedAt = d.now()
	return a, nil
}

// PublicKeyPem resolves the signing key of an actor.
func (d *Directory) PublicKeyPem(ctx context.Context, acc *domain.Account, actorID string) (string, error) {
	a, err := d.Resolve(ctx, acc, actorID)
	if err != nil {
		return "", err
	}
	if a.PublicKeyPem == "" {
		return "", fmt.Errorf("%w: actor %s has no public key", domain.ErrProtocol, actorID)
	}
	return a.PublicKeyPem, nil
}

// Store replaces the cached document of actorID, e.g. on Update(Person).
func (d *Directory) Store(acc *domain.Account, actorID string, raw json.RawMessage) error {
	a, err := domain.ParseActor(raw)
	if err != nil {
		return err
	}
	if a.ID != actorID {
		return fmt.Errorf("%w: actor document %s does not describe %s", domain.ErrPolicy, a.ID, actorID)
	}
	a.FetchedAt = d.now()
	if err := d.db.WriteActor(acc.Uid, actorID, raw, a.FetchedAt); err != nil {
		return err
	}
	d.hot.Add(hotKey(acc, actorID), a)
	return nil
}

// RequestObject returns the object behind id: from the timeline when it is
// stored there, otherwise from the network.
func (d *Directory) RequestObject(ctx context.Context, acc *domain.Account, id string) (json.RawMessage, error) {
	err, entry := d.db.ReadTimelineEntry(acc.Uid, id)
	if err == nil {
		return entry.Object, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if strings.HasPrefix(id, d.baseURL+"/") {
		return d.requestLocalObject(id)
	}

	_, body, err := d.client.Get(ctx, acc, id)
	if err != nil {
		return nil, fmt.Errorf("requesting object %s: %w", id, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: object %s is not JSON", domain.ErrProtocol, id)
	}
	return body, nil
}

// requestLocalObject looks into the timeline of the account that owns id.
func (d *Directory) requestLocalObject(id string) (json.RawMessage, error) {
	rest := strings.TrimPrefix(id, d.baseURL+"/")
	uid, _, _ := strings.Cut(rest, "/")
	err, owner := d.db.ReadAccByUid(uid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if id == owner.ActorID {
		return LocalActor(owner)
	}
	err, entry := d.db.ReadTimelineEntry(owner.Uid, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return entry.Object, nil
}

// Invalidate drops an actor from the in-process cache.
func (d *Directory) Invalidate(acc *domain.Account, actorID string) {
	d.hot.Remove(hotKey(acc, actorID))
}
