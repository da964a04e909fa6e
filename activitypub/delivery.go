package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const deliveryBatchSize = 50

// Queue is the outbound delivery queue. Items are at-least-once: an item is
// only removed after a 2xx or when its retry budget is spent.
type Queue struct {
	db         *db.DB
	dir        *Directory
	client     Client
	retryUnit  time.Duration
	maxRetries int
	workers    int
	now        func() time.Time
}

func NewQueue(database *db.DB, dir *Directory, client Client, conf *util.AppConfig, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	workers := conf.Conf.OutboundWorkers
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		db:         database,
		dir:        dir,
		client:     client,
		retryUnit:  conf.RetryUnit(),
		maxRetries: conf.Conf.QueueRetryMax,
		workers:    workers,
		now:        now,
	}
}

// queueKey sorts by schedule time; the uuid suffix keeps keys unique when two
// items share a nanosecond.
func queueKey(scheduledAt time.Time) string {
	return fmt.Sprintf("%020d-%s", scheduledAt.UnixNano(), uuid.New().String())
}

// Enqueue schedules activity for delivery to destination after retries retry
// units. Deliveries to the account itself are refused silently.
func (q *Queue) Enqueue(acc *domain.Account, destination string, activity json.RawMessage, retries int) error {
	if destination == acc.ActorID {
		util.Debugf(1, "DeliveryQueue: refusing to enqueue a message to ourselves")
		return nil
	}
	now := q.now()
	scheduledAt := now.Add(time.Duration(retries) * q.retryUnit)
	item := &domain.QueueItem{
		Key:         queueKey(scheduledAt),
		AccountUid:  acc.Uid,
		Destination: destination,
		Activity:    activity,
		Retries:     retries,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
	}
	if err := q.db.EnqueueDelivery(item); err != nil {
		return fmt.Errorf("enqueueing for %s: %w", destination, err)
	}
	util.Debugf(2, "DeliveryQueue: enqueued message for %s (retries %d)", destination, retries)
	return nil
}

// StartDeliveryWorker starts a background worker that processes the delivery
// queue every poll interval until ctx is done.
func (q *Queue) StartDeliveryWorker(ctx context.Context, every time.Duration) {
	log.Println("Starting ActivityPub delivery worker...")

	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("DeliveryWorker: stopped")
				return
			case <-ticker.C:
				if _, err := q.Process(ctx); err != nil {
					log.Printf("DeliveryWorker: %v", err)
				}
			}
		}
	}()
}

// Process delivers every due item once and returns how many were handled.
func (q *Queue) Process(ctx context.Context) (int, error) {
	err, items := q.db.ReadDueDeliveries(q.now(), deliveryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	if items == nil || len(*items) == 0 {
		return 0, nil
	}

	util.Debugf(1, "DeliveryWorker: Processing %d pending deliveries", len(*items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.workers)
	for i := range *items {
		item := (*items)[i]
		g.Go(func() error {
			q.handle(gctx, &item)
			return nil
		})
	}
	return len(*items), g.Wait()
}

func (q *Queue) handle(ctx context.Context, item *domain.QueueItem) {
	status, err := q.deliver(ctx, item)
	if err == nil {
		log.Printf("DeliveryWorker: Successfully delivered to %s (%d)", item.Destination, status)
		if derr := q.db.DeleteDelivery(item.Key); derr != nil {
			log.Printf("DeliveryWorker: Failed to remove delivered item %s: %v", item.Key, derr)
		}
		return
	}

	if item.Retries >= q.maxRetries {
		log.Printf("DeliveryWorker: Giving up on %s after %d retries: %v", item.Destination, item.Retries, fmt.Errorf("%w: %v", domain.ErrCapacity, err))
		if derr := q.db.DeleteDelivery(item.Key); derr != nil {
			log.Printf("DeliveryWorker: Failed to drop item %s: %v", item.Key, derr)
		}
		return
	}

	next := *item
	next.Retries = item.Retries + 1
	next.ScheduledAt = q.now().Add(time.Duration(next.Retries) * q.retryUnit)
	next.Key = queueKey(next.ScheduledAt)
	log.Printf("DeliveryWorker: Delivery to %s failed (retry %d), next at %s: %v",
		item.Destination, next.Retries, next.ScheduledAt.Format(time.RFC3339), err)
	if rerr := q.db.ReplaceDelivery(item.Key, &next); rerr != nil {
		log.Printf("DeliveryWorker: Failed to requeue %s: %v", item.Key, rerr)
	}
}

// deliver resolves the destination inbox and POSTs the signed activity.
func (q *Queue) deliver(ctx context.Context, item *domain.QueueItem) (int, error) {
	err, acc := q.db.ReadAccByUid(item.AccountUid)
	if err != nil {
		return 0, fmt.Errorf("failed to get local account %s: %w", item.AccountUid, err)
	}

	actor, err := q.dir.Resolve(ctx, acc, item.Destination)
	if err != nil {
		return 0, err
	}

	status, _, err := q.client.Post(ctx, acc, actor.Inbox, item.Activity)

	archived := &domain.ArchivedActivity{
		AccountUid: acc.Uid,
		Direction:  ">",
		Method:     "POST",
		ActorURI:   actor.Inbox,
		RawJSON:    string(item.Activity),
		Status:     status,
		CreatedAt:  q.now(),
	}
	if aerr := q.db.ArchiveActivity(archived); aerr != nil {
		util.Debugf(1, "DeliveryWorker: Failed to archive delivery: %v", aerr)
	}

	return status, err
}

// Pending lists the queued items of an account, earliest first.
func (q *Queue) Pending(uid string) ([]domain.QueueItem, error) {
	err, items := q.db.ReadDeliveriesByAccount(uid)
	if err != nil {
		return nil, err
	}
	return *items, nil
}

// PurgeTimelines drops timeline entries older than horizon for every account.
func PurgeTimelines(database *db.DB, horizon time.Duration, now time.Time) (int64, error) {
	err, accounts := database.ReadAllAccounts()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, acc := range *accounts {
		n, err := database.PurgeTimeline(acc.Uid, now.Add(-horizon))
		if err != nil {
			return total, fmt.Errorf("purging %s: %w", acc.Uid, err)
		}
		if n > 0 {
			log.Printf("Purge: removed %d timeline entries of %s", n, acc.Uid)
		}
		total += n
	}
	return total, nil
}

// StartPurgeWorker runs PurgeTimelines once an hour until ctx is done.
func StartPurgeWorker(ctx context.Context, database *db.DB, horizon time.Duration) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := PurgeTimelines(database, horizon, now); err != nil {
					log.Printf("Purge: %v", err)
				}
			}
		}
	}()
}
