package activitypub

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestEnqueueRefusesSelfDelivery(t *testing.T) {
	env := newTestEnv(t)

	if err := env.queue.Enqueue(env.alice, env.alice.ActorID, []byte(`{}`), 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if n := len(env.pending(t)); n != 0 {
		t.Errorf("expected no queue items for self-delivery, got %d", n)
	}
}

func TestEnqueueSchedule(t *testing.T) {
	env := newTestEnv(t)
	unit := env.conf.RetryUnit()

	if err := env.queue.Enqueue(env.alice, bobID, []byte(`{"a":1}`), 0); err != nil {
		t.Fatal(err)
	}
	if err := env.queue.Enqueue(env.alice, carolID, []byte(`{"a":2}`), 3); err != nil {
		t.Fatal(err)
	}
	items := env.pending(t)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !items[0].ScheduledAt.Equal(env.clock.Now()) {
		t.Errorf("first item scheduled at %v", items[0].ScheduledAt)
	}
	if want := env.clock.Now().Add(3 * unit); !items[1].ScheduledAt.Equal(want) {
		t.Errorf("retried item scheduled at %v, want %v", items[1].ScheduledAt, want)
	}
	if items[0].Key >= items[1].Key {
		t.Errorf("keys must sort by schedule: %s >= %s", items[0].Key, items[1].Key)
	}
}

func TestProcessDelivers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.queue.Enqueue(env.alice, bobID, []byte(`{"type":"Note"}`), 0); err != nil {
		t.Fatal(err)
	}
	n, err := env.queue.Process(ctx)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if n != 1 {
		t.Errorf("processed %d items, want 1", n)
	}
	if env.client.postCount() != 1 {
		t.Fatalf("expected 1 POST, got %d", env.client.postCount())
	}
	post := env.client.posts[0]
	if post.url != bobInbox || post.uid != "alice" || string(post.body) != `{"type":"Note"}` {
		t.Errorf("unexpected POST %+v", post)
	}
	if len(env.pending(t)) != 0 {
		t.Error("delivered item still queued")
	}

	err, archived := env.db.ReadArchivedActivities("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(*archived) != 1 || (*archived)[0].Direction != ">" || (*archived)[0].Status != http.StatusAccepted {
		t.Errorf("unexpected archive %+v", *archived)
	}
}

func TestProcessRetriesUntilBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.conf.Conf.QueueRetryMax = 3
	env.queue = NewQueue(env.db, env.dir, env.client, env.conf, env.clock.Now)
	env.client.postStatus[bobInbox] = http.StatusServiceUnavailable
	unit := env.conf.RetryUnit()

	if err := env.queue.Enqueue(env.alice, bobID, []byte(`{}`), 0); err != nil {
		t.Fatal(err)
	}

	for attempt := 0; attempt <= 3; attempt++ {
		n, err := env.queue.Process(ctx)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("attempt %d: processed %d items, want 1", attempt, n)
		}
		items := env.pending(t)
		if attempt == 3 {
			if len(items) != 0 {
				t.Fatalf("item should be dropped after %d retries, still queued: %+v", attempt, items)
			}
			break
		}
		if len(items) != 1 {
			t.Fatalf("attempt %d: expected the item to be requeued", attempt)
		}
		if items[0].Retries != attempt+1 {
			t.Errorf("retries = %d, want %d", items[0].Retries, attempt+1)
		}
		want := env.clock.Now().Add(time.Duration(attempt+1) * unit)
		if !items[0].ScheduledAt.Equal(want) {
			t.Errorf("scheduled at %v, want %v", items[0].ScheduledAt, want)
		}

		// not due yet
		if n, _ := env.queue.Process(ctx); n != 0 {
			t.Errorf("item processed before it was due")
		}
		env.clock.Advance(time.Duration(attempt+1) * unit)
	}

	if got := env.client.postCount(); got != 4 {
		t.Errorf("expected 4 delivery attempts, got %d", got)
	}
}

func TestProcessUnresolvableDestination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.queue.Enqueue(env.alice, "https://nowhere.example/u", []byte(`{}`), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.queue.Process(ctx); err != nil {
		t.Fatal(err)
	}
	items := env.pending(t)
	if len(items) != 1 || items[0].Retries != 1 {
		t.Errorf("expected a requeued item, got %+v", items)
	}
	if env.client.postCount() != 0 {
		t.Error("nothing should be posted")
	}
}

func TestPurgeTimelines(t *testing.T) {
	env := newTestEnv(t)

	old := bobID + "/statuses/old"
	if _, err := env.db.AddToTimeline(env.alice, mustJSON(t, remoteNote(old, bobID, "")), old, "", 10); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(48 * time.Hour)
	recent := bobID + "/statuses/new"
	if _, err := env.db.AddToTimeline(env.alice, mustJSON(t, remoteNote(recent, bobID, "")), recent, "", 10); err != nil {
		t.Fatal(err)
	}

	n, err := PurgeTimelines(env.db, 24*time.Hour, env.clock.Now())
	if err != nil {
		t.Fatalf("PurgeTimelines failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d entries, want 1", n)
	}
	if env.hasEntry(old) || !env.hasEntry(recent) {
		t.Error("wrong entries purged")
	}
}
