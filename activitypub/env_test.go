package activitypub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
)

const (
	testHost = "example.org"
	bobID    = "https://remote.example/users/bob"
	bobInbox = bobID + "/inbox"
	carolID  = "https://other.example/users/carol"
)

var (
	keysOnce sync.Once
	testKeys [3]*rsa.PrivateKey
)

// testKey returns one of a few shared 2048-bit keys; generating keys per test
// makes the suite slow.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(func() {
		for n := range testKeys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testKeys[n] = k
		}
	})
	return testKeys[i]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakePost struct {
	uid  string
	url  string
	body []byte
}

// fakeClient serves canned documents and records every POST.
type fakeClient struct {
	mu         sync.Mutex
	docs       map[string][]byte
	status     map[string]int
	postStatus map[string]int
	posts      []fakePost
	gets       []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		docs:       make(map[string][]byte),
		status:     make(map[string]int),
		postStatus: make(map[string]int),
	}
}

func (c *fakeClient) serve(url string, doc interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch d := doc.(type) {
	case []byte:
		c.docs[url] = d
	case json.RawMessage:
		c.docs[url] = d
	default:
		b, err := json.Marshal(doc)
		if err != nil {
			panic(err)
		}
		c.docs[url] = b
	}
	delete(c.status, url)
}

// fail makes GETs of url answer with status.
func (c *fakeClient) fail(url string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[url] = status
}

func (c *fakeClient) addActor(id string, key *rsa.PrivateKey) {
	c.serve(id, map[string]interface{}{
		"@context":          domain.ActivityStreamsContext,
		"id":                id,
		"type":              "Person",
		"preferredUsername": id[strings.LastIndex(id, "/")+1:],
		"inbox":             id + "/inbox",
		"publicKey": map[string]string{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": util.PemKeypair(key).Public,
		},
	})
}

func (c *fakeClient) get(url string) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets = append(c.gets, url)
	if st, ok := c.status[url]; ok {
		return st, nil, &domain.StatusError{Code: st, URL: url}
	}
	doc, ok := c.docs[url]
	if !ok {
		return http.StatusNotFound, nil, &domain.StatusError{Code: http.StatusNotFound, URL: url}
	}
	return http.StatusOK, doc, nil
}

func (c *fakeClient) Get(ctx context.Context, acc *domain.Account, url string) (int, []byte, error) {
	return c.get(url)
}

func (c *fakeClient) Fetch(ctx context.Context, url, accept string) (int, []byte, error) {
	return c.get(url)
}

func (c *fakeClient) Post(ctx context.Context, acc *domain.Account, url string, body []byte) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, fakePost{uid: acc.Uid, url: url, body: body})
	st, ok := c.postStatus[url]
	if !ok {
		st = http.StatusAccepted
	}
	if st < 200 || st > 299 {
		return st, nil, &domain.StatusError{Code: st, URL: url}
	}
	return st, nil, nil
}

func (c *fakeClient) postCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

func (c *fakeClient) getCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, g := range c.gets {
		if g == url {
			n++
		}
	}
	return n
}

type testEnv struct {
	conf     *util.AppConfig
	db       *db.DB
	client   *fakeClient
	clock    *testClock
	dir      *Directory
	queue    *Queue
	composer *Composer
	proc     *Processor
	alice    *domain.Account
	bobKey   *rsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conf := util.Defaults()
	conf.Conf.Host = testHost
	clock := newTestClock()

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	database.SetClock(clock.Now)

	client := newFakeClient()
	dir, err := NewDirectory(database, client, conf, clock.Now)
	if err != nil {
		t.Fatalf("NewDirectory failed: %v", err)
	}
	queue := NewQueue(database, dir, client, conf, clock.Now)
	resolver := NewWebfingerResolver(database, client, testHost)
	composer := NewComposer(database, dir, queue, resolver, conf, clock.Now)
	proc := NewProcessor(database, dir, composer, conf, clock.Now)

	e := &testEnv{
		conf:     conf,
		db:       database,
		client:   client,
		clock:    clock,
		dir:      dir,
		queue:    queue,
		composer: composer,
		proc:     proc,
		bobKey:   testKey(t, 1),
	}
	e.alice = e.createAccount(t, "alice", testKey(t, 0))
	client.addActor(bobID, e.bobKey)
	return e
}

func (e *testEnv) createAccount(t *testing.T, uid string, key *rsa.PrivateKey) *domain.Account {
	t.Helper()
	pair := util.PemKeypair(key)
	acc := &domain.Account{
		Uid:           uid,
		ActorID:       e.conf.BaseURL() + "/" + uid,
		Name:          strings.ToUpper(uid[:1]) + uid[1:],
		PublicKeyPem:  pair.Public,
		PrivateKeyPem: pair.Private,
		CreatedAt:     e.clock.Now(),
	}
	if err := e.db.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

// signedRequest signs body as a POST to alice's inbox.
func (e *testEnv) signedRequest(t *testing.T, key *rsa.PrivateKey, keyID string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, e.alice.Actor("/inbox"), bytes.NewReader(body))
	req.Header.Set("Content-Type", ContentTypeActivity)
	if err := SignRequest(req, body, key, keyID, e.clock.Now()); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

// receiveFromBob delivers v to alice's inbox signed with bob's key.
func (e *testEnv) receiveFromBob(t *testing.T, v interface{}) int {
	t.Helper()
	return e.receiveAs(t, e.bobKey, bobID, v)
}

func (e *testEnv) receiveAs(t *testing.T, key *rsa.PrivateKey, actorID string, v interface{}) int {
	t.Helper()
	body := mustJSON(t, v)
	req := e.signedRequest(t, key, actorID+"#main-key", body)
	status, _ := e.proc.Receive(context.Background(), "alice", req, body)
	return status
}

func (e *testEnv) pending(t *testing.T) []domain.QueueItem {
	t.Helper()
	items, err := e.queue.Pending("alice")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	return items
}

func (e *testEnv) entry(t *testing.T, id string) *domain.TimelineEntry {
	t.Helper()
	err, entry := e.db.ReadTimelineEntry("alice", id)
	if err != nil {
		t.Fatalf("ReadTimelineEntry(%s) failed: %v", id, err)
	}
	return entry
}

func (e *testEnv) hasEntry(id string) bool {
	err, _ := e.db.ReadTimelineEntry("alice", id)
	return err == nil
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	return b
}

func remoteNote(id, author, inReplyTo string) map[string]interface{} {
	n := map[string]interface{}{
		"id":           id,
		"type":         "Note",
		"attributedTo": author,
		"content":      "<p>content of " + id + "</p>",
		"to":           []string{domain.PublicAddress},
	}
	if inReplyTo != "" {
		n["inReplyTo"] = inReplyTo
	}
	return n
}

func createOf(note map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"@context": domain.ActivityStreamsContext,
		"id":       note["id"].(string) + "/activity",
		"type":     "Create",
		"actor":    note["attributedTo"],
		"object":   note,
		"to":       note["to"],
	}
}
