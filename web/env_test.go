package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/snacpub/activitypub"
	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	testHost     = "example.org"
	testPassword = "correct horse"
	bobID        = "https://remote.example/users/bob"
)

var (
	keyOnce  sync.Once
	aliceKey *rsa.PrivateKey
	bobKey   *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if aliceKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if bobKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return aliceKey, bobKey
}

// stubClient serves canned documents and records POSTs.
type stubClient struct {
	mu    sync.Mutex
	docs  map[string][]byte
	posts []string
}

func (c *stubClient) Get(ctx context.Context, acc *domain.Account, url string) (int, []byte, error) {
	return c.Fetch(ctx, url, "")
}

func (c *stubClient) Fetch(ctx context.Context, url, accept string) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[url]
	if !ok {
		return http.StatusNotFound, nil, &domain.StatusError{Code: http.StatusNotFound, URL: url}
	}
	return http.StatusOK, doc, nil
}

func (c *stubClient) Post(ctx context.Context, acc *domain.Account, url string, body []byte) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, url)
	return http.StatusAccepted, nil, nil
}

type testServer struct {
	conf    *util.AppConfig
	db      *db.DB
	client  *stubClient
	now     time.Time
	queue   *activitypub.Queue
	handler http.Handler
	alice   *domain.Account
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conf := util.Defaults()
	conf.Conf.Host = testHost
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	database.SetClock(clock)

	ak, bk := testKeys(t)
	client := &stubClient{docs: make(map[string][]byte)}
	bob, _ := json.Marshal(map[string]interface{}{
		"@context":          domain.ActivityStreamsContext,
		"id":                bobID,
		"type":              "Person",
		"preferredUsername": "bob",
		"inbox":             bobID + "/inbox",
		"publicKey": map[string]string{
			"id":           bobID + "#main-key",
			"owner":        bobID,
			"publicKeyPem": util.PemKeypair(bk).Public,
		},
	})
	client.docs[bobID] = bob

	dir, err := activitypub.NewDirectory(database, client, conf, clock)
	if err != nil {
		t.Fatalf("NewDirectory failed: %v", err)
	}
	queue := activitypub.NewQueue(database, dir, client, conf, clock)
	resolver := activitypub.NewWebfingerResolver(database, client, testHost)
	composer := activitypub.NewComposer(database, dir, queue, resolver, conf, clock)
	proc := activitypub.NewProcessor(database, dir, composer, conf, clock)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	pair := util.PemKeypair(ak)
	alice := &domain.Account{
		Uid:           "alice",
		ActorID:       conf.BaseURL() + "/alice",
		Name:          "Alice",
		Bio:           "hello *world*",
		PasswordHash:  string(hash),
		PublicKeyPem:  pair.Public,
		PrivateKeyPem: pair.Private,
		CreatedAt:     now,
	}
	if err := database.CreateAccount(alice); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(conf, database, proc, composer, queue)

	return &testServer{
		conf:    conf,
		db:      database,
		client:  client,
		now:     now,
		queue:   queue,
		handler: srv.Handler(ctx),
		alice:   alice,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, "https://"+testHost+path, nil))
}

// api calls an authenticated endpoint of alice.
func (s *testServer) api(method, action string, body interface{}) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, "https://"+testHost+"/alice/api/"+action, r)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("alice", testPassword)
	return s.do(req)
}

// signedInbox POSTs v to alice's inbox signed by bob.
func (s *testServer) signedInbox(t *testing.T, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	_, bk := testKeys(t)
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	url := s.alice.Actor("/inbox")
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", activitypub.ContentTypeActivity)
	if err := activitypub.SignRequest(req, body, bk, bobID+"#main-key", s.now); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return s.do(req)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
}
