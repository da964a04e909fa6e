package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/snacpub/activitypub"
	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	maxInboxBody = 1 << 20
	maxAPIBody   = 64 << 10
)

// Server holds the collaborators of the HTTP handlers.
type Server struct {
	conf     *util.AppConfig
	db       *db.DB
	inbox    *activitypub.Processor
	outbox   *activitypub.Composer
	queue    *activitypub.Queue
	renderer TimelineRenderer
}

func NewServer(conf *util.AppConfig, database *db.DB, inbox *activitypub.Processor, outbox *activitypub.Composer, queue *activitypub.Queue) *Server {
	return &Server{
		conf:     conf,
		db:       database,
		inbox:    inbox,
		outbox:   outbox,
		queue:    queue,
		renderer: NewFeedRenderer(conf),
	}
}

// Handler builds the gin engine. Background sweepers of the rate limiters
// stop with ctx.
func (s *Server) Handler(ctx context.Context) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	globalLimiter.StartSweeper(ctx)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limit for inbox posts and local actions
	postLimiter := NewRateLimiter(rate.Limit(5), 10)
	postLimiter.StartSweeper(ctx)

	g.GET("/.well-known/webfinger", s.handleWebfinger)

	p := g.Group(s.conf.Conf.Prefix)
	p.GET("/:uid", s.handleActor)
	p.POST("/:uid/inbox", RateLimitMiddleware(postLimiter), MaxBytesMiddleware(maxInboxBody), s.handleInbox)
	p.GET("/:uid/outbox", s.handleOutbox)
	p.GET("/:uid/followers", s.handleFollowers)
	p.GET("/:uid/following", s.handleFollowing)
	p.GET("/:uid/p/:tid", s.handleObject)
	p.GET("/:uid/feed", s.handleFeed)

	api := p.Group("/:uid/api", RateLimitMiddleware(postLimiter), MaxBytesMiddleware(maxAPIBody), BasicAuthMiddleware(s.db))
	api.GET("/timeline", s.handleAPITimeline)
	api.GET("/queue", s.handleAPIQueue)
	api.POST("/note", s.handleAPINote)
	api.POST("/edit", s.handleAPIEdit)
	api.POST("/delete", s.handleAPIDelete)
	api.POST("/like", s.handleAPILike)
	api.POST("/boost", s.handleAPIBoost)
	api.POST("/follow", s.handleAPIFollow)
	api.POST("/unfollow", s.handleAPIUnfollow)
	api.POST("/mute", s.handleAPIMute)
	api.POST("/unmute", s.handleAPIUnmute)

	return g
}

// Run serves HTTP until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.conf.ListenAddr(),
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s for %s", srv.Addr, s.conf.BaseURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleInbox(c *gin.Context) {
	uid := c.Param("uid")
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		log.Printf("Inbox: Failed to read body: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}

	status, err := s.inbox.Receive(c.Request.Context(), uid, c.Request, body)
	if err != nil {
		util.Debugf(1, "Inbox: POST %s -> %d: %v", c.Request.URL.Path, status, err)
	}
	c.Status(status)
}
