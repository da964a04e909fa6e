package web

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

// TimelineRenderer turns timeline entries into a document for people.
type TimelineRenderer interface {
	RenderTimeline(acc *domain.Account, entries []domain.TimelineEntry) ([]byte, error)
	ContentType() string
}

// FeedRenderer renders the public notes of a timeline as RSS.
type FeedRenderer struct {
	conf *util.AppConfig
	now  func() time.Time
}

func NewFeedRenderer(conf *util.AppConfig) *FeedRenderer {
	return &FeedRenderer{conf: conf, now: time.Now}
}

func (r *FeedRenderer) ContentType() string {
	return "application/rss+xml; charset=utf-8"
}

func (r *FeedRenderer) RenderTimeline(acc *domain.Account, entries []domain.TimelineEntry) ([]byte, error) {
	name := acc.Name
	if name == "" {
		name = acc.Uid
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s (@%s@%s)", name, acc.Uid, r.conf.Conf.Host),
		Link:        &feeds.Link{Href: acc.ActorID},
		Description: fmt.Sprintf("Public posts of %s", acc.ActorID),
		Author:      &feeds.Author{Name: name},
		Created:     r.now(),
	}

	for _, e := range entries {
		h, err := domain.ParseHeader(e.Object)
		if err != nil {
			continue
		}
		note := h.Inner()
		if !domain.IsNoteType(note.Type) || !note.IsPublic() || !acc.Owns(note.Author()) {
			continue
		}

		created, err := time.Parse(time.RFC3339, note.Published)
		if err != nil {
			created = time.Unix(0, e.OrderingKey)
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      note.ID,
			Title:   fmt.Sprintf("%s, %s", note.Author(), created.UTC().Format("2006-01-02 15:04")),
			Link:    &feeds.Link{Href: note.ID},
			Content: note.Content,
			Author:  &feeds.Author{Name: note.Author()},
			Created: created,
		})
	}

	rss, err := feed.ToRss()
	if err != nil {
		return nil, err
	}
	return []byte(rss), nil
}

// handleFeed renders the local view of the account's timeline.
func (s *Server) handleFeed(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	err, entries := s.db.ReadTimeline(acc.Uid, s.conf.Conf.MaxTimelineEntries, false, true)
	if err != nil {
		log.Printf("Web: Failed to read timeline of %s: %v", acc.Uid, err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out, err := s.renderer.RenderTimeline(acc, *entries)
	if err != nil {
		log.Printf("Web: Failed to render feed of %s: %v", acc.Uid, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, s.renderer.ContentType(), out)
}
