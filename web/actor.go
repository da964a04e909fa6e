package web

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/deemkeen/snacpub/activitypub"
	"github.com/deemkeen/snacpub/domain"
	"github.com/gin-gonic/gin"
)

const activityContentType = activitypub.ContentTypeActivity + "; charset=utf-8"

// collection is an OrderedCollection that may or may not list its items.
type collection struct {
	Context      string            `json:"@context"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	TotalItems   int               `json:"totalItems"`
	OrderedItems []json.RawMessage `json:"orderedItems,omitempty"`
}

func newCollection(id string, total int) *collection {
	return &collection{
		Context:    domain.ActivityStreamsContext,
		ID:         id,
		Type:       "OrderedCollection",
		TotalItems: total,
	}
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

// account loads the account named by :uid or answers 404.
func (s *Server) account(c *gin.Context) *domain.Account {
	err, acc := s.db.ReadAccByUid(c.Param("uid"))
	if errors.Is(err, sql.ErrNoRows) {
		notFound(c)
		return nil
	}
	if err != nil {
		log.Printf("Web: Failed to read account %s: %v", c.Param("uid"), err)
		c.Status(http.StatusInternalServerError)
		return nil
	}
	return acc
}

func (s *Server) renderActivity(c *gin.Context, v interface{}) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			log.Printf("Web: Failed to marshal response: %v", err)
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	c.Data(http.StatusOK, activityContentType, raw)
}

func (s *Server) handleActor(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	raw, err := activitypub.LocalActor(acc)
	if err != nil {
		log.Printf("Web: Failed to render actor %s: %v", acc.Uid, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.renderActivity(c, raw)
}

func (s *Server) handleFollowers(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	err, followers := s.db.ReadFollowers(acc.Uid)
	if err != nil {
		log.Printf("Web: Failed to read followers of %s: %v", acc.Uid, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.renderActivity(c, newCollection(acc.Actor("/followers"), len(*followers)))
}

func (s *Server) handleFollowing(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	err, following := s.db.ReadFollowing(acc.Uid)
	if err != nil {
		log.Printf("Web: Failed to read following of %s: %v", acc.Uid, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	s.renderActivity(c, newCollection(acc.Actor("/following"), len(*following)))
}

// handleObject serves one of the account's own posts. Posts are stored as
// their Create; the note inside is what gets served.
func (s *Server) handleObject(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}
	id := acc.Actor("/" + activitypub.KindPost + "/" + c.Param("tid"))
	err, entry := s.db.ReadTimelineEntry(acc.Uid, id)
	if err != nil {
		notFound(c)
		return
	}

	h, err := domain.ParseHeader(entry.Object)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if h.Type == "Create" && h.Object.Raw() != nil {
		s.renderActivity(c, h.Object.Raw())
		return
	}
	s.renderActivity(c, entry.Object)
}
