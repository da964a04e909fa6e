package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/deemkeen/snacpub/domain"
	"github.com/gin-gonic/gin"
)

const outboxSize = 20

// outboxItems picks the latest local entries that are not Likes.
func outboxItems(entries []domain.TimelineEntry, limit int) []json.RawMessage {
	items := make([]json.RawMessage, 0, limit)
	for _, e := range entries {
		if len(items) == limit {
			break
		}
		h, err := domain.ParseHeader(e.Object)
		if err != nil || h.Type == "Like" {
			continue
		}
		items = append(items, e.Object)
	}
	return items
}

func (s *Server) handleOutbox(c *gin.Context) {
	acc := s.account(c)
	if acc == nil {
		return
	}

	// read ahead so skipped Likes do not shrink the page
	err, entries := s.db.ReadTimeline(acc.Uid, outboxSize*4, false, true)
	if err != nil {
		log.Printf("Web: Failed to read outbox of %s: %v", acc.Uid, err)
		c.Status(http.StatusInternalServerError)
		return
	}

	items := outboxItems(*entries, outboxSize)
	out := newCollection(acc.Actor("/outbox"), len(items))
	out.OrderedItems = items
	s.renderActivity(c, out)
}
