package web

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/deemkeen/snacpub/domain"
	"github.com/gin-gonic/gin"
)

type noteRequest struct {
	Content   string   `json:"content" binding:"required"`
	InReplyTo string   `json:"inReplyTo"`
	To        []string `json:"to"`
}

type editRequest struct {
	ID      string `json:"id" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type objectRequest struct {
	ID string `json:"id" binding:"required"`
}

type actorRequest struct {
	Actor string `json:"actor" binding:"required"`
}

// timelineItem is the API view of a timeline entry.
type timelineItem struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Author      string   `json:"author"`
	Content     string   `json:"content,omitempty"`
	Published   string   `json:"published,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Children    []string `json:"children"`
	LikedBy     []string `json:"likedBy"`
	AnnouncedBy []string `json:"announcedBy"`
	Local       bool     `json:"local"`
}

func newTimelineItem(e *domain.TimelineEntry) timelineItem {
	item := timelineItem{
		ID:          e.Id,
		Parent:      e.ParentId,
		Children:    nonNil(e.ChildIds),
		LikedBy:     nonNil(e.LikedBy),
		AnnouncedBy: nonNil(e.AnnouncedBy),
		Local:       e.Local,
	}
	if h, err := domain.ParseHeader(e.Object); err == nil {
		inner := h.Inner()
		item.Type = inner.Type
		item.Author = inner.Author()
		item.Content = inner.Content
		item.Published = inner.Published
	}
	return item
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// errorStatus maps the error taxonomy onto HTTP.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPolicy):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func apiError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("API: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) handleAPITimeline(c *gin.Context) {
	acc := currentAccount(c)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(s.conf.Conf.MaxTimelineEntries)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad limit"})
		return
	}
	if limit > s.conf.Conf.MaxTimelineEntries {
		limit = s.conf.Conf.MaxTimelineEntries
	}

	err, entries := s.db.ReadTimeline(acc.Uid, limit, false, c.Query("local") == "1")
	if err != nil {
		apiError(c, err)
		return
	}
	items := make([]timelineItem, 0, len(*entries))
	for i := range *entries {
		items = append(items, newTimelineItem(&(*entries)[i]))
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleAPIQueue(c *gin.Context) {
	acc := currentAccount(c)
	items, err := s.queue.Pending(acc.Uid)
	if err != nil {
		apiError(c, err)
		return
	}
	out := make([]gin.H, 0, len(items))
	for _, item := range items {
		out = append(out, gin.H{
			"destination": item.Destination,
			"retries":     item.Retries,
			"scheduledAt": item.ScheduledAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAPINote(c *gin.Context) {
	var req noteRequest
	if !bind(c, &req) {
		return
	}
	note, err := s.outbox.PublishNote(c.Request.Context(), currentAccount(c), req.Content, req.To, req.InReplyTo)
	if err != nil {
		apiError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (s *Server) handleAPIEdit(c *gin.Context) {
	var req editRequest
	if !bind(c, &req) {
		return
	}
	note, err := s.outbox.EditNote(c.Request.Context(), currentAccount(c), req.ID, req.Content)
	if err != nil {
		apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (s *Server) handleAPIDelete(c *gin.Context) {
	var req objectRequest
	if !bind(c, &req) {
		return
	}
	if err := s.outbox.DeletePost(c.Request.Context(), currentAccount(c), req.ID); err != nil {
		apiError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAPILike(c *gin.Context) {
	var req objectRequest
	if !bind(c, &req) {
		return
	}
	a, err := s.outbox.Like(c.Request.Context(), currentAccount(c), req.ID)
	if err != nil {
		apiError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleAPIBoost(c *gin.Context) {
	var req objectRequest
	if !bind(c, &req) {
		return
	}
	a, err := s.outbox.Boost(c.Request.Context(), currentAccount(c), req.ID)
	if err != nil {
		apiError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleAPIFollow(c *gin.Context) {
	var req actorRequest
	if !bind(c, &req) {
		return
	}
	a, err := s.outbox.Follow(c.Request.Context(), currentAccount(c), req.Actor)
	if err != nil {
		apiError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleAPIUnfollow(c *gin.Context) {
	var req actorRequest
	if !bind(c, &req) {
		return
	}
	if err := s.outbox.Unfollow(c.Request.Context(), currentAccount(c), req.Actor); err != nil {
		apiError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAPIMute(c *gin.Context) {
	var req actorRequest
	if !bind(c, &req) {
		return
	}
	if err := s.outbox.Mute(currentAccount(c), req.Actor); err != nil {
		apiError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAPIUnmute(c *gin.Context) {
	var req actorRequest
	if !bind(c, &req) {
		return
	}
	if err := s.outbox.Unmute(currentAccount(c), req.Actor); err != nil {
		apiError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
