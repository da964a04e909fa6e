package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/snacpub/activitypub"
	"github.com/gin-gonic/gin"
)

// webfingerUid extracts the local uid from an acct: resource or an actor URL.
func (s *Server) webfingerUid(resource string) string {
	if strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "http://") {
		rest, ok := strings.CutPrefix(strings.Replace(resource, "http://", "https://", 1), s.conf.BaseURL()+"/")
		if !ok || strings.Contains(rest, "/") {
			return ""
		}
		return rest
	}

	resource = strings.TrimPrefix(resource, "acct:")
	resource = strings.TrimPrefix(resource, "@")
	user, host, ok := strings.Cut(resource, "@")
	if !ok || host != s.conf.Conf.Host {
		return ""
	}
	return user
}

func (s *Server) handleWebfinger(c *gin.Context) {
	uid := s.webfingerUid(c.Query("resource"))
	if uid == "" {
		notFound(c)
		return
	}
	err, acc := s.db.ReadAccByUid(uid)
	if err != nil {
		notFound(c)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, activitypub.LocalWebfinger(acc, s.conf.Conf.Host))
}
