package monitor

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HTTP5xxAlertName is the alert name used by the HTTP server-error monitor.
const HTTP5xxAlertName = "HTTP_5XX_SPIKE"

// GinMiddleware feeds responses with status >= 500 into m, tagged by route group.
func GinMiddleware(m *Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil || c.Writer.Status() < http.StatusInternalServerError {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		m.Record(RouteGroup(route))
	}
}

// RouteGroup reduces a route to its first two path segments, e.g.
// /admin/jobs/failures/:id becomes /admin/jobs.
func RouteGroup(route string) string {
	trimmed := strings.Trim(route, "/")
	if trimmed == "" {
		return "/"
	}
	segments := strings.SplitN(trimmed, "/", 3)
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return "/" + strings.Join(segments, "/")
}
