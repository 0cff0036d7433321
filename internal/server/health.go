package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"imagepipe/internal/objectstore"
	"imagepipe/internal/storage"
)

const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"

	checkOK          = "ok"
	checkUnavailable = "unavailable"
)

type healthChecker struct {
	store     storage.Store
	objects   objectstore.Store
	queuePing func(ctx context.Context) error
	blobMode  bool
	degraded  []string
}

type healthReport struct {
	Status   string            `json:"status"`
	Mode     string            `json:"mode"`
	Backend  string            `json:"backend"`
	Checks   map[string]string `json:"checks"`
	Degraded []string          `json:"degraded,omitempty"`
}

// check reports unhealthy when persistence is down and degraded when the
// queue or object store is missing or failing.
func (h *healthChecker) check(ctx context.Context) healthReport {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rep := healthReport{
		Status:   healthHealthy,
		Mode:     "queue",
		Backend:  string(h.store.Backend()),
		Checks:   map[string]string{},
		Degraded: h.degraded,
	}
	if h.blobMode {
		rep.Mode = "blob"
		rep.Status = healthDegraded
	}

	probe := func(name string, fn func(context.Context) error) {
		if fn == nil {
			rep.Checks[name] = checkUnavailable
			rep.Status = worse(rep.Status, healthDegraded)
			return
		}
		if err := fn(ctx); err != nil {
			rep.Checks[name] = "error: " + err.Error()
			rep.Status = worse(rep.Status, healthDegraded)
			return
		}
		rep.Checks[name] = checkOK
	}

	if h.objects != nil {
		probe("object_store", h.objects.Healthy)
	} else {
		probe("object_store", nil)
	}
	probe("queue", h.queuePing)

	if err := h.store.Ping(ctx); err != nil {
		rep.Checks["persistence"] = "error: " + err.Error()
		rep.Status = healthUnhealthy
	} else {
		rep.Checks["persistence"] = checkOK
	}
	return rep
}

func worse(a, b string) string {
	rank := map[string]int{healthHealthy: 0, healthDegraded: 1, healthUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (s *Server) handleHealth(c *gin.Context) {
	rep := s.health.check(c.Request.Context())
	code := http.StatusOK
	if rep.Status == healthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}
