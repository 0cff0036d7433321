package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"imagepipe/internal/imageproc"
	"imagepipe/internal/ingest"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/storage"
	"imagepipe/internal/tracker"
)

// Deps are the collaborators the HTTP layer is built from. Objects is nil
// when the gateway runs in blob mode; Redis is nil when rate limiting is off.
type Deps struct {
	Config    *models.Config
	Store     storage.Store
	Objects   objectstore.Store
	Ingest    *ingest.Service
	Tracker   *tracker.Tracker
	Redis     *redis.Client
	QueuePing func(ctx context.Context) error
	Degraded  []string
	Log       *zap.Logger
}

type Server struct {
	cfg     *models.Config
	router  *gin.Engine
	http    *http.Server
	store   storage.Store
	objects objectstore.Store
	ingest  *ingest.Service
	tracker *tracker.Tracker
	health  *healthChecker
	quality imageproc.Quality
	log     *zap.Logger
}

func NewServer(d Deps) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length", "X-RateLimit-Remaining"},
	}))

	s := &Server{
		cfg:     d.Config,
		router:  r,
		store:   d.Store,
		objects: d.Objects,
		ingest:  d.Ingest,
		tracker: d.Tracker,
		quality: imageproc.Quality{
			JPEG: d.Config.Worker.JPEGQuality,
			WebP: d.Config.Worker.WebPQuality,
			AVIF: d.Config.Worker.AVIFQuality,
		},
		log: d.Log,
	}
	s.health = &healthChecker{
		store:     d.Store,
		objects:   d.Objects,
		queuePing: d.QueuePing,
		blobMode:  d.Ingest.BlobMode(),
		degraded:  d.Degraded,
	}

	upload := []gin.HandlerFunc{}
	if d.Redis != nil {
		upload = append(upload, NewRateLimiter(RateLimiterConfig{
			RedisClient: d.Redis,
			Limit:       d.Config.RateLimit.Limit,
			Window:      d.Config.RateLimit.Window,
			KeyPrefix:   "rl:upload:",
			Log:         d.Log,
		}))
	}
	upload = append(upload, s.handleUpload)

	r.POST("/images", upload...)
	r.GET("/images", s.handleListImages)
	r.POST("/images/bulk", s.handleBulk)
	r.GET("/images/:id", s.handleGetImage)
	r.DELETE("/images/:id", s.handleDeleteImage)
	r.GET("/images/:id/status", s.handleStatus)
	r.GET("/images/:id/url", s.handleSignedURL)
	r.GET("/images/:id/download", s.handleDownload)
	r.GET("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:        d.Config.Server.Addr,
		Handler:     r,
		ReadTimeout: d.Config.Server.ReadTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Stop: %w", err)
	}
	return nil
}
