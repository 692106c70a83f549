// Package api exposes herald's HTTP surface: push subscription lifecycle,
// preferences, the Telegram link handshake and the embedded push agent
// assets. Identity comes from the host's auth proxy via the X-Herald-User
// header; all mutating routes additionally require the CSRF double-submit
// pair.
package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"herald/internal/dispatch"
	"herald/internal/linking"
	"herald/internal/prefs"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type Config struct {
	Addr            string
	WebPushEnabled  bool
	VAPIDPublicKey  string
	TelegramEnabled bool
}

// Dispatcher is the slice of the fan-out service the API needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) error
}

// ChatNotifier sends best-effort service messages (e.g. the unlink goodbye).
type ChatNotifier interface {
	SendServiceMessage(ctx context.Context, chatID int64, text string)
}

type Server struct {
	cfg Config
	log logx.Logger

	store      store.Store
	linking    *linking.Manager
	resolver   *prefs.Resolver
	dispatcher Dispatcher
	chat       ChatNotifier

	httpSrv *http.Server
}

func NewServer(
	cfg Config,
	st store.Store,
	lm *linking.Manager,
	res *prefs.Resolver,
	d Dispatcher,
	chat ChatNotifier,
	staticFS fs.FS,
	log logx.Logger,
) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      st,
		linking:    lm,
		resolver:   res,
		dispatcher: d,
		chat:       chat,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.handleHealthz)
	if staticFS != nil {
		r.StaticFS("/static/push-notifications", http.FS(staticFS))
	}

	apiGroup := r.Group("/api", s.identity(), s.csrf())
	{
		apiGroup.POST("/push/subscribe", s.handlePushSubscribe)
		apiGroup.POST("/push/unsubscribe", s.handlePushUnsubscribe)
		apiGroup.GET("/push/subscriptions", s.handlePushSubscriptions)
		apiGroup.GET("/webpush/config", s.handleWebPushConfig)
		apiGroup.GET("/preferences", s.handleGetPreferences)
		apiGroup.POST("/preferences", s.handleSetPreferences)
		apiGroup.GET("/telegram/link", s.handleTelegramLink)
		apiGroup.POST("/telegram/unlink", s.handleTelegramUnlink)
		apiGroup.POST("/test/push", s.handleTestPush)
		apiGroup.GET("/notifications/recent", s.handleRecentNotifications)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start serves until Stop. It returns when the listener closes.
func (s *Server) Start() error {
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
