package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"herald/internal/channel"
	"herald/internal/dispatch"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

const serviceWorkerPath = "/static/push-notifications/service-worker.js"

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256DH string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
	Browser  string `json:"browser"`
	Platform string `json:"platform"`
}

func (s *Server) handlePushSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	err := s.store.UpsertSubscription(c.Request.Context(), store.PushSubscription{
		Endpoint: req.Endpoint,
		UserID:   currentUser(c),
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
		Browser:  req.Browser,
		Platform: req.Platform,
	})
	if err != nil {
		s.log.Warn("subscription upsert failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not store subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (s *Server) handlePushUnsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	// Scope the delete to the caller's own subscriptions.
	subs, err := s.store.ListSubscriptions(c.Request.Context(), currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not load subscriptions"})
		return
	}
	owned := false
	for _, sub := range subs {
		if sub.Endpoint == req.Endpoint {
			owned = true
			break
		}
	}
	if owned {
		if _, err := s.store.DeleteSubscription(c.Request.Context(), req.Endpoint); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not delete subscription"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handlePushSubscriptions(c *gin.Context) {
	subs, err := s.store.ListSubscriptions(c.Request.Context(), currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load subscriptions"})
		return
	}
	// Encryption keys are never echoed back.
	out := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		out = append(out, gin.H{
			"endpoint": sub.Endpoint,
			"browser":  sub.Browser,
			"platform": sub.Platform,
			"created":  sub.CreatedAt.UTC().Format(time.RFC3339),
			"updated":  sub.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

func (s *Server) handleWebPushConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":             s.cfg.WebPushEnabled,
		"vapid_public_key":    s.cfg.VAPIDPublicKey,
		"service_worker_path": serviceWorkerPath,
	})
}

func (s *Server) handleGetPreferences(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUser(c)

	overrides, err := s.store.Preferences(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load preferences"})
		return
	}
	merged := s.resolver.Defaults()
	for k, v := range overrides {
		merged[k] = v
	}

	link, err := s.store.ChatLink(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load chat link"})
		return
	}
	subs, err := s.store.ListSubscriptions(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load subscriptions"})
		return
	}

	telegram := gin.H{"available": s.cfg.TelegramEnabled, "linked": false, "enabled": false}
	if link.Linked() {
		telegram["linked"] = true
		telegram["enabled"] = link.Enabled
		telegram["username"] = link.Username
	}
	c.JSON(http.StatusOK, gin.H{
		"preferences": merged,
		"defaults":    s.resolver.Defaults(),
		"telegram":    telegram,
		"webpush": gin.H{
			"available":     s.cfg.WebPushEnabled,
			"subscriptions": len(subs),
		},
	})
}

type setPreferencesRequest struct {
	Preferences map[string]any `json:"preferences" binding:"required"`
}

func (s *Server) handleSetPreferences(c *gin.Context) {
	var req setPreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	updated := 0
	for eventType, v := range req.Preferences {
		// Non-boolean values are dropped rather than rejected wholesale.
		enabled, ok := v.(bool)
		if !ok || strings.TrimSpace(eventType) == "" {
			continue
		}
		if err := s.store.SetPreference(c.Request.Context(), currentUser(c), eventType, enabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not store preference"})
			return
		}
		updated++
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": updated})
}

func (s *Server) handleTelegramLink(c *gin.Context) {
	if !s.cfg.TelegramEnabled {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "telegram channel is not configured"})
		return
	}
	tok, err := s.linking.Issue(c.Request.Context(), currentUser(c))
	if err != nil {
		s.log.Warn("token issue failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not issue linking token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"link":       tok.DeepLink,
		"token":      tok.Value,
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTelegramUnlink(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUser(c)

	link, err := s.store.ChatLink(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not load chat link"})
		return
	}
	ok, err := s.linking.Unlink(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not unlink"})
		return
	}
	if ok && link.Linked() && s.chat != nil {
		s.chat.SendServiceMessage(ctx, link.ChatID,
			"This chat was disconnected from your account. Use your notification settings to link it again.")
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

type testPushRequest struct {
	Message string `json:"message"`
}

// handleTestPush runs a synthetic event through the real dispatch pipeline so
// the user can verify their channel setup end to end.
func (s *Server) handleTestPush(c *gin.Context) {
	var req testPushRequest
	_ = c.ShouldBindJSON(&req)
	if strings.TrimSpace(req.Message) == "" {
		req.Message = "If you can read this, notifications are working."
	}
	userID := currentUser(c)

	res, err := s.resolver.Resolve(c.Request.Context(), userID, "test")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not resolve channels"})
		return
	}
	if res.Empty() {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "no delivery channel is set up or enabled",
		})
		return
	}

	err = s.dispatcher.Dispatch(c.Request.Context(), dispatch.Event{
		Type: "test",
		Payload: channel.Payload{
			Title: "Test notification",
			Body:  req.Message,
		},
		Recipients: []string{userID},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "dispatch failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "test notification queued"})
}

func (s *Server) handleRecentNotifications(c *gin.Context) {
	rows, err := s.store.RecentAttempts(c.Request.Context(), currentUser(c), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load delivery history"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, a := range rows {
		out = append(out, gin.H{
			"channel":    a.Channel,
			"event_type": a.EventType,
			"outcome":    a.Outcome,
			"detail":     a.Detail,
			"at":         a.At.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"attempts": out})
}
