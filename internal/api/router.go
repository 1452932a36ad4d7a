package api

import (
	"github.com/gin-gonic/gin"

	"github.com/clerkmail/clerkmail/internal/auth"
)

// NewRouter wires the HTTP routes
func NewRouter(h *Handler, verifier *auth.Verifier, cronSecret string) *gin.Engine {
	r := gin.Default()

	// Scheduled trigger, authorized by a static bearer secret
	r.GET("/sync-cron", RequireCronSecret(cronSecret), h.SyncCron)

	// User-facing API, authorized by bearer JWT
	apiGroup := r.Group("/api")
	apiGroup.Use(RequireUser(verifier))

	apiGroup.GET("/threads", h.ListThreads)
	apiGroup.GET("/threads/:threadId", h.GetThread)
	apiGroup.POST("/emails/:id/read", h.MarkRead)
	apiGroup.POST("/emails/send", h.SendEmail)
	apiGroup.POST("/attachments/:id/url", h.AttachmentURL)
	apiGroup.POST("/sync", h.Sync)

	return r
}
