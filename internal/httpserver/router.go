package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"escrowflow/internal/authz"
	"escrowflow/internal/handler"
	"escrowflow/internal/service/documents"
	"escrowflow/internal/service/feesetting"
	"escrowflow/internal/service/workflow"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/util"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Engine    *workflow.Engine
	Documents *documents.Service
	Fees      *feesetting.Service
	Outbox    handler.OutboxReplayer
	Dedup     *util.Deduper
	// DB is checked by /readyz; nil skips the check.
	DB            Pinger
	JWTSecret     string
	WebhookSecret string
	Logger        *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(d Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), AccessLogMiddleware(d.Logger))

	projects := handler.NewProjectHandler(d.Engine, d.Logger)
	milestones := handler.NewMilestoneHandler(d.Engine, d.Logger)
	escrow := handler.NewEscrowHandler(d.Engine, d.Logger)
	docs := handler.NewDocumentHandler(d.Documents, d.Logger)
	admin := handler.NewAdminHandler(d.Engine, d.Fees, d.Outbox, d.Logger)
	webhook := handler.NewWebhookHandler(d.Engine, d.WebhookSecret, d.Dedup, d.Logger)

	// Public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", readyz(d.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/payments/webhook", webhook.PaymentCallback)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(d.JWTSecret))
	{
		auth.POST("/projects", projects.Create)
		auth.GET("/projects/:id", projects.Get)
		auth.POST("/projects/:id/milestones", projects.CreateMilestones)
		auth.GET("/projects/:id/milestones", projects.ListMilestones)
		auth.GET("/projects/:id/transactions", projects.ListTransactions)
		auth.GET("/projects/:id/disputes", projects.ListDisputes)

		auth.PUT("/projects/:id/documents/:type", docs.SetDocument)
		auth.POST("/projects/:id/extra-documents", docs.AddExtra)
		auth.GET("/projects/:id/extra-documents", docs.ListExtra)
		auth.PUT("/projects/:id/extra-documents/:docId", docs.UpdateExtra)
		auth.POST("/projects/:id/document-update-requests", docs.RequestUpdate)
		auth.GET("/projects/:id/document-update-requests", docs.ListRequests)
		auth.POST("/document-update-requests/:id/grant", docs.Grant)
		auth.POST("/document-update-requests/:id/deny", docs.Deny)

		auth.GET("/milestones/:id", milestones.Get)
		auth.POST("/milestones/:id/verify", milestones.Verify)
		auth.POST("/milestones/:id/fund", milestones.Fund)
		auth.POST("/milestones/:id/evidence", milestones.AddEvidence)
		auth.POST("/milestones/:id/submit", milestones.Submit)
		auth.POST("/milestones/:id/approve", milestones.Approve)
		auth.POST("/milestones/:id/reject", milestones.Reject)
		auth.POST("/milestones/:id/dispute", milestones.Dispute)

		auth.GET("/escrow/milestones/:id", escrow.Get)
		auth.POST("/escrow/milestones/:id/release", escrow.Release)
		auth.POST("/escrow/milestones/:id/refund", escrow.Refund)

		auth.GET("/platform-fee", admin.CurrentFee)
	}

	adminGroup := auth.Group("/admin")
	adminGroup.Use(RequireRole(authz.RoleAdmin))
	{
		adminGroup.GET("/platform-fee", admin.CurrentFee)
		adminGroup.PUT("/platform-fee", admin.UpdateFee)
		adminGroup.GET("/release-requests", admin.ReleaseQueue)
		adminGroup.POST("/disputes/:id/resolve", admin.ResolveDispute)
		adminGroup.POST("/disputes/:id/escalate", admin.EscalateDispute)
		adminGroup.POST("/outbox/replay", admin.ReplayOutboxEvent)
		adminGroup.POST("/outbox/replay-failed", admin.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

func readyz(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// NewServer wraps the router with the configured timeouts.
func NewServer(addr string, r *Router, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      r.Engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}
