// Package httpapi exposes the order, visit and commission workflows over
// HTTP/JSON.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"salessync/auth"
	"salessync/commission"
	"salessync/order"
	"salessync/visit"
)

type OrderService interface {
	Create(ctx context.Context, params order.CreateParams) (order.CreateResult, error)
	Get(ctx context.Context, tenantID, orderID string) (order.Order, error)
	List(ctx context.Context, tenantID string, filters order.ListFilters) ([]order.Order, int, error)
	Fulfill(ctx context.Context, params order.FulfillParams) (order.FulfillResult, error)
	Cancel(ctx context.Context, tenantID, orderID, reason string) (order.Order, error)
}

type VisitService interface {
	StartVisit(ctx context.Context, params visit.StartParams) (visit.StartResult, error)
	GetVisit(ctx context.Context, tenantID, visitID string) (visit.Detail, error)
	ListActiveVisits(ctx context.Context, tenantID, agentID string) ([]visit.Visit, error)
	UpdateVisit(ctx context.Context, params visit.UpdateParams) (visit.Visit, error)
	CompleteVisit(ctx context.Context, tenantID, visitID string) (visit.CompleteResult, error)
	RecordOverride(ctx context.Context, tenantID, visitID, reason, photo string) (visit.Visit, error)
	ReviewOverride(ctx context.Context, tenantID, visitID, reviewerID string, approve bool) (visit.Visit, error)
	CompleteTask(ctx context.Context, tenantID, visitID, taskID, responseRef string) (visit.Task, error)
	CompleteBoardPlacement(ctx context.Context, params visit.BoardPlacementParams) (visit.BoardPlacementResult, error)
	ValidateGPS(ctx context.Context, tenantID, customerID string, lat, lng float64) (visit.GPSValidation, error)
}

type CommissionService interface {
	ListEvents(ctx context.Context, tenantID string, filters commission.ListFilters) ([]commission.Event, int, error)
	ApproveEvent(ctx context.Context, tenantID, eventID, approverID string) (commission.Event, error)
	PayEvent(ctx context.Context, tenantID, eventID string, details commission.PaymentDetails) (commission.Event, error)
	Balance(ctx context.Context, tenantID, agentID string) (commission.AgentBalance, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

// Server holds the workflow services behind the HTTP routes.
type Server struct {
	orders      OrderService
	visits      VisitService
	commissions CommissionService
	tokens      TokenVerifier
	logger      logrus.FieldLogger
	corsOrigins []string
}

type Options struct {
	Orders      OrderService
	Visits      VisitService
	Commissions CommissionService
	Tokens      TokenVerifier
	Logger      logrus.FieldLogger
	// CORSOrigins lists allowed browser origins; empty allows all.
	CORSOrigins []string
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		orders:      opts.Orders,
		visits:      opts.Visits,
		commissions: opts.Commissions,
		tokens:      opts.Tokens,
		logger:      logger.WithField("module", "httpapi"),
		corsOrigins: opts.CORSOrigins,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors.New(s.corsConfig()))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api", s.authenticate())

	orders := api.Group("/orders")
	orders.POST("", s.createOrder)
	orders.GET("", s.listOrders)
	orders.GET("/:id", s.getOrder)
	orders.POST("/:id/fulfill", s.fulfillOrder)
	orders.POST("/:id/cancel", s.cancelOrder)

	visits := api.Group("/visits")
	visits.POST("", s.startVisit)
	visits.GET("/active", s.listActiveVisits)
	visits.GET("/:id", s.getVisit)
	visits.PATCH("/:id", s.updateVisit)
	visits.POST("/:id/complete", s.completeVisit)
	visits.POST("/:id/override", s.recordOverride)
	visits.POST("/:id/override/review", requireReviewer(), s.reviewOverride)
	visits.POST("/:id/tasks/:taskId/complete", s.completeTask)
	visits.POST("/:id/tasks/:taskId/board", s.completeBoardPlacement)

	api.POST("/gps/validate", s.validateGPS)

	commissions := api.Group("/commissions")
	commissions.GET("", s.listCommissions)
	commissions.GET("/balance", s.commissionBalance)
	commissions.POST("/:id/approve", requireReviewer(), s.approveCommission)
	commissions.POST("/:id/pay", requireReviewer(), s.payCommission)

	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.corsOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.corsOrigins
	}
	cfg.AddAllowMethods("PATCH")
	cfg.AddAllowHeaders("Authorization", "Idempotency-Key")
	cfg.MaxAge = 12 * time.Hour
	return cfg
}
