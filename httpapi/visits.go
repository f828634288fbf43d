package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"salessync/geo"
	"salessync/visit"
)

type startVisitRequest struct {
	CustomerID     string    `json:"customer_id"`
	GPS            visit.GPS `json:"gps"`
	BrandIDs       []string  `json:"brand_ids"`
	VisitType      string    `json:"visit_type"`
	IsNewCustomer  bool      `json:"is_new_customer"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type updateVisitRequest struct {
	Status         *visit.Status `json:"status"`
	OverrideReason *string       `json:"override_reason"`
	OverridePhoto  *string       `json:"override_photo"`
}

type overrideRequest struct {
	Reason string `json:"reason" binding:"required"`
	Photo  string `json:"photo"`
}

type reviewRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

type completeTaskRequest struct {
	ResponseRef string `json:"response_ref"`
}

type boardPlacementRequest struct {
	BoardID    string       `json:"board_id" binding:"required"`
	Storefront []geo.Vertex `json:"storefront" binding:"required"`
	Board      []geo.Vertex `json:"board" binding:"required"`
}

type validateGPSRequest struct {
	CustomerID string   `json:"customer_id" binding:"required"`
	Lat        *float64 `json:"lat" binding:"required"`
	Lng        *float64 `json:"lng" binding:"required"`
}

func (s *Server) startVisit(c *gin.Context) {
	var req startVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := identity(c)
	key := req.IdempotencyKey
	if header := c.GetHeader("Idempotency-Key"); header != "" {
		key = header
	}

	res, err := s.visits.StartVisit(c.Request.Context(), visit.StartParams{
		TenantID:       id.TenantID,
		AgentID:        id.UserID,
		CustomerID:     req.CustomerID,
		GPS:            req.GPS,
		BrandIDs:       req.BrandIDs,
		VisitType:      req.VisitType,
		IsNewCustomer:  req.IsNewCustomer,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeError(c, "visit.start", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *Server) listActiveVisits(c *gin.Context) {
	id := identity(c)
	agentID := id.UserID
	if q := c.Query("agent_id"); q != "" && id.CanReview() {
		agentID = q
	}
	visits, err := s.visits.ListActiveVisits(c.Request.Context(), id.TenantID, agentID)
	if err != nil {
		s.writeError(c, "visit.list_active", err)
		return
	}
	if visits == nil {
		visits = []visit.Visit{}
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits})
}

func (s *Server) getVisit(c *gin.Context) {
	detail, err := s.visits.GetVisit(c.Request.Context(), identity(c).TenantID, c.Param("id"))
	if err != nil {
		s.writeError(c, "visit.get", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) updateVisit(c *gin.Context) {
	var req updateVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := s.visits.UpdateVisit(c.Request.Context(), visit.UpdateParams{
		TenantID:       identity(c).TenantID,
		VisitID:        c.Param("id"),
		Status:         req.Status,
		OverrideReason: req.OverrideReason,
		OverridePhoto:  req.OverridePhoto,
	})
	if err != nil {
		s.writeError(c, "visit.update", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) completeVisit(c *gin.Context) {
	res, err := s.visits.CompleteVisit(c.Request.Context(), identity(c).TenantID, c.Param("id"))
	if err != nil {
		s.writeError(c, "visit.complete", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) recordOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := s.visits.RecordOverride(c.Request.Context(), identity(c).TenantID, c.Param("id"), req.Reason, req.Photo)
	if err != nil {
		s.writeError(c, "visit.override", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) reviewOverride(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := identity(c)
	v, err := s.visits.ReviewOverride(c.Request.Context(), id.TenantID, c.Param("id"), id.UserID, *req.Approve)
	if err != nil {
		s.writeError(c, "visit.review_override", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) completeTask(c *gin.Context) {
	var req completeTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	t, err := s.visits.CompleteTask(c.Request.Context(), identity(c).TenantID, c.Param("id"), c.Param("taskId"), req.ResponseRef)
	if err != nil {
		s.writeError(c, "visit.complete_task", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) completeBoardPlacement(c *gin.Context) {
	var req boardPlacementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.visits.CompleteBoardPlacement(c.Request.Context(), visit.BoardPlacementParams{
		TenantID:   identity(c).TenantID,
		VisitID:    c.Param("id"),
		TaskID:     c.Param("taskId"),
		BoardID:    req.BoardID,
		Storefront: req.Storefront,
		Board:      req.Board,
	})
	if err != nil {
		s.writeError(c, "visit.board_placement", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) validateGPS(c *gin.Context) {
	var req validateGPSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.visits.ValidateGPS(c.Request.Context(), identity(c).TenantID, req.CustomerID, *req.Lat, *req.Lng)
	if err != nil {
		s.writeError(c, "visit.validate_gps", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
