package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"salessync/commission"
)

type payRequest struct {
	PaymentMethod    string `json:"payment_method" binding:"required"`
	PaymentReference string `json:"payment_reference"`
	Notes            string `json:"notes"`
}

func (s *Server) listCommissions(c *gin.Context) {
	page, size := paging(c)
	id := identity(c)
	filters := commission.ListFilters{
		AgentID:  c.Query("agent_id"),
		VisitID:  c.Query("visit_id"),
		Status:   commission.Status(c.Query("status")),
		Page:     page,
		PageSize: size,
	}
	if !id.CanReview() {
		filters.AgentID = id.UserID
	}
	events, total, err := s.commissions.ListEvents(c.Request.Context(), id.TenantID, filters)
	if err != nil {
		s.writeError(c, "commission.list", err)
		return
	}
	c.JSON(http.StatusOK, listResponse[commission.Event]{Items: events, Total: total, Page: page, PageSize: size})
}

func (s *Server) commissionBalance(c *gin.Context) {
	id := identity(c)
	agentID := id.UserID
	if q := c.Query("agent_id"); q != "" && id.CanReview() {
		agentID = q
	}
	bal, err := s.commissions.Balance(c.Request.Context(), id.TenantID, agentID)
	if err != nil {
		s.writeError(c, "commission.balance", err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (s *Server) approveCommission(c *gin.Context) {
	id := identity(c)
	ev, err := s.commissions.ApproveEvent(c.Request.Context(), id.TenantID, c.Param("id"), id.UserID)
	if err != nil {
		s.writeError(c, "commission.approve", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) payCommission(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ev, err := s.commissions.PayEvent(c.Request.Context(), identity(c).TenantID, c.Param("id"), commission.PaymentDetails{
		Method:    req.PaymentMethod,
		Reference: req.PaymentReference,
		Notes:     req.Notes,
	})
	if err != nil {
		s.writeError(c, "commission.pay", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}
