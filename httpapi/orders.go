package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"salessync/order"
)

type createOrderRequest struct {
	CustomerID       string           `json:"customer_id" binding:"required"`
	Items            []order.LineItem `json:"items" binding:"required,min=1"`
	PaymentMethod    string           `json:"payment_method"`
	PaymentReference string           `json:"payment_reference"`
	IdempotencyKey   string           `json:"idempotency_key"`
}

type fulfillOrderRequest struct {
	AmountPaid       *decimal.Decimal `json:"amount_paid"`
	PaymentMethod    string           `json:"payment_method"`
	PaymentReference string           `json:"payment_reference"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type listResponse[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := identity(c)
	key := req.IdempotencyKey
	if header := c.GetHeader("Idempotency-Key"); header != "" {
		key = header
	}

	res, err := s.orders.Create(c.Request.Context(), order.CreateParams{
		TenantID:       id.TenantID,
		AgentID:        id.UserID,
		CustomerID:     req.CustomerID,
		Items:          req.Items,
		Payment:        order.PaymentInfo{Method: req.PaymentMethod, Reference: req.PaymentReference},
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeError(c, "order.create", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.orders.Get(c.Request.Context(), identity(c).TenantID, c.Param("id"))
	if err != nil {
		s.writeError(c, "order.get", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) listOrders(c *gin.Context) {
	page, size := paging(c)
	filters := order.ListFilters{
		AgentID:    c.Query("agent_id"),
		CustomerID: c.Query("customer_id"),
		Status:     order.Status(c.Query("status")),
		Page:       page,
		PageSize:   size,
	}
	id := identity(c)
	if !id.CanReview() {
		filters.AgentID = id.UserID
	}
	orders, total, err := s.orders.List(c.Request.Context(), id.TenantID, filters)
	if err != nil {
		s.writeError(c, "order.list", err)
		return
	}
	c.JSON(http.StatusOK, listResponse[order.Order]{Items: orders, Total: total, Page: page, PageSize: size})
}

func (s *Server) fulfillOrder(c *gin.Context) {
	var req fulfillOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := s.orders.Fulfill(c.Request.Context(), order.FulfillParams{
		TenantID:         identity(c).TenantID,
		OrderID:          c.Param("id"),
		AmountPaid:       req.AmountPaid,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		s.writeError(c, "order.fulfill", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	o, err := s.orders.Cancel(c.Request.Context(), identity(c).TenantID, c.Param("id"), req.Reason)
	if err != nil {
		s.writeError(c, "order.cancel", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// paging reads page and page_size; the services clamp out-of-range values.
func paging(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("page_size"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}
