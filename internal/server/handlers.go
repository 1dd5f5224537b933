package server

import (
	"errors"
	"io"
	"net/http"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/infrastructure/payment"
	"order-reconciler/internal/live"
	"order-reconciler/internal/service"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type orderView struct {
	ID               uuid.UUID            `json:"id"`
	OrderNumber      string               `json:"order_number"`
	Status           domain.OrderStatus   `json:"status"`
	PaymentStatus    domain.PaymentStatus `json:"payment_status"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	TotalAmount      int64                `json:"total_amount"`
	PaidAt           *time.Time           `json:"paid_at"`
	Lock             domain.LockStatus    `json:"lock"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func viewOf(o *domain.Order, now time.Time) *orderView {
	if o == nil {
		return nil
	}
	return &orderView{
		ID:               o.ID,
		OrderNumber:      o.OrderNumber,
		Status:           o.Status,
		PaymentStatus:    o.PaymentStatus,
		PaymentReference: o.PaymentReference,
		TotalAmount:      o.TotalAmount,
		PaidAt:           o.PaidAt,
		Lock:             domain.StatusOf(o.ID, o.Lock, now),
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

type resultView struct {
	service.ReconciliationResult
	Order *orderView `json:"order,omitempty"`
}

func resultOf(r service.ReconciliationResult) resultView {
	return resultView{ReconciliationResult: r, Order: viewOf(r.Order, time.Now())}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "up"}
	if s.deps.Health != nil {
		db := s.deps.Health(c.Request.Context())
		body["database"] = db
		if db["status"] != "up" {
			body["status"] = "down"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	if s.deps.Notifier != nil {
		body["live_subscriptions"] = s.deps.Notifier.Len()
	}
	c.JSON(http.StatusOK, body)
}

// handleWebhook acknowledges every delivery it has settled, including fatal outcomes,
// so the gateway stops redelivering. Only give-ups answer 503 to ask for a redelivery.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		s.fail(c, http.StatusRequestEntityTooLarge, "BadRequest", "webhook body too large")
		return
	}
	if s.deps.WebhookSecret != "" {
		if err := payment.VerifySignature(s.deps.WebhookSecret, body, c.GetHeader(payment.SignatureHeader)); err != nil {
			s.log.Warn("webhook rejected", "error", err, "remote", c.ClientIP())
			s.fail(c, http.StatusUnauthorized, "Unauthorized", "bad signature")
			return
		}
	}
	v, event, ok, err := payment.ParseWebhook(body)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"event": event, "ignored": true})
		return
	}

	res, err := s.deps.Reconciler.Reconcile(c.Request.Context(), domain.SourceWebhook, v.Reference, v)
	if err != nil && (errors.Is(err, domain.ErrRetryExhausted) || errors.Is(err, domain.ErrTransient)) {
		s.fail(c, http.StatusServiceUnavailable, "Unavailable", "temporarily unavailable, please retry")
		return
	}
	if errors.Is(err, domain.ErrAmountMismatch) {
		res.Error = "flagged for review"
	}
	c.JSON(http.StatusOK, gin.H{"event": event, "outcome": res.Outcome, "applied": res.Applied, "error": res.Error})
}

func (s *Server) handleVerify(c *gin.Context) {
	res, err := s.deps.Reconciler.Reconcile(c.Request.Context(), domain.SourceManual, c.Param("reference"), nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultOf(res))
}

type batchRequest struct {
	References []string `json:"references"`
	Exclude    []string `json:"exclude"`
	Limit      int      `json:"limit"`
}

func (s *Server) handleBatch(c *gin.Context) {
	var req batchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, "BadRequest", "invalid json")
			return
		}
	}
	if req.Limit < 0 {
		s.fail(c, http.StatusBadRequest, "BadRequest", "limit must not be negative")
		return
	}
	report, err := s.deps.Reconciler.ReconcileBatch(c.Request.Context(), service.BatchRequest{
		References: req.References,
		Exclude:    req.Exclude,
		Limit:      req.Limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	results := make([]resultView, 0, len(report.Results))
	for _, r := range report.Results {
		results = append(results, resultOf(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"results":     results,
		"processed":   report.Processed,
		"failed":      report.Failed,
		"skipped":     report.Skipped,
		"interrupted": report.Interrupted,
	})
}

func (s *Server) orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, "BadRequest", "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}

// actor is the acting admin, from the body or the X-Admin-Id header.
func actor(c *gin.Context, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	return strings.TrimSpace(c.GetHeader("X-Admin-Id"))
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	o, err := s.deps.Store.FindById(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if o == nil {
		s.writeError(c, domain.ErrOrderNotFound)
		return
	}
	c.JSON(http.StatusOK, viewOf(o, time.Now()))
}

type transitionRequest struct {
	Status         domain.OrderStatus   `json:"status"`
	PaymentStatus  domain.PaymentStatus `json:"payment_status"`
	Actor          string               `json:"actor"`
	Note           string               `json:"note"`
	IdempotencyKey string               `json:"idempotency_key"`
}

func (s *Server) handleTransition(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	idem := req.IdempotencyKey
	if idem == "" {
		idem = c.GetHeader("Idempotency-Key")
	}
	res, err := s.deps.Engine.Apply(c.Request.Context(), service.TransitionRequest{
		OrderID:        id,
		Status:         req.Status,
		PaymentStatus:  req.PaymentStatus,
		Actor:          actor(c, req.Actor),
		Evidence:       domain.Evidence{Source: domain.SourceAdmin, Note: req.Note},
		IdempotencyKey: idem,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": viewOf(res.Order, time.Now()), "applied": res.Applied})
}

type lockRequest struct {
	Holder     string `json:"holder"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleAcquireLock(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	var req lockRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, "BadRequest", "invalid json")
			return
		}
	}
	h, err := s.deps.Locks.Acquire(c.Request.Context(), id, actor(c, req.Holder), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":   h.OrderID,
		"holder":     h.Holder,
		"expires_at": h.ExpiresAt,
		"reentrant":  h.Reentrant,
	})
}

func (s *Server) handleInspectLock(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	st, err := s.deps.Locks.Inspect(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleReleaseLock(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	holder := actor(c, c.Query("holder"))
	if holder == "" {
		s.fail(c, http.StatusBadRequest, "BadRequest", "holder is required")
		return
	}
	if err := s.deps.Locks.Release(c.Request.Context(), &service.LockHandle{OrderID: id, Holder: holder}); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type stateView struct {
	State live.State `json:"state"`
	Error string     `json:"error,omitempty"`
}

// handleLive streams the order as server-sent "order" events and connection changes as
// "state" events until the client goes away. A "state" event carrying an error means the
// feed gave up and the client should offer a retry.
func (s *Server) handleLive(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	if s.deps.Notifier == nil {
		s.fail(c, http.StatusServiceUnavailable, "Unavailable", "live updates are disabled")
		return
	}
	ctx := c.Request.Context()
	o, err := s.deps.Store.FindById(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if o == nil {
		s.writeError(c, domain.ErrOrderNotFound)
		return
	}

	sub, err := s.deps.Notifier.Subscribe(ctx, id, s.deps.Store.FindById)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer sub.Unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case o, ok := <-sub.Updates():
			if !ok {
				return false
			}
			c.SSEvent("order", viewOf(o, time.Now()))
			return true
		case ch := <-sub.StateChanges():
			v := stateView{State: ch.State}
			if ch.Err != nil {
				v.Error = "live updates disconnected, retry to reconnect"
				s.log.Warn("live stream gave up", "order_id", id, "error", ch.Err)
			}
			c.SSEvent("state", v)
			return true
		}
	})
}
