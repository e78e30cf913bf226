package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/services"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/Dhoini/Sharing-microservice/pkg/res"

	"github.com/gin-gonic/gin"
)

const (
	// Ограничение на размер тела запроса вебхука (Stripe рекомендует ~65kb)
	maxRequestBodySize = int64(65536)

	signatureHeader = "Stripe-Signature"
)

// EventReconciler применяет нормализованное событие провайдера
type EventReconciler interface {
	Handle(ctx context.Context, ev domain.NormalizedEvent) (*services.ReconcileResult, error)
}

// WebhookHandler обрабатывает входящие вебхуки от Stripe.
type WebhookHandler struct {
	parser     gateway.EventParser
	reconciler EventReconciler
	log        *logger.Logger
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(parser gateway.EventParser, reconciler EventReconciler, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		parser:     parser,
		reconciler: reconciler,
		log:        log,
	}
}

// HandleStripeWebhook принимает вебхук, проверяет подпись и передает событие на сверку.
// 2xx означает, что событие записано или его повторная доставка бесполезна;
// 5xx заставляет провайдера повторить доставку.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	payload, err := io.ReadAll(c.Request.Body)
	//goland:noinspection GoUnhandledErrorResult
	defer c.Request.Body.Close()
	if err != nil {
		h.log.Warnw("Failed to read webhook request body", "error", err)
		h.reject(c, http.StatusBadRequest, "Cannot read request body", "invalid_body")
		return
	}

	sigHeader := c.GetHeader(signatureHeader)
	if sigHeader == "" {
		h.log.Warnw("Missing Stripe-Signature header")
		h.reject(c, http.StatusBadRequest, "Missing Stripe-Signature header", "invalid_signature")
		return
	}

	ev, err := h.parser.ParseEvent(payload, sigHeader)
	switch {
	case errors.Is(err, domain.ErrUnsupportedEvent):
		h.log.Debugw("Ignoring unsupported webhook event", "error", err)
		c.Status(http.StatusOK)
		return
	case errors.Is(err, domain.ErrInvalidSignature):
		h.log.Warnw("Webhook signature verification failed", "error", err)
		h.reject(c, http.StatusBadRequest, "Webhook signature verification failed", "invalid_signature")
		return
	case err != nil:
		h.log.Warnw("Failed to parse webhook event", "error", err)
		h.reject(c, http.StatusBadRequest, "Failed to parse event data", "invalid_event")
		return
	}

	h.log.Infow("Received verified Stripe event", "eventID", ev.EventID, "kind", ev.Kind())

	result, err := h.reconciler.Handle(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			h.reject(c, http.StatusBadRequest, "Event cannot be processed", "invalid_event")
			return
		}
		h.log.Errorw("Error processing webhook event", "eventID", ev.EventID, "kind", ev.Kind(), "error", err)
		h.reject(c, http.StatusInternalServerError, "Internal server error processing webhook", "internal")
		return
	}

	res.JsonResponse(c.Writer, gin.H{
		"received":  true,
		"duplicate": result.Duplicate,
		"outcome":   result.Outcome,
	}, http.StatusOK)
}

func (h *WebhookHandler) reject(c *gin.Context, status int, message, code string) {
	res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: message, ErrorCode: code}, status, h.log)
	c.Abort()
}
