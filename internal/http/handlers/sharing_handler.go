package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/internal/middleware"
	"github.com/Dhoini/Sharing-microservice/internal/services"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/Dhoini/Sharing-microservice/pkg/req"
	"github.com/Dhoini/Sharing-microservice/pkg/res"

	"github.com/gin-gonic/gin"
)

// SharingHandler обрабатывает HTTP запросы групп совместной подписки.
type SharingHandler struct {
	coordinator *services.Coordinator
	log         *logger.Logger
}

// NewSharingHandler создает новый экземпляр SharingHandler.
func NewSharingHandler(coordinator *services.Coordinator, log *logger.Logger) *SharingHandler {
	return &SharingHandler{
		coordinator: coordinator,
		log:         log,
	}
}

// --- DTO ---

type CreateGroupRequest struct {
	ServiceID       string `json:"service_id" validate:"required,max=64"`
	Title           string `json:"title" validate:"max=128"`
	MaxParticipants int    `json:"max_participants" validate:"required,min=2,max=10"`
	BasePrice       int64  `json:"base_price" validate:"required,gt=0"`
	Currency        string `json:"currency" validate:"omitempty,len=3,lowercase"`
	Recurring       bool   `json:"recurring"`
	PriceID         string `json:"price_id" validate:"required_if=Recurring true"`
}

type JoinRequest struct {
	Nickname string `json:"nickname" validate:"omitempty,max=64"`
	Email    string `json:"email" validate:"omitempty,email"`
}

type JoinResponse struct {
	ParticipantID string          `json:"participant_id"`
	PaymentIntent PaymentIntentVM `json:"payment_intent"`
}

type PaymentIntentVM struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
}

type ConfirmPaymentResponse struct {
	ParticipantID string                   `json:"participant_id"`
	Status        domain.ParticipantStatus `json:"status"`
	GroupStatus   domain.GroupStatus       `json:"group_status"`
}

type LeaveResponse struct {
	RefundProcessed       bool  `json:"refund_processed"`
	RefundAmount          int64 `json:"refund_amount"`
	RemainingParticipants int   `json:"remaining_participants"`
}

// --- Обработчики ---

// CreateGroup обрабатывает POST /sharing
func (h *SharingHandler) CreateGroup(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	body, err := req.HandleBody[CreateGroupRequest](c, h.log)
	if err != nil {
		return
	}

	snap, err := h.coordinator.CreateGroup(c.Request.Context(), services.CreateGroupInput{
		CreatorID:       userID,
		Nickname:        middleware.Nickname(c),
		Email:           middleware.UserEmail(c),
		ServiceID:       body.ServiceID,
		Title:           body.Title,
		MaxParticipants: body.MaxParticipants,
		BasePrice:       body.BasePrice,
		Currency:        body.Currency,
		Recurring:       body.Recurring,
		PriceID:         body.PriceID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	res.JsonResponse(c.Writer, snap, http.StatusCreated)
}

// GetGroup обрабатывает GET /sharing/:groupId
func (h *SharingHandler) GetGroup(c *gin.Context) {
	snap, err := h.coordinator.GetGroup(c.Request.Context(), c.Param("groupId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	res.JsonResponse(c.Writer, snap, http.StatusOK)
}

// Join обрабатывает POST /sharing/:groupId/join
func (h *SharingHandler) Join(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	body, err := req.HandleBody[JoinRequest](c, h.log)
	if err != nil {
		return
	}

	// данные из тела запроса приоритетнее данных токена
	nickname, email := body.Nickname, body.Email
	if nickname == "" {
		nickname = middleware.Nickname(c)
	}
	if email == "" {
		email = middleware.UserEmail(c)
	}

	out, err := h.coordinator.Join(c.Request.Context(), services.JoinInput{
		GroupID:  c.Param("groupId"),
		UserID:   userID,
		Nickname: nickname,
		Email:    email,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	res.JsonResponse(c.Writer, JoinResponse{
		ParticipantID: out.ParticipantID,
		PaymentIntent: PaymentIntentVM{
			ID:           out.IntentID,
			ClientSecret: out.ClientSecret,
			Amount:       out.Amount,
			Currency:     out.Currency,
		},
	}, http.StatusCreated)
}

// ConfirmPayment обрабатывает POST /sharing/:groupId/confirm-payment
func (h *SharingHandler) ConfirmPayment(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	body, err := req.HandleBody[ConfirmPaymentRequest](c, h.log)
	if err != nil {
		return
	}

	out, err := h.coordinator.ConfirmPayment(c.Request.Context(), c.Param("groupId"), userID, body.PaymentIntentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	res.JsonResponse(c.Writer, ConfirmPaymentResponse{
		ParticipantID: out.ParticipantID,
		Status:        out.ParticipantStatus,
		GroupStatus:   out.GroupStatus,
	}, http.StatusOK)
}

// Leave обрабатывает POST /sharing/:groupId/leave
func (h *SharingHandler) Leave(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	out, err := h.coordinator.Leave(c.Request.Context(), c.Param("groupId"), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	res.JsonResponse(c.Writer, LeaveResponse{
		RefundProcessed:       out.RefundProcessed,
		RefundAmount:          out.RefundAmount,
		RemainingParticipants: out.RemainingParticipants,
	}, http.StatusOK)
}

// RemoveParticipant обрабатывает DELETE /sharing/:groupId/participants/:participantId
func (h *SharingHandler) RemoveParticipant(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	err := h.coordinator.RemoveParticipant(c.Request.Context(), c.Param("groupId"), userID, c.Param("participantId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EndGroup обрабатывает POST /sharing/:groupId/end
func (h *SharingHandler) EndGroup(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	if err := h.coordinator.EndGroup(c.Request.Context(), c.Param("groupId"), userID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SharingHandler) requireUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		// маршрут зарегистрирован без RequireAuth
		h.log.Errorw("UserID not found in context after auth middleware", "path", c.Request.URL.Path)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Internal server error", ErrorCode: "internal"}, http.StatusInternalServerError)
		c.Abort()
		return "", false
	}
	return userID, true
}

func (h *SharingHandler) fail(c *gin.Context, err error) {
	status, body := statusFor(err)
	_ = c.Error(err)
	res.JsonErrorResponse(c.Writer, body, status, h.log.With("path", c.Request.URL.Path))
	c.Abort()
}

// statusFor переводит ошибку сервиса в HTTP статус и тело ответа
func statusFor(err error) (int, res.ErrorResponse) {
	var verrs domain.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity, res.ErrorResponse{Error: "Invalid request data", ErrorCode: "validation_failed", Details: verrs.Fields()}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusUnprocessableEntity, res.ErrorResponse{Error: err.Error(), ErrorCode: "invalid_input"}
	case errors.Is(err, domain.ErrGroupNotFound):
		return http.StatusNotFound, res.ErrorResponse{Error: "Group not found", ErrorCode: "group_not_found"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, res.ErrorResponse{Error: "Participant not found", ErrorCode: "participant_not_found"}
	case errors.Is(err, domain.ErrGroupFull):
		return http.StatusConflict, res.ErrorResponse{Error: "Group is full", ErrorCode: "group_full"}
	case errors.Is(err, domain.ErrAlreadyJoined):
		return http.StatusConflict, res.ErrorResponse{Error: "User already joined the group", ErrorCode: "already_joined"}
	case errors.Is(err, domain.ErrGroupNotRecruiting):
		return http.StatusConflict, res.ErrorResponse{Error: "Group is not recruiting", ErrorCode: "not_recruiting"}
	case errors.Is(err, domain.ErrCreatorCannotLeave):
		return http.StatusConflict, res.ErrorResponse{Error: "Group creator cannot leave the group", ErrorCode: "creator_cannot_leave"}
	case errors.Is(err, domain.ErrNotActiveParticipant):
		return http.StatusConflict, res.ErrorResponse{Error: "Participant is not active", ErrorCode: "not_active"}
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, res.ErrorResponse{Error: "Operation not allowed in current state", ErrorCode: "invalid_transition"}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, res.ErrorResponse{Error: "Only the group creator can do this", ErrorCode: "forbidden"}
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, res.ErrorResponse{Error: "Payment declined", ErrorCode: "payment_declined"}
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, res.ErrorResponse{Error: "Payment provider unavailable, try again later", ErrorCode: "gateway_unavailable", Retryable: true}
	}

	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return http.StatusBadGateway, res.ErrorResponse{Error: "Payment provider rejected the request", ErrorCode: "gateway_error"}
	}
	return http.StatusInternalServerError, res.ErrorResponse{Error: "Internal server error", ErrorCode: "internal"}
}
