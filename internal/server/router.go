package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/parcelpulse/backend/internal/accounts"
	"github.com/parcelpulse/backend/internal/auth"
	"github.com/parcelpulse/backend/internal/feed"
	"github.com/parcelpulse/backend/internal/notifications"
	"github.com/parcelpulse/backend/internal/orders"
	"go.uber.org/zap"
)

const (
	actorContextKey   = "parcelpulse_actor"
	heartbeatInterval = 25 * time.Second
	recentLimit       = 50
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingOrderService   = errors.New("order service dependency required")
	errMissingLedger         = errors.New("notification ledger dependency required")
	errMissingFeedService    = errors.New("feed service dependency required")
	errMissingAccounts       = errors.New("accounts service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and extracts the subject/role pair.
type TokenValidator interface {
	ValidateToken(token string) (auth.TokenClaims, error)
}

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	TokenValidator TokenValidator
	Orders         *orders.Service
	Notifications  *notifications.Ledger
	Feed           *feed.Service
	Accounts       *accounts.Service
	Dispatcher     *UpdateDispatcher
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the delivery platform API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Orders == nil {
		return nil, errMissingOrderService
	}
	if deps.Notifications == nil {
		return nil, errMissingLedger
	}
	if deps.Feed == nil {
		return nil, errMissingFeedService
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewUpdateDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenValidator,
		orders:        deps.Orders,
		notifications: deps.Notifications,
		feed:          deps.Feed,
		accounts:      deps.Accounts,
		dispatcher:    dispatcher,
		logger:        logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/orders", handler.handleCreateOrder)
	protected.GET("/orders", handler.handleListOrders)
	protected.POST("/orders/:id/accept", handler.handleAcceptOrder)
	protected.POST("/orders/:id/assign", handler.handleAssignCourier)
	protected.POST("/orders/:id/status", handler.handleUpdateStatus)
	protected.GET("/couriers/availability", handler.handleGetAvailability)
	protected.POST("/couriers/availability", handler.handleSetAvailability)
	protected.POST("/sessions", handler.handleStartSession)
	protected.GET("/updates", handler.handlePollUpdates)
	protected.GET("/updates/stream", handler.handleUpdatesStream)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread_count", handler.handleUnreadCount)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.POST("/notifications/read_all", handler.handleMarkAllRead)

	return router, nil
}

type httpHandler struct {
	tokens        TokenValidator
	orders        *orders.Service
	notifications *notifications.Ledger
	feed          *feed.Service
	accounts      *accounts.Service
	dispatcher    *UpdateDispatcher
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		h.logger.Debug("request rejected", zap.Error(errInvalidAuthorization))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	claims, err := h.tokens.ValidateToken(strings.TrimSpace(parts[1]))
	if err != nil {
		h.logger.Debug("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	role, err := orders.ParseRole(claims.Role)
	if err != nil {
		h.logger.Warn("token carried unknown role", zap.String("role", claims.Role))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	actor := orders.Actor{UserID: claims.Subject, Role: role}
	if _, err := h.accounts.EnsureProfile(c.Request.Context(), actor.UserID, actor.Role, ""); err != nil {
		h.logger.Warn("profile refresh failed", zap.String("user_id", actor.UserID), zap.Error(err))
	}

	c.Set(actorContextKey, actor)
	c.Next()
}

func (h *httpHandler) actor(c *gin.Context) (orders.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return orders.Actor{}, false
	}
	actor, ok := value.(orders.Actor)
	return actor, ok
}

type orderPayload struct {
	ID              string  `json:"id"`
	CustomerID      string  `json:"customer_id"`
	CourierID       string  `json:"courier_id,omitempty"`
	PickupAddress   string  `json:"pickup_address"`
	DeliveryAddress string  `json:"delivery_address"`
	DistanceKM      float64 `json:"distance_km"`
	Price           float64 `json:"price"`
	Status          string  `json:"status"`
	Version         int64   `json:"version"`
	CreatedAt       int64   `json:"created_at_s"`
	UpdatedAt       int64   `json:"updated_at_s"`
}

func toOrderPayload(order orders.Order) orderPayload {
	return orderPayload{
		ID:              order.OrderID,
		CustomerID:      order.CustomerID,
		CourierID:       order.CourierID,
		PickupAddress:   order.PickupAddress,
		DeliveryAddress: order.DeliveryAddress,
		DistanceKM:      order.DistanceKM,
		Price:           order.Price,
		Status:          order.Status.String(),
		Version:         order.Version,
		CreatedAt:       order.CreatedAtSeconds,
		UpdatedAt:       order.UpdatedAtSeconds,
	}
}

func toOrderPayloads(records []orders.Order) []orderPayload {
	payloads := make([]orderPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toOrderPayload(record))
	}
	return payloads
}

type notificationPayload struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	OrderID   string `json:"order_id,omitempty"`
	Sequence  int64  `json:"sequence"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"created_at_s"`
}

func toNotificationPayloads(records []notifications.Notification) []notificationPayload {
	payloads := make([]notificationPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, notificationPayload{
			ID:        record.NotificationID,
			Kind:      string(record.Kind),
			Title:     record.Title,
			Message:   record.Message,
			OrderID:   record.OrderID,
			Sequence:  record.Sequence,
			Read:      record.Read,
			CreatedAt: record.CreatedAtSeconds,
		})
	}
	return payloads
}

type deltaPayload struct {
	Orders                   []orderPayload        `json:"orders"`
	Notifications            []notificationPayload `json:"notifications"`
	NewOrderWatermarkMap     map[string]int64      `json:"new_order_watermark_map"`
	NewNotificationWatermark int64                 `json:"new_notification_watermark"`
	HasUpdates               bool                  `json:"has_updates"`
}

type createOrderPayload struct {
	PickupAddress   string  `json:"pickup_address"`
	DeliveryAddress string  `json:"delivery_address"`
	DistanceKM      float64 `json:"distance_km"`
}

func (h *httpHandler) handleCreateOrder(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if actor.Role != orders.RoleCustomer {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only customers can place orders"})
		return
	}

	var request createOrderPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	customerID, err := orders.NewUserID(actor.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), orders.CreateOrderInput{
		CustomerID:      customerID,
		PickupAddress:   request.PickupAddress,
		DeliveryAddress: request.DeliveryAddress,
		DistanceKM:      request.DistanceKM,
	})
	if err != nil {
		h.respondOrderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toOrderPayload(order))
}

func (h *httpHandler) handleListOrders(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	visible, err := h.orders.ListVisible(c.Request.Context(), actor)
	if err != nil {
		h.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": toOrderPayloads(visible)})
}

func (h *httpHandler) handleAcceptOrder(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if actor.Role != orders.RoleCourier {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only couriers can accept orders"})
		return
	}

	orderID, err := orders.NewOrderID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	available, err := h.accounts.CourierAvailable(c.Request.Context(), actor.UserID)
	if err != nil {
		h.logger.Error("courier availability lookup failed", zap.String("courier_id", actor.UserID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
		return
	}
	if !available {
		c.JSON(http.StatusConflict, gin.H{"error": "courier_unavailable", "message": "You are not available for new orders"})
		return
	}

	order, err := h.orders.AdvanceStatus(c.Request.Context(), orderID, orders.StatusAssigned, actor)
	if err != nil {
		h.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderPayload(order))
}

type assignCourierPayload struct {
	CourierID string `json:"courier_id"`
}

func (h *httpHandler) handleAssignCourier(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	orderID, err := orders.NewOrderID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var request assignCourierPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	courierID, err := orders.NewUserID(request.CourierID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	order, err := h.orders.AssignCourier(c.Request.Context(), orderID, courierID, actor)
	if err != nil {
		h.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderPayload(order))
}

type updateStatusPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleUpdateStatus(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	orderID, err := orders.NewOrderID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var request updateStatusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	next, err := orders.ParseStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	if next == orders.StatusAssigned && actor.Role != orders.RoleCourier {
		// Admin assignment carries a target courier and goes through /assign.
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	order, err := h.orders.AdvanceStatus(c.Request.Context(), orderID, next, actor)
	if err != nil {
		h.respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderPayload(order))
}

type courierStatusPayload struct {
	CourierID    string `json:"courier_id"`
	IsAvailable  bool   `json:"is_available"`
	ActiveOrders int64  `json:"active_orders"`
}

func (h *httpHandler) courierStatusResponse(c *gin.Context, courierID string) {
	available, err := h.accounts.CourierAvailable(c.Request.Context(), courierID)
	if err != nil {
		h.logger.Error("courier availability lookup failed", zap.String("courier_id", courierID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
		return
	}
	workload, err := h.accounts.CourierWorkload(c.Request.Context(), courierID)
	if err != nil {
		h.logger.Error("courier workload lookup failed", zap.String("courier_id", courierID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, courierStatusPayload{
		CourierID:    courierID,
		IsAvailable:  available,
		ActiveOrders: workload,
	})
}

func (h *httpHandler) handleGetAvailability(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if actor.Role != orders.RoleCourier {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only couriers track availability"})
		return
	}
	h.courierStatusResponse(c, actor.UserID)
}

type setAvailabilityPayload struct {
	IsAvailable *bool `json:"is_available"`
}

func (h *httpHandler) handleSetAvailability(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if actor.Role != orders.RoleCourier {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only couriers track availability"})
		return
	}

	var request setAvailabilityPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.IsAvailable == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "is_available field required"})
		return
	}

	if err := h.accounts.SetCourierAvailability(c.Request.Context(), actor.UserID, *request.IsAvailable); err != nil {
		h.logger.Error("courier availability update failed", zap.String("courier_id", actor.UserID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
		return
	}
	h.courierStatusResponse(c, actor.UserID)
}

func (h *httpHandler) handleStartSession(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	session, err := h.feed.StartSession(c.Request.Context(), actor)
	if err != nil {
		h.respondFeedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": session.SessionID})
}

func (h *httpHandler) handlePollUpdates(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "session_id query parameter required"})
		return
	}

	delta, err := h.feed.Poll(c.Request.Context(), sessionID, actor)
	if err != nil {
		h.respondFeedError(c, err)
		return
	}

	c.JSON(http.StatusOK, deltaPayload{
		Orders:                   toOrderPayloads(delta.Orders),
		Notifications:            toNotificationPayloads(delta.Notifications),
		NewOrderWatermarkMap:     delta.OrderWatermarks,
		NewNotificationWatermark: delta.NotificationWatermark,
		HasUpdates:               delta.HasUpdates,
	})
}

func (h *httpHandler) handleUpdatesStream(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), actor.UserID)
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case hint, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(hint.EventType, gin.H{
				"order_id":  hint.OrderID,
				"status":    hint.Status,
				"timestamp": hint.Timestamp.Unix(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(updateEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	recent, err := h.notifications.ListRecent(c.Request.Context(), actor.UserID, recentLimit)
	if err != nil {
		h.respondNotificationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": toNotificationPayloads(recent)})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	count, err := h.notifications.UnreadCount(c.Request.Context(), actor.UserID)
	if err != nil {
		h.respondNotificationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	notificationID := strings.TrimSpace(c.Param("id"))
	if notificationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.notifications.MarkRead(c.Request.Context(), notificationID, actor.UserID); err != nil {
		h.respondNotificationError(c, err)
		return
	}

	count, err := h.notifications.UnreadCount(c.Request.Context(), actor.UserID)
	if err != nil {
		h.respondNotificationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	updated, err := h.notifications.MarkAllRead(c.Request.Context(), actor.UserID)
	if err != nil {
		h.respondNotificationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated_count": updated, "unread_count": 0})
}

func (h *httpHandler) respondOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, orders.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, orders.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": "This order can no longer be updated"})
	case errors.Is(err, orders.ErrInvalidOrderInput), errors.Is(err, orders.ErrInvalidOrderID), errors.Is(err, orders.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, orders.ErrStoreFailure):
		h.logger.Error("order store failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
	default:
		h.logger.Error("order request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) respondFeedError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, feed.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, feed.ErrStoreFailure), errors.Is(err, orders.ErrStoreFailure), errors.Is(err, notifications.ErrStoreFailure):
		h.logger.Error("feed store failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
	default:
		h.logger.Error("feed request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) respondNotificationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notifications.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, notifications.ErrStoreFailure):
		h.logger.Error("notification store failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
	default:
		h.logger.Error("notification request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
