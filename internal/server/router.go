package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/floorsight/tally/internal/counts"
	"github.com/floorsight/tally/internal/domain"
	"github.com/floorsight/tally/internal/history"
	"github.com/floorsight/tally/internal/locations"
	"github.com/floorsight/tally/internal/realtime"
	"github.com/floorsight/tally/internal/stamps"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingStampsService    = errors.New("stamps service dependency required")
	errMissingLocationsService = errors.New("locations service dependency required")
	errMissingCountsService    = errors.New("counts service dependency required")
	errMissingHistory          = errors.New("history coordinator dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

// Dependencies wires the router to the engine services.
type Dependencies struct {
	Stamps    *stamps.Service
	Locations *locations.Service
	Counts    *counts.Service
	History   *history.Coordinator
	Hub       *realtime.Hub
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router over the engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Stamps == nil {
		return nil, errMissingStampsService
	}
	if deps.Locations == nil {
		return nil, errMissingLocationsService
	}
	if deps.Counts == nil {
		return nil, errMissingCountsService
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-None-Match"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		stamps:    deps.Stamps,
		locations: deps.Locations,
		counts:    deps.Counts,
		history:   deps.History,
		hub:       deps.Hub,
		logger:    logger,
	}

	router.POST("/plans/:planID/stamps", handler.handleCreateStamp)
	router.PATCH("/stamps/:id", handler.handleUpdateStamp)
	router.DELETE("/stamps/:id", handler.handleDeleteStamp)

	router.POST("/plans/:planID/locations", handler.handleCreateLocation)
	router.PATCH("/locations/:id", handler.handleUpdateLocation)
	router.DELETE("/locations/:id", handler.handleDeleteLocation)

	router.GET("/plans/:planID/counts", handler.handleGetCounts)
	router.POST("/plans/:planID/counts/recompute", handler.handleRecompute)

	router.GET("/projects/:projectID/history", handler.handleGetHistory)
	router.POST("/projects/:projectID/undo", handler.handleUndo)

	router.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	stamps    *stamps.Service
	locations *locations.Service
	counts    *counts.Service
	history   *history.Coordinator
	hub       *realtime.Hub
	logger    *zap.Logger
}

type stampPayload struct {
	ID          string   `json:"id"`
	PlanID      string   `json:"plan_id"`
	DeviceID    string   `json:"device_id"`
	LocationID  *string  `json:"location_id"`
	Page        *int     `json:"page,omitempty"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Scale       *float64 `json:"scale,omitempty"`
	CreatedAtMS int64    `json:"created_at_ms"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
}

func toStampPayload(stamp domain.Stamp) stampPayload {
	return stampPayload{
		ID:          stamp.ID,
		PlanID:      stamp.PlanID,
		DeviceID:    stamp.DeviceID,
		LocationID:  stamp.LocationID,
		Page:        stamp.Page,
		X:           stamp.X,
		Y:           stamp.Y,
		Scale:       stamp.Scale,
		CreatedAtMS: stamp.CreatedAtMS,
		UpdatedAtMS: stamp.UpdatedAtMS,
	}
}

type locationPayload struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	Name        string          `json:"name"`
	Shape       domain.ShapeDTO `json:"shape"`
	Color       *string         `json:"color,omitempty"`
	Revision    int64           `json:"revision"`
	CreatedAtMS int64           `json:"created_at_ms"`
	UpdatedAtMS int64           `json:"updated_at_ms"`
}

func toLocationPayload(location domain.Location) locationPayload {
	return locationPayload{
		ID:          location.ID,
		PlanID:      location.PlanID,
		Name:        location.Name,
		Shape:       domain.ShapeDTO{Shape: location.Shape()},
		Color:       location.Color,
		Revision:    location.Revision,
		CreatedAtMS: location.CreatedAtMS,
		UpdatedAtMS: location.UpdatedAtMS,
	}
}

type createStampRequestPayload struct {
	DeviceID   string   `json:"device_id"`
	LocationID *string  `json:"location_id"`
	Page       *int     `json:"page"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Scale      *float64 `json:"scale"`
}

func (h *httpHandler) handleCreateStamp(c *gin.Context) {
	var request createStampRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stamp, err := h.stamps.CreateStamp(c.Request.Context(), stamps.CreateStampRequest{
		PlanID:     c.Param("planID"),
		DeviceID:   request.DeviceID,
		LocationID: request.LocationID,
		Page:       request.Page,
		X:          request.X,
		Y:          request.Y,
		Scale:      request.Scale,
	})
	if err != nil {
		h.writeServiceError(c, "stamp create failed", err)
		return
	}
	c.JSON(http.StatusCreated, toStampPayload(stamp))
}

type updateStampRequestPayload struct {
	X                   *float64 `json:"x"`
	Y                   *float64 `json:"y"`
	Page                *int     `json:"page"`
	Scale               *float64 `json:"scale"`
	LocationID          *string  `json:"location_id"`
	ClearLocation       bool     `json:"clear_location"`
	ExpectedUpdatedAtMS *int64   `json:"expected_updated_at_ms"`
}

func (h *httpHandler) handleUpdateStamp(c *gin.Context) {
	var request updateStampRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	update := stamps.UpdateStampRequest{
		X:                   request.X,
		Y:                   request.Y,
		Page:                request.Page,
		Scale:               request.Scale,
		ExpectedUpdatedAtMS: request.ExpectedUpdatedAtMS,
	}
	if request.ClearLocation {
		update.LocationSet = true
	} else if request.LocationID != nil {
		update.LocationSet = true
		update.LocationID = request.LocationID
	}

	stamp, err := h.stamps.UpdateStamp(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		h.writeServiceError(c, "stamp update failed", err)
		return
	}
	c.JSON(http.StatusOK, toStampPayload(stamp))
}

func (h *httpHandler) handleDeleteStamp(c *gin.Context) {
	if err := h.stamps.DeleteStamp(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, "stamp delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createLocationRequestPayload struct {
	Name  string           `json:"name"`
	Shape *domain.ShapeDTO `json:"shape"`
	Color *string          `json:"color"`
}

func (h *httpHandler) handleCreateLocation(c *gin.Context) {
	var request createLocationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Name == "" || request.Shape == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	location, err := h.locations.CreateLocation(c.Request.Context(), locations.CreateLocationRequest{
		PlanID: c.Param("planID"),
		Name:   request.Name,
		Shape:  request.Shape.Shape,
		Color:  request.Color,
	})
	if err != nil {
		h.writeServiceError(c, "location create failed", err)
		return
	}
	c.JSON(http.StatusCreated, toLocationPayload(location))
}

type updateLocationRequestPayload struct {
	Name       *string          `json:"name"`
	Shape      *domain.ShapeDTO `json:"shape"`
	Color      *string          `json:"color"`
	ClearColor bool             `json:"clear_color"`
}

func (h *httpHandler) handleUpdateLocation(c *gin.Context) {
	var request updateLocationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	update := locations.UpdateLocationRequest{Name: request.Name}
	if request.Shape != nil {
		update.Shape = request.Shape.Shape
	}
	if request.ClearColor {
		update.ColorSet = true
	} else if request.Color != nil {
		update.ColorSet = true
		update.Color = request.Color
	}

	location, err := h.locations.UpdateLocation(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		h.writeServiceError(c, "location update failed", err)
		return
	}
	c.JSON(http.StatusOK, toLocationPayload(location))
}

func (h *httpHandler) handleDeleteLocation(c *gin.Context) {
	if err := h.locations.DeleteLocation(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, "location delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetCounts(c *gin.Context) {
	planCounts, err := h.counts.GetCountsForPlan(c.Request.Context(), c.Param("planID"))
	if err != nil {
		h.writeServiceError(c, "counts read failed", err)
		return
	}

	etag := `"` + planCounts.Fingerprint + `"`
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", etag)
	c.JSON(http.StatusOK, planCounts)
}

func (h *httpHandler) handleRecompute(c *gin.Context) {
	rows, err := h.counts.RecomputeCountsForPlan(c.Request.Context(), c.Param("planID"))
	if err != nil {
		h.writeServiceError(c, "recompute failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows_updated": rows})
}

type historyEntryPayload struct {
	ID          string            `json:"id"`
	EntityID    string            `json:"entity_id"`
	EntityType  domain.EntityType `json:"entity_type"`
	ActionType  domain.ActionType `json:"action_type"`
	PlanID      string            `json:"plan_id"`
	CreatedAtMS int64             `json:"created_at_ms"`
}

func (h *httpHandler) handleGetHistory(c *gin.Context) {
	entries, err := h.history.GetHistory(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		h.writeServiceError(c, "history read failed", err)
		return
	}

	payload := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, historyEntryPayload{
			ID:          entry.ID,
			EntityID:    entry.EntityID,
			EntityType:  entry.EntityType,
			ActionType:  entry.ActionType,
			PlanID:      entry.PlanID,
			CreatedAtMS: entry.CreatedAtMS,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (h *httpHandler) handleUndo(c *gin.Context) {
	result, err := h.history.Undo(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		h.writeServiceError(c, "undo failed", err)
		return
	}
	if result == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	h.hub.HandleConnection(c.Writer, c.Request)
}

func (h *httpHandler) writeServiceError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, domain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input"})
	case errors.Is(err, domain.ErrForeignKeyViolation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "foreign_key_violation"})
	case errors.Is(err, domain.ErrOptimisticLockConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, domain.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already_exists"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
