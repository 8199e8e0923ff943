package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tripfund/internal/common/api"
	"tripfund/internal/common/middleware"
	"tripfund/internal/itinerary"
	"tripfund/internal/planner"
	"tripfund/internal/routing"
)

// Handler handles itinerary HTTP requests
type Handler struct {
	service *itinerary.Service
	planner *planner.Planner
	logger  *slog.Logger
}

// NewHandler creates a new itinerary handler
func NewHandler(service *itinerary.Service, planner *planner.Planner, logger *slog.Logger) *Handler {
	return &Handler{service: service, planner: planner, logger: logger}
}

// Routes returns the itinerary routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/share/{code}", h.GetByShareCode)
	r.Get("/{id}", h.GetItinerary)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Post("/", h.CreateItinerary)
		r.Post("/auto-plan", h.AutoPlan)
	})

	return r
}

// CreateItineraryRequest is the API request for creating an itinerary
type CreateItineraryRequest struct {
	Name     string        `json:"name" validate:"required,max=255"`
	IsPublic bool          `json:"is_public"`
	Items    []ItemRequest `json:"items" validate:"dive"`
}

// ItemRequest is one stop of a new itinerary
type ItemRequest struct {
	PlaceID       string          `json:"place" validate:"required"`
	VisitDate     *itinerary.Date `json:"visit_date"`
	TransportMode string          `json:"transport_mode" validate:"omitempty,oneof=walk bike taxi"`
	Sequence      int             `json:"order" validate:"gte=0"`
}

// CreateItinerary handles POST /
func (h *Handler) CreateItinerary(w http.ResponseWriter, r *http.Request) {
	var req CreateItineraryRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	items := make([]itinerary.ItemRequest, len(req.Items))
	for i, item := range req.Items {
		items[i] = itinerary.ItemRequest{
			PlaceID:       item.PlaceID,
			VisitDate:     item.VisitDate,
			TransportMode: item.TransportMode,
			Sequence:      item.Sequence,
		}
	}

	detail, err := h.service.Create(r.Context(), itinerary.CreateRequest{
		OwnerID:  middleware.GetUserID(r.Context()),
		Name:     req.Name,
		IsPublic: req.IsPublic,
		Items:    items,
	})
	if err != nil {
		h.writeError(w, err, "failed to create itinerary")
		return
	}
	api.WriteData(w, http.StatusCreated, detail)
}

// GetItinerary handles GET /{id}
func (h *Handler) GetItinerary(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, err, "failed to get itinerary")
		return
	}
	api.WriteData(w, http.StatusOK, detail)
}

// GetByShareCode handles GET /share/{code}
func (h *Handler) GetByShareCode(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetByShareCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, err, "failed to get itinerary")
		return
	}
	api.WriteData(w, http.StatusOK, detail)
}

// AutoPlanRequest is the API request for an automatic itinerary
type AutoPlanRequest struct {
	Name              string         `json:"name" validate:"max=255"`
	StartDate         itinerary.Date `json:"start_date"`
	EndDate           itinerary.Date `json:"end_date"`
	NPlaces           int            `json:"n_places" validate:"required,gt=0,lte=100"`
	StartLat          *float64       `json:"start_lat" validate:"omitempty,latitude"`
	StartLng          *float64       `json:"start_lng" validate:"omitempty,longitude"`
	TransportMode     string         `json:"transport_mode" validate:"omitempty,oneof=walk bike taxi"`
	ExcludeCategories []string       `json:"exclude_categories"`
	Limit             int            `json:"limit" validate:"gte=0,lte=500"`
}

// AutoPlan handles POST /auto-plan
func (h *Handler) AutoPlan(w http.ResponseWriter, r *http.Request) {
	var req AutoPlanRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "Validation failed", map[string]string{
			"start_date": "This field is required",
			"end_date":   "This field is required",
		})
		return
	}

	mode, err := routing.ParseMode(req.TransportMode)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	if (req.StartLat == nil) != (req.StartLng == nil) {
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "start_lat and start_lng must be given together")
		return
	}
	var start *routing.Point
	if req.StartLat != nil {
		start = &routing.Point{Lat: *req.StartLat, Lng: *req.StartLng}
	}

	detail, err := h.planner.Plan(r.Context(), planner.Request{
		OwnerID:           middleware.GetUserID(r.Context()),
		Name:              req.Name,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
		NPlaces:           req.NPlaces,
		Start:             start,
		Mode:              mode,
		ExcludeCategories: req.ExcludeCategories,
		Limit:             req.Limit,
	})
	if err != nil {
		h.writeError(w, err, "failed to plan itinerary")
		return
	}
	api.WriteData(w, http.StatusCreated, detail)
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, itinerary.ErrNotFound):
		api.NotFound(w, "itinerary not found")
	case errors.Is(err, itinerary.ErrForbidden):
		api.Forbidden(w, "itinerary is private")
	case errors.Is(err, itinerary.ErrValidation), errors.Is(err, planner.ErrInvalidRequest):
		api.ValidationError(w, err)
	case errors.Is(err, planner.ErrNoCandidates):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	default:
		h.logger.Error(fallback, "error", err)
		api.InternalError(w, fallback)
	}
}
