package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"qline/internal/identity"
	"qline/internal/live"
	"qline/internal/logger"
	"qline/internal/queue"
	"qline/internal/store"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 5 << 20
)

type Handler struct {
	svc      *queue.Service
	views    *live.Views
	validate *requestValidator
	log      *slog.Logger
}

type joinRequest struct {
	DisplayName string `json:"display_name" validate:"omitempty,max=64"`
}

type openShopRequest struct {
	Name              string `json:"name" validate:"required,max=120"`
	Category          string `json:"category" validate:"omitempty,max=32"`
	Location          string `json:"location" validate:"omitempty,max=200"`
	Description       string `json:"description" validate:"omitempty,max=2000"`
	AvgServiceMinutes int    `json:"avg_service_minutes" validate:"gte=0,lte=480"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	Logger *slog.Logger
}

func NewHandler(svc *queue.Service, views *live.Views, options Options) *Handler {
	log := options.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		svc:      svc,
		views:    views,
		validate: newRequestValidator(),
		log:      log,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/shops", h.handleShops)
	mux.HandleFunc("/api/shops/mine", h.handleMyShop)
	mux.HandleFunc("/api/shops/", h.handleShopRoutes)
	mux.HandleFunc("/api/bookings", h.handleMyBookings)
	mux.HandleFunc("/api/bookings/", h.handleBookingRoutes)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleShops(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListShops(w, r)
	case http.MethodPost:
		h.handleOpenShop(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleListShops(w http.ResponseWriter, r *http.Request) {
	filter := store.ShopFilter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Query:    strings.TrimSpace(r.URL.Query().Get("q")),
	}
	listings, err := h.svc.ListShops(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shops": listings})
}

func (h *Handler) handleOpenShop(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req openShopRequest
	var input queue.NewShop
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
		if err := r.ParseMultipartForm(maxUploadBody); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "invalid multipart payload")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		req = openShopRequest{
			Name:        r.FormValue("name"),
			Category:    r.FormValue("category"),
			Location:    r.FormValue("location"),
			Description: r.FormValue("description"),
		}
		if raw := strings.TrimSpace(r.FormValue("avg_service_minutes")); raw != "" {
			minutes, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "avg_service_minutes must be an integer")
				return
			}
			req.AvgServiceMinutes = minutes
		}
		file, err := formImage(r)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "invalid image part")
			return
		}
		if file != nil {
			defer file.Close()
			input.Image = file
		}
	} else if !decodeRequest(w, r, &req, false) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	input.Name = req.Name
	input.Category = req.Category
	input.Location = req.Location
	input.Description = req.Description
	input.AvgServiceMinutes = req.AvgServiceMinutes

	shop, err := h.svc.OpenShop(r.Context(), session, input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, shop)
}

func formImage(r *http.Request) (multipart.File, error) {
	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	return file, err
}

func (h *Handler) handleMyShop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	shop, err := h.svc.MyShop(r.Context(), session)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

// handleShopRoutes serves /api/shops/{id}, /api/shops/{id}/bookings,
// /api/shops/{id}/queue and /api/shops/{id}/actions/{action}.
func (h *Handler) handleShopRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/shops/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	shopID := parts[0]
	if shopID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(shopID) {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "shop_not_found", "shop not found")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetShop(w, r, shopID)
	case len(parts) == 2 && parts[1] == "bookings":
		h.handleJoin(w, r, shopID)
	case len(parts) == 2 && parts[1] == "queue":
		h.handleShopQueue(w, r, shopID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleShopAction(w, r, shopID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetShop(w http.ResponseWriter, r *http.Request, shopID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	shop, err := h.svc.GetShop(r.Context(), shopID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request, shopID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	booking, err := h.svc.Join(r.Context(), session, shopID, req.DisplayName)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *Handler) handleShopQueue(w http.ResponseWriter, r *http.Request, shopID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.RequireOwner(r.Context(), session, shopID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	view, err := h.views.Shop(r.Context(), shopID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleShopAction(w http.ResponseWriter, r *http.Request, shopID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	switch action {
	case "call-next":
		result, err := h.svc.CallNext(r.Context(), session, shopID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "finish":
		booking, err := h.svc.Finish(r.Context(), session, shopID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, booking)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleMyBookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	view, err := h.views.User(r.Context(), session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleBookingRoutes serves /api/bookings/{id}/position,
// /api/bookings/{id}/events and /api/bookings/{id}/actions/leave.
func (h *Handler) handleBookingRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/bookings/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	bookingID := parts[0]
	if !isValidUUID(bookingID) {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "booking_not_found", "booking not found")
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "position":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		result, err := h.svc.Position(r.Context(), session, bookingID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		events, err := h.svc.History(r.Context(), session, bookingID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "leave":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		booking, err := h.svc.Leave(r.Context(), session, bookingID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, booking)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func requireSession(w http.ResponseWriter, r *http.Request) (identity.Session, bool) {
	session, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return identity.Session{}, false
	}
	return session, true
}

// decodeRequest reads a JSON body into target. An empty body is accepted when
// allowEmpty is set, leaving target at its zero value.
func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", requestIDFromRequest(r)),
			logger.Err(err))
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrShopNotFound):
		return http.StatusNotFound, "shop_not_found", "shop not found"
	case errors.Is(err, store.ErrBookingNotFound):
		return http.StatusNotFound, "booking_not_found", "booking not found"
	case errors.Is(err, store.ErrAlreadyQueued):
		return http.StatusConflict, "already_queued", "you already hold an active booking at this shop"
	case errors.Is(err, store.ErrShopExists):
		return http.StatusConflict, "shop_exists", "this account already owns a shop"
	case errors.Is(err, store.ErrNothingToCall):
		return http.StatusConflict, "nothing_to_call", "nobody is waiting"
	case errors.Is(err, store.ErrNothingServing):
		return http.StatusConflict, "nothing_serving", "nobody is being served"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "booking state does not allow this action"
	}
	switch queue.KindOf(err) {
	case queue.KindUnauthenticated:
		return http.StatusUnauthorized, "unauthorized", "authentication required"
	case queue.KindForbidden:
		return http.StatusForbidden, "access_denied", "access denied"
	case queue.KindInvalid:
		return http.StatusBadRequest, "invalid_request", err.Error()
	case queue.KindUnavailable:
		return http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
