package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rl1809/appstore/internal/adapter/identity"
	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/core/service"
)

// CallerHeader names the request header that carries the caller identity.
const CallerHeader = "X-Caller-Identity"

// Marketplace is the facade the transports call into.
type Marketplace interface {
	PublishApp(ctx context.Context, in service.PublishAppInput) (service.PublishAppResult, error)
	BuyApp(ctx context.Context, id domain.ItemID) (domain.Settlement, error)
	ListApps(ctx context.Context) ([]domain.Item, error)
	GetApp(ctx context.Context, id domain.ItemID) (domain.Item, error)
	ListBuyerApps(ctx context.Context, buyer domain.Identity) ([]string, error)
	ListAppBuyers(ctx context.Context, id domain.ItemID) ([]domain.Identity, error)
}

type HTTPHandler struct {
	marketplace Marketplace
	logger      *log.Logger
}

type PublishHTTPRequest struct {
	Title string        `json:"title"`
	Genre string        `json:"genre"`
	Price domain.Amount `json:"price"`
}

type PublishHTTPResponse struct {
	Created bool          `json:"created"`
	ID      domain.ItemID `json:"id"`
}

type PurchaseHTTPRequest struct {
	AttachedValue domain.Amount `json:"attached_value"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewHTTPHandler(marketplace Marketplace, logger *log.Logger) *HTTPHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPHandler{marketplace: marketplace, logger: logger}
}

// Routes mounts the marketplace API.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(callerFromHeader)

	r.Get("/health", h.HealthCheck)
	r.Route("/api", func(api chi.Router) {
		api.Get("/apps", h.ListApps)
		api.Post("/apps", h.PublishApp)
		api.Get("/apps/{id}", h.GetApp)
		api.Get("/apps/{id}/buyers", h.ListAppBuyers)
		api.Post("/apps/{id}/purchase", h.BuyApp)
		api.Get("/buyers/{identity}/apps", h.ListBuyerApps)
	})
	return r
}

func callerFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller := r.Header.Get(CallerHeader); caller != "" {
			r = r.WithContext(identity.WithCaller(r.Context(), domain.Identity(caller)))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) PublishApp(w http.ResponseWriter, r *http.Request) {
	var req PublishHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, invalidBody(err))
		return
	}

	result, err := h.marketplace.PublishApp(r.Context(), service.PublishAppInput{
		Title: req.Title,
		Genre: req.Genre,
		Price: req.Price,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PublishHTTPResponse{Created: result.Created, ID: result.ID})
}

func (h *HTTPHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	items, err := h.marketplace.ListApps(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *HTTPHandler) GetApp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	item, err := h.marketplace.GetApp(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *HTTPHandler) BuyApp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	// An empty body attaches nothing.
	var req PurchaseHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, invalidBody(err))
		return
	}

	ctx := identity.WithAttachedValue(r.Context(), req.AttachedValue)
	settlement, err := h.marketplace.BuyApp(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (h *HTTPHandler) ListBuyerApps(w http.ResponseWriter, r *http.Request) {
	buyer := domain.Identity(chi.URLParam(r, "identity"))
	titles, err := h.marketplace.ListBuyerApps(r.Context(), buyer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, titles)
}

func (h *HTTPHandler) ListAppBuyers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	buyers, err := h.marketplace.ListAppBuyers(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buyers)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) itemID(w http.ResponseWriter, r *http.Request) (domain.ItemID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid app id provided"})
		return 0, false
	}
	return domain.ItemID(id), true
}

func invalidBody(err error) error {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return errInvalidBody
}

var errInvalidBody = errors.New("invalid request body")

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status, message := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Printf("internal error: %v", err)
	}
	writeJSON(w, status, ErrorHTTPResponse{Success: false, Message: message})
}

// httpStatus maps a marketplace error to a status code and a reason.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrCallerRequired):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, domain.ErrSelfDealing), errors.Is(err, domain.ErrSelfPurchase):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrAlreadyPurchased):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInsufficientPayment):
		return http.StatusPaymentRequired, err.Error()
	case domain.CategoryOf(err) == domain.CategoryValidation:
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
