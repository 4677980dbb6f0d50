package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/models"
	"marketplace-api/internal/registry"
	"marketplace-api/internal/service"
	"marketplace-api/internal/validation"
)

// Handler provides the HTTP surface of the marketplace API. The caller's
// identity arrives in the X-User-ID header; authentication itself happens
// upstream of this service.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	log         *logrus.Entry
}

// Options holds handler settings.
type Options struct {
	MaxBodySize int64
}

// DefaultOptions returns the default handler settings.
func DefaultOptions() Options {
	return Options{MaxBodySize: 10 << 20}
}

// New creates a handler with default settings.
func New(svc *service.Service) *Handler {
	return NewWithOptions(svc, DefaultOptions())
}

// NewWithOptions creates a handler with custom settings.
func NewWithOptions(svc *service.Service, opts Options) *Handler {
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		log:         logrus.WithField("component", "handler"),
	}
}

// RegisterRoutes mounts every route on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/stores", func(r chi.Router) {
		r.Post("/", h.CreateStore)
		r.Get("/", h.ListStores)

		r.Route("/{store_id}", func(r chi.Router) {
			r.Get("/", h.GetStore)
			r.Post("/close", h.CloseStore)
			r.Post("/reopen", h.ReopenStore)
			r.Get("/history", h.StoreHistory)

			r.Route("/products", func(r chi.Router) {
				r.Post("/", h.AddProduct)
				r.Put("/{name}", h.EditProduct)
				r.Delete("/{name}", h.RemoveProduct)
			})

			r.Route("/discounts", func(r chi.Router) {
				r.Post("/", h.AddDiscount)
				r.Post("/combine", h.CombineDiscounts)
				r.Put("/{discount_id}", h.EditDiscount)
				r.Delete("/{discount_id}", h.RemoveDiscount)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Post("/", h.AddPolicy)
				r.Put("/{policy_id}", h.EditPolicy)
				r.Delete("/{policy_id}", h.RemovePolicy)
			})

			r.Route("/owners", func(r chi.Router) {
				r.Post("/nominations", h.NominateOwner)
				r.Get("/nominations", h.PendingAppointments)
				r.Delete("/{user_id}", h.RemoveOwner)
			})

			r.Route("/managers", func(r chi.Router) {
				r.Post("/", h.AppointManager)
				r.Put("/{user_id}", h.SetManagerPermissions)
				r.Delete("/{user_id}", h.RemoveManager)
			})
		})
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Get("/{appointment_id}", h.GetAppointment)
		r.Post("/{appointment_id}/votes", h.VoteOnAppointment)
	})

	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.ViewCart)
		r.Put("/stores/{store_id}/lines", h.SetCartLine)
	})

	r.Post("/checkout", h.Checkout)
	r.Get("/history", h.PurchaseHistory)
	r.Get("/admin/history", h.SystemHistory)
	r.Get("/search", h.Search)
}

// actor extracts the caller's user id from the request.
func actor(r *http.Request) string {
	return validation.SanitizeString(r.Header.Get("X-User-ID"))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

func storeID(w http.ResponseWriter, r *http.Request, h *Handler) (uuid.UUID, bool) {
	return pathUUID(w, r, h, "store_id")
}

func pathUUID(w http.ResponseWriter, r *http.Request, h *Handler, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, param+" must be a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

// CreateStore handles POST /stores.
func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	var req models.OpenStoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	store, err := h.service.OpenStore(r.Context(), actor(r), req.Name)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, store)
}

// ListStores handles GET /stores.
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListStores(r.Context())
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, views)
}

// GetStore handles GET /stores/{store_id}.
func (h *Handler) GetStore(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	view, err := h.service.ViewStore(r.Context(), id)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// CloseStore handles POST /stores/{store_id}/close.
func (h *Handler) CloseStore(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	if err := h.service.CloseStore(r.Context(), actor(r), id); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReopenStore handles POST /stores/{store_id}/reopen.
func (h *Handler) ReopenStore(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	if err := h.service.ReopenStore(r.Context(), actor(r), id); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddProduct handles POST /stores/{store_id}/products.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var spec models.ProductSpec
	if !h.decode(w, r, &spec) {
		return
	}
	product, err := h.service.AddProduct(r.Context(), actor(r), id, spec)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, product)
}

// EditProduct handles PUT /stores/{store_id}/products/{name}.
func (h *Handler) EditProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	name := validation.SanitizeString(chi.URLParam(r, "name"))
	var spec models.ProductSpec
	if !h.decode(w, r, &spec) {
		return
	}
	product, err := h.service.EditProduct(r.Context(), actor(r), id, name, spec)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, product)
}

// RemoveProduct handles DELETE /stores/{store_id}/products/{name}.
func (h *Handler) RemoveProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	name := validation.SanitizeString(chi.URLParam(r, "name"))
	if err := h.service.RemoveProduct(r.Context(), actor(r), id, name); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddDiscount handles POST /stores/{store_id}/discounts.
func (h *Handler) AddDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var spec models.DiscountSpec
	if !h.decode(w, r, &spec) {
		return
	}
	d, err := h.service.AddDiscount(r.Context(), actor(r), id, spec)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, d)
}

// EditDiscount handles PUT /stores/{store_id}/discounts/{discount_id}.
func (h *Handler) EditDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	discountID, ok := pathUUID(w, r, h, "discount_id")
	if !ok {
		return
	}
	var spec models.DiscountSpec
	if !h.decode(w, r, &spec) {
		return
	}
	d, err := h.service.EditDiscount(r.Context(), actor(r), id, discountID, spec)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, d)
}

// RemoveDiscount handles DELETE /stores/{store_id}/discounts/{discount_id}.
func (h *Handler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	discountID, ok := pathUUID(w, r, h, "discount_id")
	if !ok {
		return
	}
	if err := h.service.RemoveDiscount(r.Context(), actor(r), id, discountID); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CombineDiscounts handles POST /stores/{store_id}/discounts/combine.
func (h *Handler) CombineDiscounts(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var req models.CombineDiscountsRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.service.CombineDiscounts(r.Context(), actor(r), id, req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, d)
}

// AddPolicy handles POST /stores/{store_id}/policies.
func (h *Handler) AddPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var spec models.PolicySpec
	if !h.decode(w, r, &spec) {
		return
	}
	p, err := h.service.AddPolicy(r.Context(), actor(r), id, spec)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, p)
}

// EditPolicy handles PUT /stores/{store_id}/policies/{policy_id}.
func (h *Handler) EditPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	policyID, ok := pathUUID(w, r, h, "policy_id")
	if !ok {
		return
	}
	var spec models.PolicySpec
	if !h.decode(w, r, &spec) {
		return
	}
	p, err := h.service.EditPolicy(r.Context(), actor(r), id, policyID, spec)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// RemovePolicy handles DELETE /stores/{store_id}/policies/{policy_id}.
func (h *Handler) RemovePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	policyID, ok := pathUUID(w, r, h, "policy_id")
	if !ok {
		return
	}
	if err := h.service.RemovePolicy(r.Context(), actor(r), id, policyID); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NominateOwner handles POST /stores/{store_id}/owners/nominations.
func (h *Handler) NominateOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var req models.NominateOwnerRequest
	if !h.decode(w, r, &req) {
		return
	}
	appt, err := h.service.NominateOwner(r.Context(), actor(r), id, validation.SanitizeString(req.Nominee))
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, appt)
}

// PendingAppointments handles GET /stores/{store_id}/owners/nominations.
func (h *Handler) PendingAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	appts, err := h.service.PendingAppointments(actor(r), id)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, appts)
}

// RemoveOwner handles DELETE /stores/{store_id}/owners/{user_id}.
func (h *Handler) RemoveOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	target := validation.SanitizeString(chi.URLParam(r, "user_id"))
	if err := h.service.RemoveOwner(r.Context(), actor(r), id, target); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAppointment handles GET /appointments/{appointment_id}.
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	apptID, ok := pathUUID(w, r, h, "appointment_id")
	if !ok {
		return
	}
	appt, err := h.service.Appointment(apptID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, appt)
}

// VoteOnAppointment handles POST /appointments/{appointment_id}/votes.
func (h *Handler) VoteOnAppointment(w http.ResponseWriter, r *http.Request) {
	apptID, ok := pathUUID(w, r, h, "appointment_id")
	if !ok {
		return
	}
	var req models.VoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	appt, err := h.service.VoteOnAppointment(r.Context(), actor(r), apptID, req.Decision)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, appt)
}

// AppointManager handles POST /stores/{store_id}/managers.
func (h *Handler) AppointManager(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var req models.ManagerRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Manager = validation.SanitizeString(req.Manager)
	if err := h.service.AppointManager(r.Context(), actor(r), id, req); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// SetManagerPermissions handles PUT /stores/{store_id}/managers/{user_id}.
func (h *Handler) SetManagerPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var req models.ManagerRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Manager = validation.SanitizeString(chi.URLParam(r, "user_id"))
	if err := h.service.SetManagerPermissions(r.Context(), actor(r), id, req); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveManager handles DELETE /stores/{store_id}/managers/{user_id}.
func (h *Handler) RemoveManager(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	manager := validation.SanitizeString(chi.URLParam(r, "user_id"))
	if err := h.service.RemoveManager(r.Context(), actor(r), id, manager); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ViewCart handles GET /cart.
func (h *Handler) ViewCart(w http.ResponseWriter, r *http.Request) {
	baskets := h.service.ViewCart(actor(r))
	if baskets == nil {
		baskets = []models.Basket{}
	}
	h.respondJSON(w, http.StatusOK, baskets)
}

// SetCartLine handles PUT /cart/stores/{store_id}/lines.
func (h *Handler) SetCartLine(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	var req models.CartLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Product = validation.SanitizeString(req.Product)
	if err := h.service.SetCartLine(r.Context(), actor(r), id, req); err != nil {
		h.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Checkout handles POST /checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	receipt, err := h.service.Checkout(r.Context(), actor(r), req.Payment)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, receipt)
}

// PurchaseHistory handles GET /history.
func (h *Handler) PurchaseHistory(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.service.PurchaseHistory(r.Context(), actor(r))
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	if purchases == nil {
		purchases = []models.Purchase{}
	}
	h.respondJSON(w, http.StatusOK, purchases)
}

// StoreHistory handles GET /stores/{store_id}/history.
func (h *Handler) StoreHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := storeID(w, r, h)
	if !ok {
		return
	}
	purchases, err := h.service.StorePurchaseHistory(r.Context(), actor(r), id)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	if purchases == nil {
		purchases = []models.Purchase{}
	}
	h.respondJSON(w, http.StatusOK, purchases)
}

// SystemHistory handles GET /admin/history.
func (h *Handler) SystemHistory(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.service.SystemPurchaseHistory(r.Context(), actor(r))
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	if purchases == nil {
		purchases = []models.Purchase{}
	}
	h.respondJSON(w, http.StatusOK, purchases)
}

// Search handles GET /search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	filter := registry.SearchFilter{
		Name:     validation.SanitizeString(r.URL.Query().Get("name")),
		Category: validation.SanitizeString(r.URL.Query().Get("category")),
	}
	if raw := r.URL.Query().Get("min_price"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.respondError(w, http.StatusBadRequest, "min_price must be a non-negative integer")
			return
		}
		filter.MinPrice = v
	}
	if raw := r.URL.Query().Get("max_price"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.respondError(w, http.StatusBadRequest, "max_price must be a non-negative integer")
			return
		}
		filter.MaxPrice = v
	}
	products := h.service.Search(filter)
	if products == nil {
		products = []models.Product{}
	}
	h.respondJSON(w, http.StatusOK, products)
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Warn("encode response")
	}
}

// respondError sends a plain error payload.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}

// respondAppError maps a typed error onto an HTTP status.
func (h *Handler) respondAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict, apperr.KindInsufficientStock:
		status = http.StatusConflict
	case apperr.KindPolicyViolation:
		status = http.StatusUnprocessableEntity
	case apperr.KindPaymentDeclined:
		status = http.StatusPaymentRequired
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("internal error")
		h.respondError(w, status, "internal server error")
		return
	}
	h.respondJSON(w, status, models.ErrorResponse{Error: err.Error(), Kind: kind.String()})
}
