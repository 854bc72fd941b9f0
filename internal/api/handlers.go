package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/auth"
	"github.com/xtrntr/resale/internal/exchange"
	"github.com/xtrntr/resale/internal/fulfillment"
	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/settlement"
	"github.com/xtrntr/resale/internal/store"
)

var errForbidden = errors.New("forbidden")

type ctxKey int

const (
	userIDKey ctxKey = iota
	usernameKey
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store       store.Store
	Exchange    *exchange.Exchange
	Orders      *fulfillment.OrderManager
	Sales       *fulfillment.SaleManager
	AuthService *auth.AuthService
	Log         *zap.Logger

	operators map[string]bool
}

// NewHandler creates a new handler. Operators are usernames allowed to
// record warehouse intake, complete orders and resolve halted matches.
func NewHandler(st store.Store, ex *exchange.Exchange, orders *fulfillment.OrderManager, sales *fulfillment.SaleManager,
	authService *auth.AuthService, operators []string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	ops := make(map[string]bool, len(operators))
	for _, name := range operators {
		ops[name] = true
	}
	return &Handler{Store: st, Exchange: ex, Orders: orders, Sales: sales, AuthService: authService, Log: log, operators: ops}
}

// Mount registers every route on r
func (h *Handler) Mount(r chi.Router) {
	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/variants", h.ListVariants)
	r.Get("/variants/{id}/book", h.GetBook)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Post("/bids", h.SubmitBid)
		r.Get("/bids", h.ListBids)
		r.Delete("/bids/{id}", h.CancelBid)

		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/payment", h.CapturePayment)
		r.Post("/orders/{id}/cancel", h.CancelOrder)

		r.Get("/sales", h.ListSales)
		r.Get("/sales/{id}", h.GetSale)
		r.Post("/sales/{id}/shipment", h.Ship)
		r.Post("/sales/{id}/cancel", h.CancelSale)

		r.Group(func(r chi.Router) {
			r.Use(h.requireOperator)
			r.Post("/sales/{id}/intake", h.ConfirmIntake)
			r.Post("/orders/{id}/complete", h.CompleteOrder)
			r.Post("/orders/{id}/compensate", h.CompensateOrder)
			r.Post("/orders/{id}/resume", h.ResumeOrder)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusOf maps domain errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, exchange.ErrInvalidVariant),
		errors.Is(err, exchange.ErrInvalidPrice),
		errors.Is(err, exchange.ErrInvalidSide),
		errors.Is(err, exchange.ErrInvalidBidder),
		errors.Is(err, fulfillment.ErrTrackingRequired):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, settlement.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, exchange.ErrNotOwner), errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUsernameTaken),
		errors.Is(err, exchange.ErrMatchingConflict),
		errors.Is(err, exchange.ErrBidNotCancellable),
		errors.Is(err, fulfillment.ErrWrongState),
		errors.Is(err, fulfillment.ErrCancelNotAllowed),
		errors.Is(err, fulfillment.ErrOrderNotPaid),
		errors.Is(err, fulfillment.ErrHalted):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrPaymentGateway),
		errors.Is(err, settlement.ErrShipmentCreationFailed),
		errors.Is(err, settlement.ErrIntakeMismatch),
		errors.Is(err, settlement.ErrRefundFailed),
		errors.Is(err, settlement.ErrPayoutFailed),
		errors.Is(err, settlement.ErrReversalFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		if status == http.StatusInternalServerError {
			writeMessage(w, status, "Internal error")
			return
		}
	}
	writeMessage(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, username, err := h.AuthService.ParseToken(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, usernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isOperator(r) {
			writeMessage(w, http.StatusForbidden, "Operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isOperator(r *http.Request) bool {
	name, _ := r.Context().Value(usernameKey).(string)
	return h.operators[name]
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// ListVariants returns every variant
func (h *Handler) ListVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := h.Store.ListVariants(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, variants)
}

// GetBook returns the pending bids of a variant, best first
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "id")
	if _, err := h.Store.GetVariant(r.Context(), variantID); err != nil {
		h.writeError(w, r, err)
		return
	}
	buys, sells, err := h.Exchange.Book(r.Context(), variantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"variant_id": variantID,
		"buy_bids":   nonNil(buys),
		"sell_bids":  nonNil(sells),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// SubmitBid places a buy or sell bid and matches it if possible
func (h *Handler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Side      models.Side     `json:"side"`
		VariantID string          `json:"variant_id"`
		Price     decimal.Decimal `json:"price"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Exchange.SubmitBid(r.Context(), exchange.BidRequest{
		Side:      models.Side(strings.ToUpper(string(req.Side))),
		VariantID: req.VariantID,
		BidderID:  userID(r),
		Price:     req.Price,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListBids returns the caller's bids
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.Store.ListBidsByBidder(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bids))
}

// CancelBid cancels one of the caller's pending bids
func (h *Handler) CancelBid(w http.ResponseWriter, r *http.Request) {
	bid, err := h.Exchange.CancelBid(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// ListOrders returns the caller's orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Store.ListOrdersByBuyer(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orders))
}

// ownOrder loads an order the caller may act on as its buyer.
func (h *Handler) ownOrder(r *http.Request) (models.Order, error) {
	o, err := h.Store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return o, err
	}
	if o.BuyerID != userID(r) && !h.isOperator(r) {
		return o, errForbidden
	}
	return o, nil
}

func (h *Handler) ownSale(r *http.Request) (models.Sale, error) {
	s, err := h.Store.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return s, err
	}
	if s.SellerID != userID(r) && !h.isOperator(r) {
		return s, errForbidden
	}
	return s, nil
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CapturePayment charges the buyer of a pending order
func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		PayerRef string `json:"payer_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	o, err = h.Orders.CapturePayment(r.Context(), o.ID, req.PayerRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// decodeReason accepts an empty body.
func decodeReason(r *http.Request, def string) string {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		return def
	}
	return req.Reason
}

// CancelOrder cancels an unpaid order at the buyer's request
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownOrder(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err = h.Orders.Cancel(r.Context(), o.ID, decodeReason(r, "cancelled by buyer"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CompleteOrder ships a warehoused item to the buyer and pays the seller
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	var receiver settlement.ReceiverInfo
	if !decode(w, r, &receiver) {
		return
	}
	o, err := h.Orders.Complete(r.Context(), chi.URLParam(r, "id"), receiver)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) CompensateOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Compensate(r.Context(), chi.URLParam(r, "id"), decodeReason(r, "compensated by operator"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) ResumeOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListSales returns the caller's sales
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.Store.ListSalesBySeller(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sales))
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownSale(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Ship registers the seller's shipment to the warehouse
func (h *Handler) Ship(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownSale(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Carrier     string `json:"carrier"`
		TrackingRef string `json:"tracking_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	s, err = h.Sales.Ship(r.Context(), s.ID, req.Carrier, req.TrackingRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ConfirmIntake records that the item arrived at the warehouse
func (h *Handler) ConfirmIntake(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sales.ConfirmIntake(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// CancelSale withdraws a sale before the item was shipped
func (h *Handler) CancelSale(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownSale(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err = h.Sales.Cancel(r.Context(), s.ID, decodeReason(r, "cancelled by seller"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
