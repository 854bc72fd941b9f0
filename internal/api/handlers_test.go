package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/resale/internal/auth"
	"github.com/xtrntr/resale/internal/exchange"
	"github.com/xtrntr/resale/internal/fulfillment"
	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/settlement"
	"github.com/xtrntr/resale/internal/store"
)

type testServer struct {
	router *chi.Mux
	st     *store.Memory
	sim    *settlement.Simulator
	auth   *auth.AuthService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateVariant(context.Background(), models.Variant{ID: "V1", ProductID: "dunk-low", Size: "270", Color: "panda", Sellable: true}))
	require.NoError(t, st.CreateVariant(context.Background(), models.Variant{ID: "V2", ProductID: "dunk-low", Size: "280", Color: "panda"}))

	ex := exchange.NewExchange(st, exchange.DefaultConfig(), nil)
	sim := settlement.NewSimulator(nil)
	orders, sales := fulfillment.NewManagers(fulfillment.Deps{
		Store:     st,
		Payments:  sim,
		Shipments: sim,
		Warehouse: sim,
		Payouts:   sim,
		Relister:  ex,
	}, fulfillment.DefaultConfig())
	authService := auth.NewAuthService(st, "test-secret")

	r := chi.NewRouter()
	NewHandler(st, ex, orders, sales, authService, []string{"ops"}, nil).Mount(r)
	return &testServer{router: r, st: st, sim: sim, auth: authService}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// login registers username and returns its token
func (s *testServer) login(t *testing.T, username string) string {
	t.Helper()
	_, err := s.auth.Register(context.Background(), username, "password123")
	require.NoError(t, err)
	token, err := s.auth.Login(context.Background(), username, "password123")
	require.NoError(t, err)
	return token
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_Register(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing Password",
			requestBody:    map[string]interface{}{"username": "testuser"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Username and password required",
		},
		{
			name:           "Duplicate Username",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "other"},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, "POST", "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)

			response := decodeBody[map[string]string](t, w)
			if tt.expectedStatus == http.StatusCreated {
				assert.Equal(t, "testuser", response["username"])
				assert.NotEmpty(t, response["id"])
				return
			}
			assert.Contains(t, response, "error")
			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, response["error"])
			}
		})
	}
}

func TestHandler_Login(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.auth.Register(context.Background(), "testuser", "testpass")
	require.NoError(t, err)

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectToken    bool
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusOK,
			expectToken:    true,
		},
		{
			name:           "Invalid Credentials",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "wrongpass"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Unknown User",
			requestBody:    map[string]interface{}{"username": "nobody", "password": "testpass"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, "POST", "/auth/login", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)

			response := decodeBody[map[string]string](t, w)
			if tt.expectToken {
				assert.NotEmpty(t, response["token"])
			} else {
				assert.Equal(t, "Invalid credentials", response["error"])
			}
		})
	}
}

func TestHandler_JWTAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)
	token := srv.login(t, "alice")

	tests := []struct {
		name           string
		token          string
		expectedStatus int
	}{
		{"Missing", "", http.StatusUnauthorized},
		{"Garbage", "not-a-jwt", http.StatusUnauthorized},
		{"Valid", token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, "GET", "/bids", tt.token, nil)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestHandler_SubmitBid(t *testing.T) {
	srv := newTestServer(t)
	token := srv.login(t, "alice")

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
	}{
		{"Success", map[string]interface{}{"side": "buy", "variant_id": "V1", "price": "150"}, http.StatusCreated},
		{"Numeric Price", map[string]interface{}{"side": "BUY", "variant_id": "V1", "price": 120}, http.StatusCreated},
		{"Zero Price", map[string]interface{}{"side": "BUY", "variant_id": "V1", "price": "0"}, http.StatusBadRequest},
		{"Sub-cent Price", map[string]interface{}{"side": "BUY", "variant_id": "V1", "price": "10.001"}, http.StatusBadRequest},
		{"Bad Side", map[string]interface{}{"side": "HOLD", "variant_id": "V1", "price": "100"}, http.StatusBadRequest},
		{"Unknown Variant", map[string]interface{}{"side": "BUY", "variant_id": "V9", "price": "100"}, http.StatusBadRequest},
		{"Unsellable Variant", map[string]interface{}{"side": "BUY", "variant_id": "V2", "price": "100"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, "POST", "/bids", token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}

	bids := decodeBody[[]models.Bid](t, srv.do(t, "GET", "/bids", token, nil))
	assert.Len(t, bids, 2)

	book := decodeBody[map[string]json.RawMessage](t, srv.do(t, "GET", "/variants/V1/book", "", nil))
	var buys []models.Bid
	require.NoError(t, json.Unmarshal(book["buy_bids"], &buys))
	require.Len(t, buys, 2)
	assert.True(t, buys[0].Price.Equal(decimal.NewFromInt(150)), "best bid first")
	assert.JSONEq(t, `[]`, string(book["sell_bids"]))

	assert.Equal(t, http.StatusNotFound, srv.do(t, "GET", "/variants/V9/book", "", nil).Code)
}

func TestHandler_CancelBid(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := srv.login(t, "alice"), srv.login(t, "bob")

	res := decodeBody[exchange.BidResult](t, srv.do(t, "POST", "/bids", alice, map[string]any{"side": "BUY", "variant_id": "V1", "price": "100"}))

	assert.Equal(t, http.StatusForbidden, srv.do(t, "DELETE", "/bids/"+res.BidID, bob, nil).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, "DELETE", "/bids/missing", alice, nil).Code)

	for i := 0; i < 2; i++ {
		w := srv.do(t, "DELETE", "/bids/"+res.BidID, alice, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.BidCancelled, decodeBody[models.Bid](t, w).Status)
	}
}

// matchOverHTTP rests a SELL from bob at 140 and crosses it with a BUY from alice at 150.
func matchOverHTTP(t *testing.T, srv *testServer, seller, buyer string) exchange.BidResult {
	t.Helper()
	w := srv.do(t, "POST", "/bids", seller, map[string]any{"side": "SELL", "variant_id": "V1", "price": "140"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = srv.do(t, "POST", "/bids", buyer, map[string]any{"side": "BUY", "variant_id": "V1", "price": "150"})
	require.Equal(t, http.StatusCreated, w.Code)
	res := decodeBody[exchange.BidResult](t, w)
	require.True(t, res.Matched)
	return res
}

func TestHandler_Lifecycle(t *testing.T) {
	srv := newTestServer(t)
	alice, bob, ops := srv.login(t, "alice"), srv.login(t, "bob"), srv.login(t, "ops")

	res := matchOverHTTP(t, srv, bob, alice)
	assert.True(t, res.Price.Equal(decimal.NewFromInt(140)), "resting price executes")
	orderPath, salePath := "/orders/"+res.OrderID, "/sales/"+res.SaleID

	// Visibility
	assert.Equal(t, http.StatusOK, srv.do(t, "GET", orderPath, alice, nil).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(t, "GET", orderPath, bob, nil).Code)
	assert.Equal(t, http.StatusOK, srv.do(t, "GET", salePath, bob, nil).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(t, "GET", salePath, alice, nil).Code)
	assert.Equal(t, http.StatusOK, srv.do(t, "GET", orderPath, ops, nil).Code)
	assert.Len(t, decodeBody[[]models.Order](t, srv.do(t, "GET", "/orders", alice, nil)), 1)
	assert.Len(t, decodeBody[[]models.Sale](t, srv.do(t, "GET", "/sales", bob, nil)), 1)
	assert.Empty(t, decodeBody[[]models.Sale](t, srv.do(t, "GET", "/sales", alice, nil)))

	// Shipping before payment is rejected
	w := srv.do(t, "POST", salePath+"/shipment", bob, map[string]string{"carrier": "UPS", "tracking_ref": "1Z"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = srv.do(t, "POST", orderPath+"/payment", alice, map[string]string{"payer_ref": "card_alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderPreparing, decodeBody[models.Order](t, w).Status)

	assert.Equal(t, http.StatusConflict, srv.do(t, "POST", orderPath+"/cancel", alice, nil).Code,
		"paid orders cannot be cancelled by the buyer")

	w = srv.do(t, "POST", salePath+"/shipment", bob, map[string]string{"carrier": "UPS"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = srv.do(t, "POST", salePath+"/shipment", bob, map[string]string{"carrier": "UPS", "tracking_ref": "1Z999"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.SaleInTransit, decodeBody[models.Sale](t, w).Status)

	assert.Equal(t, http.StatusForbidden, srv.do(t, "POST", salePath+"/intake", bob, nil).Code)
	w = srv.do(t, "POST", salePath+"/intake", ops, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.SaleInspected, decodeBody[models.Sale](t, w).Status)

	w = srv.do(t, "POST", orderPath+"/complete", ops, settlement.ReceiverInfo{Name: "Alice", Address: "1 Main St"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderCompleted, decodeBody[models.Order](t, w).Status)

	sale := decodeBody[models.Sale](t, srv.do(t, "GET", salePath, bob, nil))
	assert.Equal(t, models.SaleCompleted, sale.Status)
	require.NotNil(t, sale.Payout)
	assert.True(t, sale.Payout.Amount.Equal(decimal.NewFromInt(140)))
}

func TestHandler_CancelOrderRelistsSeller(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := srv.login(t, "alice"), srv.login(t, "bob")
	res := matchOverHTTP(t, srv, bob, alice)

	w := srv.do(t, "POST", "/orders/"+res.OrderID+"/cancel", alice, map[string]string{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	o := decodeBody[models.Order](t, w)
	assert.Equal(t, models.OrderCancelled, o.Status)
	assert.Equal(t, "changed my mind", o.FailureReason)

	book := decodeBody[map[string]json.RawMessage](t, srv.do(t, "GET", "/variants/V1/book", "", nil))
	var sells []models.Bid
	require.NoError(t, json.Unmarshal(book["sell_bids"], &sells))
	require.Len(t, sells, 1)
	assert.Equal(t, res.CounterBidID, sells[0].RelistedFrom)
}

func TestHandler_PaymentDeclined(t *testing.T) {
	srv := newTestServer(t)
	alice, bob := srv.login(t, "alice"), srv.login(t, "bob")
	res := matchOverHTTP(t, srv, bob, alice)

	srv.sim.SetFailure(settlement.OpCapture, settlement.ErrPaymentDeclined)
	w := srv.do(t, "POST", "/orders/"+res.OrderID+"/payment", alice, map[string]string{"payer_ref": "card_alice"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	o, err := srv.st.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPendingPayment, o.Status)
	assert.Equal(t, 1, o.FailureCount)
}

func TestHandler_OperatorCompensateAndResume(t *testing.T) {
	srv := newTestServer(t)
	alice, bob, ops := srv.login(t, "alice"), srv.login(t, "bob"), srv.login(t, "ops")
	res := matchOverHTTP(t, srv, bob, alice)

	assert.Equal(t, http.StatusForbidden, srv.do(t, "POST", "/orders/"+res.OrderID+"/compensate", alice, nil).Code)

	w := srv.do(t, "POST", "/orders/"+res.OrderID+"/compensate", ops, map[string]string{"reason": "counterfeit"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderCancelled, decodeBody[models.Order](t, w).Status)

	w = srv.do(t, "POST", "/orders/"+res.OrderID+"/resume", ops, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, "POST", "/orders/missing/resume", ops, nil).Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{exchange.ErrInvalidPrice, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", exchange.ErrMatchingConflict), http.StatusConflict},
		{exchange.ErrNotOwner, http.StatusForbidden},
		{fmt.Errorf("order o1: %w", store.ErrNotFound), http.StatusNotFound},
		{fulfillment.ErrHalted, http.StatusConflict},
		{fulfillment.ErrTrackingRequired, http.StatusBadRequest},
		{fmt.Errorf("capture: %w", settlement.ErrPaymentDeclined), http.StatusPaymentRequired},
		{settlement.ErrPayoutFailed, http.StatusBadGateway},
		{settlement.ErrReversalFailed, http.StatusBadGateway},
		{auth.ErrUsernameTaken, http.StatusConflict},
		{fulfillment.ErrInvariantViolation, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}
