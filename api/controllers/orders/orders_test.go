package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/dispatchcore/api/middleware"
	"github.com/angelmondragon/dispatchcore/internal/dispatch"
	internalorders "github.com/angelmondragon/dispatchcore/internal/orders"
	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/types"
)

type stubOrdersService struct {
	placed      *internalorders.PlaceOrderInput
	transition  *internalorders.TransitionInput
	transitionE error
	order       *models.Order
}

func (s *stubOrdersService) PlaceOrder(ctx context.Context, input internalorders.PlaceOrderInput) (*models.Order, error) {
	s.placed = &input
	return &models.Order{ID: uuid.New(), MerchantID: input.MerchantID, CustomerID: input.CustomerID, Status: enums.OrderStatusPending}, nil
}

func (s *stubOrdersService) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if s.order == nil || s.order.ID != orderID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return s.order, nil
}

func (s *stubOrdersService) Transition(ctx context.Context, input internalorders.TransitionInput) (*models.Order, error) {
	s.transition = &input
	if s.transitionE != nil {
		return nil, s.transitionE
	}
	return &models.Order{ID: input.OrderID, Status: input.Target}, nil
}

func (s *stubOrdersService) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return nil, nil
}

type stubGate struct {
	input  *dispatch.ClaimInput
	result dispatch.ClaimResult
}

func (g *stubGate) TryClaim(ctx context.Context, in dispatch.ClaimInput) (dispatch.ClaimResult, error) {
	g.input = &in
	return g.result, nil
}

type stubSettler struct {
	calls   int
	earning *models.DriverEarning
}

func (s *stubSettler) SettleOrder(ctx context.Context, orderID uuid.UUID, policy settlement.Policy) (*models.DriverEarning, bool, error) {
	s.calls++
	return s.earning, s.calls == 1, nil
}

func serve(t *testing.T, method, pattern, path, body string, actor *types.Actor, handler http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.MethodFunc(method, pattern, handler)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if actor != nil {
		req = req.WithContext(middleware.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestPlaceOrderUsesCustomerActor(t *testing.T) {
	svc := &stubOrdersService{}
	customer := types.Actor{Type: enums.ActorCustomer, ID: uuid.New()}
	merchantID := uuid.New()
	itemID := uuid.New()
	body := `{"merchant_id":"` + merchantID.String() + `","items":[{"catalog_item_id":"` + itemID.String() + `","quantity":2}],"delivery_fee":"3.50","service_fee":"1.00","tax_amount":"0.80"}`

	rec := serve(t, http.MethodPost, "/api/v1/orders", "/api/v1/orders", body, &customer, PlaceOrder(svc, nil))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, svc.placed)
	assert.Equal(t, customer.ID, svc.placed.CustomerID)
	assert.Equal(t, merchantID, svc.placed.MerchantID)
	require.Len(t, svc.placed.Items, 1)
	assert.Equal(t, 2, svc.placed.Items[0].Quantity)
	assert.True(t, svc.placed.DeliveryFee.Equal(decimal.RequireFromString("3.50")))
	assert.False(t, svc.placed.DistanceKm.Valid)
}

func TestPlaceOrderRejectsInvalidBodies(t *testing.T) {
	customer := types.Actor{Type: enums.ActorCustomer, ID: uuid.New()}
	system := types.SystemActor()
	merchantID := uuid.NewString()

	cases := []struct {
		name  string
		actor types.Actor
		body  string
		code  string
	}{
		{"no items", customer, `{"merchant_id":"` + merchantID + `","items":[]}`, string(pkgerrors.CodeValidation)},
		{"zero quantity", customer, `{"merchant_id":"` + merchantID + `","items":[{"catalog_item_id":"` + uuid.NewString() + `","quantity":0}]}`, string(pkgerrors.CodeValidation)},
		{"unknown field", customer, `{"merchant_id":"` + merchantID + `","items":[],"bogus":1}`, string(pkgerrors.CodeValidation)},
		{"system without customer", system, `{"merchant_id":"` + merchantID + `","items":[{"catalog_item_id":"` + uuid.NewString() + `","quantity":1}]}`, string(pkgerrors.CodeValidation)},
		{"customer for someone else", customer, `{"merchant_id":"` + merchantID + `","customer_id":"` + uuid.NewString() + `","items":[{"catalog_item_id":"` + uuid.NewString() + `","quantity":1}]}`, string(pkgerrors.CodeForbidden)},
		{"driver", types.Actor{Type: enums.ActorDriver, ID: uuid.New()}, `{}`, string(pkgerrors.CodeForbidden)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrdersService{}
			actor := tc.actor
			rec := serve(t, http.MethodPost, "/api/v1/orders", "/api/v1/orders", tc.body, &actor, PlaceOrder(svc, nil))
			assert.Equal(t, tc.code, errorCode(t, rec))
			assert.Nil(t, svc.placed)
		})
	}
}

func TestGetReturnsNotFound(t *testing.T) {
	svc := &stubOrdersService{}
	rec := serve(t, http.MethodGet, "/api/v1/orders/{orderId}", "/api/v1/orders/"+uuid.NewString(), "", nil, Get(svc, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, http.MethodGet, "/api/v1/orders/{orderId}", "/api/v1/orders/not-a-uuid", "", nil, Get(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionPassesActorAndStatuses(t *testing.T) {
	svc := &stubOrdersService{}
	merchant := types.Actor{Type: enums.ActorMerchant, ID: uuid.New()}
	orderID := uuid.New()

	rec := serve(t, http.MethodPost, "/api/v1/orders/{orderId}/transitions", "/api/v1/orders/"+orderID.String()+"/transitions",
		`{"expected":"accepted","target":"preparing"}`, &merchant, Transition(svc, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.transition)
	assert.Equal(t, orderID, svc.transition.OrderID)
	assert.Equal(t, merchant, svc.transition.Actor)
	assert.Equal(t, enums.OrderStatusAccepted, svc.transition.Expected)
	assert.Equal(t, enums.OrderStatusPreparing, svc.transition.Target)
	assert.Nil(t, svc.transition.DriverID)
}

func TestTransitionSurfacesDomainErrors(t *testing.T) {
	driver := types.Actor{Type: enums.ActorDriver, ID: uuid.New()}
	path := "/api/v1/orders/" + uuid.NewString() + "/transitions"

	svc := &stubOrdersService{transitionE: pkgerrors.New(pkgerrors.CodeStaleState, "order is no longer accepted")}
	rec := serve(t, http.MethodPost, "/api/v1/orders/{orderId}/transitions", path, `{"expected":"accepted","target":"preparing"}`, &driver, Transition(svc, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(pkgerrors.CodeStaleState), errorCode(t, rec))

	svc = &stubOrdersService{}
	rec = serve(t, http.MethodPost, "/api/v1/orders/{orderId}/transitions", path, `{"expected":"accepted","target":"teleported"}`, &driver, Transition(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.transition)
}

func TestTransitionRequiresActor(t *testing.T) {
	svc := &stubOrdersService{}
	rec := serve(t, http.MethodPost, "/api/v1/orders/{orderId}/transitions", "/api/v1/orders/"+uuid.NewString()+"/transitions",
		`{"expected":"pending","target":"cancelled"}`, nil, Transition(svc, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClaimDefaultsDriverToActor(t *testing.T) {
	driver := types.Actor{Type: enums.ActorDriver, ID: uuid.New()}
	orderID := uuid.New()
	gate := &stubGate{result: dispatch.ClaimResult{Accepted: true, Outcome: enums.ClaimOutcomeAccepted}}

	rec := serve(t, http.MethodPost, "/api/v1/orders/{orderId}/claim", "/api/v1/orders/"+orderID.String()+"/claim", "", &driver, Claim(gate, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, gate.input)
	assert.Equal(t, driver.ID, gate.input.DriverID)
	assert.Equal(t, orderID, gate.input.OrderID)
}

func TestClaimMapsRejectionToError(t *testing.T) {
	driver := types.Actor{Type: enums.ActorDriver, ID: uuid.New()}
	gate := &stubGate{result: dispatch.ClaimResult{Outcome: enums.ClaimOutcomeInsufficientWallet, Reason: "wallet below minimum"}}

	rec := serve(t, http.MethodPost, "/api/v1/orders/{orderId}/claim", "/api/v1/orders/"+uuid.NewString()+"/claim", "", &driver, Claim(gate, nil))

	assert.Equal(t, string(pkgerrors.CodeInsufficientWallet), errorCode(t, rec))
}

func TestClaimRequiresDriverForMerchant(t *testing.T) {
	merchant := types.Actor{Type: enums.ActorMerchant, ID: uuid.New()}
	gate := &stubGate{result: dispatch.ClaimResult{Accepted: true}}
	path := "/api/v1/orders/" + uuid.NewString() + "/claim"

	rec := serve(t, http.MethodPost, "/api/v1/orders/{orderId}/claim", path, "", &merchant, Claim(gate, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, gate.input)

	driverID := uuid.New()
	rec = serve(t, http.MethodPost, "/api/v1/orders/{orderId}/claim", path, `{"driver_id":"`+driverID.String()+`"}`, &merchant, Claim(gate, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, driverID, gate.input.DriverID)
	assert.Equal(t, merchant, *gate.input.Actor)
}

func TestSettleReportsCreatedOnlyOnce(t *testing.T) {
	orderID := uuid.New()
	settler := &stubSettler{earning: &models.DriverEarning{OrderID: orderID, NetAmount: decimal.RequireFromString("7.50")}}
	policies := settlement.NewStaticPolicySource(settlement.Policy{})
	path := "/api/v1/orders/" + orderID.String() + "/settle"

	rec := serve(t, http.MethodPost, "/api/v1/orders/{orderId}/settle", path, "", nil, Settle(settler, policies, nil))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(t, http.MethodPost, "/api/v1/orders/{orderId}/settle", path, "", nil, Settle(settler, policies, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data settleResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.False(t, envelope.Data.Created)
	require.NotNil(t, envelope.Data.Earning)
	assert.True(t, envelope.Data.Earning.NetAmount.Equal(decimal.RequireFromString("7.50")))
}
