package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/dispatchcore/api/middleware"
	"github.com/angelmondragon/dispatchcore/api/responses"
	"github.com/angelmondragon/dispatchcore/api/validators"
	"github.com/angelmondragon/dispatchcore/internal/dispatch"
	internalorders "github.com/angelmondragon/dispatchcore/internal/orders"
	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/types"
)

type earningsSettler interface {
	SettleOrder(ctx context.Context, orderID uuid.UUID, policy settlement.Policy) (*models.DriverEarning, bool, error)
}

type placeOrderItemRequest struct {
	CatalogItemID string `json:"catalog_item_id" validate:"required,uuid"`
	Quantity      int    `json:"quantity" validate:"required,min=1"`
}

type placeOrderRequest struct {
	MerchantID            string                  `json:"merchant_id" validate:"required,uuid"`
	CustomerID            string                  `json:"customer_id" validate:"omitempty,uuid"`
	Items                 []placeOrderItemRequest `json:"items" validate:"required,min=1,dive"`
	DeliveryFee           decimal.Decimal         `json:"delivery_fee"`
	ServiceFee            decimal.Decimal         `json:"service_fee"`
	TaxAmount             decimal.Decimal         `json:"tax_amount"`
	CalculatedDeliveryFee decimal.NullDecimal     `json:"calculated_delivery_fee"`
	DriverEarningAmount   decimal.NullDecimal     `json:"driver_earning_amount"`
	CommissionAmount      decimal.NullDecimal     `json:"commission_amount"`
	DistanceKm            decimal.NullDecimal     `json:"distance_km"`
}

type transitionRequest struct {
	Expected string  `json:"expected" validate:"required"`
	Target   string  `json:"target" validate:"required"`
	DriverID *string `json:"driver_id" validate:"omitempty,uuid"`
}

type claimRequest struct {
	DriverID *string `json:"driver_id" validate:"omitempty,uuid"`
}

type settleResponse struct {
	Earning *models.DriverEarning `json:"earning"`
	Created bool                  `json:"created"`
}

// PlaceOrder creates a pending order. Customers order for themselves; other
// actors name the customer in the body.
func PlaceOrder(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if actor.Type == enums.ActorDriver {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "drivers cannot place orders"))
			return
		}

		var body placeOrderRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input, err := body.toInput(actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.PlaceOrder(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, order)
	}
}

func (b placeOrderRequest) toInput(actor types.Actor) (internalorders.PlaceOrderInput, error) {
	merchantID, err := uuid.Parse(b.MerchantID)
	if err != nil {
		return internalorders.PlaceOrderInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid merchant_id")
	}

	customerID := actor.ID
	if actor.Type == enums.ActorCustomer {
		if b.CustomerID != "" && b.CustomerID != actor.ID.String() {
			return internalorders.PlaceOrderInput{}, pkgerrors.New(pkgerrors.CodeForbidden, "customers may only order for themselves")
		}
	} else {
		if actor.Type == enums.ActorMerchant && actor.ID != merchantID {
			return internalorders.PlaceOrderInput{}, pkgerrors.New(pkgerrors.CodeForbidden, "merchants may only order from themselves")
		}
		if b.CustomerID == "" {
			return internalorders.PlaceOrderInput{}, pkgerrors.New(pkgerrors.CodeValidation, "customer_id is required").
				WithDetails(map[string]string{"customer_id": "is required"})
		}
		customerID, err = uuid.Parse(b.CustomerID)
		if err != nil {
			return internalorders.PlaceOrderInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid customer_id")
		}
	}

	items := make([]internalorders.PlaceOrderItem, 0, len(b.Items))
	for _, item := range b.Items {
		itemID, err := uuid.Parse(item.CatalogItemID)
		if err != nil {
			return internalorders.PlaceOrderInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid catalog_item_id")
		}
		items = append(items, internalorders.PlaceOrderItem{CatalogItemID: itemID, Quantity: item.Quantity})
	}

	return internalorders.PlaceOrderInput{
		MerchantID:            merchantID,
		CustomerID:            customerID,
		Items:                 items,
		DeliveryFee:           b.DeliveryFee,
		ServiceFee:            b.ServiceFee,
		TaxAmount:             b.TaxAmount,
		CalculatedDeliveryFee: b.CalculatedDeliveryFee,
		DriverEarningAmount:   b.DriverEarningAmount,
		CommissionAmount:      b.CommissionAmount,
		DistanceKm:            b.DistanceKm,
	}, nil
}

// Get returns a single order with its items.
func Get(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

// Transition moves the order from expected to target on behalf of the
// request actor.
func Transition(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body transitionRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		expected, err := parseStatus("expected", body.Expected)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		target, err := parseStatus("target", body.Target)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		driverID, err := parseOptionalUUID("driver_id", body.DriverID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Transition(r.Context(), internalorders.TransitionInput{
			OrderID:  orderID,
			Actor:    actor,
			Expected: expected,
			Target:   target,
			DriverID: driverID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

// Claim runs the acceptance gate. Drivers claim for themselves; merchants
// and the system name the driver. A rejected claim is returned as the
// matching error code.
func Claim(gate dispatch.Gate, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gate == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "acceptance gate unavailable"))
			return
		}
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body claimRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &body); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		driverID, err := parseOptionalUUID("driver_id", body.DriverID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if driverID == nil {
			if actor.Type != enums.ActorDriver {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "driver_id is required").
					WithDetails(map[string]string{"driver_id": "is required"}))
				return
			}
			driverID = &actor.ID
		}

		result, err := gate.TryClaim(r.Context(), dispatch.ClaimInput{
			OrderID:  orderID,
			DriverID: *driverID,
			Actor:    &actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !result.Accepted {
			responses.WriteError(r.Context(), logg, w, dispatch.ResultError(result))
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Settle records the driver earning for a delivered order. Repeated calls
// return the existing row with created=false.
func Settle(settler earningsSettler, policies settlement.PolicySource, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if settler == nil || policies == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement unavailable"))
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		policy, err := policies.Current(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load settlement policy"))
			return
		}
		earning, created, err := settler.SettleOrder(r.Context(), orderID, policy)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, settleResponse{Earning: earning, Created: created})
	}
}

func requireActor(r *http.Request) (types.Actor, error) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return types.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor context missing")
	}
	return actor, nil
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	orderID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id")
	}
	return orderID, nil
}

func parseStatus(field, raw string) (enums.OrderStatus, error) {
	status, err := enums.ParseOrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order status").
			WithDetails(map[string]any{"field": field})
	}
	return status, nil
}

func parseOptionalUUID(field string, raw *string) (*uuid.UUID, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*raw))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+field)
	}
	return &id, nil
}
