package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Op names a simulated provider operation
type Op string

const (
	OpCapture  Op = "capture"
	OpRefund   Op = "refund"
	OpOutbound Op = "outbound_shipment"
	OpInbound  Op = "inbound_shipment"
	OpIntake   Op = "intake"
	OpPayout   Op = "payout"
	OpReversal Op = "payout_reversal"
)

// Simulator is an in-process stand-in for every settlement provider.
// Replayed keys return the first result without executing again, so
// Executed counts real side effects.
type Simulator struct {
	mu       sync.Mutex
	log      *zap.Logger
	now      func() time.Time
	failures map[Op]error
	executed map[Op]int

	captures map[string]CaptureResult
	refunds  map[string]RefundResult
	outbound map[string]ShipmentHandle
	inbound  map[string]ShipmentHandle
	intakes  map[string]IntakeConfirmation
	payouts  map[string]PayoutResult
	reversed map[string]ReversalResult
}

var (
	_ PaymentGateway  = (*Simulator)(nil)
	_ ShipmentService = (*Simulator)(nil)
	_ Warehouse       = (*Simulator)(nil)
	_ PayoutService   = (*Simulator)(nil)
)

func NewSimulator(log *zap.Logger) *Simulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulator{
		log:      log,
		now:      time.Now,
		failures: make(map[Op]error),
		executed: make(map[Op]int),
		captures: make(map[string]CaptureResult),
		refunds:  make(map[string]RefundResult),
		outbound: make(map[string]ShipmentHandle),
		inbound:  make(map[string]ShipmentHandle),
		intakes:  make(map[string]IntakeConfirmation),
		payouts:  make(map[string]PayoutResult),
		reversed: make(map[string]ReversalResult),
	}
}

// SetFailure makes op fail with err until cleared with a nil err.
func (s *Simulator) SetFailure(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Executed reports how many times op actually ran.
func (s *Simulator) Executed(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed[op]
}

func (s *Simulator) fail(op Op) error {
	if err, ok := s.failures[op]; ok {
		return fmt.Errorf("simulated %s: %w", op, err)
	}
	return nil
}

func (s *Simulator) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.captures[req.IdempotencyKey]; ok {
		return res, nil
	}
	if err := s.fail(OpCapture); err != nil {
		return CaptureResult{}, err
	}
	if !req.Amount.IsPositive() {
		return CaptureResult{}, fmt.Errorf("amount %s: %w", req.Amount, ErrPaymentDeclined)
	}
	res := CaptureResult{Success: true, TransactionRef: "txn_" + uuid.NewString(), CapturedAt: s.now()}
	s.captures[req.IdempotencyKey] = res
	s.executed[OpCapture]++
	s.log.Info("payment captured", zap.String("order_id", req.OrderID), zap.String("amount", req.Amount.String()))
	return res, nil
}

func (s *Simulator) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.refunds[req.IdempotencyKey]; ok {
		return res, nil
	}
	if err := s.fail(OpRefund); err != nil {
		return RefundResult{}, err
	}
	if _, ok := s.captures[req.CaptureKey]; !ok {
		return RefundResult{}, nil
	}
	res := RefundResult{Refunded: true, RefundRef: "rfd_" + uuid.NewString(), RefundedAt: s.now()}
	s.refunds[req.IdempotencyKey] = res
	s.executed[OpRefund]++
	s.log.Info("payment refunded", zap.String("order_id", req.OrderID), zap.String("reason", req.Reason))
	return res, nil
}

func (s *Simulator) CreateOutboundShipment(ctx context.Context, saleID, carrier, trackingRef string) (ShipmentHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.outbound[saleID]; ok {
		return h, nil
	}
	if err := s.fail(OpOutbound); err != nil {
		return ShipmentHandle{}, err
	}
	h := ShipmentHandle{ShipmentID: "shp_" + uuid.NewString(), Carrier: carrier, TrackingRef: trackingRef, CreatedAt: s.now()}
	s.outbound[saleID] = h
	s.executed[OpOutbound]++
	return h, nil
}

func (s *Simulator) CreateInboundShipment(ctx context.Context, orderID string, receiver ReceiverInfo) (ShipmentHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.inbound[orderID]; ok {
		return h, nil
	}
	if err := s.fail(OpInbound); err != nil {
		return ShipmentHandle{}, err
	}
	if receiver.Address == "" {
		return ShipmentHandle{}, fmt.Errorf("receiver address required: %w", ErrShipmentCreationFailed)
	}
	h := ShipmentHandle{ShipmentID: "shp_" + uuid.NewString(), Carrier: "marketplace", TrackingRef: "MP" + uuid.NewString()[:8], CreatedAt: s.now()}
	s.inbound[orderID] = h
	s.executed[OpInbound]++
	return h, nil
}

func (s *Simulator) RecordIntake(ctx context.Context, orderID string) (IntakeConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.intakes[orderID]; ok {
		return c, nil
	}
	if err := s.fail(OpIntake); err != nil {
		return IntakeConfirmation{}, err
	}
	c := IntakeConfirmation{ConfirmationRef: "itk_" + uuid.NewString(), Location: "WH-A", ReceivedAt: s.now()}
	s.intakes[orderID] = c
	s.executed[OpIntake]++
	return c, nil
}

func (s *Simulator) Payout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.payouts[req.IdempotencyKey]; ok {
		return res, nil
	}
	if err := s.fail(OpPayout); err != nil {
		return PayoutResult{}, err
	}
	res := PayoutResult{PayoutRef: "pyt_" + uuid.NewString(), PaidAt: s.now()}
	s.payouts[req.IdempotencyKey] = res
	s.executed[OpPayout]++
	return res, nil
}

func (s *Simulator) ReversePayout(ctx context.Context, req ReversalRequest) (ReversalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.reversed[req.IdempotencyKey]; ok {
		return res, nil
	}
	if err := s.fail(OpReversal); err != nil {
		return ReversalResult{}, err
	}
	if _, ok := s.payouts[req.PayoutKey]; !ok {
		return ReversalResult{}, nil
	}
	res := ReversalResult{Reversed: true, ReversalRef: "rvs_" + uuid.NewString(), ReversedAt: s.now()}
	s.reversed[req.IdempotencyKey] = res
	s.executed[OpReversal]++
	s.log.Info("payout reversed", zap.String("sale_id", req.SaleID), zap.String("reason", req.Reason))
	return res, nil
}
