// Package custodytest provides an in-memory custody adapter for tests.
package custodytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/angelmondragon/tradehold-backend/internal/custody"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
)

// Fake records every call and replays prior results for repeated idempotency
// keys, the way the processor does.
type Fake struct {
	mu sync.Mutex

	holds     map[string]*custody.HoldState
	byKey     map[string]any
	seq       int
	callCount map[string]int

	Disbursements []custody.DisbursementRequest
	Refunds       []custody.RefundRequest

	// Queued failures returned by the next matching call.
	CreateHoldErrs []error
	StatusErrs     []error
	DisburseErrs   []error
	RefundErrs     []error
}

func New() *Fake {
	return &Fake{
		holds:     map[string]*custody.HoldState{},
		byKey:     map[string]any{},
		callCount: map[string]int{},
	}
}

// SetHoldStatus changes what GetHoldStatus reports for a hold.
func (f *Fake) SetHoldStatus(ref string, status enums.HoldStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[ref]; ok {
		h.Status = status
		if status == enums.HoldStatusSucceeded && h.ChargeRef == "" {
			h.ChargeRef = "ch_" + ref
		}
	}
}

// SetHoldAmount overrides the amount the processor reports for a hold.
func (f *Fake) SetHoldAmount(ref string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[ref]; ok {
		h.AmountCents = amount
	}
}

// Calls reports how many times an operation reached the processor.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[op]
}

// DistinctDisbursements counts transfers actually created.
func (f *Fake) DistinctDisbursements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Disbursements)
}

func (f *Fake) CreateHold(_ context.Context, req custody.HoldRequest) (*custody.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[custody.OpCreateHold]++
	if err := pop(&f.CreateHoldErrs); err != nil {
		return nil, err
	}
	if prior, ok := f.byKey[req.IdempotencyKey].(*custody.Hold); ok {
		return prior, nil
	}
	f.seq++
	ref := fmt.Sprintf("pi_%d", f.seq)
	f.holds[ref] = &custody.HoldState{
		Ref:         ref,
		Status:      enums.HoldStatusPending,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	}
	hold := &custody.Hold{Ref: ref, ClientSecret: ref + "_secret", Status: enums.HoldStatusPending}
	f.byKey[req.IdempotencyKey] = hold
	return hold, nil
}

func (f *Fake) GetHoldStatus(_ context.Context, holdRef string) (*custody.HoldState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[custody.OpHoldStatus]++
	if err := pop(&f.StatusErrs); err != nil {
		return nil, err
	}
	h, ok := f.holds[holdRef]
	if !ok {
		return nil, &custody.ProcessorError{Kind: custody.KindRejected, Operation: custody.OpHoldStatus, Code: "resource_missing", Message: "no such hold"}
	}
	copied := *h
	return &copied, nil
}

func (f *Fake) Disburse(_ context.Context, req custody.DisbursementRequest) (*custody.Disbursement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[custody.OpDisburse]++
	if err := pop(&f.DisburseErrs); err != nil {
		return nil, err
	}
	if prior, ok := f.byKey[req.IdempotencyKey].(*custody.Disbursement); ok {
		return prior, nil
	}
	f.seq++
	out := &custody.Disbursement{Ref: fmt.Sprintf("tr_%d", f.seq)}
	f.byKey[req.IdempotencyKey] = out
	f.Disbursements = append(f.Disbursements, req)
	return out, nil
}

func (f *Fake) Refund(_ context.Context, req custody.RefundRequest) (*custody.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[custody.OpRefund]++
	if err := pop(&f.RefundErrs); err != nil {
		return nil, err
	}
	if prior, ok := f.byKey[req.IdempotencyKey].(*custody.Refund); ok {
		return prior, nil
	}
	f.seq++
	out := &custody.Refund{Ref: fmt.Sprintf("re_%d", f.seq)}
	if h, ok := f.holds[req.HoldRef]; ok && h.Status != enums.HoldStatusSucceeded {
		out.Voided = true
		h.Status = enums.HoldStatusFailed
	}
	f.byKey[req.IdempotencyKey] = out
	f.Refunds = append(f.Refunds, req)
	return out, nil
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

var _ custody.Adapter = (*Fake)(nil)
