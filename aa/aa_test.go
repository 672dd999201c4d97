package aa

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dagledger/node/ledger"
	"github.com/shopspring/decimal"
)

func TestNullableValueDistinguishesAbsentFromNull(t *testing.T) {
	var wrapper struct {
		A *NullableValue `json:"a"`
		B *NullableValue `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"b":null}`), &wrapper); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if wrapper.A != nil {
		t.Fatal("expected absent key 'a' to leave pointer nil")
	}
	if wrapper.B == nil || !wrapper.B.Present || !wrapper.B.IsNull {
		t.Fatalf("expected 'b' to decode as present+null, got %+v", wrapper.B)
	}
}

func TestNullableValueDecodesRealValue(t *testing.T) {
	var v NullableValue
	if err := json.Unmarshal([]byte(`42`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !v.Present || v.IsNull {
		t.Fatalf("expected present, non-null, got %+v", v)
	}
	if v.Value.(float64) != 42 {
		t.Fatalf("expected 42, got %v", v.Value)
	}
}

func TestSequenceTriggersRecordsMessageIndex(t *testing.T) {
	units := []ledger.Unit{
		{
			UnitID: "u1",
			Authors: []ledger.Author{{Address: "author1"}},
			Messages: []ledger.Message{
				{App: "payment", Payload: ledger.Payment{Outputs: []ledger.Output{{Address: "other", Amount: decimal.NewFromInt(1)}}}},
				{App: "payment", Payload: ledger.Payment{Outputs: []ledger.Output{{Address: "aa1", Amount: decimal.NewFromInt(1)}}}},
			},
		},
	}
	triggers := SequenceTriggers(units, func(addr string) bool { return addr == "aa1" })
	if len(triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(triggers))
	}
	if triggers[0].Address != "aa1" || triggers[0].MessageIndex != 1 {
		t.Fatalf("expected trigger at message index 1, got %+v", triggers[0])
	}
}

func TestSecondaryQueueFIFOOrdering(t *testing.T) {
	q := NewSecondaryQueue()
	q.Enqueue(5, Trigger{UnitID: "a"})
	q.Enqueue(5, Trigger{UnitID: "b"})
	drained := q.Drain(5)
	if len(drained) != 2 || drained[0].UnitID != "a" || drained[1].UnitID != "b" {
		t.Fatalf("expected FIFO [a b], got %v", drained)
	}
	if len(q.Drain(5)) != 0 {
		t.Fatal("expected queue to be empty after drain")
	}
}

type fakeEvaluator struct {
	result EvalResult
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, script string, t Trigger, state StateView) (EvalResult, error) {
	return f.result, nil
}

type fakeStateView struct{}

func (fakeStateView) GetState(ctx context.Context, aaAddress, varName string) (NullableValue, error) {
	return NullableValue{}, nil
}
func (f fakeStateView) Clone() StateView { return f }

func TestEstimateNeverReturnsTrusted(t *testing.T) {
	ev := &fakeEvaluator{result: EvalResult{Trusted: true}}
	res, err := Estimate(context.Background(), ev, "script", Trigger{}, fakeStateView{})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if res.Trusted {
		t.Fatal("expected Estimate to clear Trusted regardless of evaluator output")
	}
}
