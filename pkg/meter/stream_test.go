package meter_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// scriptedStream replays a fixed sequence of events, then an error.
type scriptedStream struct {
	events []meter.StreamEvent
	err    error
	closed bool
}

func (s *scriptedStream) Recv() (meter.StreamEvent, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return meter.StreamEvent{}, s.err
		}
		return meter.StreamEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func drain(t *testing.T, stream *meter.AccountedStream) error {
	t.Helper()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}
		if ev.Final {
			return nil
		}
	}
}

func TestAccountedStreamRecordsFinalUsage(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)

	inner := &scriptedStream{events: []meter.StreamEvent{
		{Text: "hel"},
		{Text: "lo"},
		{Final: true, Usage: &meter.TokenCounts{Input: 12, Output: 34}},
	}}
	stream := meter.NewAccountedStream(inner, ledger, meter.RecordRequest{
		AccountID: "u1",
		Model:     "claude-3-sonnet",
		Endpoint:  "/api/ai/message/stream",
	}, nil, nil)

	if err := drain(t, stream); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	events, err := store.ListUsageEvents(context.Background(), "u1", zeroTime(), 0)
	if err != nil {
		t.Fatalf("ListUsageEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("usage events = %d, want exactly 1", len(events))
	}
	if events[0].InputTokens != 12 || events[0].OutputTokens != 34 {
		t.Errorf("recorded tokens = %d/%d, want 12/34", events[0].InputTokens, events[0].OutputTokens)
	}

	rec, _ := store.GetBillingRecord(context.Background(), "u1")
	if rec.TokensUsedThisPeriod != 46 {
		t.Errorf("TokensUsedThisPeriod = %d, want 46", rec.TokensUsedThisPeriod)
	}
}

// A stream that dies after three chunks reports no usage: nothing to record,
// zero rows.
func TestAccountedStreamFailureRecordsNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)

	inner := &scriptedStream{
		events: []meter.StreamEvent{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		err:    io.ErrUnexpectedEOF,
	}
	stream := meter.NewAccountedStream(inner, ledger, meter.RecordRequest{
		AccountID: "u1",
	}, nil, nil)

	err := drain(t, stream)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected transport error, got %v", err)
	}

	summary, _ := store.UsageSummary(context.Background(), "u1", zeroTime())
	if summary.EventCount != 0 {
		t.Errorf("failed stream recorded %d usage events, want 0", summary.EventCount)
	}
	rec, _ := store.GetBillingRecord(context.Background(), "u1")
	if rec.TokensUsedThisPeriod != 0 {
		t.Errorf("failed stream advanced the counter to %d", rec.TokensUsedThisPeriod)
	}
}

// Receiving past the final event must not settle twice.
func TestAccountedStreamSettlesOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)

	inner := &scriptedStream{events: []meter.StreamEvent{
		{Final: true, Usage: &meter.TokenCounts{Input: 1, Output: 1}},
		{Final: true, Usage: &meter.TokenCounts{Input: 1, Output: 1}},
	}}
	stream := meter.NewAccountedStream(inner, ledger, meter.RecordRequest{AccountID: "u1"}, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := stream.Recv(); err != nil {
			t.Fatalf("Recv %d failed: %v", i+1, err)
		}
	}

	summary, _ := store.UsageSummary(context.Background(), "u1", zeroTime())
	if summary.EventCount != 1 {
		t.Errorf("usage recorded %d times, want exactly once", summary.EventCount)
	}
}

func TestAccountedStreamFinalWithoutUsage(t *testing.T) {
	store, _ := newTestStore(t)
	ledger := meter.NewLedger(store, testCostModel, nil, nil)
	createAccount(t, store, "u1", meter.TierFree)

	inner := &scriptedStream{events: []meter.StreamEvent{{Final: true}}}
	stream := meter.NewAccountedStream(inner, ledger, meter.RecordRequest{AccountID: "u1"}, nil, nil)

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	summary, _ := store.UsageSummary(context.Background(), "u1", zeroTime())
	if summary.EventCount != 0 {
		t.Errorf("final event without usage recorded %d events, want 0", summary.EventCount)
	}
}

func TestAccountedStreamCloseForwards(t *testing.T) {
	inner := &scriptedStream{}
	stream := meter.NewAccountedStream(inner, nil, meter.RecordRequest{}, nil, nil)
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !inner.closed {
		t.Error("Close did not reach the inner stream")
	}
}
