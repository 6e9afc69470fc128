package meter

import (
	"context"
	"sync"
	"time"
)

// StreamEvent is one element of an upstream token stream: text chunks while
// the response is in flight, then a single final event carrying the usage
// summary. Intermediate chunks never carry token counts.
type StreamEvent struct {
	Text  string
	Final bool

	// Usage is set on the final event only.
	Usage *TokenCounts
}

// Stream yields upstream events in order. Recv returns io.EOF-like terminal
// errors from the transport; a stream that errors before its final event
// reported no usage.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// ledgerWriteTimeout bounds the usage write after the client connection may
// already be gone.
const ledgerWriteTimeout = 5 * time.Second

// AccountedStream wraps an upstream stream and settles the ledger exactly
// once: a single Record call when the final usage event arrives, none at all
// when the stream fails first. Chunks pass through unbuffered.
type AccountedStream struct {
	inner   Stream
	ledger  *Ledger
	req     RecordRequest
	logger  Logger
	metrics Metrics

	once sync.Once
}

// NewAccountedStream wraps s so that its final usage report lands in the
// ledger under req. For exempt callers set req.Exempt: the event is still
// logged with zero attributed cost.
func NewAccountedStream(s Stream, ledger *Ledger, req RecordRequest, logger Logger, metrics Metrics) *AccountedStream {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &AccountedStream{inner: s, ledger: ledger, req: req, logger: logger, metrics: metrics}
}

// Recv forwards the next upstream event. On the final event the usage is
// recorded before the event is returned; on a transport error nothing is
// recorded and the error surfaces to the caller. Tokens the upstream already
// consumed on a failed stream are an accepted loss, not retried.
func (a *AccountedStream) Recv() (StreamEvent, error) {
	ev, err := a.inner.Recv()
	if err != nil {
		a.once.Do(func() {
			a.metrics.RecordStreamOutcome("failed")
			a.logger.Warn("stream failed before usage summary, no usage recorded",
				Field{Key: "account_id", Value: a.req.AccountID},
				Field{Key: "error", Value: err})
		})
		return ev, err
	}
	if ev.Final {
		a.settle(ev.Usage)
	}
	return ev, nil
}

// Close closes the underlying stream. A stream closed before its final event
// records nothing.
func (a *AccountedStream) Close() error { return a.inner.Close() }

func (a *AccountedStream) settle(usage *TokenCounts) {
	a.once.Do(func() {
		a.metrics.RecordStreamOutcome("completed")
		if usage == nil {
			a.logger.Warn("stream completed without usage summary, no usage recorded",
				Field{Key: "account_id", Value: a.req.AccountID})
			return
		}

		// The inbound connection may be torn down right after the final
		// chunk; the ledger write gets its own bounded context.
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		defer cancel()

		req := a.req
		req.Tokens = *usage
		if _, err := a.ledger.Record(ctx, req); err != nil {
			a.logger.Error("failed to record streamed usage",
				Field{Key: "account_id", Value: a.req.AccountID},
				Field{Key: "tokens", Value: usage.Total()},
				Field{Key: "error", Value: err})
		}
	})
}
