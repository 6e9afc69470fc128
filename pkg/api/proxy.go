package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cursive-ai/gateway/pkg/meter"
	"github.com/cursive-ai/gateway/pkg/upstream"
)

const (
	endpointMessage = "/api/ai/message"
	endpointStream  = "/api/ai/message/stream"
)

// callContext is the admission outcome carried into the upstream call.
type callContext struct {
	accountID  string
	exempt     bool
	credential string
}

// admit runs the admission pipeline and resolves the caller's credential.
// Writes the error response itself when the request is denied.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (*callContext, bool) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return nil, false
	}

	caller := meter.Caller{AccountID: accountID, RemoteAddr: r.RemoteAddr}
	if err := h.config.Pipeline.Admit(r.Context(), caller); err != nil {
		writeAdmissionError(w, err)
		return nil, false
	}

	cc := &callContext{accountID: accountID}
	credential, err := h.config.Vault.PrivateCredential(r.Context(), accountID)
	switch {
	case err == nil:
		cc.exempt = true
		cc.credential = credential
	case errors.Is(err, meter.ErrNoCredential):
		// Platform key, metered normally.
	default:
		h.logger.Error("failed to load private credential",
			meter.Field{Key: "account_id", Value: accountID},
			meter.Field{Key: "error", Value: err})
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return cc, true
}

// Message proxies a synchronous model invocation and records its usage.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	cc, ok := h.admit(w, r)
	if !ok {
		return
	}

	var req upstream.MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}
	req.Credential = cc.credential

	resp, err := h.config.Provider.SendMessage(r.Context(), &req)
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}

	if _, err := h.config.Ledger.Record(r.Context(), meter.RecordRequest{
		AccountID: cc.accountID,
		Tokens:    meter.TokenCounts{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens},
		Model:     resp.Model,
		Endpoint:  endpointMessage,
		Exempt:    cc.exempt,
	}); err != nil {
		// The upstream call succeeded; surface the response but flag the
		// accounting failure loudly.
		h.logger.Error("usage not recorded for completed call",
			meter.Field{Key: "account_id", Value: cc.accountID},
			meter.Field{Key: "error", Value: err})
	}

	writeJSON(w, http.StatusOK, resp)
}

// streamChunk is one SSE frame sent to the client.
type streamChunk struct {
	Text  string          `json:"text,omitempty"`
	Done  bool            `json:"done,omitempty"`
	Usage *upstream.Usage `json:"usage,omitempty"`
	Error string          `json:"error,omitempty"`
}

// MessageStream proxies a streaming invocation over SSE. Usage is settled by
// the accounted stream when the provider's final event arrives; a stream that
// dies first records nothing.
func (h *Handler) MessageStream(w http.ResponseWriter, r *http.Request) {
	cc, ok := h.admit(w, r)
	if !ok {
		return
	}

	var req upstream.MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}
	req.Credential = cc.credential

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	inner, err := h.config.Provider.StreamMessage(r.Context(), &req)
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}

	stream := meter.NewAccountedStream(inner, h.config.Ledger, meter.RecordRequest{
		AccountID: cc.accountID,
		Model:     req.Model,
		Endpoint:  endpointStream,
		Exempt:    cc.exempt,
	}, h.logger, h.metrics)
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := stream.Recv()
		if err != nil {
			// Headers are long gone; the best we can do is tell the
			// client in-band and stop.
			writeSSE(w, flusher, streamChunk{Error: "upstream stream failed"})
			return
		}
		if ev.Final {
			chunk := streamChunk{Done: true}
			if ev.Usage != nil {
				chunk.Usage = &upstream.Usage{
					InputTokens:  ev.Usage.Input,
					OutputTokens: ev.Usage.Output,
				}
			}
			writeSSE(w, flusher, chunk)
			return
		}
		if ev.Text != "" {
			writeSSE(w, flusher, streamChunk{Text: ev.Text})
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, chunk streamChunk) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		// Pass the provider's status through; 5xx collapse to 502.
		status := apiErr.StatusCode
		if status >= 500 {
			status = http.StatusBadGateway
		}
		writeError(w, status, apiErr.Message)
		return
	}
	h.logger.Error("upstream call failed", meter.Field{Key: "error", Value: err})
	writeError(w, http.StatusBadGateway, "upstream request failed")
}
