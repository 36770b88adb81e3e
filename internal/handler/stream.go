package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/internal/middleware"
	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/internal/sse"
	"github.com/safelease/risk-platform/pkg/metrics"
)

// StreamMessage handles GET /chat/stream/{id}
func (g *Gateway) StreamMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g.relay(w, r, "chat_stream", func(ctx context.Context) (*backend.Stream, error) {
		return g.api.StreamMessage(ctx, id)
	})
}

// StreamAnalysis handles GET /analyze/stream?case_id=
func (g *Gateway) StreamAnalysis(w http.ResponseWriter, r *http.Request) {
	caseID := r.URL.Query().Get("case_id")
	if err := middleware.ValidateID(caseID); err != nil {
		writeError(w, http.StatusBadRequest, "case_id: "+err.Error())
		return
	}
	g.relay(w, r, "analyze_stream", func(ctx context.Context) (*backend.Stream, error) {
		return g.api.StreamAnalysis(ctx, caseID)
	})
}

// relay re-encodes a backend stream as named server-sent events. Events are
// always sent with their variant name, so clients never need to probe.
func (g *Gateway) relay(w http.ResponseWriter, r *http.Request, op string, open func(context.Context) (*backend.Stream, error)) {
	ctx := r.Context()

	stream, err := open(ctx)
	if err != nil {
		writeBackendError(w, g.logger, op, err)
		return
	}
	defer stream.Close()

	flusher, ok := sse.PrepareHeaders(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("upstream stream failed", zap.String("op", op), zap.Error(err))
			sse.Write(w, flusher, string(model.EventError), &model.ErrorEvent{
				Code:    "stream_failed",
				Message: "analysis backend stream ended unexpectedly",
			})
			return
		}

		if err := sse.Write(w, flusher, string(ev.Kind()), ev); err != nil {
			g.logger.Debug("client went away", zap.String("op", op), zap.Error(err))
			return
		}
		if model.Terminal(ev) {
			return
		}
	}
}
