package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/gateway/pipeline"
)

type instrumentedStage struct {
	inner  pipeline.Stage
	logger *slog.Logger
}

func (s *instrumentedStage) Name() string { return s.inner.Name() }

func (s *instrumentedStage) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	start := time.Now()
	result := s.inner.Execute(ctx, r, state)
	duration := time.Since(start)

	attrs := []slog.Attr{
		slog.String("status", result.Status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}

	if state != nil {
		if state.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", state.RequestID))
		}
		if state.Service != nil {
			attrs = append(attrs, slog.String("service", state.Service.Name))
		}
		if state.Outcome != "" {
			attrs = append(attrs, slog.String("outcome", state.Outcome))
		}
	}

	if result.Details != "" {
		attrs = append(attrs, slog.String("details", result.Details))
	}

	s.logger.LogAttrs(ctx, slog.LevelInfo, "stage executed", attrs...)
	return result
}

func (g *Gateway) instrumentStages(stages []pipeline.Stage) []pipeline.Stage {
	if len(stages) == 0 {
		return nil
	}
	wrapped := make([]pipeline.Stage, 0, len(stages))
	for _, stage := range stages {
		if stage == nil {
			continue
		}
		logger := g.logger.With(slog.String("stage", stage.Name()))
		wrapped = append(wrapped, &instrumentedStage{inner: stage, logger: logger})
	}
	return wrapped
}
