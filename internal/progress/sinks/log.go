package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/progress"
)

// LogSink writes progress events as structured log lines. Download progress
// is logged at most every 10 percentage points or every 10 seconds per URL.
type LogSink struct {
	logger   *zap.Logger
	interval time.Duration
	last     map[string]downloadMark
}

type downloadMark struct {
	percent int
	at      time.Time
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{
		logger:   logger.Named("progress"),
		interval: 10 * time.Second,
		last:     make(map[string]downloadMark),
	}
}

// Consume logs each event in the batch. It is only called from the hub
// goroutine.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageDownloadProgress:
			s.logDownloadProgress(evt)
		case progress.StageDownloadDone:
			delete(s.last, evt.URL)
			s.logger.Info("download finished", eventFields(evt)...)
		case progress.StageRunError:
			s.logger.Warn("run failed", eventFields(evt)...)
		case progress.StageRunStopped:
			s.logger.Info("run stopped", eventFields(evt)...)
		default:
			s.logger.Info("progress event", eventFields(evt)...)
		}
	}
	return nil
}

func (s *LogSink) logDownloadProgress(evt progress.Event) {
	pct := evt.Percent()
	mark, seen := s.last[evt.URL]
	due := !seen ||
		(pct >= 0 && pct >= mark.percent+10) ||
		evt.TS.Sub(mark.at) >= s.interval
	if !due {
		return
	}
	s.last[evt.URL] = downloadMark{percent: pct, at: evt.TS}
	s.logger.Info("download progress", append(eventFields(evt), zap.Int("percent", pct))...)
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", evt.RunUUID().String()),
		zap.String("stage", string(evt.Stage)),
	}
	if evt.Journal != "" {
		fields = append(fields, zap.String("journal", evt.Journal))
	}
	if evt.URL != "" {
		fields = append(fields, zap.String("url", evt.URL))
	}
	if evt.Kind != "" {
		fields = append(fields, zap.String("kind", evt.Kind))
	}
	if evt.Outcome != "" {
		fields = append(fields, zap.String("outcome", evt.Outcome))
	}
	if evt.Bytes > 0 || evt.Total > 0 {
		fields = append(fields, zap.Int64("bytes", evt.Bytes), zap.Int64("total", evt.Total))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
