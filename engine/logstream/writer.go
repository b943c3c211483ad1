package logstream

import (
	"context"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// Writer appends to one execution's stream. Log storage failure never
// fails the execution: every append error is reported to the process
// logger and swallowed.
type Writer struct {
	stream *Stream
	execID core.ID
}

func NewWriter(stream *Stream, execID core.ID) *Writer {
	return &Writer{stream: stream, execID: execID}
}

func (w *Writer) Debug(ctx context.Context, message string, data map[string]any) {
	w.append(ctx, LevelDebug, message, data)
}

func (w *Writer) Info(ctx context.Context, message string, data map[string]any) {
	w.append(ctx, LevelInfo, message, data)
}

func (w *Writer) Warn(ctx context.Context, message string, data map[string]any) {
	w.append(ctx, LevelWarn, message, data)
}

func (w *Writer) Error(ctx context.Context, message string, data map[string]any) {
	w.append(ctx, LevelError, message, data)
}

func (w *Writer) append(ctx context.Context, level Level, message string, data map[string]any) {
	err := w.stream.Append(ctx, w.execID, &Entry{
		Level:   level,
		Message: message,
		Data:    data,
	})
	if err != nil {
		logger.FromContext(ctx).Warn(
			"execution log append failed",
			"exec_id", w.execID,
			"error", err,
		)
	}
}
