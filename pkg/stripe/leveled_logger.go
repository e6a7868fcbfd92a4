package stripe

import (
	"context"
	"fmt"

	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

// leveledLogger routes the SDK's request and retry messages into our
// structured log stream. SDK errors are reported at warn; custody decides
// whether a failure is worth an error entry.
type leveledLogger struct {
	ctx  context.Context
	logg *logger.Logger
}

func (l *leveledLogger) Debugf(format string, v ...any) {
	l.logg.Debug(l.entryCtx(), fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Infof(format string, v ...any) {
	l.logg.Debug(l.entryCtx(), fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Warnf(format string, v ...any) {
	l.logg.Warn(l.entryCtx(), fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Errorf(format string, v ...any) {
	l.logg.Warn(l.entryCtx(), fmt.Sprintf(format, v...))
}

func (l *leveledLogger) entryCtx() context.Context {
	return l.logg.WithField(context.WithoutCancel(l.ctx), "component", "stripe-sdk")
}
