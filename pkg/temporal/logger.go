package temporal

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter lets the Temporal SDK log through zap. Keyvals are passed on as sugared fields.
type ZapAdapter struct{ s *zap.SugaredLogger }

var (
	_ log.Logger     = (*ZapAdapter)(nil)
	_ log.WithLogger = (*ZapAdapter)(nil)
)

func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{s: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...any) { z.s.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...any)  { z.s.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...any)  { z.s.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...any) { z.s.Errorw(msg, keyvals...) }

func (z *ZapAdapter) With(keyvals ...any) log.Logger {
	return &ZapAdapter{s: z.s.With(keyvals...)}
}
