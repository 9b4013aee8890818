package notify

import (
	"context"

	"go.uber.org/zap"

	"repairline/internal/config"
)

type closer interface {
	Close()
}

// Sinks builds every enabled sink from cfg. A broker that cannot be reached
// is logged and skipped so the API still starts. The returned func closes
// the connections that were opened.
func Sinks(ctx context.Context, cfg config.Notify, logger *zap.Logger) ([]Sink, func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if !hook.IsEnabled() {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	if cfg.Redis != nil {
		if s, err := NewRedisStreamSink(ctx, *cfg.Redis); err != nil {
			logger.Warn("redis sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.MQTT != nil {
		if s, err := NewMQTTSink(*cfg.MQTT); err != nil {
			logger.Warn("mqtt sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks, func() {
		for _, s := range sinks {
			if c, ok := s.(closer); ok {
				c.Close()
			}
		}
	}
}
