package events

import (
	"fmt"
	"strings"

	"github.com/flockmesh/flock/internal/common/config"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events/bus"
)

// Provide builds the configured event bus implementation. An empty
// nats.url selects the in-memory bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { return nil }, nil
}
