package notify

import (
	"context"

	"labdesk/api/internal/logger"
)

// Bus carries events between API instances so subscribers on one
// instance observe mutations made through another.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	StartForwarder(ctx context.Context, onEvent func(evt Event)) error
	Close() error
}

// BusPublisher routes publishes through the bus. Local subscribers
// receive the event when the forwarder hands it back to the hub, which
// keeps per topic order identical on every instance.
type BusPublisher struct {
	bus Bus
	log *logger.Logger
}

func NewBusPublisher(bus Bus, log *logger.Logger) *BusPublisher {
	return &BusPublisher{bus: bus, log: log}
}

// Publish is best effort. A bus failure is logged and swallowed so the
// mutation that triggered it still succeeds.
func (p *BusPublisher) Publish(evt Event) {
	if err := p.bus.Publish(context.Background(), evt); err != nil {
		p.log.Warn("bus publish failed", "topic", evt.Topic, "event", evt.Name, "err", err)
	}
}
