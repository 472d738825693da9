package dragonscale

import "github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"

// WithEventBus publishes process events onto bus. The engine does not
// close a bus it was given.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}
