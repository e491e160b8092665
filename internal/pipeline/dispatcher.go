package pipeline

import (
	"context"

	"telemetry-bridge/bridge/internal/metrics"
)

// Dispatcher owns the channels between the driver and the workers. The event
// queue applies backpressure; the side channels drop when full.
type Dispatcher struct {
	EventChan   chan Envelope
	JournalChan chan Outcome
	OutcomeChan chan Outcome
	StateChan   chan StateSnapshot

	metrics *metrics.Metrics
}

// NewDispatcher creates the queues. A side channel with size zero is
// disabled and never written.
func NewDispatcher(eventSize, journalSize, outcomeSize, stateSize int, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		EventChan: make(chan Envelope, eventSize),
		metrics:   m,
	}
	if journalSize > 0 {
		d.JournalChan = make(chan Outcome, journalSize)
	}
	if outcomeSize > 0 {
		d.OutcomeChan = make(chan Outcome, outcomeSize)
	}
	if stateSize > 0 {
		d.StateChan = make(chan StateSnapshot, stateSize)
	}
	return d
}

// Enqueue hands env to the MES sender, waiting for room when the queue is
// full. It fails only when ctx is done first.
func (d *Dispatcher) Enqueue(ctx context.Context, env Envelope) error {
	select {
	case d.EventChan <- env:
		d.metrics.EventQueueDepth.Set(float64(len(d.EventChan)))
		return nil
	default:
		d.metrics.EventQueueFull.Inc()
	}

	select {
	case d.EventChan <- env:
		d.metrics.EventQueueDepth.Set(float64(len(d.EventChan)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseEvents signals the MES sender that no more events will arrive.
func (d *Dispatcher) CloseEvents() {
	close(d.EventChan)
}

// Observe fans an outcome out to the journal and outcome channels.
func (d *Dispatcher) Observe(o Outcome) {
	if d.JournalChan != nil {
		select {
		case d.JournalChan <- o:
		default:
			d.metrics.ChannelDrops.WithLabelValues("journal").Inc()
		}
	}

	if d.OutcomeChan != nil {
		select {
		case d.OutcomeChan <- o:
		default:
			d.metrics.ChannelDrops.WithLabelValues("outcome").Inc()
		}
	}
}

// PublishState offers a state snapshot to the state writer.
func (d *Dispatcher) PublishState(s StateSnapshot) {
	if d.StateChan == nil {
		return
	}
	select {
	case d.StateChan <- s:
	default:
		d.metrics.ChannelDrops.WithLabelValues("state").Inc()
	}
}

// CloseSideChannels closes the journal, outcome and state channels so their
// writers flush and exit. Call after the MES sender has returned.
func (d *Dispatcher) CloseSideChannels() {
	if d.JournalChan != nil {
		close(d.JournalChan)
	}
	if d.OutcomeChan != nil {
		close(d.OutcomeChan)
	}
	if d.StateChan != nil {
		close(d.StateChan)
	}
}
