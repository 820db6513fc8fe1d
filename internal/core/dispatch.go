package core

import (
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/path"
)

// Dispatcher fans committed node events out to matching sessions. One
// goroutine drains a FIFO queue, so events reach subscribers in commit
// order; the nodes of a wildcard delete arrive in the order their ticks
// were allocated. A session that cannot accept an event loses that
// event; other sessions and the publisher are never held up.
type Dispatcher struct {
	registry *Registry
	logger   pslog.Logger
	metrics  *engineMetrics
	queue    chan *api.Node
	done     chan struct{}
	drained  chan struct{}
	stop     sync.Once
}

func newDispatcher(registry *Registry, logger pslog.Logger, metrics *engineMetrics, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan *api.Node, queueSize),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands one committed event to the fan-out loop. It blocks when
// the queue is full and drops the event after Stop.
func (d *Dispatcher) Enqueue(node *api.Node) {
	select {
	case <-d.done:
		d.logger.Warn("fanout.enqueue.dropped",
			"path", path.Path(node.Path).String(),
			"vts", node.VTS,
		)
	case d.queue <- node:
	}
}

// Depth returns the number of events awaiting fan-out.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Stop terminates the fan-out loop after draining already-committed
// events. It is idempotent and safe to call concurrently with Enqueue.
func (d *Dispatcher) Stop() {
	d.stop.Do(func() { close(d.done) })
	<-d.drained
}

func (d *Dispatcher) run() {
	defer close(d.drained)
	for {
		select {
		case node := <-d.queue:
			d.deliver(node)
		case <-d.done:
			for {
				select {
				case node := <-d.queue:
					d.deliver(node)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(node *api.Node) {
	p := path.Path(node.Path)
	for _, sess := range d.registry.SessionsMatching(p) {
		if err := sess.Deliver(node); err != nil {
			d.metrics.recordDeliverFailed()
			d.logger.Warn("fanout.deliver.failed",
				"session", sess.ID(),
				"path", p.String(),
				"vts", node.VTS,
				"error", err,
			)
			continue
		}
		d.metrics.recordDelivered()
	}
}
