package report

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters is the shared tally of terminal unit outcomes. Every unit ends
// in exactly one of created, updated or failed; increments happen under the
// mutex so concurrent workers always observe a consistent total.
type Counters struct {
	mtx     sync.Mutex
	created int
	updated int
	failed  int

	createdTotal prometheus.Counter
	updatedTotal prometheus.Counter
	failedTotal  prometheus.Counter
}

func NewCounters(reg prometheus.Registerer) *Counters {
	return &Counters{
		createdTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liber_records_created_total",
			Help: "Records created in the remote platform.",
		}),
		updatedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liber_records_updated_total",
			Help: "Records updated in the remote platform.",
		}),
		failedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "liber_records_failed_total",
			Help: "Records that terminally failed to sync.",
		}),
	}
}

func (c *Counters) Created() {
	c.mtx.Lock()
	c.created++
	c.mtx.Unlock()
	c.createdTotal.Inc()
}

func (c *Counters) Updated() {
	c.mtx.Lock()
	c.updated++
	c.mtx.Unlock()
	c.updatedTotal.Inc()
}

func (c *Counters) Failed() {
	c.mtx.Lock()
	c.failed++
	c.mtx.Unlock()
	c.failedTotal.Inc()
}

// Snapshot returns a consistent view of the three outcome counts.
func (c *Counters) Snapshot() (created, updated, failed int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.created, c.updated, c.failed
}

// Processed is the number of units that reached a terminal outcome.
func (c *Counters) Processed() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.created + c.updated + c.failed
}
