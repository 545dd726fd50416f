package report

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Progress tracks how many records were sent to the platform and how many
// the platform reports as processed, against an expected total. The total
// shrinks when a whole batch is archived as failed so the run can still
// reach 100%.
type Progress struct {
	log log.Logger

	total     *atomic.Int64
	sent      *atomic.Int64
	processed *atomic.Int64

	sentGauge      prometheus.Gauge
	processedGauge prometheus.Gauge
}

func NewProgress(total int, reg prometheus.Registerer, logger log.Logger) *Progress {
	return &Progress{
		log:       logger,
		total:     atomic.NewInt64(int64(total)),
		sent:      atomic.NewInt64(0),
		processed: atomic.NewInt64(0),
		sentGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "liber_records_sent",
			Help: "Records submitted to the current job.",
		}),
		processedGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "liber_records_processed",
			Help: "Records the platform reports as processed for the current job.",
		}),
	}
}

// Reset rearms the tracker for the next job of the run.
func (p *Progress) Reset(total int) {
	p.total.Store(int64(total))
	p.sent.Store(0)
	p.processed.Store(0)
	p.sentGauge.Set(0)
	p.processedGauge.Set(0)
}

func (p *Progress) AddSent(n int) {
	p.sent.Add(int64(n))
	p.sentGauge.Set(float64(p.sent.Load()))
}

func (p *Progress) AddProcessed(n int) {
	p.processed.Add(int64(n))
	p.processedGauge.Set(float64(p.processed.Load()))
}

// ShrinkTotal removes n records from the expected total, used when a batch
// is archived instead of submitted.
func (p *Progress) ShrinkTotal(n int) {
	p.total.Sub(int64(n))
}

func (p *Progress) Sent() int {
	return int(p.sent.Load())
}

func (p *Progress) Processed() int {
	return int(p.processed.Load())
}

func (p *Progress) Total() int {
	return int(p.total.Load())
}

func (p *Progress) Report(stage string) {
	level.Info(p.log).Log(
		"msg", fmt.Sprintf("%s: sent %d/%d, processed %d", stage, p.Sent(), p.Total(), p.Processed()),
	)
}
