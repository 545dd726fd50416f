package report

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestCountersConcurrent(t *testing.T) {
	c := NewCounters(prometheus.NewPedanticRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				c.Created()
			case 1:
				c.Updated()
			case 2:
				c.Failed()
			}
		}()
	}
	wg.Wait()

	created, updated, failed := c.Snapshot()
	assert.Equal(t, 10, created)
	assert.Equal(t, 10, updated)
	assert.Equal(t, 10, failed)
	assert.Equal(t, 30, c.Processed())
}

func TestProgress(t *testing.T) {
	p := NewProgress(100, prometheus.NewPedanticRegistry(), log.NewNopLogger())

	p.AddSent(40)
	p.AddSent(10)
	p.AddProcessed(25)
	p.ShrinkTotal(5)

	assert.Equal(t, 50, p.Sent())
	assert.Equal(t, 25, p.Processed())
	assert.Equal(t, 95, p.Total())

	p.Reset(7)
	assert.Equal(t, 0, p.Sent())
	assert.Equal(t, 0, p.Processed())
	assert.Equal(t, 7, p.Total())
}
