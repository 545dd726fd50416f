package record

import "io"

// Batch is an ordered, non-empty group of decoded units plus the cumulative
// count of units batched so far. The last batch of a run carries Final=true
// exactly once. Batches are never mutated after creation.
type Batch struct {
	Units   []*Unit
	Counter int
	Final   bool
}

// Source yields units one at a time until io.EOF.
type Source interface {
	Next() (*Unit, error)
}

type multiSource struct {
	streams []*Stream
}

// MultiSource chains streams into one source, preserving input order.
func MultiSource(streams ...*Stream) Source {
	return &multiSource{streams: streams}
}

func (m *multiSource) Next() (*Unit, error) {
	for len(m.streams) > 0 {
		u, err := m.streams[0].Next()
		if err == io.EOF {
			m.streams = m.streams[1:]
			continue
		}
		return u, err
	}
	return nil, io.EOF
}

// Batcher groups decodable units into fixed-size batches. Units that failed
// to decode never enter a batch: they are handed to onBad and counted in
// BadCount, keeping the batch counter aligned with what is actually sent.
type Batcher struct {
	src     Source
	size    int
	onBad   func(*Unit)
	counter int
	bad     int
	pending *Unit
	done    bool
}

func NewBatcher(src Source, size int, onBad func(*Unit)) *Batcher {
	if size <= 0 {
		size = 1
	}
	if onBad == nil {
		onBad = func(*Unit) {}
	}
	return &Batcher{
		src:   src,
		size:  size,
		onBad: onBad,
	}
}

// BadCount returns the number of decode failures observed so far.
func (b *Batcher) BadCount() int {
	return b.bad
}

// Next returns the next batch or io.EOF. The final partial batch is emitted
// with Final=true only once the unit source is exhausted.
func (b *Batcher) Next() (*Batch, error) {
	if b.done {
		return nil, io.EOF
	}

	units := make([]*Unit, 0, b.size)
	if b.pending != nil {
		units = append(units, b.pending)
		b.pending = nil
	}

	for len(units) < b.size {
		u, err := b.src.Next()
		if err == io.EOF {
			b.done = true
			if len(units) == 0 {
				return nil, io.EOF
			}
			b.counter += len(units)
			return &Batch{Units: units, Counter: b.counter, Final: true}, nil
		}
		if err != nil {
			return nil, err
		}
		if !u.OK() {
			b.bad++
			b.onBad(u)
			continue
		}
		units = append(units, u)
	}

	// Look one unit ahead so a batch that drains the source is the one
	// marked final.
	for {
		u, err := b.src.Next()
		if err == io.EOF {
			b.done = true
			b.counter += len(units)
			return &Batch{Units: units, Counter: b.counter, Final: true}, nil
		}
		if err != nil {
			return nil, err
		}
		if !u.OK() {
			b.bad++
			b.onBad(u)
			continue
		}
		b.pending = u
		b.counter += len(units)
		return &Batch{Units: units, Counter: b.counter}, nil
	}
}
