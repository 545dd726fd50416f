package preprocess

import (
	"sync"

	"github.com/ndrozd/liber/pkg/record"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Func adjusts a decoded record before it is batched for submission. The
// input record may be mutated and must be returned.
type Func func(*record.Record) *record.Record

var (
	mtx      sync.RWMutex
	registry = map[string]Func{
		"identity":                func(r *record.Record) *record.Record { return r },
		"prepend-ppn-prefix-001":  prependPrefix001("PPN"),
		"prepend-abes-prefix-001": prependPrefix001("ABES"),
		"strip-999-ff":            strip999ff,
	}
)

// Register adds a named preprocessing function. Later registrations under
// the same name win.
func Register(name string, fn Func) {
	mtx.Lock()
	defer mtx.Unlock()
	registry[name] = fn
}

// Lookup resolves a configured preprocessor name. Unknown names fail here,
// at configuration time, not at first use.
func Lookup(name string) (Func, error) {
	mtx.RLock()
	defer mtx.RUnlock()
	fn, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown preprocessor: %s", name)
	}
	return fn, nil
}

// Chain composes preprocessors left to right.
func Chain(fns ...Func) Func {
	return func(r *record.Record) *record.Record {
		for _, fn := range fns {
			r = fn(r)
		}
		return r
	}
}

func prependPrefix001(prefix string) Func {
	tagged := []byte("(" + prefix + ")")
	return func(r *record.Record) *record.Record {
		for i, f := range r.Fields {
			if f.Tag == "001" {
				r.Fields[i].Data = append(append([]byte(nil), tagged...), f.Data...)
			}
		}
		return r
	}
}

// strip999ff drops 999 fields with both indicators set to 'f', the local
// bookkeeping fields the platform writes on export.
func strip999ff(r *record.Record) *record.Record {
	r.Fields = lo.Filter(r.Fields, func(f record.Field, _ int) bool {
		if f.Tag != "999" {
			return true
		}
		return len(f.Data) < 2 || f.Data[0] != 'f' || f.Data[1] != 'f'
	})
	return r
}
