package refdata

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ndrozd/liber/pkg/gateway"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Maps holds the controlled vocabularies used to resolve human-readable
// keys to platform identifiers. Built once per run before any concurrent
// work starts and read-only afterwards, so lock-free shared reads are safe.
type Maps struct {
	PatronGroups  map[string]string
	AddressTypes  map[string]string
	Departments   map[string]string
	ServicePoints map[string]string
}

func Load(ctx context.Context, gw *gateway.Gateway, logger log.Logger) (*Maps, error) {
	m := &Maps{}
	var err error

	if m.PatronGroups, err = loadMap(ctx, gw, "/groups", "usergroups", "group"); err != nil {
		return nil, errors.Wrap(err, "load patron groups")
	}
	if m.AddressTypes, err = loadMap(ctx, gw, "/addresstypes", "addressTypes", "addressType"); err != nil {
		return nil, errors.Wrap(err, "load address types")
	}
	if m.Departments, err = loadMap(ctx, gw, "/departments", "departments", "name"); err != nil {
		return nil, errors.Wrap(err, "load departments")
	}
	if m.ServicePoints, err = loadMap(ctx, gw, "/service-points", "servicepoints", "name"); err != nil {
		return nil, errors.Wrap(err, "load service points")
	}

	level.Info(logger).Log(
		"msg", "loaded reference data",
		"patron_groups", len(m.PatronGroups),
		"address_types", len(m.AddressTypes),
		"departments", len(m.Departments),
		"service_points", len(m.ServicePoints),
	)

	return m, nil
}

func loadMap(ctx context.Context, gw *gateway.Gateway, path, collection, nameField string) (map[string]string, error) {
	items, err := gw.GetAll(ctx, path, collection, nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(items))
	for _, item := range items {
		doc, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := doc[nameField].(string)
		id, _ := doc["id"].(string)
		if name != "" && id != "" {
			out[name] = id
		}
	}

	return out, nil
}

// Resolve maps a human-readable key to its identifier. A value that is
// already one of the known identifiers passes through unchanged. A key
// absent from the vocabulary resolves to ("", false); callers drop the
// field rather than fail the unit.
func Resolve(m map[string]string, v string) (string, bool) {
	if v == "" {
		return "", false
	}
	if lo.Contains(lo.Values(m), v) {
		return v, true
	}
	id, ok := m[v]
	return id, ok
}
