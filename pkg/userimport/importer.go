package userimport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ndrozd/liber/pkg/gateway"
	"github.com/ndrozd/liber/pkg/refdata"
	"github.com/ndrozd/liber/pkg/report"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

const (
	usersPath = "/users"
	rpPath    = "/request-preference-storage/request-preference"
	permsPath = "/perms/users"
	spuPath   = "/service-points-users"

	maxLineSize = 1024 * 1024
)

var matchKeys = []string{"externalSystemId", "barcode", "username"}

type Config struct {
	Concurrency  int    `yaml:"concurrency"`
	StatInterval int    `yaml:"stat_interval"`
	MatchKey     string `yaml:"match_key"`

	OnlyUpdatePresentFields bool     `yaml:"only_update_present_fields"`
	ProtectedFields         []string `yaml:"protected_fields"`

	DefaultUserType             string `yaml:"default_user_type"`
	DefaultPreferredContactType string `yaml:"default_preferred_contact_type"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.Concurrency, "user.concurrency", 10, "Max in-flight user upserts.")
	f.IntVar(&c.StatInterval, "user.stat-interval", 250, "Log outcome stats every N users.")
	f.StringVar(&c.MatchKey, "user.match-key", "externalSystemId", "Field used to match existing users when the candidate has no id.")
	f.BoolVar(&c.OnlyUpdatePresentFields, "user.only-update-present-fields", false, "Overlay only the candidate's present fields onto existing users.")
}

// Importer runs the per-user upsert workflow with bounded concurrency.
// Reference maps are loaded once before any worker starts; outcome counts
// go through the shared mutex-guarded counters.
type Importer struct {
	cfg Config
	gw  *gateway.Gateway
	log log.Logger

	files    *report.RunFiles
	counters *report.Counters

	// Loaded on first use and shared across every file of the run.
	maps *refdata.Maps
}

func New(cfg Config, gw *gateway.Gateway, files *report.RunFiles, reg prometheus.Registerer, logger log.Logger) (*Importer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.StatInterval <= 0 {
		cfg.StatInterval = 250
	}
	if cfg.MatchKey == "" {
		cfg.MatchKey = "externalSystemId"
	}
	if !lo.Contains(matchKeys, cfg.MatchKey) {
		return nil, errors.Errorf("invalid match key: %s", cfg.MatchKey)
	}
	if cfg.DefaultUserType == "" {
		cfg.DefaultUserType = "patron"
	}
	if cfg.DefaultPreferredContactType == "" {
		cfg.DefaultPreferredContactType = "002"
	}

	return &Importer{
		cfg:      cfg,
		gw:       gw,
		log:      log.With(logger, "component", "userimport"),
		files:    files,
		counters: report.NewCounters(reg),
	}, nil
}

// Counters exposes the shared outcome tally, mainly for final reporting.
func (i *Importer) Counters() *report.Counters {
	return i.counters
}

// Run upserts every JSON line of r. Units are processed in waves of
// stat_interval lines so outcome stats can be logged between waves; inside
// a wave at most cfg.Concurrency units are in flight.
func (i *Importer) Run(ctx context.Context, r io.Reader) error {
	if i.maps == nil {
		maps, err := refdata.Load(ctx, i.gw, i.log)
		if err != nil {
			return err
		}
		i.maps = maps
	}
	maps := i.maps

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	wave := make([][]byte, 0, i.cfg.StatInterval)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		wave = append(wave, line)
		if len(wave) == i.cfg.StatInterval {
			i.runWave(ctx, wave, maps)
			wave = wave[:0]
		}
	}
	if len(wave) > 0 {
		i.runWave(ctx, wave, maps)
	}

	return errors.Wrap(scanner.Err(), "read user file")
}

func (i *Importer) runWave(ctx context.Context, wave [][]byte, maps *refdata.Maps) {
	start := time.Now()

	p := pool.New().WithMaxGoroutines(i.cfg.Concurrency)
	for _, line := range wave {
		line := line
		p.Go(func() {
			i.processLine(ctx, line, maps)
		})
	}
	p.Wait()

	created, updated, failed := i.counters.Snapshot()
	level.Info(i.log).Log(
		"msg", fmt.Sprintf("batch of %d users processed in %.2fs", len(wave), time.Since(start).Seconds()),
		"created", created,
		"updated", updated,
		"failed", failed,
	)
}

func (i *Importer) processLine(ctx context.Context, line []byte, maps *refdata.Maps) {
	doc := make(map[string]interface{})
	if err := json.Unmarshal(line, &doc); err != nil {
		level.Error(i.log).Log("msg", "unparseable user line", "err", err.Error())
		if werr := i.files.WriteFailedLine(line); werr != nil {
			level.Error(i.log).Log("msg", "archive failed line", "err", werr.Error())
		}
		i.counters.Failed()
		return
	}

	i.normalize(doc)
	rpObj, _ := popDoc(doc, "requestPreference")
	spuObj, _ := popDoc(doc, "servicePointsUser")

	existing := i.findExisting(ctx, doc)
	var existingRP, existingPU, existingSPU map[string]interface{}
	if existing != nil {
		userID, _ := existing["id"].(string)
		existingRP = i.findSub(ctx, rpPath, "requestPreferences", userID)
		existingPU = i.findSub(ctx, permsPath, "permissionUsers", userID)
		existingSPU = i.findSub(ctx, spuPath, "servicePointsUsers", userID)
	}

	i.resolveReferences(doc, maps)

	result, created, err := i.upsertUser(ctx, doc, existing)
	if err != nil {
		verb := "update"
		if existing == nil {
			verb = "creation"
		}
		level.Error(i.log).Log("msg", "user "+verb+" failed", "err", err.Error())
		failedDoc := doc
		if existing != nil {
			failedDoc = result
		}
		if werr := i.files.WriteFailedUnit(failedDoc); werr != nil {
			level.Error(i.log).Log("msg", "archive failed user", "err", werr.Error())
		}
		i.counters.Failed()
		return
	}
	if created {
		i.counters.Created()
	} else {
		i.counters.Updated()
	}

	userID, _ := result["id"].(string)
	i.reconcileRP(ctx, userID, rpObj, existingRP)
	i.reconcilePerms(ctx, userID, existingPU)
	i.reconcileSPU(ctx, userID, spuObj, existingSPU, maps)
}

// normalize applies defaults for required-but-absent discriminator fields.
func (i *Importer) normalize(doc map[string]interface{}) {
	if _, ok := doc["type"]; !ok {
		doc["type"] = i.cfg.DefaultUserType
	}
	if personal, ok := doc["personal"].(map[string]interface{}); ok {
		contact, _ := personal["preferredContactTypeId"].(string)
		if !lo.Contains([]string{"001", "002", "003"}, contact) {
			personal["preferredContactTypeId"] = i.cfg.DefaultPreferredContactType
		}
	}
}

// findExisting looks up the matching user. Lookup failures, including not
// found, mean "no existing user" and never abort the unit.
func (i *Importer) findExisting(ctx context.Context, doc map[string]interface{}) map[string]interface{} {
	matchKey := i.cfg.MatchKey
	if _, ok := doc["id"]; ok {
		matchKey = "id"
	}
	matchVal, _ := doc[matchKey].(string)
	if matchVal == "" {
		return nil
	}

	return i.queryOne(ctx, usersPath, "users", fmt.Sprintf("%s==%s", matchKey, matchVal))
}

func (i *Importer) findSub(ctx context.Context, path, collection, userID string) map[string]interface{} {
	if userID == "" {
		return nil
	}
	return i.queryOne(ctx, path, collection, "userId=="+userID)
}

func (i *Importer) queryOne(ctx context.Context, path, collection, query string) map[string]interface{} {
	doc, err := i.gw.Get(ctx, path, url.Values{"query": []string{query}})
	if err != nil {
		return nil
	}
	items, _ := doc[collection].([]interface{})
	if len(items) == 0 {
		return nil
	}
	first, _ := items[0].(map[string]interface{})
	return first
}

func (i *Importer) resolveReferences(doc map[string]interface{}, maps *refdata.Maps) {
	if group, ok := doc["patronGroup"].(string); ok {
		if id, found := refdata.Resolve(maps.PatronGroups, group); found {
			doc["patronGroup"] = id
		} else {
			level.Warn(i.log).Log("msg", "patron group not found, removing", "group", group)
			delete(doc, "patronGroup")
		}
	}

	if personal, ok := doc["personal"].(map[string]interface{}); ok {
		if addresses, ok := personal["addresses"].([]interface{}); ok {
			kept := make([]interface{}, 0, len(addresses))
			for _, item := range addresses {
				address, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				typ, _ := address["addressTypeId"].(string)
				id, found := refdata.Resolve(maps.AddressTypes, typ)
				if !found {
					level.Warn(i.log).Log("msg", "address type not found, removing address", "address_type", typ)
					continue
				}
				address["addressTypeId"] = id
				kept = append(kept, address)
			}
			if len(kept) > 0 {
				personal["addresses"] = kept
			} else {
				delete(personal, "addresses")
			}
		}
	}

	if departments, ok := doc["departments"].([]interface{}); ok {
		kept := make([]interface{}, 0, len(departments))
		for _, item := range departments {
			name, _ := item.(string)
			if id, found := refdata.Resolve(maps.Departments, name); found {
				kept = append(kept, id)
			} else {
				level.Warn(i.log).Log("msg", "department not found, removing", "department", name)
			}
		}
		if len(kept) > 0 {
			doc["departments"] = kept
		} else {
			delete(doc, "departments")
		}
	}
}

// upsertUser creates or updates the main entity and returns the resulting
// document plus whether it was created.
func (i *Importer) upsertUser(ctx context.Context, candidate, existing map[string]interface{}) (map[string]interface{}, bool, error) {
	if existing == nil {
		resp, err := i.gw.Post(ctx, usersPath, candidate)
		if err != nil {
			return nil, false, err
		}
		if resp == nil {
			resp = candidate
		}
		return resp, true, nil
	}

	merged := Merge(existing, candidate, i.cfg.OnlyUpdatePresentFields)
	Protect(merged, existing, append(i.cfg.ProtectedFields, CustomProtectedFields(existing)...))

	id, _ := merged["id"].(string)
	if err := i.gw.Put(ctx, usersPath+"/"+id, merged); err != nil {
		return merged, false, err
	}
	return merged, false, nil
}

// reconcileRP creates or updates the request preference. When neither side
// has one, a system default is created so the user is always requestable.
func (i *Importer) reconcileRP(ctx context.Context, userID string, rpObj, existingRP map[string]interface{}) {
	if userID == "" {
		return
	}

	var err error
	switch {
	case existingRP != nil:
		merged := copyDoc(existingRP)
		for k, v := range rpObj {
			merged[k] = v
		}
		id, _ := merged["id"].(string)
		err = i.gw.Put(ctx, rpPath+"/"+id, merged)
	case rpObj != nil:
		rpObj["userId"] = userID
		_, err = i.gw.Post(ctx, rpPath, rpObj)
	default:
		level.Info(i.log).Log("msg", "creating default request preference for "+userID)
		_, err = i.gw.Post(ctx, rpPath, map[string]interface{}{
			"userId":    userID,
			"holdShelf": true,
			"delivery":  false,
		})
	}
	if err != nil {
		level.Error(i.log).Log("msg", "error reconciling request preference for "+userID, "err", err.Error())
	}
}

// reconcilePerms creates the permission user when absent. Existing
// permission sets are never touched.
func (i *Importer) reconcilePerms(ctx context.Context, userID string, existingPU map[string]interface{}) {
	if userID == "" || existingPU != nil {
		return
	}
	_, err := i.gw.Post(ctx, permsPath, map[string]interface{}{
		"userId":      userID,
		"permissions": []interface{}{},
	})
	if err != nil {
		level.Error(i.log).Log("msg", "error creating permission user for "+userID, "err", err.Error())
	}
}

// reconcileSPU creates or updates the service-point assignment, resolving
// service point names the same way as the other reference fields.
func (i *Importer) reconcileSPU(ctx context.Context, userID string, spuObj, existingSPU map[string]interface{}, maps *refdata.Maps) {
	if userID == "" || spuObj == nil {
		return
	}

	if name, ok := spuObj["defaultServicePointId"].(string); ok {
		if id, found := refdata.Resolve(maps.ServicePoints, name); found {
			spuObj["defaultServicePointId"] = id
		} else {
			level.Warn(i.log).Log("msg", "service point not found, removing default", "service_point", name)
			delete(spuObj, "defaultServicePointId")
		}
	}
	if ids, ok := spuObj["servicePointsIds"].([]interface{}); ok {
		kept := make([]interface{}, 0, len(ids))
		for _, item := range ids {
			name, _ := item.(string)
			if id, found := refdata.Resolve(maps.ServicePoints, name); found {
				kept = append(kept, id)
			} else {
				level.Warn(i.log).Log("msg", "service point not found, removing", "service_point", name)
			}
		}
		spuObj["servicePointsIds"] = kept
	}

	var err error
	if existingSPU != nil {
		merged := copyDoc(existingSPU)
		for k, v := range spuObj {
			merged[k] = v
		}
		id, _ := merged["id"].(string)
		err = i.gw.Put(ctx, spuPath+"/"+id, merged)
	} else {
		spuObj["userId"] = userID
		_, err = i.gw.Post(ctx, spuPath, spuObj)
	}
	if err != nil {
		level.Error(i.log).Log("msg", "error reconciling service points for "+userID, "err", err.Error())
	}
}

func popDoc(doc map[string]interface{}, key string) (map[string]interface{}, bool) {
	sub, ok := doc[key].(map[string]interface{})
	if ok {
		delete(doc, key)
	}
	return sub, ok
}
