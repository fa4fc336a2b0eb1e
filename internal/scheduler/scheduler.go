// Package scheduler implements the TickScheduler (C8): the control
// loop that drives one window's worth of work - load config, heartbeat,
// list guarded structures, fan out a bounded worker pool over them, and
// sleep until the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serverless-containers/guardian/internal/domain"
	"github.com/serverless-containers/guardian/internal/events"
	"github.com/serverless-containers/guardian/internal/invariant"
	"github.com/serverless-containers/guardian/internal/lock"
	"github.com/serverless-containers/guardian/internal/metrics"
	"github.com/serverless-containers/guardian/internal/metricsclient"
	"github.com/serverless-containers/guardian/internal/requests"
	"github.com/serverless-containers/guardian/internal/rule"
	"github.com/serverless-containers/guardian/internal/store"
)

// ruleCacheSize comfortably exceeds any realistic rule-document count,
// so validation verdicts survive for a document's whole lifetime.
const ruleCacheSize = 512

// tagKeyFor names the tag the MetricsClient query carries the
// structure's identity under; containers are tagged by host, multi-
// container applications by their own structure name. Grounded on the
// Guardian's TAGS table.
var tagKeyFor = map[domain.Subtype]string{
	domain.SubtypeContainer:   "host",
	domain.SubtypeApplication: "structure",
}

const serviceName = "guardian"

// Scheduler owns one replica's tick loop.
type Scheduler struct {
	Store     store.DocStore
	Metrics   *metricsclient.Client
	Telemetry *metrics.GuardianMetrics
	Election  *lock.ElectionLock // nil disables HA coordination
	Logger    *slog.Logger
	Defaults  domain.ServiceConfig
	WorkerPoolMax int

	ruleCache *rule.ValidationCache
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := s.loadConfig(ctx)
		window := time.Duration(cfg.WindowTimelapseSeconds) * time.Second

		if !cfg.Active {
			s.Logger.Debug("guardian inactive, skipping tick")
			if !sleepCtx(ctx, window) {
				return ctx.Err()
			}
			continue
		}

		if s.Election != nil {
			acquired, err := s.Election.Acquire(ctx)
			if err != nil {
				s.Logger.Error("election lock acquire failed", "error", err)
			}
			if err != nil || !acquired {
				s.Telemetry.ElectionHeld.Set(0)
				if !sleepCtx(ctx, window) {
					return ctx.Err()
				}
				continue
			}
			s.Telemetry.ElectionHeld.Set(1)
		}

		s.tick(ctx, cfg)

		if s.Election != nil {
			if err := s.Election.Release(ctx); err != nil {
				s.Logger.Warn("election lock release failed", "error", err)
			}
			s.Telemetry.ElectionHeld.Set(0)
		}

		if !sleepCtx(ctx, window) {
			return ctx.Err()
		}
	}
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// loadConfig fetches the Guardian's own service document and merges it
// over the process-level defaults field by field; a missing document
// or fetch error falls back to defaults entirely.
func (s *Scheduler) loadConfig(ctx context.Context) domain.ServiceConfig {
	svc, err := s.Store.GetService(ctx, serviceName)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.Logger.Warn("loadConfig: falling back to defaults", "error", err)
		}
		return s.Defaults
	}
	return mergeServiceConfig(s.Defaults, svc.Config)
}

// mergeServiceConfig overlays override onto defaults one field at a
// time, so a service document that only sets a subset of fields (e.g.
// just WINDOW_TIMELAPSE) doesn't zero out the rest. Only non-zero /
// non-empty fields in override win; a field left at its Go zero value
// is treated as "not set in the document" and defaults through.
func mergeServiceConfig(defaults, override domain.ServiceConfig) domain.ServiceConfig {
	merged := defaults
	if override.WindowTimelapseSeconds != 0 {
		merged.WindowTimelapseSeconds = override.WindowTimelapseSeconds
	}
	if override.WindowDelaySeconds != 0 {
		merged.WindowDelaySeconds = override.WindowDelaySeconds
	}
	if override.EventTimeoutSeconds != 0 {
		merged.EventTimeoutSeconds = override.EventTimeoutSeconds
	}
	if override.Debug {
		merged.Debug = true
	}
	if override.StructureGuarded != "" {
		merged.StructureGuarded = override.StructureGuarded
	}
	if len(override.GuardableResources) > 0 {
		merged.GuardableResources = override.GuardableResources
	}
	if override.CPUSharesPerWatt != 0 {
		merged.CPUSharesPerWatt = override.CPUSharesPerWatt
	}
	if override.Active {
		merged.Active = true
	}
	return merged
}

// validRules drops rules whose predicate tree is malformed, memoizing
// the shape check by rule name and content hash so an unchanged rule
// document is only walked once across its whole lifetime. Called once
// per tick, always from the same goroutine, so the lazily-built cache
// needs no locking of its own.
func (s *Scheduler) validRules(rules []domain.Rule, log *slog.Logger) []domain.Rule {
	if s.ruleCache == nil {
		c, err := rule.NewValidationCache(ruleCacheSize)
		if err != nil {
			log.Error("rule validation cache unavailable, skipping validation", "error", err)
			return rules
		}
		s.ruleCache = c
	}

	out := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if err := s.ruleCache.Validate(r); err != nil {
			log.Warn("skipping malformed rule", "rule", r.Name, "error", err)
			s.Telemetry.StoreErrorsTotal.WithLabelValues("rule_validate").Inc()
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	if err := s.Store.Heartbeat(ctx, serviceName, time.Now().Unix()); err != nil {
		s.Logger.Warn("heartbeat failed", "error", err)
	}
}

// tick runs exactly one Heartbeat->ListStructures->FanOut->Join pass
// with the cfg Run has already loaded, recording its duration and
// flagging (never enforcing) an overrun against
// cfg.WindowTimelapseSeconds.
func (s *Scheduler) tick(ctx context.Context, cfg domain.ServiceConfig) {
	start := time.Now()
	tickID := uuid.New().String()
	log := s.Logger.With("tick_id", tickID)
	s.Telemetry.TicksTotal.Inc()

	s.heartbeat(ctx)

	structures, err := s.Store.GetStructures(ctx, cfg.StructureGuarded)
	if err != nil {
		log.Error("list structures failed", "error", err)
		return
	}

	rules, err := s.Store.GetRules(ctx)
	if err != nil {
		log.Error("list rules failed", "error", err)
		return
	}
	rules = s.validRules(rules, log)

	guarded := make([]*domain.Structure, 0, len(structures))
	for i := range structures {
		st := &structures[i]
		if !st.Guard {
			continue
		}
		if st.Policy != domain.GuardPolicyServerless {
			log.Debug("skipping structure: unsupported guard_policy", "structure", st.Name, "guard_policy", st.Policy)
			s.Telemetry.StructuresProcessedTotal.WithLabelValues("skipped").Inc()
			continue
		}
		guarded = append(guarded, st)
	}

	s.fanOut(ctx, guarded, rules, cfg, log)

	duration := time.Since(start)
	s.Telemetry.TickDurationSeconds.Observe(duration.Seconds())
	if duration > time.Duration(cfg.WindowTimelapseSeconds)*time.Second {
		s.Telemetry.TickOverrunTotal.Inc()
		log.Warn("tick overran its window", "duration", duration, "window_seconds", cfg.WindowTimelapseSeconds)
	}
}

// fanOut processes every guarded structure through a bounded worker
// pool, sized to min(len(structures), WorkerPoolMax, 2*NumCPU). A
// single structure's panic or error never aborts the others.
func (s *Scheduler) fanOut(ctx context.Context, guarded []*domain.Structure, rules []domain.Rule, cfg domain.ServiceConfig, log *slog.Logger) {
	if len(guarded) == 0 {
		return
	}

	workers := minInt(len(guarded), s.WorkerPoolMax, 2*runtime.NumCPU())
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan *domain.Structure, len(guarded))
	for _, st := range guarded {
		jobs <- st
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range jobs {
				s.processOne(ctx, st, rules, cfg, log)
			}
		}()
	}
	wg.Wait()
}

// processOne runs the full per-structure pipeline, isolating panics
// and errors so one misbehaving structure cannot take down the tick.
func (s *Scheduler) processOne(ctx context.Context, st *domain.Structure, rules []domain.Rule, cfg domain.ServiceConfig, log *slog.Logger) {
	start := time.Now()
	defer func() {
		s.Telemetry.StructureDurationSeconds.WithLabelValues(string(st.Subtype)).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			log.Error("structure pipeline panicked", "structure", st.Name, "panic", r)
			s.Telemetry.StructuresProcessedTotal.WithLabelValues("error").Inc()
		}
	}()

	if err := s.pipeline(ctx, st, rules, cfg, log); err != nil {
		log.Error("structure pipeline failed", "structure", st.Name, "error", err)
		s.Telemetry.StructuresProcessedTotal.WithLabelValues("error").Inc()
		return
	}
	s.Telemetry.StructuresProcessedTotal.WithLabelValues("ok").Inc()
}

func (s *Scheduler) pipeline(ctx context.Context, st *domain.Structure, rules []domain.Rule, cfg domain.ServiceConfig, log *slog.Logger) error {
	usages, err := s.queryUsage(ctx, st, cfg)
	if err != nil {
		return fmt.Errorf("query usage: %w", err)
	}
	if metricsclient.AllNoData(usages) {
		log.Debug("structure unmonitored this tick, skipping", "structure", st.Name)
		return nil
	}
	applyUsage(st, usages)
	log.Debug("structure resource summary", "summary", st.Summary())

	limits, err := s.Store.GetLimits(ctx, st.Name)
	if err != nil {
		return fmt.Errorf("get limits: %w", err)
	}
	if limits == nil {
		log.Warn("structure has no limits document, skipping", "structure", st.Name)
		return nil
	}

	if err := invariant.Repair(st.Resources, limits, cfg.GuardableResources); err != nil {
		return fmt.Errorf("repair invariant: %w", err)
	}
	if err := s.Store.UpdateLimits(ctx, limits); err != nil {
		return fmt.Errorf("update limits: %w", err)
	}

	now := time.Now()
	newEvents := events.Generate(st.Name, rules, limits, st.Resources, now, log)
	if len(newEvents) > 0 {
		if err := s.Store.AddEvents(ctx, newEvents); err != nil {
			return fmt.Errorf("add events: %w", err)
		}
		for _, e := range newEvents {
			direction := "down"
			if len(e.Name) >= 3 && e.Name[len(e.Name)-3:] == ".up" {
				direction = "up"
			}
			s.Telemetry.EventsWrittenTotal.WithLabelValues(string(e.Resource), direction).Inc()
		}
	}

	allEvents, err := s.Store.GetEvents(ctx, st.Name)
	if err != nil {
		return fmt.Errorf("get events: %w", err)
	}
	valid, stale := events.Age(allEvents, int64(cfg.EventTimeoutSeconds), now)
	if len(stale) > 0 {
		if err := s.Store.DeleteEvents(ctx, stale); err != nil {
			return fmt.Errorf("delete stale events: %w", err)
		}
	}

	reduced := events.Reduce(valid)
	usagesByResource := usageByResource(st.Resources)

	result := requests.Evaluate(st, rules, reduced, limits, usagesByResource, cfg.CPUSharesPerWatt, now, log)
	if len(result.Requests) > 0 {
		if err := s.Store.AddRequests(ctx, result.Requests); err != nil {
			return fmt.Errorf("add requests: %w", err)
		}
		for _, r := range result.Requests {
			s.Telemetry.RequestsWrittenTotal.WithLabelValues(string(r.Resource)).Inc()
		}
	}
	for eventName, n := range result.EventsToRemove {
		if err := s.Store.DeleteNumEventsByStructure(ctx, st.Name, eventName, n); err != nil {
			return fmt.Errorf("consume events %s: %w", eventName, err)
		}
		resource := ""
		for _, e := range valid {
			if e.Name == eventName {
				resource = string(e.Resource)
				break
			}
		}
		s.Telemetry.EventsConsumedTotal.WithLabelValues(resource).Add(float64(n))
	}

	return nil
}

// queryUsage asks MetricsClient for every guardable resource's
// derived usage metric, tagged by the structure's identity.
func (s *Scheduler) queryUsage(ctx context.Context, st *domain.Structure, cfg domain.ServiceConfig) (map[string]metricsclient.Value, error) {
	tagKey, ok := tagKeyFor[st.Subtype]
	if !ok {
		return nil, fmt.Errorf("unknown subtype %q", st.Subtype)
	}
	tagValue := st.Name
	if st.IsContainer() && st.Host != "" {
		tagValue = st.Host
	}
	tags := map[string]string{tagKey: tagValue}

	sourceMetricsByDerived := make(map[string][]string, len(cfg.GuardableResources))
	for _, res := range cfg.GuardableResources {
		derived := string(res) + ".usage"
		sources, known := metricsclient.SourceMetricsFor(st.Subtype, derived)
		if !known {
			continue
		}
		sourceMetricsByDerived[derived] = sources
	}

	window := time.Duration(cfg.WindowTimelapseSeconds) * time.Second
	delay := time.Duration(cfg.WindowDelaySeconds) * time.Second
	return s.Metrics.Query(ctx, tags, window, delay, sourceMetricsByDerived)
}

// applyUsage writes each resolved usage value back onto the
// structure's resource state so internal/events and internal/requests
// can read it without a second parameter threaded through every call.
func applyUsage(st *domain.Structure, usages map[string]metricsclient.Value) {
	for derived, val := range usages {
		f, ok := val.Float()
		if !ok {
			continue
		}
		res := domain.Resource(derived[:len(derived)-len(".usage")])
		rs, exists := st.Resources[res]
		if !exists {
			continue
		}
		n := int(f)
		rs.Usage = &n
		st.Resources[res] = rs
	}
}

func usageByResource(resources map[domain.Resource]domain.ResourceState) map[domain.Resource]*int {
	out := make(map[domain.Resource]*int, len(resources))
	for res, rs := range resources {
		out[res] = rs.Usage
	}
	return out
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
