// Package engine implements the rule engine: the single authority that
// turns operator intent (block app X from reaching target Y) into durable
// rows and materialized kernel state, and answers the monitor loop's
// allow/deny questions from an in-memory cache kept in sync with the store.
package engine

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	uberatomic "go.uber.org/atomic"

	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer"
	"github.com/Vaidhanik/Firewall-sub000/internal/errs"
	"github.com/Vaidhanik/Firewall-sub000/internal/log"
	"github.com/Vaidhanik/Firewall-sub000/internal/resolver"
	"github.com/Vaidhanik/Firewall-sub000/internal/store"
)

// Stats summarizes engine activity for the operator "stats" surface.
type Stats struct {
	ActiveRules    int64
	TotalAdds      int64
	TotalRemoves   int64
	TotalRefreshes int64
}

// cacheEntry is one active rule projected into the evaluate() fast path: its
// resolved addresses flattened into a set, plus enough bookkeeping to know
// when a domain rule needs a background refresh.
type cacheEntry struct {
	rule          store.Rule
	addrs         map[string]struct{}
	lastRefreshed time.Time
}

type cacheTable map[string][]cacheEntry

// Engine is the rule engine described by the component design: it owns the
// durable store, drives DNS resolution and the platform enforcer, and serves
// evaluate() from a cache that is always rebuilt from the store, never the
// reverse.
type Engine struct {
	store    store.Store
	resolver resolver.Clienter
	enf      enforcer.Capability

	staleness time.Duration

	// writeMu serializes Add/Remove/RefreshDomain's store writes. It is
	// never held across an Enforcer call: those can block on a subprocess
	// or syscall, and a stuck enforcer must not stall every other writer.
	writeMu sync.Mutex

	cache atomic.Pointer[cacheTable]

	refreshing  sync.Map // ruleID int64 -> struct{}, dedupes concurrent async refreshes
	refreshedAt sync.Map // ruleID int64 -> time.Time, last successful resolution

	addCount     uberatomic.Int64
	removeCount  uberatomic.Int64
	refreshCount uberatomic.Int64
}

// New builds an Engine over the given store, resolver, and platform
// enforcer. staleness is how long a domain rule's resolved set may go
// unrefreshed before evaluate() kicks off a background refresh.
func New(st store.Store, res resolver.Clienter, enf enforcer.Capability, staleness time.Duration) *Engine {
	e := &Engine{
		store:     st,
		resolver:  res,
		enf:       enf,
		staleness: staleness,
	}
	empty := make(cacheTable)
	e.cache.Store(&empty)
	return e
}

// Warm loads every active rule from the store and rebuilds the cache. Call
// this once at startup before serving Evaluate traffic.
func (e *Engine) Warm(ctx context.Context) error {
	rules, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	e.swapCache(rules)
	return nil
}

// Add resolves target, installs a drop rule for every resolved address, and
// persists the rule. On any enforcer failure partway through, every address
// already installed for this attempt is rolled back and the rule is left
// inactive: Add either fully succeeds or leaves no kernel state behind.
func (e *Engine) Add(ctx context.Context, app, target string) (int64, error) {
	traceID := uuid.NewString()
	if app == "" || target == "" {
		return 0, errs.ErrInvalidArgument
	}

	res, err := e.resolver.LookupHost(ctx, target)
	if err != nil || res.Empty() {
		return 0, errs.ErrResolutionFailed
	}

	kind := store.TargetIP
	if net.ParseIP(target) == nil {
		kind = store.TargetDomain
	}

	row := &store.Rule{
		App:        app,
		Target:     target,
		TargetKind: kind,
		ResolvedV4: res.V4,
		ResolvedV6: res.V6,
		CreatedAt:  time.Now(),
		Active:     true,
	}

	e.writeMu.Lock()
	id, err := e.store.InsertRule(ctx, row)
	e.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	row.ID = id
	e.refreshedAt.Store(id, time.Now())

	installed := make([]net.IP, 0, len(res.All()))
	for _, ip := range res.All() {
		if err := e.enf.Install(ctx, id, app, ip); err != nil {
			log.Warnf("add %s: rolling back rule %d after enforcer failure: %v", traceID, id, err)
			for _, done := range installed {
				if rerr := e.enf.Remove(ctx, id, app, done); rerr != nil {
					log.Errorf("add %s: rollback remove failed for rule %d %s: %v", traceID, id, done, rerr)
				}
			}
			e.writeMu.Lock()
			_ = e.store.Deactivate(ctx, id)
			e.writeMu.Unlock()
			return 0, fmt.Errorf("enforcer_failed: %w", err)
		}
		installed = append(installed, ip)
	}

	e.addCount.Inc()
	if err := e.Warm(ctx); err != nil {
		log.Warnf("add %s: cache warm failed after committing rule %d: %v", traceID, id, err)
	}
	return id, nil
}

// Remove tears down every installed address for ruleID. If every removal
// succeeds the rule is deactivated and the error is nil. If some addresses
// fail to remove, the rule stays active so a retry can finish the job and
// the error is errs.ErrPartial. A missing or already-inactive rule is
// errs.ErrNotFound.
func (e *Engine) Remove(ctx context.Context, ruleID int64) error {
	row, err := e.store.GetRule(ctx, ruleID)
	if err != nil || row == nil || !row.Active {
		return errs.ErrNotFound
	}

	var failed bool
	for _, ip := range row.AllResolved() {
		if err := e.enf.Remove(ctx, ruleID, row.App, ip); err != nil {
			log.Warnf("remove: rule %d address %s: %v", ruleID, ip, err)
			failed = true
		}
	}
	if failed {
		return errs.ErrPartial
	}

	e.writeMu.Lock()
	err = e.store.Deactivate(ctx, ruleID)
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}

	e.removeCount.Inc()
	if err := e.Warm(ctx); err != nil {
		log.Warnf("remove: cache warm failed after deactivating rule %d: %v", ruleID, err)
	}
	return nil
}

// ListActive reads every active rule straight from the store, refreshing
// the cache as a side effect so Evaluate stays in step with reality even if
// nothing else has touched the engine recently.
func (e *Engine) ListActive(ctx context.Context) ([]store.Rule, error) {
	rules, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	e.swapCache(rules)
	return rules, nil
}

// Evaluate answers whether remoteIP is allowed for app. On a match it
// returns the lowest rule id among every matching rule: deny wins over
// allow, and the lowest id breaks ties between multiple matching rules. An
// app with no cached rules allows by default. Domain rules whose resolved
// set has gone stale trigger a non-blocking background refresh without
// affecting this call's answer.
func (e *Engine) Evaluate(app string, remoteIP net.IP) (allow bool, ruleID int64) {
	table := *e.cache.Load()
	entries := table[app]
	if len(entries) == 0 {
		return true, 0
	}

	ipStr := remoteIP.String()
	matched := int64(-1)
	for _, ent := range entries {
		if _, hit := ent.addrs[ipStr]; hit {
			if matched == -1 || ent.rule.ID < matched {
				matched = ent.rule.ID
			}
		}
		if ent.rule.TargetKind == store.TargetDomain && time.Since(ent.lastRefreshed) > e.staleness {
			e.triggerAsyncRefresh(ent.rule.ID)
		}
	}

	if matched == -1 {
		return true, 0
	}
	return false, matched
}

// EvaluateByTarget answers whether app may reach host, matching against each
// cached rule's operator-supplied target string rather than a resolved
// address. The L7 proxy uses this instead of Evaluate: it only ever knows
// the request's Host header or CONNECT target, and matching the verbatim
// target (not a DNS-resolved IP) is what lets a domain rule catch every
// address a name might resolve to, including ones the Resolver never saw.
// Tie-break rules are identical to Evaluate: deny wins, lowest rule id
// reported.
func (e *Engine) EvaluateByTarget(app, host string) (allow bool, ruleID int64) {
	table := *e.cache.Load()
	entries := table[app]
	if len(entries) == 0 {
		return true, 0
	}

	matched := int64(-1)
	for _, ent := range entries {
		if !strings.EqualFold(ent.rule.Target, host) {
			continue
		}
		if matched == -1 || ent.rule.ID < matched {
			matched = ent.rule.ID
		}
	}

	if matched == -1 {
		return true, 0
	}
	return false, matched
}

// RefreshDomain re-resolves a domain rule's target and diffs the new
// address set against what the store currently records: only the delta is
// pushed through the enforcer, and the store row is updated to whatever
// ended up actually installed. Diffing against the store's current state
// rather than an assumed prior result makes RefreshDomain idempotent: a
// refresh interrupted partway through converges to the same union when
// re-run.
func (e *Engine) RefreshDomain(ctx context.Context, ruleID int64) error {
	row, err := e.store.GetRule(ctx, ruleID)
	if err != nil || row == nil || !row.Active {
		return errs.ErrNotFound
	}
	if row.TargetKind != store.TargetDomain {
		return nil
	}

	res, err := e.resolver.LookupHost(ctx, row.Target)
	if err != nil || res.Empty() {
		return errs.ErrResolutionFailed
	}

	oldSet := toSet(row.AllResolved())
	newSet := toSet(res.All())

	var refreshErr error
	for ip := range newSet {
		if _, had := oldSet[ip]; had {
			continue
		}
		if err := e.enf.Install(ctx, ruleID, row.App, net.ParseIP(ip)); err != nil {
			log.Warnf("refresh_domain rule %d: install %s failed: %v", ruleID, ip, err)
			refreshErr = err
			delete(newSet, ip) // not actually installed; retried on the next refresh
		}
	}
	for ip := range oldSet {
		if _, keep := newSet[ip]; keep {
			continue
		}
		if err := e.enf.Remove(ctx, ruleID, row.App, net.ParseIP(ip)); err != nil {
			log.Warnf("refresh_domain rule %d: remove %s failed: %v", ruleID, ip, err)
			refreshErr = err
			newSet[ip] = struct{}{} // still installed; kept until a later refresh clears it
		}
	}

	finalV4, finalV6 := splitBySet(newSet)
	e.writeMu.Lock()
	err = e.store.UpdateResolved(ctx, ruleID, finalV4, finalV6)
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	e.refreshedAt.Store(ruleID, time.Now())

	e.refreshCount.Inc()
	if werr := e.Warm(ctx); werr != nil {
		log.Warnf("refresh_domain rule %d: cache warm failed: %v", ruleID, werr)
	}
	return refreshErr
}

// Stats reports cumulative engine activity for the operator stats surface.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	rules, err := e.store.ListActive(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return Stats{
		ActiveRules:    int64(len(rules)),
		TotalAdds:      e.addCount.Load(),
		TotalRemoves:   e.removeCount.Load(),
		TotalRefreshes: e.refreshCount.Load(),
	}, nil
}

// LogAttempt appends an observed connection attempt to the durable attempt
// log. Callers are the monitor loop and the L7 proxy, which observe
// attempts the rule engine itself never sees directly.
func (e *Engine) LogAttempt(ctx context.Context, a *store.AttemptLog) error {
	return e.store.AppendAttempt(ctx, a)
}

// TailAttempts returns the n most recent attempt log entries, newest first.
func (e *Engine) TailAttempts(ctx context.Context, n int) ([]store.AttemptLog, error) {
	return e.store.TailAttempts(ctx, n)
}

func (e *Engine) triggerAsyncRefresh(ruleID int64) {
	if _, loaded := e.refreshing.LoadOrStore(ruleID, struct{}{}); loaded {
		return
	}
	go func() {
		defer e.refreshing.Delete(ruleID)
		if err := e.RefreshDomain(context.Background(), ruleID); err != nil {
			log.Warnf("background refresh for rule %d: %v", ruleID, err)
		}
	}()
}

// swapCache rebuilds the cache table from rules and atomically publishes
// it. Readers in Evaluate never observe a partially built table: they see
// either the previous table or the fully built new one.
func (e *Engine) swapCache(rules []store.Rule) {
	table := make(cacheTable, len(rules))
	for _, r := range rules {
		ent := cacheEntry{
			rule:          r,
			addrs:         toSet(r.AllResolved()),
			lastRefreshed: e.lastResolvedAt(r),
		}
		table[r.App] = append(table[r.App], ent)
	}
	e.cache.Store(&table)
}

// lastResolvedAt returns the last time r's target was successfully
// resolved. Rules loaded from the store on a fresh process (no in-memory
// record yet) fall back to CreatedAt, which conservatively marks them
// eligible for an immediate staleness-triggered refresh.
func (e *Engine) lastResolvedAt(r store.Rule) time.Time {
	if v, ok := e.refreshedAt.Load(r.ID); ok {
		return v.(time.Time)
	}
	return r.CreatedAt
}

func toSet(ips []net.IP) map[string]struct{} {
	out := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		out[ip.String()] = struct{}{}
	}
	return out
}

func splitBySet(set map[string]struct{}) (v4, v6 []net.IP) {
	for s := range set {
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			v4 = append(v4, ip4)
		} else {
			v6 = append(v6, ip)
		}
	}
	return v4, v6
}
