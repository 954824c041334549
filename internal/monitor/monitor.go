// Package monitor implements the monitor loop: the component that ties live
// kernel connection state back to the rule engine's evaluate() answer, on a
// fixed tick, without ever blocking on a slow enforcer call.
package monitor

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/Vaidhanik/Firewall-sub000/internal/attributor"
	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer"
	"github.com/Vaidhanik/Firewall-sub000/internal/engine"
	"github.com/Vaidhanik/Firewall-sub000/internal/log"
	"github.com/Vaidhanik/Firewall-sub000/internal/store"
)

// Loop ticks on a fixed interval, enumerates active sockets, evaluates each
// against the rule engine, and reasserts kernel state for anything that
// should be denied but is found connected anyway.
type Loop struct {
	attr     attributor.Attributor
	eng      *engine.Engine
	enf      enforcer.Capability
	interval time.Duration
	// refreshTicks is how many ticks elapse between domain-rule refresh
	// sweeps; 0 disables periodic refresh (evaluate's own staleness check
	// still fires refreshes on demand).
	refreshTicks int

	mu     sync.Mutex
	active map[string]struct{} // apps seen active on the previous tick
}

// New builds a Loop over attr (socket-to-process attribution), eng (the
// rule engine), and enf (the platform enforcer used to reassert state on a
// deny). interval is the tick period; refreshTicks is how many ticks elapse
// between periodic domain-rule refresh sweeps.
func New(attr attributor.Attributor, eng *engine.Engine, enf enforcer.Capability, interval time.Duration, refreshTicks int) *Loop {
	return &Loop{
		attr:         attr,
		eng:          eng,
		enf:          enf,
		interval:     interval,
		refreshTicks: refreshTicks,
		active:       map[string]struct{}{},
	}
}

// Run ticks until ctx is canceled. Cancellation is cooperative: the loop
// finishes whatever tick it is mid-way through and returns without issuing
// any further Enforcer calls.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			l.runTick(ctx)
			if l.refreshTicks > 0 && tick%l.refreshTicks == 0 {
				l.refreshDomains(ctx)
			}
		}
	}
}

func (l *Loop) runTick(ctx context.Context) {
	conns, err := l.attr.Enumerate()
	if err != nil {
		log.Warnf("monitor: enumerate failed: %v", err)
		return
	}

	current := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		app := c.Process.ExeBasename
		if app == "" || app == "unknown" {
			continue
		}
		current[app] = struct{}{}

		if c.Proto == attributor.TCP && c.State != attributor.Established {
			continue
		}
		l.evaluateConnection(ctx, app, c)
	}

	l.diffActivity(current)
}

func (l *Loop) evaluateConnection(ctx context.Context, app string, c attributor.Connection) {
	remote := c.Remote.IP
	allow, ruleID := l.eng.Evaluate(app, remote)
	if allow {
		log.Debugf("monitor: allow %s -> %s", app, remote)
		return
	}

	log.Warnf("monitor: deny %s -> %s (rule %d)", app, remote, ruleID)
	attempt := &store.AttemptLog{
		RuleID:    sql.NullInt64{Int64: ruleID, Valid: ruleID != 0},
		Timestamp: time.Now(),
		App:       app,
		Source:    c.Local.String(),
		Target:    remote.String(),
		Detail:    "monitor",
	}
	if err := l.eng.LogAttempt(ctx, attempt); err != nil {
		log.Warnf("monitor: logging attempt failed: %v", err)
	}
	if err := l.enf.Reassert(ctx, ruleID, app, remote); err != nil {
		log.Warnf("monitor: reassert failed for rule %d: %v", ruleID, err)
	}
}

// diffActivity logs applications that started or stopped having attributed
// sockets since the previous tick, mirroring what the operator would see in
// a process list without requiring them to poll one.
func (l *Loop) diffActivity(current map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for app := range current {
		if _, ok := l.active[app]; !ok {
			log.Infof("monitor: new application active: %s", app)
		}
	}
	for app := range l.active {
		if _, ok := current[app]; !ok {
			log.Infof("monitor: application stopped: %s", app)
		}
	}
	l.active = current
}

func (l *Loop) refreshDomains(ctx context.Context) {
	rules, err := l.eng.ListActive(ctx)
	if err != nil {
		log.Warnf("monitor: listing active rules for refresh sweep: %v", err)
		return
	}
	for _, r := range rules {
		if r.TargetKind != store.TargetDomain {
			continue
		}
		if err := l.eng.RefreshDomain(ctx, r.ID); err != nil {
			log.Warnf("monitor: refresh_domain rule %d: %v", r.ID, err)
		}
	}
}
