// Package enforcer defines the capability contract that every platform's
// kernel packet-filter integration implements, and selects the concrete
// implementation for the running host.
package enforcer

import (
	"context"
	"net"
)

// Installed describes one piece of materialized kernel state: a rule id,
// the app it belongs to, and the address it blocks.
type Installed struct {
	RuleID int64
	App    string
	IP     net.IP
}

// Capability is the contract every platform enforcer implements. The rule
// engine and monitor loop only ever talk to this interface, never to a
// concrete platform type, so neither has to special-case the host OS.
type Capability interface {
	// Install materializes a drop rule for (ruleID, app, ip). Must be
	// idempotent: calling it twice for the same tuple is a no-op the
	// second time.
	Install(ctx context.Context, ruleID int64, app string, ip net.IP) error
	// Remove tears down the rule for (ruleID, app, ip). Must tolerate the
	// rule already being absent.
	Remove(ctx context.Context, ruleID int64, app string, ip net.IP) error
	// Reassert re-installs (ruleID, app, ip) if and only if it is not
	// already fully present, without duplicating state that is. Used by
	// the monitor loop to recover from external tampering.
	Reassert(ctx context.Context, ruleID int64, app string, ip net.IP) error
	// CurrentState enumerates every piece of kernel state this enforcer
	// currently owns, keyed by its (ruleID, app, ip) tag.
	CurrentState(ctx context.Context) ([]Installed, error)
	// Cleanup removes every piece of state for app, including shared
	// scaffolding (chains, cgroups, anchors) left behind once no rule
	// references it.
	Cleanup(ctx context.Context, app string) error
}
