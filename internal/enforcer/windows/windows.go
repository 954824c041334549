// Package windows implements the enforcer capability contract against the
// Windows Filtering Platform via netsh advfirewall. Each (rule, app, ip)
// triplet gets one outbound block rule, named so CurrentState can recover
// the triplet back out of `netsh advfirewall firewall show rule`.
package windows

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer"
	"github.com/Vaidhanik/Firewall-sub000/internal/errs"
)

// Runner executes netsh. Injected so tests never touch the real Windows
// Filtering Platform.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Enforcer implements enforcer.Capability for Windows.
type Enforcer struct {
	run Runner
}

var _ enforcer.Capability = (*Enforcer)(nil)

// New returns a Windows enforcer backed by the real netsh binary.
func New() *Enforcer { return &Enforcer{run: execRunner{}} }

func newForTest(run Runner) *Enforcer { return &Enforcer{run: run} }

// ruleName encodes (ruleID, app, ip) into a single netsh rule name. netsh
// rule names tolerate spaces, but keeping it delimiter-based keeps
// parseRuleName's inverse simple and unambiguous.
func ruleName(ruleID int64, app string, ip net.IP) string {
	return fmt.Sprintf("FWGATEKEEPER_%d_%s_%s", ruleID, app, ip.String())
}

// parseRuleName inverts ruleName, tolerating underscores in app by taking
// the first underscore as the rule id boundary and the last as the ip
// boundary.
func parseRuleName(name string) (ruleID int64, app, ip string, ok bool) {
	const prefix = "FWGATEKEEPER_"
	if !strings.HasPrefix(name, prefix) {
		return 0, "", "", false
	}
	rest := name[len(prefix):]
	i := strings.IndexByte(rest, '_')
	if i < 0 {
		return 0, "", "", false
	}
	id, err := strconv.ParseInt(rest[:i], 10, 64)
	if err != nil {
		return 0, "", "", false
	}
	rest2 := rest[i+1:]
	j := strings.LastIndexByte(rest2, '_')
	if j < 0 {
		return 0, "", "", false
	}
	return id, rest2[:j], rest2[j+1:], true
}

// Install adds an outbound block rule for (ruleID, app, ip), tolerating
// the rule already existing.
func (e *Enforcer) Install(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	name := ruleName(ruleID, app, ip)
	if e.exists(ctx, name) {
		return nil
	}
	_, err := e.run.Run(ctx, "netsh", "advfirewall", "firewall", "add", "rule",
		"name="+name,
		"dir=out",
		"action=block",
		"enable=yes",
		"program="+app,
		"remoteip="+ip.String(),
	)
	if err != nil {
		return errs.NewEnforcerError("add_rule", name, err)
	}
	return nil
}

// Remove deletes the rule for (ruleID, app, ip). A missing rule is not an
// error: netsh's own delete is already idempotent in that sense, but it
// still exits non-zero when nothing matches, so the caller checks first.
func (e *Enforcer) Remove(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	name := ruleName(ruleID, app, ip)
	if !e.exists(ctx, name) {
		return nil
	}
	_, err := e.run.Run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule", "name="+name)
	if err != nil {
		return errs.NewEnforcerError("delete_rule", name, err)
	}
	return nil
}

// Reassert installs (ruleID, app, ip) only if it is not already present.
func (e *Enforcer) Reassert(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	if e.exists(ctx, ruleName(ruleID, app, ip)) {
		return nil
	}
	return e.Install(ctx, ruleID, app, ip)
}

func (e *Enforcer) exists(ctx context.Context, name string) bool {
	out, err := e.run.Run(ctx, "netsh", "advfirewall", "firewall", "show", "rule", "name="+name)
	if err != nil {
		return false
	}
	return strings.Contains(out, name)
}

// CurrentState enumerates every FWGATEKEEPER_-tagged rule via
// `netsh advfirewall firewall show rule name=all`, parsing the
// "Rule Name:" lines netsh prints for each rule.
func (e *Enforcer) CurrentState(ctx context.Context) ([]enforcer.Installed, error) {
	out, err := e.run.Run(ctx, "netsh", "advfirewall", "firewall", "show", "rule", "name=all")
	if err != nil {
		return nil, errs.NewEnforcerError("show_rules", "name=all", err)
	}

	var result []enforcer.Installed
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Rule Name:") {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "Rule Name:"))
		id, app, ipStr, ok := parseRuleName(name)
		if !ok {
			continue
		}
		result = append(result, enforcer.Installed{RuleID: id, App: app, IP: net.ParseIP(ipStr)})
	}
	return result, sc.Err()
}

// Cleanup removes every rule tagged for app.
func (e *Enforcer) Cleanup(ctx context.Context, app string) error {
	state, err := e.CurrentState(ctx)
	if err != nil {
		return err
	}
	for _, s := range state {
		if s.App != app {
			continue
		}
		if err := e.Remove(ctx, s.RuleID, s.App, s.IP); err != nil {
			return err
		}
	}
	return nil
}
