// Package pf implements the enforcer capability contract against the
// macOS/BSD packet filter. A single anchor holds one marked block per
// (rule, app, ip) triplet; CurrentState and Reassert work by parsing that
// anchor's text back out rather than tracking state separately, so the
// kernel's own anchor file is always the source of truth.
package pf

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer"
	"github.com/Vaidhanik/Firewall-sub000/internal/errs"
	"github.com/Vaidhanik/Firewall-sub000/internal/filesys"
)

const _pfAnchorPath = "/etc/pf.anchors/fwgatekeeper"

const anchorName = "fwgatekeeper"

// Runner executes pfctl. Injected so tests never touch the real kernel
// packet filter.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// block is one parsed BEGIN/END region of the anchor file.
type block struct {
	ruleID int64
	app    string
	ip     net.IP
}

// ManagerImpl implements enforcer.Capability by rewriting a single PF
// anchor file and reloading it with pfctl.
type ManagerImpl struct {
	fs         filesys.FileOps
	cmd        Runner
	anchorPath string
}

var _ enforcer.Capability = (*ManagerImpl)(nil)

// New returns a pf enforcer backed by the real filesystem and pfctl.
func New() *ManagerImpl {
	return &ManagerImpl{fs: filesys.OS(), cmd: execRunner{}, anchorPath: _pfAnchorPath}
}

func newForTest(fs filesys.FileOps, cmd Runner) *ManagerImpl {
	return &ManagerImpl{fs: fs, cmd: cmd, anchorPath: _pfAnchorPath}
}

var (
	beginRe = regexp.MustCompile(`^# === FWGATEKEEPER-RULE (\S+) BEGIN ===\r?$`)
	endRe   = regexp.MustCompile(`^# === FWGATEKEEPER-RULE (\S+) END ===\r?$`)
	appRe   = regexp.MustCompile(`^# App: (\S+)\r?$`)
	ipRe    = regexp.MustCompile(`^# IP: (\S+)\r?$`)
)

// walk scans r for well-formed BEGIN/END regions, returning one block per
// region. It rejects orphan ENDs, mismatched IDs, nested BEGINs, and
// duplicate (rule, app, ip) blocks, mirroring pfctl's own anchor file being the only source
// of truth: a malformed anchor must never silently parse as "no rules".
func (m *ManagerImpl) walk(r io.Reader) ([]block, error) {
	var (
		blocks []block
		cur    *block
		curID  string
		seen   = map[string]bool{}
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()

		if bm := beginRe.FindStringSubmatch(line); bm != nil {
			if cur != nil {
				return nil, fmt.Errorf("nested BEGIN for %q inside %q", bm[1], curID)
			}
			curID = bm[1]
			cur = &block{}
			continue
		}

		if em := endRe.FindStringSubmatch(line); em != nil {
			if cur == nil {
				return nil, fmt.Errorf("orphan END for %q", em[1])
			}
			if em[1] != curID {
				return nil, fmt.Errorf("mismatched END id %q, expected %q", em[1], curID)
			}
			key := curID + "|" + cur.app + "|" + cur.ip.String()
			if seen[key] {
				return nil, fmt.Errorf("duplicate block for rule %q app %q ip %s", curID, cur.app, cur.ip)
			}
			seen[key] = true
			id, err := strconv.ParseInt(curID, 10, 64)
			if err == nil {
				cur.ruleID = id
			}
			blocks = append(blocks, *cur)
			cur = nil
			continue
		}

		if cur == nil {
			continue
		}

		if am := appRe.FindStringSubmatch(line); am != nil {
			cur.app = am[1]
			continue
		}
		if im := ipRe.FindStringSubmatch(line); im != nil {
			cur.ip = net.ParseIP(im[1])
			continue
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("unterminated BEGIN for %q", curID)
	}
	return blocks, sc.Err()
}

// CurrentState reads the anchor file and returns every tagged block as
// installed kernel state.
func (m *ManagerImpl) CurrentState(ctx context.Context) ([]enforcer.Installed, error) {
	raw, err := m.fs.ReadFile(m.anchorPath)
	if err != nil {
		return nil, errs.NewEnforcerError("read_anchor", m.anchorPath, err)
	}
	blocks, err := m.walk(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.NewEnforcerError("parse_anchor", m.anchorPath, err)
	}

	out := make([]enforcer.Installed, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, enforcer.Installed{RuleID: b.ruleID, App: b.app, IP: b.ip})
	}
	return out, nil
}

// Install appends a tagged block for (ruleID, app, ip) to the anchor and
// reloads it with pfctl, unless that exact triplet is already present.
func (m *ManagerImpl) Install(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	raw, err := m.readAnchorTolerant()
	if err != nil {
		return err
	}

	blocks, err := m.walk(bytes.NewReader(raw))
	if err != nil {
		return errs.NewEnforcerError("parse_anchor", m.anchorPath, err)
	}
	for _, b := range blocks {
		if b.ruleID == ruleID && b.app == app && b.ip.Equal(ip) {
			return nil
		}
	}

	out := string(raw)
	if !strings.HasSuffix(out, "\n") && out != "" {
		out += "\n"
	}
	out += renderBlock(ruleID, app, ip)

	return m.writeAndReload(ctx, out)
}

// Remove deletes the tagged block for (ruleID, app, ip) from the anchor
// and reloads it. A missing block is not an error.
func (m *ManagerImpl) Remove(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	raw, err := m.readAnchorTolerant()
	if err != nil {
		return err
	}
	blocks, err := m.walk(bytes.NewReader(raw))
	if err != nil {
		return errs.NewEnforcerError("parse_anchor", m.anchorPath, err)
	}

	var kept []block
	for _, b := range blocks {
		if b.ruleID == ruleID && b.app == app && b.ip.Equal(ip) {
			continue
		}
		kept = append(kept, b)
	}
	if len(kept) == len(blocks) {
		return nil // nothing tagged with this triplet; tolerate
	}

	var sb strings.Builder
	for _, b := range kept {
		sb.WriteString(renderBlock(b.ruleID, b.app, b.ip))
	}
	return m.writeAndReload(ctx, sb.String())
}

// Reassert installs (ruleID, app, ip) only if CurrentState doesn't already
// report it, recovering from an anchor edited or reloaded out from under
// the daemon.
func (m *ManagerImpl) Reassert(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	state, err := m.CurrentState(ctx)
	if err != nil {
		return err
	}
	for _, s := range state {
		if s.RuleID == ruleID && s.App == app && s.IP.Equal(ip) {
			return nil
		}
	}
	return m.Install(ctx, ruleID, app, ip)
}

// Cleanup removes every block belonging to app and reloads the anchor.
func (m *ManagerImpl) Cleanup(ctx context.Context, app string) error {
	raw, err := m.readAnchorTolerant()
	if err != nil {
		return err
	}
	blocks, err := m.walk(bytes.NewReader(raw))
	if err != nil {
		return errs.NewEnforcerError("parse_anchor", m.anchorPath, err)
	}

	var kept []block
	for _, b := range blocks {
		if b.app == app {
			continue
		}
		kept = append(kept, b)
	}

	var sb strings.Builder
	for _, b := range kept {
		sb.WriteString(renderBlock(b.ruleID, b.app, b.ip))
	}
	return m.writeAndReload(ctx, sb.String())
}

func (m *ManagerImpl) readAnchorTolerant() ([]byte, error) {
	raw, err := m.fs.ReadFile(m.anchorPath)
	if err != nil {
		return nil, nil // anchor not yet materialized; Install creates it fresh
	}
	return raw, nil
}

func (m *ManagerImpl) writeAndReload(ctx context.Context, body string) error {
	if err := filesys.AtomicWrite(m.fs, m.anchorPath, []byte(body), 0o644); err != nil {
		return errs.NewEnforcerError("write_anchor", m.anchorPath, err)
	}
	if err := m.cmd.Run(ctx, "pfctl", "-a", anchorName, "-f", m.anchorPath); err != nil {
		return errs.NewEnforcerError("reload_anchor", anchorName, err)
	}
	return nil
}

func renderBlock(ruleID int64, app string, ip net.IP) string {
	id := strconv.FormatInt(ruleID, 10)
	ipStr := ip.String()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# === FWGATEKEEPER-RULE %s BEGIN ===\n", id)
	fmt.Fprintf(&sb, "# App: %s\n", app)
	fmt.Fprintf(&sb, "# IP: %s\n", ipStr)
	fmt.Fprintf(&sb, "block return out proto tcp from any to %s\n", ipStr)
	fmt.Fprintf(&sb, "block return out proto udp from any to %s\n", ipStr)
	fmt.Fprintf(&sb, "# === FWGATEKEEPER-RULE %s END ===\n", id)
	return sb.String()
}
