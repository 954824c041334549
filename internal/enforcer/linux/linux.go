// Package linux implements the enforcer capability contract against
// iptables/ip6tables and a cgroup-v1 net_cls classifier: one chain per
// app, one cgroup per app, and one comment-tagged triplet of rules per
// (rule, app, ip).
package linux

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/mitchellh/go-ps"

	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer"
	"github.com/Vaidhanik/Firewall-sub000/internal/errs"
	"github.com/Vaidhanik/Firewall-sub000/internal/filesys"
	"github.com/Vaidhanik/Firewall-sub000/internal/log"
)

const cgroupBase = "/sys/fs/cgroup/net_cls"

// Runner executes an external command and returns its combined output.
// Injected so tests never shell out to a real iptables binary.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// processLister discovers running processes by executable basename.
// Satisfied by github.com/mitchellh/go-ps.
type processLister interface {
	Processes() ([]ps.Process, error)
}

type goPSLister struct{}

func (goPSLister) Processes() ([]ps.Process, error) { return ps.Processes() }

// cgroupFS is the filesystem surface the cgroup-v1 net_cls classifier
// needs. Writes to cgroup pseudo-files can't go through filesys.AtomicWrite
// (you cannot rename(2) into a virtual cgroupfs entry), so this stays a
// plain direct write, unlike the PF anchor's atomic-replace pattern.
type cgroupFS interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(path string, data []byte, perm os.FileMode) error
	Remove(path string) error
}

// Enforcer implements enforcer.Capability for Linux.
type Enforcer struct {
	run   Runner
	fs    cgroupFS
	procs processLister
	uid   int
}

var (
	_ enforcer.Capability = (*Enforcer)(nil)
	_ cgroupFS            = filesys.OsFS{}
)

// New returns a Linux enforcer. uid is the owning user whose traffic the
// per-app jump rule matches (SUDO_UID when running under sudo, else the
// effective uid).
func New(uid int) *Enforcer {
	return &Enforcer{
		run:   execRunner{},
		fs:    filesys.OS(),
		procs: goPSLister{},
		uid:   uid,
	}
}

func newForTest(run Runner, fs cgroupFS, procs processLister, uid int) *Enforcer {
	return &Enforcer{run: run, fs: fs, procs: procs, uid: uid}
}

func chainName(app string) string { return "APP_" + strings.ToUpper(app) }

func tag(ruleID int64, app string, ip string) string {
	return fmt.Sprintf("block_%d_%s_%s", ruleID, app, ip)
}

// parseTag inverts tag, tolerating underscores inside app by taking the
// first underscore as the rule id boundary and the last as the ip boundary.
func parseTag(s string) (ruleID int64, app, ip string, ok bool) {
	const prefix = "block_"
	if !strings.HasPrefix(s, prefix) {
		return 0, "", "", false
	}
	rest := s[len(prefix):]
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

func iptablesFor(ip string) string {
	if strings.Contains(ip, ":") {
		return "ip6tables"
	}
	return "iptables"
}

// stableClassID computes the deterministic, non-zero 32-bit net_cls
// classid for app: high 16 bits fixed at 1, low 16 bits a stable hash of
// the app name forced non-zero. xxhash is seedless, so the classid is
// reproducible across processes, not just within one run.
func stableClassID(app string) uint32 {
	h := uint32(xxhash.Sum64String(app) & 0xFFFF)
	if h == 0 {
		h = 1
	}
	return 1<<16 | h
}

// Install ensures the chain, jump rule, cgroup, and the tagged triplet of
// DROP rules exist for (ruleID, app, ip). Every step tolerates
// "already exists"; the DROP rules are appended only when the chain does
// not already hold all three rules tagged for this triplet.
func (e *Enforcer) Install(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	ipStr := ip.String()
	cmd := iptablesFor(ipStr)
	chain := chainName(app)

	if err := e.ensureChain(ctx, cmd, chain); err != nil {
		return err
	}

	classID := stableClassID(app)
	if err := e.ensureCgroup(app, classID); err != nil {
		return err
	}

	if err := e.ensureJump(ctx, cmd, chain, classID); err != nil {
		return err
	}

	e.trackProcesses(app) // best effort; failure to move a pid is non-fatal

	t := tag(ruleID, app, ipStr)
	proto6 := iptablesFor(ipStr) == "ip6tables"

	rules := [][]string{
		{"-A", chain, "-p", "tcp", "-d", ipStr, "-m", "state", "--state", "NEW,ESTABLISHED", "-m", "comment", "--comment", t, "-j", "DROP"},
		{"-A", chain, "-p", "udp", "-d", ipStr, "-m", "comment", "--comment", t, "-j", "DROP"},
		{"-A", chain, "-p", icmpProto(proto6), "-d", ipStr, "-m", "comment", "--comment", t, "-j", "DROP"},
	}
	if lines, err := e.listChainLines(ctx, cmd, chain); err == nil {
		present := 0
		for _, l := range lines {
			if l.comment == t {
				present++
			}
		}
		if present >= len(rules) {
			return nil // triplet already fully installed
		}
	}
	for _, args := range rules {
		if _, err := e.run.Run(ctx, cmd, args...); err != nil {
			return errs.NewEnforcerError("append_rule", fmt.Sprintf("%s %v", cmd, args), err)
		}
	}
	return nil
}

func icmpProto(v6 bool) string {
	if v6 {
		return "icmpv6"
	}
	return "icmp"
}

func (e *Enforcer) ensureChain(ctx context.Context, cmd, chain string) error {
	// -N errors if the chain already exists; that's fine, we only care
	// whether it exists afterward.
	_, _ = e.run.Run(ctx, cmd, "-N", chain)
	return nil
}

// jumpSpec is the OUTPUT jump's full rule spec. -C and -D match the exact
// spec, so every caller carries the same matchers the insert used or it
// would never find the rule.
func (e *Enforcer) jumpSpec(chain string, classID uint32) []string {
	return []string{
		"-m", "owner", "--uid-owner", strconv.Itoa(e.uid),
		"-m", "cgroup", "--cgroup", strconv.FormatUint(uint64(classID), 10),
		"-j", chain,
	}
}

func (e *Enforcer) ensureJump(ctx context.Context, cmd, chain string, classID uint32) error {
	spec := e.jumpSpec(chain, classID)
	if _, err := e.run.Run(ctx, cmd, append([]string{"-C", "OUTPUT"}, spec...)...); err == nil {
		return nil // jump already present
	}
	if _, err := e.run.Run(ctx, cmd, append([]string{"-I", "OUTPUT", "1"}, spec...)...); err != nil {
		return errs.NewEnforcerError("install_jump", cmd+" OUTPUT -> "+chain, err)
	}
	return nil
}

func (e *Enforcer) ensureCgroup(app string, classID uint32) error {
	dir := cgroupBase + "/" + app
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return errs.NewEnforcerError("ensure_cgroup", dir, err)
	}
	classFile := dir + "/net_cls.classid"
	if err := e.fs.WriteFile(classFile, []byte(strconv.FormatUint(uint64(classID), 10)), 0o644); err != nil {
		return errs.NewEnforcerError("write_classid", classFile, err)
	}
	return nil
}

// trackProcesses moves every running process whose executable basename
// equals app into the app's cgroup. Failures (process already exited) are
// logged but never returned. It runs on every Install call; Reassert reaches
// it only when the rule is missing and gets reinstalled, so processes that
// start later are not moved while the rule stays in place.
func (e *Enforcer) trackProcesses(app string) {
	procs, err := e.procs.Processes()
	if err != nil {
		log.Warnf("listing processes for cgroup tracking of %s: %v", app, err)
		return
	}
	cgroupProcsFile := cgroupBase + "/" + app + "/cgroup.procs"
	for _, p := range procs {
		if p.Executable() != app {
			continue
		}
		if err := e.fs.WriteFile(cgroupProcsFile, []byte(strconv.Itoa(p.Pid())), 0o644); err != nil {
			log.Debugf("moving pid %d into cgroup for %s: %v", p.Pid(), app, err)
		}
	}
}

// Remove deletes every rule tagged with (ruleID, app, ip) from the app
// chain, highest line number first, then drops the chain/jump/cgroup if
// nothing else references them.
func (e *Enforcer) Remove(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	ipStr := ip.String()
	cmd := iptablesFor(ipStr)
	chain := chainName(app)
	want := tag(ruleID, app, ipStr)

	lines, err := e.listChainLines(ctx, cmd, chain)
	if err != nil {
		return nil // chain absent: nothing to remove
	}

	var toDelete []int
	for _, l := range lines {
		if l.comment == want {
			toDelete = append(toDelete, l.num)
		}
	}
	for i := len(toDelete) - 1; i >= 0; i-- {
		if _, err := e.run.Run(ctx, cmd, "-D", chain, strconv.Itoa(toDelete[i])); err != nil {
			return errs.NewEnforcerError("delete_rule", fmt.Sprintf("%s line %d", chain, toDelete[i]), err)
		}
	}

	remaining, err := e.listChainLines(ctx, cmd, chain)
	if err == nil && len(remaining) == 0 {
		e.teardownChain(ctx, cmd, app)
		if !e.chainReferencedElsewhere(ctx, app) {
			_ = e.fs.Remove(cgroupBase + "/" + app)
		}
	}
	return nil
}

func (e *Enforcer) teardownChain(ctx context.Context, cmd, app string) {
	chain := chainName(app)
	spec := e.jumpSpec(chain, stableClassID(app))
	_, _ = e.run.Run(ctx, cmd, append([]string{"-D", "OUTPUT"}, spec...)...)
	_, _ = e.run.Run(ctx, cmd, "-F", chain)
	_, _ = e.run.Run(ctx, cmd, "-X", chain)
}

// chainReferencedElsewhere reports whether the other protocol family's
// chain for app still has rules, so the cgroup is only torn down once both
// iptables and ip6tables chains are empty.
func (e *Enforcer) chainReferencedElsewhere(ctx context.Context, app string) bool {
	chain := chainName(app)
	for _, cmd := range []string{"iptables", "ip6tables"} {
		lines, err := e.listChainLines(ctx, cmd, chain)
		if err == nil && len(lines) > 0 {
			return true
		}
	}
	return false
}

// Reassert installs (ruleID, app, ip) only if it is not already present in
// the kernel table, recovering from external tampering without duplicating
// rules that already exist.
func (e *Enforcer) Reassert(ctx context.Context, ruleID int64, app string, ip net.IP) error {
	state, err := e.CurrentState(ctx)
	if err != nil {
		return err
	}
	ipStr := ip.String()
	for _, s := range state {
		if s.RuleID == ruleID && s.App == app && s.IP.String() == ipStr {
			return nil
		}
	}
	return e.Install(ctx, ruleID, app, ip)
}

// CurrentState enumerates every comment-tagged rule across every APP_*
// chain in both iptables and ip6tables.
func (e *Enforcer) CurrentState(ctx context.Context) ([]enforcer.Installed, error) {
	var out []enforcer.Installed
	for _, cmd := range []string{"iptables", "ip6tables"} {
		chains, err := e.listChains(ctx, cmd)
		if err != nil {
			continue
		}
		for _, chain := range chains {
			lines, err := e.listChainLines(ctx, cmd, chain)
			if err != nil {
				continue
			}
			for _, l := range lines {
				id, app, ipStr, ok := parseTag(l.comment)
				if !ok {
					continue
				}
				out = append(out, enforcer.Installed{RuleID: id, App: app, IP: parseIPOrNil(ipStr)})
			}
		}
	}
	return out, nil
}

func parseIPOrNil(s string) net.IP { return net.ParseIP(s) }

func (e *Enforcer) listChains(ctx context.Context, cmd string) ([]string, error) {
	out, err := e.run.Run(ctx, cmd, "-S")
	if err != nil {
		return nil, err
	}
	var chains []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "-N APP_") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			chains = append(chains, fields[1])
		}
	}
	return chains, sc.Err()
}

type chainLine struct {
	num     int
	comment string
}

var commentRe = regexp.MustCompile(`/\*\s*(\S+)\s*\*/`)

// listChainLines runs `iptables -L <chain> -n --line-numbers` and returns
// each rule's line number and comment tag, if any.
func (e *Enforcer) listChainLines(ctx context.Context, cmd, chain string) ([]chainLine, error) {
	out, err := e.run.Run(ctx, cmd, "-L", chain, "-n", "--line-numbers")
	if err != nil {
		return nil, err
	}

	var lines []chainLine
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header lines
		}
		m := commentRe.FindStringSubmatch(sc.Text())
		comment := ""
		if len(m) == 2 {
			comment = m[1]
		}
		lines = append(lines, chainLine{num: num, comment: comment})
	}
	return lines, sc.Err()
}

// Cleanup removes every rule, the chain, the jump, and the cgroup for app
// in both protocol families.
func (e *Enforcer) Cleanup(ctx context.Context, app string) error {
	for _, cmd := range []string{"iptables", "ip6tables"} {
		e.teardownChain(ctx, cmd, app)
	}
	if err := e.fs.Remove(cgroupBase + "/" + app); err != nil {
		log.Debugf("removing cgroup for %s during cleanup: %v", app, err)
	}
	return nil
}
