package monitor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/Vaidhanik/Firewall-sub000/internal/attributor"
	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer"
	"github.com/Vaidhanik/Firewall-sub000/internal/engine"
	"github.com/Vaidhanik/Firewall-sub000/internal/resolver"
	"github.com/Vaidhanik/Firewall-sub000/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	rows   map[int64]*store.Rule
	nextID int64
	logged []store.AttemptLog
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[int64]*store.Rule{}} }

func (s *fakeStore) InsertRule(_ context.Context, r *store.Rule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *r
	cp.ID = s.nextID
	s.rows[s.nextID] = &cp
	return s.nextID, nil
}

func (s *fakeStore) UpdateResolved(_ context.Context, id int64, v4, v6 []net.IP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.ResolvedV4, r.ResolvedV6 = v4, v6
	}
	return nil
}

func (s *fakeStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.Active = false
	}
	return nil
}

func (s *fakeStore) GetRule(_ context.Context, id int64) (*store.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ListActive(_ context.Context) ([]store.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Rule
	for _, r := range s.rows {
		if r.Active {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendAttempt(_ context.Context, a *store.AttemptLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logged = append(s.logged, *a)
	return nil
}

func (s *fakeStore) TailAttempts(_ context.Context, _ int) ([]store.AttemptLog, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) attempts() []store.AttemptLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.AttemptLog(nil), s.logged...)
}

type fakeResolver struct {
	mu      sync.Mutex
	results map[string]resolver.Result
}

func (r *fakeResolver) set(host string, res resolver.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[host] = res
}

func (r *fakeResolver) LookupHost(_ context.Context, hostname string) (resolver.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[hostname], nil
}

// fakeEnforcer records Install and Reassert tuples so tests can assert the
// loop's reassertion behavior without a kernel.
type fakeEnforcer struct {
	mu         sync.Mutex
	installed  map[string]bool
	reasserted []string
}

func newFakeEnforcer() *fakeEnforcer { return &fakeEnforcer{installed: map[string]bool{}} }

func tupleKey(app string, ip net.IP) string { return app + "/" + ip.String() }

func (e *fakeEnforcer) Install(_ context.Context, _ int64, app string, ip net.IP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installed[tupleKey(app, ip)] = true
	return nil
}

func (e *fakeEnforcer) Remove(_ context.Context, _ int64, app string, ip net.IP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.installed, tupleKey(app, ip))
	return nil
}

func (e *fakeEnforcer) Reassert(_ context.Context, _ int64, app string, ip net.IP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reasserted = append(e.reasserted, tupleKey(app, ip))
	return nil
}

func (e *fakeEnforcer) CurrentState(context.Context) ([]enforcer.Installed, error) {
	return nil, nil
}

func (e *fakeEnforcer) Cleanup(context.Context, string) error { return nil }

var _ enforcer.Capability = (*fakeEnforcer)(nil)

func (e *fakeEnforcer) reassertions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.reasserted...)
}

func (e *fakeEnforcer) has(app string, ip net.IP) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installed[tupleKey(app, ip)]
}

// fakeAttributor returns a scripted connection snapshot.
type fakeAttributor struct {
	conns []attributor.Connection
}

func (f *fakeAttributor) Lookup(attributor.Proto, net.IP, int) (attributor.Process, bool) {
	return attributor.Process{}, false
}

func (f *fakeAttributor) Enumerate() ([]attributor.Connection, error) {
	return f.conns, nil
}

var _ attributor.Attributor = (*fakeAttributor)(nil)

func conn(proto attributor.Proto, state attributor.State, app, remote string) attributor.Connection {
	return attributor.Connection{
		Proto:   proto,
		Local:   net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000},
		Remote:  net.TCPAddr{IP: net.ParseIP(remote), Port: 443},
		State:   state,
		Process: attributor.Process{PID: 1234, ExeBasename: app},
	}
}

type MonitorSuite struct {
	suite.Suite
	st   *fakeStore
	res  *fakeResolver
	enf  *fakeEnforcer
	attr *fakeAttributor
	eng  *engine.Engine
	ctx  context.Context
}

func (s *MonitorSuite) SetupTest() {
	s.st = newFakeStore()
	s.res = &fakeResolver{results: map[string]resolver.Result{}}
	s.enf = newFakeEnforcer()
	s.attr = &fakeAttributor{}
	// a staleness far longer than any test so evaluate never kicks off its
	// own background refresh underneath the assertions
	s.eng = engine.New(s.st, s.res, s.enf, time.Hour)
	s.ctx = context.Background()
}

func (s *MonitorSuite) newLoop() *Loop {
	return New(s.attr, s.eng, s.enf, 10*time.Millisecond, 1)
}

func (s *MonitorSuite) addRule(app, target string, ips ...string) int64 {
	var v4 []net.IP
	for _, ip := range ips {
		v4 = append(v4, net.ParseIP(ip))
	}
	s.res.set(target, resolver.Result{V4: v4})
	id, err := s.eng.Add(s.ctx, app, target)
	s.Require().NoError(err)
	return id
}

func (s *MonitorSuite) TestTickLogsAndReassertsDeniedConnection() {
	id := s.addRule("curl", "blocked.example", "93.184.216.34")
	s.attr.conns = []attributor.Connection{
		conn(attributor.TCP, attributor.Established, "curl", "93.184.216.34"),
	}

	s.newLoop().runTick(s.ctx)

	attempts := s.st.attempts()
	s.Require().Len(attempts, 1)
	s.Equal("curl", attempts[0].App)
	s.Equal("93.184.216.34", attempts[0].Target)
	s.Equal("monitor", attempts[0].Detail)
	s.Require().True(attempts[0].RuleID.Valid)
	s.Equal(id, attempts[0].RuleID.Int64)

	s.Equal([]string{"curl/93.184.216.34"}, s.enf.reassertions())
}

func (s *MonitorSuite) TestTickAllowsUnmatchedConnection() {
	s.addRule("curl", "blocked.example", "93.184.216.34")
	s.attr.conns = []attributor.Connection{
		conn(attributor.TCP, attributor.Established, "curl", "8.8.8.8"),
	}

	s.newLoop().runTick(s.ctx)

	s.Empty(s.st.attempts())
	s.Empty(s.enf.reassertions())
}

func (s *MonitorSuite) TestTickSkipsNonEstablishedTCP() {
	s.addRule("curl", "blocked.example", "93.184.216.34")
	s.attr.conns = []attributor.Connection{
		conn(attributor.TCP, attributor.State("TIME_WAIT"), "curl", "93.184.216.34"),
	}

	s.newLoop().runTick(s.ctx)

	s.Empty(s.st.attempts())
	s.Empty(s.enf.reassertions())
}

func (s *MonitorSuite) TestTickEvaluatesUDP() {
	s.addRule("curl", "blocked.example", "93.184.216.34")
	s.attr.conns = []attributor.Connection{
		conn(attributor.UDP, attributor.Stateless, "curl", "93.184.216.34"),
	}

	s.newLoop().runTick(s.ctx)

	s.Require().Len(s.st.attempts(), 1)
}

func (s *MonitorSuite) TestTickSkipsUnattributedConnections() {
	s.addRule("curl", "blocked.example", "93.184.216.34")
	s.attr.conns = []attributor.Connection{
		conn(attributor.TCP, attributor.Established, "unknown", "93.184.216.34"),
		conn(attributor.TCP, attributor.Established, "", "93.184.216.34"),
	}

	s.newLoop().runTick(s.ctx)

	s.Empty(s.st.attempts())
	s.Empty(s.enf.reassertions())
}

func (s *MonitorSuite) TestRefreshSweepConvergesDomainRules() {
	id := s.addRule("curl", "drift.example", "1.2.3.4")
	s.Require().True(s.enf.has("curl", net.ParseIP("1.2.3.4")))

	s.res.set("drift.example", resolver.Result{V4: []net.IP{net.ParseIP("1.2.3.5")}})
	s.newLoop().refreshDomains(s.ctx)

	s.False(s.enf.has("curl", net.ParseIP("1.2.3.4")))
	s.True(s.enf.has("curl", net.ParseIP("1.2.3.5")))

	row, err := s.st.GetRule(s.ctx, id)
	s.Require().NoError(err)
	s.Equal([]net.IP{net.ParseIP("1.2.3.5").To4()}, row.ResolvedV4)
}

func (s *MonitorSuite) TestRefreshSweepIgnoresIPRules() {
	s.addRule("curl", "9.9.9.9", "9.9.9.9")

	s.res.set("9.9.9.9", resolver.Result{})
	s.newLoop().refreshDomains(s.ctx)

	s.True(s.enf.has("curl", net.ParseIP("9.9.9.9")), "an IP rule must survive a refresh sweep untouched")
}

func (s *MonitorSuite) TestRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		_ = s.newLoop().Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("Run did not return after cancellation")
	}
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}
