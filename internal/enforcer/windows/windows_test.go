package windows

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type scripted struct {
	resp string
	err  error
}

type fakeRunner struct {
	responses map[string][]scripted
	calls     []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string][]scripted{}}
}

func (f *fakeRunner) key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	k := f.key(name, args...)
	f.calls = append(f.calls, k)
	q := f.responses[k]
	if len(q) == 0 {
		return "", nil
	}
	next := q[0]
	if len(q) > 1 {
		f.responses[k] = q[1:]
	}
	return next.resp, next.err
}

func (f *fakeRunner) on(resp string, err error, name string, args ...string) {
	k := f.key(name, args...)
	f.responses[k] = append(f.responses[k], scripted{resp: resp, err: err})
}

type WindowsEnforcerSuite struct {
	suite.Suite
	run *fakeRunner
	e   *Enforcer
	ctx context.Context
}

func (s *WindowsEnforcerSuite) SetupTest() {
	s.run = newFakeRunner()
	s.e = newForTest(s.run)
	s.ctx = context.Background()
}

func (s *WindowsEnforcerSuite) TestRuleNameRoundTrip() {
	name := ruleName(7, "curl", net.ParseIP("93.184.216.34"))
	s.Equal("FWGATEKEEPER_7_curl_93.184.216.34", name)

	id, app, ip, ok := parseRuleName(name)
	s.Require().True(ok)
	s.Equal(int64(7), id)
	s.Equal("curl", app)
	s.Equal("93.184.216.34", ip)
}

func (s *WindowsEnforcerSuite) TestParseRuleNameTolerantOfUnderscoresInApp() {
	name := ruleName(1, "my_app", net.ParseIP("10.0.0.1"))
	id, app, ip, ok := parseRuleName(name)
	s.Require().True(ok)
	s.Equal(int64(1), id)
	s.Equal("my_app", app)
	s.Equal("10.0.0.1", ip)
}

func (s *WindowsEnforcerSuite) TestParseRuleNameRejectsUnrelatedNames() {
	_, _, _, ok := parseRuleName("Some Other Rule")
	s.False(ok)
}

func (s *WindowsEnforcerSuite) TestInstallAddsRuleWhenAbsent() {
	name := ruleName(7, "curl", net.ParseIP("93.184.216.34"))
	s.run.on("No rules match the specified criteria.", nil, "netsh", "advfirewall", "firewall", "show", "rule", "name="+name)

	err := s.e.Install(s.ctx, 7, "curl", net.ParseIP("93.184.216.34"))
	s.Require().NoError(err)

	var sawAdd bool
	for _, c := range s.run.calls {
		if strings.HasPrefix(c, "netsh advfirewall firewall add rule") {
			sawAdd = true
		}
	}
	s.True(sawAdd)
}

func (s *WindowsEnforcerSuite) TestInstallSkipsWhenAlreadyPresent() {
	name := ruleName(7, "curl", net.ParseIP("93.184.216.34"))
	s.run.on("Rule Name: "+name+"\n----\nEnabled: Yes\n", nil, "netsh", "advfirewall", "firewall", "show", "rule", "name="+name)

	err := s.e.Install(s.ctx, 7, "curl", net.ParseIP("93.184.216.34"))
	s.Require().NoError(err)

	for _, c := range s.run.calls {
		s.NotContains(c, "add rule")
	}
}

func (s *WindowsEnforcerSuite) TestRemoveSkipsWhenAbsent() {
	name := ruleName(7, "curl", net.ParseIP("93.184.216.34"))
	s.run.on("No rules match the specified criteria.", nil, "netsh", "advfirewall", "firewall", "show", "rule", "name="+name)

	err := s.e.Remove(s.ctx, 7, "curl", net.ParseIP("93.184.216.34"))
	s.Require().NoError(err)

	for _, c := range s.run.calls {
		s.NotContains(c, "delete rule")
	}
}

func (s *WindowsEnforcerSuite) TestCurrentStateParsesTaggedRules() {
	n1 := ruleName(1, "curl", net.ParseIP("1.2.3.4"))
	n2 := ruleName(2, "wget", net.ParseIP("5.6.7.8"))
	s.run.on(
		"Rule Name: "+n1+"\n----\nEnabled: Yes\n\nRule Name: "+n2+"\n----\nEnabled: Yes\n\nRule Name: Some Unrelated Rule\n----\n",
		nil, "netsh", "advfirewall", "firewall", "show", "rule", "name=all",
	)

	state, err := s.e.CurrentState(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(state, 2)
}

func (s *WindowsEnforcerSuite) TestCleanupRemovesOnlyMatchingApp() {
	n1 := ruleName(1, "curl", net.ParseIP("1.2.3.4"))
	n2 := ruleName(2, "wget", net.ParseIP("5.6.7.8"))
	s.run.on(
		"Rule Name: "+n1+"\n----\n\nRule Name: "+n2+"\n----\n",
		nil, "netsh", "advfirewall", "firewall", "show", "rule", "name=all",
	)
	s.run.on("Rule Name: "+n1+"\n----\n", nil, "netsh", "advfirewall", "firewall", "show", "rule", "name="+n1)

	err := s.e.Cleanup(s.ctx, "curl")
	s.Require().NoError(err)

	var sawDeleteN1, sawDeleteN2 bool
	for _, c := range s.run.calls {
		if c == "netsh advfirewall firewall delete rule name="+n1 {
			sawDeleteN1 = true
		}
		if c == "netsh advfirewall firewall delete rule name="+n2 {
			sawDeleteN2 = true
		}
	}
	s.True(sawDeleteN1)
	s.False(sawDeleteN2)
}

func TestWindowsEnforcerSuite(t *testing.T) {
	suite.Run(t, new(WindowsEnforcerSuite))
}
