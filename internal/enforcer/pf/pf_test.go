package pf

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/Vaidhanik/Firewall-sub000/internal/filesys"
	"github.com/Vaidhanik/Firewall-sub000/internal/mocks"
)

type noexec struct{}

func (noexec) Run(context.Context, string, ...string) error { return nil }

type PFTestSuite struct {
	suite.Suite
}

func (s *PFTestSuite) TestCurrentStateParsesBlocks() {
	in := `# fwgatekeeper-anchor
# Options
set block-policy drop
set skip on lo0

# === FWGATEKEEPER-RULE 7 BEGIN ===
# App: curl
# IP: 93.184.216.34
block return out proto tcp from any to 93.184.216.34
block return out proto udp from any to 93.184.216.34
# === FWGATEKEEPER-RULE 7 END ===
`
	mockFS := &mocks.MockOsFS{}
	mockFS.On("ReadFile", _pfAnchorPath).Return([]byte(in), nil)

	m := newForTest(mockFS, noexec{})
	out, err := m.CurrentState(context.Background())
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.Equal(int64(7), out[0].RuleID)
	s.Equal("curl", out[0].App)
	s.Equal("93.184.216.34", out[0].IP.String())
}

func (s *PFTestSuite) TestCurrentStateTwoBlocks() {
	in := `# === FWGATEKEEPER-RULE 1 BEGIN ===
# App: curl
# IP: 1.2.3.4
block return out proto tcp from any to 1.2.3.4
block return out proto udp from any to 1.2.3.4
# === FWGATEKEEPER-RULE 1 END ===
# === FWGATEKEEPER-RULE 2 BEGIN ===
# App: wget
# IP: 5.6.7.8
block return out proto tcp from any to 5.6.7.8
block return out proto udp from any to 5.6.7.8
# === FWGATEKEEPER-RULE 2 END ===
`
	mockFS := &mocks.MockOsFS{}
	mockFS.On("ReadFile", _pfAnchorPath).Return([]byte(in), nil)

	m := newForTest(mockFS, noexec{})
	out, err := m.CurrentState(context.Background())
	s.Require().NoError(err)
	s.Require().Len(out, 2)
}

func (s *PFTestSuite) TestWalk() {
	tests := []struct {
		name      string
		in        string
		expectErr bool
		out       int
	}{
		{
			name: "one block parsed",
			in: "# === FWGATEKEEPER-RULE 1 BEGIN ===\n# App: curl\n# IP: 1.3.3.7\n" +
				"block return out proto tcp from any to 1.3.3.7\n" +
				"block return out proto udp from any to 1.3.3.7\n" +
				"# === FWGATEKEEPER-RULE 1 END ===\n",
			out: 1,
		},
		{
			name:      "unterminated BEGIN",
			in:        "# === FWGATEKEEPER-RULE 1 BEGIN ===\n# App: curl\n",
			out:       0,
			expectErr: true,
		},
		{
			name: "three blocks",
			in: "# Options\nset skip on lo0\n\n" +
				"# === FWGATEKEEPER-RULE 1 BEGIN ===\n# App: a\n# IP: 1.1.1.1\n# === FWGATEKEEPER-RULE 1 END ===\n" +
				"# === FWGATEKEEPER-RULE 2 BEGIN ===\n# App: b\n# IP: 2.2.2.2\n# === FWGATEKEEPER-RULE 2 END ===\n" +
				"# === FWGATEKEEPER-RULE 3 BEGIN ===\n# App: c\n# IP: 3.3.3.3\n# === FWGATEKEEPER-RULE 3 END ===\n",
			out: 3,
		},
		{
			name:      "orphan END",
			in:        "# === FWGATEKEEPER-RULE 1 END ===\n",
			expectErr: true,
		},
		{
			name: "mismatched IDs",
			in: "# === FWGATEKEEPER-RULE 1 BEGIN ===\n# stuff\n" +
				"# === FWGATEKEEPER-RULE 2 END ===\n",
			expectErr: true,
		},
		{
			name: "nested BEGIN",
			in: "# === FWGATEKEEPER-RULE 1 BEGIN ===\n" +
				"# === FWGATEKEEPER-RULE 2 BEGIN ===\n" +
				"# === FWGATEKEEPER-RULE 2 END ===\n" +
				"# === FWGATEKEEPER-RULE 1 END ===\n",
			expectErr: true,
		},
		{
			name: "duplicate IDs",
			in: "# === FWGATEKEEPER-RULE 1 BEGIN ===\n# === FWGATEKEEPER-RULE 1 END ===\n" +
				"# === FWGATEKEEPER-RULE 1 BEGIN ===\n# === FWGATEKEEPER-RULE 1 END ===\n",
			expectErr: true,
		},
		{
			name: "windows line endings",
			in:   "# === FWGATEKEEPER-RULE 1 BEGIN ===\r\n# === FWGATEKEEPER-RULE 1 END ===\r\n",
			out:  1,
		},
		{
			name: "only header, no blocks",
			in:   "# fwgatekeeper-anchor v1\n# Options\nset skip on lo0\n",
			out:  0,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			m := ManagerImpl{cmd: noexec{}}
			out, err := m.walk(strings.NewReader(tt.in))
			s.Equal(tt.expectErr, err != nil, "expected error %v, got %v", tt.expectErr, err)
			s.Len(out, tt.out)
		})
	}
}

func (s *PFTestSuite) TestInstallThenRemoveRoundTripsOnRealAnchorFile() {
	dir := s.T().TempDir()
	anchor := dir + "/anchor"
	fs := filesys.OS()

	m := newForTest(fs, noexec{})
	m.anchorPath = anchor

	s.Require().NoError(m.Install(context.Background(), 7, "curl", net.ParseIP("93.184.216.34")))
	state, err := m.CurrentState(context.Background())
	s.Require().NoError(err)
	s.Require().Len(state, 1)
	s.Equal(int64(7), state[0].RuleID)

	// installing the same triplet again must not duplicate the block.
	s.Require().NoError(m.Install(context.Background(), 7, "curl", net.ParseIP("93.184.216.34")))
	state, err = m.CurrentState(context.Background())
	s.Require().NoError(err)
	s.Require().Len(state, 1)

	s.Require().NoError(m.Remove(context.Background(), 7, "curl", net.ParseIP("93.184.216.34")))
	state, err = m.CurrentState(context.Background())
	s.Require().NoError(err)
	s.Empty(state)
}

func (s *PFTestSuite) TestRemoveTreatsMissingBlockAsNoop() {
	in := `# === FWGATEKEEPER-RULE 1 BEGIN ===
# App: curl
# IP: 1.2.3.4
# === FWGATEKEEPER-RULE 1 END ===
`
	mockFS := &mocks.MockOsFS{}
	mockFS.On("ReadFile", _pfAnchorPath).Return([]byte(in), nil)

	m := newForTest(mockFS, noexec{})
	err := m.Remove(context.Background(), 99, "nonexistent", net.ParseIP("9.9.9.9"))
	s.NoError(err)
}

func TestPFSuite(t *testing.T) {
	suite.Run(t, new(PFTestSuite))
}
