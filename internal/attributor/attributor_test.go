package attributor

import (
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/suite"
)

type fakeDirEntry struct{ name string }

func (f fakeDirEntry) Name() string              { return f.name }
func (f fakeDirEntry) IsDir() bool                { return false }
func (f fakeDirEntry) Type() fs.FileMode          { return 0 }
func (f fakeDirEntry) Info() (fs.FileInfo, error) { return nil, nil }

type fakeFS struct {
	files    map[string]string
	dirs     map[string][]string
	symlinks map[string]string
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files:    make(map[string]string),
		dirs:     make(map[string][]string),
		symlinks: make(map[string]string),
	}
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	c, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(c), nil
}

func (f *fakeFS) ReadDir(path string) ([]os.DirEntry, error) {
	names, ok := f.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]os.DirEntry, len(names))
	for i, n := range names {
		out[i] = fakeDirEntry{name: n}
	}
	return out, nil
}

func (f *fakeFS) Readlink(path string) (string, error) {
	l, ok := f.symlinks[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return l, nil
}

const procNetHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode"

// tcpLine builds a fixture line for /proc/net/{tcp,udp} with the given
// state field (01 is ESTABLISHED).
func tcpLine(localHex, remoteHex, state, inode string) string {
	return fmt.Sprintf(" 0: %s %s %s 00000000:00000000 00:00000000 00000000  1000        0 %s 1 0000000000000000 100 0 0", localHex, remoteHex, state, inode)
}

type AttributorTestSuite struct {
	suite.Suite
	fs *fakeFS
	a  *LinuxAttributor
}

func (s *AttributorTestSuite) SetupTest() {
	s.fs = newFakeFS()
	s.a = newWithReader(s.fs)
}

func (s *AttributorTestSuite) setupProc(pid int, exePath string) {
	s.fs.dirs["/proc"] = append(s.fs.dirs["/proc"], fmt.Sprintf("%d", pid))
	s.fs.dirs[fmt.Sprintf("/proc/%d/fd", pid)] = []string{"0", "1"}
	s.fs.symlinks[fmt.Sprintf("/proc/%d/fd/1", pid)] = "socket:[12345]"
	s.fs.symlinks[fmt.Sprintf("/proc/%d/exe", pid)] = exePath
	s.fs.files[fmt.Sprintf("/proc/%d/status", pid)] = "Name:\tcurl\nUid:\t1000\t1000\t1000\t1000\n"
}

func (s *AttributorTestSuite) TestEnumerateEstablishedTCP() {
	// 0100007F = 127.0.0.1, port 1F90 = 8080
	s.fs.files[procNetTCP] = procNetHeader + "\n" + tcpLine("0100007F:1F90", "0100007F:0050", "01", "12345") + "\n"
	s.setupProc(42, "/usr/bin/curl")

	conns, err := s.a.Enumerate()
	s.Require().NoError(err)
	s.Require().Len(conns, 1)
	s.Equal(TCP, conns[0].Proto)
	s.Equal(Established, conns[0].State)
	s.Equal(8080, conns[0].Local.Port)
	s.Equal("127.0.0.1", conns[0].Local.IP.String())
	s.Equal(42, conns[0].PID)
	s.Equal("curl", conns[0].ExeBasename)
	s.Equal(1000, conns[0].UID)
}

func (s *AttributorTestSuite) TestEnumerateDropsNonEstablishedTCP() {
	// state 0A = LISTEN, should be dropped
	s.fs.files[procNetTCP] = procNetHeader + "\n" + tcpLine("0100007F:1F90", "00000000:0000", "0A", "12345") + "\n"

	conns, err := s.a.Enumerate()
	s.Require().NoError(err)
	s.Empty(conns)
}

func (s *AttributorTestSuite) TestEnumerateUDPAlwaysStateless() {
	s.fs.files[procNetUDP] = procNetHeader + "\n" + tcpLine("0100007F:1F90", "0100007F:0050", "07", "12345") + "\n"
	s.setupProc(7, "/usr/bin/dig")

	conns, err := s.a.Enumerate()
	s.Require().NoError(err)
	s.Require().Len(conns, 1)
	s.Equal(UDP, conns[0].Proto)
	s.Equal(Stateless, conns[0].State)
	s.Equal("dig", conns[0].ExeBasename)
}

func (s *AttributorTestSuite) TestEnumerateUnknownProcessOnVanishedPid() {
	s.fs.files[procNetTCP] = procNetHeader + "\n" + tcpLine("0100007F:1F90", "0100007F:0050", "01", "99999") + "\n"
	// no matching pid/fd fixture for inode 99999

	conns, err := s.a.Enumerate()
	s.Require().NoError(err)
	s.Require().Len(conns, 1)
	s.Equal("unknown", conns[0].ExeBasename)
}

func (s *AttributorTestSuite) TestLookupFindsMatchingSocket() {
	s.fs.files[procNetTCP] = procNetHeader + "\n" + tcpLine("0100007F:1F90", "0100007F:0050", "01", "12345") + "\n"
	s.setupProc(42, "/usr/bin/curl")

	proc, ok := s.a.Lookup(TCP, []byte{127, 0, 0, 1}, 8080)
	s.Require().True(ok)
	s.Equal("curl", proc.ExeBasename)
}

func (s *AttributorTestSuite) TestLookupNoMatch() {
	s.fs.files[procNetTCP] = procNetHeader + "\n"

	_, ok := s.a.Lookup(TCP, []byte{10, 0, 0, 1}, 443)
	s.False(ok)
}

func (s *AttributorTestSuite) TestParseHexAddrIPv6() {
	// ::1 port 80 encoded as 16 bytes, little-endian per 32-bit word
	addr, err := parseHexAddr("00000000000000000000000001000000:0050")
	s.Require().NoError(err)
	s.Equal("::1", addr.IP.String())
	s.Equal(80, addr.Port)
}

func (s *AttributorTestSuite) TestParseSocketInode() {
	inode, ok := parseSocketInode("socket:[98765]")
	s.True(ok)
	s.Equal("98765", inode)

	_, ok = parseSocketInode("/dev/null")
	s.False(ok)
}

func TestAttributorSuite(t *testing.T) {
	suite.Run(t, new(AttributorTestSuite))
}
