// Package attributor maps local sockets to the process that owns them by
// reading the kernel's own tables directly: /proc/net/{tcp,tcp6,udp,udp6}
// for the socket inode, and /proc/<pid>/fd/* to resolve that inode back to
// a pid. This avoids shelling out to netstat, which the controller does not
// require and which is slower and harder to parse reliably.
package attributor

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Proto identifies the transport protocol of an observed connection.
type Proto string

const (
	TCP Proto = "tcp"
	UDP Proto = "udp"
)

// State is the connection state surfaced to the monitor loop. Only
// Established (TCP) and Stateless (UDP) are surfaced; every other TCP state
// is dropped during enumeration.
type State string

const (
	Established State = "ESTABLISHED"
	Stateless   State = "stateless"
)

// Process identifies the application endpoint of a connection.
type Process struct {
	PID         int
	UID         int
	ExeBasename string
	ExePath     string
}

// unknownProcess is returned when a pid's /proc entry has already
// disappeared by the time it is inspected (ephemeral-pid robustness).
var unknownProcess = Process{ExeBasename: "unknown"}

// Connection is one entry from an enumeration pass.
type Connection struct {
	Proto  Proto
	Local  net.TCPAddr
	Remote net.TCPAddr
	State  State
	Process
}

// Attributor exposes socket-to-process lookups and full enumeration.
type Attributor interface {
	// Lookup resolves a single local socket to its owning process.
	// ok is false if no matching kernel table entry exists.
	Lookup(proto Proto, localAddr net.IP, localPort int) (Process, bool)
	// Enumerate snapshots every ESTABLISHED TCP and every UDP socket,
	// attributed to a process where possible.
	Enumerate() ([]Connection, error)
}

// fileReader is the tiny filesystem surface the Linux attributor needs,
// injected so tests can substitute fixture data instead of real /proc.
type fileReader interface {
	ReadFile(path string) ([]byte, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Readlink(path string) (string, error)
}

type osFileReader struct{}

func (osFileReader) ReadFile(path string) ([]byte, error)      { return os.ReadFile(path) }
func (osFileReader) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }
func (osFileReader) Readlink(path string) (string, error)      { return os.Readlink(path) }

// LinuxAttributor implements Attributor by parsing /proc directly.
type LinuxAttributor struct {
	fr fileReader
}

var _ Attributor = (*LinuxAttributor)(nil)

// New returns an Attributor backed by the real /proc filesystem.
func New() *LinuxAttributor {
	return &LinuxAttributor{fr: osFileReader{}}
}

// newWithReader is used by tests to inject fixture /proc content.
func newWithReader(fr fileReader) *LinuxAttributor {
	return &LinuxAttributor{fr: fr}
}

const (
	procNetTCP  = "/proc/net/tcp"
	procNetTCP6 = "/proc/net/tcp6"
	procNetUDP  = "/proc/net/udp"
	procNetUDP6 = "/proc/net/udp6"
)

// tcpEstablished is the /proc/net/tcp "st" field value for ESTABLISHED.
const tcpEstablished = "01"

// Lookup resolves a single local socket to its owning process by scanning
// the matching protocol table for an inode, then walking every pid's fd
// directory for a matching socket symlink.
func (a *LinuxAttributor) Lookup(proto Proto, localAddr net.IP, localPort int) (Process, bool) {
	entries, err := a.enumerateRaw(proto)
	if err != nil {
		return Process{}, false
	}

	for _, e := range entries {
		if e.local.Port == localPort && e.local.IP.Equal(localAddr) {
			proc, ok := a.resolveInode(e.inode)
			if !ok {
				return unknownProcess, true
			}
			return proc, true
		}
	}
	return Process{}, false
}

// Enumerate snapshots every ESTABLISHED TCP and every UDP socket across
// both address families, attributed to a process where possible.
func (a *LinuxAttributor) Enumerate() ([]Connection, error) {
	inodeToPID := a.buildInodeIndex()

	var out []Connection
	for _, proto := range [...]Proto{TCP, UDP} {
		entries, err := a.enumerateRaw(proto)
		if err != nil {
			return nil, fmt.Errorf("enumerating %s sockets: %w", proto, err)
		}
		for _, e := range entries {
			state := Stateless
			if proto == TCP {
				if e.state != tcpEstablished {
					continue
				}
				state = Established
			}

			proc := unknownProcess
			if pid, ok := inodeToPID[e.inode]; ok {
				if p, ok := a.processIdentity(pid); ok {
					proc = p
				}
			}

			out = append(out, Connection{
				Proto:   proto,
				Local:   e.local,
				Remote:  e.remote,
				State:   state,
				Process: proc,
			})
		}
	}
	return out, nil
}

type rawEntry struct {
	local, remote net.TCPAddr
	state         string
	inode         string
}

// enumerateRaw parses both the v4 and v6 tables for proto.
func (a *LinuxAttributor) enumerateRaw(proto Proto) ([]rawEntry, error) {
	var v4Path, v6Path string
	switch proto {
	case TCP:
		v4Path, v6Path = procNetTCP, procNetTCP6
	case UDP:
		v4Path, v6Path = procNetUDP, procNetUDP6
	default:
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}

	var out []rawEntry
	for _, p := range [...]string{v4Path, v6Path} {
		b, err := a.fr.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue // address family disabled on this host
			}
			return nil, err
		}
		entries, err := parseProcNet(string(b))
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// parseProcNet parses the fixed-width text format shared by
// /proc/net/{tcp,tcp6,udp,udp6}.
func parseProcNet(content string) ([]rawEntry, error) {
	var out []rawEntry
	sc := bufio.NewScanner(strings.NewReader(content))
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		local, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		remote, err := parseHexAddr(fields[2])
		if err != nil {
			continue
		}
		out = append(out, rawEntry{
			local:  local,
			remote: remote,
			state:  fields[3],
			inode:  fields[9],
		})
	}
	return out, sc.Err()
}

// parseHexAddr decodes a "<hex-ip>:<hex-port>" field from /proc/net/*.
// IPv4 addresses are four little-endian bytes; IPv6 addresses are four
// little-endian 32-bit words.
func parseHexAddr(field string) (net.TCPAddr, error) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return net.TCPAddr{}, fmt.Errorf("malformed address field %q", field)
	}
	ipHex, portHex := parts[0], parts[1]

	port, err := strconv.ParseUint(portHex, 16, 32)
	if err != nil {
		return net.TCPAddr{}, fmt.Errorf("parsing port %q: %w", portHex, err)
	}

	raw, err := decodeHexBytes(ipHex)
	if err != nil {
		return net.TCPAddr{}, err
	}

	var ip net.IP
	switch len(raw) {
	case 4:
		ip = net.IPv4(raw[3], raw[2], raw[1], raw[0])
	case 16:
		ip = make(net.IP, 16)
		for word := 0; word < 4; word++ {
			off := word * 4
			ip[off], ip[off+1], ip[off+2], ip[off+3] = raw[off+3], raw[off+2], raw[off+1], raw[off]
		}
	default:
		return net.TCPAddr{}, fmt.Errorf("unexpected address length %d", len(raw))
	}

	return net.TCPAddr{IP: ip, Port: int(port)}, nil
}

func decodeHexBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// buildInodeIndex walks every /proc/<pid>/fd entry and indexes socket
// inodes back to the owning pid. Pids that vanish mid-walk are skipped
// silently; they are ephemeral by construction.
func (a *LinuxAttributor) buildInodeIndex() map[string]int {
	index := make(map[string]int)

	pidDirs, err := a.fr.ReadDir("/proc")
	if err != nil {
		return index
	}

	for _, d := range pidDirs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue // not a pid directory
		}

		fdEntries, err := a.fr.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
		if err != nil {
			continue // process exited or no permission
		}

		for _, fd := range fdEntries {
			link, err := a.fr.Readlink(fmt.Sprintf("/proc/%d/fd/%s", pid, fd.Name()))
			if err != nil {
				continue
			}
			if inode, ok := parseSocketInode(link); ok {
				index[inode] = pid
			}
		}
	}

	return index
}

// parseSocketInode extracts the inode number from a "socket:[12345]"
// symlink target.
func parseSocketInode(link string) (string, bool) {
	const prefix, suffix = "socket:[", "]"
	if !strings.HasPrefix(link, prefix) || !strings.HasSuffix(link, suffix) {
		return "", false
	}
	return link[len(prefix) : len(link)-len(suffix)], true
}

// resolveInode scans every pid's fd table for the given socket inode. It is
// the single-lookup counterpart to buildInodeIndex's bulk pass.
func (a *LinuxAttributor) resolveInode(inode string) (Process, bool) {
	index := a.buildInodeIndex()
	pid, ok := index[inode]
	if !ok {
		return Process{}, false
	}
	return a.processIdentity(pid)
}

// processIdentity reads the /proc/<pid>/exe symlink for the executable
// identity, and the process's real uid from the "Uid:" line of
// /proc/<pid>/status (-1 when that file cannot be read). A missing exe
// link (process exited) falls back to "unknown" rather than failing the
// whole enumeration.
func (a *LinuxAttributor) processIdentity(pid int) (Process, bool) {
	exePath, err := a.fr.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return unknownProcess, true
	}

	basename := exePath
	if idx := strings.LastIndexByte(exePath, '/'); idx >= 0 {
		basename = exePath[idx+1:]
	}

	uid := -1
	if status, err := a.fr.ReadFile(fmt.Sprintf("/proc/%d/status", pid)); err == nil {
		uid = parseUID(string(status))
	}

	return Process{PID: pid, UID: uid, ExeBasename: basename, ExePath: exePath}, true
}

// parseUID extracts the real uid from a /proc/<pid>/status "Uid:" line
// ("Uid:\treal\teffective\tsaved\tfs").
func parseUID(status string) int {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return -1
		}
		uid, err := strconv.Atoi(fields[1])
		if err != nil {
			return -1
		}
		return uid
	}
	return -1
}
