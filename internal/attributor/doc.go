// Package attributor maps (protocol, local address, local port) tuples to
// the owning process by reading /proc/net/{tcp,tcp6,udp,udp6} for the
// socket's inode and walking every process's /proc/<pid>/fd symlinks to
// find which pid owns that inode. This mirrors what netstat does
// internally, without the subprocess and text-parsing overhead of shelling
// out to it.
//
// # Ephemeral processes
//
// A pid can exit between the kernel table snapshot and the /proc walk that
// resolves it. Lookup and Enumerate never fail for this reason: a vanished
// pid yields a Process with ExeBasename "unknown" rather than an error, so
// the monitor loop always gets a connection record even when attribution is
// incomplete.
//
// # Only ESTABLISHED TCP and all UDP are surfaced
//
// Enumerate drops TCP sockets not in the ESTABLISHED state (LISTEN,
// TIME_WAIT, and so on carry no attributable remote peer worth evaluating).
// UDP has no connection state in the kernel table, so every UDP entry is
// reported with State "stateless".
package attributor
