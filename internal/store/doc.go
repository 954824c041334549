// Package store persists blocking_rules and blocked_attempts in an embedded
// SQLite database (via the pure-Go modernc.org/sqlite driver, so the binary
// stays cgo-free). It is the sole source of truth for operator intent: the
// rule engine's in-memory cache is rebuilt from it, never the reverse.
//
// # Basic Usage
//
//	s, err := store.Open("/var/lib/fwgatekeeper/rules.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	id, err := s.InsertRule(ctx, &store.Rule{
//		App:        "curl",
//		Target:     "example.com",
//		TargetKind: store.TargetDomain,
//		ResolvedV4: []net.IP{net.ParseIP("93.184.216.34")},
//		CreatedAt:  time.Now(),
//		Active:     true,
//	})
//
// # Schema
//
// blocking_rules holds one row per rule, with resolved_ips as a single
// comma-joined column (v4 entries first, then v6, each family in its
// original order) rather than a side table, matching the flat persisted
// layout the operator surface exposes. blocked_attempts is append-only and
// references blocking_rules by a nullable rule_id (pre-match proxy
// observations have no matched rule yet).
//
// # Concurrency
//
// The rule engine is the sole writer, so the store caps its connection pool
// at one connection; this avoids SQLITE_BUSY without a busy-timeout retry
// loop. Readers (monitor loop, CLI queries) share the same serialized
// access, which is acceptable because SQLite reads are fast relative to the
// enforcer calls bracketing each write.
package store
