package enforcer

import (
	"fmt"
	"runtime"

	"github.com/Vaidhanik/Firewall-sub000/internal/errs"
)

// Builders is the set of platform constructors Select chooses between. It
// exists so cmd/fwgatekeeperd can wire the concrete linux/pf/windows
// packages without this package importing any of them directly — those
// packages already import enforcer for the Capability interface, and Go
// does not allow the cycle the other way.
type Builders struct {
	Linux   func() Capability
	Darwin  func() Capability
	Windows func() Capability
}

// Select picks the Capability implementation for the running kernel. The
// choice is made once at process start and fixed for the process's
// lifetime: nothing in this codebase re-evaluates runtime.GOOS after
// this call.
func Select(b Builders) (Capability, error) {
	switch runtime.GOOS {
	case "linux":
		if b.Linux == nil {
			break
		}
		return b.Linux(), nil
	case "darwin", "freebsd", "netbsd", "openbsd":
		if b.Darwin == nil {
			break
		}
		return b.Darwin(), nil
	case "windows":
		if b.Windows == nil {
			break
		}
		return b.Windows(), nil
	}
	return nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedPlatform, runtime.GOOS)
}
