package clientreport

import (
	"io"
	"time"
)

// DefaultFlushInterval is used when Options.FlushInterval is not set.
const DefaultFlushInterval = 30 * time.Second

// Options configures a Reporter.
type Options struct {
	// FlushInterval is how long outcomes may wait for an envelope to ride on
	// before they are sent on their own. Defaults to DefaultFlushInterval.
	FlushInterval time.Duration
	// Role is the fixed transport role of this process. Defaults to RoleLeaf.
	Role Role
	// RoleProvider, if set, is asked for the role at every flush and takes
	// precedence over Role.
	RoleProvider RoleProvider
	// Clock stamps reports. Defaults to the system clock.
	Clock Clock
	// DisableClientReports turns every Record call into a no-op.
	DisableClientReports bool
	// Debug enables diagnostic output.
	Debug bool
	// DebugWriter receives diagnostic output. Defaults to os.Stderr.
	DebugWriter io.Writer
}

func (o Options) roleProvider() RoleProvider {
	if o.RoleProvider != nil {
		return o.RoleProvider
	}
	return o.Role
}
