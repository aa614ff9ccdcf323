package grid

import (
	"github.com/golang/glog"
)

// Logging convention in the `grid` package:
// Info:
//     events for abnormal behavior that the cache recovers from.
//     This level should be silent on normal operation,
//     with the exception of one time connection lifecycle events.
// Warning:
//     requests the backend rejected or that failed in transport
// Error:
//     unexpected conditions, e.g. unknown connection events or recovered panics
// V(1) debug:
//     key events with ids that can be used to filter - fetch scheduled, fetch abandoned
// V(2) trace:
//     per message events - send, receive, parse failures, eviction

const LogLevelDebug glog.Level = 1
const LogLevelTrace glog.Level = 2

func debugf(format string, a ...any) {
	glog.V(LogLevelDebug).Infof(format, a...)
}

func tracef(format string, a ...any) {
	glog.V(LogLevelTrace).Infof(format, a...)
}
