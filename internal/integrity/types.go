package integrity

import (
	"strings"
	"time"
)

// State is the supervisor's view of local data.
type State string

const (
	StateHealthy State = "DATA_HEALTHY"
	StateStale   State = "DATA_STALE"
	StateSuspect State = "DATA_SUSPECT"
	StateCorrupt State = "DATA_CORRUPT"
	StateHealing State = "HEALING"
)

// Lifecycle is a host lifecycle notification.
type Lifecycle string

const (
	LifecycleRunning   Lifecycle = "running"
	LifecycleRecovered Lifecycle = "recovered"
	LifecycleSuspended Lifecycle = "suspended"
)

// Transport is the push transport's health.
type Transport string

const (
	TransportHealthy      Transport = "HEALTHY"
	TransportDegraded     Transport = "DEGRADED"
	TransportDisconnected Transport = "DISCONNECTED"
)

// DecisionKind names what the supervisor wants done.
type DecisionKind string

const (
	SoftRefetch       DecisionKind = "SOFT_REFETCH"
	PartialInvalidate DecisionKind = "PARTIAL_INVALIDATE"
	FullInvalidate    DecisionKind = "FULL_INVALIDATE"
	NoopLog           DecisionKind = "NOOP_LOG"
)

// Decision is an abstract remediation. The supervisor never touches the
// cache directly; an Executor carries decisions out.
type Decision struct {
	Kind     DecisionKind
	QueryKey string // SoftRefetch, PartialInvalidate
	Reason   string
	Message  string // NoopLog
}

// TrackedQuery is a supervised query result.
type TrackedQuery struct {
	QueryKey    string
	LastFreshAt time.Time
	ErrorCount  int
	Threshold   time.Duration
}

// Transition is one state change.
type Transition struct {
	From   State
	To     State
	Reason string
}

// Family returns the first segment of a query key, split on '/' or ':'.
// "feed:home" and "/feed/home" both belong to "feed".
func Family(queryKey string) string {
	fields := strings.FieldsFunc(queryKey, func(r rune) bool {
		return r == '/' || r == ':'
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
