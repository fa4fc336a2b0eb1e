// Package domain holds the record types the Guardian reads from and
// writes to the document store: structures, limits, rules, events and
// requests. Nothing here performs I/O; it is the shared vocabulary the
// other internal packages operate on.
package domain

// Resource is a closed enum of the resource labels the Guardian
// understands. Unlike the dynamically-typed source this is modeled on,
// an unrecognized label is a parse-time error rather than a silent
// pass-through.
type Resource string

const (
	ResourceCPU    Resource = "cpu"
	ResourceMem    Resource = "mem"
	ResourceEnergy Resource = "energy"
	ResourceDisk   Resource = "disk"
	ResourceNet    Resource = "net"
)

// Valid reports whether r is one of the known resource labels.
func (r Resource) Valid() bool {
	switch r {
	case ResourceCPU, ResourceMem, ResourceEnergy, ResourceDisk, ResourceNet:
		return true
	default:
		return false
	}
}

// NonAdjustable is the set of resources AmountPolicy never clamps or
// rescales directly; energy is driven indirectly through CPU shares.
var NonAdjustable = map[Resource]bool{
	ResourceEnergy: true,
}

// Subtype distinguishes a bare container from a multi-container
// application; only containers carry a `current` resource value.
type Subtype string

const (
	SubtypeContainer   Subtype = "container"
	SubtypeApplication Subtype = "application"
)

// GuardPolicy selects which scheduling strategy governs a structure.
// Only GuardPolicyServerless is implemented by this Guardian; any other
// value (including empty) causes the structure's pipeline to be
// short-circuited before it reaches MetricsClient or DocStore.
type GuardPolicy string

const GuardPolicyServerless GuardPolicy = "serverless"

// ResourceState is the per-resource slice of a Structure document:
// `{min, max, current?, usage?, guard}`. Current is nil for
// applications and for containers not yet actuated; energy uses Usage
// in its place (see AmountPolicy's proportional branch).
type ResourceState struct {
	Min     int  `json:"min" validate:"required"`
	Max     int  `json:"max" validate:"required,gtefield=Min"`
	Current *int `json:"current,omitempty"`
	Usage   *int `json:"usage,omitempty"`
	Guard   bool `json:"guard"`
}

// Structure represents a guarded workload: a container or an
// application composed of containers.
type Structure struct {
	ID       string                    `json:"_id,omitempty"`
	Rev      string                    `json:"_rev,omitempty"`
	Name     string                    `json:"name" validate:"required"`
	Type     string                    `json:"type" validate:"required,eq=structure"`
	Subtype  Subtype                   `json:"subtype" validate:"required,oneof=container application"`
	Guard    bool                      `json:"guard"`
	Policy   GuardPolicy               `json:"guard_policy"`
	Host     string                    `json:"host,omitempty"`
	HostIP   string                    `json:"host_rescaler_ip,omitempty"`
	HostPort int                       `json:"host_rescaler_port,omitempty"`
	Resources map[Resource]ResourceState `json:"resources" validate:"required,dive"`
}

// IsContainer reports whether the structure is a single container
// (as opposed to a multi-container application).
func (s *Structure) IsContainer() bool { return s.Subtype == SubtypeContainer }

// Summary renders a one-line per-resource dump of the structure's
// current resource state, used for Debug-level operational logging.
func (s *Structure) Summary() string {
	out := s.Name + ":"
	for res, rs := range s.Resources {
		cur := "n/a"
		if rs.Current != nil {
			cur = itoa(*rs.Current)
		}
		usage := "n/a"
		if rs.Usage != nil {
			usage = itoa(*rs.Usage)
		}
		out += " " + string(res) + "[min=" + itoa(rs.Min) + " max=" + itoa(rs.Max) +
			" current=" + cur + " usage=" + usage + "]"
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ResourceLimits holds the lower/upper/boundary triple for a single
// resource within a Limits document.
type ResourceLimits struct {
	Lower    int `json:"lower"`
	Upper    int `json:"upper"`
	Boundary int `json:"boundary" validate:"required,gt=0"`
}

// Limits is the per-structure companion document holding the
// lower/upper/boundary triple the StateInvariantRepairer maintains.
// The document name always matches its owning Structure's name.
type Limits struct {
	ID        string                    `json:"_id,omitempty"`
	Rev       string                    `json:"_rev,omitempty"`
	Name      string                    `json:"name" validate:"required"`
	Resources map[Resource]ResourceLimits `json:"resources" validate:"required,dive"`
}

// RescaleBy selects how AmountPolicy computes a signed rescale amount
// for a request-generating rule.
type RescaleBy string

const (
	RescaleByAmount      RescaleBy = "amount"
	RescaleByFitToUsage  RescaleBy = "fit_to_usage"
	RescaleByProportional RescaleBy = "proportional"
)

// Generates selects whether a fired Rule produces an Event or a
// Request.
type Generates string

const (
	GeneratesEvents   Generates = "events"
	GeneratesRequests Generates = "requests"
)

// ScaleCounters names the event/request this rule emits in each
// direction; exactly one of Up/Down is expected to be nonzero per
// evaluation (see RuleMalformed in internal/domain/errors.go).
type ScaleCounters struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// RuleAction is the action payload a Rule carries; Events.Scale names
// which event/request bucket a firing rule increments.
type RuleAction struct {
	Events struct {
		Scale ScaleCounters `json:"scale"`
	} `json:"events"`
}

// Rule is a declarative predicate, evaluated by internal/rule, that
// either emits an Event (usage crossed a limit) or a Request (enough
// events accumulated to justify a rescale).
type Rule struct {
	ID              string      `json:"_id,omitempty"`
	Rev             string      `json:"_rev,omitempty"`
	Name            string      `json:"name" validate:"required"`
	Active          bool        `json:"active"`
	Resource        Resource    `json:"resource" validate:"required"`
	Predicate       any         `json:"rule" validate:"required"`
	Generates       Generates   `json:"generates" validate:"required,oneof=events requests"`
	Action          RuleAction  `json:"action"`
	Amount          int         `json:"amount,omitempty"`
	RescaleBy       RescaleBy   `json:"rescale_by,omitempty"`
	EventsToRemove  int         `json:"events_to_remove,omitempty"`
}

// Event is a single observation that a usage predicate fired. Events
// accumulate until they age out or are consumed by a triggered
// request.
type Event struct {
	ID        string   `json:"_id,omitempty"`
	Rev       string   `json:"_rev,omitempty"`
	Name      string   `json:"name"`
	Resource  Resource `json:"resource"`
	Structure string   `json:"structure"`
	Type      string   `json:"type"`
	Action    string   `json:"action"`
	Timestamp int64    `json:"timestamp"`
}

// Request is an aggregated decision to change a structure's `current`
// resource allocation by a signed amount. Requests are produced by the
// Guardian and consumed (deleted) by a downstream rescale actuator this
// repository does not implement.
type Request struct {
	ID              string   `json:"_id,omitempty"`
	Rev             string   `json:"_rev,omitempty"`
	Type            string   `json:"type"`
	Resource        Resource `json:"resource"`
	Amount          int      `json:"amount"`
	Structure       string   `json:"structure"`
	StructureType   Subtype  `json:"structure_type"`
	Action          string   `json:"action"`
	Timestamp       int64    `json:"timestamp"`
	Host            string   `json:"host,omitempty"`
	HostRescalerIP  string   `json:"host_rescaler_ip,omitempty"`
	HostRescalerPort int     `json:"host_rescaler_port,omitempty"`
	ForEnergy       bool     `json:"for_energy,omitempty"`
}

// ReducedCounters is the per-resource output shape of
// EventEngine.Reduce: the summed scale-up/scale-down counters a
// request-rule evaluates against.
type ReducedCounters struct {
	Events struct {
		Scale ScaleCounters `json:"scale"`
	} `json:"events"`
}

// Service is the Guardian's own service document
// (`_id="guardian"` in the `services` collection), carrying the last
// heartbeat and the operator-tunable config overrides.
type Service struct {
	ID        string       `json:"_id,omitempty"`
	Rev       string       `json:"_rev,omitempty"`
	Name      string       `json:"name"`
	Heartbeat int64        `json:"heartbeat"`
	Config    ServiceConfig `json:"config"`
}

// ServiceConfig is the tunable subset of the Guardian's behaviour,
// mergeable over the package defaults in internal/config.
type ServiceConfig struct {
	WindowTimelapseSeconds int        `json:"WINDOW_TIMELAPSE" mapstructure:"window_timelapse_seconds"`
	WindowDelaySeconds     int        `json:"WINDOW_DELAY" mapstructure:"window_delay_seconds"`
	EventTimeoutSeconds    int        `json:"EVENT_TIMEOUT" mapstructure:"event_timeout_seconds"`
	Debug                  bool       `json:"DEBUG" mapstructure:"debug"`
	StructureGuarded       Subtype    `json:"STRUCTURE_GUARDED" mapstructure:"structure_guarded"`
	GuardableResources     []Resource `json:"GUARDABLE_RESOURCES" mapstructure:"guardable_resources"`
	CPUSharesPerWatt       int        `json:"CPU_SHARES_PER_WATT" mapstructure:"cpu_shares_per_watt"`
	Active                 bool       `json:"ACTIVE" mapstructure:"active"`
}
