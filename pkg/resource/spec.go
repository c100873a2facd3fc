package resource

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind distinguishes the class of device resource being tracked. Memory is
// the kind paging is defined over; other kinds (e.g. compute slots) are
// accounted for identically but never paged.
type Kind string

const (
	// NoKind is the zero value of Kind, used only for error reporting.
	NoKind Kind = "N/A"

	// Memory is the resource Kind that PagingController operates on.
	Memory Kind = "memory"

	// Compute represents a device's compute-time resource (e.g. an SM slot),
	// tracked the same way as Memory but never paged.
	Compute Kind = "compute"
)

// Device identifies a physical device, such as a GPU or the host CPU.
type Device string

const (
	// GPU0 is the first GPU device, the conventional paging source.
	GPU0 Device = "GPU0"
	// CPU0 is the host CPU/memory device, the conventional paging destination.
	CPU0 Device = "CPU0"
)

// GPU returns the Device identifying the i-th GPU.
func GPU(i int) Device {
	return Device(fmt.Sprintf("GPU%d", i))
}

// CPU returns the Device identifying the i-th CPU node.
func CPU(i int) Device {
	return Device(fmt.Sprintf("CPU%d", i))
}

// Key is a (Kind, Device) pair that identifies one accounted resource.
type Key struct {
	Kind   Kind
	Device Device
}

// String returns a string representation of the Key suitable for logging.
func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Kind, k.Device)
}

// MarshalText implements encoding.TextMarshaler so Map can round-trip
// through JSON as an object keyed by "kind@device", rather than requiring
// callers to marshal it as a list of entries.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of
// MarshalText.
func (k *Key) UnmarshalText(text []byte) error {
	kind, device, ok := strings.Cut(string(text), "@")
	if !ok {
		return fmt.Errorf("invalid resource key %q: expected KIND@DEVICE", text)
	}
	k.Kind = Kind(kind)
	k.Device = Device(device)
	return nil
}

// Map is a mapping from a resource Key to a non-negative quantity. Quantities
// are decimal.Decimal, rather than a plain integer, so that arithmetic across
// many staging/commit operations never accumulates floating-point error,
// the same reasoning applied to per-host resource bookkeeping in
// common/scheduling/resource/transaction.go's transactionResources.
type Map map[Key]decimal.Decimal

// NewMap builds a Map from plain integer quantities, the unit callers most
// often reason in.
func NewMap(quantities map[Key]int64) Map {
	m := make(Map, len(quantities))
	for k, v := range quantities {
		m[k] = decimal.New(v, 0)
	}
	return m
}

// Clone returns a deep copy of m.
func (m Map) Clone() Map {
	clone := make(Map, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Get returns the quantity recorded for key, or zero if absent.
func (m Map) Get(key Key) decimal.Decimal {
	if v, ok := m[key]; ok {
		return v
	}
	return decimal.Zero
}

// Add returns a new Map holding the elementwise sum of m and other.
func (m Map) Add(other Map) Map {
	out := m.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Add(v)
	}
	return out
}

// Sub returns a new Map holding the elementwise difference m - other.
func (m Map) Sub(other Map) Map {
	out := m.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Sub(v)
	}
	return out
}

// LessThanOrEqual reports whether every key of m is <= the corresponding key
// of other (keys missing from other are treated as zero). It also returns
// the first offending Key when the result is false.
func (m Map) LessThanOrEqual(other Map) (bool, Key) {
	for k, v := range m {
		if v.GreaterThan(other.Get(k)) {
			return false, k
		}
	}
	return true, Key{}
}

// HasNegative reports whether any quantity in m is negative, and if so which
// Key is offending.
func (m Map) HasNegative() (bool, Key) {
	for k, v := range m {
		if v.LessThan(decimal.Zero) {
			return true, k
		}
	}
	return false, Key{}
}

// IsZero reports whether every quantity in m is zero.
func (m Map) IsZero() bool {
	for _, v := range m {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// String returns a deterministic, sorted string representation of m suitable
// for logging.
func (m Map) String() string {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	var sb strings.Builder
	sb.WriteString("Resources{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k.String())
		sb.WriteString("=")
		sb.WriteString(m[k].String())
	}
	sb.WriteString("}")
	return sb.String()
}
