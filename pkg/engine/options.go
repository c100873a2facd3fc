package engine

import (
	"github.com/goccy/go-json"

	"github.com/aetf/execengine/pkg/resource"
)

// Options configures NewEngine. Grounded on the
// options-struct-plus-goccy/go-json idiom common/configuration/config.go uses
// for its own YAML/JSON-loadable configuration types.
type Options struct {
	// Name identifies this engine instance in log output.
	Name string `json:"name"`

	// Limits configures the underlying ResourceMonitor.
	Limits resource.LimitsOptions `json:"limits"`

	// Capacity bounds the aggregate predicted usage Tracker will admit
	// across every outstanding and accepted session offer.
	Capacity resource.Map `json:"capacity"`

	// WorkerPoolSize is the number of operations the engine will run
	// concurrently.
	WorkerPoolSize int `json:"worker_pool_size"`

	// Policy names a registered SchedulerPolicy, defaulting to "fcfs" when
	// empty.
	Policy string `json:"policy"`

	// PagingDevices lists the src/dst device pairs PagingController may page
	// between, tried in order whenever an iteration stalls.
	PagingDevices []DevicePair `json:"paging_devices"`
}

// DefaultOptions returns the Options a minimal single-GPU deployment would
// use: the FCFS policy, a 16-slot worker pool and GPU0->CPU0 paging.
func DefaultOptions() Options {
	return Options{
		Name:           "execengine",
		WorkerPoolSize: 16,
		Policy:         "fcfs",
		PagingDevices:  []DevicePair{{Src: resource.GPU0, Dst: resource.CPU0}},
	}
}

// MarshalJSON and UnmarshalJSON round-trip Options through goccy/go-json
// rather than encoding/json.
func (o Options) MarshalJSON() ([]byte, error) {
	type plain Options
	return json.Marshal(plain(o))
}

func (o *Options) UnmarshalJSON(data []byte) error {
	type plain Options
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = Options(p)
	return nil
}
