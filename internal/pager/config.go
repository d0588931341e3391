package pager

import "time"

// Config holds the pager's tuning knobs.
type Config struct {
	// NumThreads is the number of loader goroutines.
	NumThreads int `yaml:"num_threads"`
	// DeleteRemovedSubgraphsInDatabaseThread releases evicted subgraphs on a
	// loader goroutine instead of inside UpdateSceneGraph.
	DeleteRemovedSubgraphsInDatabaseThread bool `yaml:"delete_removed_subgraphs_in_database_thread"`
	// TargetMaxPagedLODs is the resident PagedLOD count above which inactive
	// children are evicted.
	TargetMaxPagedLODs int `yaml:"target_max_paged_lods"`
	// ExpiryDelay is the reference-time hysteresis before a child may expire.
	ExpiryDelay float64 `yaml:"expiry_delay"`
	// ExpiryFrames is the frame hysteresis before a child may expire.
	ExpiryFrames int64 `yaml:"expiry_frames"`
	// PreCompile routes loaded subgraphs through the compile queue.
	PreCompile bool `yaml:"precompile"`
	// CompileBudget is the per-frame time given to the compile queue.
	CompileBudget time.Duration `yaml:"compile_budget"`
	// ThreadPriority is advisory: default, low or high.
	ThreadPriority string `yaml:"thread_priority"`
	// UseFrameBlock holds loader goroutines between SignalBeginFrame and
	// SignalEndFrame.
	UseFrameBlock bool `yaml:"use_frame_block"`
	// AcceptNewRequests is the initial value of SetAcceptNewRequests.
	AcceptNewRequests bool `yaml:"accept_new_requests"`
}

// DefaultConfig returns the default pager settings.
func DefaultConfig() Config {
	return Config{
		NumThreads:                             2,
		DeleteRemovedSubgraphsInDatabaseThread: true,
		TargetMaxPagedLODs:                     300,
		ExpiryDelay:                            0.1,
		ExpiryFrames:                           1,
		PreCompile:                             false,
		CompileBudget:                          4 * time.Millisecond,
		ThreadPriority:                         "default",
		UseFrameBlock:                          false,
		AcceptNewRequests:                      true,
	}
}

func (c Config) threads() int {
	if c.NumThreads < 1 {
		return 1
	}
	return c.NumThreads
}
