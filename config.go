package forkgc

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Options holds the engine's tunables. Zero value is invalid; use
// DefaultOptions or LoadOptions.
type Options struct {
	// PtrsPerThread is the per-mutator batch capacity before forced
	// submission. Mirrors g_forkgc_ptrs_per_thread in the original.
	PtrsPerThread int `toml:"ptrs_per_thread"`

	// MaxWorkers bounds parallel scan/sweep workers.
	MaxWorkers int `toml:"max_workers"`

	// AddrsPerWorker is the work-shard size for scan/sweep fan-out.
	AddrsPerWorker int `toml:"addrs_per_worker"`

	// MaxUnrefDepth caps unref's recursion depth.
	MaxUnrefDepth int `toml:"max_unref_depth"`

	// SortThreshold is the quicksort->insertion-sort cutoff.
	SortThreshold int `toml:"sort_threshold"`

	// Debug enables debug-only assertion checks: monotonicity of addr[]
	// after the sort, and non-negative refs in unref. Staged-free-list
	// invariants are not checked. There is no Go
	// build-time NDEBUG equivalent wired to release builds, so this is
	// an explicit runtime flag instead.
	Debug bool `toml:"debug"`
}

// DefaultOptions returns the engine's recommended tunable values.
func DefaultOptions() Options {
	return Options{
		PtrsPerThread:  4096,
		MaxWorkers:     80,
		AddrsPerWorker: 128 * 1024,
		MaxUnrefDepth:  30,
		SortThreshold:  16,
		Debug:          false,
	}
}

// LoadOptions reads tunables from a TOML file, falling back to
// DefaultOptions for any field the file doesn't set and for the file
// not existing at all. Host configuration is optional: the host
// application's own environment/config parsing can feed this file,
// but doesn't have to.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return opts, nil
	}
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return Options{}, fatalf("LoadOptions", "decode %s: %w", path, err)
	}
	return opts, nil
}

func (o Options) validate() error {
	if o.PtrsPerThread <= 0 {
		return fatalf("Options.validate", "ptrs_per_thread must be > 0")
	}
	if o.MaxWorkers <= 0 {
		return fatalf("Options.validate", "max_workers must be > 0")
	}
	if o.AddrsPerWorker <= 0 {
		return fatalf("Options.validate", "addrs_per_worker must be > 0")
	}
	if o.MaxUnrefDepth <= 0 {
		return fatalf("Options.validate", "max_unref_depth must be > 0")
	}
	if o.SortThreshold <= 0 {
		return fatalf("Options.validate", "sort_threshold must be > 0")
	}
	return nil
}
