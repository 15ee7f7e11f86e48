// Package config holds the broker's configuration: shard endpoints,
// timeouts, caps and the pluggable resolution modes. Shaped directly on
// cmd/tempo-federated-querier's Config/TempoInstance split: one struct
// per upstream endpoint plus a root struct that registers flags and
// applies defaults the same way.
package config

import (
	"flag"
	"fmt"
	"time"
)

// ResolutionMode selects how a resolver concern behaves: PASSTHROUGH
// trusts each shard to resolve locally; DISTRIBUTED fans out and
// coordinates across all shards.
type ResolutionMode string

const (
	Passthrough ResolutionMode = "PASSTHROUGH"
	Distributed ResolutionMode = "DISTRIBUTED"
)

// ShardEndpoint is one upstream record server.
type ShardEndpoint struct {
	ID           string            `yaml:"id"`
	BaseURL      string            `yaml:"base_url"`
	Enabled      bool              `yaml:"enabled"`
	Priority     int               `yaml:"priority"`
	TimeoutSec   int               `yaml:"timeout_sec,omitempty"`
	AuthToken    string            `yaml:"auth_token,omitempty"`
	ExtraHeaders map[string]string `yaml:"extra_headers,omitempty"`
}

// Config is the root configuration for the broker.
type Config struct {
	Shards []ShardEndpoint `yaml:"shards"`

	SearchTimeoutSec             int `yaml:"search_timeout_sec"`
	ChainSearchTimeoutSec        int `yaml:"chain_search_timeout_sec"`
	QueryTimeoutSec              int `yaml:"query_timeout_sec"`
	DistributedChainTimeoutSec   int `yaml:"distributed_chain_timeout_sec"`
	DistributedIncludeTimeoutSec int `yaml:"distributed_include_timeout_sec"`
	TokenTTLSec                  int `yaml:"token_ttl_sec"`

	MaxResultsPerServer         int     `yaml:"max_results_per_server"`
	MaxTotalResults             int     `yaml:"max_total_results"`
	MaxIncludedResourcesInBundle int    `yaml:"max_included_resources_in_bundle"`
	MaxChainDepth               int     `yaml:"max_chain_depth"`
	MaxDistributedReferenceIDs  int     `yaml:"max_distributed_reference_ids"`
	DistributedBatchSize        int     `yaml:"distributed_batch_size"`
	MaxMemoryUsageMB            int     `yaml:"max_memory_usage_mb"`
	MaxConcurrentSearches       int     `yaml:"max_concurrent_searches"`
	MaxResourceSizeKB           int     `yaml:"max_resource_size_kb"`
	MaxParallelServers          int     `yaml:"max_parallel_servers"`
	MaxQueriesPerMinute         int     `yaml:"max_queries_per_minute"`
	FillFactor                  float64 `yaml:"fill_factor"`

	ParallelThreshold   int `yaml:"parallel_threshold"`
	SequentialThreshold int `yaml:"sequential_threshold"`

	EnableCircuitBreaker            bool `yaml:"enable_circuit_breaker"`
	CircuitBreakerFailureThreshold  int  `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerTimeoutSec        int  `yaml:"circuit_breaker_timeout_sec"`

	ChainedSearchResolution ResolutionMode `yaml:"chained_search_resolution"`
	IncludeResolution       ResolutionMode `yaml:"include_resolution"`

	IncludeIterationCap int `yaml:"include_iteration_cap"`
}

// NewDefaultConfig returns a Config with flag defaults applied, the same
// pattern as the teacher's NewDefaultConfig.
func NewDefaultConfig() *Config {
	c := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	c.RegisterFlagsAndApplyDefaults("", fs)
	return c
}

// RegisterFlagsAndApplyDefaults registers flags and sets default values.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.SearchTimeoutSec, prefix+"search.timeout-sec", 30, "Outer search timeout in seconds.")
	f.IntVar(&c.ChainSearchTimeoutSec, prefix+"search.chain-timeout-sec", 10, "Timeout for one chain sub-search in seconds. Accepted but not read by the engine; chain levels use distributed-chain-timeout-sec.")
	f.IntVar(&c.QueryTimeoutSec, prefix+"search.query-timeout-sec", 10, "Timeout for one shard sub-query in seconds.")
	f.IntVar(&c.DistributedChainTimeoutSec, prefix+"search.distributed-chain-timeout-sec", 10, "Timeout for one distributed chain level across all shards.")
	f.IntVar(&c.DistributedIncludeTimeoutSec, prefix+"search.distributed-include-timeout-sec", 10, "Timeout for one distributed include batch across all shards.")
	f.IntVar(&c.TokenTTLSec, prefix+"search.token-ttl-sec", 30*60, "Continuation token time-to-live in seconds.")

	f.IntVar(&c.MaxResultsPerServer, prefix+"search.max-results-per-server", 1000, "Maximum results accepted from a single shard per page.")
	f.IntVar(&c.MaxTotalResults, prefix+"search.max-total-results", 10000, "Maximum total results across all shards per page. Accepted but not enforced by the engine.")
	f.IntVar(&c.MaxIncludedResourcesInBundle, prefix+"search.max-included-resources", 500, "Maximum included resources returned in one bundle.")
	f.IntVar(&c.MaxChainDepth, prefix+"search.max-chain-depth", 3, "Maximum nesting depth of chained predicates.")
	f.IntVar(&c.MaxDistributedReferenceIDs, prefix+"search.max-distributed-reference-ids", 5000, "Maximum IDs carried in a rewritten chain filter.")
	f.IntVar(&c.DistributedBatchSize, prefix+"search.distributed-batch-size", 100, "Maximum IDs per _id= include batch sub-query.")
	f.IntVar(&c.MaxMemoryUsageMB, prefix+"search.max-memory-usage-mb", 512, "Soft memory budget for one search, in MB. Accepted but not enforced by the engine.")
	f.IntVar(&c.MaxConcurrentSearches, prefix+"search.max-concurrent-searches", 50, "Maximum in-flight searches admitted at once.")
	f.IntVar(&c.MaxResourceSizeKB, prefix+"search.max-resource-size-kb", 1024, "Maximum accepted size of a single upstream record, in KB. Accepted but not enforced by the engine.")
	f.IntVar(&c.MaxParallelServers, prefix+"search.max-parallel-servers", 32, "Maximum shards fanned out to concurrently. Accepted but not enforced: the fan-out queries every enabled shard.")
	f.IntVar(&c.MaxQueriesPerMinute, prefix+"search.max-queries-per-minute", 0, "Rate limit for admitted searches. Accepted but not enforced: the admission gate applies no rate limit.")
	f.Float64Var(&c.FillFactor, prefix+"search.fill-factor", 0.8, "Fraction of the page size that ends sequential fan-out early.")

	f.IntVar(&c.ParallelThreshold, prefix+"search.parallel-threshold", 10, "Page sizes at or below this value force PARALLEL strategy.")
	f.IntVar(&c.SequentialThreshold, prefix+"search.sequential-threshold", 20, "Page sizes above this value force SEQUENTIAL strategy.")

	f.BoolVar(&c.EnableCircuitBreaker, prefix+"search.enable-circuit-breaker", true, "Enable the per-shard circuit breaker.")
	f.IntVar(&c.CircuitBreakerFailureThreshold, prefix+"search.circuit-breaker-failure-threshold", 5, "Consecutive failures before a shard breaker opens.")
	f.IntVar(&c.CircuitBreakerTimeoutSec, prefix+"search.circuit-breaker-timeout-sec", 30, "Seconds an open breaker waits before trying half-open.")

	c.ChainedSearchResolution = Distributed
	c.IncludeResolution = Distributed
	c.IncludeIterationCap = 5
}

// Validate validates the configuration, mirroring the teacher's
// Config.Validate: per-shard defaulting plus hard requirement checks.
func (c *Config) Validate() error {
	for i, s := range c.Shards {
		if s.BaseURL == "" {
			return fmt.Errorf("shard %d: base_url is required", i)
		}
		if s.ID == "" {
			return fmt.Errorf("shard %d: id is required", i)
		}
		if s.TimeoutSec == 0 {
			c.Shards[i].TimeoutSec = c.QueryTimeoutSec
		}
	}
	if c.FillFactor <= 0 || c.FillFactor > 1 {
		return fmt.Errorf("fill_factor must be in (0, 1], got %v", c.FillFactor)
	}
	if c.ChainedSearchResolution != Passthrough && c.ChainedSearchResolution != Distributed {
		return fmt.Errorf("chained_search_resolution must be PASSTHROUGH or DISTRIBUTED, got %q", c.ChainedSearchResolution)
	}
	if c.IncludeResolution != Passthrough && c.IncludeResolution != Distributed {
		return fmt.Errorf("include_resolution must be PASSTHROUGH or DISTRIBUTED, got %q", c.IncludeResolution)
	}
	return nil
}

// EnabledShards returns the configured shards with Enabled == true.
func (c *Config) EnabledShards() []ShardEndpoint {
	out := make([]ShardEndpoint, 0, len(c.Shards))
	for _, s := range c.Shards {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Warning bundles a message and explanation, mirroring the teacher's
// ConfigWarning.
type Warning struct {
	Message string
	Explain string
}

// CheckConfig checks for suspect (non-fatal) configuration values.
func (c *Config) CheckConfig() []Warning {
	var warnings []Warning
	if c.MaxConcurrentSearches < 1 {
		warnings = append(warnings, Warning{
			Message: "max_concurrent_searches must be greater than zero",
			Explain: "with 0 the admission gate applies no concurrency cap at all",
		})
	}
	for i, s := range c.Shards {
		if s.TimeoutSec > c.SearchTimeoutSec {
			warnings = append(warnings, Warning{
				Message: fmt.Sprintf("shards[%d].timeout_sec exceeds search_timeout_sec", i),
				Explain: "the shard timeout will be capped by the outer search timeout",
			})
		}
	}
	return warnings
}

// ShardTimeout returns the effective per-call timeout for s.
func (s ShardEndpoint) ShardTimeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}
