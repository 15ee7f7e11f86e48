package model

import "time"

// ShardSearchResult is one shard's response to one sub-query. It is
// created per sub-query, consumed by the Aggregator, and discarded.
type ShardSearchResult struct {
	ShardID           string
	ShardBaseURL      string
	Success           bool
	StatusCode        int
	ErrorMessage      string
	ResponseMs        int64
	Entries           []ResultEntry
	ContinuationToken string // opaque, shard-specific
	UnsupportedParams []Param
	TotalCount        *int
	Warnings          []string
}

// ShardCursor is one shard's page position, carried inside a
// DistributedContinuationToken.
type ShardCursor struct {
	ShardID         string
	Token           string // opaque upstream cursor; empty when Exhausted
	Exhausted       bool
	ResultsReturned int
	LastSortValue   string // empty when unset
	HasSortValue    bool
}

// DistributedContinuationToken is the broker's multi-shard pagination
// cursor. See §6 for the wire (JSON) shape; this is the in-memory form.
type DistributedContinuationToken struct {
	Version        int
	PageSize       int
	SortCriteria   string // serialized "signedName,signedName,..."
	StrategyTag    Strategy
	CreatedAt      time.Time
	LastSortValues map[string]string
	Shards         []ShardCursor
}

// Strategy is the fan-out mode chosen by the Strategy Analyzer.
type Strategy string

const (
	StrategyParallel   Strategy = "PARALLEL"
	StrategySequential Strategy = "SEQUENTIAL"
)
