// Token codec for the broker's DistributedContinuationToken (§6): a
// base64url-encoded JSON document with snake_case keys, versioned and
// TTL-bound.
package aggregate

import (
	"encoding/base64"
	"encoding/json"
	"time"

	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

const tokenVersion = 1

type wireShardCursor struct {
	ID              string  `json:"id"`
	Token           *string `json:"token"`
	Exhausted       bool    `json:"exhausted"`
	ResultsReturned int     `json:"results_returned"`
	LastSortValue   *string `json:"last_sort_value"`
}

type wireToken struct {
	Version        int               `json:"version"`
	PageSize       int               `json:"page_size"`
	SortCriteria   *string           `json:"sort_criteria"`
	Strategy       string            `json:"strategy"`
	CreatedAt      string            `json:"created_at"`
	LastSortValues map[string]string `json:"last_sort_values"`
	Shards         []wireShardCursor `json:"shards"`
}

// EncodeToken serializes t into the base64url wire form.
func EncodeToken(t model.DistributedContinuationToken) (string, error) {
	w := wireToken{
		Version:        tokenVersion,
		PageSize:       t.PageSize,
		Strategy:       string(t.StrategyTag),
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339),
		LastSortValues: t.LastSortValues,
	}
	if t.SortCriteria != "" {
		sc := t.SortCriteria
		w.SortCriteria = &sc
	}
	for _, s := range t.Shards {
		wc := wireShardCursor{
			ID:              s.ShardID,
			Exhausted:       s.Exhausted,
			ResultsReturned: s.ResultsReturned,
		}
		if s.Token != "" {
			tok := s.Token
			wc.Token = &tok
		}
		if s.HasSortValue {
			v := s.LastSortValue
			wc.LastSortValue = &v
		}
		w.Shards = append(w.Shards, wc)
	}

	body, err := json.Marshal(w)
	if err != nil {
		return "", brokererrors.Wrap(brokererrors.Internal, "encoding continuation token", err)
	}
	return base64.URLEncoding.EncodeToString(body), nil
}

// DecodeToken parses and validates a wire token, rejecting malformed or
// expired tokens per §6/§7.
func DecodeToken(encoded string, ttl time.Duration, now time.Time) (model.DistributedContinuationToken, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return model.DistributedContinuationToken{}, brokererrors.Wrap(brokererrors.ContinuationMalformed, "decoding continuation token", err)
	}

	var w wireToken
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.DistributedContinuationToken{}, brokererrors.Wrap(brokererrors.ContinuationMalformed, "parsing continuation token", err)
	}
	if w.Version != tokenVersion {
		return model.DistributedContinuationToken{}, brokererrors.New(brokererrors.ContinuationMalformed, "unsupported continuation token version")
	}

	createdAt, err := time.Parse(time.RFC3339, w.CreatedAt)
	if err != nil {
		return model.DistributedContinuationToken{}, brokererrors.Wrap(brokererrors.ContinuationMalformed, "parsing continuation token timestamp", err)
	}
	if ttl > 0 && now.Sub(createdAt) > ttl {
		return model.DistributedContinuationToken{}, brokererrors.New(brokererrors.ContinuationExpired, "continuation token is older than the configured TTL")
	}

	t := model.DistributedContinuationToken{
		Version:        w.Version,
		PageSize:       w.PageSize,
		StrategyTag:    model.Strategy(w.Strategy),
		CreatedAt:      createdAt,
		LastSortValues: w.LastSortValues,
	}
	if w.SortCriteria != nil {
		t.SortCriteria = *w.SortCriteria
	}
	for _, wc := range w.Shards {
		sc := model.ShardCursor{
			ShardID:         wc.ID,
			Exhausted:       wc.Exhausted,
			ResultsReturned: wc.ResultsReturned,
		}
		if wc.Token != nil {
			sc.Token = *wc.Token
		}
		if wc.LastSortValue != nil {
			sc.LastSortValue = *wc.LastSortValue
			sc.HasSortValue = true
		}
		t.Shards = append(t.Shards, sc)
	}
	return t, nil
}
