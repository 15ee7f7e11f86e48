package upstream

import (
	"encoding/json"
	"time"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// bundleEntry and bundleResourceHeader mirror the minimal slice of the
// FHIR searchset Bundle shape the broker actually consumes: a list of
// entries, each with a resource and a match mode, plus the shard's own
// cursor/total-count metadata on the document. Wire format parsing beyond this is the
// (out-of-scope) upstream record server's concern — the broker only
// decodes enough to build a ShardSearchResult (§1 non-goals).
type bundleEntry struct {
	FullURL string          `json:"fullUrl"`
	Search  bundleSearch    `json:"search"`
	Resource json.RawMessage `json:"resource"`
}

type bundleSearch struct {
	Mode string `json:"mode"`
}

type bundleResourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		VersionID   string    `json:"versionId"`
		LastUpdated time.Time `json:"lastUpdated"`
	} `json:"meta"`
}

type bundleDocument struct {
	Total             *int            `json:"total"`
	ContinuationToken string          `json:"continuation_token"`
	UnsupportedParams []model.Param   `json:"unsupported_params"`
	Entry             []bundleEntry   `json:"entry"`
}

// decodeBundle parses a shard's searchset bundle into a partial
// ShardSearchResult (ShardID/BaseURL/Success/StatusCode are filled in
// by the caller once decoding succeeds).
func decodeBundle(body []byte) (model.ShardSearchResult, error) {
	var doc bundleDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.ShardSearchResult{}, err
	}

	entries := make([]model.ResultEntry, 0, len(doc.Entry))
	for _, e := range doc.Entry {
		var header bundleResourceHeader
		if err := json.Unmarshal(e.Resource, &header); err != nil {
			return model.ShardSearchResult{}, err
		}
		entries = append(entries, model.ResultEntry{
			ResourceTypeName: header.ResourceType,
			ResourceID:       header.ID,
			VersionID:        header.Meta.VersionID,
			LastModified:     header.Meta.LastUpdated,
			RawPayload:       model.RawPayload{Format: "json", Bytes: e.Resource},
			MatchMode:        matchModeFromSearch(e.Search.Mode),
		})
	}

	return model.ShardSearchResult{
		Entries:           entries,
		ContinuationToken: doc.ContinuationToken,
		UnsupportedParams: doc.UnsupportedParams,
		TotalCount:        doc.Total,
	}, nil
}

func matchModeFromSearch(mode string) model.MatchMode {
	switch mode {
	case "include":
		return model.MatchModeInclude
	case "outcome":
		return model.MatchModeOutcome
	default:
		return model.MatchModeMatch
	}
}
