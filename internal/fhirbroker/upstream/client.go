// Package upstream implements the UpstreamClient contract (§4.6): one
// logical HTTP client per shard, wrapped in a per-shard circuit breaker
// and a hard per-query timeout.
//
// The client shape — name, endpoint, timeout, headers, an http.Client,
// a per-instance logger built with log.With — is kept close to
// cmd/tempo-federated-querier/client/client.go's Client, generalized
// from Tempo's trace/search/tags methods to one Search method over an
// opaque SubRequest.
package upstream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// SubRequest is the fully-assembled request sent to one shard: the
// rewritten expression has already been turned into ordered params by
// the extractor (§4.7), and the cursor/page-size/sort fields are
// appended per §4.6's sub-request construction rules.
type SubRequest struct {
	ResourceType      string // empty for system-wide search
	Params            []model.Param
	ContinuationToken string // this shard's cursor; empty for page 1
	PageSize          int
	Sort              []model.SortKey
}

// Client is the interface the rest of the engine depends on. HTTPClient
// and BreakerClient in this package implement it; the package has no
// file-backed sample implementation, and tests use in-memory fakes.
type Client interface {
	ShardID() string
	BaseURL() string
	Search(ctx context.Context, req SubRequest) (model.ShardSearchResult, error)
}

// HTTPClient is the production UpstreamClient: one per configured
// shard, built from its ShardEndpoint.
type HTTPClient struct {
	id         string
	baseURL    string
	authToken  string
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
	logger     log.Logger
}

// NewHTTPClient builds an HTTPClient for shard, matching the teacher's
// client.New: an *http.Client scoped to the shard's own timeout.
//
// The transport is wrapped with a hedged round-tripper: a second
// identical request fires in parallel if the first hasn't answered by
// half the shard's timeout, and whichever response lands first wins.
// This is not a retry (§5 forbids those) — both attempts are in flight
// simultaneously against a healthy-looking shard, trimming tail latency
// without adding failure-path complexity for the breaker to reason
// about.
func NewHTTPClient(shard config.ShardEndpoint, transport http.RoundTripper, logger log.Logger) *HTTPClient {
	if transport == nil {
		transport = http.DefaultTransport
	}
	hedgeDelay := shard.ShardTimeout() / 2
	if hedgeDelay > 0 {
		if hedged, err := hedgedhttp.NewRoundTripper(hedgeDelay, 1, transport); err == nil {
			transport = hedged
		}
	}
	hc := &http.Client{Timeout: shard.ShardTimeout(), Transport: transport}
	return &HTTPClient{
		id:         shard.ID,
		baseURL:    shard.BaseURL,
		authToken:  shard.AuthToken,
		headers:    shard.ExtraHeaders,
		timeout:    shard.ShardTimeout(),
		httpClient: hc,
		logger:     log.With(logger, "shard", shard.ID),
	}
}

func (c *HTTPClient) ShardID() string { return c.id }
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// Search issues the sub-query and translates the HTTP outcome into a
// ShardSearchResult or a per-shard error Kind (§7): timeouts map to
// UpstreamTimeout, transport failures to UpstreamTransport, and
// undecodable bodies to UpstreamProtocol. The caller (the fan-out
// executor, via the breaker) is responsible for turning these into the
// Success=false/ErrorMessage shape on ShardSearchResult — Search itself
// returns an error so the breaker can count the failure.
func (c *HTTPClient) Search(ctx context.Context, req SubRequest) (model.ShardSearchResult, error) {
	start := time.Now()
	u := c.buildURL(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.ShardSearchResult{}, brokererrors.Wrap(brokererrors.Internal, "build sub-request", err)
	}
	httpReq.Header.Set("Accept", "application/fhir+json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	level.Debug(c.logger).Log("msg", "sending sub-query", "url", u)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ue, ok := err.(*url.Error); ctx.Err() != nil || (ok && ue.Timeout()) {
			return model.ShardSearchResult{}, brokererrors.Wrap(brokererrors.UpstreamTimeout, "sub-query timed out", err)
		}
		return model.ShardSearchResult{}, brokererrors.Wrap(brokererrors.UpstreamTransport, "sub-query transport error", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ShardSearchResult{}, brokererrors.Wrap(brokererrors.UpstreamTransport, "reading sub-query response", err)
	}

	if resp.StatusCode >= 500 {
		return model.ShardSearchResult{}, brokererrors.New(brokererrors.UpstreamTransport, "shard returned a server error")
	}

	result, err := decodeBundle(body)
	if err != nil {
		return model.ShardSearchResult{}, brokererrors.Wrap(brokererrors.UpstreamProtocol, "decoding shard bundle", err)
	}

	result.ShardID = c.id
	result.ShardBaseURL = c.baseURL
	result.Success = true
	result.StatusCode = resp.StatusCode
	result.ResponseMs = time.Since(start).Milliseconds()
	return result, nil
}

// buildURL assembles the sub-query URL exactly as §4.6/§6 require:
// ct=, _count=, _sort= followed by the extracted predicate params, all
// URL-encoded, with the path rooted at the shard's resourceType (if
// the shard endpoint is already single-resource-type scoped the caller
// omits ResourceType upstream in the extractor, not here).
func (c *HTTPClient) buildURL(req SubRequest) string {
	path := c.baseURL
	if req.ResourceType != "" {
		path += "/" + req.ResourceType
	}

	var pairs []string
	add := func(name, value string) {
		pairs = append(pairs, url.QueryEscape(name)+"="+url.QueryEscape(value))
	}
	if req.ContinuationToken != "" {
		add("ct", req.ContinuationToken)
	}
	if req.PageSize > 0 {
		add("_count", strconv.Itoa(req.PageSize))
	}
	if len(req.Sort) > 0 {
		add("_sort", serializeSort(req.Sort))
	}
	for _, p := range req.Params {
		add(p.Name, p.Value)
	}

	if len(pairs) > 0 {
		return path + "?" + strings.Join(pairs, "&")
	}
	return path
}

func serializeSort(sort []model.SortKey) string {
	out := ""
	for i, s := range sort {
		if i > 0 {
			out += ","
		}
		if s.Direction == model.SortDescending {
			out += "-"
		}
		out += s.Param
	}
	return out
}
