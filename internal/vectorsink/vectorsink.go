// Package vectorsink is a thin façade over a multi-tenant vector database
// whose wire contract matches Weaviate's REST schema and batch-objects
// endpoints closely enough to be a drop-in for the real thing.
//
// One Sink is owned per worker goroutine; Sinks are never shared across
// goroutines. Each Sink carries its own rate limiter so a burst of ready
// batches from one worker cannot overwhelm the remote store, independent of
// what every other worker is doing.
package vectorsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/mailflow/internal/message"
	"github.com/snehjoshi/mailflow/internal/tenantcache"
)

// ErrTransport is returned when the sink could not reach the remote store at
// all (connection refused, timeout, non-2xx with no per-object detail). It
// marks the whole batch as failed.
var ErrTransport = errors.New("vectorsink: transport error")

// namespaceUUID is the fixed namespace used to derive a deterministic
// UUIDv5 object id when a message's mail_id is not itself a valid UUID. It
// must never change — doing so would silently remap every non-UUID mail_id
// to a different vector object id.
var namespaceUUID = uuid.MustParse("6ba7b815-9dad-11d1-80b4-00c04fd430c8")

// Option configures a Sink.
type Option func(*Sink)

// WithHTTPClient replaces the default http.Client. Use this to configure
// TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sink) { s.http = hc }
}

// WithRateLimit bounds the number of ImportBatch calls per second this
// Sink's worker may issue, with a burst of burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Sink) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// Sink is a single worker's connection to the vector database.
type Sink struct {
	host           string
	apiKey         string
	collectionName string

	http    *http.Client
	limiter *rate.Limiter
	tenants *tenantcache.Cache
}

// New creates a Sink bound to host/collectionName. tenants is consulted
// before every EnsureTenant call and is typically shared across all workers.
func New(host, apiKey, collectionName string, tenants *tenantcache.Cache, opts ...Option) *Sink {
	s := &Sink{
		host:           host,
		apiKey:         apiKey,
		collectionName: collectionName,
		http:           &http.Client{Timeout: 30 * time.Second},
		limiter:        rate.NewLimiter(rate.Limit(10), 10),
		tenants:        tenants,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ObjectID returns the vector store object id for a mail_id: the mail_id
// itself if it already parses as a UUID, otherwise a deterministic UUIDv5
// derived from the fixed namespace and the literal mail_id string. The same
// mail_id always maps to the same object id across workers and restarts.
func ObjectID(mailID string) string {
	if _, err := uuid.Parse(mailID); err == nil {
		return mailID
	}
	return uuid.NewSHA1(namespaceUUID, []byte(mailID)).String()
}

// EmbeddingConfig describes the vectorizer module attached to the
// collection at creation time.
type EmbeddingConfig struct {
	Provider         string // "openai" | "ollama"
	Model            string
	VectorDimensions int
}

// EnsureCollection idempotently creates the collection with multi-tenancy
// enabled if it does not already exist. Called once at startup from the
// Orchestrator's own Sink; workers never call this.
func (s *Sink) EnsureCollection(ctx context.Context, filterFields []string, embedding EmbeddingConfig) error {
	schema, err := s.getSchema(ctx)
	if err != nil {
		return err
	}
	for _, c := range schema.Classes {
		if c.Class == s.collectionName {
			return nil
		}
	}

	vectorizer, moduleKey, err := vectorizerFor(embedding.Provider)
	if err != nil {
		return err
	}

	props := []property{
		{Name: "filter_user_id", DataType: []string{"text"}},
		{Name: "filter_year", DataType: []string{"text"}},
		{Name: "filter_month", DataType: []string{"text"}},
		{Name: "filter_day", DataType: []string{"text"}},
		{Name: "mail_id", DataType: []string{"text"}},
		{Name: "search_mail_content", DataType: []string{"text"}},
		{Name: "search_mail_header", DataType: []string{"text"}},
	}
	for _, f := range filterFields {
		props = append(props, property{Name: f, DataType: []string{"text"}})
	}

	class := schemaClass{
		Class:      s.collectionName,
		Vectorizer: vectorizer,
		ModuleConfig: map[string]moduleConfig{
			moduleKey: {Model: embedding.Model, Dimensions: embedding.VectorDimensions},
		},
		MultiTenancyConfig: multiTenancyConfig{Enabled: true},
		Properties:         props,
	}

	return s.do(ctx, http.MethodPost, "/v1/schema", schemaCreateRequest{Classes: []schemaClass{class}}, nil)
}

func vectorizerFor(provider string) (vectorizer, moduleKey string, err error) {
	switch provider {
	case "openai":
		return "text2vec-openai", "text2vec-openai", nil
	case "ollama":
		return "text2vec-ollama", "text2vec-ollama", nil
	default:
		return "", "", fmt.Errorf("vectorsink: unsupported embedding provider %q", provider)
	}
}

// EnsureTenant idempotently ensures domain has a tenant on the collection,
// consulting the shared Tenant Cache first so a restart does not re-issue a
// redundant create call for every domain it has already seen.
func (s *Sink) EnsureTenant(ctx context.Context, domain string) error {
	newlyEnsured, err := s.tenants.Ensure(domain)
	if err != nil {
		return fmt.Errorf("vectorsink: ensure tenant cache entry for %s: %w", domain, err)
	}
	if !newlyEnsured {
		return nil
	}

	path := fmt.Sprintf("/v1/schema/%s/tenants", s.collectionName)
	body := []tenant{{Name: domain}}
	if err := s.do(ctx, http.MethodPost, path, body, nil); err != nil {
		// The remote may already have this tenant from a prior un-cached run;
		// a conflict there is not fatal, but any other transport error means
		// the cache now incorrectly believes the tenant exists.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return nil
		}
		if removeErr := s.tenants.Remove(domain); removeErr != nil {
			return fmt.Errorf("vectorsink: ensure tenant %s: %w (cache rollback also failed: %v)", domain, err, removeErr)
		}
		return fmt.Errorf("vectorsink: ensure tenant %s: %w", domain, err)
	}
	return nil
}

// ObjectFailure is a single object's import failure within a batch.
type ObjectFailure struct {
	MailID  string
	Message string
}

// ImportBatch bulk-inserts objects for domain's tenant and reports any
// per-object failures. A connection-level error (ErrTransport) means every
// object in the batch failed.
func (s *Sink) ImportBatch(ctx context.Context, domain string, messages []*message.Message) ([]ObjectFailure, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("vectorsink: rate limit wait: %w", err)
	}

	objects := make([]batchObject, 0, len(messages))
	for _, m := range messages {
		objects = append(objects, batchObject{
			Class:      s.collectionName,
			ID:         ObjectID(m.MailID),
			Tenant:     domain,
			Properties: m.VectorProperties(),
		})
	}

	var resp []batchObjectResult
	if err := s.do(ctx, http.MethodPost, "/v1/batch/objects", batchObjectsRequest{Objects: objects}, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var failures []ObjectFailure
	for i, r := range resp {
		if r.Result.Errors == nil || len(r.Result.Errors.Error) == 0 {
			continue
		}
		mailID := messages[i].MailID
		msg := r.Result.Errors.Error[0].Message
		failures = append(failures, ObjectFailure{MailID: mailID, Message: msg})
	}
	return failures, nil
}

// ─── Wire types (Weaviate-shaped) ─────────────────────────────────────────────

type schemaClass struct {
	Class              string                  `json:"class"`
	Vectorizer         string                  `json:"vectorizer"`
	ModuleConfig       map[string]moduleConfig `json:"moduleConfig"`
	MultiTenancyConfig multiTenancyConfig      `json:"multiTenancyConfig"`
	Properties         []property              `json:"properties"`
}

type moduleConfig struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

type multiTenancyConfig struct {
	Enabled bool `json:"enabled"`
}

type property struct {
	Name     string   `json:"name"`
	DataType []string `json:"dataType"`
}

type schemaCreateRequest struct {
	Classes []schemaClass `json:"classes"`
}

type schemaResponse struct {
	Classes []schemaClass `json:"classes"`
}

type tenant struct {
	Name string `json:"name"`
}

type batchObject struct {
	Class      string         `json:"class"`
	ID         string         `json:"id"`
	Tenant     string         `json:"tenant"`
	Properties map[string]any `json:"properties"`
}

type batchObjectsRequest struct {
	Objects []batchObject `json:"objects"`
}

type batchObjectResult struct {
	ID     string `json:"id"`
	Result struct {
		Errors *struct {
			Error []struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"errors"`
	} `json:"result"`
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// APIError is returned when the remote responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vectorsink: server returned %d: %s", e.StatusCode, e.Message)
}

func (s *Sink) getSchema(ctx context.Context) (*schemaResponse, error) {
	var resp schemaResponse
	if err := s.do(ctx, http.MethodGet, "/v1/schema", nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return &resp, nil
}

// do performs a single HTTP request against the vector store. body is
// encoded as JSON when non-nil; resp is decoded from JSON when non-nil.
func (s *Sink) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vectorsink: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.host+path, reqBody)
	if err != nil {
		return fmt.Errorf("vectorsink: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("vectorsink: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("vectorsink: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("vectorsink: decode response: %w", err)
		}
	}
	return nil
}
