package repository

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// OpenSearchConfig configures the OpenSearch backend.
type OpenSearchConfig struct {
	URL         string
	Username    string
	Password    string
	Insecure    bool
	IndexPrefix string
	Shards      int
	Replicas    int
}

// OpenSearchRepository stores events as documents in a single index.
type OpenSearchRepository struct {
	client *opensearch.Client
	prefix string
	index  string
	now    func() time.Time
}

// NewOpenSearch connects to OpenSearch, verifies the cluster answers and
// installs the index template and the events index.
func NewOpenSearch(ctx context.Context, cfg OpenSearchConfig) (*OpenSearchRepository, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, unavailable("ping opensearch", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s: %w", info.Status(), models.ErrStoreUnavailable)
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "telhawk-audit"
	}
	r := &OpenSearchRepository{
		client: client,
		prefix: prefix,
		index:  prefix + "-events",
		now:    time.Now,
	}
	if err := r.initialize(ctx, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Index returns the events index name.
func (r *OpenSearchRepository) Index() string { return r.index }

func (r *OpenSearchRepository) initialize(ctx context.Context, cfg OpenSearchConfig) error {
	shards, replicas := cfg.Shards, cfg.Replicas
	if shards <= 0 {
		shards = 1
	}
	if replicas < 0 {
		replicas = 0
	}

	template := map[string]interface{}{
		"index_patterns": []string{r.prefix + "-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   shards,
				"number_of_replicas": replicas,
			},
			"mappings": eventMappings(),
		},
		"priority": 100,
	}
	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := r.client.Indices.PutIndexTemplate(
		r.prefix+"-template",
		bytes.NewReader(body),
		r.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return unavailable("create index template", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("create index template", res.Status(), res.Body)
	}

	exists, err := r.client.Indices.Exists([]string{r.index}, r.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return unavailable("check index", err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	created, err := r.client.Indices.Create(r.index, r.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return unavailable("create index", err)
	}
	defer created.Body.Close()
	// a concurrent instance may have created it first
	if created.IsError() && created.StatusCode != http.StatusBadRequest {
		return responseError("create index", created.Status(), created.Body)
	}
	return nil
}

func eventMappings() map[string]interface{} {
	keyword := map[string]interface{}{"type": "keyword"}
	return map[string]interface{}{
		"dynamic_templates": []map[string]interface{}{
			{
				"strings_as_keywords": map[string]interface{}{
					"match_mapping_type": "string",
					"mapping":            keyword,
				},
			},
		},
		"properties": map[string]interface{}{
			"id":              keyword,
			"token":           map[string]interface{}{"type": "long"},
			"correlationId":   keyword,
			"eventType":       keyword,
			"username":        keyword,
			"eventName":       keyword,
			"applicationName": keyword,
			"timestamp":       map[string]interface{}{"type": "date"},
			"eventBody": map[string]interface{}{
				"type": "object",
			},
		},
	}
}

func (r *OpenSearchRepository) Save(ctx context.Context, e *models.Event) (*models.Event, error) {
	stored, err := prepareSave(e)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	res, err := r.client.Index(
		r.index,
		bytes.NewReader(doc),
		r.client.Index.WithContext(ctx),
		r.client.Index.WithDocumentID(stored.ID),
		r.client.Index.WithRefresh("wait_for"),
	)
	if err != nil {
		return nil, unavailable("index event", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("index event", res.Status(), res.Body)
	}
	return stored, nil
}

func (r *OpenSearchRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	res, err := r.client.Get(r.index, id, r.client.Get.WithContext(ctx))
	if err != nil {
		return nil, unavailable("get event", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, models.ErrNotFound
	}
	if res.IsError() {
		return nil, responseError("get event", res.Status(), res.Body)
	}

	var doc struct {
		ID     string          `json:"_id"`
		Found  bool            `json:"found"`
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode get response: %w", err)
	}
	if !doc.Found {
		return nil, models.ErrNotFound
	}
	return decodeHit(doc.ID, doc.Source)
}

func (r *OpenSearchRepository) List(ctx context.Context, q models.EventQuery) (*models.EventPage, error) {
	q = q.Normalize()
	if q.Offset()+q.Size > maxResultWindow {
		// from+size past the window is rejected by the cluster
		total, err := r.Count(ctx, q)
		if err != nil {
			return nil, err
		}
		return models.NewEventPage(nil, q, total), nil
	}
	events, total, err := r.search(ctx, r.buildQuery(q), q.Offset(), q.Size)
	if err != nil {
		return nil, err
	}
	return models.NewEventPage(events, q, total), nil
}

func (r *OpenSearchRepository) Count(ctx context.Context, q models.EventQuery) (int64, error) {
	body, err := json.Marshal(map[string]interface{}{"query": r.buildQuery(q)})
	if err != nil {
		return 0, err
	}

	res, err := r.client.Count(
		r.client.Count.WithContext(ctx),
		r.client.Count.WithIndex(r.index),
		r.client.Count.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return 0, unavailable("count events", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError("count events", res.Status(), res.Body)
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return out.Count, nil
}

func (r *OpenSearchRepository) FindDetail(ctx context.Context, userID int64, phone string) ([]*models.Event, error) {
	must := []map[string]interface{}{
		{"term": map[string]interface{}{"eventBody.datos.idUsuario": userID}},
	}
	if phone != "" {
		must = append(must, wildcard("eventBody.datos.telefono", phone, false))
	}
	return r.searchAll(ctx, boolQuery(must))
}

func (r *OpenSearchRepository) RecentNotifications(ctx context.Context, username string, since time.Time) ([]*models.Event, error) {
	must := []map[string]interface{}{
		{"term": map[string]interface{}{"eventName": models.NotificationEventName}},
		{"terms": map[string]interface{}{"username": []string{username, models.BroadcastUsername}}},
		{"range": map[string]interface{}{"timestamp": map[string]interface{}{"gte": since.UTC().Format(time.RFC3339Nano)}}},
	}
	return r.searchAll(ctx, boolQuery(must))
}

func (r *OpenSearchRepository) Ping(ctx context.Context) error {
	res, err := r.client.Ping(r.client.Ping.WithContext(ctx))
	if err != nil {
		return unavailable("ping opensearch", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping opensearch: %s: %w", res.Status(), models.ErrStoreUnavailable)
	}
	return nil
}

// Close is a no-op; the client holds no long-lived resources.
func (r *OpenSearchRepository) Close() error { return nil }

func (r *OpenSearchRepository) buildQuery(q models.EventQuery) map[string]interface{} {
	var must []map[string]interface{}
	if f, ok := models.ParseTextFilter(q.EventName); ok {
		must = append(must, textClause("eventName", f))
	}
	if f, ok := models.ParseTextFilter(q.Username); ok {
		must = append(must, textClause("username", f))
	}
	if since := q.Period.Since(r.now()); !since.IsZero() {
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"timestamp": map[string]interface{}{"gte": since.UTC().Format(time.RFC3339Nano)}},
		})
	}
	if len(must) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	return boolQuery(must)
}

func textClause(field string, f models.TextFilter) map[string]interface{} {
	if f.Contains {
		return wildcard(field, f.Value, true)
	}
	return map[string]interface{}{"term": map[string]interface{}{field: f.Value}}
}

var wildcardEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)

func wildcard(field, value string, caseInsensitive bool) map[string]interface{} {
	return map[string]interface{}{
		"wildcard": map[string]interface{}{
			field: map[string]interface{}{
				"value":            "*" + wildcardEscaper.Replace(value) + "*",
				"case_insensitive": caseInsensitive,
			},
		},
	}
}

func boolQuery(must []map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"bool": map[string]interface{}{"filter": must}}
}

func (r *OpenSearchRepository) search(ctx context.Context, query map[string]interface{}, from, size int) ([]*models.Event, int64, error) {
	page, err := r.searchPage(ctx, map[string]interface{}{
		"query": query,
		"from":  from,
		"size":  size,
		"sort":  eventSort,
	})
	if err != nil {
		return nil, 0, err
	}
	return page.events, page.total, nil
}

// searchAll collects every match, newest first, paging with search_after
// on (timestamp, id) so results are not bounded by the window size.
func (r *OpenSearchRepository) searchAll(ctx context.Context, query map[string]interface{}) ([]*models.Event, error) {
	var (
		out   []*models.Event
		after []interface{}
	)
	for {
		body := map[string]interface{}{
			"query": query,
			"size":  searchAllBatch,
			"sort":  eventSort,
		}
		if after != nil {
			body["search_after"] = after
		}
		page, err := r.searchPage(ctx, body)
		if err != nil {
			return nil, err
		}
		out = append(out, page.events...)
		if page.hits < searchAllBatch || len(page.last) == 0 {
			return out, nil
		}
		after = page.last
	}
}

const searchAllBatch = models.MaxPageSize

// maxResultWindow is the default index.max_result_window.
const maxResultWindow = 10000

var eventSort = []map[string]interface{}{
	{"timestamp": map[string]string{"order": "desc"}},
	{"id": map[string]string{"order": "asc"}},
}

type searchResult struct {
	events []*models.Event
	total  int64
	hits   int           // raw hit count, malformed documents included
	last   []interface{} // sort values of the last hit
}

func (r *OpenSearchRepository) searchPage(ctx context.Context, request map[string]interface{}) (*searchResult, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.index),
		r.client.Search.WithBody(bytes.NewReader(body)),
		r.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, unavailable("search events", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("search events", res.Status(), res.Body)
	}

	var result struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string          `json:"_id"`
				Source json.RawMessage `json:"_source"`
				Sort   []interface{}   `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	page := &searchResult{
		events: make([]*models.Event, 0, len(result.Hits.Hits)),
		total:  result.Hits.Total.Value,
		hits:   len(result.Hits.Hits),
	}
	for _, hit := range result.Hits.Hits {
		page.last = hit.Sort
		e, err := decodeHit(hit.ID, hit.Source)
		if err != nil {
			// malformed documents are skipped
			continue
		}
		page.events = append(page.events, e)
	}
	return page, nil
}

func decodeHit(id string, source json.RawMessage) (*models.Event, error) {
	var e models.Event
	if err := json.Unmarshal(source, &e); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	e.ID = id
	return &e, nil
}

// responseError reports an OpenSearch error response. 5xx answers mean the
// store is unavailable; 4xx answers are request bugs.
func responseError(op, status string, body io.Reader) error {
	msg, _ := io.ReadAll(io.LimitReader(body, 4096))
	if strings.HasPrefix(status, "5") {
		return fmt.Errorf("%s: %w: opensearch error: %s - %s", op, models.ErrStoreUnavailable, status, msg)
	}
	return fmt.Errorf("%s: opensearch error: %s - %s", op, status, msg)
}

var _ Repository = (*OpenSearchRepository)(nil)
