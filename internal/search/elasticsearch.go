package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultPageSize = 20

// Query filters the order search
type Query struct {
	BuyerID   string `form:"buyer_id"`
	PartnerID string `form:"partner_id"`
	GroupID   string `form:"group_id"`
	Status    string `form:"status"`
	Text      string `form:"q"`
	From      int    `form:"from" binding:"min=0"`
	Size      int    `form:"size" binding:"min=0,max=100"`
}

// ElasticClient indexes order records for search
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client. transport may be nil.
func NewElasticClient(cfg config.ElasticConfig, transport http.RoundTripper) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

var orderMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"track_id":         map[string]interface{}{"type": "keyword"},
			"buyer_id":         map[string]interface{}{"type": "keyword"},
			"partner_id":       map[string]interface{}{"type": "keyword"},
			"kind":             map[string]interface{}{"type": "keyword"},
			"status":           map[string]interface{}{"type": "keyword"},
			"effective_status": map[string]interface{}{"type": "text"},
			"payment_method":   map[string]interface{}{"type": "keyword"},
			"order_date":       map[string]interface{}{"type": "date"},
			"items": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"item_id":  map[string]interface{}{"type": "keyword"},
					"group_id": map[string]interface{}{"type": "keyword"},
					"status":   map[string]interface{}{"type": "keyword"},
				},
			},
		},
	},
}

// EnsureIndex creates the order index with its mapping when it does not exist
func (c *ElasticClient) EnsureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{c.indexName()}}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to check Elasticsearch index")
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(orderMapping)
	if err != nil {
		return errors.Wrap(err, "failed to marshal index mapping")
	}
	res, err := esapi.IndicesCreateRequest{Index: c.indexName(), Body: bytes.NewReader(body)}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to create Elasticsearch index")
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "create index")
	}

	log.Info().Str("index", c.indexName()).Msg("Order index created")
	return nil
}

// IndexOrder upserts the order document. Older versions never overwrite newer ones.
func (c *ElasticClient) IndexOrder(ctx context.Context, rec models.OrderRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal order document")
	}

	version := rec.Version
	req := esapi.IndexRequest{
		Index:       c.indexName(),
		DocumentID:  rec.TrackID,
		Body:        bytes.NewReader(doc),
		Version:     &version,
		VersionType: "external_gte",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	// a newer version is already indexed
	if res.StatusCode == http.StatusConflict {
		log.Debug().Str("order_id", rec.TrackID).Int("version", rec.Version).Msg("Skipping stale order document")
		return nil
	}
	if res.IsError() {
		return responseError(res, "index")
	}

	log.Debug().Str("order_id", rec.TrackID).Int("version", rec.Version).Msg("Order indexed")
	return nil
}

// SearchOrders returns the matching order records, newest first
func (c *ElasticClient) SearchOrders(ctx context.Context, q Query) ([]models.OrderRecord, error) {
	body, err := json.Marshal(BuildQuery(q))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexName()},
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source models.OrderRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	records := make([]models.OrderRecord, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		records = append(records, hit.Source)
	}
	return records, nil
}

// Ping checks that the cluster is reachable
func (c *ElasticClient) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("Elasticsearch ping returned %s", res.Status())
	}
	return nil
}

// BuildQuery translates q into an Elasticsearch bool query
func BuildQuery(q Query) map[string]interface{} {
	filters := []interface{}{}
	term := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]interface{}{
				"term": map[string]interface{}{field: value},
			})
		}
	}
	term("buyer_id", q.BuyerID)
	term("partner_id", q.PartnerID)
	term("status", strings.ToLower(q.Status))
	if q.GroupID != "" {
		filters = append(filters, map[string]interface{}{
			"nested": map[string]interface{}{
				"path": "items",
				"query": map[string]interface{}{
					"term": map[string]interface{}{"items.group_id": q.GroupID},
				},
			},
		})
	}

	boolQuery := map[string]interface{}{"filter": filters}
	if q.Text != "" {
		boolQuery["must"] = []interface{}{
			map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  q.Text,
					"fields": []string{"track_id", "effective_status", "delivery_address", "pickup_location"},
				},
			},
		}
	}

	size := q.Size
	if size <= 0 {
		size = defaultPageSize
	}
	return map[string]interface{}{
		"from":  q.From,
		"size":  size,
		"sort":  []interface{}{map[string]interface{}{"order_date": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{"bool": boolQuery},
	}
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
