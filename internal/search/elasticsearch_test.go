package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
}

func fakeCluster(t *testing.T, status int, response string) (*ElasticClient, *[]recorded) {
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(body)})
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	c, err := NewElasticClient(config.ElasticConfig{URL: srv.URL, Prefix: "test", Index: "orders"}, nil)
	require.NoError(t, err)
	return c, &calls
}

func TestBuildQueryFilters(t *testing.T) {
	q := BuildQuery(Query{BuyerID: "b1", Status: "Shipped", GroupID: "g1", Text: "main st", Size: 5})

	raw, err := json.Marshal(q)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `{"term":{"buyer_id":"b1"}}`)
	assert.Contains(t, body, `{"term":{"status":"shipped"}}`)
	assert.Contains(t, body, `"items.group_id":"g1"`)
	assert.Contains(t, body, `"multi_match"`)
	assert.Equal(t, 5, q["size"])
	assert.NotContains(t, body, "partner_id")
}

func TestBuildQueryDefaults(t *testing.T) {
	q := BuildQuery(Query{})
	assert.Equal(t, defaultPageSize, q["size"])
	assert.Equal(t, 0, q["from"])

	raw, err := json.Marshal(q)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"filter":[]`)
	assert.NotContains(t, string(raw), "must")
}

func TestIndexOrderUsesExternalVersion(t *testing.T) {
	c, calls := fakeCluster(t, http.StatusCreated, `{"result":"created"}`)

	err := c.IndexOrder(context.Background(), models.OrderRecord{TrackID: "TRK1", Version: 3, Status: "placed"})
	require.NoError(t, err)

	require.NotEmpty(t, *calls)
	last := (*calls)[len(*calls)-1]
	assert.Equal(t, http.MethodPut, last.method)
	assert.Equal(t, "/test-orders/_doc/TRK1", last.path)
	assert.Contains(t, last.query, "version=3")
	assert.Contains(t, last.query, "version_type=external_gte")
	assert.Contains(t, last.body, `"track_id":"TRK1"`)
}

func TestIndexOrderIgnoresStaleVersion(t *testing.T) {
	c, _ := fakeCluster(t, http.StatusConflict, `{"error":{"type":"version_conflict_engine_exception"}}`)

	err := c.IndexOrder(context.Background(), models.OrderRecord{TrackID: "TRK1", Version: 1})
	assert.NoError(t, err)
}

func TestIndexOrderSurfacesClusterErrors(t *testing.T) {
	c, _ := fakeCluster(t, http.StatusInternalServerError, `{"error":"boom"}`)

	err := c.IndexOrder(context.Background(), models.OrderRecord{TrackID: "TRK1", Version: 1})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "index error"))
}

func TestSearchOrdersDecodesHits(t *testing.T) {
	c, calls := fakeCluster(t, http.StatusOK, `{"hits":{"hits":[
		{"_source":{"track_id":"TRK1","buyer_id":"b1","status":"placed","version":1}},
		{"_source":{"track_id":"TRK2","buyer_id":"b1","status":"shipped","version":4}}
	]}}`)

	records, err := c.SearchOrders(context.Background(), Query{BuyerID: "b1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "TRK1", records[0].TrackID)
	assert.Equal(t, 4, records[1].Version)

	last := (*calls)[len(*calls)-1]
	assert.Equal(t, "/test-orders/_search", last.path)
	assert.Contains(t, last.body, `"buyer_id":"b1"`)
}
