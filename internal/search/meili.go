// Package search indexes published content in Meilisearch.
package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxObjects = "quiver_objects"

// ObjectRecord is the search document for one published object. Keyed by
// staticId so re-indexing a new revision overwrites the old one.
type ObjectRecord struct {
	ID           string `json:"id"`
	ObjectID     string `json:"objectId"`
	Kind         string `json:"kind"`
	CollectionID string `json:"collectionId"`
	Title        string `json:"title"`
	Text         string `json:"text"`
}

// Query narrows a search to a kind or collection.
type Query struct {
	Text         string
	FilterKind   string
	CollectionID string
	Limit        int
	Offset       int
}

// Meili wraps the Meilisearch client with background health monitoring.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures the objects index.
// The initial connection may fail; the health loop keeps retrying and
// reconfigures the index once the server comes back.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxObjects,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create objects index (may already exist)")
	}

	index := m.client.Index(idxObjects)
	filterable := []interface{}{"kind", "collectionId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"title", "text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexObject adds or overwrites one object record.
func (m *Meili) IndexObject(record ObjectRecord) error {
	_, err := m.client.Index(idxObjects).AddDocuments([]ObjectRecord{record}, nil)
	return err
}

// DeleteObject removes an object record, tolerating records that were never
// indexed.
func (m *Meili) DeleteObject(staticID string) error {
	_, err := m.client.Index(idxObjects).DeleteDocument(staticID, nil)
	return err
}

// Search runs a text query over the objects index.
func (m *Meili) Search(q Query) ([]ObjectRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
	}
	var filters []string
	if q.FilterKind != "" {
		filters = append(filters, fmt.Sprintf("kind = %q", q.FilterKind))
	}
	if q.CollectionID != "" {
		filters = append(filters, fmt.Sprintf("collectionId = %q", q.CollectionID))
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.Index(idxObjects).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]ObjectRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToRecord(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToRecord(hit meili.Hit) ObjectRecord {
	return ObjectRecord{
		ID:           decodeString(hit, "id"),
		ObjectID:     decodeString(hit, "objectId"),
		Kind:         decodeString(hit, "kind"),
		CollectionID: decodeString(hit, "collectionId"),
		Title:        decodeString(hit, "title"),
		Text:         decodeString(hit, "text"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
