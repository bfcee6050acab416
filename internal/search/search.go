// Package search provides fuzzy lookup over the tool registry, built on
// github.com/blevesearch/bleve/v2 indexing registry.ToolDescriptor records.
package search

import (
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"mcpfabric/internal/registry"
)

// indexedTool is the document shape stored in the bleve index: the
// registry's full name plus the text fields worth matching against.
type indexedTool struct {
	FullName    string `json:"full_name"`
	ShortName   string `json:"short_name"`
	ServerName  string `json:"server_name"`
	Description string `json:"description"`
}

// Index is a rebuildable, in-memory fuzzy-search index over a registry
// snapshot. It does not subscribe to the registry; callers call Rebuild
// after discovery runs.
type Index struct {
	mu  sync.RWMutex
	idx bleve.Index
}

func buildMapping() *mapping.IndexMappingImpl {
	toolMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = "en"
	toolMapping.AddFieldMappingsAt("description", textField)
	toolMapping.AddFieldMappingsAt("short_name", textField)
	toolMapping.AddFieldMappingsAt("server_name", textField)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("tool", toolMapping)
	m.DefaultMapping = toolMapping
	return m
}

// New builds an empty in-memory index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

// Rebuild discards the current index contents and reindexes every tool in
// reg. Called after each discovery pass.
func (i *Index) Rebuild(reg *registry.Registry) error {
	fresh, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return err
	}

	batch := fresh.NewBatch()
	for _, tool := range reg.List() {
		doc := indexedTool{
			FullName:    tool.FullName,
			ShortName:   tool.ShortName,
			ServerName:  tool.ServerName,
			Description: tool.Description,
		}
		if err := batch.Index(tool.FullName, doc); err != nil {
			return err
		}
	}
	if err := fresh.Batch(batch); err != nil {
		return err
	}

	i.mu.Lock()
	old := i.idx
	i.idx = fresh
	i.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Result is one fuzzy-search hit.
type Result struct {
	FullName string  `json:"full_name"`
	Score    float64 `json:"score"`
}

// FindTools runs a fuzzy query across description, short name, and server
// name, returning up to limit hits ordered by descending score.
func (i *Index) FindTools(query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	q := bleve.NewMatchQuery(query)
	q.Fuzziness = 1
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	i.mu.RLock()
	idx := i.idx
	i.mu.RUnlock()

	searchResult, err := idx.Search(req)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		out = append(out, Result{FullName: hit.ID, Score: hit.Score})
	}
	return out, nil
}

// Close releases the underlying bleve index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.idx == nil {
		return nil
	}
	return i.idx.Close()
}
