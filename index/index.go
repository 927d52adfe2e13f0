package index

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-modelvault/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "modelvault.bleve"

// Document types
const (
	TypeModel    = "model"
	TypeWorkflow = "workflow"
)

// Item is one searchable document. All fields are indexed under their
// JSON tag names (e.g. query '+modelType:lora' or '+architecture:sdxl').
type Item struct {
	ID            string   `json:"id"`   // model_<id> or wf_<id>
	Type          string   `json:"type"` // "model" or "workflow"
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	FilePath      string   `json:"filePath"`
	DirectoryPath string   `json:"directoryPath,omitempty"`
	Location      string   `json:"location,omitempty"`
	ModelType     string   `json:"modelType,omitempty"`
	Architecture  string   `json:"architecture,omitempty"`
	BaseModel     string   `json:"baseModel,omitempty"` // remote catalog base model, e.g. SDXL 1.0
	Tags          []string `json:"tags,omitempty"`      // trigger words or workflow tags
	Status        string   `json:"status,omitempty"`    // hash status or workflow status

	FileSizeKB    float64   `json:"fileSizeKB,omitempty"`
	FileFormat    string    `json:"fileFormat,omitempty"`
	FilePrecision string    `json:"filePrecision,omitempty"`
	ScannedAt     time.Time `json:"scannedAt,omitempty"`

	// Populated by the 'torrent' command
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	// Fail instead of blocking when another process holds the index.
	index, err := bleve.OpenUsing(indexPath, map[string]interface{}{"bolt_timeout": "5s"})
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Infof("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

func ModelDocID(id string) string    { return "model_" + id }
func WorkflowDocID(id string) string { return "wf_" + id }

// ModelItem builds the search document for a catalog row.
func ModelItem(rec models.ModelRecord) Item {
	name := rec.Filename
	desc := rec.RemoteName
	return Item{
		ID:            ModelDocID(rec.ID),
		Type:          TypeModel,
		Name:          name,
		Description:   desc,
		FilePath:      rec.Filepath,
		DirectoryPath: filepath.Dir(rec.Filepath),
		Location:      rec.Location,
		ModelType:     rec.DetectedType,
		Architecture:  rec.DetectedArchitecture,
		BaseModel:     rec.RemoteBaseModel,
		Tags:          rec.TriggerWords,
		Status:        rec.HashStatus,
		FileSizeKB:    float64(rec.FileSize) / 1024,
		FileFormat:    rec.Format,
		FilePrecision: rec.DetectedPrecision,
		ScannedAt:     rec.LastScannedAt,
	}
}

// WorkflowItem builds the search document for a workflow.
func WorkflowItem(wf models.WorkflowRecord) Item {
	desc := wf.Metadata.Description
	if len(wf.Metadata.Features) > 0 {
		desc = strings.TrimSpace(desc + " " + strings.Join(wf.Metadata.Features, " "))
	}
	return Item{
		ID:            WorkflowDocID(wf.ID),
		Type:          TypeWorkflow,
		Name:          wf.Name,
		Description:   desc,
		FilePath:      wf.SourcePath,
		DirectoryPath: filepath.Dir(wf.SourcePath),
		Architecture:  wf.Metadata.Architecture,
		Tags:          wf.Metadata.Tags,
		Status:        wf.Status,
		ScannedAt:     wf.LastScannedAt,
	}
}

// Catalog keeps the index in step with catalog and workflow writes.
type Catalog struct {
	idx bleve.Index
}

func NewCatalog(idx bleve.Index) *Catalog {
	return &Catalog{idx: idx}
}

func (c *Catalog) IndexModel(rec models.ModelRecord) error {
	return IndexItem(c.idx, ModelItem(rec))
}

func (c *Catalog) IndexWorkflow(wf models.WorkflowRecord) error {
	return IndexItem(c.idx, WorkflowItem(wf))
}

func (c *Catalog) DeleteModels(ids []string) error {
	return c.deleteDocs(ids, ModelDocID)
}

func (c *Catalog) DeleteWorkflows(ids []string) error {
	return c.deleteDocs(ids, WorkflowDocID)
}

func (c *Catalog) deleteDocs(ids []string, docID func(string) string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := c.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(docID(id))
	}
	return c.idx.Batch(batch)
}

// SearchIndex performs a search query against the index.
func SearchIndex(index bleve.Index, query string) (*bleve.SearchResult, error) {
	return Search(index, query, 10)
}

// Search runs a query string query and returns up to size hits with all stored fields.
func Search(index bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequestOptions(searchQuery, size, 0, false)
	searchRequest.Fields = []string{"*"} // Request all stored fields
	searchResults, err := index.Search(searchRequest)
	if err != nil {
		return nil, err
	}
	return searchResults, nil
}

// Reindex writes a document for every model and workflow in one batch.
func (c *Catalog) Reindex(recs []models.ModelRecord, wfs []models.WorkflowRecord) error {
	batch := c.idx.NewBatch()
	for _, rec := range recs {
		item := ModelItem(rec)
		if err := batch.Index(item.ID, item); err != nil {
			return err
		}
	}
	for _, wf := range wfs {
		item := WorkflowItem(wf)
		if err := batch.Index(item.ID, item); err != nil {
			return err
		}
	}
	return c.idx.Batch(batch)
}

// IndexShared re-indexes a model with the torrent and magnet link generated for it.
func (c *Catalog) IndexShared(rec models.ModelRecord, torrentPath, magnet string) error {
	item := ModelItem(rec)
	item.TorrentPath = torrentPath
	item.MagnetLink = magnet
	return IndexItem(c.idx, item)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
