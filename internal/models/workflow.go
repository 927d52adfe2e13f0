package models

import "time"

// Workflow status
const (
	WorkflowNew          = "new"
	WorkflowMissingItems = "scanned-missing-items"
	WorkflowError        = "scanned-error"
	WorkflowReadyLocal   = "scanned-ready-local"
	WorkflowReadyCloud   = "scanned-ready-cloud"
)

// Dependency status
const (
	DepUnresolved        = "unresolved"
	DepResolvedLocal     = "resolved-local"
	DepResolvedWarehouse = "resolved-warehouse"
	DepMissing           = "missing"
	DepAmbiguous         = "ambiguous"
	DepIncompatible      = "incompatible"
)

// WorkflowRecord is one parsed workflow file and its resolution summary.
type WorkflowRecord struct {
	ID                string               `gorm:"primaryKey" json:"id"`
	SourcePath        string               `gorm:"uniqueIndex;not null" json:"sourcePath"`
	Name              string               `json:"name"`
	Status            string               `gorm:"index;not null" json:"status"`
	TotalDependencies int                  `json:"totalDependencies"`
	ResolvedLocal     int                  `json:"resolvedLocal"`
	ResolvedWarehouse int                  `json:"resolvedWarehouse"`
	MissingCount      int                  `json:"missingCount"`
	AmbiguousCount    int                  `json:"ambiguousCount"`
	IncompatibleCount int                  `json:"incompatibleCount"`
	TotalSizeBytes    int64                `json:"totalSizeBytes"`
	EstimatedVRAMGB   float64              `json:"estimatedVramGb"`
	VRAMWarnings      []string             `gorm:"serializer:json" json:"vramWarnings,omitempty"`
	RawContent        string               `gorm:"type:text" json:"-"`
	Metadata          WorkflowMetadata     `gorm:"serializer:json" json:"metadata"`
	ParseError        string               `json:"parseError,omitempty"`
	UnmappedNodeTypes []string             `gorm:"serializer:json" json:"unmappedNodeTypes,omitempty"`
	LastScannedAt     time.Time            `json:"lastScannedAt"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
	Dependencies      []WorkflowDependency `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"dependencies,omitempty"`
}

// WorkflowMetadata holds the best-effort secondary extraction of a workflow.
type WorkflowMetadata struct {
	Sampler      *SamplerSettings `json:"sampler,omitempty"`
	Resolution   *Resolution      `json:"resolution,omitempty"`
	Features     []string         `json:"features,omitempty"`
	NodeCount    int              `json:"nodeCount"`
	LinkCount    int              `json:"linkCount"`
	GroupCount   int              `json:"groupCount"`
	NodeTypes    int              `json:"nodeTypes"`
	Description  string           `json:"description,omitempty"`
	Author       string           `json:"author,omitempty"`
	Version      string           `json:"version,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	Architecture string           `json:"architecture,omitempty"`
}

type SamplerSettings struct {
	NodeType    string  `json:"nodeType"`
	Seed        int64   `json:"seed,omitempty"`
	Steps       int     `json:"steps,omitempty"`
	CFG         float64 `json:"cfg,omitempty"`
	SamplerName string  `json:"samplerName,omitempty"`
	Scheduler   string  `json:"scheduler,omitempty"`
	Denoise     float64 `json:"denoise,omitempty"`
}

type Resolution struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	BatchSize int `json:"batchSize"`
}

// WorkflowDependency is one model referenced by a workflow.
type WorkflowDependency struct {
	ID                   uint     `gorm:"primaryKey" json:"id"`
	WorkflowID           string   `gorm:"index;not null" json:"workflowId"`
	NodeID               string   `json:"nodeId"`
	NodeType             string   `json:"nodeType"`
	ModelType            string   `gorm:"index" json:"modelType"`
	ModelName            string   `json:"modelName"`
	Status               string   `gorm:"index;not null" json:"status"`
	ResolvedModelID      *string  `gorm:"index" json:"resolvedModelId,omitempty"`
	RemoteURLs           []string `gorm:"serializer:json" json:"remoteUrls,omitempty"`
	ExpectedArchitecture string   `json:"expectedArchitecture,omitempty"`
	CompatibilityIssue   string   `json:"compatibilityIssue,omitempty"`
	CandidateModelIDs    []string `gorm:"serializer:json" json:"candidateModelIds,omitempty"`
}

// IsResolved reports whether the dependency points at a catalog model.
func (d WorkflowDependency) IsResolved() bool {
	return d.Status == DepResolvedLocal || d.Status == DepResolvedWarehouse
}
