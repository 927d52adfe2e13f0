package models

import "time"

// Locations
const (
	LocationLocal     = "local"
	LocationWarehouse = "warehouse"
)

// Hash validation status
const (
	HashPending    = "pending"
	HashValid      = "valid"
	HashCorrupt    = "corrupt"
	HashIncomplete = "incomplete"
)

// Model types as detected on disk and referenced by workflow loaders.
const (
	TypeCheckpoint   = "checkpoint"
	TypeLora         = "lora"
	TypeVAE          = "vae"
	TypeControlNet   = "controlnet"
	TypeUpscaler     = "upscaler"
	TypeEmbedding    = "embedding"
	TypeCLIP         = "clip"
	TypeCLIPVision   = "clip_vision"
	TypeUNet         = "unet"
	TypeIPAdapter    = "ipadapter"
	TypeHypernetwork = "hypernetwork"
	TypeStyleModel   = "style_model"
	TypeGLIGEN       = "gligen"
	TypePhotoMaker   = "photomaker"
	TypeUnknown      = "unknown"
)

// Architectures
const (
	ArchSD15    = "sd15"
	ArchSD2     = "sd2"
	ArchSDXL    = "sdxl"
	ArchSD3     = "sd3"
	ArchFlux    = "flux"
	ArchUnknown = "unknown"
)

// ModelRecord is one model file in the catalog.
type ModelRecord struct {
	ID                   string            `gorm:"primaryKey" json:"id"`
	Filename             string            `gorm:"index;not null" json:"filename"`
	Filepath             string            `gorm:"uniqueIndex:idx_model_location_path;not null" json:"filepath"`
	Location             string            `gorm:"uniqueIndex:idx_model_location_path;index;not null" json:"location"`
	DetectedType         string            `gorm:"index" json:"detectedType"`
	DetectedArchitecture string            `json:"detectedArchitecture"`
	DetectedPrecision    string            `json:"detectedPrecision"`
	Format               string            `json:"format"`
	FileSize             int64             `json:"fileSize"`
	PartialHash          string            `gorm:"index" json:"partialHash,omitempty"`
	FullHash             string            `gorm:"index" json:"fullHash,omitempty"`
	HashStatus           string            `gorm:"not null" json:"hashStatus"`
	RemoteName           string            `json:"remoteName,omitempty"`
	RemoteBaseModel      string            `json:"remoteBaseModel,omitempty"`
	RemoteDownloadURL    string            `json:"remoteDownloadUrl,omitempty"`
	RemoteVersionID      int               `json:"remoteVersionId,omitempty"`
	EmbeddedMetadata     map[string]string `gorm:"serializer:json" json:"embeddedMetadata,omitempty"`
	TriggerWords         []string          `gorm:"serializer:json" json:"triggerWords,omitempty"`
	ModifiedAt           time.Time         `json:"modifiedAt"`
	LastScannedAt        time.Time         `json:"lastScannedAt"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// ContentHash returns the strongest hash known for the file.
func (m ModelRecord) ContentHash() string {
	if m.FullHash != "" {
		return m.FullHash
	}
	return m.PartialHash
}

// ScanLog records the outcome of one catalog scan.
type ScanLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Location     string    `gorm:"index" json:"location"`
	Root         string    `json:"root"`
	FileCount    int       `json:"fileCount"`
	TotalSize    int64     `json:"totalSize"`
	NewCount     int       `json:"newCount"`
	UpdatedCount int       `json:"updatedCount"`
	RemovedCount int       `json:"removedCount"`
	SkippedCount int       `json:"skippedCount"`
	ErrorCount   int       `json:"errorCount"`
	DurationMs   int64     `json:"durationMs"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}
