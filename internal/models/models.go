package models

type (
	Config struct {
		// Paths
		DatabasePath   string `toml:"DatabasePath"`
		SettingsPath   string `toml:"SettingsPath"`   // bitcask key/value store
		BleveIndexPath string `toml:"BleveIndexPath"` // search index over models and workflows

		// Library roots
		LocalModelRoots []string `toml:"LocalModelRoots"`
		WarehouseRoots  []string `toml:"WarehouseRoots"`
		WorkflowRoots   []string `toml:"WorkflowRoots"`
		DownloadDir     string   `toml:"DownloadDir"`

		// Catalog scanning
		ModelExtensions []string `toml:"ModelExtensions"`
		ValidationLevel string   `toml:"ValidationLevel"` // quick, standard, full
		ScanBatchSize   int      `toml:"ScanBatchSize"`
		ForceRescan     bool     `toml:"ForceRescan"`

		// Task scheduling
		MaxConcurrentTasks int `toml:"MaxConcurrentTasks"`
		DefaultMaxRetries  int `toml:"DefaultMaxRetries"`
		TaskTimeoutSec     int `toml:"TaskTimeoutSec"` // 0 disables the watchdog

		// Remote sources
		ApiKey              string `toml:"ApiKey"`
		HuggingFaceToken    string `toml:"HuggingFaceToken"`
		EnrichMetadata      bool   `toml:"EnrichMetadata"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`

		// Other
		LogApiRequests bool   `toml:"LogApiRequests"`
		ApiLogPath     string `toml:"ApiLogPath"`
	}

	// --- Remote catalog (Civitai) response structures used for enrichment ---

	// BaseModelInfo is the nested 'model' field in /model-versions responses.
	BaseModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Nsfw bool   `json:"nsfw"`
		Poi  bool   `json:"poi"`
		Mode string `json:"mode"` // Can be null, "Archived", "TakenDown"
	}

	ModelVersion struct {
		ID           int           `json:"id"`
		ModelId      int           `json:"modelId"`
		Name         string        `json:"name"`
		PublishedAt  string        `json:"publishedAt"`
		UpdatedAt    string        `json:"updatedAt"`
		TrainedWords []string      `json:"trainedWords"`
		BaseModel    string        `json:"baseModel"`
		Description  string        `json:"description"`
		Files        []File        `json:"files"`
		DownloadUrl  string        `json:"downloadUrl"`
		Model        BaseModelInfo `json:"model"`
	}

	File struct {
		Name        string   `json:"name"`
		ID          int      `json:"id"`
		SizeKB      float64  `json:"sizeKB"`
		Type        string   `json:"type"`
		Metadata    Metadata `json:"metadata"`
		Hashes      Hashes   `json:"hashes"`
		DownloadUrl string   `json:"downloadUrl"`
		Primary     bool     `json:"primary"`
	}

	Metadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}
)

// Provided reports whether any hash is set.
func (h Hashes) Provided() bool {
	return h.SHA256 != "" || h.BLAKE3 != "" || h.CRC32 != "" || h.AutoV2 != ""
}

// PrimaryFile returns the primary file of a version, or the first file.
func (v ModelVersion) PrimaryFile() (File, bool) {
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	if len(v.Files) > 0 {
		return v.Files[0], true
	}
	return File{}, false
}
