// Package forensics inspects model files on disk: type, architecture,
// precision, embedded metadata, integrity and content hashes.
package forensics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-modelvault/internal/config"
	"go-modelvault/internal/helpers"
	"go-modelvault/internal/models"

	log "github.com/sirupsen/logrus"
)

// File formats
const (
	FormatSafetensors = "safetensors"
	FormatGGUF        = "gguf"
	FormatPickle      = "pickle"
	FormatONNX        = "onnx"
	FormatUnknown     = "unknown"
)

var ErrNotAFile = errors.New("not a regular file")

// Result is everything the analyzer learned about one file.
type Result struct {
	Filename             string
	Filepath             string
	FileSize             int64
	ModTime              time.Time
	Format               string
	DetectedType         string
	DetectedArchitecture string
	DetectedPrecision    string
	PartialHash          string
	FullHash             string
	IsValid              bool
	HashStatus           string
	EmbeddedMetadata     map[string]string
	TriggerWords         []string
}

// Analyzer inspects files whose extension is in its allow-list.
type Analyzer struct {
	extensions map[string]bool
}

// NewAnalyzer builds an analyzer. An empty list uses the default extensions.
func NewAnalyzer(extensions []string) *Analyzer {
	if len(extensions) == 0 {
		extensions = config.DefaultModelExtensions
	}
	a := &Analyzer{extensions: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		a.extensions[strings.ToLower(ext)] = true
	}
	return a
}

// Supported reports whether path has an allowed model extension.
func (a *Analyzer) Supported(path string) bool {
	return a.extensions[strings.ToLower(filepath.Ext(path))]
}

// Analyze inspects path at the given validation level (quick, standard or full).
// An unreadable file is an error; integrity problems are reported through HashStatus.
func (a *Analyzer) Analyze(path string, level string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, path)
	}

	res := &Result{
		Filename:     info.Name(),
		Filepath:     path,
		FileSize:     info.Size(),
		ModTime:      info.ModTime(),
		Format:       formatFromExtension(path),
		DetectedType: TypeFromPath(path),
		HashStatus:   models.HashPending,
		IsValid:      true,
	}

	switch res.Format {
	case FormatSafetensors:
		inspectSafetensors(res)
	case FormatGGUF:
		inspectGGUF(res)
	default:
		if res.FileSize == 0 {
			markInvalid(res, models.HashCorrupt)
		}
	}

	if res.DetectedArchitecture == "" || res.DetectedArchitecture == models.ArchUnknown {
		res.DetectedArchitecture = ArchitectureFromName(res.Filename)
	}
	if res.DetectedPrecision == "" {
		res.DetectedPrecision = PrecisionFromName(res.Filename)
	}
	if res.DetectedType == models.TypeUnknown {
		res.DetectedType = TypeFromName(res.Filename)
	}

	switch level {
	case config.ValidationQuick:
	case config.ValidationStandard, config.ValidationFull:
		if res.PartialHash, err = PartialHash(path, res.FileSize); err != nil {
			return nil, fmt.Errorf("partial hash of %s: %w", path, err)
		}
		if level == config.ValidationFull {
			if res.FullHash, err = helpers.HashFileSHA256(path); err != nil {
				return nil, fmt.Errorf("full hash of %s: %w", path, err)
			}
		}
		if res.IsValid {
			res.HashStatus = models.HashValid
		}
	default:
		return nil, fmt.Errorf("unknown validation level %q", level)
	}

	log.WithFields(log.Fields{
		"file":   res.Filename,
		"type":   res.DetectedType,
		"arch":   res.DetectedArchitecture,
		"status": res.HashStatus,
	}).Debug("Analyzed model file")
	return res, nil
}

func markInvalid(res *Result, status string) {
	res.IsValid = false
	res.HashStatus = status
}

func formatFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors", ".sft":
		return FormatSafetensors
	case ".gguf":
		return FormatGGUF
	case ".ckpt", ".pt", ".pth", ".bin":
		return FormatPickle
	case ".onnx":
		return FormatONNX
	}
	return FormatUnknown
}

// ToRecord copies the analysis into a catalog row, keeping identity and remote metadata of prev.
func (r *Result) ToRecord(prev *models.ModelRecord, location string) models.ModelRecord {
	rec := models.ModelRecord{}
	if prev != nil {
		rec = *prev
	}
	rec.Filename = r.Filename
	rec.Filepath = r.Filepath
	rec.Location = location
	rec.DetectedType = r.DetectedType
	rec.DetectedArchitecture = r.DetectedArchitecture
	rec.DetectedPrecision = r.DetectedPrecision
	rec.Format = r.Format
	rec.FileSize = r.FileSize
	rec.PartialHash = r.PartialHash
	rec.FullHash = r.FullHash
	rec.HashStatus = r.HashStatus
	rec.EmbeddedMetadata = r.EmbeddedMetadata
	rec.TriggerWords = r.TriggerWords
	rec.ModifiedAt = r.ModTime
	rec.LastScannedAt = time.Now()
	return rec
}
