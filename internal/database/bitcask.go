package database

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// gzipMagicBytes are the first two bytes of a gzip file.
var gzipMagicBytes = []byte{0x1f, 0x8b}

// Key prefixes of the settings store.
const (
	userSettingPrefix  = "setting_"
	modelScanPrefix    = "scan_models_"
	workflowScanPrefix = "scan_workflows_"
)

// DB wraps the bitcask settings store and provides helper methods.
type DB struct {
	db           *bitcask.Bitcask
	sync.RWMutex // guards db
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create settings directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("Settings store opened at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	value, err := d.db.Get(key)
	d.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair in the database.
func (d *DB) Put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	d.Lock()
	err = d.db.Put(key, compressedValue)
	d.Unlock()
	if err != nil {
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key from the database.
func (d *DB) Delete(key []byte) error {
	d.Lock()
	err := d.db.Delete(key)
	d.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold iterates over all key-value pairs, decompresses the value,
// and calls the provided function.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Fold(func(key []byte) error {
		rawValue, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(rawValue)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error decompressing value for key %s", string(key))
			return nil
		}
		return fn(key, value)
	})
}

// --- Compression Helpers ---

func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warnf("Error creating gzip reader for value, returning raw data.")
		return value, nil
	}
	defer gReader.Close()

	decompressedValue, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warnf("Error decompressing value, returning raw data.")
		return value, nil
	}
	return decompressedValue, nil
}

func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err = gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err = gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}

// --- Settings helpers ---

// GetJSON decodes the value stored under key into v.
func (d *DB) GetJSON(key string, v interface{}) error {
	raw, err := d.Get([]byte(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// PutJSON stores v as JSON under key.
func (d *DB) PutJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return d.Put([]byte(key), raw)
}

// ScanSummary is the last outcome recorded for a scanned root.
type ScanSummary struct {
	Root       string    `json:"root"`
	Location   string    `json:"location,omitempty"`
	Scanned    int       `json:"scanned"`
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	Removed    int       `json:"removed"`
	Errors     int       `json:"errors"`
	DurationMs int64     `json:"durationMs"`
	FinishedAt time.Time `json:"finishedAt"`
}

// SetLastModelScan records the summary of the last catalog scan of a root.
func (d *DB) SetLastModelScan(s ScanSummary) error {
	return d.PutJSON(modelScanPrefix+s.Location+"_"+rootKey(s.Root), s)
}

// LastModelScan returns the summary of the last catalog scan of a root, or ErrNotFound.
func (d *DB) LastModelScan(location, root string) (ScanSummary, error) {
	var s ScanSummary
	err := d.GetJSON(modelScanPrefix+location+"_"+rootKey(root), &s)
	return s, err
}

// SetLastWorkflowScan records the summary of the last workflow scan of a root.
func (d *DB) SetLastWorkflowScan(s ScanSummary) error {
	return d.PutJSON(workflowScanPrefix+rootKey(s.Root), s)
}

// rootKey shortens a path to fit bitcask's key size limit.
func rootKey(root string) string {
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:8])
}

// LastScans returns every recorded scan summary, oldest first.
func (d *DB) LastScans() ([]ScanSummary, error) {
	var out []ScanSummary
	err := d.Fold(func(key, value []byte) error {
		k := string(key)
		if !strings.HasPrefix(k, modelScanPrefix) && !strings.HasPrefix(k, workflowScanPrefix) {
			return nil
		}
		var s ScanSummary
		if err := json.Unmarshal(value, &s); err != nil {
			log.WithError(err).Warnf("Skipping unreadable scan summary %s", k)
			return nil
		}
		out = append(out, s)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(out[j].FinishedAt) })
	return out, err
}

// GetSetting returns a user setting.
func (d *DB) GetSetting(name string) (string, error) {
	raw, err := d.Get([]byte(userSettingPrefix + name))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (d *DB) SetSetting(name, value string) error {
	return d.Put([]byte(userSettingPrefix+name), []byte(value))
}

// DeleteSetting removes a user setting. Deleting a missing setting is not an error.
func (d *DB) DeleteSetting(name string) error {
	err := d.Delete([]byte(userSettingPrefix + name))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Settings returns all user settings.
func (d *DB) Settings() (map[string]string, error) {
	out := make(map[string]string)
	err := d.Fold(func(key, value []byte) error {
		k := string(key)
		if strings.HasPrefix(k, userSettingPrefix) {
			out[strings.TrimPrefix(k, userSettingPrefix)] = string(value)
		}
		return nil
	})
	return out, err
}
