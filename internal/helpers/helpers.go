package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"os"
	"strings"

	"go-modelvault/internal/models"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// CheckHash verifies a file against provided hashes (BLAKE3, CRC32, SHA256).
// It returns true if any of the hashes match. The file is streamed once.
func CheckHash(filepath string, hashes models.Hashes) bool {
	if !hashes.Provided() {
		return false
	}
	file, err := os.Open(filepath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error opening file %s for hash check", filepath)
		}
		return false
	}
	defer file.Close()

	blake3Hasher := blake3.New(32, nil)
	crc32Hasher := crc32.NewIEEE()
	sha256Hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(blake3Hasher, crc32Hasher, sha256Hasher), file); err != nil {
		log.WithError(err).Errorf("Error reading file %s for hash check", filepath)
		return false
	}

	if hashes.BLAKE3 != "" {
		calculated := strings.ToUpper(hex.EncodeToString(blake3Hasher.Sum(nil)))
		if calculated == strings.ToUpper(strings.TrimSpace(hashes.BLAKE3)) {
			log.WithField("hash", "BLAKE3").Debugf("Hash match for %s", filepath)
			return true
		}
	}
	if hashes.CRC32 != "" {
		calculated := fmt.Sprintf("%08x", crc32Hasher.Sum32())
		if calculated == strings.ToLower(strings.TrimSpace(hashes.CRC32)) {
			log.WithField("hash", "CRC32").Debugf("Hash match for %s", filepath)
			return true
		}
	}
	if hashes.SHA256 != "" {
		calculated := hex.EncodeToString(sha256Hasher.Sum(nil))
		if calculated == strings.ToLower(strings.TrimSpace(hashes.SHA256)) {
			log.WithField("hash", "SHA256").Debugf("Hash match for %s", filepath)
			return true
		}
	}
	return false
}

// HashFileSHA256 streams a file through SHA-256 and returns the lowercase hex digest.
func HashFileSHA256(path string) (string, error) {
	return hashFile(path, sha256.New())
}

func hashFile(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CounterWriter tracks the number of bytes written to the underlying writer.
type CounterWriter struct {
	Total  uint64
	Writer io.Writer
}

// Write implements the io.Writer interface for CounterWriter.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	return n, err
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

// IsHiddenOrCacheDir reports whether a directory should be skipped by library walkers.
func IsHiddenOrCacheDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." && name != ".." {
		return true
	}
	switch name {
	case "node_modules", "__pycache__":
		return true
	}
	return false
}
