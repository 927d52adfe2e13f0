package forensics

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"

	"go-modelvault/internal/models"

	log "github.com/sirupsen/logrus"
)

// maxHeaderSize bounds the JSON header we are willing to read.
const maxHeaderSize = 100 << 20

type tensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// safetensorsHeader is the parsed JSON header of a .safetensors file.
type safetensorsHeader struct {
	Metadata map[string]string
	Tensors  map[string]tensorInfo
	Size     int64 // header length, excluding the 8-byte prefix
}

// readSafetensorsHeader parses the header. The returned status is "" when the
// header is sound, otherwise HashCorrupt or HashIncomplete.
func readSafetensorsHeader(path string, fileSize int64) (*safetensorsHeader, string) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.HashCorrupt
	}
	defer f.Close()

	var prefix [8]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return nil, models.HashCorrupt
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if n == 0 || n > maxHeaderSize {
		return nil, models.HashCorrupt
	}
	if int64(n)+8 > fileSize {
		return nil, models.HashIncomplete
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, models.HashIncomplete
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, models.HashCorrupt
	}

	h := &safetensorsHeader{Tensors: make(map[string]tensorInfo, len(raw)), Size: int64(n)}
	var dataEnd int64
	for key, value := range raw {
		if key == "__metadata__" {
			meta := make(map[string]string)
			if err := json.Unmarshal(value, &meta); err != nil {
				log.WithError(err).Debugf("Ignoring malformed __metadata__ in %s", path)
				continue
			}
			h.Metadata = meta
			continue
		}
		var ti tensorInfo
		if err := json.Unmarshal(value, &ti); err != nil {
			return nil, models.HashCorrupt
		}
		if ti.DataOffsets[0] < 0 || ti.DataOffsets[1] < ti.DataOffsets[0] {
			return nil, models.HashCorrupt
		}
		if ti.DataOffsets[1] > dataEnd {
			dataEnd = ti.DataOffsets[1]
		}
		h.Tensors[key] = ti
	}
	// Compare against the remaining bytes; adding to dataEnd could overflow.
	if dataEnd > fileSize-8-int64(n) {
		return h, models.HashIncomplete
	}
	return h, ""
}

func inspectSafetensors(res *Result) {
	h, status := readSafetensorsHeader(res.Filepath, res.FileSize)
	if status != "" {
		markInvalid(res, status)
	}
	if h == nil {
		return
	}

	if len(h.Metadata) > 0 {
		res.EmbeddedMetadata = h.Metadata
	}
	res.DetectedPrecision = precisionFromTensors(h.Tensors)
	res.DetectedArchitecture = architectureFromMetadata(h.Metadata)
	if res.DetectedArchitecture == "" {
		res.DetectedArchitecture = architectureFromKeys(h.Tensors)
	}
	if res.DetectedType == models.TypeUnknown {
		res.DetectedType = typeFromKeys(h.Tensors)
	}
	res.TriggerWords = triggerWords(h.Metadata)
}

var dtypePrecision = map[string]string{
	"F16":     "fp16",
	"BF16":    "bf16",
	"F32":     "fp32",
	"F64":     "fp64",
	"F8_E4M3": "fp8",
	"F8_E5M2": "fp8",
	"I8":      "int8",
	"U8":      "int8",
}

// precisionFromTensors returns the dominant tensor dtype.
func precisionFromTensors(tensors map[string]tensorInfo) string {
	counts := make(map[string]int)
	for _, t := range tensors {
		if p, ok := dtypePrecision[strings.ToUpper(t.Dtype)]; ok {
			counts[p]++
		}
	}
	best, bestCount := "", 0
	for p, c := range counts {
		if c > bestCount || (c == bestCount && p < best) {
			best, bestCount = p, c
		}
	}
	return best
}

func architectureFromMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	if v := strings.ToLower(meta["modelspec.architecture"]); v != "" {
		switch {
		case strings.Contains(v, "flux"):
			return models.ArchFlux
		case strings.Contains(v, "xl"):
			return models.ArchSDXL
		case strings.Contains(v, "v3"), strings.Contains(v, "sd3"):
			return models.ArchSD3
		case strings.Contains(v, "v2"):
			return models.ArchSD2
		case strings.Contains(v, "v1"):
			return models.ArchSD15
		}
	}
	if v := strings.ToLower(meta["ss_base_model_version"]); v != "" {
		switch {
		case strings.Contains(v, "flux"):
			return models.ArchFlux
		case strings.Contains(v, "xl"):
			return models.ArchSDXL
		case strings.Contains(v, "sd3"):
			return models.ArchSD3
		case strings.Contains(v, "v2"), strings.Contains(v, "sd_2"):
			return models.ArchSD2
		case strings.Contains(v, "v1"), strings.Contains(v, "sd_1"):
			return models.ArchSD15
		}
	}
	return ""
}

// keyPatterns are checked in order; the first matching pattern wins.
var keyPatterns = []struct {
	substr string
	arch   string
}{
	{"double_blocks", models.ArchFlux},
	{"single_transformer_blocks", models.ArchFlux},
	{"joint_blocks", models.ArchSD3},
	{"conditioner.embedders.1", models.ArchSDXL},
	{"lora_te2_", models.ArchSDXL},
	{"cond_stage_model.model.transformer", models.ArchSD2},
	{"cond_stage_model.transformer.text_model", models.ArchSD15},
	{"lora_te_text_model", models.ArchSD15},
	{"model.diffusion_model.input_blocks", models.ArchSD15},
}

func architectureFromKeys(tensors map[string]tensorInfo) string {
	for _, p := range keyPatterns {
		for key := range tensors {
			if strings.Contains(key, p.substr) {
				return p.arch
			}
		}
	}
	return ""
}

func typeFromKeys(tensors map[string]tensorInfo) string {
	var hasDiffusion, hasVAE, hasTextModel, hasEncoderDecoder bool
	for key := range tensors {
		switch {
		case strings.Contains(key, "lora_up") || strings.Contains(key, "lora_down") ||
			strings.Contains(key, "lora_A") || strings.Contains(key, "lora_B"):
			return models.TypeLora
		case strings.HasPrefix(key, "control_model."):
			return models.TypeControlNet
		case key == "emb_params" || strings.HasPrefix(key, "string_to_param"):
			return models.TypeEmbedding
		case strings.HasPrefix(key, "model.diffusion_model."):
			hasDiffusion = true
		case strings.HasPrefix(key, "first_stage_model."):
			hasVAE = true
		case strings.HasPrefix(key, "text_model.") || strings.HasPrefix(key, "encoder.block."):
			hasTextModel = true
		case strings.HasPrefix(key, "encoder.") || strings.HasPrefix(key, "decoder."):
			hasEncoderDecoder = true
		case strings.HasPrefix(key, "double_blocks.") || strings.HasPrefix(key, "joint_blocks."):
			hasDiffusion = true
		}
	}
	switch {
	case hasDiffusion && hasVAE:
		return models.TypeCheckpoint
	case hasDiffusion:
		return models.TypeUNet
	case hasTextModel:
		return models.TypeCLIP
	case hasEncoderDecoder:
		return models.TypeVAE
	}
	return models.TypeUnknown
}

// triggerWords prefers an explicit trigger phrase, then the most frequent training tags.
func triggerWords(meta map[string]string) []string {
	if phrase := strings.TrimSpace(meta["modelspec.trigger_phrase"]); phrase != "" {
		var out []string
		for _, w := range strings.Split(phrase, ",") {
			if w = strings.TrimSpace(w); w != "" {
				out = append(out, w)
			}
		}
		return out
	}
	raw := meta["ss_tag_frequency"]
	if raw == "" {
		return nil
	}
	var datasets map[string]map[string]int
	if err := json.Unmarshal([]byte(raw), &datasets); err != nil {
		return nil
	}
	freq := make(map[string]int)
	for _, tags := range datasets {
		for tag, n := range tags {
			if tag = strings.TrimSpace(tag); tag != "" {
				freq[tag] += n
			}
		}
	}
	tags := make([]string, 0, len(freq))
	for tag := range freq {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if freq[tags[i]] != freq[tags[j]] {
			return freq[tags[i]] > freq[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > 5 {
		tags = tags[:5]
	}
	return tags
}
