package graph

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go-modelvault/internal/models"
)

// featureMarkers flag workflow capabilities by node type substring.
var featureMarkers = []struct {
	substr  string
	feature string
}{
	{"controlnet", "controlnet"},
	{"ipadapter", "ipadapter"},
	{"lora", "lora"},
	{"upscale", "upscale"},
	{"facedetailer", "facedetailer"},
	{"inpaint", "inpaint"},
	{"animatediff", "animatediff"},
}

func (p *Parser) extractMetadata(doc *document, nodeTypes map[string]bool) models.WorkflowMetadata {
	meta := models.WorkflowMetadata{
		NodeCount:  len(doc.nodes),
		GroupCount: doc.groups,
		NodeTypes:  len(nodeTypes),
	}

	for _, n := range doc.nodes {
		if meta.Sampler == nil {
			if schema, ok := p.samplers[n.Type]; ok {
				meta.Sampler = samplerSettings(n, schema)
			}
		}
		if meta.Resolution == nil {
			if schema, ok := p.latents[n.Type]; ok {
				meta.Resolution = resolution(n, schema)
			}
		}
	}

	features := make(map[string]bool)
	for t := range nodeTypes {
		lt := strings.ToLower(t)
		for _, m := range featureMarkers {
			if strings.Contains(lt, m.substr) {
				features[m.feature] = true
			}
		}
	}
	for f := range features {
		meta.Features = append(meta.Features, f)
	}
	sort.Strings(meta.Features)

	applyExtra(&meta, doc.extra)
	return meta
}

// fieldValue looks a schema field up by name.
func fieldValue(n node, schema NodeSchema, name string) (interface{}, bool) {
	for i, f := range schema.Fields {
		if f.Name == name {
			return n.value(i, name)
		}
	}
	return nil, false
}

func samplerSettings(n node, schema NodeSchema) *models.SamplerSettings {
	s := &models.SamplerSettings{NodeType: n.Type, Denoise: 1}
	seedField := "seed"
	if n.Type == "KSamplerAdvanced" {
		seedField = "noise_seed"
	}
	if v, ok := fieldValue(n, schema, seedField); ok {
		s.Seed = toInt(v)
	}
	if v, ok := fieldValue(n, schema, "steps"); ok {
		s.Steps = int(toInt(v))
	}
	if v, ok := fieldValue(n, schema, "cfg"); ok {
		s.CFG = toFloat(v)
	}
	if v, ok := fieldValue(n, schema, "sampler_name"); ok {
		s.SamplerName, _ = v.(string)
	}
	if v, ok := fieldValue(n, schema, "scheduler"); ok {
		s.Scheduler, _ = v.(string)
	}
	if v, ok := fieldValue(n, schema, "denoise"); ok {
		s.Denoise = toFloat(v)
	}
	return s
}

func resolution(n node, schema NodeSchema) *models.Resolution {
	r := &models.Resolution{BatchSize: 1}
	if v, ok := fieldValue(n, schema, "width"); ok {
		r.Width = int(toInt(v))
	}
	if v, ok := fieldValue(n, schema, "height"); ok {
		r.Height = int(toInt(v))
	}
	if v, ok := fieldValue(n, schema, "batch_size"); ok {
		if b := int(toInt(v)); b > 0 {
			r.BatchSize = b
		}
	}
	if r.Width == 0 || r.Height == 0 {
		return nil
	}
	return r
}

// applyExtra copies descriptive fields from the "extra" block, looking in extra.info first.
func applyExtra(meta *models.WorkflowMetadata, extra map[string]interface{}) {
	if len(extra) == 0 {
		return
	}
	sources := []map[string]interface{}{}
	if info, ok := extra["info"].(map[string]interface{}); ok {
		sources = append(sources, info)
	}
	sources = append(sources, extra)

	lookup := func(keys ...string) interface{} {
		for _, src := range sources {
			for _, k := range keys {
				if v, ok := src[k]; ok && v != nil {
					return v
				}
			}
		}
		return nil
	}

	meta.Description, _ = lookup("description").(string)
	meta.Author, _ = lookup("author", "creator").(string)
	switch v := lookup("version").(type) {
	case string:
		meta.Version = v
	case json.Number:
		meta.Version = v.String()
	}
	switch v := lookup("tags").(type) {
	case string:
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				meta.Tags = append(meta.Tags, t)
			}
		}
	case []interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok && strings.TrimSpace(s) != "" {
				meta.Tags = append(meta.Tags, strings.TrimSpace(s))
			}
		}
	}
}

func toInt(v interface{}) int64 {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return int64(f)
	case float64:
		return int64(x)
	case string:
		i, _ := strconv.ParseInt(x, 10, 64)
		return i
	}
	return 0
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case json.Number:
		f, _ := x.Float64()
		return f
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
