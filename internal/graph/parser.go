// Package graph extracts model dependencies and metadata from ComfyUI workflow files.
package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go-modelvault/internal/models"

	log "github.com/sirupsen/logrus"
)

// Workflow document formats
const (
	FormatUI  = "ui"
	FormatAPI = "api"
)

var ErrUnsupportedFormat = errors.New("unsupported workflow format")

// Dependency is one model reference found in a workflow.
type Dependency struct {
	NodeID    string
	NodeType  string
	ModelType string
	ModelName string
}

// Diagnostic is a non-fatal finding about a node.
type Diagnostic struct {
	NodeID   string
	NodeType string
	Message  string
}

type ParseResult struct {
	Format       string
	Dependencies []Dependency
	Unmapped     []string
	Diagnostics  []Diagnostic
	Metadata     models.WorkflowMetadata
}

// Parser extracts dependencies using declarative node schemas.
type Parser struct {
	loaders  map[string]NodeSchema
	samplers map[string]NodeSchema
	latents  map[string]NodeSchema
}

// NewParser validates LoaderSchemas plus any extra loader schemas and builds a parser.
// Extra schemas replace built-in ones of the same node type.
func NewParser(extra ...NodeSchema) (*Parser, error) {
	byType := make(map[string]NodeSchema, len(LoaderSchemas)+len(extra))
	for _, s := range LoaderSchemas {
		byType[s.NodeType] = s
	}
	for _, s := range extra {
		byType[s.NodeType] = s
	}
	all := make([]NodeSchema, 0, len(byType))
	for _, s := range byType {
		all = append(all, s)
	}
	if err := ValidateSchemas(all); err != nil {
		return nil, err
	}
	if err := validateSchemaSet(samplerSchemas, false); err != nil {
		return nil, err
	}
	if err := validateSchemaSet(latentSchemas, false); err != nil {
		return nil, err
	}

	p := &Parser{
		loaders:  byType,
		samplers: make(map[string]NodeSchema, len(samplerSchemas)),
		latents:  make(map[string]NodeSchema, len(latentSchemas)),
	}
	for _, s := range samplerSchemas {
		p.samplers[s.NodeType] = s
	}
	for _, s := range latentSchemas {
		p.latents[s.NodeType] = s
	}
	return p, nil
}

// node is the format-independent view of a graph node.
type node struct {
	ID      string
	Type    string
	Widgets []interface{}
	Named   map[string]interface{}
	Links   int // API format: inputs wired to other nodes
}

// value returns the field at its widget index, falling back to the named inputs.
func (n node) value(idx int, name string) (interface{}, bool) {
	if idx < len(n.Widgets) && n.Widgets[idx] != nil {
		return n.Widgets[idx], true
	}
	if v, ok := n.Named[name]; ok && v != nil {
		return v, true
	}
	return nil, false
}

type document struct {
	nodes  []node
	links  int
	groups int
	extra  map[string]interface{}
	format string
}

// Parse reads and parses a workflow file.
func (p *Parser) Parse(path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	res, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// ParseBytes parses an in-memory workflow document (UI or API format).
func (p *Parser) ParseBytes(data []byte) (*ParseResult, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	res := &ParseResult{Format: doc.format}
	seen := make(map[string]bool)
	add := func(d Dependency) {
		key := d.ModelType + ":" + d.ModelName
		if seen[key] {
			return
		}
		seen[key] = true
		res.Dependencies = append(res.Dependencies, d)
	}

	unmapped := make(map[string]bool)
	nodeTypes := make(map[string]bool)
	links := doc.links
	for _, n := range doc.nodes {
		nodeTypes[n.Type] = true
		links += n.Links

		if schema, ok := p.loaders[n.Type]; ok {
			for i, f := range schema.Fields {
				if f.Kind != KindModel {
					continue
				}
				v, ok := n.value(i, f.Name)
				if !ok {
					continue
				}
				name, ok := v.(string)
				name = strings.TrimSpace(name)
				if !ok || name == "" || strings.EqualFold(name, "none") {
					continue
				}
				add(Dependency{NodeID: n.ID, NodeType: n.Type, ModelType: f.ModelType, ModelName: name})
			}
		} else if _, ok := p.samplers[n.Type]; !ok {
			if _, ok := p.latents[n.Type]; !ok {
				unmapped[n.Type] = true
				if strings.Contains(n.Type, "Loader") {
					res.Diagnostics = append(res.Diagnostics, Diagnostic{
						NodeID: n.ID, NodeType: n.Type,
						Message: "unmapped loader node; its model references are not tracked",
					})
				}
			}
		}

		for _, name := range embeddingRefs(n) {
			add(Dependency{NodeID: n.ID, NodeType: n.Type, ModelType: models.TypeEmbedding, ModelName: name})
		}
	}

	for t := range unmapped {
		res.Unmapped = append(res.Unmapped, t)
	}
	sort.Strings(res.Unmapped)

	res.Metadata = p.extractMetadata(doc, nodeTypes)
	res.Metadata.LinkCount = links
	for _, d := range res.Diagnostics {
		log.WithFields(log.Fields{"node": d.NodeID, "type": d.NodeType}).Debug(d.Message)
	}
	return res, nil
}

// rawUINode mirrors a node in the UI (litegraph) format.
type rawUINode struct {
	ID            json.RawMessage `json:"id"`
	Type          string          `json:"type"`
	WidgetsValues json.RawMessage `json:"widgets_values"`
	Inputs        json.RawMessage `json:"inputs"`
}

type rawAPINode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

func decodeDocument(data []byte) (*document, error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("malformed workflow JSON: %w", err)
	}

	if rawNodes, ok := top["nodes"]; ok {
		return decodeUI(top, rawNodes)
	}
	return decodeAPI(top)
}

func decodeUI(top map[string]json.RawMessage, rawNodes json.RawMessage) (*document, error) {
	var uiNodes []rawUINode
	if err := json.Unmarshal(rawNodes, &uiNodes); err != nil {
		return nil, fmt.Errorf("malformed nodes array: %w", err)
	}
	doc := &document{format: FormatUI}
	for _, un := range uiNodes {
		n := node{ID: rawID(un.ID), Type: un.Type, Named: map[string]interface{}{}}
		if len(un.WidgetsValues) > 0 {
			var anyValue interface{}
			if err := decodeNumbers(un.WidgetsValues, &anyValue); err == nil {
				switch wv := anyValue.(type) {
				case []interface{}:
					n.Widgets = wv
				case map[string]interface{}:
					for k, v := range wv {
						n.Named[k] = v
					}
				}
			}
		}
		// UI inputs are usually slot descriptors; only a map carries values.
		if len(un.Inputs) > 0 && un.Inputs[0] == '{' {
			var named map[string]interface{}
			if err := decodeNumbers(un.Inputs, &named); err == nil {
				for k, v := range named {
					if _, exists := n.Named[k]; !exists {
						n.Named[k] = v
					}
				}
			}
		}
		doc.nodes = append(doc.nodes, n)
	}
	doc.links = countArray(top["links"])
	doc.groups = countArray(top["groups"])
	if raw, ok := top["extra"]; ok {
		_ = decodeNumbers(raw, &doc.extra)
	}
	return doc, nil
}

func decodeAPI(top map[string]json.RawMessage) (*document, error) {
	doc := &document{format: FormatAPI}
	ids := make([]string, 0, len(top))
	for id := range top {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		var an rawAPINode
		if err := decodeNumbers(top[id], &an); err != nil || an.ClassType == "" {
			continue
		}
		n := node{ID: id, Type: an.ClassType, Named: map[string]interface{}{}}
		for k, v := range an.Inputs {
			// [node_id, slot] pairs are connections, not values.
			if arr, ok := v.([]interface{}); ok && len(arr) == 2 {
				n.Links++
				continue
			}
			n.Named[k] = v
		}
		doc.nodes = append(doc.nodes, n)
	}
	if len(doc.nodes) == 0 {
		return nil, ErrUnsupportedFormat
	}
	return doc, nil
}

func decodeNumbers(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}

func countArray(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0
	}
	return len(arr)
}

var embeddingRe = regexp.MustCompile(`embedding:\s*([A-Za-z0-9_\-./\\]+)`)

// embeddingRefs finds "embedding:name" references in a node's text values.
func embeddingRefs(n node) []string {
	var out []string
	scan := func(v interface{}) {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "embedding:") {
			return
		}
		for _, m := range embeddingRe.FindAllStringSubmatch(s, -1) {
			name := strings.TrimRight(m[1], ".")
			if name != "" {
				out = append(out, name)
			}
		}
	}
	for _, v := range n.Widgets {
		scan(v)
	}
	keys := make([]string, 0, len(n.Named))
	for k := range n.Named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		scan(n.Named[k])
	}
	return out
}
