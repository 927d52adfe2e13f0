// Package resolver matches workflow model references against the catalog.
package resolver

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"go-modelvault/internal/config"
	"go-modelvault/internal/graph"
	"go-modelvault/internal/models"
)

// ResolvedDependency is a parsed dependency with its resolution outcome.
type ResolvedDependency struct {
	graph.Dependency
	Status               string
	ResolvedModelID      *string
	ResolvedLocation     string
	CandidateModelIDs    []string
	RemoteURLs           []string
	ExpectedArchitecture string
	CompatibilityIssue   string

	// Attributes of the matched catalog entry, if any.
	Architecture string
	Precision    string
	SizeBytes    int64
}

// Summary aggregates the outcome of one workflow.
type Summary struct {
	Total             int
	ResolvedLocal     int
	ResolvedWarehouse int
	Missing           int
	Ambiguous         int
	Incompatible      int
	TotalSizeBytes    int64
	Architecture      string
}

type Resolution struct {
	Dependencies []ResolvedDependency
	Summary      Summary
}

// Resolver holds a catalog snapshot indexed by base filename.
type Resolver struct {
	exact  map[string][]*models.ModelRecord
	folded map[string][]*models.ModelRecord
	// stems holds lowercased filenames without their model extension.
	stems map[string][]*models.ModelRecord
}

func New(catalog []models.ModelRecord) *Resolver {
	r := &Resolver{
		exact:  make(map[string][]*models.ModelRecord, len(catalog)),
		folded: make(map[string][]*models.ModelRecord, len(catalog)),
		stems:  make(map[string][]*models.ModelRecord, len(catalog)),
	}
	for i := range catalog {
		rec := &catalog[i]
		name := baseName(rec.Filename)
		r.exact[name] = append(r.exact[name], rec)
		lower := strings.ToLower(name)
		r.folded[lower] = append(r.folded[lower], rec)
		if hasModelExt(lower) {
			stem := strings.TrimSuffix(lower, path.Ext(lower))
			r.stems[stem] = append(r.stems[stem], rec)
		}
	}
	return r
}

// hasModelExt reports whether name ends in a known model file extension.
func hasModelExt(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, known := range config.DefaultModelExtensions {
		if ext == known {
			return true
		}
	}
	return false
}

// baseName strips any folder prefix, with either separator, from a model reference.
func baseName(ref string) string {
	return path.Base(strings.ReplaceAll(strings.TrimSpace(ref), `\`, "/"))
}

// familyOf groups model types that may satisfy each other.
func familyOf(t string) string {
	switch t {
	case models.TypeCheckpoint, models.TypeUNet:
		return "diffusion"
	}
	return t
}

// candidates returns compatible catalog entries, exact name first then case-insensitive.
// A reference without a model extension ("embedding:EasyNegative") also matches by stem.
// Entries whose type could not be detected are used only when no typed entry matches.
func (r *Resolver) candidates(dep graph.Dependency) []*models.ModelRecord {
	name := baseName(dep.ModelName)
	pools := [][]*models.ModelRecord{r.exact[name], r.folded[strings.ToLower(name)]}
	if !hasModelExt(name) {
		pools = append(pools, r.stems[strings.ToLower(name)])
	}
	for _, pool := range pools {
		var typed, untyped []*models.ModelRecord
		for _, rec := range pool {
			switch {
			case familyOf(rec.DetectedType) == familyOf(dep.ModelType):
				typed = append(typed, rec)
			case rec.DetectedType == models.TypeUnknown || rec.DetectedType == "":
				untyped = append(untyped, rec)
			}
		}
		if len(typed) > 0 {
			return typed
		}
		if len(untyped) > 0 {
			return untyped
		}
	}
	return nil
}

// pick groups candidates by content. Identical content in several places counts once
// and the local copy wins.
func pick(cands []*models.ModelRecord) (best *models.ModelRecord, distinct []string) {
	groups := make(map[string][]*models.ModelRecord)
	var order []string
	for _, rec := range cands {
		key := rec.ContentHash()
		if key == "" {
			key = "id:" + rec.ID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}
	if len(order) > 1 {
		for _, key := range order {
			for _, rec := range groups[key] {
				distinct = append(distinct, rec.ID)
			}
		}
		sort.Strings(distinct)
		return nil, distinct
	}
	group := groups[order[0]]
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Location != group[j].Location {
			return group[i].Location == models.LocationLocal
		}
		return group[i].ID < group[j].ID
	})
	return group[0], nil
}

// archChecked lists dependency types that must match the base model architecture.
var archChecked = map[string]bool{
	models.TypeLora:       true,
	models.TypeControlNet: true,
	models.TypeVAE:        true,
	models.TypeIPAdapter:  true,
}

func knownArch(a string) bool {
	return a != "" && a != models.ArchUnknown
}

// Resolve classifies every dependency and computes the workflow summary.
func (r *Resolver) Resolve(deps []graph.Dependency) *Resolution {
	res := &Resolution{Dependencies: make([]ResolvedDependency, 0, len(deps))}

	for _, dep := range deps {
		rd := ResolvedDependency{Dependency: dep}
		cands := r.candidates(dep)
		if len(cands) == 0 {
			rd.Status = models.DepMissing
			rd.RemoteURLs = RemoteURLs(dep.ModelName)
			res.Dependencies = append(res.Dependencies, rd)
			continue
		}
		best, distinct := pick(cands)
		if best == nil {
			rd.Status = models.DepAmbiguous
			rd.CandidateModelIDs = distinct
			res.Dependencies = append(res.Dependencies, rd)
			continue
		}
		id := best.ID
		rd.ResolvedModelID = &id
		rd.ResolvedLocation = best.Location
		rd.Architecture = best.DetectedArchitecture
		rd.Precision = best.DetectedPrecision
		rd.SizeBytes = best.FileSize
		if best.Location == models.LocationWarehouse {
			rd.Status = models.DepResolvedWarehouse
		} else {
			rd.Status = models.DepResolvedLocal
		}
		res.Dependencies = append(res.Dependencies, rd)
	}

	expected := ""
	for _, rd := range res.Dependencies {
		if rd.ResolvedModelID != nil && familyOf(rd.ModelType) == "diffusion" && knownArch(rd.Architecture) {
			expected = rd.Architecture
			break
		}
	}

	for i := range res.Dependencies {
		rd := &res.Dependencies[i]
		if expected == "" || !archChecked[rd.ModelType] {
			continue
		}
		rd.ExpectedArchitecture = expected
		if rd.ResolvedModelID != nil && knownArch(rd.Architecture) && rd.Architecture != expected {
			rd.CompatibilityIssue = fmt.Sprintf("%s %s is built for %s but the base model is %s",
				rd.ModelType, rd.ModelName, rd.Architecture, expected)
			rd.Status = models.DepIncompatible
			rd.ResolvedModelID = nil
			rd.ResolvedLocation = ""
		}
	}

	res.Summary = summarize(res.Dependencies)
	res.Summary.Architecture = expected
	return res
}

func summarize(deps []ResolvedDependency) Summary {
	s := Summary{Total: len(deps)}
	for _, rd := range deps {
		switch rd.Status {
		case models.DepResolvedLocal:
			s.ResolvedLocal++
			s.TotalSizeBytes += rd.SizeBytes
		case models.DepResolvedWarehouse:
			s.ResolvedWarehouse++
			s.TotalSizeBytes += rd.SizeBytes
		case models.DepMissing:
			s.Missing++
		case models.DepAmbiguous:
			s.Ambiguous++
		case models.DepIncompatible:
			s.Incompatible++
		}
	}
	return s
}

// Status derives the workflow status from the summary.
func (s Summary) Status() string {
	switch {
	case s.Total == 0 || s.ResolvedLocal == s.Total:
		return models.WorkflowReadyLocal
	case s.ResolvedLocal+s.ResolvedWarehouse == s.Total:
		return models.WorkflowReadyCloud
	}
	return models.WorkflowMissingItems
}

// WorkflowStatus returns scanned-error when parsing failed, otherwise the summary status.
func WorkflowStatus(res *Resolution, parseErr error) string {
	if parseErr != nil || res == nil {
		return models.WorkflowError
	}
	return res.Summary.Status()
}
