// Package workload scores task descriptions into workload-type
// signatures and decides whether a task needs accelerated hardware.
// Detection is a pure function over rule tables compiled at
// construction; nothing here is persisted.
package workload

import (
	"sort"
)

// Type names a workload hypothesis.
type Type string

const (
	TypeTraining           Type = "training"
	TypeFineTuning         Type = "fine_tuning"
	TypeInference          Type = "inference"
	TypeDetection          Type = "detection"
	TypeSegmentation       Type = "segmentation"
	TypeClassification     Type = "classification"
	TypeGeneration         Type = "generation"
	TypeEmbedding          Type = "embedding"
	TypeTranslation        Type = "translation"
	TypeMatrixOps          Type = "matrix_ops"
	TypeAcceleratedGeneric Type = "accelerated_generic"
	TypeCPUBound           Type = "cpu_bound"
)

// Signature is one scored hypothesis about a task's computation.
type Signature struct {
	Type                Type     `json:"workload_type"`
	Confidence          float64  `json:"confidence"`
	Indicators          []string `json:"indicators"`
	RequiresAccelerator bool     `json:"requires_accelerator"`
	MinMemoryGB         float64  `json:"min_memory_gb,omitempty"`
}

// DefaultAcceleratorThreshold is the confidence a top signature must
// reach before RequiresAccelerator says yes.
const DefaultAcceleratorThreshold = 0.5

// cpuBoundConfidence is the fixed score of the fallback signature for
// plainly non-accelerated work.
const cpuBoundConfidence = 0.8

// flaggedFloor is the minimum confidence when the caller's metadata
// explicitly demands an accelerator; an explicit flag outranks weak text.
const flaggedFloor = 0.9

// memoryEstimateGB maps workload types to fixed memory needs. CPU-bound
// work has no entry on purpose.
var memoryEstimateGB = map[Type]float64{
	TypeTraining:           24,
	TypeFineTuning:         16,
	TypeGeneration:         12,
	TypeSegmentation:       10,
	TypeInference:          8,
	TypeDetection:          8,
	TypeTranslation:        8,
	TypeAcceleratedGeneric: 8,
	TypeClassification:     6,
	TypeEmbedding:          6,
	TypeMatrixOps:          4,
}

// Detector matches descriptions against the structural rule tables and
// the weighted keyword tables. Thread-safe: all patterns are compiled at
// construction time.
type Detector struct {
	structural []typeRule
	codeIdioms []typeRule
	keywords   []keywordTable
}

// NewDetector builds a detector with the built-in rule tables.
func NewDetector() *Detector {
	return &Detector{
		structural: buildStructuralRules(),
		codeIdioms: buildCodeIdiomRules(),
		keywords:   buildKeywordTables(),
	}
}

// Detect scores a task description (plus optional caller metadata) into
// signatures sorted by descending confidence. The list is never empty:
// descriptions with no accelerated signal yield a cpu_bound signature.
func (d *Detector) Detect(description string, metadata map[string]any) []Signature {
	return d.detect(description, metadata, d.structural)
}

// DetectFromCode applies the code-idiom table first, falling back to
// plain Detect on the raw text when no idiom matches.
func (d *Detector) DetectFromCode(snippet string, metadata map[string]any) []Signature {
	sigs := d.detect(snippet, metadata, d.codeIdioms)
	if len(sigs) == 1 && (sigs[0].Type == TypeCPUBound || sigs[0].Type == TypeAcceleratedGeneric) {
		// No idiom matched structurally; the raw-text tables may still
		// recognize it.
		return d.Detect(snippet, metadata)
	}
	return sigs
}

func (d *Detector) detect(text string, metadata map[string]any, rules []typeRule) []Signature {
	var sigs []Signature
	for _, rule := range rules {
		matches := rule.match(text)
		if len(matches) == 0 {
			continue
		}
		sigs = append(sigs, Signature{
			Type:                rule.workload,
			Confidence:          clamp(0.3 * float64(len(matches))),
			Indicators:          matches,
			RequiresAccelerator: true,
			MinMemoryGB:         memoryEstimateGB[rule.workload],
		})
	}

	combined, terms := d.keywordScore(text)

	if len(sigs) == 0 {
		if combined > 0 || metadataRequiresAccelerator(metadata) {
			conf := clamp(combined)
			if metadataRequiresAccelerator(metadata) && conf < flaggedFloor {
				conf = flaggedFloor
			}
			return []Signature{{
				Type:                TypeAcceleratedGeneric,
				Confidence:          conf,
				Indicators:          terms,
				RequiresAccelerator: true,
				MinMemoryGB:         memoryEstimateGB[TypeAcceleratedGeneric],
			}}
		}
		return []Signature{{
			Type:       TypeCPUBound,
			Confidence: cpuBoundConfidence,
			Indicators: []string{"no accelerated workload indicators"},
		}}
	}

	// Structural hits are never discarded; keyword evidence only raises
	// their confidence and extends their indicator lists.
	boost := combined * 0.2
	if boost > 0.3 {
		boost = 0.3
	}
	for i := range sigs {
		sigs[i].Confidence = clamp(sigs[i].Confidence + boost)
		sigs[i].Indicators = append(sigs[i].Indicators, terms...)
	}

	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Confidence != sigs[j].Confidence {
			return sigs[i].Confidence > sigs[j].Confidence
		}
		return sigs[i].Type < sigs[j].Type
	})
	return sigs
}

// keywordScore sums the weighted keyword tables and returns the matched
// terms.
func (d *Detector) keywordScore(text string) (float64, []string) {
	var (
		combined float64
		terms    []string
	)
	for _, table := range d.keywords {
		for _, kw := range table.keywords {
			if kw.pattern.MatchString(text) {
				combined += kw.weight * table.factor
				terms = append(terms, kw.term)
			}
		}
	}
	return combined, terms
}

// RequiresAccelerator reports whether the top-ranked signature both
// needs accelerated hardware and clears the confidence threshold. The
// cpu_bound type never does.
func (d *Detector) RequiresAccelerator(description string, metadata map[string]any, threshold float64) bool {
	sigs := d.Detect(description, metadata)
	top := sigs[0]
	if top.Type == TypeCPUBound {
		return false
	}
	return top.RequiresAccelerator && top.Confidence >= threshold
}

// EstimateMemory maps the top signature's type to its fixed memory
// estimate. CPU-bound work reports none.
func (d *Detector) EstimateMemory(description string, metadata map[string]any) (float64, bool) {
	sigs := d.Detect(description, metadata)
	gb, ok := memoryEstimateGB[sigs[0].Type]
	return gb, ok
}

func metadataRequiresAccelerator(metadata map[string]any) bool {
	if metadata == nil {
		return false
	}
	v, _ := metadata["requires_accelerator"].(bool)
	return v
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
