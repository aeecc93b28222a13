package workload

import (
	"regexp"
	"sort"
)

// typeRule binds a workload type to the structural patterns that mark
// it. A rule contributes one signature when at least one pattern hits.
type typeRule struct {
	workload Type
	patterns []structuralPattern
}

type structuralPattern struct {
	re        *regexp.Regexp
	indicator string
}

// match returns the indicator names of every pattern that hits.
func (r typeRule) match(text string) []string {
	var hits []string
	for _, p := range r.patterns {
		if p.re.MatchString(text) {
			hits = append(hits, p.indicator)
		}
	}
	return hits
}

// keywordTable is one weighted vocabulary; each matched keyword adds
// weight*factor to the combined score.
type keywordTable struct {
	factor   float64
	keywords []keyword
}

type keyword struct {
	term    string
	weight  float64
	pattern *regexp.Regexp
}

func pat(indicator, expr string) structuralPattern {
	return structuralPattern{re: regexp.MustCompile(expr), indicator: indicator}
}

// buildStructuralRules returns the description-level indicator table.
// Order fixes tie-breaking before confidence sorting.
func buildStructuralRules() []typeRule {
	return []typeRule{
		{workload: TypeTraining, patterns: []structuralPattern{
			pat("train verb", `(?i)\btrain(?:ing|ed|s)?\b`),
			pat("model fitting", `(?i)\bfit(?:ting)?\s+(?:a\s+|the\s+)?model\b`),
			pat("epochs", `(?i)\bepochs?\b`),
			pat("backpropagation", `(?i)\bbackprop(?:agation)?\b`),
			pat("gradient descent", `(?i)\bgradient\s+descent\b`),
			pat("learning rate", `(?i)\blearning\s+rate\b`),
			pat("from scratch", `(?i)\bfrom\s+scratch\b`),
		}},
		{workload: TypeFineTuning, patterns: []structuralPattern{
			pat("fine-tune", `(?i)\bfine[\s-]?tun(?:e|ed|ing)\b`),
			pat("lora", `(?i)\b(?:q)?lora\b`),
			pat("peft", `(?i)\bpeft\b`),
			pat("adapter tuning", `(?i)\badapters?\s+tun(?:e|ing)\b`),
			pat("instruction tuning", `(?i)\binstruction[\s-]tun(?:e|ed|ing)\b`),
		}},
		{workload: TypeInference, patterns: []structuralPattern{
			pat("inference", `(?i)\binfer(?:ence|ring)?\b`),
			pat("prediction", `(?i)\bpredict(?:ion|ions|ing)?\b`),
			pat("model serving", `(?i)\bserv(?:e|ing)\s+(?:a\s+|the\s+)?model\b`),
			pat("forward pass", `(?i)\bforward\s+pass(?:es)?\b`),
			pat("batch scoring", `(?i)\bbatch\s+scor(?:e|ing)\b`),
		}},
		{workload: TypeDetection, patterns: []structuralPattern{
			pat("object detection", `(?i)\bobject\s+detection\b`),
			pat("detection task", `(?i)\bdetect(?:ion|ing)\b`),
			pat("bounding boxes", `(?i)\bbounding\s+box(?:es)?\b`),
			pat("anomaly detection", `(?i)\banomal(?:y|ies)\b`),
		}},
		{workload: TypeSegmentation, patterns: []structuralPattern{
			pat("segmentation", `(?i)\bsegment(?:ation|ing)\b`),
			pat("semantic segmentation", `(?i)\bsemantic\s+segmentation\b`),
			pat("instance masks", `(?i)\b(?:instance|pixel)\s+masks?\b`),
		}},
		{workload: TypeClassification, patterns: []structuralPattern{
			pat("classification", `(?i)\bclassif(?:y|ier|iers|ication)\b`),
			pat("labeling", `(?i)\blabel(?:ing|ling)\s+(?:images?|text|data|documents?)\b`),
			pat("categorization", `(?i)\bcategoriz(?:e|ation|ing)\b`),
			pat("sentiment analysis", `(?i)\bsentiment\s+analysis\b`),
		}},
		{workload: TypeGeneration, patterns: []structuralPattern{
			pat("generation", `(?i)\bgenerat(?:e|ion|ive|ing)\b`),
			pat("text-to-media", `(?i)\btext[\s-]to[\s-](?:image|video|speech|audio)\b`),
			pat("diffusion", `(?i)\bdiffusion\b`),
			pat("completion", `(?i)\bcompletions?\b`),
			pat("synthesis", `(?i)\bsynthesi(?:s|ze|zing)\b`),
		}},
		{workload: TypeEmbedding, patterns: []structuralPattern{
			pat("embeddings", `(?i)\bembed(?:ding)?s?\b`),
			pat("vectorization", `(?i)\bvectoriz(?:e|ation|ing)\b`),
			pat("similarity search", `(?i)\b(?:similarity|semantic)\s+search\b`),
			pat("nearest neighbors", `(?i)\bnearest\s+neighbou?rs?\b`),
		}},
		{workload: TypeTranslation, patterns: []structuralPattern{
			pat("translation", `(?i)\btranslat(?:e|ion|ing)\b`),
			pat("seq2seq", `(?i)\bseq(?:uence)?[\s-]?(?:2|to)[\s-]?seq(?:uence)?\b`),
			pat("machine translation", `(?i)\bmachine\s+translation\b`),
		}},
		{workload: TypeMatrixOps, patterns: []structuralPattern{
			pat("matrix multiplication", `(?i)\bmatrix\s+(?:multiplication|multiply|ops?|operations?)\b`),
			pat("matmul", `(?i)\b(?:mat\s?mul|gemm)\b`),
			pat("linear algebra", `(?i)\blinear\s+algebra\b`),
			pat("tensor operations", `(?i)\btensor\s+(?:ops?|operations?|contractions?)\b`),
		}},
	}
}

// buildCodeIdiomRules returns the snippet-level indicator table used by
// DetectFromCode. Patterns here are case-sensitive API shapes, not
// prose.
func buildCodeIdiomRules() []typeRule {
	return []typeRule{
		{workload: TypeTraining, patterns: []structuralPattern{
			pat("loss.backward()", `loss\.backward\(\)`),
			pat("optimizer.step()", `optimizer\.step\(\)`),
			pat("model.train()", `\.train\(\)`),
			pat("epoch loop", `(?i)for\s+epoch\s+in\b`),
			pat(".fit(", `\.fit\(`),
		}},
		{workload: TypeFineTuning, patterns: []structuralPattern{
			pat("LoraConfig", `Lo[Rr][Aa]Config`),
			pat("peft import", `(?:from|import)\s+peft\b`),
			pat("Trainer(", `\bTrainer\(`),
			pat("get_peft_model", `get_peft_model\(`),
		}},
		{workload: TypeInference, patterns: []structuralPattern{
			pat("torch.no_grad()", `torch\.no_grad\(\)`),
			pat("inference_mode", `torch\.inference_mode`),
			pat("model.eval()", `\.eval\(\)`),
			pat(".predict(", `\.predict\(`),
		}},
		{workload: TypeGeneration, patterns: []structuralPattern{
			pat(".generate(", `\.generate\(`),
			pat("text-generation pipeline", `pipeline\(\s*["']text-generation`),
			pat("StableDiffusionPipeline", `StableDiffusionPipeline`),
		}},
		{workload: TypeEmbedding, patterns: []structuralPattern{
			pat(".encode(", `\.encode\(`),
			pat("embed_documents", `embed_(?:documents|query|dings)\(`),
		}},
		{workload: TypeMatrixOps, patterns: []structuralPattern{
			pat("matmul call", `\b(?:torch|np|jnp|tf)\.(?:matmul|einsum|tensordot)\(`),
			pat("@ operator on tensors", `\w+\s+@\s+\w+\.T\b`),
		}},
	}
}

// buildKeywordTables returns the weighted vocabularies: frameworks,
// model architectures, and accelerator hardware terms.
func buildKeywordTables() []keywordTable {
	return []keywordTable{
		{factor: 0.3, keywords: compileKeywords(map[string]float64{
			"pytorch":      1.0,
			"torch":        0.9,
			"tensorflow":   1.0,
			"keras":        0.8,
			"jax":          0.9,
			"onnx":         0.7,
			"huggingface":  0.9,
			"transformers": 0.8,
			"deepspeed":    1.0,
			"megatron":     1.0,
			"vllm":         1.0,
			"triton":       0.8,
			"opencv":       0.5,
			"sklearn":      0.3,
		})},
		{factor: 0.25, keywords: compileKeywords(map[string]float64{
			"transformer":      0.9,
			"bert":             0.8,
			"gpt":              0.9,
			"llama":            0.9,
			"mistral":          0.8,
			"stable diffusion": 1.0,
			"resnet":           0.8,
			"unet":             0.8,
			"yolo":             0.8,
			"vit":              0.8,
			"whisper":          0.8,
			"cnn":              0.7,
			"rnn":              0.6,
			"lstm":             0.6,
			"gan":              0.8,
		})},
		{factor: 0.3, keywords: compileKeywords(map[string]float64{
			"cuda":            1.0,
			"gpu":             0.9,
			"gpus":            0.9,
			"tensorrt":        1.0,
			"cudnn":           1.0,
			"nccl":            0.9,
			"nvidia":          0.8,
			"a100":            1.0,
			"h100":            1.0,
			"v100":            1.0,
			"rocm":            0.9,
			"tpu":             1.0,
			"accelerator":     0.7,
			"vram":            0.8,
			"fp16":            0.7,
			"bf16":            0.7,
			"mixed precision": 0.7,
			"quantization":    0.6,
		})},
	}
}

// compileKeywords turns a term->weight vocabulary into word-bounded
// case-insensitive matchers, sorted by term for deterministic indicator
// order.
func compileKeywords(vocab map[string]float64) []keyword {
	terms := make([]string, 0, len(vocab))
	for term := range vocab {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	kws := make([]keyword, 0, len(terms))
	for _, term := range terms {
		kws = append(kws, keyword{
			term:    term,
			weight:  vocab[term],
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`),
		})
	}
	return kws
}
