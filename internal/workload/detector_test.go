package workload

import (
	"sync"
	"testing"
)

func TestDetector_Detect(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name        string
		description string
		metadata    map[string]any
		wantType    Type
		wantMinConf float64
		wantAccel   bool
	}{
		{
			name:        "bare training verb",
			description: "train a model",
			wantType:    TypeTraining,
			wantMinConf: 0.3,
			wantAccel:   true,
		},
		{
			name:        "training with framework and hardware",
			description: "train a model using PyTorch with CUDA",
			wantType:    TypeTraining,
			wantMinConf: 0.4,
			wantAccel:   true,
		},
		{
			name:        "lora fine-tuning",
			description: "fine-tune llama with LoRA adapters",
			wantType:    TypeFineTuning,
			wantMinConf: 0.6,
			wantAccel:   true,
		},
		{
			name:        "inference serving",
			description: "run inference on the bert model",
			wantType:    TypeInference,
			wantMinConf: 0.3,
			wantAccel:   true,
		},
		{
			name:        "image generation",
			description: "generate product images with stable diffusion",
			wantType:    TypeGeneration,
			wantMinConf: 0.6,
			wantAccel:   true,
		},
		{
			name:        "embedding pipeline",
			description: "compute embeddings for semantic search over documents",
			wantType:    TypeEmbedding,
			wantMinConf: 0.6,
			wantAccel:   true,
		},
		{
			name:        "plain data chores fall back to cpu_bound",
			description: "sort a CSV file and compute per-column aggregates",
			wantType:    TypeCPUBound,
			wantMinConf: cpuBoundConfidence,
			wantAccel:   false,
		},
		{
			name:        "hardware mention without structure",
			description: "process the nightly batch on the GPU",
			wantType:    TypeAcceleratedGeneric,
			wantMinConf: 0.25,
			wantAccel:   true,
		},
		{
			name:        "metadata flag overrides weak text",
			description: "crunch the quarterly numbers",
			metadata:    map[string]any{"requires_accelerator": true},
			wantType:    TypeAcceleratedGeneric,
			wantMinConf: 0.9,
			wantAccel:   true,
		},
		{
			name:        "empty description",
			description: "",
			wantType:    TypeCPUBound,
			wantMinConf: cpuBoundConfidence,
			wantAccel:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigs := d.Detect(tt.description, tt.metadata)
			if len(sigs) == 0 {
				t.Fatal("Detect() returned no signatures")
			}
			top := sigs[0]
			if top.Type != tt.wantType {
				t.Errorf("top type = %q, want %q (all: %+v)", top.Type, tt.wantType, sigs)
			}
			if top.Confidence < tt.wantMinConf {
				t.Errorf("top confidence = %f, want >= %f", top.Confidence, tt.wantMinConf)
			}
			if top.RequiresAccelerator != tt.wantAccel {
				t.Errorf("requires accelerator = %v, want %v", top.RequiresAccelerator, tt.wantAccel)
			}
			for i, sig := range sigs {
				if sig.Confidence < 0 || sig.Confidence > 1 {
					t.Errorf("signature %d confidence %f out of [0,1]", i, sig.Confidence)
				}
				if i > 0 && sigs[i-1].Confidence < sig.Confidence {
					t.Errorf("signatures not sorted: %f before %f", sigs[i-1].Confidence, sig.Confidence)
				}
			}
		})
	}
}

func TestDetector_ContextRaisesConfidence(t *testing.T) {
	d := NewDetector()

	bare := d.Detect("train a model", nil)[0]
	rich := d.Detect("train a model using PyTorch with CUDA", nil)[0]

	if bare.Type != TypeTraining || rich.Type != TypeTraining {
		t.Fatalf("expected training for both, got %q and %q", bare.Type, rich.Type)
	}
	if rich.Confidence <= bare.Confidence {
		t.Errorf("framework and hardware context must raise confidence: bare=%f rich=%f",
			bare.Confidence, rich.Confidence)
	}

	// Keyword evidence also lands in the indicator list.
	var sawCUDA bool
	for _, ind := range rich.Indicators {
		if ind == "cuda" {
			sawCUDA = true
		}
	}
	if !sawCUDA {
		t.Errorf("expected cuda among indicators, got %v", rich.Indicators)
	}
}

func TestDetector_DetectFromCode(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name     string
		snippet  string
		wantType Type
	}{
		{
			name: "training loop",
			snippet: `for epoch in range(10):
    loss.backward()
    optimizer.step()`,
			wantType: TypeTraining,
		},
		{
			name: "inference block",
			snippet: `model.eval()
with torch.no_grad():
    out = model(x)`,
			wantType: TypeInference,
		},
		{
			name:     "generation call",
			snippet:  `tokens = model.generate(prompt_ids, max_new_tokens=128)`,
			wantType: TypeGeneration,
		},
		{
			name:     "peft fine-tuning",
			snippet:  `model = get_peft_model(base, LoraConfig(r=8))`,
			wantType: TypeFineTuning,
		},
		{
			name:     "prose falls back to text detection",
			snippet:  "train a model using PyTorch with CUDA",
			wantType: TypeTraining,
		},
		{
			name:     "shell script stays cpu_bound",
			snippet:  `awk '{print $2}' access.log | sort | uniq -c`,
			wantType: TypeCPUBound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigs := d.DetectFromCode(tt.snippet, nil)
			if len(sigs) == 0 {
				t.Fatal("DetectFromCode() returned no signatures")
			}
			if sigs[0].Type != tt.wantType {
				t.Errorf("top type = %q, want %q (all: %+v)", sigs[0].Type, tt.wantType, sigs)
			}
		})
	}
}

func TestDetector_RequiresAccelerator(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name        string
		description string
		metadata    map[string]any
		threshold   float64
		want        bool
	}{
		{
			name:        "weak signal stays below default threshold",
			description: "train a model",
			threshold:   DefaultAcceleratorThreshold,
			want:        false,
		},
		{
			name:        "strong signal clears default threshold",
			description: "train a transformer model for 10 epochs using PyTorch with CUDA",
			threshold:   DefaultAcceleratorThreshold,
			want:        true,
		},
		{
			name:        "cpu_bound never requires an accelerator",
			description: "sort a CSV file and compute per-column aggregates",
			threshold:   0,
			want:        false,
		},
		{
			name:        "metadata flag clears the threshold on its own",
			description: "crunch the quarterly numbers",
			metadata:    map[string]any{"requires_accelerator": true},
			threshold:   DefaultAcceleratorThreshold,
			want:        true,
		},
		{
			name:        "weak signal passes a lowered threshold",
			description: "train a model",
			threshold:   0.2,
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.RequiresAccelerator(tt.description, tt.metadata, tt.threshold)
			if got != tt.want {
				t.Errorf("RequiresAccelerator() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetector_EstimateMemory(t *testing.T) {
	d := NewDetector()

	training, ok := d.EstimateMemory("train a model from scratch over 50 epochs", nil)
	if !ok {
		t.Fatal("expected a memory estimate for training")
	}
	fineTuning, ok := d.EstimateMemory("fine-tune llama with LoRA adapters", nil)
	if !ok {
		t.Fatal("expected a memory estimate for fine-tuning")
	}
	inference, ok := d.EstimateMemory("run inference on the bert model", nil)
	if !ok {
		t.Fatal("expected a memory estimate for inference")
	}

	if !(training > fineTuning && fineTuning > inference) {
		t.Errorf("memory estimates out of order: training=%f fine_tuning=%f inference=%f",
			training, fineTuning, inference)
	}

	if gb, ok := d.EstimateMemory("sort a CSV file and compute per-column aggregates", nil); ok {
		t.Errorf("cpu_bound work must not carry a memory estimate, got %f", gb)
	}
}

func TestDetector_ConcurrentSafety(t *testing.T) {
	d := NewDetector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			desc := "train a model using PyTorch with CUDA"
			want := TypeTraining
			if n%2 == 0 {
				desc = "sort a CSV file and compute per-column aggregates"
				want = TypeCPUBound
			}
			sigs := d.Detect(desc, nil)
			if sigs[0].Type != want {
				t.Errorf("goroutine %d: top type = %q, want %q", n, sigs[0].Type, want)
			}
		}(i)
	}
	wg.Wait()
}
