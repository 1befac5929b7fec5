package meta

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"options-engine/pkg/types"
)

// Policy is a frozen two-layer MLP: relu hidden layer, softmax output over
// the nine allocation groups. Weights come from an offline training run and
// are never updated in-process.
type Policy struct {
	Version    string      `json:"version"`
	CriticLoss float64     `json:"critic_loss"` // validation loss of the shipped artifact
	W1         [][]float64 `json:"w1"`          // hidden × NumFeatures
	B1         []float64   `json:"b1"`
	W2         [][]float64 `json:"w2"` // NumMetaGroups × hidden
	B2         []float64   `json:"b2"`
}

// LoadPolicy reads the policy artifact. A missing file is not an error: the
// caller runs on uniform weights. A present but unreadable artifact IS an
// error — trading on a half-loaded model is worse than trading without one.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}

	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return &p, nil
}

func (p *Policy) validate() error {
	hidden := len(p.W1)
	if hidden == 0 {
		return fmt.Errorf("empty hidden layer")
	}
	for i, row := range p.W1 {
		if len(row) != NumFeatures {
			return fmt.Errorf("w1 row %d has %d inputs, want %d", i, len(row), NumFeatures)
		}
	}
	if len(p.B1) != hidden {
		return fmt.Errorf("b1 has %d entries, want %d", len(p.B1), hidden)
	}
	if len(p.W2) != types.NumMetaGroups {
		return fmt.Errorf("w2 has %d outputs, want %d", len(p.W2), types.NumMetaGroups)
	}
	for i, row := range p.W2 {
		if len(row) != hidden {
			return fmt.Errorf("w2 row %d has %d inputs, want %d", i, len(row), hidden)
		}
	}
	if len(p.B2) != types.NumMetaGroups {
		return fmt.Errorf("b2 has %d entries, want %d", len(p.B2), types.NumMetaGroups)
	}
	return nil
}

// Allocate runs the forward pass and returns the capped, normalized
// allocation.
func (p *Policy) Allocate(features [NumFeatures]float64) types.Allocation {
	hidden := make([]float64, len(p.W1))
	for i, row := range p.W1 {
		sum := p.B1[i]
		for j, w := range row {
			sum += w * features[j]
		}
		if sum > 0 { // relu
			hidden[i] = sum
		}
	}

	var logits [types.NumMetaGroups]float64
	for i, row := range p.W2 {
		sum := p.B2[i]
		for j, w := range row {
			sum += w * hidden[j]
		}
		logits[i] = sum
	}

	a := types.Allocation{Weights: softmax(logits), Timestamp: time.Now()}
	a.Weights = CapAndNormalize(a.Weights)
	return a
}

func softmax(logits [types.NumMetaGroups]float64) [types.NumMetaGroups]float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var out [types.NumMetaGroups]float64
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// CapAndNormalize enforces the per-group cap while keeping the components
// summing to one. Capping one component pushes mass onto the others, which
// can push a second component over the cap, so the clamp iterates until the
// distribution is stable: capped groups hold MaxComponent, the rest share
// the remaining mass proportionally.
func CapAndNormalize(w [types.NumMetaGroups]float64) [types.NumMetaGroups]float64 {
	// Defensive normalization first.
	sum := 0.0
	for i, v := range w {
		if v < 0 {
			w[i] = 0
			v = 0
		}
		sum += v
	}
	if sum == 0 {
		return types.Uniform().Weights
	}
	for i := range w {
		w[i] /= sum
	}

	capped := [types.NumMetaGroups]bool{}
	for iter := 0; iter < types.NumMetaGroups; iter++ {
		over := false
		for i, v := range w {
			if !capped[i] && v > types.MaxComponent {
				w[i] = types.MaxComponent
				capped[i] = true
				over = true
			}
		}
		if !over {
			break
		}

		// Redistribute the leftover mass across uncapped groups.
		fixed, free, uncapped := 0.0, 0.0, 0
		for i, v := range w {
			if capped[i] {
				fixed += v
			} else {
				free += v
				uncapped++
			}
		}
		if uncapped == 0 {
			break
		}
		if free == 0 {
			// All remaining groups are zero; split the leftover evenly.
			share := (1 - fixed) / float64(uncapped)
			for i := range w {
				if !capped[i] {
					w[i] = share
				}
			}
			continue
		}
		scale := (1 - fixed) / free
		for i := range w {
			if !capped[i] {
				w[i] *= scale
			}
		}
	}
	return w
}
