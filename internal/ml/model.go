package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ML GATE - logistic scoring of signal candidates
// ═══════════════════════════════════════════════════════════════════════════════
//
// Models are plain JSON files exported by the offline trainer. The champion
// gates live entries; the challenger is scored in shadow and never blocks.
// Either file may be absent, in which case the corresponding slot stays
// empty and the gate is a pass-through.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Model is a trained logistic regression over the signal feature vector.
// Weights map feature name to coefficient.
type Model struct {
	Version      string             `json:"model_version"`
	FeatureNames []string           `json:"feature_names"`
	Bias         float64            `json:"bias"`
	Weights      map[string]float64 `json:"weights"`
}

// LoadModel reads and validates a model file
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	if len(m.FeatureNames) == 0 {
		return nil, fmt.Errorf("model %s: empty feature_names", path)
	}
	for name := range m.Weights {
		if !slices.Contains(m.FeatureNames, name) {
			return nil, fmt.Errorf("model %s: weight %q not in feature_names", path, name)
		}
	}
	return &m, nil
}

// Score computes sigmoid(bias + sum of weight*feature) over the features that
// are present and finite. Absent or non-finite features contribute nothing.
func (m *Model) Score(features map[string]float64) float64 {
	z := m.Bias
	for _, name := range m.FeatureNames {
		v, ok := features[name]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		z += m.Weights[name] * v
	}
	return 1.0 / (1.0 + math.Exp(-z))
}

// Registry holds the champion and challenger slots and reloads them from
// disk when the files change.
type Registry struct {
	mu sync.RWMutex

	championPath   string
	challengerPath string

	champion   *Model
	challenger *Model

	championMtime   time.Time
	challengerMtime time.Time
}

// NewRegistry creates a registry and performs the initial load. Missing
// files are not an error.
func NewRegistry(championPath, challengerPath string) *Registry {
	r := &Registry{championPath: championPath, challengerPath: challengerPath}
	r.Reload()
	return r
}

// Reload re-reads any model file whose mtime changed since the last load.
// A file that disappeared empties its slot.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.champion, r.championMtime = reloadSlot("champion", r.championPath, r.champion, r.championMtime)
	r.challenger, r.challengerMtime = reloadSlot("challenger", r.challengerPath, r.challenger, r.challengerMtime)
}

func reloadSlot(slot, path string, current *Model, mtime time.Time) (*Model, time.Time) {
	if path == "" {
		return nil, time.Time{}
	}

	info, err := os.Stat(path)
	if err != nil {
		if current != nil {
			log.Warn().Str("slot", slot).Str("path", path).Msg("Model file removed, slot emptied")
		}
		return nil, time.Time{}
	}
	if current != nil && info.ModTime().Equal(mtime) {
		return current, mtime
	}

	m, err := LoadModel(path)
	if err != nil {
		log.Error().Err(err).Str("slot", slot).Str("path", path).Msg("Model load failed, keeping previous")
		return current, mtime
	}

	log.Info().
		Str("slot", slot).
		Str("version", m.Version).
		Int("features", len(m.FeatureNames)).
		Msg("🧠 Model loaded")
	return m, info.ModTime()
}

// Champion scores the features with the champion model. ok is false when no
// champion is loaded.
func (r *Registry) Champion(features map[string]float64) (score float64, version string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.champion == nil {
		return 0, "", false
	}
	return r.champion.Score(features), r.champion.Version, true
}

// Challenger scores the features with the shadow model. ok is false when no
// challenger is loaded.
func (r *Registry) Challenger(features map[string]float64) (score float64, version string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.challenger == nil {
		return 0, "", false
	}
	return r.challenger.Score(features), r.challenger.Version, true
}
