// Package betae implements BetaE, a query embedding model that represents
// entities and logical queries over a knowledge graph as products of Beta
// distributions.
//
// A query is described by a Structure and a flattened list of integer
// tokens. The engine walks the structure, looking up anchor entities,
// projecting through relations, negating and intersecting, and produces the
// Beta parameters of the answer set. Candidates are scored by the KL
// divergence between their embedding and the query embedding.
package betae

import (
	"fmt"
	"math/rand/v2"

	"github.com/go-playground/validator"

	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/nn"
	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

const embeddingEpsilon = 2.0

// Config holds the model hyperparameters.
type Config struct {
	NEntity       int     `validate:"min=1"`
	NRelation     int     `validate:"min=1"`
	HiddenDim     int     `validate:"min=1"`
	Gamma         float64 `validate:"gt=0"`
	TestBatchSize int     `validate:"min=1"`
	UseCUDA       bool

	ProjectionHiddenDim int `validate:"min=1"`
	ProjectionLayers    int `validate:"min=1"`

	// QueryNames maps canonical structure strings to display names. Nil
	// uses StandardNames.
	QueryNames map[string]string
	Seed       uint64
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig(nentity, nrelation int) Config {
	return Config{
		NEntity:             nentity,
		NRelation:           nrelation,
		HiddenDim:           400,
		Gamma:               60,
		TestBatchSize:       1,
		ProjectionHiddenDim: 1600,
		ProjectionLayers:    2,
	}
}

var validate = validator.New()

// Model is a BetaE model. Parameters are only mutated by Trainer.
type Model struct {
	cfg            Config
	embeddingRange float64

	entityEmbedding   *tensor.Tensor // nentity × 2·hidden
	relationEmbedding *tensor.Tensor // nrelation × hidden

	entityRegularizer Regularizer
	projection        *BetaProjection
	intersection      *BetaIntersection
}

// NewModel creates a randomly initialised model.
func NewModel(cfg Config) (*Model, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if cfg.QueryNames == nil {
		cfg.QueryNames = StandardNames
	}
	if cfg.UseCUDA {
		logger.Warn("[BetaE] CUDA requested, running on CPU")
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	dim := cfg.HiddenDim
	r := (cfg.Gamma + embeddingEpsilon) / float64(dim)

	ent := tensor.NewParam(cfg.NEntity, 2*dim, nil)
	nn.Uniform(rng, ent, -r, r)
	rel := tensor.NewParam(cfg.NRelation, dim, nil)
	nn.Uniform(rng, rel, -r, r)

	proj, err := NewBetaProjection(rng, dim, dim, cfg.ProjectionHiddenDim, cfg.ProjectionLayers, DefaultRegularizer)
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:               cfg,
		embeddingRange:    r,
		entityEmbedding:   ent,
		relationEmbedding: rel,
		entityRegularizer: DefaultRegularizer,
		projection:        proj,
		intersection:      NewBetaIntersection(rng, dim),
	}
	logger.Debug("[BetaE] Model initialised",
		"nentity", cfg.NEntity,
		"nrelation", cfg.NRelation,
		"hidden_dim", dim,
		"gamma", cfg.Gamma,
		"embedding_range", r,
		"params", m.NumParams(),
	)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// EmbeddingRange is the half-width of the uniform embedding initialisation.
func (m *Model) EmbeddingRange() float64 {
	return m.embeddingRange
}

// EntityEmbedding exposes the raw entity table.
func (m *Model) EntityEmbedding() *tensor.Tensor {
	return m.entityEmbedding
}

// RelationEmbedding exposes the raw relation table.
func (m *Model) RelationEmbedding() *tensor.Tensor {
	return m.relationEmbedding
}

// Params returns every trainable tensor.
func (m *Model) Params() []*tensor.Tensor {
	ps := []*tensor.Tensor{m.entityEmbedding, m.relationEmbedding}
	ps = append(ps, m.projection.Params()...)
	return append(ps, m.intersection.Params()...)
}

// NumParams counts the trainable scalars.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += len(p.Data())
	}
	return n
}

// StructureName returns the display name of s, falling back to its
// canonical form.
func (m *Model) StructureName(s Structure) string {
	key := s.String()
	if name, ok := m.cfg.QueryNames[key]; ok {
		return name
	}
	return key
}
