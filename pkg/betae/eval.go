package betae

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/metrics"
	"github.com/hey-memory/LR4HCAR/pkg/tensor"
)

// Metric keys reported per structure by Evaluate.
const (
	MetricHit        = "HIT@20"
	MetricNDCG       = "NDCG@20"
	MetricMRR        = "MRR@20"
	MetricSD         = "SD@20"
	MetricLoss       = "loss"
	MetricNumQueries = "num_queries"
)

// EvalBatch is one batch of evaluation queries. Every entity is a candidate,
// so no negative samples are carried.
type EvalBatch struct {
	SubsamplingWeight []float64
	Queries           [][]int
	// Unflattened holds the QueryKey of every query; it indexes the answer
	// lookup and the persisted rankings.
	Unflattened []string
	Structures  []Structure
}

// EvalLoader yields evaluation batches. Next returns io.EOF once exhausted.
type EvalLoader interface {
	Len() int
	Next() (EvalBatch, error)
}

// RankingSink persists the filtered ranking of every evaluated query.
type RankingSink interface {
	SaveRankings(ctx context.Context, name string, rankings map[string][]int) error
}

// EvalOptions configures Evaluate.
type EvalOptions struct {
	// Answers maps a QueryKey to its hard answers.
	Answers map[string][]int
	// Tags is the entity tag lookup used by the diversity score.
	Tags metrics.TagLookup
	// Sink receives the rankings. Nil skips persistence.
	Sink RankingSink
	// LogEvery logs progress every n batches. Zero disables progress logs.
	LogEvery int
	// Workers bounds the entity scoring goroutines. Zero uses GOMAXPROCS.
	Workers int
	// Now stamps the ranking name. Nil uses time.Now.
	Now func() time.Time
}

const (
	evalTopK      = 20
	evalDCGMethod = metrics.DCGMethodLog2
	scoreChunk    = 1024
)

// RankingName derives the storage name of a ranking result from t.
func RankingName(t time.Time) string {
	return "res/PW" + t.Format("2006.01.02-15:04:05")
}

// Evaluate ranks every entity for every query yielded by loader and returns
// the averaged metrics per structure name. Parameters are not modified.
func (m *Model) Evaluate(ctx context.Context, loader EvalLoader, opts EvalOptions) (map[string]map[string]float64, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ents := m.regularizedEntities()
	totals := make(map[string]map[string]float64)
	rankings := make(map[string][]int)
	total := loader.Len()

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load evaluation batch %d: %w", step, err)
		}
		if err := m.evaluateBatch(ctx, batch, ents, workers, opts, totals, rankings); err != nil {
			return nil, err
		}
		if opts.LogEvery > 0 && step%opts.LogEvery == 0 {
			logger.Info("[Eval] Evaluating the model", "step", step, "total", total)
		}
	}

	if opts.Sink != nil {
		name := RankingName(opts.Now())
		if err := opts.Sink.SaveRankings(ctx, name, rankings); err != nil {
			return nil, fmt.Errorf("failed to save rankings %s: %w", name, err)
		}
	}

	out := make(map[string]map[string]float64, len(totals))
	for name, sums := range totals {
		n := sums[MetricNumQueries]
		avg := map[string]float64{MetricNumQueries: n}
		for k, v := range sums {
			if k != MetricNumQueries {
				avg[k] = v / n
			}
		}
		out[name] = avg
	}
	return out, nil
}

func (m *Model) evaluateBatch(
	ctx context.Context,
	batch EvalBatch,
	ents *tensor.Tensor,
	workers int,
	opts EvalOptions,
	totals map[string]map[string]float64,
	rankings map[string][]int,
) error {
	if len(batch.Unflattened) != len(batch.Queries) {
		return fmt.Errorf("evaluation batch has %d queries and %d keys", len(batch.Queries), len(batch.Unflattened))
	}
	groups, err := groupByStructure(batch.Queries, batch.Structures)
	if err != nil {
		return err
	}
	var tp *tensor.Tape
	alpha, beta, order, err := m.embedGroups(tp, groups)
	if err != nil {
		return err
	}
	weights, err := selectWeights(batch.SubsamplingWeight, order)
	if err != nil {
		return err
	}

	logits := make([][]float64, len(order))
	for i := range order {
		logits[i], err = m.scoreAll(ctx, ents, alpha.Row(i), beta.Row(i), workers)
		if err != nil {
			return err
		}
	}
	loss := negativeSampleLoss(logits, weights)

	for i, row := range order {
		s := batch.Structures[row]
		key := batch.Unflattened[row]
		anchors := Anchors(s, batch.Queries[row])

		ranking := withoutAnchors(rankDescending(logits[i]), anchors)
		answers := withoutAnchors(opts.Answers[key], anchors)
		rankings[key] = ranking

		ndcg, err := metrics.NDCGAtK(answers, ranking, evalTopK, evalDCGMethod)
		if err != nil {
			return err
		}

		name := m.StructureName(s)
		sums, ok := totals[name]
		if !ok {
			sums = make(map[string]float64)
			totals[name] = sums
		}
		sums[MetricHit] += metrics.HitAtK(answers, ranking, evalTopK)
		sums[MetricNDCG] += ndcg
		sums[MetricMRR] += metrics.MRR(answers, ranking, evalTopK)
		sums[MetricSD] += metrics.SD(anchors, ranking, evalTopK, opts.Tags)
		sums[MetricLoss] += loss
		sums[MetricNumQueries]++
	}
	return nil
}

// scoreAll computes the logit of every entity against one query. Chunks of
// entities are scored concurrently into disjoint slots.
func (m *Model) scoreAll(ctx context.Context, ents *tensor.Tensor, alpha, beta []float64, workers int) ([]float64, error) {
	n := ents.Rows()
	width := ents.Cols()
	data := ents.Data()
	out := make([]float64, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += scoreChunk {
		hi := min(lo+scoreChunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for e := lo; e < hi; e++ {
				out[e] = m.logitRow(data[e*width:(e+1)*width], alpha, beta)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// negativeSampleLoss is the weighted mean of -mean_j logσ(-logit_j) over the
// rows of logits.
func negativeSampleLoss(logits [][]float64, weights []float64) float64 {
	var num, den float64
	for i, row := range logits {
		var s float64
		for _, l := range row {
			s += logSigmoid(-l)
		}
		num += weights[i] * s / float64(len(row))
		den += weights[i]
	}
	return -num / den
}

func logSigmoid(x float64) float64 {
	if x < 0 {
		return x - math.Log1p(math.Exp(x))
	}
	return -math.Log1p(math.Exp(-x))
}

// rankDescending returns entity ids ordered by decreasing logit. Ties keep
// ascending id order.
func rankDescending(logits []float64) []int {
	ids := make([]int, len(logits))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return logits[ids[a]] > logits[ids[b]]
	})
	return ids
}

func withoutAnchors(ids, anchors []int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(anchors, id) {
			out = append(out, id)
		}
	}
	return out
}
