package fusion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/holofusion/pkg/config"
	"github.com/orneryd/holofusion/pkg/dataset"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/eval"
	"github.com/orneryd/holofusion/pkg/featurize"
	"github.com/orneryd/holofusion/pkg/inference"
	"github.com/orneryd/holofusion/pkg/reduce"
	"github.com/orneryd/holofusion/pkg/storage"
)

// State is a session's position in the pipeline.
type State int

const (
	StateCreated State = iota
	StateIngested
	StateFeaturized
	StateLearned
	StateInferred
	StateReduced
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIngested:
		return "ingested"
	case StateFeaturized:
		return "featurized"
	case StateLearned:
		return "learned"
	case StateInferred:
		return "inferred"
	case StateReduced:
		return "reduced"
	default:
		return "unknown"
	}
}

// MarginalRecord is one row of the marginals table.
type MarginalRecord struct {
	RunID string `json:"run_id"`
	inference.Marginal
	EntityID  int      `json:"entity_id"`
	Key       string   `json:"key"`
	Attribute string   `json:"attribute"`
	Values    []string `json:"values"`
}

// ResultRecord is one row of the results table.
type ResultRecord struct {
	RunID string `json:"run_id"`
	reduce.FusedResult
}

// Session runs the fusion pipeline over one dataset.
//
// Every stage requires the previous one: calling a stage early fails with a
// SEQUENCE_ERROR and leaves the session untouched. Re-running a stage
// discards the output of the stages after it. A failed stage leaves state
// and persisted tables as they were.
type Session struct {
	mu   sync.Mutex
	name string
	hf   *HoloFusion
	cfg  config.Config
	log  logrus.FieldLogger

	state  State
	closed bool

	dataset    *dataset.Dataset
	labels     []dataset.LabelRow
	featurizer *featurize.Featurizer
	features   []featurize.Feature
	weights    []featurize.Weight
	graph      *inference.Graph
	learned    *inference.LearnResult
	inferred   *inference.InferResult
	results    []reduce.FusedResult

	warnings map[State][]fuserr.Warning
}

func newSession(name string, hf *HoloFusion) *Session {
	return &Session{
		name:     name,
		hf:       hf,
		cfg:      *hf.cfg,
		log:      hf.log.WithField("session", name),
		warnings: make(map[State][]fuserr.Warning),
	}
}

// Name returns the session's registry name.
func (s *Session) Name() string { return s.name }

// State returns the current pipeline state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dataset returns the ingested dataset, or nil.
func (s *Session) Dataset() *dataset.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataset
}

// Namespace returns the storage namespace holding the session's tables, or ""
// before a dataset is ingested. The dataset and its rows stay under the
// dataset id; everything the pipeline derives from them lives under
// "<dataset id>/<session name>", so sessions over the same file never share
// weights, marginals or results.
func (s *Session) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace()
}

func (s *Session) namespace() string {
	if s.dataset == nil {
		return ""
	}
	return SessionNamespace(s.dataset.ID, s.name)
}

// SessionNamespace joins a dataset id and a session name into the namespace
// of that session's tables.
func SessionNamespace(datasetID, session string) string {
	return datasetID + "/" + session
}

// SetKeyAttributes overrides featurize.key_attributes for this session. It
// takes effect on the next Feature call.
func (s *Session) SetKeyAttributes(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Featurize.KeyAttributes = append([]string(nil), keys...)
}

// Variables returns the variable catalogue of the last Feature stage.
func (s *Session) Variables() []dataset.Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.featurizer == nil {
		return nil
	}
	return s.featurizer.Variables()
}

// Keyed returns the entity grouping of the last Feature stage, or nil.
func (s *Session) Keyed() *dataset.Keyed {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.featurizer == nil {
		return nil
	}
	return s.featurizer.Keyed()
}

// Weights returns the current weights: initial values after Feature,
// learned values after Learn.
func (s *Session) Weights() []featurize.Weight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]featurize.Weight(nil), s.weights...)
}

// LearnResult returns the outcome of the last Learn stage, or nil.
func (s *Session) LearnResult() *inference.LearnResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.learned
}

// InferResult returns the outcome of the last Infer stage, or nil.
func (s *Session) InferResult() *inference.InferResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inferred
}

// Results returns the output of the last Reduce stage.
func (s *Session) Results() []reduce.FusedResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

// Warnings returns the non-fatal conditions of the stages that produced the
// current state, in stage order.
func (s *Session) Warnings() []fuserr.Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fuserr.Warning
	for st := StateCreated; st <= StateReduced; st++ {
		out = append(out, s.warnings[st]...)
	}
	return out
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// require checks that the session is open and at least in state min.
func (s *Session) require(op string, min State) error {
	if s.closed {
		return fuserr.Newf(fuserr.SequenceError, op, "session %s is closed", s.name)
	}
	if s.state < min {
		return fuserr.Newf(fuserr.SequenceError, op, "session %s is %s, %s requires %s", s.name, s.state, op, min)
	}
	return nil
}

// enter moves to st, dropping everything later stages produced.
func (s *Session) enter(st State, ws []fuserr.Warning) {
	for later := st; later <= StateReduced; later++ {
		delete(s.warnings, later)
	}
	if len(ws) > 0 {
		s.warnings[st] = ws
	}
	for _, w := range ws {
		s.hf.metrics.ObserveWarning(string(w.Kind))
	}
	if st < StateReduced {
		s.results = nil
	}
	if st < StateInferred {
		s.inferred = nil
	}
	if st < StateLearned {
		s.learned = nil
	}
	if st < StateFeaturized {
		s.featurizer = nil
		s.features = nil
		s.weights = nil
		s.graph = nil
	}
	s.state = st
	s.hf.metrics.ObserveTransition(st.String())
	s.log.WithField("state", st.String()).Debug("session state changed")
}

// stage times fn and records it under op.
func (s *Session) stage(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.hf.metrics.ObserveStage(op, time.Since(start))
	if err != nil {
		s.log.WithError(err).WithField("stage", op).Error("stage failed")
	}
	return err
}

// IngestDataset loads a CSV file, persists it and makes it the session's
// dataset. Allowed in any state; previous stage output and labels are
// discarded.
func (s *Session) IngestDataset(ctx context.Context, path string) (*dataset.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("ingest_dataset", StateCreated); err != nil {
		return nil, err
	}

	var d *dataset.Dataset
	err := s.stage("ingest_dataset", func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.log.WithField("path", path).Info("ingesting file")
		var err error
		d, err = dataset.LoadFile(path, dataset.Options{})
		if err != nil {
			return err
		}
		if err := dataset.Save(s.hf.engine, d); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"dataset": d.PrintID(),
			"rows":    len(d.Rows),
		}).Info("creating dataset with id")
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dataset = d
	s.labels = nil
	s.log = s.hf.log.WithFields(logrus.Fields{"session": s.name, "dataset": d.PrintID()})
	s.enter(StateIngested, nil)
	return d, nil
}

// IngestLabels loads the known true values used as evidence. It requires an
// ingested dataset and returns the session to the ingested state, since
// features depend on the labels.
func (s *Session) IngestLabels(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("ingest_labels", StateIngested); err != nil {
		return err
	}

	var labels []dataset.LabelRow
	err := s.stage("ingest_labels", func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		labels, err = s.dataset.LoadLabelsFile(path)
		return err
	})
	if err != nil {
		return err
	}
	s.labels = labels
	s.log.WithFields(logrus.Fields{"path": path, "labels": len(labels)}).Info("ingested labels")
	s.enter(StateIngested, nil)
	return nil
}

// Feature keys the dataset, creates the feature table, assigns weights and
// persists the tables.
func (s *Session) Feature(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("feature", StateIngested); err != nil {
		return err
	}

	fc := s.cfg.Featurize
	f := featurize.New(s.hf.engine, s.dataset, featurize.Options{
		Namespace:         s.namespace(),
		Functions:         fc.Functions,
		CooccurAttributes: fc.CooccurAttributes,
		InitWeight:        s.cfg.Learning.InitWeight,
		Labels:            s.labels,
		Registry:          s.hf.registry,
		Logger:            s.log,
	})

	var (
		features []featurize.Feature
		weights  []featurize.Weight
		graph    *inference.Graph
	)
	err := s.stage("feature", func() error {
		if err := f.KeyAttribute(fc.KeyAttributes...); err != nil {
			return err
		}
		var err error
		if features, err = f.CreateFeatures(ctx); err != nil {
			return err
		}
		s.log.Info("adding weight_id to feature table")
		if weights, err = f.AddWeights(ctx, features); err != nil {
			return err
		}
		if graph, err = inference.NewGraph(f.Variables(), features, len(weights)); err != nil {
			return err
		}
		return f.Persist(ctx, features, weights)
	})
	if err != nil {
		return err
	}

	s.enter(StateFeaturized, nil)
	s.featurizer = f
	s.features = features
	s.weights = weights
	s.graph = graph
	return nil
}

// Learn fits the weights and persists them.
func (s *Session) Learn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.learn(ctx)
}

func (s *Session) learn(ctx context.Context) error {
	if err := s.require("learn", StateFeaturized); err != nil {
		return err
	}
	lc := s.cfg.Learning
	learner := inference.NewLearner(inference.LearnOptions{
		Epochs:         lc.Epochs,
		LearningRate:   lc.LearningRate,
		Decay:          lc.Decay,
		Regularization: lc.Regularization,
		Seed:           lc.Seed,
		Workers:        s.cfg.Sampling.Workers,
		Metrics:        s.hf.metrics,
		Logger:         s.log,
	})

	// Learning always starts from the initial weights, so repeating the
	// stage with the same seed reproduces the same result.
	initial := make([]featurize.Weight, len(s.weights))
	for i, w := range s.weights {
		if !w.Fixed {
			w.Value = lc.InitWeight
		}
		initial[i] = w
	}

	var res *inference.LearnResult
	err := s.stage("learn", func() error {
		var err error
		if res, err = learner.Learn(ctx, s.graph, initial); err != nil {
			return err
		}
		weights, err := storage.EncodeTable(res.Weights)
		if err != nil {
			return fuserr.Wrap(fuserr.StorageError, "learn", err)
		}
		return fuserr.Wrap(fuserr.StorageError, "learn", s.hf.engine.ReplaceTables(s.namespace(),
			map[string]*storage.Table{storage.TableWeights: weights},
			storage.TableMarginals, storage.TableResults))
	})
	if err != nil {
		return err
	}

	s.enter(StateLearned, res.Warnings)
	s.weights = res.Weights
	s.learned = res
	return nil
}

// Infer estimates the marginals with the learned weights and persists them.
func (s *Session) Infer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infer(ctx)
}

func (s *Session) infer(ctx context.Context) error {
	if err := s.require("infer", StateLearned); err != nil {
		return err
	}
	sc := s.cfg.Sampling
	inferer := inference.NewInferer(inference.InferOptions{
		BurnIn:        sc.BurnIn,
		NSamples:      sc.NSamples,
		Tolerance:     sc.Tolerance,
		Workers:       sc.Workers,
		ClampEvidence: sc.ClampEvidence,
		Seed:          sc.Seed,
		Metrics:       s.hf.metrics,
		Logger:        s.log,
	})

	var res *inference.InferResult
	err := s.stage("infer", func() error {
		var err error
		if res, err = inferer.Infer(ctx, s.graph, s.weights); err != nil {
			return err
		}
		records := make([]MarginalRecord, len(res.Marginals))
		for i, m := range res.Marginals {
			v := s.graph.Variables[m.VariableID]
			records[i] = MarginalRecord{
				RunID:     res.RunID,
				Marginal:  m,
				EntityID:  v.EntityID,
				Key:       v.Key,
				Attribute: v.Attribute,
				Values:    v.Domain,
			}
		}
		table, err := storage.EncodeTable(records)
		if err != nil {
			return fuserr.Wrap(fuserr.StorageError, "infer", err)
		}
		return fuserr.Wrap(fuserr.StorageError, "infer", s.hf.engine.ReplaceTables(s.namespace(),
			map[string]*storage.Table{storage.TableMarginals: table},
			storage.TableResults))
	})
	if err != nil {
		return err
	}

	s.enter(StateInferred, res.Warnings)
	s.inferred = res
	return nil
}

// Inference runs Learn then Infer.
func (s *Session) Inference(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.learn(ctx); err != nil {
		return err
	}
	return s.infer(ctx)
}

// Reduce ranks the marginals into the results table. It can be repeated
// with different threshold and firstK without re-running inference.
func (s *Session) Reduce(ctx context.Context, threshold float64, firstK int) ([]reduce.FusedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("reduce", StateInferred); err != nil {
		return nil, err
	}

	var results []reduce.FusedResult
	err := s.stage("reduce", func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		results, err = reduce.Reduce(s.inferred.Marginals, s.graph.Variables, threshold, firstK)
		if err != nil {
			return err
		}
		records := make([]ResultRecord, len(results))
		for i, r := range results {
			records[i] = ResultRecord{RunID: s.inferred.RunID, FusedResult: r}
		}
		return fuserr.Wrap(fuserr.StorageError, "reduce",
			storage.WriteRecords(s.hf.engine, s.namespace(), storage.TableResults, records))
	})
	if err != nil {
		return nil, err
	}

	s.enter(StateReduced, nil)
	s.results = results
	stats := reduce.Summarize(results, len(s.graph.Variables))
	s.log.WithFields(logrus.Fields{
		"threshold": threshold,
		"first_k":   firstK,
		"resolved":  stats.Resolved,
		"variables": stats.Variables,
		"rows":      stats.Rows,
	}).Info("reduced marginals")
	return results, nil
}

// Evaluate scores the reduced results against a ground-truth file laid out
// like a labels file. It does not change the session state.
func (s *Session) Evaluate(ctx context.Context, truthPath string, thresholds eval.Thresholds) (*eval.EvalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("evaluate", StateReduced); err != nil {
		return nil, err
	}
	truth, err := s.dataset.LoadLabelsFile(truthPath)
	if err != nil {
		return nil, err
	}
	cases, err := eval.CasesFromLabels(s.featurizer.Keyed(), s.graph.Variables, truth)
	if err != nil {
		return nil, err
	}

	h := eval.NewHarness()
	h.SetSuiteName(s.name)
	h.SetThresholds(thresholds)
	h.AddCases(cases)
	result, err := h.Run(ctx, eval.Run{
		Variables: s.graph.Variables,
		Marginals: s.inferred.Marginals,
		Results:   s.results,
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"cases":    result.TotalCases,
		"accuracy": result.Aggregate.Accuracy,
		"coverage": result.Aggregate.Coverage,
		"passed":   result.Passed,
	}).Info("evaluated results")
	return result, nil
}

// IsSequenceError reports whether err came from calling a stage out of order.
func IsSequenceError(err error) bool {
	return errors.Is(err, fuserr.ErrSequence)
}
