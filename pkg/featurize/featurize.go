// Package featurize turns a keyed dataset into the variable catalogue and
// feature table of a factor graph.
//
// A feature row is a sparse evidence signal: it fires with value Signal when
// every listed variable takes its listed candidate. Rows that share a
// WeightGroup share one learned weight (parameter tying).
//
// Typical use from a session:
//
//	f := featurize.New(engine, ds, featurize.Options{Functions: []string{"source", "frequency"}})
//	if err := f.KeyAttribute("isbn"); err != nil {
//		return err
//	}
//	features, err := f.CreateFeatures(ctx)
//	weights, err := f.AddWeights(ctx, features)
//	err = f.Persist(ctx, features, weights)
package featurize

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/holofusion/pkg/dataset"
	fuserr "github.com/orneryd/holofusion/pkg/errors"
	"github.com/orneryd/holofusion/pkg/logging"
	"github.com/orneryd/holofusion/pkg/storage"
)

// Feature is one instantiated factor.
type Feature struct {
	ID          int     `json:"id"`
	Function    string  `json:"function"`
	WeightGroup string  `json:"weight_group"`
	WeightID    int     `json:"weight_id"`
	VariableIDs []int   `json:"variable_ids"`
	Candidates  []int   `json:"candidates"`
	Signal      float64 `json:"signal"`
}

// Weight is the learned parameter of one weight group.
type Weight struct {
	ID    int     `json:"id"`
	Group string  `json:"group"`
	Value float64 `json:"value"`
	Fixed bool    `json:"fixed"`
}

// FeatureSet identifies the configuration that produced a feature table.
// Weights are only reused when the fingerprint matches.
type FeatureSet struct {
	Fingerprint       string    `json:"fingerprint"`
	KeyAttributes     []string  `json:"key_attributes"`
	Functions         []string  `json:"functions"`
	CooccurAttributes []string  `json:"cooccur_attributes,omitempty"`
	Features          int       `json:"features"`
	Weights           int       `json:"weights"`
	CreatedAt         time.Time `json:"created_at"`
}

// Options configure a Featurizer.
type Options struct {
	// Namespace is the storage namespace of the derived tables. It defaults
	// to the dataset id.
	Namespace         string
	Functions         []string
	CooccurAttributes []string
	// InitWeight is the starting value of every weight.
	InitWeight float64
	// Labels are the known true values used to mark evidence variables.
	Labels []dataset.LabelRow
	// Registry defaults to DefaultRegistry().
	Registry *Registry
	Logger   logrus.FieldLogger
}

// Featurizer builds and persists the factor graph inputs for one dataset.
// It is not safe for concurrent use; a session serializes calls.
type Featurizer struct {
	engine storage.Engine
	ds     *dataset.Dataset
	opts   Options
	log    logrus.FieldLogger

	keyed      *dataset.Keyed
	variables  []dataset.Variable
	labelStats dataset.LabelStats
	weights    []Weight
	weightsFP  string
}

// New creates a featurizer over ds.
func New(engine storage.Engine, ds *dataset.Dataset, opts Options) *Featurizer {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Namespace == "" {
		opts.Namespace = ds.ID
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Featurizer{
		engine: engine,
		ds:     ds,
		opts:   opts,
		log:    log.WithField("dataset", ds.PrintID()),
	}
}

// KeyAttribute selects the attributes that identify an entity.
func (f *Featurizer) KeyAttribute(keys ...string) error {
	k, err := f.ds.KeyBy(keys...)
	if err != nil {
		return err
	}
	f.keyed = k
	f.variables = nil
	f.log.WithFields(logrus.Fields{
		"keys":         strings.Join(keys, ","),
		"entities":     len(k.Entities),
		"observations": len(k.Observations),
	}).Info("keyed dataset")
	return nil
}

// Keyed returns the current entity grouping, or nil before KeyAttribute.
func (f *Featurizer) Keyed() *dataset.Keyed { return f.keyed }

// Variables returns the catalogue built by the last CreateFeatures call.
func (f *Featurizer) Variables() []dataset.Variable { return f.variables }

// LabelStats reports how labels were applied by the last CreateFeatures call.
func (f *Featurizer) LabelStats() dataset.LabelStats { return f.labelStats }

// CreateFeatures builds the variable catalogue and runs every configured
// feature function over it. Rows are numbered in emission order.
func (f *Featurizer) CreateFeatures(ctx context.Context) ([]Feature, error) {
	if f.keyed == nil {
		return nil, fuserr.New(fuserr.SchemaError, "create_feature", "no key attributes selected")
	}
	fns, err := f.opts.Registry.Build(f.opts.Functions, f.opts)
	if err != nil {
		return nil, err
	}
	if len(fns) == 0 {
		return nil, fuserr.New(fuserr.FeaturizationError, "create_feature", "no feature functions configured")
	}

	observed := make(map[string]bool)
	for _, a := range f.keyed.ObservedAttributes() {
		observed[a] = true
	}
	for _, fn := range fns {
		for _, a := range fn.Attributes() {
			if !observed[a] {
				return nil, fuserr.Newf(fuserr.FeaturizationError, "create_feature",
					"feature function %q references attribute %q which has no observations", fn.Name(), a)
			}
		}
	}

	vars, stats, err := f.keyed.BuildVariables(f.opts.Labels)
	if err != nil {
		return nil, err
	}

	in := newInput(f.keyed, vars)
	var features []Feature
	for _, fn := range fns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows := fn.Emit(in)
		f.log.WithFields(logrus.Fields{"function": fn.Name(), "rows": len(rows)}).Debug("feature function done")
		features = append(features, rows...)
	}
	for i := range features {
		features[i].ID = i
		features[i].WeightID = -1
	}

	f.variables = vars
	f.labelStats = stats
	f.log.WithFields(logrus.Fields{
		"variables": len(vars),
		"evidence":  stats.Applied,
		"features":  len(features),
	}).Info("created features")
	if stats.UnknownEntity > 0 || stats.Conflicting > 0 {
		f.log.WithFields(logrus.Fields{
			"unknown_entity": stats.UnknownEntity,
			"conflicting":    stats.Conflicting,
		}).Warn("some labels were not applied")
	}
	return features, nil
}

// AddWeights assigns a weight id to every feature's weight group.
//
// Groups that already have a weight keep their id; new groups are appended
// in sorted order. Existing weights are loaded from the weights table when
// the stored feature set fingerprint matches the current one. Every weight
// starts at InitWeight. Calling it again on the same features yields the
// same weights.
func (f *Featurizer) AddWeights(ctx context.Context, features []Feature) ([]Weight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fp := f.Fingerprint()
	if f.weightsFP != fp {
		existing, err := f.loadWeights(fp)
		if err != nil {
			return nil, err
		}
		f.weights = existing
		f.weightsFP = fp
	}

	f.weights = AssignWeights(f.weights, features, f.opts.InitWeight)
	f.log.WithField("weights", len(f.weights)).Info("adding weight_id to feature table is finished")
	return append([]Weight(nil), f.weights...), nil
}

func (f *Featurizer) loadWeights(fp string) ([]Weight, error) {
	sets, err := storage.ReadRecords[FeatureSet](f.engine, f.opts.Namespace, storage.TableFeatureSet)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fuserr.Wrap(fuserr.StorageError, "add_weights", err)
	}
	if len(sets) != 1 || sets[0].Fingerprint != fp {
		f.log.Info("feature set changed, previous weights invalidated")
		return nil, nil
	}
	ws, err := storage.ReadRecords[Weight](f.engine, f.opts.Namespace, storage.TableWeights)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fuserr.Wrap(fuserr.StorageError, "add_weights", err)
	}
	for i := range ws {
		ws[i].Value = f.opts.InitWeight
	}
	return ws, nil
}

// AssignWeights is the pure core of AddWeights. It sets WeightID on every
// feature and returns existing weights followed by weights for new groups.
func AssignWeights(existing []Weight, features []Feature, init float64) []Weight {
	weights := append([]Weight(nil), existing...)
	ids := make(map[string]int, len(weights))
	for _, w := range weights {
		ids[w.Group] = w.ID
	}

	var fresh []string
	pending := make(map[string]bool)
	for _, ft := range features {
		if _, ok := ids[ft.WeightGroup]; !ok && !pending[ft.WeightGroup] {
			pending[ft.WeightGroup] = true
			fresh = append(fresh, ft.WeightGroup)
		}
	}
	sort.Strings(fresh)
	for _, g := range fresh {
		id := len(weights)
		ids[g] = id
		weights = append(weights, Weight{ID: id, Group: g, Value: init})
	}

	for i := range features {
		features[i].WeightID = ids[features[i].WeightGroup]
	}
	return weights
}

// Fingerprint identifies the key attributes and feature configuration.
func (f *Featurizer) Fingerprint() string {
	var keys []string
	if f.keyed != nil {
		keys = f.keyed.KeyAttributes
	}
	coo := append([]string(nil), f.opts.CooccurAttributes...)
	sort.Strings(coo)

	h, _ := blake2b.New256(nil)
	h.Write([]byte("keys=" + strings.Join(keys, ",") + "\n"))
	h.Write([]byte("functions=" + strings.Join(f.opts.Functions, ",") + "\n"))
	h.Write([]byte("cooccur=" + strings.Join(coo, ",") + "\n"))
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Persist writes the observations, variables, labels, features, weights and
// feature set tables and drops marginals and results of an earlier run, which
// no longer match the feature table, as one atomic change.
func (f *Featurizer) Persist(ctx context.Context, features []Feature, weights []Weight) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.keyed == nil {
		return fuserr.New(fuserr.SchemaError, "persist_features", "no key attributes selected")
	}

	set := FeatureSet{
		Fingerprint:       f.Fingerprint(),
		KeyAttributes:     f.keyed.KeyAttributes,
		Functions:         f.opts.Functions,
		CooccurAttributes: f.opts.CooccurAttributes,
		Features:          len(features),
		Weights:           len(weights),
		CreatedAt:         time.Now().UTC(),
	}

	tables := make(map[string]*storage.Table, 6)
	if err := errors.Join(
		putTable(tables, storage.TableObservations, f.keyed.Observations),
		putTable(tables, storage.TableVariables, f.variables),
		putTable(tables, storage.TableLabels, f.opts.Labels),
		putTable(tables, storage.TableFeatures, features),
		putTable(tables, storage.TableWeights, weights),
		putTable(tables, storage.TableFeatureSet, []FeatureSet{set}),
	); err != nil {
		return fuserr.Wrap(fuserr.StorageError, "persist_features", err)
	}

	err := f.engine.ReplaceTables(f.opts.Namespace, tables, storage.TableMarginals, storage.TableResults)
	if err != nil {
		return fuserr.Wrap(fuserr.StorageError, "persist_features", err)
	}
	f.log.WithField("fingerprint", set.Fingerprint).Debug("persisted feature tables")
	return nil
}

func putTable[T any](tables map[string]*storage.Table, name string, records []T) error {
	t, err := storage.EncodeTable(records)
	if err != nil {
		return err
	}
	tables[name] = t
	return nil
}
