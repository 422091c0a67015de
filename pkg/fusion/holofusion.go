// Package fusion is the embedded HoloFusion API: a root object that owns the
// data engine and a registry of sessions, each session running the pipeline
// ingest → featurize → learn → infer → reduce over one dataset.
//
// Example Usage:
//
//	cfg := config.DefaultConfig()
//	cfg.Featurize.KeyAttributes = []string{"isbn"}
//
//	hf, err := fusion.Open(cfg, fusion.Options{Logger: log})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer hf.Close()
//
//	s, err := hf.StartSession("books")
//	if _, err := s.IngestDataset(ctx, "books.csv"); err != nil {
//		log.Fatal(err)
//	}
//	if err := s.IngestLabels(ctx, "labels.csv"); err != nil {
//		log.Fatal(err)
//	}
//	if err := s.Feature(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := s.Inference(ctx); err != nil {
//		log.Fatal(err)
//	}
//	results, err := s.Reduce(ctx, cfg.Fusion.Threshold, cfg.Fusion.FirstK)
//	for _, r := range results {
//		fmt.Printf("%s.%s = %s (%.3f)\n", r.Key, r.Attribute, r.Value, r.Probability)
//	}
//	for _, w := range s.Warnings() {
//		fmt.Println(w)
//	}
//
// Sessions are safe for concurrent use; each serializes its own stages. The
// weights of a session are written only by its Learn stage.
package fusion

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/holofusion/pkg/config"
	"github.com/orneryd/holofusion/pkg/featurize"
	"github.com/orneryd/holofusion/pkg/logging"
	"github.com/orneryd/holofusion/pkg/metrics"
	"github.com/orneryd/holofusion/pkg/storage"
)

// Errors returned by HoloFusion.
var (
	ErrClosed    = errors.New("holofusion is closed")
	ErrNoSession = errors.New("no such session")
)

// DefaultSessionName is used when StartSession gets an empty name.
const DefaultSessionName = "session"

// Options supply collaborators. Every field is optional.
type Options struct {
	Logger logrus.FieldLogger
	// Engine overrides the engine built from cfg.Storage. HoloFusion does not
	// close an engine it did not open.
	Engine storage.Engine
	// Registerer receives the pipeline metrics when cfg.Metrics.Enabled.
	// Nil means a private registry, exposed through Gatherer.
	Registerer prometheus.Registerer
	// Registry overrides the built-in feature functions.
	Registry *featurize.Registry
}

// HoloFusion owns the data engine and the session registry.
type HoloFusion struct {
	mu sync.Mutex

	cfg        *config.Config
	engine     storage.Engine
	ownsEngine bool
	log        logrus.FieldLogger
	metrics    *metrics.Fusion
	gatherer   prometheus.Gatherer
	registry   *featurize.Registry

	sessions map[string]*Session
	nextID   int
	closed   bool
}

// Open validates cfg and opens the data engine: Badger in cfg.Storage.DataDir,
// or a memory engine when cfg.Storage.InMemory is set.
func Open(cfg *config.Config, opts Options) (*HoloFusion, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	h := &HoloFusion{
		cfg:      cfg,
		engine:   opts.Engine,
		log:      log,
		registry: opts.Registry,
		sessions: make(map[string]*Session),
	}
	if h.registry == nil {
		h.registry = featurize.DefaultRegistry()
	}
	if cfg.Metrics.Enabled {
		r := opts.Registerer
		if r == nil {
			r = prometheus.NewRegistry()
		}
		if g, ok := r.(prometheus.Gatherer); ok {
			h.gatherer = g
		}
		h.metrics = metrics.NewFusion(r, cfg.Metrics.Namespace)
	}

	if h.engine == nil {
		engine, err := openEngine(cfg.Storage, log)
		if err != nil {
			return nil, err
		}
		h.engine = engine
		h.ownsEngine = true
	}
	return h, nil
}

func openEngine(cfg config.StorageConfig, log logrus.FieldLogger) (storage.Engine, error) {
	if cfg.InMemory {
		log.Info("using in-memory storage (tables will not persist)")
		return storage.NewMemoryEngine(), nil
	}
	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:        cfg.DataDir,
		SyncWrites:     cfg.SyncWrites,
		BlockCacheSize: cfg.CacheBytes(),
		Logger:         logging.NewBadgerLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open persistent storage: %w", err)
	}
	log.WithField("data_dir", cfg.DataDir).Info("using persistent storage")
	return engine, nil
}

// Engine returns the data engine.
func (h *HoloFusion) Engine() storage.Engine { return h.engine }

// Gatherer returns the registry holding the pipeline metrics, or nil when
// metrics are disabled or the registerer cannot be gathered.
func (h *HoloFusion) Gatherer() prometheus.Gatherer { return h.gatherer }

// Config returns the configuration HoloFusion was opened with.
func (h *HoloFusion) Config() *config.Config { return h.cfg }

// StartSession creates and registers a session named name followed by a
// counter, e.g. "session0", "session1".
func (h *HoloFusion) StartSession(name string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if name == "" {
		name = DefaultSessionName
	}
	full := fmt.Sprintf("%s%d", name, h.nextID)
	h.nextID++

	s := newSession(full, h)
	h.sessions[full] = s
	h.log.WithField("session", full).Info("started session")
	return s, nil
}

// Session looks up a registered session by its full name.
func (h *HoloFusion) Session(name string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	s, ok := h.sessions[name]
	if !ok {
		h.log.WithField("session", name).Warn("no session with this name")
		return nil, fmt.Errorf("%w: %q", ErrNoSession, name)
	}
	return s, nil
}

// Sessions returns the registered session names, sorted.
func (h *HoloFusion) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.sessions))
	for n := range h.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CloseSession unregisters a session. Its persisted tables are kept.
func (h *HoloFusion) CloseSession(name string) error {
	h.mu.Lock()
	s, ok := h.sessions[name]
	delete(h.sessions, name)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSession, name)
	}
	s.close()
	h.log.WithField("session", name).Info("closed session")
	return nil
}

// Close closes every session and the engine, if HoloFusion opened it.
func (h *HoloFusion) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for name, s := range h.sessions {
		s.close()
		delete(h.sessions, name)
	}
	if h.ownsEngine {
		return h.engine.Close()
	}
	return nil
}
