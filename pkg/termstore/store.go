// Package termstore implements a disk-backed streaming term store. Terms are generated once,
// written to pages of at most PageSize terms, and streamed back page by page on every later
// pass so that only one page of terms is resident at a time.
package termstore

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hlmrf/hlmrf/internal/build"
	"github.com/hlmrf/hlmrf/internal/pagestore"
	"github.com/hlmrf/hlmrf/internal/termpool"
	"github.com/hlmrf/hlmrf/pkg/grounding"
	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/term"
)

var tracer = otel.Tracer("pkg/termstore")

var (
	termsGeneratedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "terms_generated_total",
		Help:      "The total number of terms generated during initial rounds.",
	})

	pagesLoadedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "term_pages_loaded_total",
		Help:      "The total number of term pages streamed back from the page store.",
	})

	rulesSkippedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "rules_skipped_total",
		Help:      "The total number of rules rejected by the streaming term store.",
	}, []string{"reason"})
)

var (
	// ErrNoValidRules is returned when every rule was rejected.
	ErrNoValidRules = errors.New("no valid rules for the streaming term store")

	// ErrInvalidPageSize is returned for page sizes of one or less.
	ErrInvalidPageSize = errors.New("page size must be greater than one")

	// ErrIteratorActive is returned when an iterator is requested while another is outstanding.
	ErrIteratorActive = errors.New("a term iterator is already active")

	// ErrNotLoaded is returned when a read-only iterator is requested before the initial round
	// has completed.
	ErrNotLoaded = errors.New("the initial round has not completed")

	// ErrStoreFailed is returned once a page could not be read or written.
	ErrStoreFailed = errors.New("term store failed")
)

// State is the lifecycle phase of a Store.
type State int

const (
	// StateBuilding means the next iterator grounds rules and writes pages.
	StateBuilding State = iota
	// StateLoaded means every term lives in the page store.
	StateLoaded
)

func (s State) String() string {
	if s == StateLoaded {
		return "loaded"
	}
	return "building"
}

const (
	DefaultPageSize            = 10000
	DefaultShufflePage         = true
	DefaultRandomizePageAccess = true
	DefaultSeed                = 4
)

// Store is the streaming term store. At most one iterator is outstanding at a time; the
// iterator itself may be shared by many goroutines.
type Store struct {
	logger    logger.Logger
	rules     []grounding.Rule
	atoms     grounding.AtomStore
	generator grounding.TermGenerator
	pool      *termpool.Pool
	env       *term.Env
	consensus []float32

	pages     pagestore.PageStore
	ownsPages bool
	pageDir   string

	pageSize            int
	shufflePage         bool
	randomizePageAccess bool
	seed                int64
	warnRules           bool
	rng                 *rand.Rand

	mu       sync.Mutex
	state    State
	active   TermIterator
	failure  error
	numPages int
	numTerms int

	// Page scratch, owned by the active iterator.
	page        []*term.Term
	order       []int
	offsets     []int
	fixedBuf    []byte
	volatileBuf []byte
}

type StoreOption func(*Store)

// WithPageSize sets the maximum number of terms per page.
func WithPageSize(pageSize int) StoreOption {
	return func(s *Store) {
		s.pageSize = pageSize
	}
}

// WithPageStore supplies the page backend. The caller keeps ownership and closes it.
func WithPageStore(pages pagestore.PageStore) StoreOption {
	return func(s *Store) {
		s.pages = pages
	}
}

// WithPageDir sets the root directory of the default file page store.
func WithPageDir(dir string) StoreOption {
	return func(s *Store) {
		s.pageDir = dir
	}
}

// WithShufflePage shuffles the terms of a page each time it is streamed.
func WithShufflePage(shuffle bool) StoreOption {
	return func(s *Store) {
		s.shufflePage = shuffle
	}
}

// WithRandomizePageAccess visits pages in a random order on every pass.
func WithRandomizePageAccess(randomize bool) StoreOption {
	return func(s *Store) {
		s.randomizePageAccess = randomize
	}
}

// WithSeed seeds the generator used for page order and page shuffles.
func WithSeed(seed int64) StoreOption {
	return func(s *Store) {
		s.seed = seed
	}
}

// WithWarnRules controls whether rejected rules are logged.
func WithWarnRules(warn bool) StoreOption {
	return func(s *Store) {
		s.warnRules = warn
	}
}

func WithLogger(l logger.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// New builds a store over the rules that can be grounded individually and carry a
// non-negative weight. Terms are generated lazily by the first iterator.
func New(rules []grounding.Rule, atoms grounding.AtomStore, generator grounding.TermGenerator, opts ...StoreOption) (*Store, error) {
	s := &Store{
		logger:              logger.NewNoopLogger(),
		atoms:               atoms,
		generator:           generator,
		pageSize:            DefaultPageSize,
		pageDir:             filepath.Join(os.TempDir(), build.ProjectName),
		shufflePage:         DefaultShufflePage,
		randomizePageAccess: DefaultRandomizePageAccess,
		seed:                DefaultSeed,
		warnRules:           true,
		state:               StateBuilding,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.pageSize <= 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPageSize, s.pageSize)
	}

	s.rules = s.filterRules(rules)
	if len(s.rules) == 0 {
		return nil, ErrNoValidRules
	}

	if s.pages == nil {
		pages, err := pagestore.NewFileStore(s.pageDir)
		if err != nil {
			return nil, err
		}
		s.pages = pages
		s.ownsPages = true
	}

	s.rng = rand.New(rand.NewSource(s.seed))
	s.pool = termpool.New(s.pageSize, termpool.WithLogger(s.logger))
	s.env = term.NewEnv(s)

	s.consensus = make([]float32, atoms.Count())
	for i := range s.consensus {
		s.consensus[i] = atoms.Value(int32(i))
	}

	return s, nil
}

func (s *Store) filterRules(rules []grounding.Rule) []grounding.Rule {
	accepted := make([]grounding.Rule, 0, len(rules))
	for _, rule := range rules {
		if !rule.SupportsIndividualGrounding() {
			rulesSkippedCounter.WithLabelValues("bulk_grounding").Inc()
			if s.warnRules {
				s.logger.Warn("skipping rule that does not support individual grounding",
					zap.String("rule", rule.Name()))
			}
			continue
		}

		if rule.IsWeighted() && rule.Weight() < 0 {
			rulesSkippedCounter.WithLabelValues("negative_weight").Inc()
			if s.warnRules {
				s.logger.Warn("skipping rule with negative weight",
					zap.String("rule", rule.Name()),
					zap.Float64("weight", rule.Weight()))
			}
			continue
		}

		accepted = append(accepted, rule)
	}

	return accepted
}

// Weight returns the current weight of the accepted rule at ruleIndex.
func (s *Store) Weight(ruleIndex int32) float32 {
	return float32(s.rules[ruleIndex].Weight())
}

// Rules returns the accepted rules; a term's rule index points into this slice.
func (s *Store) Rules() []grounding.Rule {
	return s.rules
}

// Env returns the environment terms of this store minimize and evaluate against.
func (s *Store) Env() *term.Env {
	return s.env
}

// ConsensusValues returns the consensus array. The slice is shared with the store.
func (s *Store) ConsensusValues() []float32 {
	return s.consensus
}

// CreateLocalVariable seeds a term's copy of atomID from the current consensus value.
func (s *Store) CreateLocalVariable(atomID int32) term.LocalVariable {
	return term.LocalVariable{GlobalID: atomID, Value: s.consensus[atomID]}
}

// SyncAtoms writes the consensus values back into the atom store.
func (s *Store) SyncAtoms() {
	for i, v := range s.consensus {
		s.atoms.SetValue(int32(i), v)
	}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) NumPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

func (s *Store) NumTerms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numTerms
}

// Iterator returns an iterator over every term. The first call grounds rules and writes
// pages; later calls stream pages and persist updated local values.
func (s *Store) Iterator() (TermIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIterable(); err != nil {
		return nil, err
	}

	if s.state == StateBuilding {
		s.active = newInitialRoundIterator(s)
	} else {
		s.active = newCacheIterator(s, false)
	}

	return s.active, nil
}

// NoWriteIterator streams every term without persisting local values. It is only available
// once the initial round has completed.
func (s *Store) NoWriteIterator() (TermIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIterable(); err != nil {
		return nil, err
	}

	if s.state != StateLoaded {
		return nil, ErrNotLoaded
	}

	s.active = newCacheIterator(s, true)
	return s.active, nil
}

func (s *Store) checkIterable() error {
	if s.failure != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, s.failure)
	}

	if s.active != nil {
		return ErrIteratorActive
	}

	return nil
}

// IterationComplete marks the end of an optimizer iteration. An iterator left unfinished by
// the caller is stopped so the next pass can begin.
func (s *Store) IterationComplete() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil {
		s.logger.Warn("iteration completed with an unfinished term iterator; stopping it")
		active.Stop()
	}
}

func (s *Store) release(it TermIterator, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == it {
		s.active = nil
	}

	if err != nil && s.failure == nil {
		s.failure = err
	}
}

func (s *Store) completeInitialRound(it TermIterator, numPages, numTerms int) {
	s.mu.Lock()
	s.state = StateLoaded
	s.numPages = numPages
	s.numTerms = numTerms
	s.mu.Unlock()

	s.release(it, nil)

	s.logger.Info("initial round complete",
		zap.Int("terms", numTerms),
		zap.Int("pages", numPages),
		zap.Int("page_size", s.pageSize))
}

// Clear discards every page and pooled term so the next iterator grounds from scratch.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return ErrIteratorActive
	}

	s.pool.Clear()
	s.env.Factors.Clear()
	s.page = nil
	s.state = StateBuilding
	s.numPages = 0
	s.numTerms = 0
	s.failure = nil

	return s.pages.Clear()
}

// Close clears the store and releases a page store created by New.
func (s *Store) Close() error {
	if err := s.Clear(); err != nil {
		return err
	}

	if s.ownsPages {
		return s.pages.Close()
	}

	return nil
}
