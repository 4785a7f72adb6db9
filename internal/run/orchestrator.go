package run

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/adgen-dev/adgen/internal/config"
	"github.com/adgen-dev/adgen/internal/dedupe"
	"github.com/adgen-dev/adgen/internal/events"
	"github.com/adgen-dev/adgen/internal/post"
	"github.com/adgen-dev/adgen/internal/prompts"
	"github.com/adgen-dev/adgen/internal/provider"
	"github.com/adgen-dev/adgen/internal/rewrite"
	"github.com/adgen-dev/adgen/internal/store"
)

const (
	// maxAttempts bounds provider calls per task; transient failures beyond
	// it degrade to permanent.
	maxAttempts = 5
	// backoffCap bounds a single retry sleep.
	backoffCap = 60 * time.Second
)

// Orchestrator drives one run to completion. It snapshots config and
// template at construction, so editing the documents during a run has no
// effect on it.
type Orchestrator struct {
	cfg    config.RunConfig
	run    *Run
	logger *slog.Logger

	provider provider.ImageProvider
	rewriter rewrite.Rewriter // nil when rewriting is disabled
	deduper  *dedupe.Deduper  // nil when dedupe is disabled
	thumbs   *post.Thumbnailer
	store    *store.Store
	gen      *prompts.Generator

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// idMu guards the id counter and the final dedupe check; the manifest
	// append and progress publish nest inside it so manifest order matches
	// id order and subscribers see done values in order.
	idMu   sync.Mutex
	lastID int64

	rngMu sync.Mutex
	rng   *rand.Rand

	inflight  int64
	inflightM sync.Mutex
	taskDone  chan struct{}
	wg        sync.WaitGroup

	ctx      context.Context
	cancelFn context.CancelFunc
	failOnce sync.Once
	done     chan struct{}
}

// Option overrides a component, mainly for tests.
type Option func(*Orchestrator)

// WithProvider swaps the image provider.
func WithProvider(p provider.ImageProvider) Option {
	return func(o *Orchestrator) { o.provider = p }
}

// WithRewriter swaps the prompt rewriter.
func WithRewriter(r rewrite.Rewriter) Option {
	return func(o *Orchestrator) { o.rewriter = r }
}

// New validates the environment and assembles an orchestrator in Pending
// state. The config and template are copied in, not referenced.
func New(cfg config.RunConfig, tpl config.Template, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if errs, _ := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config invalid: %s", errs[0])
	}
	if errs, _ := tpl.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("template invalid: %s", errs[0])
	}

	if err := store.CheckWritable(cfg.OutDir); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOutDirUnwritable, cfg.OutDir, err)
	}
	st, err := store.Open(cfg.OutDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutDirUnwritable, err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		thumbs:   post.NewThumbnailer(cfg.Post.Thumbnail, cfg.Post.ThumbMaxPx),
		store:    st,
		gen:      prompts.New(tpl),
		sem:      semaphore.NewWeighted(int64(cfg.Orchestrator.Concurrency)),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.Orchestrator.RatePerMin)/60.0), cfg.Orchestrator.Concurrency),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		taskDone: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	o.run = &Run{
		ID:     "run-" + uuid.NewString(),
		Target: cfg.Orchestrator.TargetImages,
		Bus:    events.NewBus(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.provider == nil {
		if o.provider, err = buildProvider(cfg); err != nil {
			st.Close()
			return nil, err
		}
	}
	if o.rewriter == nil && cfg.Rewrite.Enabled {
		if o.rewriter, err = buildRewriter(cfg, logger); err != nil {
			st.Close()
			return nil, err
		}
	}
	if cfg.Dedupe.Enabled && o.deduper == nil {
		if o.deduper, err = dedupe.New(cfg.Dedupe.HashBits, cfg.Dedupe.HammingThreshold); err != nil {
			st.Close()
			return nil, fmt.Errorf("config invalid: %v", err)
		}
	}
	return o, nil
}

// buildProvider selects the image provider from config. The credential for a
// remote provider must resolve here; a missing one is fatal.
func buildProvider(cfg config.RunConfig) (provider.ImageProvider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderMock:
		return provider.NewMock(cfg.Provider.Model, cfg.Provider.Width, cfg.Provider.Height, cfg.Seed), nil
	case config.ProviderRemote:
		key := os.Getenv(cfg.Provider.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: $%s is not set", ErrCredentialMissing, cfg.Provider.APIKeyEnv)
		}
		return provider.NewOpenAI(provider.OpenAIOptions{
			APIKey:        key,
			Model:         cfg.Provider.Model,
			Width:         cfg.Provider.Width,
			Height:        cfg.Provider.Height,
			PricePerImage: cfg.Provider.PricePerImage,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

// buildRewriter assembles the chat-backed rewriter with its optional file
// cache. The rewriter shares the provider credential; when it is absent the
// rewrite calls soft-fail and the run proceeds on seed prompts.
func buildRewriter(cfg config.RunConfig, logger *slog.Logger) (rewrite.Rewriter, error) {
	var cache *rewrite.Cache
	var err error
	if cfg.Rewrite.CacheFile != "" {
		if cache, err = rewrite.LoadCache(cfg.Rewrite.CacheFile, logger); err != nil {
			return nil, fmt.Errorf("load rewrite cache: %w", err)
		}
	} else {
		cache = rewrite.NewCache()
	}
	return rewrite.NewOpenAI(rewrite.Options{
		APIKey:    os.Getenv(cfg.Provider.APIKeyEnv),
		Model:     cfg.Rewrite.Model,
		System:    cfg.Rewrite.SystemPrompt,
		MaxTokens: cfg.Rewrite.MaxTokens,
		Cache:     cache,
		Logger:    logger,
	})
}

// Run exposes the observable run state.
func (o *Orchestrator) Run() *Run { return o.run }

// Start launches the dispatcher. It returns immediately; observe progress on
// the run's bus or via Wait.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancelFn = context.WithCancel(ctx)
	o.run.StartedAt = time.Now().UTC()
	o.run.setState(Running, "")
	o.run.Bus.Publish(events.Started(o.run.ID, o.run.Target))
	o.logger.Info("run started",
		slog.String("run_id", o.run.ID),
		slog.Int64("target", o.run.Target),
		slog.String("provider", o.provider.Name()),
		slog.String("out_dir", o.cfg.OutDir),
	)
	go o.dispatch()
}

// Wait blocks until the run is terminal and returns an error for a failed
// run.
func (o *Orchestrator) Wait() error {
	<-o.done
	if o.run.State() == Failed {
		return fmt.Errorf("run failed: %s", o.run.FailureReason())
	}
	return nil
}

// Cancel aborts the run; in-flight provider calls see their context die.
func (o *Orchestrator) Cancel() {
	o.fail("cancelled")
}

// fail marks the run failed exactly once, emits the terminal event and
// cancels all in-flight work.
func (o *Orchestrator) fail(reason string) {
	o.failOnce.Do(func() {
		o.run.setState(Failed, reason)
		o.run.Bus.Publish(events.Failed(o.run.ID, reason))
		runsTotal.WithLabelValues("failed").Inc()
		o.logger.Error("run failed", slog.String("run_id", o.run.ID), slog.String("reason", reason))
		if o.cancelFn != nil {
			o.cancelFn()
		}
	})
}

// dispatch hands prompts to workers while the target is unmet. It stops
// issuing once accepted+inflight covers the target and backfills when a task
// comes back empty-handed, so permanent failures and dedupe rejections do
// not leave the run short.
func (o *Orchestrator) dispatch() {
	defer close(o.done)
	defer o.store.Close()

	target := o.run.Target
	for o.ctx.Err() == nil {
		accepted := o.run.Accepted()
		if accepted >= target {
			break
		}
		if accepted+o.inflightCount() >= target {
			select {
			case <-o.taskDone:
			case <-o.ctx.Done():
			}
			continue
		}

		seed := o.gen.Next()
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			break
		}
		if err := o.limiter.Wait(o.ctx); err != nil {
			o.sem.Release(1)
			break
		}
		o.addInflight(1)
		o.run.incAttempted()
		o.wg.Add(1)
		go o.execute(seed)
	}

	o.wg.Wait()
	o.finish()
}

// finish records the terminal state after the pool drains.
func (o *Orchestrator) finish() {
	if o.run.Terminal() {
		return
	}
	if o.run.Accepted() >= o.run.Target {
		o.run.setState(Finished, "")
		o.run.Bus.Publish(events.Finished(o.run.ID))
		runsTotal.WithLabelValues("finished").Inc()
		o.logger.Info("run finished",
			slog.String("run_id", o.run.ID),
			slog.Int64("accepted", o.run.Accepted()),
			slog.Float64("cost", o.run.CostSoFar()),
		)
		return
	}
	// The context died under us without an explicit fail (server shutdown).
	o.fail("cancelled")
}

// execute runs the per-task pipeline for one seed prompt.
func (o *Orchestrator) execute(seed string) {
	holding := true
	defer func() {
		if holding {
			o.sem.Release(1)
		}
		o.addInflight(-1)
		select {
		case o.taskDone <- struct{}{}:
		default:
		}
		o.wg.Done()
	}()

	prompt := seed
	rewritten := ""
	if o.rewriter != nil {
		polished, err := o.rewriter.Rewrite(o.ctx, seed)
		if err != nil {
			// Soft failure: keep the seed prompt.
			o.log("rewrite failed, using original prompt: %v", err)
		} else if polished != seed {
			rewritten = polished
			prompt = polished
		}
	}

	img, ok := o.generateWithRetry(prompt, &holding)
	if !ok {
		return
	}

	// The provider billed for this response whether or not dedupe keeps it.
	cost := o.run.addCost(img.Cost)
	runCost.Set(cost)
	if o.cfg.BudgetLimit != nil && cost > *o.cfg.BudgetLimit {
		o.log("budget limit %.2f exceeded at %.2f", *o.cfg.BudgetLimit, cost)
		o.fail("budget limit exceeded")
		return
	}

	var fp *dedupe.Fingerprint
	if o.deduper != nil {
		var err error
		fp, err = o.deduper.Fingerprint(img.Bytes)
		if err != nil {
			o.log("fingerprint failed, accepting without dedupe: %v", err)
			fp = nil
		} else if o.deduper.Seen(fp) {
			duplicatesRejected.Inc()
			o.log("duplicate; skipped")
			return
		}
	}

	thumb, err := o.thumbs.Thumbnail(img.Bytes)
	if err != nil {
		o.log("thumbnail failed: %v", err)
		thumb = nil
	}

	o.idMu.Lock()
	// Two workers can pass the first dedupe test with images near each
	// other; the id mutex serializes a final check against the now-current
	// set so only one wins.
	if fp != nil && o.deduper.Seen(fp) {
		o.idMu.Unlock()
		duplicatesRejected.Inc()
		o.log("duplicate; skipped")
		return
	}
	id := o.lastID + 1
	artifact := &store.Artifact{
		ID:        id,
		RunID:     o.run.ID,
		Provider:  o.provider.Name(),
		Model:     img.Model,
		Width:     img.Width,
		Height:    img.Height,
		CreatedAt: time.Now().UTC(),
		Prompt:    seed,
		Rewritten: rewritten,
		Cost:      img.Cost,
	}
	if err := o.store.SaveArtifact(artifact, img.Bytes, thumb); err != nil {
		o.idMu.Unlock()
		persistFailures.Inc()
		o.log("persist failed, skipping image: %v", err)
		return
	}
	o.lastID = id
	if fp != nil {
		o.deduper.Add(fp)
	}
	if err := o.store.AppendManifest(artifact); err != nil {
		o.log("manifest append failed: %v", err)
	}
	done := o.run.incAccepted()
	imagesAccepted.Inc()
	o.run.Bus.Publish(events.Progress(o.run.ID, done, o.run.Target, o.run.CostSoFar()))
	o.idMu.Unlock()
}

// generateWithRetry calls the provider with exponential backoff on transient
// failures. The semaphore slot is released across retry sleeps so slow
// retries never starve fresh work; holding tracks whether the caller owns a
// slot at any given moment.
func (o *Orchestrator) generateWithRetry(prompt string, holding *bool) (*provider.Image, bool) {
	for attempt := 0; ; attempt++ {
		img, err := o.provider.Generate(o.ctx, prompt)
		if err == nil {
			return img, true
		}
		kind := provider.KindOf(err)
		providerFailures.WithLabelValues(kind.String()).Inc()
		switch kind {
		case provider.Cancelled:
			return nil, false
		case provider.Permanent:
			o.log("provider permanent failure, skipping task: %v", err)
			return nil, false
		}
		// Transient.
		if attempt+1 >= maxAttempts {
			o.log("provider retries exhausted, skipping task: %v", err)
			return nil, false
		}
		providerRetries.Inc()
		delay := o.backoffDelay(attempt)

		o.sem.Release(1)
		*holding = false
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-o.ctx.Done():
			timer.Stop()
			return nil, false
		}
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			return nil, false
		}
		*holding = true
		// A retry is a fresh provider submission and draws from the same
		// token bucket as first attempts.
		if err := o.limiter.Wait(o.ctx); err != nil {
			return nil, false
		}
	}
}

// backoffDelay computes min(base·factor^attempt + U(0, jitter), cap).
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	base := time.Duration(o.cfg.Orchestrator.BackoffBaseMS) * time.Millisecond
	d := time.Duration(float64(base) * math.Pow(o.cfg.Orchestrator.BackoffFactor, float64(attempt)))
	if jitter := o.cfg.Orchestrator.BackoffJitterMS; jitter > 0 {
		o.rngMu.Lock()
		d += time.Duration(o.rng.Int63n(jitter+1)) * time.Millisecond
		o.rngMu.Unlock()
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (o *Orchestrator) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.logger.Info(msg, slog.String("run_id", o.run.ID))
	o.run.Bus.Publish(events.Log(o.run.ID, msg))
}

func (o *Orchestrator) inflightCount() int64 {
	o.inflightM.Lock()
	defer o.inflightM.Unlock()
	return o.inflight
}

func (o *Orchestrator) addInflight(d int64) {
	o.inflightM.Lock()
	o.inflight += d
	o.inflightM.Unlock()
}
