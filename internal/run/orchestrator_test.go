package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgen-dev/adgen/internal/config"
	"github.com/adgen-dev/adgen/internal/events"
	"github.com/adgen-dev/adgen/internal/provider"
	"github.com/adgen-dev/adgen/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testConfig(dir string, target int64) config.RunConfig {
	return config.RunConfig{
		Provider: config.ProviderConfig{
			Kind:   config.ProviderMock,
			Model:  "noise",
			Width:  64,
			Height: 64,
		},
		Orchestrator: config.OrchestratorConfig{
			TargetImages:    target,
			Concurrency:     1,
			RatePerMin:      600,
			BackoffBaseMS:   10,
			BackoffFactor:   2.0,
			BackoffJitterMS: 0,
		},
		OutDir: dir,
		Seed:   42,
	}
}

func testTemplate() config.Template {
	return config.Template{Ad: &config.AdTemplate{
		Brand:   "Acme",
		Product: "Anvil",
		Styles:  []string{"retro", "minimalist"},
	}}
}

// fixedProvider returns the same image on every call, which stalls a
// dedupe-enabled run after the first accept.
type fixedProvider struct {
	img  []byte
	cost float64
}

func (p *fixedProvider) Generate(ctx context.Context, prompt string) (*provider.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, provider.Fail(provider.Cancelled, err)
	}
	return &provider.Image{Bytes: p.img, Width: 64, Height: 64, Model: "fixed", Cost: p.cost}, nil
}
func (p *fixedProvider) Name() string  { return "fixed" }
func (p *fixedProvider) Model() string { return "fixed" }

// scriptedProvider fails with the queued errors first, then delegates.
type scriptedProvider struct {
	mu       sync.Mutex
	failures []error
	delegate provider.ImageProvider
	cost     float64
	calls    int
}

func (p *scriptedProvider) Generate(ctx context.Context, prompt string) (*provider.Image, error) {
	p.mu.Lock()
	p.calls++
	var err error
	if len(p.failures) > 0 {
		err = p.failures[0]
		p.failures = p.failures[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	img, gerr := p.delegate.Generate(ctx, prompt)
	if gerr != nil {
		return nil, gerr
	}
	img.Cost = p.cost
	return img, nil
}
func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// transientProvider fails every call with the same transient error.
type transientProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *transientProvider) Generate(ctx context.Context, prompt string) (*provider.Image, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return nil, provider.Failf(provider.Transient, "rate limited")
}
func (p *transientProvider) Name() string  { return "transient" }
func (p *transientProvider) Model() string { return "transient" }

func (p *transientProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func drainEvents(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(10 * time.Second):
			t.Fatal("event stream did not close")
		}
	}
}

func readManifest(t *testing.T, dir string) []store.Artifact {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, store.ManifestName))
	require.NoError(t, err)
	var out []store.Artifact
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var a store.Artifact
		require.NoError(t, json.Unmarshal([]byte(line), &a))
		out = append(out, a)
	}
	return out
}

func TestRunToCompletion(t *testing.T) {
	dir := t.TempDir()
	o, err := New(testConfig(dir, 3), testTemplate(), testLogger())
	require.NoError(t, err)

	feed, cancelFeed := o.Run().Bus.Subscribe()
	defer cancelFeed()

	o.Start(context.Background())
	require.NoError(t, o.Wait())

	assert.Equal(t, Finished, o.Run().State())
	assert.Equal(t, int64(3), o.Run().Accepted())

	got := drainEvents(t, feed)
	require.GreaterOrEqual(t, len(got), 5)
	assert.Equal(t, events.TypeStarted, got[0].Type)
	assert.Equal(t, int64(3), got[0].Total)
	assert.Equal(t, events.TypeFinished, got[len(got)-1].Type)

	var progress []int64
	for _, ev := range got {
		if ev.Type == events.TypeProgress {
			progress = append(progress, ev.Done)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, progress)

	// Ids are gap-free in manifest order, prompts cycle the styles.
	entries := readManifest(t, dir)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.ID)
		assert.Equal(t, o.Run().ID, e.RunID)
	}
	assert.Contains(t, entries[0].Prompt, "retro")
	assert.Contains(t, entries[1].Prompt, "minimalist")
	assert.Contains(t, entries[2].Prompt, "retro")

	// Every manifest entry has its files on disk.
	for _, e := range entries {
		_, err := os.Stat(filepath.Join(dir, e.ImagePath))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(dir, e.SidecarPath))
		assert.NoError(t, err)
	}
}

func TestRunDedupeStallsWithoutTerminating(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 2)
	cfg.Dedupe = config.DedupeConfig{Enabled: true, HashBits: 64, HammingThreshold: 6}

	mock := provider.NewMock("noise", 64, 64, 1)
	img, err := mock.Generate(context.Background(), "p")
	require.NoError(t, err)

	o, err := New(cfg, testTemplate(), testLogger(), WithProvider(&fixedProvider{img: img.Bytes}))
	require.NoError(t, err)

	o.Start(context.Background())
	require.Eventually(t, func() bool { return o.Run().Accepted() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Every further response is a duplicate; the run keeps attempting and
	// never reaches the target on its own.
	time.Sleep(300 * time.Millisecond)
	assert.False(t, o.Run().Terminal())
	assert.Equal(t, int64(1), o.Run().Accepted())

	o.Cancel()
	require.Error(t, o.Wait())
	assert.Equal(t, Failed, o.Run().State())
	assert.Equal(t, "cancelled", o.Run().FailureReason())

	require.Len(t, readManifest(t, dir), 1)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	sp := &scriptedProvider{
		failures: []error{
			provider.Failf(provider.Transient, "rate limited"),
			provider.Failf(provider.Transient, "rate limited"),
		},
		delegate: provider.NewMock("noise", 64, 64, 1),
	}
	o, err := New(testConfig(dir, 1), testTemplate(), testLogger(), WithProvider(sp))
	require.NoError(t, err)

	start := time.Now()
	o.Start(context.Background())
	require.NoError(t, o.Wait())

	// Two retries at base 10ms, factor 2: at least 10+20ms of backoff.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, Finished, o.Run().State())
	assert.Equal(t, int64(1), o.Run().Accepted())
	assert.Equal(t, 3, sp.callCount())
}

func TestRunRetrySubmissionsAreRateLimited(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 8)
	cfg.Orchestrator.Concurrency = 8
	cfg.Orchestrator.RatePerMin = 60
	cfg.Orchestrator.BackoffBaseMS = 1

	tp := &transientProvider{}
	o, err := New(cfg, testTemplate(), testLogger(), WithProvider(tp))
	require.NoError(t, err)

	o.Start(context.Background())
	time.Sleep(time.Second)
	o.Cancel()
	require.Error(t, o.Wait())

	// At one token per second the window holds the initial burst of
	// concurrency submissions plus the refill. Retries that skipped the
	// bucket would push this to concurrency times maxAttempts.
	calls := tp.callCount()
	assert.GreaterOrEqual(t, calls, 8)
	assert.LessOrEqual(t, calls, 12)
}

func TestRunProgressMonotonicUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 16)
	cfg.Orchestrator.Concurrency = 8

	o, err := New(cfg, testTemplate(), testLogger())
	require.NoError(t, err)

	feed, cancelFeed := o.Run().Bus.Subscribe()
	defer cancelFeed()

	o.Start(context.Background())
	require.NoError(t, o.Wait())

	// Parallel workers must not reorder the counter between increment and
	// publish; subscribers see 1..target in order.
	var progress []int64
	for _, ev := range drainEvents(t, feed) {
		if ev.Type == events.TypeProgress {
			progress = append(progress, ev.Done)
		}
	}
	require.Len(t, progress, 16)
	for i, done := range progress {
		assert.Equal(t, int64(i+1), done)
	}
}

func TestRunBackfillsPermanentFailures(t *testing.T) {
	dir := t.TempDir()
	sp := &scriptedProvider{
		failures: []error{provider.Failf(provider.Permanent, "policy refusal")},
		delegate: provider.NewMock("noise", 64, 64, 1),
	}
	o, err := New(testConfig(dir, 2), testTemplate(), testLogger(), WithProvider(sp))
	require.NoError(t, err)

	o.Start(context.Background())
	require.NoError(t, o.Wait())

	assert.Equal(t, Finished, o.Run().State())
	assert.Equal(t, int64(2), o.Run().Accepted())

	// The failed task was dispatched and replaced.
	snap := o.Run().Snapshot()
	assert.Equal(t, int64(3), snap.Attempted)
	require.Len(t, readManifest(t, dir), 2)
}

func TestRunRetriesExhaustToSkip(t *testing.T) {
	dir := t.TempDir()
	failures := make([]error, maxAttempts)
	for i := range failures {
		failures[i] = provider.Failf(provider.Transient, "still down")
	}
	sp := &scriptedProvider{failures: failures, delegate: provider.NewMock("noise", 64, 64, 1)}
	o, err := New(testConfig(dir, 1), testTemplate(), testLogger(), WithProvider(sp))
	require.NoError(t, err)

	o.Start(context.Background())
	require.NoError(t, o.Wait())

	// The first task burned all its attempts and was backfilled.
	assert.Equal(t, Finished, o.Run().State())
	assert.Equal(t, maxAttempts+1, sp.callCount())
}

func TestRunBudgetLimitFailsRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 5)
	limit := 0.08
	cfg.BudgetLimit = &limit

	sp := &scriptedProvider{delegate: provider.NewMock("noise", 64, 64, 1), cost: 0.05}
	o, err := New(cfg, testTemplate(), testLogger(), WithProvider(sp))
	require.NoError(t, err)

	o.Start(context.Background())
	require.Error(t, o.Wait())

	assert.Equal(t, Failed, o.Run().State())
	assert.Equal(t, "budget limit exceeded", o.Run().FailureReason())
	// The first image fit the budget; the second breached it and was not
	// persisted.
	assert.Equal(t, int64(1), o.Run().Accepted())
	assert.InDelta(t, 0.10, o.Run().CostSoFar(), 1e-9)
}

func TestRunCredentialMissing(t *testing.T) {
	cfg := testConfig(t.TempDir(), 1)
	cfg.Provider.Kind = config.ProviderRemote
	cfg.Provider.APIKeyEnv = "ADGEN_TEST_MISSING_KEY"
	os.Unsetenv("ADGEN_TEST_MISSING_KEY")

	_, err := New(cfg, testTemplate(), testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialMissing)
}

func TestRunInvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t.TempDir(), 1)
	cfg.Orchestrator.Concurrency = 0

	_, err := New(cfg, testTemplate(), testLogger())
	require.Error(t, err)
}

func TestRegistrySingleSlot(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	build := func() (*Orchestrator, error) {
		cfg := testConfig(dir, 2)
		cfg.Dedupe = config.DedupeConfig{Enabled: true, HashBits: 64, HammingThreshold: 6}
		mock := provider.NewMock("noise", 64, 64, 1)
		img, err := mock.Generate(context.Background(), "p")
		if err != nil {
			return nil, err
		}
		// A stalling run keeps the slot occupied.
		return New(cfg, testTemplate(), testLogger(), WithProvider(&fixedProvider{img: img.Bytes}))
	}

	first, err := reg.Start(context.Background(), build)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = reg.Start(context.Background(), build)
	assert.ErrorIs(t, err, ErrRunActive)

	assert.Same(t, first, reg.Find(first.ID))
	assert.Nil(t, reg.Find("run-unknown"))
	require.NotNil(t, reg.Active())

	require.True(t, reg.Cancel())
	require.Eventually(t, func() bool { return first.Terminal() }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, reg.Active())

	// A terminal run frees the slot but stays findable.
	assert.Same(t, first, reg.Find(first.ID))
}

func TestRegistryFindsDisplacedTerminalRun(t *testing.T) {
	reg := NewRegistry()

	quick := func() (*Orchestrator, error) {
		return New(testConfig(t.TempDir(), 1), testTemplate(), testLogger())
	}

	first, err := reg.Start(context.Background(), quick)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Terminal() }, 5*time.Second, 10*time.Millisecond)

	second, err := reg.Start(context.Background(), quick)
	require.NoError(t, err)

	// Claiming the slot keeps the displaced terminal run findable so its
	// event feed can still replay.
	assert.Same(t, first, reg.Find(first.ID))
	assert.Same(t, second, reg.Find(second.ID))
}
