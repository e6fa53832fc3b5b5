// Package batch implements the batch relay task engine: bulk operations over
// a whole collection (for example every sticker of a pack) that are first
// offered, then confirmed, then executed in bounded concurrent batches with
// live progress reporting and cooperative cancellation.
//
// Lifecycle:
//
//	OfferBatch    -> pending offer (TTL-bounded, swept lazily on access)
//	ConfirmBatch  -> running task (one per requester) + supervised goroutine
//	RequestCancel -> flag checked before each batch starts
//	Shutdown      -> cancel every task and wait for all of them
//
// Batches run strictly one after another so status edits stay ordered and
// progress is monotonic; items within a batch run concurrently, bounded by
// the batch size.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/metrics"
	"github.com/tbourn/stickerhub/internal/services"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied by NewEngine.
const (
	DefaultBatchSize = 10
	DefaultOfferTTL  = 15 * time.Minute
)

// Terminal task outcomes, also used as metric labels.
const (
	outcomeCompleted = "completed"
	outcomeStopped   = "stopped"
	outcomeFailed    = "failed"
	outcomeEmpty     = "empty"
)

const stopLabel = "Stop"

// Deps are the collaborators the engine drives. Catalog and Status are
// required; each mode additionally needs its own sink (Forwarder for
// forward, Archives for archive, Group for group).
type Deps struct {
	Catalog    Catalog
	Status     StatusEditor
	Normalizer services.Normalizer
	Forwarder  Forwarder
	Marker     Marker
	Group      GroupSender
	Archives   ArchiveDeliverer
}

// Options tune the engine. Zero values select the defaults and in-memory
// stores.
type Options struct {
	BatchSize int
	OfferTTL  time.Duration
	Offers    OfferStore
	Tasks     TaskStore
	Now       func() time.Time
	NewID     func() string
}

// Engine owns pending offers and running tasks.
type Engine struct {
	deps      Deps
	batchSize int
	offerTTL  time.Duration
	offers    OfferStore
	tasks     TaskStore
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewEngine wires an engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = DefaultOfferTTL
	}
	if opts.Offers == nil {
		opts.Offers = NewMemoryOfferStore()
	}
	if opts.Tasks == nil {
		opts.Tasks = NewMemoryTaskStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	if deps.Normalizer == nil {
		deps.Normalizer = services.IdentityNormalizer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:       deps,
		batchSize:  opts.BatchSize,
		offerTTL:   opts.OfferTTL,
		offers:     opts.Offers,
		tasks:      opts.Tasks,
		now:        opts.Now,
		newID:      opts.NewID,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// BatchSize returns the configured batch size.
func (e *Engine) BatchSize() int { return e.batchSize }

func (e *Engine) sweepOffers() {
	if n := e.offers.DeleteOlderThan(e.now().Add(-e.offerTTL)); n > 0 {
		log.Debug().Int("expired", n).Msg("swept batch offers")
	}
}

// OfferBatch records a pending offer and returns its token. A requester may
// hold any number of offers; each expires on its own.
func (e *Engine) OfferBatch(ctx context.Context, requesterID string, source Identity, collectionID, anchorItemID string, totalCount int) (string, error) {
	_, span := otel.Tracer("batch/Engine").Start(ctx, "OfferBatch",
		trace.WithAttributes(
			attribute.String("requester.id", requesterID),
			attribute.String("collection.id", collectionID),
			attribute.Int("total", totalCount),
		),
	)
	defer span.End()

	if strings.TrimSpace(requesterID) == "" || strings.TrimSpace(collectionID) == "" {
		return "", ErrInvalidOffer
	}
	e.sweepOffers()

	o := Offer{
		Token:        e.newID(),
		RequesterID:  requesterID,
		Source:       source,
		CollectionID: collectionID,
		AnchorItemID: anchorItemID,
		TotalCount:   totalCount,
		CreatedAt:    e.now(),
	}
	e.offers.Put(o)
	log.Info().
		Str("token", o.Token).
		Str("requester", requesterID).
		Str("collection", collectionID).
		Int("total", totalCount).
		Msg("batch offer created")
	return o.Token, nil
}

// ConfirmBatch turns an offer into a running task and starts it. It returns
// once the task is registered; the work continues in the background.
func (e *Engine) ConfirmBatch(ctx context.Context, token, requesterID string, mode Mode, statusRef string) (*Handle, error) {
	_, span := otel.Tracer("batch/Engine").Start(ctx, "ConfirmBatch",
		trace.WithAttributes(
			attribute.String("requester.id", requesterID),
			attribute.String("mode", string(mode)),
		),
	)
	defer span.End()

	if err := e.checkMode(mode); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	e.sweepOffers()
	o, ok := e.offers.Get(token)
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.RequesterID != requesterID {
		return nil, ErrOfferOwnerMismatch
	}

	t := &Task{
		ID:           e.newID(),
		RequesterID:  o.RequesterID,
		Source:       o.Source,
		CollectionID: o.CollectionID,
		AnchorItemID: o.AnchorItemID,
		Mode:         mode,
		StatusRef:    statusRef,
		StartedAt:    e.now(),
		done:         make(chan struct{}),
	}
	if t.StatusRef == "" {
		t.StatusRef = "task:" + t.ID
	}
	if !e.tasks.InsertIfIdle(t) {
		return nil, ErrTaskAlreadyRunning
	}
	e.offers.Delete(token)

	e.wg.Add(1)
	metrics.BatchTasksRunning.Inc()
	go e.run(t)

	log.Info().
		Str("task", t.ID).
		Str("requester", requesterID).
		Str("collection", t.CollectionID).
		Str("mode", string(mode)).
		Msg("batch task started")

	return &Handle{
		TaskID:    t.ID,
		StatusRef: t.StatusRef,
		Cancel:    &CancelAffordance{TaskID: t.ID, Label: stopLabel},
		done:      t.done,
	}, nil
}

func (e *Engine) checkMode(m Mode) error {
	switch m {
	case ModeForward:
		if e.deps.Forwarder == nil {
			return fmt.Errorf("%w: %s", ErrModeUnavailable, m)
		}
	case ModeArchive:
		if e.deps.Archives == nil {
			return fmt.Errorf("%w: %s", ErrModeUnavailable, m)
		}
	case ModeGroup:
		if e.deps.Group == nil {
			return fmt.Errorf("%w: %s", ErrModeUnavailable, m)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}
	return nil
}

// RequestCancel asks a task to stop before its next batch. The batch in
// flight always finishes.
func (e *Engine) RequestCancel(taskID, requesterID string) error {
	t, ok := e.tasks.Get(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if t.RequesterID != requesterID {
		return ErrTaskOwnerMismatch
	}
	t.RequestCancel()
	log.Info().Str("task", taskID).Str("requester", requesterID).Msg("batch task stop requested")
	return nil
}

// RunningTasks returns a snapshot of the live tasks.
func (e *Engine) RunningTasks() []TaskInfo {
	ts := e.tasks.List()
	out := make([]TaskInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Info())
	}
	return out
}

// Shutdown stops accepting tasks, requests cancellation of every running
// task and waits for all of them to exit. When ctx ends first, in-flight
// item work is cancelled too and ctx.Err() is returned after the tasks exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, t := range e.tasks.List() {
		t.RequestCancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancelBase()
		return nil
	case <-ctx.Done():
		e.cancelBase()
		<-done
		return ctx.Err()
	}
}

// run is the supervised body of a task. Whatever happens, the task leaves
// the store and the wait group before run returns.
func (e *Engine) run(t *Task) {
	outcome := outcomeFailed
	lg := log.With().Str("task", t.ID).Str("mode", string(t.Mode)).Str("collection", t.CollectionID).Logger()
	ctx := lg.WithContext(e.baseCtx)

	defer e.wg.Done()
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Msg("batch task panicked")
			e.edit(ctx, t, failedText(t.Mode, t.CollectionID, fmt.Errorf("internal error: %v", r)), false)
			outcome = outcomeFailed
		}
		e.tasks.Delete(t.ID)
		metrics.BatchTasksRunning.Dec()
		metrics.BatchTasks.WithLabelValues(string(t.Mode), outcome).Inc()
		lg.Info().Str("outcome", outcome).Msg("batch task finished")
	}()

	var err error
	outcome, err = e.execute(ctx, t)
	if err != nil {
		lg.Error().Err(err).Msg("batch task failed")
		e.edit(ctx, t, failedText(t.Mode, t.CollectionID, err), false)
		outcome = outcomeFailed
	}
}

func (e *Engine) execute(ctx context.Context, t *Task) (string, error) {
	ctx, span := otel.Tracer("batch/Engine").Start(ctx, "Task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("mode", string(t.Mode)),
			attribute.String("collection.id", t.CollectionID),
		),
	)
	defer span.End()

	items, err := e.deps.Catalog.EnumerateCollection(ctx, t.CollectionID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("enumerate collection: %w", err)
	}
	if t.Mode == ModeForward && t.AnchorItemID != "" {
		kept := items[:0:0]
		for _, it := range items {
			if it.UniqueID != t.AnchorItemID {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	if len(items) == 0 {
		e.edit(ctx, t, emptyText(t.Mode), false)
		return outcomeEmpty, nil
	}

	p := progress{Total: len(items), Batches: (len(items) + e.batchSize - 1) / e.batchSize}
	span.SetAttributes(attribute.Int("items", p.Total), attribute.Int("batches", p.Batches))
	zerolog.Ctx(ctx).Info().Int("items", p.Total).Int("batches", p.Batches).Msg("batch task running")
	e.edit(ctx, t, startText(t.Mode, t.CollectionID, e.batchSize), true)

	var collected []domain.Asset
	stopped := false
	for i := 0; i < p.Batches; i++ {
		if t.CancelRequested() {
			stopped = true
			break
		}
		start := i * e.batchSize
		end := min(start+e.batchSize, p.Total)
		p.Batch = i + 1

		if t.Mode == ModeForward && e.deps.Marker != nil {
			text := MarkerText(t.CollectionID, p.Batch, p.Batches, start+1, end)
			if err := e.deps.Marker.MarkBatch(ctx, t.Source.Platform, t.Source.AccountID, text); err != nil {
				return outcomeFailed, fmt.Errorf("batch marker: %w", err)
			}
		}

		assets, ok, failed := e.processBatch(ctx, t, items[start:end])
		p.Failed += failed
		switch t.Mode {
		case ModeForward:
			p.Sent += ok
		case ModeArchive:
			collected = append(collected, assets...)
			p.Sent += len(assets)
		case ModeGroup:
			if len(assets) > 0 {
				sent, sendFailed := e.deps.Group.SendGroup(ctx, t.Source.Platform, t.Source.AccountID, assets)
				p.Sent += sent
				p.Failed += sendFailed
			}
		}

		e.edit(ctx, t, progressText(t.Mode, t.CollectionID, p), true)
	}

	if stopped {
		e.edit(ctx, t, stoppedText(t.Mode, t.CollectionID, p), false)
		return outcomeStopped, nil
	}

	if t.Mode == ModeArchive && len(collected) > 0 {
		data, err := BuildArchive(collected)
		if err != nil {
			return outcomeFailed, fmt.Errorf("build archive: %w", err)
		}
		e.edit(ctx, t, archiveSendingText, false)
		ref, err := e.deps.Archives.DeliverArchive(ctx, t.RequesterID, SafeName(t.CollectionID)+".zip", data, archiveCaption(t.CollectionID, len(collected)))
		if err != nil {
			return outcomeFailed, fmt.Errorf("deliver archive: %w", err)
		}
		zerolog.Ctx(ctx).Info().Str("archive", ref).Int("items", len(collected)).Msg("archive delivered")
	}

	e.edit(ctx, t, completedText(t.Mode, t.CollectionID, p), false)
	return outcomeCompleted, nil
}

type itemResult struct {
	asset *domain.Asset
	ok    bool
}

// processBatch runs every item of the batch concurrently and waits for all
// of them. It returns the collected assets (archive and group modes), and
// the success and failure counts of the per-item step.
func (e *Engine) processBatch(ctx context.Context, t *Task, batch []Item) (assets []domain.Asset, ok, failed int) {
	results := make([]itemResult, len(batch))

	var g errgroup.Group
	g.SetLimit(e.batchSize)
	for i, it := range batch {
		g.Go(func() error {
			results[i] = e.processItem(ctx, t, it)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if !r.ok {
			failed++
			continue
		}
		ok++
		if r.asset != nil {
			assets = append(assets, *r.asset)
		}
	}
	return assets, ok, failed
}

func (e *Engine) processItem(ctx context.Context, t *Task, it Item) (res itemResult) {
	lg := zerolog.Ctx(ctx)
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Str("item", it.UniqueID).Msg("batch item panicked")
			res = itemResult{}
		}
		outcome := metrics.OutcomeOK
		if !res.ok {
			outcome = metrics.OutcomeFailed
		}
		metrics.BatchItems.WithLabelValues(string(t.Mode), outcome).Inc()
	}()

	content, err := e.deps.Catalog.FetchItemContent(ctx, it)
	if err != nil {
		lg.Warn().Err(err).Str("item", it.UniqueID).Msg("item download failed")
		return itemResult{}
	}
	a := ItemAsset(t.Source, t.CollectionID, it, content)

	if t.Mode == ModeForward {
		out, err := e.deps.Forwarder.Relay(ctx, a)
		if err != nil {
			lg.Warn().Err(err).Str("item", it.UniqueID).Msg("item relay failed")
			return itemResult{}
		}
		if out != services.RelaySent {
			lg.Warn().Str("item", it.UniqueID).Str("outcome", string(out)).Msg("item not delivered")
			return itemResult{}
		}
		return itemResult{ok: true}
	}

	n, err := e.deps.Normalizer.Normalize(ctx, a)
	if err != nil {
		ev := lg.Warn()
		if !errors.Is(err, services.ErrUnsupportedMedia) {
			ev = lg.Error()
		}
		ev.Err(err).Str("item", it.UniqueID).Msg("item normalize failed")
		return itemResult{}
	}
	return itemResult{asset: &n, ok: true}
}

// edit updates the task's status message. The stop control is shown only
// while offered and no stop was requested yet. Edit failures are logged and
// otherwise ignored.
func (e *Engine) edit(ctx context.Context, t *Task, text string, offerStop bool) {
	if e.deps.Status == nil {
		return
	}
	var c *CancelAffordance
	if offerStop && !t.CancelRequested() {
		c = &CancelAffordance{TaskID: t.ID, Label: stopLabel}
	}
	if err := e.deps.Status.EditStatus(ctx, t.StatusRef, text, c); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("ref", t.StatusRef).Msg("status edit failed")
	}
}
