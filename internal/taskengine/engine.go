package taskengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/minion-security/minion/internal/pluginclient"
)

var ErrNoSuchScan = errors.New("no-such-scan")

// tickInterval is the idler's period (spec.md §4.4).
const tickInterval = 2 * time.Second

// evictionDelay is how long a terminal scan stays in the live map after
// its terminal transition, to give polling clients time to read final
// results (spec.md §4.4).
const evictionDelay = 60 * time.Second

// EngineConfig bundles the fixed parameters the Scan Engine needs.
type EngineConfig struct {
	Plans         *PlanRegistry
	Store         Store
	Client        *pluginclient.Client
	ArtifactsPath string
	Logger        zerolog.Logger
	MaxConcurrentScans int // bounds the per-tick fan-out; <=0 selects 32
}

// Engine is the collection of live Scan Sessions plus the periodic
// reconciliation driver (the "idler") that steps every one forward
// (spec.md §2 item 6, §4.4).
type Engine struct {
	cfg EngineConfig
	log zerolog.Logger
	bus *EventBus

	mu        sync.Mutex
	scans     map[string]*ScanSession
	evictions map[string]*time.Timer

	tickSem chan struct{}
	metrics *MetricsSubscriber
}

// NewEngine constructs an Engine and wires its default subscribers.
func NewEngine(cfg EngineConfig) (*Engine, *MetricsSubscriber) {
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = 32
	}
	bus := NewEventBus(256)
	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		bus:       bus,
		scans:     map[string]*ScanSession{},
		evictions: map[string]*time.Timer{},
		tickSem:   make(chan struct{}, cfg.MaxConcurrentScans),
	}
	bus.Subscribe("log", NewLogSubscriber(cfg.Logger).Handle)
	metrics := NewMetricsSubscriber()
	bus.Subscribe("metrics", metrics.Handle)
	e.metrics = metrics
	return e, metrics
}

// Plans exposes the plan registry for the HTTP surface.
func (e *Engine) Plans() *PlanRegistry { return e.cfg.Plans }

// MetricsSnapshot returns a point-in-time copy of the reconciliation counters.
func (e *Engine) MetricsSnapshot() map[string]int64 { return e.metrics.Snapshot() }

// CreateScan synchronously creates one remote Plugin Session per workflow
// step, in plan order, then registers the ScanSession in the live map
// (spec.md §4.3).
func (e *Engine) CreateScan(planName, target string) (*ScanSession, error) {
	plan, err := e.cfg.Plans.Get(planName)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(plan.Workflow))
	for i, step := range plan.Workflow {
		merged := make(map[string]interface{}, len(step.Configuration)+1)
		for k, v := range step.Configuration {
			merged[k] = v
		}
		merged["target"] = target

		summary, err := e.cfg.Client.CreateSession(step.PluginName, merged)
		if err != nil {
			return nil, fmt.Errorf("taskengine: creating plugin session for step %q: %w", step.PluginName, err)
		}
		ids[i] = summary.Id
	}

	scanID := uuid.NewString()
	scan := NewScanSession(scanID, plan, target, ids)

	e.mu.Lock()
	e.scans[scanID] = scan
	e.mu.Unlock()
	return scan, nil
}

// ResolvePlan returns the named plan with each step's plugin descriptor
// resolved via the Plugin Service (spec.md §6.2 GET /plan/<name>).
func (e *Engine) ResolvePlan(name string) (ResolvedPlan, error) {
	plan, err := e.cfg.Plans.Get(name)
	if err != nil {
		return ResolvedPlan{}, err
	}
	steps := make([]ResolvedWorkflowStep, len(plan.Workflow))
	for i, step := range plan.Workflow {
		descriptor, err := e.cfg.Client.GetPlugin(step.PluginName)
		if err != nil {
			return ResolvedPlan{}, fmt.Errorf("taskengine: resolving plugin %q: %w", step.PluginName, err)
		}
		steps[i] = ResolvedWorkflowStep{
			PluginName:       step.PluginName,
			Description:      step.Description,
			Configuration:    step.Configuration,
			PluginDescriptor: descriptor,
		}
	}
	return ResolvedPlan{Name: plan.Name, Description: plan.Description, Workflow: steps}, nil
}

// GetScan checks the Scan Store first, then the live engine (spec.md §6.2).
func (e *Engine) GetScan(id string) (*Summary, error) {
	if summary, err := e.cfg.Store.Load(id); err != nil {
		return nil, err
	} else if summary != nil {
		return summary, nil
	}
	e.mu.Lock()
	scan, ok := e.scans[id]
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchScan
	}
	s := scan.Summary()
	return &s, nil
}

// RequestTransition applies a client-triggered START/STOP to a live scan.
func (e *Engine) RequestTransition(id string, transition RequestedTransition) (State, error) {
	e.mu.Lock()
	scan, ok := e.scans[id]
	e.mu.Unlock()
	if !ok {
		return "", ErrNoSuchScan
	}
	return scan.RequestTransition(transition)
}

// DeleteScan implements spec.md §6.2's DELETE semantics: if live, stop with
// the delete flag (the idler will clean it up and skip persistence); else
// remove any stored summary.
func (e *Engine) DeleteScan(id string) error {
	e.mu.Lock()
	scan, ok := e.scans[id]
	e.mu.Unlock()
	if ok {
		scan.MarkDeleteWhenStopped()
		return nil
	}
	return e.cfg.Store.Delete(id)
}

// Results returns incremental issues since the decoded token, plus the next
// resumable token (spec.md §4.3).
func (e *Engine) Results(id, token string) (*Summary, string, error) {
	since, err := DecodeToken(token)
	if err != nil {
		return nil, "", err
	}

	e.mu.Lock()
	scan, ok := e.scans[id]
	e.mu.Unlock()
	if !ok {
		stored, err := e.cfg.Store.Load(id)
		if err != nil {
			return nil, "", err
		}
		if stored == nil {
			return nil, "", ErrNoSuchScan
		}
		return filterSummary(*stored, since)
	}

	summary := scan.Summary()
	return filterSummary(summary, since)
}

func filterSummary(summary Summary, since string) (*Summary, string, error) {
	maxSeen := since
	filtered := make([]*PluginSessionSnapshot, len(summary.PluginSessions))
	allTerminal := true
	for i, ps := range summary.PluginSessions {
		var kept []map[string]interface{}
		for _, issue := range ps.Issues {
			date, _ := issue["Date"].(string)
			if date > since {
				kept = append(kept, issue)
				maxSeen = maxTimestamp(maxSeen, date)
			}
		}
		cp := *ps
		cp.Issues = kept
		filtered[i] = &cp
		if !isTerminalRemoteState(ps.State) {
			allTerminal = false
		}
	}
	summary.PluginSessions = filtered

	token := ""
	if !allTerminal {
		token = EncodeToken(maxSeen)
	}
	return &summary, token, nil
}

// ArtifactPath returns the path of the artifact zip already cached by the
// reconciliation loop for a plugin session of scan scanID. It does not fetch
// from the Plugin Service; if no cached file exists it returns os.ErrNotExist.
func (e *Engine) ArtifactPath(scanID, pluginSessionID string) (string, error) {
	e.mu.Lock()
	_, ok := e.scans[scanID]
	e.mu.Unlock()
	if !ok {
		if stored, err := e.cfg.Store.Load(scanID); err != nil || stored == nil {
			return "", ErrNoSuchScan
		}
	}
	path := filepath.Join(e.cfg.ArtifactsPath, pluginSessionID+".zip")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", os.ErrNotExist
}

// Run starts the idler: a 2-second ticker that reconciles every live scan
// (spec.md §4.4), adapted from the teacher's daemon.Run ticker shape.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick fans out one goroutine per live scan — generalized from the
// teacher's daemon.Pool.Execute, which fans out one goroutine per resource
// group — bounded by tickSem, and processes each scan's plugin sessions
// sequentially within that goroutine.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	live := make([]*ScanSession, 0, len(e.scans))
	for _, scan := range e.scans {
		live = append(live, scan)
	}
	e.mu.Unlock()

	e.bus.PublishTyped(EventTickStart, TickPayload{LiveScans: len(live)})
	start := time.Now()

	var wg sync.WaitGroup
	for _, scan := range live {
		scan := scan
		wg.Add(1)
		e.tickSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-e.tickSem }()
			e.processScan(ctx, scan)
		}()
	}
	wg.Wait()

	e.bus.PublishTyped(EventTickEnd, TickPayload{LiveScans: len(live), Duration: time.Since(start)})
}

// processScan performs at most one action per plugin session, then checks
// whether the scan as a whole has become terminal (spec.md §4.4).
func (e *Engine) processScan(ctx context.Context, scan *ScanSession) {
	if scan.State().Terminal() {
		return
	}

	snapshots := scan.Snapshots()
	scanState := scan.State()

	for _, ps := range snapshots {
		action := e.processPluginSession(ctx, scan, scanState, ps)
		if action == actionStarted {
			// "only one start per tick per scan" (spec.md §4.4)
			break
		}
	}

	if scan.AllTerminal() {
		e.settleScan(scan)
	}
}

type tickAction int

const (
	actionNone tickAction = iota
	actionStarted
	actionResultsFetched
	actionStopped
	actionFailedLocally
)

// processPluginSession applies the single reconciliation action appropriate
// to one plugin-session snapshot, per the table in spec.md §4.4. Any
// transport error marks only this plugin session FAILED locally and
// returns without propagating — the crucial partial-failure policy
// (spec.md §4.4, §7): the tick continues for every other plugin session.
func (e *Engine) processPluginSession(ctx context.Context, scan *ScanSession, scanState State, ps *PluginSessionSnapshot) tickAction {
	if !isTerminalRemoteState(ps.State) {
		summary, err := e.cfg.Client.GetSession(ps.ID)
		if err != nil {
			e.failLocally(scan, ps, err)
			return actionFailedLocally
		}
		scan.UpdateSnapshot(ps.ID, summary.State, summary.Progress, hasArtifacts(summary))
		// UpdateSnapshot mutates the same struct ps points at (Snapshots
		// copies the pointer slice, not the structs), so ps already
		// reflects the refreshed state here.
	}

	switch {
	case scanState == StateStarted && ps.State == "CREATED":
		if err := e.cfg.Client.SetState(ps.ID, "START"); err != nil {
			e.failLocally(scan, ps, err)
			return actionFailedLocally
		}
		return actionStarted

	case scanState == StateStarted && (ps.State == "STARTED" || ps.State == "FINISHED") && !ps.Done:
		_, issues, err := e.cfg.Client.Results(ps.ID)
		if err != nil {
			e.failLocally(scan, ps, err)
			return actionFailedLocally
		}
		finished := ps.State == "FINISHED"
		scan.SetIssues(ps.ID, issues, finished)
		if finished && ps.HasArtifacts {
			e.fetchArtifacts(ps.ID)
		}
		return actionResultsFetched

	case scanState == StateStopping && !isTerminalRemoteState(ps.State) && ps.State != "STOPPING":
		if err := e.cfg.Client.SetState(ps.ID, "STOP"); err != nil {
			e.failLocally(scan, ps, err)
			return actionFailedLocally
		}
		return actionStopped
	}
	return actionNone
}

func (e *Engine) failLocally(scan *ScanSession, ps *PluginSessionSnapshot, cause error) {
	scan.MarkFailedLocally(ps.ID)
	e.bus.PublishTyped(EventPluginSessionFailedLocally, PluginSessionEventPayload{
		ScanID:          scan.ID(),
		PluginSessionID: ps.ID,
		State:           "FAILED",
		Reason:          cause.Error(),
	})
}

func (e *Engine) fetchArtifacts(pluginSessionID string) {
	data, ok, err := e.cfg.Client.Artifacts(pluginSessionID)
	if err != nil || !ok {
		if err != nil {
			e.log.Warn().Err(err).Str("plugin_session_id", pluginSessionID).Msg("artifact fetch failed")
		}
		return
	}
	if err := os.MkdirAll(e.cfg.ArtifactsPath, 0755); err != nil {
		e.log.Warn().Err(err).Msg("creating artifacts directory")
		return
	}
	path := filepath.Join(e.cfg.ArtifactsPath, pluginSessionID+".zip")
	if err := os.WriteFile(path, data, 0644); err != nil {
		e.log.Warn().Err(err).Str("path", path).Msg("writing cached artifact")
	}
}

// settleScan commits the scan's terminal transition, persists it per the
// exactly-once rule, best-effort deletes every constituent plugin session,
// and schedules the scan's eviction from the live map.
func (e *Engine) settleScan(scan *ScanSession) {
	prior := scan.State()
	if prior.Terminal() {
		return
	}
	final := scan.CommitTerminal()
	e.bus.PublishTyped(EventScanTerminal, ScanTerminalPayload{ScanID: scan.ID(), State: final})

	if scan.ShouldPersist() {
		if err := e.cfg.Store.Store(scan.Summary()); err != nil {
			e.log.Warn().Err(err).Str("scan_id", scan.ID()).Msg("storing scan summary failed")
		} else {
			scan.MarkPersisted()
		}
	}

	for _, ps := range scan.Snapshots() {
		if err := e.cfg.Client.DeleteSession(ps.ID); err != nil {
			e.log.Warn().Err(err).Str("plugin_session_id", ps.ID).Msg("deleting plugin session failed")
		}
	}

	e.scheduleEviction(scan.ID())
}

func (e *Engine) scheduleEviction(scanID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.evictions[scanID]; exists {
		return
	}
	e.evictions[scanID] = time.AfterFunc(evictionDelay, func() {
		e.mu.Lock()
		delete(e.scans, scanID)
		delete(e.evictions, scanID)
		e.mu.Unlock()
	})
}

func hasArtifacts(s pluginclient.SessionSummary) bool {
	for _, paths := range s.Artifacts {
		if len(paths) > 0 {
			return true
		}
	}
	return false
}
