package pluginsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is one Plugin Session: a child process, its lifecycle state, and
// its collected issues/artifacts. All access goes through its methods,
// which hold the internal mutex only around in-memory state, never across
// a suspension point (spec.md §5) — the artifact zip and the child-process
// signal are the two places that do real work, and both are called with the
// mutex already released.
type Session struct {
	mu sync.Mutex

	id               string
	pluginName       string
	descriptor       Descriptor
	configuration    map[string]interface{}
	state            State
	started          *int64
	duration         *float64
	progress         interface{}
	issues           []Issue
	artifacts        ArtifactManifest
	workDirectory    string
	artifactZipPath  string

	binaryPath       string
	pluginServiceAPI string
	stopGrace        time.Duration
	debug            bool

	runner *runner
	log    zerolog.Logger

	nextIssueID func() string
}

// Config bundles the fixed parameters a Session needs to spawn its runner.
type Config struct {
	ID               string
	PluginName       string
	Descriptor       Descriptor
	Configuration    map[string]interface{}
	WorkRoot         string // parent directory; session creates <root>/<id>
	BinaryPath       string
	PluginServiceAPI string
	StopGrace        time.Duration
	Debug            bool
	Logger           zerolog.Logger
	NextIssueID      func() string
}

// New allocates a Session in CREATED state. No child process is spawned;
// session creation is a pure allocation (spec.md §4.2).
func New(cfg Config) *Session {
	return &Session{
		id:               cfg.ID,
		pluginName:       cfg.PluginName,
		descriptor:       cfg.Descriptor,
		configuration:    cfg.Configuration,
		state:            StateCreated,
		artifacts:        ArtifactManifest{},
		workDirectory:    cfg.WorkRoot + "/" + cfg.ID,
		artifactZipPath:  cfg.WorkRoot + "/" + cfg.ID + ".zip",
		binaryPath:       cfg.BinaryPath,
		pluginServiceAPI: cfg.PluginServiceAPI,
		stopGrace:        cfg.StopGrace,
		debug:            cfg.Debug,
		log:              cfg.Logger,
		nextIssueID:      cfg.NextIssueID,
	}
}

func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition applies the requested client transition. It returns
// ErrUnknownStateTransition if not reachable from the current state. On
// success for START, the child process is spawned before the method
// returns (spec.md §4.1: CREATED→STARTED "spawn child" happens on the PUT
// itself — see DESIGN.md Open Question 1). On success for STOP from
// STARTED, SIGUSR1 is sent before returning; the STOPPED settling happens
// later, observed by the exit-watcher goroutine or the reconciliation loop.
func (s *Session) Transition(ctx context.Context, transition RequestedTransition) (State, error) {
	s.mu.Lock()
	target, err := nextState(s.state, transition)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	prior := s.state
	s.state = target
	s.mu.Unlock()

	switch {
	case prior == StateCreated && transition == TransitionStart:
		if err := s.spawn(ctx); err != nil {
			s.mu.Lock()
			s.state = StateFailed
			s.finalizeLocked()
			s.mu.Unlock()
			return StateFailed, nil
		}
	case prior == StateStarted && transition == TransitionStop:
		s.runner.stopCooperative(ctx, s.stopGrace)
	}
	return target, nil
}

// spawn creates the work directory and launches the runner, then starts the
// goroutine that watches for its exit.
func (s *Session) spawn(ctx context.Context) error {
	r, err := newRunner(RunnerConfig{
		BinaryPath:       s.binaryPath,
		PluginName:       s.pluginName,
		WorkRoot:         s.workDirectory,
		SessionID:        s.id,
		PluginServiceAPI: s.pluginServiceAPI,
		Debug:            s.debug,
	})
	if err != nil {
		return err
	}
	if err := r.start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.runner = r
	now := clockNow().Unix()
	s.started = &now
	s.mu.Unlock()

	go s.watchExit(r)
	return nil
}

// watchExit blocks until the runner exits, then applies the resulting
// state transition: a clean exit while STOPPING is STOPPED; a clean exit
// otherwise is FINISHED; anything else is FAILED. A runner-reported finish
// via ReportFinish may have already moved the session to a terminal state,
// in which case this is a no-op.
func (s *Session) watchExit(r *runner) {
	info := <-r.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	switch {
	case info.Clean && s.state == StateStopping:
		s.state = StateStopped
	case info.Clean:
		s.state = StateFinished
	default:
		s.state = StateFailed
	}
	s.finalizeLocked()

	if s.state == StateFinished && !s.artifacts.Empty() {
		base := s.workDirectory
		manifest := s.artifacts
		zipPath := s.artifactZipPath
		go func() {
			if err := packageArtifacts(base, zipPath, manifest); err != nil {
				s.log.Warn().Err(err).Str("session_id", s.id).Msg("artifact packaging failed")
			}
		}()
	}
}

// finalizeLocked sets duration once state has become terminal. Caller holds mu.
func (s *Session) finalizeLocked() {
	if s.started == nil {
		return
	}
	d := float64(clockNow().Unix() - *s.started)
	s.duration = &d
}

// ReportProgress replaces progress with the posted value.
func (s *Session) ReportProgress(progress interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.progress = progress
}

// ReportIssues appends issues, stamping each with a fresh Id and Date.
func (s *Session) ReportIssues(bodies []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	for _, body := range bodies {
		s.issues = append(s.issues, Issue{
			Id:   s.nextIssueID(),
			Date: formatTimestamp(clockNow()),
			Body: body,
		})
	}
}

// ReportArtifacts merges paths into the manifest under name.
func (s *Session) ReportArtifacts(entries []struct {
	Name  string
	Paths []string
}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	for _, e := range entries {
		s.artifacts.Merge(e.Name, e.Paths)
	}
}

// ReportError logs an error report. No state effect (spec.md §9 Open
// Question 3).
func (s *Session) ReportError(detail interface{}) {
	s.log.Warn().Str("session_id", s.id).Interface("detail", detail).Msg("plugin reported error")
}

// ReportFinish sets state to the posted terminal state, iff it is one of
// FINISHED, STOPPED, FAILED, and the session is not already terminal.
func (s *Session) ReportFinish(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil
	}
	switch state {
	case StateFinished, StateStopped, StateFailed:
		s.state = state
		s.finalizeLocked()
		return nil
	default:
		return ErrUnknownState
	}
}

// Configuration returns the opaque configuration handed to the runner.
func (s *Session) Configuration() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configuration
}

// Issues returns issues with Date strictly after since (RFC3339-ish
// lexical comparison, since the format is a fixed-width ISO-8601 string).
func (s *Session) Issues(since string) []Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Issue, 0, len(s.issues))
	for _, iss := range s.issues {
		if iss.Date > since {
			out = append(out, iss)
		}
	}
	return out
}

// ArtifactZipPath returns the path the packaged zip would be written to.
// It does not check whether the file exists; the caller stats the path itself.
func (s *Session) ArtifactZipPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifactZipPath
}

// HasArtifacts reports whether the manifest is non-empty.
func (s *Session) HasArtifacts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.artifacts.Empty()
}

// Summary snapshots the session for wire serialization.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Id:               s.id,
		PluginName:       s.pluginName,
		PluginDescriptor: s.descriptor,
		Configuration:    s.configuration,
		State:            s.state,
		Started:          s.started,
		Duration:         s.duration,
		Progress:         s.progress,
		Artifacts:        s.artifacts.All(),
		WorkDirectory:    s.workDirectory,
	}
}

// formatTimestamp renders t as a microsecond-precision UTC ISO-8601
// timestamp with trailing Z, e.g. "2026-07-31T12:00:00.000000Z" — the same
// format the resumable token wraps (internal/taskengine/token.go).
func formatTimestamp(t time.Time) string {
	return fmt.Sprintf("%sZ", t.UTC().Format("2006-01-02T15:04:05.000000"))
}
