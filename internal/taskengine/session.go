package taskengine

import (
	"sync"
)

// PluginSessionSnapshot is the Task Engine's locally-cached view of one
// remote Plugin Session: its last-known state summary plus the local
// bookkeeping the reconciliation loop needs (spec.md §3 ScanSession).
type PluginSessionSnapshot struct {
	ID            string                   `json:"id"`
	PluginName    string                   `json:"plugin_name"`
	State         string                   `json:"state"`
	Progress      interface{}              `json:"progress"`
	Issues        []map[string]interface{} `json:"issues,omitempty"`
	HasArtifacts  bool                     `json:"-"`
	Done          bool                     `json:"-"` // final results already fetched
}

// ScanSession is one plan execution (spec.md §3).
type ScanSession struct {
	mu sync.Mutex

	id            string
	plan          Plan
	target        string
	state         State
	pluginSessions []*PluginSessionSnapshot

	deleteWhenStopped bool
	persisted         bool // true once written to the Scan Store (the "exactly once" invariant)
}

// NewScanSession allocates a ScanSession in CREATED state. No remote Plugin
// Sessions exist yet; those are created synchronously by the caller right
// after construction (spec.md §4.3), which is why pluginSessions is built
// from the caller-supplied ids rather than here.
func NewScanSession(id string, plan Plan, target string, pluginSessionIDs []string) *ScanSession {
	sessions := make([]*PluginSessionSnapshot, len(pluginSessionIDs))
	for i, sid := range pluginSessionIDs {
		sessions[i] = &PluginSessionSnapshot{
			ID:         sid,
			PluginName: plan.Workflow[i].PluginName,
			State:      "CREATED",
		}
	}
	return &ScanSession{
		id:             id,
		plan:           plan,
		target:         target,
		state:          StateCreated,
		pluginSessions: sessions,
	}
}

func (s *ScanSession) ID() string { return s.id }

func (s *ScanSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestTransition applies a client-triggered transition (START or STOP).
func (s *ScanSession) RequestTransition(transition RequestedTransition) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, err := clientNextState(s.state, transition)
	if err != nil {
		return "", err
	}
	s.state = target
	return target, nil
}

// MarkDeleteWhenStopped sets the flag consumed by the reconciliation loop
// when DELETE is called on a still-running scan (spec.md §3).
func (s *ScanSession) MarkDeleteWhenStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteWhenStopped = true
	if s.state == StateStarted || s.state == StateCreated {
		s.state = StateStopping
	}
}

// DeleteWhenStopped reports the flag's value.
func (s *ScanSession) DeleteWhenStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhenStopped
}

// Snapshots returns a copy of the plugin-session snapshot slice, safe for
// the caller to read without holding the scan's lock.
func (s *ScanSession) Snapshots() []*PluginSessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PluginSessionSnapshot, len(s.pluginSessions))
	copy(out, s.pluginSessions)
	return out
}

// AllTerminal reports whether every plugin-session snapshot is in a
// terminal remote state.
func (s *ScanSession) AllTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.pluginSessions {
		if !isTerminalRemoteState(ps.State) {
			return false
		}
	}
	return true
}

// AnyFailed reports whether at least one plugin-session snapshot is FAILED.
func (s *ScanSession) AnyFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.pluginSessions {
		if ps.State == "FAILED" {
			return true
		}
	}
	return false
}

// CommitTerminal moves the scan to its final state once the reconciliation
// loop has observed every plugin session terminal (spec.md §4.3's table).
// It is a no-op if the scan is already terminal.
func (s *ScanSession) CommitTerminal() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state
	}
	switch s.state {
	case StateStopping:
		s.state = StateStopped
	case StateStarted:
		if s.anyFailedLocked() {
			s.state = StateFailed
		} else {
			s.state = StateFinished
		}
	}
	return s.state
}

func (s *ScanSession) anyFailedLocked() bool {
	for _, ps := range s.pluginSessions {
		if ps.State == "FAILED" {
			return true
		}
	}
	return false
}

// ShouldPersist reports whether the terminal transition just committed
// should be written to the Scan Store: every terminal transition persists
// exactly once, except STOPPING→STOPPED with delete_when_stopped=true.
func (s *ScanSession) ShouldPersist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persisted {
		return false
	}
	if s.state == StateStopped && s.deleteWhenStopped {
		return false
	}
	return true
}

// MarkPersisted records that the scan has been written to the store.
func (s *ScanSession) MarkPersisted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = true
}

// UpdateSnapshot overwrites the cached remote state/progress for one
// plugin-session id.
func (s *ScanSession) UpdateSnapshot(id, state string, progress interface{}, hasArtifacts bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.pluginSessions {
		if ps.ID == id {
			ps.State = state
			ps.Progress = progress
			ps.HasArtifacts = hasArtifacts
			return
		}
	}
}

// SetIssues overwrites the cached issue list for one plugin-session id.
// done is only latched to true when the plugin session has actually
// reached FINISHED; fetching results while it is still STARTED must not
// stop future ticks from re-fetching (spec.md §8 scenario #5).
func (s *ScanSession) SetIssues(id string, issues []map[string]interface{}, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.pluginSessions {
		if ps.ID == id {
			ps.Issues = issues
			if done {
				ps.Done = true
			}
			return
		}
	}
}

// MarkFailedLocally force-sets a plugin session's cached state to FAILED,
// used when a transient transport error during reconciliation must not
// stall the scan indefinitely (spec.md §4.4).
func (s *ScanSession) MarkFailedLocally(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.pluginSessions {
		if ps.ID == id {
			ps.State = "FAILED"
			ps.Done = true
			return
		}
	}
}

func isTerminalRemoteState(state string) bool {
	switch state {
	case "FINISHED", "FAILED", "STOPPED":
		return true
	default:
		return false
	}
}

// Summary is the wire representation of a ScanSession.
type Summary struct {
	Id             string                   `json:"id"`
	Plan           Plan                     `json:"plan"`
	Target         string                   `json:"target"`
	State          State                    `json:"state"`
	PluginSessions []*PluginSessionSnapshot `json:"plugin_sessions"`
}

func (s *ScanSession) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*PluginSessionSnapshot, len(s.pluginSessions))
	copy(sessions, s.pluginSessions)
	return Summary{
		Id:             s.id,
		Plan:           s.plan,
		Target:         s.target,
		State:          s.state,
		PluginSessions: sessions,
	}
}
