package taskengine

import "testing"

func testPlan() Plan {
	return Plan{
		Name: "tickle",
		Workflow: []WorkflowStep{
			{PluginName: "HSTSPlugin"},
			{PluginName: "XFrameOptionsPlugin"},
		},
	}
}

func TestNewScanSessionStartsCreated(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1", "ps-2"})
	if s.State() != StateCreated {
		t.Fatalf("new scan state = %s, want CREATED", s.State())
	}
	snaps := s.Snapshots()
	if len(snaps) != 2 || snaps[0].PluginName != "HSTSPlugin" || snaps[1].PluginName != "XFrameOptionsPlugin" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestScanSessionRequestTransition(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1"})
	if _, err := s.RequestTransition(TransitionStart); err != nil {
		t.Fatalf("RequestTransition(START): %v", err)
	}
	if s.State() != StateStarted {
		t.Fatalf("state = %s, want STARTED", s.State())
	}
	if _, err := s.RequestTransition(TransitionStart); err != ErrUnknownStateTransition {
		t.Errorf("second START: want ErrUnknownStateTransition, got %v", err)
	}
	if _, err := s.RequestTransition(TransitionStop); err != nil {
		t.Fatalf("RequestTransition(STOP): %v", err)
	}
	if s.State() != StateStopping {
		t.Fatalf("state = %s, want STOPPING", s.State())
	}
}

func TestScanSessionAllTerminalAndCommit(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1", "ps-2"})
	s.RequestTransition(TransitionStart)

	if s.AllTerminal() {
		t.Fatal("scan with freshly-CREATED plugin sessions should not be all-terminal")
	}

	s.UpdateSnapshot("ps-1", "FINISHED", nil, false)
	s.UpdateSnapshot("ps-2", "FINISHED", nil, false)
	if !s.AllTerminal() {
		t.Fatal("both plugin sessions FINISHED should be all-terminal")
	}

	final := s.CommitTerminal()
	if final != StateFinished {
		t.Errorf("CommitTerminal() = %s, want FINISHED", final)
	}
	// Idempotent once terminal.
	if again := s.CommitTerminal(); again != StateFinished {
		t.Errorf("second CommitTerminal() = %s, want FINISHED (no-op)", again)
	}
}

func TestScanSessionCommitTerminalFailsIfAnyPluginFailed(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1", "ps-2"})
	s.RequestTransition(TransitionStart)
	s.UpdateSnapshot("ps-1", "FINISHED", nil, false)
	s.MarkFailedLocally("ps-2")

	if final := s.CommitTerminal(); final != StateFailed {
		t.Errorf("CommitTerminal() with one FAILED plugin session = %s, want FAILED", final)
	}
}

func TestScanSessionCommitTerminalFromStopping(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1"})
	s.RequestTransition(TransitionStart)
	s.RequestTransition(TransitionStop)
	s.UpdateSnapshot("ps-1", "STOPPED", nil, false)

	if final := s.CommitTerminal(); final != StateStopped {
		t.Errorf("CommitTerminal() from STOPPING = %s, want STOPPED", final)
	}
}

func TestScanSessionShouldPersistExactlyOnce(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1"})
	s.RequestTransition(TransitionStart)
	s.UpdateSnapshot("ps-1", "FINISHED", nil, false)
	s.CommitTerminal()

	if !s.ShouldPersist() {
		t.Fatal("first terminal transition should persist")
	}
	s.MarkPersisted()
	if s.ShouldPersist() {
		t.Error("ShouldPersist() should be false once already persisted")
	}
}

func TestScanSessionDeleteWhileStoppedSkipsPersist(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1"})
	s.RequestTransition(TransitionStart)
	s.MarkDeleteWhenStopped()
	s.UpdateSnapshot("ps-1", "STOPPED", nil, false)
	s.CommitTerminal()

	if s.ShouldPersist() {
		t.Error("a scan stopped via delete_when_stopped should not be persisted")
	}
}

func TestScanSessionDeleteWhileCreatedMovesToStopping(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1"})
	s.MarkDeleteWhenStopped()
	if s.State() != StateStopping {
		t.Errorf("DELETE on a CREATED scan: state = %s, want STOPPING", s.State())
	}
}

func TestScanSessionMarkFailedLocally(t *testing.T) {
	s := NewScanSession("scan-1", testPlan(), "https://example.com", []string{"ps-1"})
	s.MarkFailedLocally("ps-1")
	snaps := s.Snapshots()
	if snaps[0].State != "FAILED" || !snaps[0].Done {
		t.Errorf("MarkFailedLocally: got %+v", snaps[0])
	}
}
