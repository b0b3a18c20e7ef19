package prompt

import (
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/models"
)

func TestDecideResumeFork(t *testing.T) {
	session := &models.Session{
		Genealogy: models.Genealogy{ForkedFromSessionID: "parent-1"},
	}
	decision := DecideResume(session, time.Now(), false, false)
	if decision.Kind != ResumeFork {
		t.Fatalf("expected ResumeFork, got %s", decision.Kind)
	}
	resolved := ResolveForkParentToken(decision, "parent-sdk-id")
	if resolved.SDKSessionID != "parent-sdk-id" {
		t.Fatalf("expected parent token attached, got %q", resolved.SDKSessionID)
	}
}

func TestDecideResumeSpawn(t *testing.T) {
	session := &models.Session{
		Genealogy: models.Genealogy{ParentSessionID: "parent-1"},
	}
	decision := DecideResume(session, time.Now(), false, false)
	if decision.Kind != ResumeFresh {
		t.Fatalf("spawn must not resume the parent, got %s", decision.Kind)
	}
	if decision.SDKSessionID != "" {
		t.Fatalf("spawn must carry no sdk_session_id, got %q", decision.SDKSessionID)
	}
}

func TestDecideResumeContinue(t *testing.T) {
	session := &models.Session{SDKSessionID: "own-token", LastUpdated: time.Now()}
	decision := DecideResume(session, time.Now(), false, false)
	if decision.Kind != ResumeContinue || decision.SDKSessionID != "own-token" {
		t.Fatalf("expected continue with own token, got %+v", decision)
	}
}

func TestDecideResumeStaleDiscardsToken(t *testing.T) {
	session := &models.Session{SDKSessionID: "own-token", LastUpdated: time.Now().Add(-48 * time.Hour)}
	decision := DecideResume(session, time.Now(), false, false)
	if decision.Kind != ResumeFresh {
		t.Fatalf("expected stale token to force fresh start, got %s", decision.Kind)
	}

	session2 := &models.Session{SDKSessionID: "own-token", LastUpdated: time.Now()}
	if d := DecideResume(session2, time.Now(), true, false); d.Kind != ResumeFresh {
		t.Fatalf("missing worktree should force fresh start, got %s", d.Kind)
	}
	if d := DecideResume(session2, time.Now(), false, true); d.Kind != ResumeFresh {
		t.Fatalf("mcp added after update should force fresh start, got %s", d.Kind)
	}
}
