// Package providers wires the full vendor driver set into a
// prompt.Driver, shared by the daemon's in-process execution path and the
// standalone executor binary so both register identical tool support.
package providers

import (
	"context"
	"log/slog"
	"os"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/normalizer"
	"github.com/agor-dev/agor/internal/prompt"
	"github.com/agor-dev/agor/internal/prompt/providers/claude"
	"github.com/agor-dev/agor/internal/prompt/providers/codex"
	"github.com/agor-dev/agor/internal/prompt/providers/gemini"
	"github.com/agor-dev/agor/internal/prompt/providers/opencode"
)

// Deps carries everything the vendor drivers need. Keys left empty fall
// back to each vendor's conventional environment variable inside its
// constructor. Executor and Catalog may be nil when no host-fulfilled
// tools are exposed.
type Deps struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	History   prompt.History
	Executor  prompt.ToolExecutor
	Catalog   prompt.ToolCatalog
	PriorTask normalizer.PriorTaskLookup
}

// Register installs every available vendor driver on driver. Claude,
// Codex, and OpenCode always register (their constructors perform no
// network work); Gemini registers only when a key is present, since its
// client authenticates at construction and a keyless daemon would
// otherwise pay the auth timeout on every start.
func Register(ctx context.Context, log *slog.Logger, driver *prompt.Driver, deps Deps) {
	driver.Register(claude.New(log, deps.AnthropicAPIKey, deps.History, deps.Executor, deps.Catalog))
	driver.Register(codex.New(log, deps.OpenAIAPIKey, deps.History, deps.Executor, deps.Catalog, deps.PriorTask))
	driver.Register(opencode.New(log))

	if deps.GeminiAPIKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
		log.Info("gemini provider disabled, no api key configured", "tool", models.ToolGemini)
		return
	}
	g, err := gemini.New(ctx, log, deps.GeminiAPIKey, deps.History, deps.Executor, deps.Catalog)
	if err != nil {
		log.Warn("gemini provider unavailable", "error", err)
		return
	}
	driver.Register(g)
}

// MessageLister is the read surface HistoryFromService adapts; the
// service layer satisfies it.
type MessageLister interface {
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// HistoryFromService adapts the service layer's message reads to
// prompt.History for drivers that replay the full transcript per call.
func HistoryFromService(svc MessageLister) prompt.History {
	return serviceHistory{svc: svc}
}

type serviceHistory struct {
	svc MessageLister
}

func (h serviceHistory) MessagesForSession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return h.svc.ListMessages(ctx, sessionID, 0)
}
