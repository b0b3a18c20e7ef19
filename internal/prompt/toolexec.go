package prompt

import (
	"context"
	"encoding/json"

	"github.com/agor-dev/agor/internal/models"
)

// ToolExecutor is the external collaborator that actually runs a tool
// once the permission gate allows it. The concrete tool
// implementations (shell, file edits, MCP calls) live outside the core —
// this interface is the seam the core's prompt drivers call through,
// mirroring how the real vendor SDKs run tools internally and only call
// back into the host for the permission decision.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, input json.RawMessage) (result string, isError bool, err error)
}

// ToolSchema describes one callable tool in vendor-neutral form; each
// provider converts it to its own SDK's function/tool declaration type.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCatalog supplies the tool declarations a provider advertises to its
// vendor SDK for a turn. Distinct from ToolExecutor: a tool can be
// declared without the model ever calling it, and the declaration (name,
// description, JSON schema) is vendor-neutral while execution is not.
type ToolCatalog interface {
	Schemas(ctx context.Context) ([]ToolSchema, error)
}

// History supplies prior turns for vendor SDKs (the raw Messages-style
// APIs) that require the full conversation replayed on every call, since
// they have no native server-side continuation token of their own beyond
// the one Agor tracks as sdk_session_id.
type History interface {
	MessagesForSession(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// maxToolLoopIterations bounds any provider's host-fulfilled tool
// execution loop. The cap exists for the Gemini driver
// specifically (its vendor SDK expects the host to resolve tool calls
// before continuing the turn); this implementation reuses the same
// safety bound for every provider's tool loop, since none of the vendor
// Go SDKs in use hide multi-turn tool execution internally
// the way the TypeScript Claude Agent SDK does.
const maxToolLoopIterations = 50

// MaxToolLoopIterations exposes the safety cap to provider packages.
func MaxToolLoopIterations() int { return maxToolLoopIterations }
