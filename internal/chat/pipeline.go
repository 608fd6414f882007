package chat

import (
	"context"

	"github.com/selahlabs/selah/internal/domain"
)

// Pipeline appends user messages, manages the assistant placeholder for each
// send, and reconciles streamed content into it. Every operation tolerates a
// concurrently deleted target as a silent no-op.
type Pipeline struct {
	store *Store
}

// NewPipeline creates a pipeline over the given store.
func NewPipeline(store *Store) *Pipeline {
	return &Pipeline{store: store}
}

// AppendOptimistic appends the user's message and a pending assistant
// placeholder in one atomic step, so no observer ever sees the user message
// without its placeholder. The placeholder id is stable for the lifetime of
// the send; nothing ever re-keys it.
func (p *Pipeline) AppendOptimistic(ctx context.Context, userID, sessionID, userText string) (userMsg, placeholder domain.Message) {
	userMsg = domain.NewMessage(sessionID, domain.RoleUser, userText, domain.StatusComplete)
	placeholder = domain.NewMessage(sessionID, domain.RoleAssistant, "", domain.StatusPending)
	p.store.Append(ctx, userID, sessionID, userMsg, placeholder)
	return userMsg, placeholder
}

// AppendDelta concatenates a streamed chunk onto the placeholder. The first
// delta flips the placeholder from pending to streaming.
func (p *Pipeline) AppendDelta(ctx context.Context, userID, sessionID, messageID, chunk string) {
	streaming := domain.StatusStreaming
	p.store.Replace(ctx, userID, sessionID, messageID, MessagePatch{
		AppendContent: &chunk,
		SetStatus:     &streaming,
	})
}

// Finalize marks the placeholder complete. When the terminal event carries
// authoritative full text, it replaces the accumulated content, guarding
// against any dropped delta.
func (p *Pipeline) Finalize(ctx context.Context, userID, sessionID, messageID string, finalText *string) {
	complete := domain.StatusComplete
	p.store.Replace(ctx, userID, sessionID, messageID, MessagePatch{
		SetContent: finalText,
		SetStatus:  &complete,
	})
}

// Fail marks the placeholder failed and appends a system message describing
// the failure. The failed message keeps whatever partial content it
// accumulated so the user can inspect it; nothing is removed and nothing is
// retried automatically.
func (p *Pipeline) Fail(ctx context.Context, userID, sessionID, messageID, reason string) {
	sess, ok := p.store.Get(userID, sessionID)
	if !ok || sess.FindMessage(messageID) < 0 {
		return
	}

	failed := domain.StatusFailed
	p.store.Replace(ctx, userID, sessionID, messageID, MessagePatch{
		SetStatus: &failed,
	})
	notice := domain.NewMessage(sessionID, domain.RoleSystem,
		"The reply could not be completed: "+reason, domain.StatusComplete)
	p.store.Append(ctx, userID, sessionID, notice)
}
