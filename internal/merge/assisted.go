package merge

import (
	"context"
	"strings"
	"time"

	"github.com/clod/orchestrator/internal/backend"
)

// resolveTimeout bounds one resolver invocation; a hunk the model cannot
// settle quickly is better handed to the operator than left holding the
// merge critical section.
const resolveTimeout = 2 * time.Minute

// BackendResolver adapts an agent backend into the AssistedResolver
// contract. Each hunk becomes one prompt carrying only the conflicting
// text (and the common ancestor when known); the backend never sees the
// repository, so the contract's no-filesystem requirement holds on this
// side of the fence. The backend is instructed to answer DECLINE when it
// cannot produce a safe merge; that, an error, and an empty reply all
// count as declining.
type BackendResolver struct {
	backend backend.Backend
}

// NewBackendResolver wraps b as an AssistedResolver.
func NewBackendResolver(b backend.Backend) *BackendResolver {
	return &BackendResolver{backend: b}
}

// Resolve implements AssistedResolver.
func (r *BackendResolver) Resolve(filePath, ours, theirs string, base *string) (resolution, explanation string, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	resp, err := r.backend.Send(ctx, backend.Message{
		Content: resolvePrompt(filePath, ours, theirs, base),
		Role:    "user",
	})
	if err != nil {
		return "", "", false
	}

	resolution, explanation = splitResolution(resp.Content)
	if resolution == "" || strings.EqualFold(strings.TrimSpace(resolution), "DECLINE") {
		return "", "", false
	}
	return resolution, explanation, true
}

func resolvePrompt(filePath, ours, theirs string, base *string) string {
	var b strings.Builder
	b.WriteString("Merge this conflicting hunk from ")
	b.WriteString(filePath)
	b.WriteString(".\nReply with the merged text in a fenced code block, plus at most two sentences of explanation outside it. If the two sides cannot be combined safely, reply with exactly DECLINE.\n")
	if base != nil {
		b.WriteString("\nCommon ancestor:\n```\n")
		b.WriteString(*base)
		b.WriteString("\n```\n")
	}
	b.WriteString("\nOur side:\n```\n")
	b.WriteString(ours)
	b.WriteString("\n```\n\nTheir side:\n```\n")
	b.WriteString(theirs)
	b.WriteString("\n```\n")
	return b.String()
}

// splitResolution separates the first fenced code block (the resolution)
// from the surrounding prose (the explanation). A reply with no fence is
// treated as resolution text in full.
func splitResolution(content string) (resolution, explanation string) {
	start := strings.Index(content, "```")
	if start < 0 {
		return strings.TrimSpace(content), ""
	}

	afterFence := content[start+3:]
	// Skip an optional language tag on the fence line.
	if nl := strings.IndexByte(afterFence, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(afterFence[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, " \t") {
			afterFence = afterFence[nl+1:]
		} else if firstLine == "" {
			afterFence = afterFence[nl+1:]
		}
	}

	end := strings.Index(afterFence, "```")
	if end < 0 {
		return strings.TrimSpace(afterFence), strings.TrimSpace(content[:start])
	}

	resolution = strings.TrimRight(afterFence[:end], "\n")
	explanation = strings.TrimSpace(content[:start] + " " + afterFence[end+3:])
	return resolution, explanation
}
