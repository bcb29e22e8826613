package merge

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// mergeBoth concatenates ours and theirs, deduplicating lines the
// SequenceMatcher finds equal between the two sides rather than naively
// appending both in full (which would double up any line both branches
// left untouched).
func mergeBoth(ours, theirs string) string {
	oursLines := strings.Split(ours, "\n")
	theirsLines := strings.Split(theirs, "\n")

	matcher := difflib.NewMatcher(oursLines, theirsLines)
	var out []string
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			out = append(out, oursLines[op.I1:op.I2]...)
		case 'r':
			out = append(out, oursLines[op.I1:op.I2]...)
			out = append(out, theirsLines[op.J1:op.J2]...)
		case 'd':
			out = append(out, oursLines[op.I1:op.I2]...)
		case 'i':
			out = append(out, theirsLines[op.J1:op.J2]...)
		}
	}
	return strings.Join(out, "\n")
}

// Resolve applies h.Strategy and fills h.Resolved. For StrategyAssisted it
// calls resolver; a decline (or a nil resolver) falls back to manual,
// leaving Resolved empty and Strategy downgraded so the caller can tell
// resolution did not complete.
func Resolve(file string, h *Hunk, resolver AssistedResolver) {
	switch h.Strategy {
	case StrategyOurs:
		h.Resolved = h.Ours
	case StrategyTheirs:
		h.Resolved = h.Theirs
	case StrategyBoth:
		h.Resolved = mergeBoth(h.Ours, h.Theirs)
	case StrategyAssisted:
		var base *string
		if h.Base != "" {
			base = &h.Base
		}
		if resolver != nil {
			if resolution, _, ok := resolver.Resolve(file, h.Ours, h.Theirs, base); ok {
				h.Resolved = resolution
				return
			}
		}
		h.Strategy = StrategyManual
	}
}

// ResolveConflict applies Resolve to every hunk of c.
func ResolveConflict(c *Conflict, resolver AssistedResolver) {
	for i := range c.Hunks {
		Resolve(c.File, &c.Hunks[i], resolver)
	}
}

// Unresolved returns the hunks of c that are still StrategyManual after
// ResolveConflict has run.
func Unresolved(c Conflict) []Hunk {
	var out []Hunk
	for _, h := range c.Hunks {
		if h.Strategy == StrategyManual {
			out = append(out, h)
		}
	}
	return out
}
