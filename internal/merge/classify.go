package merge

import "strings"

// structuralKeywords flags lines that introduce a named structural
// construct. Used by classifySeverity's high-severity heuristic: a hunk
// where one side declares a construct the other side lacks entirely is a
// diverging-definition conflict, not a simple content disagreement.
var structuralKeywords = []string{"func ", "func(", "type ", "class ", "def ", "interface "}

func isWhitespaceOnlyDiff(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}

func hasStructuralDecl(s string) bool {
	for _, kw := range structuralKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// classifySeverity assigns Severity.
func classifySeverity(h Hunk) Severity {
	if h.Ours == h.Theirs {
		return SeverityLow
	}
	if isWhitespaceOnlyDiff(h.Ours, h.Theirs) {
		return SeverityLow
	}
	if h.Ours == "" || h.Theirs == "" {
		return SeverityLow
	}
	if hasStructuralDecl(h.Ours) != hasStructuralDecl(h.Theirs) {
		return SeverityHigh
	}
	return SeverityMedium
}

// selectStrategy assigns Strategy given the hunk's
// already-computed severity.
func selectStrategy(h Hunk, severity Severity, assistEnabled bool) Strategy {
	if h.Ours == h.Theirs {
		return StrategyOurs
	}
	if h.Theirs == "" {
		return StrategyOurs
	}
	if h.Ours == "" {
		return StrategyTheirs
	}
	if h.Base != "" {
		oursChanged := h.Ours != h.Base
		theirsChanged := h.Theirs != h.Base
		switch {
		case oursChanged && !theirsChanged:
			return StrategyOurs
		case theirsChanged && !oursChanged:
			return StrategyTheirs
		}
	}
	if severity == SeverityMedium && canCombine(h.Ours, h.Theirs) {
		return StrategyBoth
	}
	if assistEnabled {
		return StrategyAssisted
	}
	return StrategyManual
}

// canCombine reports whether ours and theirs share enough content that
// concatenating and deduplicating them (the "both" strategy) is likely to
// produce sensible output, e.g. two branches each adding an independent
// line to the same region. Mirrors the majority-common-lines heuristic:
// more than half of the combined unique lines must be shared.
func canCombine(ours, theirs string) bool {
	oursLines := strings.Split(ours, "\n")
	theirsLines := strings.Split(theirs, "\n")

	common := make(map[string]bool)
	all := make(map[string]bool)
	theirsSet := make(map[string]bool, len(theirsLines))
	for _, l := range theirsLines {
		theirsSet[l] = true
		all[l] = true
	}
	for _, l := range oursLines {
		all[l] = true
		if theirsSet[l] {
			common[l] = true
		}
	}
	if len(all) == 0 {
		return false
	}
	return float64(len(common))/float64(len(all)) > 0.5
}

// Classify fills in Severity and Strategy for every hunk of a Conflict.
func Classify(c *Conflict, assistEnabled bool) {
	for i := range c.Hunks {
		c.Hunks[i].Severity = classifySeverity(c.Hunks[i])
		c.Hunks[i].Strategy = selectStrategy(c.Hunks[i], c.Hunks[i].Severity, assistEnabled)
	}
}
