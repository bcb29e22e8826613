package merge

import "strings"

const (
	markerOurs  = "<<<<<<<"
	markerBase  = "|||||||"
	markerSplit = "======="
	markerEnd   = ">>>>>>>"
)

// parseConflicts splits file content into conflict-free text and Hunk
// records delimited by standard conflict markers, including the
// optional diff3 "|||||||" common-ancestor section.
func parseConflicts(content string) []Hunk {
	lines := strings.Split(content, "\n")

	var hunks []Hunk
	i := 0
	for i < len(lines) {
		if !strings.HasPrefix(lines[i], markerOurs) {
			i++
			continue
		}

		start := i
		i++
		var ours, base, theirs []string
		section := &ours

		for i < len(lines) {
			switch {
			case strings.HasPrefix(lines[i], markerBase):
				section = &base
				i++
				continue
			case strings.HasPrefix(lines[i], markerSplit):
				section = &theirs
				i++
				continue
			case strings.HasPrefix(lines[i], markerEnd):
				i++
				goto hunkDone
			}
			*section = append(*section, lines[i])
			i++
		}

	hunkDone:
		hunk := Hunk{
			StartLine: start,
			EndLine:   i - 1,
			Ours:      strings.Join(ours, "\n"),
			Theirs:    strings.Join(theirs, "\n"),
		}
		if len(base) > 0 {
			hunk.Base = strings.Join(base, "\n")
		}
		hunks = append(hunks, hunk)
	}

	return hunks
}

// ParseConflictedFile builds a Conflict record for one file given its
// raw on-disk content (with markers still in place, as git leaves it after
// a failed merge).
func ParseConflictedFile(path, content string) Conflict {
	return Conflict{File: path, Hunks: parseConflicts(content)}
}
