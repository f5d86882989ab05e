package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff renders a standard diff -u across two file maps. Added files
// diff against /dev/null, deleted files to /dev/null; per-file hunks are
// concatenated in path order.
func UnifiedDiff(before, after map[string]string) (string, error) {
	paths := make([]string, 0, len(before)+len(after))
	seen := map[string]bool{}
	for p := range before {
		paths = append(paths, p)
		seen[p] = true
	}
	for p := range after {
		if !seen[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, p := range paths {
		b, hadBefore := before[p]
		a, hadAfter := after[p]
		if hadBefore && hadAfter && a == b {
			continue
		}
		from, to := "a/"+p, "b/"+p
		if !hadBefore {
			from = "/dev/null"
		}
		if !hadAfter {
			to = "/dev/null"
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(b),
			B:        difflib.SplitLines(a),
			FromFile: from,
			ToFile:   to,
			Context:  3,
		})
		if err != nil {
			return "", fmt.Errorf("diff %s: %w", p, err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}
