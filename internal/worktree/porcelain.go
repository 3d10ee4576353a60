package worktree

import "strings"

type porcelainEntry struct {
	Path     string
	Branch   string
	Detached bool
	Bare     bool
}

// parsePorcelain reads `git worktree list --porcelain`. Blocks are separated
// by blank lines; a final block without a trailing blank line still counts.
func parsePorcelain(out string) []porcelainEntry {
	var (
		entries []porcelainEntry
		cur     *porcelainEntry
	)
	flush := func() {
		if cur != nil && cur.Path != "" {
			entries = append(entries, *cur)
		}
		cur = nil
	}
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &porcelainEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			cur.Detached = true
		case line == "bare":
			cur.Bare = true
		}
	}
	flush()
	return entries
}

// boundBranches returns the set of branches checked out in some worktree.
func boundBranches(entries []porcelainEntry) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Branch != "" {
			out[e.Branch] = true
		}
	}
	return out
}
