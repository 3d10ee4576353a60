package worktree

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/g960059/nomadflow/internal/apperr"
)

// SanitizeName replaces every character outside [A-Za-z0-9._-] with '-'.
// One replacement per rune, so "my repo!!" becomes "my-repo--".
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ValidateFeatureName rejects names that cannot be used as a single
// directory component under the worktrees root.
func ValidateFeatureName(op apperr.Op, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return apperr.InvalidName(op, name, "feature name is required")
	case strings.ContainsAny(name, `/\`):
		return apperr.InvalidName(op, name, "feature name must not contain a path separator")
	case name == "." || name == "..":
		return apperr.InvalidName(op, name, "feature name must not be a relative path")
	case strings.HasPrefix(name, "-"):
		return apperr.InvalidName(op, name, "feature name must not start with '-'")
	}
	return nil
}

// RepoName is the basename of a repository path.
func RepoName(repoPath string) string {
	return filepath.Base(filepath.Clean(repoPath))
}

// WindowName is the tmux window key for a feature: "<repo>:<feature>".
func WindowName(repoPath, feature string) string {
	return RepoName(repoPath) + ":" + feature
}

// DeriveRepoName takes the last non-empty path segment of a clone URL and
// strips a trailing ".git". URLs with a scheme are parsed, so a host-only
// URL such as "https://github.com/" yields "". Scp-style remotes
// ("git@host:owner/repo") and plain paths are split on '/' after the ':'.
func DeriveRepoName(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	path := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return ""
		}
		path = u.Path
	} else if i := strings.Index(trimmed, ":"); i >= 0 {
		path = trimmed[i+1:]
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return strings.TrimSuffix(path, ".git")
}

// DeriveWorktreeName maps a branch to a directory name under dir: the last
// '/' segment, sanitized, with -2, -3, ... appended until it is unused.
func DeriveWorktreeName(branch, dir string) string {
	base := branch
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	base = SanitizeName(base)
	if base == "" {
		return ""
	}
	if !exists(filepath.Join(dir, base)) {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !exists(filepath.Join(dir, candidate)) {
			return candidate
		}
	}
}

// injectToken puts "oauth2:<token>" in the credential slot of an http(s) URL.
// Other schemes are returned unchanged.
func injectToken(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(rawURL, scheme); ok {
			return scheme + "oauth2:" + token + "@" + rest
		}
	}
	return rawURL
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// canonical resolves symlinks so worktree paths reported by git compare
// equal to the configured roots. Unresolvable paths are only cleaned.
func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
