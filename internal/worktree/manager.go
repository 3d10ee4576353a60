// Package worktree keeps git worktrees under the configured worktrees root.
// Every git invocation goes through command.Executor; this package never
// talks to tmux.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/command"
	"github.com/g960059/nomadflow/internal/config"
	"github.com/g960059/nomadflow/internal/model"
	"github.com/g960059/nomadflow/internal/security"
)

var defaultBranchCandidates = []string{"main", "master", "develop", "dev"}

type Manager struct {
	cfg  config.Config
	exec *command.Executor
}

func NewManager(exec *command.Executor) *Manager {
	return &Manager{cfg: exec.Config(), exec: exec}
}

// DeleteResult reports a best-effort delete. Deleted is always true;
// Diagnostic collects the steps that failed along the way.
type DeleteResult struct {
	Deleted    bool
	Diagnostic string
}

// attempt is one step of a fallback chain.
type attempt func(ctx context.Context) command.Result

// runChain evaluates attempts in order and returns the first success, or the
// last failure when none succeeds.
func runChain(ctx context.Context, attempts []attempt) (command.Result, bool) {
	var last command.Result
	for _, try := range attempts {
		last = try(ctx)
		if last.OK() {
			return last, true
		}
		if ctx.Err() != nil {
			break
		}
	}
	return last, false
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) command.Result {
	res, _ := m.exec.Run(ctx, command.Command{Name: "git", Args: args, Dir: dir})
	return res
}

func (m *Manager) gitAttempt(dir string, args ...string) attempt {
	return func(ctx context.Context) command.Result {
		return m.git(ctx, dir, args...)
	}
}

func (m *Manager) currentBranch(ctx context.Context, dir string) string {
	res := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if !res.OK() {
		return model.UnknownBranch
	}
	if b := strings.TrimSpace(res.Stdout); b != "" {
		return b
	}
	return model.UnknownBranch
}

// ListRepositories scans the repos root for directories containing .git.
// An unreadable root yields an empty list.
func (m *Manager) ListRepositories(ctx context.Context) []model.Repository {
	root := m.cfg.ReposDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		return []model.Repository{}
	}
	repos := make([]model.Repository, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if !isDir(path) || !exists(filepath.Join(path, ".git")) {
			continue
		}
		repos = append(repos, model.Repository{
			Name:   entry.Name(),
			Path:   path,
			Branch: m.currentBranch(ctx, path),
		})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos
}

// CloneRepository clones url into the repos root. When token is set it is
// used for the clone only; origin is rewritten to the clean URL afterwards.
func (m *Manager) CloneRepository(ctx context.Context, url, token, name string) (model.Repository, error) {
	const op = apperr.Op("worktree.Clone")
	url = strings.TrimSpace(url)
	if url == "" {
		return model.Repository{}, apperr.InvalidName(op, url, "repository url is required")
	}
	if strings.TrimSpace(name) == "" {
		name = DeriveRepoName(url)
	}
	if name == "" {
		return model.Repository{}, apperr.InvalidName(op, url, "cannot determine repository name from url")
	}
	name = SanitizeName(name)
	if name == "." || name == ".." {
		return model.Repository{}, apperr.InvalidName(op, name, "repository name must not be a relative path")
	}

	dest := filepath.Join(m.cfg.ReposDir(), name)
	if exists(dest) {
		return model.Repository{}, apperr.AlreadyExists(op, fmt.Sprintf("repository %q", name))
	}
	if err := os.MkdirAll(m.cfg.ReposDir(), 0o755); err != nil {
		return model.Repository{}, apperr.E(op, apperr.KindOperationFailed, "create repos dir", err)
	}

	res, err := m.exec.Run(ctx, command.Command{
		Name:    "git",
		Args:    []string{"clone", injectToken(url, token), dest},
		Timeout: m.cfg.CloneTimeout,
	})
	if err != nil || !res.OK() {
		_ = os.RemoveAll(dest)
		detail := security.RedactSecret(security.RedactURLCredentials(res.Diagnostic()), token)
		if apperr.Is(err, apperr.KindTimeout) {
			return model.Repository{}, apperr.E(op, apperr.KindTimeout, apperr.Detail(detail), fmt.Sprintf("git clone %s timed out", url))
		}
		return model.Repository{}, apperr.CloneFailed(url, detail)
	}

	if token != "" {
		scrub, _ := runChain(ctx, []attempt{
			m.gitAttempt(dest, "remote", "set-url", "origin", url),
			m.gitAttempt(dest, "config", "remote.origin.url", url),
		})
		if !scrub.OK() {
			_ = os.RemoveAll(dest)
			detail := security.RedactSecret(scrub.Diagnostic(), token)
			return model.Repository{}, apperr.CloneFailed(url, "could not remove credentials from remote url: "+detail)
		}
	}

	return model.Repository{Name: name, Path: dest, Branch: m.currentBranch(ctx, dest)}, nil
}

// ListFeatures returns the worktrees git knows about, followed by any
// directories under the repo's worktrees root that git does not list.
// A failing listing command yields an empty list.
func (m *Manager) ListFeatures(ctx context.Context, repoPath string) ([]model.Feature, error) {
	res := m.git(ctx, repoPath, "worktree", "list", "--porcelain")
	if !res.OK() {
		return []model.Feature{}, nil
	}

	repoName := RepoName(repoPath)
	canonicalRepo := canonical(repoPath)
	features := make([]model.Feature, 0, 4)
	seen := map[string]bool{}
	for _, e := range parsePorcelain(res.Stdout) {
		wt := canonical(e.Path)
		seen[wt] = true
		f := model.Feature{WorktreePath: e.Path, Branch: e.Branch}
		if wt == canonicalRepo {
			f.IsMain = true
			f.Name = e.Branch
			if f.Name == "" {
				f.Name = repoName
			}
		} else {
			f.Name = filepath.Base(e.Path)
		}
		features = append(features, f)
	}

	root := filepath.Join(m.cfg.WorktreesDir(), repoName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return features, nil
	}
	var orphans []model.Feature
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if !isDir(path) || seen[canonical(path)] {
			continue
		}
		orphans = append(orphans, model.Feature{
			Name:         entry.Name(),
			WorktreePath: path,
			Branch:       m.currentBranch(ctx, path),
		})
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Name < orphans[j].Name })
	return append(features, orphans...), nil
}

// FeaturePath is where CreateFeature places a feature's worktree.
func (m *Manager) FeaturePath(repoPath, featureName string) string {
	return filepath.Join(m.cfg.WorktreesDir(), RepoName(repoPath), featureName)
}

// CreateFeature creates the worktree for feature/<featureName>. An existing
// target directory is returned as-is. An empty baseBranch is auto-detected.
func (m *Manager) CreateFeature(ctx context.Context, repoPath, featureName, baseBranch string) (string, string, error) {
	const op = apperr.Op("worktree.Create")
	if err := ValidateFeatureName(op, featureName); err != nil {
		return "", "", err
	}
	if !isDir(repoPath) {
		return "", "", apperr.NotFound(op, fmt.Sprintf("repository %q", repoPath))
	}

	branch := model.FeatureBranch(featureName)
	path := m.FeaturePath(repoPath, featureName)
	if exists(path) {
		return path, branch, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", apperr.E(op, apperr.KindOperationFailed, "create worktrees dir", err)
	}

	base := strings.TrimSpace(baseBranch)
	if base == "" {
		base = m.DefaultBranch(ctx, repoPath)
	}

	_ = m.git(ctx, repoPath, "fetch", "--all")

	res, ok := runChain(ctx, []attempt{
		m.gitAttempt(repoPath, "worktree", "add", "-b", branch, path, base),
		m.gitAttempt(repoPath, "worktree", "add", path, branch),
		m.gitAttempt(repoPath, "worktree", "add", "-b", branch, path, "origin/"+base),
		m.gitAttempt(repoPath, "worktree", "add", "-b", branch, path, "HEAD"),
	})
	if !ok {
		return "", "", apperr.WorktreeCreationFailed(op, branch, res.Diagnostic())
	}
	return path, branch, nil
}

// DeleteFeature removes a feature's worktree and its feature/<name> branch.
// Every step is best-effort; the result is always Deleted.
func (m *Manager) DeleteFeature(ctx context.Context, repoPath, featureName string) DeleteResult {
	out := DeleteResult{Deleted: true}
	var diags []string
	if err := ValidateFeatureName(apperr.Op("worktree.Delete"), featureName); err != nil {
		out.Diagnostic = err.Error()
		return out
	}

	path := m.FeaturePath(repoPath, featureName)
	if res := m.git(ctx, repoPath, "worktree", "remove", "--force", path); !res.OK() {
		diags = append(diags, "worktree remove: "+res.Diagnostic())
		if prune := m.git(ctx, repoPath, "worktree", "prune"); !prune.OK() {
			diags = append(diags, "worktree prune: "+prune.Diagnostic())
		}
		if err := os.RemoveAll(path); err != nil {
			diags = append(diags, "remove dir: "+err.Error())
		}
	}
	if res := m.git(ctx, repoPath, "branch", "-D", model.FeatureBranch(featureName)); !res.OK() {
		diags = append(diags, "branch delete: "+res.Diagnostic())
	}
	out.Diagnostic = strings.Join(diags, "; ")
	return out
}

// DefaultBranch detects the base branch: origin/HEAD, then the first of
// main/master/develop/dev that exists, then the current branch, then "main".
func (m *Manager) DefaultBranch(ctx context.Context, repoPath string) string {
	if res := m.git(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD"); res.OK() {
		if b := strings.TrimPrefix(strings.TrimSpace(res.Stdout), "refs/remotes/origin/"); b != "" {
			return b
		}
	}
	for _, candidate := range defaultBranchCandidates {
		if m.git(ctx, repoPath, "rev-parse", "--verify", "--quiet", candidate).OK() {
			return candidate
		}
	}
	if res := m.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD"); res.OK() {
		if b := strings.TrimSpace(res.Stdout); b != "" {
			return b
		}
	}
	return "main"
}

// ListBranches lists local and remote branches that are not yet checked out
// in any worktree. Remote branches shadowed by a local one are skipped.
func (m *Manager) ListBranches(ctx context.Context, repoPath string) ([]model.BranchInfo, string, error) {
	const op = apperr.Op("worktree.ListBranches")
	if !isDir(repoPath) {
		return nil, "", apperr.NotFound(op, fmt.Sprintf("repository %q", repoPath))
	}
	_ = m.git(ctx, repoPath, "fetch", "--all")

	bound := map[string]bool{}
	if res := m.git(ctx, repoPath, "worktree", "list", "--porcelain"); res.OK() {
		bound = boundBranches(parsePorcelain(res.Stdout))
	}

	branches := []model.BranchInfo{}
	local := map[string]bool{}
	if res := m.git(ctx, repoPath, "branch", "--format=%(refname:short)"); res.OK() {
		for _, line := range strings.Split(res.Stdout, "\n") {
			name := strings.TrimSpace(line)
			if name == "" || bound[name] {
				continue
			}
			local[name] = true
			branches = append(branches, model.BranchInfo{Name: name})
		}
	}
	if res := m.git(ctx, repoPath, "branch", "-r", "--format=%(refname:short)"); res.OK() {
		for _, line := range strings.Split(res.Stdout, "\n") {
			full := strings.TrimSpace(line)
			remote, name, ok := strings.Cut(full, "/")
			if !ok || name == "" || name == "HEAD" || strings.HasSuffix(full, "/HEAD") {
				continue
			}
			if local[name] || bound[name] {
				continue
			}
			branches = append(branches, model.BranchInfo{Name: name, IsRemote: true, RemoteName: remote})
		}
	}
	return branches, m.DefaultBranch(ctx, repoPath), nil
}

// AttachBranch checks out an existing local or remote branch into a new
// worktree named after the branch's last path segment.
func (m *Manager) AttachBranch(ctx context.Context, repoPath, branch string) (string, string, error) {
	const op = apperr.Op("worktree.Attach")
	branch = strings.TrimSpace(branch)
	if branch == "" || strings.HasPrefix(branch, "-") {
		return "", "", apperr.InvalidName(op, branch, "branch name is required")
	}
	if !isDir(repoPath) {
		return "", "", apperr.NotFound(op, fmt.Sprintf("repository %q", repoPath))
	}
	root := filepath.Join(m.cfg.WorktreesDir(), RepoName(repoPath))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", "", apperr.E(op, apperr.KindOperationFailed, "create worktrees dir", err)
	}
	dirName := DeriveWorktreeName(branch, root)
	if dirName == "" || dirName == "." || dirName == ".." {
		return "", "", apperr.InvalidName(op, branch, "cannot derive a worktree directory name")
	}
	path := filepath.Join(root, dirName)

	res, ok := runChain(ctx, []attempt{
		m.gitAttempt(repoPath, "worktree", "add", path, branch),
		m.gitAttempt(repoPath, "worktree", "add", "--track", "-b", branch, path, "origin/"+branch),
	})
	if !ok {
		return "", "", apperr.WorktreeCreationFailed(op, branch, res.Diagnostic())
	}
	return path, branch, nil
}

// IsMainFeature reports whether featureName names the repository's main
// worktree as reported by ListFeatures.
func (m *Manager) IsMainFeature(ctx context.Context, repoPath, featureName string) bool {
	features, err := m.ListFeatures(ctx, repoPath)
	if err != nil {
		return false
	}
	for _, f := range features {
		if f.IsMain && f.Name == featureName {
			return true
		}
	}
	return false
}

// FindFeature returns the listed feature with the given name.
func (m *Manager) FindFeature(ctx context.Context, repoPath, featureName string) (model.Feature, error) {
	features, err := m.ListFeatures(ctx, repoPath)
	if err != nil {
		return model.Feature{}, err
	}
	for _, f := range features {
		if f.Name == featureName {
			return f, nil
		}
	}
	return model.Feature{}, apperr.NotFound(apperr.Op("worktree.Find"), fmt.Sprintf("feature %q", featureName))
}

var errNoRepo = errors.New("repository path is required")

// ResolveRepo checks that repoPath names an existing directory.
func ResolveRepo(repoPath string) (string, error) {
	const op = apperr.Op("worktree.ResolveRepo")
	if strings.TrimSpace(repoPath) == "" {
		return "", apperr.E(op, apperr.KindInvalidName, errNoRepo)
	}
	if !isDir(repoPath) {
		return "", apperr.NotFound(op, fmt.Sprintf("repository %q", repoPath))
	}
	return filepath.Clean(repoPath), nil
}
