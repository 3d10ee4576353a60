package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/g960059/nomadflow/internal/api"
	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/model"
	"github.com/g960059/nomadflow/internal/tmux"
	"github.com/g960059/nomadflow/internal/worktree"
)

const maxRequestBody = 1 << 20

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, apperr.CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) listReposHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ListReposRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	repos := s.worktrees.ListRepositories(r.Context())
	items := make([]api.RepositoryItem, 0, len(repos))
	for _, repo := range repos {
		items = append(items, toRepositoryItem(repo))
	}
	s.writeJSON(w, http.StatusOK, api.ListReposResponse{Repos: items})
}

func (s *Server) cloneRepoHandler(w http.ResponseWriter, r *http.Request) {
	var req api.CloneRepoRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := s.beginAction(ctx, model.ActionTypeClone, "", req.Name, "", map[string]any{"url": req.URL}, req.Token)
	repo, err := s.worktrees.CloneRepository(ctx, req.URL, req.Token, req.Name)
	if err != nil {
		s.finishAction(ctx, id, err, nil, req.Token)
		s.writeAppError(w, err)
		return
	}
	s.finishAction(ctx, id, nil, map[string]any{"url": req.URL, "path": repo.Path}, req.Token)
	s.logger.Info("repository cloned", "name", repo.Name, "path", repo.Path)
	s.writeJSON(w, http.StatusOK, toRepositoryItem(repo))
}

func (s *Server) listFeaturesHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ListFeaturesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	repo, err := worktree.ResolveRepo(req.RepoPath)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	ctx := r.Context()
	features, err := s.worktrees.ListFeatures(ctx, repo)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	active, _ := s.tmux.ActiveWindow(ctx)
	items := make([]api.FeatureItem, 0, len(features))
	for _, f := range features {
		f.IsActive = active != "" && worktree.WindowName(repo, f.Name) == active
		items = append(items, toFeatureItem(f))
	}
	s.writeJSON(w, http.StatusOK, api.ListFeaturesResponse{Features: items})
}

func (s *Server) createFeatureHandler(w http.ResponseWriter, r *http.Request) {
	var req api.CreateFeatureRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	repo, err := worktree.ResolveRepo(req.RepoPath)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	ctx := r.Context()
	name := requestedFeatureName(req)
	base := normalizeBaseBranch(req.BaseBranch)
	window := worktree.WindowName(repo, name)
	id := s.beginAction(ctx, model.ActionTypeCreate, repo, name, window, map[string]any{"baseBranch": base})

	path, branch, err := s.worktrees.CreateFeature(ctx, repo, name, base)
	if err == nil {
		err = s.tmux.EnsureSession(ctx)
	}
	if err == nil {
		_, err = s.tmux.EnsureWindow(ctx, window, path)
	}
	if err != nil {
		s.finishAction(ctx, id, err, nil)
		s.writeAppError(w, err)
		return
	}
	s.finishAction(ctx, id, nil, map[string]any{"baseBranch": base, "path": path, "branch": branch})
	s.writeJSON(w, http.StatusOK, api.CreateFeatureResponse{
		WorktreePath: path,
		Branch:       branch,
		TmuxWindow:   window,
	})
}

func (s *Server) deleteFeatureHandler(w http.ResponseWriter, r *http.Request) {
	var req api.DeleteFeatureRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	repo, err := worktree.ResolveRepo(req.RepoPath)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	ctx := r.Context()
	name := strings.TrimSpace(req.FeatureName)
	window := worktree.WindowName(repo, name)
	id := s.beginAction(ctx, model.ActionTypeDelete, repo, name, window, nil)

	if s.worktrees.IsMainFeature(ctx, repo, name) {
		err := apperr.InvalidName(apperr.Op("daemon.DeleteFeature"), name, "the main worktree cannot be deleted")
		s.finishAction(ctx, id, err, nil)
		s.writeAppError(w, err)
		return
	}

	killed := s.tmux.KillWindow(ctx, window)
	res := s.worktrees.DeleteFeature(ctx, repo, name)
	if res.Diagnostic != "" {
		s.logger.Warn("feature delete incomplete", "repo", repo, "feature", name, "diagnostic", res.Diagnostic)
	}
	s.finishAction(ctx, id, nil, map[string]any{"windowKilled": killed, "diagnostic": res.Diagnostic})
	s.writeJSON(w, http.StatusOK, api.DeleteFeatureResponse{Deleted: res.Deleted})
}

func (s *Server) switchFeatureHandler(w http.ResponseWriter, r *http.Request) {
	var req api.SwitchFeatureRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	repo, err := worktree.ResolveRepo(req.RepoPath)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	ctx := r.Context()
	name := strings.TrimSpace(req.FeatureName)
	window := worktree.WindowName(repo, name)
	id := s.beginAction(ctx, model.ActionTypeSwitch, repo, name, window, nil)

	created := false
	var path string
	feature, err := s.worktrees.FindFeature(ctx, repo, name)
	switch {
	case err == nil:
		path = feature.WorktreePath
	case apperr.Is(err, apperr.KindNotFound):
		path, _, err = s.worktrees.CreateFeature(ctx, repo, name, "")
		created = err == nil
	}
	if err == nil {
		err = s.tmux.EnsureSession(ctx)
	}
	var result tmux.SwitchResult
	if err == nil {
		result, err = s.tmux.SwitchToWindow(ctx, window, path)
	}
	if err != nil {
		s.finishAction(ctx, id, err, map[string]any{"created": created, "hadRunningProcess": result.HadRunningProcess})
		s.writeAppError(w, err)
		return
	}
	s.finishAction(ctx, id, nil, map[string]any{"created": created, "path": path, "hadRunningProcess": result.HadRunningProcess})
	s.writeJSON(w, http.StatusOK, api.SwitchFeatureResponse{
		Switched:          result.Switched,
		WorktreePath:      path,
		TmuxWindow:        window,
		HasRunningProcess: result.HadRunningProcess,
	})
}

func (s *Server) listBranchesHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ListBranchesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	repo, err := worktree.ResolveRepo(req.RepoPath)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	branches, def, err := s.worktrees.ListBranches(r.Context(), repo)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	items := make([]api.BranchItem, 0, len(branches))
	for _, b := range branches {
		items = append(items, api.BranchItem{Name: b.Name, IsRemote: b.IsRemote, RemoteName: b.RemoteName})
	}
	s.writeJSON(w, http.StatusOK, api.ListBranchesResponse{Branches: items, DefaultBranch: def})
}

func (s *Server) attachBranchHandler(w http.ResponseWriter, r *http.Request) {
	var req api.AttachBranchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	repo, err := worktree.ResolveRepo(req.RepoPath)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	ctx := r.Context()
	id := s.beginAction(ctx, model.ActionTypeAttach, repo, "", "", map[string]any{"branch": req.BranchName})

	path, branch, err := s.worktrees.AttachBranch(ctx, repo, req.BranchName)
	window := ""
	if err == nil {
		window = worktree.WindowName(repo, filepath.Base(path))
		err = s.tmux.EnsureSession(ctx)
	}
	if err == nil {
		_, err = s.tmux.EnsureWindow(ctx, window, path)
	}
	if err != nil {
		s.finishAction(ctx, id, err, nil)
		s.writeAppError(w, err)
		return
	}
	s.finishAction(ctx, id, nil, map[string]any{"branch": branch, "path": path, "window": window})
	s.writeJSON(w, http.StatusOK, api.AttachBranchResponse{
		WorktreePath: path,
		Branch:       branch,
		TmuxWindow:   window,
	})
}

// requestedFeatureName prefers featureName and falls back to branchName
// with its feature/ prefix removed.
func requestedFeatureName(req api.CreateFeatureRequest) string {
	if name := strings.TrimSpace(req.FeatureName); name != "" {
		return name
	}
	return strings.TrimPrefix(strings.TrimSpace(req.BranchName), model.FeatureBranchPrefix)
}

// normalizeBaseBranch treats "main" as a request for auto-detection; the
// mobile client always sends it.
func normalizeBaseBranch(base string) string {
	base = strings.TrimSpace(base)
	if base == "main" {
		return ""
	}
	return base
}

func toRepositoryItem(r model.Repository) api.RepositoryItem {
	return api.RepositoryItem{Name: r.Name, Path: r.Path, Branch: r.Branch}
}

func toFeatureItem(f model.Feature) api.FeatureItem {
	return api.FeatureItem{
		Name:         f.Name,
		WorktreePath: f.WorktreePath,
		Branch:       f.Branch,
		IsActive:     f.IsActive,
		IsMain:       f.IsMain,
	}
}
