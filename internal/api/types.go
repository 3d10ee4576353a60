// Package api holds the JSON wire types shared by the daemon and its clients.
// Field names are camelCase for the mobile client.
package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps every non-2xx reply. Detail mirrors Message so
// clients reading a bare {"detail": ...} body keep working.
type ErrorResponse struct {
	SchemaVersion string    `json:"schemaVersion"`
	GeneratedAt   time.Time `json:"generatedAt"`
	Error         APIError  `json:"error"`
	Detail        string    `json:"detail"`
}

type RepositoryItem struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

type ListReposRequest struct{}

type ListReposResponse struct {
	Repos []RepositoryItem `json:"repos"`
}

type CloneRepoRequest struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`
}

type FeatureItem struct {
	Name         string `json:"name"`
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
	IsActive     bool   `json:"isActive"`
	IsMain       bool   `json:"isMain"`
}

type ListFeaturesRequest struct {
	RepoPath string `json:"repoPath"`
}

type ListFeaturesResponse struct {
	Features []FeatureItem `json:"features"`
}

// CreateFeatureRequest accepts either featureName or branchName. A
// branchName of feature/<x> is treated as featureName x.
type CreateFeatureRequest struct {
	RepoPath    string `json:"repoPath"`
	FeatureName string `json:"featureName,omitempty"`
	BranchName  string `json:"branchName,omitempty"`
	BaseBranch  string `json:"baseBranch,omitempty"`
}

type CreateFeatureResponse struct {
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
	TmuxWindow   string `json:"tmuxWindow"`
}

type DeleteFeatureRequest struct {
	RepoPath    string `json:"repoPath"`
	FeatureName string `json:"featureName"`
}

type DeleteFeatureResponse struct {
	Deleted bool `json:"deleted"`
}

type SwitchFeatureRequest struct {
	RepoPath    string `json:"repoPath"`
	FeatureName string `json:"featureName"`
}

type SwitchFeatureResponse struct {
	Switched          bool   `json:"switched"`
	WorktreePath      string `json:"worktreePath"`
	TmuxWindow        string `json:"tmuxWindow"`
	HasRunningProcess bool   `json:"hasRunningProcess"`
}

type BranchItem struct {
	Name       string `json:"name"`
	IsRemote   bool   `json:"isRemote"`
	RemoteName string `json:"remoteName,omitempty"`
}

type ListBranchesRequest struct {
	RepoPath string `json:"repoPath"`
}

type ListBranchesResponse struct {
	Branches      []BranchItem `json:"branches"`
	DefaultBranch string       `json:"defaultBranch"`
}

type AttachBranchRequest struct {
	RepoPath   string `json:"repoPath"`
	BranchName string `json:"branchName"`
}

type AttachBranchResponse struct {
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
	TmuxWindow   string `json:"tmuxWindow"`
}

type ActionItem struct {
	ActionID    string  `json:"actionId"`
	ActionType  string  `json:"actionType"`
	RepoPath    string  `json:"repoPath"`
	FeatureName string  `json:"featureName,omitempty"`
	WindowName  string  `json:"windowName,omitempty"`
	RequestedAt string  `json:"requestedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
	ResultCode  string  `json:"resultCode"`
	ErrorCode   *string `json:"errorCode,omitempty"`
	ErrorDetail *string `json:"errorDetail,omitempty"`
}

type ActionsResponse struct {
	SchemaVersion string       `json:"schemaVersion"`
	GeneratedAt   time.Time    `json:"generatedAt"`
	Actions       []ActionItem `json:"actions"`
}
