package model

import "time"

// FeatureBranchPrefix is prepended to a feature name to form its canonical branch.
const FeatureBranchPrefix = "feature/"

// UnknownBranch is reported when a repository's current branch cannot be resolved.
const UnknownBranch = "unknown"

type Repository struct {
	Name   string
	Path   string
	Branch string
}

// Feature is one worktree + branch pairing. IsActive is filled in by the
// HTTP layer; the worktree manager never sets it.
type Feature struct {
	Name         string
	WorktreePath string
	Branch       string
	IsActive     bool
	IsMain       bool
}

// FeatureBranch returns the canonical branch name for a feature.
func FeatureBranch(name string) string {
	return FeatureBranchPrefix + name
}

type BranchInfo struct {
	Name       string
	IsRemote   bool
	RemoteName string
}

type Window struct {
	Index int
	ID    string
	Name  string
}

// Activity classifies a window's foreground process.
type Activity string

const (
	ActivityIdle Activity = "idle"
	ActivityBusy Activity = "busy"
)

type ActionType string

const (
	ActionTypeClone  ActionType = "clone"
	ActionTypeCreate ActionType = "create"
	ActionTypeDelete ActionType = "delete"
	ActionTypeSwitch ActionType = "switch"
	ActionTypeAttach ActionType = "attach"
)

const (
	ActionResultPending = "pending"
	ActionResultOK      = "ok"
	ActionResultFailed  = "failed"
)

// Action is one ledger entry for a mutating request.
type Action struct {
	ActionID     string
	ActionType   ActionType
	RepoPath     string
	FeatureName  string
	WindowName   string
	RequestedAt  time.Time
	CompletedAt  *time.Time
	ResultCode   string
	ErrorCode    *string
	ErrorDetail  *string
	MetadataJSON *string
}
