package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/nomadflow/internal/api"
	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/db"
	"github.com/g960059/nomadflow/internal/model"
	"github.com/g960059/nomadflow/internal/security"
)

// beginAction records a pending ledger entry and returns its ID. Ledger
// failures are logged and never fail the request. secrets are scrubbed from
// the stored metadata in addition to the daemon secret.
func (s *Server) beginAction(ctx context.Context, actionType model.ActionType, repoPath, featureName, windowName string, meta map[string]any, secrets ...string) string {
	if s.store == nil {
		return ""
	}
	action := model.Action{
		ActionID:     s.newID(),
		ActionType:   actionType,
		RepoPath:     repoPath,
		FeatureName:  featureName,
		WindowName:   windowName,
		RequestedAt:  s.now(),
		ResultCode:   model.ActionResultPending,
		MetadataJSON: s.marshalActionMetadata(meta, secrets...),
	}
	if err := s.store.InsertAction(ctx, action); err != nil {
		s.logger.Warn("record action failed", "action_type", actionType, "error", err)
		return ""
	}
	return action.ActionID
}

// finishAction completes the entry started by beginAction. A nil err marks
// it ok; otherwise the error's code and redacted text are stored.
func (s *Server) finishAction(ctx context.Context, actionID string, err error, meta map[string]any, secrets ...string) {
	if s.store == nil || actionID == "" {
		return
	}
	outcome := db.ActionOutcome{
		ResultCode:   model.ActionResultOK,
		MetadataJSON: s.marshalActionMetadata(meta, secrets...),
		CompletedAt:  s.now(),
	}
	if err != nil {
		code := string(apperr.CodeOf(err))
		outcome.ResultCode = model.ActionResultFailed
		outcome.ErrorCode = &code
		if detail := security.RedactForStorage(err.Error(), append(secrets, s.cfg.Secret)...); detail != "" {
			outcome.ErrorDetail = &detail
		}
	}
	// The request context may already be cancelled by a disconnecting client.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.CompleteAction(writeCtx, actionID, outcome); err != nil {
		s.logger.Warn("complete action failed", "action_id", actionID, "error", err)
	}
}

func (s *Server) marshalActionMetadata(meta map[string]any, secrets ...string) *string {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	out := security.RedactForStorage(string(raw), append(secrets, s.cfg.Secret)...)
	if out == "" {
		return nil
	}
	return &out
}

func (s *Server) actionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.ActionFilter{
		ActionType: model.ActionType(strings.TrimSpace(q.Get("type"))),
		RepoPath:   strings.TrimSpace(q.Get("repoPath")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, apperr.CodeBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	resp := api.ActionsResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Actions:       []api.ActionItem{},
	}
	if s.store != nil {
		actions, err := s.store.ListActions(r.Context(), filter)
		if err != nil {
			s.logger.Error("list actions failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, apperr.CodeUnknown, "failed to list actions")
			return
		}
		for _, a := range actions {
			resp.Actions = append(resp.Actions, toActionItem(a))
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func toActionItem(a model.Action) api.ActionItem {
	var completedAt *string
	if a.CompletedAt != nil {
		v := a.CompletedAt.Format(time.RFC3339Nano)
		completedAt = &v
	}
	return api.ActionItem{
		ActionID:    a.ActionID,
		ActionType:  string(a.ActionType),
		RepoPath:    a.RepoPath,
		FeatureName: a.FeatureName,
		WindowName:  a.WindowName,
		RequestedAt: a.RequestedAt.Format(time.RFC3339Nano),
		CompletedAt: completedAt,
		ResultCode:  a.ResultCode,
		ErrorCode:   a.ErrorCode,
		ErrorDetail: a.ErrorDetail,
	}
}
