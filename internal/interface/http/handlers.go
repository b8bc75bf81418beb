package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jobquest/progress-engine/internal/application/command"
	"github.com/jobquest/progress-engine/internal/application/query"
	"github.com/jobquest/progress-engine/internal/application/saga"
	"github.com/jobquest/progress-engine/internal/domain/achievement"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/challenge"
	"github.com/jobquest/progress-engine/internal/domain/ledger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE DTOs
// ══════════════════════════════════════════════════════════════════════════════

type annotationDTO struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

type activityDTO struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Type        activity.Type     `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Metadata    activity.Metadata `json:"metadata,omitempty"`
	XPEarned    *int              `json:"xpEarned,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Annotations []annotationDTO   `json:"annotations,omitempty"`
}

func toActivityDTO(a *activity.Activity, anns []activity.Annotation) activityDTO {
	dto := activityDTO{
		ID:          a.ID,
		UserID:      a.UserID,
		Type:        a.Type,
		Title:       a.Title,
		Description: a.Description,
		Metadata:    a.Metadata,
		XPEarned:    a.XPEarned,
		CreatedAt:   a.CreatedAt,
	}
	for _, ann := range anns {
		dto.Annotations = append(dto.Annotations, annotationDTO{Key: ann.Key, Value: ann.Value, CreatedAt: ann.CreatedAt})
	}
	return dto
}

type achievementDTO struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Category    achievement.Category `json:"category"`
	XPReward    int                  `json:"xpReward"`
}

func toAchievementDTO(a achievement.Achievement) achievementDTO {
	return achievementDTO{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Category:    a.Category,
		XPReward:    a.XPReward,
	}
}

type unlockedDTO struct {
	Achievement achievementDTO `json:"achievement"`
	UnlockedAt  time.Time      `json:"unlockedAt"`
	XPAwarded   int            `json:"xpAwarded"`
	XPPending   bool           `json:"xpPending,omitempty"`
}

func toUnlockedDTOs(list []achievement.Unlocked) []unlockedDTO {
	out := make([]unlockedDTO, 0, len(list))
	for _, u := range list {
		out = append(out, unlockedDTO{
			Achievement: toAchievementDTO(u.Achievement),
			UnlockedAt:  u.UnlockedAt,
			XPAwarded:   u.XPAwarded,
			XPPending:   u.XPPending,
		})
	}
	return out
}

type challengeDTO struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Kind        challenge.Kind `json:"kind"`
	XPReward    int            `json:"xpReward"`
	Date        string         `json:"date"`
}

func toChallengeDTO(c challenge.DailyChallenge) challengeDTO {
	return challengeDTO{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Kind:        c.Kind,
		XPReward:    c.XPReward,
		Date:        c.Date.Format(time.DateOnly),
	}
}

type completedChallengeDTO struct {
	Challenge   challengeDTO `json:"challenge"`
	CompletedAt time.Time    `json:"completedAt"`
	XPAwarded   int          `json:"xpAwarded"`
	XPPending   bool         `json:"xpPending,omitempty"`
}

func toCompletedDTOs(list []saga.CompletedChallenge) []completedChallengeDTO {
	out := make([]completedChallengeDTO, 0, len(list))
	for _, c := range list {
		out = append(out, completedChallengeDTO{
			Challenge:   toChallengeDTO(c.Challenge),
			CompletedAt: c.CompletedAt,
			XPAwarded:   c.XPAwarded,
			XPPending:   c.XPPending,
		})
	}
	return out
}

type challengeViewDTO struct {
	Challenge   challengeDTO     `json:"challenge"`
	Status      challenge.Status `json:"status"`
	Progress    int              `json:"progress"`
	Target      int              `json:"target"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

func toChallengeViewDTOs(list []saga.ChallengeView) []challengeViewDTO {
	out := make([]challengeViewDTO, 0, len(list))
	for _, v := range list {
		out = append(out, challengeViewDTO{
			Challenge:   toChallengeDTO(v.Challenge),
			Status:      v.Progress.Status,
			Progress:    v.Progress.Progress,
			Target:      v.Target,
			CompletedAt: v.Progress.CompletedAt,
		})
	}
	return out
}

type accountDTO struct {
	UserID        string               `json:"userId"`
	XP            int64                `json:"xp"`
	TotalXP       int64                `json:"totalXp"`
	CurrentStreak int                  `json:"currentStreak"`
	LongestStreak int                  `json:"longestStreak"`
	LastActiveOn  string               `json:"lastActiveOn,omitempty"`
	Level         ledger.LevelProgress `json:"level"`
}

func toAccountDTO(acc ledger.Account, level ledger.LevelProgress) accountDTO {
	return accountDTO{
		UserID:        acc.UserID,
		XP:            acc.XP,
		TotalXP:       acc.TotalXP,
		CurrentStreak: acc.CurrentStreak,
		LongestStreak: acc.LongestStreak,
		LastActiveOn:  acc.LastActiveOn,
		Level:         level,
	}
}

type progressEntryDTO struct {
	Achievement achievementDTO `json:"achievement"`
	Kind        string         `json:"kind"`
	Progress    int            `json:"progress"`
	MaxProgress int            `json:"maxProgress"`
	Unlocked    bool           `json:"unlocked"`
	UnlockedAt  *time.Time     `json:"unlockedAt,omitempty"`
	Inert       bool           `json:"inert,omitempty"`
}

type recordActivityResponse struct {
	Activity            activityDTO             `json:"activity"`
	NewAchievements     []unlockedDTO           `json:"newAchievements"`
	CompletedChallenges []completedChallengeDTO `json:"completedChallenges"`
	XPAwarded           int                     `json:"xpAwarded"`
	Account             accountDTO              `json:"account"`
	StreakChanged       bool                    `json:"streakChanged"`
}

func toRecordActivityResponse(res *command.RecordActivityResult) recordActivityResponse {
	return recordActivityResponse{
		Activity:            toActivityDTO(res.Activity, nil),
		NewAchievements:     toUnlockedDTOs(res.NewAchievements),
		CompletedChallenges: toCompletedDTOs(res.CompletedChallenges),
		XPAwarded:           res.XPAwarded,
		Account:             toAccountDTO(res.Account, res.Level),
		StreakChanged:       res.Streak.Changed,
	}
}

type settingsDTO struct {
	NotebookEntries   challenge.Target `json:"notebookEntries"`
	LearningMaterials challenge.Target `json:"learningMaterials"`
	JobApplications   challenge.Target `json:"jobApplications"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST BODIES
// ══════════════════════════════════════════════════════════════════════════════

type recordActivityRequest struct {
	Type           activity.Type     `json:"type"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Metadata       activity.Metadata `json:"metadata"`
	XPEarned       *int              `json:"xpEarned"`
	OccurredAt     *time.Time        `json:"occurredAt"`
	SkipEvaluation bool              `json:"skipEvaluation"`
}

func (req recordActivityRequest) toCommand(userID, correlationID string) command.RecordActivityCommand {
	cmd := command.RecordActivityCommand{
		UserID:         userID,
		Type:           req.Type,
		Title:          req.Title,
		Description:    req.Description,
		Metadata:       req.Metadata,
		XPEarned:       req.XPEarned,
		SkipEvaluation: req.SkipEvaluation,
		CorrelationID:  correlationID,
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = *req.OccurredAt
	}
	return cmd
}

type recordBatchRequest struct {
	Items []recordActivityRequest `json:"items"`
}

type batchItemResponse struct {
	Index  int                     `json:"index"`
	Result *recordActivityResponse `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

type updateSettingsRequest struct {
	NotebookEntries   *challenge.Target `json:"notebookEntries"`
	LearningMaterials *challenge.Target `json:"learningMaterials"`
	JobApplications   *challenge.Target `json:"jobApplications"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRecordActivity handles POST /v1/users/{userID}/activities.
func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	var req recordActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	cmd := req.toCommand(chi.URLParam(r, "userID"), middleware.GetReqID(r.Context()))
	res, err := s.deps.RecordActivity.Handle(r.Context(), cmd)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, toRecordActivityResponse(res))
}

// handleRecordBatch handles POST /v1/users/{userID}/activities/batch.
// Per-item failures are reported inline; the response is 207 when some
// items failed.
func (s *Server) handleRecordBatch(w http.ResponseWriter, r *http.Request) {
	var req recordBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	userID := chi.URLParam(r, "userID")
	reqID := middleware.GetReqID(r.Context())
	cmd := command.RecordBatchActivityCommand{UserID: userID, CorrelationID: reqID}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, item.toCommand(userID, reqID))
	}

	res, err := s.deps.RecordActivity.HandleBatch(r.Context(), cmd)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	items := make([]batchItemResponse, 0, len(res.Items))
	for _, item := range res.Items {
		out := batchItemResponse{Index: item.Index}
		if item.Err != nil {
			out.Error = item.Err.Error()
		} else if item.Result != nil {
			dto := toRecordActivityResponse(item.Result)
			out.Result = &dto
		}
		items = append(items, out)
	}

	status := http.StatusCreated
	if res.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, r, status, map[string]any{
		"items":     items,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	})
}

// handleListActivities handles GET /v1/users/{userID}/activities.
func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	since, err := getQueryParamTime(r, "since")
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	until, err := getQueryParamTime(r, "until")
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	q := query.ListActivitiesQuery{
		UserID:          chi.URLParam(r, "userID"),
		Since:           since,
		Until:           until,
		Limit:           limit,
		WithAnnotations: getQueryParamBool(r, "annotations"),
	}
	for _, t := range getQueryParamList(r, "type") {
		q.Types = append(q.Types, activity.Type(t))
	}

	views, err := s.deps.ListActivities.Handle(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	out := make([]activityDTO, 0, len(views))
	for _, v := range views {
		out = append(out, toActivityDTO(v.Activity, v.Annotations))
	}
	writeJSONWithMeta(w, r, http.StatusOK, out, &ResponseMeta{TotalCount: len(out)})
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleAchievementProgress handles GET /v1/users/{userID}/achievements.
// Optional filters: category, status=unlocked|locked.
func (s *Server) handleAchievementProgress(w http.ResponseWriter, r *http.Request) {
	q := query.GetAchievementProgressQuery{
		UserID:   chi.URLParam(r, "userID"),
		Category: achievement.Category(r.URL.Query().Get("category")),
	}
	switch status := r.URL.Query().Get("status"); status {
	case "":
	case "unlocked":
		q.OnlyUnlocked = true
	case "locked":
		q.OnlyLocked = true
	default:
		writeJSONError(w, r, http.StatusBadRequest, "invalid_query", "status must be unlocked or locked")
		return
	}

	res, err := s.deps.GetAchievementProgress.Handle(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	entries := make([]progressEntryDTO, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, progressEntryDTO{
			Achievement: toAchievementDTO(e.Achievement),
			Kind:        string(e.Kind),
			Progress:    e.Progress,
			MaxProgress: e.MaxProgress,
			Unlocked:    e.Unlocked,
			UnlockedAt:  e.UnlockedAt,
			Inert:       e.Inert,
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"userId":        res.UserID,
		"entries":       entries,
		"unlockedCount": res.UnlockedCount,
		"totalCount":    res.TotalCount,
	})
}

// handleEvaluate handles POST /v1/users/{userID}/achievements/evaluate.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.EvaluateProgress.Handle(r.Context(), command.EvaluateProgressCommand{
		UserID: chi.URLParam(r, "userID"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"newAchievements":     toUnlockedDTOs(out.NewAchievements),
		"completedChallenges": toCompletedDTOs(out.CompletedChallenges),
		"challenges":          toChallengeViewDTOs(out.Challenges),
		"xpAwarded":           out.XPAwarded,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// DAILY CHALLENGE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleDailyChallenges handles GET /v1/users/{userID}/daily-challenges.
func (s *Server) handleDailyChallenges(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.GetDailyChallenges.Handle(r.Context(), query.GetDailyChallengesQuery{
		UserID: chi.URLParam(r, "userID"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"day":        res.Day,
		"challenges": toChallengeViewDTOs(res.Challenges),
		"completed":  toCompletedDTOs(res.Completed),
		"xpAwarded":  res.XPAwarded(),
	})
}

// handleUpdateSettings handles PUT /v1/users/{userID}/daily-challenges/settings.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	res, err := s.deps.UpdateChallengeSettings.Handle(r.Context(), command.UpdateChallengeSettingsCommand{
		UserID:            chi.URLParam(r, "userID"),
		NotebookEntries:   req.NotebookEntries,
		LearningMaterials: req.LearningMaterials,
		JobApplications:   req.JobApplications,
		CorrelationID:     middleware.GetReqID(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"settings": settingsDTO{
			NotebookEntries:   res.Settings.NotebookEntries,
			LearningMaterials: res.Settings.LearningMaterials,
			JobApplications:   res.Settings.JobApplications,
			UpdatedAt:         res.Settings.UpdatedAt,
		},
		"changedFields": res.ChangedFields,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ACCOUNT HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// handleAccount handles GET /v1/users/{userID}/account.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.GetAccount.Handle(r.Context(), query.GetAccountQuery{UserID: chi.URLParam(r, "userID")})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toAccountDTO(view.Account, view.Level))
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & METRICS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth handles GET /health. Liveness only: it does not touch
// dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"uptime":  s.Uptime().Round(time.Second).String(),
	})
}

// handleReady handles GET /health/ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Metrics())
}
