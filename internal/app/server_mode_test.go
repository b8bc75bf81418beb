package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobquest/progress-engine/internal/application/command"
	"github.com/jobquest/progress-engine/internal/domain/activity"
	apihttp "github.com/jobquest/progress-engine/internal/interface/http"
	"github.com/jobquest/progress-engine/pkg/logger"
)

// newServerMode builds the engine the way cmd/server does with the memory
// transport: consumers on the same bus as the request path.
func newServerMode(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	ctx := context.Background()

	a, err := New(ctx, testConfig(t), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	d, err := a.Consumers()
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	require.NoError(t, a.Start(ctx))

	h := a.Handlers(true)
	srv := apihttp.NewServer(apihttp.DefaultConfig(), apihttp.Dependencies{
		RecordActivity:          h.RecordActivity,
		EvaluateProgress:        h.EvaluateProgress,
		UpdateChallengeSettings: h.UpdateChallengeSettings,
		ListActivities:          h.ListActivities,
		GetAchievementProgress:  h.GetAchievementProgress,
		GetDailyChallenges:      h.GetDailyChallenges,
		GetAccount:              h.GetAccount,
		HealthChecker:           a.Health,
		Logger:                  logger.Discard(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return a, ts
}

type recordResponse struct {
	Success bool `json:"success"`
	Data    struct {
		NewAchievements []struct {
			Achievement struct {
				ID string `json:"id"`
			} `json:"achievement"`
		} `json:"newAchievements"`
		XPAwarded int `json:"xpAwarded"`
	} `json:"data"`
}

func (r recordResponse) unlocked(id string) bool {
	for _, u := range r.Data.NewAchievements {
		if u.Achievement.ID == id {
			return true
		}
	}
	return false
}

func TestServerMode_ResponseKeepsUnlocksUnderConcurrency(t *testing.T) {
	_, ts := newServerMode(t)

	const users = 64
	body, err := json.Marshal(map[string]any{
		"type":  activity.TypeJobApplication,
		"title": "Backend role",
	})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		missed []string
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()

			resp, err := http.Post(ts.URL+"/v1/users/"+userID+"/activities", "application/json", bytes.NewReader(body))
			if err != nil {
				mu.Lock()
				missed = append(missed, userID+": "+err.Error())
				mu.Unlock()
				return
			}
			defer resp.Body.Close()

			var out recordResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&out)
			if decodeErr != nil || resp.StatusCode != http.StatusCreated || !out.unlocked("apply-1") {
				mu.Lock()
				missed = append(missed, fmt.Sprintf("%s: status %d", userID, resp.StatusCode))
				mu.Unlock()
			}
		}(fmt.Sprintf("user-%02d", i))
	}
	wg.Wait()

	assert.Empty(t, missed, "responses without the unlocked achievement")
}

func TestServerMode_ConsumerCatchesUpSkippedEvaluation(t *testing.T) {
	a, _ := newServerMode(t)
	ctx := context.Background()

	res, err := a.Handlers(true).RecordActivity.Handle(ctx, command.RecordActivityCommand{
		UserID:         "u1",
		Type:           activity.TypeJobApplication,
		Title:          "Backend role",
		SkipEvaluation: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.NewAchievements)

	assert.Eventually(t, func() bool {
		rows, err := a.Stores.Achievements.ListUnlocked(ctx, "u1")
		if err != nil {
			return false
		}
		for _, r := range rows {
			if r.AchievementID == "apply-1" {
				return true
			}
		}
		return false
	}, eventuallyWait, eventuallyTick)
}
