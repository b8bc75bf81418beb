package messaging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

func TestTopicFor_RoutingTable(t *testing.T) {
	tests := []struct {
		eventType shared.EventType
		want      Topic
	}{
		{"mission.completed", TopicMissionEvents},
		{"job.application.created", TopicJobApplications},
		{"job.application.status_changed", TopicJobApplications},
		{"achievement.unlocked", TopicAchievements},
		{"level.up", TopicAchievements},
		{"xp.credited", TopicAchievements},
		{"streak.updated", TopicAchievements},
		{"notification.created", TopicNotifications},
		{"daily.challenge.completed", TopicDailyChallenges},
		{"daily.challenge.progress", TopicDailyChallenges},
		{"learning.resource.completed", TopicLearningProgress},
		{"notebook.entry.created", TopicUserActivities},
		{"user.activity.recorded", TopicSystemEvents},
		{"system.xp_reconciled", TopicSystemEvents},
		{"something.else", TopicUserActivities},
		{"daily.summary", TopicUserActivities},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.want, TopicFor(tt.eventType))
		})
	}
}

func TestTopicFor_MatchesWholeSegments(t *testing.T) {
	assert.Equal(t, DefaultTopic, TopicFor("missionary.started"))
	assert.Equal(t, DefaultTopic, TopicFor("jobs.listed"))
	assert.Equal(t, TopicMissionEvents, TopicFor("mission"))
}

func TestPartitionFor_StableAndBounded(t *testing.T) {
	for i := 0; i < 200; i++ {
		user := fmt.Sprintf("user-%d", i)
		p := PartitionFor(user, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, PartitionFor(user, 8))
	}

	assert.Equal(t, 0, PartitionFor("anyone", 1))
	assert.Equal(t, 0, PartitionFor("anyone", 0))
}

func TestAllTopics_CoversRoutes(t *testing.T) {
	all := make(map[Topic]bool)
	for _, topic := range AllTopics() {
		all[topic] = true
	}
	for _, r := range routes {
		assert.True(t, all[r.topic], "route %s targets unlisted topic", r.prefix)
	}
	assert.True(t, all[DefaultTopic])
}
