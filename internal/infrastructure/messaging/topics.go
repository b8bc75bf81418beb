// Package messaging implements the event bus: topic routing, per-user
// partitioning, the in-memory and Redis Streams transports, and the
// dispatcher that fans events out to isolated handlers.
package messaging

import (
	"hash/fnv"
	"strings"

	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// Topic is a named stream of events.
type Topic string

const (
	TopicMissionEvents    Topic = "mission-events"
	TopicJobApplications  Topic = "job-applications"
	TopicAchievements     Topic = "achievements"
	TopicNotifications    Topic = "notifications"
	TopicDailyChallenges  Topic = "daily-challenges"
	TopicLearningProgress Topic = "learning-progress"
	TopicUserActivities   Topic = "user-activities"
	TopicSystemEvents     Topic = "system-events"
)

// DefaultTopic receives event types no route matches.
const DefaultTopic = TopicUserActivities

// route maps a dotted type prefix to a topic.
type route struct {
	prefix string
	topic  Topic
}

// routes is checked in order; longer prefixes come before shorter ones that
// could shadow them.
var routes = []route{
	{"daily.challenge", TopicDailyChallenges},
	{"mission", TopicMissionEvents},
	{"job", TopicJobApplications},
	{"achievement", TopicAchievements},
	{"level", TopicAchievements},
	{"xp", TopicAchievements},
	{"streak", TopicAchievements},
	{"notification", TopicNotifications},
	{"learning", TopicLearningProgress},
	{"notebook", TopicUserActivities},
	{"user", TopicSystemEvents},
	{"system", TopicSystemEvents},
}

// TopicFor picks the topic of an event type by dotted-segment prefix match:
// "mission.completed" matches "mission", "missionary.x" does not.
func TopicFor(eventType shared.EventType) Topic {
	t := string(eventType)
	for _, r := range routes {
		if t == r.prefix || strings.HasPrefix(t, r.prefix+".") {
			return r.topic
		}
	}
	return DefaultTopic
}

// AllTopics lists every topic, for consumers that want everything.
func AllTopics() []Topic {
	return []Topic{
		TopicMissionEvents,
		TopicJobApplications,
		TopicAchievements,
		TopicNotifications,
		TopicDailyChallenges,
		TopicLearningProgress,
		TopicUserActivities,
		TopicSystemEvents,
	}
}

// PartitionFor maps a user to one of n ordered lanes with FNV-1a.
func PartitionFor(userID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}
