package challenge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jobquest/progress-engine/internal/domain/rule"
)

// instanceNamespace seeds the UUIDv5 instance ids.
var instanceNamespace = uuid.MustParse("6f1c2a7e-8d3b-5e44-9a10-3c5b7d9e2f81")

// InstanceID is the deterministic id of the (day, kind, target) instance.
func InstanceID(day string, kind Kind, target int) string {
	name := day + "|" + string(kind) + "|" + strconv.Itoa(target)
	return uuid.NewSHA1(instanceNamespace, []byte(name)).String()
}

// Instantiate builds the instances for day (local midnight) from the user's
// enabled settings. Disabled kinds produce nothing.
func Instantiate(s Settings, rewards Rewards, day time.Time) ([]DailyChallenge, error) {
	out := make([]DailyChallenge, 0, 3)
	dayStr := day.Format(time.DateOnly)

	for _, item := range []struct {
		kind   Kind
		t      Target
		reward int
	}{
		{KindNotebookEntries, s.NotebookEntries, rewards.NotebookEntries},
		{KindLearningMaterials, s.LearningMaterials, rewards.LearningMaterials},
		{KindJobApplications, s.JobApplications, rewards.JobApplications},
	} {
		if !item.t.Enabled || item.t.Target <= 0 {
			continue
		}

		raw, err := rule.Encode(item.kind.Rule(item.t.Target))
		if err != nil {
			return nil, fmt.Errorf("encode %s requirement: %w", item.kind, err)
		}

		title, description := describe(item.kind, item.t.Target)
		out = append(out, DailyChallenge{
			ID:          InstanceID(dayStr, item.kind, item.t.Target),
			Title:       title,
			Description: description,
			Kind:        item.kind,
			Requirement: raw,
			XPReward:    item.reward,
			Date:        day,
		})
	}

	return out, nil
}

func describe(kind Kind, target int) (string, string) {
	plural := func(one, many string) string {
		if target == 1 {
			return one
		}
		return many
	}

	switch kind {
	case KindNotebookEntries:
		return "Daily reflection",
			fmt.Sprintf("Write %d notebook %s today", target, plural("entry", "entries"))
	case KindLearningMaterials:
		return "Keep learning",
			fmt.Sprintf("Complete %d learning %s today", target, plural("resource", "resources"))
	case KindJobApplications:
		return "Apply yourself",
			fmt.Sprintf("Submit %d job %s today", target, plural("application", "applications"))
	}
	return string(kind), ""
}
