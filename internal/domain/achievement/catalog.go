package achievement

import "encoding/json"

// DefaultCatalog is the starter catalog seeded into empty stores.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{
			ID: "first-focus", Name: "Deep Diver", Category: CategoryFocus, XPReward: 50,
			Description: "Complete your first focus mission",
			Requirement: json.RawMessage(`{"type":"MISSIONS_COMPLETED","count":1,"missionType":"FOCUS"}`),
		},
		{
			ID: "missions-10", Name: "Mission Runner", Category: CategoryMilestone, XPReward: 100,
			Description: "Complete 10 missions of any kind",
			Requirement: json.RawMessage(`{"type":"MISSIONS_COMPLETED","count":10}`),
		},
		{
			ID: "focus-600", Name: "Ten Hour Club", Category: CategoryFocus, XPReward: 200,
			Description: "Accumulate 600 minutes of focus time",
			Requirement: json.RawMessage(`{"type":"FOCUS_SESSION_DURATION","minutes":600}`),
		},
		{
			ID: "streak-7", Name: "Week of Fire", Category: CategoryStreak, XPReward: 150,
			Description: "Stay active seven days in a row",
			Requirement: json.RawMessage(`{"type":"STREAK_DAYS","days":7}`),
		},
		{
			ID: "streak-30", Name: "Iron Will", Category: CategoryStreak, XPReward: 500,
			Description: "Stay active thirty days in a row",
			Requirement: json.RawMessage(`{"type":"STREAK_DAYS","days":30}`),
		},
		{
			ID: "xp-1000", Name: "Rising Star", Category: CategoryMilestone, XPReward: 100,
			Description: "Earn 1,000 XP",
			Requirement: json.RawMessage(`{"type":"TOTAL_XP","xp":1000}`),
		},
		{
			ID: "apply-1", Name: "First Shot", Category: CategoryJobSearch, XPReward: 50,
			Description: "Submit your first job application",
			Requirement: json.RawMessage(`{"type":"JOB_APPLICATIONS","count":1}`),
		},
		{
			ID: "apply-25", Name: "Pipeline Builder", Category: CategoryJobSearch, XPReward: 250,
			Description: "Submit 25 job applications",
			Requirement: json.RawMessage(`{"type":"JOB_APPLICATIONS","count":25}`),
		},
		{
			ID: "screening-1", Name: "Foot in the Door", Category: CategoryJobSearch, XPReward: 150,
			Description: "Get an application to the screening stage",
			Requirement: json.RawMessage(`{"type":"JOB_APPLICATIONS_SCREENING","count":1}`),
		},
		{
			ID: "learn-5", Name: "Curious Mind", Category: CategoryLearning, XPReward: 75,
			Description: "Complete 5 learning resources",
			Requirement: json.RawMessage(`{"type":"LEARNING_RESOURCES","count":5}`),
		},
		{
			ID: "courses-3", Name: "Course Collector", Category: CategoryLearning, XPReward: 150,
			Description: "Complete 3 courses",
			Requirement: json.RawMessage(`{"type":"LEARNING_RESOURCES_BY_TYPE","count":3,"resourceType":"COURSE"}`),
		},
		{
			ID: "early-bird", Name: "Early Bird", Category: CategoryFocus, XPReward: 100,
			Description: "Complete 5 focus sessions before 8am",
			Requirement: json.RawMessage(`{"type":"EARLY_FOCUS_SESSIONS","count":5}`),
		},
	}
}
