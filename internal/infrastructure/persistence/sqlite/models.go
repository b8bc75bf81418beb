package sqlite

// Timestamps are stored as Unix microseconds so range filters and ordering
// are plain integer comparisons.

type schemaMeta struct {
	ID            int `gorm:"primaryKey"`
	SchemaVersion int `gorm:"not null"`
}

func (schemaMeta) TableName() string { return "schema_meta" }

type activityRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	UserID      string `gorm:"size:128;not null;index:idx_activities_user_created,priority:1;index:idx_activities_user_type_dim,priority:1"`
	Type        string `gorm:"size:40;not null;index:idx_activities_user_type_dim,priority:2"`
	Title       string `gorm:"not null"`
	Description string `gorm:"not null"`
	Metadata    string `gorm:"not null"`
	XPEarned    *int
	Dimension   string `gorm:"size:64;not null;index:idx_activities_user_type_dim,priority:3"`
	Quantity    int    `gorm:"not null"`
	CreatedAt   int64  `gorm:"not null;autoCreateTime:false;index:idx_activities_user_created,priority:2"`
}

func (activityRow) TableName() string { return "activities" }

type annotationRow struct {
	ActivityID string `gorm:"primaryKey;size:36"`
	Key        string `gorm:"primaryKey;size:64"`
	Value      string `gorm:"primaryKey"`
	CreatedAt  int64  `gorm:"not null;autoCreateTime:false"`
}

func (annotationRow) TableName() string { return "activity_annotations" }

type achievementRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"not null"`
	Description string `gorm:"not null"`
	Category    string `gorm:"size:32;not null"`
	XPReward    int    `gorm:"not null"`
	Requirement string `gorm:"not null"`
}

func (achievementRow) TableName() string { return "achievements" }

type unlockRow struct {
	UserID         string `gorm:"primaryKey;size:128"`
	AchievementID  string `gorm:"primaryKey;size:64"`
	UnlockedAt     int64  `gorm:"not null;index"`
	IdempotencyKey string `gorm:"size:64;not null;uniqueIndex"`
}

func (unlockRow) TableName() string { return "user_achievements" }

type challengeRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Title       string `gorm:"not null"`
	Description string `gorm:"not null"`
	Kind        string `gorm:"size:32;not null"`
	Requirement string `gorm:"not null"`
	XPReward    int    `gorm:"not null"`
	Day         string `gorm:"size:10;not null;index"`

	// Date keeps local midnight with its offset (RFC 3339).
	Date string `gorm:"not null"`
}

func (challengeRow) TableName() string { return "daily_challenges" }

type progressRow struct {
	UserID        string `gorm:"primaryKey;size:128"`
	ChallengeID   string `gorm:"primaryKey;size:36"`
	Status        string `gorm:"size:20;not null"`
	Progress      int    `gorm:"not null"`
	CompletedAt   *int64
	CompletionKey *string `gorm:"size:64;index"`
	UpdatedAt     int64   `gorm:"not null;autoUpdateTime:false"`
}

func (progressRow) TableName() string { return "daily_challenge_progress" }

type settingsRow struct {
	UserID          string `gorm:"primaryKey;size:128"`
	NotebookEnabled bool
	NotebookTarget  int
	LearningEnabled bool
	LearningTarget  int
	JobsEnabled     bool
	JobsTarget      int
	UpdatedAt       int64 `gorm:"not null;autoUpdateTime:false"`
}

func (settingsRow) TableName() string { return "challenge_settings" }

type accountRow struct {
	UserID        string `gorm:"primaryKey;size:128"`
	XP            int64  `gorm:"not null"`
	TotalXP       int64  `gorm:"not null"`
	CurrentStreak int    `gorm:"not null"`
	LongestStreak int    `gorm:"not null"`
	LastActiveOn  string `gorm:"size:10;not null"`
	UpdatedAt     int64  `gorm:"not null;autoUpdateTime:false"`
}

func (accountRow) TableName() string { return "accounts" }

type creditRow struct {
	Key       string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"size:128;not null;index"`
	Amount    int    `gorm:"not null"`
	Reason    string `gorm:"not null"`
	CreatedAt int64  `gorm:"not null;autoCreateTime:false"`
}

func (creditRow) TableName() string { return "xp_credits" }
