package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Notify    NotifyConfig    `json:"notify"`
	Calendar  CalendarConfig  `json:"calendar"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Duty      DutyConfig      `json:"duty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupChatID is the chat that receives duty notifications.
	GroupChatID  int64   `json:"group_chat_id"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifyConfig controls when and how the daily duty notification fires.
type NotifyConfig struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	// Timezone is an IANA name; defaults to Europe/Moscow.
	Timezone string `json:"timezone,omitempty"`
	// TestMode selects the startup cadence: false = daily at Hour:Minute,
	// true = every minute (plus one quick confirmation firing).
	TestMode       bool   `json:"test_mode"`
	SpreadsheetURL string `json:"spreadsheet_url,omitempty"`
	// MaxAttempts bounds the delivery retry ladder (default 5).
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// CalendarConfig points at the production-calendar lookup service.
type CalendarConfig struct {
	Token   string `json:"token"`
	Country string `json:"country,omitempty"` // default "ru"
	BaseURL string `json:"base_url,omitempty"`
	// CacheTTL is a Go duration string (default "1h").
	CacheTTL string `json:"cache_ttl,omitempty"`
	// Timeout bounds one lookup call (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

type RateLimitConfig struct {
	// Window is a Go duration string (default "60s").
	Window string `json:"window,omitempty"`
	// PerUser is the number of calls allowed per window per identity (default 1).
	PerUser int `json:"per_user,omitempty"`
}

type DutyConfig struct {
	// RosterPath is the YAML duty roster file.
	RosterPath string `json:"roster_path"`
}

// StorageConfig controls the optional sqlite delivery log.
type StorageConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}
