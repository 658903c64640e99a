// Package calendar answers "is this date a working day" using the
// production-calendar lookup service, with a TTL cache and a weekday
// fallback when the service is unreachable.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"dutybot/pkg/logx"
)

// Day type ids as reported by the lookup service.
const (
	TypeWorking      = 1 // рабочий день
	TypeDayOff       = 2 // выходной
	TypeHoliday      = 3 // праздник
	TypeRegional     = 4 // региональный праздник
	TypeShortened    = 5 // сокращённый рабочий день
	TypeAdditionally = 6 // дополнительный выходной
)

const dateLayout = "02.01.2006"

// DayInfo is one resolved calendar day.
type DayInfo struct {
	TypeID    int
	TypeText  string
	Note      string
	Date      time.Time
	FetchedAt time.Time
}

// Working reports whether the day is one people work on.
func (d *DayInfo) Working() bool {
	return d.TypeID == TypeWorking || d.TypeID == TypeShortened
}

type Config struct {
	Token    string
	Country  string
	BaseURL  string
	CacheTTL time.Duration
	Timeout  time.Duration
}

const (
	defaultBaseURL  = "https://production-calendar.ru/get-period"
	defaultCountry  = "ru"
	defaultCacheTTL = time.Hour
	defaultTimeout  = 10 * time.Second
)

type cacheEntry struct {
	info    *DayInfo
	savedAt time.Time
}

// Service resolves day types with a per-date cache. Lookup failures are
// never surfaced as errors; callers get the lookup result plus an "exact"
// flag, and decide whether the weekday fallback is acceptable.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	cache map[string]cacheEntry

	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Country == "" {
		cfg.Country = defaultCountry
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{
		cfg:    cfg,
		cache:  make(map[string]cacheEntry),
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		now:    time.Now,
	}
}

// Apply swaps lookup parameters at runtime. The cache is dropped when the
// token, base URL or country change.
func (s *Service) Apply(cfg Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Country == "" {
		cfg.Country = defaultCountry
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Token != s.cfg.Token || cfg.BaseURL != s.cfg.BaseURL || cfg.Country != s.cfg.Country {
		s.cache = make(map[string]cacheEntry)
	}
	if cfg.Timeout != s.cfg.Timeout {
		s.client = &http.Client{Timeout: cfg.Timeout}
	}
	s.cfg = cfg
}

// DayInfo returns the resolved day and whether the answer is exact
// (came from the service, directly or via cache). ok=false means the
// caller is looking at nothing and should fall back to weekday logic.
func (s *Service) DayInfo(ctx context.Context, date time.Time) (*DayInfo, bool) {
	key := date.Format(dateLayout)

	s.mu.Lock()
	ttl := s.cfg.CacheTTL
	ent, hit := s.cache[key]
	now := s.now()
	s.mu.Unlock()

	if hit && now.Sub(ent.savedAt) < ttl {
		return ent.info, true
	}

	info, err := s.fetchDay(ctx, key)
	if err != nil {
		s.log.Warn("calendar lookup failed", logx.String("date", key), logx.Err(err))
		// a stale cache entry still beats weekday guessing
		if hit {
			return ent.info, true
		}
		return nil, false
	}
	info.Date = date

	s.mu.Lock()
	s.cache[key] = cacheEntry{info: info, savedAt: s.now()}
	s.mu.Unlock()
	return info, true
}

// IsWorkingDay resolves the day, falling back to Mon-Fri arithmetic when
// the service has no answer.
func (s *Service) IsWorkingDay(ctx context.Context, date time.Time) bool {
	if info, ok := s.DayInfo(ctx, date); ok {
		return info.Working()
	}
	wd := date.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// DayLabel returns a user-facing description of the day type.
func (s *Service) DayLabel(ctx context.Context, date time.Time) string {
	if info, ok := s.DayInfo(ctx, date); ok && info.TypeText != "" {
		return info.TypeText
	}
	wd := date.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return "Выходной день"
	}
	return "Рабочий день"
}

// Exact reports whether the verdict for the date came from the service
// rather than the weekday fallback.
func (s *Service) Exact(ctx context.Context, date time.Time) bool {
	_, ok := s.DayInfo(ctx, date)
	return ok
}

// PrefetchMonth warms the cache for a whole month with a single call.
// Best effort: errors are returned for logging but individual callers
// never depend on prefetch having run.
func (s *Service) PrefetchMonth(ctx context.Context, year int, month time.Month) error {
	s.mu.Lock()
	base := s.cfg.BaseURL
	token := s.cfg.Token
	country := s.cfg.Country
	client := s.client
	s.mu.Unlock()

	period := fmt.Sprintf("%02d.%d", int(month), year)
	url := fmt.Sprintf("%s/%s/%s/%s/json?compact=true", strings.TrimRight(base, "/"), token, country, period)

	body, err := s.get(ctx, client, url)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", period, err)
	}

	var payload struct {
		Status string   `json:"status"`
		Days   []rawDay `json:"days"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("prefetch %s: decode: %w", period, err)
	}
	if payload.Status != "" && payload.Status != "ok" {
		return fmt.Errorf("prefetch %s: status %q", period, payload.Status)
	}

	n := 0
	s.mu.Lock()
	now := s.now()
	for _, d := range payload.Days {
		date, err := time.Parse(dateLayout, d.Date)
		if err != nil {
			continue
		}
		s.cache[d.Date] = cacheEntry{
			info:    &DayInfo{TypeID: d.TypeID, TypeText: d.TypeText, Note: d.Note, Date: date, FetchedAt: now},
			savedAt: now,
		}
		n++
	}
	s.mu.Unlock()

	s.log.Debug("calendar prefetch done", logx.String("period", period), logx.Int("days", n))
	return nil
}

type rawDay struct {
	Date     string `json:"date"`
	TypeID   int    `json:"type_id"`
	TypeText string `json:"type_text"`
	Note     string `json:"note"`
}

func (s *Service) fetchDay(ctx context.Context, key string) (*DayInfo, error) {
	s.mu.Lock()
	base := s.cfg.BaseURL
	token := s.cfg.Token
	country := s.cfg.Country
	client := s.client
	s.mu.Unlock()

	url := fmt.Sprintf("%s/%s/%s/%s/json", strings.TrimRight(base, "/"), token, country, key)
	body, err := s.get(ctx, client, url)
	if err != nil {
		return nil, err
	}

	// Two accepted shapes: a period envelope with a days list, or the
	// day object itself.
	var envelope struct {
		Status string   `json:"status"`
		Days   []rawDay `json:"days"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Days) > 0 {
		if envelope.Status != "" && envelope.Status != "ok" {
			return nil, fmt.Errorf("status %q", envelope.Status)
		}
		d := envelope.Days[0]
		if d.TypeID == 0 {
			return nil, fmt.Errorf("day %s: missing type_id", key)
		}
		return &DayInfo{TypeID: d.TypeID, TypeText: d.TypeText, Note: d.Note, FetchedAt: s.now()}, nil
	}

	var d rawDay
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if d.TypeID == 0 {
		return nil, fmt.Errorf("day %s: missing type_id", key)
	}
	return &DayInfo{TypeID: d.TypeID, TypeText: d.TypeText, Note: d.Note, FetchedAt: s.now()}, nil
}

func (s *Service) get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return body, nil
}
