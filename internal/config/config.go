package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"confbot/internal/model"
)

// Duration is a time.Duration that reads and writes as a Go duration
// string ("5m", "90s") in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// SourceConfig describes a single schedule feed (ICS export of the
// conference program).
type SourceConfig struct {
	// URL is the ICS endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
}

// ScheduleConfig controls the schedule source.
type ScheduleConfig struct {
	Sources []SourceConfig `yaml:"sources" json:"sources"`
	// CacheDir stores the last good feed body and its HTTP validators.
	CacheDir        string   `yaml:"cache_dir" json:"cache_dir"`
	RefreshInterval Duration `yaml:"refresh_interval" json:"refresh_interval"`
	// Window is how far ahead "starting soon" looks.
	Window Duration `yaml:"window" json:"window"`
	// BreakKeywords flag sessions whose category or title contains one of them.
	BreakKeywords []string `yaml:"break_keywords" json:"break_keywords"`
	// HorizonDays bounds recurrence expansion.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`
}

// LivestreamConfig controls the livestream source.
type LivestreamConfig struct {
	File            string   `yaml:"file" json:"file"`
	RefreshInterval Duration `yaml:"refresh_interval" json:"refresh_interval"`
	// Watch reloads the file as soon as it changes, in addition to the timer.
	Watch bool `yaml:"watch" json:"watch"`
}

// RoomConfig maps one room to its Discord channel.
type RoomConfig struct {
	ChannelID string `yaml:"channel_id" json:"channel_id"`
}

// NotifyConfig controls the due-session scan.
type NotifyConfig struct {
	ScanInterval     Duration `yaml:"scan_interval" json:"scan_interval"`
	FastScanInterval Duration `yaml:"fast_scan_interval" json:"fast_scan_interval"`
	// MainChannel is the room key of the main aggregation channel.
	MainChannel string `yaml:"main_channel" json:"main_channel"`
	// Templates. {room}, {minutes} and {url} are substituted.
	RoomLead      string `yaml:"room_lead" json:"room_lead"`
	MainHeader    string `yaml:"main_header" json:"main_header"`
	TopicTemplate string `yaml:"topic_template" json:"topic_template"`
	// Footer is shown under every session message (e.g. the event name).
	Footer string `yaml:"footer" json:"footer"`
}

// SimulationConfig enables simulated/accelerated time for rehearsals.
type SimulationConfig struct {
	// StartTime (RFC3339). When set, the clock starts here and all room
	// channels are purged on startup.
	StartTime string `yaml:"start_time" json:"start_time"`
	FastMode  bool   `yaml:"fast_mode" json:"fast_mode"`
	// Speed multiplies the passage of simulated time. Zero means 1, or 60
	// in fast mode.
	Speed float64 `yaml:"speed" json:"speed"`
}

// DiscordConfig holds transport settings. The token is read from the
// DISCORD_TOKEN environment variable, never from this file.
type DiscordConfig struct {
	// RequestsPerSecond throttles REST calls made by the bot.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	JSON  bool   `yaml:"json" json:"json"`
	File  string `yaml:"file" json:"file"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone of the conference (e.g. "Europe/Madrid").
	Timezone string `yaml:"timezone" json:"timezone"`

	Schedule   ScheduleConfig        `yaml:"schedule" json:"schedule"`
	Livestream LivestreamConfig      `yaml:"livestream" json:"livestream"`
	Rooms      map[string]RoomConfig `yaml:"rooms" json:"rooms"`
	Notify     NotifyConfig          `yaml:"notify" json:"notify"`
	Simulation SimulationConfig      `yaml:"simulation" json:"simulation"`
	Discord    DiscordConfig         `yaml:"discord" json:"discord"`
	Log        LogConfig             `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen        = "127.0.0.1:8080"
	defaultTimezone      = "Europe/Madrid"
	defaultRefresh       = 5 * time.Minute
	defaultWindow        = 5 * time.Minute
	defaultScan          = 60 * time.Second
	defaultFastScan      = 2 * time.Second
	defaultMainChannel   = "main_channel"
	defaultRoomLead      = "# Starting in {minutes} minutes @ {room}"
	defaultMainHeader    = "# Sessions starting in {minutes} minutes:"
	defaultTopicTemplate = "Livestream: [YouTube]({url})"
	defaultHorizonDays   = 7
	defaultFastSpeed     = 60
)

func defaultBreakKeywords() []string {
	return []string{"break", "coffee", "lunch", "descanso", "comida", "café"}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		Schedule: ScheduleConfig{
			Sources:  []SourceConfig{},
			CacheDir: "./var/schedule-cache",
		},
		Livestream: LivestreamConfig{
			File: "./livestreams.yaml",
		},
		Rooms: map[string]RoomConfig{},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Room keys are
// normalized so lookups are case and space insensitive.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Schedule.Sources == nil {
		c.Schedule.Sources = []SourceConfig{}
	}
	for i := range c.Schedule.Sources {
		if c.Schedule.Sources[i].ID == "" {
			c.Schedule.Sources[i].ID = c.Schedule.Sources[i].URL
		}
	}
	if c.Schedule.RefreshInterval <= 0 {
		c.Schedule.RefreshInterval = Duration(defaultRefresh)
	}
	if c.Schedule.Window <= 0 {
		c.Schedule.Window = Duration(defaultWindow)
	}
	if c.Schedule.BreakKeywords == nil {
		c.Schedule.BreakKeywords = defaultBreakKeywords()
	}
	if c.Schedule.HorizonDays <= 0 {
		c.Schedule.HorizonDays = defaultHorizonDays
	}
	if c.Livestream.RefreshInterval <= 0 {
		c.Livestream.RefreshInterval = Duration(defaultRefresh)
	}
	if c.Notify.ScanInterval <= 0 {
		c.Notify.ScanInterval = Duration(defaultScan)
	}
	if c.Notify.FastScanInterval <= 0 {
		c.Notify.FastScanInterval = Duration(defaultFastScan)
	}
	if c.Notify.MainChannel == "" {
		c.Notify.MainChannel = defaultMainChannel
	}
	c.Notify.MainChannel = model.NormalizeRoom(c.Notify.MainChannel)
	if c.Notify.RoomLead == "" {
		c.Notify.RoomLead = defaultRoomLead
	}
	if c.Notify.MainHeader == "" {
		c.Notify.MainHeader = defaultMainHeader
	}
	if c.Notify.TopicTemplate == "" {
		c.Notify.TopicTemplate = defaultTopicTemplate
	}
	if c.Simulation.Speed <= 0 {
		c.Simulation.Speed = 1
		if c.Simulation.FastMode {
			c.Simulation.Speed = defaultFastSpeed
		}
	}
	if c.Discord.RequestsPerSecond <= 0 {
		c.Discord.RequestsPerSecond = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	rooms := make(map[string]RoomConfig, len(c.Rooms))
	for name, rc := range c.Rooms {
		rooms[model.NormalizeRoom(name)] = rc
	}
	c.Rooms = rooms
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	for i, s := range c.Schedule.Sources {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("schedule.sources[%d]: url is empty", i))
		}
	}
	for name, rc := range c.Rooms {
		if rc.ChannelID == "" {
			errs = append(errs, fmt.Errorf("rooms.%s: channel_id is empty", name))
		}
	}
	if _, err := c.SimulatedStart(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SimulatedStart parses simulation.start_time. The zero time means
// simulation is off.
func (c *Config) SimulatedStart() (time.Time, error) {
	s := strings.TrimSpace(c.Simulation.StartTime)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("simulation.start_time %q: %w", s, err)
	}
	return t, nil
}

// Simulated reports whether simulated time is configured.
func (c *Config) Simulated() bool {
	return strings.TrimSpace(c.Simulation.StartTime) != ""
}

// ActiveScanInterval is the scan interval for the current mode. The fast
// interval is only used when fast mode and simulated time are both on.
func (c *Config) ActiveScanInterval() time.Duration {
	if c.Simulation.FastMode && c.Simulated() {
		return c.Notify.FastScanInterval.Std()
	}
	return c.Notify.ScanInterval.Std()
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".confbot-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
