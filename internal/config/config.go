// Package config loads and validates the velometry configuration from YAML
// and environment variables. Structural validation runs against an embedded
// JSON schema; semantic rules (weight sums, offsets, thresholds) are checked
// in Go afterwards. Partial or malformed configuration always fails the
// load; it is never silently coerced.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/velometry/velometry/internal/auth"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/record"
)

// Sentinel validation errors.
var (
	ErrInvalidPort       = errors.New("invalid dashboard port")
	ErrWeightSum         = errors.New("performance weights must sum to 1.0 (±0.01)")
	ErrWeightRange       = errors.New("performance weight outside [0, 1]")
	ErrNegativeOffset    = errors.New("timeOffsetDays must be >= 0")
	ErrHugeThreshold     = errors.New("pagination.hugeThreshold is required when pagination is enabled")
	ErrBatchSize         = errors.New("pagination batch sizes must be positive")
	ErrEvictionPolicy    = errors.New("cache.evictionPolicy must be lru or ttl")
	ErrRateLimitStore    = errors.New("rateLimiting.storageUri supports memory:// only")
	ErrRateLimitSpec     = errors.New("rateLimiting.defaultLimit must be N/second, N/minute, or N/hour")
	ErrAuthUsers         = errors.New("auth is enabled but no users are configured")
	ErrAttribution       = errors.New("incidents.attribution must be window or next-release")
	ErrClassification    = errors.New("invalid release classification rule")
	ErrClassificationEnv = errors.New("classification environment must be production, staging, or other")
	ErrTeamName          = errors.New("invalid team name")
	ErrMemberLogin       = errors.New("invalid member login")
	ErrRepositoryRef     = errors.New("repository must be owner/name")
	ErrWorkerCount       = errors.New("collection worker counts must be positive")
	ErrUnknownEnviron    = errors.New("unknown issue-tracker environment")
	ErrRetentionDays     = errors.New("performance.retentionDays must be positive")
	ErrBlastRadius       = errors.New("incidents.blastRadiusHours must be positive")
	ErrCacheMemoryBytes  = errors.New("cache.memoryMaxBytes must be positive")
)

// Default configuration values.
const (
	defaultPort           = 8180
	defaultPageSize       = 50
	defaultHostRetries    = 3
	defaultHostRetryBase  = 1
	defaultHostRetryCap   = 30
	defaultHostTimeout    = 30
	defaultBatchSize      = 100
	defaultLargeBatch     = 1000
	defaultTrackerRetries = 3
	defaultRetryDelay     = 5
	defaultTrackerTimeout = 30
	defaultCountTimeout   = 10
	defaultBlastRadius    = 24
	defaultTeamWorkers    = 3
	defaultRepoWorkers    = 5
	defaultPersonWorkers  = 8
	defaultMemoryMax      = 64 * 1024 * 1024
	defaultTTLSeconds     = 3600
	defaultMaxArtifacts   = 50
	defaultRetentionDays  = 30
	defaultEventWorkers   = 4
	defaultEventHistory   = 256
	defaultRateLimit      = "120/minute"
	maxPort               = 65535
	weightSumTolerance    = 0.01
	repositoryRefParts    = 2
)

// Incident attribution modes.
const (
	AttributionWindow      = "window"
	AttributionNextRelease = "next-release"
)

// Config is the root configuration for both the collection job and the
// dashboard server.
type Config struct {
	SourceHost    SourceHostConfig    `mapstructure:"sourceHost"`
	IssueTracker  IssueTrackerConfig  `mapstructure:"issueTracker"`
	Releases      ReleasesConfig      `mapstructure:"releases"`
	Teams         []TeamConfig        `mapstructure:"teams"`
	Dashboard     DashboardConfig     `mapstructure:"dashboard"`
	Weights       WeightsConfig       `mapstructure:"performanceWeights"`
	Scoring       ScoringConfig       `mapstructure:"scoring"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Performance   PerformanceConfig   `mapstructure:"performance"`
	Collection    CollectionConfig    `mapstructure:"collection"`
	Events        EventsConfig        `mapstructure:"events"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// SourceHostConfig holds the source-hosting GraphQL API settings.
type SourceHostConfig struct {
	Token            string `mapstructure:"token"`
	Organization     string `mapstructure:"organization"`
	BaseURL          string `mapstructure:"baseUrl"`
	PageSize         int    `mapstructure:"pageSize"`
	MaxRetries       int    `mapstructure:"maxRetries"`
	RetryBaseSeconds int    `mapstructure:"retryBaseSeconds"`
	RetryCapSeconds  int    `mapstructure:"retryCapSeconds"`
	TimeoutSeconds   int    `mapstructure:"timeoutSeconds"`
}

// IssueTrackerConfig holds the JQL/REST issue-tracker settings.
type IssueTrackerConfig struct {
	Server              string                       `mapstructure:"server"`
	Username            string                       `mapstructure:"username"`
	APIToken            string                       `mapstructure:"apiToken"`
	ProjectKeys         []string                     `mapstructure:"projectKeys"`
	VerifySSL           bool                         `mapstructure:"verifySsl"`
	TimeoutSeconds      int                          `mapstructure:"timeoutSeconds"`
	CountTimeoutSeconds int                          `mapstructure:"countTimeoutSeconds"`
	Environments        map[string]EnvironmentConfig `mapstructure:"environments"`
	Pagination          PaginationConfig             `mapstructure:"pagination"`
	Incidents           IncidentsConfig              `mapstructure:"incidents"`
}

// Environment resolves an environment name to its tracker settings. The
// empty name selects the primary tracker with no offset.
func (c IssueTrackerConfig) Environment(name string) (EnvironmentConfig, error) {
	if name == "" {
		return EnvironmentConfig{Server: c.Server}, nil
	}

	env, ok := c.Environments[name]
	if !ok {
		return EnvironmentConfig{}, fmt.Errorf("%w: %q", ErrUnknownEnviron, name)
	}

	if env.Server == "" {
		env.Server = c.Server
	}

	return env, nil
}

// EnvironmentConfig describes one alternate issue-tracker environment whose
// data lags production by a fixed number of days.
type EnvironmentConfig struct {
	Server         string `mapstructure:"server"`
	TimeOffsetDays int    `mapstructure:"timeOffsetDays"`
	FilterIDs      []int  `mapstructure:"filterIds"`
}

// PaginationConfig tunes the adaptive issue pagination strategy.
// HugeThreshold deliberately has no default: enabling pagination without
// stating the threshold is a configuration error.
type PaginationConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	BatchSize              int  `mapstructure:"batchSize"`
	LargeBatchSize         int  `mapstructure:"largeBatchSize"`
	HugeThreshold          int  `mapstructure:"hugeThreshold"`
	FetchChangelogForLarge bool `mapstructure:"fetchChangelogForLarge"`
	MaxRetries             int  `mapstructure:"maxRetries"`
	RetryDelaySeconds      int  `mapstructure:"retryDelaySeconds"`
}

// RetryDelay returns the base delay between batch retries.
func (c PaginationConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// IncidentsConfig identifies incident issues and the release attribution
// rule for change-failure metrics.
type IncidentsConfig struct {
	Types            []string `mapstructure:"types"`
	Labels           []string `mapstructure:"labels"`
	BlastRadiusHours int      `mapstructure:"blastRadiusHours"`
	Attribution      string   `mapstructure:"attribution"`
}

// BlastRadius returns the incident attribution window as a duration.
func (c IncidentsConfig) BlastRadius() time.Duration {
	return time.Duration(c.BlastRadiusHours) * time.Hour
}

// AttributeUntilNextRelease reports whether incidents attach to the latest
// preceding release instead of a fixed window.
func (c IncidentsConfig) AttributeUntilNextRelease() bool {
	return c.Attribution == AttributionNextRelease
}

// ReleasesConfig holds release environment classification rules.
type ReleasesConfig struct {
	Classification []ClassificationRule `mapstructure:"classification"`
}

// ClassificationRule maps release tags matching Pattern to Environment.
// Rules apply in order; the first match wins.
type ClassificationRule struct {
	Pattern     string `mapstructure:"pattern"`
	Environment string `mapstructure:"environment"`
}

// TeamConfig names one team, its members, and its repositories.
type TeamConfig struct {
	Name         string         `mapstructure:"name"`
	Members      []MemberConfig `mapstructure:"members"`
	Repositories []string       `mapstructure:"repositories"`
}

// MemberConfig links a person's display name to their logins on both
// upstreams.
type MemberConfig struct {
	Name              string `mapstructure:"name"`
	SourceLogin       string `mapstructure:"sourceLogin"`
	IssueTrackerLogin string `mapstructure:"issueTrackerLogin"`
}

// DashboardConfig holds the HTTP server settings.
type DashboardConfig struct {
	Port              int             `mapstructure:"port"`
	Debug             bool            `mapstructure:"debug"`
	EnableHSTS        bool            `mapstructure:"enableHsts"`
	RefusePartialData bool            `mapstructure:"refusePartialData"`
	ReadTimeout       time.Duration   `mapstructure:"readTimeout"`
	WriteTimeout      time.Duration   `mapstructure:"writeTimeout"`
	IdleTimeout       time.Duration   `mapstructure:"idleTimeout"`
	Auth              AuthConfig      `mapstructure:"auth"`
	RateLimiting      RateLimitConfig `mapstructure:"rateLimiting"`
}

// AuthConfig holds HTTP basic-auth users.
type AuthConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Users   []UserConfig `mapstructure:"users"`
}

// UserConfig is one dashboard user with a PBKDF2-SHA256 password hash.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"passwordHashPbkdf2Sha256"`
}

// RateLimitConfig tunes per-client request rate limiting. Only the
// in-process memory:// store is supported; any other URI is rejected rather
// than silently coerced.
type RateLimitConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DefaultLimit string `mapstructure:"defaultLimit"`
	StorageURI   string `mapstructure:"storageUri"`
}

// rateLimitIntervals maps limit-spec units to their period.
var rateLimitIntervals = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
}

var rateLimitPattern = regexp.MustCompile(`^(\d+)/(second|minute|hour)$`)

// ParseLimit parses DefaultLimit ("120/minute") into the number of events
// and the period they are spread over.
func (c RateLimitConfig) ParseLimit() (events int, per time.Duration, err error) {
	m := rateLimitPattern.FindStringSubmatch(c.DefaultLimit)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrRateLimitSpec, c.DefaultLimit)
	}

	events, atoiErr := strconv.Atoi(m[1])
	if atoiErr != nil || events <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrRateLimitSpec, c.DefaultLimit)
	}

	return events, rateLimitIntervals[m[2]], nil
}

// WeightsConfig is the performance-score weight vector. The ten weights
// must each lie in [0, 1] and sum to 1.0 within ±0.01.
type WeightsConfig struct {
	PRs                 float64 `json:"prs"                 mapstructure:"prs"`
	Reviews             float64 `json:"reviews"             mapstructure:"reviews"`
	Commits             float64 `json:"commits"             mapstructure:"commits"`
	CycleTime           float64 `json:"cycleTime"           mapstructure:"cycleTime"`
	JiraCompleted       float64 `json:"jiraCompleted"       mapstructure:"jiraCompleted"`
	MergeRate           float64 `json:"mergeRate"           mapstructure:"mergeRate"`
	DeploymentFrequency float64 `json:"deploymentFrequency" mapstructure:"deploymentFrequency"`
	LeadTime            float64 `json:"leadTime"            mapstructure:"leadTime"`
	ChangeFailureRate   float64 `json:"changeFailureRate"   mapstructure:"changeFailureRate"`
	MTTR                float64 `json:"mttr"                mapstructure:"mttr"`
}

// Sum returns the total of the ten weights.
func (w WeightsConfig) Sum() float64 {
	return w.PRs + w.Reviews + w.Commits + w.CycleTime + w.JiraCompleted +
		w.MergeRate + w.DeploymentFrequency + w.LeadTime + w.ChangeFailureRate + w.MTTR
}

// Validate enforces the range and sum constraints.
func (w WeightsConfig) Validate() error {
	for name, value := range map[string]float64{
		"prs": w.PRs, "reviews": w.Reviews, "commits": w.Commits,
		"cycleTime": w.CycleTime, "jiraCompleted": w.JiraCompleted,
		"mergeRate": w.MergeRate, "deploymentFrequency": w.DeploymentFrequency,
		"leadTime": w.LeadTime, "changeFailureRate": w.ChangeFailureRate, "mttr": w.MTTR,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%w: %s=%v", ErrWeightRange, name, value)
		}
	}

	sum := w.Sum()
	if sum < 1-weightSumTolerance || sum > 1+weightSumTolerance {
		return fmt.Errorf("%w: got %.4f", ErrWeightSum, sum)
	}

	return nil
}

// ScoringConfig tunes peer-normalized scoring.
type ScoringConfig struct {
	NormalizeByTeamSize bool `mapstructure:"normalizeByTeamSize"`
}

// CacheConfig holds the two-tier cache settings.
type CacheConfig struct {
	Directory      string   `mapstructure:"directory"`
	MemoryMaxBytes int64    `mapstructure:"memoryMaxBytes"`
	TTLSeconds     int      `mapstructure:"ttlSeconds"`
	EvictionPolicy string   `mapstructure:"evictionPolicy"`
	MaxArtifacts   int      `mapstructure:"maxArtifacts"`
	WarmKeys       []string `mapstructure:"warmKeys"`
}

// TTL returns the configured entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// PerformanceConfig holds the durable request-tracker settings.
type PerformanceConfig struct {
	DatabasePath  string `mapstructure:"databasePath"`
	RetentionDays int    `mapstructure:"retentionDays"`
}

// CollectionConfig bounds the collection job's worker pools.
type CollectionConfig struct {
	TeamWorkers   int `mapstructure:"teamWorkers"`
	RepoWorkers   int `mapstructure:"repoWorkers"`
	PersonWorkers int `mapstructure:"personWorkers"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	AsyncWorkers int `mapstructure:"asyncWorkers"`
	HistorySize  int `mapstructure:"historySize"`
}

// ObservabilityConfig holds logging and telemetry settings.
type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	LogJSON      bool   `mapstructure:"logJson"`
	LogLevel     string `mapstructure:"logLevel"`
}

// Team returns the named team.
func (c *Config) Team(name string) (TeamConfig, bool) {
	for _, team := range c.Teams {
		if team.Name == name {
			return team, true
		}
	}

	return TeamConfig{}, false
}

// Member returns the team member with the given source login, searching all
// teams.
func (c *Config) Member(sourceLogin string) (MemberConfig, bool) {
	for _, team := range c.Teams {
		for _, member := range team.Members {
			if member.SourceLogin == sourceLogin {
				return member, true
			}
		}
	}

	return MemberConfig{}, false
}

// LoadConfig loads configuration from file and environment variables.
// The file is validated against the embedded JSON schema before unmarshal.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	// Set defaults.
	setDefaults(viperCfg)

	// Read config file.
	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/velometry")
	}

	// Read environment variables.
	viperCfg.SetEnvPrefix("VELOMETRY")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("%w: read config file: %v", errdefs.ErrConfig, readErr)
		}
	}

	// Structural gate: the file itself must satisfy the schema.
	if used := viperCfg.ConfigFileUsed(); used != "" {
		if schemaErr := validateSchema(used); schemaErr != nil {
			return nil, schemaErr
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", errdefs.ErrConfig, unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	// Source host defaults.
	viperCfg.SetDefault("sourceHost.baseUrl", "https://api.github.com/graphql")
	viperCfg.SetDefault("sourceHost.pageSize", defaultPageSize)
	viperCfg.SetDefault("sourceHost.maxRetries", defaultHostRetries)
	viperCfg.SetDefault("sourceHost.retryBaseSeconds", defaultHostRetryBase)
	viperCfg.SetDefault("sourceHost.retryCapSeconds", defaultHostRetryCap)
	viperCfg.SetDefault("sourceHost.timeoutSeconds", defaultHostTimeout)

	// Issue tracker defaults.
	viperCfg.SetDefault("issueTracker.verifySsl", true)
	viperCfg.SetDefault("issueTracker.timeoutSeconds", defaultTrackerTimeout)
	viperCfg.SetDefault("issueTracker.countTimeoutSeconds", defaultCountTimeout)
	viperCfg.SetDefault("issueTracker.pagination.enabled", false)
	viperCfg.SetDefault("issueTracker.pagination.batchSize", defaultBatchSize)
	viperCfg.SetDefault("issueTracker.pagination.largeBatchSize", defaultLargeBatch)
	viperCfg.SetDefault("issueTracker.pagination.fetchChangelogForLarge", false)
	viperCfg.SetDefault("issueTracker.pagination.maxRetries", defaultTrackerRetries)
	viperCfg.SetDefault("issueTracker.pagination.retryDelaySeconds", defaultRetryDelay)
	viperCfg.SetDefault("issueTracker.incidents.types", []string{"Incident"})
	viperCfg.SetDefault("issueTracker.incidents.blastRadiusHours", defaultBlastRadius)
	viperCfg.SetDefault("issueTracker.incidents.attribution", AttributionWindow)

	// Dashboard defaults.
	viperCfg.SetDefault("dashboard.port", defaultPort)
	viperCfg.SetDefault("dashboard.debug", false)
	viperCfg.SetDefault("dashboard.enableHsts", false)
	viperCfg.SetDefault("dashboard.refusePartialData", false)
	viperCfg.SetDefault("dashboard.readTimeout", "15s")
	viperCfg.SetDefault("dashboard.writeTimeout", "30s")
	viperCfg.SetDefault("dashboard.idleTimeout", "60s")
	viperCfg.SetDefault("dashboard.auth.enabled", false)
	viperCfg.SetDefault("dashboard.rateLimiting.enabled", true)
	viperCfg.SetDefault("dashboard.rateLimiting.defaultLimit", defaultRateLimit)
	viperCfg.SetDefault("dashboard.rateLimiting.storageUri", "memory://")

	// Performance weight defaults.
	viperCfg.SetDefault("performanceWeights.prs", 0.15)
	viperCfg.SetDefault("performanceWeights.reviews", 0.10)
	viperCfg.SetDefault("performanceWeights.commits", 0.10)
	viperCfg.SetDefault("performanceWeights.cycleTime", 0.15)
	viperCfg.SetDefault("performanceWeights.jiraCompleted", 0.10)
	viperCfg.SetDefault("performanceWeights.mergeRate", 0.10)
	viperCfg.SetDefault("performanceWeights.deploymentFrequency", 0.10)
	viperCfg.SetDefault("performanceWeights.leadTime", 0.10)
	viperCfg.SetDefault("performanceWeights.changeFailureRate", 0.05)
	viperCfg.SetDefault("performanceWeights.mttr", 0.05)

	// Scoring defaults.
	viperCfg.SetDefault("scoring.normalizeByTeamSize", false)

	// Cache defaults.
	viperCfg.SetDefault("cache.directory", "./data/cache")
	viperCfg.SetDefault("cache.memoryMaxBytes", defaultMemoryMax)
	viperCfg.SetDefault("cache.ttlSeconds", defaultTTLSeconds)
	viperCfg.SetDefault("cache.evictionPolicy", "lru")
	viperCfg.SetDefault("cache.maxArtifacts", defaultMaxArtifacts)

	// Performance tracker defaults.
	viperCfg.SetDefault("performance.databasePath", "./data/perf.db")
	viperCfg.SetDefault("performance.retentionDays", defaultRetentionDays)

	// Collection defaults.
	viperCfg.SetDefault("collection.teamWorkers", defaultTeamWorkers)
	viperCfg.SetDefault("collection.repoWorkers", defaultRepoWorkers)
	viperCfg.SetDefault("collection.personWorkers", defaultPersonWorkers)

	// Event bus defaults.
	viperCfg.SetDefault("events.asyncWorkers", defaultEventWorkers)
	viperCfg.SetDefault("events.historySize", defaultEventHistory)

	// Observability defaults.
	viperCfg.SetDefault("observability.logJson", true)
	viperCfg.SetDefault("observability.logLevel", "info")
}

// validateConfig validates semantic constraints the schema cannot express.
func validateConfig(config *Config) error {
	if config.Dashboard.Port <= 0 || config.Dashboard.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Dashboard.Port)
	}

	if err := config.Weights.Validate(); err != nil {
		return err
	}

	if err := validateTracker(&config.IssueTracker); err != nil {
		return err
	}

	if err := validateTeams(config.Teams); err != nil {
		return err
	}

	if err := validateDashboard(&config.Dashboard); err != nil {
		return err
	}

	if err := validateClassification(config.Releases.Classification); err != nil {
		return err
	}

	if config.Cache.EvictionPolicy != "lru" && config.Cache.EvictionPolicy != "ttl" {
		return fmt.Errorf("%w: %q", ErrEvictionPolicy, config.Cache.EvictionPolicy)
	}

	if config.Cache.MemoryMaxBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrCacheMemoryBytes, config.Cache.MemoryMaxBytes)
	}

	if config.Performance.RetentionDays <= 0 {
		return fmt.Errorf("%w: %d", ErrRetentionDays, config.Performance.RetentionDays)
	}

	if config.Collection.TeamWorkers <= 0 || config.Collection.RepoWorkers <= 0 || config.Collection.PersonWorkers <= 0 {
		return ErrWorkerCount
	}

	return nil
}

// validateTracker checks offsets, pagination, and incident settings.
func validateTracker(tracker *IssueTrackerConfig) error {
	for name, env := range tracker.Environments {
		if env.TimeOffsetDays < 0 {
			return fmt.Errorf("%w: environment %q has offset %d", ErrNegativeOffset, name, env.TimeOffsetDays)
		}
	}

	pagination := tracker.Pagination
	if pagination.Enabled {
		// No built-in default: the operator must state the threshold.
		if pagination.HugeThreshold <= 0 {
			return ErrHugeThreshold
		}

		if pagination.BatchSize <= 0 || pagination.LargeBatchSize <= 0 {
			return ErrBatchSize
		}
	}

	if tracker.Incidents.BlastRadiusHours <= 0 {
		return fmt.Errorf("%w: %d", ErrBlastRadius, tracker.Incidents.BlastRadiusHours)
	}

	attribution := tracker.Incidents.Attribution
	if attribution != AttributionWindow && attribution != AttributionNextRelease {
		return fmt.Errorf("%w: %q", ErrAttribution, attribution)
	}

	return nil
}

// validateTeams checks team names, member logins, and repository refs.
func validateTeams(teams []TeamConfig) error {
	for _, team := range teams {
		if !record.ValidTeamName(team.Name) {
			return fmt.Errorf("%w: %q", ErrTeamName, team.Name)
		}

		for _, member := range team.Members {
			if !record.ValidLogin(member.SourceLogin) {
				return fmt.Errorf("%w: %q in team %q", ErrMemberLogin, member.SourceLogin, team.Name)
			}
		}

		for _, repo := range team.Repositories {
			if _, _, ok := SplitRepo(repo); !ok {
				return fmt.Errorf("%w: %q in team %q", ErrRepositoryRef, repo, team.Name)
			}
		}
	}

	return nil
}

// validateDashboard checks auth users and the rate-limit settings.
func validateDashboard(dashboard *DashboardConfig) error {
	if dashboard.Auth.Enabled {
		if len(dashboard.Auth.Users) == 0 {
			return ErrAuthUsers
		}

		for _, user := range dashboard.Auth.Users {
			if _, err := auth.ParseHash(user.PasswordHash); err != nil {
				return fmt.Errorf("user %q: %w", user.Username, err)
			}
		}
	}

	if dashboard.RateLimiting.Enabled {
		if _, _, err := dashboard.RateLimiting.ParseLimit(); err != nil {
			return err
		}

		if !strings.HasPrefix(dashboard.RateLimiting.StorageURI, "memory://") {
			return fmt.Errorf("%w: %q", ErrRateLimitStore, dashboard.RateLimiting.StorageURI)
		}
	}

	return nil
}

// validateClassification compiles every rule and checks its target
// environment.
func validateClassification(rules []ClassificationRule) error {
	for _, rule := range rules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrClassification, rule.Pattern, err)
		}

		switch record.ReleaseEnvironment(rule.Environment) {
		case record.EnvProduction, record.EnvStaging, record.EnvOther:
		default:
			return fmt.Errorf("%w: %q", ErrClassificationEnv, rule.Environment)
		}
	}

	return nil
}

// SplitRepo splits an "owner/name" repository reference. Nested paths are
// rejected; neither side may contain a slash.
func SplitRepo(ref string) (owner, name string, ok bool) {
	parts := strings.Split(ref, "/")
	if len(parts) != repositoryRefParts || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}
