// Package config loads the server configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration shared by the submit and admin services.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Log          LogConfig        `yaml:"log"`
	Storage      StorageConfig    `yaml:"storage"`
	Repositories RepositoryConfig `yaml:"repositories"`
	Projects     ProjectsConfig   `yaml:"projects"`
	Submit       SubmitConfig     `yaml:"submit"`
	AutoMerge    AutoMergeConfig  `yaml:"automerge"`
	ACL          []ACLRule        `yaml:"acl"`
}

type ServerConfig struct {
	SubmitAddr string `yaml:"submitAddr"`
	AdminAddr  string `yaml:"adminAddr"`
	// CanonicalWebURL prefixes Reviewed-on footers; empty disables them.
	CanonicalWebURL string `yaml:"canonicalWebUrl"`
	Identity        string `yaml:"identity"`
	IdentityEmail   string `yaml:"identityEmail"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type StorageConfig struct {
	// Backend is memory, redis or sqlite.
	Backend    string `yaml:"backend"`
	RedisAddr  string `yaml:"redisAddr"`
	KeyPrefix  string `yaml:"keyPrefix"`
	SQLitePath string `yaml:"sqlitePath"`
	S3Bucket   string `yaml:"s3Bucket"`
	S3Region   string `yaml:"s3Region"`
	S3Endpoint string `yaml:"s3Endpoint"`
	S3Profile  string `yaml:"s3Profile"`
}

type RepositoryConfig struct {
	// Backend is memory or disk.
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
	// RefDB is git or redis.
	RefDB           string `yaml:"refdb"`
	ParentCacheSize int    `yaml:"parentCacheSize"`
}

type ProjectsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type SubmitConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"maxAttempts"`
	LockTimeout time.Duration `yaml:"lockTimeout"`
	LockLease   time.Duration `yaml:"lockLease"`
	WholeTopic  bool          `yaml:"wholeTopic"`
	// VerboseSuperprojectUpdate is TRUE, SUBJECT_ONLY or FALSE.
	VerboseSuperprojectUpdate string              `yaml:"verboseSuperprojectUpdate"`
	MaxSubscriptionCommits    int                 `yaml:"maxSubscriptionCommits"`
	ImplicitMerge             ImplicitMergeConfig `yaml:"implicitMerge"`
}

type ImplicitMergeConfig struct {
	Check        bool `yaml:"check"`
	Reject       bool `yaml:"reject"`
	AlwaysReject bool `yaml:"alwaysReject"`
}

type AutoMergeConfig struct {
	CacheSize int  `yaml:"cacheSize"`
	Persist   bool `yaml:"persist"`
}

// ACLRule grants or denies submit on refs of projects matching glob patterns.
type ACLRule struct {
	Project string   `yaml:"project"`
	Ref     string   `yaml:"ref"`
	Users   []string `yaml:"users"`
	Deny    bool     `yaml:"deny"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Submit.ImplicitMerge.Check = true
	cfg.Submit.ImplicitMerge.Reject = true
	cfg.AutoMerge.Persist = true
	cfg.applyDefaults()
	return cfg
}

// Load reads path (when non-empty), fills defaults and applies GITSUBMIT_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.SubmitAddr == "" {
		c.Server.SubmitAddr = ":50051"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = ":50052"
	}
	if c.Server.Identity == "" {
		c.Server.Identity = "Code Review"
	}
	if c.Server.IdentityEmail == "" {
		c.Server.IdentityEmail = "noreply@gitsubmit.local"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "gitsubmit"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/gitsubmit.db"
	}
	if c.Repositories.Backend == "" {
		c.Repositories.Backend = "memory"
	}
	if c.Repositories.RefDB == "" {
		c.Repositories.RefDB = "git"
	}
	if c.Submit.Workers <= 0 {
		c.Submit.Workers = 4
	}
	if c.Submit.MaxAttempts <= 0 {
		c.Submit.MaxAttempts = 5
	}
	if c.Submit.LockTimeout <= 0 {
		c.Submit.LockTimeout = 2 * time.Minute
	}
	if c.Submit.LockLease <= 0 {
		c.Submit.LockLease = 2 * time.Minute
	}
	if c.Submit.VerboseSuperprojectUpdate == "" {
		c.Submit.VerboseSuperprojectUpdate = "TRUE"
	}
	if c.Submit.MaxSubscriptionCommits <= 0 {
		c.Submit.MaxSubscriptionCommits = 1000
	}
	if c.AutoMerge.CacheSize <= 0 {
		c.AutoMerge.CacheSize = 1024
	}
}

// Validate reports configuration values that cannot be served.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redisAddr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Repositories.Backend {
	case "memory":
	case "disk":
		if c.Repositories.Root == "" {
			errs = append(errs, errors.New("repositories.root is required for the disk backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown repository backend %q", c.Repositories.Backend))
	}
	switch c.Repositories.RefDB {
	case "git":
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redisAddr is required for the redis ref database"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ref database %q", c.Repositories.RefDB))
	}
	switch strings.ToUpper(c.Submit.VerboseSuperprojectUpdate) {
	case "TRUE", "SUBJECT_ONLY", "FALSE":
	default:
		errs = append(errs, fmt.Errorf("unknown verboseSuperprojectUpdate %q", c.Submit.VerboseSuperprojectUpdate))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"GITSUBMIT_SUBMIT_ADDR":     &c.Server.SubmitAddr,
		"GITSUBMIT_ADMIN_ADDR":      &c.Server.AdminAddr,
		"GITSUBMIT_CANONICAL_URL":   &c.Server.CanonicalWebURL,
		"GITSUBMIT_LOG_LEVEL":       &c.Log.Level,
		"GITSUBMIT_STORAGE_BACKEND": &c.Storage.Backend,
		"GITSUBMIT_REDIS_ADDR":      &c.Storage.RedisAddr,
		"GITSUBMIT_KEY_PREFIX":      &c.Storage.KeyPrefix,
		"GITSUBMIT_SQLITE_PATH":     &c.Storage.SQLitePath,
		"GITSUBMIT_S3_BUCKET":       &c.Storage.S3Bucket,
		"GITSUBMIT_S3_REGION":       &c.Storage.S3Region,
		"GITSUBMIT_S3_ENDPOINT":     &c.Storage.S3Endpoint,
		"GITSUBMIT_S3_PROFILE":      &c.Storage.S3Profile,
		"GITSUBMIT_REPO_BACKEND":    &c.Repositories.Backend,
		"GITSUBMIT_REPO_ROOT":       &c.Repositories.Root,
		"GITSUBMIT_REFDB":           &c.Repositories.RefDB,
		"GITSUBMIT_PROJECTS_FILE":   &c.Projects.File,
		"GITSUBMIT_SUBMODULE_LOG":   &c.Submit.VerboseSuperprojectUpdate,
	}
	for name, target := range strs {
		if v, ok := lookup(name); ok {
			*target = v
		}
	}

	ints := map[string]*int{
		"GITSUBMIT_WORKERS":      &c.Submit.Workers,
		"GITSUBMIT_MAX_ATTEMPTS": &c.Submit.MaxAttempts,
	}
	for name, target := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*target = n
		}
	}

	bools := map[string]*bool{
		"GITSUBMIT_LOG_PRETTY":  &c.Log.Pretty,
		"GITSUBMIT_WHOLE_TOPIC": &c.Submit.WholeTopic,
	}
	for name, target := range bools {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*target = b
		}
	}
	return nil
}
