// Package server assembles the submit engine from the server configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/niczy/gitsubmit/internal/automerge"
	"github.com/niczy/gitsubmit/internal/config"
	"github.com/niczy/gitsubmit/internal/events"
	"github.com/niczy/gitsubmit/internal/implicitmerge"
	"github.com/niczy/gitsubmit/internal/logging"
	"github.com/niczy/gitsubmit/internal/policy"
	"github.com/niczy/gitsubmit/internal/project"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/storage"
	"github.com/niczy/gitsubmit/internal/submit"
	"github.com/niczy/gitsubmit/internal/submodule"
)

// Stack is everything the submit and admin services share.
type Stack struct {
	Config      *config.Config
	Storage     storage.Storage
	Repos       *repo.Manager
	Refs        repo.RefDatabase
	Projects    project.Provider
	AutoMerge   *automerge.Cache
	Events      *events.Broker
	Coordinator *submit.Coordinator
	Pool        *submit.Pool

	watcher *project.FileProvider
	closers []func() error
	logger  zerolog.Logger
}

// Options adjust a Stack beyond what the configuration file can express.
type Options struct {
	// Projects overrides the configured project file.
	Projects project.Provider
	// LockFailureInjector is installed on the coordinator; submissions still have to opt in.
	LockFailureInjector submit.LockFailureInjector
}

// Build wires storage, repositories, refs and the coordinator for cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Stack, error) {
	s := &Stack{Config: cfg, Events: events.NewBroker(), logger: logging.Component("server")}
	if err := s.build(ctx, opts); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) build(ctx context.Context, opts Options) error {
	cfg := s.Config

	var rdb *redis.Client
	if cfg.Storage.RedisAddr != "" && (cfg.Storage.Backend == "redis" || cfg.Repositories.RefDB == "redis") {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		s.closers = append(s.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Storage.RedisAddr, err)
		}
	}

	switch cfg.Storage.Backend {
	case "memory":
		s.Storage = storage.NewInMemoryStorage()
	case "redis":
		var objects storage.ObjectStore = storage.NewInMemoryObjectStore()
		if cfg.Storage.S3Bucket != "" {
			client, err := storage.NewS3Client(ctx, storage.S3Options{
				Region:    cfg.Storage.S3Region,
				Endpoint:  cfg.Storage.S3Endpoint,
				Profile:   cfg.Storage.S3Profile,
				PathStyle: cfg.Storage.S3Endpoint != "",
			})
			if err != nil {
				return err
			}
			objects = storage.NewS3ObjectStore(client, cfg.Storage.S3Bucket)
		} else {
			s.logger.Warn().Msg("no s3 bucket configured, durable change state is kept in memory")
		}
		s.Storage = storage.NewRedisStorage(rdb, objects, cfg.Storage.KeyPrefix)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("create sqlite directory: %w", err)
		}
		st, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, st.Close)
		s.Storage = st
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	root := ""
	if cfg.Repositories.Backend == "disk" {
		root = cfg.Repositories.Root
	}
	s.Repos = repo.NewManager(repo.ManagerOptions{Root: root, ParentCacheSize: cfg.Repositories.ParentCacheSize})
	if cfg.Repositories.RefDB == "redis" {
		s.Refs = repo.NewRedisRefDatabase(rdb, cfg.Storage.KeyPrefix)
	} else {
		s.Refs = repo.NewGitRefDatabase(s.Repos)
	}

	s.Projects = opts.Projects
	if s.Projects == nil {
		if cfg.Projects.File != "" {
			fp, err := project.LoadFile(cfg.Projects.File, logging.Component("project"))
			if err != nil {
				return err
			}
			if cfg.Projects.Watch {
				s.watcher = fp
			}
			s.Projects = fp
		} else {
			s.Projects = project.NewStaticProvider(nil)
		}
	}

	perms, err := policy.FromConfig(cfg.ACL)
	if err != nil {
		return err
	}
	verbosity, err := submodule.ParseVerbosity(cfg.Submit.VerboseSuperprojectUpdate)
	if err != nil {
		return err
	}

	s.AutoMerge, err = automerge.New(s.Refs, automerge.Options{
		Size:    cfg.AutoMerge.CacheSize,
		Persist: cfg.AutoMerge.Persist,
		Name:    cfg.Server.Identity,
		Email:   cfg.Server.IdentityEmail,
	})
	if err != nil {
		return err
	}

	s.Coordinator, err = submit.New(submit.Deps{
		Storage:     s.Storage,
		Repos:       s.Repos,
		Refs:        s.Refs,
		Projects:    s.Projects,
		Approvals:   policy.RecordOracle{},
		Permissions: perms,
		AutoMerge:   s.AutoMerge,
		Events:      s.Events,
	}, submit.Config{
		MaxAttempts: cfg.Submit.MaxAttempts,
		LockTimeout: cfg.Submit.LockTimeout,
		LockLease:   cfg.Submit.LockLease,
		WholeTopic:  cfg.Submit.WholeTopic,
		ImplicitMerge: implicitmerge.Policy{
			Check:        cfg.Submit.ImplicitMerge.Check,
			Reject:       cfg.Submit.ImplicitMerge.Reject,
			AlwaysReject: cfg.Submit.ImplicitMerge.AlwaysReject,
		},
		CanonicalWebURL:        cfg.Server.CanonicalWebURL,
		Name:                   cfg.Server.Identity,
		Email:                  cfg.Server.IdentityEmail,
		SubmoduleVerbosity:     verbosity,
		MaxSubscriptionCommits: cfg.Submit.MaxSubscriptionCommits,
		LockFailureInjector:    opts.LockFailureInjector,
	})
	if err != nil {
		return err
	}
	s.Pool = submit.NewPool(s.Coordinator, cfg.Submit.Workers)
	return nil
}

// Run blocks until ctx is done, reloading the project file when watching is enabled.
func (s *Stack) Run(ctx context.Context) error {
	if s.watcher == nil {
		<-ctx.Done()
		return nil
	}
	return s.watcher.Watch(ctx)
}

// Close releases connections and database handles.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
