package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	cookiejar "github.com/juju/persistent-cookiejar"

	"observatorio/internal/config"
	"observatorio/internal/db"
	"observatorio/internal/deliveries"
	"observatorio/internal/session"
	observatoriosdk "observatorio/sdk/go"
)

// CookieFile is the name of the persisted cookie jar inside the state dir.
const CookieFile = "cookies"

// Options selects the workspace and overrides parts of the config file.
type Options struct {
	Workspace  string
	ConfigFile string
	BaseURL    string
	Timeout    time.Duration
}

// Runtime bundles the collaborators built once at start.
type Runtime struct {
	Config     *config.Config
	Workspace  string
	Client     *observatoriosdk.Client
	Store      *session.SQLiteStore
	Session    *session.Manager
	Deliveries *deliveries.Repository
	Jar        *cookiejar.Jar
}

// ResolveConfig prefers an explicit file, then the workspace config, then
// the defaults. Flag overrides are applied last and validated again.
func ResolveConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigFile != "" {
		cfg, err = config.FromFile(opts.ConfigFile)
	} else {
		cfg, err = config.LoadOrDefault(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.BaseURL != "" {
		cfg.API.BaseURL = opts.BaseURL
	}
	if opts.Timeout > 0 {
		cfg.API.Timeout = opts.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open builds the API client, the session store and the delivery repository,
// and restores any persisted session. Restoring never calls the network.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := ResolveConfig(opts)
	if err != nil {
		return nil, err
	}
	workspace := opts.Workspace
	if cfg.Session.Workspace != "" {
		workspace = cfg.Session.Workspace
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, errors.Annotate(err, "prepare workspace")
	}

	rt := &Runtime{Config: cfg, Workspace: workspace}
	clientOpts := []observatoriosdk.Option{}
	if cfg.API.Timeout > 0 {
		clientOpts = append(clientOpts, observatoriosdk.WithTimeout(cfg.API.Timeout))
	}
	var sessionOpts []session.Option
	if cfg.API.CookieJar {
		jar, err := cookiejar.New(&cookiejar.Options{
			Filename: filepath.Join(db.StateDir(workspace), CookieFile),
		})
		if err != nil {
			return nil, errors.Annotate(err, "open cookie jar")
		}
		rt.Jar = jar
		clientOpts = append(clientOpts, observatoriosdk.WithCookieJar(jar))
		sessionOpts = append(sessionOpts, session.WithCookieJar(jar))
	}
	rt.Client = observatoriosdk.New(cfg.API.BaseURL, clientOpts...)

	store, err := session.OpenStore(workspace)
	if err != nil {
		return nil, errors.Annotate(err, "open session store")
	}
	rt.Store = store
	rt.Session = session.NewManager(rt.Client, store, sessionOpts...)
	rt.Deliveries = deliveries.NewRepository(rt.Client, rt.Session)

	if s, ok := rt.Session.Restore(ctx); ok {
		logger.Debugf("restored session of %s", s.User.DisplayName())
	}
	return rt, nil
}

// Close saves the cookie jar and closes the session store.
func (rt *Runtime) Close() error {
	if rt.Jar != nil {
		if err := rt.Jar.Save(); err != nil {
			logger.Warningf("save cookie jar: %v", err)
		}
	}
	if rt.Store != nil {
		return rt.Store.Close()
	}
	return nil
}
