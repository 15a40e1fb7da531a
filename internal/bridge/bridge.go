// Package bridge assembles the sync daemon: account store, REST
// client, vehicle state, stream subscriber, coordinator and the local
// HTTP API, all run under one errgroup.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/BertilJ/bmw-data/internal/api"
	"github.com/BertilJ/bmw-data/internal/auth"
	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/coordinator"
	"github.com/BertilJ/bmw-data/internal/sensor"
	"github.com/BertilJ/bmw-data/internal/server"
	"github.com/BertilJ/bmw-data/internal/state"
	"github.com/BertilJ/bmw-data/internal/store"
	"github.com/BertilJ/bmw-data/internal/stream"
	"github.com/BertilJ/bmw-data/pkg/log"
	"github.com/BertilJ/bmw-data/pkg/options"
)

// Config collects the option groups the daemon is built from.
type Config struct {
	APIOptions    *options.APIOptions
	AuthOptions   *options.AuthOptions
	StreamOptions *options.StreamOptions
	SyncOptions   *options.SyncOptions
	StoreOptions  *options.StoreOptions
	HTTPOptions   *options.HTTPOptions

	Logger log.Logger
}

func (cfg *Config) defaults() {
	if cfg.APIOptions == nil {
		cfg.APIOptions = options.NewAPIOptions()
	}
	if cfg.AuthOptions == nil {
		cfg.AuthOptions = options.NewAuthOptions()
	}
	if cfg.StreamOptions == nil {
		cfg.StreamOptions = options.NewStreamOptions()
	}
	if cfg.SyncOptions == nil {
		cfg.SyncOptions = options.NewSyncOptions()
	}
	if cfg.StoreOptions == nil {
		cfg.StoreOptions = options.NewStoreOptions()
	}
	if cfg.HTTPOptions == nil {
		cfg.HTTPOptions = options.NewHTTPOptions()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
}

// Bridge is the assembled daemon.
type Bridge struct {
	store   *store.Store
	coord   *coordinator.Coordinator
	stream  *stream.Subscriber
	httpSrv *server.Server
	watch   bool
	logger  log.Logger
}

// NewBridge loads the account and wires every component. It fails when
// no usable account exists; it does not touch the network.
func (cfg *Config) NewBridge() (*Bridge, error) {
	cfg.defaults()
	logger := cfg.Logger

	accountStore := store.NewStore(cfg.StoreOptions.Path, logger)
	acc, err := accountStore.Load()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no account at %s, run \"bmw-data login\" first", accountStore.Path())
		}
		return nil, err
	}
	if acc.ClientID == "" {
		return nil, fmt.Errorf("account at %s has no client id, run \"bmw-data login\" again", accountStore.Path())
	}
	if acc.Tokens == nil || !acc.Tokens.Valid() {
		return nil, fmt.Errorf("account at %s has no tokens, run \"bmw-data login\" again", accountStore.Path())
	}

	apiClient := api.NewClient(api.Config{
		BaseURL:         cfg.APIOptions.BaseURL,
		Version:         cfg.APIOptions.Version,
		Timeout:         cfg.APIOptions.Timeout,
		RateLimitCalls:  cfg.APIOptions.RateLimitCalls,
		RateLimitWindow: cfg.APIOptions.RateLimitWindow,
	}, logger)

	authClient := auth.NewClient(auth.Config{
		BaseURL: cfg.AuthOptions.BaseURL,
		Timeout: cfg.AuthOptions.Timeout,
	}, acc.ClientID, logger)

	stateStore := state.NewStore(acc.Vehicles, logger)

	// The subscriber's handler points at the coordinator, which in turn
	// is constructed with the subscriber. The closure resolves the
	// cycle; coordinator.Run starts the stream only after New returned.
	var coord *coordinator.Coordinator

	var streamSub *stream.Subscriber
	switch {
	case len(acc.Vehicles) == 0:
		logger.Warn("Account has no vehicles; telemetry streaming disabled")
	case acc.Tokens.GCID == "":
		logger.Warn("Account has no GCID; telemetry streaming disabled")
	default:
		vins := make([]string, 0, len(acc.Vehicles))
		for _, v := range acc.Vehicles {
			vins = append(vins, v.VIN)
		}

		streamSub, err = stream.NewSubscriber(&stream.Config{
			Broker:             cfg.StreamOptions.Broker,
			GCID:               acc.Tokens.GCID,
			VINs:               vins,
			KeepAlive:          cfg.StreamOptions.KeepAlive,
			ConnectTimeout:     cfg.StreamOptions.ConnectTimeout,
			ReconnectMin:       cfg.StreamOptions.ReconnectMin,
			ReconnectMax:       cfg.StreamOptions.ReconnectMax,
			InsecureSkipVerify: cfg.StreamOptions.InsecureSkipVerify,
			TopicRoot:          cfg.StreamOptions.TopicRoot,
			ClientIDSuffix:     cfg.StreamOptions.ClientIDSuffix,
		}, func(msg cardata.StreamMessage) {
			coord.HandleStreamMessage(msg)
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build stream subscriber: %w", err)
		}
	}

	deps := coordinator.Deps{
		API:       apiClient,
		Auth:      authClient,
		Store:     stateStore,
		Persister: accountStore,
		Tokens:    *acc.Tokens,
		Logger:    logger,
	}
	if streamSub != nil {
		deps.Stream = streamSub
	}

	coord, err = coordinator.New(&coordinator.Config{
		PollInterval:         cfg.SyncOptions.PollInterval,
		RefreshMargin:        cfg.SyncOptions.RefreshMargin,
		ContainerName:        cfg.SyncOptions.ContainerName,
		ContainerPurpose:     cfg.SyncOptions.ContainerPurpose,
		ContainerDescriptors: sensor.DefaultContainerDescriptors(),
	}, deps)
	if err != nil {
		return nil, err
	}

	httpSrv := server.New(cfg.HTTPOptions, stateStore, coord, logger)

	return &Bridge{
		store:   accountStore,
		coord:   coord,
		stream:  streamSub,
		httpSrv: httpSrv,
		watch:   cfg.StoreOptions.Watch,
		logger:  logger.WithName("bridge"),
	}, nil
}

// Run executes the daemon until the context is cancelled or a
// component fails. A rejected refresh token surfaces here as
// coordinator.ErrReauthRequired.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("Starting bridge")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.coord.Run(ctx) })
	g.Go(func() error { return b.httpSrv.Start(ctx) })
	if b.watch {
		g.Go(func() error { return b.watchAccount(ctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	b.logger.Info("Bridge stopped")
	return nil
}

// watchAccount adopts token sets written to the account file while the
// daemon runs, so a login next to a live bridge takes effect without a
// restart.
func (b *Bridge) watchAccount(ctx context.Context) error {
	events, err := b.store.Watch(ctx)
	if err != nil {
		b.logger.Warn("Account watch unavailable; on-disk token rotations will not be picked up", "err", err)
		return nil
	}

	for range events {
		b.reloadTokens()
	}
	return nil
}

// reloadTokens re-reads the account file. The coordinator's own saves
// echo back through the watcher with an unchanged ObtainedAt; only a
// strictly newer set is adopted.
func (b *Bridge) reloadTokens() {
	acc, err := b.store.Load()
	if err != nil {
		b.logger.Warn("Reloading account file failed", "err", err)
		return
	}
	if acc.Tokens == nil || !acc.Tokens.Valid() {
		return
	}

	current := b.coord.Tokens()
	if !acc.Tokens.ObtainedAt.After(current.ObtainedAt) {
		return
	}

	b.logger.Info("Adopting newer tokens from account store", "obtained_at", acc.Tokens.ObtainedAt)
	b.coord.AdoptTokens(*acc.Tokens)
}
