// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Homeserverd is the federated chat homeserver daemon. It loads the
// YAML configuration, opens the event store, unseals the signing key,
// wires the room services together, bootstraps the control room, and
// runs the outbound federation queue until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/homeserver/admin"
	"github.com/bureau-foundation/homeserver/appservice"
	"github.com/bureau-foundation/homeserver/config"
	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/federation"
	"github.com/bureau-foundation/homeserver/lib/clock"
	"github.com/bureau-foundation/homeserver/lib/process"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/lib/version"
	"github.com/bureau-foundation/homeserver/push"
	"github.com/bureau-foundation/homeserver/rooms/alias"
	"github.com/bureau-foundation/homeserver/rooms/relations"
	"github.com/bureau-foundation/homeserver/rooms/search"
	"github.com/bureau-foundation/homeserver/rooms/short"
	"github.com/bureau-foundation/homeserver/rooms/state"
	"github.com/bureau-foundation/homeserver/rooms/statecache"
	"github.com/bureau-foundation/homeserver/rooms/timeline"
	"github.com/bureau-foundation/homeserver/rooms/user"
	"github.com/bureau-foundation/homeserver/signing"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("homeserverd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the homeserver YAML configuration")
	logLevel := flags.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("homeserverd " + version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	serverName, err := ref.ParseServerName(cfg.ServerName)
	if err != nil {
		return err
	}

	database, err := db.Open(db.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
	})
	if err != nil {
		return err
	}
	defer database.Close()

	passphrase, err := cfg.SigningPassphrase()
	if err != nil {
		return err
	}
	key, err := signing.LoadOrGenerateKey(cfg.Signing.KeyPath, passphrase, serverName, cfg.Signing.KeyID, logger)
	if err != nil {
		return err
	}

	registry := appservice.NewRegistry()
	if err := registry.LoadDirectory(cfg.Appservice.RegistrationDir, logger); err != nil {
		return err
	}

	shortService := short.NewService(database)
	stateService := state.NewService(database, shortService)
	cacheService := statecache.NewService(database, shortService, serverName)
	aliasService := alias.NewService(database, shortService)
	relationService := relations.NewService(database, shortService)
	searchService := search.NewService(database, shortService)
	userService := user.NewService(database, shortService)
	pusherStore := push.NewStore(database)

	transport := federation.NewHTTP(federation.HTTPConfig{
		Key:            key,
		Registry:       registry,
		PushGatewayURL: cfg.Federation.PushGatewayURL,
		Logger:         logger,
	})
	loader := &timelineLoader{}
	queue := federation.NewQueue(database, transport, loader, logger)

	// The stats gauges close over the timeline handle, which does not
	// exist yet; they are only called once a command arrives.
	var timelineService *timeline.Service
	adminService := admin.NewService(admin.Stats{
		StateGateLen:      func() int { n, _, _ := timelineService.MutexLen(); return n },
		InsertGateLen:     func() int { _, n, _ := timelineService.MutexLen(); return n },
		FederationGateLen: func() int { _, _, n := timelineService.MutexLen(); return n },
		SendQueueLen:      queue.Len,
	}, clock.Real(), logger)

	adminRoomAlias, err := ref.NewRoomAlias(cfg.Admin.RoomAliasLocalpart, serverName)
	if err != nil {
		return err
	}
	trusted := make([]ref.ServerName, 0, len(cfg.Federation.TrustedServers))
	for _, name := range cfg.Federation.TrustedServers {
		server, err := ref.ParseServerName(name)
		if err != nil {
			return err
		}
		trusted = append(trusted, server)
	}

	timelineService, err = timeline.NewService(timeline.Deps{
		Database:       database,
		Short:          shortService,
		State:          stateService,
		Cache:          cacheService,
		Aliases:        aliasService,
		Relations:      relationService,
		Search:         searchService,
		Users:          userService,
		Appservices:    registry,
		Sender:         queue,
		Client:         transport,
		Evaluator:      push.RulesetEvaluator{},
		Pushers:        pusherStore,
		Auth:           state.Checker{},
		AdminHandler:   adminService,
		SigningKey:     key,
		Server:         serverName,
		AdminRoomAlias: adminRoomAlias,
		TrustedServers: trusted,
		BackfillLimit:  cfg.Federation.BackfillLimit,
		Clock:          clock.Real(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	loader.timeline = timelineService

	serviceUser, err := admin.ServiceUser(serverName)
	if err != nil {
		return err
	}
	adminService.BindReplier(&adminReplier{
		timeline: timelineService,
		aliases:  aliasService,
		alias:    adminRoomAlias,
		user:     serviceUser,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureAdminRoom(ctx, timelineService, aliasService, adminRoomAlias, serviceUser, serverName, logger); err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return err
	}

	logger.Info("homeserver running",
		"server_name", serverName.String(),
		"database", cfg.Database.Path,
		"appservices", len(registry.All()),
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		timelineService.WaitAdminCommands()
		queue.Stop()
		return nil
	})
	return group.Wait()
}
