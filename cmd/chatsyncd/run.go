package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mercadito/chatsync/pkg/config"
	"github.com/mercadito/chatsync/pkg/media"
	"github.com/mercadito/chatsync/pkg/notify"
	"github.com/mercadito/chatsync/pkg/profile"
	"github.com/mercadito/chatsync/pkg/remote"
	"github.com/mercadito/chatsync/pkg/store"
	"github.com/mercadito/chatsync/pkg/syncer"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the sync daemon",
	Action: runDaemon,
}

func runDaemon(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Str("user_id", cfg.UserID).Msg("Starting chatsyncd")

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.Path, cfg.UserID, log)
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer st.Close()

	// The connection handlers can fire before the orchestrator exists, so
	// they go through an atomic pointer.
	var orch atomic.Pointer[syncer.Orchestrator]
	nc, err := nats.Connect(cfg.Remote.URL,
		nats.Name("chatsyncd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Lost connection to remote store")
			if o := orch.Load(); o != nil {
				o.SetOnline(ctx, false)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("Reconnected to remote store")
			if o := orch.Load(); o != nil {
				o.SetOnline(ctx, true)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to remote store: %w", err)
	}
	defer nc.Close()

	remoteClient, err := remote.NewNATSClient(nc, cfg.Remote.Bucket, log)
	if err != nil {
		return fmt.Errorf("failed to open remote message store: %w", err)
	}

	var profiles *profile.Cache
	if cfg.Profile.URI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Profile.URI))
		if err != nil {
			return fmt.Errorf("failed to connect to profile directory: %w", err)
		}
		defer func() {
			_ = mongoClient.Disconnect(context.Background())
		}()
		profiles = profile.NewCache(profile.NewMongoDirectory(mongoClient.Database(cfg.Profile.Database)), log)
	} else {
		log.Info().Msg("No profile directory configured, sender names will be placeholders")
	}

	var uploader syncer.MediaUploader
	if cfg.Media.Bucket != "" {
		blobs, err := media.NewGCSBlobStore(ctx, cfg.Media.Bucket, cfg.Media.Prefix)
		if err != nil {
			return fmt.Errorf("failed to open blob store: %w", err)
		}
		defer blobs.Close()
		uploader = media.NewUploader(blobs, log)
	} else {
		log.Info().Msg("No media bucket configured, attachment sending disabled")
	}

	var sender notify.Sender
	if cfg.Remote.PushSubject != "" {
		sender = notify.NewNATSSender(nc, cfg.Remote.PushSubject, log)
	}

	gate := syncer.NewGate(st, profiles, sender, log)
	o := syncer.NewOrchestrator(st, remoteClient, uploader, gate, cfg.UserID, log)
	orch.Store(o)
	if err = o.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}
	defer o.Stop()
	o.SetOnline(ctx, true)

	stopWatch, err := config.Watch(cliCtx.String("config"), log, func(newCfg *config.Config) {
		level, err := zerolog.ParseLevel(strings.ToLower(newCfg.Logging.Level))
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid log level in reloaded config")
			return
		}
		zerolog.SetGlobalLevel(level)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload unavailable")
	} else {
		defer stopWatch()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}
