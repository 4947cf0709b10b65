// internal/realtime/runtime.go
// Wires the rate guard, change feeds, message sync engine, presence tracker
// and websocket hub from configuration

package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/dustin/go-humanize"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
	"github.com/imadgeboyega/kiekky-realtime/internal/common/utils"
	"github.com/imadgeboyega/kiekky-realtime/internal/config"
	"github.com/imadgeboyega/kiekky-realtime/internal/memstore"
	"github.com/imadgeboyega/kiekky-realtime/internal/messaging"
	"github.com/imadgeboyega/kiekky-realtime/internal/presence"
	"github.com/imadgeboyega/kiekky-realtime/internal/rateguard"
)

// Deps are the external connections the runtime may need. Which ones must
// be set depends on the configured store and feed transport.
type Deps struct {
	DB    *sqlx.DB
	Redis *redis.Client
	AWS   *session.Session
}

// Runtime owns every long-lived realtime component.
type Runtime struct {
	Guard   *rateguard.Guard
	Engine  *messaging.Engine
	Tracker *presence.Tracker
	Hub     *messaging.Hub

	messages *messaging.Handler
	presence *presence.Handler
	uploads  http.Handler

	// Transport is exposed for tests driving the memory feed.
	Transport changefeed.Transport

	messageFeed *changefeed.Client[messaging.Message]
	memberFeed  *changefeed.Client[presence.Member]

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	log       zerolog.Logger
}

// New builds the runtime and starts its background loops.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Runtime, error) {
	transport, publisher, err := newTransport(cfg, deps, log)
	if err != nil {
		return nil, err
	}

	var (
		messageRepo messaging.Repository
		memberRepo  presence.Repository
	)
	switch cfg.Store {
	case "memory":
		store := memstore.New(publisher, log)
		messageRepo, memberRepo = store, store
	case "postgres":
		if deps.DB == nil {
			return nil, fmt.Errorf("postgres store needs a database connection")
		}
		messageRepo = messaging.NewPostgresRepository(deps.DB, publisher, log)
		memberRepo = presence.NewPostgresRepository(deps.DB, publisher, log)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	blobs, uploads := newBlobStore(cfg, deps, log)

	rt := &Runtime{
		Transport: transport,
		uploads:   uploads,
		log:       log.With().Str("component", "realtime").Logger(),
	}

	engineCfg := cfg.EngineConfig()
	rt.messageFeed = changefeed.NewClient[messaging.Message](transport, messaging.MessagesTable,
		func(ctx context.Context, scope string) ([]messaging.Message, error) {
			page, err := messageRepo.ListMessages(ctx, scope, nil, engineCfg.PageSize)
			if err != nil {
				return nil, err
			}
			return page.Messages, nil
		},
		cfg.FeedConfig(), log)
	rt.memberFeed = changefeed.NewClient[presence.Member](transport, presence.MembersTable,
		memberRepo.ListMembers, cfg.FeedConfig(), log)

	rt.Guard = rateguard.New(cfg.GuardConfig(), rateguard.WithLogger(log))
	rt.Engine = messaging.NewEngine(messageRepo, rt.Guard, engineCfg,
		messaging.WithFeed(rt.messageFeed),
		messaging.WithBlobStore(blobs),
		messaging.WithLogger(log),
	)
	rt.Tracker = presence.NewTracker(memberRepo, rt.memberFeed, cfg.PresenceConfig(), presence.WithLogger(log))

	rt.Hub = messaging.NewHub(log)
	rt.Hub.Handle(messaging.KindConversation, messaging.NewConversationChannel(rt.Engine))
	rt.Hub.Handle(messaging.KindRoster, presence.NewHubChannel(rt.Tracker, rt.Hub, messaging.KindRoster))
	rt.Engine.SetNotifier(rt.Hub)

	rt.messages = messaging.NewHandler(rt.Engine, rt.Hub, cfg.MaxUploadSize, log)
	rt.presence = presence.NewHandler(rt.Tracker, log)

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.wg.Add(2)
	go func() {
		defer rt.wg.Done()
		rt.Guard.Run(ctx)
	}()
	go func() {
		defer rt.wg.Done()
		rt.Hub.Run()
	}()

	rt.log.Info().
		Str("store", cfg.Store).
		Str("feed", cfg.FeedTransport).
		Str("max_upload", humanize.Bytes(uint64(cfg.MaxUploadSize))).
		Msg("realtime runtime started")
	return rt, nil
}

func newTransport(cfg *config.Config, deps Deps, log zerolog.Logger) (changefeed.Transport, changefeed.Publisher, error) {
	switch cfg.FeedTransport {
	case "memory":
		t := changefeed.NewMemoryTransport()
		return t, t, nil
	case "redis":
		if deps.Redis == nil {
			return nil, nil, fmt.Errorf("redis feed transport needs a redis client")
		}
		t := changefeed.NewRedisTransport(deps.Redis, log)
		return t, t, nil
	case "postgres":
		// the notify trigger announces writes
		return changefeed.NewPostgresTransport(cfg.DatabaseURL, log), changefeed.NopPublisher{}, nil
	}
	return nil, nil, fmt.Errorf("unknown feed transport %q", cfg.FeedTransport)
}

// newBlobStore picks S3, the in-memory store or local disk, and returns the
// handler that serves /uploads when files are kept by this process.
func newBlobStore(cfg *config.Config, deps Deps, log zerolog.Logger) (messaging.BlobStore, http.Handler) {
	uploadsURL := strings.TrimRight(cfg.BaseURL, "/") + "/uploads"

	switch {
	case cfg.UseS3 && deps.AWS != nil:
		log.Info().Str("bucket", cfg.S3BucketName).Msg("using S3 for attachments")
		return messaging.NewS3BlobStore(deps.AWS, cfg.S3BucketName, cfg.CDNURL, cfg.MaxUploadSize), nil
	case cfg.Store == "memory":
		blobs := memstore.NewBlobs(uploadsURL, cfg.MaxUploadSize)
		return blobs, blobs
	default:
		if cfg.UseS3 {
			log.Warn().Msg("S3 session unavailable, storing attachments on local disk")
		}
		return messaging.NewLocalBlobStore(cfg.LocalUploadDir, uploadsURL, cfg.MaxUploadSize),
			http.FileServer(http.Dir(cfg.LocalUploadDir))
	}
}

// Routes registers the websocket, message, presence and upload routes.
func (rt *Runtime) Routes(router *mux.Router) {
	// presence is mounted before the /api/v1 subrouter so its prefix wins
	router.PathPrefix("/api/v1/servers/").Handler(
		http.StripPrefix("/api/v1/servers", utils.RequireUser(rt.presence.Routes())),
	)
	messaging.RegisterRoutes(router, rt.messages)

	if rt.uploads != nil {
		router.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads", rt.uploads))
	}
}

// Close stops the hub, releases every conversation and roster subscription
// and stops the background loops. Safe to call more than once.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() {
		rt.Hub.Shutdown()
		rt.Engine.CloseAll()
		rt.Tracker.Close()
		rt.messageFeed.Close()
		rt.memberFeed.Close()
		rt.cancel()
		rt.wg.Wait()
		rt.log.Info().Msg("realtime runtime stopped")
	})
}
