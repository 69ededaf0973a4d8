package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"studybuddy/directory"
	"studybuddy/global"
	"studybuddy/logger"
	"studybuddy/notify"
	"studybuddy/service/bus"
	"studybuddy/service/chat"
	"studybuddy/store"
	"studybuddy/store/message"
	"studybuddy/store/mongodb"
	"studybuddy/store/redisdb"
	"studybuddy/store/seq"
	"studybuddy/tools/ids"
	"studybuddy/tools/security"
)

func main() {
	cfg := global.Load()
	ids.SetNodeID(cfg.NodeID)

	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := redisdb.Init(cfg.Redis); err != nil {
		logger.Errorf("redis init failed: %v", err)
		os.Exit(1)
	}
	db, err := mongodb.Connect(bootCtx, &cfg.Mongo)
	if err != nil {
		logger.Errorf("mongo connect failed: %v", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(bootCtx, cfg.PgDSN)
	if err != nil {
		logger.Errorf("pg pool failed: %v", err)
		os.Exit(1)
	}

	dir := directory.NewPgDirectory(pool)
	dao := &seq.DAO{DB: db}
	alloc := &seq.Allocator{Rdb: redisdb.GetClient(), DAO: dao}
	st := message.NewMongoStore(db, alloc, dao, dir)
	if err := st.EnsureIndexes(bootCtx); err != nil {
		logger.Errorf("mongo indexes failed: %v", err)
		os.Exit(1)
	}

	fanout, err := bus.NewNatsBus(bus.Config{Servers: cfg.NatsServers, Name: cfg.GatewayID})
	if err != nil {
		logger.Errorf("nats connect failed: %v", err)
		os.Exit(1)
	}

	var notifier chat.Notifier
	if cfg.KafkaEnabled {
		prod, err := notify.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.Errorf("kafka producer failed: %v", err)
			os.Exit(1)
		}
		defer func() { _ = prod.Close() }()
		bridge := notify.NewBridge(prod, dir, func(ctx context.Context, user string) (bool, error) {
			_, online, err := store.PresenceLookup(ctx, user)
			return online, err
		})
		bridge.Topic = cfg.KafkaTopic
		notifier = bridge
	}

	mgrCfg := chat.DefaultManagerConfig()
	mgrCfg.HeartbeatTTL = cfg.HeartbeatTTL
	mgrCfg.SendQueue = cfg.SendQueue
	mgr := chat.NewConnManager(mgrCfg, fanout, st)

	srvCfg := chat.DefaultServerConfig(cfg.GatewayID, security.Options{Secret: cfg.JWTSecret, Alg: cfg.JWTAlg})
	srvCfg.TypingTTL = cfg.TypingTTL
	srvCfg.PresenceTTL = cfg.PresenceTTL
	srvCfg.UsePresence = true
	gateway := chat.NewServer(srvCfg, st, dir, fanout, mgr, notifier)

	// Membership revocations drop live subscriptions on this instance.
	dir.OnRemove = mgr.DetachUserChat

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	gateway.RegisterRoutes(r)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		logger.Infof("gateway %s listening on %s", cfg.GatewayID, cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http serve failed: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	mgr.Shutdown()
	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = httpSrv.Shutdown(shCtx)
	_ = fanout.Close()
	pool.Close()
	logger.Info("bye")
	logger.Sync()
}
