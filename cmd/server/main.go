package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"HibiscusCrisis/internal/classifier"
	"HibiscusCrisis/internal/emergency"
	"HibiscusCrisis/internal/engine"
	handlers "HibiscusCrisis/internal/handler"
	"HibiscusCrisis/internal/listeners"
	"HibiscusCrisis/internal/store"
	"HibiscusCrisis/pkg/cache"
	"HibiscusCrisis/pkg/config"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/i18n"
	"HibiscusCrisis/pkg/llm"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/metrics"
	"HibiscusCrisis/pkg/middleware"
	"HibiscusCrisis/pkg/notification"
	"HibiscusCrisis/pkg/scheduler"
	"HibiscusCrisis/pkg/sse"
	"HibiscusCrisis/pkg/util"
	"HibiscusCrisis/pkg/websocket"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := config.GlobalConfig
	if err := logger.Init(cfg.Log, cfg.Mode); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		return err
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		return err
	}

	kv, err := cache.NewCache(cfg.Cache)
	if err != nil {
		return err
	}
	defer kv.Close()

	tr, err := i18n.NewI18nSupport(cfg.Language)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// gorilla/websocket 与 SSE 使用 logrus，其余组件使用 zap
	lr := logrus.New()
	if cfg.Mode == "production" {
		lr.SetFormatter(&logrus.JSONFormatter{})
	}
	hub := websocket.NewHub(cfg.WebSocket, websocket.WithLogger(lr))
	defer hub.Close()
	feed := sse.NewHub(30*time.Second, 512, lr)
	alertObs, wfObs := listeners.Observers(st, feed)

	opts := []engine.Option{
		engine.WithMetrics(m),
		engine.WithMessages(tr.MessageFunc(cfg.Language)),
		engine.WithDispatchObservers(alertObs...),
		engine.WithWorkflowObservers(wfObs...),
	}
	if cfg.Emergency.URL != "" {
		opts = append(opts, engine.WithEmergency(emergency.NewWebhook(emergency.Config{
			URL:     cfg.Emergency.URL,
			Token:   cfg.Emergency.Token,
			Timeout: cfg.Emergency.Timeout,
		}, kv)))
	}
	hc := &http.Client{Timeout: 10 * time.Second}
	if cfg.JPush.AppKey != "" {
		opts = append(opts, engine.WithPusher(notification.NewJPush(cfg.JPush, notification.NewJPushHTTPClient(cfg.JPush, hc))))
	}
	if cfg.SMS.Endpoint != "" {
		opts = append(opts, engine.WithSMS(notification.NewAliyunSMS(cfg.SMS, notification.NewGatewaySMSClient(cfg.SMS, hc))))
	}

	var cls engine.Classifier = classifier.Unavailable{}
	if cfg.LLM.APIKey != "" || cfg.LLM.Endpoint != "" {
		model, err := llm.NewOpenAIHandler(cfg.LLM, lr)
		if err != nil {
			return err
		}
		cls = classifier.New(model)
	}

	eng, err := engine.New(engineConfig(cfg), clock.New(), hub, cls, opts...)
	if err != nil {
		return err
	}
	restoreResponders(st, eng)

	h := handlers.NewHandlers(eng, db, tr, feed)
	hub.SetOnConnect(h.OnConnect)
	hub.SetOnDisconnect(h.OnDisconnect)
	hub.SetInbound(h.Inbound)

	// 例行清理
	cr := scheduler.NewCron(nil)
	if _, err := cr.Add("housekeeping", cfg.Dispatch.HousekeepingSpec, 30*time.Second, scheduler.FuncJob(func(ctx context.Context) {
		report := eng.Housekeeping(ctx)
		_, _ = feed.Publish(listeners.GroupSystem, "housekeeping", report)
	})); err != nil {
		return err
	}
	cr.Start()
	defer cr.Stop()

	// 后台状态面板定时刷新
	sched := scheduler.New(nil)
	sched.Every(15*time.Second, scheduler.FuncJob(func(ctx context.Context) {
		_, _ = feed.Publish(listeners.GroupSystem, "status", eng.GetSystemStatus())
	}))
	defer sched.Stop()

	router, err := newRouter(cfg, h, hub, m, kv)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return eng.Shutdown(ctx)
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	d := cfg.Dispatch
	ec.Dispatch.Windows = d.Windows()
	if d.StaleAfter > 0 {
		ec.Dispatch.StaleAfter = d.StaleAfter
	}
	if d.NotifyTTL > 0 {
		ec.Bus.TTL = d.NotifyTTL
	}
	if d.QueueLimit > 0 {
		ec.Bus.QueueLimit = d.QueueLimit
	}
	if d.ActionDelay > 0 {
		ec.Workflow.ActionDelay = d.ActionDelay
	}
	if d.MonitorInterval > 0 {
		ec.Workflow.MonitorInterval = d.MonitorInterval
	}
	if d.MaxDuration > 0 {
		ec.Workflow.MaxDuration = d.MaxDuration
	}
	if d.CheckInDelay > 0 {
		ec.Workflow.CheckInDelay = d.CheckInDelay
	}
	return ec
}

// restoreResponders 启动时从库中恢复响应者，在线状态等重新连接后再置位
func restoreResponders(st *store.GormStore, eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	list, err := st.FindResponders(ctx, true)
	if err != nil {
		logger.Warn("load responders failed", zap.Error(err))
		return
	}
	for _, p := range list {
		p.Online = false
		if _, err := eng.RegisterResponder(p); err != nil {
			logger.Warn("restore responder failed", zap.String("responder", p.ID), zap.Error(err))
		}
	}
	logger.Info("responders restored", zap.Int("count", len(list)))
}

func newRouter(cfg *config.Config, h *handlers.Handlers, hub *websocket.Hub, m *metrics.Metrics, kv cache.Cache) (*gin.Engine, error) {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware(m))
	r.GET("/metrics", gin.WrapH(m.Handler()))
	websocket.RegisterRoutes(r, websocket.NewHandler(hub))

	var limitStore limiter.Store
	if client, ok := cache.RedisClient(kv); ok {
		s, err := middleware.NewRedisStore(client, cfg.Cache.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		limitStore = s
	}
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:       cfg.RateLimit,
		Identifier: "client",
		AddHeaders: true,
		SkipPaths:  []string{"/health", "/metrics"},
	}, limitStore, m)

	h.Register(r, handlers.RouteOptions{
		APIPrefix:   cfg.APIPrefix,
		AdminPrefix: cfg.AdminPrefix,
		AdminSecret: cfg.AdminSecret,
		Idempotency: middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{Store: kv}),
		RateLimit:   rl.Middleware(),
	})
	return r, nil
}
