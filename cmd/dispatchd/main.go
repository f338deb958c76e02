package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/dispatchd/internal/api"
	"github.com/darkden-lab/dispatchd/internal/audit"
	"github.com/darkden-lab/dispatchd/internal/config"
	"github.com/darkden-lab/dispatchd/internal/consumer"
	"github.com/darkden-lab/dispatchd/internal/db"
	"github.com/darkden-lab/dispatchd/internal/dispatch"
	"github.com/darkden-lab/dispatchd/internal/dispatch/channels"
	"github.com/darkden-lab/dispatchd/internal/eventlog"
	"github.com/darkden-lab/dispatchd/internal/health"
	"github.com/darkden-lab/dispatchd/internal/logging"
	"github.com/darkden-lab/dispatchd/internal/metrics"
	"github.com/darkden-lab/dispatchd/internal/middleware"
	"github.com/darkden-lab/dispatchd/internal/overflow"
	"github.com/darkden-lab/dispatchd/internal/sentcache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(logging.Config{})
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// Audit sink
	auditSink, closeSink, err := openSink(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("sink", cfg.AuditSink).Msg("failed to open audit sink")
	}
	defer closeSink()

	ovf, err := overflow.OpenSQLite(cfg.OverflowPath, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.OverflowPath).Msg("failed to open overflow log")
	}
	defer ovf.Close()

	appender := audit.NewAppender(auditSink, ovf, audit.AppenderConfig{
		MaxAttempts: cfg.AppendMaxAttempts,
		Timeout:     cfg.AppendTimeout,
	}, reg, logging.Component(log, "audit"))

	replayer := overflow.NewReplayer(ovf, auditSink, overflow.ReplayerConfig{
		Schedule: cfg.OverflowReplaySchedule,
		Timeout:  cfg.AppendTimeout,
	}, reg, logging.Component(log, "overflow"))
	if err := replayer.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start overflow replayer")
	}

	// Senders
	senders, err := buildSenders(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure senders")
	}
	executor := dispatch.NewExecutor(senders, cfg.SendTimeout, reg, logging.Component(log, "executor"))
	router, err := dispatch.NewRouter(dispatch.DefaultRules, dispatch.RouterConfig{
		Domain:         cfg.RecipientDomain,
		AdminRecipient: cfg.AdminRecipient,
	}, reg, logging.Component(log, "router"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build routing table")
	}

	// Sent cache
	var cache sentcache.Cache = sentcache.Nop{}
	if cfg.RedisAddr != "" {
		client := sentcache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		rc := sentcache.NewRedisCache(client, cfg.SentCacheTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, sent cache lookups will miss until it recovers")
		}
		cancel()
		cache = rc
	}

	// Event log
	var evlog eventlog.Log
	switch cfg.EventLog {
	case "kafka":
		evlog, err = eventlog.NewKafkaLog(eventlog.KafkaConfig{
			Brokers:    cfg.Brokers(),
			GroupID:    cfg.KafkaConsumerGroup,
			Topics:     cfg.Topics(),
			FromOldest: cfg.KafkaFromOldest,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to join consumer group")
		}
	default:
		log.Warn().Msg("using the in-memory event log, nothing will be consumed from Kafka")
		evlog = eventlog.NewMemoryLog(1, cfg.Topics()...)
	}

	reporter := health.NewReporter(ovf, cfg.OverflowDegradedThreshold)

	cons := consumer.New(evlog, consumer.Deps{
		Router:   router,
		Executor: executor,
		Appender: appender,
		Cache:    cache,
		Metrics:  reg,
		Health:   reporter,
	}, consumer.Config{
		BatchSize:              cfg.BatchSize,
		BatchWait:              cfg.BatchWait,
		MaxInFlight:            cfg.MaxInFlight,
		SendMaxAttempts:        cfg.SendMaxAttempts,
		BackoffInitial:         cfg.BackoffInitial,
		BackoffMax:             cfg.BackoffMax,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		ShutdownGrace:          cfg.ShutdownGrace,
	}, logging.Component(log, "consumer"))

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := cons.Run(ctx); err != nil {
			log.Error().Err(err).Msg("consumer stopped")
		}
	}()

	// HTTP
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logging.Component(log, "http")))
	r.Use(middleware.RateLimitMiddleware(ctx, cfg.RateLimit, cfg.RateBurst))
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set, the notification endpoints are unauthenticated")
	}
	handlers := api.NewHandlers(executor, appender, auditSink, reporter, reg.Handler(), logging.Component(log, "api"))
	handlers.RegisterRoutes(r, middleware.AuthMiddleware(cfg.JWTSecret))

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	notifier := health.NewNotifier(logging.Component(log, "systemd"))
	go notifier.Watchdog(ctx, reporter)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		notifier.Stopping()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("event_log", cfg.EventLog).
		Str("audit_sink", cfg.AuditSink).
		Strs("channels", channelNames(executor.Channels())).
		Msg("notification dispatcher started")
	notifier.Ready()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("http server error")
		stop()
	}

	// Batches already fetched get ShutdownGrace to finish and commit.
	<-consumerDone
	if err := evlog.Close(); err != nil {
		log.Warn().Err(err).Msg("event log close error")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.AppendTimeout)
	replayer.Stop(stopCtx)
	cancel()

	log.Info().Msg("stopped")
}

func openSink(ctx context.Context, cfg *config.Config, log zerolog.Logger) (audit.Sink, func(), error) {
	switch cfg.AuditSink {
	case "postgres":
		database, err := db.New(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: int32(cfg.MaxInFlight) + 4})
		if err != nil {
			return nil, nil, err
		}
		version, err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath)
		if err != nil {
			database.Close()
			return nil, nil, err
		}
		log.Info().Uint("schema_version", version).Msg("database migrations applied")
		return audit.NewPostgresSink(database.Pool), database.Close, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, err
		}
		return audit.NewDynamoSink(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable), func() {}, nil

	default:
		log.Warn().Msg("using the in-memory audit sink, records are lost on restart")
		return audit.NewMemorySink(), func() {}, nil
	}
}

// buildSenders returns one sender per configured channel. Channels without
// configuration are left out and their intents fail with "no such channel".
func buildSenders(ctx context.Context, cfg *config.Config, log zerolog.Logger) ([]dispatch.Sender, error) {
	var senders []dispatch.Sender

	email := channels.EmailConfig{
		SMTPHost:    cfg.SMTPHost,
		SMTPPort:    cfg.SMTPPort,
		SMTPUser:    cfg.SMTPUser,
		SMTPPass:    cfg.SMTPPass,
		SendGridKey: cfg.SendGridAPIKey,
		FromAddress: cfg.SMTPFrom,
		FromName:    cfg.FromName,
	}
	if email.FromAddress == "" {
		email.FromAddress = "notifications@" + cfg.RecipientDomain
	}
	switch {
	case cfg.SendGridAPIKey != "":
		email.Provider = "sendgrid"
	case cfg.SMTPHost != "":
		email.Provider = "smtp"
	}
	if email.Provider != "" {
		s, err := channels.NewEmailSender(email)
		if err != nil {
			return nil, err
		}
		senders = append(senders, s)
	} else {
		log.Warn().Msg("no email provider configured, email intents will fail")
	}

	if cfg.SMSEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, err
		}
		s, err := channels.NewSMSSender(sns.NewFromConfig(awsCfg), channels.SMSConfig{
			SenderID: cfg.SNSSenderID,
			SMSType:  cfg.SNSSMSType,
		})
		if err != nil {
			return nil, err
		}
		senders = append(senders, s)
	}

	if cfg.PushURL != "" {
		push := channels.PushConfig{URL: cfg.PushURL}
		if cfg.PushAuthToken != "" {
			push.Headers = map[string]string{"Authorization": "Bearer " + cfg.PushAuthToken}
		}
		s, err := channels.NewPushSender(push)
		if err != nil {
			return nil, err
		}
		senders = append(senders, s)
	}
	return senders, nil
}

func channelNames(chs []dispatch.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}
