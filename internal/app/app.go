package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/assignment"
	"github.com/foodshare/fulfillment/internal/audit"
	"github.com/foodshare/fulfillment/internal/batching"
	"github.com/foodshare/fulfillment/internal/cache"
	"github.com/foodshare/fulfillment/internal/config"
	"github.com/foodshare/fulfillment/internal/db"
	"github.com/foodshare/fulfillment/internal/kafka"
	"github.com/foodshare/fulfillment/internal/natsbus"
	"github.com/foodshare/fulfillment/internal/notify"
	"github.com/foodshare/fulfillment/internal/otp"
	taskprocessor "github.com/foodshare/fulfillment/internal/processor"
	"github.com/foodshare/fulfillment/internal/repository"
	"github.com/foodshare/fulfillment/internal/server"
	"github.com/foodshare/fulfillment/internal/service"
	"github.com/foodshare/fulfillment/internal/storage"
)

// App holds the wired services and the resources they own.
type App struct {
	Config     *config.Config
	Store      repository.Store
	Services   server.Services
	Volunteers *cache.VolunteerCache

	tasks     repository.TaskRepository
	publisher notify.Publisher
	nats      *natsbus.Publisher
	audit     *audit.AuditWorkerPool
	closers   []io.Closer
}

// New connects the configured storage, transport and limiter and builds the
// services on top of them.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openPublisher(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openAudit(); err != nil {
		a.Close()
		return nil, err
	}

	gateway := a.gateway()
	limiter := a.limiter()

	a.Volunteers = cache.NewVolunteerCache(a.Store, cfg.VolunteerCacheTTL)
	negotiation := assignment.Config{RequestTTL: cfg.RequestTTL, DeclineCooldown: cfg.DeclineCooldown}
	assignments := assignment.NewService(a.Store, gateway, a.audit, negotiation)
	a.Services = server.Services{
		Coordinator: service.NewCoordinator(a.Store, a.Volunteers, assignments),
		Assignments: assignments,
		Batches:     assignment.NewBatchService(a.Store, gateway, a.audit, negotiation),
		Batching:    batching.NewEngine(a.Store, assignments, batching.Config{MaxItemsPerBatch: cfg.MaxItemsPerBatch}),
		Codes: otp.NewService(a.Store, limiter, a.audit, otp.Config{
			CodeLength:  cfg.CodeLength,
			CodeTTL:     cfg.CodeTTL,
			MaxAttempts: cfg.MaxCodeAttempts,
		}),
	}
	return a, nil
}

func (a *App) openStore() error {
	switch a.Config.Storage {
	case config.StoragePostgres:
		database, err := db.NewDB(a.Config.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, database)
		a.Store = repository.NewPostgresRepository(database)
		a.tasks = repository.NewPostgresTaskRepository(database)
		return nil
	default:
		st, err := storage.New(a.Config.DataFile)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		if path := a.Config.VolunteersFile; path != "" {
			n, err := st.LoadVolunteers(path)
			if err != nil {
				return err
			}
			logger.Infof("seeded %d volunteers from %s", n, path)
		}
		a.Store = st
		return nil
	}
}

func (a *App) openPublisher() error {
	switch a.Config.NotifyTransport {
	case config.TransportKafka:
		p, err := kafka.NewSaramaProducer(a.Config.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		a.closers = append(a.closers, p)
		a.publisher = p
	case config.TransportNats:
		p, err := natsbus.Connect(a.Config.NatsURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, p)
		a.publisher = p
		a.nats = p
	}
	return nil
}

func (a *App) openAudit() error {
	processors := []audit.AuditLogProcessor{
		&audit.StdoutProcessor{Filter: a.Config.FilterWord, Out: os.Stdout},
	}
	if pg, ok := a.Store.(*repository.PostgresRepository); ok {
		processors = append(processors, audit.NewDBProcessor(pg.DB()))
	}
	if a.Config.ClickHouseAddr != "" {
		ch, err := audit.NewClickHouseProcessor(audit.ClickHouseOptions{
			Addr:     a.Config.ClickHouseAddr,
			Database: a.Config.ClickHouseDatabase,
			Username: a.Config.ClickHouseUser,
			Password: a.Config.ClickHousePassword,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, ch)
		processors = append(processors, ch)
	}
	a.audit = audit.NewAuditWorkerPool(audit.AuditPoolConfig{
		BatchSize:   a.Config.AuditBatchSize,
		Timeout:     a.Config.AuditTimeout,
		ChannelSize: 1000,
	}, processors...)
	return nil
}

// gateway prefers the outbox whenever the store can hold one, so a broker
// outage delays notifications instead of losing them.
func (a *App) gateway() notify.Gateway {
	switch {
	case a.publisher != nil && a.tasks != nil:
		return notify.NewOutboxGateway(a.tasks, a.Config.NotifyTopic)
	case a.publisher != nil:
		return notify.NewPublisherGateway(a.publisher, a.Config.NotifyTopic)
	default:
		return notify.LogGateway{}
	}
}

func (a *App) limiter() otp.Limiter {
	if a.Config.RedisAddr == "" {
		return otp.NewMemoryLimiter()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	a.closers = append(a.closers, client)
	return otp.NewRedisLimiter(client)
}

// Start launches the background workers. They all stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	cfg := a.Config
	a.audit.Start(ctx, cfg.AuditWorkers)

	if a.tasks != nil && a.publisher != nil {
		proc := taskprocessor.NewTaskProcessor(a.tasks, a.publisher, cfg.OutboxPollInterval,
			cfg.OutboxBatchSize, cfg.OutboxMaxAttempts, cfg.OutboxRetryDelay)
		go proc.Start(ctx)
	}
	if cfg.ExpirySweepInterval > 0 {
		go a.Services.Assignments.StartExpirySweep(ctx, cfg.ExpirySweepInterval)
	}
	if cfg.VolunteerCacheTTL > 0 {
		go a.Volunteers.StartAutoRefresh(ctx, cfg.VolunteerCacheTTL)
	}
	if !cfg.NotifyConsume {
		return
	}
	switch cfg.NotifyTransport {
	case config.TransportKafka:
		go func() {
			if err := kafka.StartSaramaConsumer(ctx, cfg.KafkaBrokers, cfg.KafkaGroupID, []string{cfg.NotifyTopic}, notify.LogEvent); err != nil {
				logger.Errorf("kafka consumer stopped: %v", err)
			}
		}()
	case config.TransportNats:
		if err := a.nats.Subscribe(cfg.NotifyTopic, notify.LogEvent); err != nil {
			logger.Errorf("nats subscribe: %v", err)
		}
	}
}

// Close waits for the audit pool to flush and releases connections in
// reverse order of opening.
func (a *App) Close() {
	if a.audit != nil {
		a.audit.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warningf("close: %v", err)
		}
	}
}
