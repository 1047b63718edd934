package initialize

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fleetd/backend/app/controllers"
	"fleetd/backend/app/db"
	"fleetd/backend/app/deviceclient"
	jwtutil "fleetd/backend/app/jwt"
	"fleetd/backend/app/middleware"
	"fleetd/backend/app/pool"
	"fleetd/backend/app/reconcile"
	"fleetd/backend/app/repo"
	"fleetd/backend/app/services"
	"fleetd/backend/app/socket"
	"fleetd/backend/config"
	"fleetd/backend/router"
	"fleetd/backend/server"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type App struct {
	Cfg         *config.Config
	Log         zerolog.Logger
	DB          *gorm.DB
	Redis       *redis.Client
	Router      *gin.Engine
	Signer      *jwtutil.Signer
	Pool        *pool.Pool
	Hub         *socket.Hub
	Relay       *socket.Relay
	Devices     *services.DeviceService
	Payloads    *services.PayloadService
	Deployments *services.DeploymentService
	Reconciler  *reconcile.Reconciler

	mu     sync.Mutex
	server *server.HTTP
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Build wires every component from cfg. Nothing is started until Run.
func Build(cfg *config.Config, log zerolog.Logger) (*App, error) {
	gdb, err := db.Connect(db.Config{
		Driver:   cfg.DB.Driver,
		Path:     cfg.DB.Path,
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Pass,
		DBName:   cfg.DB.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	hub := socket.NewHub(log)
	app := &App{Cfg: cfg, Log: log, DB: gdb, Hub: hub}
	if cfg.Redis.Addr != "" {
		app.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		app.Relay = socket.NewRelay(app.Redis, cfg.Redis.Channel, log)
		hub.SetRelay(app.Relay)
	}

	dialer := deviceclient.Dialer{Timeouts: deviceclient.Timeouts{
		Ping:   cfg.Device.PingTimeout,
		Status: cfg.Device.StatusTimeout,
		Write:  cfg.Device.WriteTimeout,
	}}
	app.Pool = pool.New(pool.Config{
		MaxConnections: cfg.Pool.MaxConnections,
		TTL:            cfg.Pool.TTL,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		SweepInterval:  cfg.Pool.SweepInterval,
	}, dialer.Dial, log)

	notify := services.NewNotifier(hub)
	app.Devices = services.NewDeviceService(repo.NewDeviceRepository(gdb), log)
	app.Payloads = services.NewPayloadService(repo.NewPayloadRepository(gdb))
	app.Deployments = services.NewDeploymentService(app.Devices, app.Payloads, repo.NewDeploymentRepository(gdb),
		app.Pool, notify, services.DeploymentConfig{
			ExecutionTimeout: cfg.Deployment.ExecutionTimeout,
			SerialTimeout:    cfg.Deployment.SerialTimeout,
		}, log)
	app.Reconciler = reconcile.New(app.Devices, app.Pool, notify, reconcile.Config{
		PollInterval:   cfg.Reconcile.PollInterval,
		MaxRetries:     cfg.Reconcile.MaxRetries,
		RetryBaseDelay: cfg.Reconcile.RetryBaseDelay,
		Concurrency:    cfg.Reconcile.Concurrency,
	}, log)

	app.Signer = &jwtutil.Signer{Secret: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer, ExpMin: cfg.JWT.ExpMin}
	mw := &middleware.Auth{Signer: app.Signer}
	app.Router = router.NewRouter(router.Controllers{
		HTTP:        controllers.NewHTTPController(app.Pool, hub),
		Devices:     controllers.NewDeviceController(app.Devices, app.Deployments, app.Reconciler),
		Payloads:    controllers.NewPayloadController(app.Payloads),
		Deployments: controllers.NewDeploymentController(app.Deployments),
		Socket:      controllers.NewSocketController(hub, mw, log),
	}, mw, log)
	return app, nil
}

// Run recovers interrupted deployments, starts the background loops and
// serves HTTP until the server is shut down.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Deployments.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover deployments: %w", err)
	}

	srv := server.NewHTTP(a.Cfg.Addr(), a.Router, a.Log)
	bg, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.server, a.cancel = srv, cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Pool.Run(bg)
	}()
	if a.Relay != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Relay.Run(bg, a.Hub); err != nil {
				a.Log.Error().Err(err).Msg("relay stopped")
			}
		}()
	}
	a.Reconciler.StartPolling(bg)

	return srv.ListenAndServe()
}

// Shutdown stops intake first, then polling and deployments, and finally
// releases device connections and subscribers.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv, cancel := a.server, a.cancel
	a.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	a.Reconciler.StopPolling()
	if err := a.Deployments.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("deployments: %w", err))
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.Pool.CloseAll()
	a.Hub.Close()
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.Log.Info().Msg("fleetd stopped")
	return errors.Join(errs...)
}
