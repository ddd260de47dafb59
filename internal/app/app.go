package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"github.com/hitoshi/usercore/internal/auth"
	"github.com/hitoshi/usercore/internal/config"
	"github.com/hitoshi/usercore/internal/database"
	"github.com/hitoshi/usercore/internal/handler"
	"github.com/hitoshi/usercore/internal/logger"
	"github.com/hitoshi/usercore/internal/messenger"
	"github.com/hitoshi/usercore/internal/metrics"
	"github.com/hitoshi/usercore/internal/middleware"
	"github.com/hitoshi/usercore/internal/notify"
	"github.com/hitoshi/usercore/internal/repository"
	"github.com/hitoshi/usercore/internal/revocation"
	"github.com/hitoshi/usercore/internal/security"
	"github.com/hitoshi/usercore/internal/token"
	"github.com/hitoshi/usercore/internal/user"
	"github.com/hitoshi/usercore/internal/worker/cleanup"
	"github.com/hitoshi/usercore/internal/worker/dispatch"
)

const (
	// producerName はアウトボックスのproducerヘッダーに記録する名前。
	producerName = "usercore"

	cleanupInterval = time.Hour
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envがあれば環境変数に読み込み、JSON構造化ログをセットアップしてからConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（存在しなくてもよい。既存の環境変数は上書きしない）
	_ = godotenv.Load()

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseCommand(args)
	if err != nil {
		return err
	}
	cmd := inv.Command

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("revocation_backend", cfg.RevocationBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, inv.RollbackSteps)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、プールを設定して疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.ConfigurePool(db, cfg.DBMaxOpenConns, cfg.DBConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)
	return db, nil
}

// newRegistry はプロセス標準のコレクターを登録したPrometheusレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newIssuer はHS256の共有鍵またはRS256の秘密鍵ファイルからトークン発行者を生成する。
func newIssuer(cfg *config.Config) (*token.Issuer, error) {
	opts := token.Options{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.TokenTTL,
	}
	if cfg.JWTPrivateKeyFile != "" {
		pem, err := os.ReadFile(cfg.JWTPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT private key: %w", err)
		}
		opts.Secret = nil
		opts.PrivateKeyPEM = pem
	}
	return token.New(opts)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db, cfg.MessengerLeaseTimeout)
	refreshRepo := repository.NewPostgresRefreshTokenRepo(db)
	revokedRepo := repository.NewPostgresRevokedTokenRepo(db)

	// 3. トークンと失効キャッシュ
	issuer, err := newIssuer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}
	revoked, stopRevocation, err := revocation.New(cfg.RevocationBackend, revokedRepo, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create revocation cache: %w", err)
	}
	defer stopRevocation()

	// 4. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 5. ドメインサービスの初期化
	bus := messenger.NewBus(messageRepo, producerName)
	authService := auth.NewService(
		userRepo, refreshRepo, issuer, revoked,
		auth.NewBcryptHasher(bcrypt.DefaultCost),
		bus, security.NewNameSanitizer(), collector,
		auth.ServiceConfig{RefreshTokenTTL: cfg.RefreshTokenTTL},
	)
	userService := user.NewService(userRepo, refreshRepo, bus)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		Gatherer:          reg,
		AuthService:       authService,
		UserService:       userService,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serveUntilDone(ctx, server, cfg.MaxConnections, "API server")
}

// serveUntilDone はサーバーを起動し、ctxがキャンセルされたらグレースフルシャットダウンする。
// maxConnsが正の場合は同時接続数を制限する。
func serveUntilDone(ctx context.Context, server *http.Server, maxConns int, name string) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting",
			slog.String("addr", server.Addr),
			slog.Int("max_connections", maxConns),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// newHandlerRegistry はユーザーイベントのハンドラを登録する。
// Webhook URLが設定されている場合はSSRF対策済みクライアントで転送する。
func newHandlerRegistry(cfg *config.Config) (*messenger.Registry, error) {
	registry := messenger.NewRegistry()
	logHandler := messenger.NewLogHandler(slog.Default())
	registry.Register(messenger.TypeUserCreated, logHandler)
	registry.Register(messenger.TypeUserUpdated, logHandler)

	if cfg.UserEventsWebhookURL != "" {
		guard := security.NewOutboundGuard()
		if err := guard.ValidateURL(cfg.UserEventsWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid USER_EVENTS_WEBHOOK_URL: %w", err)
		}
		webhook := messenger.NewWebhookHandler(guard.NewSafeClient(cfg.WebhookTimeout), cfg.UserEventsWebhookURL)
		registry.Register(messenger.TypeUserCreated, webhook)
		registry.Register(messenger.TypeUserUpdated, webhook)
	}
	return registry, nil
}

// runWorker はワーカーモードで起動する。
// レーンごとのディスパッチャとクリーンアップジョブを動かし、/healthと/metricsを公開する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. ハンドラ登録
	registry, err := newHandlerRegistry(cfg)
	if err != nil {
		return err
	}

	// 3. LISTEN/NOTIFYによるウェイクアップ
	listener, err := notify.NewPostgresListener(cfg.DatabaseURL, cfg.MessengerChannel, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	defer listener.Close()

	// 4. ディスパッチャ
	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	dispatcher := dispatch.NewDispatcher(
		repository.NewPostgresMessageRepo(db, cfg.MessengerLeaseTimeout),
		registry, listener, collector, slog.Default(),
		dispatch.Config{
			Queues:       cfg.MessengerQueues,
			PollInterval: cfg.MessengerPollInterval,
			MaxRetries:   cfg.MessengerMaxRetries,
		},
	)
	dispatcher.SetRetryWaker(notify.NewPostgresPublisher(db, cfg.MessengerChannel))

	// 5. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	if cfg.MessengerRetention > 0 {
		cleanupJob.MessageRetention = cfg.MessengerRetention
	}
	go cleanupJob.Start(ctx, cleanupInterval)

	// 6. ヘルスチェックとメトリクスの公開
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.SetupMetricsRoute(reg))
	mux.Handle("/health", handler.NewHealthHandler(db))
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- serveUntilDone(ctx, server, 0, "worker metrics server")
	}()

	slog.Info("worker starting",
		slog.Any("queues", cfg.MessengerQueues),
		slog.Duration("poll_interval", cfg.MessengerPollInterval),
		slog.Int("max_retries", cfg.MessengerMaxRetries),
		slog.Bool("webhook_enabled", cfg.UserEventsWebhookURL != ""),
	)

	// ディスパッチャをメインgoroutineで実行（ブロッキング）
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispatcher failed: %w", err)
	}
	if err := <-serverErr; err != nil {
		slog.Error("worker metrics server failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// stepsが0なら未適用のマイグレーションをすべて適用し、正ならその件数だけロールバックする。
func runMigrate(cfg *config.Config, steps int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if steps > 0 {
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back", slog.Int("steps", steps))
		return nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
