// Command botan is the main entrypoint for the chat bot and its background
// workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens the Discord session and wires the completion gateway, history
//     store, retrieval enricher, and playback manager.
//   - Starts the background pollers (news RSS, Reddit, Pixiv), the OpenAI
//     batch poller, and the Pixiv token refresher.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lqhuy/botan/config"
	"github.com/lqhuy/botan/db"
	"github.com/lqhuy/botan/discordbot"
	"github.com/lqhuy/botan/history"
	"github.com/lqhuy/botan/llm"
	"github.com/lqhuy/botan/music"
	"github.com/lqhuy/botan/oauth"
	"github.com/lqhuy/botan/pixivapi"
	"github.com/lqhuy/botan/rag"
	"github.com/lqhuy/botan/scrape"
	"github.com/lqhuy/botan/server"
	"github.com/lqhuy/botan/telemetry"
	"github.com/lqhuy/botan/wikipedia"
	"github.com/lqhuy/botan/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("botan", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	migrationCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	if err := db.RunMigrations(migrationCtx, database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(migrationCtx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			cancelMigrate()
			os.Exit(1)
		}
	}
	cancelMigrate()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Completion routers, one per provider; a purpose without a key stays nil
	// and the bot answers with an apology instead of crashing.
	routers := map[string]*llm.Router{}
	if cfg.GroqAPIKey != "" {
		groq := llm.NewRouter(llm.NewGroqProvider(cfg.GroqAPIKey, os.Getenv("GROQ_ENDPOINT")), cfg.GroqModels)
		routers["mental"] = groq
		routers["general"] = groq
	}
	if cfg.XAIAPIKey != "" {
		routers["grok"] = llm.NewRouter(llm.NewXAIProvider(cfg.XAIAPIKey, os.Getenv("XAI_ENDPOINT")), cfg.XAIModels)
	}
	if cfg.GeminiAPIKey != "" {
		routers["gemini"] = llm.NewRouter(llm.NewGeminiProvider(cfg.GeminiAPIKey, os.Getenv("GEMINI_ENDPOINT")), cfg.GeminiModels)
	}

	var batch *llm.BatchClient
	if cfg.OpenAIAPIKey != "" {
		batch = llm.NewBatchClient(cfg.OpenAIAPIKey, os.Getenv("OPENAI_BASE_URL"), cfg.OpenAIBatchModel)
	}

	var retriever rag.Retriever
	if cfg.RAGEndpoint != "" {
		retriever = rag.NewHTTPRetriever(cfg.RAGEndpoint)
	}

	var searcher discordbot.Searcher
	if cfg.YTAPIKey != "" {
		searcher = youtubeapi.NewClient(cfg.YTAPIKey)
	}

	musicMgr := music.NewManager(music.NewStore(database), music.NewYTDLPResolver(), func() music.Player {
		return music.NewFFmpegPlayer()
	})

	bot, err := discordbot.New(discordbot.Options{
		Config:    cfg,
		DB:        database,
		History:   history.NewStore(database),
		Retriever: retriever,
		Routers:   routers,
		Batch:     batch,
		Music:     musicMgr,
		Search:    searcher,
		Wiki:      wikipedia.NewClient(),
	})
	if err != nil {
		slog.Error("failed to build bot", slog.Any("err", err))
		os.Exit(1)
	}
	if err := bot.Start(); err != nil {
		slog.Error("failed to start bot", slog.Any("err", err))
		os.Exit(1)
	}
	defer bot.Stop()

	if batch != nil {
		batch.StartBatchPoller(ctx, database, 5*time.Minute, bot.DeliverBatch)
	}

	// Content pollers; each is enabled by its channel configuration.
	priority := scrape.NewPriorityStore(database)
	if cfg.NewsChannelID != "" {
		news := scrape.NewRSSFetcher("news", os.Getenv("NEWS_FEED_URL"))
		scrape.StartPoller(ctx, database, news, 15*time.Minute, bot.PublishItem(cfg.NewsChannelID))
	}
	if cfg.NewsChannelID != "" && cfg.RedditClientID != "" && cfg.RedditClientSecret != "" {
		reddit := scrape.NewRedditFetcher(ctx, cfg.RedditClientID, cfg.RedditClientSecret, cfg.RedditUserAgent, priority)
		scrape.StartPoller(ctx, database, reddit, 15*time.Minute, bot.PublishItem(cfg.NewsChannelID))
	}
	if cfg.ImageChannelID != "" && cfg.PixivRefreshToken != "" {
		pixiv := pixivapi.NewClient(cfg.PixivRefreshToken, &db.TokenStoreAdapter{DB: database})
		oauth.StartRefresher(ctx, "pixiv", pixiv)
		scrape.StartPoller(ctx, database, scrape.NewPixivFetcher(pixiv, priority), 30*time.Minute, bot.PublishItem(cfg.ImageChannelID))
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		deps := server.Deps{DB: database, History: history.NewStore(database), Priority: priority}
		if err := server.Start(ctx, cfg, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
