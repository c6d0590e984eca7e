package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	"github.com/zhouzirui/pitchroom/backend/internal/handler"
	"github.com/zhouzirui/pitchroom/backend/internal/metrics"
	"github.com/zhouzirui/pitchroom/backend/internal/model/persona"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
	"github.com/zhouzirui/pitchroom/backend/internal/service/dialogue"
	"github.com/zhouzirui/pitchroom/backend/internal/service/feedback"
	"github.com/zhouzirui/pitchroom/backend/internal/service/realtime"
	"github.com/zhouzirui/pitchroom/backend/internal/service/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/service/speech"
	"github.com/zhouzirui/pitchroom/backend/internal/service/worker"
	"github.com/zhouzirui/pitchroom/backend/internal/store"
)

const rewardQueueSize = 128

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	m := metrics.New("pitchroom")
	personaStore := persona.NewMemoryStore(persona.Seed())

	historyStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open history store: %v", err)
	}

	ctrl := backoff.New(cfg.Backoff, backoff.WithMetrics(m))

	// Ark 模型同时服务全量历史对话与复盘评分
	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize Ark chat model: %v", err)
			chatModel = nil
		} else {
			log.Println("Ark chat model initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，全量历史对话不可用")
	}

	selector, err := newSelector(ctx, cfg, chatModel)
	if err != nil {
		log.Fatalf("failed to initialize dialogue: %v", err)
	}

	feedbackSvc, err := feedback.NewService(ctx, chatModel, feedback.Config{
		Enabled:      cfg.AI.FeedbackLLMEnabled,
		HistoryLimit: cfg.AI.FeedbackHistorySize,
	})
	if err != nil {
		log.Fatalf("failed to initialize feedback service: %v", err)
	}
	if feedbackSvc.Enabled() {
		log.Println("Feedback scorer uses the chat model")
	} else {
		log.Println("Feedback scorer falls back to heuristics")
	}

	pool := worker.New(cfg.Reward.Workers, rewardQueueSize, ctrl, m)
	registry := realtime.NewRegistry()

	deps := simulation.Deps{
		Store:         historyStore,
		Personas:      personaStore,
		Dialogue:      selector,
		Backoff:       ctrl,
		Scorer:        feedbackSvc,
		Crediter:      historyStore,
		Dispatcher:    pool,
		Live:          registry,
		Metrics:       m,
		RewardCredits: cfg.Reward.CreditsPerSimulation,
	}
	if cfg.Speech.Enabled {
		speechCfg := cfg.Speech.Adapter()
		deps.Transcriber = speech.NewTranscriber(speechCfg, speech.Endpoints{})
		deps.Synthesizer = speech.NewSynthesizer(speechCfg, speech.Endpoints{})
		log.Println("Speech service initialized successfully")
	} else {
		log.Println("语音服务凭证未配置，仅支持文本轮次")
	}

	simSvc, err := simulation.NewService(deps)
	if err != nil {
		log.Fatalf("failed to initialize simulation service: %v", err)
	}

	live := realtime.Deps{
		Registry: registry,
		Store:    historyStore,
		Finisher: simSvc,
		Backoff:  ctrl,
		Metrics:  m,
		Config:   cfg.Bridge,
	}
	if dialer := realtime.NewOpenAIDialer(cfg.Realtime); dialer != nil {
		live.Dialer = dialer
		log.Println("Realtime live mode enabled")
	} else {
		log.Println("OPENAI_API_KEY 未配置，跳过流式模式")
	}

	router := handler.NewRouter(personaStore, simSvc, live, m)

	startServer(ctx, cfg.Server, router)

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n := registry.CloseAll(); n > 0 {
		log.Printf("closing %d live sessions", n)
	}
	if !registry.Wait(drainCtx) {
		log.Println("warning: live sessions did not drain before timeout")
	}
	if err := pool.Shutdown(drainCtx); err != nil {
		log.Printf("warning: reward worker shutdown: %v", err)
	}
	historyStore.Close()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL 未配置，使用内存存储")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Println("Postgres history store ready")
	return pg, nil
}

func newSelector(ctx context.Context, cfg *config.Config, chatModel model.ChatModel) (*dialogue.Selector, error) {
	var completer dialogue.Completer
	if chatModel != nil {
		ark, err := dialogue.NewArkCompleter(ctx, chatModel, cfg.AI.HistorySize)
		if err != nil {
			return nil, err
		}
		completer = ark
	}

	var continuer dialogue.Continuer
	if c := dialogue.NewResponsesContinuer(cfg.Responses); c != nil {
		continuer = c
		log.Println("Threaded dialogue enabled via Responses API")
	}
	return dialogue.NewSelector(continuer, completer), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Pitchroom backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
