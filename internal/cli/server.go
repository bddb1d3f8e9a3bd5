package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"quizsync/internal/app"
	"quizsync/internal/config"
	"quizsync/internal/domain"
	"quizsync/internal/infra/memory"
	pgloader "quizsync/internal/infra/postgres"
	redisinfra "quizsync/internal/infra/redis"
	"quizsync/internal/observability"
	transport "quizsync/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), rt.cfg, rt.logger)
		},
	}
}

func runServer(parent context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.RegisterMetrics()
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	finalPort := cfg.Server.Port
	if finalPort == "" {
		finalPort = "8080"
	}

	service, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	wsHandler := transport.NewWSHandler(service, transport.WithLogger(logger))
	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     transport.NewRouter(service, wsHandler, logger),
		ReadTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting quiz session server", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildService selects the infra per config: Redis for session liveness, the
// quiz cache and the submission ledger when redis.addr is set, Postgres for
// quiz definitions when postgres.url is set, memory otherwise.
func buildService(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.SessionService, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, logger); err != nil {
			return nil, cleanup, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pool.Close)
		pg := pgloader.NewQuizLoader(pool)
		if err := seedQuizzes(ctx, pg, logger); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		loader = pg
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if cfg.Redis.Addr == "" {
		service := app.NewSessionService(
			memory.NewSessionStore(),
			memory.NewQuizRepository(loader, quizTTL),
			memory.NewSubmissionLedger(),
			logger,
		)
		return service, cleanup, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
	service := app.NewSessionService(
		redisinfra.NewSessionStore(client, redisTTL, logger),
		redisinfra.NewQuizRepository(client, loader, quizTTL),
		redisinfra.NewSubmissionLedger(client, redisTTL),
		logger,
	)
	return service, cleanup, nil
}

// seedQuizzes stores the sample quizzes that are not in the database yet.
func seedQuizzes(ctx context.Context, pg *pgloader.QuizLoader, logger *zap.Logger) error {
	for id, quiz := range sampleQuizzes() {
		_, err := pg.LoadQuiz(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrQuizNotFound) {
			return err
		}
		if err := pg.SaveQuiz(ctx, quiz); err != nil {
			return err
		}
		logger.Info("seeded sample quiz", zap.String("quiz_id", id))
	}
	return nil
}

// sampleQuizzes provides one real-time quiz and one self-paced survey.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:                "quiz-1",
			Title:             "Warm-up",
			Mode:              domain.ModeRealTime,
			HasCorrectAnswers: true,
			Questions: []domain.Question{
				{
					ID: 1, Index: 0, Text: "What is 2 + 2?", Type: domain.SingleChoice,
					Answers: []domain.Answer{
						{ID: 11, Text: "3"},
						{ID: 12, Text: "4", Correct: true},
						{ID: 13, Text: "5"},
					},
				},
				{
					ID: 2, Index: 1, Text: "Which are prime?", Type: domain.MultipleChoice,
					Answers: []domain.Answer{
						{ID: 21, Text: "2", Correct: true},
						{ID: 22, Text: "4"},
						{ID: 23, Text: "7", Correct: true},
					},
				},
				{ID: 3, Index: 2, Text: "Anything to add?", Type: domain.FreeText},
			},
		},
		"survey-1": {
			ID:             "survey-1",
			Title:          "Session feedback",
			Mode:           domain.ModeSelfPaced,
			AllowAnonymous: true,
			Questions: []domain.Question{
				{
					ID: 101, Index: 0, Text: "How was the session?", Type: domain.SingleChoice,
					Answers: []domain.Answer{
						{ID: 1011, Text: "Great"},
						{ID: 1012, Text: "Fine"},
						{ID: 1013, Text: "Poor"},
					},
				},
				{ID: 102, Index: 1, Text: "What should we change?", Type: domain.FreeText},
			},
		},
	}
}
