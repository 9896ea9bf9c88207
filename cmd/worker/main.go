package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"classroom/internal/cms"
	"classroom/internal/config"
	"classroom/internal/logger"
	"classroom/internal/queue"
	"classroom/internal/settlement"
	"classroom/internal/store"
)

// Worker drains queued guardian notices and delivers them through the CMS
// notification trigger. Delivery is retried with backoff; a notice that still
// fails is logged and dropped, matching the best-effort contract.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	zapLogger, err := logger.New(&logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	}, "classroom-worker")
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		zap.L().Info("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classroom:guardian_notices")
	}

	cmsClient := cms.New(cfg.CMSBaseURL, cfg.CMSToken, cfg.CMSSkip)
	if err := cmsClient.Health(ctx); err != nil {
		zap.L().Warn("cms not available, will retry per notice", zap.Error(err))
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		zap.L().Fatal("queue consume init failed", zap.Error(err))
	}

	zap.L().Info("worker started, waiting for guardian notices")
	for msg := range messages {
		if msg.Type != settlement.GuardianNoticeType {
			continue
		}

		var notice settlement.GuardianNotice
		if err := json.Unmarshal(msg.Body, &notice); err != nil {
			zap.L().Warn("malformed guardian notice dropped", zap.Error(err))
			continue
		}

		backoff := retry.WithMaxRetries(3, retry.NewExponential(2*time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			return retry.RetryableError(cmsClient.NotifyGuardians(ctx, []string{notice.Email}))
		})
		if err != nil {
			zap.L().Error("guardian notice delivery failed",
				zap.String("student_id", notice.StudentID),
				zap.String("program_id", notice.ProgramID),
				zap.Error(err))
			continue
		}
		zap.L().Info("guardian notice delivered",
			zap.String("student_id", notice.StudentID),
			zap.String("program_id", notice.ProgramID))
	}

	zap.L().Info("worker stopped")
}
