package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classroom/internal/auth"
	"classroom/internal/cms"
	"classroom/internal/config"
	"classroom/internal/evaluation"
	"classroom/internal/httpmiddleware"
	"classroom/internal/ledger"
	"classroom/internal/logger"
	"classroom/internal/meetings"
	"classroom/internal/payroll"
	"classroom/internal/queue"
	"classroom/internal/session"
	"classroom/internal/settlement"
	"classroom/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	zapLogger, err := logger.New(&logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	}, "classroom-api")
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		zap.L().Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		zap.L().Warn("db not reachable, settlement journal kept in memory", zap.Error(err))
		db = nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	var journal settlement.Journal
	if db != nil {
		if err := db.RunMigrations(); err != nil {
			return err
		}
		journal = settlement.NewSQLJournal(db.Client)
	} else {
		journal = settlement.NewMemoryJournal()
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	var sessions session.Store
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		sessions = session.NewMemoryStore()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classroom:guardian_notices")
		sessions = session.NewRedisStore(redisClient.Client)
	}

	cmsClient := cms.New(cfg.CMSBaseURL, cfg.CMSToken, cfg.CMSSkip)
	meetingClient := meetings.New(cfg.MeetingsBaseURL, cfg.MeetingsSkip)

	clock := session.NewClock(sessions, session.LogReminder{}, cfg.TickInterval, cfg.ReminderAfter)
	recorder := payroll.NewRecorder(cmsClient, cfg.PayrollFlatHours)
	thresholds := ledger.Thresholds{
		PassRatingMin:     cfg.PassRatingMin,
		PassAttendanceMin: cfg.PassAttendanceMin,
	}
	coordinator := settlement.NewCoordinator(cmsClient, clock, recorder, journal, q, thresholds, cfg.GuardianMilestone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go clock.Run(ctx)

	validate := validator.New()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		cmsHealthy := cmsClient.Health(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !cmsHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "cms": cmsHealthy, "db": db != nil})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			TeacherID string `json:"teacher_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.TeacherID, "teacher", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.TeacherAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/sessions", func(c *gin.Context) {
		var req struct {
			MeetingID      string    `json:"meeting_id" binding:"required"`
			ProgramID      string    `json:"program_id" binding:"required"`
			ScheduledStart time.Time `json:"scheduled_start"`
			ScheduledEnd   time.Time `json:"scheduled_end"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := clock.Start(c.Request.Context(), auth.TeacherID(c), req.MeetingID, req.ProgramID, req.ScheduledStart, req.ScheduledEnd)
		if err != nil {
			if errors.Is(err, session.ErrSessionActive) {
				// Warning, not error: the prior session stays active and untouched.
				c.JSON(http.StatusConflict, gin.H{"warning": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, s)
	})

	authGroup.GET("/sessions/current", func(c *gin.Context) {
		s, err := clock.Rehydrate(c.Request.Context(), auth.TeacherID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if s == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, s)
	})

	authGroup.DELETE("/sessions/current", func(c *gin.Context) {
		teacherID := auth.TeacherID(c)
		s, err := clock.Rehydrate(c.Request.Context(), teacherID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := clock.End(c.Request.Context(), teacherID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if s != nil {
			// Calendar teardown is opaque and best-effort.
			if err := meetingClient.Delete(c.Request.Context(), s.MeetingID); err != nil {
				zap.L().Warn("remote meeting delete failed", zap.String("meeting_id", s.MeetingID), zap.Error(err))
			}
		}
		c.Status(http.StatusNoContent)
	})

	// Close hands the teacher the evaluation form: one record per unique
	// roster student plus the normalized study plan. The session keeps
	// ticking until settlement ends it.
	authGroup.POST("/sessions/current/close", func(c *gin.Context) {
		s, err := clock.Rehydrate(c.Request.Context(), auth.TeacherID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if s == nil {
			c.JSON(http.StatusConflict, gin.H{"error": settlement.ErrNoActiveSession.Error()})
			return
		}
		program, err := cmsClient.ProgramWithRoster(c.Request.Context(), s.ProgramID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session": s,
			"records": evaluation.BuildRecords(program),
			"plan":    evaluation.ParsePlan(program.PlanEntries),
		})
	})

	authGroup.POST("/settlements", func(c *gin.Context) {
		var req struct {
			Records        []evaluation.StudentEvaluationRecord `json:"records" binding:"required"`
			SelectedPlanID string                               `json:"selected_plan_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for _, rec := range req.Records {
			if err := validate.Struct(rec); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		rep, err := coordinator.Settle(c.Request.Context(), settlement.Submission{
			TeacherID:      auth.TeacherID(c),
			Records:        req.Records,
			SelectedPlanID: req.SelectedPlanID,
		})
		if err != nil {
			c.JSON(settlementStatus(err), settlementBody(rep, err))
			return
		}

		// Remote meeting teardown after a clean settle; failures swallowed.
		if derr := meetingClient.Delete(c.Request.Context(), rep.MeetingID); derr != nil {
			zap.L().Warn("remote meeting delete failed", zap.String("meeting_id", rep.MeetingID), zap.Error(derr))
		}
		c.JSON(http.StatusOK, rep)
	})

	authGroup.GET("/settlements/:meetingID", func(c *gin.Context) {
		sqlJournal, ok := journal.(*settlement.SQLJournal)
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "journal queries need the database"})
			return
		}
		attempts, err := sqlJournal.ListByMeeting(c.Request.Context(), c.Param("meetingID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": attempts})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zap.L().Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server forced shutdown", zap.Error(err))
	}

	zap.L().Info("server exited")
	return nil
}

// settlementStatus maps pipeline errors onto HTTP statuses: validation
// failures are fixable warnings, structural failures end the attempt, batch
// failures surface the upstream fault.
func settlementStatus(err error) int {
	var batchErr *settlement.BatchWriteError
	switch {
	case errors.Is(err, evaluation.ErrIncompleteRatings),
		errors.Is(err, evaluation.ErrIncompleteCriteria),
		errors.Is(err, evaluation.ErrPlanItemRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrNoActiveSession),
		errors.Is(err, settlement.ErrNoProgram),
		errors.Is(err, settlement.ErrAlreadySettled):
		return http.StatusConflict
	case errors.As(err, &batchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func settlementBody(rep *settlement.Report, err error) gin.H {
	body := gin.H{"error": err.Error()}
	if rep != nil {
		body["report"] = rep
	}
	return body
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
