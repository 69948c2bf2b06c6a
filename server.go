package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pawdot/petpal_backend/ai"
	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/pawdot/petpal_backend/queue"
	"github.com/pawdot/petpal_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

const (
	QueueInteractions = "interactions"
	QueueThoughts     = "thoughts"
	QueueSocialChecks = "social-checks"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()

	models.MigrateTable()

	generator := ai.NewGenerator(ai.NewClientFromEnv())

	interactions := workflow.NewInteractionWorkflow(db, logger, workflow.NewAIPipeline(generator))
	thoughts := workflow.NewThoughtWorkflow(db, logger, workflow.NewAIThinker(generator))

	var feed workflow.MentionFeed
	if config.SocialCheckEnabled() {
		var err error
		feed, err = workflow.NewFeedClientFromEnv()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field": "Server",
			}).Warn("social feed not configured: " + err.Error())
		}
	}
	social := workflow.NewSocialWorkflow(db, logger, feed)

	registry := queue.NewRegistry(db, logger)
	registry.Register(QueueInteractions, interactions.HandleJob, intFromEnv("INTERACTION_WORKERS", 4))
	thoughtSvc := registry.Register(QueueThoughts, thoughts.HandleJob, intFromEnv("THOUGHT_WORKERS", 1))
	socialSvc := registry.Register(QueueSocialChecks, social.HandleJob, 1)

	// The showcase cat gets a targeted thought whenever a mention is handled.
	social.Thoughts = thoughtSvc

	if err := ensureDefaultSchedules(ctx, thoughtSvc, socialSvc); err != nil {
		logger.WithFields(logrus.Fields{
			"field": "Server",
		}).Error("seeding default schedules failed: " + err.Error())
	}

	registry.Init(ctx)

	if config.JobNotificationsEnabled() {
		if err := queue.RunJobNotificationListener(ctx, logger, registry); err != nil {
			logger.WithFields(logrus.Fields{
				"field": "Server",
			}).Warn("job notification listener not started: " + err.Error())
		}
	}

	httpServer := startHealthServer(logger)

	logger.WithFields(logrus.Fields{
		"field": "Server",
	}).Info("worker pools running")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.WithFields(logrus.Fields{
		"field": "Server",
	}).Info("shutdown complete")
}

// ensureDefaultSchedules makes the recurring job families exist on boot.
// Upserts are keyed, so restarting never duplicates a schedule.
func ensureDefaultSchedules(ctx context.Context, thoughtSvc, socialSvc *queue.Service) error {
	thoughtEvery := int64(intFromEnv("THOUGHT_INTERVAL_MS", int(15*time.Minute/time.Millisecond)))
	if _, err := thoughtSvc.UpsertSchedule(ctx, "autonomous-thoughts",
		queue.RepeatSpec{EveryMs: &thoughtEvery},
		queue.JobTemplate{
			JobName: workflow.ThoughtJobName(0),
			Payload: workflow.ThoughtJobPayload{Trigger: "scheduled"},
		}); err != nil {
		return err
	}

	if !config.SocialCheckEnabled() {
		return nil
	}
	pattern := strings.TrimSpace(os.Getenv("SOCIAL_CHECK_CRON"))
	if pattern == "" {
		pattern = "*/5 * * * *"
	}
	_, err := socialSvc.UpsertSchedule(ctx, "social-mentions",
		queue.RepeatSpec{Pattern: &pattern},
		queue.JobTemplate{JobName: "poll-mentions"})
	return err
}

// startHealthServer serves the liveness/readiness endpoint the deployment
// platform probes. This deployable has no API surface beyond it.
func startHealthServer(logger *logrus.Logger) *http.Server {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		db := config.GetDB()
		if db == nil {
			http.Error(w, "db not connected", http.StatusServiceUnavailable)
			return
		}
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(r.Context()) != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{
				"field": "Server",
			}).Error("health server stopped: " + err.Error())
		}
	}()
	return srv
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
