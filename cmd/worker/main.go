// Command worker runs the scheduled passes: periodic imports and the
// daily follow-up reconciliation. Each pass takes the shared run lock so
// a worker and a manually triggered run never overlap.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/edemocracy/signup-verifier/internal/config"
	"github.com/edemocracy/signup-verifier/internal/followup"
	"github.com/edemocracy/signup-verifier/internal/importer"
	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/pkg/distlock"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
	"github.com/edemocracy/signup-verifier/internal/sheets"
	"github.com/edemocracy/signup-verifier/internal/signup"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	store := signup.NewStore(db)

	provider, err := sheets.NewGoogleClient(ctx, cfg.Sheets, cfg.Retry.MaxAttempts)
	if err != nil {
		log.Fatalf("sheets client: %v", err)
	}

	var sender mailer.Sender
	if cfg.Mail.Enabled {
		sender, err = mailer.NewSESSender(ctx, cfg.Mail)
		if err != nil {
			log.Fatalf("mail sender: %v", err)
		}
	} else {
		logger.Warn("mail disabled, using log sender")
		sender = &mailer.LogSender{}
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer redisClient.Close()
	}

	imp := importer.New(store, provider, sender, importer.Config{
		SignupsFolderID:     cfg.Sheets.SignupsFolderID,
		FailedFolderID:      cfg.Sheets.FailedFolderID,
		MetaSheetTitle:      cfg.Sheets.MetaSheetTitle,
		RawSheetTitle:       cfg.Sheets.RawSheetTitle,
		AdminEmail:          cfg.Mail.AdminEmail,
		SignupsCC:           cfg.Mail.SignupsCC,
		SubjectVerification: cfg.Mail.SubjectVerification,
		SubjectInitial:      cfg.Mail.SubjectInitial,
		OptOutBaseURL:       cfg.OptOut.BaseURL,
	})

	var artifacts followup.ArtifactStore
	s3art, err := followup.NewS3Artifacts(ctx, cfg.Exports)
	if err != nil {
		log.Fatalf("exports artifact store: %v", err)
	}
	if s3art != nil {
		artifacts = s3art
	}

	fup := followup.New(store, provider, sender, artifacts, followup.Config{
		WindowStart:     time.Duration(cfg.Followup.WindowStartHours) * time.Hour,
		WindowEnd:       time.Duration(cfg.Followup.WindowEndHours) * time.Hour,
		ProcessOptOuts:  *cfg.Followup.ProcessOptOuts,
		ProcessBounces:  *cfg.Followup.ProcessBounces,
		ExportsFolderID: cfg.Sheets.ExportsFolderID,
		CSVColumns:      cfg.Exports.CSVColumns,
		AdminEmail:      cfg.Mail.AdminEmail,
		SignupsCC:       cfg.Mail.SignupsCC,
		SubjectFollowup: cfg.Mail.SubjectFollowup,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("worker started",
		"import_every_min", cfg.Worker.ImportIntervalMinutes,
		"followup_every_h", cfg.Worker.FollowupIntervalHours)

	runLoop(ctx, redisClient,
		time.Duration(cfg.Worker.ImportIntervalMinutes)*time.Minute,
		time.Duration(cfg.Worker.FollowupIntervalHours)*time.Hour,
		func(ctx context.Context) error {
			_, err := imp.Run(ctx)
			return err
		},
		func(ctx context.Context) error {
			_, err := fup.Run(ctx)
			return err
		},
		quit)
}

// runLoop fires both passes once at startup, then on their intervals,
// until a signal arrives. A restarted worker must not sit out the first
// interval before catching up on pending spreadsheets.
func runLoop(ctx context.Context, redisClient *redis.Client, importEvery, followupEvery time.Duration, importPass, followupPass func(ctx context.Context) error, quit <-chan os.Signal) {
	runLocked(ctx, redisClient, "import", importPass)
	runLocked(ctx, redisClient, "followup", followupPass)

	importTicker := time.NewTicker(importEvery)
	defer importTicker.Stop()
	followupTicker := time.NewTicker(followupEvery)
	defer followupTicker.Stop()

	for {
		select {
		case <-importTicker.C:
			runLocked(ctx, redisClient, "import", importPass)
		case <-followupTicker.C:
			runLocked(ctx, redisClient, "followup", followupPass)
		case <-quit:
			logger.Info("worker stopping")
			return
		}
	}
}

// runLocked takes the shared run lock when redis is configured and skips
// the pass when another holder has it.
func runLocked(ctx context.Context, redisClient *redis.Client, name string, run func(ctx context.Context) error) {
	if redisClient != nil {
		lock := distlock.New(redisClient, "signup-verifier:run:"+name, 30*time.Minute)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			logger.Error("acquire run lock failed", "run", name, "err", err)
			return
		}
		if !ok {
			logger.Warn("run already in progress, skipping", "run", name)
			return
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Error("release run lock failed", "run", name, "err", err)
			}
		}()
	}
	if err := run(ctx); err != nil {
		logger.Error("scheduled run failed", "run", name, "err", err)
	}
}
