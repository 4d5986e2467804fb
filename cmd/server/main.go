// Command server runs the HTTP surface: run triggers, batch reads, the
// public opt-out pages, and the bounce webhook.
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

	"github.com/edemocracy/signup-verifier/internal/api"
	"github.com/edemocracy/signup-verifier/internal/config"
	"github.com/edemocracy/signup-verifier/internal/followup"
	"github.com/edemocracy/signup-verifier/internal/importer"
	"github.com/edemocracy/signup-verifier/internal/mailer"
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

	ctx := context.Background()

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

	sender, err := buildSender(ctx, cfg)
	if err != nil {
		log.Fatalf("mail sender: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer redisClient.Close()
	}

	imp := importer.New(store, provider, sender, importerConfig(cfg))

	var artifacts followup.ArtifactStore
	s3art, err := followup.NewS3Artifacts(ctx, cfg.Exports)
	if err != nil {
		log.Fatalf("exports artifact store: %v", err)
	}
	if s3art != nil {
		artifacts = s3art
	}

	fup := followup.New(store, provider, sender, artifacts, followupConfig(cfg))

	handlers := api.NewHandlers(store, imp, fup, cfg.Exports.CSVColumns, redisClient)
	server := api.NewServer(cfg.Server, handlers)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// buildSender picks the real SES sender when mail is enabled and the
// log-only sender otherwise, so dev runs never email real people.
func buildSender(ctx context.Context, cfg *config.Config) (mailer.Sender, error) {
	if !cfg.Mail.Enabled {
		logger.Warn("mail disabled, using log sender")
		return &mailer.LogSender{}, nil
	}
	return mailer.NewSESSender(ctx, cfg.Mail)
}

func importerConfig(cfg *config.Config) importer.Config {
	return importer.Config{
		SignupsFolderID:     cfg.Sheets.SignupsFolderID,
		FailedFolderID:      cfg.Sheets.FailedFolderID,
		MetaSheetTitle:      cfg.Sheets.MetaSheetTitle,
		RawSheetTitle:       cfg.Sheets.RawSheetTitle,
		AdminEmail:          cfg.Mail.AdminEmail,
		SignupsCC:           cfg.Mail.SignupsCC,
		SubjectVerification: cfg.Mail.SubjectVerification,
		SubjectInitial:      cfg.Mail.SubjectInitial,
		OptOutBaseURL:       cfg.OptOut.BaseURL,
	}
}

func followupConfig(cfg *config.Config) followup.Config {
	return followup.Config{
		WindowStart:     time.Duration(cfg.Followup.WindowStartHours) * time.Hour,
		WindowEnd:       time.Duration(cfg.Followup.WindowEndHours) * time.Hour,
		ProcessOptOuts:  *cfg.Followup.ProcessOptOuts,
		ProcessBounces:  *cfg.Followup.ProcessBounces,
		ExportsFolderID: cfg.Sheets.ExportsFolderID,
		CSVColumns:      cfg.Exports.CSVColumns,
		AdminEmail:      cfg.Mail.AdminEmail,
		SignupsCC:       cfg.Mail.SignupsCC,
		SubjectFollowup: cfg.Mail.SubjectFollowup,
	}
}
