package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/bryan-buckman/statusync/internal/client"
	"github.com/bryan-buckman/statusync/internal/config"
	"github.com/bryan-buckman/statusync/internal/database"
	"github.com/bryan-buckman/statusync/internal/model"
	"github.com/bryan-buckman/statusync/internal/server"
	"github.com/bryan-buckman/statusync/internal/timeline"
)

type Options struct {
	ConfigPath string `short:"c" long:"config" description:"Location of statusync.yml" default:"statusync.yml" env:"STATUSYNC_CONFIG"`
	Listen     string `short:"l" long:"listen" description:"Address to serve the API on"`
	Database   string `short:"d" long:"database" description:"SQLite database path"`
	Profile    string `short:"p" long:"profile" description:"desktop or mobile"`
}

func openStore(cfg *config.Config) (database.Store, error) {
	if cfg.PostgresURL != "" {
		log.Printf("Using PostgreSQL")
		pg, err := database.NewPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return database.SerializeWrites(pg), nil
	}
	log.Printf("Using SQLite at %s", cfg.SQLitePath)
	return database.New(cfg.SQLitePath)
}

// bootstrap saves the configured account and makes it the default.
func bootstrap(db database.Store, cfg *config.Config) error {
	acct, ok := cfg.BootstrapAccount()
	if !ok {
		return nil
	}
	if _, err := db.EnsureAccount(acct); err != nil {
		return err
	}
	return db.SetDefaultAccount(acct.Username, acct.APIRoot)
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.SQLitePath = opts.Database
	}
	if opts.Profile != "" {
		cfg.Profile = opts.Profile
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := bootstrap(db, cfg); err != nil {
		log.Fatalf("Failed to save account: %v", err)
	}

	tlOpts := cfg.TimelineOptions()
	srv := server.New(db, func(acct model.Account) *timeline.Session {
		api := client.New(acct, client.WithTimeout(cfg.HTTPTimeout), client.WithUserAgent(cfg.UserAgent))
		return timeline.NewSession(db, api, acct, tlOpts)
	})

	go func() {
		if err := srv.Start(cfg.Listen); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
