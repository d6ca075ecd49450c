// The sweeper enforces data retention: messages past their expiry and
// activity records older than the audit window are hard-deleted on a fixed
// interval. It is the only component that removes chat data.
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

	"github.com/campusfind/chat-service/internal/activity"
	"github.com/campusfind/chat-service/internal/config"
	"github.com/campusfind/chat-service/internal/message"
	"github.com/campusfind/chat-service/internal/metrics"
)

func main() {
	log.Println("Starting CampusFind retention sweeper...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	cancel()

	messages := message.NewPostgresStore(db)
	activities := activity.NewStore(db)

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		now := time.Now().UTC()

		if n, err := messages.Purge(ctx, now); err != nil {
			log.Printf("[sweeper] message purge failed: %v", err)
		} else if n > 0 {
			metrics.MessagesPurged.Add(float64(n))
			log.Printf("[sweeper] purged %d expired messages", n)
		}

		if n, err := activities.Purge(ctx, now.Add(-cfg.Retention.ActivityTTL)); err != nil {
			log.Printf("[sweeper] activity purge failed: %v", err)
		} else if n > 0 {
			log.Printf("[sweeper] purged %d activity records", n)
		}
	}

	log.Printf("CampusFind sweeper running")
	log.Printf("  sweep_interval: %s", cfg.Retention.SweepInterval)
	log.Printf("  message_ttl:    %s", cfg.Retention.MessageTTL)
	log.Printf("  activity_ttl:   %s", cfg.Retention.ActivityTTL)

	sweep()

	ticker := time.NewTicker(cfg.Retention.SweepInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			sweep()
		case sig := <-sigCh:
			log.Printf("received signal %v, shutting down...", sig)
			if err := db.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
			return
		}
	}
}
