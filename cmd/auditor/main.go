// The auditor drains the chat service's activity stream from NATS into
// PostgreSQL, where moderators query it. It runs separately from the chat
// server so audit persistence never competes with the message hot path.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/campusfind/chat-service/internal/activity"
	"github.com/campusfind/chat-service/internal/config"
	"github.com/campusfind/chat-service/migrations"
)

func main() {
	log.Println("Starting CampusFind activity auditor...")

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

	if cfg.Database.Migrate {
		if err := migrations.Up(db); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
	}

	store := activity.NewStore(db)

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name+"-auditor"),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// A queue group lets several auditor replicas share the stream without
	// duplicating rows.
	sub, err := nc.QueueSubscribe(activity.SubjectRecord, "auditors", func(msg *nats.Msg) {
		var rec activity.Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			log.Printf("[auditor] failed to unmarshal record: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Insert(ctx, &rec); err != nil {
			log.Printf("[auditor] failed to persist record user=%s action=%s: %v",
				rec.UserID, rec.Action, err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to activity stream: %v", err)
	}

	log.Printf("CampusFind auditor running")
	log.Printf("  nats_url: %s", cfg.NATS.URL)
	log.Printf("  subject:  %s", activity.SubjectRecord)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	_ = sub.Drain()
	nc.Close()
	if err := db.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
}
