package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/campusfind/chat-service/internal/activity"
	"github.com/campusfind/chat-service/internal/auth"
	"github.com/campusfind/chat-service/internal/config"
	"github.com/campusfind/chat-service/internal/message"
	"github.com/campusfind/chat-service/internal/metrics"
	"github.com/campusfind/chat-service/internal/moderation"
	"github.com/campusfind/chat-service/internal/pipeline"
	"github.com/campusfind/chat-service/internal/presence"
	"github.com/campusfind/chat-service/internal/protocol"
	"github.com/campusfind/chat-service/internal/ratelimit"
	"github.com/campusfind/chat-service/internal/room"
	"github.com/campusfind/chat-service/internal/ws"
	"github.com/campusfind/chat-service/migrations"
	apperr "github.com/campusfind/chat-service/pkg/errors"
)

const auditQueueSize = 4096

func main() {
	log.Println("Starting CampusFind chat server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- PostgreSQL ---
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)

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

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	pingCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to redis: %v", err)
	}
	cancel()

	// --- NATS ---
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Application components ---
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)

	modStore := moderation.NewStore(rdb)
	filter := moderation.NewFilter(cfg.Moderation.BannedTermList(), cfg.Moderation.MaxContentChars)
	gate := moderation.NewGate(modStore, modStore, filter)

	limiter := ratelimit.NewRedisLimiter(rdb)
	msgRule := ratelimit.Rule{
		Key:    ratelimit.RuleMessage.Key,
		Limit:  cfg.Limits.MessagesPerWindow,
		Window: cfg.Limits.MessageWindow,
	}
	roomRule := ratelimit.Rule{
		Key:    ratelimit.RuleRoomCreate.Key,
		Limit:  cfg.Limits.RoomsPerWindow,
		Window: cfg.Limits.RoomCreationWindow,
	}

	rooms := room.NewManager(room.NewPostgresStore(db), gate, limiter, roomRule)
	tracker := message.NewTracker(message.NewPostgresStore(db))
	cache := message.NewRecentCache(message.DefaultCacheSize)
	audit := activity.NewLogger(nc, auditQueueSize)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:       cfg.Server.ListenAddr,
		WorkerPoolSize:   cfg.Server.WorkerPoolSize,
		MaxConnections:   cfg.Server.MaxConnections,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		HandshakeTimeout: cfg.Auth.HandshakeTimeout,
	}, verifier, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	pipe := pipeline.New(rooms, gate, limiter, tracker, cache, server, audit,
		msgRule, cfg.Retention.MessageTTL)
	pres := presence.NewTracker(rooms, server)

	sendError := func(conn *ws.Connection, err error) {
		app := apperr.AsApp(err)
		frame, encErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    string(app.Code),
			Message: app.Message,
		})
		if encErr != nil {
			log.Printf("chatserver: encode error frame: %v", encErr)
			return
		}
		if writeErr := conn.WriteMessage(frame); writeErr != nil {
			log.Printf("chatserver: send error frame conn=%s: %v", conn.ID, writeErr)
		}
	}

	// -----------------------------------------------------------------------
	// create_room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCreateRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CreateRoomMsg)
		if !ok {
			return
		}
		uid := conn.Identity.UserID
		ctx := context.Background()

		participants := make([]room.Participant, 0, len(m.Participants))
		for _, p := range m.Participants {
			participants = append(participants, room.Participant{UserID: p.UserID, Role: p.Role})
		}

		rm, err := rooms.CreateRoom(ctx, uid, m.SubjectID, participants)
		if err != nil {
			sendError(conn, err)
			return
		}

		// Subscribe the creating connection right away.
		if err := rooms.JoinExisting(ctx, rm.ID, uid, conn.ID); err != nil {
			sendError(conn, err)
			return
		}
		metrics.ActiveRooms.Set(float64(rooms.SubscribedRoomCount()))
		pres.UserJoined(rm.ID, uid)

		wireParts := make([]protocol.WireParticipant, 0, len(rm.Participants))
		for _, p := range rm.Participants {
			wireParts = append(wireParts, protocol.WireParticipant{UserID: p.UserID, Role: p.Role})
		}
		frame, err := protocol.NewServerMessage(protocol.TypeRoomCreated, protocol.RoomCreatedMsg{
			RoomID:       rm.ID,
			SubjectID:    rm.SubjectID,
			Status:       rm.Status,
			Participants: wireParts,
		})
		if err != nil {
			log.Printf("chatserver: encode room_created: %v", err)
			return
		}
		if err := conn.WriteMessage(frame); err != nil {
			log.Printf("chatserver: send room_created conn=%s: %v", conn.ID, err)
		}

		audit.Record(activity.Record{
			UserID:    uid,
			Action:    activity.ActionRoomCreated,
			RoomID:    rm.ID,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]string{"subject_id": rm.SubjectID},
		})
	})

	// -----------------------------------------------------------------------
	// join_room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}
		uid := conn.Identity.UserID

		if err := rooms.JoinExisting(context.Background(), m.RoomID, uid, conn.ID); err != nil {
			sendError(conn, err)
			return
		}
		metrics.ActiveRooms.Set(float64(rooms.SubscribedRoomCount()))

		frame, err := protocol.NewServerMessage(protocol.TypeJoinedRoom, protocol.JoinedRoomMsg{
			RoomID: m.RoomID,
		})
		if err != nil {
			log.Printf("chatserver: encode joined_room: %v", err)
		} else if err := conn.WriteMessage(frame); err != nil {
			log.Printf("chatserver: send joined_room conn=%s: %v", conn.ID, err)
		}

		pres.UserJoined(m.RoomID, uid)
		audit.Record(activity.Record{
			UserID:    uid,
			Action:    activity.ActionRoomJoined,
			RoomID:    m.RoomID,
			Timestamp: time.Now().UTC(),
		})
	})

	// -----------------------------------------------------------------------
	// send_message: the full gated pipeline
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		pipe.HandleSend(context.Background(), conn.Identity.UserID, m)
	})

	// -----------------------------------------------------------------------
	// typing: ephemeral, never persisted
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		pres.HandleTyping(conn.Identity.UserID, m)
	})

	// -----------------------------------------------------------------------
	// leave_room: drops the subscription, keeps the enrollment
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.LeaveRoomMsg)
		if !ok {
			return
		}
		uid := conn.Identity.UserID

		// A leave for a room this connection never joined is a no-op; in
		// particular it must not announce a presence change.
		if !rooms.Leave(m.RoomID, conn.ID) {
			return
		}
		metrics.ActiveRooms.Set(float64(rooms.SubscribedRoomCount()))
		pres.UserLeft(m.RoomID, uid)
		audit.Record(activity.Record{
			UserID:    uid,
			Action:    activity.ActionRoomLeft,
			RoomID:    m.RoomID,
			Timestamp: time.Now().UTC(),
		})
	})

	// -----------------------------------------------------------------------
	// mark_read
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		if err := pipe.HandleMarkRead(context.Background(), conn.Identity.UserID, m); err != nil {
			sendError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// fetch_history: readable even for closed and archived rooms
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFetchHistory, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.FetchHistoryMsg)
		if !ok {
			return
		}

		msgs, err := pipe.History(context.Background(), conn.Identity.UserID, m)
		if err != nil {
			sendError(conn, err)
			return
		}

		wire := make([]protocol.WireMessage, 0, len(msgs))
		for _, mm := range msgs {
			wire = append(wire, protocol.WireMessage{
				ID:          mm.ID,
				RoomID:      mm.RoomID,
				SenderID:    mm.SenderID,
				Content:     mm.Content,
				ContentType: mm.ContentType,
				CreatedAt:   mm.CreatedAt,
			})
		}
		frame, err := protocol.NewServerMessage(protocol.TypeHistory, protocol.HistoryMsg{
			RoomID:   m.RoomID,
			Messages: wire,
		})
		if err != nil {
			log.Printf("chatserver: encode history: %v", err)
			return
		}
		if err := conn.WriteMessage(frame); err != nil {
			log.Printf("chatserver: send history conn=%s: %v", conn.ID, err)
		}
	})

	// Disconnects drop every room subscription held by the connection and
	// announce offline where it was the user's last one in the room.
	server.SetOnDisconnect(func(conn *ws.Connection, lastForUser bool) {
		uid := conn.Identity.UserID
		for _, roomID := range rooms.DropConn(conn.ID) {
			pres.UserLeft(roomID, uid)
		}
		metrics.ActiveRooms.Set(float64(rooms.SubscribedRoomCount()))

		if lastForUser {
			audit.Record(activity.Record{
				UserID:    uid,
				Action:    activity.ActionDisconnected,
				Timestamp: time.Now().UTC(),
			})
		}
	})

	// --- Metrics endpoint ---
	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("chatserver: metrics server error: %v", err)
		}
	}()

	log.Printf("CampusFind chat server running")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  metrics_addr:    %s", cfg.Server.MetricsAddr)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("ws shutdown error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = metricsServer.Shutdown(shutdownCtx)
	cancel()

	audit.Close()
	nc.Close()
	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
	log.Println("chat server stopped")
}
