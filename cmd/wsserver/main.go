package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/medibook/realtime-app/internal/admin"
	"github.com/medibook/realtime-app/internal/auth"
	"github.com/medibook/realtime-app/internal/chat"
	"github.com/medibook/realtime-app/internal/httpapi"
	"github.com/medibook/realtime-app/internal/messaging"
	"github.com/medibook/realtime-app/internal/metrics"
	"github.com/medibook/realtime-app/internal/protocol"
	"github.com/medibook/realtime-app/internal/ratelimit"
	"github.com/medibook/realtime-app/internal/room"
	"github.com/medibook/realtime-app/internal/session"
	"github.com/medibook/realtime-app/internal/stats"
	"github.com/medibook/realtime-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	verifier := auth.NewVerifier([]byte(jwtSecret))

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	// --- Redis (presence + rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- MongoDB (chat message persistence) ---
	mongoURI := "mongodb://localhost:27017"
	if v := os.Getenv("MONGO_URI"); v != "" {
		mongoURI = v
	}
	mongoDB := "medibook"
	if v := os.Getenv("MONGO_DB"); v != "" {
		mongoDB = v
	}
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := chat.Dial(dialCtx, mongoURI, mongoDB)
	dialCancel()
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}
	chatStore := chat.NewMongoStore(db)

	// --- PostgreSQL (dashboard counters, optional) ---
	var statsStore *stats.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		statsStore, err = stats.Open(dsn)
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
	} else {
		log.Printf("POSTGRES_DSN not set, dashboard counters disabled")
	}

	// --- NATS (peer replication, optional) ---
	var natsClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "medibook-realtime-" + serverName
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set, running without peer replication")
	}

	log.Printf("MediBook realtime server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  mongo_uri:       %s", mongoURI)
	log.Printf("  server_name:     %s", serverName)

	rooms := room.NewRegistry()

	// Interface-typed optional collaborators; leave nil unless backed by a
	// real client so the services' nil checks work.
	var chatBus chat.Publisher
	var adminBus admin.Publisher
	if natsClient != nil {
		chatBus = natsClient
		adminBus = natsClient
	}
	var countsSource admin.CountsSource
	var apiCounts httpapi.CountsSource
	if statsStore != nil {
		countsSource = statsStore
		apiCounts = statsStore
	}

	chatSvc := chat.NewService(rooms, chatStore, chatBus, sessionStore, limiter, serverName)
	notifier := admin.NewNotifier(rooms, adminBus, countsSource, serverName)

	// -----------------------------------------------------------------------
	// Chat channel message handlers
	// -----------------------------------------------------------------------
	dispatcher := ws.NewMessageDispatcher()

	dispatcher.Register(protocol.TypeJoinChat, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinChatMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		chatSvc.Join(ctx, conn, joinMsg.AppointmentID)
	})

	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chatSvc.Send(ctx, conn, sendMsg)
	})

	server := ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	server.SetConnectLimiter(limiter)

	// Admin handshake: token must carry the admin role, checked before the
	// HTTP upgrade.
	server.SetAdminVerifier(func(token string) (string, error) {
		id, err := verifier.VerifyAdmin(token)
		if err != nil {
			return "", err
		}
		return id.ID, nil
	})

	// Admin connections land in the shared admin room immediately; there is
	// no explicit join event on the admin channel.
	server.SetOnConnect(func(conn *ws.Connection) {
		if conn.Channel != session.ChannelAdmin {
			return
		}
		rooms.Join(room.AdminRoom, conn)
		metrics.RoomMembers.WithLabelValues(room.AdminRoom).Set(float64(rooms.Count(room.AdminRoom)))

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sessionStore.AddRoom(ctx, conn.ID, room.AdminRoom); err != nil {
			log.Printf("failed to record admin room membership for %s: %v", conn.ID, err)
		}
		log.Printf("admin session=%s subject=%s joined %s (members=%d)",
			conn.ID, conn.Subject, room.AdminRoom, rooms.Count(room.AdminRoom))
	})

	// Disconnect: drop the session from every room it joined. Presence
	// deletion is handled by the transport after this returns.
	server.SetOnDisconnect(func(connID string) {
		rooms.LeaveAll(connID)
		metrics.RoomMembers.WithLabelValues(room.AdminRoom).Set(float64(rooms.Count(room.AdminRoom)))
	})

	server.SetAPIHandler(httpapi.Router(verifier, chatStore, apiCounts, notifier))

	// Peer replication: frames broadcast on other instances get delivered to
	// this instance's local rooms, and CRUD-side publications on the admin
	// subject are relayed to connected dashboards.
	if natsClient != nil {
		if err := natsClient.SubscribeChatEvents(chatSvc.HandlePeerEvent); err != nil {
			log.Fatalf("failed to subscribe to chat events: %v", err)
		}
		if err := natsClient.SubscribeAdminEvents(notifier.HandlePeerEvent); err != nil {
			log.Fatalf("failed to subscribe to admin events: %v", err)
		}
	}

	// Periodic dashboard counter refresh.
	countsDone := make(chan struct{})
	if statsStore != nil {
		interval := 30 * time.Second
		if v := os.Getenv("COUNTS_INTERVAL"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				interval = d
			}
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-countsDone:
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := notifier.EmitCounts(ctx); err != nil {
						log.Printf("dashboard counts refresh failed: %v", err)
					}
					cancel()
				}
			}
		}()
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		close(countsDone)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if statsStore != nil {
			if err := statsStore.Close(); err != nil {
				log.Printf("stats store close error: %v", err)
			}
		}
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.Client().Disconnect(disconnectCtx); err != nil {
			log.Printf("mongo disconnect error: %v", err)
		}
		cancel()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
