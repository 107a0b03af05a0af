package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/inkrelay/inkrelay/internal/config"
	"github.com/inkrelay/inkrelay/pkg/redis"
	"github.com/inkrelay/inkrelay/pkg/version"
)

// Server accepts websocket connections and runs one handler pair
// (receive loop + send loop) per peer.
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader

	// kickHash is the bcrypt hash guarding administrative kicks; empty
	// means the Kick operation is disabled.
	kickHash string
	debug    bool

	// conns tracks live connections by peer address so an administrative
	// kick can force-close the target.
	conns   map[netip.AddrPort]*websocket.Conn
	connsMu sync.Mutex

	// Redis client for distributed coordination (nil if disabled)
	redisClient *redis.Client
	redisCtx    context.Context
	redisCancel context.CancelFunc
}

// NewServer wires a server from configuration: the room registry, the
// optional Redis coordinator and the admin kick guard.
func NewServer(cfg *config.Config) *Server {
	s := &Server{
		kickHash: cfg.Admin.KickPasswordHash,
		debug:    cfg.Server.Debug,
		conns:    make(map[netip.AddrPort]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	var reserver RoomReserver
	if cfg.Redis.Enabled {
		log.Println("Redis enabled, initializing distributed coordination...")

		podID := cfg.Redis.PodID
		if podID == "" {
			podID = uuid.Must(uuid.NewRandom()).String()
			log.Printf("Generated pod ID: %s", podID)
		}

		redisClient, err := redis.NewClient(cfg.Redis.URL, podID)
		if err != nil {
			log.Errorf("Failed to initialize Redis client: %v", err)
			log.Println("Continuing in single-pod mode...")
		} else {
			s.redisClient = redisClient
			reserver = redisClient
			s.redisCtx, s.redisCancel = context.WithCancel(context.Background())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := redisClient.RegisterPod(ctx, version.GetVersion()); err != nil {
				log.Errorf("Failed to register pod: %v", err)
			} else {
				log.Infof("Pod registered in Redis")
			}
			cancel()
		}
	} else {
		log.Println("Redis disabled, running in single-pod mode")
	}

	s.registry = NewRegistry(cfg.Server.MaxRoomID, reserver)

	if s.redisClient != nil {
		go s.heartbeatLoop()
		go s.orphanCleanupLoop()
		go s.clusterEventsLoop()
	}
	return s
}

// Registry exposes the room registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP handler that upgrades to the relay protocol.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)
	return mux
}

// Run listens on the given port and serves until SIGINT/SIGTERM, then
// closes every live connection with a close frame and tears down the
// Redis state.
func (s *Server) Run(port uint16) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Infof("Listening for incoming connections on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("listen failed, port possibly in use already: %w", err)
	case <-sigChan:
	}

	log.Println("Received shutdown signal, starting graceful shutdown...")
	s.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// Shutdown disconnects every peer and cleans up distributed state.
func (s *Server) Shutdown() {
	s.connsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	log.Printf("Disconnecting %d clients gracefully...", len(conns))
	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}

	if s.redisClient != nil {
		if s.redisCancel != nil {
			s.redisCancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		log.Println("Cleaning up Redis state...")
		if err := s.redisClient.GracefulShutdown(ctx); err != nil {
			log.Errorf("Failed to cleanup Redis state: %v", err)
		}
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("Failed to close Redis connection: %v", err)
		}
	}

	log.Println("Graceful shutdown complete")
}

// heartbeatLoop refreshes this pod's liveness record every 10 seconds.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.redisCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.redisClient.Health(ctx); err != nil {
				log.Errorf("Redis health check failed, skipping heartbeat: %v", err)
			} else if err := s.redisClient.Heartbeat(ctx, s.registry.RoomCount(), version.GetVersion()); err != nil {
				log.Errorf("Failed to send heartbeat: %v", err)
			}
			cancel()
		}
	}
}

// clusterEventsLoop mirrors the other pods' room churn into this pod's log.
// Events this pod published itself are skipped.
func (s *Server) clusterEventsLoop() {
	events, err := s.redisClient.SubscribeEvents(s.redisCtx)
	if err != nil {
		log.Errorf("Failed to subscribe to cluster events: %v", err)
		return
	}
	for event := range events {
		if event.Data["pod_id"] == s.redisClient.PodID() {
			continue
		}
		log.Info(clusterEventMessage(event))
	}
}

// clusterEventMessage renders one cross-pod event for the log.
func clusterEventMessage(e *redis.Event) string {
	switch e.Type {
	case "ROOM_OPENED":
		return fmt.Sprintf("cluster: pod %v opened room %v", e.Data["pod_id"], e.Data["room_id"])
	case "ROOM_CLOSED":
		return fmt.Sprintf("cluster: pod %v closed room %v", e.Data["pod_id"], e.Data["room_id"])
	case "POD_HEARTBEAT":
		return fmt.Sprintf("cluster: pod %v alive with %v rooms", e.Data["pod_id"], e.Data["room_count"])
	case "POD_SHUTDOWN":
		return fmt.Sprintf("cluster: pod %v shut down", e.Data["pod_id"])
	default:
		return fmt.Sprintf("cluster: unknown event %q from pod %v", e.Type, e.Data["pod_id"])
	}
}

// orphanCleanupLoop periodically reclaims room reservations left behind
// by crashed pods. Only the pod holding the leader lock does the work.
func (s *Server) orphanCleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.redisCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			acquired, err := s.redisClient.AcquireLeaderLock(ctx, 90*time.Second)
			if err != nil {
				log.Errorf("Failed to acquire leader lock: %v", err)
			} else if acquired {
				count, err := s.redisClient.CleanupOrphanedRooms(ctx)
				if err != nil {
					log.Errorf("Failed to clean up orphaned rooms: %v", err)
				} else if count > 0 {
					log.Infof("Reclaimed %d orphaned room reservations", count)
				}
				if err := s.redisClient.ReleaseLeaderLock(ctx); err != nil {
					log.Errorf("Failed to release leader lock: %v", err)
				}
			}
			cancel()
		}
	}
}

func (s *Server) trackConn(addr netip.AddrPort, conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[addr] = conn
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(addr netip.AddrPort) {
	s.connsMu.Lock()
	delete(s.conns, addr)
	s.connsMu.Unlock()
}

func (s *Server) lookupConn(addr netip.AddrPort) (*websocket.Conn, bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	c, ok := s.conns[addr]
	return c, ok
}
