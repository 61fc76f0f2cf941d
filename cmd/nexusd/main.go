// Command nexusd runs one Nexus message-plane node: the REST surface, the
// gateway WebSocket listener, and the federation listener, all sharing one
// application context built here and torn down on interrupt.
package main

import (
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"

	"github.com/nexus-chat/nexus/internal/auth"
	"github.com/nexus-chat/nexus/internal/bus"
	"github.com/nexus-chat/nexus/internal/config"
	"github.com/nexus-chat/nexus/internal/e2ee"
	"github.com/nexus-chat/nexus/internal/federation"
	"github.com/nexus-chat/nexus/internal/gateway"
	"github.com/nexus-chat/nexus/internal/presence"
	"github.com/nexus-chat/nexus/internal/ratelimit"
	"github.com/nexus-chat/nexus/internal/restapi"
	"github.com/nexus-chat/nexus/internal/snowflake"
	"github.com/nexus-chat/nexus/internal/store"
)

const shutdownBudget = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to conf.ini")
	flag.Parse()

	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := run(*configPath); err != nil {
		log.Fatalln("nexusd:", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ids := snowflake.NewAllocator(workerID(cfg.NodeID))

	// Cluster mode hangs off redis_url: relay for the bus, shared counters
	// for the rate limiter. Without it both fall back to in-process.
	var relay bus.Relay
	var limiter ratelimit.Limiter = ratelimit.NewLocalLimiter(nil)
	if cfg.Redis.URL != "" {
		client := dialRedis(cfg.Redis.URL)
		if err := client.Ping().Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		relay = bus.NewRedisRelay(client)
		limiter = ratelimit.NewRedisLimiter(client, nil)
	}
	eventBus := bus.New(cfg.NodeID, relay)

	driver, dsn := databaseDriver(cfg.Database.URL, cfg.DataDir)
	engine, err := store.OpenEngine(driver, dsn)
	if err != nil {
		return err
	}
	engine.SetMaxOpenConns(cfg.Database.MaxConnections)

	messages, err := store.NewXormStore(engine, ids, eventBus, filepath.Join(cfg.DataDir, "outbox.log"))
	if err != nil {
		return err
	}
	defer messages.Close()

	channels, err := store.NewChannelDirectory(engine)
	if err != nil {
		return err
	}

	tokens, err := auth.New(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpirySecs)*time.Second, func(userID string) []string {
		scopes, err := channels.UserScopes(userID)
		if err != nil {
			log.Println("nexusd: scope lookup:", err)
		}
		return append(scopes, "user:"+userID)
	})
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(eventBus, func(userID string) []string {
		servers, err := channels.UserServers(userID)
		if err != nil {
			log.Println("nexusd: membership lookup:", err)
		}
		return servers
	})

	manager := gateway.NewManager(eventBus, tokens, gateway.Config{
		HeartbeatBase: time.Duration(cfg.Gateway.HeartbeatIntervalMS) * time.Millisecond,
		ResumeWindow:  time.Duration(cfg.Gateway.SessionResumeWindowSec) * time.Second,
		SessionID:     func() string { return ids.Next().String() },
		OnReady:       tracker.SessionOpened,
		OnGone: func(userID string) {
			if tracker.SessionClosed(userID) == 0 {
				tracker.Set(userID, presence.Offline)
			}
		},
	})

	encrypted, err := e2ee.NewStore(engine, ids, eventBus, channels)
	if err != nil {
		return err
	}

	keyRing, err := federation.NewKeyRing()
	if err != nil {
		return err
	}
	keyCache := federation.NewKeyCache(nil)
	fedEvents, err := federation.NewEventStore(engine)
	if err != nil {
		return err
	}
	outbox := federation.NewOutbox(cfg.Server.Name, keyRing, nil, federation.NewEngineTracker(engine))
	defer outbox.Shutdown()

	forwarder, err := federation.NewForwarder(cfg.Server.Name, engine, outbox, fedEvents, keyRing)
	if err != nil {
		return err
	}
	messages.SetCreateHook(func(m *store.Message) {
		if err := forwarder.ForwardMessage(m.ChannelID, m.AuthorID, m.Content); err != nil {
			log.Println("nexusd: federation forward:", err)
		}
	})

	inbound, err := federation.NewInbound(engine, eventBus,
		func(roomID, origin string) bool {
			if federation.IsLocalRoom(roomID, origin) {
				return true
			}
			has, err := fedEvents.HasMember(roomID, origin)
			if err != nil {
				log.Println("nexusd: membership check:", err)
				return false
			}
			return has
		},
		func(pdu federation.PDU) (string, error) {
			if err := fedEvents.Put(pdu); err != nil {
				return "", err
			}
			return "channel:" + pdu.RoomID, nil
		})
	if err != nil {
		return err
	}

	probeStop := make(chan struct{})
	go federation.ProbeDeadDestinations(engine, outbox, func(destination string) error {
		_, err := keyCache.VerifyKey(destination, "probe")
		if err != nil && strings.Contains(err.Error(), "does not advertise") {
			// The server answered; the probe key id is unknown by design.
			return nil
		}
		return err
	}, probeStop)
	defer close(probeStop)

	apiMux := http.NewServeMux()
	api := &restapi.Server{
		Store:    messages,
		E2EE:     encrypted,
		Presence: tracker,
		Limiter:  limiter,
		Auth:     tokens,
		AuthorOf: channels.MessageAuthor,
	}
	api.Routes(apiMux)
	keys := &restapi.KeysServer{Store: encrypted, Auth: tokens}
	keys.Routes(apiMux)

	gatewayMux := http.NewServeMux()
	restapi.NewGatewayServer(manager).Routes(gatewayMux)

	fedMux := http.NewServeMux()
	fed := &restapi.FederationServer{
		Inbound:    inbound,
		Events:     fedEvents,
		Forwarder:  forwarder,
		Verifier:   &restapi.DefaultVerifier{Keys: keyCache, Destination: cfg.Server.Name},
		KeyRing:    keyRing,
		Bus:        eventBus,
		ServerName: cfg.Server.Name,
		BaseURL:    fmt.Sprintf("https://%s:%d", cfg.Server.Name, cfg.Server.FederationPort),
	}
	fed.Routes(fedMux)

	servers := []*http.Server{
		{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: apiMux},
		{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GatewayPort), Handler: gatewayMux},
		{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.FederationPort), Handler: fedMux},
	}
	errs := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Println("nexusd: listening on", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errs <- err
			}
		}()
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-sc:
		log.Println("nexusd: shutting down on", sig)
	}

	// Stop taking new connections, tell gateway clients to re-home, then
	// let in-flight work drain within the budget.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(ctx)
	}
	manager.Shutdown()
	return nil
}

// workerID folds the on-disk node id down to the 16-bit snowflake worker
// field.
func workerID(nodeID string) uint16 {
	h := fnv.New32a()
	h.Write([]byte(nodeID))
	return uint16(h.Sum32())
}

// databaseDriver maps database_url onto an xorm driver and DSN. An empty
// URL runs on an embedded sqlite file under the data dir, which keeps a
// dev node zero-config.
func databaseDriver(url, dataDir string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "mysql://"):
		return "mysql", strings.TrimPrefix(url, "mysql://")
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite://")
	case url != "":
		return "mysql", url
	default:
		return "sqlite3", filepath.Join(dataDir, "nexus.db")
	}
}

func dialRedis(url string) *redis.Client {
	addr := strings.TrimPrefix(url, "redis://")
	password := ""
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		userinfo := addr[:at]
		addr = addr[at+1:]
		if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
			password = userinfo[colon+1:]
		}
	}
	return bus.DialRedis(addr, password)
}

// uuid is kept in the import set by the federation outbox's txn ids; the
// CLI also stamps a boot id so log lines from overlapping restarts can be
// told apart.
var bootID = uuid.NewString()

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[" + bootID[:8] + "] ")
}
