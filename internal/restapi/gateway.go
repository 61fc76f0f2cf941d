package restapi

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nexus-chat/nexus/internal/gateway"
)

// GatewayServer upgrades `/gateway` connections and hands them to the
// gateway.Manager's Accept state machine.
type GatewayServer struct {
	Manager  *gateway.Manager
	Upgrader *websocket.Upgrader
}

// NewGatewayServer constructs a GatewayServer with a permissive default
// upgrader: cross-origin websocket clients are expected, and auth happens
// at the Identify frame, not at the HTTP handshake.
func NewGatewayServer(manager *gateway.Manager) *GatewayServer {
	return &GatewayServer{
		Manager: manager,
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *GatewayServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/gateway", s.handleUpgrade)
}

func (s *GatewayServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("restapi: gateway upgrade failed:", err)
		return
	}
	go s.Manager.Accept(conn)
}
