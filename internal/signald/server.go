package signald

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the hub over a gin router.
type Server struct {
	cfg *config.Config
	hub *Hub
}

func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg, hub: NewHub()}
}

func (s *Server) Hub() *Hub { return s.hub }

// Router builds the gin engine: health endpoint plus the signaling socket,
// token-guarded when a secret is configured.
func (s *Server) Router(ctx context.Context) *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if s.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": s.peerCount()})
	})

	ws := r.Group("/ws")
	if s.cfg.Secret != "" {
		ws.Use(TokenAuth(s.cfg.Secret))
	}
	ws.GET("", func(c *gin.Context) {
		s.handleSocket(ctx, c)
	})

	log.Info().Str("module", "signald").Bool("auth", s.cfg.Secret != "").Msg("router ready")
	return r
}

func (s *Server) peerCount() int {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return len(s.hub.peers)
}

func (s *Server) handleSocket(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signald").Msg("ws upgrade")
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
	}
	s.hub.register(p)

	ctx, cancel := context.WithCancel(ctx)
	go s.writePump(ctx, cancel, ws, p)
	go s.readPump(ctx, cancel, ws, p)
}

func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, p *peer) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-p.send:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signald").Msg("set write deadline")
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signald").Str("id", p.id).Msg("write")
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, p *peer) {
	defer func() {
		cancel()
		s.hub.unregister(p)
		_ = ws.Close()
	}()
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := ws.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signald").Str("id", p.id).Msg("read closed")
				return
			}
			s.hub.handle(p, data)
		}
	}
}
