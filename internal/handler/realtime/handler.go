package realtime

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/pitchroom/backend/internal/model/persona"
	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	rt "github.com/zhouzirui/pitchroom/backend/internal/service/realtime"
	simservice "github.com/zhouzirui/pitchroom/backend/internal/service/simulation"
	"github.com/zhouzirui/pitchroom/backend/pkg/utils"
)

// Sessions is what the live endpoint needs from the simulation service.
type Sessions interface {
	Session(ctx context.Context, sessionID, callerID string) (simulation.Session, error)
	Persona(session simulation.Session) (persona.Persona, error)
	Instructions(p persona.Persona) string
	Finish(ctx context.Context, session simulation.Session, status simulation.Status) (simulation.Session, error)
}

// Handler 流式模式的 WebSocket 入口
type Handler struct {
	sessions Sessions
	deps     rt.Deps
	upgrader websocket.Upgrader
}

// New 创建流式处理器。deps.Finisher 为空时使用 sessions。
func New(sessions Sessions, deps rt.Deps) *Handler {
	if deps.Finisher == nil {
		deps.Finisher = sessions
	}
	return &Handler{
		sessions: sessions,
		deps:     deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册流式路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/simulations/{sessionID}/live", h.handleLive)
}

// handleLive 在升级前完成所有校验，失败时返回普通 HTTP 错误
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dialer == nil || h.deps.Registry == nil {
		utils.RespondUnavailable(w, 0, utils.ErrorBody{Error: "live mode is not configured"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.sessions.Session(r.Context(), sessionID, callerID(r))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	if session.Status.Terminal() {
		utils.RespondError(w, http.StatusBadRequest, "session has ended")
		return
	}
	if session.Transport == simulation.TransportTurn {
		utils.RespondError(w, http.StatusConflict, "session is driven by turn requests")
		return
	}
	if h.deps.Registry.Active(session.ID) {
		utils.RespondError(w, http.StatusConflict, "session already has a live connection")
		return
	}

	p, err := h.sessions.Persona(session)
	if err != nil {
		respondSessionError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge] session=%s upgrade failed: %v", session.ID, err)
		return
	}

	setup := rt.SessionConfig{
		Instructions: h.sessions.Instructions(p),
		Voice:        p.VoiceID,
		Language:     p.Language,
	}
	bridge := rt.NewBridge(h.deps, session, setup, conn)
	if err := bridge.Run(r.Context()); err != nil {
		log.Printf("[bridge] session=%s ended with error: %v", session.ID, err)
	}
}

func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	// 浏览器 WebSocket 无法设置自定义头
	return strings.TrimSpace(r.URL.Query().Get("userId"))
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch simservice.KindOf(err) {
	case simservice.KindNotFound:
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case simservice.KindForbidden:
		utils.RespondError(w, http.StatusForbidden, "session belongs to another user")
	default:
		log.Printf("[bridge] session lookup failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
