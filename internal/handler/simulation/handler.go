package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	simservice "github.com/zhouzirui/pitchroom/backend/internal/service/simulation"
	"github.com/zhouzirui/pitchroom/backend/pkg/utils"
)

const (
	// UserHeader 携带调用方身份，由上游网关注入
	UserHeader        = "X-User-ID"
	IdempotencyHeader = "Idempotency-Key"

	maxUploadBytes = 32 << 20
	retryAfter     = 5 * time.Second
)

// Orchestrator is the part of the simulation service the HTTP layer needs.
type Orchestrator interface {
	CreateSession(ctx context.Context, ownerID, personaID string) (simulation.Session, error)
	Session(ctx context.Context, sessionID, callerID string) (simulation.Session, error)
	Transcript(ctx context.Context, sessionID, callerID string) ([]simulation.Turn, error)
	ProcessTurn(ctx context.Context, req simservice.TurnRequest) (*simservice.TurnResult, error)
	End(ctx context.Context, sessionID, callerID string) (simulation.Session, error)
}

// Handler 模拟会话的HTTP处理器
type Handler struct {
	svc Orchestrator
}

// New 创建模拟会话处理器
func New(svc Orchestrator) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册模拟会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/simulations", h.handleCreate)
	r.Get("/simulations/{sessionID}", h.handleGet)
	r.Get("/simulations/{sessionID}/transcript", h.handleTranscript)
	r.Post("/simulations/{sessionID}/turns", h.handleTurn)
	r.Post("/simulations/{sessionID}/end", h.handleEnd)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.svc.CreateSession(r.Context(), callerID(r), payload.PersonaID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Session(r.Context(), chi.URLParam(r, "sessionID"), callerID(r))
	if err != nil {
		respondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turns, err := h.svc.Transcript(r.Context(), sessionID, callerID(r))
	if err != nil {
		respondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"turns":     turns,
	})
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.End(r.Context(), chi.URLParam(r, "sessionID"), callerID(r))
	if err != nil {
		respondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleTurn 接收一轮用户输入：multipart 音频或 JSON 文本
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	req := simservice.TurnRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		CallerID:       callerID(r),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := readAudioForm(w, r, &req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		var payload struct {
			Text     string `json:"text"`
			Language string `json:"language"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Text = payload.Text
		req.Language = payload.Language
	}

	result, err := h.svc.ProcessTurn(r.Context(), req)
	if err != nil {
		respondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func readAudioForm(w http.ResponseWriter, r *http.Request, req *simservice.TurnRequest) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return errors.New("failed to parse multipart form")
	}
	defer r.MultipartForm.RemoveAll()

	req.Text = r.FormValue("text")
	req.Language = r.FormValue("language")
	req.AudioFormat = r.FormValue("format")

	file, header, err := r.FormFile("audio")
	if errors.Is(err, http.ErrMissingFile) {
		return nil
	}
	if err != nil {
		return errors.New("failed to read audio file")
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		return errors.New("failed to read audio file")
	}
	req.Audio = audio
	if req.AudioFormat == "" {
		req.AudioFormat = formatFromFilename(header.Filename)
	}
	return nil
}

func formatFromFilename(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		return strings.ToLower(name[i+1:])
	}
	return "wav"
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// StatusFor maps an orchestrator failure to an HTTP status.
func StatusFor(kind simservice.Kind) int {
	switch kind {
	case simservice.KindInvalidInput:
		return http.StatusBadRequest
	case simservice.KindNotFound:
		return http.StatusNotFound
	case simservice.KindForbidden:
		return http.StatusForbidden
	case simservice.KindTranscriptionFailed, simservice.KindDialogueFailed,
		simservice.KindSynthesisFailed, simservice.KindUpstreamDisconnected:
		return http.StatusBadGateway
	case simservice.KindRateLimited, simservice.KindRetriesExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type failureResponse struct {
	Error   string              `json:"error"`
	Kind    simservice.Kind     `json:"kind"`
	Partial *simservice.Partial `json:"partial,omitempty"`
}

func respondFailure(w http.ResponseWriter, err error) {
	e, ok := simservice.AsError(err)
	if !ok {
		log.Printf("[turn] internal error: %v", err)
		utils.RespondJSON(w, http.StatusInternalServerError, failureResponse{Error: "internal error", Kind: simservice.KindInternal})
		return
	}

	body := failureResponse{Error: e.Message, Kind: e.Kind, Partial: e.Partial}
	status := StatusFor(e.Kind)
	if status == http.StatusServiceUnavailable {
		utils.RespondUnavailable(w, retryAfter, body)
		return
	}
	utils.RespondJSON(w, status, body)
}
