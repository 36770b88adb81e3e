package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/internal/middleware"
	"github.com/safelease/risk-platform/internal/model"
	natsclient "github.com/safelease/risk-platform/internal/nats"
	"github.com/safelease/risk-platform/pkg/logger"
)

// AddressSearcher looks up address candidates.
type AddressSearcher interface {
	Search(ctx context.Context, query string, limit int) (*model.AddressSearchResponse, error)
}

// Auditor records forwarded writes.
type Auditor interface {
	Audit(rec *natsclient.AuditRecord)
}

// Gateway forwards authenticated requests to the analysis backend.
type Gateway struct {
	api     *backend.Client
	address AddressSearcher
	audit   Auditor
	logger  *logger.Logger
}

// NewGateway creates the gateway handlers. address and audit may be nil.
func NewGateway(api *backend.Client, address AddressSearcher, audit Auditor, log *logger.Logger) *Gateway {
	return &Gateway{
		api:     api,
		address: address,
		audit:   audit,
		logger:  logger.OrGlobal(log).Named("gateway"),
	}
}

// Routes mounts the gateway endpoints on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/chat/init", g.InitChat)
	r.Post("/chat/message", g.SendMessage)
	r.Patch("/chat/message/{id}", g.UpdateMessage)
	r.Post("/chat/message/{id}/finalize", g.FinalizeMessage)
	r.Get("/chat/recent", g.RecentConversations)
	r.Get("/chat/stream/{id}", g.StreamMessage)

	r.Post("/case", g.CreateCase)
	r.Patch("/case/{id}", g.UpdateCase)
	r.Post("/registry/upload", g.UploadRegistry)
	r.Get("/report/{id}", g.GetReport)
	r.Get("/credits", g.Credits)
	r.Post("/analyze/start", g.StartAnalysis)
	r.Get("/analyze/stream", g.StreamAnalysis)

	r.Get("/address/search", g.SearchAddress)
}

func (g *Gateway) record(r *http.Request, op string, status int) {
	if g.audit == nil {
		return
	}
	g.audit.Audit(&natsclient.AuditRecord{
		Op:            op,
		UserID:        middleware.GetUserID(r.Context()),
		Method:        r.Method,
		Path:          r.URL.Path,
		Status:        status,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
		Time:          time.Now(),
	})
}

// pathID reads and validates the {id} URL parameter.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// InitChat handles POST /chat/init
func (g *Gateway) InitChat(w http.ResponseWriter, r *http.Request) {
	var req model.InitChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.api.InitChat(r.Context(), &req)
	if err != nil {
		writeBackendError(w, g.logger, "chat_init", err)
		return
	}
	g.record(r, "chat_init", http.StatusCreated)
	writeJSON(w, http.StatusCreated, conv)
}

// SendMessage handles POST /chat/message
func (g *Gateway) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateID(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, "conversation_id: "+err.Error())
		return
	}
	if req.ClientKey == "" {
		writeError(w, http.StatusBadRequest, "client_key is required")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil && len(req.Blocks) == 0 {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.api.SendMessage(r.Context(), &req)
	if err != nil {
		writeBackendError(w, g.logger, "chat_message", err)
		return
	}
	g.record(r, "chat_message", http.StatusCreated)
	writeJSON(w, http.StatusCreated, msg)
}

// UpdateMessage handles PATCH /chat/message/{id}
func (g *Gateway) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req model.UpdateMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.api.UpdateMessage(r.Context(), id, &req)
	if err != nil {
		writeBackendError(w, g.logger, "chat_message_update", err)
		return
	}
	g.record(r, "chat_message_update", http.StatusOK)
	writeJSON(w, http.StatusOK, msg)
}

// FinalizeMessage handles POST /chat/message/{id}/finalize
func (g *Gateway) FinalizeMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	msg, err := g.api.FinalizeMessage(r.Context(), id)
	if err != nil {
		writeBackendError(w, g.logger, "chat_message_finalize", err)
		return
	}
	g.record(r, "chat_message_finalize", http.StatusOK)
	writeJSON(w, http.StatusOK, msg)
}

// RecentConversations handles GET /chat/recent
func (g *Gateway) RecentConversations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	resp, err := g.api.RecentConversations(r.Context(), limit)
	if err != nil {
		writeBackendError(w, g.logger, "chat_recent", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateCase handles POST /case
func (g *Gateway) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	c, err := g.api.CreateCase(r.Context(), &req)
	if err != nil {
		writeBackendError(w, g.logger, "case_create", err)
		return
	}
	g.record(r, "case_create", http.StatusCreated)
	writeJSON(w, http.StatusCreated, c)
}

// UpdateCase handles PATCH /case/{id}
func (g *Gateway) UpdateCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req model.UpdateCaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContractType != nil && !req.ContractType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown contract_type")
		return
	}
	if req.RegistryMethod != nil && *req.RegistryMethod != model.RegistryIssue && *req.RegistryMethod != model.RegistryUpload {
		writeError(w, http.StatusBadRequest, "unknown registry_method")
		return
	}

	c, err := g.api.UpdateCase(r.Context(), id, &req)
	if err != nil {
		writeBackendError(w, g.logger, "case_update", err)
		return
	}
	g.record(r, "case_update", http.StatusOK)
	writeJSON(w, http.StatusOK, c)
}

// GetReport handles GET /report/{id}
func (g *Gateway) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	report, err := g.api.GetReport(r.Context(), id)
	if err != nil {
		writeBackendError(w, g.logger, "report_get", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Credits handles GET /credits
func (g *Gateway) Credits(w http.ResponseWriter, r *http.Request) {
	bal, err := g.api.Credits(r.Context())
	if err != nil {
		writeBackendError(w, g.logger, "credits_get", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// StartAnalysis handles POST /analyze/start
func (g *Gateway) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req model.StartAnalysisRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateID(req.CaseID); err != nil {
		writeError(w, http.StatusBadRequest, "case_id: "+err.Error())
		return
	}

	resp, err := g.api.StartAnalysis(r.Context(), &req)
	if err != nil {
		writeBackendError(w, g.logger, "analyze_start", err)
		return
	}
	g.record(r, "analyze_start", http.StatusAccepted)
	writeJSON(w, http.StatusAccepted, resp)
}

// SearchAddress handles GET /address/search?q=
func (g *Gateway) SearchAddress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if err := middleware.ValidateAddressQuery(q); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if g.address == nil {
		writeError(w, http.StatusServiceUnavailable, "address lookup is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	resp, err := g.address.Search(r.Context(), q, limit)
	if err != nil {
		writeBackendError(w, g.logger, "address_search", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
