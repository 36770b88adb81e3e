// Package backendtest provides an in-memory analysis backend for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/internal/sse"
)

// Token is the bearer token the fake accepts.
const Token = "test-token"

// Server is a fake analysis backend. Messages are deduplicated on
// (conversation, client key) like the real one.
type Server struct {
	URL string

	mu            sync.Mutex
	srv           *httptest.Server
	conversations map[string]*model.Conversation
	messages      map[string]*model.Message
	order         []string
	byKey         map[string]string
	cases         map[string]*model.Case
	reports       map[string]*model.Report
	chunks        map[string][]string
	analysis      []sse.Frame
	failures      map[string][]int
	calls         map[string]int
	nextID        int
	credits       int
	conflict      bool
	rekey         bool
	addresses     []model.AddressCandidate
}

// New starts a fake backend that is closed when the test ends.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]*model.Message),
		byKey:         make(map[string]string),
		cases:         make(map[string]*model.Case),
		reports:       make(map[string]*model.Report),
		chunks:        make(map[string][]string),
		failures:      make(map[string][]int),
		calls:         make(map[string]int),
		credits:       3,
		addresses: []model.AddressCandidate{
			{RoadAddress: "서울특별시 강남구 테헤란로 123", LotAddress: "서울특별시 강남구 역삼동 736-1", ZipCode: "06236"},
			{RoadAddress: "서울특별시 강남구 테헤란로 124", LotAddress: "서울특별시 강남구 역삼동 737", ZipCode: "06234"},
		},
	}

	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Post("/chat/init", s.route("chat_init", s.initChat))
	r.Post("/chat/message", s.route("chat_message", s.sendMessage))
	r.Patch("/chat/message/{id}", s.route("chat_message_update", s.updateMessage))
	r.Post("/chat/message/{id}/finalize", s.route("chat_message_finalize", s.finalizeMessage))
	r.Get("/chat/recent", s.route("chat_recent", s.recent))
	r.Get("/chat/stream/{id}", s.route("chat_stream", s.streamMessage))
	r.Post("/case", s.route("case_create", s.createCase))
	r.Patch("/case/{id}", s.route("case_update", s.updateCase))
	r.Post("/registry/upload", s.route("registry_upload", s.uploadRegistry))
	r.Get("/report/{id}", s.route("report_get", s.getReport))
	r.Get("/credits", s.route("credits_get", s.getCredits))
	r.Post("/analyze/start", s.route("analyze_start", s.startAnalysis))
	r.Get("/analyze/stream", s.route("analyze_stream", s.streamAnalysis))
	r.Get("/address/search", s.route("address_search", s.searchAddress))

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// SetCredits sets the balance reported by /credits.
func (s *Server) SetCredits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits = n
}

// SetDuplicateConflict makes replayed messages answer 409 instead of 200.
func (s *Server) SetDuplicateConflict(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflict = on
}

// SetRekeyMessages makes the server assign its own message ids.
func (s *Server) SetRekeyMessages(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rekey = on
}

// FailNext makes the next n calls of op answer with status.
func (s *Server) FailNext(op string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[op] = append(s.failures[op], status)
	}
}

// Calls returns how many times op was requested, failures included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Messages returns the stored messages in arrival order.
func (s *Server) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.messages[id])
	}
	return out
}

// Message returns a stored message by id.
func (s *Server) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// Conversation returns a stored conversation by id.
func (s *Server) Conversation(id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// Case returns a stored case by id.
func (s *Server) Case(id string) (model.Case, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return model.Case{}, false
	}
	return *c, true
}

// SetChunks sets the deltas streamed for a message before its done event.
func (s *Server) SetChunks(messageID string, deltas ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[messageID] = deltas
}

// SetAnalysisFrames replaces the frames sent on the analysis stream. By
// default the stream reports three steps and finishes with a report.
func (s *Server) SetAnalysisFrames(frames ...sse.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis = frames
}

// SetAddresses replaces the candidates returned by every address search.
func (s *Server) SetAddresses(candidates ...model.AddressCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses = candidates
}

// AddReport stores a report that GetReport can return.
func (s *Server) AddReport(r *model.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.ID] = r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// route counts the call and applies any injected failure before fn runs.
func (s *Server) route(op string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		var status int
		if q := s.failures[op]; len(q) > 0 {
			status, s.failures[op] = q[0], q[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, fmt.Sprintf("injected %d", status))
			return
		}
		fn(w, r)
	}
}

func (s *Server) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *Server) initChat(w http.ResponseWriter, r *http.Request) {
	var req model.InitChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ConversationID == "" {
		req.ConversationID = s.id("conv")
	}
	if conv, ok := s.conversations[req.ConversationID]; ok {
		writeJSON(w, http.StatusOK, conv)
		return
	}
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        req.ConversationID,
		Title:     req.Title,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.ClientKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "conversation_id and client_key are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := req.ConversationID + "\x00" + req.ClientKey
	if id, ok := s.byKey[key]; ok {
		if s.conflict {
			writeError(w, http.StatusConflict, "duplicate client_key")
			return
		}
		writeJSON(w, http.StatusOK, s.messages[id])
		return
	}

	id := req.ID
	if id == "" || s.rekey {
		id = s.id("msg")
	}
	now := time.Now().UTC()
	msg := &model.Message{
		ID:             id,
		ConversationID: req.ConversationID,
		ParentID:       req.ParentID,
		ClientKey:      req.ClientKey,
		Role:           req.Role,
		Content:        req.Content,
		Blocks:         req.Blocks,
		Component:      req.Component,
		Status:         model.StatusCompleted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[id] = msg
	s.byKey[key] = id
	s.order = append(s.order, id)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if req.Content != nil {
		msg.Content = *req.Content
	}
	if req.Status != nil {
		msg.Status = *req.Status
	}
	if req.Component != nil {
		msg.Component = *req.Component
	}
	msg.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) finalizeMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	msg, ok := s.messages[id]
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	msg.Content = strings.Join(s.chunks[id], "")
	msg.Status = model.StatusCompleted
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := model.RecentConversationsResponse{Conversations: []model.Conversation{}}
	for _, c := range s.conversations {
		resp.Conversations = append(resp.Conversations, *c)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	deltas := append([]string(nil), s.chunks[id]...)
	s.mu.Unlock()

	flusher, _ := sse.PrepareHeaders(w)
	for i, d := range deltas {
		sse.Write(w, flusher, "chunk", &model.ChunkEvent{Seq: i + 1, Delta: d})
	}
	sse.Write(w, flusher, "done", &model.DoneEvent{MessageID: id})
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c := &model.Case{ID: s.id("case"), Address: req.Address, Status: "draft", CreatedAt: now, UpdatedAt: now}
	s.cases[c.ID] = c
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) updateCase(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	if req.ContractType != nil {
		c.ContractType = *req.ContractType
	}
	if req.Deposit != nil {
		c.Deposit = *req.Deposit
	}
	if req.Price != nil {
		c.Price = *req.Price
	}
	if req.MonthlyRent != nil {
		c.MonthlyRent = *req.MonthlyRent
	}
	if req.RegistryMethod != nil {
		c.RegistryMethod = *req.RegistryMethod
	}
	c.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) uploadRegistry(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	n, _ := io.Copy(io.Discard, file)

	caseID := r.FormValue("case_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	c.RegistryFile = header.Filename
	writeJSON(w, http.StatusCreated, &model.RegistryUploadResult{
		CaseID:  caseID,
		FileURL: "https://storage.test/registry/" + caseID + "/" + header.Filename,
		Size:    n,
	})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, &model.CreditBalance{Credits: s.credits})
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	var req model.StartAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[req.CaseID]; !ok {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	if s.credits <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "no credits left")
		return
	}
	s.credits--
	writeJSON(w, http.StatusAccepted, &model.StartAnalysisResponse{
		CaseID:           req.CaseID,
		Status:           "running",
		RemainingCredits: s.credits,
	})
}

func (s *Server) streamAnalysis(w http.ResponseWriter, r *http.Request) {
	caseID := r.URL.Query().Get("case_id")

	s.mu.Lock()
	frames := append([]sse.Frame(nil), s.analysis...)
	if len(frames) == 0 {
		reportID := "report-" + caseID
		if _, ok := s.reports[reportID]; !ok {
			s.reports[reportID] = &model.Report{
				ID:        reportID,
				CaseID:    caseID,
				RiskScore: 42,
				RiskLevel: "medium",
				Summary:   "선순위 근저당이 보증금 대비 높습니다.",
				CreatedAt: time.Now().UTC(),
			}
		}
		frames = defaultAnalysisFrames(reportID)
	}
	s.mu.Unlock()

	flusher, _ := sse.PrepareHeaders(w)
	for _, f := range frames {
		if f.Event != "" {
			fmt.Fprintf(w, "event: %s\n", f.Event)
		}
		fmt.Fprintf(w, "data: %s\n\n", f.Data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) searchAddress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, &model.AddressSearchResponse{
		Query:      q,
		TotalCount: len(s.addresses),
		Candidates: append([]model.AddressCandidate{}, s.addresses...),
	})
}

func defaultAnalysisFrames(reportID string) []sse.Frame {
	return []sse.Frame{
		{Event: "progress", Data: `{"step":"registry_parse","message":"등기부 분석 중","progress":0.3}`},
		{Event: "progress", Data: `{"step":"enrich","message":"시세 조회 중","progress":0.7}`},
		{Data: `{"step":"score","progress":1}`},
		{Event: "done", Data: `{"report_id":"` + reportID + `"}`},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
