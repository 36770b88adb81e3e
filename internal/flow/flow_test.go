package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/internal/backend/backendtest"
	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/internal/sse"
	"github.com/safelease/risk-platform/internal/wizard"
	"github.com/safelease/risk-platform/pkg/logger"
)

type harness struct {
	session *Session
	srv     *backendtest.Server
	bus     *events.Bus
}

func newHarness(t *testing.T) *harness {
	return newWrappedHarness(t, func(b Backend) Backend { return b })
}

// newWrappedHarness lets a test intercept calls to the fake backend.
func newWrappedHarness(t *testing.T, wrap func(Backend) Backend) *harness {
	t.Helper()
	srv := backendtest.New(t)
	api := backend.New(srv.URL, backend.StaticToken(backendtest.Token), logger.NewNop())
	bus := events.New(logger.NewNop())
	return &harness{
		session: NewSession(wrap(api), bus, logger.NewNop()),
		srv:     srv,
		bus:     bus,
	}
}

// interruptedStream fails the first stream open as if the caller gave up.
type interruptedStream struct {
	Backend
	opened int
}

func (b *interruptedStream) StreamAnalysis(ctx context.Context, caseID string) (*backend.Stream, error) {
	b.opened++
	if b.opened == 1 {
		return nil, context.Canceled
	}
	return b.Backend.StreamAnalysis(ctx, caseID)
}

func (h *harness) input(t *testing.T, text string) *Reply {
	t.Helper()
	reply, err := h.session.HandleInput(context.Background(), text)
	if err != nil {
		t.Fatalf("HandleInput(%q): %v", text, err)
	}
	return reply
}

// toRegistryChoice walks a session to registry_choice with a jeonse case.
func (h *harness) toRegistryChoice(t *testing.T) {
	t.Helper()
	h.input(t, "서울특별시 강남구 테헤란로 123")
	h.input(t, "1")
	h.input(t, "전세 3억")
	if got := h.session.State(); got != wizard.StateRegistryChoice {
		t.Fatalf("state = %s, want registry_choice", got)
	}
}

func TestFullAnalysisByInput(t *testing.T) {
	h := newHarness(t)

	var transitions, progress int
	h.bus.Subscribe(events.TopicWizardTransition, func(events.Event) { transitions++ })
	h.bus.Subscribe(events.TopicAnalysisProgress, func(events.Event) { progress++ })
	var completed *events.AnalysisCompleted
	h.bus.Subscribe(events.TopicAnalysisCompleted, func(e events.Event) {
		completed = e.Payload.(*events.AnalysisCompleted)
	})

	reply := h.input(t, "서울특별시 강남구 테헤란로 123")
	if reply.State != wizard.StateAddressPick || reply.Component != ComponentAddressCandidates || len(reply.Candidates) != 2 {
		t.Fatalf("search reply = %+v", reply)
	}

	reply = h.input(t, "1번")
	if reply.State != wizard.StateContractType || reply.Component != ComponentContractTypeSelector {
		t.Fatalf("pick reply = %+v", reply)
	}
	caseID := h.session.Context().CaseID
	if _, ok := h.srv.Case(caseID); !ok {
		t.Fatalf("case %q not created on the backend", caseID)
	}

	reply = h.input(t, "전세 3억 5,000만원")
	if reply.State != wizard.StateRegistryChoice || reply.Progress != 45 {
		t.Fatalf("price reply = %+v", reply)
	}
	c, _ := h.srv.Case(caseID)
	if c.ContractType != model.ContractJeonse || c.Deposit != 350_000_000 {
		t.Errorf("backend case = %+v", c)
	}

	reply = h.input(t, "발급해 주세요")
	if reply.State != wizard.StateRegistryReady || reply.Component != ComponentAnalysisProgress {
		t.Fatalf("registry reply = %+v", reply)
	}

	reply = h.input(t, "분석 시작")
	if reply.State != wizard.StateReport || reply.Progress != 100 || reply.Component != ComponentReport {
		t.Fatalf("analysis reply = %+v", reply)
	}
	if reply.Report == nil || reply.Report.ID != "report-"+caseID {
		t.Fatalf("report = %+v", reply.Report)
	}

	if transitions != 6 {
		t.Errorf("transition events = %d, want 6", transitions)
	}
	if progress != 3 {
		t.Errorf("progress events = %d, want 3", progress)
	}
	if completed == nil || completed.CaseID != caseID || completed.RiskScore != 42 {
		t.Errorf("completed event = %+v", completed)
	}
	if got := h.session.Context().Credits; got != 2 {
		t.Errorf("credits = %d, want 2", got)
	}
}

func TestNonAddressInputRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.session.HandleInput(context.Background(), "강남 부동산 알아보는 중")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if h.session.State() != wizard.StateInit {
		t.Errorf("state = %s, want init", h.session.State())
	}
	if h.srv.Calls("address_search") != 0 {
		t.Error("backend searched for a non-address")
	}
}

func TestEmptySearchKeepsState(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAddresses()

	_, err := h.session.SearchAddress(context.Background(), "없는로 999")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if h.session.State() != wizard.StateInit {
		t.Errorf("state = %s, want init", h.session.State())
	}
}

func TestPickOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.input(t, "서울특별시 강남구 테헤란로 123")

	if _, err := h.session.HandleInput(context.Background(), "3"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if h.session.State() != wizard.StateAddressPick {
		t.Errorf("state = %s, want address_pick", h.session.State())
	}
	if h.srv.Calls("case_create") != 0 {
		t.Error("case created for an invalid pick")
	}
}

func TestOperationOutOfOrderRejected(t *testing.T) {
	h := newHarness(t)

	if _, err := h.session.PickAddress(context.Background(), 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("PickAddress in init: err = %v", err)
	}
	if _, err := h.session.RunAnalysis(context.Background(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("RunAnalysis in init: err = %v", err)
	}
	if _, err := h.session.NewAnalysis(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("NewAnalysis in init: err = %v", err)
	}
	if h.session.State() != wizard.StateInit {
		t.Errorf("state = %s, want init", h.session.State())
	}
}

func TestRentBearingContractNeedsRent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.input(t, "서울특별시 강남구 테헤란로 123")
	h.input(t, "1")

	_, err := h.session.HandleInput(ctx, "반전세 1억")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if h.session.State() != wizard.StateContractType {
		t.Fatalf("state = %s, want contract_type", h.session.State())
	}
	if got := h.session.Current().Component; got != ComponentPriceForm {
		t.Errorf("component = %s, want price_form", got)
	}

	reply, err := h.session.SetPrice(ctx, Price{Deposit: 100_000_000, MonthlyRent: 500_000})
	if err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	if reply.State != wizard.StateRegistryChoice {
		t.Errorf("state = %s, want registry_choice", reply.State)
	}
	c, _ := h.srv.Case(h.session.Context().CaseID)
	if c.ContractType != model.ContractBanjeonse || c.MonthlyRent != 500_000 {
		t.Errorf("backend case = %+v", c)
	}
}

func TestValidatePrice(t *testing.T) {
	tests := []struct {
		typ  model.ContractType
		p    Price
		want bool
	}{
		{model.ContractJeonse, Price{Deposit: 1}, true},
		{model.ContractJeonse, Price{Deposit: 1, MonthlyRent: 1}, false},
		{model.ContractJeonse, Price{}, false},
		{model.ContractWolse, Price{MonthlyRent: 1}, true},
		{model.ContractBanjeonse, Price{Deposit: 1}, false},
		{model.ContractSale, Price{Price: 1}, true},
		{model.ContractSale, Price{Deposit: 1}, false},
		{model.ContractSale, Price{Price: -1}, false},
	}
	for _, tt := range tests {
		err := validatePrice(tt.typ, tt.p)
		if (err == nil) != tt.want {
			t.Errorf("validatePrice(%s, %+v) = %v", tt.typ, tt.p, err)
		}
	}
}

func TestUploadRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toRegistryChoice(t)

	reply := h.input(t, "PDF 업로드할게요")
	if reply.State != wizard.StateRegistryChoice || h.session.Context().RegistryMethod != model.RegistryUpload {
		t.Fatalf("choose reply = %+v", reply)
	}

	if _, err := h.session.UploadRegistry(ctx, "registry.txt", strings.NewReader("text")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("non-pdf upload: err = %v", err)
	}

	reply, err := h.session.UploadRegistry(ctx, "registry.PDF", strings.NewReader("%PDF-1.4 test"))
	if err != nil {
		t.Fatalf("UploadRegistry: %v", err)
	}
	if reply.State != wizard.StateRegistryReady {
		t.Errorf("state = %s, want registry_ready", reply.State)
	}
	file := h.session.Context().UploadedFile
	if file == nil || file.URL == "" || file.Size != int64(len("%PDF-1.4 test")) {
		t.Errorf("uploaded file = %+v", file)
	}
	if c, _ := h.srv.Case(h.session.Context().CaseID); c.RegistryFile != "registry.PDF" {
		t.Errorf("registry file = %q", c.RegistryFile)
	}
}

func TestInsufficientCredits(t *testing.T) {
	h := newHarness(t)
	h.toRegistryChoice(t)
	h.input(t, "발급")
	h.srv.SetCredits(0)

	_, err := h.session.RunAnalysis(context.Background(), nil)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if h.session.State() != wizard.StateRegistryReady {
		t.Errorf("state = %s, want registry_ready", h.session.State())
	}
	if h.srv.Calls("analyze_start") != 0 {
		t.Error("analysis started without credits")
	}
}

func TestAnalysisErrorEventThenReset(t *testing.T) {
	h := newHarness(t)
	h.toRegistryChoice(t)
	h.input(t, "발급")
	h.srv.SetAnalysisFrames(
		sse.Frame{Event: "progress", Data: `{"step":"registry_parse","progress":0.2}`},
		sse.Frame{Event: "error", Data: `{"code":"ocr_failed","message":"등기부를 읽을 수 없습니다"}`},
	)

	var seen []float64
	_, err := h.session.RunAnalysis(context.Background(), func(e *model.ProgressEvent) {
		seen = append(seen, e.Progress)
	})
	if !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("err = %v, want ErrAnalysisFailed", err)
	}
	if h.session.State() != wizard.StateError {
		t.Fatalf("state = %s, want error", h.session.State())
	}
	if len(seen) != 1 || seen[0] != 0.2 {
		t.Errorf("progress = %v", seen)
	}

	reply := h.input(t, "서울특별시 강남구 테헤란로 124")
	if reply.State != wizard.StateAddressPick {
		t.Errorf("state after reset = %s, want address_pick", reply.State)
	}
	if h.session.Context().CaseID != "" {
		t.Error("case id survived reset")
	}
}

func TestBackendFailureMovesToError(t *testing.T) {
	h := newHarness(t)
	h.input(t, "서울특별시 강남구 테헤란로 123")
	h.srv.FailNext("case_create", 500, 1)

	_, err := h.session.PickAddress(context.Background(), 0)
	if !errors.Is(err, backend.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if h.session.State() != wizard.StateError {
		t.Errorf("state = %s, want error", h.session.State())
	}
	if reply := h.session.Reset(); reply.State != wizard.StateInit || reply.Component != ComponentAddressInput {
		t.Errorf("reset reply = %+v", reply)
	}
}

func TestUnauthorizedKeepsState(t *testing.T) {
	h := newHarness(t)
	h.input(t, "서울특별시 강남구 테헤란로 123")
	h.input(t, "1")
	h.srv.FailNext("case_update", 401, 1)

	_, err := h.session.SelectContractType(context.Background(), model.ContractWolse)
	if !errors.Is(err, backend.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if h.session.State() != wizard.StateContractType {
		t.Errorf("state = %s, want contract_type", h.session.State())
	}
	if h.session.Context().ContractType != "" {
		t.Error("contract type recorded despite failure")
	}
}

func TestCancelledAnalysisResumes(t *testing.T) {
	h := newHarness(t)
	h.toRegistryChoice(t)
	h.input(t, "발급")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.session.RunAnalysis(ctx, func(*model.ProgressEvent) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if h.session.State() != wizard.StateParseEnrich {
		t.Fatalf("state = %s, want parse_enrich", h.session.State())
	}

	reply, err := h.session.RunAnalysis(context.Background(), nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if reply.State != wizard.StateReport {
		t.Errorf("state = %s, want report", reply.State)
	}
	if n := h.srv.Calls("analyze_start"); n != 1 {
		t.Errorf("analyze_start calls = %d, want 1", n)
	}

	// Cancelled after the start was accepted but before any progress.
	var stream *interruptedStream
	h = newWrappedHarness(t, func(b Backend) Backend {
		stream = &interruptedStream{Backend: b}
		return stream
	})
	h.toRegistryChoice(t)
	h.input(t, "발급")

	if _, err := h.session.RunAnalysis(context.Background(), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if h.session.State() != wizard.StateRegistryReady || !h.session.Context().AnalysisStarted {
		t.Fatalf("after cancel: state = %s, context = %+v", h.session.State(), h.session.Context())
	}

	reply, err = h.session.RunAnalysis(context.Background(), nil)
	if err != nil {
		t.Fatalf("resume before progress: %v", err)
	}
	if reply.State != wizard.StateReport {
		t.Errorf("state = %s, want report", reply.State)
	}
	if n := h.srv.Calls("analyze_start"); n != 1 {
		t.Errorf("analyze_start calls = %d, want 1", n)
	}
	if got := h.session.Context().Credits; got != 2 {
		t.Errorf("credits = %d, want 2", got)
	}
	if stream.opened != 2 {
		t.Errorf("stream opened %d times, want 2", stream.opened)
	}
}

func TestProgressFramesCarryingDone(t *testing.T) {
	h := newHarness(t)
	h.toRegistryChoice(t)
	h.input(t, "발급")
	caseID := h.session.Context().CaseID
	h.srv.AddReport(&model.Report{ID: "r-done", CaseID: caseID, RiskScore: 10})
	h.srv.SetAnalysisFrames(
		sse.Frame{Data: `{"step":"registry_parse","message":"등기부 분석 중","progress":0.3,"done":false}`},
		sse.Frame{Data: `{"step":"enrich","message":"시세 조회 중","progress":0.7,"done":false,"error":null}`},
		sse.Frame{Data: `{"step":"score","progress":1,"done":true,"report_id":"r-done"}`},
	)

	var seen []float64
	var states []wizard.State
	reply, err := h.session.RunAnalysis(context.Background(), func(e *model.ProgressEvent) {
		seen = append(seen, e.Progress)
		states = append(states, h.session.State())
	})
	if err != nil {
		t.Fatalf("RunAnalysis: %v", err)
	}
	if len(seen) != 2 || seen[0] != 0.3 || seen[1] != 0.7 {
		t.Errorf("progress = %v, want [0.3 0.7]", seen)
	}
	if len(states) == 0 || states[0] != wizard.StateParseEnrich {
		t.Errorf("states during progress = %v", states)
	}
	if reply.State != wizard.StateReport || reply.Report == nil || reply.Report.ID != "r-done" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestNewAnalysisClearsContext(t *testing.T) {
	h := newHarness(t)
	h.toRegistryChoice(t)
	h.input(t, "발급")
	h.input(t, "분석 시작")

	resets := 0
	h.bus.Subscribe(events.TopicChatReset, func(events.Event) { resets++ })

	reply, err := h.session.NewAnalysis()
	if err != nil {
		t.Fatalf("NewAnalysis: %v", err)
	}
	if reply.State != wizard.StateInit {
		t.Errorf("state = %s, want init", reply.State)
	}
	actx := h.session.Context()
	if actx.CaseID != "" || actx.ReportID != "" || actx.ContractType != "" {
		t.Errorf("context not cleared: %+v", actx)
	}
	if actx.AnalysisStarted {
		t.Error("analysis started flag survived")
	}
	if actx.Credits != 2 {
		t.Errorf("credits = %d, want 2", actx.Credits)
	}
	if resets != 1 {
		t.Errorf("chat.reset events = %d, want 1", resets)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"3억 5,000만원", 350_000_000},
		{"3억5천만원", 350_000_000},
		{"5천만", 50_000_000},
		{"1.5억", 150_000_000},
		{"300,000,000원", 300_000_000},
		{"50만", 500_000},
		{"만원", 10_000},
		{"1조 2,000억", 1_200_000_000_000},
		{"3억5천", 350_000_000},
		{"3억 5천", 350_000_000},
		{"1억2천5백", 125_000_000},
		{"1조5천", 1_500_000_000_000},
		{"1만5천", 15_000},
		{"9999조", 9_999_000_000_000_000},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseAmount(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}

	for _, bad := range []string{"", "  ", "abc", "-3억", "3억 달러", "99999999999조", "1경"} {
		if _, err := ParseAmount(bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseAmount(%q) err = %v, want ErrInvalidInput", bad, err)
		}
	}
}

func TestExtractAmounts(t *testing.T) {
	got := ExtractAmounts("보증금 1억 월세 50만원")
	if len(got) != 2 || got[0] != 100_000_000 || got[1] != 500_000 {
		t.Errorf("ExtractAmounts = %v", got)
	}
	got = ExtractAmounts("반전세 3억5천에 월 50만")
	if len(got) != 2 || got[0] != 350_000_000 || got[1] != 500_000 {
		t.Errorf("ExtractAmounts = %v", got)
	}
	got = ExtractAmounts("전세 3억 5천만원이에요")
	if len(got) != 1 || got[0] != 350_000_000 {
		t.Errorf("ExtractAmounts = %v", got)
	}
	if got := ExtractAmounts("아직 몰라요"); len(got) != 0 {
		t.Errorf("ExtractAmounts = %v, want none", got)
	}
}
