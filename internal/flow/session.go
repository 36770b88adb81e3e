// Package flow drives one guided contract analysis: it interprets user input
// for the current wizard step, calls the analysis backend and advances the
// state machine.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/internal/wizard"
	"github.com/safelease/risk-platform/pkg/logger"
)

var (
	// ErrInvalidInput rejects input that does not fit the current step.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInsufficientCredits rejects an analysis when no credits are left.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAnalysisFailed reports an error event on the analysis stream.
	ErrAnalysisFailed = errors.New("analysis failed")
)

// Component is the UI directive attached to a reply.
type Component string

const (
	ComponentNone                 Component = ""
	ComponentAddressInput         Component = "address_input"
	ComponentAddressCandidates    Component = "address_candidates"
	ComponentContractTypeSelector Component = "contract_type_selector"
	ComponentPriceForm            Component = "price_form"
	ComponentRegistryChoice       Component = "registry_choice"
	ComponentAnalysisProgress     Component = "analysis_progress"
	ComponentReport               Component = "report"
)

// Reply is what the UI renders after an operation.
type Reply struct {
	State      wizard.State             `json:"state"`
	Prompt     string                   `json:"prompt"`
	Progress   int                      `json:"progress"`
	Component  Component                `json:"component,omitempty"`
	Candidates []model.AddressCandidate `json:"candidates,omitempty"`
	Report     *model.Report            `json:"report,omitempty"`
}

// Backend is the part of the analysis backend a session needs.
// *backend.Client satisfies it.
type Backend interface {
	SearchAddress(ctx context.Context, query string) (*model.AddressSearchResponse, error)
	CreateCase(ctx context.Context, req *model.CreateCaseRequest) (*model.Case, error)
	UpdateCase(ctx context.Context, id string, req *model.UpdateCaseRequest) (*model.Case, error)
	UploadRegistry(ctx context.Context, caseID, filename string, file io.Reader) (*model.RegistryUploadResult, error)
	Credits(ctx context.Context) (*model.CreditBalance, error)
	StartAnalysis(ctx context.Context, req *model.StartAnalysisRequest) (*model.StartAnalysisResponse, error)
	StreamAnalysis(ctx context.Context, caseID string) (*backend.Stream, error)
	GetReport(ctx context.Context, id string) (*model.Report, error)
}

// Price holds the figures of a contract. Which fields are required depends
// on the contract type.
type Price struct {
	Deposit     int64
	Price       int64
	MonthlyRent int64
}

// ProgressFunc observes analysis progress.
type ProgressFunc func(*model.ProgressEvent)

// Session is one user's walk through the wizard. A session is driven by a
// single goroutine.
type Session struct {
	api        Backend
	machine    *wizard.Machine
	classifier wizard.Classifier
	bus        *events.Bus
	logger     *logger.Logger

	actx model.AnalysisContext
}

// Option configures a Session.
type Option func(*Session)

// WithClassifier replaces the rule-based input classifier.
func WithClassifier(c wizard.Classifier) Option {
	return func(s *Session) { s.classifier = c }
}

// WithMachine uses m instead of a fresh state machine.
func WithMachine(m *wizard.Machine) Option {
	return func(s *Session) { s.machine = m }
}

// NewSession returns a session in the init state. Accepted transitions are
// published on bus, which may be nil.
func NewSession(api Backend, bus *events.Bus, log *logger.Logger, opts ...Option) *Session {
	s := &Session{
		api:        api,
		classifier: wizard.DefaultClassifier,
		bus:        bus,
		logger:     logger.OrGlobal(log).Named("flow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.machine == nil {
		s.machine = wizard.NewMachine(s.logger)
	}
	s.machine.OnTransition(func(c wizard.Change) {
		s.bus.Publish(events.TopicWizardTransition, &events.WizardTransition{
			From:     string(c.From),
			To:       string(c.To),
			Metadata: c.Metadata,
		})
	})
	return s
}

// State returns the current wizard state.
func (s *Session) State() wizard.State {
	return s.machine.State()
}

// Machine returns the underlying state machine.
func (s *Session) Machine() *wizard.Machine {
	return s.machine
}

// Context returns a copy of the analysis context.
func (s *Session) Context() model.AnalysisContext {
	actx := s.actx
	actx.Candidates = append([]model.AddressCandidate(nil), s.actx.Candidates...)
	return actx
}

// Current returns the reply for the current state without doing anything.
func (s *Session) Current() *Reply {
	return s.reply()
}

// HandleInput interprets free text according to the current state.
func (s *Session) HandleInput(ctx context.Context, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, s.reject("empty input")
	}

	switch state := s.State(); state {
	case wizard.StateInit:
		if s.isKind(ctx, text, wizard.KindAddress) {
			return s.SearchAddress(ctx, text)
		}
		return nil, s.reject("input is not an address")

	case wizard.StateAddressPick:
		if n, ok := parseChoice(text); ok {
			return s.PickAddress(ctx, n-1)
		}
		if s.isKind(ctx, text, wizard.KindAddress) {
			return s.SearchAddress(ctx, text)
		}
		return nil, s.reject("pick a candidate by number or enter another address")

	case wizard.StateContractType:
		return s.handleContractInput(ctx, text)

	case wizard.StateRegistryChoice:
		switch registryChoice(text) {
		case model.RegistryIssue:
			return s.ChooseRegistry(ctx, model.RegistryIssue)
		case model.RegistryUpload:
			return s.ChooseRegistry(ctx, model.RegistryUpload)
		}
		return nil, s.reject("choose to issue or upload the registry")

	case wizard.StateRegistryReady, wizard.StateParseEnrich:
		if s.isKind(ctx, text, wizard.KindAnalysisTrigger) {
			return s.RunAnalysis(ctx, nil)
		}
		return nil, s.reject("waiting for the analysis trigger")

	case wizard.StateReport, wizard.StateError:
		if state == wizard.StateReport {
			if _, err := s.NewAnalysis(); err != nil {
				return nil, err
			}
		} else {
			s.Reset()
		}
		if s.isKind(ctx, text, wizard.KindAddress) {
			return s.SearchAddress(ctx, text)
		}
		return s.reply(), nil
	}
	return nil, s.reject("unknown state")
}

func (s *Session) handleContractInput(ctx context.Context, text string) (*Reply, error) {
	res, ok := s.classifier.Classify(ctx, text)
	handled := false
	if ok && res.Kind == wizard.KindContractType {
		if _, err := s.SelectContractType(ctx, res.ContractType); err != nil {
			return nil, err
		}
		handled = true
	}

	amounts := ExtractAmounts(text)
	if len(amounts) > 0 && s.actx.ContractType != "" {
		return s.SetPrice(ctx, priceFromAmounts(s.actx.ContractType, amounts))
	}
	if handled {
		return s.reply(), nil
	}
	return nil, s.reject("input names no contract type or amount")
}

func priceFromAmounts(t model.ContractType, amounts []int64) Price {
	switch t {
	case model.ContractSale:
		return Price{Price: amounts[0]}
	case model.ContractBanjeonse, model.ContractWolse:
		p := Price{Deposit: amounts[0]}
		if len(amounts) > 1 {
			p.MonthlyRent = amounts[1]
		}
		return p
	default:
		return Price{Deposit: amounts[0]}
	}
}

// SearchAddress looks up candidates for query and moves to address_pick.
// A failed or empty lookup leaves the state unchanged.
func (s *Session) SearchAddress(ctx context.Context, query string) (*Reply, error) {
	state := s.State()
	if state != wizard.StateInit && state != wizard.StateAddressPick {
		return nil, s.reject("address search is not available in " + string(state))
	}

	resp, err := s.api.SearchAddress(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no address matches %q", ErrInvalidInput, query)
	}

	s.actx.Candidates = resp.Candidates
	if state == wizard.StateInit {
		s.machine.Transition(wizard.StateAddressPick, map[string]any{
			"query":      query,
			"candidates": len(resp.Candidates),
		})
	}
	return s.reply(), nil
}

// PickAddress selects candidate index, opens the case and moves to
// contract_type.
func (s *Session) PickAddress(ctx context.Context, index int) (*Reply, error) {
	if err := s.require(wizard.StateAddressPick); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(s.actx.Candidates) {
		return nil, s.reject(fmt.Sprintf("candidate %d out of range", index+1))
	}

	cand := s.actx.Candidates[index]
	c, err := s.api.CreateCase(ctx, &model.CreateCaseRequest{
		Address:  cand.RoadAddress,
		RoadAddr: cand.RoadAddress,
		LotAddr:  cand.LotAddress,
		ZipCode:  cand.ZipCode,
	})
	if err != nil {
		return nil, s.fail("case_create", err)
	}

	s.actx.CaseID = c.ID
	s.actx.Address = cand.RoadAddress
	s.logger.Info("case created",
		zap.String("case_id", c.ID),
		zap.String("address", cand.RoadAddress),
	)
	s.machine.Transition(wizard.StateContractType, map[string]any{"case_id": c.ID})
	return s.reply(), nil
}

// SelectContractType records the contract type. The session stays in
// contract_type until the figures are set.
func (s *Session) SelectContractType(ctx context.Context, t model.ContractType) (*Reply, error) {
	if err := s.require(wizard.StateContractType); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, s.reject("unknown contract type " + string(t))
	}

	if _, err := s.api.UpdateCase(ctx, s.actx.CaseID, &model.UpdateCaseRequest{ContractType: &t}); err != nil {
		return nil, s.fail("case_update", err)
	}
	s.actx.ContractType = t
	s.actx.Deposit, s.actx.Price, s.actx.MonthlyRent = 0, 0, 0
	return s.reply(), nil
}

// SetPrice records the contract figures and moves to registry_choice.
func (s *Session) SetPrice(ctx context.Context, p Price) (*Reply, error) {
	if err := s.require(wizard.StateContractType); err != nil {
		return nil, err
	}
	if s.actx.ContractType == "" {
		return nil, s.reject("contract type not selected")
	}
	if err := validatePrice(s.actx.ContractType, p); err != nil {
		s.logger.Warn("rejected contract figures", zap.Error(err))
		return nil, err
	}

	req := &model.UpdateCaseRequest{}
	switch s.actx.ContractType {
	case model.ContractSale:
		req.Price = &p.Price
	case model.ContractJeonse:
		req.Deposit = &p.Deposit
	default:
		req.Deposit = &p.Deposit
		req.MonthlyRent = &p.MonthlyRent
	}
	if _, err := s.api.UpdateCase(ctx, s.actx.CaseID, req); err != nil {
		return nil, s.fail("case_update", err)
	}

	s.actx.Deposit, s.actx.Price, s.actx.MonthlyRent = p.Deposit, p.Price, p.MonthlyRent
	s.machine.Transition(wizard.StateRegistryChoice, map[string]any{
		"contract_type": string(s.actx.ContractType),
	})
	return s.reply(), nil
}

func validatePrice(t model.ContractType, p Price) error {
	if p.Deposit < 0 || p.Price < 0 || p.MonthlyRent < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	switch t {
	case model.ContractSale:
		if p.Price == 0 {
			return fmt.Errorf("%w: sale price is required", ErrInvalidInput)
		}
	case model.ContractJeonse:
		if p.Deposit == 0 {
			return fmt.Errorf("%w: deposit is required", ErrInvalidInput)
		}
		if p.MonthlyRent != 0 {
			return fmt.Errorf("%w: jeonse has no monthly rent", ErrInvalidInput)
		}
	case model.ContractBanjeonse:
		if p.Deposit == 0 || p.MonthlyRent == 0 {
			return fmt.Errorf("%w: deposit and monthly rent are required", ErrInvalidInput)
		}
	case model.ContractWolse:
		if p.MonthlyRent == 0 {
			return fmt.Errorf("%w: monthly rent is required", ErrInvalidInput)
		}
	}
	return nil
}

// ChooseRegistry records how the registry document is obtained. Issuing
// moves to registry_ready at once; uploading waits for UploadRegistry.
func (s *Session) ChooseRegistry(ctx context.Context, method model.RegistryMethod) (*Reply, error) {
	if err := s.require(wizard.StateRegistryChoice); err != nil {
		return nil, err
	}
	if method != model.RegistryIssue && method != model.RegistryUpload {
		return nil, s.reject("unknown registry method " + string(method))
	}

	if _, err := s.api.UpdateCase(ctx, s.actx.CaseID, &model.UpdateCaseRequest{RegistryMethod: &method}); err != nil {
		return nil, s.fail("case_update", err)
	}
	s.actx.RegistryMethod = method
	if method == model.RegistryIssue {
		s.machine.Transition(wizard.StateRegistryReady, map[string]any{"registry_method": string(method)})
	}
	return s.reply(), nil
}

// UploadRegistry uploads a registry PDF and moves to registry_ready.
func (s *Session) UploadRegistry(ctx context.Context, name string, file io.Reader) (*Reply, error) {
	if err := s.require(wizard.StateRegistryChoice); err != nil {
		return nil, err
	}
	if !strings.EqualFold(path.Ext(name), ".pdf") {
		return nil, s.reject("registry must be a PDF")
	}

	up, err := s.api.UploadRegistry(ctx, s.actx.CaseID, name, file)
	if err != nil {
		return nil, s.fail("registry_upload", err)
	}
	s.actx.RegistryMethod = model.RegistryUpload
	s.actx.UploadedFile = &model.FileRef{Name: name, URL: up.FileURL, Size: up.Size}
	s.machine.Transition(wizard.StateRegistryReady, map[string]any{
		"registry_method": string(model.RegistryUpload),
		"file":            name,
	})
	return s.reply(), nil
}

// RunAnalysis starts the analysis and follows its stream until the report
// is ready. Once the backend accepted the start, later calls resume
// following without starting again. A cancelled ctx leaves the state as it
// is.
func (s *Session) RunAnalysis(ctx context.Context, onProgress ProgressFunc) (*Reply, error) {
	switch s.State() {
	case wizard.StateRegistryReady:
		if s.actx.AnalysisStarted {
			s.logger.Info("resuming started analysis", zap.String("case_id", s.actx.CaseID))
			break
		}
		if err := s.startAnalysis(ctx); err != nil {
			return nil, err
		}
	case wizard.StateParseEnrich:
		s.logger.Info("resuming analysis", zap.String("case_id", s.actx.CaseID))
	default:
		return nil, s.reject("analysis cannot run in " + string(s.State()))
	}

	stream, err := s.api.StreamAnalysis(ctx, s.actx.CaseID)
	if err != nil {
		return nil, s.fail("analyze_stream", err)
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, s.fail("analyze_stream", err)
		}

		switch e := ev.(type) {
		case *model.ProgressEvent:
			s.enterParseEnrich()
			s.bus.Publish(events.TopicAnalysisProgress, &events.AnalysisProgress{
				CaseID:   s.actx.CaseID,
				Step:     e.Step,
				Message:  e.Message,
				Progress: e.Progress,
			})
			if onProgress != nil {
				onProgress(e)
			}
		case *model.DoneEvent:
			s.enterParseEnrich()
			return s.finishAnalysis(ctx, e.ReportID)
		case *model.ErrorEvent:
			return nil, s.fail("analyze_stream", fmt.Errorf("%w: %s", ErrAnalysisFailed, e.Message))
		}
	}
}

func (s *Session) startAnalysis(ctx context.Context) error {
	bal, err := s.api.Credits(ctx)
	if err != nil {
		return s.fail("credits_get", err)
	}
	s.actx.Credits = bal.Credits
	if bal.Credits <= 0 {
		s.logger.Warn("analysis rejected: no credits", zap.String("case_id", s.actx.CaseID))
		return ErrInsufficientCredits
	}

	resp, err := s.api.StartAnalysis(ctx, &model.StartAnalysisRequest{CaseID: s.actx.CaseID})
	if err != nil {
		return s.fail("analyze_start", err)
	}
	s.actx.Credits = resp.RemainingCredits
	s.actx.AnalysisStarted = true
	return nil
}

func (s *Session) enterParseEnrich() {
	if s.State() == wizard.StateRegistryReady {
		s.machine.Transition(wizard.StateParseEnrich, map[string]any{"case_id": s.actx.CaseID})
	}
}

func (s *Session) finishAnalysis(ctx context.Context, reportID string) (*Reply, error) {
	if reportID == "" {
		return nil, s.fail("analyze_stream", fmt.Errorf("%w: finished without a report", ErrAnalysisFailed))
	}
	report, err := s.api.GetReport(ctx, reportID)
	if err != nil {
		return nil, s.fail("report_get", err)
	}

	s.actx.ReportID = report.ID
	s.machine.Transition(wizard.StateReport, map[string]any{"report_id": report.ID})
	s.bus.Publish(events.TopicAnalysisCompleted, &events.AnalysisCompleted{
		CaseID:    s.actx.CaseID,
		ReportID:  report.ID,
		RiskScore: report.RiskScore,
		RiskLevel: report.RiskLevel,
	})

	reply := s.reply()
	reply.Report = report
	return reply, nil
}

// NewAnalysis leaves a finished report and starts over.
func (s *Session) NewAnalysis() (*Reply, error) {
	if err := s.require(wizard.StateReport); err != nil {
		return nil, err
	}
	s.machine.Transition(wizard.StateInit, map[string]any{"new_analysis": true})
	s.clear()
	return s.reply(), nil
}

// Reset abandons the current analysis from any state.
func (s *Session) Reset() *Reply {
	s.machine.Reset()
	s.clear()
	return s.reply()
}

func (s *Session) clear() {
	s.actx = model.AnalysisContext{Credits: s.actx.Credits}
	s.bus.Publish(events.TopicChatReset, nil)
}

// fail moves to the error state unless err means the caller gave up or must
// re-authenticate, in which case the step can simply be retried.
func (s *Session) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, backend.ErrUnauthorized) {
		return err
	}
	s.logger.Error("analysis step failed",
		zap.String("op", op),
		zap.String("state", string(s.State())),
		zap.String("case_id", s.actx.CaseID),
		zap.Error(err),
	)
	s.machine.Fail(op + ": " + err.Error())
	return err
}

func (s *Session) reject(reason string) error {
	s.logger.Warn("rejected input",
		zap.String("state", string(s.State())),
		zap.String("reason", reason),
	)
	return fmt.Errorf("%w: %s", ErrInvalidInput, reason)
}

func (s *Session) require(state wizard.State) error {
	if cur := s.State(); cur != state {
		return s.reject(fmt.Sprintf("operation needs %s, session is in %s", state, cur))
	}
	return nil
}

func (s *Session) isKind(ctx context.Context, text string, kind wizard.Kind) bool {
	res, ok := s.classifier.Classify(ctx, text)
	return ok && res.Kind == kind
}

func (s *Session) reply() *Reply {
	state := s.State()
	r := &Reply{
		State:     state,
		Prompt:    wizard.Prompt(state),
		Progress:  wizard.Progress(state),
		Component: s.component(state),
	}
	if state == wizard.StateAddressPick {
		r.Candidates = append([]model.AddressCandidate(nil), s.actx.Candidates...)
	}
	return r
}

func (s *Session) component(state wizard.State) Component {
	switch state {
	case wizard.StateInit:
		return ComponentAddressInput
	case wizard.StateAddressPick:
		return ComponentAddressCandidates
	case wizard.StateContractType:
		if s.actx.ContractType == "" {
			return ComponentContractTypeSelector
		}
		return ComponentPriceForm
	case wizard.StateRegistryChoice:
		return ComponentRegistryChoice
	case wizard.StateRegistryReady, wizard.StateParseEnrich:
		return ComponentAnalysisProgress
	case wizard.StateReport:
		return ComponentReport
	}
	return ComponentNone
}

func parseChoice(text string) (int, bool) {
	text = strings.TrimSuffix(strings.TrimSpace(text), "번")
	n, err := strconv.Atoi(text)
	return n, err == nil
}

func registryChoice(text string) model.RegistryMethod {
	lower := strings.ToLower(text)
	for _, w := range []string{"업로드", "upload", "pdf", "파일"} {
		if strings.Contains(lower, w) {
			return model.RegistryUpload
		}
	}
	for _, w := range []string{"발급", "issue", "조회"} {
		if strings.Contains(lower, w) {
			return model.RegistryIssue
		}
	}
	return ""
}
