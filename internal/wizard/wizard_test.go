package wizard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/safelease/risk-platform/internal/llm"
	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/pkg/logger"
)

func newMachine(opts ...Option) *Machine {
	return NewMachine(logger.NewNop(), opts...)
}

func TestTransitionTable(t *testing.T) {
	legal := map[[2]State]bool{
		{StateInit, StateAddressPick}:              true,
		{StateAddressPick, StateContractType}:      true,
		{StateContractType, StateRegistryChoice}:   true,
		{StateRegistryChoice, StateRegistryReady}:  true,
		{StateRegistryReady, StateParseEnrich}:     true,
		{StateParseEnrich, StateReport}:            true,
		{StateReport, StateInit}:                   true,
		{StateError, StateInit}:                    true,
	}
	for _, s := range States {
		if s != StateError {
			legal[[2]State{s, StateError}] = true
		}
	}

	for _, from := range States {
		for _, to := range States {
			want := legal[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	if CanTransition("price_input", StateRegistryChoice) {
		t.Error("unknown state accepted as source")
	}
	if CanTransition(StateInit, "bogus") {
		t.Error("unknown state accepted as target")
	}
}

// machineIn walks a fresh machine along legal edges to s.
func machineIn(t *testing.T, s State) *Machine {
	t.Helper()
	m := newMachine()
	if s == StateError {
		m.Fail("setup")
		return m
	}
	for _, next := range []State{
		StateAddressPick, StateContractType, StateRegistryChoice,
		StateRegistryReady, StateParseEnrich, StateReport,
	} {
		if m.State() == s {
			break
		}
		if !m.Transition(next, nil) {
			t.Fatalf("setup transition to %s rejected", next)
		}
	}
	if m.State() != s {
		t.Fatalf("setup reached %s, want %s", m.State(), s)
	}
	return m
}

func TestIllegalTransitionsLeaveMachineUntouched(t *testing.T) {
	for _, from := range States {
		for _, to := range States {
			if CanTransition(from, to) {
				continue
			}
			m := machineIn(t, from)
			before := m.History().Len()
			called := false
			m.OnTransition(func(Change) { called = true })

			if m.Transition(to, map[string]any{"attempt": true}) {
				t.Errorf("%s -> %s accepted", from, to)
			}
			if m.State() != from {
				t.Errorf("%s -> %s: state = %s", from, to, m.State())
			}
			if called {
				t.Errorf("%s -> %s: listener notified", from, to)
			}
			if m.History().Len() != before {
				t.Errorf("%s -> %s: history grew", from, to)
			}
		}
	}
}

func TestResetReportsOnlyLegalEdges(t *testing.T) {
	for _, from := range States {
		if from == StateInit {
			continue
		}
		m := machineIn(t, from)
		var changes []Change
		m.OnTransition(func(c Change) { changes = append(changes, c) })

		if !m.Reset() {
			t.Fatalf("Reset from %s rejected", from)
		}
		if m.State() != StateInit {
			t.Errorf("Reset from %s: state = %s", from, m.State())
		}
		if len(changes) == 0 || changes[0].From != from || changes[len(changes)-1].To != StateInit {
			t.Errorf("Reset from %s: changes = %+v", from, changes)
		}
		for _, c := range changes {
			if !CanTransition(c.From, c.To) {
				t.Errorf("Reset from %s reported illegal edge %s -> %s", from, c.From, c.To)
			}
		}
		want := 2
		if from == StateReport || from == StateError {
			want = 1
		}
		if len(changes) != want {
			t.Errorf("Reset from %s: %d changes, want %d", from, len(changes), want)
		}
	}
}

func TestFullCycle(t *testing.T) {
	m := newMachine()
	cycle := []State{
		StateAddressPick, StateContractType, StateRegistryChoice,
		StateRegistryReady, StateParseEnrich, StateReport, StateInit,
	}
	for _, s := range cycle {
		if !m.Transition(s, nil) {
			t.Fatalf("transition to %s rejected from %s", s, m.State())
		}
	}
	if m.State() != StateInit {
		t.Errorf("state = %s, want init", m.State())
	}
	if got := m.History().Len(); got != len(cycle)+1 {
		t.Errorf("history length = %d, want %d", got, len(cycle)+1)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := newMachine()
	m.Transition(StateAddressPick, nil)

	called := false
	m.OnTransition(func(Change) { called = true })

	if m.Transition(StateReport, nil) {
		t.Fatal("address_pick -> report accepted")
	}
	if m.State() != StateAddressPick {
		t.Errorf("state = %s, want address_pick", m.State())
	}
	if called {
		t.Error("listener notified of a rejected transition")
	}
	if m.History().Len() != 2 {
		t.Errorf("history length = %d, want 2", m.History().Len())
	}
}

func TestErrorAndReset(t *testing.T) {
	m := newMachine()
	m.Transition(StateAddressPick, nil)

	var changes []Change
	m.OnTransition(func(c Change) { changes = append(changes, c) })

	if !m.Fail("backend down") {
		t.Fatal("Fail rejected")
	}
	if m.Fail("again") {
		t.Error("error -> error accepted")
	}
	if m.Transition(StateAddressPick, nil) {
		t.Error("error -> address_pick accepted")
	}
	if !m.Reset() {
		t.Fatal("Reset rejected")
	}

	if m.State() != StateInit {
		t.Errorf("state = %s, want init", m.State())
	}
	if m.History().Len() != 1 || m.History().HasVisited(StateError) {
		t.Errorf("history not fresh after reset: %v", m.History().Entries())
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	if changes[0].Metadata["reason"] != "backend down" {
		t.Errorf("fail metadata = %v", changes[0].Metadata)
	}
	if changes[1].From != StateError || changes[1].To != StateInit || changes[1].Metadata["reset"] != true {
		t.Errorf("reset change = %+v", changes[1])
	}
}

func TestResetFromInitIsSilent(t *testing.T) {
	m := newMachine()
	called := false
	m.OnTransition(func(Change) { called = true })

	if !m.Reset() {
		t.Fatal("Reset rejected")
	}
	if called {
		t.Error("listener notified for reset from init")
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	m := newMachine()

	var seen []State
	m.OnTransition(func(c Change) { seen = append(seen, c.To) })
	m.OnTransition(func(Change) { panic("listener bug") })
	m.OnTransition(func(c Change) { seen = append(seen, c.To) })

	if !m.Transition(StateAddressPick, nil) {
		t.Fatal("transition rejected")
	}
	if len(seen) != 2 {
		t.Errorf("listeners after panic: seen = %v", seen)
	}
	if !m.Transition(StateContractType, nil) {
		t.Error("machine stuck after listener panic")
	}
}

func TestReentrantTransitionRejected(t *testing.T) {
	m := newMachine()

	var nested bool
	m.OnTransition(func(c Change) {
		if c.To == StateAddressPick {
			nested = m.Transition(StateContractType, nil)
		}
	})

	if !m.Transition(StateAddressPick, nil) {
		t.Fatal("outer transition rejected")
	}
	if nested {
		t.Error("nested transition accepted")
	}
	if m.State() != StateAddressPick {
		t.Errorf("state = %s, want address_pick", m.State())
	}
	if !m.Transition(StateContractType, nil) {
		t.Error("transition after listener returned rejected")
	}
}

func TestUnsubscribeListener(t *testing.T) {
	m := newMachine()
	calls := 0
	off := m.OnTransition(func(Change) { calls++ })

	m.Transition(StateAddressPick, nil)
	off()
	m.Transition(StateContractType, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestChangeTimestampUsesClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newMachine(WithClock(func() time.Time { return at }))

	var got Change
	m.OnTransition(func(c Change) { got = c })
	m.Transition(StateAddressPick, map[string]any{"query": "테헤란로"})

	if !got.Timestamp.Equal(at) || got.From != StateInit || got.Metadata["query"] != "테헤란로" {
		t.Errorf("change = %+v", got)
	}
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	base := time.Unix(0, 0)
	for i, s := range []State{StateInit, StateAddressPick, StateContractType, StateRegistryChoice, StateRegistryReady} {
		h.Record(s, base.Add(time.Duration(i)*time.Second))
	}

	entries := h.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	want := []State{StateContractType, StateRegistryChoice, StateRegistryReady}
	for i, v := range entries {
		if v.State != want[i] {
			t.Errorf("entries[%d] = %s, want %s", i, v.State, want[i])
		}
	}
	if prev, ok := h.Previous(); !ok || prev != StateRegistryChoice {
		t.Errorf("Previous = %s, %v", prev, ok)
	}
	if h.HasVisited(StateInit) {
		t.Error("evicted visit still reported")
	}
	if NewHistory(0).Entries() == nil {
		t.Error("Entries returned nil")
	}
}

func TestHistoryVisitCount(t *testing.T) {
	m := newMachine(WithHistorySize(10))
	for _, s := range []State{StateAddressPick, StateContractType, StateRegistryChoice, StateRegistryReady, StateParseEnrich, StateReport, StateInit} {
		m.Transition(s, nil)
	}
	if got := m.History().VisitCount(StateInit); got != 2 {
		t.Errorf("VisitCount(init) = %d, want 2", got)
	}
	if _, ok := NewHistory(5).Previous(); ok {
		t.Error("Previous on empty history reported ok")
	}
}

func TestStateTables(t *testing.T) {
	wantProgress := map[State]int{
		StateInit: 0, StateAddressPick: 15, StateContractType: 30, StateRegistryChoice: 45,
		StateRegistryReady: 60, StateParseEnrich: 80, StateReport: 100, StateError: 0,
	}
	for _, s := range States {
		if Prompt(s) == "" {
			t.Errorf("no prompt for %s", s)
		}
		if Progress(s) != wantProgress[s] {
			t.Errorf("Progress(%s) = %d, want %d", s, Progress(s), wantProgress[s])
		}
	}

	for _, s := range []State{StateInit, StateAddressPick, StateContractType, StateRegistryChoice} {
		if !IsWaitingForInput(s) || IsProcessing(s) || IsTerminal(s) {
			t.Errorf("%s misclassified", s)
		}
	}
	for _, s := range []State{StateRegistryReady, StateParseEnrich} {
		if IsWaitingForInput(s) || !IsProcessing(s) {
			t.Errorf("%s misclassified", s)
		}
	}
	if !IsTerminal(StateReport) || !IsTerminal(StateError) {
		t.Error("report and error must be terminal")
	}
}

func TestLooksLikeAddress(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"서울특별시 강남구 테헤란로 123", true},
		{"강남 부동산 알아보는 중", false},
		{"판교역로 235", true},
		{"세종대로 110-1", true},
		{"역삼동 736-1", true},
		{"상계동 산 12번지", true},
		{"경기도 성남시 분당구 100", true},
		{"집으로 3 시쯤 갈게요", false},
		{"강남구 역삼동", false},
		{"전세 3억", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := LooksLikeAddress(tt.text); got != tt.want {
			t.Errorf("LooksLikeAddress(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestDetectContractType(t *testing.T) {
	tests := []struct {
		text string
		want model.ContractType
		ok   bool
	}{
		{"반전세로 할게요", model.ContractBanjeonse, true},
		{"전세 3억", model.ContractJeonse, true},
		{"월세 계약이에요", model.ContractWolse, true},
		{"매매 계약", model.ContractSale, true},
		{"Jeonse please", model.ContractJeonse, true},
		{"잘 모르겠어요", "", false},
	}
	for _, tt := range tests {
		got, ok := DetectContractType(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DetectContractType(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsAnalysisTrigger(t *testing.T) {
	for _, text := range []string{"분석 시작", "이제 분석해줘", "Start Analysis"} {
		if !IsAnalysisTrigger(text) {
			t.Errorf("IsAnalysisTrigger(%q) = false", text)
		}
	}
	if IsAnalysisTrigger("분석이 뭐예요?") {
		t.Error("question treated as trigger")
	}
}

func TestChainFirstMatchWins(t *testing.T) {
	ctx := context.Background()

	res, ok := DefaultClassifier.Classify(ctx, "전세 분석 시작")
	if !ok || res.Kind != KindAnalysisTrigger {
		t.Errorf("Classify = %+v, %v", res, ok)
	}
	res, ok = DefaultClassifier.Classify(ctx, "월세")
	if !ok || res.Kind != KindContractType || res.ContractType != model.ContractWolse {
		t.Errorf("Classify = %+v, %v", res, ok)
	}
	if _, ok := (Chain{nil, AddressClassifier}).Classify(ctx, "안녕하세요"); ok {
		t.Error("greeting classified")
	}
}

type fakeLLM struct {
	reply string
	err   error
	last  *llm.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

func TestLLMClassifier(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		reply string
		err   error
		want  Classification
		ok    bool
	}{
		{"address", `{"kind":"address","contract_type":""}`, nil, Classification{Kind: KindAddress}, true},
		{"fenced", "```json\n{\"kind\":\"contract_type\",\"contract_type\":\"wolse\"}\n```", nil,
			Classification{Kind: KindContractType, ContractType: model.ContractWolse}, true},
		{"unknown contract", `{"kind":"contract_type","contract_type":"lease"}`, nil, Classification{}, false},
		{"none", `{"kind":"none"}`, nil, Classification{}, false},
		{"garbage", "I think it is an address", nil, Classification{}, false},
		{"provider error", "", errors.New("rate limited"), Classification{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeLLM{reply: tt.reply, err: tt.err}
			c := NewLLMClassifier(client, "", time.Second, logger.NewNop())

			got, ok := c.Classify(ctx, "some input")
			if got != tt.want || ok != tt.ok {
				t.Errorf("Classify = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
			if client.last == nil || client.last.System == "" {
				t.Error("request sent without system prompt")
			}
		})
	}

	if _, ok := NewLLMClassifier(&fakeLLM{}, "", 0, nil).Classify(ctx, "  "); ok {
		t.Error("blank input classified")
	}
}
