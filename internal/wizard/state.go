// Package wizard is the guided-analysis state machine: the fixed step graph,
// its prompts and progress values, transition history, and the input
// classifiers that decide what free text means.
package wizard

// State is one step of the analysis wizard.
type State string

const (
	StateInit           State = "init"
	StateAddressPick    State = "address_pick"
	StateContractType   State = "contract_type"
	StateRegistryChoice State = "registry_choice"
	StateRegistryReady  State = "registry_ready"
	StateParseEnrich    State = "parse_enrich"
	StateReport         State = "report"
	StateError          State = "error"
)

// States lists every state in flow order.
var States = []State{
	StateInit,
	StateAddressPick,
	StateContractType,
	StateRegistryChoice,
	StateRegistryReady,
	StateParseEnrich,
	StateReport,
	StateError,
}

// transitions is the static adjacency table. Every state except error may
// also move to error, see CanTransition.
var transitions = map[State][]State{
	StateInit:           {StateAddressPick},
	StateAddressPick:    {StateContractType},
	StateContractType:   {StateRegistryChoice},
	StateRegistryChoice: {StateRegistryReady},
	StateRegistryReady:  {StateParseEnrich},
	StateParseEnrich:    {StateReport},
	StateReport:         {StateInit},
	StateError:          {StateInit},
}

var prompts = map[State]string{
	StateInit:           "분석할 부동산의 주소를 입력해 주세요.",
	StateAddressPick:    "검색된 주소 중 정확한 주소를 선택해 주세요.",
	StateContractType:   "계약 유형(전세, 반전세, 월세, 매매)과 금액을 알려주세요.",
	StateRegistryChoice: "등기부등본을 발급받을까요, 아니면 가지고 계신 PDF를 업로드하시겠어요?",
	StateRegistryReady:  "등기부등본이 준비되었습니다. '분석 시작'을 입력하면 분석을 시작합니다.",
	StateParseEnrich:    "등기부등본을 분석하고 시세 정보를 수집하고 있습니다...",
	StateReport:         "분석이 완료되었습니다. 리포트를 확인해 주세요.",
	StateError:          "문제가 발생했습니다. 처음부터 다시 시도해 주세요.",
}

var progress = map[State]int{
	StateInit:           0,
	StateAddressPick:    15,
	StateContractType:   30,
	StateRegistryChoice: 45,
	StateRegistryReady:  60,
	StateParseEnrich:    80,
	StateReport:         100,
	StateError:          0,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StateError {
		return from != StateError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Prompt returns the fixed prompt shown in state s.
func Prompt(s State) string {
	return prompts[s]
}

// Progress returns the progress percentage shown in state s.
func Progress(s State) int {
	return progress[s]
}

// IsWaitingForInput reports whether the wizard blocks on the user in s.
func IsWaitingForInput(s State) bool {
	switch s {
	case StateInit, StateAddressPick, StateContractType, StateRegistryChoice:
		return true
	}
	return false
}

// IsProcessing reports whether the backend is working in s.
func IsProcessing(s State) bool {
	return s == StateRegistryReady || s == StateParseEnrich
}

// IsTerminal reports whether s ends an analysis, successfully or not.
func IsTerminal(s State) bool {
	return s == StateReport || s == StateError
}
