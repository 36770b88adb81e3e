package wizard

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/safelease/risk-platform/internal/model"
)

// Kind is what a piece of free-text input was recognised as.
type Kind string

const (
	KindAddress         Kind = "address"
	KindContractType    Kind = "contract_type"
	KindAnalysisTrigger Kind = "analysis_trigger"
)

// Classification is the outcome of a successful classification.
type Classification struct {
	Kind         Kind
	ContractType model.ContractType
}

// Classifier decides whether text is something the wizard understands.
// Implementations are best effort and should prefer a miss over a false match.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, bool)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (Classification, bool)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, text string) (Classification, bool) {
	return f(ctx, text)
}

// Chain tries each classifier in order and returns the first match.
type Chain []Classifier

// Classify implements Classifier.
func (c Chain) Classify(ctx context.Context, text string) (Classification, bool) {
	for _, cl := range c {
		if cl == nil {
			continue
		}
		if res, ok := cl.Classify(ctx, text); ok {
			return res, true
		}
	}
	return Classification{}, false
}

var (
	roadPattern = regexp.MustCompile(`(?:^|\s)([가-힣A-Za-z0-9]+(?:로|길))\s?\d+(?:-\d+)?(?:\s|$|,)`)
	lotPattern  = regexp.MustCompile(`(?:^|\s)[가-힣0-9]+(?:동|리|가)\s?(?:산\s?)?\d+(?:-\d+)?(?:번지)?(?:\s|$|,)`)
	numberToken = regexp.MustCompile(`^\d+(?:-\d+)?(?:번지)?,?$`)
)

// adminSuffixes are the administrative-unit endings, longest first.
var adminSuffixes = []string{
	"특별자치시", "특별자치도", "특별시", "광역시",
	"시", "도", "군", "구", "읍", "면", "동", "리",
}

// LooksLikeAddress reports whether text reads like a Korean postal address:
// a road name with a building number, a lot number, or at least two
// administrative units together with a number.
func LooksLikeAddress(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	for _, m := range roadPattern.FindAllStringSubmatch(text, -1) {
		// "집으로 3시" is a sentence, not a road.
		if !strings.HasSuffix(m[1], "으로") {
			return true
		}
	}
	if lotPattern.MatchString(text) {
		return true
	}

	admin, number := 0, false
	for _, tok := range strings.Fields(text) {
		tok = strings.TrimSuffix(tok, ",")
		switch {
		case numberToken.MatchString(tok):
			number = true
		case isAdminToken(tok):
			admin++
		}
	}
	return admin >= 2 && number
}

func isAdminToken(tok string) bool {
	if utf8.RuneCountInString(tok) < 2 {
		return false
	}
	first, _ := utf8.DecodeRuneInString(tok)
	if !unicode.Is(unicode.Hangul, first) {
		return false
	}
	for _, r := range tok {
		if unicode.IsDigit(r) {
			return false
		}
	}
	for _, suffix := range adminSuffixes {
		if strings.HasSuffix(tok, suffix) && tok != suffix {
			return true
		}
	}
	return false
}

type contractKeyword struct {
	word string
	typ  model.ContractType
}

// contractKeywords is ordered: 반전세 contains 전세 and must win.
var contractKeywords = []contractKeyword{
	{"반전세", model.ContractBanjeonse},
	{"banjeonse", model.ContractBanjeonse},
	{"전세", model.ContractJeonse},
	{"jeonse", model.ContractJeonse},
	{"월세", model.ContractWolse},
	{"wolse", model.ContractWolse},
	{"매매", model.ContractSale},
	{"매수", model.ContractSale},
	{"구매", model.ContractSale},
	{"sale", model.ContractSale},
}

// DetectContractType returns the contract type named in text, if any.
func DetectContractType(text string) (model.ContractType, bool) {
	lower := strings.ToLower(text)
	for _, kw := range contractKeywords {
		if strings.Contains(lower, kw.word) {
			return kw.typ, true
		}
	}
	return "", false
}

var triggerPhrases = []string{
	"분석 시작", "분석시작", "분석해줘", "분석해 줘", "분석하기",
	"start analysis", "analyze",
}

// IsAnalysisTrigger reports whether text asks to start the analysis.
func IsAnalysisTrigger(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, p := range triggerPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// AddressClassifier recognises address-like input.
var AddressClassifier = ClassifierFunc(func(_ context.Context, text string) (Classification, bool) {
	if LooksLikeAddress(text) {
		return Classification{Kind: KindAddress}, true
	}
	return Classification{}, false
})

// ContractTypeClassifier recognises contract-type keywords.
var ContractTypeClassifier = ClassifierFunc(func(_ context.Context, text string) (Classification, bool) {
	if t, ok := DetectContractType(text); ok {
		return Classification{Kind: KindContractType, ContractType: t}, true
	}
	return Classification{}, false
})

// TriggerClassifier recognises analysis-start phrases.
var TriggerClassifier = ClassifierFunc(func(_ context.Context, text string) (Classification, bool) {
	if IsAnalysisTrigger(text) {
		return Classification{Kind: KindAnalysisTrigger}, true
	}
	return Classification{}, false
})

// DefaultClassifier is the rule-based chain used when no other is configured.
var DefaultClassifier = Chain{TriggerClassifier, ContractTypeClassifier, AddressClassifier}
