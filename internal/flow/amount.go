package flow

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var smallUnits = map[rune]float64{'십': 10, '백': 100, '천': 1000}

var largeUnits = map[rune]float64{'만': 1e4, '억': 1e8, '조': 1e12}

// maxAmount is one 경, far above any real contract.
const maxAmount = 1e16

// ParseAmount parses a won amount written in Korean notation, such as
// "3억 5,000만원", "5천만", "1.5억" or "300,000,000원".
func ParseAmount(s string) (int64, error) {
	clean := strings.NewReplacer(" ", "", ",", "", "\t", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimSuffix(clean, "원")
	if clean == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrInvalidInput)
	}

	var total, section, num, lastLarge float64
	hasNum := false
	rs := []rune(clean)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case isNumberRune(r):
			j := i
			for j < len(rs) && isNumberRune(rs[j]) {
				j++
			}
			v, err := strconv.ParseFloat(string(rs[i:j]), 64)
			if err != nil {
				return 0, fmt.Errorf("%w: bad number in amount %q", ErrInvalidInput, s)
			}
			num, hasNum = v, true
			i = j
		case smallUnits[r] > 0:
			if !hasNum {
				num = 1
			}
			section += num * smallUnits[r]
			num, hasNum = 0, false
			i++
		case largeUnits[r] > 0:
			v := section + num
			if v == 0 {
				v = 1
			}
			total += v * largeUnits[r]
			lastLarge = largeUnits[r]
			section, num, hasNum = 0, 0, false
			i++
		default:
			return 0, fmt.Errorf("%w: unexpected %q in amount %q", ErrInvalidInput, r, s)
		}
	}
	// "3억5천" means 3억 5천만: a trailing small unit counts in the next
	// lower large unit.
	if section > 0 && lastLarge > 1e4 {
		section *= lastLarge / 1e4
	}
	total += section + num
	if total >= maxAmount {
		return 0, fmt.Errorf("%w: amount %q is too large", ErrInvalidInput, s)
	}
	return int64(math.Round(total)), nil
}

func isNumberRune(r rune) bool {
	return (r >= '0' && r <= '9') || r == '.'
}

var amountPattern = regexp.MustCompile(`(?:[0-9][0-9,.]*\s*(?:천만|백만|십만|조|억|만|천|백|십)\s*)+(?:[0-9][0-9,.]*)?원?|[0-9][0-9,.]*원?`)

// ExtractAmounts returns every amount found in free text, in order.
func ExtractAmounts(text string) []int64 {
	var out []int64
	for _, m := range amountPattern.FindAllString(text, -1) {
		v, err := ParseAmount(m)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
