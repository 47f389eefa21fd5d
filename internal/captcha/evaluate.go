package captcha

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

var (
	disallowedChars = regexp.MustCompile(`[^0-9+\-*/=()\s]`)
	hasDigit        = regexp.MustCompile(`[0-9]`)
	letterTimes     = regexp.MustCompile(`(\d)\s*[xX]\s*(\d)`)
	operatorAliases = strings.NewReplacer("×", "*", "÷", "/", "−", "-")
	intLiteral      = regexp.MustCompile(`\d+`)
)

// maxMagnitude を超える結果はCAPTCHAの答えとして扱わない。
const maxMagnitude = 1e15

// Evaluate はCAPTCHA文字列を算術式として評価する。
// 数字・演算子・括弧・等号・空白以外を取り除き、最初の等号より左側を計算する。
// 評価できない場合は ok=false を返す。
func Evaluate(text string) (answer string, ok bool) {
	normalized := text
	for letterTimes.MatchString(normalized) {
		normalized = letterTimes.ReplaceAllString(normalized, "$1*$2")
	}
	normalized = operatorAliases.Replace(normalized)
	cleaned := disallowedChars.ReplaceAllString(normalized, "")
	if i := strings.Index(cleaned, "="); i >= 0 {
		cleaned = cleaned[:i]
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || !hasDigit.MatchString(cleaned) {
		return "", false
	}

	out, err := expr.Eval(cleaned, nil)
	if err != nil {
		return "", false
	}

	// 整数演算の桁あふれは検知されないため、浮動小数点でも計算して突き合わせる
	approx, err := expr.Eval(intLiteral.ReplaceAllString(cleaned, "${0}.0"), nil)
	if err != nil {
		return "", false
	}
	f, isFloat := approx.(float64)
	if !isFloat || math.IsNaN(f) || math.Abs(f) >= maxMagnitude {
		return "", false
	}
	if i, isInt := asInt(out); isInt && float64(i) != f {
		return "", false
	}
	return formatNumber(out)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func formatNumber(v any) (string, bool) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", false
		}
		if n == math.Trunc(n) && math.Abs(n) < maxMagnitude {
			return strconv.FormatInt(int64(n), 10), true
		}
		return strconv.FormatFloat(n, 'f', -1, 64), true
	default:
		return "", false
	}
}
