package panel

import "strings"

// defaultFlag は国旗が見つからない場合に使う白旗。
const defaultFlag = "🏳️"

var flagsByCountry = map[string]string{
	"usa":            "🇺🇸",
	"united states":  "🇺🇸",
	"uk":             "🇬🇧",
	"united kingdom": "🇬🇧",
	"canada":         "🇨🇦",
	"germany":        "🇩🇪",
	"france":         "🇫🇷",
	"italy":          "🇮🇹",
	"spain":          "🇪🇸",
	"russia":         "🇷🇺",
	"china":          "🇨🇳",
	"japan":          "🇯🇵",
	"india":          "🇮🇳",
	"brazil":         "🇧🇷",
	"australia":      "🇦🇺",
	"malaysia":       "🇲🇾",
	"indonesia":      "🇮🇩",
	"philippines":    "🇵🇭",
	"vietnam":        "🇻🇳",
	"thailand":       "🇹🇭",
	"singapore":      "🇸🇬",
	"pakistan":       "🇵🇰",
	"bangladesh":     "🇧🇩",
	"nigeria":        "🇳🇬",
	"south africa":   "🇿🇦",
	"egypt":          "🇪🇬",
	"turkey":         "🇹🇷",
	"saudi arabia":   "🇸🇦",
	"uae":            "🇦🇪",
}

// FlagFor は国名に対応する国旗の絵文字を返す。大文字小文字は区別しない。
func FlagFor(countryName string) string {
	if flag, ok := flagsByCountry[strings.ToLower(strings.TrimSpace(countryName))]; ok {
		return flag
	}
	return defaultFlag
}
