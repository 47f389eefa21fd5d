package panel

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/smsrelay/internal/model"
)

// ParsedCountry はパネルの国選択肢から抽出した国。
type ParsedCountry struct {
	Code string
	Name string
	Flag string
}

// ParsedNumber はパネルの番号一覧から抽出した番号。
// CountryName はパネル上の表示名であり、国コードへの解決は同期処理で行う。
type ParsedNumber struct {
	Number      string
	CountryName string
	Service     string
	Range       string
	Status      model.NumberStatus
}

// ParsedOTP はパネルのSMSレポートから抽出したOTP。
type ParsedOTP struct {
	Number     string
	Message    string
	Service    string
	Code       string
	ReceivedAt time.Time
	// TimestampParsed はパネルの受信日時を解釈できた場合にtrue。
	// falseの場合 ReceivedAt は取得時刻で補われている。
	TimestampParsed bool
}

var (
	keywordCode   = regexp.MustCompile(`(?i)\b(?:code|otp|verification|password|pin)\b\D{0,20}?(\d{4,8})\b`)
	standaloneRun = regexp.MustCompile(`\b\d{4,8}\b`)
	hasDigitRun   = regexp.MustCompile(`\d`)
)

// timestampLayouts はパネルの受信日時として受け付ける書式。
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"02-01-2006 15:04:05",
	"02/01/2006 15:04:05",
	"2006-01-02 15:04",
}

func newDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗しました: %w", err)
	}
	return doc, nil
}

// ParseCountries は国選択肢（select[name="country"]）から国一覧を抽出する。
// 値が空または "0" の選択肢は除外する。
func ParseCountries(body []byte) ([]ParsedCountry, error) {
	doc, err := newDocument(body)
	if err != nil {
		return nil, err
	}

	var countries []ParsedCountry
	seen := map[string]bool{}
	doc.Find(`select[name="country"] option`).Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Text())
		code, ok := s.Attr("value")
		if !ok {
			code = name
		}
		code = strings.TrimSpace(code)
		if code == "" || code == "0" || name == "" || seen[code] {
			return
		}
		seen[code] = true
		countries = append(countries, ParsedCountry{
			Code: code,
			Name: name,
			Flag: FlagFor(name),
		})
	})
	return countries, nil
}

// ParseNumbers は番号一覧テーブルから番号を抽出する。
// 列は 番号・国・サービス・状態 の順で、番号と国が欠けた行は読み飛ばす。
func ParseNumbers(body []byte) ([]ParsedNumber, error) {
	doc, err := newDocument(body)
	if err != nil {
		return nil, err
	}

	var numbers []ParsedNumber
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 3 {
			return
		}
		number := cellText(cells, 0)
		country := cellText(cells, 1)
		if number == "" || country == "" || !hasDigitRun.MatchString(number) {
			return
		}
		service := cellText(cells, 2)

		status := model.NumberStatusBusy
		if strings.EqualFold(cellText(cells, 3), "available") {
			status = model.NumberStatusAvailable
		}

		numbers = append(numbers, ParsedNumber{
			Number:      number,
			CountryName: country,
			Service:     service,
			Range:       service,
			Status:      status,
		})
	})
	return numbers, nil
}

// ParseOTPs はSMSレポートテーブルからOTPを抽出する。
// 列は 番号・本文・サービス・受信日時 の順で、コードを含まない行は読み飛ばす。
// 受信日時を解釈できない場合は now を使う。
func ParseOTPs(body []byte, now time.Time) ([]ParsedOTP, error) {
	doc, err := newDocument(body)
	if err != nil {
		return nil, err
	}

	var otps []ParsedOTP
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 4 {
			return
		}
		number := cellText(cells, 0)
		message := cellText(cells, 1)
		if number == "" || message == "" {
			return
		}
		code, ok := ExtractCode(message)
		if !ok {
			return
		}

		receivedAt, parsed := ParseTimestamp(cellText(cells, 3))
		if !parsed {
			receivedAt = now
		}

		otps = append(otps, ParsedOTP{
			Number:          number,
			Message:         message,
			Service:         cellText(cells, 2),
			Code:            code,
			ReceivedAt:      receivedAt,
			TimestampParsed: parsed,
		})
	})
	return otps, nil
}

// ExtractCode はSMS本文からOTPコードを抽出する。
// "code" や "otp" などのキーワードに続く数字を優先し、
// 見つからなければ最初の4〜8桁の独立した数字列を使う。
func ExtractCode(message string) (string, bool) {
	if m := keywordCode.FindStringSubmatch(message); m != nil {
		return m[1], true
	}
	if m := standaloneRun.FindString(message); m != "" {
		return m, true
	}
	return "", false
}

// ParseTimestamp はパネルの受信日時を解釈する。タイムゾーンのない書式はUTCとみなす。
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func cellText(cells *goquery.Selection, i int) string {
	if i >= cells.Length() {
		return ""
	}
	return strings.TrimSpace(cells.Eq(i).Text())
}
