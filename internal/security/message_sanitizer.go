// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer はパネルから取得したSMS本文を保存・通知の前に無害化する。
// パネルのHTMLに混入したタグやスクリプトを bluemonday の厳格ポリシーで除去し、
// プレーンテキストとして扱える形に正規化する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxMessageLength はSMS本文として保持する最大文字数。
const DefaultMaxMessageLength = 1024

// MessageSanitizer はSMS本文のサニタイズ機能のインターフェース。
type MessageSanitizer interface {
	// SanitizeText はすべてのタグを除去し、空白を正規化したプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す。
	SanitizeText(raw string) string
}

type messageSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewMessageSanitizer はMessageSanitizerを生成する。
// maxLengthが0以下の場合はDefaultMaxMessageLengthを使う。
func NewMessageSanitizer(maxLength int) *messageSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &messageSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// SanitizeText はSMS本文をプレーンテキストに正規化する。
func (s *messageSanitizer) SanitizeText(raw string) string {
	// StrictPolicy はエンティティをエスケープして返すため、保存用に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > s.maxLength {
		runes := []rune(text)
		text = string(runes[:s.maxLength])
	}
	return text
}
