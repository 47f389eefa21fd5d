// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"

	"github.com/hitoshi/smsrelay/internal/model"
)

// OperatorTokenHeader はオペレーター認証トークンを指定するヘッダー。
const OperatorTokenHeader = "X-Operator-Token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientContextKey はリクエストコンテキストに呼び出し元識別子を格納するためのキー。
var clientContextKey = contextKey("client")

// NewOperatorMiddleware はオペレーターAPIのトークン認証ミドルウェアを返す。
// token が空の場合は認証を行わない。
// 通過したリクエストのコンテキストには呼び出し元（クライアントIP）を注入する。
func NewOperatorMiddleware(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	if token == "" {
		logger.Warn("OPERATOR_TOKEN が未設定のため、オペレーターAPIは認証なしで公開されます")
	}
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := []byte(r.Header.Get(OperatorTokenHeader))
				if subtle.ConstantTimeCompare(got, expected) != 1 {
					logger.Warn("オペレーター認証に失敗しました",
						slog.String("path", r.URL.Path),
						slog.String("client", clientIP(r)),
					)
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
			}

			ctx := ContextWithClient(r.Context(), clientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientFromContext はリクエストコンテキストから呼び出し元識別子を取得する。
// オペレーターミドルウェアを通過したリクエストでのみ有効。
func ClientFromContext(ctx context.Context) (string, bool) {
	client, ok := ctx.Value(clientContextKey).(string)
	return client, ok && client != ""
}

// ContextWithClient はコンテキストに呼び出し元識別子を注入する。
func ContextWithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
