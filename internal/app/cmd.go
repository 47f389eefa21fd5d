package app

import (
	"fmt"
	"io"
)

// Command は smsrelay の起動モード。
type Command string

const (
	// CommandServe はオペレーターAPI・定期ジョブ・Telegram受信をまとめて起動する。
	CommandServe Command = "serve"
	// CommandWorker は定期ジョブとTelegram受信のみを起動する。APIは公開しない。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマのマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中の serve に /health を問い合わせる。
	// distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

var commandSummaries = []struct {
	cmd     Command
	summary string
}{
	{CommandServe, "オペレーターAPI・在庫同期・OTP配送を起動する（既定）"},
	{CommandWorker, "在庫同期・OTP配送のみを起動する"},
	{CommandMigrate, "DATABASE_URL のスキーマを最新にする"},
	{CommandHealthcheck, "SERVER_PORT の /health を確認する"},
	{CommandHelp, "このヘルプを表示する"},
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合は CommandServe を返す。未知の文字列はそのまま返し、Valid で判定する。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	switch args[0] {
	case "-h", "--help":
		return CommandHelp
	default:
		return Command(args[0])
	}
}

// Valid は既知のサブコマンドかを返す。
func (c Command) Valid() bool {
	for _, s := range commandSummaries {
		if s.cmd == c {
			return true
		}
	}
	return false
}

// PrintUsage は smsrelay の使い方を w に書き出す。
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "使い方: smsrelay [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "コマンド:")
	for _, s := range commandSummaries {
		fmt.Fprintf(w, "  %-12s %s\n", s.cmd, s.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "設定は環境変数、または CONFIG_FILE で指定したYAMLから読み込む。")
}
