package app

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		want  Command
		valid bool
	}{
		{"引数なしはserve", nil, CommandServe, true},
		{"serve", []string{"serve"}, CommandServe, true},
		{"worker", []string{"worker"}, CommandWorker, true},
		{"migrate", []string{"migrate"}, CommandMigrate, true},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck, true},
		{"help", []string{"help"}, CommandHelp, true},
		{"--help", []string{"--help"}, CommandHelp, true},
		{"-h", []string{"-h"}, CommandHelp, true},
		{"余分な引数は無視", []string{"worker", "--flag", "value"}, CommandWorker, true},
		{"未知のコマンド", []string{"sync-now"}, Command("sync-now"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommand(tt.args)
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
			if got.Valid() != tt.valid {
				t.Errorf("Command(%q).Valid() = %v, want %v", got, got.Valid(), tt.valid)
			}
		})
	}
}

func TestPrintUsage_ListsEveryCommand(t *testing.T) {
	var buf bytes.Buffer
	PrintUsage(&buf)

	out := buf.String()
	if !strings.HasPrefix(out, "使い方: smsrelay") {
		t.Errorf("usage should start with the binary name, got %q", out)
	}
	for _, s := range commandSummaries {
		if !strings.Contains(out, string(s.cmd)) {
			t.Errorf("usage does not mention %q", s.cmd)
		}
	}
}

func TestRun_Help_PrintsUsage(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(&buf, []string{"help"}); err != nil {
		t.Fatalf("Run(help) error = %v", err)
	}
	if !strings.Contains(buf.String(), "worker") {
		t.Errorf("help output = %q", buf.String())
	}
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	err := Run(&buf, []string{"sync-now"})
	if err == nil || !strings.Contains(err.Error(), "sync-now") {
		t.Fatalf("Run(sync-now) error = %v, want unknown command error", err)
	}
	if !strings.Contains(buf.String(), "使い方") {
		t.Errorf("unknown command should print usage, got %q", buf.String())
	}
}
