package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Invocation
	}{
		{"引数なし", []string{}, Invocation{Command: CommandServe}},
		{"serve", []string{"serve"}, Invocation{Command: CommandServe}},
		{"worker", []string{"worker"}, Invocation{Command: CommandWorker}},
		{"healthcheck", []string{"healthcheck"}, Invocation{Command: CommandHealthcheck}},
		{"未知のコマンド", []string{"unknown"}, Invocation{Command: CommandServe}},
		{"余分な引数は無視", []string{"worker", "--flag", "value"}, Invocation{Command: CommandWorker}},
		{"migrate", []string{"migrate"}, Invocation{Command: CommandMigrate}},
		{"migrate up", []string{"migrate", "up"}, Invocation{Command: CommandMigrate}},
		{"migrate down 既定1件", []string{"migrate", "down"}, Invocation{Command: CommandMigrate, RollbackSteps: 1}},
		{"migrate down 3", []string{"migrate", "down", "3"}, Invocation{Command: CommandMigrate, RollbackSteps: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.args)
			if err != nil {
				t.Fatalf("ParseCommand(%v): %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseCommand_InvalidMigrateArgs(t *testing.T) {
	for _, args := range [][]string{
		{"migrate", "down", "abc"},
		{"migrate", "down", "0"},
		{"migrate", "down", "-1"},
		{"migrate", "sideways"},
	} {
		if inv, err := ParseCommand(args); err == nil {
			t.Errorf("ParseCommand(%v) = %+v, want error", args, inv)
		}
	}
}
