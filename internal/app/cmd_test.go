package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args []string
		want Command
	}{
		{[]string{}, CommandServe},
		{[]string{"serve"}, CommandServe},
		{[]string{"worker"}, CommandWorker},
		{[]string{"migrate"}, CommandMigrate},
		{[]string{"bootstrap"}, CommandBootstrap},
		{[]string{"healthcheck"}, CommandHealthcheck},
		{[]string{"whoami", "ana@escola.com.br"}, CommandWhoami},
		{[]string{"unknown"}, CommandServe},
		{[]string{"worker", "--flag", "value"}, CommandWorker},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.args); got != tt.want {
			t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestBootstrapSeedPath(t *testing.T) {
	if got := bootstrapSeedPath([]string{"bootstrap"}); got != "bootstrap.yaml" {
		t.Errorf("default path = %q, want bootstrap.yaml", got)
	}
	if got := bootstrapSeedPath([]string{"bootstrap", "/etc/academico/seed.yaml"}); got != "/etc/academico/seed.yaml" {
		t.Errorf("path = %q", got)
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandBootstrap, "bootstrap"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
