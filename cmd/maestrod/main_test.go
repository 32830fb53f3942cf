package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("flag should win, got %q", got)
	}

	t.Setenv("MAESTRO_CONFIG", "/etc/maestro/maestro.yaml")
	if got := resolveConfigPath(""); got != "/etc/maestro/maestro.yaml" {
		t.Fatalf("env should win over default, got %q", got)
	}

	t.Setenv("MAESTRO_CONFIG", "")
	if got := resolveConfigPath(""); got != "maestro.yaml" {
		t.Fatalf("expected default file name, got %q", got)
	}
}
