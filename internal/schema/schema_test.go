package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "platform-explorer"}
	root.PersistentFlags().Bool("json", false, "Output JSON")
	strategy := &cobra.Command{Use: "strategy", Short: "strategy cmds"}
	run := &cobra.Command{Use: "run <file>", Short: "execute a strategy", Run: func(*cobra.Command, []string) {}}
	run.Flags().String("metrics-addr", "", "monitor listen address")
	run.Flags().String("strategy", "", "strategy file")
	_ = run.MarkFlagRequired("strategy")
	strategy.AddCommand(run)
	console := &cobra.Command{Use: "console", Short: "json lines", Run: func(*cobra.Command, []string) {}}
	root.AddCommand(strategy, console)
	return root
}

func TestBuildSchema(t *testing.T) {
	s, err := Build(testTree(), "strategy run", nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "platform-explorer strategy run" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 2 {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	required := map[string]bool{}
	for _, f := range s.Flags {
		required[f.Name] = f.Required
	}
	if !required["strategy"] || required["metrics-addr"] {
		t.Fatalf("unexpected required flags: %+v", s.Flags)
	}
	if len(s.GlobalFlags) != 1 || s.GlobalFlags[0].Name != "json" {
		t.Fatalf("unexpected global flags: %+v", s.GlobalFlags)
	}
}

func TestBuildAttachesProtocol(t *testing.T) {
	protocols := map[string]Protocol{"console": {Commands: []string{"start_run"}, Events: []string{"command_failed"}}}
	s, err := Build(testTree(), "", protocols)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var found bool
	for _, sub := range s.Subcommands {
		if sub.Use == "console" {
			found = sub.Protocol != nil && sub.Protocol.Commands[0] == "start_run"
		}
	}
	if !found {
		t.Fatalf("console protocol missing: %+v", s.Subcommands)
	}
}

func TestBuildUnknownCommand(t *testing.T) {
	if _, err := Build(testTree(), "wallet nope", nil); err == nil {
		t.Fatal("expected unknown command error")
	}
}
