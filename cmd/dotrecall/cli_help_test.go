package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelpListsCommands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{"root", []string{"--help"}, []string{"agent", "gateway", "rollup", "memories", "status", "version"}},
		{"memories", []string{"memories", "--help"}, []string{"list", "delete"}},
		{"rollup", []string{"rollup", "--help"}, []string{"--conversation"}},
		{"agent", []string{"agent", "--help"}, []string{"--message", "--chat"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			output, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute %v: %v\n%s", tc.args, err, output)
			}
			for _, want := range tc.want {
				if !strings.Contains(output, want) {
					t.Fatalf("help for %v missing %q:\n%s", tc.args, want, output)
				}
			}
		})
	}
}

func TestCLIRootRequiresSubcommand(t *testing.T) {
	t.Parallel()
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("expected an error without a subcommand")
	}
}

func TestCLIVersion(t *testing.T) {
	t.Parallel()
	output, err := runRootCommandForTest("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(output, "dotrecall dev") {
		t.Fatalf("unexpected version output %q", output)
	}
}

func TestDocsGenerateAndCheck(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }
	if err := generateCLIReference(factory, dir, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dotrecall_rollup.md")); err != nil {
		t.Fatalf("expected rollup reference: %v", err)
	}
	if err := generateCLIReference(factory, dir, true); err != nil {
		t.Fatalf("check after generate: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dotrecall_status.md"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := generateCLIReference(factory, dir, true); err == nil {
		t.Fatal("expected check to flag stale docs")
	}
}
