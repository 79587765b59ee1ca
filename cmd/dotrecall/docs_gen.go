package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Write the markdown CLI reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return errors.New("--output must not be empty")
			}
			return generateCLIReference(rootFactory, filepath.Join(outputDir, "cli"), checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if the committed reference is stale")

	docs := &cobra.Command{
		Use:    "docs",
		Short:  "Maintain generated documentation",
		Hidden: true,
	}
	docs.AddCommand(gen)
	return docs
}

// generateCLIReference renders one markdown page per command into dir. In
// check mode nothing is written and every missing or stale page is reported.
func generateCLIReference(rootFactory func() *cobra.Command, dir string, checkOnly bool) error {
	pages, err := renderCLIPages(rootFactory())
	if err != nil {
		return err
	}

	if checkOnly {
		var stale []error
		for name, want := range pages {
			target := filepath.Join(dir, name)
			got, err := os.ReadFile(target)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				stale = append(stale, fmt.Errorf("%s is missing", target))
			case err != nil:
				return err
			case !bytes.Equal(got, want):
				stale = append(stale, fmt.Errorf("%s is out of date", target))
			}
		}
		if err := errors.Join(stale...); err != nil {
			return fmt.Errorf("CLI reference needs `%s docs generate`:\n%w", appName, err)
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, data := range pages {
		target := filepath.Join(dir, name)
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
	}
	return nil
}

// renderCLIPages generates into a scratch directory and returns the pages
// keyed by file name.
func renderCLIPages(root *cobra.Command) (map[string][]byte, error) {
	tmp, err := os.MkdirTemp("", appName+"-docs-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	root.DisableAutoGenTag = true
	if err := doc.GenMarkdownTree(root, tmp); err != nil {
		return nil, fmt.Errorf("generate markdown: %w", err)
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return nil, err
	}
	pages := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(tmp, e.Name()))
		if err != nil {
			return nil, err
		}
		pages[e.Name()] = data
	}
	return pages, nil
}
