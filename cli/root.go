// Package cli provides the command-line entry point for the Knowledge Hook
// Engine. It is thin glue over the orchestrator: parse flags, load
// config, open the repository, invoke HandleCommit once per commit. The
// engine's own algorithms live in rdf, hooks, predicate, planner, runner,
// and orchestrator — never here.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitvan/khe/cache"
	"github.com/gitvan/khe/common"
	"github.com/gitvan/khe/config"
	"github.com/gitvan/khe/gitio"
	"github.com/gitvan/khe/loader"
	"github.com/gitvan/khe/orchestrator"
	"github.com/gitvan/khe/runner"
)

var (
	cfgFile  string
	repoPath string
)

// RootCmd is the top-level "khe" command.
var RootCmd = &cobra.Command{
	Use:   "khe",
	Short: "Knowledge Hook Engine: Git-native hook evaluation and workflow execution",
	Long: `khe loads an RDF knowledge graph from the files tracked by a Git
repository, evaluates declarative hooks whose firing conditions are SPARQL
predicates over that graph, and runs the workflow of every hook that
fires, writing a receipt under the repository's notes.`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "engine config file (YAML, default: .gitvan/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "path to the Git repository")
	RootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <commit-sha>",
	Short: "Evaluate hooks for a single commit and write its receipt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		commit := args[0]

		configPath := cfgFile
		if configPath == "" {
			configPath = filepath.Join(repoPath, ".gitvan", "config.yaml")
		}
		cfg, err := config.LoadEngineConfig("GITVAN", repoPath, configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			common.Logger.SetLevel(lvl)
		}

		repo, err := gitio.Open(cfg.RepoPath)
		if err != nil {
			return fmt.Errorf("opening repository: %w", err)
		}

		cacheDir := cfg.CacheDir
		if !filepath.IsAbs(cacheDir) {
			cacheDir = filepath.Join(cfg.RepoPath, cacheDir)
		}
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return fmt.Errorf("preparing cache directory: %w", err)
		}
		cachePath := filepath.Join(cacheDir, "artifacts.db")

		c, err := cache.Open(cachePath, cfg.CacheMemoryEntries, cfg.CacheMemoryBytes, cfg.CacheTTL)
		if err != nil {
			return fmt.Errorf("opening artifact cache: %w", err)
		}
		defer c.Close(cmd.Context())

		ld := loader.New(repo, c, cfg.GraphDir, cfg.BaseIRI)
		rn := runner.New(repo, &cfg)
		orch := orchestrator.New(repo, &cfg, ld, rn)

		return orch.HandleCommit(cmd.Context(), commit)
	},
}

// Execute runs the root command and is the sole function main calls.
func Execute() {
	ctx := context.Background()
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
