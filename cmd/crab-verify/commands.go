package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildsys"
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/observer"
	"github.com/hochfrequenz/crab-verify/internal/pipeline"
	"github.com/hochfrequenz/crab-verify/internal/resultstore"
	"github.com/hochfrequenz/crab-verify/internal/runstore"
	"github.com/hochfrequenz/crab-verify/internal/sandbox"
)

var (
	verifyPR      int
	verifyRepo    string
	verifySandbox string
	detectNoDeep  bool
	statusRun     string
	followAll     bool
)

func init() {
	// verify command
	verifyCmd := &cobra.Command{
		Use:   "verify REPO_PATH CANDIDATES",
		Short: "Verify a single pull request and print its entry",
		Args:  cobra.ExactArgs(2),
		RunE:  runVerify,
	}
	verifyCmd.Flags().IntVar(&verifyPR, "pr", 0, "pull request number")
	verifyCmd.Flags().StringVar(&verifyRepo, "repo", "", "owner/name when the number is ambiguous")
	verifyCmd.Flags().StringVar(&verifySandbox, "sandbox", "", "sandbox driver (docker or local)")
	verifyCmd.MarkFlagRequired("pr")
	rootCmd.AddCommand(verifyCmd)

	// detect command
	detectCmd := &cobra.Command{
		Use:   "detect REPO_PATH",
		Short: "Show the build system of a checkout",
		Args:  cobra.ExactArgs(1),
		RunE:  runDetect,
	}
	detectCmd.Flags().BoolVar(&detectNoDeep, "root-only", false, "do not look one directory deep")
	rootCmd.AddCommand(detectCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last batch run",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusRun, "run", "", "run ID (default: latest)")
	rootCmd.AddCommand(statusCmd)

	// follow command
	followCmd := &cobra.Command{
		Use:   "follow OUTPUT",
		Short: "Print entries as they are appended to a results file",
		Args:  cobra.ExactArgs(1),
		RunE:  runFollow,
	}
	followCmd.Flags().BoolVar(&followAll, "all", false, "print the entries already in the file too")
	rootCmd.AddCommand(followCmd)
}

// findPull returns the unit holding only the requested PR
func findPull(units []domain.RepoUnit, repo string, number int) (domain.RepoUnit, error) {
	var matches []domain.RepoUnit
	for _, u := range units {
		if repo != "" && !strings.EqualFold(u.Repo, repo) {
			continue
		}
		for _, pr := range u.Pulls {
			if pr.Number == number {
				m := u
				m.Pulls = []domain.PullRequest{pr}
				matches = append(matches, m)
			}
		}
	}
	switch len(matches) {
	case 0:
		return domain.RepoUnit{}, fmt.Errorf("pull request #%d not found in candidates", number)
	case 1:
		return matches[0], nil
	}
	var repos []string
	for _, m := range matches {
		repos = append(repos, m.Repo)
	}
	return domain.RepoUnit{}, fmt.Errorf("pull request #%d exists in %s; pick one with --repo", number, strings.Join(repos, ", "))
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("sandbox") {
		cfg.Sandbox.Driver = verifySandbox
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	units, err := resultstore.LoadCandidates(args[1])
	if err != nil {
		return err
	}
	unit, err := findPull(units, verifyRepo, verifyPR)
	if err != nil {
		return err
	}

	opener, err := sandbox.FromConfig(cfg.Sandbox, logger)
	if err != nil {
		return err
	}
	v, err := batch.NewVerifier(batch.LocalConfig{Config: cfg, Opener: opener, Logger: logger}, "cli")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry, err := v.Verify(ctx, pipeline.Unit{Repo: unit.Repo, Checkout: args[0], PR: unit.Pulls[0]})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

func runDetect(cmd *cobra.Command, args []string) error {
	desc, err := buildsys.Detect(args[0], buildsys.Options{Fallback: !detectNoDeep})
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t(depth %d)\n", desc.System, desc.ManifestPath, desc.Depth)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var run *runstore.Run
	if statusRun != "" {
		run, err = store.GetRun(statusRun)
	} else {
		run, err = store.LatestRun()
	}
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("Run %s (%s)\n", run.ID, run.Status)
	fmt.Printf("  Candidates: %s\n", run.Candidates)
	fmt.Printf("  Output:     %s\n", run.OutputPath)
	fmt.Printf("  Started:    %s\n", humanize.Time(run.StartedAt))
	if run.FinishedAt != nil {
		fmt.Printf("  Took:       %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
		fmt.Printf("  Result:     %s\n", batch.Summary{Total: run.Total, Successful: run.Successful}.Totals())
	}

	reasons, err := store.ReasonCounts(run.ID)
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		keys := make([]string, 0, len(reasons))
		for k := range reasons {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return reasons[keys[i]] > reasons[keys[j]] })

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COUNT\tREASON")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", humanize.Comma(int64(reasons[k])), k)
		}
		w.Flush()
	}

	inProgress, err := store.ListAttempts(runstore.ListOptions{RunID: run.ID, Status: domain.AttemptInProgress})
	if err != nil {
		return err
	}
	if len(inProgress) > 0 {
		label := "In progress"
		if run.Status != domain.RunRunning {
			label = "Interrupted (verified again on resume)"
		}
		fmt.Printf("\n%s:\n", label)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REPO\tPR\tSTATE\tWORKER\tSTARTED")
		now := time.Now()
		for _, a := range inProgress {
			fmt.Fprintf(w, "%s\t#%d\t%s\t%s\t%s\n",
				a.Repo, a.PRNumber, a.State, a.Worker, humanize.RelTime(a.StartedAt, now, "ago", "from now"))
		}
		w.Flush()
	}
	return nil
}

func runFollow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Start delivers the existing entries before it returns
	var live atomic.Bool
	show := func(entries []domain.Entry) {
		if !live.Load() && !followAll {
			return
		}
		for _, e := range entries {
			mark := "✓"
			if !e.Metadata.Successful {
				mark = "✗"
			}
			fmt.Printf("%s %s#%d\t%s\n", mark, e.Metadata.Repo, e.Metadata.PRNumber, e.Metadata.ReasonForFailure)
		}
	}

	follower, err := observer.NewResultsFollower(args[0], show, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	follower.Start(ctx)
	live.Store(true)
	<-ctx.Done()
	follower.Stop()
	return nil
}
