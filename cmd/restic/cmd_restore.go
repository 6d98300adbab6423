package main

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/filter"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/restorer"
	"github.com/sealvault/sealvault/internal/ui"
	restoreui "github.com/sealvault/sealvault/internal/ui/restore"
	"github.com/sealvault/sealvault/internal/ui/termstatus"

	"github.com/spf13/cobra"
)

var cmdRestore = &cobra.Command{
	Use:   "restore [flags] snapshotID",
	Short: "Extract the data from a snapshot",
	Long: `
The "restore" command extracts the data from a snapshot from the repository to
a directory.

The special snapshotID "latest" can be used to restore the latest snapshot in the
repository.

To only restore a specific subfolder, you can use the "<snapshotID>:<subfolder>"
syntax, where "subfolder" is a path within the snapshot.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var wg sync.WaitGroup
		cancelCtx, cancel := context.WithCancel(ctx)
		defer func() {
			// shutdown termstatus
			cancel()
			wg.Wait()
		}()

		term := termstatus.New(globalOptions.stdout, globalOptions.stderr, globalOptions.Quiet)
		wg.Add(1)
		go func() {
			defer wg.Done()
			term.Run(cancelCtx)
		}()

		// allow usage of warnf / verbosef
		prevStdout, prevStderr := globalOptions.stdout, globalOptions.stderr
		defer func() {
			globalOptions.stdout, globalOptions.stderr = prevStdout, prevStderr
		}()
		stdioWrapper := ui.NewStdioWrapper(term)
		globalOptions.stdout, globalOptions.stderr = stdioWrapper.Stdout(), stdioWrapper.Stderr()

		return runRestore(ctx, restoreOptions, globalOptions, term, args)
	},
}

// RestoreOptions collects all options for the restore command.
type RestoreOptions struct {
	filter.ExcludePatternOptions
	filter.IncludePatternOptions
	Target        string
	ScopeSymlinks string

	objects.SnapshotFilter
	Sparse bool
	Verify bool
}

var restoreOptions RestoreOptions

func init() {
	cmdRoot.AddCommand(cmdRestore)

	flags := cmdRestore.Flags()
	flags.StringArrayVarP(&restoreOptions.Excludes, "exclude", "e", nil, "exclude a `pattern` (can be specified multiple times)")
	flags.StringArrayVar(&restoreOptions.InsensitiveExcludes, "iexclude", nil, "same as --exclude but ignores the casing of `pattern`")
	flags.StringArrayVarP(&restoreOptions.Includes, "include", "i", nil, "include a `pattern`, exclude everything else (can be specified multiple times)")
	flags.StringArrayVar(&restoreOptions.InsensitiveIncludes, "iinclude", nil, "same as --include but ignores the casing of `pattern`")
	flags.StringVarP(&restoreOptions.Target, "target", "t", "", "directory to extract data to")
	flags.StringVar(&restoreOptions.ScopeSymlinks, "scope-symlinks", "", "do not extract symlinks that are targeting files outside this path")

	initSingleSnapshotFilter(flags, &restoreOptions.SnapshotFilter)
	flags.BoolVar(&restoreOptions.Sparse, "sparse", false, "restore files as sparse")
	flags.BoolVar(&restoreOptions.Verify, "verify", false, "verify restored files content")
}

// resolveRestorePatterns expands ExcludeFiles/IncludeFiles (and their
// case-insensitive variants) into the direct Excludes/Includes pattern
// lists, validates everything, and lowercases the insensitive lists.
func resolveRestorePatterns(opts *RestoreOptions) error {
	if len(opts.ExcludeFiles) > 0 {
		excludes, err := readExcludePatternsFromFiles(opts.ExcludeFiles)
		if err != nil {
			return err
		}
		if err := validateFilterPatterns("--exclude-file", excludes); err != nil {
			return err
		}
		opts.Excludes = append(opts.Excludes, excludes...)
	}

	if len(opts.InsensitiveExcludeFiles) > 0 {
		excludes, err := readExcludePatternsFromFiles(opts.InsensitiveExcludeFiles)
		if err != nil {
			return err
		}
		if err := validateFilterPatterns("--iexclude-file", excludes); err != nil {
			return err
		}
		opts.InsensitiveExcludes = append(opts.InsensitiveExcludes, excludes...)
	}

	if len(opts.IncludeFiles) > 0 {
		includes, err := readExcludePatternsFromFiles(opts.IncludeFiles)
		if err != nil {
			return err
		}
		if err := validateFilterPatterns("--include-file", includes); err != nil {
			return err
		}
		opts.Includes = append(opts.Includes, includes...)
	}

	if len(opts.InsensitiveIncludeFiles) > 0 {
		includes, err := readExcludePatternsFromFiles(opts.InsensitiveIncludeFiles)
		if err != nil {
			return err
		}
		if err := validateFilterPatterns("--iinclude-file", includes); err != nil {
			return err
		}
		opts.InsensitiveIncludes = append(opts.InsensitiveIncludes, includes...)
	}

	if len(opts.Excludes) > 0 {
		if err := validateFilterPatterns("--exclude", opts.Excludes); err != nil {
			return err
		}
	}
	if len(opts.InsensitiveExcludes) > 0 {
		if err := validateFilterPatterns("--iexclude", opts.InsensitiveExcludes); err != nil {
			return err
		}
	}
	if len(opts.Includes) > 0 {
		if err := validateFilterPatterns("--include", opts.Includes); err != nil {
			return err
		}
	}
	if len(opts.InsensitiveIncludes) > 0 {
		if err := validateFilterPatterns("--iinclude", opts.InsensitiveIncludes); err != nil {
			return err
		}
	}

	for i, str := range opts.InsensitiveExcludes {
		opts.InsensitiveExcludes[i] = strings.ToLower(str)
	}

	for i, str := range opts.InsensitiveIncludes {
		opts.InsensitiveIncludes[i] = strings.ToLower(str)
	}

	return nil
}

func runRestore(ctx context.Context, opts RestoreOptions, gopts GlobalOptions,
	term *termstatus.Terminal, args []string) error {

	if err := resolveRestorePatterns(&opts); err != nil {
		return err
	}

	hasExcludes := len(opts.Excludes) > 0 || len(opts.InsensitiveExcludes) > 0
	hasIncludes := len(opts.Includes) > 0 || len(opts.InsensitiveIncludes) > 0
	hasSymlinkScope := opts.ScopeSymlinks != ""

	switch {
	case len(args) == 0:
		return errors.Fatal("no snapshot ID specified")
	case len(args) > 1:
		return errors.Fatalf("more than one snapshot ID specified: %v", args)
	}

	if opts.Target == "" {
		return errors.Fatal("please specify a directory to restore to (--target)")
	}

	if hasExcludes && hasIncludes {
		return errors.Fatal("exclude and include patterns are mutually exclusive")
	}

	snapshotIDString := args[0]

	debug.Log("restore %v to %v", snapshotIDString, opts.Target)

	repo, err := OpenRepository(ctx, gopts)
	if err != nil {
		return err
	}

	if !gopts.NoLock {
		var lock *objects.Lock
		lock, ctx, err = lockRepo(ctx, repo, gopts.RetryLock, gopts.JSON)
		defer unlockRepo(lock)
		if err != nil {
			return err
		}
	}

	sn, subfolder, err := (&objects.SnapshotFilter{
		Hosts: opts.Hosts,
		Paths: opts.Paths,
		Tags:  opts.Tags,
	}).FindLatest(ctx, repo.Backend(), repo, snapshotIDString)
	if err != nil {
		return errors.Fatalf("failed to find snapshot: %v", err)
	}

	bar := newIndexTerminalProgress(gopts.Quiet, gopts.JSON, term)
	err = repo.LoadIndex(ctx, bar)
	if err != nil {
		return err
	}

	sn.Tree, err = objects.FindTreeDirectory(ctx, repo, sn.Tree, subfolder)
	if err != nil {
		return err
	}

	msg := ui.NewMessage(term, gopts.verbosity)
	var printer restoreui.ProgressPrinter
	if gopts.JSON {
		printer = restoreui.NewJSONProgress(term)
	} else {
		printer = restoreui.NewTextProgress(term)
	}

	progress := restoreui.NewProgress(printer, calculateProgressInterval(!gopts.Quiet, gopts.JSON))
	res := restorer.NewRestorer(repo, sn, opts.Sparse, progress)

	totalErrors := 0
	res.Error = func(location string, err error) error {
		msg.E("ignoring error for %s: %s\n", location, err)
		totalErrors++
		return nil
	}

	excludePatterns := filter.ParsePatterns(opts.Excludes)
	insensitiveExcludePatterns := filter.ParsePatterns(opts.InsensitiveExcludes)
	selectExcludeFilter := func(item string, dstpath string, node *objects.Node) (selectedForRestore bool, childMayBeSelected bool) {
		matched, err := filter.List(excludePatterns, item)
		if err != nil {
			msg.E("error for exclude pattern: %v", err)
		}

		matchedInsensitive, err := filter.List(insensitiveExcludePatterns, strings.ToLower(item))
		if err != nil {
			msg.E("error for iexclude pattern: %v", err)
		}

		// An exclude filter is basically a 'wildcard but foo',
		// so even if a childMayMatch, other children of a dir may not,
		// therefore childMayMatch does not matter, but we should not go down
		// unless the dir is selected for restore
		selectedForRestore = !matched && !matchedInsensitive
		childMayBeSelected = selectedForRestore && node.Type == "dir"

		return selectedForRestore, childMayBeSelected
	}

	includePatterns := filter.ParsePatterns(opts.Includes)
	insensitiveIncludePatterns := filter.ParsePatterns(opts.InsensitiveIncludes)
	selectIncludeFilter := func(item string, dstpath string, node *objects.Node) (selectedForRestore bool, childMayBeSelected bool) {
		matched, childMayMatch, err := filter.ListWithChild(includePatterns, item)
		if err != nil {
			msg.E("error for include pattern: %v", err)
		}

		matchedInsensitive, childMayMatchInsensitive, err := filter.ListWithChild(insensitiveIncludePatterns, strings.ToLower(item))
		if err != nil {
			msg.E("error for iexclude pattern: %v", err)
		}

		selectedForRestore = matched || matchedInsensitive
		childMayBeSelected = (childMayMatch || childMayMatchInsensitive) && node.Type == "dir"

		return selectedForRestore, childMayBeSelected
	}

	symlinkScope := opts.ScopeSymlinks
	selectSymlinkScopeFilter := func(item string, dstpath string, node *objects.Node) (selectedForRestore bool, childMayBeSelected bool) {
		childMayBeSelected = node.Type == "dir"
		if node.Type != "symlink" {
			return true, childMayBeSelected
		}

		// node.LinkTarget can be absolute (e.g. /var/test/target) or:
		// 1. relative, with .. somewhere in the path (e.g. /var/test/target/next/..)
		// 2. relative, starting with . (e.g. ./test/target)
		//
		// Need to clean node.LinkTarget to remove abundant relative path links:
		//   /var/test/target/next/.. -> /var/test/target
		//   ./test/target -> test/target
		//
		// The path can still be relative after Clean (e.g. ./var/../../target -> ../target)
		// so we need to convert it to absolute with destination path in mind.
		// To do this, select the top destination path element that is not a file
		// and append the target to it:
		//   /restore/test/symlink -> /restore/test/../target
		//
		// and then run Clean again to remove remaining relative path links:
		//   /restore/test/../target -> /restore/target
		target := filepath.Clean(node.LinkTarget)
		if !filepath.IsAbs(target) {
			target = filepath.Clean(filepath.Join(filepath.Dir(dstpath), target))
		}

		target, err := filepath.EvalSymlinks(target)
		if err != nil {
			msg.E("error for eval symlink: %v", err)
			// reject symlink if we cannot determine its target
			return false, childMayBeSelected
		}

		return strings.HasPrefix(target, symlinkScope), childMayBeSelected
	}

	selectFilters := []func(item string, dstpath string, node *objects.Node) (selectedForRestore bool, childMayBeSelected bool){}
	if hasExcludes {
		selectFilters = append(selectFilters, selectExcludeFilter)
	} else if hasIncludes {
		selectFilters = append(selectFilters, selectIncludeFilter)
	}

	if hasSymlinkScope {
		selectFilters = append(selectFilters, selectSymlinkScopeFilter)
	}

	if len(selectFilters) > 0 {
		res.SelectFilter = func(item string, dstpath string, node *objects.Node) (selectedForRestore bool, childMayBeSelected bool) {
			for _, filter := range selectFilters {
				selectedForRestore, childMayBeSelected = filter(item, dstpath, node)
				if !selectedForRestore {
					break
				}
			}
			return selectedForRestore, childMayBeSelected
		}
	}

	if !gopts.JSON {
		msg.P("restoring %s to %s\n", res.Snapshot(), opts.Target)
	}

	err = res.RestoreTo(ctx, opts.Target)
	if err != nil {
		return err
	}

	progress.Finish()

	if totalErrors > 0 {
		return errors.Fatalf("There were %d errors\n", totalErrors)
	}

	if opts.Verify {
		if !gopts.JSON {
			msg.P("verifying files in %s\n", opts.Target)
		}
		var count int
		t0 := time.Now()
		count, err = res.VerifyFiles(ctx, opts.Target)
		if err != nil {
			return err
		}
		if totalErrors > 0 {
			return errors.Fatalf("There were %d errors\n", totalErrors)
		}

		if !gopts.JSON {
			msg.P("finished verifying %d files in %s (took %s)\n", count, opts.Target,
				time.Since(t0).Round(time.Millisecond))
		}
	}

	return nil
}
