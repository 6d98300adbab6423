package main

import (
	"context"
	"strings"

	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/global"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/repository"
	"github.com/sealvault/sealvault/internal/ui"

	"github.com/spf13/cobra"
)

func newListCommand(globalOptions *global.Options) *cobra.Command {
	var listAllowedArgs = []string{"blobs", "packs", "index", "snapshots", "keys", "locks"}
	var listAllowedArgsUseString = strings.Join(listAllowedArgs, "|")

	cmd := &cobra.Command{
		Use:   "list [flags] [" + listAllowedArgsUseString + "]",
		Short: "List objects in the repository",
		Long: `
The "list" command allows listing objects in the repository based on type.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		DisableAutoGenTag: true,
		GroupID:           cmdGroupDefault,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), *globalOptions, args, globalOptions.Term)
		},
		ValidArgs: listAllowedArgs,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	}
	return cmd
}

func runList(ctx context.Context, gopts global.Options, args []string, term ui.Terminal) error {
	printer := ui.NewProgressPrinter(false, gopts.Verbosity, term)

	if len(args) != 1 {
		return errors.Fatal("type not specified")
	}

	ctx, repo, unlock, err := openWithReadLock(ctx, gopts, gopts.NoLock || args[0] == "locks", printer)
	if err != nil {
		return err
	}
	defer unlock()

	var t objects.FileType
	switch args[0] {
	case "packs":
		t = objects.PackFile
	case "index":
		t = objects.IndexFile
	case "snapshots":
		t = objects.SnapshotFile
	case "keys":
		t = objects.KeyFile
	case "locks":
		t = objects.LockFile
	case "blobs":
		return repository.ForAllIndexes(ctx, repo, func(_ objects.ID, idx *repository.Index, _ bool, err error) error {
			if err != nil {
				return err
			}
			for blobs := range idx.Each(ctx) {
				printer.S("%v %v", blobs.Type, blobs.ID)
			}
			return nil
		})
	default:
		return errors.Fatal("invalid type")
	}

	return repo.List(ctx, t, func(id objects.ID, _ int64) error {
		printer.S("%s", id)
		return nil
	})
}
