package repository

import (
	"context"
	"math"
	"sort"

	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/repository/pack"
	"github.com/sealvault/sealvault/internal/ui/progress"
)

var errorIndexIncomplete = errors.Fatal("index is not complete")
var errorPacksMissing = errors.Fatal("packs from index missing in repo")
var errorSizeNotMatching = errors.Fatal("pack size does not match calculated size from index")

// PruneOptions collects all options that steer which packs PlanPrune
// decides to repack, remove, or keep.
type PruneOptions struct {
	DryRun bool

	// UnsafeRecovery rebuilds the index from the packs present in the
	// backend instead of repairing it incrementally. It must only be used
	// when the repository is stuck with no free space left.
	UnsafeRecovery bool

	// MaxRepackBytes bounds the total size of data PlanPrune will repack
	// in a single run.
	MaxRepackBytes uint64

	// MaxUnusedBytes computes the amount of unused data, as a function of
	// the amount of used data, that is tolerated to remain after pruning.
	MaxUnusedBytes func(used uint64) (unused uint64)

	RepackCacheableOnly bool
	RepackSmall         bool
	RepackUncompressed  bool

	// SmallPackBytes overrides the target pack size below which a pack is
	// considered small enough to repack when RepackSmall is set. Zero
	// means a quarter of the repository's configured pack size.
	SmallPackBytes uint64
}

func (opts PruneOptions) maxUnusedBytes(used uint64) uint64 {
	if opts.MaxUnusedBytes == nil {
		return 0
	}
	return opts.MaxUnusedBytes(used)
}

// PruneStats summarizes the outcome of a PlanPrune/Execute run.
type PruneStats struct {
	Blobs struct {
		Used      uint
		Duplicate uint
		Unused    uint
		Remove    uint
		Repack    uint
		Repackrm  uint
	}
	Size struct {
		Used         uint64
		Duplicate    uint64
		Unused       uint64
		Remove       uint64
		Repack       uint64
		Repackrm     uint64
		Unref        uint64
		Uncompressed uint64
	}
	Packs struct {
		Used       uint
		Unused     uint
		PartlyUsed uint
		Unref      uint
		Keep       uint
		Repack     uint
		Remove     uint
	}
}

// PrunePlan is the outcome of PlanPrune: which packs to remove immediately,
// which to repack, and which to leave alone. Execute carries it out.
type PrunePlan struct {
	repo objects.Repository
	opts PruneOptions
	stats PruneStats

	removePacksFirst objects.IDSet          // packs to remove first (unreferenced packs)
	repackPacks      objects.IDSet          // packs to repack
	keepBlobs        objects.CountedBlobSet // blobs to keep during repacking
	removePacks      objects.IDSet          // packs to remove
	ignorePacks      objects.IDSet          // packs to ignore when rebuilding the index
}

// Stats returns the statistics collected while planning the prune.
func (plan PrunePlan) Stats() PruneStats {
	return plan.stats
}

type packInfo struct {
	usedBlobs    uint
	unusedBlobs  uint
	usedSize     uint64
	unusedSize   uint64
	tpe          objects.BlobType
	uncompressed bool
}

type packInfoWithID struct {
	ID objects.ID
	packInfo
	mustCompress bool
}

// PlanPrune inspects repo's index, asks getUsedBlobs which blobs are still
// referenced, and decides which pack files to keep, repack, or remove. The
// returned plan must be passed to Execute to actually modify the
// repository.
func PlanPrune(
	ctx context.Context,
	opts PruneOptions,
	repo objects.Repository,
	getUsedBlobs func(ctx context.Context, repo objects.Repository, usedBlobs objects.FindBlobSet) error,
	printer progress.Printer,
) (PrunePlan, error) {
	var stats PruneStats

	usedBlobs := objects.NewCountedBlobSet()
	if err := getUsedBlobs(ctx, repo, usedBlobs); err != nil {
		return PrunePlan{}, err
	}

	printer.P("searching used packs...\n")
	keepBlobs, indexPack, err := packInfoFromIndex(ctx, repo.Index(), usedBlobs, &stats, printer)
	if err != nil {
		return PrunePlan{}, err
	}

	printer.P("collecting packs for deletion and repacking\n")
	plan, err := decidePackAction(ctx, opts, repo, indexPack, &stats, printer)
	if err != nil {
		return PrunePlan{}, err
	}

	if len(plan.repackPacks) != 0 {
		blobCount := keepBlobs.Len()
		// when repacking, we do not want to keep blobs which are already
		// contained in kept packs, so delete them from keepBlobs
		for blob := range repo.Index().Each(ctx) {
			if plan.removePacks.Has(blob.PackID) || plan.repackPacks.Has(blob.PackID) {
				continue
			}
			keepBlobs.Delete(blob.BlobHandle)
		}

		if keepBlobs.Len() < blobCount/2 {
			// replace with copy to shrink map to necessary size if there's a chance to benefit
			keepBlobs = keepBlobs.Copy()
		}
	} else {
		// keepBlobs is only needed if packs are repacked
		keepBlobs = nil
	}
	plan.keepBlobs = keepBlobs
	plan.repo = repo
	plan.opts = opts
	plan.stats = stats

	return plan, nil
}

func packInfoFromIndex(ctx context.Context, idx objects.MasterIndex, usedBlobs objects.CountedBlobSet, stats *PruneStats, printer progress.Printer) (objects.CountedBlobSet, map[objects.ID]packInfo, error) {
	// iterate over all blobs in index to find out which blobs are duplicates.
	// The counter in usedBlobs describes how many instances of the blob exist
	// in the repository index. Thus 0 == blob is missing, 1 == blob exists
	// once, >= 2 == duplicates exist.
	for blob := range idx.Each(ctx) {
		bh := blob.BlobHandle
		if !usedBlobs.Has(bh) {
			continue
		}

		count, _ := usedBlobs[bh]
		if count < math.MaxUint8 {
			// don't overflow, but saturate count at 255
			// this can lead to a non-optimal pack selection, but won't cause
			// problems otherwise
			count++
		}
		usedBlobs[bh] = count
	}

	// Check if all used blobs have been found in index
	missingBlobs := objects.NewBlobSet()
	for bh, count := range usedBlobs {
		if count == 0 {
			// blob does not exist in any pack files
			missingBlobs.Insert(bh)
		}
	}

	if len(missingBlobs) != 0 {
		printer.E("%v not found in the index\n\n"+
			"Integrity check failed: Data seems to be missing.\n"+
			"Will not start prune to prevent (additional) data loss!\n", missingBlobs)
		return nil, nil, errorIndexIncomplete
	}

	indexPack := make(map[objects.ID]packInfo)

	// save computed pack header size
	for pid, hdrSize := range pack.Size(ctx, idx, true) {
		// initialize tpe with NumBlobTypes to indicate it's not set
		indexPack[pid] = packInfo{tpe: objects.NumBlobTypes, usedSize: uint64(hdrSize)}
	}

	hasDuplicates := false
	// iterate over all blobs in index to generate packInfo
	for blob := range idx.Each(ctx) {
		ip := indexPack[blob.PackID]

		// Set blob type if not yet set
		if ip.tpe == objects.NumBlobTypes {
			ip.tpe = blob.Type
		}

		// mark mixed packs with "Invalid blob type"
		if ip.tpe != blob.Type {
			ip.tpe = objects.InvalidBlob
		}

		bh := blob.BlobHandle
		size := uint64(blob.Length)
		dupCount := usedBlobs[bh]
		switch {
		case dupCount >= 2:
			hasDuplicates = true
			// mark as unused for now, we will later on select one copy
			ip.unusedSize += size
			ip.unusedBlobs++

			// count as duplicate, will later on change one copy to be counted as used
			stats.Size.Duplicate += size
			stats.Blobs.Duplicate++
		case dupCount == 1: // used blob, not duplicate
			ip.usedSize += size
			ip.usedBlobs++

			stats.Size.Used += size
			stats.Blobs.Used++
		default: // unused blob
			ip.unusedSize += size
			ip.unusedBlobs++

			stats.Size.Unused += size
			stats.Blobs.Unused++
		}
		if !blob.IsCompressed() {
			ip.uncompressed = true
		}
		indexPack[blob.PackID] = ip
	}

	// if duplicate blobs exist, those will be set to either "used" or "unused":
	// - mark only one occurrence of duplicate blobs as used
	// - if there are already some used blobs in a pack, possibly mark duplicates in this pack as "used"
	// - if there are no used blobs in a pack, possibly mark duplicates as "unused"
	if hasDuplicates {
		for blob := range idx.Each(ctx) {
			bh := blob.BlobHandle
			count, ok := usedBlobs[bh]
			// skip non-duplicate, aka. normal blobs
			// count == 0 is used to mark that this was a duplicate blob with only a single occurrence remaining
			if !ok || count == 1 {
				continue
			}

			ip := indexPack[blob.PackID]
			size := uint64(blob.Length)
			switch {
			case ip.usedBlobs > 0, count == 0:
				// other used blobs in pack or "last" occurrence -> transition to used
				ip.usedSize += size
				ip.usedBlobs++
				ip.unusedSize -= size
				ip.unusedBlobs--
				stats.Size.Used += size
				stats.Blobs.Used++
				stats.Size.Duplicate -= size
				stats.Blobs.Duplicate--
				// let other occurrences remain marked as unused
				usedBlobs[bh] = 1
			default:
				// remain unused and decrease counter
				count--
				if count == 1 {
					// setting count to 1 would lead to forgetting that this blob had duplicates
					// thus use the special value zero. This will select the last instance of the blob for keeping.
					count = 0
				}
				usedBlobs[bh] = count
			}
			indexPack[blob.PackID] = ip
		}
	}

	// Sanity check. If no duplicates exist, all blobs have value 1. After
	// handling duplicates, this also applies to duplicates.
	for _, count := range usedBlobs {
		if count != 1 {
			panic("internal error during blob selection")
		}
	}

	return usedBlobs, indexPack, nil
}

func decidePackAction(ctx context.Context, opts PruneOptions, repo objects.Repository, indexPack map[objects.ID]packInfo, stats *PruneStats, printer progress.Printer) (PrunePlan, error) {
	removePacksFirst := objects.NewIDSet()
	removePacks := objects.NewIDSet()
	repackPacks := objects.NewIDSet()

	var repackCandidates []packInfoWithID
	var repackSmallCandidates []packInfoWithID
	repoVersion := repo.Config().Version
	// only repack very small files by default
	targetPackSize := repo.PackSize() / 25
	if opts.RepackSmall {
		if opts.SmallPackBytes > 0 {
			targetPackSize = uint(opts.SmallPackBytes)
		} else {
			// consider files with at least 80% of the target size as large enough
			targetPackSize = repo.PackSize() / 5 * 4
		}
	}

	// loop over all packs and decide what to do
	bar := printer.NewCounter("packs processed")
	bar.SetMax(uint64(len(indexPack)))
	err := repo.List(ctx, objects.PackFile, func(id objects.ID, packSize int64) error {
		p, ok := indexPack[id]
		if !ok {
			// Pack was not referenced in index and is not used => immediately remove!
			printer.V("will remove pack %v as it is unused and not indexed\n", id.Str())
			removePacksFirst.Insert(id)
			stats.Size.Unref += uint64(packSize)
			return nil
		}

		if p.unusedSize+p.usedSize != uint64(packSize) && p.usedBlobs != 0 {
			// Pack size does not fit and pack is needed => error.
			// If the pack is not needed, this is no error, the pack can
			// and will be simply removed, see below.
			printer.E("pack %s: calculated size %d does not match real size %d\nRun 'repair index'.\n",
				id.Str(), p.unusedSize+p.usedSize, packSize)
			return errorSizeNotMatching
		}

		switch {
		case p.usedBlobs == 0:
			stats.Packs.Unused++
		case p.unusedBlobs == 0:
			stats.Packs.Used++
		default:
			stats.Packs.PartlyUsed++
		}

		if p.uncompressed {
			stats.Size.Uncompressed += p.unusedSize + p.usedSize
		}
		mustCompress := false
		if repoVersion >= 2 {
			// repo v2: always repack tree blobs if uncompressed
			// compress data blobs if requested
			mustCompress = (p.tpe == objects.TreeBlob || opts.RepackUncompressed) && p.uncompressed
		}

		switch {
		case p.usedBlobs == 0:
			// All blobs in pack are no longer used => remove pack!
			removePacks.Insert(id)
			stats.Blobs.Remove += p.unusedBlobs
			stats.Size.Remove += p.unusedSize

		case opts.RepackCacheableOnly && p.tpe == objects.DataBlob:
			// if this is a data pack and repack-cacheable-only is set => keep pack!
			stats.Packs.Keep++

		case p.unusedBlobs == 0 && p.tpe != objects.InvalidBlob && !mustCompress:
			if packSize >= int64(targetPackSize) {
				// All blobs in pack are used and not mixed => keep pack!
				stats.Packs.Keep++
			} else {
				repackSmallCandidates = append(repackSmallCandidates, packInfoWithID{ID: id, packInfo: p, mustCompress: mustCompress})
			}

		default:
			// all other packs are candidates for repacking
			repackCandidates = append(repackCandidates, packInfoWithID{ID: id, packInfo: p, mustCompress: mustCompress})
		}

		delete(indexPack, id)
		bar.Add(1)
		return nil
	})
	bar.Done()
	if err != nil {
		return PrunePlan{}, err
	}

	// At this point indexPack contains only missing packs!

	// missing packs that are not needed can be ignored
	ignorePacks := objects.NewIDSet()
	for id, p := range indexPack {
		if p.usedBlobs == 0 {
			ignorePacks.Insert(id)
			stats.Blobs.Remove += p.unusedBlobs
			stats.Size.Remove += p.unusedSize
			delete(indexPack, id)
		}
	}

	if len(indexPack) != 0 {
		printer.E("the index references %d needed pack files which are missing from the repository:\n", len(indexPack))
		for id := range indexPack {
			printer.E("  %v\n", id)
		}
		return PrunePlan{}, errorPacksMissing
	}
	if len(ignorePacks) != 0 {
		printer.E("missing but unneeded pack files are referenced in the index, will be repaired\n")
		for id := range ignorePacks {
			printer.E("will forget missing pack file %v\n", id)
		}
	}

	if len(repackSmallCandidates) < 10 {
		// too few small files to be worth the trouble, this also prevents endlessly repacking
		// if there is just a single pack file below the target size
		stats.Packs.Keep += uint(len(repackSmallCandidates))
	} else {
		repackCandidates = append(repackCandidates, repackSmallCandidates...)
	}

	// Sort repackCandidates such that packs with highest ratio unused/used
	// space are picked first. This is equivalent to sorting by
	// unused / total space. Instead of unused[i]/used[i] > unused[j]/used[j]
	// we use unused[i]*used[j] > unused[j]*used[i] as uint32*uint32 < uint64.
	// Packs containing trees and too small packs are sorted to the beginning.
	sort.Slice(repackCandidates, func(i, j int) bool {
		pi := repackCandidates[i].packInfo
		pj := repackCandidates[j].packInfo
		switch {
		case pi.tpe != objects.DataBlob && pj.tpe == objects.DataBlob:
			return true
		case pj.tpe != objects.DataBlob && pi.tpe == objects.DataBlob:
			return false
		case pi.unusedSize+pi.usedSize < uint64(targetPackSize) && pj.unusedSize+pj.usedSize >= uint64(targetPackSize):
			return true
		case pj.unusedSize+pj.usedSize < uint64(targetPackSize) && pi.unusedSize+pi.usedSize >= uint64(targetPackSize):
			return false
		}
		return pi.unusedSize*pj.usedSize > pj.unusedSize*pi.usedSize
	})

	repack := func(id objects.ID, p packInfo) {
		repackPacks.Insert(id)
		stats.Blobs.Repack += p.unusedBlobs + p.usedBlobs
		stats.Size.Repack += p.unusedSize + p.usedSize
		stats.Blobs.Repackrm += p.unusedBlobs
		stats.Size.Repackrm += p.unusedSize
		if p.uncompressed {
			stats.Size.Uncompressed -= p.unusedSize + p.usedSize
		}
	}

	// calculate limit for number of unused bytes in the repo after repacking
	maxUnusedSizeAfter := opts.maxUnusedBytes(stats.Size.Used)

	for _, p := range repackCandidates {
		reachedUnusedSizeAfter := stats.Size.Unused-stats.Size.Remove-stats.Size.Repackrm < maxUnusedSizeAfter
		reachedRepackSize := stats.Size.Repack+p.unusedSize+p.usedSize >= opts.MaxRepackBytes
		packIsLargeEnough := p.unusedSize+p.usedSize >= uint64(targetPackSize)

		switch {
		case reachedRepackSize:
			stats.Packs.Keep++

		case p.tpe != objects.DataBlob, p.mustCompress:
			// repacking non-data packs / uncompressed trees is only limited by repackSize
			repack(p.ID, p.packInfo)

		case reachedUnusedSizeAfter && packIsLargeEnough:
			// for all other packs stop repacking if tolerated unused size is reached.
			stats.Packs.Keep++

		default:
			repack(p.ID, p.packInfo)
		}
	}

	stats.Packs.Unref = uint(len(removePacksFirst))
	stats.Packs.Repack = uint(len(repackPacks))
	stats.Packs.Remove = uint(len(removePacks))

	if repo.Config().Version < 2 {
		// compression not supported for repository format version 1
		stats.Size.Uncompressed = 0
	}

	return PrunePlan{
		removePacksFirst: removePacksFirst,
		removePacks:      removePacks,
		repackPacks:      repackPacks,
		ignorePacks:      ignorePacks,
	}, nil
}

// Execute carries out the plan: it deletes unreferenced packs, repacks the
// packs selected for repacking while keeping only the still-used blobs, and
// rebuilds (or, under UnsafeRecovery, discards and recreates) the index to
// no longer reference the removed packs.
func (plan *PrunePlan) Execute(ctx context.Context, printer progress.Printer) error {
	repo := plan.repo
	opts := plan.opts

	if opts.DryRun {
		printer.V("Repeated prune dry-runs can report slightly different amounts of data to keep or repack. This is expected behavior.\n\n")
		if len(plan.removePacksFirst) > 0 {
			printer.V("Would have removed the following unreferenced packs:\n%v\n\n", plan.removePacksFirst)
		}
		printer.V("Would have repacked and removed the following packs:\n%v\n\n", plan.repackPacks)
		printer.V("Would have removed the following no longer used packs:\n%v\n\n", plan.removePacks)
		return nil
	}

	// unreferenced packs can be safely deleted first
	if len(plan.removePacksFirst) != 0 {
		printer.P("deleting unreferenced packs\n")
		deleteFiles(ctx, true, repo, plan.removePacksFirst, objects.PackFile, printer)
	}

	if len(plan.repackPacks) != 0 {
		printer.P("repacking packs\n")
		bar := printer.NewCounter("packs repacked")
		bar.SetMax(uint64(len(plan.repackPacks)))
		_, err := Repack(ctx, repo, repo, plan.repackPacks, plan.keepBlobs, bar)
		bar.Done()
		if err != nil {
			return errors.Fatal(err.Error())
		}

		// Also remove repacked packs
		plan.removePacks.Merge(plan.repackPacks)

		if len(plan.keepBlobs) != 0 {
			printer.E("%v was not repacked\n\nIntegrity check failed.\n", plan.keepBlobs)
			return errors.Fatal("internal error: blobs were not repacked")
		}

		// allow GC of the blob set
		plan.keepBlobs = nil
	}

	if len(plan.ignorePacks) == 0 {
		plan.ignorePacks = plan.removePacks
	} else {
		plan.ignorePacks.Merge(plan.removePacks)
	}

	if opts.UnsafeRecovery {
		printer.P("deleting index files\n")
		indexFiles := repo.Index().(*MasterIndex).IDs()
		if err := deleteFilesChecked(ctx, repo, indexFiles, objects.IndexFile, printer); err != nil {
			return errors.Fatalf("%s", err)
		}
	} else if len(plan.ignorePacks) != 0 {
		if err := rebuildIndexFiles(ctx, repo, plan.ignorePacks, nil, false, printer); err != nil {
			return errors.Fatalf("%s", err)
		}
	}

	if len(plan.removePacks) != 0 {
		printer.P("removing %d old packs\n", len(plan.removePacks))
		deleteFiles(ctx, true, repo, plan.removePacks, objects.PackFile, printer)
	}

	if opts.UnsafeRecovery {
		if err := rebuildIndexFiles(ctx, repo, plan.ignorePacks, nil, true, printer); err != nil {
			return errors.Fatalf("%s", err)
		}
	}

	printer.P("done\n")
	return nil
}

func rebuildIndexFiles(ctx context.Context, repo objects.Repository, removePacks objects.IDSet, extraObsolete objects.IDs, skipDeletion bool, printer progress.Printer) error {
	printer.P("rebuilding index\n")

	obsolete, err := repo.Index().(*MasterIndex).Save(ctx, repo, removePacks, extraObsolete, nil)
	if err != nil {
		return err
	}

	if skipDeletion || len(obsolete) == 0 {
		return nil
	}

	return deleteFilesChecked(ctx, repo, obsolete, objects.IndexFile, printer)
}

// deleteFiles removes fileList of fileType from repo in parallel. If
// ignoreError is true, a failure to remove one file is logged but does not
// abort the remaining deletions.
func deleteFiles(ctx context.Context, ignoreError bool, repo objects.Repository, fileList objects.IDSet, fileType objects.FileType, printer progress.Printer) error {
	bar := printer.NewCounter("files deleted")
	defer bar.Done()

	return objects.ParallelRemove(ctx, repo, fileList, fileType, func(id objects.ID, err error) error {
		if err != nil {
			printer.E("unable to remove %v/%v from the repository\n", fileType, id)
			if !ignoreError {
				return err
			}
		}
		printer.VV("removed %v/%v\n", fileType, id)
		return nil
	}, bar)
}

func deleteFilesChecked(ctx context.Context, repo objects.Repository, fileList objects.IDSet, fileType objects.FileType, printer progress.Printer) error {
	return deleteFiles(ctx, false, repo, fileList, fileType, printer)
}
