// Package rangefile implements the durable, concurrency-safe coordinator
// at the heart of the segmented download engine. A RangedFile owns the
// output file, partitions its byte space into blocks, hands block
// reservations out to workers, writes received bytes at their offsets,
// and checkpoints its own state to disk so an interrupted download can
// resume.
//
// On-disk layout while a download is running:
//
//	<path>.temp      the data file, sized to the full resource length
//	<path>.meta      the serialized checkpoint state
//	<path>.meta.temp transient, only during a checkpoint write
//
// On successful Close(true) only <path> remains.
package rangefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tanq16/rangeget/ranges"
	"github.com/tanq16/rangeget/uerror"
	"github.com/tanq16/rangeget/utils"
)

// DefaultBlockHint is the nominal block size used when none is given.
const DefaultBlockHint = 1 << 20

const (
	tempSuffix     = ".temp"
	metaSuffix     = ".meta"
	metaTempSuffix = ".meta.temp"
)

// RangedFile coordinates concurrent ranged writes into a single output
// file. All methods are safe for concurrent use.
type RangedFile struct {
	mu         sync.Mutex // guards the range sets and counters
	fileMu     sync.Mutex // serializes positioned writes and close
	metaFileMu sync.Mutex // serializes checkpoint file replacement

	blockHint      int64
	bytesTotal     int64
	bytesProcessed int64
	available      []ranges.Block
	pending        []ranges.Block
	finished       []ranges.Block

	path string
	file *os.File
}

// New returns an unopened RangedFile with unknown length.
func New() *RangedFile {
	return &RangedFile{bytesTotal: -1, blockHint: DefaultBlockHint}
}

// Reserve sets the resource length and the nominal block size. It must
// be called before Open and before any block has been handed out; hint
// values <= 0 select the default of 1 MiB.
func (rf *RangedFile) Reserve(total, hint int64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file != nil {
		return uerror.New(uerror.RuntimeError)
	}
	if len(rf.available) > 0 || len(rf.pending) > 0 || len(rf.finished) > 0 {
		return uerror.New(uerror.RuntimeError)
	}
	if hint <= 0 {
		hint = DefaultBlockHint
	}
	rf.bytesTotal = total
	rf.blockHint = hint
	return nil
}

// Open creates (or re-opens) the temporary data file for path and, when
// a matching checkpoint exists, restores the partition from it. Missing
// parent directories are created. A data file whose size does not match
// the reserved length is resized and any stale checkpoint is discarded.
func (rf *RangedFile) Open(path string) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	log := utils.GetLogger("rangefile")

	if rf.file != nil {
		return uerror.New(uerror.RuntimeError)
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return uerror.TranslateFilesystem(err)
		}
	}
	file, err := os.OpenFile(path+tempSuffix, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return uerror.TranslateFilesystem(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return uerror.TranslateFilesystem(err)
	}

	if info.Size() != rf.bytesTotal {
		if err := file.Truncate(max(rf.bytesTotal, 0)); err != nil {
			file.Close()
			return uerror.TranslateFilesystem(err)
		}
		os.Remove(path + metaSuffix)
	} else if rf.bytesTotal > 0 {
		if err := rf.restore(path); err != nil {
			log.Debug().Err(err).Str("file", path+metaSuffix).Msg("Discarding checkpoint")
			rf.available = nil
			rf.pending = nil
			rf.finished = nil
			os.Remove(path + metaSuffix)
		} else if len(rf.finished) > 0 || len(rf.available) > 0 {
			log.Debug().Int64("restored", rf.sumFinished()).Int64("total", rf.bytesTotal).Msg("Resuming from checkpoint")
		}
	}

	rf.path = path
	rf.file = file
	return nil
}

// restore loads the checkpoint next to path and adopts its partition.
// Blocks that were in flight when the checkpoint was written are
// re-queued in full: the bytes of the interrupted attempt may or may
// not have reached disk, so they are downloaded again.
func (rf *RangedFile) restore(path string) error {
	m, err := loadMeta(path + metaSuffix)
	if err != nil {
		return err
	}
	if m.blockHint != rf.blockHint || m.bytesTotal != rf.bytesTotal {
		return fmt.Errorf("checkpoint mismatch: hint %d/%d total %d/%d",
			m.blockHint, rf.blockHint, m.bytesTotal, rf.bytesTotal)
	}

	available := m.available
	processed := m.bytesProcessed
	for _, b := range m.pending {
		available = append(available, ranges.NewBlock(b.Start, b.End))
		processed -= b.Position - b.Start
	}
	if err := validatePartition(available, m.finished, rf.bytesTotal); err != nil {
		return err
	}

	rf.available = sortBlocks(available)
	rf.finished = sortBlocks(m.finished)
	rf.pending = nil
	rf.bytesProcessed = processed
	return nil
}

// validatePartition checks that the restored ranges are pairwise
// disjoint and cover the byte space exactly.
func validatePartition(available, finished []ranges.Block, total int64) error {
	all := sortBlocks(append(append([]ranges.Block{}, available...), finished...))
	var sum int64
	for i, b := range all {
		if !b.Valid() {
			return fmt.Errorf("invalid range %v in checkpoint", b)
		}
		if i > 0 && all[i-1].End >= b.Start {
			return fmt.Errorf("overlapping ranges %v and %v in checkpoint", all[i-1], b)
		}
		sum += b.Size()
	}
	if sum != total {
		return fmt.Errorf("checkpoint covers %d bytes, want %d", sum, total)
	}
	return nil
}

// Opened reports whether the data file is open.
func (rf *RangedFile) Opened() bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.file != nil
}

// Allocate takes one block from the available set, marks it pending and
// returns it. The first call initializes the partition. It returns
// false when no block is available.
func (rf *RangedFile) Allocate(block *ranges.Block) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.bytesTotal <= 0 {
		return false
	}

	if len(rf.available) == 0 && len(rf.pending) == 0 && len(rf.finished) == 0 {
		for start := int64(0); start < rf.bytesTotal; start += rf.blockHint {
			end := min(start+rf.blockHint-1, rf.bytesTotal-1)
			rf.available = append(rf.available, ranges.NewBlock(start, end))
		}
	}
	if len(rf.available) == 0 {
		return false
	}

	*block = rf.available[0]
	block.State = ranges.Pending
	block.Position = block.Start
	rf.available = rf.available[1:]
	rf.pending = append(rf.pending, *block)
	return true
}

// Deallocate returns a block to the coordinator. Fully written blocks
// move to the finished set, untouched ones back to available, and
// partially written ones are split at the write cursor. The finished
// set is kept adjacency-merged.
func (rf *RangedFile) Deallocate(block ranges.Block) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	idx := -1
	for i, p := range rf.pending {
		if p.Start == block.Start && p.End == block.End {
			idx = i
			break
		}
	}
	if idx < 0 {
		return uerror.New(uerror.RuntimeError)
	}
	rf.pending = append(rf.pending[:idx], rf.pending[idx+1:]...)

	switch block.State {
	case ranges.Pending:
		rf.available = sortBlocks(append(rf.available, ranges.NewBlock(block.Start, block.End)))
	case ranges.Filled:
		rf.finished = mergeBlocks(append(rf.finished, block))
	case ranges.Partial:
		done := ranges.Block{
			Range:    ranges.Range{Start: block.Start, End: block.Position - 1},
			Position: block.Position,
			State:    ranges.Filled,
		}
		rf.finished = mergeBlocks(append(rf.finished, done))
		rf.available = sortBlocks(append(rf.available, ranges.NewBlock(block.Position, block.End)))
	default:
		return uerror.New(uerror.RuntimeError)
	}
	return nil
}

// Fill writes p at the block's current position and advances its write
// cursor. The block must be checked out and the write must stay inside
// its range. Empty writes are a no-op.
func (rf *RangedFile) Fill(block *ranges.Block, p []byte) error {
	if !block.Valid() || block.State == ranges.Filled || block.State == ranges.Unfilled {
		return uerror.New(uerror.RuntimeError)
	}
	n := int64(len(p))
	if n <= 0 {
		return nil
	}
	if block.Position+n-1 > block.End {
		return uerror.New(uerror.InvalidParam)
	}

	rf.fileMu.Lock()
	_, err := rf.file.WriteAt(p, block.Position)
	rf.fileMu.Unlock()
	if err != nil {
		return uerror.TranslateFilesystem(err)
	}

	block.Advance(n)

	rf.mu.Lock()
	for i := range rf.pending {
		if rf.pending[i].Start == block.Start && rf.pending[i].End == block.End {
			rf.pending[i].Position = block.Position
			rf.pending[i].State = block.State
			break
		}
	}
	rf.bytesProcessed += n
	rf.mu.Unlock()
	return nil
}

// FillStream appends p at the current file position. It is used in
// direct (single-connection) mode where no block bookkeeping exists.
func (rf *RangedFile) FillStream(p []byte) error {
	n := int64(len(p))
	if n <= 0 {
		return nil
	}
	rf.fileMu.Lock()
	_, err := rf.file.Write(p)
	rf.fileMu.Unlock()
	if err != nil {
		return uerror.TranslateFilesystem(err)
	}
	rf.mu.Lock()
	rf.bytesProcessed += n
	rf.mu.Unlock()
	return nil
}

// Dump checkpoints the current state to <path>.meta. The snapshot is
// taken under the meta lock and serialized outside it, so workers are
// not blocked while the checkpoint is written. The replacement sequence
// (write temp, remove old, rename) leaves at most a stray .meta.temp
// behind a crash, which Open tolerates.
func (rf *RangedFile) Dump() error {
	rf.mu.Lock()
	if rf.file == nil {
		rf.mu.Unlock()
		return uerror.New(uerror.RuntimeError)
	}
	snapshot := metaState{
		blockHint:      rf.blockHint,
		bytesTotal:     rf.bytesTotal,
		bytesProcessed: rf.bytesProcessed,
		available:      append([]ranges.Block{}, rf.available...),
		pending:        append([]ranges.Block{}, rf.pending...),
		finished:       append([]ranges.Block{}, rf.finished...),
	}
	path := rf.path
	rf.mu.Unlock()

	payload := snapshot.encode()

	rf.metaFileMu.Lock()
	defer rf.metaFileMu.Unlock()
	if err := os.WriteFile(path+metaTempSuffix, payload, 0644); err != nil {
		return uerror.TranslateFilesystem(err)
	}
	os.Remove(path + metaSuffix)
	if err := os.Rename(path+metaTempSuffix, path+metaSuffix); err != nil {
		return uerror.TranslateFilesystem(err)
	}
	return nil
}

// IsFull reports whether every byte of [0, bytesTotal-1] has been
// written: the finished set has collapsed to that single range.
func (rf *RangedFile) IsFull() bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if len(rf.finished) != 1 {
		return false
	}
	f := rf.finished[0]
	return f.Start == 0 && f.End == rf.bytesTotal-1
}

// Processed returns the number of bytes written. The counter is a
// progress hint: restoring a checkpoint subtracts the bytes of the
// in-flight blocks it re-queues; otherwise it only grows.
func (rf *RangedFile) Processed() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.bytesProcessed
}

// Total returns the resource length, 0 when unknown.
func (rf *RangedFile) Total() int64 {
	if rf.bytesTotal > 0 {
		return rf.bytesTotal
	}
	return 0
}

// Close releases the data file. When finished is true the download must
// be complete; the temporary file is renamed to the final path and the
// checkpoint removed. Otherwise the files are left in place for a future
// resume, and a final checkpoint is written when a partition has been
// initialized (direct-mode streaming writes none). In-memory state is
// cleared either way.
func (rf *RangedFile) Close(finished bool) error {
	rf.mu.Lock()
	if rf.file == nil {
		rf.mu.Unlock()
		return uerror.New(uerror.RuntimeError)
	}
	full := len(rf.finished) == 1 &&
		rf.finished[0].Start == 0 && rf.finished[0].End == rf.bytesTotal-1
	hasPartition := len(rf.available) > 0 || len(rf.pending) > 0 || len(rf.finished) > 0
	rf.mu.Unlock()

	// Direct-mode streaming never initializes a partition; completeness
	// is only enforceable when blocks were tracked.
	if finished && rf.bytesTotal > 0 && hasPartition && !full {
		return uerror.New(uerror.RuntimeError)
	}
	if !finished && hasPartition {
		if err := rf.Dump(); err != nil {
			log := utils.GetLogger("rangefile")
			log.Debug().Err(err).Msg("Checkpoint on close failed")
		}
	}

	rf.fileMu.Lock()
	err := rf.file.Close()
	rf.fileMu.Unlock()
	if err != nil {
		return uerror.TranslateFilesystem(err)
	}

	path := rf.path
	rf.mu.Lock()
	rf.file = nil
	rf.path = ""
	rf.available = nil
	rf.pending = nil
	rf.finished = nil
	rf.mu.Unlock()

	if finished {
		if err := os.Rename(path+tempSuffix, path); err != nil {
			return uerror.TranslateFilesystem(err)
		}
		os.Remove(path + metaSuffix)
	}
	return nil
}

func (rf *RangedFile) sumFinished() int64 {
	var sum int64
	for _, b := range rf.finished {
		sum += b.Size()
	}
	return sum
}

func sortBlocks(blocks []ranges.Block) []ranges.Block {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start < blocks[j].Start })
	return blocks
}

// mergeBlocks coalesces adjacent or overlapping finished blocks into
// canonical form, keeping the maximum write cursor of merged members.
func mergeBlocks(blocks []ranges.Block) []ranges.Block {
	if len(blocks) <= 1 {
		return sortBlocks(blocks)
	}
	blocks = sortBlocks(blocks)
	merged := blocks[:1]
	for _, b := range blocks[1:] {
		last := &merged[len(merged)-1]
		if last.Mergeable(b.Range) {
			last.Range = last.Merge(b.Range)
			last.Position = max(last.Position, b.Position)
			continue
		}
		merged = append(merged, b)
	}
	return merged
}
