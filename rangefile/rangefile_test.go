package rangefile

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/rangeget/ranges"
)

func newOpenFile(t *testing.T, total, hint int64) (*RangedFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.bin")
	rf := New()
	require.NoError(t, rf.Reserve(total, hint))
	require.NoError(t, rf.Open(path))
	return rf, path
}

func sourceData(n int64) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestPartitionInitialization(t *testing.T) {
	rf, _ := newOpenFile(t, 1000, 100)
	defer rf.Close(false)

	var blocks []ranges.Block
	var block ranges.Block
	for rf.Allocate(&block) {
		blocks = append(blocks, block)
	}
	require.Len(t, blocks, 10)

	var sum int64
	for i, b := range blocks {
		assert.Equal(t, ranges.Pending, b.State)
		assert.Equal(t, b.Start, b.Position)
		if i > 0 {
			assert.Equal(t, blocks[i-1].End+1, b.Start)
		}
		sum += b.Size()
	}
	assert.Equal(t, int64(1000), sum)
	assert.Equal(t, int64(999), blocks[9].End)
}

func TestPartitionShortLastBlock(t *testing.T) {
	rf, _ := newOpenFile(t, 250, 100)
	defer rf.Close(false)

	var blocks []ranges.Block
	var block ranges.Block
	for rf.Allocate(&block) {
		blocks = append(blocks, block)
	}
	require.Len(t, blocks, 3)
	assert.Equal(t, int64(50), blocks[2].Size())
}

func TestSingleBlockPartition(t *testing.T) {
	// hint larger than the file collapses to one block
	rf, path := newOpenFile(t, 500, 4096)
	data := sourceData(500)

	var block ranges.Block
	require.True(t, rf.Allocate(&block))
	assert.Equal(t, int64(0), block.Start)
	assert.Equal(t, int64(499), block.End)

	var extra ranges.Block
	assert.False(t, rf.Allocate(&extra))

	require.NoError(t, rf.Fill(&block, data))
	require.NoError(t, rf.Deallocate(block))
	assert.True(t, rf.IsFull())
	require.NoError(t, rf.Close(true))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestDeallocateDispatch(t *testing.T) {
	rf, _ := newOpenFile(t, 300, 100)
	defer rf.Close(false)
	data := sourceData(300)

	var b0, b1, b2 ranges.Block
	require.True(t, rf.Allocate(&b0))
	require.True(t, rf.Allocate(&b1))
	require.True(t, rf.Allocate(&b2))

	// untouched block goes back to available
	require.NoError(t, rf.Deallocate(b2))
	var again ranges.Block
	require.True(t, rf.Allocate(&again))
	assert.Equal(t, b2.Range, again.Range)

	// fully written block lands in finished
	require.NoError(t, rf.Fill(&b0, data[0:100]))
	assert.Equal(t, ranges.Filled, b0.State)
	require.NoError(t, rf.Deallocate(b0))

	// partially written block splits at the cursor
	require.NoError(t, rf.Fill(&b1, data[100:140]))
	assert.Equal(t, ranges.Partial, b1.State)
	require.NoError(t, rf.Deallocate(b1))

	// the remainder comes back as an allocatable block
	var rest ranges.Block
	require.True(t, rf.Allocate(&rest))
	assert.Equal(t, int64(140), rest.Start)
	assert.Equal(t, int64(199), rest.End)

	assert.Equal(t, int64(140), rf.Processed())
}

func TestDeallocateUnknownBlock(t *testing.T) {
	rf, _ := newOpenFile(t, 300, 100)
	defer rf.Close(false)

	stray := ranges.NewBlock(0, 99)
	stray.State = ranges.Pending
	assert.Error(t, rf.Deallocate(stray))
}

func TestFinishedStaysMerged(t *testing.T) {
	rf, _ := newOpenFile(t, 300, 100)
	defer rf.Close(false)
	data := sourceData(300)

	var b0, b1, b2 ranges.Block
	require.True(t, rf.Allocate(&b0))
	require.True(t, rf.Allocate(&b1))
	require.True(t, rf.Allocate(&b2))

	// finish out of order; adjacent ranges must coalesce
	require.NoError(t, rf.Fill(&b2, data[200:300]))
	require.NoError(t, rf.Deallocate(b2))
	assert.False(t, rf.IsFull())

	require.NoError(t, rf.Fill(&b0, data[0:100]))
	require.NoError(t, rf.Deallocate(b0))
	assert.False(t, rf.IsFull())

	require.NoError(t, rf.Fill(&b1, data[100:200]))
	require.NoError(t, rf.Deallocate(b1))
	assert.True(t, rf.IsFull())
}

func TestFillValidation(t *testing.T) {
	rf, _ := newOpenFile(t, 300, 100)
	defer rf.Close(false)

	var block ranges.Block
	require.True(t, rf.Allocate(&block))

	// writes past the block end are rejected
	assert.Error(t, rf.Fill(&block, make([]byte, 101)))

	// empty writes are a no-op
	require.NoError(t, rf.Fill(&block, nil))
	assert.Equal(t, ranges.Pending, block.State)

	// blocks that were never checked out cannot be filled
	unfilled := ranges.NewBlock(100, 199)
	assert.Error(t, rf.Fill(&unfilled, []byte{1}))
}

func TestReserveAfterUse(t *testing.T) {
	rf, _ := newOpenFile(t, 300, 100)
	defer rf.Close(false)

	assert.Error(t, rf.Reserve(400, 100))
}

func TestConcurrentFill(t *testing.T) {
	const total = 40960
	const hint = 4096
	rf, path := newOpenFile(t, total, hint)
	data := sourceData(total)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var block ranges.Block
			for rf.Allocate(&block) {
				// sometimes stop early to exercise the partial path
				size := block.Remaining()
				if rng.Intn(4) == 0 {
					size = size / 2
				}
				if size > 0 {
					if err := rf.Fill(&block, data[block.Position:block.Position+size]); err != nil {
						t.Error(err)
						return
					}
				}
				if err := rf.Deallocate(block); err != nil {
					t.Error(err)
					return
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()

	assert.True(t, rf.IsFull())
	assert.Equal(t, int64(total), rf.Processed())
	require.NoError(t, rf.Close(true))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestCloseFinished(t *testing.T) {
	rf, path := newOpenFile(t, 100, 100)
	data := sourceData(100)

	var block ranges.Block
	require.True(t, rf.Allocate(&block))
	require.NoError(t, rf.Fill(&block, data))
	require.NoError(t, rf.Deallocate(block))
	require.NoError(t, rf.Close(true))

	_, err := os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".temp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".meta")
	assert.True(t, os.IsNotExist(err))
}

func TestCloseFinishedIncomplete(t *testing.T) {
	rf, _ := newOpenFile(t, 200, 100)

	var block ranges.Block
	require.True(t, rf.Allocate(&block))
	require.NoError(t, rf.Deallocate(block))

	assert.Error(t, rf.Close(true))
}

func TestCloseUnfinishedKeepsArtifacts(t *testing.T) {
	rf, path := newOpenFile(t, 200, 100)
	data := sourceData(200)

	var block ranges.Block
	require.True(t, rf.Allocate(&block))
	require.NoError(t, rf.Fill(&block, data[0:100]))
	require.NoError(t, rf.Deallocate(block))
	require.NoError(t, rf.Close(false))

	_, err := os.Stat(path + ".temp")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".meta")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDumpAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.bin")
	data := sourceData(1000)

	rf := New()
	require.NoError(t, rf.Reserve(1000, 100))
	require.NoError(t, rf.Open(path))

	var b0, b1, b2 ranges.Block
	require.True(t, rf.Allocate(&b0)) // [0,99] finish
	require.True(t, rf.Allocate(&b1)) // [100,199] leave half-filled in flight
	require.True(t, rf.Allocate(&b2)) // [200,299] return untouched

	require.NoError(t, rf.Fill(&b0, data[0:100]))
	require.NoError(t, rf.Deallocate(b0))
	require.NoError(t, rf.Fill(&b1, data[100:150]))
	require.NoError(t, rf.Deallocate(b2))
	require.NoError(t, rf.Dump())

	assert.Equal(t, int64(150), rf.Processed())
	require.NoError(t, rf.Close(false))

	// a fresh instance with the same configuration resumes
	resumed := New()
	require.NoError(t, resumed.Reserve(1000, 100))
	require.NoError(t, resumed.Open(path))
	defer resumed.Close(false)

	// the in-flight block was re-queued in full and its bytes forgotten
	assert.Equal(t, int64(100), resumed.Processed())
	assert.False(t, resumed.IsFull())

	// everything except the finished block is allocatable again
	var sum int64
	var block ranges.Block
	for resumed.Allocate(&block) {
		assert.GreaterOrEqual(t, block.Start, int64(100))
		sum += block.Size()
	}
	assert.Equal(t, int64(900), sum)
}

func TestRestoreRejectsMismatchedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	data := sourceData(1000)

	rf := New()
	require.NoError(t, rf.Reserve(1000, 100))
	require.NoError(t, rf.Open(path))
	var block ranges.Block
	require.True(t, rf.Allocate(&block))
	require.NoError(t, rf.Fill(&block, data[0:100]))
	require.NoError(t, rf.Deallocate(block))
	require.NoError(t, rf.Close(false))

	// a different block hint invalidates the checkpoint
	other := New()
	require.NoError(t, other.Reserve(1000, 200))
	require.NoError(t, other.Open(path))
	defer other.Close(false)

	var sum int64
	for other.Allocate(&block) {
		sum += block.Size()
	}
	assert.Equal(t, int64(1000), sum)
}

func TestOpenDiscardsCorruptMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	data := sourceData(500)

	rf := New()
	require.NoError(t, rf.Reserve(500, 100))
	require.NoError(t, rf.Open(path))
	var block ranges.Block
	require.True(t, rf.Allocate(&block))
	require.NoError(t, rf.Fill(&block, data[0:100]))
	require.NoError(t, rf.Deallocate(block))
	require.NoError(t, rf.Close(false))

	require.NoError(t, os.WriteFile(path+".meta", []byte("garbage"), 0644))

	resumed := New()
	require.NoError(t, resumed.Reserve(500, 100))
	require.NoError(t, resumed.Open(path))
	defer resumed.Close(false)

	// the partition restarts from scratch
	assert.Equal(t, int64(0), resumed.Processed())
	var sum int64
	for resumed.Allocate(&block) {
		sum += block.Size()
	}
	assert.Equal(t, int64(500), sum)
}

func TestOpenResizesStaleTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(path+".temp", make([]byte, 123), 0644))
	require.NoError(t, os.WriteFile(path+".meta", []byte("stale"), 0644))

	rf := New()
	require.NoError(t, rf.Reserve(500, 100))
	require.NoError(t, rf.Open(path))
	defer rf.Close(false)

	info, err := os.Stat(path + ".temp")
	require.NoError(t, err)
	assert.Equal(t, int64(500), info.Size())
	_, err = os.Stat(path + ".meta")
	assert.True(t, os.IsNotExist(err))
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "out.bin")
	rf := New()
	require.NoError(t, rf.Reserve(100, 100))
	require.NoError(t, rf.Open(path))
	require.NoError(t, rf.Close(false))
}

func TestFillStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "direct.bin")
	data := sourceData(300)

	rf := New()
	require.NoError(t, rf.Reserve(-1, 0))
	require.NoError(t, rf.Open(path))
	require.NoError(t, rf.FillStream(data[0:100]))
	require.NoError(t, rf.FillStream(data[100:300]))
	assert.Equal(t, int64(300), rf.Processed())
	require.NoError(t, rf.Close(true))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}
