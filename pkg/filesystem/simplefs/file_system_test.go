package simplefs_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/buildbarn/bb-simplefs/internal/mock"
	"github.com/buildbarn/bb-simplefs/pkg/filesystem/simplefs"
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var defaultMountOptions = simplefs.MountOptions{
	MaximumCachedBuffers: 64,
	FlushConcurrency:     4,
}

// newFormattedBlockDevice creates a block device backed by a file in a
// temporary directory, containing an empty file system.
func newFormattedBlockDevice(t *testing.T, clock *mock.MockClock, blockCount uint32) blockdevice.BlockDevice {
	blockDevice, _, _, err := blockdevice.NewBlockDeviceFromFile(
		path.Join(t.TempDir(), "image"),
		int(blockCount)*simplefs.BlockSizeBytes,
		true)
	require.NoError(t, err)

	sb, err := simplefs.Format(blockDevice, blockCount, 0, exampleUUID, clock)
	require.NoError(t, err)
	require.Equal(t, blockCount, sb.TotalBlocks)
	return blockDevice
}

func readAll(t *testing.T, f filesystem.FileReadWriter, off int64, length int) []byte {
	p := make([]byte, length)
	n, err := f.ReadAt(p, off)
	if err != io.EOF {
		require.NoError(t, err)
	}
	return p[:n]
}

func TestFileSystemLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Unix(1000, 0)).AnyTimes()
	errorLogger := mock.NewMockErrorLogger(ctrl)
	blockDevice := newFormattedBlockDevice(t, clock, 1024)

	options := defaultMountOptions
	options.DeviceSizeBytes = 1024 * simplefs.BlockSizeBytes
	options.EnableMetrics = true
	fs, err := simplefs.Mount(blockDevice, clock, errorLogger, options)
	require.NoError(t, err)
	require.Equal(t, simplefs.Statistics{
		UUID:           exampleUUID,
		BlockSizeBytes: simplefs.BlockSizeBytes,
		TotalBlocks:    1024,
		FreeBlocks:     1010,
		TotalInodes:    1122,
		FreeInodes:     1121,
	}, fs.GetStatistics())

	// The root inode is not a regular file.
	_, err = fs.OpenFile(0)
	testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Inode 0 does not refer to a regular file"), err)
	_, err = fs.OpenFile(2000)
	testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Inode 2000 does not refer to a regular file"), err)

	// Creating a file allocates an inode and an index block.
	inodeNumber, err := fs.CreateFile(0o100644, 1000, 100)
	require.NoError(t, err)
	require.Equal(t, uint32(1), inodeNumber)
	attributes, err := fs.GetAttributes(inodeNumber)
	require.NoError(t, err)
	require.Equal(t, simplefs.InodeInfo{
		Number:           1,
		Mode:             0o100644,
		UID:              1000,
		GID:              100,
		LinkCount:        1,
		BlockCount:       1,
		AccessTime:       time.Unix(1000, 0),
		ChangeTime:       time.Unix(1000, 0),
		ModificationTime: time.Unix(1000, 0),
		IndexBlock:       14,
	}, attributes)
	require.Equal(t, uint32(1009), fs.GetStatistics().FreeBlocks)
	require.Equal(t, uint32(1120), fs.GetStatistics().FreeInodes)

	f, err := fs.OpenFile(inodeNumber)
	require.NoError(t, err)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	t.Run("WriteThenTruncate", func(t *testing.T) {
		// A 5000 byte write allocates two data blocks.
		n, err := f.WriteAt(data, 0)
		require.Equal(t, 5000, n)
		require.NoError(t, err)
		require.Equal(t, uint32(1007), fs.GetStatistics().FreeBlocks)

		attributes, err := fs.GetAttributes(inodeNumber)
		require.NoError(t, err)
		require.Equal(t, uint64(5000), attributes.SizeBytes)
		require.Equal(t, uint32(3), attributes.BlockCount)
		require.Equal(t, data, readAll(t, f, 0, 6000))

		// Shrinking the file to 100 bytes releases logical
		// block 1, while logical block 0 is retained.
		require.NoError(t, f.Truncate(100))
		require.Equal(t, uint32(1008), fs.GetStatistics().FreeBlocks)

		attributes, err = fs.GetAttributes(inodeNumber)
		require.NoError(t, err)
		require.Equal(t, uint64(100), attributes.SizeBytes)
		require.Equal(t, uint32(2), attributes.BlockCount)
		require.Equal(t, data[:100], readAll(t, f, 0, 6000))
	})

	t.Run("SparseWrite", func(t *testing.T) {
		// Writing beyond the end of the file leaves a hole
		// behind. Data that was previously truncated away
		// should not reappear.
		n, err := f.WriteAt([]byte("Hello"), 16384)
		require.Equal(t, 5, n)
		require.NoError(t, err)
		require.Equal(t, uint32(1007), fs.GetStatistics().FreeBlocks)

		expected := make([]byte, 16389)
		copy(expected, data[:100])
		copy(expected[16384:], "Hello")
		require.Equal(t, expected, readAll(t, f, 0, 20000))

		off, err := f.GetNextRegionOffset(100, filesystem.Hole)
		require.NoError(t, err)
		require.Equal(t, int64(4096), off)
		off, err = f.GetNextRegionOffset(4096, filesystem.Data)
		require.NoError(t, err)
		require.Equal(t, int64(16384), off)
	})

	t.Run("FileTooLarge", func(t *testing.T) {
		n, err := f.WriteAt([]byte("Hello"), simplefs.MaximumFileSizeBytes-4)
		require.Equal(t, 0, n)
		testutil.RequireEqualStatus(t, status.Error(codes.ResourceExhausted, "Writing 5 bytes at offset 4194300 would exceed the maximum file size of 4194304 bytes"), err)
		require.Equal(t, uint32(1007), fs.GetStatistics().FreeBlocks)
	})

	t.Run("Remount", func(t *testing.T) {
		// All changes should be persisted, and the superblock
		// counters should match the bitmaps.
		require.NoError(t, f.Sync())
		require.NoError(t, f.Close())
		require.NoError(t, fs.Close())

		fs, err = simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
		require.NoError(t, err)
		require.Equal(t, uint32(1007), fs.GetStatistics().FreeBlocks)
		require.Equal(t, uint32(1120), fs.GetStatistics().FreeInodes)

		attributes, err := fs.GetAttributes(inodeNumber)
		require.NoError(t, err)
		require.Equal(t, simplefs.InodeInfo{
			Number:           1,
			Mode:             0o100644,
			UID:              1000,
			GID:              100,
			LinkCount:        1,
			SizeBytes:        16389,
			BlockCount:       6,
			AccessTime:       time.Unix(1000, 0),
			ChangeTime:       time.Unix(1000, 0),
			ModificationTime: time.Unix(1000, 0),
			IndexBlock:       14,
		}, attributes)

		f, err = fs.OpenFile(inodeNumber)
		require.NoError(t, err)
		require.Equal(t, data[:100], readAll(t, f, 0, 100))
		require.Equal(t, []byte("Hello"), readAll(t, f, 16384, 100))
	})

	t.Run("Remove", func(t *testing.T) {
		// Removing the file releases its data blocks, its index
		// block and its inode.
		require.NoError(t, fs.RemoveFile(inodeNumber))
		require.Equal(t, uint32(1010), fs.GetStatistics().FreeBlocks)
		require.Equal(t, uint32(1121), fs.GetStatistics().FreeInodes)

		_, err := fs.OpenFile(inodeNumber)
		testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Inode 1 is not in use"), err)

		// Handles that were opened before removal should no
		// longer be usable.
		var p [10]byte
		_, err = f.ReadAt(p[:], 0)
		testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Inode 1 has been removed"), err)

		require.NoError(t, fs.Close())
		fs, err = simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
		require.NoError(t, err)
		require.Equal(t, uint32(1010), fs.GetStatistics().FreeBlocks)
		require.Equal(t, uint32(1121), fs.GetStatistics().FreeInodes)
		_, err = fs.OpenFile(inodeNumber)
		testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Inode 1 is not in use"), err)
	})
}

func TestFileSystemOutOfSpace(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Unix(1000, 0)).AnyTimes()
	errorLogger := mock.NewMockErrorLogger(ctrl)

	// A file system of 32 blocks has 28 data blocks. One of them
	// is used as the index block of the file.
	blockDevice := newFormattedBlockDevice(t, clock, 32)
	fs, err := simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
	require.NoError(t, err)
	inodeNumber, err := fs.CreateFile(0o100644, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(27), fs.GetStatistics().FreeBlocks)
	f, err := fs.OpenFile(inodeNumber)
	require.NoError(t, err)

	// Writes that cannot be satisfied are rejected upfront,
	// without allocating any blocks.
	n, err := f.WriteAt(make([]byte, 28*simplefs.BlockSizeBytes), 0)
	require.Equal(t, 0, n)
	testutil.RequireEqualStatus(t, status.Error(codes.ResourceExhausted, "Write of 114688 bytes at offset 0 may require 28 new blocks, while only 27 blocks are free"), err)
	require.Equal(t, uint32(27), fs.GetStatistics().FreeBlocks)

	// Consume all space.
	n, err = f.WriteAt(bytes.Repeat([]byte{'x'}, 27*simplefs.BlockSizeBytes), 0)
	require.Equal(t, 27*simplefs.BlockSizeBytes, n)
	require.NoError(t, err)
	require.Equal(t, uint32(0), fs.GetStatistics().FreeBlocks)

	// Overwriting existing data remains possible.
	n, err = f.WriteAt([]byte("Hello"), 0)
	require.Equal(t, 5, n)
	require.NoError(t, err)

	// Appending is not. For files whose size is a multiple of the
	// block size, the block count accounts for one more block than
	// is in use. The write is admitted, but fails when allocating.
	attributes, err := fs.GetAttributes(inodeNumber)
	require.NoError(t, err)
	require.Equal(t, uint32(29), attributes.BlockCount)
	n, err = f.WriteAt([]byte("Hello"), 27*simplefs.BlockSizeBytes)
	require.Equal(t, 0, n)
	testutil.RequireEqualStatus(t, status.Error(codes.ResourceExhausted, "Failed to write to inode 1 at offset 110592: Failed to allocate logical block 27 of inode 1: No free blocks available"), err)

	n, err = f.WriteAt([]byte("Hello"), 28*simplefs.BlockSizeBytes)
	require.Equal(t, 0, n)
	testutil.RequireEqualStatus(t, status.Error(codes.ResourceExhausted, "Write of 5 bytes at offset 114688 may require 1 new blocks, while only 0 blocks are free"), err)

	// Creating files requires an index block.
	_, err = fs.CreateFile(0o100644, 0, 0)
	testutil.RequireEqualStatus(t, status.Error(codes.ResourceExhausted, "Failed to allocate index block: No free blocks available"), err)
	require.Equal(t, uint32(101), fs.GetStatistics().FreeInodes)

	// Truncation makes all data blocks available again.
	require.NoError(t, f.Truncate(0))
	require.Equal(t, uint32(27), fs.GetStatistics().FreeBlocks)
	require.NoError(t, fs.Close())
}

func TestFileSystemConcurrentWrites(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Unix(1000, 0)).AnyTimes()
	errorLogger := mock.NewMockErrorLogger(ctrl)
	blockDevice := newFormattedBlockDevice(t, clock, 1024)
	fs, err := simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
	require.NoError(t, err)

	// Files are written in parallel. Each file should contain
	// exactly the data written to it, meaning no block is handed
	// out twice.
	const fileCount = 8
	inodeNumbers := make([]uint32, fileCount)
	errs := make([]error, fileCount)
	var wg sync.WaitGroup
	for i := 0; i < fileCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inodeNumber, err := fs.CreateFile(0o100644, 0, 0)
			if err != nil {
				errs[i] = err
				return
			}
			inodeNumbers[i] = inodeNumber
			f, err := fs.OpenFile(inodeNumber)
			if err != nil {
				errs[i] = err
				return
			}
			for off := 0; off < 12000; off += 1000 {
				if _, err := f.WriteAt(bytes.Repeat([]byte{byte('a' + i)}, 1000), int64(off)); err != nil {
					errs[i] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Every file uses an index block and three data blocks.
	require.Equal(t, uint32(1010-fileCount*4), fs.GetStatistics().FreeBlocks)
	for i, inodeNumber := range inodeNumbers {
		f, err := fs.OpenFile(inodeNumber)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 12000), readAll(t, f, 0, 20000))
	}
	require.NoError(t, fs.Close())
}

func TestFileSystemConcurrentSync(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Unix(1000, 0)).AnyTimes()
	errorLogger := mock.NewMockErrorLogger(ctrl)
	blockDevice := newFormattedBlockDevice(t, clock, 1024)
	fs, err := simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
	require.NoError(t, err)

	// Synchronizing the file system while other files are being
	// written should neither interfere with the writers, nor
	// persist blocks that were only partially modified.
	const fileCount = 4
	handles := make([]filesystem.FileReadWriter, fileCount)
	inodeNumbers := make([]uint32, fileCount)
	for i := range handles {
		inodeNumbers[i], err = fs.CreateFile(0o100644, 0, 0)
		require.NoError(t, err)
		handles[i], err = fs.OpenFile(inodeNumbers[i])
		require.NoError(t, err)
	}

	errs := make([]error, fileCount+1)
	var wg sync.WaitGroup
	for i := 1; i < fileCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				if _, err := handles[i].WriteAt(bytes.Repeat([]byte{byte('a' + round)}, 40000), 0); err != nil {
					errs[i] = err
					return
				}
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for round := 0; round < 20; round++ {
			if err := handles[0].Sync(); err != nil {
				errs[0] = err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for round := 0; round < 20; round++ {
			if err := fs.Sync(); err != nil {
				errs[fileCount] = err
				return
			}
		}
	}()
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// After a final synchronization, the image should contain the
	// data of the last round of writes.
	require.NoError(t, fs.Close())
	fs, err = simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
	require.NoError(t, err)
	for i := 1; i < fileCount; i++ {
		f, err := fs.OpenFile(inodeNumbers[i])
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{'a' + 19}, 40000), readAll(t, f, 0, 50000))
	}
	require.NoError(t, fs.Close())
}

func TestFileSystemConcurrentRemove(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Unix(1000, 0)).AnyTimes()
	errorLogger := mock.NewMockErrorLogger(ctrl)
	blockDevice := newFormattedBlockDevice(t, clock, 1024)
	fs, err := simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
	require.NoError(t, err)

	inodeNumber, err := fs.CreateFile(0o100644, 0, 0)
	require.NoError(t, err)
	f, err := fs.OpenFile(inodeNumber)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("Hello"), 0)
	require.NoError(t, err)

	// Only a single call may remove the file. All other calls
	// should report that the file no longer exists, as opposed to
	// interpreting the superblock as an index block.
	const removerCount = 8
	errs := make([]error, removerCount)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fs.RemoveFile(inodeNumber)
		}()
	}
	wg.Wait()

	removed := 0
	for _, err := range errs {
		if err == nil {
			removed++
		} else {
			require.Equal(t, codes.NotFound, status.Code(err))
		}
	}
	require.Equal(t, 1, removed)
	require.Equal(t, uint32(1010), fs.GetStatistics().FreeBlocks)
	require.Equal(t, uint32(1121), fs.GetStatistics().FreeInodes)
	require.NoError(t, fs.Close())
}

func TestFileSystemMount(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Unix(1000, 0)).AnyTimes()
	errorLogger := mock.NewMockErrorLogger(ctrl)

	t.Run("BadMagic", func(t *testing.T) {
		blockDevice := newFormattedBlockDevice(t, clock, 1024)
		_, err := blockDevice.WriteAt(make([]byte, simplefs.BlockSizeBytes), 0)
		require.NoError(t, err)

		_, err = simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
		testutil.RequireEqualStatus(t, status.Error(codes.FailedPrecondition, "Invalid superblock: Superblock has magic 0x0, while 0xdeadce was expected"), err)
	})

	t.Run("DeviceTooSmall", func(t *testing.T) {
		blockDevice := newFormattedBlockDevice(t, clock, 1024)
		options := defaultMountOptions
		options.DeviceSizeBytes = 1000 * simplefs.BlockSizeBytes

		_, err := simplefs.Mount(blockDevice, clock, errorLogger, options)
		testutil.RequireEqualStatus(t, status.Error(codes.FailedPrecondition, "File system consists of 1024 blocks, which exceeds the size of the block device of 4096000 bytes"), err)
	})

	t.Run("FreeCountMismatch", func(t *testing.T) {
		// The bitmaps are authoritative. Mismatches are
		// repaired by the next call to Sync().
		blockDevice := newFormattedBlockDevice(t, clock, 1024)
		var freeBlocks [4]byte
		binary.LittleEndian.PutUint32(freeBlocks[:], 5)
		_, err := blockDevice.WriteAt(freeBlocks[:], 28)
		require.NoError(t, err)

		errorLogger.EXPECT().Log(status.Error(codes.FailedPrecondition, "Superblock reports 5 free blocks, while the block bitmap contains 1010 free blocks"))
		fs, err := simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
		require.NoError(t, err)
		require.Equal(t, uint32(1010), fs.GetStatistics().FreeBlocks)
		require.NoError(t, fs.Close())

		_, err = simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
		require.NoError(t, err)
	})

	t.Run("MetadataMarkedFree", func(t *testing.T) {
		// Metadata blocks should never be handed out, even if
		// the bitmap claims they are free.
		blockDevice := newFormattedBlockDevice(t, clock, 1024)
		_, err := blockDevice.WriteAt([]byte{0x04}, 13*simplefs.BlockSizeBytes)
		require.NoError(t, err)

		errorLogger.EXPECT().Log(status.Error(codes.FailedPrecondition, "Block bitmap marks 1 metadata blocks as free"))
		fs, err := simplefs.Mount(blockDevice, clock, errorLogger, defaultMountOptions)
		require.NoError(t, err)
		require.Equal(t, uint32(1010), fs.GetStatistics().FreeBlocks)

		inodeNumber, err := fs.CreateFile(0o100644, 0, 0)
		require.NoError(t, err)
		attributes, err := fs.GetAttributes(inodeNumber)
		require.NoError(t, err)
		require.Equal(t, uint32(14), attributes.IndexBlock)
	})
}
