package simplefs_test

import (
	"bytes"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/buildbarn/bb-simplefs/internal/mock"
	"github.com/buildbarn/bb-simplefs/pkg/filesystem/simplefs"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStagedFile(t *testing.T) {
	ctrl := gomock.NewController(t)

	blockDevice := mock.NewMockBlockDevice(ctrl)
	fileOperations := mock.NewMockFileOperations(ctrl)
	syncer := mock.NewMockSyncer(ctrl)
	errorLogger := mock.NewMockErrorLogger(ctrl)
	bufferCache := simplefs.NewBufferCache(blockDevice, 16, 1)

	inode := simplefs.InodeInfo{
		Number:     7,
		BlockCount: 1,
		IndexBlock: 20,
	}
	var inodeLock sync.Mutex
	f := simplefs.NewStagedFile(&inode, &inodeLock, fileOperations, bufferCache, syncer, errorLogger)

	t.Run("ReadEmptyFile", func(t *testing.T) {
		var p [10]byte
		n, err := f.ReadAt(p[:], math.MinInt64)
		require.Equal(t, 0, n)
		require.Equal(t, status.Error(codes.InvalidArgument, "Negative read offset: -9223372036854775808"), err)

		n, err = f.ReadAt(p[:], 0)
		require.Equal(t, 0, n)
		require.Equal(t, io.EOF, err)

		n, err = f.ReadAt(p[:], math.MaxInt64)
		require.Equal(t, 0, n)
		require.Equal(t, io.EOF, err)
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		n, err := f.WriteAt([]byte("Hello"), -1)
		require.Equal(t, 0, n)
		require.Equal(t, status.Error(codes.InvalidArgument, "Negative write offset: -1"), err)

		require.Equal(t, status.Error(codes.InvalidArgument, "Negative truncation size: -1"), f.Truncate(-1))

		_, err = f.GetNextRegionOffset(-1, filesystem.Data)
		require.Equal(t, status.Error(codes.InvalidArgument, "Negative seek offset: -1"), err)
	})

	t.Run("AdmissionFailure", func(t *testing.T) {
		// Writes that are rejected upfront shouldn't touch the
		// index of the file.
		fileOperations.EXPECT().AdmitWrite(&inode, uint64(0), uint64(5)).
			Return(status.Error(codes.ResourceExhausted, "Write of 5 bytes at offset 0 may require 1 new blocks, while only 0 blocks are free"))

		n, err := f.WriteAt([]byte("Hello"), 0)
		require.Equal(t, 0, n)
		require.Equal(t, status.Error(codes.ResourceExhausted, "Write of 5 bytes at offset 0 may require 1 new blocks, while only 0 blocks are free"), err)
	})

	t.Run("WriteAndRead", func(t *testing.T) {
		// The first write into a freshly allocated block should
		// not cause the block to be read.
		fileOperations.EXPECT().AdmitWrite(&inode, uint64(4090), uint64(11)).Return(nil)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(0), true).
			Return(simplefs.BlockMapping{PhysicalBlock: 100, Allocated: true}, nil)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(1), true).
			Return(simplefs.BlockMapping{PhysicalBlock: 101, Allocated: true}, nil)
		fileOperations.EXPECT().CommitWrite(&inode, gomock.Any(), uint64(4090), uint64(11), uint64(11)).
			DoAndReturn(func(inode *simplefs.InodeInfo, stagingLayer simplefs.StagingLayer, offset, requested, written uint64) (uint64, error) {
				inode.SizeBytes = offset + written
				return inode.SizeBytes, nil
			})

		n, err := f.WriteAt([]byte("Hello world"), 4090)
		require.Equal(t, 11, n)
		require.NoError(t, err)

		// Reading the data back should be serviced from the
		// buffer cache. The start of the file is zero filled.
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(0), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 100}, nil)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(1), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 101}, nil)

		var p [16]byte
		n, err = f.ReadAt(p[:], 4086)
		require.Equal(t, 15, n)
		require.Equal(t, io.EOF, err)
		require.Equal(t, []byte("\x00\x00\x00\x00Hello world"), p[:n])
	})

	t.Run("Len", func(t *testing.T) {
		size, err := f.Len()
		require.NoError(t, err)
		require.Equal(t, int64(4101), size)
	})

	t.Run("ReadHole", func(t *testing.T) {
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(0), false).
			Return(simplefs.BlockMapping{}, nil)

		p := bytes.Repeat([]byte{0xff}, 10)
		n, err := f.ReadAt(p, 0)
		require.Equal(t, 10, n)
		require.NoError(t, err)
		require.Equal(t, make([]byte, 10), p)
	})

	t.Run("ReadFailure", func(t *testing.T) {
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(0), false).
			Return(simplefs.BlockMapping{}, status.Error(codes.Internal, "Failed to read index block of inode 7: Disk on fire"))

		var p [10]byte
		n, err := f.ReadAt(p[:], 0)
		require.Equal(t, 0, n)
		testutil.RequireEqualStatus(t, status.Error(codes.Internal, "Failed to read from inode 7 at offset 0: Failed to read index block of inode 7: Disk on fire"), err)
	})

	t.Run("ShortWrite", func(t *testing.T) {
		// If allocating a block fails halfway, the data written
		// so far should be committed. The error of the failing
		// block should be returned to the caller.
		fileOperations.EXPECT().AdmitWrite(&inode, uint64(8192), uint64(5000)).Return(nil)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(2), true).
			Return(simplefs.BlockMapping{PhysicalBlock: 102, Allocated: true}, nil)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(3), true).
			Return(simplefs.BlockMapping{}, status.Error(codes.ResourceExhausted, "Failed to allocate logical block 3 of inode 7: No free blocks available"))
		fileOperations.EXPECT().CommitWrite(&inode, gomock.Any(), uint64(8192), uint64(5000), uint64(4096)).
			Return(uint64(12288), status.Error(codes.Aborted, "Only 4096 out of 5000 bytes were written at offset 8192"))

		n, err := f.WriteAt(bytes.Repeat([]byte{'x'}, 5000), 8192)
		require.Equal(t, 4096, n)
		testutil.RequireEqualStatus(t, status.Error(codes.ResourceExhausted, "Failed to write to inode 7 at offset 12288: Failed to allocate logical block 3 of inode 7: No free blocks available"), err)
	})

	t.Run("PartialOverwrite", func(t *testing.T) {
		// Modifying part of an existing block that is not
		// cached requires reading it first.
		inode.SizeBytes = 12288
		fileOperations.EXPECT().AdmitWrite(&inode, uint64(8194), uint64(3)).Return(nil)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(2), true).
			Return(simplefs.BlockMapping{PhysicalBlock: 200}, nil)
		blockDevice.EXPECT().ReadAt(gomock.Len(simplefs.BlockSizeBytes), int64(200*simplefs.BlockSizeBytes)).
			DoAndReturn(fillBlock('y'))
		fileOperations.EXPECT().CommitWrite(&inode, gomock.Any(), uint64(8194), uint64(3), uint64(3)).Return(uint64(12288), nil)

		n, err := f.WriteAt([]byte("abc"), 8194)
		require.Equal(t, 3, n)
		require.NoError(t, err)

		fileOperations.EXPECT().ResolveBlock(&inode, uint32(2), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 200}, nil)
		var p [6]byte
		n, err = f.ReadAt(p[:], 8192)
		require.Equal(t, 6, n)
		require.NoError(t, err)
		require.Equal(t, []byte("yyabcy"), p[:])
	})

	t.Run("GetNextRegionOffset", func(t *testing.T) {
		// Logical block 0 is a hole, while logical blocks 1 and
		// 2 contain data.
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(0), false).
			Return(simplefs.BlockMapping{}, nil).Times(2)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(1), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 101}, nil).Times(3)
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(2), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 200}, nil)

		off, err := f.GetNextRegionOffset(0, filesystem.Hole)
		require.NoError(t, err)
		require.Equal(t, int64(0), off)

		off, err = f.GetNextRegionOffset(10, filesystem.Data)
		require.NoError(t, err)
		require.Equal(t, int64(4096), off)

		off, err = f.GetNextRegionOffset(5000, filesystem.Data)
		require.NoError(t, err)
		require.Equal(t, int64(5000), off)

		// The end of the file acts as an implicit hole.
		off, err = f.GetNextRegionOffset(5000, filesystem.Hole)
		require.NoError(t, err)
		require.Equal(t, int64(12288), off)

		_, err = f.GetNextRegionOffset(12288, filesystem.Data)
		require.Equal(t, io.EOF, err)
	})

	t.Run("Truncate", func(t *testing.T) {
		fileOperations.EXPECT().Truncate(&inode, gomock.Any(), uint64(100)).Return(nil)
		require.NoError(t, f.Truncate(100))
	})

	t.Run("DiscardCacheFrom", func(t *testing.T) {
		stagingLayer := f.(simplefs.StagingLayer)

		// Offsets at block boundaries need no zeroing.
		stagingLayer.DiscardCacheFrom(&inode, 8192)

		// The trailing part of block 200 should be zeroed.
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(2), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 200}, nil)
		stagingLayer.DiscardCacheFrom(&inode, 8196)

		fileOperations.EXPECT().ResolveBlock(&inode, uint32(2), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 200}, nil)
		var p [6]byte
		n, err := f.ReadAt(p[:], 8192)
		require.Equal(t, 6, n)
		require.NoError(t, err)
		require.Equal(t, []byte("yyab\x00\x00"), p[:])

		// Failures are logged, as truncation can't be undone.
		fileOperations.EXPECT().ResolveBlock(&inode, uint32(5), false).
			Return(simplefs.BlockMapping{PhysicalBlock: 300}, nil)
		blockDevice.EXPECT().ReadAt(gomock.Len(simplefs.BlockSizeBytes), int64(300*simplefs.BlockSizeBytes)).
			Return(0, status.Error(codes.Unavailable, "Disk on fire"))
		errorLogger.EXPECT().Log(testutil.EqStatus(t, status.Error(codes.Internal, "Failed to zero trailing bytes of inode 7 beyond offset 20500: Failed to read block 300: Disk on fire")))
		stagingLayer.DiscardCacheFrom(&inode, 20500)
	})

	t.Run("Sync", func(t *testing.T) {
		syncer.EXPECT().Sync().Return(status.Error(codes.Internal, "Failed to synchronize block device: Disk on fire"))
		require.Equal(t, status.Error(codes.Internal, "Failed to synchronize block device: Disk on fire"), f.Sync())
	})

	t.Run("Removed", func(t *testing.T) {
		// Handles of removed files should no longer provide
		// access to the index block.
		removedInode := simplefs.InodeInfo{Number: 8}
		g := simplefs.NewStagedFile(&removedInode, &inodeLock, fileOperations, bufferCache, syncer, errorLogger)

		var p [10]byte
		_, err := g.ReadAt(p[:], 0)
		require.Equal(t, status.Error(codes.NotFound, "Inode 8 has been removed"), err)
		_, err = g.WriteAt(p[:], 0)
		require.Equal(t, status.Error(codes.NotFound, "Inode 8 has been removed"), err)
		require.Equal(t, status.Error(codes.NotFound, "Inode 8 has been removed"), g.Truncate(0))
		_, err = g.Len()
		require.Equal(t, status.Error(codes.NotFound, "Inode 8 has been removed"), err)
		require.NoError(t, g.Close())
	})

	require.NoError(t, f.Close())
}
