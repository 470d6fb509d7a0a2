package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	configuration "github.com/buildbarn/bb-simplefs/pkg/configuration/bb_simplefs"
	"github.com/buildbarn/bb-simplefs/pkg/filesystem/simplefs"
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/program"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/pflag"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bb_simplefs provides access to regular files stored in a simplefs
// image without mounting it. Files are addressed by inode number, as
// simplefs images created by this tool contain no directory entries.

const usage = `Usage: bb_simplefs --config bb_simplefs.jsonnet command [arguments]

Commands:
  mkfs                  Create an empty file system image
  create                Create an empty file and print its inode number
  write INODE           Copy standard input into a file
  read INODE            Copy the contents of a file to standard output
  truncate INODE SIZE   Change the size of a file
  rm INODE              Remove a file
  stat INODE            Print the attributes of a file
  df                    Print the number of free blocks and inodes
`

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "Invalid number %#v", s)
	}
	return uint32(v), nil
}

func main() {
	configurationPath := pflag.String("config", "", "Path of the Jsonnet configuration file")
	mode := pflag.Uint32("mode", 0o100644, "File mode of files created with \"create\"")
	uid := pflag.Uint32("uid", uint32(os.Getuid()), "Owning user of files created with \"create\"")
	gid := pflag.Uint32("gid", uint32(os.Getgid()), "Owning group of files created with \"create\"")
	offset := pflag.Int64("offset", 0, "Offset at which \"read\" and \"write\" operate")
	length := pflag.Int64("length", -1, "Number of bytes copied by \"read\", or -1 to read until the end of the file")
	pflag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	pflag.SetInterspersed(false)
	pflag.Parse()

	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		args := pflag.Args()
		if *configurationPath == "" || len(args) == 0 {
			return status.Error(codes.InvalidArgument, usage)
		}
		applicationConfiguration, err := configuration.GetApplicationConfiguration(*configurationPath)
		if err != nil {
			return util.StatusWrapf(err, "Failed to read configuration from %s", *configurationPath)
		}

		if args[0] == "mkfs" {
			return makeFileSystem(applicationConfiguration)
		}

		lockFile, err := lockImage(applicationConfiguration.ImagePath)
		if err != nil {
			return err
		}
		defer lockFile.Close()

		blockDevice, sectorSizeBytes, sectorCount, err := blockdevice.NewBlockDeviceFromFile(applicationConfiguration.ImagePath, 0, false)
		if err != nil {
			return util.StatusWrapf(err, "Failed to open image %#v", applicationConfiguration.ImagePath)
		}
		defer blockDevice.Close()
		fs, err := simplefs.Mount(
			blockDevice,
			clock.SystemClock,
			util.DefaultErrorLogger,
			simplefs.MountOptions{
				DeviceSizeBytes:      int64(sectorSizeBytes) * sectorCount,
				MaximumCachedBuffers: applicationConfiguration.MaximumCachedBuffers,
				FlushConcurrency:     applicationConfiguration.FlushConcurrency,
				EnableMetrics:        applicationConfiguration.EnableMetrics,
			})
		if err != nil {
			return util.StatusWrapf(err, "Failed to mount image %#v", applicationConfiguration.ImagePath)
		}

		if err := runCommand(fs, args, *mode, *uid, *gid, *offset, *length); err != nil {
			fs.Close()
			return err
		}
		if err := fs.Close(); err != nil {
			return util.StatusWrap(err, "Failed to write back changes")
		}
		if applicationConfiguration.EnableMetrics {
			return printMetrics()
		}
		return nil
	})
}

func makeFileSystem(applicationConfiguration *configuration.ApplicationConfiguration) error {
	blockDevice, _, _, err := blockdevice.NewBlockDeviceFromFile(
		applicationConfiguration.ImagePath,
		int(applicationConfiguration.ImageSizeBytes),
		true)
	if err != nil {
		return util.StatusWrapf(err, "Failed to create image %#v", applicationConfiguration.ImagePath)
	}
	defer blockDevice.Close()
	id, err := uuid.NewRandom()
	if err != nil {
		return util.StatusWrap(err, "Failed to generate file system UUID")
	}
	sb, err := simplefs.Format(
		blockDevice,
		uint32(applicationConfiguration.ImageSizeBytes/simplefs.BlockSizeBytes),
		applicationConfiguration.InodeCount,
		id,
		clock.SystemClock)
	if err != nil {
		return util.StatusWrapf(err, "Failed to format image %#v", applicationConfiguration.ImagePath)
	}
	log.Printf("Created file system %s with %d blocks and %d inodes", sb.UUID, sb.TotalBlocks, sb.TotalInodes)
	return nil
}

func runCommand(fs *simplefs.FileSystem, args []string, mode, uid, gid uint32, offset, length int64) error {
	var inodeNumber uint32
	expectedArgs := map[string]int{
		"create":   1,
		"write":    2,
		"read":     2,
		"truncate": 3,
		"rm":       2,
		"stat":     2,
		"df":       1,
	}
	if n, ok := expectedArgs[args[0]]; !ok {
		return status.Errorf(codes.InvalidArgument, "Unknown command %#v", args[0])
	} else if len(args) != n {
		return status.Errorf(codes.InvalidArgument, "Command %#v expects %d arguments, while %d were provided", args[0], n-1, len(args)-1)
	} else if n > 1 {
		var err error
		if inodeNumber, err = parseUint32(args[1]); err != nil {
			return err
		}
	}

	switch args[0] {
	case "create":
		inodeNumber, err := fs.CreateFile(mode, uid, gid)
		if err != nil {
			return err
		}
		fmt.Println(inodeNumber)
	case "write":
		f, err := fs.OpenFile(inodeNumber)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(io.NewOffsetWriter(f, offset), os.Stdin); err != nil {
			return util.StatusWrapf(err, "Failed to write to inode %d", inodeNumber)
		}
	case "read":
		f, err := fs.OpenFile(inodeNumber)
		if err != nil {
			return err
		}
		defer f.Close()
		var r io.Reader = io.NewSectionReader(f, offset, 1<<62)
		if length >= 0 {
			r = io.LimitReader(r, length)
		}
		if _, err := io.Copy(os.Stdout, r); err != nil {
			return util.StatusWrapf(err, "Failed to read from inode %d", inodeNumber)
		}
	case "truncate":
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "Invalid size %#v", args[2])
		}
		f, err := fs.OpenFile(inodeNumber)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Truncate(size)
	case "rm":
		return fs.RemoveFile(inodeNumber)
	case "stat":
		attributes, err := fs.GetAttributes(inodeNumber)
		if err != nil {
			return err
		}
		fmt.Printf("Inode:  %d\n", attributes.Number)
		fmt.Printf("Mode:   %#o\n", attributes.Mode)
		fmt.Printf("Owner:  %d:%d\n", attributes.UID, attributes.GID)
		fmt.Printf("Links:  %d\n", attributes.LinkCount)
		fmt.Printf("Size:   %d\n", attributes.SizeBytes)
		fmt.Printf("Blocks: %d\n", attributes.BlockCount)
		fmt.Printf("Index:  %d\n", attributes.IndexBlock)
		fmt.Printf("Access: %s\n", attributes.AccessTime)
		fmt.Printf("Modify: %s\n", attributes.ModificationTime)
		fmt.Printf("Change: %s\n", attributes.ChangeTime)
	case "df":
		statistics := fs.GetStatistics()
		fmt.Printf("UUID:        %s\n", statistics.UUID)
		fmt.Printf("Block size:  %d\n", statistics.BlockSizeBytes)
		fmt.Printf("Blocks:      %d total, %d free\n", statistics.TotalBlocks, statistics.FreeBlocks)
		fmt.Printf("Inodes:      %d total, %d free\n", statistics.TotalInodes, statistics.FreeInodes)
	}
	return nil
}

// printMetrics writes the metrics collected while running the command
// to standard error in the Prometheus text format.
func printMetrics() error {
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return util.StatusWrap(err, "Failed to gather metrics")
	}
	for _, metricFamily := range metricFamilies {
		if _, err := expfmt.MetricFamilyToText(os.Stderr, metricFamily); err != nil {
			return util.StatusWrap(err, "Failed to print metrics")
		}
	}
	return nil
}
