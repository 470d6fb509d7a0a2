package configuration

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/go-jsonnet"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ApplicationConfiguration is the configuration of bb_simplefs. It is
// stored as a Jsonnet file.
type ApplicationConfiguration struct {
	// Path of the file holding the file system image.
	ImagePath string `json:"imagePath"`
	// Size of the image that is created by "bb_simplefs mkfs".
	ImageSizeBytes int64 `json:"imageSizeBytes"`
	// Number of inodes that is created by "bb_simplefs mkfs". When
	// zero, one inode is created for every block.
	InodeCount uint32 `json:"inodeCount"`
	// Number of clean blocks that are retained in memory.
	MaximumCachedBuffers int `json:"maximumCachedBuffers"`
	// Number of blocks that are written in parallel when syncing.
	FlushConcurrency int `json:"flushConcurrency"`
	// Whether Prometheus metrics need to be collected. When enabled,
	// they are printed to standard error before the command exits.
	EnableMetrics bool `json:"enableMetrics"`
}

// GetApplicationConfiguration reads the configuration from file and
// fills in default values. Environment variables are made available to
// the Jsonnet file as external variables.
func GetApplicationConfiguration(path string) (*ApplicationConfiguration, error) {
	vm := jsonnet.MakeVM()
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			vm.ExtVar(key, value)
		}
	}
	rendered, err := vm.EvaluateFile(path)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Failed to evaluate configuration: %s", err)
	}

	var applicationConfiguration ApplicationConfiguration
	decoder := json.NewDecoder(strings.NewReader(rendered))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&applicationConfiguration); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to decode configuration file %#v", path)
	}
	setDefaultApplicationValues(&applicationConfiguration)
	return &applicationConfiguration, nil
}

func setDefaultApplicationValues(applicationConfiguration *ApplicationConfiguration) {
	if applicationConfiguration.ImageSizeBytes == 0 {
		applicationConfiguration.ImageSizeBytes = 64 * 1024 * 1024
	}
	if applicationConfiguration.MaximumCachedBuffers == 0 {
		applicationConfiguration.MaximumCachedBuffers = 1024
	}
	if applicationConfiguration.FlushConcurrency == 0 {
		applicationConfiguration.FlushConcurrency = 8
	}
}
