package mock

//go:generate mockgen -destination blockdevice.go -package mock github.com/buildbarn/bb-storage/pkg/blockdevice BlockDevice
//go:generate mockgen -destination clock.go -package mock github.com/buildbarn/bb-storage/pkg/clock Clock
//go:generate mockgen -destination filesystem.go -package mock github.com/buildbarn/bb-simplefs/pkg/filesystem BlockAllocator
//go:generate mockgen -destination simplefs.go -package mock github.com/buildbarn/bb-simplefs/pkg/filesystem/simplefs BlockMapper,FileOperations,InodeStore,StagingLayer,Syncer
//go:generate mockgen -destination util.go -package mock github.com/buildbarn/bb-storage/pkg/util ErrorLogger
