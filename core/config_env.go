package core

// config_env.go builds bootstrap configuration from environment variables
// using the shared pkg/utils env helpers. This is deliberately narrow: full
// CLI parsing and configuration-file loading are out-of-scope external
// collaborators (spec.md §1); only the handful of knobs a node process needs
// before it can mount its Ledger and start replaying are defaulted here.

import (
	"synnergy-network/pkg/utils"
)

// Default bootstrap parameters, overridable individually via environment
// variables below.
const (
	defaultWorkDir      = "./data"
	defaultMaxFileCount = 64
	defaultMaxFileSize  = uint64(64 << 20) // 64 MiB
	defaultMaxDirCount  = 16
	defaultMaxLevel     = 2
	defaultSlotDuration = uint64(5)
	defaultSlotsPerEpoch = uint64(100)
)

// NodeConfigFromEnv builds a NodeConfig from environment variables, falling
// back to sane defaults for any that are unset. genesisTime has no sane
// default and must always be supplied by the caller (it is chain-specific).
func NodeConfigFromEnv(genesisTime int64) (NodeConfig, error) {
	workDir := utils.EnvOrDefault("SYNN_WORKDIR", defaultWorkDir)
	maxFileCount := utils.EnvOrDefaultInt("SYNN_STORE_MAX_FILE_COUNT", defaultMaxFileCount)
	maxFileSize := utils.EnvOrDefaultUint64("SYNN_STORE_MAX_FILE_SIZE", defaultMaxFileSize)
	maxDirCount := utils.EnvOrDefaultInt("SYNN_STORE_MAX_DIR_COUNT", defaultMaxDirCount)
	maxLevel := utils.EnvOrDefaultInt("SYNN_STORE_MAX_LEVEL", defaultMaxLevel)
	slotDuration := utils.EnvOrDefaultUint64("SYNN_SLOT_DURATION", defaultSlotDuration)
	slotsPerEpoch := utils.EnvOrDefaultUint64("SYNN_SLOTS_PER_EPOCH", defaultSlotsPerEpoch)

	if maxFileCount < 0 || maxDirCount < 0 || maxLevel < 0 {
		return NodeConfig{}, newErrf(ErrInternal, nil, "config: negative store limit from environment")
	}

	return NodeConfig{
		WorkDir: workDir,
		Store: DirDirConfig{
			DirPath:      workDir + "/ledger",
			MaxFileCount: uint32(maxFileCount),
			MaxFileSize:  maxFileSize,
			MaxDirCount:  uint32(maxDirCount),
			MaxLevel:     uint32(maxLevel),
		},
		Ouro: OuroborosConfig{
			GenesisTime:   genesisTime,
			SlotDuration:  slotDuration,
			SlotsPerEpoch: slotsPerEpoch,
		},
	}, nil
}
