package qzgo

import "github.com/dmaccel/qzgo/internal/constants"

// Re-exported tunables (spec §6 parameter ranges), so callers configuring
// Params don't need to import the internal package directly.
const (
	DefaultHWBuffSz         = constants.DefaultHWBuffSz
	MinHWBuffSz             = constants.MinHWBuffSz
	MaxHWBuffSz             = constants.MaxHWBuffSz
	DefaultInputSzThreshold = constants.DefaultInputSzThreshold
	MinInputSzThreshold     = constants.MinInputSzThreshold
	DefaultReqCntThreshold  = constants.DefaultReqCntThreshold
	MinReqCntThreshold      = constants.MinReqCntThreshold
	MaxReqCntThreshold      = constants.MaxReqCntThreshold
	DefaultPollSleep        = constants.DefaultPollSleep
	DefaultCompLevel        = constants.DefaultCompLevel
	MinCompLevel            = constants.MinCompLevel
	MaxCompLevel            = constants.MaxCompLevel
	SoftwareOnlyCompLevel   = constants.SoftwareOnlyCompLevel
)
