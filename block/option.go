// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package block

import "go.uber.org/zap"

// Options configures a Store.
type Options struct {
	// BlockSize overrides DefaultBlockSize. Tiny block sizes build deep
	// trees from few items, which tests use to exercise descent paths.
	BlockSize int

	// ReadOnly forbids allocation, dirtying, and commit.
	ReadOnly bool

	// Logger receives store-level events. Nil means no logging.
	Logger *zap.Logger
}

func (opt Options) blockSize() int {
	if opt.BlockSize == 0 {
		return DefaultBlockSize
	}
	return opt.BlockSize
}

func (opt Options) logger() *zap.Logger {
	if opt.Logger == nil {
		return zap.NewNop()
	}
	return opt.Logger
}
