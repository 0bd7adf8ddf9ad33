// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package brand centralizes the product name used in logging tags,
// the default nftables table name, and CLI help text.
package brand

const (
	// Name is the product's display name.
	Name = "vmfence"
	// LowerName is Name, kept separate in case casing ever diverges.
	LowerName = "vmfence"
)
