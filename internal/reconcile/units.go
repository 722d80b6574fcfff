// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import "github.com/dustin/go-humanize"

// GiB is 1024^3 bytes.
const GiB uint64 = 1 << 30

// BytesToGiB converts a byte count to binary gigabytes.
func BytesToGiB(bytes uint64) float64 {
	return float64(bytes) / float64(GiB)
}

// FormatBytes renders a byte count with IEC units for log and report lines.
func FormatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// SizePtr returns a pointer to v.
func SizePtr(v uint64) *uint64 {
	return &v
}
