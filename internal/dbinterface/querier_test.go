// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import "testing"

func TestBuildQueryWithPlaceholders(t *testing.T) {
	tests := []struct {
		name               string
		template           string
		placeholdersPerRow int
		numRows            int
		want               string
	}{
		{
			name:               "normal",
			template:           "INSERT INTO item_storages(item_id, storage_id) VALUES %s",
			placeholdersPerRow: 2,
			numRows:            3,
			want:               "INSERT INTO item_storages(item_id, storage_id) VALUES (?, ?), (?, ?), (?, ?)",
		},
		{
			name:               "zero rows",
			template:           "VALUES %s",
			placeholdersPerRow: 2,
			numRows:            0,
			want:               "VALUES ",
		},
		{
			name:               "negative placeholders per row",
			template:           "VALUES %s",
			placeholdersPerRow: -1,
			numRows:            3,
			want:               "VALUES ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildQueryWithPlaceholders(tt.template, tt.placeholdersPerRow, tt.numRows)
			if got != tt.want {
				t.Fatalf("unexpected query.\nwant: %s\ngot:  %s", tt.want, got)
			}
		})
	}
}

func TestInPlaceholders(t *testing.T) {
	if got := InPlaceholders(3); got != "?, ?, ?" {
		t.Fatalf("InPlaceholders(3) = %q", got)
	}
	if got := InPlaceholders(0); got != "" {
		t.Fatalf("InPlaceholders(0) = %q", got)
	}
}
