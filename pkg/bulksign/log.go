/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package bulksign

import (
	"log/slog"
)

// LogAttrs returns a slice of attributes for logging purposes.
func (b Batch) LogAttrs() []any {
	return []any{
		slog.String("batch_id", b.ID),
		slog.Int("batch_size", b.Size),
		slog.String("execution_id", b.ExecutionID),
	}
}

// LogAttrs returns a slice of attributes for logging purposes.
func (l *Lease) LogAttrs() []any {
	return []any{
		slog.String("key_id", l.Key.ID),
		slog.String("key_alias", l.Key.Alias),
		slog.Time("lease_expires", l.Expires),
	}
}
