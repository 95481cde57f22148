/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package finalizer summarizes a finished signing run and tells whoever
// is listening.
package finalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"gocloud.dev/blob"
)

// CompletedMessage is the human readable message of every summary.
const CompletedMessage = "Record signing process completed successfully"

// Summary describes a completed run.
type Summary struct {
	Status            string     `json:"status"`
	ExecutionID       string     `json:"execution_id,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	DurationSeconds   *float64   `json:"duration_seconds"`
	DurationFormatted string     `json:"duration_formatted"`
	Message           string     `json:"message"`
}

// Notifier announces a summary.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// FormatDuration renders d as hours, minutes and fractional seconds.
func FormatDuration(d time.Duration) string {
	secs := d.Seconds()
	h := int64(secs / 3600)
	m := int64(math.Mod(secs, 3600) / 60)
	return fmt.Sprintf("%dh %dm %.2fs", h, m, math.Mod(secs, 60))
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithClock sets the clock used to time the run.
func WithClock(c clockwork.Clock) Option {
	return func(f *Finalizer) { f.clock = c }
}

// WithNotifiers adds notifiers.  Their failures are logged, never returned.
func WithNotifiers(n ...Notifier) Option {
	return func(f *Finalizer) { f.notifiers = append(f.notifiers, n...) }
}

// WithArchive writes each summary as JSON into bucket under prefix.
func WithArchive(bucket *blob.Bucket, prefix string) Option {
	return func(f *Finalizer) {
		f.bucket = bucket
		f.prefix = prefix
	}
}

// Finalizer produces the summary of a run.
type Finalizer struct {
	clock     clockwork.Clock
	notifiers []Notifier
	bucket    *blob.Bucket
	prefix    string
}

// New creates a Finalizer.
func New(opts ...Option) *Finalizer {
	f := &Finalizer{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize builds the summary for a run that started at start (zero if
// unknown), archives it and notifies.  Archive and notification failures are
// logged and otherwise ignored.
func (f *Finalizer) Finalize(ctx context.Context, executionID string, start time.Time) Summary {
	now := f.clock.Now().UTC()
	s := Summary{
		Status:            "completed",
		ExecutionID:       executionID,
		Timestamp:         now,
		DurationFormatted: "Unknown",
		Message:           CompletedMessage,
	}
	if !start.IsZero() {
		st := start.UTC()
		d := now.Sub(st)
		secs := d.Seconds()
		s.StartTime = &st
		s.DurationSeconds = &secs
		s.DurationFormatted = FormatDuration(d)
	}

	log := clog.FromContext(ctx).With("execution_id", executionID)
	log.Infof("Record signing completed in %s", s.DurationFormatted)

	if f.bucket != nil {
		if key, err := f.archive(ctx, s); err != nil {
			log.Warnf("Failed to archive summary: %v", err)
		} else {
			log.With("key", key).Info("Archived summary")
		}
	}
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, s); err != nil {
			log.Warnf("Failed to send completion notification: %v", err)
		}
	}
	return s
}

// ArchiveKey is where the summary of a run is written.
func ArchiveKey(prefix string, s Summary) string {
	name := s.ExecutionID
	if name == "" {
		name = s.Timestamp.Format("20060102T150405.000000000Z")
	}
	return path.Join(prefix, name+".json")
}

func (f *Finalizer) archive(ctx context.Context, s Summary) (string, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	key := ArchiveKey(f.prefix, s)
	if err := f.bucket.WriteAll(ctx, key, b, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	return key, nil
}
