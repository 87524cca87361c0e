// Package capture finds page images on disk: files named on the command
// line and images dropped into the capture inbox by a camera or scanner
// daemon.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Config holds inbox settings.
type Config struct {
	// InboxDir is watched for newly captured images. Empty disables capture.
	InboxDir string `mapstructure:"inbox_dir" yaml:"inbox_dir" json:"inbox_dir"`
	// ArchiveDir receives consumed images; empty deletes them instead.
	ArchiveDir string `mapstructure:"archive_dir" yaml:"archive_dir,omitempty" json:"archive_dir,omitempty"`
	Recursive  bool   `mapstructure:"recursive" yaml:"recursive" json:"recursive"`
	// Include holds filepath.Match patterns for base names.
	Include []string `mapstructure:"include" yaml:"include,omitempty" json:"include,omitempty"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude,omitempty" json:"exclude,omitempty"`
	// MaxPages caps the number of images taken per capture; 0 takes all.
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages"`
	// SettleTime skips files modified more recently, so half-written files
	// are left for the next capture.
	SettleTime time.Duration `mapstructure:"settle_time" yaml:"settle_time" json:"settle_time"`
}

// Inbox hands out captured images in arrival order.
type Inbox struct {
	cfg Config
	now func() time.Time
}

// NewInbox creates an inbox for cfg.
func NewInbox(cfg Config) *Inbox {
	return &Inbox{cfg: cfg, now: time.Now}
}

// Enabled reports whether an inbox directory is configured.
func (in *Inbox) Enabled() bool { return in.cfg.InboxDir != "" }

// Dir returns the inbox directory.
func (in *Inbox) Dir() string { return in.cfg.InboxDir }

// Pending lists the images waiting in the inbox, oldest first. A missing
// inbox directory is treated as empty.
func (in *Inbox) Pending(ctx context.Context) ([]string, error) {
	if !in.Enabled() {
		return nil, nil
	}
	if _, err := os.Stat(in.cfg.InboxDir); os.IsNotExist(err) {
		return nil, nil
	}

	files, err := Discover([]string{in.cfg.InboxDir}, Filter{
		Recursive: in.cfg.Recursive,
		Include:   in.cfg.Include,
		Exclude:   in.cfg.Exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	cutoff := in.now().Add(-in.cfg.SettleTime)
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue // consumed concurrently
		}
		if in.cfg.SettleTime > 0 && info.ModTime().After(cutoff) {
			slog.Debug("Skipping unsettled capture", "file", f)
			continue
		}
		entries = append(entries, entry{path: f, modTime: info.ModTime()})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	if in.cfg.MaxPages > 0 && len(entries) > in.cfg.MaxPages {
		entries = entries[:in.cfg.MaxPages]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// Consume removes a processed image from the inbox, archiving it when an
// archive directory is configured.
func (in *Inbox) Consume(path string) error {
	if in.cfg.ArchiveDir == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("consume %s: %w", path, err)
		}
		return nil
	}
	if err := os.MkdirAll(in.cfg.ArchiveDir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(in.cfg.ArchiveDir, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s-%d%s", dst[:len(dst)-len(ext)], in.now().UnixNano(), ext)
	}
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	return nil
}
