package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// The helper tasks below run a throwaway privileged container to touch
// files the control-plane process cannot (the bot runtime writes into its
// data volume as root). They form a narrow escalation boundary: arguments
// are limited to already-validated bot directories and fixed in-container
// paths. No user-supplied text (soul, tokens, model ids) is ever
// interpolated into a helper invocation.

// CleanupDir empties a bot directory's contents in place, leaving the
// directory itself for the caller to remove. Running it against an
// already-empty directory is a no-op.
func (c *Compose) CleanupDir(ctx context.Context, dir string) error {
	_, _, err := c.run(ctx, "cleanup", "", c.launchTimeout,
		"docker", "run", "--rm",
		"-v", dir+":/cleanup",
		c.helperImage,
		"sh", "-c", "rm -rf /cleanup/* /cleanup/..?* /cleanup/.[!.]*")
	return err
}

// ExportData packages a bot's data directory into a gzipped tar at
// destPath. The archive is written by the helper container so root-owned
// files are included.
func (c *Compose) ExportData(ctx context.Context, dataDir, destPath string) error {
	destDir := filepath.Dir(destPath)
	destName := filepath.Base(destPath)

	_, _, err := c.run(ctx, "export", "", c.launchTimeout,
		"docker", "run", "--rm",
		"-v", dataDir+":/data:ro",
		"-v", destDir+":/out",
		c.helperImage,
		"tar", "czf", "/out/"+destName, "-C", "/data", ".")
	if err != nil {
		return err
	}

	// A zero-length or absent archive is a failure, never a silent success.
	info, statErr := os.Stat(destPath)
	if statErr != nil {
		return fmt.Errorf("export archive missing: %w", statErr)
	}
	if info.Size() == 0 {
		os.Remove(destPath)
		return fmt.Errorf("export archive is empty")
	}
	return nil
}
