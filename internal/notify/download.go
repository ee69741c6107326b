package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DownloadDeliverer stores reports under Dir/<schedule_id>/ for later
// download.
type DownloadDeliverer struct {
	Dir string
}

func NewDownloadDeliverer(dir string) *DownloadDeliverer {
	return &DownloadDeliverer{Dir: dir}
}

// Path returns where r is stored.
func (d *DownloadDeliverer) Path(r *Report) string {
	return filepath.Join(d.Dir, strconv.FormatUint(uint64(r.ScheduleID), 10), filepath.Base(r.FileName))
}

func (d *DownloadDeliverer) Deliver(ctx context.Context, r *Report) error {
	if r.FileName == "" {
		return fmt.Errorf("report %q has no file name", r.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := d.Path(r)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, r.HTML, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}
