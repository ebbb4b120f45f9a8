package storage

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"mediaqueue/internal/entity"
)

// progressTexts renders the human readable progress and speed of task in IEC units.
func progressTexts(task entity.Task) (progress, speed string) {
	downloaded := humanize.IBytes(uint64(max(task.DownloadedBytes, 0)))

	if task.TotalBytes > 0 {
		progress = fmt.Sprintf("%.1f%% (%s / %s)",
			task.ProgressPercentage, downloaded, humanize.IBytes(uint64(task.TotalBytes)))
	} else {
		progress = downloaded
	}

	if task.Speed > 0 {
		speed = humanize.IBytes(uint64(task.Speed)) + "/s"
	} else {
		speed = "0 B/s"
	}

	return progress, speed
}
