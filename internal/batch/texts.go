package batch

import (
	"fmt"
	"regexp"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SafeName replaces every character outside [A-Za-z0-9_-] with '_'.
func SafeName(s string) string { return unsafeName.ReplaceAllString(s, "_") }

// MarkerText is the batch-boundary marker sent ahead of each forwarded batch.
func MarkerText(collection string, batchNo, batches, first, last int) string {
	return fmt.Sprintf("—— pack %s batch %d/%d (items %d-%d) ——", collection, batchNo, batches, first, last)
}

type progress struct {
	Batch   int
	Batches int
	Sent    int
	Failed  int
	Total   int
}

func startText(m Mode, collection string, batchSize int) string {
	return fmt.Sprintf("Starting %s for pack %s...\nItems are processed concurrently in batches of %d.\nYou can stop the task at any time.",
		m.Label(), collection, batchSize)
}

func progressText(m Mode, collection string, p progress) string {
	return fmt.Sprintf("%s pack %s\nBatch: %d/%d\nProgress: ok %d / failed %d / total %d",
		capitalize(m.Label()), collection, p.Batch, p.Batches, p.Sent, p.Failed, p.Total)
}

func stoppedText(m Mode, collection string, p progress) string {
	return fmt.Sprintf("Stopped %s pack %s\nDone: ok %d / failed %d / total %d",
		m.Label(), collection, p.Sent, p.Failed, p.Total)
}

func completedText(m Mode, collection string, p progress) string {
	return fmt.Sprintf("Pack %s %s completed\nOK: %d, failed: %d, total: %d",
		collection, m.Label(), p.Sent, p.Failed, p.Total)
}

func emptyText(m Mode) string {
	if m == ModeForward {
		return "This pack has no other items to send."
	}
	return "This pack has no items."
}

func failedText(m Mode, collection string, err error) string {
	return fmt.Sprintf("Pack %s %s failed: %v", collection, m.Label(), err)
}

func archiveCaption(collection string, n int) string {
	return fmt.Sprintf("Pack %s (%d items)", collection, n)
}

const archiveSendingText = "Sending the ZIP archive..."

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
