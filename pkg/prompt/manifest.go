package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// renderManifest builds the dynamic file manifest appended as the last,
// never-cached system block. Empty inputs yield an empty string and no
// block at all.
func renderManifest(files []*chat.UserFile, artifacts []*chat.ExecArtifact, now time.Time) string {
	if len(files) == 0 && len(artifacts) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("# File manifest\n")

	if len(files) > 0 {
		b.WriteString("\n## Stored files\n")
		for _, f := range files {
			if f.Expired(now) {
				continue
			}
			fmt.Fprintf(&b, "- id=%d name=%q kind=%s size=%s age=%s",
				f.ID, f.Filename, f.Kind, humanSize(f.Size), humanAge(now.Sub(f.UploadedAt)))
			if f.Origin == chat.OriginAssistant {
				b.WriteString(" origin=assistant")
			}
			if f.UploadContext != "" {
				fmt.Fprintf(&b, " context=%q", f.UploadContext)
			}
			b.WriteByte('\n')
		}
	}

	if len(artifacts) > 0 {
		b.WriteString("\n## Pending artifacts\n")
		for _, a := range artifacts {
			fmt.Fprintf(&b, "- temp_id=%s name=%q mime=%s size=%s age=%s",
				a.TempID, a.Filename, a.Mime, humanSize(a.Size), humanAge(now.Sub(a.CreatedAt)))
			if a.Context != "" {
				fmt.Fprintf(&b, " context=%q", a.Context)
			}
			b.WriteByte('\n')
		}
		b.WriteString("\nArtifacts expire about 30 minutes after creation; send the ones worth keeping with deliver_file.\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
