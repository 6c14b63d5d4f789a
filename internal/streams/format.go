package streams

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// FormatTable writes streams as a table and returns how many it wrote.
func FormatTable(w io.Writer, infos []Info, now time.Time) int {
	if len(infos) == 0 {
		fmt.Fprintf(w, "No streams found\n")
		return 0
	}

	table := tablewriter.NewWriter(w)
	table.Header("TOPIC", "LENGTH", "PENDING", "AGE", "GROUPS")
	for _, info := range infos {
		table.Append([]string{
			formatTopic(info.Topic),
			strconv.FormatInt(info.Length, 10),
			strconv.FormatInt(info.Pending(), 10),
			formatAge(info.LastAt(), now),
			formatGroups(info.Groups),
		})
	}
	table.Render()

	noun := "stream"
	if len(infos) != 1 {
		noun = "streams"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(infos), noun)
	return len(infos)
}

// FormatJSONL writes one JSON object per stream.
func FormatJSONL(w io.Writer, infos []Info) error {
	for _, info := range infos {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal stream to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

func formatTopic(topic string) string {
	if len(topic) > 28 {
		return topic[:25] + "..."
	}
	return topic
}

// formatAge renders how long ago t was as a compact string.
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func formatGroups(groups []GroupInfo) string {
	if len(groups) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		name := g.Name
		if len(name) > 16 {
			name = name[:13] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s(%d)", name, g.Pending))
	}
	return strings.Join(parts, " ")
}
