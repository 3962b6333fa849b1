package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

func printSnapshot(w io.Writer, path string, s types.StateSnapshot) {
	fmt.Fprintf(w, "📋 Snapshot %s (schema v%d, taken %s)\n", path, s.SchemaVer, s.TakenAt.Format(time.RFC3339))
	fmt.Fprintln(w)

	section(w, "🔄 Busy", s.Busy, func(v int) string { return fmt.Sprintf("%d running", v) })
	section(w, "⏳ Queued", s.Queued, func(v int) string { return fmt.Sprintf("%d waiting", v) })
	section(w, "❌ Failed", s.Failed, func(v string) string { return v })
	section(w, "✅ Fresh until", s.Fresh, func(v time.Time) string { return v.Format(time.RFC3339Nano) })
	section(w, "🔒 Throttled until", s.Throttled, func(v time.Time) string { return v.Format(time.RFC3339Nano) })

	debounced := append([]string(nil), s.Debounced...)
	sort.Strings(debounced)
	fmt.Fprintf(w, "⏱  Debounced (%d):\n", len(debounced))
	for _, k := range debounced {
		fmt.Fprintf(w, "  └─ %s\n", k)
	}
}

func section[V any](w io.Writer, title string, m map[string]V, format func(V) string) {
	fmt.Fprintf(w, "%s (%d):\n", title, len(m))
	for _, k := range sortedKeys(m) {
		fmt.Fprintf(w, "  └─ %s: %s\n", k, format(m[k]))
	}
	fmt.Fprintln(w)
}
