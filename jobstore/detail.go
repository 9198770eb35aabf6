package jobstore

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func formatTime(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).Format(time.RFC3339)
}

// ShowDetail writes the stable two-column rendering of a job state, used
// both for inspection and for `stats` artifacts.
func ShowDetail(w io.Writer, machine string, jobID int, s State) {
	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetColumnSeparator(" ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	rows := [][]string{
		{"Job ID", fmt.Sprint(jobID)},
		{"Job Name", s.Name},
		{"Machine", machine},
		{"Queue", s.Queue},
		{"State", s.RunningState.String()},
		{"Worker ID", fmt.Sprint(s.WorkerID)},
		{"Init Time", formatTime(s.InitTime)},
		{"Start Time", formatTime(s.StartTime)},
		{"Latest Time", formatTime(s.LatestTime)},
	}
	if s.Context != nil {
		rows = append(rows,
			[]string{"Context Ref", s.Context.Reference},
			[]string{"Context Diff", fmt.Sprintf("%d bytes", len(s.Context.Diff))},
		)
	}
	for _, dep := range s.DependencyStates {
		rows = append(rows, []string{
			"Dependency",
			fmt.Sprintf("%s:%s (installed %s)", dep.Dependency, dep.Recipe, formatTime(dep.InstalledTime)),
		})
	}
	if len(s.BuildParams) > 0 {
		rows = append(rows, []string{"Build Params", formatParams(s.BuildParams)})
	}
	if len(s.RunParams) > 0 {
		rows = append(rows, []string{"Run Params", formatParams(s.RunParams)})
	}
	if len(s.BuildScript) > 0 {
		rows = append(rows, []string{"Build Script", strings.Join(s.BuildScript, "\n")})
	}
	if len(s.RunScript) > 0 {
		rows = append(rows, []string{"Run Script", strings.Join(s.RunScript, "\n")})
	}

	table.AppendBulk(rows)
	table.Render()
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}
