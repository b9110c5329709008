package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/nugget/tether/internal/session"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeJSONLine writes v as a single compact line, for streaming output.
func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func writeTools(w io.Writer, outputFmt string, tools []session.ToolDescriptor) error {
	if outputFmt == "json" {
		if tools == nil {
			tools = []session.ToolDescriptor{}
		}
		return writeJSON(w, tools)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

// writeResult prints a tool result. Text results are printed verbatim;
// structured results are printed as indented JSON in either mode.
func writeResult(w io.Writer, outputFmt string, result any) error {
	if s, ok := result.(string); ok && outputFmt != "json" {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	return writeJSON(w, result)
}

func writeStatus(w io.Writer, outputFmt string, st session.Status) error {
	if outputFmt == "json" {
		return writeJSONLine(w, st)
	}
	_, err := fmt.Fprintf(w, "state=%s ready=%t session=%s tools=%d reconnect_attempt=%d\n",
		st.StateName, st.Ready, st.SessionID, st.Tools, st.ReconnectAttempt)
	return err
}

func writeHistory(w io.Writer, r historyReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOOL\tOK\tDURATION\tERROR")
	for _, rec := range r.Recent {
		errText := rec.Error
		if rec.ErrorKind != "" {
			errText = rec.ErrorKind + ": " + errText
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%dms\t%s\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"), rec.Tool, rec.OK, rec.DurationMS, firstLine(errText))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nSince %s: %d calls, %d failed, avg %.0fms, max %dms\n",
		r.Since.Local().Format("2006-01-02 15:04"), r.Total.TotalCalls, r.Total.FailedCalls,
		r.Total.AvgDurationMS, r.Total.MaxDurationMS)
	if len(r.ByTool) == 0 {
		return nil
	}

	names := make([]string, 0, len(r.ByTool))
	for name := range r.ByTool {
		names = append(names, name)
	}
	sort.Strings(names)

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tCALLS\tFAILED\tAVG\tMAX")
	for _, name := range names {
		s := r.ByTool[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0fms\t%dms\n", name, s.TotalCalls, s.FailedCalls, s.AvgDurationMS, s.MaxDurationMS)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
