package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func colorState(s string) string {
	switch s {
	case api.StateActive:
		return green(s)
	case api.StateSuspended:
		return yellow(s)
	case "":
		return faint("-")
	}
	return s
}

func printComputes(w io.Writer, computes []api.Compute) {
	table := newTable(w, "id", "hostname", "kind", "state", "effective", "owner", "cores", "memory", "ipv4", "deployed")
	for _, c := range computes {
		table.Append([]string{
			c.ID, c.Hostname, string(c.Kind), colorState(c.State), colorState(c.EffectiveState), c.Owner,
			strconv.Itoa(c.NumCores), strconv.FormatFloat(c.Memory, 'g', -1, 64), c.IPv4Address,
			strconv.FormatBool(c.Deployed),
		})
	}
	table.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
