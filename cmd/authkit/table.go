package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/d-kuro/authkit/pkg/auth"
	"github.com/d-kuro/authkit/pkg/types"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func statusRows(s *auth.AuthStatus) [][]string {
	rows := [][]string{
		{"Authenticated", strconv.FormatBool(s.Authenticated)},
	}
	if s.Subject != "" {
		rows = append(rows, []string{"Subject", s.Subject})
	}
	if len(s.Roles) > 0 {
		rows = append(rows, []string{"Roles", strings.Join(s.Roles, ", ")})
	}
	if !s.ExpiresAt.IsZero() {
		rows = append(rows,
			[]string{"Expires", formatTime(s.ExpiresAt)},
			[]string{"Expires in", s.ExpiresIn.Round(time.Second).String()},
			[]string{"Needs refresh", strconv.FormatBool(s.NeedsRefresh)},
		)
	}
	rows = append(rows,
		[]string{"Refresh token", strconv.FormatBool(s.HasRefreshToken)},
		[]string{"CSRF", s.CSRFState},
		[]string{"Storage", s.StoragePath},
	)
	if s.Error != "" {
		rows = append(rows, []string{"Error", s.Error})
	}
	return rows
}

func sessionRows(r *types.SessionResult) [][]string {
	var rows [][]string
	if r.Subject != "" {
		rows = append(rows, []string{"Subject", r.Subject})
	}
	if r.User != nil && r.User.Email != "" {
		rows = append(rows, []string{"Email", r.User.Email})
	}
	if len(r.Roles) > 0 {
		rows = append(rows, []string{"Roles", strings.Join(r.Roles, ", ")})
	}
	if !r.ExpiresAt.IsZero() {
		rows = append(rows, []string{"Expires", formatTime(r.ExpiresAt)})
	}
	rows = append(rows, []string{"Refresh token", strconv.FormatBool(r.HasRefreshToken)})
	return rows
}

func formatTime(t time.Time) string {
	return t.Local().Format(time.RFC3339)
}
