package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"npmmirror/internal"
	"npmmirror/pkg/syncer"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func newSyncCmd(root *rootOptions) *cobra.Command {
	var repository string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), root.configPath, repository, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&repository, "repo", "r", "", "sync only owner/name")
	return cmd
}

func runSync(ctx context.Context, configPath, repository string, out io.Writer) error {
	a, err := newApp(ctx, configPath, internal.NewLogger("sync"))
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.syncer.Run(ctx, syncer.Options{Repository: repository})
	if err != nil {
		return err
	}
	printReport(out, report)
	if failed := report.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d repositories failed: %w", failed, len(report.Repositories), report.Err())
	}
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func printReport(out io.Writer, report syncer.Report) {
	rows := make([][]string, 0, len(report.Repositories))
	for _, repo := range report.Repositories {
		status := "ok"
		switch {
		case repo.Err != nil:
			status = repo.Err.Error()
		case repo.Absent:
			status = "no manifest"
		}
		rows = append(rows, []string{
			repo.Repository,
			strconv.Itoa(repo.Commits),
			strconv.Itoa(repo.Accepted),
			strconv.Itoa(repo.Skipped),
			strconv.Itoa(repo.Failed),
			strconv.Itoa(repo.Downloaded),
			status,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Repository", "Commits", "Accepted", "Skipped", "Failed", "Downloaded", "Status").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			repo := report.Repositories[row]
			switch {
			case repo.Err != nil:
				return failedStyle
			case repo.Absent:
				return dimStyle
			}
			return lipgloss.NewStyle()
		})

	fmt.Fprintln(out, t.Render())
	fmt.Fprintf(out, "run %s: %d repositories, %d versions accepted in %s\n",
		report.RunID, len(report.Repositories), report.Accepted(), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}
