package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"walker-yt/internal/cache"
	"walker-yt/internal/config"
	"walker-yt/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#88C0D0"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#EBCB8B"))
	yesStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A3BE8C"))
	noStyle     = lipgloss.NewStyle().Faint(true)
)

const titleWidth = 40

func runCache(cfg config.Config, logger *logrus.Logger, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("cache needs a command\n%s", usage)
	}

	store, err := cache.Open(cfg.CacheDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "ls", "list":
		entries, err := store.List()
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, renderEntries(entries, time.Now()))
		return nil

	case "rm", "remove":
		if len(args) != 2 {
			return fmt.Errorf("cache rm needs one url or id")
		}
		id, err := models.ParseMediaID(args[1])
		if err != nil {
			return err
		}
		if err := store.Remove(id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %s\n", id)
		return nil
	}
	return fmt.Errorf("unknown cache command %q\n%s", args[0], usage)
}

func renderEntries(entries []models.CacheEntry, now time.Time) string {
	if len(entries) == 0 {
		return noStyle.Render("cache is empty") + "\n"
	}

	cols := []lipgloss.Style{
		lipgloss.NewStyle().Width(13),
		lipgloss.NewStyle().Width(titleWidth + 2),
		lipgloss.NewStyle().Width(7),
		lipgloss.NewStyle().Width(7),
		lipgloss.NewStyle().Width(7),
		lipgloss.NewStyle().Width(10),
	}
	row := func(cells ...string) string {
		rendered := make([]string, len(cells))
		for i, c := range cells {
			rendered[i] = cols[i].Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
	}

	var b strings.Builder
	b.WriteString(row(
		headerStyle.Render("ID"),
		headerStyle.Render("TITLE"),
		headerStyle.Render("AUDIO"),
		headerStyle.Render("VIDEO"),
		headerStyle.Render("STEMS"),
		headerStyle.Render("USED"),
	))
	b.WriteString("\n")

	for _, e := range entries {
		b.WriteString(row(
			idStyle.Render(e.ID.String()),
			truncate(e.Title, titleWidth),
			mark(e.AudioPath != ""),
			mark(e.VideoPath != ""),
			mark(e.HasStems()),
			ago(now, e.LastAccessedAt),
		))
		b.WriteString("\n")
	}
	return b.String()
}

func mark(ok bool) string {
	if ok {
		return yesStyle.Render("yes")
	}
	return noStyle.Render("-")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
