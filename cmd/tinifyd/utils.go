package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/openmined/tinifyd/internal/version"
)

var (
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

const banner = `┌┬┐┬┌┐┌┬┌─┐┬ ┬┌┬┐
 │ ││││││├┤ └┬┘ ││
 ┴ ┴┘└┘┴└   ┴ ─┴┘`

func showBanner(w io.Writer) {
	fmt.Fprintln(w, cyan.Render(banner))
	fmt.Fprintln(w, gray.Render(version.DetailedWithApp()))
}
