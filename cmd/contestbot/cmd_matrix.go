package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"contestbot/internal/matrix"
)

// matrixCmd inspects the classification matrix
var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Inspect the cohort classification matrix",
}

var matrixValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a cohort file (defaults to the configured matrix)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  validateMatrix,
}

var matrixShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Print the tracks offered to every category and grade group",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showMatrix,
}

func init() {
	matrixCmd.AddCommand(matrixValidateCmd)
	matrixCmd.AddCommand(matrixShowCmd)
}

func matrixFromArgs(args []string) (*matrix.Matrix, error) {
	if len(args) == 1 {
		return matrix.Load(args[0])
	}
	return loadMatrix()
}

func validateMatrix(cmd *cobra.Command, args []string) error {
	m, err := matrixFromArgs(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d categories, %d grades, %d groups\n",
		len(m.Categories()), len(m.Grades()), len(groups(m)))
	return nil
}

func showMatrix(cmd *cobra.Command, args []string) error {
	m, err := matrixFromArgs(args)
	if err != nil {
		return err
	}
	writeMatrix(cmd.OutOrStdout(), m)
	return nil
}

// groups returns grade groups in first-seen order.
func groups(m *matrix.Matrix) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range m.Grades() {
		if !seen[g.Group] {
			seen[g.Group] = true
			out = append(out, g.Group)
		}
	}
	return out
}

func writeMatrix(w io.Writer, m *matrix.Matrix) {
	for _, c := range m.Categories() {
		for _, group := range groups(m) {
			var grades []string
			for _, g := range m.Grades() {
				if g.Group == group {
					grades = append(grades, g.Label)
				}
			}
			fmt.Fprintf(w, "[%s/%s] %s (%s)\n", c.Key, group, c.Label, strings.Join(grades, "، "))

			tracks := m.Resolve(c.Key, group)
			if len(tracks) == 0 {
				fmt.Fprintln(w, "  (no tracks)")
			}
			for _, t := range tracks {
				fmt.Fprintf(w, "  %s  %s\n", t.Key, t.Title)
				for _, o := range t.Options {
					fmt.Fprintf(w, "      %s  %s\n", o.Key, o.Title)
				}
			}
		}
	}
}
