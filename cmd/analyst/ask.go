package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gogvych/tabular-analyst/internal/analyst"
	"github.com/spf13/cobra"
)

var (
	askLoadFlag  string
	askTraceFlag bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question, or start a REPL when none is given",
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askLoadFlag, "load", "l", "", "CSV or XLSX file to load before asking")
	askCmd.Flags().BoolVar(&askTraceFlag, "trace", false, "print the reasoning steps")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if askLoadFlag != "" {
		f, err := os.Open(askLoadFlag)
		if err != nil {
			return err
		}
		res, err := a.analyst.Load(ctx, askLoadFlag, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("load %s: %w", askLoadFlag, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d rows into %s.\n", res.Rows, res.Table)
	}

	if len(args) > 0 {
		return askOnce(ctx, a.analyst, strings.Join(args, " "), cmd.OutOrStdout())
	}
	return repl(ctx, a.analyst, cmd.InOrStdin(), cmd.OutOrStdout())
}

func repl(ctx context.Context, svc *analyst.Analyst, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Ask questions about the data in the database. Type 'exit' to leave.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		q := strings.TrimSpace(scanner.Text())
		if q == "" {
			continue
		}
		if q == "exit" || q == "quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}
		if err := askOnce(ctx, svc, q, out); err != nil {
			if errors.Is(err, analyst.ErrUnavailable) {
				return err
			}
			fmt.Fprintln(out, "Error:", err)
		}
	}
}

func askOnce(ctx context.Context, svc *analyst.Analyst, q string, out io.Writer) error {
	res, err := svc.Ask(ctx, q)
	if err != nil {
		return err
	}
	if askTraceFlag {
		for _, s := range res.Transcript.Steps {
			switch {
			case s.Tool != "":
				fmt.Fprintf(out, "  [%s] %s(%s)\n", s.Kind, s.Tool, s.Input)
			case s.Text != "":
				fmt.Fprintf(out, "  [%s] %s\n", s.Kind, s.Text)
			}
		}
		fmt.Fprintf(out, "  (%s after %d steps, %s)\n", res.TerminatedBy, res.StepCount, res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(out, res.Answer)
	return nil
}
