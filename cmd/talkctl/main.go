// talkctl inspects and exports a TalkRecorder folder without the server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/grant"
	"github.com/ashureev/talkrecorder/internal/ledger"
	"github.com/ashureev/talkrecorder/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("talkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	noColor := fs.Bool("no-color", false, "disable colored output")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *noColor {
		color.NoColor = true
	}

	rest := fs.Args()
	if len(rest) != 2 {
		usage(stderr)
		return 2
	}
	command, folder := rest[0], rest[1]

	dir, err := grant.OpenLocalDirectory(folder)
	if err != nil {
		fmt.Fprintf(stderr, "  %s cannot open %s: %v\n", red("✘"), folder, err)
		return 1
	}

	switch command {
	case "show":
		err = show(ctx, dir, stdout, stderr)
	case "transcript":
		err = transcript(ctx, dir, stdout, stderr)
	case "recordings":
		err = recordings(ctx, dir, stdout, stderr)
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	if errors.Is(err, errUsage) {
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "  %s %v\n", red("✘"), err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "%s talkctl [-no-color] <command> <folder>\n\n", bold("Usage:"))
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  show        owner, chats and indexed recordings")
	fmt.Fprintln(w, "  transcript  plain transcript, one chat per line")
	fmt.Fprintln(w, "  recordings  audio files present in the folder")
}

func load(ctx context.Context, dir grant.Directory, stderr io.Writer) domain.SessionState {
	if ok, err := dir.Exists(ctx, state.FileName); err == nil && !ok {
		fmt.Fprintf(stderr, "  %s no %s in %s\n", yellow("○"), state.FileName, dir.Path())
	}
	return state.Load(ctx, dir, discardLogger())
}

func show(ctx context.Context, dir grant.Directory, w, stderr io.Writer) error {
	st := load(ctx, dir, stderr)

	fmt.Fprintf(w, "%s %s\n", bold("Owner:"), st.Owner)
	fmt.Fprintf(w, "%s %d\n", bold("Chats:"), len(st.Chats))
	for _, c := range st.Chats {
		fmt.Fprintf(w, "  %s  %s\n", dim(c.Timestamp), c.Name)
	}

	fmt.Fprintf(w, "%s %d\n", bold("Recordings:"), len(st.Recordings))
	for _, r := range st.Recordings {
		present, err := dir.Exists(ctx, r.FileName)
		if err != nil {
			return fmt.Errorf("check %s: %w", r.FileName, err)
		}
		status := ""
		if !present {
			status = "  " + yellow("missing")
		}
		fmt.Fprintf(w, "  %s  %s%s\n", dim(r.Timestamp), cyan(r.FileName), status)
	}
	return nil
}

// transcript prints uncolored text so the output can be piped or exported.
func transcript(ctx context.Context, dir grant.Directory, w, stderr io.Writer) error {
	st := load(ctx, dir, stderr)
	lines := make([]string, 0, len(st.Chats))
	for _, c := range st.Chats {
		lines = append(lines, c.Text)
	}
	if len(lines) == 0 {
		return nil
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func recordings(ctx context.Context, dir grant.Directory, w, stderr io.Writer) error {
	st := load(ctx, dir, stderr)
	listing, err := ledger.New(dir, nil).List(ctx, st.Recordings)
	if err != nil {
		return err
	}
	for _, l := range listing {
		fmt.Fprintf(w, "%s  %s  %s\n", cyan(l.FileName), dim(l.Timestamp), humanize.IBytes(uint64(l.Size)))
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
