package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"

	"github.com/vyrodovalexey/avaproxy/internal/streamcopy"
)

// Exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitUsage  = 2
)

// errMissingMode is returned when no copy mode argument is given.
var errMissingMode = errors.New("missing copy mode argument")

// cliFlags holds command line flags.
type cliFlags struct {
	configPath    string
	logLevel      string
	logFormat     string
	showVersion   bool
	stdinShutdown bool
}

// positional holds the positional arguments.
type positional struct {
	mode       streamcopy.Mode
	bufferSize int
	// bufferSet is false when the buffer size argument was omitted.
	bufferSet bool
}

// parseFlags parses command line flags. Environment variables supply the
// defaults.
func parseFlags(args []string, stderr io.Writer) (cliFlags, []string, error) {
	fs := flag.NewFlagSet("avaproxy", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f cliFlags
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("AVAPROXY_CONFIG_PATH", ""),
		"Path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("AVAPROXY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("AVAPROXY_LOG_FORMAT", ""),
		"Log format (json, console)")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	fs.BoolVar(&f.stdinShutdown, "stdin-shutdown", getEnvBool("AVAPROXY_STDIN_SHUTDOWN", false),
		"Shut down when Enter is pressed")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	return f, fs.Args(), nil
}

// parsePositional parses "copyMode [bufferSize]".
func parsePositional(args []string) (positional, error) {
	if len(args) == 0 {
		return positional{}, errMissingMode
	}

	mode, err := streamcopy.ParseMode(args[0])
	if err != nil {
		return positional{}, err
	}

	p := positional{mode: mode}
	if len(args) > 1 {
		size, err := strconv.Atoi(args[1])
		if err != nil || size <= 0 {
			return positional{}, fmt.Errorf("invalid buffer size %q: must be a positive number of bytes", args[1])
		}
		p.bufferSize = size
		p.bufferSet = true
	}
	if len(args) > 2 {
		return positional{}, fmt.Errorf("unexpected arguments: %v", args[2:])
	}
	return p, nil
}

// printUsage prints the colored usage text. Without a flag set it is
// reporting a missing argument.
func printUsage(w io.Writer, fs *flag.FlagSet) {
	red := color.New(color.FgRed, color.Bold)
	cyan := color.New(color.FgCyan)

	if fs == nil {
		_, _ = red.Fprintln(w, "\nError in parameters")
	}
	_, _ = fmt.Fprintln(w, "usage: avaproxy [flags] {copyMode} {bufferSize}")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "copyMode is a number from 0-2 or its name:")
	for _, m := range streamcopy.Modes {
		_, _ = cyan.Fprintf(w, "  %d  %s\n", int(m), m)
	}
	_, _ = fmt.Fprintln(w, "bufferSize is in bytes (default 4096), used by modes 1 and 2")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Examples:")
	_, _ = fmt.Fprintln(w, "  avaproxy 0")
	_, _ = fmt.Fprintln(w, "  avaproxy 1 4096")
	_, _ = fmt.Fprintln(w, "  avaproxy -config avaproxy.yaml pipelined 8192")
	if fs != nil {
		_, _ = fmt.Fprintln(w, "\nFlags:")
		fs.PrintDefaults()
	}
	_, _ = fmt.Fprintln(w)
}
