package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/streamcopy"
)

// printBanner prints the startup summary.
func printBanner(w io.Writer, cfg *config.Config, stdinShutdown bool) {
	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	_, _ = fmt.Fprintf(w, "Copy mode:    %s\n", cyan(cfg.Copy.Mode))
	_, _ = fmt.Fprintf(w, "Backend URL:  %s\n", green(cfg.Backend.URL))
	_, _ = fmt.Fprintf(w, "Listening at: %s\n", green("http://"+cfg.Listener.ListenAddress()+cfg.Listener.PathPrefix))
	if cfg.Copy.Mode != streamcopy.ModeDirect.String() {
		_, _ = fmt.Fprintf(w, "Buffer size:  %d\n", cfg.Copy.ChunkSize)
	}
	if cfg.Admin.Enabled {
		_, _ = fmt.Fprintf(w, "Admin:        %s\n", green("http://"+cfg.Admin.ListenAddress()))
	}
	if stdinShutdown {
		_, _ = fmt.Fprintln(w, "Press Enter to exit")
	}
}
