package config

import (
	"fmt"
	"io"
	"strings"
)

func PrintEffective(out io.Writer, cfg Config) {
	if out == nil {
		return
	}
	fmt.Fprintf(out, "effective-config\n")
	fmt.Fprintf(out, "  listen: %s\n", cfg.Addr())
	fmt.Fprintf(out, "  queue_size: %d\n", cfg.Server.QueueSize)
	fmt.Fprintf(out, "  max_frame_bytes: %d\n", cfg.Server.MaxFrameBytes)
	fmt.Fprintf(out, "  backend: %s\n", cfg.Completion.Backend)
	if strings.TrimSpace(cfg.Completion.Model) == "" {
		fmt.Fprintf(out, "  model: (backend default)\n")
	} else {
		fmt.Fprintf(out, "  model: %s\n", cfg.Completion.Model)
	}
	if strings.TrimSpace(cfg.Completion.BaseURL) == "" {
		fmt.Fprintf(out, "  base_url: (default)\n")
	} else {
		fmt.Fprintf(out, "  base_url: %s\n", cfg.Completion.BaseURL)
	}
	fmt.Fprintf(out, "  api_key: %s\n", MaskSecret(cfg.Completion.APIKey))
	fmt.Fprintf(out, "  timeout_ms: %d\n", cfg.Completion.TimeoutMs)
	fmt.Fprintf(out, "  log_level: %s\n", cfg.Logging.Level)
	if strings.TrimSpace(cfg.Logging.File) == "" {
		fmt.Fprintf(out, "  log_file: (stderr)\n")
	} else {
		fmt.Fprintf(out, "  log_file: %s\n", cfg.Logging.File)
	}
}

// MaskSecret keeps the last four characters of long secrets.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "(unset)"
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
