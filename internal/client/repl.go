package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"
)

const closeWait = 5 * time.Second

// LineReader yields one line of user input per call. io.EOF ends the session.
type LineReader interface {
	Readline() (string, error)
}

type Options struct {
	DrainTimeout time.Duration
}

// NewLineReader uses readline when in is a terminal and a plain line scanner
// otherwise. The returned closer must be called when done.
func NewLineReader(in *os.File, out io.Writer) (LineReader, io.Closer, error) {
	if term.IsTerminal(int(in.Fd())) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "> ",
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
			Stdin:           in,
			Stdout:          out,
		})
		if err != nil {
			return nil, nil, err
		}
		return rl, rl, nil
	}
	return NewScannerReader(in), closerFunc(func() error { return nil }), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type scannerReader struct {
	scanner *bufio.Scanner
}

func NewScannerReader(r io.Reader) LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024), 16*1024*1024)
	return &scannerReader{scanner: scanner}
}

func (s *scannerReader) Readline() (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func isReadTermination(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt)
}

// Run reads lines until exit or end of input, sending each as a request.
// On the way out it waits for outstanding responses, bounded by
// opts.DrainTimeout, then closes the connection.
func (c *Client) Run(ctx context.Context, lines LineReader, opts Options) error {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	runErr := c.readInput(ctx, lines)

	drainCtx, cancel := context.WithTimeout(context.Background(), opts.DrainTimeout)
	if err := c.Wait(drainCtx); err != nil {
		c.printf("gave up waiting for %d responses: %v\n", c.Pending(), err)
	}
	cancel()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	if err := c.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		runErr = c.Err()
	}
	return runErr
}

func (c *Client) readInput(ctx context.Context, lines LineReader) error {
	var image, imagePath string
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := lines.Readline()
		if err != nil {
			if isReadTermination(err) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			fields := strings.Fields(input)
			switch strings.ToLower(fields[0]) {
			case "/help":
				c.printf("type a message to send it; /image <path> attaches a picture to the next one; exit quits\n")
			case "/image":
				if len(fields) < 2 {
					c.printf("usage: /image <path>\n")
					continue
				}
				path := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
				encoded, err := LoadImage(path)
				if err != nil {
					c.printf("cannot attach image: %v\n", err)
					continue
				}
				image, imagePath = encoded, path
				c.printf("attached %s\n", imagePath)
			default:
				c.printf("unknown command: %s\n", fields[0])
			}
			continue
		}

		if _, err := c.Send(input, image); err != nil {
			return err
		}
		image, imagePath = "", ""
	}
}

// LoadImage reads a file and returns it base64 encoded, ready for
// input_image.
func LoadImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
