// Package browser opens a URL in the user's default browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// ErrUnsupportedURL is returned for anything but an absolute http(s) URL.
var ErrUnsupportedURL = errors.New("only http and https URLs can be opened")

// Opener launches the platform's URL handler.
type Opener struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) error
}

func New() *Opener {
	return &Opener{goos: runtime.GOOS, run: start}
}

// Open hands rawURL to the desktop. It returns once the handler has been
// started, without waiting for the browser.
func (o *Opener) Open(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}
	name, args := command(o.goos, u.String())
	return o.run(ctx, name, args...)
}

func command(goos, target string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	case "darwin":
		return "open", []string{target}
	default:
		return "xdg-open", []string{target}
	}
}

func start(ctx context.Context, name string, args ...string) error {
	// #nosec G204 -- fixed handler, validated URL
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
