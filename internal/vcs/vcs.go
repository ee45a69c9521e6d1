// Package vcs shells out to the source-control client for the small set
// of repository operations the pipeline needs: HEAD revision lookup,
// exporting a subtree, and log extraction for release notes.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Client wraps an svn-compatible command line client pointed at one
// repository URL.
type Client struct {
	url string
	bin string
}

// New returns a client for the repository at url using the given client
// binary (defaults to "svn" when empty).
func New(url, bin string) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}
	if bin == "" {
		bin = "svn"
	}
	return &Client{url: url, bin: bin}, nil
}

// Head returns the repository HEAD revision.
func (c *Client) Head(ctx context.Context) (int, error) {
	out, err := c.run(ctx, "info", "--show-item", "revision", c.url)
	if err != nil {
		return 0, err
	}
	rev, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse head revision %q: %w", strings.TrimSpace(out), err)
	}
	return rev, nil
}

// Export materializes the repository subtree at subpath into dest. An
// empty subpath exports the repository root.
func (c *Client) Export(ctx context.Context, subpath, dest string) error {
	src := c.url
	if subpath != "" {
		src = strings.TrimRight(c.url, "/") + "/" + strings.TrimLeft(subpath, "/")
	}
	if _, err := c.run(ctx, "export", "--force", src, dest); err != nil {
		return err
	}
	return nil
}

// Log returns the commit log for the inclusive revision range, used for
// best-effort release notes generation.
func (c *Client) Log(ctx context.Context, from, to int) (string, error) {
	return c.run(ctx, "log", "-r", fmt.Sprintf("%d:%d", from, to), c.url)
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	// Prevent the client from prompting for credentials interactively.
	args = append(args, "--non-interactive")
	cmd := exec.CommandContext(ctx, c.bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s failed: %w: %s", c.bin, args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
