// Package orecli speaks the command-line contract of the external miner
// executable: how workers are started, how balances are read and how rewards
// are claimed.
package orecli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultBinary is the miner executable looked up on PATH.
const DefaultBinary = "ore"

var ErrMalformedOutput = errors.New("malformed miner output")

// Options configures a Client.
type Options struct {
	Binary string
	// QueryEndpoint is passed to read-only balance queries when set.
	QueryEndpoint string
	// ClaimEndpoint and ClaimFee are passed to claim requests.
	ClaimEndpoint string
	ClaimFee      uint64
}

// Client builds and runs miner invocations.
type Client struct {
	logger *zap.Logger
	runner Runner
	opts   Options
}

// NewClient creates a client. A nil runner runs real processes.
func NewClient(logger *zap.Logger, runner Runner, opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{
		logger: logger.Named("orecli"),
		runner: runner,
		opts:   opts,
	}
}

// Binary returns the configured executable.
func (c *Client) Binary() string {
	return c.opts.Binary
}

// MineArgs returns the arguments that start a long-running miner.
func (c *Client) MineArgs(keypair, endpoint string, fee uint64, threads int) []string {
	return []string{
		"--keypair", keypair,
		"--priority-fee", strconv.FormatUint(fee, 10),
		"--rpc", endpoint,
		"mine",
		"--threads", strconv.Itoa(threads),
	}
}

// RewardsArgs returns the arguments of the read-only balance query.
func (c *Client) RewardsArgs(keypair string) []string {
	args := []string{"--keypair", keypair}
	if c.opts.QueryEndpoint != "" {
		args = append(args, "--rpc", c.opts.QueryEndpoint)
	}
	return append(args, "rewards")
}

// ClaimArgs returns the arguments of a claim request.
func (c *Client) ClaimArgs(keypair string) []string {
	args := []string{
		"--keypair", keypair,
		"--priority-fee", strconv.FormatUint(c.opts.ClaimFee, 10),
	}
	if c.opts.ClaimEndpoint != "" {
		args = append(args, "--rpc", c.opts.ClaimEndpoint)
	}
	return append(args, "claim")
}

// Rewards queries the claimable balance of the keypair.
func (c *Client) Rewards(ctx context.Context, keypair string) (float64, error) {
	out, err := c.runner.Output(ctx, c.opts.Binary, c.RewardsArgs(keypair)...)
	if err != nil {
		return 0, fmt.Errorf("rewards query failed: %w", err)
	}
	amount, err := ParseAmount(out)
	if err != nil {
		c.logger.Debug("Unparsable rewards output",
			zap.String("keypair", keypair),
			zap.String("output", out),
		)
		return 0, err
	}
	return amount, nil
}

// Claim issues one claim request and returns its textual response. A failed
// process still returns whatever it printed.
func (c *Client) Claim(ctx context.Context, keypair string) (string, error) {
	out, err := c.runner.Output(ctx, c.opts.Binary, c.ClaimArgs(keypair)...)
	if err != nil {
		return out, fmt.Errorf("claim request failed: %w", err)
	}
	return out, nil
}

// ParseAmount parses the first whitespace-delimited token as a float.
func ParseAmount(output string) (float64, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty output", ErrMalformedOutput)
	}
	amount, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: %q is not an amount", ErrMalformedOutput, fields[0])
	}
	return amount, nil
}
