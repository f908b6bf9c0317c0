// Copyright 2025 The go-aitbc Authors
// This file is part of go-aitbc.
//
// go-aitbc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-aitbc is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-aitbc. If not, see <http://www.gnu.org/licenses/>.

// aitbcd is the AITBC blockchain node daemon: proposer, mempool, ledger store
// and RPC in one process. Configuration comes from the environment; the flags
// below override the most commonly tuned values.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/node"
	"github.com/aitbc/go-aitbc/params"
)

var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the chain database and mempool journal",
	}
	chainIDFlag = &cli.StringFlag{
		Name:  "chainid",
		Usage: "Chain identifier of this site",
	}
	proposerFlag = &cli.StringFlag{
		Name:  "proposer",
		Usage: "Proposer identity this node seals blocks under",
	}
	rpcHostFlag = &cli.StringFlag{
		Name:  "rpc.host",
		Usage: "HTTP-RPC listen interface",
	}
	rpcPortFlag = &cli.IntFlag{
		Name:  "rpc.port",
		Usage: "HTTP-RPC listen port",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging level (trace|debug|info|warn|error|crit)",
		Value: "info",
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs as JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a size-rotated file in addition to stderr",
	}
)

func main() {
	app := &cli.App{
		Name:    "aitbcd",
		Usage:   "AITBC blockchain node",
		Version: params.Version,
		Flags: []cli.Flag{
			datadirFlag, chainIDFlag, proposerFlag,
			rpcHostFlag, rpcPortFlag,
			verbosityFlag, logJSONFlag, logFileFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}

	cfg, err := params.LoadChainConfig()
	if err != nil {
		return err
	}
	if ctx.IsSet(datadirFlag.Name) {
		cfg.DBPath = ctx.String(datadirFlag.Name)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.ChainID = ctx.String(chainIDFlag.Name)
	}
	if ctx.IsSet(proposerFlag.Name) {
		cfg.ProposerID = ctx.String(proposerFlag.Name)
	}
	if ctx.IsSet(rpcHostFlag.Name) {
		cfg.HTTPHost = ctx.String(rpcHostFlag.Name)
	}
	if ctx.IsSet(rpcPortFlag.Name) {
		cfg.HTTPPort = ctx.Int(rpcPortFlag.Name)
	}
	cfg = cfg.Sanitize()

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	if err := n.Start(); err != nil {
		n.Close()
		return fmt.Errorf("starting node: %w", err)
	}
	log.Info("Node is up", "chain", cfg.ChainID, "proposer", cfg.ProposerID, "rpc", n.HTTPEndpoint())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info("Shutting down", "signal", got)
	return n.Close()
}

// setupLogging rebuilds the root handler from the logging flags.
func setupLogging(ctx *cli.Context) error {
	lvl, err := log.LvlFromString(ctx.String(verbosityFlag.Name))
	if err != nil {
		return err
	}
	var format log.Format
	if ctx.Bool(logJSONFlag.Name) {
		format = log.JSONFormat()
	} else {
		format = log.TerminalFormat(isatty.IsTerminal(os.Stderr.Fd()))
	}
	handler := log.StreamHandler(os.Stderr, format)
	if path := ctx.String(logFileFlag.Name); path != "" {
		handler = log.MultiHandler(handler, log.RotatingFileHandler(path, 100, 10, log.JSONFormat()))
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, handler))
	return nil
}
