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

// aitbc-coord is the AITBC coordinator daemon: job marketplace, miner
// registry and receipt pipeline, speaking to one blockchain node over RPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/aitbc/go-aitbc/coordinator"
	"github.com/aitbc/go-aitbc/log"
	"github.com/aitbc/go-aitbc/params"
)

const shutdownTimeout = 10 * time.Second

var (
	databaseFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "Location of the coordinator store",
	}
	nodeFlag = &cli.StringFlag{
		Name:  "node",
		Usage: "RPC endpoint of the blockchain node receiving receipt records",
	}
	httpHostFlag = &cli.StringFlag{
		Name:  "http.host",
		Usage: "API listen interface",
	}
	httpPortFlag = &cli.IntFlag{
		Name:  "http.port",
		Usage: "API listen port",
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
		Name:    "aitbc-coord",
		Usage:   "AITBC compute marketplace coordinator",
		Version: params.Version,
		Flags: []cli.Flag{
			databaseFlag, nodeFlag,
			httpHostFlag, httpPortFlag,
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

	cfg, err := params.LoadCoordinatorConfig()
	if err != nil {
		return err
	}
	if ctx.IsSet(databaseFlag.Name) {
		cfg.DatabaseURL = ctx.String(databaseFlag.Name)
	}
	if ctx.IsSet(nodeFlag.Name) {
		cfg.NodeRPCURL = ctx.String(nodeFlag.Name)
	}
	if ctx.IsSet(httpHostFlag.Name) {
		cfg.HTTPHost = ctx.String(httpHostFlag.Name)
	}
	if ctx.IsSet(httpPortFlag.Name) {
		cfg.HTTPPort = ctx.Int(httpPortFlag.Name)
	}
	cfg = cfg.Sanitize()

	store, err := coordinator.OpenStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := coordinator.New(cfg, store, coordinator.NewNodeClient(cfg.NodeRPCURL))
	if err != nil {
		return err
	}
	coord.Start()
	defer coord.Stop()

	server := coordinator.NewServer(cfg, coordinator.NewAPI(coord).Router())
	if err := server.Start(); err != nil {
		return err
	}
	log.Info("Coordinator is up", "chain", cfg.ChainID, "node", cfg.NodeRPCURL)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info("Shutting down", "signal", got)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(stopCtx)
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
