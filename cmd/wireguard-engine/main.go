/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Command wireguard-engine is the thin entrypoint spec.md §1 describes:
// it parses flags, opens a TUN device and a device engine, and sleeps
// until told to shut down. All real behavior lives in the device package.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.zx2c4.com/wireguard-engine/device"
	"golang.zx2c4.com/wireguard-engine/flags"
	"golang.zx2c4.com/wireguard-engine/tun"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

func main() {
	opts := flags.NewOptions()
	if err := flags.Parse(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}
	if opts.ShowVersion {
		fmt.Println("wireguard-engine (userspace device engine)")
		return
	}

	logLevel := device.LogLevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logLevel = device.LogLevelDebug
	case "error":
		logLevel = device.LogLevelError
	case "silent":
		logLevel = device.LogLevelSilent
	}

	tunDevice, err := tun.CreateTUN(opts.InterfaceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create tun device:", err)
		os.Exit(exitSetupFailed)
	}
	if name, err := tunDevice.Name(); err == nil {
		opts.InterfaceName = name
	}

	dev, err := device.NewDevice(tunDevice, logLevel, opts.InterfaceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to construct device:", err)
		os.Exit(exitSetupFailed)
	}

	if err := dev.Up(opts.InterfaceName); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start device:", err)
		os.Exit(exitSetupFailed)
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)
	<-term

	dev.Close()
	os.Exit(exitSetupSuccess)
}
