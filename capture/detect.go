/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// DefaultInterface returns the name of the interface carrying the default
// route.
func DefaultInterface() (string, error) {
	switch runtime.GOOS {
	case "linux":
		f, err := os.Open("/proc/net/route")
		if err != nil {
			return "", err
		}
		defer f.Close()
		return defaultRouteLinux(f, interfaceExists)

	case "darwin":
		out, err := exec.Command("netstat", "-rn").Output()
		if err != nil {
			return "", err
		}
		return defaultRouteDarwin(bytes.NewReader(out), interfaceExists)

	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func interfaceExists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}

// defaultRouteLinux scans /proc/net/route for the first up default route
// with a gateway.
func defaultRouteLinux(r io.Reader, exists func(string) bool) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Scan() // Skip header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		name, destination, flags := fields[0], fields[1], fields[3]
		if destination != "00000000" {
			continue
		}
		// RTF_UP|RTF_GATEWAY
		if flags == "0" || flags == "1" {
			continue
		}
		if !exists(name) {
			continue
		}
		return name, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no default route found")
}

// defaultRouteDarwin parses `netstat -rn`, preferring physical (en*)
// interfaces over tunnels.
func defaultRouteDarwin(r io.Reader, exists func(string) bool) (string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != "default" {
			continue
		}
		name := fields[3]
		if idx := strings.Index(name, "%"); idx != -1 {
			name = name[:idx]
		}
		if !exists(name) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no default route found")
	}
	for _, name := range names {
		if strings.HasPrefix(name, "en") {
			return name, nil
		}
	}
	return names[0], nil
}
