package main

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const devPath = "/sys/bus/usb/devices"

var usbSerialRe = regexp.MustCompile(`(?i)usb.*serial|serial.*usb|uart`)

// findUSBSerialDevices returns the tty names of USB adapters whose product
// string looks like a serial converter.
func findUSBSerialDevices(root string) []string {
	found := make(map[string]bool)
	buses, err := filepath.Glob(filepath.Join(root, "usb*"))
	if err != nil {
		return nil
	}

	for _, bus := range buses {
		products, err := filepath.Glob(filepath.Join(bus, "*", "product"))
		if err != nil || len(products) == 0 {
			continue
		}
		for _, prodFn := range products {
			if !usbSerialRe.MatchString(readFile(prodFn)) {
				continue
			}
			ttys, err := filepath.Glob(filepath.Join(filepath.Dir(prodFn), "*:*", "tty*"))
			if err != nil || len(ttys) == 0 {
				continue
			}
			name := filepath.Base(ttys[0])
			// Older kernels add a "tty" directory holding the real name.
			if name == "tty" {
				inner, _ := filepath.Glob(filepath.Join(ttys[0], "tty*"))
				if len(inner) == 0 {
					continue
				}
				name = filepath.Base(inner[0])
			}
			found[name] = true
		}
	}

	var names []string
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstUSBSerialDevice() string {
	names := findUSBSerialDevices(devPath)
	if len(names) == 0 {
		return ""
	}
	return filepath.Join("/dev", names[0])
}

func readFile(fn string) string {
	b, err := os.ReadFile(fn)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(b), "\n")
}
