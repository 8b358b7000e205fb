package main

import "github.com/fatih/color"

func cyan(s string) string   { return color.New(color.FgHiCyan).SprintFunc()(s) }
func green(s string) string  { return color.New(color.FgHiGreen).SprintFunc()(s) }
func yellow(s string) string { return color.New(color.FgHiYellow).SprintFunc()(s) }
func red(s string) string    { return color.New(color.FgHiRed).SprintFunc()(s) }

// rssiColor shades a signal strength by link quality.
func rssiColor(rssi int, s string) string {
	switch {
	case rssi >= -70:
		return green(s)
	case rssi >= -80:
		return yellow(s)
	default:
		return red(s)
	}
}
