// Package config defines the CLI grammar parsed by kong.
package config

import (
	"github.com/virtcom/usbgadget/internal/cmd"
)

// LogConfig groups the logging flags shared by all commands.
type LogConfig struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" default:"info" env:"USBGADGET_LOG_LEVEL"`
	File    string `help:"Log file path; logs go to stdout/stderr when empty" env:"USBGADGET_LOG_FILE"`
	RawFile string `help:"Raw USB transfer log file path" env:"USBGADGET_LOG_RAW_FILE"`
}

// CLI is the root command grammar.
type CLI struct {
	Config string    `help:"Path to a configuration file" env:"USBGADGET_CONFIG"`
	Log    LogConfig `embed:"" prefix:"log."`

	Vcp       cmd.Vcp           `cmd:"" help:"Run a CDC ACM loopback console on the emulated controller"`
	Dfu       cmd.Dfu           `cmd:"" help:"Replay a DFU firmware download against an emulated flash medium"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration file utilities"`
}
