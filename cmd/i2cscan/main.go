// i2cscan lists the devices answering on a Linux I2C bus.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"sensornode-go/drivers/i2cdev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		busPath     string
		first, last uint16
	)
	flagSet := pflag.NewFlagSet("i2cscan", pflag.ContinueOnError)
	flagSet.StringVarP(&busPath, "bus", "b", "/dev/i2c-1", "I2C character device")
	flagSet.Uint16Var(&first, "first", 0x03, "first address to probe")
	flagSet.Uint16Var(&last, "last", 0x77, "last address to probe")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	bus, err := i2cdev.Open(busPath)
	if err != nil {
		return err
	}
	defer bus.Close()

	fmt.Printf("Scanning %s (0x%02X-0x%02X)...\n", bus.Path(), first, last)
	found := i2cdev.Scan(bus, first, last)
	for _, addr := range found {
		fmt.Printf("I2C device found at address 0x%02X\n", addr)
	}
	fmt.Printf("Scan complete, %d device(s).\n", len(found))
	return nil
}
