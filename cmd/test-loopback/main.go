// Command test-loopback is a manual smoke test for the session layer.
// It runs a Central and a Peripheral in one process over the in-memory
// radio and asks a single question.
//
// Usage:
//
//	go run ./cmd/test-loopback [--question "Will it rain?"] [--timeout 2s]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/magic8ball/internal/ble"
	"github.com/chaz8081/magic8ball/internal/responder"
	"github.com/chaz8081/magic8ball/internal/sdk"
)

// outcome collects what the Central saw.
type outcome struct {
	found  chan *sdk.PeripheralDevice
	answer chan string
	err    chan error
}

func (o outcome) ErrorOccurred(err error, _ sdk.SDK)                { o.err <- err }
func (o outcome) DeviceDiscovered(d *sdk.PeripheralDevice)         { o.found <- d }
func (o outcome) QuestionAskedOfDevice(d *sdk.PeripheralDevice)    { fmt.Printf("Delivered %q\n", d.Question()) }
func (o outcome) QuestionAnsweredByDevice(d *sdk.PeripheralDevice) { o.answer <- d.Answer() }

func main() {
	question := flag.String("question", "Will this work?", "question to ask")
	timeout := flag.Duration("timeout", 2*time.Second, "question timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	air := ble.NewLoopback(logger)

	p, err := sdk.CreateInstance(sdk.RolePeripheral, air.Station("Magic8Ball", -40), sdk.Options{Logger: logger})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()
	p.AddObserver(responder.New(responder.RandomPicker{}, 0, logger))

	o := outcome{
		found:  make(chan *sdk.PeripheralDevice, 1),
		answer: make(chan string, 1),
		err:    make(chan error, 4),
	}
	c, err := sdk.CreateInstance(sdk.RoleCentral, air.Station("Tester", -40), sdk.Options{QuestionTimeout: *timeout, Logger: logger})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()
	c.AddObserver(o)

	fmt.Println("Scanning...")
	var ball *sdk.PeripheralDevice
	select {
	case ball = <-o.found:
		fmt.Printf("Found %s\n", ball.Name())
	case err := <-o.err:
		fmt.Printf("Error: %v (%s)\n", err, sdk.Slug(err))
		return
	case <-time.After(5 * time.Second):
		fmt.Println("Error: no peripheral found")
		return
	}

	fmt.Printf("Asking %q...\n", *question)
	start := time.Now()
	ball.SendQuestion(*question)

	select {
	case a := <-o.answer:
		fmt.Printf("Answer: %s (%s)\n", a, time.Since(start).Round(time.Millisecond))
	case err := <-o.err:
		fmt.Printf("Error: %v (%s)\n", err, sdk.Slug(err))
	case <-time.After(*timeout + time.Second):
		fmt.Println("Error: no answer")
	}

	fmt.Println("\nDone!")
}
