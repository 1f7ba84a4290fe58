package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/magic8ball/internal/ble"
	"github.com/chaz8081/magic8ball/internal/config"
	"github.com/chaz8081/magic8ball/internal/responder"
	"github.com/chaz8081/magic8ball/internal/sdk"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/magic8ball/config.yaml)")
	role := flag.String("role", "", "override role: central or peripheral")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *role != "" {
		cfg.Role = *role
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	printBanner(cfg)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Transport == "loopback" {
		runLoopback(cfg, logger, sigCh)
		return
	}

	radio := ble.NewTinyGoRadio(logger)
	switch cfg.Role {
	case "central":
		c, err := sdk.NewCentral(radio, sdk.Options{Logger: logger})
		if err != nil {
			log.Fatalf("Failed to start central: %v\n\nEnsure Bluetooth is enabled and this process may use it.", err)
		}
		askLoop(c, sigCh)
		c.Close()
	case "peripheral":
		p, err := startPeripheral(radio, cfg, logger)
		if err != nil {
			log.Fatalf("Failed to start peripheral: %v\n\nEnsure Bluetooth is enabled and this adapter supports advertising.", err)
		}
		fmt.Printf("Advertising as %q. Ctrl+C to quit.\n", cfg.LocalName)
		sig := <-sigCh
		logger.Info("Received signal, shutting down", "signal", sig)
		p.Close()
	}
	fmt.Println("Goodbye!")
}

// runLoopback plays both roles in-process: a responder Peripheral on one
// station and a stdin-driven Central on another.
func runLoopback(cfg *config.Config, logger *slog.Logger, sigCh <-chan os.Signal) {
	air := ble.NewLoopback(logger)

	p, err := startPeripheral(air.Station(cfg.LocalName, -40), cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start loopback peripheral: %v", err)
	}
	defer p.Close()

	c, err := sdk.NewCentral(air.Station("Console", -40), sdk.Options{Logger: logger})
	if err != nil {
		log.Fatalf("Failed to start loopback central: %v", err)
	}
	defer c.Close()

	askLoop(c, sigCh)
	fmt.Println("Goodbye!")
}

func startPeripheral(radio ble.Radio, cfg *config.Config, logger *slog.Logger) (*sdk.Peripheral, error) {
	p, err := sdk.NewPeripheral(radio, sdk.Options{LocalName: cfg.LocalName, Logger: logger})
	if err != nil {
		return nil, err
	}
	r := responder.New(responder.RandomPicker{Answers: cfg.Answers}, cfg.AnswerDelay, logger)
	p.AddObserver(r)
	return p, nil
}

// askLoop sends each stdin line as a question to every ready Peripheral
// until stdin closes or a signal arrives.
func askLoop(c *sdk.Central, sigCh <-chan os.Signal) {
	c.AddObserver(printer{})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println("Type a question and press Enter. Ctrl+C to quit.")
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			question := strings.TrimSpace(line)
			if question == "" {
				continue
			}
			targets := ready(c.Devices())
			if len(targets) == 0 {
				fmt.Println("No Magic 8-Ball found yet, try again in a moment.")
				continue
			}
			for _, d := range targets {
				d.SendQuestion(question)
			}

		case sig := <-sigCh:
			slog.Info("Received signal, shutting down", "signal", sig)
			return
		}
	}
}

func ready(devices []*sdk.PeripheralDevice) []*sdk.PeripheralDevice {
	var out []*sdk.PeripheralDevice
	for _, d := range devices {
		switch d.Phase() {
		case sdk.PhaseReady, sdk.PhaseAwaitingAnswer, sdk.PhaseAnswered, sdk.PhaseTimedOut:
			out = append(out, d)
		}
	}
	return out
}

// printer reports Central progress on stdout.
type printer struct{}

func (printer) ErrorOccurred(err error, _ sdk.SDK) {
	fmt.Printf("Error: %v (%s)\n", err, sdk.Slug(err))
}

func (printer) DeviceDiscovered(d *sdk.PeripheralDevice) {
	fmt.Printf("Found %s\n", d.Name())
}

func (printer) QuestionAskedOfDevice(d *sdk.PeripheralDevice) {
	fmt.Printf("%s heard: %s\n", d.Name(), d.Question())
}

func (printer) QuestionAnsweredByDevice(d *sdk.PeripheralDevice) {
	fmt.Printf("%s says: %s\n", d.Name(), d.Answer())
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	answers := "built-in"
	if len(cfg.Answers) > 0 {
		answers = fmt.Sprintf("%d custom", len(cfg.Answers))
	}
	fmt.Println("=== magic8ball ===")
	fmt.Printf("  Role:      %s\n", cfg.Role)
	fmt.Printf("  Name:      %s\n", cfg.LocalName)
	fmt.Printf("  Transport: %s\n", cfg.Transport)
	fmt.Printf("  Answers:   %s (delay %s)\n", answers, cfg.AnswerDelay)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
