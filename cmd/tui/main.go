package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/deviazarina/trepod/internal/config"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "config file path")
	flag.Parse()
	reader := bufio.NewReader(os.Stdin)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== Scalper Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit risk limits")
		fmt.Println("3) Edit signal threshold and weights")
		fmt.Println("4) Edit symbol distances")
		fmt.Println("5) Save config")
		fmt.Println("6) Launch scalper")
		fmt.Println("7) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editRisk(reader, cfg)
		case "3":
			editStrategy(reader, cfg)
		case "4":
			editSymbol(reader, cfg)
		case "5":
			if err := save(*configPath, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "6":
			launch(reader, *configPath)
		case "7":
			reloaded, err := config.Load(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Gateway: %s | feed: %s\n", cfg.Execution.Gateway, cfg.Feed.Provider)
	fmt.Printf("Dashboard: %s | metrics: %s\n", cfg.App.DashboardAddr, cfg.App.MetricsAddr)
	fmt.Printf("Min confidence: %.2f (min components %d)\n", cfg.Strategy.MinConfidence, cfg.Strategy.MinComponents)
	names := make([]string, 0, len(cfg.Strategy.Weights))
	for name := range cfg.Strategy.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-22s %.2f\n", name, cfg.Strategy.Weights[name])
	}
	fmt.Printf("Max concurrent positions: %d\n", cfg.Risk.MaxConcurrentPositions)
	fmt.Printf("Max lots per symbol: %.2f\n", cfg.Risk.MaxSymbolExposure)
	fmt.Printf("Max daily trades: %d | max daily loss: $%.2f\n", cfg.Risk.MaxDailyTrades, cfg.Risk.MaxDailyLoss)
	fmt.Printf("Min margin headroom: %.0f%%\n", cfg.Risk.MinMarginHeadroom*100)
	for _, s := range cfg.Symbols {
		fmt.Printf("%s: TP %.1f (%.1f-%.1f) SL %.1f (%.1f-%.1f) pips, lot %.2f-%.2f, spread <= %.1f\n",
			s.Name, s.BaseTPPips, s.MinTPPips, s.MaxTPPips, s.BaseSLPips, s.MinSLPips, s.MaxSLPips,
			s.BaseLot, s.MaxLot, s.MaxSpreadPips)
	}
}

func editRisk(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Risk Limits ---")
	cfg.Risk.MaxConcurrentPositions = int(promptFloat(reader, "Max concurrent positions", float64(cfg.Risk.MaxConcurrentPositions)))
	cfg.Risk.MaxSymbolExposure = promptFloat(reader, "Max lots per symbol", cfg.Risk.MaxSymbolExposure)
	cfg.Risk.MaxDailyTrades = int(promptFloat(reader, "Max daily trades", float64(cfg.Risk.MaxDailyTrades)))
	cfg.Risk.MaxDailyLoss = promptFloat(reader, "Max daily loss (USD)", cfg.Risk.MaxDailyLoss)
	cfg.Risk.MinMarginHeadroom = promptPercent(reader, "Min margin headroom (%)", cfg.Risk.MinMarginHeadroom)
}

func editStrategy(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Signal Threshold ---")
	cfg.Strategy.MinConfidence = promptFloat(reader, "Min confidence (0-1)", cfg.Strategy.MinConfidence)
	cfg.Strategy.MinComponents = int(promptFloat(reader, "Min scoring components", float64(cfg.Strategy.MinComponents)))
	names := make([]string, 0, len(cfg.Strategy.Weights))
	for name := range cfg.Strategy.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg.Strategy.Weights[name] = promptFloat(reader, "Weight "+name, cfg.Strategy.Weights[name])
	}
}

func editSymbol(reader *bufio.Reader, cfg *config.Config) {
	fmt.Printf("\nSymbols: %s\n", strings.Join(cfg.SymbolNames(), ", "))
	fmt.Print("Symbol to edit: ")
	line, _ := reader.ReadString('\n')
	name := strings.ToUpper(strings.TrimSpace(line))
	for i := range cfg.Symbols {
		s := &cfg.Symbols[i]
		if s.Name != name {
			continue
		}
		s.BaseTPPips = promptFloat(reader, "Base TP (pips)", s.BaseTPPips)
		s.BaseSLPips = promptFloat(reader, "Base SL (pips)", s.BaseSLPips)
		s.MinTPPips = promptFloat(reader, "Min TP (pips)", s.MinTPPips)
		s.MaxTPPips = promptFloat(reader, "Max TP (pips)", s.MaxTPPips)
		s.MinSLPips = promptFloat(reader, "Min SL (pips)", s.MinSLPips)
		s.MaxSLPips = promptFloat(reader, "Max SL (pips)", s.MaxSLPips)
		s.BaseLot = promptFloat(reader, "Base lot", s.BaseLot)
		s.MaxLot = promptFloat(reader, "Max lot", s.MaxLot)
		s.MaxSpreadPips = promptFloat(reader, "Max spread (pips)", s.MaxSpreadPips)
		return
	}
	fmt.Println("unknown symbol")
}

// save refuses to write a config the scalper would reject at startup.
func save(path string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func launch(reader *bufio.Reader, configPath string) {
	fmt.Println("Launching scalper (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/scalper", "-config", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start scalper: %v\n", err)
		return
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	fmt.Print("\nPress ENTER to stop the scalper and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	<-exited
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}
