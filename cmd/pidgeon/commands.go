// ABOUTME: Subcommand implementations for the pidgeon CLI
// ABOUTME: Each opens what it needs (device, gateway, client) and runs until done or interrupted

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/FayCarsons/pidgeon/internal/client"
	"github.com/FayCarsons/pidgeon/internal/config"
	"github.com/FayCarsons/pidgeon/internal/device"
	"github.com/FayCarsons/pidgeon/internal/gateway"
	"github.com/FayCarsons/pidgeon/internal/repl"
	"github.com/FayCarsons/pidgeon/internal/session"
	"github.com/FayCarsons/pidgeon/internal/upload"
)

func openDevice(cfg *config.Config, logger *slog.Logger) (*device.Link, error) {
	link, err := device.Open(cfg.Device, logger)
	if errors.Is(err, device.ErrNotFound) {
		return nil, fmt.Errorf("%w: is it plugged in? 'pidgeon ports' lists what is attached", err)
	}
	return link, err
}

func runFile(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("file", &common)
	watch := fs.BoolP("watch", "w", false, "re-upload whenever the file is saved")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: pidgeon file [--watch] <path>")
	}
	path := fs.Arg(0)

	cfg, _, err := common.load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	link, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	if *watch {
		logger.Info("watching script", "path", path)
		return upload.Watch(ctx, link, path, upload.WatchOptions{
			Debounce: cfg.Upload.Debounce,
			Out:      os.Stdout,
			Logger:   logger,
		})
	}
	return upload.Once(ctx, link, path, cfg.Upload.ReplyTimeout, os.Stdout)
}

func runREPL(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("repl", &common)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, _, err := common.load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	link, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	var p repl.Prompter
	if repl.IsTerminal(os.Stdin) {
		tp, err := repl.NewTerminalPrompter(os.Stdin, os.Stdout, cfg.REPL.Prompt)
		if err != nil {
			return fmt.Errorf("preparing terminal: %w", err)
		}
		defer tp.Close()
		p = tp
	} else {
		p = repl.NewScanPrompter(os.Stdin, os.Stdout, "")
	}

	return repl.Run(ctx, link, p, logger)
}

// serverFlags are shared by remote and simulate.
type serverFlags struct {
	common   commonFlags
	bind     string
	httpAddr string
	grpcAddr string
}

func parseServerFlags(name string, args []string) (*config.Config, string, error) {
	var sf serverFlags
	fs := newFlagSet(name, &sf.common)
	fs.StringVar(&sf.bind, "bind", "", "address to listen on (overrides server.bind)")
	fs.StringVar(&sf.httpAddr, "http", "", "serve the web shim on this address")
	fs.StringVar(&sf.grpcAddr, "grpc", "", "serve gRPC health on this address")
	if err := parseFlags(fs, args); err != nil {
		return nil, "", err
	}
	if fs.NArg() > 1 {
		return nil, "", fmt.Errorf("usage: pidgeon %s [flags] [port]", name)
	}

	cfg, path, err := sf.common.load()
	if err != nil {
		return nil, "", err
	}

	if fs.NArg() == 1 {
		port, err := strconv.Atoi(fs.Arg(0))
		if err != nil || port < 0 || port > 65535 {
			return nil, "", fmt.Errorf("invalid port %q", fs.Arg(0))
		}
		cfg.Server.Port = port
	}
	if sf.bind != "" {
		cfg.Server.Bind = sf.bind
	}
	if sf.httpAddr != "" {
		cfg.Server.HTTPAddr = sf.httpAddr
	}
	if sf.grpcAddr != "" {
		cfg.Server.GRPCAddr = sf.grpcAddr
	}
	return cfg, path, nil
}

func runRemote(ctx context.Context, args []string) error {
	cfg, path, err := parseServerFlags("remote", args)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	link, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	return serve(ctx, cfg, path, link, link.Name(), logger)
}

func runSimulate(ctx context.Context, args []string) error {
	cfg, path, err := parseServerFlags("simulate", args)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	sim := device.NewSimulator(device.EchoResponder)
	link := device.NewLink(sim,
		device.WithName("simulator"),
		device.WithLogger(logger),
		device.WithDelimitThreshold(cfg.Device.DelimitThreshold),
		device.WithMaxLineLength(cfg.Device.MaxLineLength),
	)
	defer link.Close()

	return serve(ctx, cfg, path, link, "simulator (echo)", logger)
}

func serve(ctx context.Context, cfg *config.Config, configPath string, dev session.Device, deviceName string, logger *slog.Logger) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("Device", deviceName)
	line("Gateway", cfg.Server.Addr())
	if cfg.Server.HTTPAddr != "" {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	gw, err := gateway.New(cfg, dev, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runPorts(args []string) error {
	var common commonFlags
	fs := newFlagSet("ports", &common)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, _, err := common.load()
	if err != nil {
		return err
	}

	ports, err := device.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}

	green := color.New(color.FgGreen)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tVID:PID\tPRODUCT\tSERIAL")
	for _, p := range ports {
		product := p.Product
		if p.IsUSB && p.Product == cfg.Device.Identity {
			product = green.Sprint(product)
		}
		ids := "-"
		if p.IsUSB {
			ids = p.VID + ":" + p.PID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, ids, product, p.SerialNumber)
	}
	return tw.Flush()
}

func runCheck(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("check", &common)
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for the gateway")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, _, err := common.load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	addr := cfg.Server.Addr()
	if fs.NArg() > 0 {
		addr = fs.Arg(0)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	c, err := client.Dial(ctx, addr, logger)
	if err != nil {
		return err
	}
	free, err := c.Check(ctx)
	if err != nil {
		return err
	}

	if free {
		color.Green("%s: free", addr)
		return nil
	}
	color.Yellow("%s: busy", addr)
	return nil
}

func runSend(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("send", &common)
	addrFlag := fs.String("addr", "", "gateway address (default from server.bind and server.port)")
	wait := fs.Duration("wait", time.Second, "how long to wait for each reply")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, _, err := common.load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	addr := *addrFlag
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	c, err := client.Dial(ctx, addr, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		return err
	}

	do := func(text string) error {
		rctx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()

		reply, err := c.Do(rctx, text)
		switch {
		case err == nil:
			fmt.Println(reply)
			return nil
		case errors.Is(err, client.ErrNoReply) && ctx.Err() == nil:
			color.HiBlack("(no reply)")
			return nil
		default:
			return err
		}
	}

	if fs.NArg() > 0 {
		for _, text := range fs.Args() {
			if err := do(text); err != nil {
				return err
			}
		}
		return nil
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		if err := do(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}
