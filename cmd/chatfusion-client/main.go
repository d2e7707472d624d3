package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/client"
	"github.com/Meander-Cloud/go-chatfusion/logging"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

// printer writes session events to stdout.
type printer struct{}

func (printer) LoggedIn(serverName string) {
	fmt.Printf("logged in to %s\n", serverName)
}

func (printer) Message(p packet.PublicMessage) {
	line, err := packet.Render(p)
	if err != nil {
		return
	}
	fmt.Println(line)
}

func (printer) Disconnected() {
	fmt.Println("disconnected")
}

func main() {
	logLevel := flag.String("log-level", "warn", "debug, info, warn or error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <login> <host> <port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	logger, err := logging.NewLogger(*logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatfusion-client: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := resolve(ctx, flag.Arg(1), flag.Arg(2))
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatfusion-client: %v\n", err)
		os.Exit(2)
	}

	if err = run(ctx, flag.Arg(0), server, logger); err != nil {
		fmt.Fprintf(os.Stderr, "chatfusion-client: %v\n", err)
		os.Exit(1)
	}
}

func resolve(ctx context.Context, host, portText string) (netip.AddrPort, error) {
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("port %q: %w", portText, err)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%s: no IPv4 address", host)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

func run(ctx context.Context, login string, server netip.AddrPort, logger *zap.Logger) error {
	c, err := client.New(
		&client.Options{
			Login:    login,
			Server:   server,
			Callback: printer{},
			Logger:   logger,
		},
	)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	if _, err = c.Login(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := c.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		case <-c.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
