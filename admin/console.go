package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrUnknownCommand = errors.New("admin: unknown command")
	ErrUsage          = errors.New("admin: bad arguments")
)

// Resolver looks up IPv4 addresses for a host; *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Parser turns console lines into commands. Host names are resolved here,
// on the calling goroutine, never on the arbiter.
type Parser struct {
	Resolver Resolver
}

func NewParser() *Parser {
	return &Parser{Resolver: net.DefaultResolver}
}

// Parse understands:
//
//	FUSION <host> <port>
//	INFO
//	PEERS
func (p *Parser) Parse(ctx context.Context, line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrUnknownCommand)
	}

	switch strings.ToUpper(fields[0]) {
	case "FUSION":
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: usage FUSION <host> <port>", ErrUsage)
		}
		address, err := p.resolve(ctx, fields[1], fields[2])
		if err != nil {
			return nil, err
		}
		cmd := NewCommand(KindFusion)
		cmd.Address = address
		return cmd, nil
	case "INFO":
		if len(fields) != 1 {
			return nil, fmt.Errorf("%w: usage INFO", ErrUsage)
		}
		return NewCommand(KindInfo), nil
	case "PEERS":
		if len(fields) != 1 {
			return nil, fmt.Errorf("%w: usage PEERS", ErrUsage)
		}
		return NewCommand(KindPeers), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
}

func (p *Parser) resolve(ctx context.Context, host, portText string) (netip.AddrPort, error) {
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: port %q: %v", ErrUsage, portText, err)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.AddrPort{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrUsage, host)
		}
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if addr = addr.Unmap(); addr.Is4() {
			return netip.AddrPortFrom(addr, uint16(port)), nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("resolve %s: no IPv4 address", host)
}

// RunConsole reads commands from in until EOF or ctx ends, executing each
// through the bridge and printing the outcome to out.
func RunConsole(ctx context.Context, in io.Reader, out io.Writer, parser *Parser, bridge *Bridge, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("console")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		text, err := ExecuteLine(ctx, parser, bridge, line)
		if err != nil {
			if errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("command failed", zap.String("line", line), zap.Error(err))
			fmt.Fprintf(out, "error: %s\n", err)
			continue
		}
		fmt.Fprintln(out, text)
	}
	return scanner.Err()
}

// ExecuteLine parses one console line and waits for its outcome.
func ExecuteLine(ctx context.Context, parser *Parser, bridge *Bridge, line string) (string, error) {
	cmd, err := parser.Parse(ctx, line)
	if err != nil {
		return "", err
	}

	resp, err := bridge.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.Text, nil
}
