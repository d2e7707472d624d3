package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Meander-Cloud/go-chatfusion/admin"
)

func main() {
	address := flag.String("admin", os.Getenv("CHATFUSION_ADMIN_ADDRESS"), "server admin address host:port")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the reply")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -admin host:port FUSION <host> <port> | INFO | PEERS\n", os.Args[0])
		flag.PrintDefaults()
	}

	_ = godotenv.Load()
	flag.Parse()

	if *address == "" {
		*address = os.Getenv("CHATFUSION_ADMIN_ADDRESS")
	}
	if *address == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	text, err := admin.Call(ctx, *address, strings.Join(flag.Args(), " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(text)
}
