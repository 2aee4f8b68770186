package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = serve

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCmd(healthURL(), stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "dataspace-connector %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "dataspace-connector %s\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  connector <command>")
	fmt.Fprintln(w, "")
	printCommand(w, "serve", "Run the connector (default)")
	printCommand(w, "health", "Check a running connector's health endpoint")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment (CONNECTOR_ID, DATABASE_URL, CATALOG_FILE, ...).")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func healthURL() string {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}
	return "http://localhost:" + port + "/health"
}

func runHealthCmd(url string, out, errOut io.Writer) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

func serve(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, stdout); err != nil {
		log.Printf("[connector] fatal: %v", err)
		_, _ = fmt.Fprintf(stderr, "connector failed: %v\n", err)
		return 1
	}
	return 0
}
