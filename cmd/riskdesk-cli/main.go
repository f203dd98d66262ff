package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"riskdesk/internal/api"
	"riskdesk/pkg/riskdesk"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: riskdesk-cli [-addr host:port] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  size -entry P -stop P [-risk R]       Share count for a risk budget\n")
	fmt.Fprintf(os.Stderr, "  risk                                  Open risk per position\n")
	fmt.Fprintf(os.Stderr, "  throttle SYMBOL [-cooldown M]         Check the re-entry cooldown\n")
	fmt.Fprintf(os.Stderr, "          [-history FILE]\n")
	fmt.Fprintf(os.Stderr, "  bracket SYMBOL -entry P -stop P       Submit a limit entry with a protective stop\n")
	fmt.Fprintf(os.Stderr, "          [-qty N] [-risk R] [-last-ask]\n")
	fmt.Fprintf(os.Stderr, "  exit SYMBOL                           Flatten a position now\n")
	fmt.Fprintf(os.Stderr, "  request-exit SYMBOL                   Flatten on the next exit trigger\n")
	fmt.Fprintf(os.Stderr, "  cancel-exit SYMBOL                    Drop a pending exit request\n")
	fmt.Fprintf(os.Stderr, "  exits                                 List pending exit requests\n")
	fmt.Fprintf(os.Stderr, "  trigger SYMBOL                        Fire the exit trigger for a symbol\n")
	fmt.Fprintf(os.Stderr, "  reconcile                             Run a monitor pass\n")
	fmt.Fprintf(os.Stderr, "  alarms [-all]                         List alarms\n")
	fmt.Fprintf(os.Stderr, "  resolve ID                            Resolve an alarm\n")
	fmt.Fprintf(os.Stderr, "  watch                                 Stream new alarms\n")
	fmt.Fprintf(os.Stderr, "  dashboard [-refresh D]                Live risk and alarm view\n")
	fmt.Fprintf(os.Stderr, "  version                               Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	defAddr := "127.0.0.1:9090"
	if a := os.Getenv("RISKDESK_ADDR"); a != "" {
		defAddr = a
	}
	addr := flag.String("addr", defAddr, "riskdesk-server gRPC address")
	timeout := flag.Duration("timeout", 30*time.Second, "per-call timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	cmd, rest := args[0], args[1:]

	if cmd == "version" {
		fmt.Printf("riskdesk-cli %s\n", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := riskdesk.NewClient(*addr)
	if err != nil {
		fatalf("%v", err)
	}
	defer c.Close()

	if cmd == "watch" {
		err := c.WatchAlarms(ctx, func(evt riskdesk.AlarmEvent) error {
			fmt.Printf("%s  %-6s %s\n", evt.Time.Local().Format("2006-01-02 15:04:05"), evt.Symbol, evt.Message)
			return nil
		})
		if err != nil {
			fatalf("watch: %v", err)
		}
		return
	}

	if cmd == "dashboard" {
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		refresh := fs.Duration("refresh", 5*time.Second, "risk refresh interval")
		_ = fs.Parse(rest)
		if err := runDashboard(ctx, c, *addr, *refresh); err != nil {
			fatalf("dashboard: %v", err)
		}
		return
	}

	method, req := request(cmd, rest)
	callCtx, callCancel := context.WithTimeout(ctx, *timeout)
	defer callCancel()

	var resp map[string]any
	if err := c.Call(callCtx, method, req, &resp); err != nil {
		fatalf("%s: %v", cmd, err)
	}
	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}

// request parses the command's flags into a method name and request body.
func request(cmd string, args []string) (string, any) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	entry := fs.Float64("entry", 0, "entry price")
	stop := fs.Float64("stop", 0, "stop price")
	riskBudget := fs.Float64("risk", 0, "dollars at risk (0 = server default)")
	qty := fs.Int64("qty", 0, "share count (0 = size from risk)")
	lastAsk := fs.Bool("last-ask", false, "price the entry at the last ask")
	cooldown := fs.Float64("cooldown", -1, "cooldown in minutes (-1 = server default)")
	all := fs.Bool("all", false, "include resolved alarms")
	history := fs.String("history", "", "JSON file of executions to check instead of the broker's")

	// Allow the symbol before or after the flags.
	var symbol string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		symbol, args = strings.ToUpper(args[0]), args[1:]
	}
	_ = fs.Parse(args)
	if symbol == "" && fs.NArg() > 0 {
		symbol = strings.ToUpper(fs.Arg(0))
	}
	needSymbol := func() {
		if symbol == "" {
			fatalf("%s: symbol is required", cmd)
		}
	}

	switch cmd {
	case "size":
		return api.MethodSizePosition, map[string]any{"entry": *entry, "stop": *stop, "risk": *riskBudget}
	case "risk":
		return api.MethodPortfolioRisk, nil
	case "throttle":
		needSymbol()
		req := map[string]any{"symbol": symbol}
		if *cooldown >= 0 {
			req["cooldown_minutes"] = *cooldown
		}
		if *history != "" {
			data, err := os.ReadFile(*history)
			if err != nil {
				fatalf("throttle: %v", err)
			}
			var fills []json.RawMessage
			if err := json.Unmarshal(data, &fills); err != nil {
				fatalf("throttle: parsing %s: %v", *history, err)
			}
			req["history"] = fills
		}
		return api.MethodCheckEntry, req
	case "bracket":
		needSymbol()
		return api.MethodSubmitBracket, riskdesk.BracketRequest{
			Symbol:     symbol,
			Entry:      *entry,
			Stop:       *stop,
			Quantity:   *qty,
			Risk:       *riskBudget,
			UseLastAsk: *lastAsk,
		}
	case "exit":
		needSymbol()
		return api.MethodAutomatedExit, map[string]any{"symbol": symbol}
	case "request-exit":
		needSymbol()
		return api.MethodRequestExit, map[string]any{"symbol": symbol}
	case "cancel-exit":
		needSymbol()
		return api.MethodCancelExitRequest, map[string]any{"symbol": symbol}
	case "exits":
		return api.MethodExitRequests, nil
	case "trigger":
		needSymbol()
		return api.MethodExitTrigger, map[string]any{"symbol": symbol}
	case "reconcile":
		return api.MethodReconcile, nil
	case "alarms":
		return api.MethodListAlarms, map[string]any{"active_only": !*all}
	case "resolve":
		var id int64
		if _, err := fmt.Sscan(symbol, &id); err != nil {
			fatalf("resolve: alarm id is required")
		}
		return api.MethodResolveAlarm, map[string]any{"id": id}
	}

	fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
	usage()
	os.Exit(1)
	return "", nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "riskdesk-cli: "+format+"\n", args...)
	os.Exit(1)
}
