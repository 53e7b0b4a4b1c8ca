// Command tensorlens-watch attaches to a running probe and prints the
// snapshot stream. It can auto-resume breakpoints and fetch cached
// tensors, which makes it handy for smoke-testing a probe from the
// terminal.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/tensorlens/tensorlens/client"
	"github.com/tensorlens/tensorlens/internal/broadcast"
)

var (
	addr       = flag.String("addr", "ws://127.0.0.1:8089/ws", "Probe websocket endpoint")
	autoResume = flag.Bool("auto-resume", false, "Resume every breakpoint hit immediately")
	fetch      = flag.String("fetch", "", "Request these cached tensors on connect (comma-separated)")
	showData   = flag.Bool("data", false, "Print element data carried by full snapshots")
)

func main() {
	flag.Parse()

	o, err := client.Dial(*addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer o.Close()

	fmt.Printf("Connected as %s to %s\n", o.ClientID(), *addr)

	for _, name := range splitNames(*fetch) {
		if err := o.RequestTensor(name); err != nil {
			log.Fatalf("Failed to request %s: %v", name, err)
		}
	}

	// Close unblocks the Recv loop on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		o.Close()
	}()

	for {
		env, err := o.Recv()
		if err != nil {
			fmt.Printf("Stream closed: %v\n", err)
			return
		}
		printEnvelope(env)

		if env.Type == broadcast.TypeBreakpointHit && *autoResume {
			if err := o.Resume(env.Name); err != nil {
				log.Printf("Failed to resume %s: %v", env.Name, err)
			} else {
				fmt.Printf("  resumed %s\n", env.Name)
			}
		}
	}
}

func printEnvelope(env *broadcast.Envelope) {
	switch env.Type {
	case broadcast.TypeMetricsUpdate:
		fmt.Printf("[metrics]%s %s\n", stepSuffix(env), formatMetrics(env.Metrics))
	case broadcast.TypeTensorUpdate, broadcast.TypeTensorFull, broadcast.TypeTensorData:
		name := env.Name
		if name == "" {
			name = env.TensorName
		}
		fmt.Printf("[%s] %s shape=%v kind=%s%s\n",
			env.Type, name, env.Shape, env.ElementKind, formatStats(env))
		if *showData && len(env.Data) > 0 {
			if vals, err := env.DataFloats(); err == nil {
				fmt.Printf("  data=%v\n", vals)
			}
		}
	case broadcast.TypeTensorDiff:
		fmt.Printf("[tensor_diff] %s frame=%dB\n", env.Name, len(env.Diff))
	case broadcast.TypeBreakpointHit:
		fmt.Printf("[breakpoint_hit] %s snapshot=%s\n", env.Name, env.TensorName)
	case broadcast.TypeActionRequest:
		fmt.Printf("[action_request] %s (unanswered requests fall back after the probe's action timeout)\n", env.Action)
	case broadcast.TypeError:
		fmt.Printf("[error] %s\n", env.Message)
	default:
		fmt.Printf("[%s]\n", env.Type)
	}
}

func stepSuffix(env *broadcast.Envelope) string {
	if env.Step == nil {
		return ""
	}
	return fmt.Sprintf(" step=%d", *env.Step)
}

func formatMetrics(values map[string]float64) string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.6g", name, values[name]))
	}
	return strings.Join(parts, " ")
}

func formatStats(env *broadcast.Envelope) string {
	if env.Stats == nil {
		return ""
	}
	return fmt.Sprintf(" mean=%.6g std=%.6g min=%.6g max=%.6g",
		env.Stats.Mean, env.Stats.Std, env.Stats.Min, env.Stats.Max)
}

func splitNames(csv string) []string {
	if csv == "" {
		return nil
	}
	var names []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}
