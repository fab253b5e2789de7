package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aridsondez/claimq/pkg/client"
)

const (
	baseURL      = "http://localhost:8080"
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

var c = client.NewClient(baseURL, client.WithProject("demo"), client.WithClientID("demo-cli"))

func main() {
	ctx := context.Background()
	printHeader()

	if !checkServer() {
		fmt.Printf("%s✗ Server not running. Start it with 'claimq serve' first.%s\n", colorRed, colorReset)
		os.Exit(1)
	}
	fmt.Printf("%s✓ Server is running%s\n\n", colorGreen, colorReset)

	for _, q := range []string{"orders", "tasks", "slow-tasks", "ephemeral"} {
		must(c.CreateQueue(ctx, q, nil))
	}

	scenarioBasicFlow(ctx)
	scenarioClaimExpiry(ctx)
	scenarioGraceWindow(ctx)
	scenarioMessageTTL(ctx)

	displayMetrics()
	printFooter()
}

func printHeader() {
	fmt.Print(colorCyan + colorBold)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║         CLAIMQ - INTERACTIVE DEMO                          ║")
	fmt.Println("║         Post, claim, delete, and let claims lapse          ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	fmt.Print(colorCyan)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Demo Complete!                          ║")
	fmt.Println("║  View live metrics at: http://localhost:8080/metrics       ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
}

func checkServer() bool {
	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func scenarioBasicFlow(ctx context.Context) {
	printScenario("Scenario 1: Post → Claim → Delete")

	step("Posting message to 'orders'...")
	ids := post(ctx, "orders", time.Hour, map[string]any{"order_id": "ORD-12345", "total": 99.99})
	ok("Message posted with ID: %s", ids[0])

	step("Claiming from 'orders'...")
	claim, err := c.Claim(ctx, "orders", client.ClaimOptions{TTL: 30 * time.Second, Limit: 1})
	must(err)
	ok("Claim %s holds %d message(s)", claim.ID, len(claim.Messages))
	fmt.Printf("    Body: %s\n", claim.Messages[0].Body)

	step("Deleting the message under its claim...")
	must(c.DeleteMessage(ctx, "orders", claim.Messages[0].ID, claim.ID))
	ok("Message deleted")

	step("Claiming again (queue should be empty)...")
	claim, err = c.Claim(ctx, "orders", client.ClaimOptions{TTL: 30 * time.Second})
	must(err)
	if claim.ID == "" {
		ok("Nothing to claim")
	}
	fmt.Println()
}

func scenarioClaimExpiry(ctx context.Context) {
	printScenario("Scenario 2: An Expired Claim Frees Its Messages")

	step("Posting task...")
	post(ctx, "tasks", time.Hour, map[string]any{"task": "process-payment", "amount": 50.00})

	step("Claiming with a 2-second TTL and no grace...")
	first, err := c.Claim(ctx, "tasks", client.ClaimOptions{TTL: 2 * time.Second})
	must(err)
	ok("Claim %s holds message %s", first.ID, first.Messages[0].ID)

	fmt.Printf("%s→ Simulating worker crash (not deleting)...%s\n", colorMagenta, colorReset)
	wait("Waiting for the claim to expire...", 3*time.Second)

	step("Claiming again...")
	second, err := c.Claim(ctx, "tasks", client.ClaimOptions{TTL: 30 * time.Second})
	must(err)
	if second.ID != "" {
		ok("Message %s re-claimed by claim %s", second.Messages[0].ID, second.ID)
		must(c.DeleteMessage(ctx, "tasks", second.Messages[0].ID, second.ID))
		ok("Cleaned up message")
	}
	fmt.Println()
}

func scenarioGraceWindow(ctx context.Context) {
	printScenario("Scenario 3: Late Delete Inside the Grace Window")

	step("Posting slow task...")
	post(ctx, "slow-tasks", time.Hour, map[string]any{"task": "render-report"})

	step("Claiming with TTL=2s and grace=10s...")
	claim, err := c.Claim(ctx, "slow-tasks", client.ClaimOptions{TTL: 2 * time.Second, Grace: 10 * time.Second})
	must(err)
	ok("Claim %s", claim.ID)

	wait("Working past the claim TTL...", 3*time.Second)

	step("Another consumer may claim it now, but plain deletes are refused...")
	err = c.DeleteMessage(ctx, "slow-tasks", claim.Messages[0].ID, "")
	if client.IsConflict(err) {
		ok("Unclaimed delete rejected: %v", err)
	}

	step("Original claimant deletes with its claim id...")
	must(c.DeleteMessage(ctx, "slow-tasks", claim.Messages[0].ID, claim.ID))
	ok("Deleted inside the grace window")
	fmt.Println()
}

func scenarioMessageTTL(ctx context.Context) {
	printScenario("Scenario 4: Message TTL Expiry")

	step("Posting a message with a 2-second TTL...")
	ids := post(ctx, "ephemeral", 2*time.Second, map[string]any{"note": "short-lived"})

	wait("Waiting for it to expire...", 3*time.Second)

	step("Reading it back...")
	if _, err := c.GetMessage(ctx, "ephemeral", ids[0]); client.IsNotFound(err) {
		ok("Expired message is gone; the collector will purge it")
	}
	fmt.Println()
}

func displayMetrics() {
	printScenario("Live Prometheus Metrics")

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		fmt.Printf("%s✗ Failed to fetch metrics%s\n", colorRed, colorReset)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	prefixes := []string{
		"claimq_messages_posted_total",
		"claimq_messages_claimed_total",
		"claimq_messages_deleted_total",
		"claimq_claims_total",
		"claimq_gc_purged_total",
	}

	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, prefix := range prefixes {
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			name, value, found := strings.Cut(line, " ")
			if found {
				fmt.Printf("%s%-55s%s %s%s%s\n",
					colorCyan, name, colorReset,
					colorGreen+colorBold, value, colorReset)
			}
		}
	}

	fmt.Printf("\n%sView full metrics: %shttp://localhost:8080/metrics%s\n",
		colorYellow, colorBlue+colorBold, colorReset)
}

func printScenario(title string) {
	fmt.Printf("%s%s┌─────────────────────────────────────────────────────────────┐%s\n",
		colorBold, colorMagenta, colorReset)
	fmt.Printf("%s%s│ %-59s │%s\n",
		colorBold, colorMagenta, title, colorReset)
	fmt.Printf("%s%s└─────────────────────────────────────────────────────────────┘%s\n",
		colorBold, colorMagenta, colorReset)
}

func post(ctx context.Context, queue string, ttl time.Duration, body any) []string {
	ids, err := c.Post(ctx, queue, client.NewMessage{TTL: ttl, Body: body})
	must(err)
	return ids
}

func step(msg string) {
	fmt.Printf("%s→ %s%s\n", colorYellow, msg, colorReset)
}

func ok(format string, args ...any) {
	fmt.Printf("%s  ✓ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
}

func wait(msg string, d time.Duration) {
	fmt.Printf("%s  ⏳ %s%s\n", colorBlue, msg, colorReset)
	time.Sleep(d)
}

func must(err error) {
	if err != nil {
		fmt.Printf("%s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
}
