package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ussdgate/internal/config"
	"github.com/nextlevelbuilder/ussdgate/internal/store/pg"
	"github.com/nextlevelbuilder/ussdgate/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, session store and gateway reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("ussdgate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid:\n    %s\n", strings.ReplaceAll(err.Error(), "\n", "\n    "))
		return
	}
	d, _ := cfg.ParseDurations()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checkSessionStore(ctx, cfg)

	fmt.Println()
	fmt.Println("  Channels:")
	checkBroker(cfg)
	checkBridge(ctx, cfg)

	fmt.Println()
	fmt.Println("  Applications:")
	for _, app := range cfg.Apps {
		checkGateway(ctx, app, d.AppTimeouts[app.Key])
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSessionStore(ctx context.Context, cfg *config.Config) {
	fmt.Println()
	fmt.Println("  Session store:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Sessions.Backend)

	s, err := openSessionStore(ctx, cfg)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer s.Close()

	// A read of a key that never exists exercises the full round trip.
	if _, err := s.Get(ctx, "ussdgate-doctor-probe"); err != nil {
		fmt.Printf("    %-12s READ FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Status:")

	if cfg.Sessions.Backend != config.BackendPostgres {
		return
	}
	db, err := pg.OpenDB(ctx, cfg.Sessions.PostgresDSN)
	if err != nil {
		return
	}
	defer db.Close()

	st, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case st.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: ussdgate migrate force %d)\n", "Schema:", st.CurrentVersion, st.CurrentVersion-1)
	case st.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", st.CurrentVersion)
	case st.CurrentVersion > st.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", st.CurrentVersion, st.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (migration needed, run: ussdgate migrate up)\n", "Schema:", st.CurrentVersion)
	}
}

func checkBroker(cfg *config.Config) {
	if !cfg.Broker.Enabled {
		fmt.Printf("    %-12s disabled\n", "Broker:")
		return
	}
	if cfg.Broker.URL == "" {
		fmt.Printf("    %-12s enabled (USSDGATE_BROKER_URL not set)\n", "Broker:")
		return
	}
	conn, err := amqp.DialConfig(cfg.Broker.URL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Broker:", err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s OK (%s)\n", "Broker:", redactURL(cfg.Broker.URL))
}

func checkBridge(ctx context.Context, cfg *config.Config) {
	if !cfg.Bridge.Enabled {
		fmt.Printf("    %-12s disabled\n", "Bridge:")
		return
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.Bridge.URL, nil)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Bridge:", err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s OK (%s)\n", "Bridge:", cfg.Bridge.URL)
}

// checkGateway reports whether the gateway answers HTTP at all; any status
// code counts as reachable since the probe carries no session.
func checkGateway(ctx context.Context, app config.AppConfig, timeout time.Duration) {
	label := fmt.Sprintf("%s [%s]", app.Key, app.Index)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, app.URL, nil)
	if err != nil {
		fmt.Printf("    %-16s INVALID URL (%s)\n", label+":", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("    %-16s UNREACHABLE (%s)\n", label+":", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    %-16s reachable (HTTP %d)\n", label+":", resp.StatusCode)
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid url)"
	}
	return u.Redacted()
}
