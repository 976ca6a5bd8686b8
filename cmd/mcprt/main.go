// Command mcprt is the MCP runtime CLI: it drives a pooled, load-balanced,
// circuit-broken set of MCP client connections against configured servers,
// and can also run a minimal tool server for local testing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zmcp/mcprt/internal/balancer"
	"github.com/zmcp/mcprt/internal/config"
	"github.com/zmcp/mcprt/internal/credential"
	"github.com/zmcp/mcprt/internal/health"
	"github.com/zmcp/mcprt/internal/logging"
	"github.com/zmcp/mcprt/internal/mcpclient"
	"github.com/zmcp/mcprt/internal/pool"
	"github.com/zmcp/mcprt/internal/protocol"
	"github.com/zmcp/mcprt/internal/toolserver"
	"github.com/zmcp/mcprt/internal/transport"
	"github.com/zmcp/mcprt/internal/transport/httptransport"
	"github.com/zmcp/mcprt/internal/transport/stdiotransport"
	"github.com/zmcp/mcprt/internal/transport/wstransport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcprt",
	Short: "Pooled, load-balanced MCP client/server runtime",
	Long: `mcprt manages connections to one or more Model Context Protocol servers
over HTTP, WebSocket, or stdio, with a connection pool, per-server circuit
breaker, health monitor, and a choice of load-balancing strategy.`,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (yaml/json/toml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json-log", false, "emit logs as JSON")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("json_log", rootCmd.PersistentFlags().Lookup("json-log"))

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetEnvPrefix("MCPRT")

	rootCmd.AddCommand(listToolsCmd, callToolCmd, serveCmd)
}

func loadConfig() (config.Config, error) {
	cfg := config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Debug = viper.GetBool("debug")
	cfg.JSONLog = viper.GetBool("json_log")
	return cfg, nil
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Debug: cfg.Debug, JSON: cfg.JSONLog})
}

func serverKind(s string) (transport.Kind, error) {
	switch s {
	case "http":
		return transport.KindHTTP, nil
	case "websocket":
		return transport.KindWebSocket, nil
	case "stdio":
		return transport.KindStdio, nil
	default:
		return 0, fmt.Errorf("unknown transport kind %q", s)
	}
}

func buildFactory(def config.ServerDef, kind transport.Kind) pool.Factory {
	var cred *credential.Credential
	if def.CredentialEnv != "" {
		if v, ok := os.LookupEnv(def.CredentialEnv); ok {
			cred = credential.New(v)
		}
	}
	if cred == nil && def.CredentialFile != "" {
		if data, err := os.ReadFile(def.CredentialFile); err == nil {
			cred = credential.New(strings.TrimSpace(string(data)))
		}
	}

	switch kind {
	case transport.KindHTTP:
		return func(ctx context.Context) (transport.Transport, error) {
			return httptransport.New(httptransport.Config{Endpoint: def.Endpoint, Credential: cred}), nil
		}
	case transport.KindWebSocket:
		return func(ctx context.Context) (transport.Transport, error) {
			return wstransport.New(wstransport.Config{URL: def.Endpoint, Credential: cred}), nil
		}
	case transport.KindStdio:
		return func(ctx context.Context) (transport.Transport, error) {
			return stdiotransport.New(stdiotransport.Config{
				Command:      def.Command,
				Args:         def.Args,
				EnvWhitelist: def.EnvWhitelist,
			}), nil
		}
	default:
		return func(ctx context.Context) (transport.Transport, error) {
			return nil, fmt.Errorf("no factory for transport kind %v", kind)
		}
	}
}

func buildStrategy(name string) balancer.Strategy {
	switch name {
	case "round_robin":
		return balancer.NewRoundRobin()
	case "random":
		return balancer.NewRandom()
	case "least_connections":
		return balancer.NewLeastConnections()
	default:
		return balancer.NewHealthWeighted()
	}
}

// buildPool wires a pool.Pool from Config: one serverPool per ServerDef,
// each registered with a breaker, a retry policy, and a health prober that
// performs a protocol-level ping over a freshly dialed connection.
func buildPool(ctx context.Context, cfg config.Config, log *zap.Logger) (*pool.Pool, error) {
	monitor := health.NewMonitor(log, 15*time.Second, 3*time.Second)
	p := pool.New(log, buildStrategy(cfg.LoadBalancerStrategy), monitor)

	for _, def := range cfg.Servers {
		kind, err := serverKind(def.Kind)
		if err != nil {
			return nil, err
		}
		factory := buildFactory(def, kind)

		pcfg := pool.DefaultServerConfig(def.Name, kind)
		if def.MaxConnectionsPerServer > 0 {
			pcfg.MaxConnections = def.MaxConnectionsPerServer
		}
		if def.IdleTimeout > 0 {
			pcfg.IdleTimeout = def.IdleTimeout
		}
		if def.AcquireTimeout > 0 {
			pcfg.AcquireTimeout = def.AcquireTimeout
		}
		if def.FailureThreshold > 0 {
			pcfg.BreakerConfig.FailureThreshold = def.FailureThreshold
		}
		if def.OpenDuration > 0 {
			pcfg.BreakerConfig.OpenDuration = def.OpenDuration
		}
		if def.HalfOpenMaxProbes > 0 {
			pcfg.BreakerConfig.HalfOpenMaxProbes = def.HalfOpenMaxProbes
		}
		pcfg.RetryPolicy.MaxAttempts = cfg.RetryMaxAttempts
		pcfg.RetryPolicy.InitialBackoff = cfg.RetryInitialBackoff
		pcfg.RetryPolicy.MaxBackoff = cfg.RetryMaxBackoff
		pcfg.RetryPolicy.BackoffMultiplier = cfg.RetryBackoffMultiplier
		pcfg.RetryPolicy.JitterFraction = cfg.RetryJitterFraction
		pcfg.ClientName = cfg.ClientName
		pcfg.ClientVersion = cfg.ClientVersion

		prober := func(probeCtx context.Context) (time.Duration, error) {
			start := time.Now()
			t, err := factory(probeCtx)
			if err != nil {
				return 0, err
			}
			c := mcpclient.New(mcpclient.Config{Transport: t, Logger: log})
			defer c.Close()
			if err := c.Connect(probeCtx); err != nil {
				return 0, err
			}
			if err := c.Ping(probeCtx); err != nil {
				return 0, err
			}
			return time.Since(start), nil
		}

		p.Register(pcfg, factory, prober)
	}

	monitor.SetMetrics(p.Metrics())
	monitor.Start(ctx)
	p.StartEviction(ctx, cfg.EvictionInterval)
	return p, nil
}

var listToolsCmd = &cobra.Command{
	Use:   "list-tools [server]",
	Short: "List tools advertised by one configured server (or all, if omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := context.Background()
		p, err := buildPool(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer p.Close()

		var targets []string
		if len(args) == 1 {
			targets = []string{args[0]}
		}

		conn, err := p.Acquire(ctx, targets...)
		if err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}

		// the pool already dialed and initialized conn.Client when this
		// slot was created; acquiring an existing idle slot skips that
		// cost entirely.
		tools, err := conn.Client.ListTools(ctx)
		if err != nil {
			conn.Release(false)
			return fmt.Errorf("list tools: %w", err)
		}
		conn.Release(true)

		for _, t := range tools {
			fmt.Printf("%s\t%s\n", t.Name, t.Description)
		}
		return nil
	},
}

var callToolCmd = &cobra.Command{
	Use:   "call-tool <server> <tool> [json-args]",
	Short: "Call one tool on a configured server",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := context.Background()
		p, err := buildPool(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer p.Close()

		serverName, toolName := args[0], args[1]
		var rawArgs json.RawMessage = json.RawMessage("{}")
		if len(args) == 3 {
			rawArgs = json.RawMessage(args[2])
		}

		conn, err := p.Acquire(ctx, serverName)
		if err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}

		// call_tool is never retried: a connection-level failure here is
		// surfaced directly rather than silently re-dialed and re-sent.
		result, err := conn.Client.CallTool(ctx, toolName, rawArgs)
		if err != nil {
			conn.Release(false)
			return fmt.Errorf("call tool: %w", err)
		}
		conn.Release(true)

		fmt.Println(string(result.Content))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a minimal tool server over stdio, exposing a built-in echo tool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		registry := toolserver.NewRegistry()
		registry.Register(protocol.ToolDefinition{
			Name:        "echo",
			Description: "Echoes back its input arguments",
		}, func(ctx context.Context, args json.RawMessage) (*protocol.ToolCallResult, error) {
			return &protocol.ToolCallResult{Content: args}, nil
		})

		srv := toolserver.New(toolserver.Config{
			Name:      cfg.ClientName,
			Version:   cfg.ClientVersion,
			Transport: newStdioServerTransport(),
			Logger:    log,
		}, registry)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
			_ = srv.Stop()
		}()

		return srv.Run(ctx)
	},
}

// newStdioServerTransport builds a stdiotransport pointed at this process's
// own stdio pair, used only for the "serve" subcommand where mcprt itself
// acts as the MCP server rather than a client dialing one.
func newStdioServerTransport() transport.Transport {
	return stdiotransport.New(stdiotransport.Config{})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
