package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gluk-w/clawlink/internal/agentstream"
	"github.com/gluk-w/clawlink/internal/config"
	"github.com/gluk-w/clawlink/internal/diag"
	"github.com/gluk-w/clawlink/internal/logging"
	"github.com/gluk-w/clawlink/internal/secrets"
	"github.com/gluk-w/clawlink/internal/sshbridge"
	"github.com/gluk-w/clawlink/internal/sshconn"
	"github.com/gluk-w/clawlink/internal/sshpool"
	"github.com/gluk-w/clawlink/internal/targets"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	config.Load()
	logging.Init()

	registry, err := targets.LoadFile(config.Cfg.TargetsPath)
	if err != nil {
		log.Fatalf("Load targets: %v", err)
	}

	creds := &secrets.FileSource{Dir: config.Cfg.KeyDir}

	monitor := sshconn.NewMonitor()
	monitor.OnStateChange(func(target string, from, to sshconn.ConnectionState) {
		log.Printf("Target %s: %s -> %s", target, from, to)
	})

	pool := sshpool.New(registry, creds, sshpool.Options{
		Monitor:           monitor,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		ReapSchedule:      config.Cfg.ReapSchedule,
	})
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := dispatch(ctx, cmd, args, pool, registry); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func dispatch(ctx context.Context, cmd string, args []string, pool *sshpool.Pool, registry *targets.Registry) error {
	switch cmd {
	case "targets":
		for _, id := range registry.IDs() {
			fmt.Println(id)
		}
		return nil
	case "exec":
		return runExec(ctx, pool, args)
	case "shell":
		return runShell(ctx, pool, args)
	case "stream":
		return runStream(ctx, pool, args)
	case "events":
		return runEvents(ctx, pool, args)
	case "env":
		return runEnv(ctx, pool, args)
	case "tasks":
		return runTasks(ctx, pool, args)
	case "daemon":
		return runDaemon(ctx, pool, registry)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: clawlink <command> [args]

Commands:
  targets                          list configured targets
  exec <target> <command...>       run a command on the target
  shell <target>                   open an interactive shell on the target
  stream <target> <cwd> <prompt>   start an agent turn and print its events
  events <target> <cwd> <since>    pull events missed since a cursor
  env <target> [KEY=VALUE...]      show or replace the agent environment
  tasks <target>                   list scheduled agent tasks
  daemon                           keep connections warm and serve diagnostics
`)
}

func runExec(ctx context.Context, pool *sshpool.Pool, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: exec <target> <command...>")
	}
	target, command := args[0], strings.Join(args[1:], " ")

	tr, err := pool.Acquire(ctx, target, sshpool.PurposeProvisioning)
	if err != nil {
		return err
	}

	res, err := sshbridge.Run(ctx, tr, command, sshbridge.Options{
		BacklogLimit: config.Cfg.BridgeBacklogBytes,
	})
	if err != nil {
		return err
	}
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	return nil
}

func runShell(ctx context.Context, pool *sshpool.Pool, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shell <target>")
	}

	tr, err := pool.Acquire(ctx, args[0], sshpool.PurposeTerminal)
	if err != nil {
		return err
	}

	shell, err := sshbridge.OpenShell(ctx, tr, sshbridge.Options{
		BacklogLimit: config.Cfg.BridgeBacklogBytes,
	})
	if err != nil {
		return err
	}
	defer shell.Terminate()

	consumer := shell.Subscribe()
	defer consumer.Close()

	// stdin pump; exits when the shell ends and Send starts failing.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if serr := shell.Send(ctx, buf[:n]); serr != nil {
					return
				}
			}
			if err != nil {
				shell.Terminate()
				return
			}
		}
	}()

	for {
		chunk, err := consumer.Recv(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		os.Stdout.Write(chunk)
	}
}

func runStream(ctx context.Context, pool *sshpool.Pool, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: stream <target> <cwd> <prompt...>")
	}
	target, cwd, prompt := args[0], args[1], strings.Join(args[2:], " ")

	client := agentstream.New(agentstream.Config{
		Pool:      pool,
		Target:    target,
		ProxyHost: config.Cfg.ProxyHost,
		ProxyPort: config.Cfg.ProxyPort,
		Timeout:   config.Cfg.RequestTimeout,
	})

	conversation, err := client.EnsureConversation(ctx, cwd, "")
	if err != nil {
		return err
	}
	log.Printf("Conversation %s on %s", conversation, target)

	stream, err := client.StreamTurn(ctx, agentstream.TurnRequest{
		ConversationID: conversation,
		Cwd:            cwd,
		Prompt:         prompt,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	if v := stream.ProxyVersion(); v != "" {
		log.Printf("Proxy version %s", v)
	}

	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(ev.Data)
	}
}

func runEvents(ctx context.Context, pool *sshpool.Pool, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: events <target> <cwd> <since>")
	}
	target, cwd := args[0], args[1]

	var since int64
	if _, err := fmt.Sscanf(args[2], "%d", &since); err != nil {
		return fmt.Errorf("invalid cursor %q", args[2])
	}

	client := agentstream.New(agentstream.Config{
		Pool:      pool,
		Target:    target,
		ProxyHost: config.Cfg.ProxyHost,
		ProxyPort: config.Cfg.ProxyPort,
		Timeout:   config.Cfg.RequestTimeout,
	})

	conversation, err := client.EnsureConversation(ctx, cwd, "")
	if err != nil {
		return err
	}

	events, err := client.EventsSince(ctx, conversation, since, cwd, "")
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%d\t%s\n", ev.ID, ev.Data)
	}
	return nil
}

func runEnv(ctx context.Context, pool *sshpool.Pool, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: env <target> [KEY=VALUE...]")
	}

	client := agentstream.New(agentstream.Config{
		Pool:      pool,
		Target:    args[0],
		ProxyHost: config.Cfg.ProxyHost,
		ProxyPort: config.Cfg.ProxyPort,
		Timeout:   config.Cfg.RequestTimeout,
	})

	if len(args) == 1 {
		env, err := client.Env(ctx)
		if err != nil {
			return err
		}
		for k, v := range env {
			fmt.Printf("%s=%s\n", k, v)
		}
		return nil
	}

	env := make(map[string]string, len(args)-1)
	for _, pair := range args[1:] {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid assignment %q", pair)
		}
		env[k] = v
	}
	return client.SetEnv(ctx, env)
}

func runTasks(ctx context.Context, pool *sshpool.Pool, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tasks <target>")
	}

	client := agentstream.New(agentstream.Config{
		Pool:      pool,
		Target:    args[0],
		ProxyHost: config.Cfg.ProxyHost,
		ProxyPort: config.Cfg.ProxyPort,
		Timeout:   config.Cfg.RequestTimeout,
	})

	tasks, err := client.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		state := "disabled"
		if task.Enabled {
			state = "enabled"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", task.ID, task.Schedule, state, task.Name)
	}
	return nil
}

// runDaemon pre-warms an agent connection per target, starts the periodic
// reaper, and serves the diagnostics API until interrupted.
func runDaemon(ctx context.Context, pool *sshpool.Pool, registry *targets.Registry) error {
	for _, id := range registry.IDs() {
		warmCtx, cancel := context.WithTimeout(ctx, config.Cfg.ConnectTimeout)
		if _, err := pool.Acquire(warmCtx, id, sshpool.PurposeAgent); err != nil {
			log.Printf("WARNING: warm-up for %s failed: %v", id, err)
		}
		cancel()
	}

	if err := pool.StartReaper(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	srv := diag.NewServer(pool, registry)
	if err := srv.ListenAndServe(ctx, config.Cfg.DiagAddr); err != nil {
		return err
	}

	// Give in-flight closes a moment before the pool shuts down.
	time.Sleep(100 * time.Millisecond)
	return nil
}
