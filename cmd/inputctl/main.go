// inputctl - control CLI for the inputd daemon
//
//	inputctl status           Show daemon status
//	inputctl dump             Dump dispatcher state
//	inputctl inject key -code 29
//	inputctl inject motion -action down -x 120 -y 340
//	inputctl reload           Reload the daemon configuration
//	inputctl ping             Check the control socket
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"inputd/internal/config"
	"inputd/internal/ipc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "dump":
		err = cmdDump(args)
	case "inject":
		err = cmdInject(args)
	case "reload":
		err = cmdSimple(args, ipc.MsgReloadConfig, "configuration reloaded")
	case "ping":
		err = cmdPing(args)
	case "shutdown":
		err = cmdSimple(args, ipc.MsgShutdown, "shutdown requested")
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "inputctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: inputctl <command> [flags]

Commands:
  status     Show daemon status
  dump       Dump dispatcher state
  inject     Inject a synthetic input event (key or motion)
  reload     Reload the daemon configuration
  ping       Check the control socket
  shutdown   Ask the daemon to exit`)
}

func dial(fs *flag.FlagSet, args []string) (*ipc.Client, error) {
	socket := fs.String("socket", config.DefaultSocketPath(), "control socket path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return ipc.Dial(*socket, 10*time.Second)
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	client, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(ipc.MsgStatusRequest, nil)
	if err != nil {
		return err
	}
	var status ipc.StatusPayload
	if err := resp.Unmarshal(&status); err != nil {
		return err
	}
	fmt.Printf("version: %s\nuptime:  %ds\nalive:   %v\n",
		status.Version, status.UptimeSec, status.Alive)
	return nil
}

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	client, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(ipc.MsgDumpRequest, nil)
	if err != nil {
		return err
	}
	var dump ipc.DumpPayload
	if err := resp.Unmarshal(&dump); err != nil {
		return err
	}
	fmt.Print(dump.Text)
	return nil
}

func cmdInject(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("inject requires a kind: key or motion")
	}
	kind := args[0]
	fs := flag.NewFlagSet("inject", flag.ContinueOnError)
	code := fs.Int("code", 0, "key code (key injection)")
	action := fs.String("action", "down", "action: down, up, move, cancel, ...")
	x := fs.Float64("x", 0, "pointer x (motion injection)")
	y := fs.Float64("y", 0, "pointer y (motion injection)")
	device := fs.Int("device", 1, "device id")
	sync := fs.String("sync", "wait_for_result", "sync mode: none, wait_for_result, wait_for_finished")
	timeoutMs := fs.Int("timeout-ms", 5000, "injection timeout")

	client, err := dial(fs, args[1:])
	if err != nil {
		return err
	}
	defer client.Close()

	req := &ipc.InjectRequest{
		Kind:      kind,
		SyncMode:  *sync,
		TimeoutMs: *timeoutMs,
		Action:    *action,
		KeyCode:   int32(*code),
		DeviceID:  int32(*device),
	}
	if kind == "motion" {
		req.Pointers = []ipc.InjectPointer{{ID: 0, X: float32(*x), Y: float32(*y)}}
	}

	resp, err := client.Call(ipc.MsgInject, req)
	if err != nil {
		return err
	}
	var result ipc.InjectResponse
	if err := resp.Unmarshal(&result); err != nil {
		return err
	}
	fmt.Printf("injection result: %s\n", result.Result)
	return nil
}

func cmdPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	client, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Ping(); err != nil {
		return err
	}
	fmt.Println("pong")
	return nil
}

func cmdSimple(args []string, msgType ipc.MessageType, okText string) error {
	fs := flag.NewFlagSet("cmd", flag.ContinueOnError)
	client, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()
	if _, err := client.Call(msgType, nil); err != nil {
		return err
	}
	fmt.Println(okText)
	return nil
}
