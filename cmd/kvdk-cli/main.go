// Command kvdk-cli is a thin operational tool over the kvdk facade: open an
// instance and run a single Get/Set/Delete/Backup against it, in the same
// spirit as the teacher's cmd/journaldump and cmd/analyzedump — a throwaway
// analysis tool built directly on flag/os.Args, not a multi-command daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tooss367/kvdk-go/internal/config"
	"github.com/tooss367/kvdk-go/internal/klog"
	"github.com/tooss367/kvdk-go/kvdk"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:", os.Args[0], "[flags] <datadir> <get|set|delete|backup> [args...]")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, `
get <key>              print the current value of key
set <key> <value>      write value under key
delete <key>            remove key
backup <destpath>       copy the data file to destpath as of the latest snapshot`)
	}
}

var configPath = flag.String("config", "", "optional TOML config file (see internal/config)")

func main() {
	flag.Parse()
	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Error: at least two arguments needed")
		flag.Usage()
		os.Exit(2)
	}

	dir := flag.Arg(0)
	cmd := flag.Arg(1)
	rest := flag.Args()[2:]

	cfgs, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := klog.New("module", "kvdk-cli")

	eng, err := kvdk.Open(dir, cfgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", dir, err)
		os.Exit(1)
	}
	defer eng.Close()

	tid, err := eng.AcquireAccessThread()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error acquiring access thread: %v\n", err)
		os.Exit(1)
	}
	defer eng.ReleaseAccessThread(tid)

	if err := dispatch(eng, tid, cmd, rest); err != nil {
		log.Error("command failed", "cmd", cmd, "err", err)
		os.Exit(1)
	}
}

func dispatch(eng *kvdk.Engine, tid int, cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get wants exactly one key argument")
		}
		value, err := eng.Get(tid, []byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil

	case "set":
		if len(args) != 2 {
			return fmt.Errorf("set wants a key and a value argument")
		}
		return eng.Set(tid, []byte(args[0]), []byte(args[1]))

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete wants exactly one key argument")
		}
		return eng.Delete(tid, []byte(args[0]))

	case "backup":
		if len(args) != 1 {
			return fmt.Errorf("backup wants exactly one destination-path argument")
		}
		snap := eng.GetSnapshot(tid)
		defer eng.ReleaseSnapshot(snap)
		return eng.Backup(args[0], snap)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
