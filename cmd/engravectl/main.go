// Command engravectl runs the offline pipeline: dataset preparation, splits,
// pair manifests, training, template bank building, threshold calibration and
// one-off predictions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/AntoineMLD/EngraveDetect/internal/config"
	"github.com/AntoineMLD/EngraveDetect/internal/logging"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// env is what every command receives.
type env struct {
	cfgPath string
	cfg     config.Config
	log     logr.Logger
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{"prepare", "normalize and augment the raw corpus", runPrepare},
	{"split", "split the prepared corpus into train and test", runSplit},
	{"pairs", "write the pair manifests of both splits", runPairs},
	{"train", "train the embedding network", runTrain},
	{"templates", "build, save and verify the template bank", runTemplates},
	{"evaluate", "calibrate the threshold on the test pairs", runEvaluate},
	{"predict", "recognize the symbol of image files", runPredict},
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: engravectl [-config engrave.json] <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		cfgFlag     string
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&cfgFlag, "config", "", "configuration file (default $"+config.EnvFile+" or "+config.DefaultFile+")")
	flag.StringVar(&logLevel, "log-level", "", "log level: info, debug or trace")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("engravectl %s (built %s, commit %s, %s)\n", Version, BuildTime, GitCommit, runtime.Version())
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	e := &env{cfgPath: config.Path(cfgFlag)}
	cfg, err := config.Load(e.cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	e.cfg = cfg

	if logLevel == "" {
		logLevel = os.Getenv(logging.EnvLevel)
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	e.log = logging.New(logLevel)

	name, args := flag.Arg(0), flag.Args()[1:]
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cmd.run(ctx, e, args)
	stop()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("%s: %v", name, err)
	}
}
