package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/knadh/koanf"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "rigolcap.yml"
	k              = koanf.New(".")
)

func setupconfig(args []string) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		log.Fatal("parsing flags", "err", err)
	}
	if err := LoadConfig(k, ConfigFileName, fs); err != nil {
		log.Fatal("error loading config", "err", err)
	}
}

func config() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	return c
}

func root() {
	str := `rigolcap reads the full waveform memory of a Rigol DS1000Z oscilloscope,
window by window, and writes it to disk or serves the scope over HTTP.

Usage:
	rigolcap <command> [flags]

Commands:
	capture
	reset
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `rigolcap is configured by, in increasing precedence, its defaults, rigolcap.yml
in the working directory, RIGOLCAP_ environment variables, and flags.
Nested keys are separated by a double underscore in the environment, so
RIGOLCAP_SCOPE__ADDR=192.168.0.5 sets scope.addr.  For a primer on YAML, see
https://yaml.org/start.html

capture runs the scope, stops it, reads back one channel and writes
<output>-Voltages.dat and <output>-Times.dat (or <output>.csv, <output>.fits).
Windows that could not be read are zero filled and reported as warnings.
If calibration fails the raw 8-bit codes are written with a -raw suffix.

reset restores factory settings followed by the lab defaults.

run serves the scope over HTTP at addr, under endpoint.  GET /endpoints
lists every route.

Flags:`
	fmt.Println(str)
	Flags().PrintDefaults()
}

func mkconf() {
	c := config()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("rigolcap version %v\n", Version)
}

func spinner(msg string) *yacspin.Spinner {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Debug("no spinner", "err", err)
		return nil
	}
	return spin
}

func capture(ctx context.Context) {
	c := config()
	scope, err := OpenScope(c)
	if err != nil {
		log.Fatal(err)
	}
	spin := spinner("capturing " + c.Capture.Channel)
	if spin != nil {
		spin.Start()
	}
	paths, err := Capture(ctx, scope, c.Capture)
	if spin != nil {
		if err != nil {
			spin.StopFail()
		} else {
			spin.Stop()
		}
	}
	for _, p := range paths {
		log.Info("wrote", "path", p)
	}
	if err != nil {
		log.Fatal("capture failed", "err", err)
	}
}

func reset() {
	c := config()
	scope, err := OpenScope(c)
	if err != nil {
		log.Fatal(err)
	}
	if err = scope.Reset(); err != nil {
		log.Fatal("reset failed", "err", err)
	}
	log.Info("scope reset to lab defaults")
}

func run() {
	c := config()
	scope, err := OpenScope(c)
	if err != nil {
		log.Fatal(err)
	}
	mux := BuildMux(c, scope)
	log.Info("now listening for requests", "addr", c.Addr, "endpoint", c.Endpoint)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = strings.ToLower(args[1])
	if cmd == "help" {
		help()
		return
	}
	setupconfig(args[2:])
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	switch cmd {
	case "capture":
		capture(ctx)
	case "reset":
		reset()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command", "cmd", cmd)
	}
}
