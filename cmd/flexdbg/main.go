// Command flexdbg opens a flexsoc debug bridge, optionally loads one or
// more binary images to target RAM, and exits.
//
// Usage:
//
//	flexdbg [options] <device-id>
//
// Options:
//
//	-load FILE[@ADDR]  load FILE to ADDR (default 0); may be repeated
//	-verbose N         verbosity level (0-4)
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tinylabs/flexdbg/pkg"
	"github.com/tinylabs/flexdbg/session"
)

// loadSpec is one -load FILE[@ADDR] argument.
type loadSpec struct {
	path string
	addr uint32
}

// loadList accumulates repeated -load flags, mirroring the original
// CLI's "multiple load opts supported".
type loadList []loadSpec

func (l *loadList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, len(*l))
	for i, s := range *l {
		parts[i] = fmt.Sprintf("%s@%#x", s.path, s.addr)
	}
	return strings.Join(parts, ",")
}

func (l *loadList) Set(value string) error {
	path := value
	var addr uint32
	if i := strings.IndexByte(value, '@'); i >= 0 {
		path = value[:i]
		n, err := strconv.ParseUint(value[i+1:], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid -load address in %q: %w", value, err)
		}
		addr = uint32(n)
	}
	*l = append(*l, loadSpec{path: path, addr: addr})
	return nil
}

// verbosityLevel maps the CLI's 0-4 verbosity scale onto slog levels.
func verbosityLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError
	case v == 1:
		return slog.LevelWarn
	case v == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("flexdbg", flag.ContinueOnError)

	var loads loadList
	fs.Var(&loads, "load", "filename[@address] (default=0); may be repeated")
	verbose := fs.Int("verbose", 0, "verbosity level (0-4)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: flexdbg [options] <device-id>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

	pkg.SetLogLevel(verbosityLevel(*verbose))

	sess, err := session.Open(deviceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flexdbg: open %s: %v\n", deviceID, err)
		return 1
	}
	defer sess.Close()

	for _, l := range loads {
		if err := sess.Debug.LoadBin(l.addr, l.path); err != nil {
			fmt.Fprintf(os.Stderr, "flexdbg: load %s@%#x: %v\n", l.path, l.addr, err)
			return 1
		}
	}

	return 0
}
