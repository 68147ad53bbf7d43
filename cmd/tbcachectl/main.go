// Command tbcachectl is an interactive debug console for a tbvm.VM: it
// drives a single synthetic guest CPU one block at a time and exposes the
// cache's internals between steps, the Go analogue of the original
// source's page_dump plumbed into a keystroke-driven REPL instead of a
// one-shot diagnostic dump.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/tbvm"
	"github.com/tinyrange/tbvm/internal/config"
	"github.com/tinyrange/tbvm/internal/gen/testgen"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tbcachectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML VM config (defaults baked in if unset)")
		pc         = flag.Uint64("pc", 0x1000, "initial guest pc")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	prog := testgen.Program{
		*pc: {Op: testgen.OpNop, Len: 4},
	}
	vm, err := tbvm.New(cfg, &testgen.Generator{Prog: prog})
	if err != nil {
		return fmt.Errorf("new vm: %w", err)
	}
	defer vm.Close()
	vm.SetPageFlags(0, uint64(cfg.GuestMem.SizeBytes), tbvm.PageRead|tbvm.PageWrite|tbvm.PageExec)

	state := vm.NewCPUState(*pc)

	console := &console{vm: vm, state: state, prog: prog}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
		return console.runRaw()
	}

	return console.runLine()
}

// console holds the single synthetic CPU this debug session drives.
type console struct {
	vm    *tbvm.VM
	state *tbvm.CPUState
	prog  testgen.Program
}

const help = `commands:
  s            step one translation block
  d            dump page table (colorized r/w/x)
  i            inject an interrupt on the current cpu state
  w <addr>     simulate a guest store to addr (marks the page writable first; line mode only)
  c            check cache invariants
  q            quit
`

// runRaw drives the console from single keystrokes read off a raw
// terminal, printing \r\n since raw mode disables the tty's own
// line-ending translation.
func (c *console) runRaw() error {
	fmt.Print(help)
	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return err
		}
		switch buf[0] {
		case 'q', 3: // Ctrl-C
			return nil
		case 's':
			c.step()
		case 'd':
			c.dump()
		case 'i':
			c.injectInterrupt()
		case 'c':
			c.checkInvariants()
		case '\r', '\n':
			continue
		default:
			fmt.Printf("unrecognized key %q\r\n", buf[0])
		}
	}
}

// runLine is the non-terminal fallback (e.g. piped input, CI): it reads
// whitespace-separated commands one per line instead of raw keystrokes,
// so "w <addr>" can take an argument.
func (c *console) runLine() error {
	fmt.Print(help)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "q":
			return nil
		case "s":
			c.step()
		case "d":
			c.dump()
		case "i":
			c.injectInterrupt()
		case "c":
			c.checkInvariants()
		case "w":
			if len(fields) != 2 {
				fmt.Println("usage: w <addr>")
				continue
			}
			addr, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
			if err != nil {
				fmt.Println("bad address:", err)
				continue
			}
			c.simulateWrite(addr)
		default:
			fmt.Println("unrecognized command:", fields[0])
		}
	}
	return sc.Err()
}

func (c *console) step() {
	exc := c.vm.Step(c.state)
	if exc != nil {
		slog.Info("tbcachectl: step", "exception", exc.Kind, "pc", fmt.Sprintf("0x%x", exc.PC))
		return
	}
	fmt.Printf("pc now 0x%x, %d TB(s) cached\r\n", c.state.PC, c.vm.Len())
}

func (c *console) dump() {
	var sb strings.Builder
	c.vm.DumpPages(&sb)
	for _, line := range strings.Split(strings.TrimRight(sb.String(), "\n"), "\n") {
		fmt.Println(colorizeProtCol(line))
	}
}

func (c *console) injectInterrupt() {
	c.state.InterruptRequest = true
	fmt.Println("interrupt pending on next Run")
}

func (c *console) checkInvariants() {
	if err := c.vm.CheckInvariants(); err != nil {
		fmt.Println("invariant violation:", err)
		return
	}
	fmt.Println("invariants hold")
}

func (c *console) simulateWrite(addr uint64) {
	c.vm.SetPageFlags(addr, addr+1, tbvm.PageRead|tbvm.PageWrite|tbvm.PageExec)
	c.prog[c.state.PC] = testgen.Instr{Op: testgen.OpStore, Len: 1, Addr: addr, Value: 0x5a}
	exc := c.vm.Step(c.state)
	if exc != nil {
		fmt.Printf("store faulted: %s\r\n", exc.Kind)
		return
	}
	fmt.Printf("stored 0x5a at 0x%x\r\n", addr)
}

// rwxColor maps each protection letter to its SGR foreground code:
// green for read, yellow for write, red for exec.
var rwxColor = map[byte]string{'r': "32", 'w': "33", 'x': "31"}

// colorizeProtCol recolors a trailing rwx-style protection column (the
// last whitespace-separated field of a page_dump line) the way the
// original's page_dump printed plain r/w/x letters, but in color. It then
// compares the rendered width (ansi.StringWidth) of the colored line with
// that of the plain one and returns the plain line if they differ, so the
// injected escape sequences never throw off column alignment.
func colorizeProtCol(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 || !isProtField(fields[len(fields)-1]) {
		return line
	}
	last := fields[len(fields)-1]
	idx := strings.LastIndex(line, last)
	if idx < 0 {
		return line
	}
	prefix := line[:idx]

	var colored strings.Builder
	for i := 0; i < len(last); i++ {
		c := last[i]
		if c == '-' {
			colored.WriteByte('-')
			continue
		}
		fmt.Fprintf(&colored, "\x1b[%sm%c\x1b[0m", rwxColor[c], c)
	}

	out := prefix + colored.String()
	if ansi.StringWidth(out) != ansi.StringWidth(line) {
		// Defensive: never let a width mismatch corrupt the row, fall back
		// to the uncolored line.
		return line
	}
	return out
}

func isProtField(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i, want := range []byte{'r', 'w', 'x'} {
		if s[i] != want && s[i] != '-' {
			return false
		}
	}
	return true
}
