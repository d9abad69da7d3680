/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command skiodb-shell is an interactive REPL that opens an engine.Engine
// directly against a local directory and exercises its facade end to end:
// put, get, delete, scan, batched transactions, flush, and integrity
// checks. It has no server or network component — every command runs
// in-process against the open engine handle, the same way an embedding
// application would drive the engine.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/leiko57/skiodb/internal/banner"
	"github.com/leiko57/skiodb/internal/config"
	"github.com/leiko57/skiodb/internal/engine"
	engerrors "github.com/leiko57/skiodb/internal/errors"
)

var replCompletions = []string{
	"put", "putns", "putttl", "get", "del", "delete", "scan", "tx",
	"flush", "verify", "reclaim", "help", "quit", "exit",
}

func getHistoryFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".skiodb_shell_history")
}

func createCompleter() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(replCompletions))
	for _, cmd := range replCompletions {
		items = append(items, readline.PcItem(cmd))
	}
	return readline.NewPrefixCompleter(items...)
}

func createReadlineInstance(name string) (*readline.Instance, error) {
	cfg := &readline.Config{
		Prompt:              name + "> ",
		HistoryFile:         getHistoryFilePath(),
		AutoComplete:        createCompleter(),
		InterruptPrompt:     "^C",
		EOFPrompt:           "quit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}
	return readline.NewEx(cfg)
}

func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

func main() {
	dir := flag.String("dir", "", "database directory (required)")
	name := flag.String("name", "shell", "database name passed to engine.Open")
	compress := flag.Bool("compress", false, "enable value compression")
	altBackend := flag.Bool("alt-backend", false, "use the alt backend instead of the page-structured store")
	readOnly := flag.Bool("read-only", false, "open the database read-only")
	execute := flag.String("execute", "", "run a single command and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("skiodb-shell %s\n", banner.Version)
		fmt.Printf("%s\n", banner.Copyright)
		return
	}

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "skiodb-shell: -dir is required")
		os.Exit(1)
	}

	opts, err := config.EngineOptionsFromEnv(engine.Options{
		Name:          *name,
		Compression:   *compress,
		ReadOnly:      *readOnly,
		UseAltBackend: *altBackend,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiodb-shell: %v\n", err)
		os.Exit(1)
	}

	e, err := engine.Open(*dir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiodb-shell: open %s: %v\n", *dir, err)
		os.Exit(1)
	}
	defer e.Close()

	if *execute != "" {
		result, err := runCommand(e, *execute)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if result != "" {
			fmt.Println(result)
		}
		return
	}

	banner.Print()
	fmt.Printf("opened %s (%s)\n", *dir, *name)
	runREPL(e, *name)
}

func runREPL(e *engine.Engine, name string) {
	rl, err := createReadlineInstance(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiodb-shell: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" || line == "\\q" {
			return
		}
		if line == "help" || line == "\\h" {
			printHelp()
			continue
		}

		result, err := runCommand(e, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if result != "" {
			fmt.Println(result)
		}
	}
}

func printHelp() {
	fmt.Print(`commands:
  put <key> <value>          write a key/value pair durably
  putns <key> <value>        write without forcing a durable flush
  putttl <key> <value> <ms>  write with a time-to-live in milliseconds
  get <key>                  read a key
  del <key>                  delete a key
  scan <lo> <hi> [limit]     ordered range scan, '-' as a bound means open-ended
  tx put <k> <v> [put <k> <v> ...] [del <k> ...]   atomic multi-key commit
  flush                      force buffered writes to stable storage
  verify                     scan for corrupted pages, report their ids
  reclaim                    reclaim orphaned pages, report how many
  help                       show this message
  quit                       exit the shell
`)
}

// runCommand parses and executes a single shell line against e, returning
// the text to print (if any). Keys and values are taken literally unless
// prefixed with hex: for binary payloads typed at a terminal.
func runCommand(e *engine.Engine, line string) (string, error) {
	fields := splitArgs(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "put":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: put <key> <value>")
		}
		if err := e.Put(parseBytes(args[0]), parseBytes(args[1])); err != nil {
			return "", err
		}
		return "ok", nil

	case "putns":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: putns <key> <value>")
		}
		if err := e.PutNoSync(parseBytes(args[0]), parseBytes(args[1])); err != nil {
			return "", err
		}
		return "ok", nil

	case "putttl":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: putttl <key> <value> <ttl_ms>")
		}
		ms, err := strconv.Atoi(args[2])
		if err != nil {
			return "", fmt.Errorf("invalid ttl_ms: %w", err)
		}
		if err := e.PutWithTTL(parseBytes(args[0]), parseBytes(args[1]), time.Duration(ms)*time.Millisecond); err != nil {
			return "", err
		}
		return "ok", nil

	case "get":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: get <key>")
		}
		v, err := e.Get(parseBytes(args[0]))
		if engerrors.Is(err, engerrors.KindNotFound) {
			return "(not found)", nil
		}
		if err != nil {
			return "", err
		}
		return formatBytes(v), nil

	case "del", "delete":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: del <key>")
		}
		existed, err := e.Delete(parseBytes(args[0]))
		if err != nil {
			return "", err
		}
		if !existed {
			return "(not found)", nil
		}
		return "ok", nil

	case "scan":
		return runScan(e, args)

	case "tx":
		return runTx(e, args)

	case "flush":
		if err := e.Flush(); err != nil {
			return "", err
		}
		return "ok", nil

	case "verify":
		bad, err := e.VerifyIntegrity()
		if err != nil {
			return "", err
		}
		if len(bad) == 0 {
			return "clean", nil
		}
		return fmt.Sprintf("corrupted pages: %v", bad), nil

	case "reclaim":
		n, err := e.ReclaimOrphans()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("reclaimed %d page(s)", n), nil

	default:
		return "", fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func runScan(e *engine.Engine, args []string) (string, error) {
	if len(args) < 2 || len(args) > 3 {
		return "", fmt.Errorf("usage: scan <lo> <hi> [limit]")
	}
	limit := 0
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return "", fmt.Errorf("invalid limit: %w", err)
		}
		limit = n
	}
	lo := emptyAsNil(args[0])
	hi := emptyAsNil(args[1])
	pairs, err := e.ScanRange(lo, hi, limit)
	if err != nil {
		return "", err
	}
	if len(pairs) == 0 {
		return "(empty)", nil
	}
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s = %s", formatBytes(p.Key), formatBytes(p.Value))
	}
	return b.String(), nil
}

// runTx parses "tx put k v put k v ... del k ..." into a single atomic
// CommitTransaction call.
func runTx(e *engine.Engine, args []string) (string, error) {
	var ops []engine.Op
	for i := 0; i < len(args); {
		switch args[i] {
		case "put":
			if i+2 >= len(args) {
				return "", fmt.Errorf("tx put requires a key and a value")
			}
			ops = append(ops, engine.Op{Kind: engine.OpPut, Key: parseBytes(args[i+1]), Value: parseBytes(args[i+2])})
			i += 3
		case "del":
			if i+1 >= len(args) {
				return "", fmt.Errorf("tx del requires a key")
			}
			ops = append(ops, engine.Op{Kind: engine.OpDelete, Key: parseBytes(args[i+1])})
			i += 2
		default:
			return "", fmt.Errorf("unknown tx op %q, expected put or del", args[i])
		}
	}
	if len(ops) == 0 {
		return "", fmt.Errorf("usage: tx put <k> <v> [put <k> <v> ...] [del <k> ...]")
	}
	if err := e.CommitTransaction(ops); err != nil {
		return "", err
	}
	return fmt.Sprintf("ok (%d op(s))", len(ops)), nil
}

// splitArgs is a minimal whitespace tokenizer with double-quote support,
// so values containing spaces can be passed as "quoted text".
func splitArgs(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return fields
}

// parseBytes accepts a "hex:"-prefixed literal for binary payloads, and
// otherwise takes the argument as a raw UTF-8 string.
func parseBytes(arg string) []byte {
	if rest, ok := strings.CutPrefix(arg, "hex:"); ok {
		if decoded, err := hex.DecodeString(rest); err == nil {
			return decoded
		}
	}
	return []byte(arg)
}

func emptyAsNil(arg string) []byte {
	if arg == "" || arg == "-" {
		return nil
	}
	return parseBytes(arg)
}

// formatBytes renders a value as plain text if it is printable, or as a
// hex: literal the same shell could re-consume via parseBytes.
func formatBytes(v []byte) string {
	for _, b := range v {
		if b < 0x20 || b >= 0x7f {
			return "hex:" + hex.EncodeToString(v)
		}
	}
	return string(v)
}
