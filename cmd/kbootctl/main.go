// Command kbootctl is a hosted stand-in for the bootloader shell's `mezzano`
// command (spec.md §6): it validates a Mezzano image's on-disk header and
// reports the same diagnostics the real command would hand to config_error
// on failure, without actually entering a kernel (there is no hardware to
// trampoline into from a host process). Grounded on
// CircleCashTeam-magiskboot_go's magiskboot.go: a flat argv scan driving a
// small set of boolean switches, plain fmt/os for all output, and a single
// top-level failure path that prints to stderr and sets a non-zero exit
// code instead of panicking.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"kboot/diskimage"
	"kboot/loader"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kbootctl <path-or-uuid:UUID> [read-only] [freestanding] [video-console]")
	fmt.Fprintln(os.Stderr, "                [no-detect] [no-smp] [i-promise-i-have-enough-memory] [verbose]")
}

// parseArgs mirrors the `mezzano` command's own argv shape (spec.md §6): a
// single target followed by an unordered set of bare option words.
func parseArgs(args []string) (target string, opts loader.Options, err error) {
	if len(args) == 0 {
		return "", loader.Options{}, fmt.Errorf("missing image path or uuid:UUID target")
	}
	target = args[0]
	for _, a := range args[1:] {
		switch a {
		case "read-only":
			opts.ReadOnly = true
		case "freestanding":
			opts.Freestanding = true
		case "video-console":
			opts.VideoConsole = true
		case "no-detect":
			opts.NoDetect = true
		case "no-smp":
			opts.NoSMP = true
		case "i-promise-i-have-enough-memory":
			opts.SkipMemoryCheck = true
		case "verbose":
			opts.Verbose = true
		default:
			return "", loader.Options{}, fmt.Errorf("unrecognized option %q", a)
		}
	}
	return target, opts, nil
}

// resolveTarget turns a path-or-uuid:UUID target into a concrete file path.
// Real device enumeration by UUID belongs to the rest of the bootloader
// (spec.md §1, out of scope); this stand-in resolves it through an
// environment variable an operator sets per device, named after the UUID
// with its dashes folded to underscores so it is a valid shell identifier.
func resolveTarget(target string) (string, error) {
	uuid, ok := strings.CutPrefix(target, "uuid:")
	if !ok {
		return target, nil
	}
	envName := "KBOOT_DEVICE_" + strings.ToUpper(strings.ReplaceAll(uuid, "-", "_"))
	path, ok := os.LookupEnv(envName)
	if !ok || path == "" {
		return "", fmt.Errorf("no device registered for uuid %s (expected %s to name its path)", uuid, envName)
	}
	return path, nil
}

func archName(a uint8) string {
	switch a {
	case loader.ArchAMD64:
		return "amd64"
	case loader.ArchARM64:
		return "arm64"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

func run(args []string) error {
	target, opts, err := parseArgs(args)
	if err != nil {
		usage()
		return err
	}

	path, err := resolveTarget(target)
	if err != nil {
		return err
	}

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	img, kerr := diskimage.Open(path)
	if kerr != nil {
		return fmt.Errorf("open %s: %s", path, kerr.Message)
	}
	defer img.Close()

	buf := make([]byte, loader.HeaderSize)
	if kerr := img.ReadHeader(buf); kerr != nil {
		return fmt.Errorf("read header: %s", kerr.Message)
	}

	header, kerr := loader.ParseHeader(buf)
	if kerr != nil {
		return fmt.Errorf("config_error: %s", kerr.Message)
	}
	if !loader.CheckProtocol(header) {
		return fmt.Errorf("config_error: image protocol %d.%d is not supported (loader supports major 0 minor %d, or any later major at minor <= %d)",
			header.ProtocolMajor, header.ProtocolMinor, loader.SupportedMinor, loader.SupportedMinor)
	}

	fmt.Printf("image:    %s (%s)\n", path, humanize.IBytes(uint64(st.Size())))
	fmt.Printf("uuid:     %s\n", strings.TrimRight(string(header.UUID[:]), "\x00"))
	fmt.Printf("protocol: %d.%d\n", header.ProtocolMajor, header.ProtocolMinor)
	fmt.Printf("arch:     %s\n", archName(header.Architecture))
	fmt.Printf("entry:    fref %#x, initial process %#x\n", header.EntryFref, header.InitialProcess)
	fmt.Printf("stack:    %#x\n", header.InitialStackPointer)
	fmt.Printf("bml4:     block %d\n", header.BML4)

	if opts.Verbose {
		fmt.Printf("options:  read-only=%v freestanding=%v video-console=%v no-detect=%v no-smp=%v skip-memory-check=%v\n",
			opts.ReadOnly, opts.Freestanding, opts.VideoConsole, opts.NoDetect, opts.NoSMP, opts.SkipMemoryCheck)
	}

	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "kbootctl:", err)
		os.Exit(1)
	}
}
