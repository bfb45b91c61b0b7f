// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// crashDir is where crash reports are written. Set via InstallCrashHandler.
var crashDir = "./logs"

// InstallCrashHandler sets the crash report directory and ensures it exists.
// Call once at the start of main, paired with a deferred RecoverWithCrashFile.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		crashDir = logDir
	}
	if err := os.MkdirAll(crashDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot create crash directory %s: %v\n", crashDir, err)
	}
}

// RecoverWithCrashFile recovers a panic on the current goroutine, writes a
// crash report, and exits with a non-zero status.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	writeCrashReport(r, string(buf[:n]))
	os.Exit(1)
}

// writeCrashReport dumps the panic value, stacks, and runtime state to a
// timestamped file under crashDir. Falls back to stderr when the file
// cannot be written.
func writeCrashReport(panicVal interface{}, stack string) {
	path := filepath.Join(crashDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	var b strings.Builder
	section := func(name string) {
		b.WriteString("=== " + name + " ===\n")
	}

	section("RELAY CRASH REPORT")
	fmt.Fprintf(&b, "Time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Version: %s\n\n", GetFullVersion())

	section("PANIC")
	fmt.Fprintf(&b, "%v\n\n", panicVal)

	section("STACK")
	b.WriteString(stack)
	b.WriteString("\n")

	section("ALL GOROUTINES")
	b.WriteString(allGoroutineStacks())
	b.WriteString("\n")

	section("RUNTIME")
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(&b, "NumGoroutine: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "NumCPU: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "GOOS/GOARCH: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Alloc: %d MB\n", ms.Alloc/1024/1024)
	fmt.Fprintf(&b, "Sys: %d MB\n", ms.Sys/1024/1024)
	fmt.Fprintf(&b, "NumGC: %d\n", ms.NumGC)

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot write crash report: %v\n", err)
		fmt.Fprint(os.Stderr, b.String())
		return
	}

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\n", path)
	fmt.Fprintf(os.Stderr, "Panic: %v\n", panicVal)
}

// allGoroutineStacks captures the stacks of every live goroutine, growing
// the buffer until the dump fits.
func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for len(buf) < 64*1024*1024 {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
	return string(buf[:runtime.Stack(buf, true)])
}
