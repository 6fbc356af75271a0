// Package fakeworker turns a re-executed test binary into a stand-in for the
// Python inference server, so process supervision can be tested end to end.
//
// Usage from a package's tests:
//
//	func TestMain(m *testing.M) {
//		fakeworker.RunIfRequested()
//		os.Exit(m.Run())
//	}
//
// and point the worker executable at os.Executable() with Env(...) merged
// into the worker environment.
//
// Behaviour is driven by the image path of each request:
//
//	crash*      exit(3) without replying
//	huge*       write an oversized line, no reply
//	missing*    reply success=false
//	nodata*     reply success=true without data
//	slow-<ms>*  sleep <ms> before replying
//	anything    reply success=true with a canned classification
package fakeworker

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	EnvActivate     = "ORION_FAKE_WORKER"
	EnvReadyDelay   = "FAKE_READY_DELAY_MS"
	EnvNoReady      = "FAKE_NO_READY"
	EnvFailWorkers  = "FAKE_FAIL_WORKERS"
	EnvDelay        = "FAKE_DELAY_MS"
	EnvFirstDelay   = "FAKE_FIRST_DELAY_MS"
	EnvGarbage      = "FAKE_GARBAGE"
	EnvHugeBytes    = "FAKE_HUGE_BYTES"
	EnvPIDDir       = "FAKE_PID_DIR"
	EnvNoEcho       = "FAKE_NO_ECHO"
	defaultHugeSize = 2 << 20
)

// Options configures the fake worker through its environment.
type Options struct {
	ReadyDelay  time.Duration
	NoReady     bool
	FailWorkers []int
	Delay       time.Duration
	FirstDelay  time.Duration
	Garbage     bool
	HugeBytes   int
	PIDDir      string
	NoEcho      bool
}

// Env renders opts as environment entries.
func Env(opts Options) map[string]string {
	env := map[string]string{EnvActivate: "1"}

	if opts.ReadyDelay > 0 {
		env[EnvReadyDelay] = strconv.FormatInt(opts.ReadyDelay.Milliseconds(), 10)
	}
	if opts.NoReady {
		env[EnvNoReady] = "1"
	}
	if len(opts.FailWorkers) > 0 {
		ids := make([]string, len(opts.FailWorkers))
		for i, id := range opts.FailWorkers {
			ids[i] = strconv.Itoa(id)
		}
		env[EnvFailWorkers] = strings.Join(ids, ",")
	}
	if opts.Delay > 0 {
		env[EnvDelay] = strconv.FormatInt(opts.Delay.Milliseconds(), 10)
	}
	if opts.FirstDelay > 0 {
		env[EnvFirstDelay] = strconv.FormatInt(opts.FirstDelay.Milliseconds(), 10)
	}
	if opts.Garbage {
		env[EnvGarbage] = "1"
	}
	if opts.HugeBytes > 0 {
		env[EnvHugeBytes] = strconv.Itoa(opts.HugeBytes)
	}
	if opts.PIDDir != "" {
		env[EnvPIDDir] = opts.PIDDir
	}
	if opts.NoEcho {
		env[EnvNoEcho] = "1"
	}

	return env
}

// RunIfRequested runs the fake worker and exits when the process was started
// as one. Otherwise it returns immediately.
func RunIfRequested() {
	if os.Getenv(EnvActivate) != "1" {
		return
	}
	os.Exit(run())
}

// LivePIDs returns the pids recorded in dir whose processes still exist.
func LivePIDs(dir string) []int {
	entries, _ := os.ReadDir(dir)

	var live []int
	for _, e := range entries {
		pid, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".pid"))
		if err != nil {
			continue
		}
		if processAlive(pid) {
			live = append(live, pid)
		}
	}
	return live
}

type request struct {
	ID        string `json:"id"`
	ImagePath string `json:"imagePath"`
}

func run() int {
	workerID, _ := strconv.Atoi(os.Getenv("WORKER_ID"))

	if dir := os.Getenv(EnvPIDDir); dir != "" {
		_ = os.WriteFile(filepath.Join(dir, strconv.Itoa(os.Getpid())+".pid"), nil, 0o644)
	}

	fmt.Fprintf(os.Stderr, "[INFO] worker %d: initializing model %s\n", workerID, os.Getenv("MODEL_PATH"))

	if slices.Contains(intList(os.Getenv(EnvFailWorkers)), workerID) {
		fmt.Fprintf(os.Stderr, "[ERROR] worker %d: model failed to load\n", workerID)
		return 1
	}

	sleepMS(os.Getenv(EnvReadyDelay))

	if os.Getenv(EnvNoReady) == "1" {
		select {}
	}

	out := bufio.NewWriter(os.Stdout)
	fmt.Fprintln(out, "READY")
	_ = out.Flush()

	first := true
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		var req request
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			writeJSON(out, map[string]any{"success": false, "error": err.Error(), "error_type": "JSONDecodeError"})
			continue
		}

		delay := os.Getenv(EnvDelay)
		if first && os.Getenv(EnvFirstDelay) != "" {
			delay = os.Getenv(EnvFirstDelay)
		}
		first = false
		sleepMS(delay)

		base := filepath.Base(req.ImagePath)
		id := req.ID
		if os.Getenv(EnvNoEcho) == "1" {
			id = ""
		}

		if os.Getenv(EnvGarbage) == "1" {
			fmt.Fprintln(out, "garbage")
		}

		switch {
		case strings.HasPrefix(base, "crash"):
			_ = out.Flush()
			fmt.Fprintf(os.Stderr, "[CRITICAL] worker %d: segmentation fault\n", workerID)
			return 3

		case strings.HasPrefix(base, "huge"):
			size := defaultHugeSize
			if v, err := strconv.Atoi(os.Getenv(EnvHugeBytes)); err == nil && v > 0 {
				size = v
			}
			_, _ = out.WriteString(strings.Repeat("x", size))
			_ = out.WriteByte('\n')

		case strings.HasPrefix(base, "nodata"):
			writeJSON(out, map[string]any{"id": id, "success": true})

		case strings.HasPrefix(base, "missing"):
			writeJSON(out, map[string]any{
				"id":         id,
				"success":    false,
				"error":      "Image not found: " + req.ImagePath,
				"error_type": "FileNotFoundError",
			})

		default:
			if strings.HasPrefix(base, "slow-") {
				ms, _, _ := strings.Cut(strings.TrimPrefix(base, "slow-"), ".")
				sleepMS(ms)
			}
			writeJSON(out, map[string]any{
				"id":      id,
				"success": true,
				"data": map[string]any{
					"predicted_class":       "Healthy",
					"category":              "Healthy",
					"subtype":               nil,
					"confidence":            0.97,
					"confidence_percentage": 97.0,
					"confidence_level":      "Very High",
					"all_probabilities": []map[string]any{
						{"class": "Healthy", "confidence": 0.97, "confidence_percentage": 97.0},
						{"class": "Water_Stress", "confidence": 0.03, "confidence_percentage": 3.0},
					},
					"explanation":     "Plant appears healthy with no visible issues detected.",
					"recommendations": []string{"Continue current care routine"},
					"model_version":   "v1.0.0",
					"model_name":      "efficientnet_b2",
					"worker_id":       workerID,
					"image":           req.ImagePath,
				},
			})
		}

		_ = out.Flush()
		fmt.Fprintf(os.Stderr, "[INFO] worker %d: prediction complete for %s\n", workerID, req.ImagePath)
	}

	return 0
}

func writeJSON(out *bufio.Writer, v any) {
	b, _ := json.Marshal(v)
	_, _ = out.Write(b)
	_ = out.WriteByte('\n')
}

func sleepMS(v string) {
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func intList(v string) []int {
	var out []int
	for _, s := range strings.Split(v, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
