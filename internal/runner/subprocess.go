package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Subprocess shells out to an external optimization harness.
// Evaluate runs `<cmd> evaluate <spec-file> --json` and parses a single JSON
// object from stdout. Optimize runs `<cmd> optimize <spec-file> --strategy S
// --output <out-file>` and consumes NDJSON progress lines from stdout.
type Subprocess struct {
	Command string
	Args    []string // prepended before the subcommand
}

type harnessLine struct {
	Type     string  `json:"type"`
	Fraction float64 `json:"fraction"`
	Note     string  `json:"note"`
}

func (r Subprocess) Evaluate(ctx context.Context, spec string, scoring ScoringConfig) (EvalResult, error) {
	if r.Command == "" {
		return EvalResult{}, errors.New("runner command is required")
	}
	specFile, cleanup, err := writeTempSpec(spec)
	if err != nil {
		return EvalResult{}, err
	}
	defer cleanup()

	args := append(append([]string{}, r.Args...), "evaluate", specFile, "--json")
	if scoring.Dataset != "" {
		args = append(args, "--dataset", scoring.Dataset)
	}
	if scoring.Metric != "" {
		args = append(args, "--metric", scoring.Metric)
	}
	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return EvalResult{}, ctx.Err()
		}
		return EvalResult{}, &EvaluationError{
			Reason:    "harness exited: " + strings.TrimSpace(stderr.String()),
			Transient: true,
			Err:       err,
		}
	}
	var res EvalResult
	if err := json.Unmarshal(lastJSONLine(stdout.Bytes()), &res); err != nil {
		return EvalResult{}, &EvaluationError{Reason: "malformed harness output", Err: err}
	}
	res.Raw = append([]byte(nil), lastJSONLine(stdout.Bytes())...)
	return res, nil
}

func (r Subprocess) Optimize(ctx context.Context, spec, optimizer string, params map[string]string, onProgress Progress) (OptimizeResult, error) {
	if r.Command == "" {
		return OptimizeResult{}, errors.New("runner command is required")
	}
	specFile, cleanup, err := writeTempSpec(spec)
	if err != nil {
		return OptimizeResult{}, err
	}
	defer cleanup()
	outFile := specFile + ".out"
	defer func() { _ = os.Remove(outFile) }()

	args := append(append([]string{}, r.Args...), "optimize", specFile, "--strategy", optimizer, "--output", outFile)
	if v := params["iterations"]; v != "" {
		args = append(args, "--iterations", v)
	}
	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return OptimizeResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return OptimizeResult{}, err
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev harnessLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Debug("runner: ignoring non-JSON harness line", "line", line)
			continue
		}
		if ev.Type == "progress" && onProgress != nil {
			onProgress(ev.Fraction, ev.Note)
		}
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return OptimizeResult{}, &OptimizationError{Reason: "budget exhausted", Timeout: true, Err: ctx.Err()}
	}
	if waitErr != nil {
		return OptimizeResult{}, &OptimizationError{
			Reason: "harness exited: " + strings.TrimSpace(stderr.String()),
			Err:    waitErr,
		}
	}
	if err := sc.Err(); err != nil {
		return OptimizeResult{}, &OptimizationError{Reason: "reading harness output", Err: err}
	}
	out, err := os.ReadFile(outFile)
	if err != nil {
		return OptimizeResult{}, &OptimizationError{Reason: "harness produced no output spec", Err: err}
	}
	return OptimizeResult{Spec: string(out)}, nil
}

func writeTempSpec(spec string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "voxtune-spec-*")
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, "spec.yaml")
	if err := os.WriteFile(path, []byte(spec), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	return path, func() { _ = os.RemoveAll(dir) }, nil
}

// lastJSONLine returns the last non-empty line of b. Harnesses often print
// human-readable chatter before the final JSON object.
func lastJSONLine(b []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		ln := bytes.TrimSpace(lines[i])
		if len(ln) > 0 {
			return ln
		}
	}
	return nil
}
