package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/3cpo-dev/knot/internal/dispatch"
)

// Runner executes a command and returns its payload. Failures are
// reported in the payload as a REMOTE_ERROR sequence.
type Runner interface {
	Run(ctx context.Context, command string, args []any) any
}

var commandName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// HookRunner runs <Dir>/<command> with the JSON encoded arguments on
// stdin. A zero exit status yields stdout decoded as JSON, or as a plain
// string when it is not JSON.
type HookRunner struct {
	Dir     string
	Timeout time.Duration
}

func remoteError(msgs ...string) []any {
	out := []any{dispatch.RemoteErrorSentinel}
	for _, m := range msgs {
		out = append(out, m)
	}
	return out
}

func (h HookRunner) Run(ctx context.Context, command string, args []any) any {
	if !commandName.MatchString(command) {
		return remoteError(fmt.Sprintf("invalid command %q", command))
	}
	path := filepath.Join(h.Dir, command)
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return remoteError(fmt.Sprintf("unknown command %s", command))
	}
	if args == nil {
		args = []any{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		return remoteError("encode arguments", err.Error())
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		var exit *exec.ExitError
		if msg == "" || !errors.As(err, &exit) {
			msg = err.Error()
		}
		return remoteError(msg)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return string(out)
	}
	return v
}
