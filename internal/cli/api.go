package cli

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/voxtune/voxtune/internal/config"
	"github.com/voxtune/voxtune/internal/daemon"
	"github.com/voxtune/voxtune/pkg/client"
)

// apiClient returns a client for the locally running daemon. Job lifecycle
// commands go through the HTTP API so there is a single writer for job state.
func apiClient(ctx context.Context) (*client.Client, error) {
	home := config.MustHomeFrom(ctx)
	st, err := daemon.Status(ctx, home)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		return nil, errors.New("voxtune is not running (start it with: voxtune start)")
	}
	addr := st.Addr
	if host, port, ok := strings.Cut(addr, ":"); ok && (host == "0.0.0.0" || host == "") {
		addr = "localhost:" + port
	}
	return client.New("http://"+addr, os.Getenv("VOXTUNE_API_KEY")), nil
}
