package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_CommandTree(t *testing.T) {
	t.Parallel()
	root := NewRootCmd()

	names := map[string][]string{}
	for _, c := range root.Commands() {
		var subs []string
		for _, s := range c.Commands() {
			subs = append(subs, s.Name())
		}
		names[c.Name()] = subs
	}

	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "worker")
	assert.ElementsMatch(t, []string{"up", "down", "status"}, names["migrate"])

	for _, flag := range []string{"env-file", "log-level", "backend"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_URL_FILE", "")

	_, err := execute(t, "migrate", "up", "--env-file", t.TempDir()+"/missing.env")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrate_RejectsArgs(t *testing.T) {
	_, err := execute(t, "migrate", "status", "extra")
	require.Error(t, err)
}

func TestServe_UnknownBackend(t *testing.T) {
	t.Setenv("SECRET_ENCRYPTION_KEY_FILE", "")

	_, err := execute(t, "serve", "--backend", "sqlite", "--env-file", t.TempDir()+"/missing.env")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store backend "sqlite"`)
}

func TestServiceConfig_BackendOverride(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")

	cfg := (&rootOptions{backend: "memory"}).serviceConfig()
	assert.Equal(t, "memory", cfg.StoreBackend)

	cfg = (&rootOptions{}).serviceConfig()
	assert.Equal(t, "postgres", cfg.StoreBackend)
}

func TestNewMetricsServer(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv := newMetricsServer("0", metrics, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", w.Body.String())

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 10*time.Second, srv.ReadTimeout)
}

func TestStartServer_ReportsListenFailure(t *testing.T) {
	t.Parallel()
	errs := make(chan error, 1)
	startServer("test", &http.Server{Addr: "bad-address"}, errs)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "test server")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a listen error")
	}
}
