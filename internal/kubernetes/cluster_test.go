package k8s_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/u2takey/go-utils/filesystem/homedir"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"

	"github.com/aonescu/tiops/internal/engine"
	"github.com/aonescu/tiops/internal/formatting"
	k8s "github.com/aonescu/tiops/internal/kubernetes"
	"github.com/aonescu/tiops/internal/policy"
	"github.com/aonescu/tiops/internal/types"
)

func TestRESTConfig_MissingKubeconfig(t *testing.T) {
	_, err := k8s.RESTConfig(filepath.Join(t.TempDir(), "nope"))
	if !types.IsNotFound(err) {
		t.Fatalf("Expected not found, got %v", err)
	}
}

func TestDefaultKubeconfig(t *testing.T) {
	home := homedir.HomeDir()
	got := k8s.DefaultKubeconfig()
	if home == "" {
		if got != "" {
			t.Errorf("Expected empty path without a home directory, got %s", got)
		}
		return
	}
	if !strings.HasSuffix(got, filepath.Join(".kube", "config")) {
		t.Errorf("Unexpected kubeconfig path %s", got)
	}
}

func TestPing_HonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	typed, err := kubernetes.NewForConfig(&rest.Config{Host: srv.URL})
	if err != nil {
		t.Fatalf("Failed to build clientset: %v", err)
	}
	clients := &k8s.Clients{Typed: typed}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = clients.Ping(ctx)
	if err == nil {
		t.Fatal("Expected an error from a hung apiserver")
	}
	if !types.IsConnectivity(err) {
		t.Errorf("Expected connectivity error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Ping ignored the deadline, took %s", elapsed)
	}
}

func TestPing_FakeClientset(t *testing.T) {
	clients := &k8s.Clients{Typed: fake.NewSimpleClientset()}
	if err := clients.Ping(context.Background()); err != nil {
		t.Errorf("Expected fake apiserver to answer, got %v", err)
	}
}

// TestLiveClusterScan scans a real cluster for the offline-bundle CVE. It
// skips unless a kubeconfig is reachable.
func TestLiveClusterScan(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping live cluster test in short mode")
	}
	clients, err := k8s.NewClients("")
	if err != nil {
		t.Skipf("Skipping test: no cluster config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := clients.Ping(ctx); err != nil {
		t.Skipf("Skipping test: cluster not reachable: %v", err)
	}

	eng := engine.NewEngine(clients.Dynamic, policy.NewMemoryStore(), engine.Config{}, nil, logr.Discard())
	signal := types.NewSignal(types.Vulnerability, "CVE-2020-27350", time.Now(), nil)

	result, err := eng.ScanForSignal(ctx, signal)
	if types.IsNotFound(err) {
		t.Skipf("Skipping test: vulnerability reports not installed: %v", err)
	}
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	fmt.Println(formatting.FormatScanResult(result))
}
