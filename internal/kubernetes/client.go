package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/u2takey/go-utils/filesystem/homedir"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aonescu/tiops/internal/types"
)

// Clients bundles the typed and dynamic clients built from one config.
type Clients struct {
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
}

// DefaultKubeconfig returns ~/.kube/config, or "" without a home directory.
func DefaultKubeconfig() string {
	if home := homedir.HomeDir(); home != "" {
		return filepath.Join(home, ".kube", "config")
	}
	return ""
}

// RESTConfig prefers an explicit kubeconfig, then the in-cluster service
// account, then the default kubeconfig.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		kubeconfig = DefaultKubeconfig()
	}
	if kubeconfig == "" {
		return nil, types.NewError(types.KindNotFound, "kube config", fmt.Errorf("not in a cluster and no kubeconfig"))
	}
	if _, err := os.Stat(kubeconfig); err != nil {
		return nil, types.NewError(types.KindNotFound, "kube config", err)
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}
	return cfg, nil
}

func NewClients(kubeconfig string) (*Clients, error) {
	cfg, err := RESTConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	return &Clients{Typed: typed, Dynamic: dyn}, nil
}

// Ping asks the API server for its version. The request is bound to ctx;
// clients without a REST transport fall back to the discovery call.
func (c *Clients) Ping(ctx context.Context) error {
	var err error
	if rc := c.Typed.Discovery().RESTClient(); rc != nil {
		err = rc.Get().AbsPath("/version").Do(ctx).Error()
	} else {
		_, err = c.Typed.Discovery().ServerVersion()
	}
	if err != nil {
		return types.NewError(types.KindConnectivity, "ping apiserver", err)
	}
	return ctx.Err()
}
