// Package kube wraps the Kubernetes API calls shared by the kubejobs and
// kubeapps backends.
package kube

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ManagedBy is the value of app.kubernetes.io/managed-by on everything the
// broker creates.
const ManagedBy = "appbroker"

// Config holds defaults for resources created in the cluster.
type Config struct {
	Namespace      string
	ServiceAccount string
	CPULimit       string
	MemoryLimit    string
	RedisImage     string
	RedisTimeout   time.Duration
	// NodeHost is the address used to reach NodePort services from the
	// broker. When empty the pod's host IP is used.
	NodeHost string
}

// Client creates and inspects broker-owned cluster resources.
type Client struct {
	cs  kubernetes.Interface
	cfg Config
	log *zap.Logger
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

// NewClientset tries in-cluster configuration first and falls back to
// kubeconfig (or ~/.kube/config) for local development.
func NewClientset(kubeconfig string, log *zap.Logger) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = filepath.Join(homeDir(), ".kube", "config")
		}
		log.Info("in-cluster config not available, using kubeconfig",
			zap.String("kubeconfig", kubeconfig), zap.Error(err))
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

// New wraps a clientset, filling unset defaults.
func New(cs kubernetes.Interface, cfg Config, log *zap.Logger) *Client {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "512Mi"
	}
	if cfg.RedisImage == "" {
		cfg.RedisImage = "redis:7"
	}
	if cfg.RedisTimeout <= 0 {
		cfg.RedisTimeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cs: cs, cfg: cfg, log: log.Named("kube")}
}

func (c *Client) Namespace() string { return c.cfg.Namespace }

// Labels returns the labels put on every resource of an application.
func Labels(appID string) map[string]string {
	return map[string]string{
		"app":                          appID,
		"app.kubernetes.io/managed-by": ManagedBy,
	}
}
