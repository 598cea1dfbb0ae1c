package main

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"appbroker/internal/auth"
	"appbroker/internal/backend/chronos"
	"appbroker/internal/backend/docker"
	"appbroker/internal/backend/kube"
	"appbroker/internal/backend/kubeapps"
	"appbroker/internal/backend/kubejobs"
	"appbroker/internal/backend/sahara"
	"appbroker/internal/collaborator"
	"appbroker/internal/config"
	"appbroker/internal/executor"
	"appbroker/internal/lifecycle"
	"appbroker/internal/observability"
	"appbroker/internal/plugin"
	"appbroker/internal/store"
)

// buildRegistry registers a factory for every enabled plugin. The returned
// func releases backend clients.
func buildRegistry(cfg *config.Config, st store.Store, metrics *observability.BrokerMetrics, signer *auth.CallbackSigner, zl *zap.Logger) (*plugin.Registry, func(), error) {
	httpClient := collaborator.NewHTTPClient(cfg.Services.RetryMax, cfg.Services.Timeout, zl)
	env := lifecycle.Env{
		Store:         st,
		Logger:        zl,
		Metrics:       metrics,
		Collaborators: collaborator.New(httpClient),
		Services: executor.Collaborators{
			MonitorURL:    cfg.Services.MonitorURL,
			ControllerURL: cfg.Services.ControllerURL,
			VisualizerURL: cfg.Services.VisualizerURL,
			DashboardURL:  cfg.Services.DashboardURL,
		},
	}
	poll := lifecycle.PollConfig{
		Interval:      cfg.Poll.Interval,
		NotFoundLimit: cfg.Poll.NotFoundLimit,
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				zl.Warn("failed to close backend client", zap.Error(err))
			}
		}
	}

	var kc *kube.Client
	kubeClient := func() (*kube.Client, error) {
		if kc != nil {
			return kc, nil
		}
		k := cfg.Kubernetes
		cs, err := kube.NewClientset(k.Kubeconfig, zl)
		if err != nil {
			return nil, err
		}
		kc = kube.New(cs, kube.Config{
			Namespace:      k.Namespace,
			ServiceAccount: k.ServiceAccount,
			CPULimit:       k.CPULimit,
			MemoryLimit:    k.MemoryLimit,
			RedisImage:     k.RedisImage,
			RedisTimeout:   k.RedisTimeout,
			NodeHost:       k.NodeHost,
		}, zl)
		return kc, nil
	}

	reg := plugin.NewRegistry()
	for _, name := range cfg.Plugins {
		var (
			f   plugin.Factory
			err error
		)
		switch name {
		case kubejobs.Name:
			var c *kube.Client
			if c, err = kubeClient(); err == nil {
				f = kubejobs.NewFactory(kubejobs.Options{
					Env:       env,
					Kube:      c,
					Dial:      redisDialer(cfg.Kubernetes.RedisHost),
					HTTP:      httpClient,
					Poll:      poll,
					StopDelay: cfg.Kubernetes.StopDelay,
				})
			}
		case kubeapps.Name:
			var c *kube.Client
			if c, err = kubeClient(); err == nil {
				f = kubeapps.NewFactory(kubeapps.Options{Env: env, Kube: c, Poll: poll})
			}
		case chronos.Name:
			if signer == nil {
				err = errors.New("callback_secret is required")
				break
			}
			c := cfg.Chronos
			f = chronos.NewFactory(chronos.Options{
				Env:           env,
				Chronos:       chronos.NewClient(httpClient, c.URL, c.Username, c.Password),
				HTTP:          httpClient,
				Signer:        signer,
				CallbackURL:   c.CallbackURL,
				SupervisorURL: c.SupervisorURL,
				Poll:          poll,
			})
		case sahara.Name:
			s := cfg.Sahara
			f = sahara.NewFactory(sahara.Options{
				Env: env,
				Sahara: sahara.NewClient(httpClient, s.URL, sahara.Credentials{
					AuthURL:   s.AuthURL,
					Username:  s.Username,
					Password:  s.Password,
					ProjectID: s.ProjectID,
					Domain:    s.Domain,
				}),
				Username:       s.Username,
				Password:       s.Password,
				PublicKey:      s.PublicKey,
				OptimizerURL:   cfg.Services.OptimizerURL,
				VCPUsPerWorker: s.VCPUsPerWorker,
				ClusterTimeout: s.ClusterTimeout,
				Poll:           lifecycle.PollConfig{Interval: poll.Interval, Timeout: s.Timeout, NotFoundLimit: poll.NotFoundLimit},
			})
		case docker.Name:
			var engine *docker.DockerEngine
			if engine, err = docker.NewDockerEngine(cfg.Docker.Host, cfg.Docker.Platform); err == nil {
				closers = append(closers, engine.Close)
				f = docker.NewFactory(docker.Options{Env: env, Engine: engine, Poll: poll})
			}
		default:
			err = fmt.Errorf("%w: %s", executor.ErrUnknownBackend, name)
		}
		if err == nil {
			err = reg.Register(name, f)
		}
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("enable plugin %s: %w", name, err)
		}
		zl.Info("plugin enabled", zap.String("plugin", name))
	}
	return reg, closeAll, nil
}

// redisDialer points work queue connections at host while keeping the port
// the broker resolved for the application.
func redisDialer(host string) kubejobs.Dialer {
	if host == "" {
		return kubejobs.DialRedis
	}
	return func(addr string) kubejobs.Queue {
		if _, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		return kubejobs.DialRedis(addr)
	}
}
