package kube

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"appbroker/internal/executor"
)

const redisPort = 6379

// RedisEndpoint is where the work queue of an application is reachable.
type RedisEndpoint struct {
	// Service is the in-cluster DNS name job pods use.
	Service string
	// Host and Port are the address the broker dials.
	Host string
	Port int
}

func (e RedisEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// RedisName is the pod and service name of an application's work queue.
func RedisName(appID string) string {
	return "redis-" + appID
}

// ProvisionRedis creates the work-queue pod and its NodePort service and
// waits for the pod to run. Partial resources are removed on failure.
func (c *Client) ProvisionRedis(ctx context.Context, appID string) (RedisEndpoint, error) {
	name := RedisName(appID)
	labels := Labels(appID)
	labels["role"] = "redis"

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.cfg.Namespace, Labels: labels},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "redis",
				Image: c.cfg.RedisImage,
				Ports: []corev1.ContainerPort{{ContainerPort: redisPort}},
			}},
		},
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.cfg.Namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Protocol:   corev1.ProtocolTCP,
				Port:       redisPort,
				TargetPort: intstr.FromInt32(redisPort),
			}},
		},
	}

	fail := func(err error) (RedisEndpoint, error) {
		if derr := c.DeleteRedis(context.WithoutCancel(ctx), appID); derr != nil {
			c.log.Warn("failed to clean up redis", zap.String("app_id", appID), zap.Error(derr))
		}
		return RedisEndpoint{}, &executor.ProvisioningError{Resource: "redis", Err: err}
	}

	if _, err := c.cs.CoreV1().Pods(c.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return fail(fmt.Errorf("create pod %s: %w", name, err))
	}
	createdSvc, err := c.cs.CoreV1().Services(c.cfg.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return fail(fmt.Errorf("create service %s: %w", name, err))
	}

	running, err := c.waitForPodRunning(ctx, name)
	if err != nil {
		return fail(err)
	}

	ep := RedisEndpoint{Service: name, Host: c.cfg.NodeHost, Port: redisPort}
	if ep.Host == "" {
		ep.Host = running.Status.HostIP
	}
	if len(createdSvc.Spec.Ports) > 0 && createdSvc.Spec.Ports[0].NodePort != 0 {
		ep.Port = int(createdSvc.Spec.Ports[0].NodePort)
	}
	c.log.Info("redis provisioned", zap.String("app_id", appID), zap.String("addr", ep.Addr()))
	return ep, nil
}

func (c *Client) waitForPodRunning(ctx context.Context, name string) (*corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RedisTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		pod, err := c.cs.CoreV1().Pods(c.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("get pod %s: %w", name, err)
		}
		if pod != nil {
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return pod, nil
			case corev1.PodFailed, corev1.PodSucceeded:
				return nil, fmt.Errorf("pod %s exited with phase %s", name, pod.Status.Phase)
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pod %s not running after %s: %w", name, c.cfg.RedisTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// DeleteRedis removes the work-queue pod and service. Missing resources are
// not an error.
func (c *Client) DeleteRedis(ctx context.Context, appID string) error {
	name := RedisName(appID)
	errPod := ignoreNotFound(c.cs.CoreV1().Pods(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}))
	errSvc := ignoreNotFound(c.cs.CoreV1().Services(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}))
	return errors.Join(errPod, errSvc)
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
