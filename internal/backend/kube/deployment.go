package kube

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// AppSpec describes a long-running application exposed on a NodePort.
type AppSpec struct {
	Name     string
	Image    string
	Command  []string
	Env      map[string]string
	Replicas int32
	Port     int32
	// InitContainer, when set, runs before the app container with the
	// shared /app volume mounted (used to clone sources).
	InitContainer *corev1.Container
}

// CreateApp creates a Deployment and a NodePort Service for it and returns
// the allocated node port.
func (c *Client) CreateApp(ctx context.Context, spec AppSpec) (int32, error) {
	labels := Labels(spec.Name)
	replicas := spec.Replicas

	volume := corev1.Volume{Name: "app", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}}
	mount := corev1.VolumeMount{Name: "app", MountPath: "/app"}

	podSpec := corev1.PodSpec{
		ServiceAccountName: c.cfg.ServiceAccount,
		Containers: []corev1.Container{{
			Name:         "app",
			Image:        spec.Image,
			Command:      spec.Command,
			Env:          envVars(spec.Env),
			Ports:        []corev1.ContainerPort{{ContainerPort: spec.Port}},
			Resources:    c.resources(),
			VolumeMounts: []corev1.VolumeMount{mount},
		}},
		Volumes: []corev1.Volume{volume},
	}
	if spec.InitContainer != nil {
		init := *spec.InitContainer
		init.VolumeMounts = append(init.VolumeMounts, mount)
		podSpec.InitContainers = []corev1.Container{init}
		podSpec.Containers[0].WorkingDir = "/app"
	}

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: c.cfg.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
	if _, err := c.cs.AppsV1().Deployments(c.cfg.Namespace).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return 0, fmt.Errorf("failed to create deployment %s: %w", spec.Name, err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: c.cfg.Namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Protocol:   corev1.ProtocolTCP,
				Port:       spec.Port,
				TargetPort: intstr.FromInt32(spec.Port),
			}},
		},
	}
	created, err := c.cs.CoreV1().Services(c.cfg.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to create service %s: %w", spec.Name, err)
	}

	var nodePort int32
	if len(created.Spec.Ports) > 0 {
		nodePort = created.Spec.Ports[0].NodePort
	}
	c.log.Info("app deployed", zap.String("app", spec.Name), zap.Int32("node_port", nodePort))
	return nodePort, nil
}

// AppStatus returns the deployment status. A missing deployment yields an
// error for which apierrors.IsNotFound holds.
func (c *Client) AppStatus(ctx context.Context, name string) (appsv1.DeploymentStatus, error) {
	dep, err := c.cs.AppsV1().Deployments(c.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return appsv1.DeploymentStatus{}, err
	}
	return dep.Status, nil
}

// ScaleApp sets the deployment's replica count.
func (c *Client) ScaleApp(ctx context.Context, name string, replicas int32) error {
	deployments := c.cs.AppsV1().Deployments(c.cfg.Namespace)
	dep, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get deployment %s: %w", name, err)
	}
	dep.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale %s: %w", name, err)
	}
	c.log.Info("app scaled", zap.String("app", name), zap.Int32("replicas", replicas))
	return nil
}

// DeleteApp removes the deployment and its service. Missing resources are
// not an error.
func (c *Client) DeleteApp(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationForeground
	errDep := ignoreNotFound(c.cs.AppsV1().Deployments(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	}))
	errSvc := ignoreNotFound(c.cs.CoreV1().Services(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}))
	if err := errors.Join(errDep, errSvc); err != nil {
		return err
	}
	c.log.Info("app deleted", zap.String("app", name))
	return nil
}

// NodeURL returns the address of a NodePort service as seen from outside the
// cluster, empty when no node host is configured.
func (c *Client) NodeURL(port int32) string {
	if c.cfg.NodeHost == "" || port == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", c.cfg.NodeHost, port)
}
