package kube

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// JobSpec describes a parallel batch job.
type JobSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Parallelism int32
}

// CreateJob creates a batch/v1 Job with Parallelism workers and no retries.
func (c *Client) CreateJob(ctx context.Context, spec JobSpec) (*batchv1.Job, error) {
	labels := Labels(spec.Name)
	backoffLimit := int32(0)
	parallelism := spec.Parallelism

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: c.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Parallelism:  &parallelism,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: c.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:      "worker",
						Image:     spec.Image,
						Command:   spec.Command,
						Env:       envVars(spec.Env),
						Resources: c.resources(),
					}},
				},
			},
		},
	}

	created, err := c.cs.BatchV1().Jobs(c.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}
	c.log.Info("job created",
		zap.String("job", created.Name),
		zap.String("namespace", c.cfg.Namespace),
		zap.Int32("parallelism", parallelism),
	)
	return created, nil
}

// JobStatus returns the job status. A missing job yields an error for which
// apierrors.IsNotFound holds.
func (c *Client) JobStatus(ctx context.Context, name string) (batchv1.JobStatus, error) {
	job, err := c.cs.BatchV1().Jobs(c.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return batchv1.JobStatus{}, err
	}
	return job.Status, nil
}

// DeleteJob deletes a job and its pods. A missing job is not an error.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationForeground
	err := c.cs.BatchV1().Jobs(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err := ignoreNotFound(err); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", name, err)
	}
	c.log.Info("job deleted", zap.String("job", name))
	return nil
}

func (c *Client) resources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(c.cfg.CPULimit),
			corev1.ResourceMemory: resource.MustParse(c.cfg.MemoryLimit),
		},
	}
}

// envVars sorts by name so generated specs are stable.
func envVars(env map[string]string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
