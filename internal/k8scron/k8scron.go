// Package k8scron manages the daily-scrum CronJobs on the cluster
// control plane. Names are deterministic per project and sprint, so
// ensure and delete are idempotent.
package k8scron

import (
	"context"
	"fmt"
	"log/slog"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/loopworks/cadence/internal/model"
)

// Config tunes CronJob rendering.
type Config struct {
	Namespace string
	Image     string
	// ReporterURL is passed to the job container so the daily scrum run
	// can post its report.
	ReporterURL string
}

// Manager creates, deletes, and probes daily-scrum CronJobs.
type Manager struct {
	client kubernetes.Interface
	cfg    Config
	logger *slog.Logger
}

// NewManager builds a manager over any clientset, real or fake.
func NewManager(client kubernetes.Interface, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &Manager{client: client, cfg: cfg, logger: logger}
}

// Exists reports whether the named CronJob is present.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.client.BatchV1().CronJobs(m.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8scron: get %s: %w", name, err)
	}
	return true, nil
}

// EnsureCronJob creates the daily-scrum CronJob for a project and sprint.
// An already-existing job of the same name is success, not an error.
func (m *Manager) EnsureCronJob(ctx context.Context, projectID, sprintID, schedule string) (string, error) {
	job := m.render(projectID, sprintID, schedule)
	name := job.Name

	_, err := m.client.BatchV1().CronJobs(m.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		m.logger.Debug("cronjob already exists", "cronjob", name)
		return name, nil
	}
	if err != nil {
		return "", fmt.Errorf("k8scron: create %s: %w", name, err)
	}

	m.logger.Info("cronjob created",
		"cronjob", name, "project_id", projectID, "sprint_id", sprintID, "schedule", schedule)
	return name, nil
}

// DeleteCronJob removes the job for a project and sprint. A job that is
// already gone is success.
func (m *Manager) DeleteCronJob(ctx context.Context, projectID, sprintID string) error {
	name := model.CronJobName(projectID, sprintID)
	err := m.client.BatchV1().CronJobs(m.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		m.logger.Debug("cronjob already absent", "cronjob", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("k8scron: delete %s: %w", name, err)
	}
	m.logger.Info("cronjob deleted", "cronjob", name, "project_id", projectID)
	return nil
}

// render builds the CronJob manifest: one container running the daily
// scrum for the sprint, labeled for lookup by project and sprint.
func (m *Manager) render(projectID, sprintID, schedule string) *batchv1.CronJob {
	name := model.CronJobName(projectID, sprintID)
	labels := map[string]string{
		"app.kubernetes.io/name":      "daily-scrum",
		"app.kubernetes.io/component": "orchestrator",
		"cadence.io/project":          projectID,
		"cadence.io/sprint":           sprintID,
	}

	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.CronJobSpec{
			Schedule:          schedule,
			ConcurrencyPolicy: batchv1.ForbidConcurrent,
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: labels},
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyNever,
							Containers: []corev1.Container{{
								Name:  "daily-scrum",
								Image: m.cfg.Image,
								Env: []corev1.EnvVar{
									{Name: "PROJECT_ID", Value: projectID},
									{Name: "SPRINT_ID", Value: sprintID},
									{Name: "REPORTER_URL", Value: m.cfg.ReporterURL},
								},
							}},
						},
					},
				},
			},
		},
	}
}

