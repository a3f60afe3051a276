package k8scron_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/loopworks/cadence/internal/k8scron"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(client *fake.Clientset) *k8scron.Manager {
	return k8scron.NewManager(client, k8scron.Config{
		Namespace:   "agile",
		Image:       "loopworks/dailyscrum-runner:latest",
		ReporterURL: "http://reporter:8000",
	}, testLogger())
}

func TestManager_EnsureCreatesCronJob(t *testing.T) {
	client := fake.NewClientset()
	m := newManager(client)

	name, err := m.EnsureCronJob(context.Background(), "PROJ1", "PROJ1-S01", "0 14 * * 1-5")
	require.NoError(t, err)
	assert.Equal(t, "run-dailyscrum-proj1-proj1-s01", name)

	job, err := client.BatchV1().CronJobs("agile").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0 14 * * 1-5", job.Spec.Schedule)
	assert.Equal(t, batchv1.ForbidConcurrent, job.Spec.ConcurrencyPolicy)
	assert.Equal(t, "PROJ1", job.Labels["cadence.io/project"])

	container := job.Spec.JobTemplate.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "loopworks/dailyscrum-runner:latest", container.Image)
	env := map[string]string{}
	for _, v := range container.Env {
		env[v.Name] = v.Value
	}
	assert.Equal(t, "PROJ1", env["PROJECT_ID"])
	assert.Equal(t, "PROJ1-S01", env["SPRINT_ID"])
	assert.Equal(t, "http://reporter:8000", env["REPORTER_URL"])
}

func TestManager_EnsureIsIdempotent(t *testing.T) {
	client := fake.NewClientset()
	m := newManager(client)

	first, err := m.EnsureCronJob(context.Background(), "PROJ1", "PROJ1-S01", "0 14 * * 1-5")
	require.NoError(t, err)
	second, err := m.EnsureCronJob(context.Background(), "PROJ1", "PROJ1-S01", "0 9 * * *")
	require.NoError(t, err, "an existing job of the same name is success")
	assert.Equal(t, first, second)

	jobs, err := client.BatchV1().CronJobs("agile").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestManager_ExistsAndDelete(t *testing.T) {
	client := fake.NewClientset()
	m := newManager(client)

	exists, err := m.Exists(context.Background(), "run-dailyscrum-proj1-proj1-s01")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.EnsureCronJob(context.Background(), "PROJ1", "PROJ1-S01", "0 14 * * 1-5")
	require.NoError(t, err)

	exists, err = m.Exists(context.Background(), "run-dailyscrum-proj1-proj1-s01")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.DeleteCronJob(context.Background(), "PROJ1", "PROJ1-S01"))
	exists, err = m.Exists(context.Background(), "run-dailyscrum-proj1-proj1-s01")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManager_DeleteAbsentJobIsSuccess(t *testing.T) {
	m := newManager(fake.NewClientset())
	assert.NoError(t, m.DeleteCronJob(context.Background(), "PROJ1", "PROJ1-S09"))
}
