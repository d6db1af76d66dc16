package executor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gflowd/gflowd/internal/models"
)

// KubernetesExecutor launches a job as a single Kubernetes Job object, for
// a single-node or kind-cluster "workstation". It still makes no scheduling
// decisions of its own — the core already picked the GPUs; this runs
// exactly one Job per launch with the same contract as the tmux backend.
type KubernetesExecutor struct {
	clientset *kubernetes.Clientset
	namespace string
	image     string
	baseURL   string
}

// NewKubernetesExecutor builds a client from in-cluster config when present,
// else falls back to kubeconfigPath (useful for a single-node kind cluster
// running alongside the daemon, not inside it).
func NewKubernetesExecutor(namespace, kubeconfigPath, finishCallbackBaseURL string) (*KubernetesExecutor, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfigPath == "" {
			kubeconfigPath = os.Getenv("KUBECONFIG")
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("kubernetes executor: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes executor: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesExecutor{clientset: clientset, namespace: namespace, baseURL: finishCallbackBaseURL}, nil
}

func (e *KubernetesExecutor) Execute(job *models.Job) error {
	ctx := context.Background()
	logger := logging.Log.WithField("job_id", job.ID)

	jobName := strings.ToLower(fmt.Sprintf("gflowd-job-%d", job.ID))

	env := []corev1.EnvVar{
		{Name: "GFLOW_ARRAY_TASK_ID", Value: arrayTaskID(job)},
		{Name: "CUDA_VISIBLE_DEVICES", Value: cudaVisibleDevices(job)},
	}

	resources := corev1.ResourceRequirements{}
	if len(job.GpuIDs) > 0 {
		resources.Limits = corev1.ResourceList{
			"nvidia.com/gpu": *resource.NewQuantity(int64(len(job.GpuIDs)), resource.DecimalSI),
		}
	}

	backoffLimit := int32(0)
	k8sJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: e.namespace,
			Labels: map[string]string{
				"gflowd.job_id":   fmt.Sprintf("%d", job.ID),
				"gflowd.run_name": job.RunName,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:      "job",
						Image:     e.image,
						Command:   []string{"bash", "-c", jobCommandLine(job)},
						Env:       env,
						Resources: resources,
					}},
				},
			},
		},
	}

	if _, err := e.clientset.BatchV1().Jobs(e.namespace).Create(ctx, k8sJob, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("kubernetes: create job: %w", err)
	}

	logger.WithField("k8s_job", jobName).Info("kubernetes job created")
	go e.watch(jobName, job)
	return nil
}

// watch polls the Job's status until it completes or fails, then reports
// the outcome back to the daemon the same way the other non-tmux backends
// do.
func (e *KubernetesExecutor) watch(jobName string, job *models.Job) {
	ctx := context.Background()
	watcher, err := e.clientset.BatchV1().Jobs(e.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", jobName),
	})
	if err != nil {
		logging.Log.WithError(err).WithField("job_id", job.ID).Error("failed to watch kubernetes job")
		return
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		k8sJob, ok := event.Object.(*batchv1.Job)
		if !ok {
			continue
		}
		if k8sJob.Status.Succeeded > 0 {
			postCallback(e.baseURL, job.ID, "finish")
			return
		}
		if k8sJob.Status.Failed > 0 {
			postCallback(e.baseURL, job.ID, "fail")
			return
		}
	}
}
